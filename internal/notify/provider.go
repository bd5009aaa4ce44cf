package notify

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/lalithlochan/outpost/internal/circuitbreaker"
)

// Provider delivers a rendered message on one channel. A nil error means the
// provider accepted the message.
type Provider interface {
	Send(ctx context.Context, recipient, subject, body string) error
}

// Router maps channels to providers.
type Router struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRouter() *Router {
	return &Router{providers: make(map[string]Provider)}
}

// Register sets the provider for channel, replacing any previous one.
func (r *Router) Register(channel string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[channel] = p
}

func (r *Router) Provider(channel string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[channel]
	return p, ok
}

// SentMessage is one message captured by MockProvider.
type SentMessage struct {
	Recipient string
	Subject   string
	Body      string
}

// MockProvider records messages instead of sending them. Set Err to make
// every send fail.
type MockProvider struct {
	mu   sync.Mutex
	sent []SentMessage
	err  error
}

func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

func (m *MockProvider) Send(_ context.Context, recipient, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, SentMessage{Recipient: recipient, Subject: subject, Body: body})
	return nil
}

// FailWith makes subsequent sends return err (nil restores success).
func (m *MockProvider) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *MockProvider) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.sent...)
}

// LogProvider writes messages to the log. Used for channels without a real
// transport configured.
type LogProvider struct {
	channel string
	logger  *zap.Logger
}

func NewLogProvider(channel string, logger *zap.Logger) *LogProvider {
	return &LogProvider{channel: channel, logger: logger}
}

func (p *LogProvider) Send(_ context.Context, recipient, subject, body string) error {
	if recipient == "" {
		return errors.New("recipient is empty")
	}
	p.logger.Info("notification delivered to log",
		zap.String("channel", p.channel),
		zap.String("recipient", recipient),
		zap.String("subject", subject),
		zap.Int("body_length", len(body)),
	)
	return nil
}

// ProtectedProvider fails fast through a circuit breaker while the wrapped
// provider keeps erroring.
type ProtectedProvider struct {
	provider Provider
	breaker  *circuitbreaker.CircuitBreaker
}

func NewProtectedProvider(p Provider, breaker *circuitbreaker.CircuitBreaker) *ProtectedProvider {
	return &ProtectedProvider{provider: p, breaker: breaker}
}

func (p *ProtectedProvider) Send(ctx context.Context, recipient, subject, body string) error {
	return p.breaker.Execute(ctx, func(ctx context.Context) error {
		return p.provider.Send(ctx, recipient, subject, body)
	})
}

// Breaker exposes the breaker for health reporting.
func (p *ProtectedProvider) Breaker() *circuitbreaker.CircuitBreaker {
	return p.breaker
}
