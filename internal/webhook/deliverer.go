package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lalithlochan/outpost/internal/metrics"
)

// Header names sent with every delivery.
const (
	HeaderSignature = "X-Outpost-Signature"
	HeaderEvent     = "X-Outpost-Event"
	HeaderDelivery  = "X-Outpost-Delivery"
)

// Request is one signed POST.
type Request struct {
	URL        string
	EventType  string
	DeliveryID string
	Signature  string
	Body       []byte
}

// Deliverer sends a signed webhook and returns the HTTP status it got.
type Deliverer interface {
	Deliver(ctx context.Context, req Request) (int, error)
}

type HTTPConfig struct {
	Timeout   time.Duration
	UserAgent string
}

// HTTPDeliverer POSTs webhooks over HTTP. Anything other than 2xx is an error.
type HTTPDeliverer struct {
	client    *http.Client
	userAgent string
	tracer    trace.Tracer
	logger    *zap.Logger
}

func NewHTTPDeliverer(cfg HTTPConfig, logger *zap.Logger) *HTTPDeliverer {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "Outpost-Webhooks/1.0"
	}

	return &HTTPDeliverer{
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		userAgent: cfg.UserAgent,
		tracer:    otel.Tracer("github.com/lalithlochan/outpost/internal/webhook"),
		logger:    logger,
	}
}

func (d *HTTPDeliverer) Deliver(ctx context.Context, r Request) (int, error) {
	ctx, span := d.tracer.Start(ctx, "webhook.deliver", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("webhook.event", r.EventType),
			attribute.String("webhook.delivery_id", r.DeliveryID),
		))
	defer span.End()

	start := time.Now()
	status, err := d.post(ctx, r)
	outcome := "sent"
	if err != nil {
		outcome = "failed"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.Int("http.status_code", status))
	metrics.RecordWebhookDelivery(outcome, time.Since(start))
	return status, err
}

func (d *HTTPDeliverer) post(ctx context.Context, r Request) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(r.Body))
	if err != nil {
		return 0, fmt.Errorf("failed to create webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.userAgent)
	req.Header.Set(HeaderEvent, r.EventType)
	req.Header.Set(HeaderDelivery, r.DeliveryID)
	req.Header.Set(HeaderSignature, r.Signature)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	preview, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("webhook returned non-2xx status: %d, body: %s", resp.StatusCode, string(preview))
	}

	d.logger.Debug("webhook delivered",
		zap.String("delivery_id", r.DeliveryID),
		zap.String("url", r.URL),
		zap.Int("status_code", resp.StatusCode),
	)
	return resp.StatusCode, nil
}
