package webhook

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/lalithlochan/outpost/internal/db"
)

var (
	ErrInvalidURL    = errors.New("webhook url must be an absolute http(s) url")
	ErrNoEvents      = errors.New("webhook subscription needs at least one event")
	secretPrefix     = "whsec_"
	secretRandomSize = 24
)

// ManagementStore adds the write side used by Service.
type ManagementStore interface {
	Store
	CreateSubscription(ctx context.Context, s *db.WebhookSubscription) error
	DeactivateSubscription(ctx context.Context, companyID, id int64) error
	ListWebhookDeliveries(ctx context.Context, companyID int64, limit, offset int) ([]*db.WebhookDelivery, error)
}

type Service struct {
	store  ManagementStore
	box    SecretBox
	logger *zap.Logger
}

func NewService(store ManagementStore, box SecretBox, logger *zap.Logger) *Service {
	return &Service{store: store, box: box, logger: logger}
}

type SubscriptionInput struct {
	URL    string
	Secret string
	Events []string
}

// CreateSubscription stores a subscription with its secret sealed. The
// plaintext secret is returned once; a random one is generated when none is
// given.
func (s *Service) CreateSubscription(ctx context.Context, companyID int64, in SubscriptionInput) (*db.WebhookSubscription, string, error) {
	if err := validateURL(in.URL); err != nil {
		return nil, "", err
	}

	events := normalizeEvents(in.Events)
	if len(events) == 0 {
		return nil, "", ErrNoEvents
	}

	secret := in.Secret
	if secret == "" {
		var err error
		if secret, err = generateSecret(); err != nil {
			return nil, "", err
		}
	}

	sealed, err := s.box.Seal(secret)
	if err != nil {
		return nil, "", fmt.Errorf("seal secret: %w", err)
	}

	sub := &db.WebhookSubscription{
		CompanyID: companyID,
		URL:       in.URL,
		Secret:    sealed,
		Events:    events,
		Active:    true,
	}
	if err := s.store.CreateSubscription(ctx, sub); err != nil {
		return nil, "", err
	}

	s.logger.Info("webhook subscription created",
		zap.Int64("company_id", companyID),
		zap.Int64("subscription_id", sub.ID),
		zap.Strings("events", events),
	)
	return sub, secret, nil
}

func (s *Service) ListSubscriptions(ctx context.Context, companyID int64) ([]*db.WebhookSubscription, error) {
	return s.store.ListSubscriptions(ctx, companyID, false)
}

func (s *Service) DeactivateSubscription(ctx context.Context, companyID, id int64) error {
	if err := s.store.DeactivateSubscription(ctx, companyID, id); err != nil {
		return err
	}
	s.logger.Info("webhook subscription deactivated",
		zap.Int64("company_id", companyID),
		zap.Int64("subscription_id", id),
	)
	return nil
}

func (s *Service) ListDeliveries(ctx context.Context, companyID int64, limit, offset int) ([]*db.WebhookDelivery, error) {
	return s.store.ListWebhookDeliveries(ctx, companyID, limit, offset)
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	return nil
}

// normalizeEvents trims and de-duplicates; a wildcard swallows everything else.
func normalizeEvents(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, e := range in {
		e = strings.TrimSpace(e)
		if e == "" || seen[e] {
			continue
		}
		if e == db.WildcardEvent {
			return []string{db.WildcardEvent}
		}
		seen[e] = true
		out = append(out, e)
	}
	return out
}

func generateSecret() (string, error) {
	b := make([]byte, secretRandomSize)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return secretPrefix + hex.EncodeToString(b), nil
}
