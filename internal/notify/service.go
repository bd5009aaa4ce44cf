package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/lalithlochan/outpost/internal/db"
)

// ErrInvalidChannel is returned for a channel outside db.Channels.
var ErrInvalidChannel = errors.New("invalid channel")

// ManagementStore adds the write side used by Service.
type ManagementStore interface {
	Store
	CreateTemplate(ctx context.Context, t *db.NotificationTemplate) error
	CreateRule(ctx context.Context, rule *db.NotificationRule) error
	UpsertConsent(ctx context.Context, c *db.ContactConsent) error
	ListDeliveryLogs(ctx context.Context, companyID int64, limit, offset int) ([]*db.DeliveryLog, error)
}

// Service manages templates, rules and consents.
type Service struct {
	store  ManagementStore
	logger *zap.Logger
}

func NewService(store ManagementStore, logger *zap.Logger) *Service {
	return &Service{store: store, logger: logger}
}

func validChannel(ch string) error {
	if !slices.Contains(db.Channels, ch) {
		return fmt.Errorf("%w: %q", ErrInvalidChannel, ch)
	}
	return nil
}

type TemplateInput struct {
	Name      string
	Channel   string
	Subject   string
	Body      string
	Variables json.RawMessage
}

func (s *Service) CreateTemplate(ctx context.Context, companyID int64, in TemplateInput) (*db.NotificationTemplate, error) {
	if err := validChannel(in.Channel); err != nil {
		return nil, err
	}

	t := &db.NotificationTemplate{
		CompanyID:     companyID,
		Name:          in.Name,
		Channel:       in.Channel,
		Subject:       in.Subject,
		Body:          in.Body,
		VariablesJSON: in.Variables,
	}
	if err := s.store.CreateTemplate(ctx, t); err != nil {
		return nil, err
	}

	s.logger.Info("notification template created",
		zap.Int64("company_id", companyID),
		zap.Int64("template_id", t.ID),
		zap.String("channel", t.Channel),
	)
	return t, nil
}

type RuleInput struct {
	EventType  string
	Channel    string
	Recipient  string
	TemplateID int64
	Active     bool
}

// CreateRule binds an event type to a template. The template must belong to
// the same company.
func (s *Service) CreateRule(ctx context.Context, companyID int64, in RuleInput) (*db.NotificationRule, error) {
	if err := validChannel(in.Channel); err != nil {
		return nil, err
	}
	if _, err := s.store.GetTemplate(ctx, companyID, in.TemplateID); err != nil {
		return nil, err
	}

	rule := &db.NotificationRule{
		CompanyID:  companyID,
		EventType:  in.EventType,
		Channel:    in.Channel,
		Recipient:  in.Recipient,
		TemplateID: in.TemplateID,
		Active:     in.Active,
	}
	if err := s.store.CreateRule(ctx, rule); err != nil {
		return nil, err
	}

	s.logger.Info("notification rule created",
		zap.Int64("company_id", companyID),
		zap.Int64("rule_id", rule.ID),
		zap.String("event_type", rule.EventType),
	)
	return rule, nil
}

// SetConsent records an explicit opt-in or opt-out.
func (s *Service) SetConsent(ctx context.Context, companyID int64, contact, channel string, optIn bool) (*db.ContactConsent, error) {
	if err := validChannel(channel); err != nil {
		return nil, err
	}

	c := &db.ContactConsent{
		CompanyID: companyID,
		Contact:   contact,
		Channel:   channel,
		OptIn:     optIn,
	}
	if err := s.store.UpsertConsent(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Service) ListDeliveries(ctx context.Context, companyID int64, limit, offset int) ([]*db.DeliveryLog, error) {
	return s.store.ListDeliveryLogs(ctx, companyID, limit, offset)
}
