package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"investor-ledger/internal/money"
)

// Kind represents the type of notification
type Kind string

const (
	KindRequestApproved    Kind = "request_approved"
	KindRequestRejected    Kind = "request_rejected"
	KindDepositReversed    Kind = "deposit_reversed"
	KindWithdrawalReversed Kind = "withdrawal_reversed"
	KindTradingFeeApplied  Kind = "trading_fee_applied"
)

// Payload carries the facts a notification is rendered from.
type Payload struct {
	RequestID    string
	InvestorName string
	RequestType  string
	Amount       decimal.Decimal
	Fee          decimal.Decimal
	Net          decimal.Decimal
	Period       string
	Notes        string
}

// Notification represents a rendered notification message
type Notification struct {
	Kind      Kind
	Recipient string
	Title     string
	Message   string
	Payload   Payload
	Timestamp time.Time
}

// Sink is what the ledger core talks to. Callers treat failures as
// best-effort and never roll back because of them.
type Sink interface {
	Notify(ctx context.Context, kind Kind, recipient string, payload Payload) error
}

// Notifier interface for different notification providers
type Notifier interface {
	Send(ctx context.Context, notification *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager manages multiple notification providers
type Manager struct {
	notifiers []Notifier
	currency  string
	enabled   bool
}

// NewManager creates a new notification manager. Amounts are rendered in currency.
func NewManager(currency string) *Manager {
	return &Manager{
		notifiers: make([]Notifier, 0),
		currency:  currency,
		enabled:   true,
	}
}

// AddNotifier adds a notification provider
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Notify renders the notification and sends it to every enabled provider.
// All provider errors are joined.
func (m *Manager) Notify(ctx context.Context, kind Kind, recipient string, payload Payload) error {
	if !m.enabled {
		return nil
	}

	n := m.Render(kind, recipient, payload)

	var errs []error
	for _, p := range m.notifiers {
		if !p.IsEnabled() {
			continue
		}
		if err := p.Send(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Render builds the title and message for kind.
func (m *Manager) Render(kind Kind, recipient string, p Payload) *Notification {
	amount := money.Format(p.Amount, m.currency)
	n := &Notification{
		Kind:      kind,
		Recipient: recipient,
		Payload:   p,
		Timestamp: time.Now(),
	}

	switch kind {
	case KindRequestApproved:
		n.Title = fmt.Sprintf("Your %s request was approved", strings.ToLower(p.RequestType))
		n.Message = fmt.Sprintf("Hello %s, your %s of %s has been approved.", p.InvestorName, strings.ToLower(p.RequestType), amount)
		if p.Fee.IsPositive() {
			n.Message += fmt.Sprintf(" A trading fee of %s was charged; net amount %s.",
				money.Format(p.Fee, m.currency), money.Format(p.Net, m.currency))
		}
	case KindRequestRejected:
		n.Title = fmt.Sprintf("Your %s request was rejected", strings.ToLower(p.RequestType))
		n.Message = fmt.Sprintf("Hello %s, your %s of %s was not approved.", p.InvestorName, strings.ToLower(p.RequestType), amount)
		if p.Notes != "" {
			n.Message += " Notes: " + p.Notes
		}
	case KindDepositReversed:
		n.Title = "Deposit reversed"
		n.Message = fmt.Sprintf("Hello %s, your deposit of %s has been reversed.", p.InvestorName, amount)
	case KindWithdrawalReversed:
		n.Title = "Withdrawal reversed"
		n.Message = fmt.Sprintf("Hello %s, your withdrawal of %s has been reversed and %s credited back.",
			p.InvestorName, amount, money.Format(p.Net, m.currency))
	case KindTradingFeeApplied:
		n.Title = "Trading fee applied"
		n.Message = fmt.Sprintf("Hello %s, a trading fee of %s was applied for %s.",
			p.InvestorName, money.Format(p.Fee, m.currency), p.Period)
	default:
		n.Title = string(kind)
		n.Message = amount
	}
	return n
}

// =============================================================================
// WEBHOOK NOTIFIER
// =============================================================================

// WebhookNotifier posts notifications as JSON to an HTTP endpoint
type WebhookNotifier struct {
	url     string
	enabled bool
	client  *http.Client
}

// WebhookConfig holds webhook configuration
type WebhookConfig struct {
	URL     string
	Enabled bool
}

// NewWebhookNotifier creates a new webhook notifier
func NewWebhookNotifier(config WebhookConfig) *WebhookNotifier {
	return &WebhookNotifier{
		url:     config.URL,
		enabled: config.Enabled && config.URL != "",
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookNotifier) Name() string {
	return "webhook"
}

func (w *WebhookNotifier) IsEnabled() bool {
	return w.enabled
}

func (w *WebhookNotifier) Send(ctx context.Context, notification *Notification) error {
	if !w.enabled {
		return nil
	}

	payload := map[string]interface{}{
		"kind":       notification.Kind,
		"recipient":  notification.Recipient,
		"title":      notification.Title,
		"message":    notification.Message,
		"request_id": notification.Payload.RequestID,
		"timestamp":  notification.Timestamp.Format(time.RFC3339),
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}
