package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus is the lifecycle state of a payment attempt
type PaymentStatus string

const (
	PaymentStatusPending        PaymentStatus = "PENDING"
	PaymentStatusProcessing     PaymentStatus = "PROCESSING"
	PaymentStatusRequiresAction PaymentStatus = "REQUIRES_ACTION"
	PaymentStatusCompleted      PaymentStatus = "COMPLETED"
	PaymentStatusFailed         PaymentStatus = "FAILED"
	PaymentStatusCancelled      PaymentStatus = "CANCELLED"
	PaymentStatusRefunded       PaymentStatus = "REFUNDED"
)

// IsTerminal reports whether no further gateway signal can move the payment forward.
// COMPLETED can still be refunded, but a refund is an explicit operator action.
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusCancelled, PaymentStatusRefunded:
		return true
	}
	return false
}

var paymentTransitions = map[PaymentStatus]map[PaymentStatus]bool{
	PaymentStatusPending: {
		PaymentStatusProcessing: true,
		PaymentStatusFailed:     true,
	},
	PaymentStatusProcessing: {
		PaymentStatusRequiresAction: true,
		PaymentStatusCompleted:      true,
		PaymentStatusFailed:         true,
		PaymentStatusCancelled:      true,
	},
	PaymentStatusRequiresAction: {
		PaymentStatusProcessing: true,
	},
	PaymentStatusCompleted: {
		PaymentStatusRefunded: true,
	},
	PaymentStatusFailed:    {},
	PaymentStatusCancelled: {},
	PaymentStatusRefunded:  {},
}

// PaymentMethod is how the customer pays
type PaymentMethod string

const (
	PaymentMethodCard         PaymentMethod = "CARD"
	PaymentMethodBankTransfer PaymentMethod = "BANK_TRANSFER"
	PaymentMethodWallet       PaymentMethod = "WALLET"
)

// ParsePaymentMethod accepts the method name case-insensitively.
func ParsePaymentMethod(s string) (PaymentMethod, error) {
	switch m := PaymentMethod(strings.ToUpper(strings.TrimSpace(s))); m {
	case PaymentMethodCard, PaymentMethodBankTransfer, PaymentMethodWallet:
		return m, nil
	}
	return "", ValidationError("payment.ParseMethod", "unsupported payment method %q", s)
}

// Payment is one attempt to collect an order total through the gateway.
// RefundRequestedAt marks a refund sent to the gateway but not yet recorded.
type Payment struct {
	ID                int64           `json:"id"`
	Reference         string          `json:"reference"`
	OrderID           int64           `json:"order_id"`
	UserID            int64           `json:"user_id"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Method            PaymentMethod   `json:"method"`
	Status            PaymentStatus   `json:"status"`
	GatewayRef        string          `json:"gateway_ref,omitempty"`
	SessionID         string          `json:"session_id,omitempty"`
	ClientHandle      string          `json:"client_handle,omitempty"`
	GatewayResponse   string          `json:"-"`
	FailureReason     string          `json:"failure_reason,omitempty"`
	RefundedAmount    decimal.Decimal `json:"refunded_amount"`
	RefundRequestedAt *time.Time      `json:"refund_requested_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	ProcessedAt       *time.Time      `json:"processed_at,omitempty"`
	UpdatedAt         time.Time       `json:"updated_at"`
	Version           int64           `json:"-"`
}

// NewPayment creates a PENDING payment. Amount and currency are fixed for the payment's lifetime.
func NewPayment(reference string, orderID, userID int64, amount decimal.Decimal, currency string, method PaymentMethod) (*Payment, error) {
	const op = "payment.New"

	if strings.TrimSpace(reference) == "" {
		return nil, ValidationError(op, "payment reference cannot be empty")
	}
	if orderID <= 0 {
		return nil, ValidationError(op, "order id must be positive")
	}
	if !amount.IsPositive() {
		return nil, ValidationError(op, "amount must be positive")
	}
	if len(currency) != 3 {
		return nil, ValidationError(op, "currency must be a 3 letter ISO code")
	}
	if _, err := ParsePaymentMethod(string(method)); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	return &Payment{
		Reference: reference,
		OrderID:   orderID,
		UserID:    userID,
		Amount:    amount,
		Currency:  strings.ToUpper(currency),
		Method:    method,
		Status:    PaymentStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// RestorePayment rehydrates a persisted payment.
func RestorePayment(p Payment) (*Payment, error) {
	if _, ok := paymentTransitions[p.Status]; !ok {
		return nil, ValidationError("payment.Restore", "payment %s has unknown status %q", p.Reference, p.Status)
	}
	restored := p
	return &restored, nil
}

// CanTransition reports whether the payment may move to the given status.
func (p *Payment) CanTransition(to PaymentStatus) bool {
	return paymentTransitions[p.Status][to]
}

func (p *Payment) transition(op string, to PaymentStatus) error {
	if !p.CanTransition(to) {
		return InvalidTransitionError(op, string(p.Status), string(to))
	}
	now := time.Now().UTC()
	p.Status = to
	p.UpdatedAt = now
	if to.IsTerminal() && p.ProcessedAt == nil {
		p.ProcessedAt = &now
	}
	return nil
}

// MarkProcessing records the gateway session after it has been created
func (p *Payment) MarkProcessing() error {
	return p.transition("payment.MarkProcessing", PaymentStatusProcessing)
}

// MarkRequiresAction is used when the customer must act out-of-band (3-D Secure, bank redirect)
func (p *Payment) MarkRequiresAction() error {
	return p.transition("payment.MarkRequiresAction", PaymentStatusRequiresAction)
}

// MarkCompleted is a no-op on an already completed payment.
func (p *Payment) MarkCompleted(gatewayRef, rawResponse string) error {
	if p.Status == PaymentStatusCompleted {
		return nil
	}
	if err := p.transition("payment.MarkCompleted", PaymentStatusCompleted); err != nil {
		return err
	}
	if gatewayRef != "" {
		p.GatewayRef = gatewayRef
	}
	p.GatewayResponse = rawResponse
	return nil
}

// MarkFailed records the gateway's failure reason
func (p *Payment) MarkFailed(reason, rawResponse string) error {
	if err := p.transition("payment.MarkFailed", PaymentStatusFailed); err != nil {
		return err
	}
	p.FailureReason = reason
	if rawResponse != "" {
		p.GatewayResponse = rawResponse
	}
	return nil
}

// MarkCancelled cancels an in-flight payment
func (p *Payment) MarkCancelled() error {
	return p.transition("payment.MarkCancelled", PaymentStatusCancelled)
}

// BeginRefund claims the payment for a refund. A claim younger than staleAfter
// belongs to another caller and is a conflict; an older one is taken over.
func (p *Payment) BeginRefund(now time.Time, staleAfter time.Duration) error {
	const op = "payment.BeginRefund"
	if !p.CanTransition(PaymentStatusRefunded) {
		return InvalidTransitionError(op, string(p.Status), string(PaymentStatusRefunded))
	}
	if p.RefundRequestedAt != nil && now.Sub(*p.RefundRequestedAt) < staleAfter {
		return ConflictError(op, "refund of payment %s is already in progress", p.Reference)
	}
	p.RefundRequestedAt = &now
	p.UpdatedAt = now.UTC()
	return nil
}

// AbandonRefund drops the refund claim after the gateway refused the refund
func (p *Payment) AbandonRefund() {
	p.RefundRequestedAt = nil
	p.UpdatedAt = time.Now().UTC()
}

// Refund moves a completed payment to REFUNDED. amount may be less than the
// captured amount for a partial refund.
func (p *Payment) Refund(amount decimal.Decimal) error {
	const op = "payment.Refund"
	if !amount.IsPositive() || amount.GreaterThan(p.Amount) {
		return ValidationError(op, "refund amount %s must be within (0, %s]", amount, p.Amount)
	}
	if err := p.transition(op, PaymentStatusRefunded); err != nil {
		return err
	}
	p.RefundedAmount = amount
	p.RefundRequestedAt = nil
	return nil
}

// IsFullyRefunded reports whether the whole captured amount went back
func (p *Payment) IsFullyRefunded() bool {
	return p.Status == PaymentStatusRefunded && p.RefundedAmount.Equal(p.Amount)
}
