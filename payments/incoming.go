package payments

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"
	"github.com/shopspring/decimal"

	"gitlab.com/slashpay/slashpay/amount"
)

// Receipt records money received for a payment through one plugin callback.
type Receipt struct {
	Name       string          `json:"name"`
	State      string          `json:"state"`
	Amount     amount.Amount   `json:"amount"`
	RawData    json.RawMessage `json:"rawData,omitempty"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

// Receipts is the list of plugin receipts, stored as a JSONB column.
type Receipts []Receipt

// Total sums the receipt amounts in base units.
func (r Receipts) Total() decimal.Decimal {
	total := decimal.Zero
	for _, receipt := range r {
		total = total.Add(receipt.Amount.Decimal())
	}
	return total
}

// Value implements driver.Valuer.
func (r Receipts) Value() (driver.Value, error) {
	if r == nil {
		return json.Marshal(Receipts{})
	}
	return json.Marshal(r)
}

// Scan implements sql.Scanner.
func (r *Receipts) Scan(src interface{}) error {
	raw, ok := src.([]byte)
	if !ok {
		return errors.Errorf("cannot scan %T into receipts", src)
	}
	return json.Unmarshal(raw, r)
}

// IncomingPayment is money received (or expected) from a counterparty,
// reconciled from plugin receipts. For invoice-bound payments the expected
// amount drives the IN_PROGRESS/COMPLETED decision.
type IncomingPayment struct {
	ID            string          `db:"id" json:"id"`
	ClientOrderID string          `db:"client_order_id" json:"clientOrderId"`
	Memo          string          `db:"memo" json:"memo"`
	Amount        *amount.Amount  `json:"amount,omitempty"`
	Expected      *amount.Amount  `json:"expectedAmount,omitempty"`
	Direction     Direction       `db:"direction" json:"direction"`
	Internal      InternalState   `db:"internal_state" json:"internalState"`
	Receipts      Receipts        `db:"received_by_plugins" json:"receivedByPlugins"`
	CreatedAt     time.Time       `db:"created_at" json:"createdAt"`
	Removed       bool            `db:"removed" json:"removed"`
}

// NewIncomingArgs creates an incoming payment record.
type NewIncomingArgs struct {
	ClientOrderID string
	Memo          string
	// Expected is set for invoice-bound (personal) payments.
	Expected *amount.Amount
	// Amount and Internal are set directly for anonymous payments that are
	// complete on arrival.
	Amount   *amount.Amount
	Internal InternalState
}

// NewIncomingPayment builds an incoming payment. Default internal state is
// IN_PROGRESS; anonymous one-shot receipts pass StateCompleted.
func NewIncomingPayment(args NewIncomingArgs) (*IncomingPayment, error) {
	if args.Expected != nil {
		if err := args.Expected.Validate(); err != nil {
			return nil, err
		}
	}
	if args.Amount != nil {
		if err := args.Amount.Validate(); err != nil {
			return nil, err
		}
	}
	internal := args.Internal
	if internal == "" {
		internal = StateInProgress
	}
	return &IncomingPayment{
		ID:            uuid.NewV4().String(),
		ClientOrderID: args.ClientOrderID,
		Memo:          args.Memo,
		Amount:        args.Amount,
		Expected:      args.Expected,
		Direction:     DirectionIn,
		Internal:      internal,
		Receipts:      Receipts{},
		CreatedAt:     time.Now(),
	}, nil
}

// Save persists the incoming payment for the first time.
func (p *IncomingPayment) Save(ctx context.Context, s Store) error {
	return s.SaveIncoming(ctx, p)
}

// Update persists the mutable fields of the incoming payment.
func (p *IncomingPayment) Update(ctx context.Context, s Store) error {
	patch := Patch{
		"internalState":     p.Internal,
		"receivedByPlugins": p.Receipts,
		"removed":           p.Removed,
	}
	if p.Amount != nil {
		patch["amount"] = p.Amount.Amount
		patch["currency"] = p.Amount.Currency
		patch["denomination"] = string(p.Amount.Denomination)
	}
	_, err := s.UpdateIncoming(ctx, p.ID, patch)
	return err
}

// AddReceipt appends a plugin receipt and updates the running total. When an
// expected amount is set and the total covers it, the payment completes;
// otherwise it stays IN_PROGRESS and MissingAmount says what remains.
func (p *IncomingPayment) AddReceipt(receipt Receipt) {
	if receipt.ReceivedAt.IsZero() {
		receipt.ReceivedAt = time.Now()
	}
	p.Receipts = append(p.Receipts, receipt)

	total := p.Receipts.Total()
	received := amount.Amount{
		Amount:       total.String(),
		Currency:     receipt.Amount.Currency,
		Denomination: receipt.Amount.Denomination,
	}
	p.Amount = &received

	if p.Expected == nil || total.Cmp(p.Expected.Decimal()) >= 0 {
		p.Internal = StateCompleted
	} else {
		p.Internal = StateInProgress
	}
}

// MissingAmount returns the shortfall against the expected amount, nil when
// nothing is expected or the payment is fully covered.
func (p *IncomingPayment) MissingAmount() *amount.Amount {
	if p.Expected == nil {
		return nil
	}
	missing := p.Expected.Decimal().Sub(p.Receipts.Total())
	if missing.Sign() <= 0 {
		return nil
	}
	a := amount.Amount{
		Amount:       missing.String(),
		Currency:     p.Expected.Currency,
		Denomination: p.Expected.Denomination,
	}
	return &a
}

// Serialize returns the wire form of the incoming payment.
func (p *IncomingPayment) Serialize() map[string]interface{} {
	out := map[string]interface{}{
		"id":                p.ID,
		"clientOrderId":     p.ClientOrderID,
		"memo":              p.Memo,
		"direction":         string(p.Direction),
		"internalState":     string(p.Internal),
		"receivedByPlugins": p.Receipts,
		"createdAt":         p.CreatedAt,
		"removed":           p.Removed,
	}
	if p.Amount != nil {
		out["amount"] = p.Amount.Amount
		out["currency"] = p.Amount.Currency
		out["denomination"] = string(p.Amount.Denomination)
	}
	if p.Expected != nil {
		out["expectedAmount"] = p.Expected.Amount
		out["expectedCurrency"] = p.Expected.Currency
		out["expectedDenomination"] = string(p.Expected.Denomination)
	}
	return out
}
