package payments

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"

	"gitlab.com/slashpay/slashpay/amount"
)

// Direction says whether a payment leaves or enters this wallet.
type Direction string

const (
	DirectionOut Direction = "OUT"
	DirectionIn  Direction = "IN"
)

// ErrNotYetDue is returned by Process for payments scheduled in the future.
var ErrNotYetDue = errors.New("payment is not due yet")

// Payment is a single outgoing payment, owned by an order. It drives its own
// state machine and persists every transition through the given Store.
type Payment struct {
	ID              string         `db:"id" json:"id"`
	OrderID         string         `db:"order_id" json:"orderId"`
	ClientOrderID   string         `db:"client_order_id" json:"clientOrderId"`
	CounterpartyURL string         `db:"counterparty_url" json:"counterpartyURL"`
	Memo            string         `db:"memo" json:"memo"`
	SendingPriority pq.StringArray `db:"sending_priority" json:"sendingPriority"`
	Amount          amount.Amount  `json:"amount"`
	Direction       Direction      `db:"direction" json:"direction"`
	CreatedAt       time.Time      `db:"created_at" json:"createdAt"`
	ExecuteAt       time.Time      `db:"execute_at" json:"executeAt"`
	State           State          `db:"state" json:"state"`
	Removed         bool           `db:"removed" json:"removed"`

	// PluginUpdate holds the most recent raw callback payload from the
	// current plugin, persisted so user-action flows survive restarts.
	PluginUpdate json.RawMessage `db:"plugin_update" json:"pluginUpdate,omitempty"`
}

// NewPaymentArgs is what an order supplies to create one of its payments.
type NewPaymentArgs struct {
	OrderID         string
	ClientOrderID   string
	CounterpartyURL string
	Memo            string
	SendingPriority []string
	Amount          amount.Amount
	ExecuteAt       time.Time
}

// NewPayment builds an outgoing payment in INITIAL state. The payment is not
// persisted; call Save or Init.
func NewPayment(args NewPaymentArgs) (*Payment, error) {
	if args.CounterpartyURL == "" {
		return nil, errors.New("counterparty URL is required")
	}
	if err := args.Amount.Validate(); err != nil {
		return nil, err
	}
	return &Payment{
		OrderID:         args.OrderID,
		ClientOrderID:   args.ClientOrderID,
		CounterpartyURL: args.CounterpartyURL,
		Memo:            args.Memo,
		SendingPriority: append([]string{}, args.SendingPriority...),
		Amount:          args.Amount,
		Direction:       DirectionOut,
		CreatedAt:       time.Now(),
		ExecuteAt:       args.ExecuteAt,
		State:           NewState(args.SendingPriority),
	}, nil
}

// Init assigns an id if the payment doesn't have one, resets the state
// machine from the sending priority and saves the payment.
func (p *Payment) Init(ctx context.Context, s Store) error {
	if p.ID == "" {
		p.ID = uuid.NewV4().String()
	}
	p.State = NewState(p.SendingPriority)
	return p.Save(ctx, s)
}

// Save persists the payment for the first time.
func (p *Payment) Save(ctx context.Context, s Store) error {
	return s.SaveOutgoing(ctx, p)
}

// Update persists the current in-memory form of the payment.
func (p *Payment) Update(ctx context.Context, s Store) error {
	_, err := s.UpdateOutgoing(ctx, p.ID, p.patch())
	return err
}

// patch is the full serialised form of the mutable payment fields, used to
// persist the payment after a state transition.
func (p *Payment) patch() Patch {
	return Patch{
		"memo":         p.Memo,
		"executeAt":    p.ExecuteAt,
		"state":        p.State,
		"removed":      p.Removed,
		"pluginUpdate": p.PluginUpdate,
	}
}

// IsDue reports whether the payment is eligible for processing.
func (p *Payment) IsDue() bool {
	return !p.ExecuteAt.After(time.Now())
}

// Process advances the state machine and persists the result. A payment with
// an executeAt in the future is returned untouched with ErrNotYetDue; the
// caller re-polls. Returns true if a plugin was engaged.
func (p *Payment) Process(ctx context.Context, s Store) (bool, error) {
	if !p.IsDue() {
		return false, ErrNotYetDue
	}
	engaged, err := p.State.Process()
	if err != nil {
		return false, err
	}
	if err := p.Update(ctx, s); err != nil {
		return false, err
	}
	return engaged, nil
}

// Complete marks the payment COMPLETED and persists it.
func (p *Payment) Complete(ctx context.Context, s Store) error {
	if err := p.State.Complete(); err != nil {
		return err
	}
	return p.Update(ctx, s)
}

// FailCurrentPlugin logs the running plugin as failed and persists.
func (p *Payment) FailCurrentPlugin(ctx context.Context, s Store) error {
	if err := p.State.FailCurrentPlugin(); err != nil {
		return err
	}
	return p.Update(ctx, s)
}

// Cancel cancels the payment and persists.
func (p *Payment) Cancel(ctx context.Context, s Store) error {
	if err := p.State.Cancel(); err != nil {
		return err
	}
	return p.Update(ctx, s)
}

// CurrentPlugin returns the attempt in flight, nil when idle.
func (p *Payment) CurrentPlugin() *PluginRun {
	return p.State.CurrentPlugin
}

func (p *Payment) IsFailed() bool {
	return p.State.Internal == StateFailed
}

func (p *Payment) IsInProgress() bool {
	return p.State.Internal == StateInProgress
}

func (p *Payment) IsFinal() bool {
	return p.State.Internal.IsFinal()
}

func (p *Payment) IsNew() bool {
	return p.State.Internal == StateInitial
}

// PluginPayload is the restricted view of a payment handed to plugins.
type PluginPayload struct {
	ID           string              `json:"id"`
	OrderID      string              `json:"orderId"`
	Memo         string              `json:"memo"`
	Amount       string              `json:"amount"`
	Currency     string              `json:"currency"`
	Denomination amount.Denomination `json:"denomination"`
}

// Payload returns the restricted plugin view of the payment.
func (p *Payment) Payload() PluginPayload {
	return PluginPayload{
		ID:           p.ID,
		OrderID:      p.OrderID,
		Memo:         p.Memo,
		Amount:       p.Amount.Amount,
		Currency:     p.Amount.Currency,
		Denomination: p.Amount.Denomination,
	}
}

// Serialize returns the full wire form of the payment.
func (p *Payment) Serialize() map[string]interface{} {
	return map[string]interface{}{
		"id":              p.ID,
		"orderId":         p.OrderID,
		"clientOrderId":   p.ClientOrderID,
		"counterpartyURL": p.CounterpartyURL,
		"memo":            p.Memo,
		"sendingPriority": []string(p.SendingPriority),
		"amount":          p.Amount.Amount,
		"currency":        p.Amount.Currency,
		"denomination":    string(p.Amount.Denomination),
		"direction":       string(p.Direction),
		"createdAt":       p.CreatedAt,
		"executeAt":       p.ExecuteAt,
		"internalState":   string(p.State.Internal),
		"removed":         p.Removed,
	}
}

// Value implements driver.Valuer so State can live in a JSONB column.
func (s State) Value() (driver.Value, error) {
	return json.Marshal(s)
}

// Scan implements sql.Scanner for State.
func (s *State) Scan(src interface{}) error {
	raw, ok := src.([]byte)
	if !ok {
		return errors.Errorf("cannot scan %T into payment state", src)
	}
	return json.Unmarshal(raw, s)
}
