// Package orders implements payment orders: the caller-facing unit of intent
// that materialises into one (one-time) or many (recurring) outgoing
// payments and coordinates their scheduling.
package orders

import (
	"context"
	"sort"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"

	"gitlab.com/slashpay/slashpay/amount"
	"gitlab.com/slashpay/slashpay/payments"
)

// State is the lifecycle state of an order.
type State string

const (
	StateCreated     State = "CREATED"
	StateInitialized State = "INITIALIZED"
	StateProcessing  State = "PROCESSING"
	StateCompleted   State = "COMPLETED"
	StateCancelled   State = "CANCELLED"
)

const (
	// MinFrequency is the smallest allowed interval between recurring
	// payments, in milliseconds.
	MinFrequency = 1
	// BatchSize is how many payments an open-ended recurring order
	// materialises at a time.
	BatchSize = 100
)

var (
	ErrCounterpartyRequired = errors.New("counterparty URL is required")
	ErrInvalidFrequency     = errors.New("frequency must be 0 or a positive number of milliseconds")
	ErrInvalidTimestamp     = errors.New("invalid timestamp")
	ErrOrderCancelled       = errors.New("order is cancelled")
	ErrOrderCompleted       = errors.New("order is already completed")
	ErrOutstandingPayments  = errors.New("order has outstanding payments")
	ErrCanNotProcessOrder   = errors.New("order can not be processed")
	ErrOrderNotFound        = errors.New("order not found")
)

// orderPatchFields is the set of patchable order fields.
var orderPatchFields = map[string]struct{}{
	"state":         {},
	"memo":          {},
	"lastPaymentAt": {},
	"removed":       {},
}

// ValidateOrderPatch rejects patches carrying unknown order fields.
func ValidateOrderPatch(patch payments.Patch) error {
	for key := range patch {
		if _, ok := orderPatchFields[key]; !ok {
			return errors.Wrapf(payments.ErrInvalidPatch, "unknown field %q", key)
		}
	}
	return nil
}

// Store persists orders on top of the payment store.
type Store interface {
	payments.Store

	SaveOrder(ctx context.Context, o *Order) error
	GetOrder(ctx context.Context, id string, removed payments.RemovedFilter) (*Order, error)
	UpdateOrder(ctx context.Context, id string, patch payments.Patch) (*Order, error)
}

// Order is a payment order. Frequency is in milliseconds, 0 meaning
// one-time. LastPaymentAt, when set, is an exclusive upper bound on the
// recurring schedule.
type Order struct {
	ID              string         `db:"id" json:"id"`
	ClientOrderID   string         `db:"client_order_id" json:"clientOrderId"`
	State           State          `db:"state" json:"state"`
	Frequency       int64          `db:"frequency" json:"frequency"`
	Amount          amount.Amount  `json:"amount"`
	CounterpartyURL string         `db:"counterparty_url" json:"counterpartyURL"`
	Memo            string         `db:"memo" json:"memo"`
	SendingPriority pq.StringArray `db:"sending_priority" json:"sendingPriority"`
	CreatedAt       time.Time      `db:"created_at" json:"createdAt"`
	FirstPaymentAt  time.Time      `db:"first_payment_at" json:"firstPaymentAt"`
	LastPaymentAt   *time.Time     `db:"last_payment_at" json:"lastPaymentAt,omitempty"`
	Removed         bool           `db:"removed" json:"removed"`

	Payments []*payments.Payment `json:"payments"`
}

// NewOrderArgs are the construction parameters for an order.
type NewOrderArgs struct {
	ClientOrderID   string
	CounterpartyURL string
	Memo            string
	SendingPriority []string
	Amount          amount.Amount
	// Frequency in milliseconds; 0 = one-time.
	Frequency int64
	// FirstPaymentAt defaults to now.
	FirstPaymentAt time.Time
	// LastPaymentAt bounds a recurring schedule (exclusive).
	LastPaymentAt *time.Time
}

// NewOrder validates the arguments and returns an order in CREATED state.
func NewOrder(args NewOrderArgs) (*Order, error) {
	if args.CounterpartyURL == "" {
		return nil, ErrCounterpartyRequired
	}
	if args.Frequency != 0 && args.Frequency < MinFrequency {
		return nil, errors.Wrapf(ErrInvalidFrequency, "%d", args.Frequency)
	}
	if err := args.Amount.Validate(); err != nil {
		return nil, err
	}

	firstPaymentAt := args.FirstPaymentAt
	if firstPaymentAt.IsZero() {
		firstPaymentAt = time.Now()
	}
	if args.LastPaymentAt != nil {
		if args.LastPaymentAt.IsZero() {
			return nil, errors.Wrap(ErrInvalidTimestamp, "lastPaymentAt")
		}
		if args.Frequency == 0 {
			return nil, errors.Wrap(ErrInvalidFrequency, "lastPaymentAt requires a recurring order")
		}
		if !args.LastPaymentAt.After(firstPaymentAt) {
			return nil, errors.Wrap(ErrInvalidTimestamp, "lastPaymentAt must be after firstPaymentAt")
		}
	}

	return &Order{
		ClientOrderID:   args.ClientOrderID,
		State:           StateCreated,
		Frequency:       args.Frequency,
		Amount:          args.Amount,
		CounterpartyURL: args.CounterpartyURL,
		Memo:            args.Memo,
		SendingPriority: append([]string{}, args.SendingPriority...),
		CreatedAt:       time.Now(),
		FirstPaymentAt:  firstPaymentAt,
		LastPaymentAt:   args.LastPaymentAt,
	}, nil
}

func (o *Order) frequency() time.Duration {
	return time.Duration(o.Frequency) * time.Millisecond
}

// Init assigns an id, materialises the payment schedule and persists the
// order together with every payment.
func (o *Order) Init(ctx context.Context, s Store) error {
	if o.ID == "" {
		o.ID = uuid.NewV4().String()
	}
	o.State = StateInitialized

	if o.Frequency == 0 {
		if err := o.createPayments(ctx, s, o.FirstPaymentAt, 1); err != nil {
			return err
		}
	} else {
		count := BatchSize
		if o.LastPaymentAt != nil {
			// exclusive upper bound: a payment landing exactly on
			// lastPaymentAt is not included
			count = int(o.LastPaymentAt.Sub(o.FirstPaymentAt) / o.frequency())
		}
		if err := o.createPayments(ctx, s, o.FirstPaymentAt, count); err != nil {
			return err
		}
	}

	return s.SaveOrder(ctx, o)
}

// createPayments materialises count payments starting at from, one
// frequency interval apart, and persists each of them.
func (o *Order) createPayments(ctx context.Context, s Store, from time.Time, count int) error {
	for i := 0; i < count; i++ {
		p, err := payments.NewPayment(payments.NewPaymentArgs{
			OrderID:         o.ID,
			ClientOrderID:   o.ClientOrderID,
			CounterpartyURL: o.CounterpartyURL,
			Memo:            o.Memo,
			SendingPriority: o.SendingPriority,
			Amount:          o.Amount,
			ExecuteAt:       from.Add(time.Duration(i) * o.frequency()),
		})
		if err != nil {
			return err
		}
		if err := p.Init(ctx, s); err != nil {
			return err
		}
		o.Payments = append(o.Payments, p)
	}
	return nil
}

// Process returns the next actionable payment, advancing its state machine
// when it is due and idle. A nil payment with a nil error means the order
// just completed.
func (o *Order) Process(ctx context.Context, s Store) (*payments.Payment, error) {
	// a subscription stops on the first failed payment
	for _, p := range o.Payments {
		if p.IsFailed() {
			return nil, errors.Wrapf(ErrCanNotProcessOrder, "payment %s failed", p.ID)
		}
	}

	if p := o.paymentInProgress(); p != nil {
		return o.processPayment(ctx, s, p)
	}

	p := o.firstNonFinal()
	if p == nil {
		extended, err := o.extendBatch(ctx, s)
		if err != nil {
			return nil, err
		}
		if extended == nil {
			if err := o.Complete(ctx, s); err != nil {
				return nil, err
			}
			return nil, nil
		}
		p = extended
	}

	return o.processPayment(ctx, s, p)
}

// processPayment drives a single payment. Payments with an attempt already
// in flight, and payments scheduled in the future, are returned untouched.
func (o *Order) processPayment(ctx context.Context, s Store, p *payments.Payment) (*payments.Payment, error) {
	if p.CurrentPlugin() != nil {
		return p, nil
	}
	if !p.IsDue() {
		return p, nil
	}

	if o.State != StateProcessing {
		o.State = StateProcessing
		if _, err := s.UpdateOrder(ctx, o.ID, payments.Patch{"state": o.State}); err != nil {
			return nil, err
		}
	}

	if _, err := p.Process(ctx, s); err != nil {
		return nil, err
	}
	return p, nil
}

// extendBatch allocates the next batch of payments for a recurring order
// with a future lastPaymentAt. It returns nil when the order cannot be
// extended.
func (o *Order) extendBatch(ctx context.Context, s Store) (*payments.Payment, error) {
	if o.Frequency == 0 || o.LastPaymentAt == nil {
		return nil, nil
	}

	next := o.FirstPaymentAt
	if n := len(o.Payments); n > 0 {
		next = o.Payments[n-1].ExecuteAt.Add(o.frequency())
	}
	if !next.Before(*o.LastPaymentAt) {
		return nil, nil
	}

	count := int(o.LastPaymentAt.Sub(next) / o.frequency())
	if count > BatchSize {
		count = BatchSize
	}
	if count == 0 {
		return nil, nil
	}

	first := len(o.Payments)
	if err := o.createPayments(ctx, s, next, count); err != nil {
		return nil, err
	}
	return o.Payments[first], nil
}

// Complete marks the order COMPLETED. All payments must be terminal.
func (o *Order) Complete(ctx context.Context, s Store) error {
	switch o.State {
	case StateCancelled:
		return ErrOrderCancelled
	case StateCompleted:
		return ErrOrderCompleted
	}

	for _, p := range o.Payments {
		if !p.IsFinal() {
			return errors.Wrapf(ErrOutstandingPayments, "payment %s is %s", p.ID, p.State.Internal)
		}
	}

	o.State = StateCompleted
	_, err := s.UpdateOrder(ctx, o.ID, payments.Patch{"state": o.State})
	return err
}

// Cancel cancels every non-final payment, then the order itself.
func (o *Order) Cancel(ctx context.Context, s Store) error {
	switch o.State {
	case StateCompleted:
		return ErrOrderCompleted
	case StateCancelled:
		return ErrOrderCancelled
	}

	for _, p := range o.Payments {
		if p.IsFinal() {
			continue
		}
		if err := p.Cancel(ctx, s); err != nil {
			return errors.Wrapf(err, "cancelling payment %s", p.ID)
		}
	}

	o.State = StateCancelled
	_, err := s.UpdateOrder(ctx, o.ID, payments.Patch{"state": o.State})
	return err
}

// paymentInProgress finds the payment currently being driven. The engine
// keeps at most one payment in progress per order.
func (o *Order) paymentInProgress() *payments.Payment {
	for _, p := range o.Payments {
		if p.IsInProgress() {
			return p
		}
	}
	return nil
}

// firstNonFinal returns the earliest payment that still has work to do.
func (o *Order) firstNonFinal() *payments.Payment {
	for _, p := range o.Payments {
		if !p.IsFinal() {
			return p
		}
	}
	return nil
}

// Serialize returns the wire form of the order, payments included.
func (o *Order) Serialize() map[string]interface{} {
	serialized := make([]map[string]interface{}, len(o.Payments))
	for i, p := range o.Payments {
		serialized[i] = p.Serialize()
	}
	out := map[string]interface{}{
		"id":              o.ID,
		"clientOrderId":   o.ClientOrderID,
		"state":           string(o.State),
		"frequency":       o.Frequency,
		"amount":          o.Amount.Amount,
		"currency":        o.Amount.Currency,
		"denomination":    string(o.Amount.Denomination),
		"counterpartyURL": o.CounterpartyURL,
		"memo":            o.Memo,
		"sendingPriority": []string(o.SendingPriority),
		"createdAt":       o.CreatedAt,
		"firstPaymentAt":  o.FirstPaymentAt,
		"payments":        serialized,
	}
	if o.LastPaymentAt != nil {
		out["lastPaymentAt"] = *o.LastPaymentAt
	}
	return out
}

// Find loads an order and all its non-removed payments from the store.
func Find(ctx context.Context, s Store, id string) (*Order, error) {
	order, err := s.GetOrder(ctx, id, payments.RemovedDefault)
	if err != nil {
		if errors.Cause(err) == payments.ErrNotFound {
			return nil, errors.Wrapf(ErrOrderNotFound, "%s", id)
		}
		return nil, err
	}

	list, err := s.ListOutgoing(ctx, payments.Filter{OrderID: id})
	if err != nil {
		return nil, err
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].ExecuteAt.Before(list[j].ExecuteAt)
	})
	order.Payments = list
	return order, nil
}
