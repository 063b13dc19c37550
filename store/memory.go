package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"

	"gitlab.com/slashpay/slashpay/amount"
	"gitlab.com/slashpay/slashpay/orders"
	"gitlab.com/slashpay/slashpay/payments"
)

// Memory is an in-memory store, used by tests and by embedders that don't
// need durability across restarts. It implements the same contract as
// Postgres, tombstones and patch validation included.
type Memory struct {
	mu       sync.RWMutex
	ready    bool
	orders   map[string]*orders.Order
	outgoing map[string]*payments.Payment
	incoming map[string]*payments.IncomingPayment
}

var _ orders.Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store. Init must be called before
// use, mirroring the durable implementation.
func NewMemory() *Memory {
	return &Memory{
		orders:   make(map[string]*orders.Order),
		outgoing: make(map[string]*payments.Payment),
		incoming: make(map[string]*payments.IncomingPayment),
	}
}

// Init marks the store ready.
func (m *Memory) Init(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ready = true
	return nil
}

func (m *Memory) checkReady() error {
	if !m.ready {
		return payments.ErrStoreNotReady
	}
	return nil
}

func matchRemoved(removed bool, filter payments.RemovedFilter) bool {
	switch filter {
	case payments.RemovedOnly:
		return removed
	case payments.RemovedAny:
		return true
	default:
		return !removed
	}
}

// SaveOrder stores a new order. Payments attached to the order are owned by
// the payments tables and are not stored here.
func (m *Memory) SaveOrder(ctx context.Context, o *orders.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkReady(); err != nil {
		return err
	}
	if _, exists := m.orders[o.ID]; exists {
		return errors.Wrapf(payments.ErrDuplicateID, "order %s", o.ID)
	}
	m.orders[o.ID] = cloneOrder(o)
	return nil
}

// GetOrder returns the order with the given id, honouring the tombstone
// filter.
func (m *Memory) GetOrder(ctx context.Context, id string, removed payments.RemovedFilter) (*orders.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkReady(); err != nil {
		return nil, err
	}
	o, ok := m.orders[id]
	if !ok || !matchRemoved(o.Removed, removed) {
		return nil, errors.Wrapf(payments.ErrNotFound, "order %s", id)
	}
	return cloneOrder(o), nil
}

// UpdateOrder applies a shallow merge patch to the order.
func (m *Memory) UpdateOrder(ctx context.Context, id string, patch payments.Patch) (*orders.Order, error) {
	if err := orders.ValidateOrderPatch(patch); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkReady(); err != nil {
		return nil, err
	}
	o, ok := m.orders[id]
	if !ok {
		return nil, errors.Wrapf(payments.ErrNotFound, "order %s", id)
	}
	if err := applyOrderPatch(o, patch); err != nil {
		return nil, err
	}
	return cloneOrder(o), nil
}

// SaveOutgoing stores a new outgoing payment.
func (m *Memory) SaveOutgoing(ctx context.Context, p *payments.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkReady(); err != nil {
		return err
	}
	if _, exists := m.outgoing[p.ID]; exists {
		return errors.Wrapf(payments.ErrDuplicateID, "payment %s", p.ID)
	}
	m.outgoing[p.ID] = clonePayment(p)
	return nil
}

// GetOutgoing returns the outgoing payment with the given id.
func (m *Memory) GetOutgoing(ctx context.Context, id string, removed payments.RemovedFilter) (*payments.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkReady(); err != nil {
		return nil, err
	}
	p, ok := m.outgoing[id]
	if !ok || !matchRemoved(p.Removed, removed) {
		return nil, errors.Wrapf(payments.ErrNotFound, "payment %s", id)
	}
	return clonePayment(p), nil
}

// UpdateOutgoing applies a shallow merge patch to an outgoing payment.
func (m *Memory) UpdateOutgoing(ctx context.Context, id string, patch payments.Patch) (*payments.Payment, error) {
	if err := payments.ValidateOutgoingPatch(patch); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkReady(); err != nil {
		return nil, err
	}
	p, ok := m.outgoing[id]
	if !ok {
		return nil, errors.Wrapf(payments.ErrNotFound, "payment %s", id)
	}
	if err := applyOutgoingPatch(p, patch); err != nil {
		return nil, err
	}
	return clonePayment(p), nil
}

// ListOutgoing returns all outgoing payments matching the filter.
func (m *Memory) ListOutgoing(ctx context.Context, filter payments.Filter) ([]*payments.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkReady(); err != nil {
		return nil, err
	}
	var out []*payments.Payment
	for _, p := range m.outgoing {
		if filter.OrderID != "" && p.OrderID != filter.OrderID {
			continue
		}
		if filter.ClientOrderID != "" && p.ClientOrderID != filter.ClientOrderID {
			continue
		}
		if !matchRemoved(p.Removed, filter.Removed) {
			continue
		}
		out = append(out, clonePayment(p))
	}
	return out, nil
}

// SaveIncoming stores a new incoming payment.
func (m *Memory) SaveIncoming(ctx context.Context, p *payments.IncomingPayment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkReady(); err != nil {
		return err
	}
	if _, exists := m.incoming[p.ID]; exists {
		return errors.Wrapf(payments.ErrDuplicateID, "incoming payment %s", p.ID)
	}
	m.incoming[p.ID] = cloneIncoming(p)
	return nil
}

// GetIncoming returns the incoming payment with the given id.
func (m *Memory) GetIncoming(ctx context.Context, id string, removed payments.RemovedFilter) (*payments.IncomingPayment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkReady(); err != nil {
		return nil, err
	}
	p, ok := m.incoming[id]
	if !ok || !matchRemoved(p.Removed, removed) {
		return nil, errors.Wrapf(payments.ErrNotFound, "incoming payment %s", id)
	}
	return cloneIncoming(p), nil
}

// UpdateIncoming applies a shallow merge patch to an incoming payment.
func (m *Memory) UpdateIncoming(ctx context.Context, id string, patch payments.Patch) (*payments.IncomingPayment, error) {
	if err := payments.ValidateIncomingPatch(patch); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkReady(); err != nil {
		return nil, err
	}
	p, ok := m.incoming[id]
	if !ok {
		return nil, errors.Wrapf(payments.ErrNotFound, "incoming payment %s", id)
	}
	if err := applyIncomingPatch(p, patch); err != nil {
		return nil, err
	}
	return cloneIncoming(p), nil
}

// ListIncoming returns all incoming payments matching the filter.
func (m *Memory) ListIncoming(ctx context.Context, filter payments.Filter) ([]*payments.IncomingPayment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkReady(); err != nil {
		return nil, err
	}
	var out []*payments.IncomingPayment
	for _, p := range m.incoming {
		if filter.ClientOrderID != "" && p.ClientOrderID != filter.ClientOrderID {
			continue
		}
		if !matchRemoved(p.Removed, filter.Removed) {
			continue
		}
		out = append(out, cloneIncoming(p))
	}
	return out, nil
}

func cloneOrder(o *orders.Order) *orders.Order {
	copied := *o
	copied.SendingPriority = append([]string{}, o.SendingPriority...)
	if o.LastPaymentAt != nil {
		last := *o.LastPaymentAt
		copied.LastPaymentAt = &last
	}
	copied.Payments = nil
	return &copied
}

func clonePayment(p *payments.Payment) *payments.Payment {
	copied := *p
	copied.SendingPriority = append([]string{}, p.SendingPriority...)
	copied.State = cloneState(p.State)
	if p.PluginUpdate != nil {
		copied.PluginUpdate = append(json.RawMessage{}, p.PluginUpdate...)
	}
	return &copied
}

func cloneState(s payments.State) payments.State {
	copied := s
	copied.PendingPlugins = append([]string{}, s.PendingPlugins...)
	copied.TriedPlugins = append([]payments.PluginRun{}, s.TriedPlugins...)
	if s.CurrentPlugin != nil {
		run := *s.CurrentPlugin
		copied.CurrentPlugin = &run
	}
	if s.CompletedByPlugin != nil {
		run := *s.CompletedByPlugin
		copied.CompletedByPlugin = &run
	}
	return copied
}

func cloneIncoming(p *payments.IncomingPayment) *payments.IncomingPayment {
	copied := *p
	copied.Receipts = append(payments.Receipts{}, p.Receipts...)
	if p.Amount != nil {
		a := *p.Amount
		copied.Amount = &a
	}
	if p.Expected != nil {
		a := *p.Expected
		copied.Expected = &a
	}
	return &copied
}

func invalidPatchValue(field string, value interface{}) error {
	return errors.Wrapf(payments.ErrInvalidPatch, "field %q has invalid value %v", field, value)
}

func applyOrderPatch(o *orders.Order, patch payments.Patch) error {
	for key, value := range patch {
		switch key {
		case "state":
			s, ok := value.(orders.State)
			if !ok {
				return invalidPatchValue(key, value)
			}
			o.State = s
		case "memo":
			s, ok := value.(string)
			if !ok {
				return invalidPatchValue(key, value)
			}
			o.Memo = s
		case "lastPaymentAt":
			t, ok := value.(time.Time)
			if !ok {
				return invalidPatchValue(key, value)
			}
			o.LastPaymentAt = &t
		case "removed":
			b, ok := value.(bool)
			if !ok {
				return invalidPatchValue(key, value)
			}
			o.Removed = b
		}
	}
	return nil
}

func applyOutgoingPatch(p *payments.Payment, patch payments.Patch) error {
	for key, value := range patch {
		switch key {
		case "memo":
			s, ok := value.(string)
			if !ok {
				return invalidPatchValue(key, value)
			}
			p.Memo = s
		case "executeAt":
			t, ok := value.(time.Time)
			if !ok {
				return invalidPatchValue(key, value)
			}
			p.ExecuteAt = t
		case "state":
			s, ok := value.(payments.State)
			if !ok {
				return invalidPatchValue(key, value)
			}
			p.State = cloneState(s)
		case "removed":
			b, ok := value.(bool)
			if !ok {
				return invalidPatchValue(key, value)
			}
			p.Removed = b
		case "pluginUpdate":
			switch v := value.(type) {
			case nil:
				p.PluginUpdate = nil
			case json.RawMessage:
				p.PluginUpdate = append(json.RawMessage{}, v...)
			case []byte:
				p.PluginUpdate = append(json.RawMessage{}, v...)
			default:
				return invalidPatchValue(key, value)
			}
		}
	}
	return nil
}

func applyIncomingPatch(p *payments.IncomingPayment, patch payments.Patch) error {
	var amountPatch *amount.Amount
	ensureAmount := func() *amount.Amount {
		if amountPatch == nil {
			a := amount.Amount{}
			if p.Amount != nil {
				a = *p.Amount
			}
			amountPatch = &a
		}
		return amountPatch
	}

	for key, value := range patch {
		switch key {
		case "internalState":
			s, ok := value.(payments.InternalState)
			if !ok {
				return invalidPatchValue(key, value)
			}
			p.Internal = s
		case "receivedByPlugins":
			r, ok := value.(payments.Receipts)
			if !ok {
				return invalidPatchValue(key, value)
			}
			p.Receipts = append(payments.Receipts{}, r...)
		case "removed":
			b, ok := value.(bool)
			if !ok {
				return invalidPatchValue(key, value)
			}
			p.Removed = b
		case "memo":
			s, ok := value.(string)
			if !ok {
				return invalidPatchValue(key, value)
			}
			p.Memo = s
		case "amount":
			s, ok := value.(string)
			if !ok {
				return invalidPatchValue(key, value)
			}
			ensureAmount().Amount = s
		case "currency":
			s, ok := value.(string)
			if !ok {
				return invalidPatchValue(key, value)
			}
			ensureAmount().Currency = s
		case "denomination":
			s, ok := value.(string)
			if !ok {
				return invalidPatchValue(key, value)
			}
			ensureAmount().Denomination = amount.Denomination(s)
		}
	}

	if amountPatch != nil {
		p.Amount = amountPatch
	}
	return nil
}
