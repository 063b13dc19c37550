// Package sender drives outgoing payment orders: it engages payment plugins
// one by one in sending priority order, reacts to their progress callbacks
// and retries with the next plugin on failure.
package sender

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"

	"gitlab.com/slashpay/slashpay/build"
	"gitlab.com/slashpay/slashpay/orders"
	"gitlab.com/slashpay/slashpay/payments"
	"gitlab.com/slashpay/slashpay/plugins"
	"gitlab.com/slashpay/slashpay/transport"
)

var log = build.AddSubLogger("SNDR")

var (
	// ErrNoPluginsAvailable means every plugin in the sending priority has
	// been tried and failed.
	ErrNoPluginsAvailable = errors.New("no plugins available to complete payment")
	// ErrPaymentTargetNotFound means the counterparty catalogue, or the
	// endpoint for the current plugin, could not be read.
	ErrPaymentTargetNotFound = errors.New("payment target not found")
	// ErrOrderNotActive means no order with the given id is being sent.
	ErrOrderNotActive = errors.New("order is not being sent")
	// ErrNoPaymentInFlight means the order has no payment awaiting plugin
	// interaction.
	ErrNoPaymentInFlight = errors.New("order has no payment in flight")
)

// Config wires a Sender.
type Config struct {
	Store     orders.Store
	Manager   *plugins.Manager
	Connector transport.Connector

	// Forward receives the notifications the sender does not consume
	// itself: intermediate plugin updates, final payment outcomes and
	// order completion. Optional.
	Forward plugins.Notifier
}

// Sender submits orders for payment. All bookkeeping happens under a single
// mutex; plugin Pay calls are always dispatched outside it, so plugins may
// call back synchronously without deadlocking.
type Sender struct {
	store     orders.Store
	manager   *plugins.Manager
	connector transport.Connector
	forward   plugins.Notifier

	mu     sync.Mutex
	active map[string]*orders.Order
	// inFlight maps payment id to the plugin a Pay has been dispatched to,
	// so a re-submitted order does not pay twice.
	inFlight map[string]string
}

// New returns a Sender with no active orders.
func New(cfg Config) *Sender {
	return &Sender{
		store:     cfg.Store,
		manager:   cfg.Manager,
		connector: cfg.Connector,
		forward:   cfg.Forward,
		active:    make(map[string]*orders.Order),
		inFlight:  make(map[string]string),
	}
}

// Submit loads the order and advances it: the next due payment is processed
// and its plugin engaged. Orders with only future payments are left alone;
// calling Submit again later picks them up.
func (s *Sender) Submit(ctx context.Context, orderID string) error {
	s.mu.Lock()
	order, ok := s.active[orderID]
	if !ok {
		var err error
		order, err = orders.Find(ctx, s.store, orderID)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		s.active[orderID] = order
	}
	dispatch, err := s.advance(ctx, order)
	s.mu.Unlock()

	if err != nil {
		return err
	}
	if dispatch != nil {
		dispatch()
	}
	return nil
}

// advance runs the order's state machine once. The caller must hold mu. The
// returned dispatch, when non-nil, must be invoked after releasing mu.
func (s *Sender) advance(ctx context.Context, order *orders.Order) (func(), error) {
	p, err := order.Process(ctx, s.store)
	if err != nil {
		return nil, err
	}
	if p == nil {
		// the order just completed
		delete(s.active, order.ID)
		s.notifyForward(ctx, plugins.Notification{
			Type:    plugins.NotificationOrderCompleted,
			OrderID: order.ID,
		})
		return nil, nil
	}
	if p.IsFailed() {
		delete(s.active, order.ID)
		delete(s.inFlight, p.ID)
		return nil, errors.Wrapf(ErrNoPluginsAvailable, "payment %s", p.ID)
	}

	run := p.CurrentPlugin()
	if run == nil {
		// payment scheduled in the future, nothing to do yet
		return nil, nil
	}
	if s.inFlight[p.ID] == run.Name {
		// already dispatched, waiting for the plugin callback
		return nil, nil
	}
	s.inFlight[p.ID] = run.Name

	name := run.Name
	return func() { s.dispatch(ctx, order, p, name) }, nil
}

// dispatch hands the payment to the plugin. Runs without holding mu. A
// dispatch failure is fed back through the normal failure path so the next
// plugin gets its turn.
func (s *Sender) dispatch(ctx context.Context, order *orders.Order, p *payments.Payment, pluginName string) {
	if err := s.pay(ctx, p, pluginName); err != nil {
		log.WithError(err).WithFields(map[string]interface{}{
			"payment": p.ID,
			"plugin":  pluginName,
		}).Warn("Plugin could not take the payment")

		failure := plugins.Notification{
			Type:        plugins.NotificationPaymentUpdate,
			PluginName:  pluginName,
			OrderID:     order.ID,
			ID:          p.ID,
			PluginState: plugins.PluginStateFailed,
		}
		if err := s.HandleNotification(ctx, failure); err != nil {
			log.WithError(err).WithField("payment", p.ID).
				Error("Could not fail over to the next plugin")
		}
	}
}

// pay resolves the plugin and the counterparty endpoint and invokes Pay.
func (s *Sender) pay(ctx context.Context, p *payments.Payment, pluginName string) error {
	entry, ok := s.manager.Get(pluginName)
	if !ok {
		return errors.Wrapf(plugins.ErrPluginNotFound, "%q", pluginName)
	}
	if !entry.Active {
		return errors.Wrapf(plugins.ErrPluginNotActive, "%q", pluginName)
	}
	payer, ok := entry.Plugin.(plugins.Payer)
	if !ok {
		return errors.Wrapf(plugins.ErrPluginManifest, "%q does not implement Pay", pluginName)
	}

	target, err := s.resolveTarget(ctx, p.CounterpartyURL, pluginName)
	if err != nil {
		return err
	}

	return payer.Pay(ctx, plugins.PayRequest{
		Target:  target,
		Payload: p.Payload(),
		Notify:  s.notifierFor(p.OrderID, p.ID, pluginName),
	})
}

// resolveTarget reads the counterparty catalogue and returns the payment
// file behind the endpoint published for the given plugin.
func (s *Sender) resolveTarget(ctx context.Context, url, pluginName string) (json.RawMessage, error) {
	raw, err := s.connector.ReadRemote(ctx, url)
	if err != nil {
		return nil, errors.Wrapf(err, "reading catalogue %s", url)
	}
	if raw == nil {
		return nil, errors.Wrapf(ErrPaymentTargetNotFound, "catalogue %s", url)
	}

	var index transport.Index
	if err := json.Unmarshal(raw, &index); err != nil {
		return nil, errors.Wrapf(err, "parsing catalogue %s", url)
	}
	endpoint, ok := index.PaymentEndpoints[pluginName]
	if !ok {
		return nil, errors.Wrapf(ErrPaymentTargetNotFound, "no %s endpoint in %s", pluginName, url)
	}

	target, err := s.connector.ReadRemote(ctx, endpoint)
	if err != nil {
		return nil, errors.Wrapf(err, "reading endpoint %s", endpoint)
	}
	if target == nil {
		return nil, errors.Wrapf(ErrPaymentTargetNotFound, "endpoint %s is empty", endpoint)
	}
	return target, nil
}

// notifierFor binds the order, payment and plugin ids into the callback a
// plugin receives, so sparse plugin notifications still route correctly.
func (s *Sender) notifierFor(orderID, paymentID, pluginName string) plugins.Notifier {
	return func(ctx context.Context, n plugins.Notification) error {
		if n.Type == "" {
			n.Type = plugins.NotificationPaymentUpdate
		}
		if n.OrderID == "" {
			n.OrderID = orderID
		}
		if n.ID == "" {
			n.ID = paymentID
		}
		if n.PluginName == "" {
			n.PluginName = pluginName
		}
		return s.HandleNotification(ctx, n)
	}
}

// HandleNotification routes a payment_update notification: failed attempts
// move on to the next plugin, successes complete the payment and possibly
// the order, anything else is persisted and forwarded as progress.
func (s *Sender) HandleNotification(ctx context.Context, n plugins.Notification) error {
	if n.Type != plugins.NotificationPaymentUpdate {
		return s.notifyForward(ctx, n)
	}

	switch n.PluginState {
	case plugins.PluginStateFailed:
		return s.handleFailure(ctx, n)
	case plugins.PluginStateSuccess:
		return s.handleSuccess(ctx, n)
	default:
		return s.handleIntermediate(ctx, n)
	}
}

func (s *Sender) lookupLocked(n plugins.Notification) (*orders.Order, *payments.Payment, error) {
	order, ok := s.active[n.OrderID]
	if !ok {
		return nil, nil, errors.Wrapf(ErrOrderNotActive, "%s", n.OrderID)
	}
	for _, p := range order.Payments {
		if p.ID == n.ID {
			return order, p, nil
		}
	}
	return nil, nil, errors.Wrapf(payments.ErrNotFound, "payment %s", n.ID)
}

// handleFailure records the failed attempt and immediately tries the next
// plugin in the priority. With the queue exhausted the payment fails and the
// caller is told through the forward channel.
func (s *Sender) handleFailure(ctx context.Context, n plugins.Notification) error {
	s.mu.Lock()
	order, p, err := s.lookupLocked(n)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	delete(s.inFlight, p.ID)
	// a terminal update can carry final plugin data, keep it with the payment
	if len(n.Data) > 0 {
		p.PluginUpdate = n.Data
	}
	if err := p.FailCurrentPlugin(ctx, s.store); err != nil {
		s.mu.Unlock()
		return err
	}
	dispatch, err := s.advance(ctx, order)
	s.mu.Unlock()

	if err != nil {
		if errors.Cause(err) == ErrNoPluginsAvailable {
			s.notifyForward(ctx, plugins.Notification{
				Type:        plugins.NotificationPaymentUpdate,
				PluginName:  n.PluginName,
				OrderID:     n.OrderID,
				ID:          n.ID,
				PluginState: plugins.PluginStateFailed,
				Data:        json.RawMessage(`{"error":"no plugins available to complete payment"}`),
			})
		}
		return err
	}
	if dispatch != nil {
		dispatch()
	}
	return nil
}

// handleSuccess completes the payment, then the order if nothing is
// outstanding. Recurring orders advance to their next payment instead.
func (s *Sender) handleSuccess(ctx context.Context, n plugins.Notification) error {
	s.mu.Lock()
	order, p, err := s.lookupLocked(n)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	delete(s.inFlight, p.ID)
	if len(n.Data) > 0 {
		p.PluginUpdate = n.Data
	}
	if err := p.Complete(ctx, s.store); err != nil {
		s.mu.Unlock()
		return err
	}

	var dispatch func()
	completed := false
	switch err := order.Complete(ctx, s.store); errors.Cause(err) {
	case nil:
		completed = true
		delete(s.active, order.ID)
	case orders.ErrOutstandingPayments:
		// recurring order, schedule the next payment
		dispatch, err = s.advance(ctx, order)
		if err != nil {
			s.mu.Unlock()
			return err
		}
	default:
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	s.notifyForward(ctx, n)
	if completed {
		s.notifyForward(ctx, plugins.Notification{
			Type:    plugins.NotificationOrderCompleted,
			OrderID: order.ID,
		})
	}
	if dispatch != nil {
		dispatch()
	}
	return nil
}

// handleIntermediate persists the raw plugin data on the payment so a
// pending user action survives restarts, then forwards it.
func (s *Sender) handleIntermediate(ctx context.Context, n plugins.Notification) error {
	s.mu.Lock()
	_, p, err := s.lookupLocked(n)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	p.PluginUpdate = n.Data
	err = p.Update(ctx, s.store)
	s.mu.Unlock()

	if err != nil {
		return err
	}
	return s.notifyForward(ctx, n)
}

// UpdateArgs address the plugin a user action should reach. OrderID is
// required; PaymentID narrows the match to one payment and PluginName names
// the plugin outright.
type UpdateArgs struct {
	OrderID    string
	PaymentID  string
	PluginName string
	Data       json.RawMessage
}

// UpdatePayment forwards user-supplied data to the plugin engaged on the
// order's in-flight payment. Orders no sender is tracking, as after a
// restart, are loaded from the store and the persisted current plugin is
// engaged directly.
func (s *Sender) UpdatePayment(ctx context.Context, args UpdateArgs) error {
	pluginName := args.PluginName

	s.mu.Lock()
	order, active := s.active[args.OrderID]
	if active && pluginName == "" {
		pluginName = currentPluginName(order, args.PaymentID)
	}
	s.mu.Unlock()

	if !active {
		stored, err := orders.Find(ctx, s.store, args.OrderID)
		if err != nil {
			return err
		}
		if pluginName == "" {
			pluginName = currentPluginName(stored, args.PaymentID)
		}
	}
	if pluginName == "" {
		return errors.Wrapf(ErrNoPaymentInFlight, "%s", args.OrderID)
	}

	entry, ok := s.manager.Get(pluginName)
	if !ok {
		return errors.Wrapf(plugins.ErrPluginNotFound, "%q", pluginName)
	}
	updater, ok := entry.Plugin.(plugins.Updater)
	if !ok {
		return errors.Wrapf(plugins.ErrPluginManifest, "%q does not accept payment updates", pluginName)
	}
	return updater.UpdatePayment(ctx, args.Data)
}

// currentPluginName finds the plugin engaged on the order's in-flight
// payment, optionally narrowed to one payment id.
func currentPluginName(order *orders.Order, paymentID string) string {
	for _, p := range order.Payments {
		if paymentID != "" && p.ID != paymentID {
			continue
		}
		if run := p.CurrentPlugin(); run != nil {
			return run.Name
		}
	}
	return ""
}

// Cancel aborts an active order together with its non-final payments.
func (s *Sender) Cancel(ctx context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.active[orderID]
	if !ok {
		var err error
		order, err = orders.Find(ctx, s.store, orderID)
		if err != nil {
			return err
		}
	}
	if err := order.Cancel(ctx, s.store); err != nil {
		return err
	}
	delete(s.active, orderID)
	for _, p := range order.Payments {
		delete(s.inFlight, p.ID)
	}
	return nil
}

func (s *Sender) notifyForward(ctx context.Context, n plugins.Notification) error {
	if s.forward == nil {
		return nil
	}
	if err := s.forward(ctx, n); err != nil {
		log.WithError(err).WithField("type", string(n.Type)).
			Error("Forward notifier failed")
		return err
	}
	return nil
}
