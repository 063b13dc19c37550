// Package engine is the facade over the payment machinery: one Manager owns
// the store, the plugin registry, the sending and the receiving side, and
// exposes the operations embedders call.
package engine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"

	"gitlab.com/slashpay/slashpay/build"
	"gitlab.com/slashpay/slashpay/orders"
	"gitlab.com/slashpay/slashpay/plugins"
	"gitlab.com/slashpay/slashpay/receiver"
	"gitlab.com/slashpay/slashpay/sender"
	"gitlab.com/slashpay/slashpay/transport"
)

var log = build.AddSubLogger("ENGN")

var (
	// ErrNotReady means Init has not completed.
	ErrNotReady = errors.New("engine is not initialised")
	// ErrPayloadClientOrderIDMissing means a payment file was requested
	// without a client order id to bind it to.
	ErrPayloadClientOrderIDMissing = errors.New("payload is missing clientOrderId")
	// ErrUnknownNotification means a plugin notification carried a type the
	// engine does not route.
	ErrUnknownNotification = errors.New("unknown notification type")
)

// Store is what the engine persists through.
type Store interface {
	orders.Store
	Init(ctx context.Context) error
}

// Config wires a Manager.
type Config struct {
	Store     Store
	Connector transport.Connector

	// Modules is the compiled-in plugin table; every entry is loaded on
	// Init. The connector is handed to each plugin as its storage handle.
	Modules map[string]plugins.Module

	// DefaultSendingPriority applies to orders created without one.
	DefaultSendingPriority []string

	// Notify receives user-facing notifications. Optional.
	Notify plugins.Notifier

	// DisableRegenerate stops partially paid invoices from re-provisioning.
	DisableRegenerate bool
}

// Manager is the engine facade.
type Manager struct {
	store     Store
	connector transport.Connector
	modules   map[string]plugins.Module
	plugins   *plugins.Manager
	sender    *sender.Sender
	receiver  *receiver.Receiver
	notify    plugins.Notifier

	defaultPriority []string

	mu    sync.Mutex
	ready bool
}

// New builds an engine. Call Init before anything else.
func New(cfg Config) *Manager {
	m := &Manager{
		store:           cfg.Store,
		connector:       cfg.Connector,
		modules:         cfg.Modules,
		notify:          cfg.Notify,
		defaultPriority: cfg.DefaultSendingPriority,
	}
	m.plugins = plugins.NewManager(plugins.Config{Modules: cfg.Modules})
	m.sender = sender.New(sender.Config{
		Store:     cfg.Store,
		Manager:   m.plugins,
		Connector: cfg.Connector,
		Forward:   m.notifyUser,
	})
	m.receiver = receiver.New(receiver.Config{
		Store:             cfg.Store,
		Manager:           m.plugins,
		Connector:         cfg.Connector,
		Forward:           m.notifyUser,
		DisableRegenerate: cfg.DisableRegenerate,
	})
	return m
}

// Init brings the engine up: store, transport, every configured plugin, and
// finally the published catalogue.
func (m *Manager) Init(ctx context.Context) error {
	if err := m.store.Init(ctx); err != nil {
		return errors.Wrap(err, "could not initialise store")
	}
	if err := m.connector.Init(ctx); err != nil {
		return errors.Wrap(err, "could not initialise transport")
	}

	for name := range m.modules {
		if _, err := m.plugins.LoadPlugin(ctx, name, m.connector); err != nil {
			return errors.Wrapf(err, "could not load plugin %q", name)
		}
	}

	if err := m.receiver.Init(ctx); err != nil {
		return err
	}

	m.setReady(true)
	log.WithField("catalogue", m.receiver.PublicURL()).Info("Engine is ready")
	return nil
}

// Stop tears the engine down: plugins first, then the transport.
func (m *Manager) Stop(ctx context.Context) error {
	var firstErr error
	for name := range m.plugins.Plugins(nil) {
		if err := m.plugins.StopPlugin(ctx, name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := m.connector.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	m.setReady(false)
	return firstErr
}

func (m *Manager) setReady(ready bool) {
	m.mu.Lock()
	m.ready = ready
	m.mu.Unlock()
}

func (m *Manager) checkReady() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ready {
		return ErrNotReady
	}
	return nil
}

// CreatePaymentOrder validates, materialises and persists a new order.
// Orders without a sending priority get the engine default.
func (m *Manager) CreatePaymentOrder(ctx context.Context, args orders.NewOrderArgs) (*orders.Order, error) {
	if err := m.checkReady(); err != nil {
		return nil, err
	}
	if len(args.SendingPriority) == 0 {
		args.SendingPriority = m.defaultPriority
	}
	o, err := orders.NewOrder(args)
	if err != nil {
		return nil, err
	}
	if err := o.Init(ctx, m.store); err != nil {
		return nil, err
	}
	return o, nil
}

// GetPaymentOrder loads an order together with its payments.
func (m *Manager) GetPaymentOrder(ctx context.Context, id string) (*orders.Order, error) {
	if err := m.checkReady(); err != nil {
		return nil, err
	}
	return orders.Find(ctx, m.store, id)
}

// SendPayment submits the order's next due payment to its plugins.
func (m *Manager) SendPayment(ctx context.Context, orderID string) error {
	if err := m.checkReady(); err != nil {
		return err
	}
	return m.sender.Submit(ctx, orderID)
}

// CancelPaymentOrder cancels the order and its outstanding payments.
func (m *Manager) CancelPaymentOrder(ctx context.Context, orderID string) error {
	if err := m.checkReady(); err != nil {
		return err
	}
	return m.sender.Cancel(ctx, orderID)
}

// ReceivePayments (re)publishes the public catalogue and returns its url.
func (m *Manager) ReceivePayments(ctx context.Context) (string, error) {
	if err := m.checkReady(); err != nil {
		return "", err
	}
	if err := m.receiver.Init(ctx); err != nil {
		return "", err
	}
	return m.receiver.PublicURL(), nil
}

// CreateInvoice records an expected payment and publishes its invoice.
func (m *Manager) CreateInvoice(ctx context.Context, args receiver.InvoiceArgs) (string, error) {
	if err := m.checkReady(); err != nil {
		return "", err
	}
	_, url, err := m.receiver.CreateInvoice(ctx, args)
	return url, err
}

// PaymentFileArgs describe a plugin-produced payment file to publish.
type PaymentFileArgs struct {
	PluginName string
	// ClientOrderID binds the file to an invoice; required when Personal.
	ClientOrderID string
	// Personal marks the file as invoice-bound rather than public.
	Personal bool
	Data     json.RawMessage
}

// CreatePaymentFile writes a plugin's payment file at its well-known path:
// public by default, encrypted under the client order when bound to one.
func (m *Manager) CreatePaymentFile(ctx context.Context, args PaymentFileArgs) (string, error) {
	if err := m.checkReady(); err != nil {
		return "", err
	}
	if args.Personal && args.ClientOrderID == "" {
		return "", ErrPayloadClientOrderIDMissing
	}
	return m.receiver.CreatePaymentFile(ctx, receiver.PaymentFileArgs{
		PluginName:    args.PluginName,
		ClientOrderID: args.ClientOrderID,
		Data:          args.Data,
	})
}

// EntryPointForPlugin routes a plugin notification to the side that owns it.
func (m *Manager) EntryPointForPlugin(ctx context.Context, n plugins.Notification) error {
	if err := m.checkReady(); err != nil {
		return err
	}
	switch n.Type {
	case plugins.NotificationPaymentUpdate:
		return m.sender.HandleNotification(ctx, n)
	case plugins.NotificationPaymentNew, plugins.NotificationReadyToReceive:
		return m.receiver.HandleNotification(ctx, n)
	case plugins.NotificationOrderCompleted:
		return m.notifyUser(ctx, n)
	default:
		return errors.Wrapf(ErrUnknownNotification, "%q", n.Type)
	}
}

// EntryPointForUser forwards user-supplied data to the plugin engaged on the
// order's in-flight payment, reaching a persisted payment through its named
// plugin when no sender is tracking the order.
func (m *Manager) EntryPointForUser(ctx context.Context, args sender.UpdateArgs) error {
	if err := m.checkReady(); err != nil {
		return err
	}
	return m.sender.UpdatePayment(ctx, args)
}

// Plugins returns the plugin registry, optionally filtered by active flag.
func (m *Manager) Plugins(active *bool) map[string]plugins.Registered {
	return m.plugins.Plugins(active)
}

// RPCRegistry exposes the plugin RPC namespace, keyed "{plugin}/{method}".
func (m *Manager) RPCRegistry() map[string]plugins.RPCFunc {
	return m.plugins.RPCRegistry()
}

func (m *Manager) notifyUser(ctx context.Context, n plugins.Notification) error {
	if m.notify == nil {
		return nil
	}
	return m.notify(ctx, n)
}
