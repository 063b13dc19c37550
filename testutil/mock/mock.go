// Package mock has in-memory stand-ins for the pieces that normally live
// outside the engine: payment plugins, the transport connector and the
// user-facing notification channel.
package mock

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"

	"gitlab.com/slashpay/slashpay/plugins"
	"gitlab.com/slashpay/slashpay/transport"
)

// PayBehavior decides what a mock plugin does when handed a payment.
type PayBehavior func(ctx context.Context, req plugins.PayRequest) error

// SucceedPay immediately reports the payment as succeeded.
func SucceedPay(ctx context.Context, req plugins.PayRequest) error {
	return req.Notify(ctx, plugins.Notification{
		PluginState: plugins.PluginStateSuccess,
	})
}

// FailPay immediately reports the payment as failed.
func FailPay(ctx context.Context, req plugins.PayRequest) error {
	return req.Notify(ctx, plugins.Notification{
		PluginState: plugins.PluginStateFailed,
	})
}

// Module is a compiled-in mock payment plugin module.
type Module struct {
	Name string
	// Pay defaults to SucceedPay.
	Pay PayBehavior
	// PaymentFile is what the plugin publishes as its endpoint payload.
	// Defaults to a minimal JSON object mentioning the plugin name.
	PaymentFile json.RawMessage

	InitErr     error
	ManifestErr error

	mu     sync.Mutex
	plugin *PaymentPlugin
}

var _ plugins.Module = (*Module)(nil)

// NewModule returns a module whose plugin pays successfully on first try.
func NewModule(name string) *Module {
	return &Module{Name: name}
}

// NewFailingModule returns a module whose plugin fails every payment.
func NewFailingModule(name string) *Module {
	return &Module{Name: name, Pay: FailPay}
}

// Init builds the plugin instance. The storage handle must be the transport
// connector; the plugin publishes its payment files through it.
func (m *Module) Init(ctx context.Context, storage plugins.Storage) (plugins.Plugin, error) {
	if m.InitErr != nil {
		return nil, m.InitErr
	}
	connector, _ := storage.(transport.Connector)

	pay := m.Pay
	if pay == nil {
		pay = SucceedPay
	}
	file := m.PaymentFile
	if file == nil {
		file = json.RawMessage(`{"plugin":"` + m.Name + `"}`)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.plugin = &PaymentPlugin{
		name:      m.Name,
		pay:       pay,
		file:      file,
		connector: connector,
	}
	return m.plugin, nil
}

// Manifest declares the standard payment plugin surface.
func (m *Module) Manifest() (plugins.Manifest, error) {
	if m.ManifestErr != nil {
		return plugins.Manifest{}, m.ManifestErr
	}
	return plugins.Manifest{
		Name:    m.Name,
		Type:    plugins.TypePayment,
		Version: "0.0.1",
		RPC:     []string{"pay"},
		Events:  []string{plugins.EventReceivePayment},
	}, nil
}

// Plugin returns the live plugin instance, nil before Init.
func (m *Module) Plugin() *PaymentPlugin {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.plugin
}

// PaymentPlugin is the live mock plugin. It records every interaction.
type PaymentPlugin struct {
	name      string
	pay       PayBehavior
	file      json.RawMessage
	connector transport.Connector

	mu          sync.Mutex
	payRequests []plugins.PayRequest
	updates     []json.RawMessage
	events      []string
	stopped     bool
}

var (
	_ plugins.Payer        = (*PaymentPlugin)(nil)
	_ plugins.Stopper      = (*PaymentPlugin)(nil)
	_ plugins.Updater      = (*PaymentPlugin)(nil)
	_ plugins.EventHandler = (*PaymentPlugin)(nil)
	_ plugins.RPCProvider  = (*PaymentPlugin)(nil)
)

func (p *PaymentPlugin) Pay(ctx context.Context, req plugins.PayRequest) error {
	p.mu.Lock()
	p.payRequests = append(p.payRequests, req)
	p.mu.Unlock()
	return p.pay(ctx, req)
}

func (p *PaymentPlugin) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	return nil
}

func (p *PaymentPlugin) UpdatePayment(ctx context.Context, data json.RawMessage) error {
	p.mu.Lock()
	p.updates = append(p.updates, data)
	p.mu.Unlock()
	return nil
}

// HandleEvent publishes the plugin's payment file when asked to get ready to
// receive, then reports back through the payload notifier.
func (p *PaymentPlugin) HandleEvent(ctx context.Context, event string, payload plugins.EventPayload) error {
	p.mu.Lock()
	p.events = append(p.events, event)
	p.mu.Unlock()

	if event != plugins.EventReceivePayment {
		return nil
	}
	if p.connector == nil {
		return errors.New("mock plugin has no transport connector")
	}

	path := transport.PublicPluginPath(p.name)
	opts := transport.CreateOpts{}
	if payload.ClientOrderID != "" {
		path = transport.InvoicePluginPath(payload.ClientOrderID, p.name)
		opts.Encrypt = true
	}
	if _, err := p.connector.Create(ctx, path, p.file, opts); err != nil {
		return err
	}

	if payload.Notify == nil {
		return nil
	}
	return payload.Notify(ctx, plugins.Notification{
		Type:               plugins.NotificationReadyToReceive,
		PluginName:         p.name,
		ClientOrderID:      payload.ClientOrderID,
		AmountWasSpecified: payload.ExpectedAmount != "",
	})
}

func (p *PaymentPlugin) RPC() map[string]plugins.RPCFunc {
	return map[string]plugins.RPCFunc{
		"pay": func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{"ok":true}`), nil
		},
	}
}

// PayRequests returns the recorded Pay calls.
func (p *PaymentPlugin) PayRequests() []plugins.PayRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]plugins.PayRequest{}, p.payRequests...)
}

// Updates returns the recorded UpdatePayment calls.
func (p *PaymentPlugin) Updates() []json.RawMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]json.RawMessage{}, p.updates...)
}

// Events returns the recorded event names in delivery order.
func (p *PaymentPlugin) Events() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string{}, p.events...)
}

// Stopped reports whether Stop has been called.
func (p *PaymentPlugin) Stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// Connector is an in-memory transport. Values are stored under their
// externally readable url.
type Connector struct {
	// Host prefixes every url, defaulting to mock://drive.
	Host string

	mu        sync.Mutex
	values    map[string][]byte
	encrypted map[string]bool
	closed    bool
}

var _ transport.Connector = (*Connector)(nil)

// NewConnector returns an initialised in-memory transport.
func NewConnector() *Connector {
	return &Connector{
		values:    make(map[string][]byte),
		encrypted: make(map[string]bool),
	}
}

func (c *Connector) host() string {
	if c.Host != "" {
		return c.Host
	}
	return "mock://drive"
}

func (c *Connector) Init(ctx context.Context) error { return nil }

func (c *Connector) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *Connector) Create(ctx context.Context, path string, value []byte, opts transport.CreateOpts) (string, error) {
	url, err := c.URL(path)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", errors.New("transport is closed")
	}
	c.values[url] = append([]byte{}, value...)
	c.encrypted[url] = opts.Encrypt
	return url, nil
}

func (c *Connector) ReadRemote(ctx context.Context, url string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	value, ok := c.values[url]
	if !ok {
		return nil, nil
	}
	return append([]byte{}, value...), nil
}

func (c *Connector) URL(path string) (string, error) {
	if path == "" || path[0] != '/' {
		return "", errors.Errorf("path must be absolute, got %q", path)
	}
	return c.host() + path, nil
}

// Encrypted reports whether the value at url was written encrypted.
func (c *Connector) Encrypted(url string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.encrypted[url]
}

// NotificationRecorder captures forwarded notifications for assertions.
type NotificationRecorder struct {
	mu            sync.Mutex
	notifications []plugins.Notification
}

// Notify is a plugins.Notifier that records every notification.
func (r *NotificationRecorder) Notify(ctx context.Context, n plugins.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications = append(r.notifications, n)
	return nil
}

// All returns the recorded notifications in arrival order.
func (r *NotificationRecorder) All() []plugins.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]plugins.Notification{}, r.notifications...)
}

// ByType returns the recorded notifications of the given type.
func (r *NotificationRecorder) ByType(t plugins.NotificationType) []plugins.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []plugins.Notification
	for _, n := range r.notifications {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}
