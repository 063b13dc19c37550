// Package plugins defines the contract between the engine and payment
// method plugins, and the manager that loads, validates and dispatches to
// them. A plugin is an in-process module: it is registered in the manager's
// module table at wiring time and instantiated through its Init.
package plugins

import (
	"context"
	"encoding/json"

	"gitlab.com/slashpay/slashpay/payments"
)

// TypePayment is the manifest type for payment method plugins.
const TypePayment = "payment"

// EventReceivePayment is the event payment plugins must subscribe to; the
// receiver dispatches it when (re)publishing the endpoint catalogue.
const EventReceivePayment = "receivePayment"

// Plugin states reported through payment_update notifications.
const (
	PluginStateSubmitted = "submitted"
	PluginStateFailed    = "failed"
	PluginStateSuccess   = "success"
)

// NotificationType discriminates plugin-to-engine notifications.
type NotificationType string

const (
	// NotificationPaymentNew is emitted when a plugin observed an incoming
	// payment.
	NotificationPaymentNew NotificationType = "payment_new"
	// NotificationPaymentUpdate carries progress for an outgoing payment.
	NotificationPaymentUpdate NotificationType = "payment_update"
	// NotificationOrderCompleted is informational.
	NotificationOrderCompleted NotificationType = "payment_order_completed"
	// NotificationReadyToReceive says the plugin provisioned its payment
	// file data.
	NotificationReadyToReceive NotificationType = "ready_to_receive"
)

// Notification is the payload plugins push back into the engine. Which
// fields are set depends on Type.
type Notification struct {
	Type       NotificationType `json:"type"`
	PluginName string           `json:"pluginName"`

	// payment_update
	OrderID     string          `json:"orderId,omitempty"`
	PluginState string          `json:"pluginState,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`

	// payment_new
	ID                string          `json:"id,omitempty"`
	Amount            string          `json:"amount,omitempty"`
	Currency          string          `json:"currency,omitempty"`
	Denomination      string          `json:"denomination,omitempty"`
	Memo              string          `json:"memo,omitempty"`
	RawData           json.RawMessage `json:"rawData,omitempty"`
	IsPersonalPayment bool            `json:"isPersonalPayment,omitempty"`
	ClientOrderID     string          `json:"clientOrderId,omitempty"`

	// ready_to_receive
	AmountWasSpecified bool `json:"amountWasSpecified,omitempty"`
}

// Notifier delivers a plugin notification back into the engine.
type Notifier func(ctx context.Context, n Notification) error

// Storage is the opaque handle the engine passes through to plugin Init.
// The engine never interprets it.
type Storage interface{}

// Manifest is a plugin's self-description.
type Manifest struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Version     string   `json:"version,omitempty"`
	RPC         []string `json:"rpc,omitempty"`
	Events      []string `json:"events,omitempty"`
}

// HasEvent reports whether the manifest subscribes to the given event.
func (m Manifest) HasEvent(event string) bool {
	for _, e := range m.Events {
		if e == event {
			return true
		}
	}
	return false
}

// HasRPC reports whether the manifest declares the given RPC method.
func (m Manifest) HasRPC(method string) bool {
	for _, r := range m.RPC {
		if r == method {
			return true
		}
	}
	return false
}

// Module is the loadable unit: a constructor plus its manifest.
type Module interface {
	Init(ctx context.Context, storage Storage) (Plugin, error)
	Manifest() (Manifest, error)
}

// Plugin is a live plugin instance. Capabilities beyond the base are
// discovered by type assertion against the interfaces below, guided by the
// manifest.
type Plugin interface{}

// PayRequest is the argument to a payment plugin's Pay.
type PayRequest struct {
	// Target is the counterparty endpoint payload read from the transport,
	// opaque to the engine.
	Target json.RawMessage
	// Payload is the restricted serialised payment.
	Payload payments.PluginPayload
	// Notify receives asynchronous progress callbacks.
	Notify Notifier
}

// Payer must be implemented by every plugin of type "payment". Pay returns
// once the payment has been handed to the payment network; progress arrives
// through req.Notify.
type Payer interface {
	Pay(ctx context.Context, req PayRequest) error
}

// Stopper is implemented by plugins that need teardown.
type Stopper interface {
	Stop(ctx context.Context) error
}

// Updater is implemented by plugins that accept out-of-band user updates to
// an in-flight payment.
type Updater interface {
	UpdatePayment(ctx context.Context, data json.RawMessage) error
}

// EventPayload is the argument delivered with a dispatched event.
type EventPayload struct {
	ID                   string   `json:"id"`
	ClientOrderID        string   `json:"clientOrderId,omitempty"`
	ExpectedAmount       string   `json:"expectedAmount,omitempty"`
	ExpectedCurrency     string   `json:"expectedCurrency,omitempty"`
	ExpectedDenomination string   `json:"expectedDenomination,omitempty"`
	Notify               Notifier `json:"-"`
}

// EventHandler is implemented by plugins subscribing to events.
type EventHandler interface {
	HandleEvent(ctx context.Context, event string, payload EventPayload) error
}

// RPCFunc is a single callable RPC method exposed by a plugin.
type RPCFunc func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// RPCProvider exposes the method table backing a manifest's rpc list. Every
// name declared in the manifest must resolve in the table.
type RPCProvider interface {
	RPC() map[string]RPCFunc
}
