// Package receiver publishes the endpoint catalogue payers read and
// reconciles the payments that arrive through it. Anonymous payments are
// recorded as they come; invoice-bound (personal) payments are matched
// against their expected amount and topped up with regenerated invoices
// until it is covered.
package receiver

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"

	"gitlab.com/slashpay/slashpay/amount"
	"gitlab.com/slashpay/slashpay/build"
	"gitlab.com/slashpay/slashpay/payments"
	"gitlab.com/slashpay/slashpay/plugins"
	"gitlab.com/slashpay/slashpay/transport"
)

var log = build.AddSubLogger("RECV")

var (
	// ErrInvoiceNotFound means no open invoice matched the client order id.
	ErrInvoiceNotFound = errors.New("no open invoice for client order id")
	// ErrPaymentCurrencyMismatch means a receipt arrived in a different
	// currency than the invoice expects.
	ErrPaymentCurrencyMismatch = errors.New("received payment currency does not match invoice")
	// ErrPaymentDenominationMismatch means a receipt arrived in a different
	// denomination than the invoice expects.
	ErrPaymentDenominationMismatch = errors.New("received payment denomination does not match invoice")
	// ErrPaymentFileEmpty means a payment file was handed over without data.
	ErrPaymentFileEmpty = errors.New("payment file has no data")
)

// Config wires a Receiver.
type Config struct {
	Store     payments.Store
	Manager   *plugins.Manager
	Connector transport.Connector

	// Forward receives reconciliation results and ready_to_receive
	// notifications for the user. Optional.
	Forward plugins.Notifier

	// DisableRegenerate stops the receiver from re-provisioning after a
	// reconciled payment: no fresh catalogue, and no fresh invoice for a
	// partially paid remainder.
	DisableRegenerate bool
}

// Receiver owns the receiving side: the public catalogue, invoices and
// incoming payment reconciliation.
type Receiver struct {
	store      payments.Store
	manager    *plugins.Manager
	connector  transport.Connector
	forward    plugins.Notifier
	regenerate bool

	mu        sync.Mutex
	publicURL string
}

// New returns an unpublished Receiver.
func New(cfg Config) *Receiver {
	return &Receiver{
		store:      cfg.Store,
		manager:    cfg.Manager,
		connector:  cfg.Connector,
		forward:    cfg.Forward,
		regenerate: !cfg.DisableRegenerate,
	}
}

// Init asks every payment plugin to provision its public payment file, then
// publishes the catalogue at the well-known path.
func (r *Receiver) Init(ctx context.Context) error {
	r.manager.DispatchEvent(ctx, plugins.EventReceivePayment, plugins.EventPayload{
		Notify: r.HandleNotification,
	})

	body, err := r.marshalIndex("")
	if err != nil {
		return err
	}
	url, err := r.connector.Create(ctx, transport.PublicIndexPath(), body,
		transport.CreateOpts{AwaitRelaySync: true})
	if err != nil {
		return errors.Wrap(err, "could not publish catalogue")
	}

	r.mu.Lock()
	r.publicURL = url
	r.mu.Unlock()

	log.WithField("url", url).Info("Published payment catalogue")
	return nil
}

// PublicURL is the published catalogue url, empty before Init.
func (r *Receiver) PublicURL() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.publicURL
}

// marshalIndex builds the catalogue body over all active payment plugins.
// With a client order id the per-invoice paths are used.
func (r *Receiver) marshalIndex(clientOrderID string) ([]byte, error) {
	active := true
	endpoints := make(map[string]string)
	for name, entry := range r.manager.Plugins(&active) {
		if entry.Manifest.Type != plugins.TypePayment {
			continue
		}
		path := transport.PublicPluginPath(name)
		if clientOrderID != "" {
			path = transport.InvoicePluginPath(clientOrderID, name)
		}
		url, err := r.connector.URL(path)
		if err != nil {
			return nil, errors.Wrapf(err, "endpoint url for %s", name)
		}
		endpoints[name] = url
	}
	return json.Marshal(transport.Index{PaymentEndpoints: endpoints})
}

// InvoiceArgs describe an invoice to create.
type InvoiceArgs struct {
	// ClientOrderID defaults to a fresh uuid.
	ClientOrderID string
	Expected      amount.Amount
	Memo          string
}

// CreateInvoice records an expected incoming payment and publishes an
// encrypted invoice catalogue for it. Returns the payment and the invoice
// url the counterparty pays against.
func (r *Receiver) CreateInvoice(ctx context.Context, args InvoiceArgs) (*payments.IncomingPayment, string, error) {
	if args.ClientOrderID == "" {
		args.ClientOrderID = uuid.NewV4().String()
	}
	if err := args.Expected.Validate(); err != nil {
		return nil, "", err
	}

	p, err := payments.NewIncomingPayment(payments.NewIncomingArgs{
		ClientOrderID: args.ClientOrderID,
		Memo:          args.Memo,
		Expected:      &args.Expected,
	})
	if err != nil {
		return nil, "", err
	}
	if err := p.Save(ctx, r.store); err != nil {
		return nil, "", err
	}

	url, err := r.provisionInvoice(ctx, p.ID, args.ClientOrderID, args.Expected)
	if err != nil {
		return nil, "", err
	}
	return p, url, nil
}

// provisionInvoice has the plugins write their per-invoice payment files and
// publishes the encrypted invoice catalogue over them.
func (r *Receiver) provisionInvoice(ctx context.Context, paymentID, clientOrderID string, expected amount.Amount) (string, error) {
	r.manager.DispatchEvent(ctx, plugins.EventReceivePayment, plugins.EventPayload{
		ID:                   paymentID,
		ClientOrderID:        clientOrderID,
		ExpectedAmount:       expected.Amount,
		ExpectedCurrency:     expected.Currency,
		ExpectedDenomination: string(expected.Denomination),
		Notify:               r.HandleNotification,
	})

	body, err := r.marshalIndex(clientOrderID)
	if err != nil {
		return "", err
	}
	url, err := r.connector.Create(ctx, transport.InvoiceIndexPath(clientOrderID), body,
		transport.CreateOpts{AwaitRelaySync: true, Encrypt: true})
	if err != nil {
		return "", errors.Wrapf(err, "could not publish invoice %s", clientOrderID)
	}
	return url, nil
}

// PaymentFileArgs is a plugin-produced payment file to publish. With a
// client order id the file is invoice-bound and written encrypted.
type PaymentFileArgs struct {
	PluginName    string
	ClientOrderID string
	Data          json.RawMessage
}

// CreatePaymentFile writes the plugin's payment file at its well-known path
// and returns the url payers read it from.
func (r *Receiver) CreatePaymentFile(ctx context.Context, args PaymentFileArgs) (string, error) {
	if args.PluginName == "" {
		return "", errors.Wrap(plugins.ErrPluginNotFound, "payment file without a plugin name")
	}
	if len(args.Data) == 0 {
		return "", errors.Wrapf(ErrPaymentFileEmpty, "plugin %s", args.PluginName)
	}

	path := transport.PublicPluginPath(args.PluginName)
	opts := transport.CreateOpts{AwaitRelaySync: true}
	if args.ClientOrderID != "" {
		path = transport.InvoicePluginPath(args.ClientOrderID, args.PluginName)
		opts.Encrypt = true
	}
	url, err := r.connector.Create(ctx, path, args.Data, opts)
	if err != nil {
		return "", errors.Wrapf(err, "could not publish payment file for %s", args.PluginName)
	}

	log.WithFields(map[string]interface{}{
		"plugin": args.PluginName,
		"url":    url,
	}).Info("Published payment file")
	return url, nil
}

// HandleNotification routes plugin notifications on the receiving side.
// payment_new and ready_to_receive are consumed here; everything else is
// forwarded.
func (r *Receiver) HandleNotification(ctx context.Context, n plugins.Notification) error {
	switch n.Type {
	case plugins.NotificationPaymentNew:
		return r.handleNewPayment(ctx, n)
	case plugins.NotificationReadyToReceive:
		return r.handleReadyToReceive(ctx, n)
	default:
		return r.notifyForward(ctx, n)
	}
}

// handleReadyToReceive publishes the payment file for plugins that hand
// their payload over instead of writing it themselves, then tells the user
// the endpoint is live.
func (r *Receiver) handleReadyToReceive(ctx context.Context, n plugins.Notification) error {
	if len(n.Data) > 0 {
		if _, err := r.CreatePaymentFile(ctx, PaymentFileArgs{
			PluginName:    n.PluginName,
			ClientOrderID: n.ClientOrderID,
			Data:          n.Data,
		}); err != nil {
			return err
		}
	}
	return r.notifyForward(ctx, n)
}

// handleNewPayment reconciles one observed payment. Personal payments credit
// their invoice; anonymous ones are recorded as complete. The catalogue is
// then republished so consumed single-use endpoints are replaced.
func (r *Receiver) handleNewPayment(ctx context.Context, n plugins.Notification) error {
	received, err := amount.New(n.Amount, n.Currency, amount.Denomination(n.Denomination))
	if err != nil {
		return errors.Wrapf(err, "plugin %s reported an invalid amount", n.PluginName)
	}

	if n.IsPersonalPayment || n.ClientOrderID != "" {
		if err := r.creditInvoice(ctx, n, received); err != nil {
			return err
		}
	} else if err := r.recordAnonymous(ctx, n, received); err != nil {
		return err
	}

	if r.regenerate {
		if err := r.Init(ctx); err != nil {
			return errors.Wrap(err, "could not refresh catalogue after payment")
		}
	}
	return r.notifyForward(ctx, n)
}

// recordAnonymous stores a payment that arrived outside any invoice.
func (r *Receiver) recordAnonymous(ctx context.Context, n plugins.Notification, received amount.Amount) error {
	p, err := payments.NewIncomingPayment(payments.NewIncomingArgs{
		Memo:     n.Memo,
		Amount:   &received,
		Internal: payments.StateCompleted,
	})
	if err != nil {
		return err
	}
	p.AddReceipt(payments.Receipt{
		Name:    n.PluginName,
		State:   plugins.PluginStateSuccess,
		Amount:  received,
		RawData: n.RawData,
	})
	if err := p.Save(ctx, r.store); err != nil {
		return err
	}

	log.WithFields(map[string]interface{}{
		"payment": p.ID,
		"plugin":  n.PluginName,
	}).Info("Recorded anonymous incoming payment")
	return nil
}

// creditInvoice applies the receipt to the open invoice. A covered invoice
// completes; a shortfall regenerates the invoice for the remainder.
func (r *Receiver) creditInvoice(ctx context.Context, n plugins.Notification, received amount.Amount) error {
	p, err := r.openInvoice(ctx, n.ClientOrderID)
	if err != nil {
		return err
	}

	if p.Expected.Currency != received.Currency {
		return errors.Wrapf(ErrPaymentCurrencyMismatch,
			"expected %s, got %s", p.Expected.Currency, received.Currency)
	}
	if p.Expected.Denomination != received.Denomination {
		return errors.Wrapf(ErrPaymentDenominationMismatch,
			"expected %s, got %s", p.Expected.Denomination, received.Denomination)
	}

	p.AddReceipt(payments.Receipt{
		Name:    n.PluginName,
		State:   plugins.PluginStateSuccess,
		Amount:  received,
		RawData: n.RawData,
	})
	if err := p.Update(ctx, r.store); err != nil {
		return err
	}

	if p.Internal != payments.StateCompleted && r.regenerate {
		missing := p.MissingAmount()
		if missing != nil {
			if _, err := r.provisionInvoice(ctx, p.ID, n.ClientOrderID, *missing); err != nil {
				return errors.Wrap(err, "could not regenerate invoice for the remainder")
			}
			log.WithFields(map[string]interface{}{
				"clientOrderId": n.ClientOrderID,
				"missing":       missing.Amount,
			}).Info("Regenerated invoice for partially paid invoice")
		}
	}

	return nil
}

// openInvoice finds the in-progress invoice behind a client order id.
func (r *Receiver) openInvoice(ctx context.Context, clientOrderID string) (*payments.IncomingPayment, error) {
	list, err := r.store.ListIncoming(ctx, payments.Filter{ClientOrderID: clientOrderID})
	if err != nil {
		return nil, err
	}
	for _, p := range list {
		if p.Internal == payments.StateInProgress && p.Expected != nil {
			return p, nil
		}
	}
	return nil, errors.Wrapf(ErrInvoiceNotFound, "%s", clientOrderID)
}

func (r *Receiver) notifyForward(ctx context.Context, n plugins.Notification) error {
	if r.forward == nil {
		return nil
	}
	if err := r.forward(ctx, n); err != nil {
		log.WithError(err).WithField("type", string(n.Type)).
			Error("Forward notifier failed")
		return err
	}
	return nil
}
