package engine_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/slashpay/slashpay/amount"
	"gitlab.com/slashpay/slashpay/engine"
	"gitlab.com/slashpay/slashpay/orders"
	"gitlab.com/slashpay/slashpay/payments"
	"gitlab.com/slashpay/slashpay/plugins"
	"gitlab.com/slashpay/slashpay/receiver"
	"gitlab.com/slashpay/slashpay/store"
	"gitlab.com/slashpay/slashpay/testutil/mock"
	"gitlab.com/slashpay/slashpay/transport"
)

type fixture struct {
	engine    *engine.Manager
	store     *store.Memory
	connector *mock.Connector
	recorder  *mock.NotificationRecorder
	modules   map[string]*mock.Module
}

func newEngine(t *testing.T, modules ...*mock.Module) *fixture {
	t.Helper()

	table := make(map[string]plugins.Module)
	byName := make(map[string]*mock.Module)
	var priority []string
	for _, m := range modules {
		table[m.Name] = m
		byName[m.Name] = m
		priority = append(priority, m.Name)
	}

	mem := store.NewMemory()
	connector := mock.NewConnector()
	recorder := &mock.NotificationRecorder{}
	e := engine.New(engine.Config{
		Store:                  mem,
		Connector:              connector,
		Modules:                table,
		DefaultSendingPriority: priority,
		Notify:                 recorder.Notify,
	})
	require.NoError(t, e.Init(context.Background()))
	return &fixture{engine: e, store: mem, connector: connector, recorder: recorder, modules: byName}
}

func TestInitPublishesAndLoadsPlugins(t *testing.T) {
	t.Parallel()
	f := newEngine(t, mock.NewModule("bolt11"), mock.NewModule("onchain"))

	registry := f.engine.Plugins(nil)
	assert.Len(t, registry, 2)
	assert.Contains(t, registry, "bolt11")
	assert.Contains(t, registry, "onchain")

	rpc := f.engine.RPCRegistry()
	assert.Contains(t, rpc, "bolt11/pay")
	assert.Contains(t, rpc, "onchain/pay")
}

func TestOperationsRequireInit(t *testing.T) {
	t.Parallel()
	e := engine.New(engine.Config{
		Store:     store.NewMemory(),
		Connector: mock.NewConnector(),
	})

	_, err := e.CreatePaymentOrder(context.Background(), orders.NewOrderArgs{})
	assert.Equal(t, engine.ErrNotReady, err)

	err = e.SendPayment(context.Background(), "id")
	assert.Equal(t, engine.ErrNotReady, err)
}

func TestPayOwnCatalogueEndToEnd(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newEngine(t, mock.NewModule("bolt11"))

	// pay against our own published catalogue
	catalogue, err := f.engine.ReceivePayments(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, catalogue)

	o, err := f.engine.CreatePaymentOrder(ctx, orders.NewOrderArgs{
		CounterpartyURL: catalogue,
		Amount:          amount.MustNew("1000", "BTC", amount.Base),
		FirstPaymentAt:  time.Now().Add(-time.Second),
	})
	require.NoError(t, err)
	// the engine default priority filled in
	assert.Equal(t, []string{"bolt11"}, []string(o.SendingPriority))

	require.NoError(t, f.engine.SendPayment(ctx, o.ID))

	got, err := f.engine.GetPaymentOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StateCompleted, got.State)
	require.Len(t, got.Payments, 1)
	assert.Equal(t, payments.StateCompleted, got.Payments[0].State.Internal)

	completed := f.recorder.ByType(plugins.NotificationOrderCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, o.ID, completed[0].OrderID)
}

func TestCancelPaymentOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newEngine(t, mock.NewModule("bolt11"))

	catalogue, err := f.engine.ReceivePayments(ctx)
	require.NoError(t, err)

	o, err := f.engine.CreatePaymentOrder(ctx, orders.NewOrderArgs{
		CounterpartyURL: catalogue,
		Amount:          amount.MustNew("1000", "BTC", amount.Base),
		FirstPaymentAt:  time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	require.NoError(t, f.engine.CancelPaymentOrder(ctx, o.ID))

	got, err := f.engine.GetPaymentOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StateCancelled, got.State)
	assert.Equal(t, payments.StateCancelled, got.Payments[0].State.Internal)
}

func TestCreatePaymentFileRequiresClientOrderID(t *testing.T) {
	t.Parallel()
	f := newEngine(t, mock.NewModule("bolt11"))

	_, err := f.engine.CreatePaymentFile(context.Background(), engine.PaymentFileArgs{
		PluginName: "bolt11",
		Personal:   true,
		Data:       json.RawMessage(`{"invoice":"lnbc1"}`),
	})
	assert.Equal(t, engine.ErrPayloadClientOrderIDMissing, err)
}

func TestCreatePaymentFilePublishes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newEngine(t, mock.NewModule("bolt11"))

	data := json.RawMessage(`{"invoice":"lnbc1qqq"}`)
	url, err := f.engine.CreatePaymentFile(ctx, engine.PaymentFileArgs{
		PluginName: "bolt11",
		Data:       data,
	})
	require.NoError(t, err)

	raw, err := f.connector.ReadRemote(ctx, url)
	require.NoError(t, err)
	assert.JSONEq(t, string(data), string(raw))
	assert.False(t, f.connector.Encrypted(url))

	private, err := f.engine.CreatePaymentFile(ctx, engine.PaymentFileArgs{
		PluginName:    "bolt11",
		ClientOrderID: "order-7",
		Personal:      true,
		Data:          data,
	})
	require.NoError(t, err)
	assert.NotEqual(t, url, private)
	assert.True(t, f.connector.Encrypted(private))
}

func TestReadyToReceiveCarriesPaymentFile(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newEngine(t, mock.NewModule("bolt11"))

	data := json.RawMessage(`{"invoice":"lnbc1"}`)
	err := f.engine.EntryPointForPlugin(ctx, plugins.Notification{
		Type:       plugins.NotificationReadyToReceive,
		PluginName: "bolt11",
		Data:       data,
	})
	require.NoError(t, err)

	url, err := f.connector.URL(transport.PublicPluginPath("bolt11"))
	require.NoError(t, err)
	raw, err := f.connector.ReadRemote(ctx, url)
	require.NoError(t, err)
	assert.JSONEq(t, string(data), string(raw))
	assert.NotEmpty(t, f.recorder.ByType(plugins.NotificationReadyToReceive))
}

func TestInvoiceFlowThroughEntryPoint(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newEngine(t, mock.NewModule("bolt11"))

	url, err := f.engine.CreateInvoice(ctx, receiver.InvoiceArgs{
		ClientOrderID: "order-9",
		Expected:      amount.MustNew("100", "BTC", amount.Base),
	})
	require.NoError(t, err)
	require.NotEmpty(t, url)

	// the plugin observes the payment and reports it
	err = f.engine.EntryPointForPlugin(ctx, plugins.Notification{
		Type:              plugins.NotificationPaymentNew,
		PluginName:        "bolt11",
		ClientOrderID:     "order-9",
		IsPersonalPayment: true,
		Amount:            "100",
		Currency:          "BTC",
		Denomination:      string(amount.Base),
	})
	require.NoError(t, err)

	list, err := f.store.ListIncoming(ctx, payments.Filter{ClientOrderID: "order-9"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, payments.StateCompleted, list[0].Internal)
}

func TestEntryPointRejectsUnknownType(t *testing.T) {
	t.Parallel()
	f := newEngine(t, mock.NewModule("bolt11"))

	err := f.engine.EntryPointForPlugin(context.Background(), plugins.Notification{Type: "bogus"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), engine.ErrUnknownNotification.Error())
}

func TestOperationsConcurrentWithStop(t *testing.T) {
	t.Parallel()
	f := newEngine(t, mock.NewModule("bolt11"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.engine.GetPaymentOrder(context.Background(), "none")
		}()
	}
	require.NoError(t, f.engine.Stop(context.Background()))
	wg.Wait()

	err := f.engine.SendPayment(context.Background(), "none")
	assert.Equal(t, engine.ErrNotReady, err)
}

func TestStopStopsPlugins(t *testing.T) {
	t.Parallel()
	f := newEngine(t, mock.NewModule("bolt11"))

	require.NoError(t, f.engine.Stop(context.Background()))
	assert.True(t, f.modules["bolt11"].Plugin().Stopped())

	err := f.engine.SendPayment(context.Background(), "id")
	assert.Equal(t, engine.ErrNotReady, err)
}
