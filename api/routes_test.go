package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/slashpay/slashpay/api"
	"gitlab.com/slashpay/slashpay/engine"
	"gitlab.com/slashpay/slashpay/plugins"
	"gitlab.com/slashpay/slashpay/store"
	"gitlab.com/slashpay/slashpay/testutil/mock"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type fixture struct {
	server api.RestServer
	engine *engine.Manager
}

func newServer(t *testing.T, modules ...*mock.Module) *fixture {
	t.Helper()

	table := make(map[string]plugins.Module)
	var priority []string
	for _, m := range modules {
		table[m.Name] = m
		priority = append(priority, m.Name)
	}

	e := engine.New(engine.Config{
		Store:                  store.NewMemory(),
		Connector:              mock.NewConnector(),
		Modules:                table,
		DefaultSendingPriority: priority,
	})
	require.NoError(t, e.Init(context.Background()))

	server, err := api.NewApp(e, api.Config{})
	require.NoError(t, err)
	return &fixture{server: server, engine: e}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.server.Router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	body := decode(t, w)
	errField, ok := body["error"].(map[string]interface{})
	require.True(t, ok, "response has no error field: %s", w.Body.String())
	code, _ := errField["code"].(string)
	return code
}

func TestHealth(t *testing.T) {
	t.Parallel()
	f := newServer(t, mock.NewModule("bolt11"))

	w := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, body["version"])
}

func TestRouteNotFound(t *testing.T) {
	t.Parallel()
	f := newServer(t, mock.NewModule("bolt11"))

	w := f.do(t, http.MethodGet, "/nope", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "ERR_ROUTE_NOT_FOUND", errorCode(t, w))
}

func TestCreateOrderValidation(t *testing.T) {
	t.Parallel()
	f := newServer(t, mock.NewModule("bolt11"))

	// missing body
	w := f.do(t, http.MethodPost, "/v1/orders", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "ERR_BODY_REQUIRED", errorCode(t, w))

	// missing counterpartyURL
	w = f.do(t, http.MethodPost, "/v1/orders", map[string]interface{}{
		"amount": "1000",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "ERR_REQUEST_VALIDATION_FAILED", errorCode(t, w))

	// bad amount
	w = f.do(t, http.MethodPost, "/v1/orders", map[string]interface{}{
		"counterpartyURL": "mock://drive/x/slashpay.json",
		"amount":          "not-a-number",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "ERR_BAD_REQUEST", errorCode(t, w))
}

func TestCreateAndGetOrder(t *testing.T) {
	t.Parallel()
	f := newServer(t, mock.NewModule("bolt11"))

	w := f.do(t, http.MethodPost, "/v1/orders", map[string]interface{}{
		"counterpartyURL": "mock://drive/x/slashpay.json",
		"amount":          "1000",
		"memo":            "rent",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode(t, w)
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "INITIALIZED", created["state"])
	assert.Equal(t, "BTC", created["currency"])
	assert.Equal(t, "BASE", created["denomination"])

	w = f.do(t, http.MethodGet, "/v1/orders/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode(t, w)
	assert.Equal(t, id, got["id"])
	payments, _ := got["payments"].([]interface{})
	assert.Len(t, payments, 1)
}

func TestGetUnknownOrder(t *testing.T) {
	t.Parallel()
	f := newServer(t, mock.NewModule("bolt11"))

	w := f.do(t, http.MethodGet, "/v1/orders/nope", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "ERR_ORDER_NOT_FOUND", errorCode(t, w))
}

func TestPayOrderAgainstOwnCatalogue(t *testing.T) {
	t.Parallel()
	f := newServer(t, mock.NewModule("bolt11"))

	w := f.do(t, http.MethodPost, "/v1/receive", nil)
	require.Equal(t, http.StatusOK, w.Code)
	catalogue, _ := decode(t, w)["url"].(string)
	require.NotEmpty(t, catalogue)

	w = f.do(t, http.MethodPost, "/v1/orders", map[string]interface{}{
		"counterpartyURL": catalogue,
		"amount":          "1000",
		"firstPaymentAt":  time.Now().Add(-time.Second).Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id, _ := decode(t, w)["id"].(string)

	w = f.do(t, http.MethodPost, fmt.Sprintf("/v1/orders/%s/pay", id), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	paid := decode(t, w)
	assert.Equal(t, "COMPLETED", paid["state"])
}

func TestCancelOrder(t *testing.T) {
	t.Parallel()
	f := newServer(t, mock.NewModule("bolt11"))

	w := f.do(t, http.MethodPost, "/v1/orders", map[string]interface{}{
		"counterpartyURL": "mock://drive/x/slashpay.json",
		"amount":          "1000",
		"firstPaymentAt":  time.Now().Add(time.Hour).Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, w.Code)
	id, _ := decode(t, w)["id"].(string)

	w = f.do(t, http.MethodDelete, "/v1/orders/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "CANCELLED", decode(t, w)["state"])
}

func TestCreateInvoice(t *testing.T) {
	t.Parallel()
	f := newServer(t, mock.NewModule("bolt11"))

	w := f.do(t, http.MethodPost, "/v1/invoices", map[string]interface{}{
		"clientOrderId": "order-1",
		"amount":        "100",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	url, _ := decode(t, w)["url"].(string)
	assert.NotEmpty(t, url)
}

func TestUpdatePaymentUnknownOrder(t *testing.T) {
	t.Parallel()
	f := newServer(t, mock.NewModule("bolt11"))

	w := f.do(t, http.MethodPost, "/v1/payments/update", map[string]interface{}{
		"orderId":    "nope",
		"pluginName": "bolt11",
		"data":       map[string]interface{}{"pin": "1234"},
	})
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "ERR_ORDER_NOT_FOUND", errorCode(t, w))
}
