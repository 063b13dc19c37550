package drive_test

import (
	"context"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/slashpay/slashpay/drive"
	"gitlab.com/slashpay/slashpay/transport"
)

func newDrive(t *testing.T) *drive.Drive {
	t.Helper()
	dir, err := ioutil.TempDir("", "drive")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	d := drive.New(drive.Config{
		Dir:     dir,
		BaseURL: "http://localhost:5000/drive/",
	})
	require.NoError(t, d.Init(context.Background()))
	return d
}

func TestCreateAndReadOwnURL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := newDrive(t)

	url, err := d.Create(ctx, transport.PublicIndexPath(), []byte(`{"paymentEndpoints":{}}`), transport.CreateOpts{})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:5000/drive/public/slashpay.json", url)

	value, err := d.ReadRemote(ctx, url)
	require.NoError(t, err)
	assert.JSONEq(t, `{"paymentEndpoints":{}}`, string(value))
}

func TestReadMissingFile(t *testing.T) {
	t.Parallel()
	d := newDrive(t)

	value, err := d.ReadRemote(context.Background(), "http://localhost:5000/drive/public/nope.json")
	require.NoError(t, err)
	assert.Nil(t, value)
}

func TestURLMatchesCreate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := newDrive(t)

	path := transport.InvoicePluginPath("order-1", "bolt11")
	created, err := d.Create(ctx, path, []byte("{}"), transport.CreateOpts{Encrypt: true})
	require.NoError(t, err)

	url, err := d.URL(path)
	require.NoError(t, err)
	assert.Equal(t, created, url)
}

func TestEscapingPathStaysInside(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := newDrive(t)

	url, err := d.Create(ctx, "/public/../../outside.json", []byte("{}"), transport.CreateOpts{})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:5000/drive/outside.json", url)

	value, err := d.ReadRemote(ctx, url)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(value))
}

func TestReadForeignURL(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/slashpay.json":
			_, _ = w.Write([]byte(`{"paymentEndpoints":{"bolt11":"x"}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	d := newDrive(t)
	ctx := context.Background()

	value, err := d.ReadRemote(ctx, server.URL+"/slashpay.json")
	require.NoError(t, err)
	assert.Contains(t, string(value), "bolt11")

	// a remote 404 reads as nothing there, not an error
	value, err = d.ReadRemote(ctx, server.URL+"/missing.json")
	require.NoError(t, err)
	assert.Nil(t, value)
}

func TestReadForeignURLRetries(t *testing.T) {
	t.Parallel()

	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	d := newDrive(t)
	value, err := d.ReadRemote(context.Background(), server.URL+"/flaky")
	require.NoError(t, err)
	assert.Equal(t, "ok", string(value))
	assert.Equal(t, 2, calls)
}
