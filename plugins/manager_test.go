package plugins_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/slashpay/slashpay/plugins"
	"gitlab.com/slashpay/slashpay/testutil/mock"
	"gitlab.com/slashpay/slashpay/transport"
)

func newManager(modules ...*mock.Module) *plugins.Manager {
	table := make(map[string]plugins.Module)
	for _, m := range modules {
		table[m.Name] = m
	}
	return plugins.NewManager(plugins.Config{Modules: table})
}

func load(t *testing.T, m *plugins.Manager, name string, connector transport.Connector) plugins.Registered {
	t.Helper()
	entry, err := m.LoadPlugin(context.Background(), name, connector)
	require.NoError(t, err)
	return entry
}

func TestLoadPlugin(t *testing.T) {
	t.Parallel()
	m := newManager(mock.NewModule("bolt11"))

	entry := load(t, m, "bolt11", mock.NewConnector())
	assert.True(t, entry.Active)
	assert.Equal(t, "bolt11", entry.Manifest.Name)
	assert.Equal(t, plugins.TypePayment, entry.Manifest.Type)

	got, ok := m.Get("bolt11")
	require.True(t, ok)
	assert.Equal(t, entry.Manifest, got.Manifest)
}

func TestLoadUnknownEntryPoint(t *testing.T) {
	t.Parallel()
	m := newManager()

	_, err := m.LoadPlugin(context.Background(), "nope", nil)
	assert.Equal(t, plugins.ErrFailedToLoad, errors.Cause(err))
}

func TestLoadDuplicateNameConflicts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	first := mock.NewModule("bolt11")
	m := newManager(first)
	connector := mock.NewConnector()

	load(t, m, "bolt11", connector)

	_, err := m.Inject(ctx, mock.NewModule("bolt11"), connector)
	assert.Equal(t, plugins.ErrConflict, errors.Cause(err))

	// the original registration is intact
	got, ok := m.Get("bolt11")
	require.True(t, ok)
	assert.True(t, got.Active)
}

func TestLoadFailureStopsLoadedPlugins(t *testing.T) {
	t.Parallel()
	first := mock.NewModule("bolt11")
	m := newManager(first)
	connector := mock.NewConnector()

	load(t, m, "bolt11", connector)

	_, err := m.LoadPlugin(context.Background(), "missing", connector)
	assert.Equal(t, plugins.ErrFailedToLoad, errors.Cause(err))
	// graceful unwind stopped what was already up
	assert.True(t, first.Plugin().Stopped())
}

func TestManifestValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	connector := mock.NewConnector()

	nameless := mock.NewModule("")
	m := newManager(nameless)
	_, err := m.Inject(ctx, nameless, connector)
	assert.Equal(t, plugins.ErrPluginManifest, errors.Cause(err))

	broken := mock.NewModule("broken")
	broken.ManifestErr = errors.New("boom")
	m = newManager(broken)
	_, err = m.Inject(ctx, broken, connector)
	assert.Equal(t, plugins.ErrPluginManifest, errors.Cause(err))

	failing := mock.NewModule("failing")
	failing.InitErr = errors.New("no dice")
	m = newManager(failing)
	_, err = m.Inject(ctx, failing, connector)
	assert.Equal(t, plugins.ErrPluginInit, errors.Cause(err))
}

func TestStopAndRemovePlugin(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	module := mock.NewModule("bolt11")
	m := newManager(module)
	load(t, m, "bolt11", mock.NewConnector())

	// an active plugin can not be removed
	assert.False(t, m.RemovePlugin("bolt11"))

	require.NoError(t, m.StopPlugin(ctx, "bolt11"))
	assert.True(t, module.Plugin().Stopped())

	got, ok := m.Get("bolt11")
	require.True(t, ok)
	assert.False(t, got.Active)

	active := true
	assert.Empty(t, m.Plugins(&active))

	assert.True(t, m.RemovePlugin("bolt11"))
	_, ok = m.Get("bolt11")
	assert.False(t, ok)

	err := m.StopPlugin(ctx, "bolt11")
	assert.Equal(t, plugins.ErrPluginNotFound, errors.Cause(err))
}

func TestDispatchEventReachesSubscribers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := mock.NewModule("bolt11")
	b := mock.NewModule("onchain")
	m := newManager(a, b)
	connector := mock.NewConnector()
	load(t, m, "bolt11", connector)
	load(t, m, "onchain", connector)

	m.DispatchEvent(ctx, plugins.EventReceivePayment, plugins.EventPayload{})

	assert.Equal(t, []string{plugins.EventReceivePayment}, a.Plugin().Events())
	assert.Equal(t, []string{plugins.EventReceivePayment}, b.Plugin().Events())
}

func TestDispatchEventSkipsStoppedPlugins(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := mock.NewModule("bolt11")
	b := mock.NewModule("onchain")
	m := newManager(a, b)
	connector := mock.NewConnector()
	load(t, m, "bolt11", connector)
	load(t, m, "onchain", connector)

	require.NoError(t, m.StopPlugin(ctx, "bolt11"))
	m.DispatchEvent(ctx, plugins.EventReceivePayment, plugins.EventPayload{})

	assert.Empty(t, a.Plugin().Events())
	assert.Len(t, b.Plugin().Events(), 1)
}

func TestRPCRegistry(t *testing.T) {
	t.Parallel()
	m := newManager(mock.NewModule("bolt11"), mock.NewModule("onchain"))
	connector := mock.NewConnector()
	load(t, m, "bolt11", connector)
	load(t, m, "onchain", connector)

	registry := m.RPCRegistry()
	require.Contains(t, registry, "bolt11/pay")
	require.Contains(t, registry, "onchain/pay")

	out, err := registry["bolt11/pay"](context.Background(), json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(out))
}

func TestManifestHelpers(t *testing.T) {
	t.Parallel()
	manifest := plugins.Manifest{
		RPC:    []string{"pay"},
		Events: []string{plugins.EventReceivePayment},
	}
	assert.True(t, manifest.HasRPC("pay"))
	assert.False(t, manifest.HasRPC("stop"))
	assert.True(t, manifest.HasEvent(plugins.EventReceivePayment))
	assert.False(t, manifest.HasEvent("other"))
}
