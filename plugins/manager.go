package plugins

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"gitlab.com/slashpay/slashpay/build"
)

var log = build.AddSubLogger("PLUG")

var (
	// ErrFailedToLoad means the entry point did not resolve to a module.
	ErrFailedToLoad = errors.New("failed to load plugin")
	// ErrPluginInit means the module's Init failed.
	ErrPluginInit = errors.New("plugin init failed")
	// ErrPluginManifest means the module's Manifest failed or was invalid.
	ErrPluginManifest = errors.New("plugin manifest failed")
	// ErrConflict means a plugin with the same manifest name is already
	// registered.
	ErrConflict = errors.New("plugin name already registered")
	// ErrPluginStop means the plugin's Stop returned an error.
	ErrPluginStop = errors.New("plugin stop failed")
	// ErrPluginNotFound means no plugin with the given name is registered.
	ErrPluginNotFound = errors.New("plugin not found")
	// ErrPluginNotActive means the plugin is registered but stopped.
	ErrPluginNotActive = errors.New("plugin is not active")
)

// Registered is one registry entry: a validated manifest, the live plugin
// and its active flag.
type Registered struct {
	Manifest Manifest
	Plugin   Plugin
	Active   bool
}

// Config configures a Manager. Modules maps entry point names to compiled-in
// plugin modules.
type Config struct {
	Modules map[string]Module
}

// Manager holds the plugin registry, dispatches events and exposes the RPC
// namespace. Registry mutation requires the write lock; dispatch and lookup
// take the read lock.
type Manager struct {
	mu       sync.RWMutex
	config   Config
	registry map[string]*Registered
}

// NewManager returns a Manager with an empty registry.
func NewManager(config Config) *Manager {
	return &Manager{
		config:   config,
		registry: make(map[string]*Registered),
	}
}

// LoadPlugin resolves the entry point against the configured module table
// and injects the module. On a load or manifest failure every already-loaded
// plugin is stopped before the error is returned.
func (m *Manager) LoadPlugin(ctx context.Context, entryPoint string, storage Storage) (Registered, error) {
	module, ok := m.config.Modules[entryPoint]
	if !ok {
		return Registered{}, m.gracefulThrow(ctx, errors.Wrapf(ErrFailedToLoad, "%q", entryPoint))
	}
	return m.Inject(ctx, module, storage)
}

// Inject initialises the module, validates its manifest and registers it.
func (m *Manager) Inject(ctx context.Context, module Module, storage Storage) (Registered, error) {
	plugin, err := module.Init(ctx, storage)
	if err != nil {
		return Registered{}, errors.Wrap(ErrPluginInit, err.Error())
	}

	manifest, err := module.Manifest()
	if err != nil {
		return Registered{}, m.gracefulThrow(ctx, errors.Wrap(ErrPluginManifest, err.Error()))
	}

	if err := validateManifest(manifest, plugin); err != nil {
		return Registered{}, m.gracefulThrow(ctx, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.registry[manifest.Name]; exists {
		return Registered{}, errors.Wrapf(ErrConflict, "%q", manifest.Name)
	}

	entry := &Registered{
		Manifest: manifest,
		Plugin:   plugin,
		Active:   true,
	}
	m.registry[manifest.Name] = entry

	log.WithField("plugin", manifest.Name).Info("Loaded plugin")
	return *entry, nil
}

// validateManifest checks the manifest against the live plugin instance.
func validateManifest(manifest Manifest, plugin Plugin) error {
	if manifest.Name == "" {
		return errors.Wrap(ErrPluginManifest, "manifest name is empty")
	}

	seenRPC := make(map[string]struct{})
	var table map[string]RPCFunc
	if provider, ok := plugin.(RPCProvider); ok {
		table = provider.RPC()
	}
	for _, method := range manifest.RPC {
		if method == "" {
			return errors.Wrapf(ErrPluginManifest, "%s: empty rpc method name", manifest.Name)
		}
		if _, dup := seenRPC[method]; dup {
			return errors.Wrapf(ErrPluginManifest, "%s: duplicate rpc method %q", manifest.Name, method)
		}
		seenRPC[method] = struct{}{}
		if _, ok := table[method]; !ok {
			return errors.Wrapf(ErrPluginManifest, "%s: rpc method %q is not implemented", manifest.Name, method)
		}
	}

	seenEvents := make(map[string]struct{})
	for _, event := range manifest.Events {
		if event == "" {
			return errors.Wrapf(ErrPluginManifest, "%s: empty event name", manifest.Name)
		}
		if _, dup := seenEvents[event]; dup {
			return errors.Wrapf(ErrPluginManifest, "%s: duplicate event %q", manifest.Name, event)
		}
		seenEvents[event] = struct{}{}
	}

	if manifest.Type == TypePayment {
		if !manifest.HasRPC("pay") {
			return errors.Wrapf(ErrPluginManifest, "%s: payment plugins must declare the pay rpc", manifest.Name)
		}
		if _, ok := plugin.(Payer); !ok {
			return errors.Wrapf(ErrPluginManifest, "%s: payment plugins must implement Pay", manifest.Name)
		}
		if !manifest.HasEvent(EventReceivePayment) {
			return errors.Wrapf(ErrPluginManifest, "%s: payment plugins must subscribe to %s", manifest.Name, EventReceivePayment)
		}
	}

	return nil
}

// Get returns the registry entry for the given plugin name.
func (m *Manager) Get(name string) (Registered, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.registry[name]
	if !ok {
		return Registered{}, false
	}
	return *entry, true
}

// Plugins returns the registry, optionally filtered by active flag.
func (m *Manager) Plugins(active *bool) map[string]Registered {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Registered)
	for name, entry := range m.registry {
		if active != nil && entry.Active != *active {
			continue
		}
		out[name] = *entry
	}
	return out
}

// StopPlugin invokes the plugin's Stop if it has one and marks the entry
// inactive.
func (m *Manager) StopPlugin(ctx context.Context, name string) error {
	m.mu.Lock()
	entry, ok := m.registry[name]
	if !ok {
		m.mu.Unlock()
		return errors.Wrapf(ErrPluginNotFound, "%q", name)
	}
	plugin := entry.Plugin
	entry.Active = false
	m.mu.Unlock()

	if stopper, ok := plugin.(Stopper); ok {
		if err := stopper.Stop(ctx); err != nil {
			return errors.Wrapf(ErrPluginStop, "%s: %v", name, err)
		}
	}

	log.WithField("plugin", name).Info("Stopped plugin")
	return nil
}

// RemovePlugin deletes an inactive registry entry. It refuses, returning
// false, while the plugin is still active.
func (m *Manager) RemovePlugin(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.registry[name]
	if !ok {
		return false
	}
	if entry.Active {
		return false
	}
	delete(m.registry, name)
	return true
}

// DispatchEvent delivers the event to every active plugin subscribed to it.
// Deliveries run concurrently and are joined before return; a failing or
// panicking plugin is logged and does not abort the others.
func (m *Manager) DispatchEvent(ctx context.Context, event string, payload EventPayload) {
	m.mu.RLock()
	var targets []*Registered
	for _, entry := range m.registry {
		if entry.Active && entry.Manifest.HasEvent(event) {
			targets = append(targets, entry)
		}
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, entry := range targets {
		handler, ok := entry.Plugin.(EventHandler)
		if !ok {
			log.WithField("plugin", entry.Manifest.Name).
				Warnf("Plugin subscribes to %s but handles no events", event)
			continue
		}

		wg.Add(1)
		name := entry.Manifest.Name
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("Plugin %s panicked handling %s: %v", name, event, r)
				}
			}()
			if err := handler.HandleEvent(ctx, event, payload); err != nil {
				log.WithError(err).
					WithField("plugin", name).
					Errorf("Plugin failed to handle %s", event)
			}
		}()
	}
	wg.Wait()
}

// RPCRegistry returns the full RPC namespace over all loaded plugins, keyed
// "{pluginName}/{method}".
func (m *Manager) RPCRegistry() map[string]RPCFunc {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]RPCFunc)
	for name, entry := range m.registry {
		provider, ok := entry.Plugin.(RPCProvider)
		if !ok {
			continue
		}
		table := provider.RPC()
		for _, method := range entry.Manifest.RPC {
			fn, ok := table[method]
			if !ok {
				continue
			}
			out[fmt.Sprintf("%s/%s", name, method)] = fn
		}
	}
	return out
}

// gracefulThrow stops every registered plugin sequentially, then returns the
// original error.
func (m *Manager) gracefulThrow(ctx context.Context, err error) error {
	m.mu.RLock()
	var names []string
	for name := range m.registry {
		names = append(names, name)
	}
	m.mu.RUnlock()

	for _, name := range names {
		if stopErr := m.StopPlugin(ctx, name); stopErr != nil {
			log.WithError(stopErr).WithField("plugin", name).
				Error("Could not stop plugin during graceful shutdown")
		}
	}
	return err
}
