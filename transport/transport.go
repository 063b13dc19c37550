// Package transport abstracts the key/value-over-URL store the endpoint
// catalogue is published through. The concrete signed web drive lives
// outside the engine; everything here goes through the Connector interface.
package transport

import (
	"context"
	"fmt"
)

// IndexFileName is the well-known catalogue file name.
const IndexFileName = "slashpay.json"

// CreateOpts tune a transport write.
type CreateOpts struct {
	// AwaitRelaySync blocks until the write is visible to remote readers.
	AwaitRelaySync bool
	// Encrypt makes the payload readable only by holders of the url.
	Encrypt bool
}

// Connector is the minimal transport contract the engine consumes.
type Connector interface {
	Init(ctx context.Context) error
	Close(ctx context.Context) error

	// Create writes value at path and returns the externally readable url.
	Create(ctx context.Context, path string, value []byte, opts CreateOpts) (string, error)
	// ReadRemote reads the value behind a url, nil when there is nothing.
	ReadRemote(ctx context.Context, url string) ([]byte, error)
	// URL returns the externally readable url for a local path.
	URL(path string) (string, error)
}

// PublicIndexPath is the canonical public catalogue path.
func PublicIndexPath() string {
	return "/public/" + IndexFileName
}

// PublicPluginPath is where a plugin's public payment file lives.
func PublicPluginPath(pluginName string) string {
	return fmt.Sprintf("/public/slashpay/%s/%s", pluginName, IndexFileName)
}

// InvoiceIndexPath is the encrypted per-invoice catalogue path.
func InvoiceIndexPath(clientOrderID string) string {
	return fmt.Sprintf("/slashpay/%s/%s", clientOrderID, IndexFileName)
}

// InvoicePluginPath is where a plugin's private payment file for an invoice
// lives.
func InvoicePluginPath(clientOrderID, pluginName string) string {
	return fmt.Sprintf("/slashpay/%s/%s/%s", clientOrderID, pluginName, IndexFileName)
}

// Index is the catalogue body: plugin name to endpoint url.
type Index struct {
	PaymentEndpoints map[string]string `json:"paymentEndpoints"`
}
