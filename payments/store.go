package payments

import (
	"context"

	"github.com/pkg/errors"
)

// Store level errors, shared by every implementation.
var (
	// ErrStoreNotReady means the store has not been initialised yet.
	ErrStoreNotReady = errors.New("store is not ready")
	// ErrNotFound means no record matched.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateID means a save was attempted with an id that already
	// exists. Saves are idempotent on id: the first one wins.
	ErrDuplicateID = errors.New("record with this id already exists")
	// ErrInvalidPatch means an update carried an unknown field.
	ErrInvalidPatch = errors.New("invalid patch")
)

// RemovedFilter controls how soft-deleted records are treated by reads.
type RemovedFilter int

const (
	// RemovedDefault excludes tombstones.
	RemovedDefault RemovedFilter = iota
	// RemovedOnly returns only tombstones.
	RemovedOnly
	// RemovedAny returns records unconditionally.
	RemovedAny
)

// Patch is a shallow merge patch keyed by the serialised field names.
// Unknown keys are rejected with ErrInvalidPatch.
type Patch map[string]interface{}

// outgoingPatchFields is the set of patchable outgoing payment fields.
var outgoingPatchFields = map[string]struct{}{
	"memo":         {},
	"executeAt":    {},
	"state":        {},
	"removed":      {},
	"pluginUpdate": {},
}

// incomingPatchFields is the set of patchable incoming payment fields.
var incomingPatchFields = map[string]struct{}{
	"internalState":     {},
	"receivedByPlugins": {},
	"removed":           {},
	"amount":            {},
	"currency":          {},
	"denomination":      {},
	"memo":              {},
}

// ValidateOutgoingPatch rejects patches with fields that are not part of an
// outgoing payment.
func ValidateOutgoingPatch(patch Patch) error {
	for key := range patch {
		if _, ok := outgoingPatchFields[key]; !ok {
			return errors.Wrapf(ErrInvalidPatch, "unknown field %q", key)
		}
	}
	return nil
}

// ValidateIncomingPatch rejects patches with fields that are not part of an
// incoming payment.
func ValidateIncomingPatch(patch Patch) error {
	for key := range patch {
		if _, ok := incomingPatchFields[key]; !ok {
			return errors.Wrapf(ErrInvalidPatch, "unknown field %q", key)
		}
	}
	return nil
}

// Filter restricts list queries; zero-value fields are ignored. Matching is
// the conjunction of the supplied equalities.
type Filter struct {
	OrderID       string
	ClientOrderID string
	Removed       RemovedFilter
}

// Store persists outgoing and incoming payments. All writes are durably
// visible to the next read in the same process.
type Store interface {
	SaveOutgoing(ctx context.Context, p *Payment) error
	GetOutgoing(ctx context.Context, id string, removed RemovedFilter) (*Payment, error)
	UpdateOutgoing(ctx context.Context, id string, patch Patch) (*Payment, error)
	ListOutgoing(ctx context.Context, filter Filter) ([]*Payment, error)

	SaveIncoming(ctx context.Context, p *IncomingPayment) error
	GetIncoming(ctx context.Context, id string, removed RemovedFilter) (*IncomingPayment, error)
	UpdateIncoming(ctx context.Context, id string, patch Patch) (*IncomingPayment, error)
	ListIncoming(ctx context.Context, filter Filter) ([]*IncomingPayment, error)
}
