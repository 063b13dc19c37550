package payments

import (
	"time"

	"github.com/pkg/errors"
)

// InternalState is the lifecycle state of a payment.
type InternalState string

const (
	StateInitial    InternalState = "INITIAL"
	StateInProgress InternalState = "IN_PROGRESS"
	StateCompleted  InternalState = "COMPLETED"
	StateFailed     InternalState = "FAILED"
	StateCancelled  InternalState = "CANCELLED"
)

// IsFinal reports whether the state is absorbing.
func (s InternalState) IsFinal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// PluginRunState is the state of a single plugin attempt.
type PluginRunState string

const (
	RunSubmitted PluginRunState = "SUBMITTED"
	RunFailed    PluginRunState = "FAILED"
	RunSuccess   PluginRunState = "SUCCESS"
)

var (
	// ErrInvalidStateTransition is returned on any transition not allowed
	// from the current state. Terminal states allow none.
	ErrInvalidStateTransition = errors.New("invalid state transition")
	// ErrPluginInProgress is returned when a new plugin is requested while
	// one is still running.
	ErrPluginInProgress = errors.New("another plugin is still in progress")
	// ErrNoPluginInProgress is returned when an operation needs a current
	// plugin and there is none.
	ErrNoPluginInProgress = errors.New("no plugin is in progress")
)

func errInvalidState(s InternalState) error {
	return errors.Wrapf(ErrInvalidStateTransition, "from state %s", s)
}

// PluginRun records one attempt at paying through a plugin.
type PluginRun struct {
	Name    string         `json:"name"`
	StartAt time.Time      `json:"startAt"`
	EndAt   *time.Time     `json:"endAt,omitempty"`
	State   PluginRunState `json:"state"`
}

// State is the per-payment state machine. The pending plugin queue, the
// current attempt and the attempt log together always form a permutation of
// the order's sending priority.
type State struct {
	Internal          InternalState `json:"internalState"`
	PendingPlugins    []string      `json:"pendingPlugins"`
	TriedPlugins      []PluginRun   `json:"triedPlugins"`
	CurrentPlugin     *PluginRun    `json:"currentPlugin,omitempty"`
	CompletedByPlugin *PluginRun    `json:"completedByPlugin,omitempty"`
}

// NewState returns an INITIAL state with the given plugin queue.
func NewState(pendingPlugins []string) State {
	pending := make([]string, len(pendingPlugins))
	copy(pending, pendingPlugins)
	return State{
		Internal:       StateInitial,
		PendingPlugins: pending,
		TriedPlugins:   []PluginRun{},
	}
}

// popPending moves the head of the pending queue into CurrentPlugin.
func (s *State) popPending() {
	next := s.PendingPlugins[0]
	s.PendingPlugins = s.PendingPlugins[1:]
	s.CurrentPlugin = &PluginRun{
		Name:    next,
		StartAt: time.Now(),
		State:   RunSubmitted,
	}
}

// Process drives the state machine forward: from INITIAL it starts the first
// plugin; while IN_PROGRESS and idle it engages the next pending plugin, or
// fails the payment when the queue is exhausted. It returns true if a plugin
// was engaged, false if the payment transitioned to FAILED.
func (s *State) Process() (bool, error) {
	switch s.Internal {
	case StateInitial, StateInProgress:
	default:
		return false, errInvalidState(s.Internal)
	}

	if s.CurrentPlugin != nil {
		return false, errors.Wrapf(ErrPluginInProgress, "%s", s.CurrentPlugin.Name)
	}

	if len(s.PendingPlugins) == 0 {
		s.Internal = StateFailed
		return false, nil
	}

	s.Internal = StateInProgress
	s.popPending()
	return true, nil
}

// TryNext engages the next pending plugin. Unlike Process it never fails the
// payment; with an empty queue it reports false and leaves the state alone.
func (s *State) TryNext() (bool, error) {
	if s.Internal != StateInProgress {
		return false, errInvalidState(s.Internal)
	}
	if s.CurrentPlugin != nil {
		return false, errors.Wrapf(ErrPluginInProgress, "%s", s.CurrentPlugin.Name)
	}
	if len(s.PendingPlugins) == 0 {
		return false, nil
	}
	s.popPending()
	return true, nil
}

// FailCurrentPlugin logs the current attempt as FAILED and clears it. The
// payment stays IN_PROGRESS so the next plugin can be tried.
func (s *State) FailCurrentPlugin() error {
	if s.Internal != StateInProgress {
		return errInvalidState(s.Internal)
	}
	if s.CurrentPlugin == nil {
		return ErrNoPluginInProgress
	}

	now := time.Now()
	run := *s.CurrentPlugin
	run.State = RunFailed
	run.EndAt = &now
	s.TriedPlugins = append(s.TriedPlugins, run)
	s.CurrentPlugin = nil
	return nil
}

// Complete marks the payment COMPLETED, crediting the current plugin.
func (s *State) Complete() error {
	if s.Internal != StateInProgress {
		return errInvalidState(s.Internal)
	}
	if s.CurrentPlugin == nil {
		return ErrNoPluginInProgress
	}

	now := time.Now()
	run := *s.CurrentPlugin
	run.State = RunSuccess
	run.EndAt = &now
	s.CompletedByPlugin = &run
	s.CurrentPlugin = nil
	s.Internal = StateCompleted
	return nil
}

// Cancel moves the payment to CANCELLED from any non-terminal state.
func (s *State) Cancel() error {
	if s.Internal.IsFinal() {
		return errInvalidState(s.Internal)
	}
	s.Internal = StateCancelled
	return nil
}
