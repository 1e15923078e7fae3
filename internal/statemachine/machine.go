package statemachine

import (
	"fmt"
	"sync"
	"time"

	"loom/internal/errs"
	"loom/internal/logging"
)

// Record is one entry of the append-only state history.
type Record struct {
	From     State          `json:"from"`
	To       State          `json:"to"`
	Signal   Signal         `json:"signal,omitempty"`
	At       time.Time      `json:"at"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Machine validates signals against the declared table and keeps history.
type Machine struct {
	mu      sync.Mutex
	current State
	table   map[State]map[Signal]State
	history []Record
	logger  logging.Logger
}

// New builds a machine over the default table, positioned at init.
// Table validation errors are fatal configuration errors.
func New(logger logging.Logger) (*Machine, error) {
	return NewWithTable(DefaultTable(), logger)
}

// NewWithTable builds a machine over a custom table.
func NewWithTable(table map[State]map[Signal]State, logger logging.Logger) (*Machine, error) {
	if warnings := ValidateTable(table); len(warnings) > 0 {
		return nil, fmt.Errorf("invalid transition table: %v", warnings)
	}
	m := &Machine{
		current: StateInit,
		table:   table,
		logger:  logging.OrNop(logger),
	}
	m.history = append(m.history, Record{From: StateInit, To: StateInit, At: time.Now()})
	return m, nil
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Previous returns the state before the last transition, or init when no
// transition has happened yet.
func (m *Machine) Previous() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) < 2 {
		return StateInit
	}
	return m.history[len(m.history)-1].From
}

// Fire submits a signal. An undeclared (state, signal) pair fails with an
// invalid_transition error and leaves the machine unchanged.
func (m *Machine) Fire(signal Signal, metadata map[string]any) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	edges, ok := m.table[m.current]
	if !ok {
		return m.current, errs.New(errs.KindInvalidTransition, "state %q has no transition table entry", m.current)
	}
	next, ok := edges[signal]
	if !ok {
		return m.current, errs.New(errs.KindInvalidTransition,
			"signal %q is not defined for state %q", signal, m.current)
	}

	record := Record{From: m.current, To: next, Signal: signal, At: time.Now(), Metadata: metadata}
	m.history = append(m.history, record)
	m.logger.Debug("transition %s --%s--> %s", m.current, signal, next)
	m.current = next
	return next, nil
}

// Can reports whether the signal is declared for the current state.
func (m *Machine) Can(signal Signal) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.table[m.current][signal]
	return ok
}

// History returns a copy of the append-only record sequence.
func (m *Machine) History() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.history))
	copy(out, m.history)
	return out
}

// Path materializes the state sequence the run has traversed.
func (m *Machine) Path() []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	path := make([]State, 0, len(m.history))
	for _, rec := range m.history {
		path = append(path, rec.To)
	}
	return path
}

// Restore positions the machine at a previously recorded state for warm
// starts from a checkpoint. Terminal states are accepted as-is.
func (m *Machine) Restore(state State) error {
	found := false
	for _, s := range AllStates() {
		if s == state {
			found = true
			break
		}
	}
	if !found {
		return errs.New(errs.KindInternal, "unknown state %q", state)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, Record{From: m.current, To: state, At: time.Now(),
		Metadata: map[string]any{"restored": true}})
	m.current = state
	return nil
}

// ValidateTable checks the structural contract of a transition table:
// every non-terminal state has at least one outgoing transition, every state
// is reachable from init, and terminal states have no outgoing transitions.
// A valid table yields an empty warning list.
func ValidateTable(table map[State]map[Signal]State) []string {
	var warnings []string

	for state, edges := range table {
		if state.IsTerminal() {
			if len(edges) > 0 {
				warnings = append(warnings, fmt.Sprintf("terminal state %q has outgoing transitions", state))
			}
			continue
		}
		if len(edges) == 0 {
			warnings = append(warnings, fmt.Sprintf("non-terminal state %q has no outgoing transitions", state))
		}
	}

	reachable := map[State]bool{StateInit: true}
	frontier := []State{StateInit}
	for len(frontier) > 0 {
		state := frontier[0]
		frontier = frontier[1:]
		for _, next := range table[state] {
			if !reachable[next] {
				reachable[next] = true
				frontier = append(frontier, next)
			}
		}
	}
	for state := range table {
		if !reachable[state] {
			warnings = append(warnings, fmt.Sprintf("state %q is unreachable from init", state))
		}
	}
	return warnings
}
