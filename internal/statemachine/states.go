// Package statemachine owns the top-level states of an agent run, the signals
// that drive them, and the statically declared transition table.
package statemachine

// State is one of the declared run states.
type State string

const (
	// Entry states.
	StateInit          State = "init"
	StateParsingIntent State = "parsing_intent"

	// Core loop states.
	StatePlanning    State = "planning"
	StateReasoning   State = "reasoning"
	StateToolCalling State = "tool_calling"
	StateObserving   State = "observing"

	// Control states.
	StateWaitingConfirm State = "waiting_confirm"
	StateReflecting     State = "reflecting"
	StateReplanning     State = "replanning"

	// Terminal states.
	StateSuccess   State = "success"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
	StateTimeout   State = "timeout"
)

// IsTerminal reports whether the state ends the run.
func (s State) IsTerminal() bool {
	switch s {
	case StateSuccess, StateFailed, StateCancelled, StateTimeout:
		return true
	default:
		return false
	}
}

// AllStates lists every declared state in a stable order.
func AllStates() []State {
	return []State{
		StateInit, StateParsingIntent,
		StatePlanning, StateReasoning, StateToolCalling, StateObserving,
		StateWaitingConfirm, StateReflecting, StateReplanning,
		StateSuccess, StateFailed, StateCancelled, StateTimeout,
	}
}

// Signal expresses the cause of a transition.
type Signal string

const (
	// User-originated.
	SignalUserMessage   Signal = "user_message"
	SignalUserConfirmed Signal = "user_confirmed"
	SignalUserRejected  Signal = "user_rejected"
	SignalUserCancelled Signal = "user_cancelled"

	// Intent classification.
	SignalIntentClear   Signal = "intent_clear"
	SignalIntentUnclear Signal = "intent_unclear"
	SignalSkillMatched  Signal = "skill_matched"

	// Planning outcomes.
	SignalPlanCreated Signal = "plan_created"
	SignalPlanFailed  Signal = "plan_failed"

	// Reasoning outcomes.
	SignalNeedTool      Signal = "need_tool"
	SignalNeedConfirm   Signal = "need_confirm"
	SignalTaskComplete  Signal = "task_complete"
	SignalResponseReady Signal = "response_ready"
	SignalTaskFailed    Signal = "task_failed"

	// Tool outcomes.
	SignalToolSucceeded Signal = "tool_succeeded"
	SignalToolFailed    Signal = "tool_failed"

	// Structured tool-result exit codes.
	SignalExitSuccess   Signal = "exit_success"
	SignalExitFailure   Signal = "exit_failure"
	SignalExitNeedsUser Signal = "exit_needs_user"

	// Observation control.
	SignalObserveContinue Signal = "observe_continue"

	// Reflection outcomes.
	SignalCanRetry          Signal = "can_retry"
	SignalMaxRetriesReached Signal = "max_retries_reached"

	// Replanning outcomes.
	SignalNewPlanCreated Signal = "new_plan_created"
	SignalCannotReplan   Signal = "cannot_replan"

	// System.
	SignalMaxIterationsReached Signal = "max_iterations_reached"
	SignalTimeoutReached       Signal = "timeout_reached"
)

// DefaultTable returns the statically declared transition table. Every
// non-terminal state additionally accepts the two cancellation channels
// (user_cancelled, timeout_reached).
func DefaultTable() map[State]map[Signal]State {
	table := map[State]map[Signal]State{
		StateInit: {
			SignalUserMessage: StateParsingIntent,
		},
		StateParsingIntent: {
			SignalIntentClear:   StatePlanning,
			SignalSkillMatched:  StatePlanning,
			SignalIntentUnclear: StateReasoning,
		},
		StatePlanning: {
			SignalPlanCreated: StateReasoning,
			SignalPlanFailed:  StateReflecting,
		},
		StateReasoning: {
			SignalNeedTool:             StateToolCalling,
			SignalNeedConfirm:          StateWaitingConfirm,
			SignalTaskComplete:         StateSuccess,
			SignalResponseReady:        StateSuccess,
			SignalExitSuccess:          StateSuccess,
			SignalTaskFailed:           StateReflecting,
			SignalExitFailure:          StateReflecting,
			SignalMaxIterationsReached: StateTimeout,
		},
		StateToolCalling: {
			SignalToolSucceeded: StateObserving,
			SignalToolFailed:    StateObserving,
			SignalNeedConfirm:   StateWaitingConfirm,
		},
		StateObserving: {
			SignalObserveContinue: StateReasoning,
			SignalExitSuccess:     StateSuccess,
			SignalExitFailure:     StateReflecting,
			SignalExitNeedsUser:   StateWaitingConfirm,
		},
		StateWaitingConfirm: {
			SignalUserConfirmed: StateToolCalling,
			SignalUserRejected:  StateReasoning,
		},
		StateReflecting: {
			SignalCanRetry:          StateReplanning,
			SignalMaxRetriesReached: StateFailed,
		},
		StateReplanning: {
			SignalNewPlanCreated: StateReasoning,
			SignalCannotReplan:   StateFailed,
		},
		StateSuccess:   {},
		StateFailed:    {},
		StateCancelled: {},
		StateTimeout:   {},
	}

	for state, edges := range table {
		if state.IsTerminal() {
			continue
		}
		edges[SignalUserCancelled] = StateCancelled
		edges[SignalTimeoutReached] = StateTimeout
	}
	return table
}
