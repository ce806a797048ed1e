// Package runstate implements the run state machine: the fixed set of run
// states, failure reason codes, and the allowed-transitions table every
// mutation of a Run must be checked against before it is persisted.
package runstate

import (
	"fmt"
	"sort"
)

// State is one of the thirteen run states.
type State string

const (
	Queued        State = "queued"
	Planning      State = "planning"
	Editing       State = "editing"
	Testing       State = "testing"
	PreviewReady  State = "preview_ready"
	NeedsApproval State = "needs_approval"
	Approved      State = "approved"
	Merging       State = "merging"
	Deploying     State = "deploying"
	Merged        State = "merged"
	Failed        State = "failed"
	Canceled      State = "canceled"
	Expired       State = "expired"
)

// FailureReason is one of the fixed failure_reason_code values.
type FailureReason string

const (
	WaitingForSlot          FailureReason = "WAITING_FOR_SLOT"
	ValidationFailed        FailureReason = "VALIDATION_FAILED"
	ChecksFailed            FailureReason = "CHECKS_FAILED"
	MergeConflict           FailureReason = "MERGE_CONFLICT"
	MigrationFailed         FailureReason = "MIGRATION_FAILED"
	DeployPushFailed        FailureReason = "DEPLOY_PUSH_FAILED"
	DeployHealthcheckFailed FailureReason = "DEPLOY_HEALTHCHECK_FAILED"
	PreviewPublishFailed    FailureReason = "PREVIEW_PUBLISH_FAILED"
	AgentTimeout            FailureReason = "AGENT_TIMEOUT"
	AgentCanceled           FailureReason = "AGENT_CANCELED"
	PreviewExpired          FailureReason = "PREVIEW_EXPIRED"
	PolicyRejected          FailureReason = "POLICY_REJECTED"
	UnknownError            FailureReason = "UNKNOWN_ERROR"
)

// AllStates lists every run state in declaration order.
func AllStates() []State {
	return []State{
		Queued, Planning, Editing, Testing, PreviewReady, NeedsApproval,
		Approved, Merging, Deploying, Merged, Failed, Canceled, Expired,
	}
}

// AllFailureReasons lists every failure_reason_code in declaration order.
func AllFailureReasons() []FailureReason {
	return []FailureReason{
		WaitingForSlot, ValidationFailed, ChecksFailed, MergeConflict,
		MigrationFailed, DeployPushFailed, DeployHealthcheckFailed,
		PreviewPublishFailed, AgentTimeout, AgentCanceled, PreviewExpired,
		PolicyRejected, UnknownError,
	}
}

var terminalStates = map[State]bool{
	Merged:   true,
	Failed:   true,
	Canceled: true,
	Expired:  true,
}

// IsTerminal reports whether s has no outgoing transitions.
func IsTerminal(s State) bool { return terminalStates[s] }

// Recoverable reports whether a failure reason marks its terminal
// transition as recoverable via a child run.
func Recoverable(reason FailureReason) bool {
	return reason == AgentTimeout || reason == PreviewExpired
}

var validTransitions = map[State]map[State]bool{
	Queued:        set(Planning, Canceled, Failed, Expired),
	Planning:      set(Editing, Canceled, Failed, Expired),
	Editing:       set(Testing, Canceled, Failed, Expired),
	Testing:       set(PreviewReady, Failed, Canceled, Expired),
	PreviewReady:  set(NeedsApproval, Canceled, Failed, Expired),
	NeedsApproval: set(Approved, Failed, Canceled, Expired),
	Approved:      set(Merging, Failed, Canceled, Expired),
	Merging:       set(Deploying, Failed, Canceled),
	Deploying:     set(Merged, Failed, Canceled),
	Merged:        {},
	Failed:        {},
	Canceled:      {},
	Expired:       {},
}

func set(states ...State) map[State]bool {
	m := make(map[State]bool, len(states))
	for _, s := range states {
		m[s] = true
	}
	return m
}

// TransitionRuleError is returned for any invalid transition request: a
// terminal source state, a target outside the allowed set, a missing
// failure reason on a transition to failed, or a failure reason supplied
// on a transition that is not to failed.
type TransitionRuleError struct {
	Message string
}

func (e *TransitionRuleError) Error() string { return e.Message }

// EnsureTransitionAllowed validates a proposed transition without mutating
// anything. Callers apply the transition themselves after this returns nil.
func EnsureTransitionAllowed(current, target State, failureReason *FailureReason) error {
	if IsTerminal(current) {
		return &TransitionRuleError{Message: fmt.Sprintf("cannot transition terminal state %q", current)}
	}

	allowed, ok := validTransitions[current]
	if !ok {
		return &TransitionRuleError{Message: fmt.Sprintf("unknown run state %q", current)}
	}
	if !allowed[target] {
		return &TransitionRuleError{Message: fmt.Sprintf(
			"invalid transition %q -> %q. allowed: %s", current, target, formatAllowed(allowed))}
	}

	if target == Failed && failureReason == nil {
		return &TransitionRuleError{Message: "failure_reason_code is required when transitioning to failed"}
	}
	if target != Failed && failureReason != nil {
		return &TransitionRuleError{Message: "failure_reason_code is only valid for failed transitions"}
	}

	return nil
}

func formatAllowed(allowed map[State]bool) string {
	out := make([]string, 0, len(allowed))
	for s := range allowed {
		out = append(out, string(s))
	}
	sort.Strings(out)
	return fmt.Sprintf("%v", out)
}
