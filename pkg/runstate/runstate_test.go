package runstate

import "testing"

func reason(r FailureReason) *FailureReason { return &r }

func TestEnsureTransitionAllowed(t *testing.T) {
	tests := []struct {
		name    string
		current State
		target  State
		reason  *FailureReason
		wantErr bool
	}{
		{name: "queued to planning", current: Queued, target: Planning, wantErr: false},
		{name: "queued to merging is invalid", current: Queued, target: Merging, wantErr: true},
		{name: "terminal state rejects any transition", current: Merged, target: Failed, reason: reason(UnknownError), wantErr: true},
		{name: "failed without reason is invalid", current: Editing, target: Failed, wantErr: true},
		{name: "failed with reason is valid", current: Editing, target: Failed, reason: reason(AgentTimeout), wantErr: false},
		{name: "non-failed with reason is invalid", current: Queued, target: Planning, reason: reason(UnknownError), wantErr: true},
		{name: "merging can only reach deploying failed canceled", current: Merging, target: Expired, wantErr: true},
		{name: "deploying to merged", current: Deploying, target: Merged, wantErr: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := EnsureTransitionAllowed(tt.current, tt.target, tt.reason)
			if (err != nil) != tt.wantErr {
				t.Fatalf("EnsureTransitionAllowed(%s, %s) error = %v, wantErr %v", tt.current, tt.target, err, tt.wantErr)
			}
		})
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []State{Merged, Failed, Canceled, Expired} {
		if !IsTerminal(s) {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	for _, s := range []State{Queued, Planning, Editing, Testing, PreviewReady, NeedsApproval, Approved, Merging, Deploying} {
		if IsTerminal(s) {
			t.Errorf("expected %s to be non-terminal", s)
		}
	}
}

func TestRecoverable(t *testing.T) {
	if !Recoverable(AgentTimeout) {
		t.Error("AGENT_TIMEOUT should be recoverable")
	}
	if !Recoverable(PreviewExpired) {
		t.Error("PREVIEW_EXPIRED should be recoverable")
	}
	if Recoverable(UnknownError) {
		t.Error("UNKNOWN_ERROR should not be recoverable")
	}
}

func TestAllStatesAndReasonsCovered(t *testing.T) {
	if len(AllStates()) != 13 {
		t.Errorf("expected 13 run states, got %d", len(AllStates()))
	}
	if len(AllFailureReasons()) != 13 {
		t.Errorf("expected 13 failure reason codes, got %d", len(AllFailureReasons()))
	}
	for _, s := range AllStates() {
		if _, ok := validTransitions[s]; !ok {
			t.Errorf("state %s missing from validTransitions table", s)
		}
	}
}
