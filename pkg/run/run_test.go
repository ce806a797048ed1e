package run

import "testing"

func TestRunContractCoversVocabulary(t *testing.T) {
	c := RunContract()

	if len(c.States) != 13 {
		t.Fatalf("expected 13 states, got %d", len(c.States))
	}
	if len(c.FailureReasonCodes) != 13 {
		t.Fatalf("expected 13 failure reason codes, got %d", len(c.FailureReasonCodes))
	}

	states := make(map[string]bool, len(c.States))
	for _, s := range c.States {
		states[s] = true
	}
	for _, want := range []string{"queued", "preview_ready", "merged", "failed", "canceled", "expired"} {
		if !states[want] {
			t.Errorf("contract states missing %q", want)
		}
	}

	reasons := make(map[string]bool, len(c.FailureReasonCodes))
	for _, r := range c.FailureReasonCodes {
		reasons[r] = true
	}
	for _, want := range []string{"WAITING_FOR_SLOT", "AGENT_TIMEOUT", "PREVIEW_EXPIRED", "UNKNOWN_ERROR"} {
		if !reasons[want] {
			t.Errorf("contract failure reasons missing %q", want)
		}
	}
}

func TestToResponseCarriesFailureReason(t *testing.T) {
	reason := "AGENT_TIMEOUT"
	row := Row{ID: "r1", Title: "t", Status: "failed", FailureReason: &reason}
	resp := row.ToResponse()
	if resp.FailureReason == nil || *resp.FailureReason != reason {
		t.Fatalf("ToResponse() dropped failure reason: %+v", resp)
	}
}
