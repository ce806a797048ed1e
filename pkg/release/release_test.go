package release

import "testing"

func TestIsTerminalReleaseStatus(t *testing.T) {
	for _, status := range []string{"deployed", "rolled_back"} {
		if !isTerminalReleaseStatus(status) {
			t.Errorf("expected %q to be terminal", status)
		}
	}
	for _, status := range []string{"pending", "deploying", ""} {
		if isTerminalReleaseStatus(status) {
			t.Errorf("expected %q not to be terminal", status)
		}
	}
}
