package audit

import (
	"testing"

	"inactive-user-deauth/internal/models"
)

func TestFilterAuthorizedKeepsOnlyAuthorizedInOrder(t *testing.T) {
	records := []models.AuditUserRecord{
		{Username: "admin", State: models.StateAuthorized},
		{Username: "alice", State: models.StateAuthorized},
		{Username: "carol", State: models.StateDeauthorized},
		{Username: "dave", State: models.StateUnknown},
	}

	work := FilterAuthorized(records)
	if len(work) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(work))
	}
	if work[0].Record.Username != "admin" || work[1].Record.Username != "alice" {
		t.Fatalf("input order not preserved: %s, %s", work[0].Record.Username, work[1].Record.Username)
	}
	for _, c := range work {
		if c.Outcome != models.OutcomePending {
			t.Fatalf("fresh candidate must be pending, got %s", c.Outcome)
		}
	}
}

func TestFilterAuthorizedEmptyInput(t *testing.T) {
	if got := FilterAuthorized(nil); len(got) != 0 {
		t.Fatalf("expected no candidates, got %d", len(got))
	}
}
