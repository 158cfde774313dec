package audit

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"inactive-user-deauth/internal/models"
)

type fakePersons struct {
	usernames []string
	err       error
}

func (f *fakePersons) ListUsernames(_ context.Context) ([]string, error) {
	return f.usernames, f.err
}

type fakeActivity struct {
	lastActive map[string]time.Time
	err        error
}

func (f *fakeActivity) LastActivityByUser(_ context.Context, _, _, _ string) (map[string]time.Time, error) {
	return f.lastActive, f.err
}

func statePredicates(authorized, deauthorized map[string]bool, errs map[string]error) (Predicate, Predicate) {
	isAuthorized := func(_ context.Context, username string) (bool, error) {
		if err := errs[username]; err != nil {
			return false, err
		}
		return authorized[username], nil
	}
	isDeauthorized := func(_ context.Context, username string) (bool, error) {
		if err := errs[username]; err != nil {
			return false, err
		}
		return deauthorized[username], nil
	}
	return isAuthorized, isDeauthorized
}

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func TestQueryInactiveUsers(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	windowStart := now.AddDate(0, -3, 0)

	persons := &fakePersons{usernames: []string{"admin", "alice", "bob", "carol", "dave"}}
	activity := &fakeActivity{lastActive: map[string]time.Time{
		"alice": windowStart.AddDate(0, 0, -10), // inactive
		"bob":   now.AddDate(0, 0, -1),          // active
		"admin": windowStart.AddDate(0, -1, 0),  // inactive
		"carol": windowStart.AddDate(0, 0, -30), // inactive, already deauthorized
		// dave has no recorded activity at all
	}}
	isAuth, isDeauth := statePredicates(
		map[string]bool{"alice": true, "bob": true, "admin": true, "dave": true},
		map[string]bool{"carol": true},
		nil,
	)

	a := NewQueryAdapter(persons, activity, isAuth, isDeauth, testLogger())
	records, err := a.QueryInactiveUsers(context.Background(), QuerySpec{
		WindowStart:   windowStart,
		Application:   "acosix-audit",
		UserPath:      "/userName",
		WorkerThreads: 2,
		BatchSize:     2,
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}

	got := make(map[string]models.AuthState, len(records))
	for _, r := range records {
		got[r.Username] = r.State
	}
	if _, ok := got["bob"]; ok {
		t.Fatalf("active user bob must not be returned")
	}
	if got["alice"] != models.StateAuthorized {
		t.Fatalf("alice state = %s, want authorized", got["alice"])
	}
	if got["admin"] != models.StateAuthorized {
		t.Fatalf("admin state = %s, want authorized", got["admin"])
	}
	if got["carol"] != models.StateDeauthorized {
		t.Fatalf("carol state = %s, want deauthorized", got["carol"])
	}
	if got["dave"] != models.StateAuthorized {
		t.Fatalf("user with no recorded activity must be maximally inactive, got %s", got["dave"])
	}
	if !sort.SliceIsSorted(records, func(i, j int) bool { return records[i].Username < records[j].Username }) {
		t.Fatalf("records not sorted by username")
	}
}

func TestQueryExcludesOnlyFailingUser(t *testing.T) {
	persons := &fakePersons{usernames: []string{"alice", "broken", "carol"}}
	activity := &fakeActivity{lastActive: map[string]time.Time{}}
	isAuth, isDeauth := statePredicates(
		map[string]bool{"alice": true, "carol": true},
		nil,
		map[string]error{"broken": errors.New("directory lookup failed")},
	)

	a := NewQueryAdapter(persons, activity, isAuth, isDeauth, testLogger())
	records, err := a.QueryInactiveUsers(context.Background(), QuerySpec{
		WindowStart:   time.Now().UTC(),
		WorkerThreads: 4,
		BatchSize:     1,
	})
	if err != nil {
		t.Fatalf("a single user's failure must not abort the scan: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	for _, r := range records {
		if r.Username == "broken" {
			t.Fatalf("failing user must be excluded")
		}
	}
}

func TestQueryPropagatesPopulationFailure(t *testing.T) {
	persons := &fakePersons{err: errors.New("down")}
	a := NewQueryAdapter(persons, &fakeActivity{}, nil, nil, testLogger())
	if _, err := a.QueryInactiveUsers(context.Background(), QuerySpec{WorkerThreads: 1, BatchSize: 1}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestChunk(t *testing.T) {
	batches := chunk([]string{"a", "b", "c", "d", "e"}, 2)
	if len(batches) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(batches))
	}
	if len(batches[2]) != 1 || batches[2][0] != "e" {
		t.Fatalf("unexpected final batch: %v", batches[2])
	}
}
