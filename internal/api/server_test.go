package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"inactive-user-deauth/internal/config"
	"inactive-user-deauth/internal/models"
)

type fakeRunner struct {
	summary *models.RunSummary
	err     error
	params  config.JobParams
	runs    int
}

func (f *fakeRunner) Run(_ context.Context, params config.JobParams) (*models.RunSummary, error) {
	f.runs++
	f.params = params
	return f.summary, f.err
}

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func testConfig() config.Config {
	return config.Config{
		Job: config.JobParams{
			LookBackMode:    config.ModeMonths,
			LookBackAmount:  3,
			WorkerThreads:   4,
			BatchSize:       20,
			LoggingInterval: 100,
		},
	}
}

func postTrigger(t *testing.T, handler http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/deauthorize-inactive-users", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestTriggerReturnsSummary(t *testing.T) {
	runner := &fakeRunner{summary: &models.RunSummary{
		AuthorizedBefore: 10,
		AuthorizedAfter:  8,
		Deauthorized:     2,
		Users: []models.UserResult{
			{Username: "alice", WasAuthorized: true, Deauthorized: true},
			{Username: "dave", WasAuthorized: true, Deauthorized: true},
		},
	}}
	srv := New(testConfig(), runner, nil, testLogger())

	rec := postTrigger(t, srv.Router(), `{"lookBackMode":"DAYS","lookBackAmount":30,"dryRun":false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload["authorisedUsersBefore"].(float64) != 10 {
		t.Fatalf("authorisedUsersBefore = %v", payload["authorisedUsersBefore"])
	}
	if payload["authorisedUsersAfter"].(float64) != 8 {
		t.Fatalf("authorisedUsersAfter = %v", payload["authorisedUsersAfter"])
	}
	if payload["deauthorised"].(float64) != 2 {
		t.Fatalf("deauthorised = %v", payload["deauthorised"])
	}
	users := payload["users"].([]any)
	if len(users) != 2 {
		t.Fatalf("users = %d, want 2", len(users))
	}
	first := users[0].(map[string]any)
	if first["wasAuthorised"] != true || first["deauthorised"] != true {
		t.Fatalf("unexpected user entry: %v", first)
	}

	if runner.params.LookBackMode != config.ModeDays || runner.params.LookBackAmount != 30 {
		t.Fatalf("request params not applied: %+v", runner.params)
	}
}

func TestTriggerAppliesDefaultsForOmittedParams(t *testing.T) {
	runner := &fakeRunner{summary: &models.RunSummary{}}
	srv := New(testConfig(), runner, nil, testLogger())

	rec := postTrigger(t, srv.Router(), `{"dryRun":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !runner.params.DryRun {
		t.Fatalf("dryRun not applied")
	}
	if runner.params.LookBackMode != config.ModeMonths || runner.params.LookBackAmount != 3 {
		t.Fatalf("defaults not applied: %+v", runner.params)
	}
	if runner.params.BatchSize != 20 || runner.params.WorkerThreads != 4 {
		t.Fatalf("defaults not applied: %+v", runner.params)
	}
}

func TestTriggerModeChangeResetsAmountToModeDefault(t *testing.T) {
	runner := &fakeRunner{summary: &models.RunSummary{}}
	srv := New(testConfig(), runner, nil, testLogger())

	rec := postTrigger(t, srv.Router(), `{"lookBackMode":"DAYS"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if runner.params.LookBackAmount != config.DefaultLookBackDays {
		t.Fatalf("amount = %d, want the DAYS default %d", runner.params.LookBackAmount, config.DefaultLookBackDays)
	}
}

func TestTriggerRejectsInvalidParams(t *testing.T) {
	for _, body := range []string{
		`{"lookBackMode":"WEEKS"}`,
		`{"lookBackAmount":-3}`,
		`{"batchSize":-1}`,
		`{"workerThreads":-1}`,
		`not json`,
	} {
		runner := &fakeRunner{summary: &models.RunSummary{}}
		srv := New(testConfig(), runner, nil, testLogger())
		rec := postTrigger(t, srv.Router(), body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %s: status = %d, want 400", body, rec.Code)
		}
		if runner.runs != 0 {
			t.Fatalf("body %s: invalid request must be rejected before any work", body)
		}
	}
}

func TestTriggerReportsRunFailure(t *testing.T) {
	runner := &fakeRunner{err: errors.New("boom")}
	srv := New(testConfig(), runner, nil, testLogger())
	rec := postTrigger(t, srv.Router(), `{}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	srv := New(testConfig(), &fakeRunner{}, nil, testLogger())
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
