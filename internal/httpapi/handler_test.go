package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"hqms/token-service/internal/queue"
	"hqms/token-service/internal/store"
	"hqms/token-service/internal/store/memory"
)

type testEnv struct {
	handler  http.Handler
	patients *memory.Store
}

func newTestEnv(t *testing.T, counters store.CounterStore) *testEnv {
	t.Helper()
	patients := memory.NewStore()
	if counters == nil {
		counters = memory.NewCounterStore()
	}
	manager := queue.NewManager(patients, counters, zerolog.Nop(), queue.ManagerOptions{})
	estimator := queue.NewEstimator(patients, zerolog.Nop())
	view := queue.NewViewBuilder(patients, estimator)
	h := NewHandler(manager, estimator, view, patients)
	return &testEnv{handler: h.Routes(), patients: patients}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) registerPatient(t *testing.T, patientID, department string) {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/patients", map[string]string{
		"patient_id": patientID,
		"department": department,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register patient: status %d, body %s", rec.Code, rec.Body.String())
	}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), target); err != nil {
		t.Fatalf("decode response: %v (body %s)", err, rec.Body.String())
	}
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp errorResponse
	decodeBody(t, rec, &resp)
	return resp.Error.Code
}

type unavailableCounter struct{}

func (unavailableCounter) NextCounter(ctx context.Context, department string) (int64, error) {
	return 0, store.ErrCounterUnavailable
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestRegisterPatientReturnsInitialToken(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/patients", map[string]string{
		"patient_id": "p-1",
		"full_name":  "Ayesha Khan",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		PatientID    string `json:"patient_id"`
		ActiveTokens []struct {
			Token      string `json:"token"`
			Department string `json:"department"`
		} `json:"active_tokens"`
	}
	decodeBody(t, rec, &resp)
	if resp.PatientID != "p-1" {
		t.Fatalf("unexpected patient_id %q", resp.PatientID)
	}
	if len(resp.ActiveTokens) != 1 || resp.ActiveTokens[0].Token != "REG-001" {
		t.Fatalf("expected initial REG-001 token, got %+v", resp.ActiveTokens)
	}
}

func TestRegisterPatientDuplicateConflict(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerPatient(t, "p-1", "")

	rec := env.do(t, http.MethodPost, "/api/patients", map[string]string{"patient_id": "p-1"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "patient_exists" {
		t.Fatalf("unexpected error code %q", code)
	}
}

func TestIssueToken(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerPatient(t, "p-1", "")

	rec := env.do(t, http.MethodPost, "/api/tokens", map[string]interface{}{
		"patient_id": "p-1",
		"department": "Lab",
		"stage":      2,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Token  string `json:"token"`
		Status string `json:"status"`
		Stage  int    `json:"stage"`
	}
	decodeBody(t, rec, &resp)
	if resp.Token != "LAB-001" || resp.Status != "pending" || resp.Stage != 2 {
		t.Fatalf("unexpected token response: %+v", resp)
	}
}

func TestIssueTokenInvalidJSON(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/tokens", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "invalid_json" {
		t.Fatalf("unexpected error code %q", code)
	}
}

func TestIssueTokenMissingFields(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/tokens", map[string]string{"patient_id": "p-1"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "invalid_request" {
		t.Fatalf("unexpected error code %q", code)
	}
}

func TestIssueTokenStageValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerPatient(t, "p-1", "")

	rec := env.do(t, http.MethodPost, "/api/tokens", map[string]interface{}{
		"patient_id": "p-1",
		"department": "Lab",
		"stage":      -1,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("negative stage: expected 400, got %d", rec.Code)
	}

	// Omitted stage defaults to 1.
	rec = env.do(t, http.MethodPost, "/api/tokens", map[string]string{
		"patient_id": "p-1",
		"department": "Lab",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Stage int `json:"stage"`
	}
	decodeBody(t, rec, &resp)
	if resp.Stage != 1 {
		t.Fatalf("expected default stage 1, got %d", resp.Stage)
	}
}

func TestIssueTokenUnknownPatient(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/tokens", map[string]string{
		"patient_id": "ghost",
		"department": "Lab",
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "patient_not_found" {
		t.Fatalf("unexpected error code %q", code)
	}
}

func TestIssueTokenCounterUnavailable(t *testing.T) {
	env := newTestEnv(t, unavailableCounter{})
	if _, err := env.patients.CreatePatient(context.Background(), store.CreatePatientInput{PatientID: "p-1"}); err != nil {
		t.Fatalf("create patient: %v", err)
	}

	rec := env.do(t, http.MethodPost, "/api/tokens", map[string]string{
		"patient_id": "p-1",
		"department": "Lab",
	})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "counter_unavailable" {
		t.Fatalf("unexpected error code %q", code)
	}
}

func TestTokenActionLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerPatient(t, "p-1", "Doctor")

	body := map[string]string{
		"patient_id": "p-1",
		"token":      "DOC-001",
		"department": "Doctor",
	}

	rec := env.do(t, http.MethodPost, "/api/tokens/actions/call", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("call: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var called struct {
		Status string `json:"status"`
	}
	decodeBody(t, rec, &called)
	if called.Status != "in-progress" {
		t.Fatalf("expected in-progress, got %q", called.Status)
	}

	rec = env.do(t, http.MethodPost, "/api/tokens/actions/complete", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("complete: expected 200, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/tokens/actions/complete", body)
	if rec.Code != http.StatusConflict {
		t.Fatalf("repeat complete: expected 409, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "invalid_transition" {
		t.Fatalf("unexpected error code %q", code)
	}
}

func TestTokenActionUnknownAction(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/tokens/actions/promote", map[string]string{
		"patient_id": "p-1",
		"token":      "LAB-001",
		"department": "Lab",
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestTokenLookup(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerPatient(t, "p-1", "Lab")

	rec := env.do(t, http.MethodGet, "/api/tokens?token=LAB-001&department=Lab", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		PatientID string `json:"patient_id"`
	}
	decodeBody(t, rec, &resp)
	if resp.PatientID != "p-1" {
		t.Fatalf("unexpected patient_id %q", resp.PatientID)
	}

	rec = env.do(t, http.MethodGet, "/api/tokens?token=LAB-999&department=Lab", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestQueueEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, id := range []string{"p-1", "p-2", "p-3"} {
		env.registerPatient(t, id, "Lab")
		// Creation timestamps must differ for a deterministic queue order.
		time.Sleep(2 * time.Millisecond)
	}

	rec := env.do(t, http.MethodGet, "/api/queues?department=Lab", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var entries []queue.QueueEntry
	decodeBody(t, rec, &entries)
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	wantTokens := []string{"LAB-001", "LAB-002", "LAB-003"}
	wantEWT := []int{7, 12, 17}
	for i, entry := range entries {
		if entry.Token != wantTokens[i] {
			t.Fatalf("entry %d: expected token %s, got %s", i, wantTokens[i], entry.Token)
		}
		if entry.EWTMinutes != wantEWT[i] {
			t.Fatalf("entry %d: expected ewt %d, got %d", i, wantEWT[i], entry.EWTMinutes)
		}
	}
}

func TestQueueEndpointRequiresDepartment(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/api/queues", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestEWTEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerPatient(t, "p-1", "Lab")

	rec := env.do(t, http.MethodGet, "/api/queues/ewt?department=Lab", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Department        string  `json:"department"`
		EWTMinutes        int     `json:"ewt_minutes"`
		AvgServiceMinutes float64 `json:"avg_service_minutes"`
	}
	decodeBody(t, rec, &resp)
	if resp.Department != "Lab" {
		t.Fatalf("unexpected department %q", resp.Department)
	}
	if resp.EWTMinutes != 7 {
		t.Fatalf("expected ewt 7 for one pending token, got %d", resp.EWTMinutes)
	}
	if resp.AvgServiceMinutes != 5 {
		t.Fatalf("expected default average 5, got %v", resp.AvgServiceMinutes)
	}
}

func TestPatientEventsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerPatient(t, "p-1", "Lab")

	rec := env.do(t, http.MethodGet, "/api/patients/p-1/events", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var events []store.TokenEvent
	decodeBody(t, rec, &events)
	if len(events) != 2 {
		t.Fatalf("expected registration + issuance events, got %d", len(events))
	}
	if events[0].Type != store.EventPatientRegistered || events[1].Type != store.EventTokenIssued {
		t.Fatalf("unexpected event types: %s, %s", events[0].Type, events[1].Type)
	}

	rec = env.do(t, http.MethodGet, "/api/patients/ghost/events", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestEventsFeedEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerPatient(t, "p-1", "Lab")
	env.registerPatient(t, "p-2", "Lab")

	rec := env.do(t, http.MethodGet, "/api/events?limit=2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var events []store.TokenEvent
	decodeBody(t, rec, &events)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}

	rec = env.do(t, http.MethodGet, "/api/events?after=not-a-timestamp", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, nil)

	cases := []struct {
		method string
		path   string
	}{
		{http.MethodDelete, "/api/patients"},
		{http.MethodPut, "/api/tokens"},
		{http.MethodGet, "/api/tokens/actions/call"},
		{http.MethodPost, "/api/queues"},
	}
	for _, tc := range cases {
		rec := env.do(t, tc.method, tc.path, nil)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("%s %s: expected 405, got %d", tc.method, tc.path, rec.Code)
		}
	}
}
