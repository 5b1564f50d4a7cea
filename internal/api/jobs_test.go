package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kalambet/leadscout/internal/credits"
	"github.com/kalambet/leadscout/internal/orchestrator"
	"github.com/kalambet/leadscout/internal/storage"
)

const testToken = "test-token"

func newTestHandler(t *testing.T) (http.Handler, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ledger := credits.NewLedger(store)
	orch := orchestrator.New(store, ledger, nil, nil)
	handler := NewAppHandler(AppDeps{
		Orchestrator: orch,
		Store:        store,
		Ledger:       ledger,
		Token:        testToken,
	})
	return handler, store
}

func doRequest(t *testing.T, h http.Handler, method, path, body string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	if authed {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func createJobViaAPI(t *testing.T, h http.Handler, body string) string {
	t.Helper()
	rec := doRequest(t, h, "POST", "/jobs", body, true)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("POST /jobs = %d, want 202 (body: %s)", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding create response: %v", err)
	}
	if resp["id"] == "" {
		t.Fatal("create response has no id")
	}
	return resp["id"]
}

func TestHealthRequiresNoAuth(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := doRequest(t, h, "GET", "/health", "", false)
	if rec.Code != http.StatusOK {
		t.Errorf("GET /health = %d, want 200", rec.Code)
	}
}

func TestBearerAuthEnforced(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doRequest(t, h, "GET", "/jobs", "", false)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated GET /jobs = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest("GET", "/jobs", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong-token GET /jobs = %d, want 401", rec.Code)
	}
}

func TestCreateAndGetJob(t *testing.T) {
	h, _ := newTestHandler(t)
	id := createJobViaAPI(t, h, `{"search_type":"organization","query":"marketing agencies in Austin"}`)

	rec := doRequest(t, h, "GET", "/jobs/"+id, "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /jobs/%s = %d, want 200", id, rec.Code)
	}
	var view JobView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decoding job view: %v", err)
	}
	if view.Status != "pending" || view.SearchType != "organization" {
		t.Errorf("job view = %+v, want pending organization job", view)
	}
	if string(view.Results) != "{}" {
		t.Errorf("fresh job results = %s, want {}", view.Results)
	}
}

func TestCreateJobValidationErrors(t *testing.T) {
	h, _ := newTestHandler(t)

	tests := []struct {
		name string
		body string
	}{
		{"unknown search type", `{"search_type":"telepathy","query":"x"}`},
		{"missing query", `{"search_type":"organization"}`},
		{"missing contact id", `{"search_type":"single_email"}`},
		{"malformed json", `{"search_type":`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(t, h, "POST", "/jobs", tc.body, true)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("POST /jobs = %d, want 400", rec.Code)
			}
		})
	}
}

func TestGetJobScopedToUser(t *testing.T) {
	h, _ := newTestHandler(t)
	id := createJobViaAPI(t, h, `{"search_type":"organization","query":"agencies"}`)

	req := httptest.NewRequest("GET", "/jobs/"+id, nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("X-User-ID", "999")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("other user's GET = %d, want 404", rec.Code)
	}
}

func TestListJobs(t *testing.T) {
	h, _ := newTestHandler(t)
	for i := 0; i < 3; i++ {
		createJobViaAPI(t, h, fmt.Sprintf(`{"search_type":"organization","query":"query %d"}`, i))
	}

	rec := doRequest(t, h, "GET", "/jobs?limit=2", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /jobs = %d, want 200", rec.Code)
	}
	var views []JobView
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatalf("decoding list: %v", err)
	}
	if len(views) != 2 {
		t.Errorf("got %d jobs, want limit of 2", len(views))
	}
}

func TestTerminateJobLifecycle(t *testing.T) {
	h, _ := newTestHandler(t)
	id := createJobViaAPI(t, h, `{"search_type":"organization","query":"agencies"}`)

	rec := doRequest(t, h, "POST", "/jobs/"+id+"/terminate", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("terminate = %d, want 200 (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, h, "POST", "/jobs/"+id+"/terminate", "", true)
	if rec.Code != http.StatusConflict {
		t.Errorf("second terminate = %d, want 409", rec.Code)
	}

	rec = doRequest(t, h, "POST", "/jobs/no-such-job/terminate", "", true)
	if rec.Code != http.StatusNotFound {
		t.Errorf("terminate missing job = %d, want 404", rec.Code)
	}
}

func TestCancelAndRetryStateChecks(t *testing.T) {
	h, _ := newTestHandler(t)
	id := createJobViaAPI(t, h, `{"search_type":"organization","query":"agencies"}`)

	// A pending job cannot be retried.
	rec := doRequest(t, h, "POST", "/jobs/"+id+"/retry", "", true)
	if rec.Code != http.StatusConflict {
		t.Errorf("retry pending job = %d, want 409", rec.Code)
	}

	// But it can be cancelled; afterwards cancel conflicts.
	rec = doRequest(t, h, "POST", "/jobs/"+id+"/cancel", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel = %d, want 200", rec.Code)
	}
	rec = doRequest(t, h, "POST", "/jobs/"+id+"/cancel", "", true)
	if rec.Code != http.StatusConflict {
		t.Errorf("second cancel = %d, want 409", rec.Code)
	}
}

func TestCleanupEndpoint(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doRequest(t, h, "DELETE", "/jobs?older_than_days=30", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("cleanup = %d, want 200", rec.Code)
	}
	var resp map[string]int64
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding cleanup response: %v", err)
	}
	if resp["deleted"] != 0 {
		t.Errorf("deleted = %d, want 0 on empty store", resp["deleted"])
	}

	rec = doRequest(t, h, "DELETE", "/jobs?older_than_days=0", "", true)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("cleanup with zero window = %d, want 400", rec.Code)
	}
}

func TestCreditsEndpoints(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doRequest(t, h, "GET", "/credits", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /credits = %d, want 200", rec.Code)
	}
	var balance map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &balance); err != nil {
		t.Fatalf("decoding balance: %v", err)
	}
	if balance["balance"] != 0 {
		t.Errorf("fresh balance = %d, want 0", balance["balance"])
	}

	rec = doRequest(t, h, "POST", "/credits", `{"amount":50}`, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /credits = %d, want 200", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &balance); err != nil {
		t.Fatalf("decoding balance: %v", err)
	}
	if balance["balance"] != 50 {
		t.Errorf("balance after top-up = %d, want 50", balance["balance"])
	}

	rec = doRequest(t, h, "POST", "/credits", `{"amount":-5}`, true)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("negative top-up = %d, want 400", rec.Code)
	}
}
