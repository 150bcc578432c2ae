package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/deedflow/deedflow/internal/config"
	"github.com/deedflow/deedflow/internal/escrow"
	"github.com/deedflow/deedflow/internal/logging"
	"github.com/deedflow/deedflow/internal/settlement"
	"github.com/deedflow/deedflow/internal/transaction"
	"github.com/deedflow/deedflow/internal/verification"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal in-memory config.
func testConfig() *config.Config {
	return &config.Config{
		Port:                     "0",
		Env:                      "development",
		LogLevel:                 "error",
		GatewayFailureThreshold:  config.DefaultFailureThreshold,
		GatewayRecoveryTimeout:   config.DefaultRecoveryTimeout,
		GatewayCallTimeout:       config.DefaultGatewayCallTimeout,
		ProviderFailureThreshold: config.DefaultFailureThreshold,
		ProviderRecoveryTimeout:  config.DefaultRecoveryTimeout,
		RetryMaxAttempts:         config.DefaultRetryMaxAttempts,
		RetryBaseDelay:           time.Millisecond,
		DeadlinePollInterval:     config.DefaultDeadlinePollInterval,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig(), WithLogger(logging.New("error", "text")))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
	}
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	s.Router().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("Expected status 'ok', got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)
	if w := doJSON(t, s, "GET", "/health/live", nil); w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessBeforeRun(t *testing.T) {
	s := newTestServer(t)
	// Run() hasn't flipped readiness yet.
	if w := doJSON(t, s, "GET", "/health/ready", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

func TestEscrowRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	want := map[string]bool{
		"POST:/v1/transactions":                      false,
		"GET:/v1/transactions":                       false,
		"GET:/v1/transactions/:id":                   false,
		"POST:/v1/transactions/:id/funding":          false,
		"POST:/v1/transactions/:id/settle":           false,
		"POST:/v1/transactions/:id/disputes":         false,
		"POST:/v1/transactions/:id/disputes/resolve": false,
		"POST:/v1/transactions/:id/cancel":           false,
		"POST:/v1/tasks/:id/report":                  false,
		"POST:/v1/payments/:id/retry":                false,
	}
	for _, route := range s.Router().Routes() {
		key := route.Method + ":" + route.Path
		if _, ok := want[key]; ok {
			want[key] = true
		}
	}
	for route, found := range want {
		if !found {
			t.Errorf("Route %s not registered", route)
		}
	}
}

func TestRequestIDHeader(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/v1/transactions", nil)
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("Expected generated X-Request-ID header")
	}

	w2 := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/transactions", nil)
	req.Header.Set("X-Request-ID", "req_fixed")
	s.Router().ServeHTTP(w2, req)
	if got := w2.Header().Get("X-Request-ID"); got != "req_fixed" {
		t.Errorf("Expected propagated request id, got %q", got)
	}
}

// TestFullFlowOverHTTP drives a transaction from initiation to settlement
// through the public API.
func TestFullFlowOverHTTP(t *testing.T) {
	s := newTestServer(t)

	initReq := escrow.InitiateRequest{
		InitiateRequest: transaction.InitiateRequest{
			BuyerID:       "buyer-1",
			SellerID:      "seller-1",
			PropertyID:    "prop-1",
			EarnestMoney:  "10000.00",
			PurchasePrice: "500000.00",
			TargetClosing: time.Now().Add(45 * 24 * time.Hour),
		},
		Tasks: []verification.Spec{
			{Type: verification.TypeTitleSearch, ProviderID: "prov-title", PaymentAmount: "1200.00", DeadlineOffset: 24 * time.Hour},
			{Type: verification.TypeInspection, ProviderID: "prov-inspect", PaymentAmount: "500.00", DeadlineOffset: 24 * time.Hour},
		},
	}

	w := doJSON(t, s, "POST", "/v1/transactions", initReq)
	if w.Code != http.StatusCreated {
		t.Fatalf("Initiate: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var view escrow.TransactionView
	if err := json.Unmarshal(w.Body.Bytes(), &view); err != nil {
		t.Fatalf("Failed to parse view: %v", err)
	}
	txnID := view.Transaction.ID
	if len(view.Tasks) != 2 {
		t.Fatalf("Expected 2 planned tasks, got %d", len(view.Tasks))
	}

	if w := doJSON(t, s, "POST", "/v1/transactions/"+txnID+"/funding", nil); w.Code != http.StatusOK {
		t.Fatalf("Funding: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// Settling before verification completes must conflict.
	terms := settlement.Terms{
		BuyerCommissionBps:  250,
		SellerCommissionBps: 250,
		ClosingCosts:        "5000.00",
		BuyerAgentID:        "agent-b",
		SellerAgentID:       "agent-s",
		ClosingAgentID:      "agent-c",
	}
	if w := doJSON(t, s, "POST", "/v1/transactions/"+txnID+"/settle", terms); w.Code != http.StatusConflict {
		t.Fatalf("Early settle: expected 409, got %d: %s", w.Code, w.Body.String())
	}

	for _, task := range view.Tasks {
		report := verification.Report{Outcome: verification.StatusCompleted, Findings: "clear"}
		if w := doJSON(t, s, "POST", "/v1/tasks/"+task.ID+"/report", report); w.Code != http.StatusOK {
			t.Fatalf("Report %s: expected 200, got %d: %s", task.Type, w.Code, w.Body.String())
		}
	}

	if w := doJSON(t, s, "POST", "/v1/transactions/"+txnID+"/settle", terms); w.Code != http.StatusOK {
		t.Fatalf("Settle: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, s, "GET", "/v1/transactions/"+txnID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Get: expected 200, got %d", w.Code)
	}
	var final escrow.TransactionView
	if err := json.Unmarshal(w.Body.Bytes(), &final); err != nil {
		t.Fatalf("Failed to parse view: %v", err)
	}
	if final.Transaction.State != transaction.StateSettled {
		t.Errorf("State = %q, want %q", final.Transaction.State, transaction.StateSettled)
	}
	if final.Settlement == nil {
		t.Fatal("Expected settlement in view")
	}
	if final.Settlement.VerificationPaid != "1700.00" {
		t.Errorf("VerificationPaid = %q, want 1700.00", final.Settlement.VerificationPaid)
	}
}

func TestNotFoundMapsTo404(t *testing.T) {
	s := newTestServer(t)
	if w := doJSON(t, s, "GET", "/v1/transactions/txn_missing", nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}
