//go:build integration
// +build integration

// Package integration provides end-to-end tests for the Kestrel advance
// approval engine.
//
// These tests verify the COMPLETE evaluation pipeline:
//
//	Request → Candidates → Decision Graph → Ranking → Persistence → Events
//
// Run with: go test -tags=integration -v ./tests/integration/...
//
// UNDERSTANDING THE DOMAIN:
//
// 1. REQUEST: One user with one or more bank-account snapshots asking
//    whether an advance can be approved, and for how much.
//
// 2. CANDIDATE: A (bank account, recurring income) pair. An account with
//    no detected income still evaluates once, against the no-income model.
//
// 3. DECISION GRAPH: Named nodes of ordered cases. Static nodes check
//    hard rules (credentials, account age, income validity, payday
//    solvency); ML nodes convert a model score into approved tiers via a
//    score-limit table; a scoring outage routes to a static fallback that
//    grants the conservative $25 tier.
//
// 4. RANKING: Candidates sort by approved amount desc, then Dave-managed
//    accounts, then the user's designated main paycheck.
//
// 5. SCORE-LIMIT TABLES: Operator-editable thresholds persisted in the
//    repository and applied via POST /score-limits/reload without a
//    restart.
//
// The whole stack runs in-process against a temp SQLite database, an
// in-memory cache, a channel event bus, and a stub scoring service, so
// no external services are needed.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/approval"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/income"
	"github.com/opensource-finance/kestrel/internal/ml"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// ============================================================================
// Test Stack
// ============================================================================

// stack is the full in-process deployment shared by one test.
type stack struct {
	repo    domain.Repository
	bus     domain.EventBus
	service *approval.Service
	server  *httptest.Server

	// scoreFailing flips the stub scoring service into outage mode.
	scoreFailing atomic.Bool
	scoreValue   atomic.Value // float64
}

func newStack(t *testing.T) *stack {
	t.Helper()

	st := &stack{}
	st.scoreValue.Store(0.97)

	// Stub scoring service.
	scoring := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if st.scoreFailing.Load() {
			http.Error(w, "model unavailable", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(domain.ScoreResponse{Score: st.scoreValue.Load().(float64)})
	}))
	t.Cleanup(scoring.Close)

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "kestrel-test.db"),
	})
	if err != nil {
		t.Fatalf("repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	st.repo = repo

	cacheImpl, err := cache.New(domain.CacheConfig{
		Type:         "memory",
		LocalMaxSize: 1000,
		LocalTTL:     time.Minute,
		ScoreTTL:     time.Minute,
	})
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	t.Cleanup(func() { cacheImpl.Close() })

	busImpl := bus.NewChannelBus(100)
	t.Cleanup(func() { busImpl.Close() })
	st.bus = busImpl

	cfg := domain.DefaultConfig()
	scorer := ml.NewClient(domain.ScoringConfig{BaseURL: scoring.URL, Timeout: 2 * time.Second}, cacheImpl, time.Minute)
	incomeSvc := income.NewService(repo)

	buildEngine := func(ctx context.Context) (*engine.Engine, error) {
		reg, err := approval.BuildGraph(approval.GraphDeps{
			Scorer:  scorer,
			Incomes: incomeSvc,
			Tables:  approval.LoadScoreTables(ctx, repo),
			Cfg:     cfg.Approval,
		})
		if err != nil {
			return nil, err
		}
		return engine.New(reg, repo)
	}

	eng, err := buildEngine(context.Background())
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	st.service = approval.NewService(eng, repo, incomeSvc, incomeSvc, busImpl, nil, cfg.Approval)

	reload := func(ctx context.Context) error {
		next, err := buildEngine(ctx)
		if err != nil {
			return err
		}
		st.service.SwapEngine(next)
		return nil
	}

	apiSrv := api.NewServer(cfg.Server, repo, cacheImpl, st.service, reload, "integration-test")
	st.server = httptest.NewServer(apiSrv.Router())
	t.Cleanup(st.server.Close)

	return st
}

// seedIncome persists a healthy biweekly income with three recent $900
// paychecks, enough to clear every static income check.
func (st *stack) seedIncome(t *testing.T, userID, accountID, incomeID string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	err := st.repo.SaveRecurringIncome(ctx, &domain.RecurringIncome{
		ID:            incomeID,
		UserID:        userID,
		BankAccountID: accountID,
		Status:        domain.IncomeStatusValid,
		Schedule:      "biweekly:friday",
		AverageAmount: 900,
		Observations:  6,
		LastObserved:  now.AddDate(0, 0, -7),
	})
	if err != nil {
		t.Fatalf("seed income: %v", err)
	}

	for i := 0; i < 3; i++ {
		err := st.repo.SaveBankTransaction(ctx, &domain.BankTransaction{
			ID:            fmt.Sprintf("%s-paycheck-%d", incomeID, i),
			UserID:        userID,
			BankAccountID: accountID,
			IncomeID:      incomeID,
			Amount:        900,
			Description:   "PAYROLL DEPOSIT",
			PostedAt:      now.AddDate(0, 0, -7-14*i),
		})
		if err != nil {
			t.Fatalf("seed paycheck: %v", err)
		}
	}
}

// ============================================================================
// API Request/Response Types (matching Kestrel's API contract)
// ============================================================================

type evaluateRequest struct {
	UserID       string                       `json:"userId"`
	BankAccounts []domain.BankAccountSnapshot `json:"bankAccounts"`
	Trigger      string                       `json:"trigger"`
	AuditLog     bool                         `json:"auditLog"`
}

type evaluateResponse struct {
	UserID    string                    `json:"userId"`
	Approvals []*domain.AdvanceApproval `json:"approvals"`
	Narrative json.RawMessage           `json:"narrative"`
}

func healthyAccount(id, mainPaycheckID string) domain.BankAccountSnapshot {
	return domain.BankAccountSnapshot{
		ID:               id,
		AgeDays:          400,
		Balance:          300,
		ValidCredentials: true,
		MicroDeposit:     domain.MicroDepositCompleted,
		MainPaycheckID:   mainPaycheckID,
	}
}

// ============================================================================
// Test Helper Functions
// ============================================================================

func evaluate(t *testing.T, st *stack, req evaluateRequest) evaluateResponse {
	t.Helper()

	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	resp, err := http.Post(st.server.URL+"/approvals", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /approvals: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /approvals status = %d, want 200", resp.StatusCode)
	}

	var out evaluateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

// ============================================================================
// End-to-End Tests
// ============================================================================

func TestFullApprovalFlow(t *testing.T) {
	st := newStack(t)
	st.seedIncome(t, "user-001", "acct-001", "income-001")

	resp := evaluate(t, st, evaluateRequest{
		UserID:       "user-001",
		BankAccounts: []domain.BankAccountSnapshot{healthyAccount("acct-001", "income-001")},
		Trigger:      "user_request",
		AuditLog:     true,
	})

	if len(resp.Approvals) != 1 {
		t.Fatalf("approvals = %d, want 1", len(resp.Approvals))
	}
	lead := resp.Approvals[0]
	if !lead.Approved {
		t.Fatalf("expected approval, got rejection: %+v", lead.PrimaryReason)
	}
	// Score 0.97 clears every tier of the shipped global table.
	if got := lead.MaxApprovedAmount(); got != 75 {
		t.Errorf("max approved amount = %d, want 75", got)
	}
	if !lead.IsMainPaycheck {
		t.Error("expected the designated main paycheck to be flagged")
	}
	if lead.DefaultPaybackDate.IsZero() {
		t.Error("expected a predicted payback date")
	}
	if len(resp.Narrative) == 0 {
		t.Error("expected a rule-description narrative")
	}

	// Audit-logged approvals are retrievable afterwards.
	var fetched domain.AdvanceApproval
	if status := getJSON(t, st.server.URL+"/approvals/"+lead.ID, &fetched); status != http.StatusOK {
		t.Fatalf("GET /approvals/%s status = %d", lead.ID, status)
	}
	if fetched.UserID != "user-001" || !fetched.Approved {
		t.Errorf("fetched approval mismatch: %+v", fetched)
	}

	var listed []*domain.AdvanceApproval
	if status := getJSON(t, st.server.URL+"/users/user-001/approvals", &listed); status != http.StatusOK {
		t.Fatal("list approvals failed")
	}
	if len(listed) != 1 {
		t.Errorf("listed approvals = %d, want 1", len(listed))
	}
}

func TestStaticRejection(t *testing.T) {
	st := newStack(t)
	st.seedIncome(t, "user-002", "acct-002", "income-002")

	account := healthyAccount("acct-002", "income-002")
	account.AgeDays = 10 // below the 60-day floor

	resp := evaluate(t, st, evaluateRequest{
		UserID:       "user-002",
		BankAccounts: []domain.BankAccountSnapshot{account},
		Trigger:      "user_request",
	})

	if len(resp.Approvals) != 1 {
		t.Fatalf("approvals = %d, want 1", len(resp.Approvals))
	}
	lead := resp.Approvals[0]
	if lead.Approved {
		t.Fatal("expected rejection for a 10-day-old account")
	}
	if lead.PrimaryReason == nil {
		t.Fatal("expected a primary rejection reason")
	}
	if len(lead.ApprovedAmounts) != 0 {
		t.Errorf("rejection must clear approved amounts, got %v", lead.ApprovedAmounts)
	}
}

func TestNoIncomeFallsBackToConservativeModel(t *testing.T) {
	st := newStack(t)
	st.scoreValue.Store(0.96) // above the no-income table's single 0.95 tier

	resp := evaluate(t, st, evaluateRequest{
		UserID:       "user-003",
		BankAccounts: []domain.BankAccountSnapshot{healthyAccount("acct-003", "")},
		Trigger:      "user_request",
	})

	if len(resp.Approvals) != 1 {
		t.Fatalf("approvals = %d, want 1", len(resp.Approvals))
	}
	lead := resp.Approvals[0]
	if !lead.Approved {
		t.Fatalf("expected no-income approval, got %+v", lead.PrimaryReason)
	}
	if got := lead.MaxApprovedAmount(); got != 25 {
		t.Errorf("no-income max amount = %d, want 25", got)
	}
}

func TestScoringOutageTakesStaticFallback(t *testing.T) {
	st := newStack(t)
	st.seedIncome(t, "user-004", "acct-004", "income-004")
	st.scoreFailing.Store(true)

	resp := evaluate(t, st, evaluateRequest{
		UserID:       "user-004",
		BankAccounts: []domain.BankAccountSnapshot{healthyAccount("acct-004", "income-004")},
		Trigger:      "user_request",
	})

	if len(resp.Approvals) != 1 {
		t.Fatalf("approvals = %d, want 1", len(resp.Approvals))
	}
	lead := resp.Approvals[0]
	if !lead.Approved {
		t.Fatalf("expected fallback approval during outage, got %+v", lead.PrimaryReason)
	}
	if got := lead.MaxApprovedAmount(); got != approval.FallbackTier {
		t.Errorf("fallback amount = %d, want %d", got, approval.FallbackTier)
	}
}

func TestScoreLimitHotReload(t *testing.T) {
	st := newStack(t)
	st.seedIncome(t, "user-005", "acct-005", "income-005")

	// Tighten the global table so 0.97 stops clearing the $75 tier.
	table := domain.ScoreLimitConfig{
		ModelType: domain.ModelGlobal,
		Enabled:   true,
		Static:    domain.ScoreLimits{25: 0.70, 50: 0.92, 75: 0.99},
	}
	body, _ := json.Marshal(table)
	req, _ := http.NewRequest(http.MethodPut, st.server.URL+"/score-limits/"+approval.NodeScoreGlobal, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT score-limits: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT score-limits status = %d", resp.StatusCode)
	}

	// Saved but not yet reloaded: the old table still decides.
	before := evaluate(t, st, evaluateRequest{
		UserID:       "user-005",
		BankAccounts: []domain.BankAccountSnapshot{healthyAccount("acct-005", "income-005")},
		Trigger:      "user_request",
	})
	if got := before.Approvals[0].MaxApprovedAmount(); got != 75 {
		t.Errorf("pre-reload amount = %d, want 75", got)
	}

	reloadResp, err := http.Post(st.server.URL+"/score-limits/reload", "application/json", nil)
	if err != nil {
		t.Fatalf("POST reload: %v", err)
	}
	reloadResp.Body.Close()
	if reloadResp.StatusCode != http.StatusOK {
		t.Fatalf("reload status = %d", reloadResp.StatusCode)
	}

	after := evaluate(t, st, evaluateRequest{
		UserID:       "user-005",
		BankAccounts: []domain.BankAccountSnapshot{healthyAccount("acct-005", "income-005")},
		Trigger:      "user_request",
	})
	if got := after.Approvals[0].MaxApprovedAmount(); got != 50 {
		t.Errorf("post-reload amount = %d, want 50", got)
	}
}

func TestGraphExport(t *testing.T) {
	st := newStack(t)

	var graph struct {
		Root  string `json:"root"`
		Nodes []struct {
			Name string `json:"name"`
		} `json:"nodes"`
	}
	if status := getJSON(t, st.server.URL+"/graph", &graph); status != http.StatusOK {
		t.Fatalf("GET /graph status = %d", status)
	}
	if graph.Root != approval.NodeEligibility {
		t.Errorf("graph root = %q, want %q", graph.Root, approval.NodeEligibility)
	}
	if len(graph.Nodes) == 0 {
		t.Error("graph export has no nodes")
	}

	resp, err := http.Get(st.server.URL + "/graph/dot")
	if err != nil {
		t.Fatalf("GET /graph/dot: %v", err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	if !strings.Contains(buf.String(), "digraph") {
		t.Error("DOT export missing digraph header")
	}
}

func TestAsyncWorkerFlow(t *testing.T) {
	st := newStack(t)
	st.seedIncome(t, "user-006", "acct-006", "income-006")

	w := worker.NewWorker(st.bus, st.service)
	if err := w.Start(); err != nil {
		t.Fatalf("worker start: %v", err)
	}
	defer w.Stop()

	done := make(chan evaluateResponse, 1)
	_, err := st.bus.Subscribe(context.Background(), domain.TopicApprovalCompleted, func(ctx context.Context, msg *domain.Message) error {
		var resp evaluateResponse
		if err := json.Unmarshal(msg.Payload, &resp); err == nil && resp.UserID == "user-006" {
			select {
			case done <- resp:
			default:
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	payload, _ := json.Marshal(evaluateRequest{
		UserID:       "user-006",
		BankAccounts: []domain.BankAccountSnapshot{healthyAccount("acct-006", "income-006")},
		Trigger:      "income_update",
	})
	if err := st.bus.Publish(context.Background(), domain.TopicApprovalRequested, payload); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case resp := <-done:
		if len(resp.Approvals) == 0 || !resp.Approvals[0].Approved {
			t.Errorf("queued evaluation did not approve: %+v", resp.Approvals)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for queued evaluation")
	}

	// Queued evaluations always audit-log.
	var listed []*domain.AdvanceApproval
	if status := getJSON(t, st.server.URL+"/users/user-006/approvals", &listed); status != http.StatusOK {
		t.Fatal("list approvals failed")
	}
	if len(listed) == 0 {
		t.Error("queued evaluation left no audit trail")
	}
}

func TestHealthAndMetrics(t *testing.T) {
	st := newStack(t)

	var health struct {
		Status string `json:"status"`
	}
	if status := getJSON(t, st.server.URL+"/health", &health); status != http.StatusOK {
		t.Fatalf("GET /health status = %d", status)
	}
	if health.Status != "healthy" {
		t.Errorf("health status = %q, want healthy", health.Status)
	}

	resp, err := http.Get(st.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /metrics status = %d", resp.StatusCode)
	}
}
