package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/approval"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/repository"
)

type stubRepo struct {
	domain.Repository

	mu           sync.Mutex
	approvals    map[string]*domain.AdvanceApproval
	scoreLimits  map[string]*domain.ScoreLimitConfig
	experimentLs []*domain.ExperimentLog
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		approvals:   map[string]*domain.AdvanceApproval{},
		scoreLimits: map[string]*domain.ScoreLimitConfig{},
	}
}

func (r *stubRepo) CountAdvancesTaken(context.Context, string) (int, error) { return 0, nil }

func (r *stubRepo) GetOutstandingAdvance(context.Context, string) (*domain.Advance, error) {
	return nil, nil
}

func (r *stubRepo) SaveApproval(_ context.Context, a *domain.AdvanceApproval) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.approvals[a.ID] = a
	return nil
}

func (r *stubRepo) GetApproval(_ context.Context, id string) (*domain.AdvanceApproval, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.approvals[id]; ok {
		return a, nil
	}
	return nil, repository.ErrNotFound
}

func (r *stubRepo) ListApprovalsByUser(_ context.Context, userID string, limit int) ([]*domain.AdvanceApproval, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.AdvanceApproval
	for _, a := range r.approvals {
		if a.UserID == userID && len(out) < limit {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *stubRepo) SaveScoreLimitConfig(_ context.Context, cfg *domain.ScoreLimitConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scoreLimits[cfg.Name] = cfg
	return nil
}

func (r *stubRepo) GetScoreLimitConfig(_ context.Context, name string) (*domain.ScoreLimitConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cfg, ok := r.scoreLimits[name]; ok {
		return cfg, nil
	}
	return nil, repository.ErrNotFound
}

func (r *stubRepo) ListScoreLimitConfigs(context.Context) ([]*domain.ScoreLimitConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.ScoreLimitConfig
	for _, cfg := range r.scoreLimits {
		out = append(out, cfg)
	}
	return out, nil
}

func (r *stubRepo) ListExperimentLogs(_ context.Context, experimentID string, limit int) ([]*domain.ExperimentLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.ExperimentLog
	for _, log := range r.experimentLs {
		if log.ExperimentID == experimentID && len(out) < limit {
			out = append(out, log)
		}
	}
	return out, nil
}

func (r *stubRepo) SaveNodeLog(context.Context, *domain.NodeLog) error             { return nil }
func (r *stubRepo) SaveRuleLog(context.Context, *domain.RuleLog) error             { return nil }
func (r *stubRepo) SaveExperimentLog(context.Context, *domain.ExperimentLog) error { return nil }
func (r *stubRepo) Ping(context.Context) error                                     { return nil }
func (r *stubRepo) Close() error                                                   { return nil }

type stubScorer struct{ score float64 }

func (s *stubScorer) Score(context.Context, *domain.ScoreRequest) (*domain.ScoreResponse, error) {
	return &domain.ScoreResponse{Score: s.score}, nil
}

type stubIncomes struct{ incomes []*domain.RecurringIncome }

func (s *stubIncomes) ActiveIncomes(context.Context, string, string) ([]*domain.RecurringIncome, error) {
	return s.incomes, nil
}

func (s *stubIncomes) NextExpectedTransaction(_ context.Context, _ *domain.RecurringIncome, after time.Time) (time.Time, error) {
	return after.AddDate(0, 0, 14), nil
}

func (s *stubIncomes) MatchingTransactions(context.Context, *domain.RecurringIncome, time.Duration, time.Time) ([]*domain.BankTransaction, error) {
	return nil, nil
}

func (s *stubIncomes) HasPendingPayment(context.Context, string, string) (bool, error) {
	return false, nil
}

type stubAverager struct{ avg float64 }

func (s *stubAverager) Average(context.Context, *domain.RecurringIncome, time.Duration, time.Time) (float64, error) {
	return s.avg, nil
}

func testIncome() *domain.RecurringIncome {
	return &domain.RecurringIncome{
		ID:            "income-001",
		UserID:        "user-001",
		BankAccountID: "acct-001",
		Status:        domain.IncomeStatusValid,
		Schedule:      "biweekly:friday",
		AverageAmount: 900,
		Observations:  6,
		LastObserved:  time.Now().UTC().AddDate(0, 0, -7),
	}
}

func testAccount() domain.BankAccountSnapshot {
	return domain.BankAccountSnapshot{
		ID:               "acct-001",
		AgeDays:          400,
		Balance:          300,
		ValidCredentials: true,
		MicroDeposit:     domain.MicroDepositCompleted,
		MainPaycheckID:   "income-001",
	}
}

// createTestServer wires a real engine over stub collaborators.
func createTestServer(t *testing.T, repo *stubRepo) *Server {
	t.Helper()

	cfg := domain.ServerConfig{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30,
		WriteTimeout: 30,
	}

	incomes := &stubIncomes{incomes: []*domain.RecurringIncome{testIncome()}}

	buildEngine := func(ctx context.Context) (*engine.Engine, error) {
		reg, err := approval.BuildGraph(approval.GraphDeps{
			Scorer:  &stubScorer{score: 0.97},
			Incomes: incomes,
			Tables:  approval.LoadScoreTables(ctx, repo),
			Cfg:     domain.DefaultConfig().Approval,
		})
		if err != nil {
			return nil, err
		}
		return engine.New(reg, repo)
	}

	eng, err := buildEngine(context.Background())
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}

	service := approval.NewService(eng, repo, incomes, &stubAverager{avg: 900}, nil, nil, domain.DefaultConfig().Approval)

	reload := func(ctx context.Context) error {
		fresh, err := buildEngine(ctx)
		if err != nil {
			return err
		}
		service.SwapEngine(fresh)
		return nil
	}

	return NewServer(cfg, repo, nil, service, reload, "test-v1")
}

func TestEvaluateEndpoint(t *testing.T) {
	server := createTestServer(t, newStubRepo())

	t.Run("SuccessfulEvaluation", func(t *testing.T) {
		reqBody := approval.Request{
			UserID:       "user-001",
			BankAccounts: []domain.BankAccountSnapshot{testAccount()},
			Trigger:      domain.TriggerUserRequest,
		}

		body, _ := json.Marshal(reqBody)
		req := httptest.NewRequest(http.MethodPost, "/approvals", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp approval.Response
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}

		if len(resp.Approvals) != 1 {
			t.Fatalf("expected 1 approval, got %d", len(resp.Approvals))
		}
		if !resp.Approved() {
			t.Errorf("expected approval, got %+v", resp.Approvals[0])
		}
		if resp.Narrative == nil {
			t.Error("expected narrative in response")
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/approvals", bytes.NewBufferString("not-json"))
		req.Header.Set("Content-Type", "application/json")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("MissingUserID", func(t *testing.T) {
		reqBody := approval.Request{
			BankAccounts: []domain.BankAccountSnapshot{testAccount()},
		}
		body, _ := json.Marshal(reqBody)
		req := httptest.NewRequest(http.MethodPost, "/approvals", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("MissingBankAccounts", func(t *testing.T) {
		reqBody := approval.Request{UserID: "user-001"}
		body, _ := json.Marshal(reqBody)
		req := httptest.NewRequest(http.MethodPost, "/approvals", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("ResponseHeaders", func(t *testing.T) {
		reqBody := approval.Request{
			UserID:       "user-001",
			BankAccounts: []domain.BankAccountSnapshot{testAccount()},
		}
		body, _ := json.Marshal(reqBody)
		req := httptest.NewRequest(http.MethodPost, "/approvals", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Header().Get("X-Request-ID") == "" {
			t.Error("expected X-Request-ID header in response")
		}
		if rr.Header().Get("X-Trace-ID") == "" {
			t.Error("expected X-Trace-ID header in response")
		}
		if rr.Header().Get("Content-Type") != "application/json" {
			t.Error("expected Content-Type: application/json")
		}
	})
}

func TestApprovalRetrieval(t *testing.T) {
	repo := newStubRepo()
	repo.approvals["appr-001"] = &domain.AdvanceApproval{
		ID:     "appr-001",
		UserID: "user-001",
	}
	server := createTestServer(t, repo)

	t.Run("GetApproval", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/approvals/appr-001", nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var a domain.AdvanceApproval
		json.Unmarshal(rr.Body.Bytes(), &a)
		if a.ID != "appr-001" {
			t.Errorf("expected appr-001, got %s", a.ID)
		}
	})

	t.Run("GetApprovalNotFound", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/approvals/missing", nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("ListUserApprovals", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/users/user-001/approvals", nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp struct {
			Count int `json:"count"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Count != 1 {
			t.Errorf("expected 1 approval, got %d", resp.Count)
		}
	})
}

func TestGraphEndpoints(t *testing.T) {
	server := createTestServer(t, newStubRepo())

	t.Run("GraphJSON", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/graph", nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var graph struct {
			Root  string `json:"root"`
			Nodes []any  `json:"nodes"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &graph); err != nil {
			t.Fatalf("failed to parse graph: %v", err)
		}
		if graph.Root != "eligibility" {
			t.Errorf("expected root eligibility, got %s", graph.Root)
		}
		if len(graph.Nodes) == 0 {
			t.Error("expected nodes in graph export")
		}
	})

	t.Run("GraphDOT", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/graph/dot", nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		if !bytes.Contains(rr.Body.Bytes(), []byte("digraph")) {
			t.Error("expected DOT output")
		}
	})
}

func TestScoreLimitEndpoints(t *testing.T) {
	repo := newStubRepo()
	server := createTestServer(t, repo)

	t.Run("SaveScoreLimit", func(t *testing.T) {
		cfg := domain.ScoreLimitConfig{
			Static:    domain.ScoreLimits{25: 0.70, 50: 0.92},
			ModelType: domain.ModelGlobal,
			Enabled:   true,
		}
		body, _ := json.Marshal(cfg)
		req := httptest.NewRequest(http.MethodPut, "/score-limits/ml-score-global", bytes.NewBuffer(body))
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		if _, ok := repo.scoreLimits["ml-score-global"]; !ok {
			t.Error("expected config to be persisted under the URL name")
		}
	})

	t.Run("SaveInvalidScoreLimit", func(t *testing.T) {
		// A table with no tiers at all is unusable.
		cfg := domain.ScoreLimitConfig{ModelType: domain.ModelGlobal, Enabled: true}
		body, _ := json.Marshal(cfg)
		req := httptest.NewRequest(http.MethodPut, "/score-limits/ml-score-global", bytes.NewBuffer(body))
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("GetScoreLimit", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/score-limits/ml-score-global", nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var cfg domain.ScoreLimitConfig
		json.Unmarshal(rr.Body.Bytes(), &cfg)
		if cfg.Static[50] != 0.92 {
			t.Errorf("expected threshold 0.92, got %.2f", cfg.Static[50])
		}
	})

	t.Run("GetScoreLimitNotFound", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/score-limits/missing", nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("ReloadAppliesPersistedTables", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/score-limits/reload", nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		// The stub scorer returns 0.97; the replaced table tops out at 50,
		// so a fresh evaluation cannot clear 75 anymore.
		reqBody := approval.Request{
			UserID:       "user-001",
			BankAccounts: []domain.BankAccountSnapshot{testAccount()},
		}
		body, _ := json.Marshal(reqBody)
		evalReq := httptest.NewRequest(http.MethodPost, "/approvals", bytes.NewBuffer(body))
		evalRR := httptest.NewRecorder()
		server.Router().ServeHTTP(evalRR, evalReq)

		if evalRR.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", evalRR.Code)
		}

		var resp approval.Response
		json.Unmarshal(evalRR.Body.Bytes(), &resp)
		if len(resp.Approvals) != 1 {
			t.Fatalf("expected 1 approval, got %d", len(resp.Approvals))
		}
		if got := resp.Approvals[0].MaxApprovedAmount(); got != 50 {
			t.Errorf("expected max amount 50 after reload, got %d", got)
		}
	})
}

func TestHealthEndpoint(t *testing.T) {
	server := createTestServer(t, newStubRepo())

	t.Run("HealthCheck", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}

		var resp map[string]string
		json.Unmarshal(rr.Body.Bytes(), &resp)

		if resp["status"] != "healthy" {
			t.Errorf("expected status 'healthy', got '%s'", resp["status"])
		}
		if resp["version"] != "test-v1" {
			t.Errorf("expected version 'test-v1', got '%s'", resp["version"])
		}
	})

	t.Run("ReadyCheck", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ready", nil)

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})
}

func TestMiddleware(t *testing.T) {
	t.Run("TracingMiddlewareSetsRequestID", func(t *testing.T) {
		var capturedRequestID string

		handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v, ok := r.Context().Value(RequestIDKey).(string); ok {
				capturedRequestID = v
			}
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if capturedRequestID == "" {
			t.Error("expected request ID to be set")
		}

		if rr.Header().Get("X-Request-ID") == "" {
			t.Error("expected X-Request-ID response header")
		}
	})

	t.Run("RecoverMiddlewareHandlesPanic", func(t *testing.T) {
		handler := RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("test panic")
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()

		// Should not panic
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rr.Code)
		}
	})
}

func TestExperimentAssignmentsEndpoint(t *testing.T) {
	repo := newStubRepo()
	yes := true
	repo.experimentLs = []*domain.ExperimentLog{
		{ID: "el-001", AuditID: "audit-001", ExperimentID: "variable-model-rollout", UserID: "user-001", Treatment: true, Successful: &yes},
		{ID: "el-002", AuditID: "audit-002", ExperimentID: "other-experiment", UserID: "user-002", Treatment: false},
	}
	server := createTestServer(t, repo)

	req := httptest.NewRequest(http.MethodGet, "/experiments/variable-model-rollout/assignments", nil)
	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var resp struct {
		ExperimentID string                  `json:"experimentId"`
		Assignments  []*domain.ExperimentLog `json:"assignments"`
		Count        int                     `json:"count"`
	}
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp.Count != 1 {
		t.Fatalf("expected 1 assignment, got %d", resp.Count)
	}
	if !resp.Assignments[0].Treatment {
		t.Error("expected treatment assignment")
	}
}
