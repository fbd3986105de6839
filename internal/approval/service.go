package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/describe"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/experiment"
)

// Request asks for an approval decision across a user's bank accounts.
type Request struct {
	UserID       string                       `json:"userId"`
	BankAccounts []domain.BankAccountSnapshot `json:"bankAccounts"`

	Trigger  domain.TriggerReason  `json:"trigger"`
	Override *domain.AdminOverride `json:"override,omitempty"`

	AuditLog       bool   `json:"auditLog"`
	MLUseCacheOnly bool   `json:"mlUseCacheOnly"`
	Timezone       string `json:"timezone,omitempty"`
}

// Response is the caller-facing outcome: every candidate's approval in
// rank order plus the explanation narrative for the leading candidate.
type Response struct {
	UserID    string                    `json:"userId"`
	Approvals []*domain.AdvanceApproval `json:"approvals"`
	Narrative *describe.Narrative       `json:"narrative,omitempty"`
}

// Approved reports whether any candidate cleared an amount.
func (r *Response) Approved() bool {
	return len(r.Approvals) > 0 && r.Approvals[0].Approved
}

// Service fans the decision engine out across income candidates, ranks the
// results, persists them, and publishes completion events.
type Service struct {
	mu      sync.RWMutex
	engine  *engine.Engine
	repo    domain.Repository
	incomes domain.IncomeSource
	averager Averager
	bus     domain.EventBus
	gates   []*experiment.Gate
	cfg     domain.ApprovalConfig

	// now is injectable for deterministic tests.
	now func() time.Time
}

// Averager computes the recent mean paycheck for an income. Satisfied by
// the income service.
type Averager interface {
	Average(ctx context.Context, income *domain.RecurringIncome, lookback time.Duration, until time.Time) (float64, error)
}

// NewService builds the orchestrator. The bus and gates may be nil.
func NewService(eng *engine.Engine, repo domain.Repository, incomes domain.IncomeSource, avg Averager, bus domain.EventBus, gates []*experiment.Gate, cfg domain.ApprovalConfig) *Service {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}
	return &Service{
		engine:  eng,
		repo:    repo,
		incomes: incomes,
		averager: avg,
		bus:     bus,
		gates:   gates,
		cfg:     cfg,
		now:     time.Now,
	}
}

// SwapEngine replaces the decision engine. In-flight evaluations finish
// against the engine they started with.
func (s *Service) SwapEngine(eng *engine.Engine) {
	s.mu.Lock()
	s.engine = eng
	s.mu.Unlock()
}

// Engine returns the current decision engine.
func (s *Service) Engine() *engine.Engine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// candidate is one (bank account, income-or-none) evaluation unit.
type candidate struct {
	account domain.BankAccountSnapshot
	income  *domain.RecurringIncome
}

// evaluated pairs a candidate with its traversal outcome.
type evaluated struct {
	cand    candidate
	ac      *domain.ApprovalContext
	result  domain.ApprovalResult
	payback time.Time
}

// Evaluate runs the full approval flow for one request. Candidates are
// evaluated with bounded concurrency; a hard failure on one candidate
// drops only that candidate.
func (s *Service) Evaluate(ctx context.Context, req *Request) (*Response, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	if len(req.BankAccounts) == 0 {
		return nil, fmt.Errorf("at least one bank account is required")
	}

	advances, err := s.advanceSummary(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	candidates, err := s.collectCandidates(ctx, req)
	if err != nil {
		return nil, err
	}

	// One engine for the whole request, so a concurrent reload cannot split
	// the candidates across two graphs.
	eng := s.Engine()

	results := s.evaluateAll(ctx, eng, req, advances, candidates)

	approvals := make([]*domain.AdvanceApproval, 0, len(results))
	for _, ev := range results {
		approvals = append(approvals, s.toApproval(req, ev))
	}
	sortApprovals(approvals)

	resp := &Response{UserID: req.UserID, Approvals: approvals}

	if len(results) > 0 {
		lead := leadFor(results, approvals)
		if narrative, err := describe.Replay(eng.Registry(), lead.result.CaseResolutions); err == nil {
			resp.Narrative = narrative
		} else {
			slog.Warn("rule description replay failed", "user_id", req.UserID, "error", err)
		}
		s.recordExperimentOutcomes(ctx, lead)
	}

	s.persist(ctx, req, approvals)
	s.publish(ctx, resp)

	return resp, nil
}

func (s *Service) advanceSummary(ctx context.Context, userID string) (domain.AdvanceSummary, error) {
	taken, err := s.repo.CountAdvancesTaken(ctx, userID)
	if err != nil {
		return domain.AdvanceSummary{}, fmt.Errorf("count advances: %w", err)
	}
	outstanding, err := s.repo.GetOutstandingAdvance(ctx, userID)
	if err != nil {
		return domain.AdvanceSummary{}, fmt.Errorf("outstanding advance: %w", err)
	}
	return domain.AdvanceSummary{TakenCount: taken, Outstanding: outstanding}, nil
}

// collectCandidates expands each bank account into its active incomes, or
// a single nil-income candidate when none exist.
func (s *Service) collectCandidates(ctx context.Context, req *Request) ([]candidate, error) {
	var out []candidate
	for _, account := range req.BankAccounts {
		incomes, err := s.incomes.ActiveIncomes(ctx, req.UserID, account.ID)
		if err != nil {
			return nil, fmt.Errorf("active incomes for account %s: %w", account.ID, err)
		}
		if len(incomes) == 0 {
			out = append(out, candidate{account: account})
			continue
		}
		for _, inc := range incomes {
			out = append(out, candidate{account: account, income: inc})
		}
	}
	return out, nil
}

// evaluateAll runs every candidate through the engine under the
// concurrency cap. Result order is not meaningful; ranking happens later.
func (s *Service) evaluateAll(ctx context.Context, eng *engine.Engine, req *Request, advances domain.AdvanceSummary, candidates []candidate) []*evaluated {
	sem := make(chan struct{}, s.cfg.MaxConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var results []*evaluated

	for _, cand := range candidates {
		wg.Add(1)
		go func(cand candidate) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			ev, err := s.evaluateOne(ctx, eng, req, advances, cand)
			if err != nil {
				// One candidate's hard failure must not drop the others.
				slog.Error("candidate evaluation failed",
					"user_id", req.UserID,
					"bank_account_id", cand.account.ID,
					"income_id", incomeID(cand.income),
					"error", err,
				)
				return
			}
			mu.Lock()
			results = append(results, ev)
			mu.Unlock()
		}(cand)
	}
	wg.Wait()

	return results
}

func (s *Service) evaluateOne(ctx context.Context, eng *engine.Engine, req *Request, advances domain.AdvanceSummary, cand candidate) (*evaluated, error) {
	today := s.now()
	tz := time.UTC
	if req.Timezone != "" {
		if loc, err := time.LoadLocation(req.Timezone); err == nil {
			tz = loc
		}
	}

	ac := &domain.ApprovalContext{
		UserID:         req.UserID,
		BankAccount:    cand.account,
		Income:         cand.income,
		Override:       req.Override,
		Advances:       advances,
		Trigger:        req.Trigger,
		Timezone:       tz,
		Today:          today,
		AuditLog:       req.AuditLog,
		MLUseCacheOnly: req.MLUseCacheOnly,
		AuditID:        uuid.New().String(),
	}

	payback := today.AddDate(0, 0, s.cfg.DefaultPaybackDays)
	if cand.income != nil {
		if next, err := s.incomes.NextExpectedTransaction(ctx, cand.income, today); err == nil {
			payback = next
		}

		avg, err := s.averager.Average(ctx, cand.income, s.cfg.IncomeLookback, today)
		if err != nil {
			return nil, fmt.Errorf("income average: %w", err)
		}
		ac.IncomeAverage = avg
	}
	ac.SolvencyBalance = solvency(cand.account.Balance, ac.IncomeAverage, advances.Outstanding)

	result, err := eng.Evaluate(ctx, ac, domain.NewApprovalResult(ac, payback))
	if err != nil {
		return nil, err
	}

	return &evaluated{cand: cand, ac: ac, result: result, payback: payback}, nil
}

// solvency projects the balance just after the next payday: current
// balance plus the expected paycheck, minus whatever an outstanding
// advance will claw back.
func solvency(balance, incomeAverage float64, outstanding *domain.Advance) float64 {
	projected := balance + incomeAverage
	if outstanding != nil {
		projected -= outstanding.Outstanding
	}
	return projected
}

func (s *Service) toApproval(req *Request, ev *evaluated) *domain.AdvanceApproval {
	res := ev.result
	return &domain.AdvanceApproval{
		ID:                 ev.ac.AuditID,
		UserID:             req.UserID,
		BankAccountID:      ev.cand.account.ID,
		IncomeID:           incomeID(ev.cand.income),
		Approved:           res.Approved(),
		ApprovedAmounts:    res.ApprovedAmounts,
		PrimaryReason:      res.PrimaryRejection(),
		RejectionReasons:   res.RejectionReasons,
		DefaultPaybackDate: res.DefaultPaybackDate,
		IsExperimental:     res.IsExperimental,
		IsDaveBanking:      ev.cand.account.IsDaveBanking,
		IsMainPaycheck:     ev.cand.income != nil && ev.cand.income.ID == ev.cand.account.MainPaycheckID,
		CaseResolutions:    res.CaseResolutions,
		CreatedAt:          s.now(),
	}
}

// sortApprovals ranks globally: amount desc, Dave-managed accounts first,
// then the user's designated main paycheck.
func sortApprovals(approvals []*domain.AdvanceApproval) {
	sort.SliceStable(approvals, func(i, j int) bool {
		a, b := approvals[i], approvals[j]
		if am, bm := a.MaxApprovedAmount(), b.MaxApprovedAmount(); am != bm {
			return am > bm
		}
		if a.IsDaveBanking != b.IsDaveBanking {
			return a.IsDaveBanking
		}
		if a.IsMainPaycheck != b.IsMainPaycheck {
			return a.IsMainPaycheck
		}
		return false
	})
}

// leadFor finds the evaluated record backing the top-ranked approval.
func leadFor(results []*evaluated, ranked []*domain.AdvanceApproval) *evaluated {
	if len(ranked) == 0 {
		return results[0]
	}
	for _, ev := range results {
		if ev.ac.AuditID == ranked[0].ID {
			return ev
		}
	}
	return results[0]
}

func (s *Service) recordExperimentOutcomes(ctx context.Context, lead *evaluated) {
	for _, gate := range s.gates {
		if err := gate.RecordOutcome(ctx, s.repo, lead.ac.AuditID, lead.result); err != nil {
			slog.Warn("experiment outcome update failed",
				"experiment_id", gate.ExperimentID(),
				"audit_id", lead.ac.AuditID,
				"error", err,
			)
		}
	}
}

func (s *Service) persist(ctx context.Context, req *Request, approvals []*domain.AdvanceApproval) {
	if !req.AuditLog {
		return
	}
	for _, approval := range approvals {
		if err := s.repo.SaveApproval(ctx, approval); err != nil {
			slog.Error("failed to persist approval",
				"user_id", req.UserID,
				"approval_id", approval.ID,
				"error", err,
			)
		}
	}
}

func (s *Service) publish(ctx context.Context, resp *Response) {
	if s.bus == nil {
		return
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal approval event", "user_id", resp.UserID, "error", err)
		return
	}
	if err := s.bus.Publish(ctx, domain.TopicApprovalCompleted, payload); err != nil {
		slog.Error("failed to publish approval completion", "user_id", resp.UserID, "error", err)
	}

	if resp.Approved() {
		if body, err := json.Marshal(resp.Approvals[0]); err == nil {
			if err := s.bus.Publish(ctx, domain.TopicAdvanceApproved, body); err != nil {
				slog.Error("failed to publish advance approval", "user_id", resp.UserID, "error", err)
			}
		}
	}
}

func incomeID(income *domain.RecurringIncome) string {
	if income == nil {
		return ""
	}
	return income.ID
}
