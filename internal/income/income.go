// Package income reads recurring-income records and derives the aggregates
// the approval graph consumes: recent paycheck averages, next expected
// paycheck dates, and pending-payment checks.
package income

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Service implements domain.IncomeSource on top of the repository.
type Service struct {
	repo domain.Repository
}

// NewService creates an income service.
func NewService(repo domain.Repository) *Service {
	return &Service{repo: repo}
}

// ActiveIncomes lists evaluation-eligible incomes for one bank account.
func (s *Service) ActiveIncomes(ctx context.Context, userID, bankAccountID string) ([]*domain.RecurringIncome, error) {
	incomes, err := s.repo.ListActiveIncomes(ctx, userID, bankAccountID)
	if err != nil {
		return nil, fmt.Errorf("list active incomes: %w", err)
	}
	return incomes, nil
}

// NextExpectedTransaction predicts the next paycheck date strictly after
// the given time, stepping the income's cadence forward from its last
// observation. Unknown cadences fall back to biweekly.
func (s *Service) NextExpectedTransaction(_ context.Context, income *domain.RecurringIncome, after time.Time) (time.Time, error) {
	if income == nil {
		return time.Time{}, fmt.Errorf("income is required")
	}

	next := income.LastObserved
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("income %s has no observed paycheck", income.ID)
	}

	for !next.After(after) {
		next = step(next, income.Schedule)
	}
	return next, nil
}

// MatchingTransactions returns the transactions attributed to an income
// within the lookback window ending at `until`.
func (s *Service) MatchingTransactions(ctx context.Context, income *domain.RecurringIncome, lookback time.Duration, until time.Time) ([]*domain.BankTransaction, error) {
	if income == nil {
		return nil, fmt.Errorf("income is required")
	}

	since := until.Add(-lookback)
	txs, err := s.repo.ListTransactionsByIncome(ctx, income.ID, since)
	if err != nil {
		return nil, fmt.Errorf("list transactions for income %s: %w", income.ID, err)
	}

	matched := make([]*domain.BankTransaction, 0, len(txs))
	for _, tx := range txs {
		if tx.Pending || tx.PostedAt.After(until) {
			continue
		}
		matched = append(matched, tx)
	}
	return matched, nil
}

// HasPendingPayment reports whether an advance payment is in flight.
func (s *Service) HasPendingPayment(ctx context.Context, userID, bankAccountID string) (bool, error) {
	return s.repo.HasPendingAdvancePayment(ctx, userID, bankAccountID)
}

// Average computes the mean paycheck amount over the lookback window.
// Returns zero when no transactions match.
func (s *Service) Average(ctx context.Context, income *domain.RecurringIncome, lookback time.Duration, until time.Time) (float64, error) {
	txs, err := s.MatchingTransactions(ctx, income, lookback, until)
	if err != nil {
		return 0, err
	}
	if len(txs) == 0 {
		return 0, nil
	}

	var total float64
	for _, tx := range txs {
		total += tx.Amount
	}
	return total / float64(len(txs)), nil
}

// step advances a date by one cadence period. The schedule format is
// "<cadence>:<anchor>", e.g. "biweekly:friday" or "monthly:15"; only the
// cadence half drives the step.
func step(from time.Time, schedule string) time.Time {
	cadence := schedule
	if i := strings.IndexByte(schedule, ':'); i >= 0 {
		cadence = schedule[:i]
	}

	switch cadence {
	case "weekly":
		return from.AddDate(0, 0, 7)
	case "semimonthly":
		return from.AddDate(0, 0, 15)
	case "monthly":
		return from.AddDate(0, 1, 0)
	default:
		// biweekly is the dominant cadence and the safe fallback.
		return from.AddDate(0, 0, 14)
	}
}
