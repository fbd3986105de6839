package income

import (
	"context"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// fakeRepo stubs only the repository calls the income service uses.
type fakeRepo struct {
	domain.Repository

	incomes []*domain.RecurringIncome
	txs     []*domain.BankTransaction
	pending bool
}

func (f *fakeRepo) ListActiveIncomes(context.Context, string, string) ([]*domain.RecurringIncome, error) {
	return f.incomes, nil
}

func (f *fakeRepo) ListTransactionsByIncome(_ context.Context, _ string, since time.Time) ([]*domain.BankTransaction, error) {
	var out []*domain.BankTransaction
	for _, tx := range f.txs {
		if !tx.PostedAt.Before(since) {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (f *fakeRepo) HasPendingAdvancePayment(context.Context, string, string) (bool, error) {
	return f.pending, nil
}

func day(d int) time.Time {
	return time.Date(2024, 3, d, 0, 0, 0, 0, time.UTC)
}

func TestNextExpectedTransaction(t *testing.T) {
	svc := NewService(&fakeRepo{})

	tests := []struct {
		name     string
		schedule string
		last     time.Time
		after    time.Time
		want     time.Time
	}{
		{"biweekly steps from last observation", "biweekly:friday", day(1), day(10), day(15)},
		{"weekly", "weekly:friday", day(1), day(10), day(15)},
		{"monthly", "monthly:1", day(1), day(15), time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)},
		{"unknown cadence falls back to biweekly", "irregular", day(1), day(2), day(15)},
		{"skips multiple periods", "weekly:friday", day(1), day(25), day(29)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			income := &domain.RecurringIncome{ID: "inc-1", Schedule: tt.schedule, LastObserved: tt.last}
			got, err := svc.NextExpectedTransaction(context.Background(), income, tt.after)
			if err != nil {
				t.Fatalf("predict failed: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("next = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNextExpectedTransactionRequiresObservation(t *testing.T) {
	svc := NewService(&fakeRepo{})
	income := &domain.RecurringIncome{ID: "inc-1", Schedule: "biweekly:friday"}

	if _, err := svc.NextExpectedTransaction(context.Background(), income, day(10)); err == nil {
		t.Error("expected error for income with no observed paycheck")
	}
}

func TestMatchingTransactionsFiltersWindowAndPending(t *testing.T) {
	repo := &fakeRepo{txs: []*domain.BankTransaction{
		{ID: "old", Amount: 500, PostedAt: day(1)},
		{ID: "in-window", Amount: 800, PostedAt: day(10)},
		{ID: "pending", Amount: 800, Pending: true, PostedAt: day(12)},
		{ID: "future", Amount: 800, PostedAt: day(20)},
	}}
	svc := NewService(repo)

	income := &domain.RecurringIncome{ID: "inc-1"}
	txs, err := svc.MatchingTransactions(context.Background(), income, 10*24*time.Hour, day(15))
	if err != nil {
		t.Fatalf("matching failed: %v", err)
	}

	if len(txs) != 1 || txs[0].ID != "in-window" {
		t.Errorf("expected only the in-window settled transaction, got %v", txs)
	}
}

func TestAverage(t *testing.T) {
	repo := &fakeRepo{txs: []*domain.BankTransaction{
		{ID: "a", Amount: 700, PostedAt: day(2)},
		{ID: "b", Amount: 900, PostedAt: day(9)},
	}}
	svc := NewService(repo)

	avg, err := svc.Average(context.Background(), &domain.RecurringIncome{ID: "inc-1"}, 30*24*time.Hour, day(15))
	if err != nil {
		t.Fatalf("average failed: %v", err)
	}
	if avg != 800 {
		t.Errorf("average = %v, want 800", avg)
	}
}

func TestAverageNoTransactions(t *testing.T) {
	svc := NewService(&fakeRepo{})

	avg, err := svc.Average(context.Background(), &domain.RecurringIncome{ID: "inc-1"}, 30*24*time.Hour, day(15))
	if err != nil {
		t.Fatalf("average failed: %v", err)
	}
	if avg != 0 {
		t.Errorf("average = %v, want 0", avg)
	}
}

func TestHasPendingPayment(t *testing.T) {
	svc := NewService(&fakeRepo{pending: true})

	pending, err := svc.HasPendingPayment(context.Background(), "user-1", "acct-1")
	if err != nil {
		t.Fatalf("pending check failed: %v", err)
	}
	if !pending {
		t.Error("expected pending payment")
	}
}
