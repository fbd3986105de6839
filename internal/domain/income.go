package domain

import (
	"context"
	"time"
)

// BankTransaction is a settled or pending transaction on a bank account.
type BankTransaction struct {
	ID            string    `json:"id"`
	UserID        string    `json:"userId"`
	BankAccountID string    `json:"bankAccountId"`
	// IncomeID links the transaction to the recurring income it pays, when known.
	IncomeID      string    `json:"incomeId,omitempty"`
	Amount        float64   `json:"amount"`
	Description   string    `json:"description"`
	Pending       bool      `json:"pending"`
	PostedAt      time.Time `json:"postedAt"`
}

// IncomeSource provides read-only access to recurring-income records and
// the bank transactions backing them. Implementations may hit a database
// or an upstream banking-data service; cases treat it as a collaborator
// whose failures are hard errors, not business rejections.
type IncomeSource interface {
	// ActiveIncomes lists the recurring incomes eligible for evaluation on
	// one bank account, most recently observed first.
	ActiveIncomes(ctx context.Context, userID, bankAccountID string) ([]*RecurringIncome, error)

	// NextExpectedTransaction predicts the next paycheck date for an income.
	NextExpectedTransaction(ctx context.Context, income *RecurringIncome, after time.Time) (time.Time, error)

	// MatchingTransactions returns the historical transactions attributed to
	// an income within the lookback window ending at `until`.
	MatchingTransactions(ctx context.Context, income *RecurringIncome, lookback time.Duration, until time.Time) ([]*BankTransaction, error)

	// HasPendingPayment reports whether an advance payment is already in
	// flight on the account.
	HasPendingPayment(ctx context.Context, userID, bankAccountID string) (bool, error)
}
