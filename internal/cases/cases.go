// Package cases is the business-rule library for the approval graph. Each
// constructor returns an engine.Case whose name doubles as its audit key;
// rejections are data, and only collaborator failures come back as errors.
package cases

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
)

// Stable case names. The describe layer and experiment success checks key
// off these, so they must not drift from the graph wiring.
const (
	NameValidCredentials     = "valid-credentials"
	NameMicroDeposit         = "micro-deposit"
	NameNoOutstandingAdvance = "no-outstanding-advance"
	NameAccountAge           = "account-age"
	NameHasIncome            = "has-income"
	NameIncomeObservations   = "income-observations"
	NameStalePaycheck        = "stale-paycheck"
	NameLowIncomeAverage     = "low-income-average"
	NamePaydaySolvency       = "payday-solvency"
	NamePendingPayment       = "pending-payment"
)

// ValidCredentials rejects accounts whose banking-data connection broke.
func ValidCredentials() engine.Case {
	return engine.Case{
		Name: NameValidCredentials,
		Run: func(_ context.Context, ac *domain.ApprovalContext, _ domain.ApprovalResult) (domain.CaseOutcome, error) {
			if !ac.BankAccount.ValidCredentials {
				return domain.CaseOutcome{Rejection: &domain.CaseError{
					Type:    domain.RejectionInvalidCredentials,
					Message: "bank credentials need to be reconnected",
				}}, nil
			}
			return domain.CaseOutcome{}, nil
		},
	}
}

// MicroDeposit rejects accounts still waiting on ownership verification.
func MicroDeposit() engine.Case {
	return engine.Case{
		Name: NameMicroDeposit,
		Run: func(_ context.Context, ac *domain.ApprovalContext, _ domain.ApprovalResult) (domain.CaseOutcome, error) {
			if ac.BankAccount.MicroDeposit == domain.MicroDepositRequired {
				return domain.CaseOutcome{Rejection: &domain.CaseError{
					Type:    domain.RejectionMicroDeposit,
					Message: "micro-deposit verification is incomplete",
				}}, nil
			}
			return domain.CaseOutcome{}, nil
		},
	}
}

// NoOutstandingAdvance rejects users who still owe on a prior advance.
func NoOutstandingAdvance() engine.Case {
	return engine.Case{
		Name: NameNoOutstandingAdvance,
		Run: func(_ context.Context, ac *domain.ApprovalContext, _ domain.ApprovalResult) (domain.CaseOutcome, error) {
			if adv := ac.Advances.Outstanding; adv != nil {
				return domain.CaseOutcome{Rejection: &domain.CaseError{
					Type:    domain.RejectionOutstandingAdvance,
					Message: "a prior advance is still outstanding",
					Extra:   map[string]any{"advanceId": adv.ID, "outstanding": adv.Outstanding},
				}}, nil
			}
			return domain.CaseOutcome{}, nil
		},
	}
}

// AccountAge enforces the account-age floor. Dave-managed accounts carry
// full history from day one, so the floor does not apply to them.
func AccountAge(minDays int) engine.Case {
	return engine.Case{
		Name: NameAccountAge,
		Run: func(_ context.Context, ac *domain.ApprovalContext, _ domain.ApprovalResult) (domain.CaseOutcome, error) {
			if ac.BankAccount.IsDaveBanking {
				return domain.CaseOutcome{LogData: map[string]any{"daveBanking": true}}, nil
			}
			if ac.BankAccount.AgeDays < minDays {
				return domain.CaseOutcome{Rejection: &domain.CaseError{
					Type:    domain.RejectionAccountAge,
					Message: fmt.Sprintf("account needs at least %d days of history", minDays),
					Extra:   map[string]any{"ageDays": ac.BankAccount.AgeDays, "minDays": minDays},
				}}, nil
			}
			return domain.CaseOutcome{LogData: map[string]any{"ageDays": ac.BankAccount.AgeDays}}, nil
		},
	}
}

// HasIncome routes nil-income candidates onto the no-income path.
func HasIncome() engine.Case {
	return engine.Case{
		Name: NameHasIncome,
		Run: func(_ context.Context, ac *domain.ApprovalContext, _ domain.ApprovalResult) (domain.CaseOutcome, error) {
			if ac.Income == nil {
				return domain.CaseOutcome{Rejection: &domain.CaseError{
					Type:    domain.RejectionNoIncome,
					Message: "no recurring income found on this account",
				}}, nil
			}
			return domain.CaseOutcome{LogData: map[string]any{"incomeId": ac.Income.ID}}, nil
		},
	}
}

// IncomeObservations requires an established paycheck pattern. An admin
// override with SkipChecks pins the income past this check.
func IncomeObservations(min int) engine.Case {
	return engine.Case{
		Name: NameIncomeObservations,
		Run: func(_ context.Context, ac *domain.ApprovalContext, _ domain.ApprovalResult) (domain.CaseOutcome, error) {
			if overridden(ac) {
				return domain.CaseOutcome{LogData: map[string]any{"override": true}}, nil
			}
			if ac.Income.Observations < min || ac.Income.Status == domain.IncomeStatusSingleObservation {
				return domain.CaseOutcome{Rejection: &domain.CaseError{
					Type:    domain.RejectionIncomeObservations,
					Message: fmt.Sprintf("income needs at least %d observed paychecks", min),
					Extra:   map[string]any{"observations": ac.Income.Observations, "status": ac.Income.Status},
				}}, nil
			}
			return domain.CaseOutcome{LogData: map[string]any{"observations": ac.Income.Observations}}, nil
		},
	}
}

// StalePaycheck rejects incomes whose last observation is older than the
// configured window.
func StalePaycheck(maxAge time.Duration) engine.Case {
	return engine.Case{
		Name: NameStalePaycheck,
		Run: func(_ context.Context, ac *domain.ApprovalContext, _ domain.ApprovalResult) (domain.CaseOutcome, error) {
			if overridden(ac) {
				return domain.CaseOutcome{LogData: map[string]any{"override": true}}, nil
			}
			age := ac.Today.Sub(ac.Income.LastObserved)
			if age > maxAge {
				return domain.CaseOutcome{Rejection: &domain.CaseError{
					Type:    domain.RejectionStalePaycheck,
					Message: "most recent paycheck is too old",
					Extra:   map[string]any{"lastObserved": ac.Income.LastObserved, "maxAgeDays": int(maxAge.Hours() / 24)},
				}}, nil
			}
			return domain.CaseOutcome{}, nil
		},
	}
}

// LowIncomeAverage enforces the minimum recent income average. The average
// is precomputed on the context by the orchestrator.
func LowIncomeAverage(min float64) engine.Case {
	return engine.Case{
		Name: NameLowIncomeAverage,
		Run: func(_ context.Context, ac *domain.ApprovalContext, _ domain.ApprovalResult) (domain.CaseOutcome, error) {
			if overridden(ac) {
				return domain.CaseOutcome{LogData: map[string]any{"override": true}}, nil
			}
			if ac.IncomeAverage < min {
				return domain.CaseOutcome{Rejection: &domain.CaseError{
					Type:    domain.RejectionLowIncome,
					Message: fmt.Sprintf("average paycheck below $%.0f", min),
					Extra:   map[string]any{"incomeAverage": ac.IncomeAverage, "minAverage": min},
				}}, nil
			}
			return domain.CaseOutcome{LogData: map[string]any{"incomeAverage": ac.IncomeAverage}}, nil
		},
	}
}

// PaydaySolvency rejects candidates whose projected post-payday balance
// falls under the floor.
func PaydaySolvency(floor float64) engine.Case {
	return engine.Case{
		Name: NamePaydaySolvency,
		Run: func(_ context.Context, ac *domain.ApprovalContext, _ domain.ApprovalResult) (domain.CaseOutcome, error) {
			if ac.SolvencyBalance < floor {
				return domain.CaseOutcome{Rejection: &domain.CaseError{
					Type:    domain.RejectionPaydaySolvency,
					Message: "balance runs too low after payday",
					Extra:   map[string]any{"solvencyBalance": ac.SolvencyBalance, "floor": floor},
				}}, nil
			}
			return domain.CaseOutcome{LogData: map[string]any{"solvencyBalance": ac.SolvencyBalance}}, nil
		},
	}
}

// PendingPayment rejects accounts with an advance payment still in flight.
// A lookup failure is a hard error that aborts the candidate.
func PendingPayment(source domain.IncomeSource) engine.Case {
	return engine.Case{
		Name: NamePendingPayment,
		Run: func(ctx context.Context, ac *domain.ApprovalContext, _ domain.ApprovalResult) (domain.CaseOutcome, error) {
			pending, err := source.HasPendingPayment(ctx, ac.UserID, ac.BankAccount.ID)
			if err != nil {
				return domain.CaseOutcome{}, fmt.Errorf("pending payment lookup: %w", err)
			}
			if pending {
				return domain.CaseOutcome{Rejection: &domain.CaseError{
					Type:    domain.RejectionPendingPayment,
					Message: "an advance payment is still processing",
				}}, nil
			}
			return domain.CaseOutcome{}, nil
		},
	}
}

// MarkIncomeValid is the after-all-cases reducer for the income-validity
// node: every income check passed, so the income is established.
func MarkIncomeValid(_ *domain.ApprovalContext, res domain.ApprovalResult) domain.ApprovalResult {
	out := res.Clone()
	out.IncomeValid = true
	return out
}

func overridden(ac *domain.ApprovalContext) bool {
	return ac.Override != nil && ac.Override.SkipChecks &&
		ac.Income != nil && ac.Override.IncomeID == ac.Income.ID
}
