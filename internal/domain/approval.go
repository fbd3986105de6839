// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"time"
)

// TriggerReason identifies what initiated an approval request.
type TriggerReason string

const (
	TriggerUserRequest  TriggerReason = "user_request"
	TriggerPreQualify   TriggerReason = "pre_qualify"
	TriggerAdminReview  TriggerReason = "admin_review"
	TriggerIncomeUpdate TriggerReason = "income_update"
)

// MicroDepositStatus tracks bank-account verification via micro-deposits.
type MicroDepositStatus string

const (
	MicroDepositRequired  MicroDepositStatus = "required"
	MicroDepositCompleted MicroDepositStatus = "completed"
	MicroDepositNotNeeded MicroDepositStatus = "not_needed"
)

// BankAccountSnapshot captures the account attributes relevant to an
// approval decision at the moment the request was made.
type BankAccountSnapshot struct {
	ID               string             `json:"id"`
	AgeDays          int                `json:"ageDays"`
	Balance          float64            `json:"balance"`
	IsDaveBanking    bool               `json:"isDaveBanking"`
	ValidCredentials bool               `json:"validCredentials"`
	MicroDeposit     MicroDepositStatus `json:"microDeposit"`
	MainPaycheckID   string             `json:"mainPaycheckId,omitempty"`
}

// IncomeStatus describes how confident we are in a recurring income.
type IncomeStatus string

const (
	IncomeStatusValid             IncomeStatus = "valid"
	IncomeStatusSingleObservation IncomeStatus = "single_observation"
	IncomeStatusPendingVerify     IncomeStatus = "pending_verification"
	IncomeStatusInvalid           IncomeStatus = "invalid"
)

// RecurringIncome is a detected income stream on a bank account.
type RecurringIncome struct {
	ID            string       `json:"id"`
	UserID        string       `json:"userId"`
	BankAccountID string       `json:"bankAccountId"`
	Status        IncomeStatus `json:"status"`
	// Schedule is a human-readable cadence, e.g. "biweekly:friday".
	Schedule      string    `json:"schedule"`
	AverageAmount float64   `json:"averageAmount"`
	Observations  int       `json:"observations"`
	LastObserved  time.Time `json:"lastObserved"`
}

// AdvanceSummary summarizes a user's prior advance history.
type AdvanceSummary struct {
	TakenCount  int      `json:"takenCount"`
	Outstanding *Advance `json:"outstanding,omitempty"`
}

// Advance is a disbursed cash advance.
type Advance struct {
	ID            string    `json:"id"`
	UserID        string    `json:"userId"`
	BankAccountID string    `json:"bankAccountId"`
	Amount        float64   `json:"amount"`
	PaybackDate   time.Time `json:"paybackDate"`
	Outstanding   float64   `json:"outstanding"`
	CreatedAt     time.Time `json:"createdAt"`
	DisbursedAt   time.Time `json:"disbursedAt,omitempty"`
}

// AdminOverride lets support staff pin an income for a user during review.
type AdminOverride struct {
	IncomeID   string  `json:"incomeId"`
	Amount     float64 `json:"amount"`
	SetBy      string  `json:"setBy"`
	Note       string  `json:"note,omitempty"`
	SkipChecks bool    `json:"skipChecks"`
}

// ApprovalContext is the immutable snapshot of every fact needed to decide
// one (user, bank account, candidate income) tuple. It is built exactly once
// per candidate and never mutated during traversal.
type ApprovalContext struct {
	UserID      string
	BankAccount BankAccountSnapshot

	// Income is nil for "no income" evaluations.
	Income   *RecurringIncome
	Override *AdminOverride

	Advances AdvanceSummary

	Trigger  TriggerReason
	Timezone *time.Location
	Today    time.Time

	// AuditLog controls whether node/rule rows are persisted for this run.
	AuditLog bool

	// MLUseCacheOnly restricts the scoring collaborator to cached scores.
	MLUseCacheOnly bool

	// Precomputed aggregates.
	IncomeAverage   float64
	SolvencyBalance float64

	// AuditID correlates node, rule and experiment rows for one traversal.
	AuditID string
}

// RejectionReason is a business rejection modeled as data, never as a Go
// error. Type is a stable machine key; Message is user-facing.
type RejectionReason struct {
	Type    string         `json:"type"`
	Message string         `json:"message"`
	Extra   map[string]any `json:"extra,omitempty"`
}

// ApprovalResult is the accumulator threaded through graph traversal.
// It is a value type: nodes produce new copies via the With* helpers
// rather than mutating shared state, which keeps the audit trail
// reproducible from inputs.
type ApprovalResult struct {
	ApprovedAmounts  []int             `json:"approvedAmounts"`
	RejectionReasons []RejectionReason `json:"rejectionReasons"`

	// CaseResolutions maps case name to pass/fail. Cases never reached are
	// absent, which the description layer reports as pending.
	CaseResolutions map[string]bool `json:"caseResolutions"`

	IsExperimental     bool      `json:"isExperimental"`
	DefaultPaybackDate time.Time `json:"defaultPaybackDate"`

	IncomeValid      bool `json:"incomeValid"`
	MLApprovedAmount int  `json:"mlApprovedAmount"`
	MLDidError       bool `json:"mlDidError"`

	Extras map[string]any `json:"extras,omitempty"`
}

// NewApprovalResult builds the default accumulator for a context.
func NewApprovalResult(ac *ApprovalContext, paybackDate time.Time) ApprovalResult {
	return ApprovalResult{
		ApprovedAmounts:    []int{},
		RejectionReasons:   []RejectionReason{},
		CaseResolutions:    map[string]bool{},
		DefaultPaybackDate: paybackDate,
	}
}

// Approved reports whether any amount tier was approved.
func (r ApprovalResult) Approved() bool {
	return len(r.ApprovedAmounts) > 0
}

// PrimaryRejection returns the first recorded rejection, if any.
func (r ApprovalResult) PrimaryRejection() *RejectionReason {
	if len(r.RejectionReasons) == 0 {
		return nil
	}
	reason := r.RejectionReasons[0]
	return &reason
}

// Clone deep-copies the result so With* helpers never alias maps or slices
// between traversal steps.
func (r ApprovalResult) Clone() ApprovalResult {
	out := r
	out.ApprovedAmounts = append([]int(nil), r.ApprovedAmounts...)
	out.RejectionReasons = append([]RejectionReason(nil), r.RejectionReasons...)
	out.CaseResolutions = make(map[string]bool, len(r.CaseResolutions))
	for k, v := range r.CaseResolutions {
		out.CaseResolutions[k] = v
	}
	if r.Extras != nil {
		out.Extras = make(map[string]any, len(r.Extras))
		for k, v := range r.Extras {
			out.Extras[k] = v
		}
	}
	return out
}

// WithApprovedAmounts replaces the approved tiers. Amounts are replaced,
// never merged: a downstream failure resets them to empty.
func (r ApprovalResult) WithApprovedAmounts(amounts ...int) ApprovalResult {
	out := r.Clone()
	out.ApprovedAmounts = append([]int{}, amounts...)
	return out
}

// WithRejection appends a rejection reason and clears approved amounts.
func (r ApprovalResult) WithRejection(reasons ...RejectionReason) ApprovalResult {
	out := r.Clone()
	out.ApprovedAmounts = []int{}
	out.RejectionReasons = append(out.RejectionReasons, reasons...)
	return out
}

// WithResolution records a case outcome in the resolution map.
func (r ApprovalResult) WithResolution(caseName string, passed bool) ApprovalResult {
	out := r.Clone()
	out.CaseResolutions[caseName] = passed
	return out
}

// WithExtra overlays a free-form audit field.
func (r ApprovalResult) WithExtra(key string, value any) ApprovalResult {
	out := r.Clone()
	if out.Extras == nil {
		out.Extras = map[string]any{}
	}
	out.Extras[key] = value
	return out
}

// AdvanceApproval is the persisted, caller-facing outcome for one candidate.
type AdvanceApproval struct {
	ID            string `json:"id"`
	UserID        string `json:"userId"`
	BankAccountID string `json:"bankAccountId"`
	IncomeID      string `json:"incomeId,omitempty"`

	Approved         bool              `json:"approved"`
	ApprovedAmounts  []int             `json:"approvedAmounts"`
	PrimaryReason    *RejectionReason  `json:"primaryReason,omitempty"`
	RejectionReasons []RejectionReason `json:"rejectionReasons,omitempty"`

	DefaultPaybackDate time.Time `json:"defaultPaybackDate"`
	IsExperimental     bool      `json:"isExperimental"`
	IsDaveBanking      bool      `json:"isDaveBanking"`
	IsMainPaycheck     bool      `json:"isMainPaycheck"`

	CaseResolutions map[string]bool `json:"caseResolutions,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// MaxApprovedAmount returns the largest approved tier, or zero.
func (a *AdvanceApproval) MaxApprovedAmount() int {
	max := 0
	for _, amt := range a.ApprovedAmounts {
		if amt > max {
			max = amt
		}
	}
	return max
}
