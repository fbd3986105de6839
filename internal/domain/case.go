package domain

// Stable rejection type keys used across the case library. Kept in domain
// so audit consumers and tests share one vocabulary.
const (
	RejectionAccountAge         = "account-age"
	RejectionInvalidCredentials = "invalid-credentials"
	RejectionMicroDeposit       = "micro-deposit-incomplete"
	RejectionOutstandingAdvance = "outstanding-advance"
	RejectionNoIncome           = "no-income"
	RejectionIncomeObservations = "income-observations"
	RejectionStalePaycheck      = "stale-paycheck"
	RejectionLowIncome          = "low-income-average"
	RejectionPaydaySolvency     = "payday-solvency"
	RejectionPendingPayment     = "pending-payment"
	RejectionMLDisapproved      = "ml-disapproved"
	RejectionMLErrored          = "ml-errored"
	RejectionGuardExpression    = "guard-expression"
)

// CaseError is a business rejection surfaced by a single case. It is data,
// not a Go error: the owning node's error reducer folds it into the
// accumulator and traversal continues along the failure edge.
type CaseError struct {
	Type    string         `json:"type"`
	Message string         `json:"message"`
	Extra   map[string]any `json:"extra,omitempty"`
}

// Reason converts the case error into a RejectionReason for the accumulator.
func (e *CaseError) Reason() RejectionReason {
	return RejectionReason{Type: e.Type, Message: e.Message, Extra: e.Extra}
}

// CaseOutcome is what a case hands back to the engine.
type CaseOutcome struct {
	// Rejection is non-nil when the case failed as a business rule.
	Rejection *CaseError

	// Update, when set, overlays fields on the accumulator. It runs only
	// when the case passed; on failure the node's error reducer owns the
	// accumulator instead.
	Update func(ApprovalResult) ApprovalResult

	// LogData is persisted verbatim on the rule audit row.
	LogData map[string]any
}

// Passed reports whether the case cleared its check.
func (o CaseOutcome) Passed() bool {
	return o.Rejection == nil
}
