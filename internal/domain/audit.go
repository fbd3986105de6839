package domain

import (
	"context"
	"time"
)

// NodeLog is one audit row per decision node visited during a traversal.
type NodeLog struct {
	ID       string         `json:"id"`
	AuditID  string         `json:"auditId"`
	UserID   string         `json:"userId"`
	NodeName string         `json:"nodeName"`
	Success  bool           `json:"success"`
	Snapshot ApprovalResult `json:"snapshot"`
	LoggedAt time.Time      `json:"loggedAt"`
}

// RuleLog is one audit row per case evaluated within a node.
type RuleLog struct {
	ID        string         `json:"id"`
	AuditID   string         `json:"auditId"`
	UserID    string         `json:"userId"`
	NodeName  string         `json:"nodeName"`
	RuleName  string         `json:"ruleName"`
	Success   bool           `json:"success"`
	ErrorType string         `json:"errorType,omitempty"`
	LogData   map[string]any `json:"logData,omitempty"`
	LoggedAt  time.Time      `json:"loggedAt"`
}

// ExperimentLog records one gate decision for offline A/B analysis.
type ExperimentLog struct {
	ID           string    `json:"id"`
	AuditID      string    `json:"auditId"`
	ExperimentID string    `json:"experimentId"`
	UserID       string    `json:"userId"`
	Treatment    bool      `json:"treatment"`
	Successful   *bool     `json:"successful,omitempty"`
	LoggedAt     time.Time `json:"loggedAt"`
}

// AuditSink receives the trail produced by one graph traversal. The engine
// only writes; reads live on Repository. Implementations must tolerate
// being called from concurrent candidate evaluations.
type AuditSink interface {
	SaveNodeLog(ctx context.Context, log *NodeLog) error
	SaveRuleLog(ctx context.Context, log *RuleLog) error
	SaveExperimentLog(ctx context.Context, log *ExperimentLog) error
}
