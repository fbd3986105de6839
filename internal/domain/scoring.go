package domain

import (
	"context"
	"time"
)

// ModelType selects which underwriting model the scoring service runs.
type ModelType string

const (
	ModelGlobal       ModelType = "global"
	ModelVariableTier ModelType = "variable_tier"
	ModelNoIncome     ModelType = "no_income"
)

// ScoreRequest is the wire contract with the external scoring service.
type ScoreRequest struct {
	UserID        string    `json:"userId"`
	BankAccountID string    `json:"bankAccountId"`
	PaybackDate   time.Time `json:"paybackDate"`
	ModelType     ModelType `json:"modelType"`
	CacheOnly     bool      `json:"cacheOnly"`
}

// ScoreResponse carries the model score plus cache provenance metadata.
type ScoreResponse struct {
	Score    float64       `json:"score"`
	Metadata ScoreMetadata `json:"metadata"`
}

// ScoreMetadata describes where a score came from.
type ScoreMetadata struct {
	CachedAt   time.Time `json:"cachedAt,omitempty"`
	CachedFrom string    `json:"cachedFrom,omitempty"`
}

// ScoreClient talks to the external machine-learning scoring service.
// The service is treated as unreliable: callers must convert errors into
// routed decision-graph outcomes, never let them escape a traversal.
type ScoreClient interface {
	Score(ctx context.Context, req *ScoreRequest) (*ScoreResponse, error)
}

// ScoreLimits maps an approved-amount tier (whole dollars) to the minimum
// score that clears it. Tiers are evaluated independently against the same
// score; the highest cleared tier wins.
type ScoreLimits map[int]float64

// DynamicScoreLimits selects a ScoreLimits table by the user's prior
// advance count: sorted keys descending, first key <= the actual count.
type DynamicScoreLimits map[int]ScoreLimits
