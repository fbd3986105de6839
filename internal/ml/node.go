package ml

import (
	"context"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
)

// NewScoreNode wraps exactly one scoring case in a decision node. The
// node's failure edge carries both genuine disapprovals and scoring
// outages; the accumulator's MLDidError flag tells downstream nodes which
// one happened. Scoring errors are routed, not thrown, so an ML outage
// degrades to whatever static path sits on the failure edge.
func NewScoreNode(name string, client domain.ScoreClient, cfg *domain.ScoreLimitConfig, onSuccess, onFailure string) (*engine.Node, error) {
	if client == nil {
		return nil, fmt.Errorf("ml node %s: score client is required", name)
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("ml node %s: %w", name, err)
	}

	return &engine.Node{
		Name:      name,
		Kind:      engine.KindML,
		Cases:     []engine.Case{newScoreCase(name, client, cfg)},
		OnSuccess: onSuccess,
		OnFailure: onFailure,
		OnError:   errorReducer,
		Metadata: map[string]any{
			"modelType": string(cfg.ModelType),
		},
	}, nil
}

func newScoreCase(nodeName string, client domain.ScoreClient, cfg *domain.ScoreLimitConfig) engine.Case {
	return engine.Case{
		Name: nodeName + "-score",
		Run: func(ctx context.Context, ac *domain.ApprovalContext, res domain.ApprovalResult) (domain.CaseOutcome, error) {
			limits, err := ResolveLimits(cfg, ac.Advances.TakenCount)
			if err != nil {
				// Configuration defect: fatal and loud.
				return domain.CaseOutcome{}, err
			}

			resp, err := client.Score(ctx, &domain.ScoreRequest{
				UserID:        ac.UserID,
				BankAccountID: ac.BankAccount.ID,
				PaybackDate:   res.DefaultPaybackDate,
				ModelType:     cfg.ModelType,
				CacheOnly:     ac.MLUseCacheOnly,
			})
			if err != nil {
				scoreOutcomes.WithLabelValues(nodeName, outcomeError).Inc()
				return domain.CaseOutcome{
					Rejection: &domain.CaseError{
						Type:    domain.RejectionMLErrored,
						Message: "scoring request failed",
						Extra:   map[string]any{"cause": err.Error()},
					},
					LogData: map[string]any{"cacheOnly": ac.MLUseCacheOnly},
				}, nil
			}

			tiers := ClearedTiers(limits, resp.Score)
			logData := map[string]any{
				"score":      resp.Score,
				"cachedFrom": resp.Metadata.CachedFrom,
				"limits":     limits,
			}

			if len(tiers) == 0 {
				scoreOutcomes.WithLabelValues(nodeName, outcomeDisapproved).Inc()
				return domain.CaseOutcome{
					Rejection: &domain.CaseError{
						Type:    domain.RejectionMLDisapproved,
						Message: "score did not clear any approval tier",
						Extra:   map[string]any{"score": resp.Score},
					},
					LogData: logData,
				}, nil
			}

			scoreOutcomes.WithLabelValues(nodeName, outcomeSuccess).Inc()
			highest := tiers[len(tiers)-1]
			return domain.CaseOutcome{
				Update: func(r domain.ApprovalResult) domain.ApprovalResult {
					out := r.WithApprovedAmounts(tiers...)
					out.MLApprovedAmount = highest
					out.MLDidError = false
					return out
				},
				LogData: logData,
			}, nil
		},
	}
}

// errorReducer is the ML node's failure reducer. It keeps the standard
// reset-and-append behavior but also stamps MLDidError when the failure was
// a scoring outage, so an MLDidError branch node can pick the fallback path.
func errorReducer(rejections []*domain.CaseError, ac *domain.ApprovalContext, prev domain.ApprovalResult) domain.ApprovalResult {
	out := engine.DefaultErrorReducer(rejections, ac, prev)
	out.MLApprovedAmount = 0
	out.MLDidError = false
	for _, rej := range rejections {
		if rej.Type == domain.RejectionMLErrored {
			out.MLDidError = true
		}
	}
	return out
}
