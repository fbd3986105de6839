// Package worker provides async approval processing for the Pro tier.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/approval"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Worker consumes approval requests from the EventBus and runs them
// through the approval service. Results are published by the service
// itself, so the worker's job is just decode, evaluate, acknowledge.
type Worker struct {
	bus     domain.EventBus
	service *approval.Service

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, service *approval.Service) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:     bus,
		service: service,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start subscribes to the approval request topic.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicApprovalRequested, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("approval worker started", "topic", domain.TopicApprovalRequested)
	return nil
}

// handleMessage decodes one queued request and evaluates it.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var req approval.Request
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		slog.Error("failed to parse approval request message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	if req.UserID == "" {
		slog.Error("approval request missing user id", "message_id", msg.ID)
		return nil // not retryable
	}

	// Queued requests originate from background triggers; no client is
	// waiting, so the audit trail is always recorded.
	req.AuditLog = true

	slog.Debug("processing approval request",
		"user_id", req.UserID,
		"trigger", req.Trigger,
		"message_id", msg.ID,
	)

	resp, err := w.service.Evaluate(ctx, &req)
	if err != nil {
		slog.Error("approval evaluation failed",
			"user_id", req.UserID,
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	slog.Info("approval request processed",
		"user_id", req.UserID,
		"approved", resp.Approved(),
		"candidates", len(resp.Approvals),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() error {
	w.cancel()

	// Unsubscribe all
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("approval worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
