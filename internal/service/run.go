package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/xiaot623/gogo/escrowrunner/internal/domain"
	"github.com/xiaot623/gogo/escrowrunner/internal/repository"
	"github.com/xiaot623/gogo/escrowrunner/internal/usage"
	"github.com/xiaot623/gogo/escrowrunner/policy"
)

// Errors returned by Retry and the queries. Match with errors.Is.
var (
	ErrRunNotFound  = domain.ErrNotFound
	ErrInvalidState = domain.ErrInvalidState
)

// Enqueue validates and queues a new run.
func (s *Service) Enqueue(ctx context.Context, req domain.EnqueueRequest) (*domain.Run, error) {
	req.User = strings.TrimSpace(req.User)
	budgets := usage.NormalizeBudgets(req.Budgets)

	if err := s.admit(ctx, req, budgets); err != nil {
		return nil, err
	}
	if len(req.Metadata) > 0 && !json.Valid(req.Metadata) {
		return nil, domain.Validationf("metadata must be valid JSON")
	}

	now := s.now().UTC()
	run := &domain.Run{
		ID:          "run_" + uuid.New().String(),
		User:        req.User,
		AgentID:     req.AgentID,
		RateVersion: req.RateVersion,
		Budgets:     budgets,
		Status:      domain.RunStatusPending,
		WorkflowID:  req.WorkflowID,
		Label:       req.Label,
		Metadata:    req.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Add(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	s.recordEvent(ctx, run.ID, domain.EventTypeRunEnqueued, map[string]interface{}{
		"user":        run.User,
		"agentId":     run.AgentID,
		"budgets":     run.Budgets,
		"rateVersion": run.RateVersion,
	})
	s.logger.Info("run enqueued", "run_id", run.ID, "agent_id", run.AgentID)
	return run.Clone(), nil
}

func (s *Service) admit(ctx context.Context, req domain.EnqueueRequest, budgets domain.Usage) error {
	if s.policy == nil {
		if req.User == "" {
			return domain.Validationf("user is required")
		}
		if req.AgentID == 0 {
			return domain.Validationf("agentId must be positive")
		}
		return nil
	}

	reasons, err := s.policy.Evaluate(ctx, policy.Input{
		User:    req.User,
		AgentID: req.AgentID,
		Budgets: policy.Budgets{
			LLMIn:     budgets.LLMIn,
			LLMOut:    budgets.LLMOut,
			HTTPCalls: budgets.HTTPCalls,
			RuntimeMs: budgets.RuntimeMs,
		},
		Limits: s.opts.Limits,
	})
	if err != nil {
		return fmt.Errorf("failed to evaluate admission policy: %w", err)
	}
	if len(reasons) > 0 {
		return domain.Validationf("run rejected: %s", strings.Join(reasons, "; "))
	}
	return nil
}

// Retry puts a failed run back in the queue at its original position.
func (s *Service) Retry(ctx context.Context, id string) (*domain.Run, error) {
	current, err := s.getRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != domain.RunStatusFailed {
		return nil, domain.InvalidStatef("run %s is %s, only failed runs can be retried", id, current.Status)
	}

	updated, err := s.store.Update(ctx, id, func(r *domain.Run) error {
		// Re-checked under the store's write so two retries cannot both apply.
		if r.Status != domain.RunStatusFailed {
			return domain.InvalidStatef("run %s is %s, only failed runs can be retried", id, r.Status)
		}
		r.Status = domain.RunStatusPending
		r.LedgerRunID = 0
		r.Usage = nil
		r.OutputHash = ""
		r.Receipt = nil
		r.Error = ""
		r.TransactionHashes = nil
		r.Retries++
		return nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.NotFoundf("run %s not found", id)
		}
		if errors.Is(err, domain.ErrInvalidState) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to retry run: %w", err)
	}

	s.recordEvent(ctx, id, domain.EventTypeRunRetried, map[string]interface{}{
		"retries":       updated.Retries,
		"previousError": current.Error,
	})
	s.logger.Info("run retried", "run_id", id, "retries", updated.Retries)
	return updated, nil
}

// GetRun returns a run by id.
func (s *Service) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	return s.getRun(ctx, id)
}

// ListRuns returns every run in insertion order.
func (s *Service) ListRuns(ctx context.Context) ([]*domain.Run, error) {
	runs, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// GetRunEvents returns up to limit audit events of a run, oldest first.
func (s *Service) GetRunEvents(ctx context.Context, id string, limit int) ([]domain.Event, error) {
	if _, err := s.getRun(ctx, id); err != nil {
		return nil, err
	}
	events, err := s.store.ListEvents(ctx, id, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	return events, nil
}

// Status returns the scheduler snapshot.
func (s *Service) Status(ctx context.Context) (*domain.StatusSnapshot, error) {
	depth, err := s.store.PendingCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count pending runs: %w", err)
	}
	active, lastTick := s.scheduler.snapshot()
	snap := &domain.StatusSnapshot{
		ActiveRunID: active,
		QueueDepth:  depth,
	}
	if !lastTick.IsZero() {
		snap.LastTickAt = &lastTick
	}
	return snap, nil
}

func (s *Service) getRun(ctx context.Context, id string) (*domain.Run, error) {
	run, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.NotFoundf("run %s not found", id)
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}
