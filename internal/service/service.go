package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/xiaot623/gogo/escrowrunner/internal/adapter/archive"
	"github.com/xiaot623/gogo/escrowrunner/internal/adapter/ledger"
	"github.com/xiaot623/gogo/escrowrunner/internal/domain"
	"github.com/xiaot623/gogo/escrowrunner/internal/repository"
	"github.com/xiaot623/gogo/escrowrunner/internal/signer"
	"github.com/xiaot623/gogo/escrowrunner/internal/usage"
	"github.com/xiaot623/gogo/escrowrunner/policy"
)

// Options tune the run pipeline.
type Options struct {
	FinalizeOnError   bool
	LedgerCallTimeout time.Duration
	WorkloadTimeout   time.Duration
	PollInterval      time.Duration
	Limits            policy.Limits
}

// Deps are the collaborators of the Service. Archive and Policy are optional.
type Deps struct {
	Store      repository.Store
	Gateway    ledger.Gateway
	Transactor *signer.Transactor
	Meter      usage.Meter
	Archive    archive.Archive
	Policy     *policy.Engine
	Logger     *slog.Logger
}

// Service drives runs through the escrow pipeline.
type Service struct {
	store      repository.Store
	gateway    ledger.Gateway
	transactor *signer.Transactor
	meter      usage.Meter
	archive    archive.Archive
	policy     *policy.Engine
	opts       Options
	logger     *slog.Logger
	now        func() time.Time

	scheduler *Scheduler
}

func New(deps Deps, opts Options) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	s := &Service{
		store:      deps.Store,
		gateway:    deps.Gateway,
		transactor: deps.Transactor,
		meter:      deps.Meter,
		archive:    deps.Archive,
		policy:     deps.Policy,
		opts:       opts,
		logger:     logger.With("component", "service"),
		now:        time.Now,
	}
	s.scheduler = newScheduler(s, opts.PollInterval, logger.With("component", "scheduler"))
	return s
}

// Scheduler returns the single scheduler that feeds ProcessRun.
func (s *Service) Scheduler() *Scheduler {
	return s.scheduler
}

// recordEvent appends an audit event. Failures are logged and never fail the caller.
func (s *Service) recordEvent(ctx context.Context, runID string, eventType domain.EventType, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("failed to marshal event payload", "run_id", runID, "type", eventType, "error", err)
		return
	}
	event := &domain.Event{
		EventID: "evt_" + uuid.New().String(),
		RunID:   runID,
		Ts:      s.now().UnixMilli(),
		Type:    eventType,
		Payload: data,
	}
	if err := s.store.AppendEvent(ctx, event); err != nil {
		s.logger.Warn("failed to record event", "run_id", runID, "type", eventType, "error", err)
	}
}

func (s *Service) ledgerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return withTimeout(ctx, s.opts.LedgerCallTimeout)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
