package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xiaot623/gogo/escrowrunner/internal/adapter/ledger"
	"github.com/xiaot623/gogo/escrowrunner/internal/domain"
	"github.com/xiaot623/gogo/escrowrunner/internal/usage"
)

// progress is what the pipeline has learned about a run so far.
type progress struct {
	rateVersion uint32
	ledgerRunID uint64
	hashes      map[domain.TxKind]string
}

func (p *progress) hashesCopy() map[domain.TxKind]string {
	out := make(map[domain.TxKind]string, len(p.hashes))
	for k, v := range p.hashes {
		out[k] = v
	}
	return out
}

// storeError marks a registry failure inside the pipeline.
type storeError struct {
	err error
}

func (e *storeError) Error() string { return e.err.Error() }
func (e *storeError) Unwrap() error { return e.err }

// compensationOutput is the payload hashed for a zero-usage finalize.
type compensationOutput struct {
	RunID  uint64 `json:"runId"`
	Status string `json:"status"`
	Error  string `json:"error"`
}

// ProcessRun drives a pending run to finalized or failed. Ledger, signer and
// workload failures are absorbed into the run record; only registry errors
// are returned.
func (s *Service) ProcessRun(ctx context.Context, run *domain.Run) error {
	if run == nil {
		return errors.New("run is required")
	}
	if run.Status != domain.RunStatusPending {
		return domain.InvalidStatef("run %s is %s, not pending", run.ID, run.Status)
	}

	logger := s.logger.With("run_id", run.ID)
	prog := &progress{hashes: make(map[domain.TxKind]string)}

	current, err := s.store.UpdateStatus(ctx, run.ID, domain.RunStatusOpening, nil)
	if err != nil {
		return fmt.Errorf("mark opening: %w", err)
	}
	s.recordEvent(ctx, run.ID, domain.EventTypeRunOpening, map[string]interface{}{
		"retries": current.Retries,
	})

	stepErr := s.advance(ctx, current, prog)
	if stepErr == nil {
		return nil
	}

	logger.Warn("run step failed", "error", stepErr, "ledger_run_id", prog.ledgerRunID)
	failErr := s.fail(ctx, current, prog, stepErr)

	var se *storeError
	if errors.As(stepErr, &se) {
		return errors.Join(se.err, failErr)
	}
	return failErr
}

func (s *Service) advance(ctx context.Context, run *domain.Run, prog *progress) error {
	var err error

	prog.rateVersion = s.resolveRateVersion(ctx, run)
	run, err = s.store.Update(ctx, run.ID, func(r *domain.Run) error {
		r.RateVersion = prog.rateVersion
		return nil
	})
	if err != nil {
		return &storeError{err: fmt.Errorf("persist rate version: %w", err)}
	}

	if err := s.open(ctx, run, prog); err != nil {
		return err
	}
	run, err = s.store.UpdateStatus(ctx, run.ID, domain.RunStatusRunning, func(r *domain.Run) error {
		r.LedgerRunID = prog.ledgerRunID
		r.TransactionHashes = prog.hashesCopy()
		return nil
	})
	if err != nil {
		return &storeError{err: fmt.Errorf("mark running: %w", err)}
	}
	s.recordEvent(ctx, run.ID, domain.EventTypeRunOpened, map[string]interface{}{
		"ledgerRunId": prog.ledgerRunID,
		"txHash":      prog.hashes[domain.TxKindOpen],
	})

	result, err := s.execute(ctx, run)
	if err != nil {
		return err
	}
	outputHash := usage.DigestHex(result.Output)
	if s.archive != nil {
		archiveCtx, cancel := s.ledgerContext(ctx)
		err := s.archive.Put(archiveCtx, run.ID, outputHash, result.Output)
		cancel()
		if err != nil {
			return fmt.Errorf("archive output: %w", err)
		}
	}

	used := result.Usage
	run, err = s.store.UpdateStatus(ctx, run.ID, domain.RunStatusFinalizing, func(r *domain.Run) error {
		r.Usage = &used
		r.OutputHash = outputHash
		r.TransactionHashes = prog.hashesCopy()
		return nil
	})
	if err != nil {
		return &storeError{err: fmt.Errorf("mark finalizing: %w", err)}
	}
	s.recordEvent(ctx, run.ID, domain.EventTypeWorkloadDone, map[string]interface{}{
		"usage":      used,
		"outputHash": outputHash,
	})

	receipt, err := s.finalize(ctx, prog, used, outputHash)
	if err != nil {
		return err
	}
	_, err = s.store.UpdateStatus(ctx, run.ID, domain.RunStatusFinalized, func(r *domain.Run) error {
		r.Receipt = receipt
		r.TransactionHashes = prog.hashesCopy()
		return nil
	})
	if err != nil {
		return &storeError{err: fmt.Errorf("mark finalized: %w", err)}
	}
	s.recordEvent(ctx, run.ID, domain.EventTypeRunFinalized, receipt)
	s.logger.Info("run finalized", "run_id", run.ID, "ledger_run_id", prog.ledgerRunID,
		"actual_charge", receipt.ActualCharge, "refund", receipt.Refund)
	return nil
}

// resolveRateVersion reuses a persisted version, else asks the registry and
// falls back to version 1 when the lookup fails.
func (s *Service) resolveRateVersion(ctx context.Context, run *domain.Run) uint32 {
	if run.RateVersion > 0 {
		s.recordEvent(ctx, run.ID, domain.EventTypeRateVersionResolved, map[string]interface{}{
			"rateVersion": run.RateVersion, "source": "run",
		})
		return run.RateVersion
	}

	callCtx, cancel := s.ledgerContext(ctx)
	defer cancel()
	version, err := s.gateway.LatestRateVersion(callCtx, run.AgentID)
	if err == nil && version == 0 {
		err = errors.New("registry returned rate version 0")
	}
	if err != nil {
		s.logger.Debug("rate version lookup failed, using version 1", "run_id", run.ID, "agent_id", run.AgentID, "error", err)
		s.recordEvent(ctx, run.ID, domain.EventTypeRateVersionResolved, map[string]interface{}{
			"rateVersion": 1, "source": "fallback", "error": err.Error(),
		})
		return 1
	}
	s.recordEvent(ctx, run.ID, domain.EventTypeRateVersionResolved, map[string]interface{}{
		"rateVersion": version, "source": "ledger",
	})
	return version
}

func (s *Service) open(ctx context.Context, run *domain.Run, prog *progress) error {
	callCtx, cancel := s.ledgerContext(ctx)
	defer cancel()

	env, err := s.gateway.OpenRun(callCtx, ledger.OpenRunParams{
		User:        run.User,
		Caller:      s.transactor.Address(),
		AgentID:     run.AgentID,
		RateVersion: prog.rateVersion,
		Budgets:     ledger.BreakdownOf(run.Budgets),
	})
	if err != nil {
		return fmt.Errorf("open run: %w", err)
	}
	sub, err := s.transactor.SignAndSubmit(callCtx, env)
	if err != nil {
		return fmt.Errorf("open run: %w", err)
	}
	prog.hashes[domain.TxKindOpen] = sub.Hash

	id, err := ledger.DecodeOpenResult(sub.Result)
	if err != nil {
		return fmt.Errorf("open run: %w", err)
	}
	prog.ledgerRunID = id
	return nil
}

func (s *Service) execute(ctx context.Context, run *domain.Run) (*usage.Result, error) {
	workCtx, cancel := withTimeout(ctx, s.opts.WorkloadTimeout)
	defer cancel()

	result, err := s.meter.Execute(workCtx, run.Clone())
	if err != nil {
		return nil, fmt.Errorf("execute workload: %w", err)
	}
	if result == nil || len(result.Output) == 0 {
		return nil, errors.New("execute workload: empty output")
	}
	u := result.Usage
	if u.LLMIn < 0 || u.LLMOut < 0 || u.HTTPCalls < 0 || u.RuntimeMs < 0 {
		return nil, fmt.Errorf("execute workload: negative usage %+v", u)
	}
	if !u.Within(run.Budgets) {
		return nil, fmt.Errorf("execute workload: usage %+v exceeds budgets %+v", u, run.Budgets)
	}
	return result, nil
}

// finalize settles the escrow for used and returns the normalized receipt.
func (s *Service) finalize(ctx context.Context, prog *progress, used domain.Usage, outputHash string) (*domain.Receipt, error) {
	callCtx, cancel := s.ledgerContext(ctx)
	defer cancel()

	env, err := s.gateway.FinalizeRun(callCtx, ledger.FinalizeRunParams{
		RunID:       prog.ledgerRunID,
		Runner:      s.transactor.Address(),
		RateVersion: prog.rateVersion,
		Usage:       ledger.BreakdownOf(used),
		OutputHash:  outputHash,
	})
	if err != nil {
		return nil, fmt.Errorf("finalize run: %w", err)
	}
	sub, err := s.transactor.SignAndSubmit(callCtx, env)
	if err != nil {
		return nil, fmt.Errorf("finalize run: %w", err)
	}
	prog.hashes[domain.TxKindFinalize] = sub.Hash

	res, err := ledger.DecodeFinalizeResult(sub.Result)
	if err != nil {
		return nil, fmt.Errorf("finalize run: %w", err)
	}
	if res.RunID != prog.ledgerRunID {
		return nil, fmt.Errorf("finalize run: ledger settled run %d, want %d", res.RunID, prog.ledgerRunID)
	}
	return &domain.Receipt{
		LedgerRunID:  res.RunID,
		ActualCharge: res.ActualCharge.String(),
		Refund:       res.Refund.String(),
		Developer:    res.Developer,
		OutputHash:   outputHash,
		FinalizedAt:  s.now().UTC(),
	}, nil
}

// fail ends the run after stepErr, settling it with zero usage when the escrow
// is open and finalize on error is enabled.
func (s *Service) fail(ctx context.Context, run *domain.Run, prog *progress, stepErr error) error {
	msg := stepErr.Error()

	if prog.ledgerRunID != 0 && s.opts.FinalizeOnError {
		receipt, outputHash, err := s.compensate(ctx, prog, msg)
		if err == nil {
			_, err = s.store.UpdateStatus(ctx, run.ID, domain.RunStatusFinalized, func(r *domain.Run) error {
				r.LedgerRunID = prog.ledgerRunID
				r.Usage = &domain.Usage{}
				r.OutputHash = outputHash
				r.Receipt = receipt
				r.TransactionHashes = prog.hashesCopy()
				r.Error = msg
				return nil
			})
			if err != nil {
				return fmt.Errorf("mark compensated: %w", err)
			}
			s.recordEvent(ctx, run.ID, domain.EventTypeRunCompensated, map[string]interface{}{
				"error":   msg,
				"receipt": receipt,
			})
			s.logger.Info("run compensated with zero usage", "run_id", run.ID, "ledger_run_id", prog.ledgerRunID, "refund", receipt.Refund)
			return nil
		}
		s.logger.Error("compensating finalize failed", "run_id", run.ID, "ledger_run_id", prog.ledgerRunID, "error", err)
		s.recordEvent(ctx, run.ID, domain.EventTypeRunFailed, map[string]interface{}{
			"stage": "compensation",
			"error": err.Error(),
		})
	}

	_, err := s.store.UpdateStatus(ctx, run.ID, domain.RunStatusFailed, func(r *domain.Run) error {
		r.LedgerRunID = prog.ledgerRunID
		r.Receipt = nil
		r.TransactionHashes = prog.hashesCopy()
		r.Error = msg
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	s.recordEvent(ctx, run.ID, domain.EventTypeRunFailed, map[string]interface{}{
		"error":       msg,
		"ledgerRunId": prog.ledgerRunID,
	})
	return nil
}

func (s *Service) compensate(ctx context.Context, prog *progress, msg string) (*domain.Receipt, string, error) {
	payload, err := json.Marshal(compensationOutput{
		RunID:  prog.ledgerRunID,
		Status: "aborted",
		Error:  msg,
	})
	if err != nil {
		return nil, "", err
	}
	outputHash := usage.DigestHex(payload)
	receipt, err := s.finalize(ctx, prog, domain.Usage{}, outputHash)
	if err != nil {
		return nil, "", err
	}
	return receipt, outputHash, nil
}

// abandon runs the failure path for a run whose pipeline panicked, using
// whatever progress was checkpointed in the registry.
func (s *Service) abandon(ctx context.Context, runID string, cause error) error {
	run, err := s.store.Get(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}
	if !run.Status.InFlight() {
		return nil
	}
	prog := &progress{
		rateVersion: run.RateVersion,
		ledgerRunID: run.LedgerRunID,
		hashes:      run.TransactionHashes,
	}
	if prog.hashes == nil {
		prog.hashes = make(map[domain.TxKind]string)
	}
	return s.fail(ctx, run, prog, cause)
}

// RecoverInFlight sends every run left opening, running or finalizing by an
// earlier process through the failure path. It returns the number of runs
// recovered.
func (s *Service) RecoverInFlight(ctx context.Context) (int, error) {
	runs, err := s.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list runs: %w", err)
	}

	var (
		recovered int
		errs      []error
	)
	for _, run := range runs {
		if !run.Status.InFlight() {
			continue
		}
		s.logger.Warn("recovering interrupted run", "run_id", run.ID, "status", run.Status, "ledger_run_id", run.LedgerRunID)
		cause := fmt.Errorf("run interrupted while %s", run.Status)
		if err := s.abandon(ctx, run.ID, cause); err != nil {
			errs = append(errs, fmt.Errorf("recover run %s: %w", run.ID, err))
			continue
		}
		recovered++
	}
	return recovered, errors.Join(errs...)
}
