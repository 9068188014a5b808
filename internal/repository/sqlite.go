package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/xiaot623/gogo/escrowrunner/internal/domain"
)

// dialect captures the few places sqlite and postgres disagree.
type dialect struct {
	driver     string
	seqColumn  string
	lockSuffix string
	rebind     func(string) string
}

var sqliteDialect = dialect{
	driver:    "sqlite3",
	seqColumn: "seq INTEGER PRIMARY KEY AUTOINCREMENT",
	rebind:    func(q string) string { return q },
}

// SQLStore implements Store on database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLStore, error) {
	db, err := sql.Open(sqliteDialect.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: concurrent shared-cache transactions fail with "database
	// table is locked" instead of waiting, and each in-memory connection is a
	// separate database. Callers queue on the pool.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return newSQLStore(db, sqliteDialect)
}

func newSQLStore(db *sql.DB, d dialect) (*SQLStore, error) {
	store := &SQLStore{db: db, dialect: d, now: time.Now}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// migrate runs database migrations.
func (s *SQLStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			` + s.dialect.seqColumn + `,
			id TEXT NOT NULL UNIQUE,
			user_addr TEXT NOT NULL,
			agent_id BIGINT NOT NULL,
			rate_version BIGINT NOT NULL DEFAULT 0,
			budgets TEXT NOT NULL,
			status TEXT NOT NULL,
			ledger_run_id BIGINT NOT NULL DEFAULT 0,
			retries INTEGER NOT NULL DEFAULT 0,
			usage TEXT NOT NULL DEFAULT '',
			output_hash TEXT NOT NULL DEFAULT '',
			receipt TEXT NOT NULL DEFAULT '',
			tx_hashes TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			workflow_id TEXT NOT NULL DEFAULT '',
			label TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status_seq ON runs(status, seq)`,
		`CREATE TABLE IF NOT EXISTS run_events (
			` + s.dialect.seqColumn + `,
			event_id TEXT NOT NULL UNIQUE,
			run_id TEXT NOT NULL,
			ts BIGINT NOT NULL,
			type TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_events_run ON run_events(run_id, seq)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

const runColumns = `id, user_addr, agent_id, rate_version, budgets, status, ledger_run_id, retries, usage, output_hash, receipt, tx_hashes, error, workflow_id, label, metadata, created_at, updated_at`

// Add inserts a new run.
func (s *SQLStore) Add(ctx context.Context, run *domain.Run) error {
	row, err := encodeRun(run)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, s.dialect.rebind(`SELECT 1 FROM runs WHERE id = ?`), run.ID).Scan(&exists)
	if err == nil {
		return ErrAlreadyExists
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	_, err = tx.ExecContext(ctx,
		s.dialect.rebind(`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		row.args()...)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return tx.Commit()
}

// Get retrieves a run by ID.
func (s *SQLStore) Get(ctx context.Context, id string) (*domain.Run, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT `+runColumns+` FROM runs WHERE id = ?`), id)
	return scanRun(row)
}

// List returns every run ordered by insertion.
func (s *SQLStore) List(ctx context.Context) ([]*domain.Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// NextPending returns the oldest pending run or nil.
func (s *SQLStore) NextPending(ctx context.Context) (*domain.Run, error) {
	row := s.db.QueryRowContext(ctx,
		s.dialect.rebind(`SELECT `+runColumns+` FROM runs WHERE status = ? ORDER BY seq ASC LIMIT 1`),
		string(domain.RunStatusPending))
	run, err := scanRun(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return run, err
}

// PendingCount counts runs waiting in the queue.
func (s *SQLStore) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		s.dialect.rebind(`SELECT COUNT(*) FROM runs WHERE status = ?`),
		string(domain.RunStatusPending)).Scan(&n)
	return n, err
}

// Update merges patch into the stored run.
func (s *SQLStore) Update(ctx context.Context, id string, patch Patch) (*domain.Run, error) {
	return s.update(ctx, id, nil, patch)
}

// UpdateStatus merges patch and forces the status.
func (s *SQLStore) UpdateStatus(ctx context.Context, id string, status domain.RunStatus, patch Patch) (*domain.Run, error) {
	return s.update(ctx, id, &status, patch)
}

func (s *SQLStore) update(ctx context.Context, id string, status *domain.RunStatus, patch Patch) (*domain.Run, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	current, err := scanRun(tx.QueryRowContext(ctx,
		s.dialect.rebind(`SELECT `+runColumns+` FROM runs WHERE id = ?`+s.dialect.lockSuffix), id))
	if err != nil {
		return nil, err
	}

	next, err := applyPatch(current, status, patch, s.now())
	if err != nil {
		return nil, err
	}
	row, err := encodeRun(next)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, s.dialect.rebind(`UPDATE runs SET
		rate_version = ?, budgets = ?, status = ?, ledger_run_id = ?, retries = ?, usage = ?,
		output_hash = ?, receipt = ?, tx_hashes = ?, error = ?, workflow_id = ?, label = ?,
		metadata = ?, updated_at = ?
		WHERE id = ?`),
		row.rateVersion, row.budgets, row.status, row.ledgerRunID, row.retries, row.usage,
		row.outputHash, row.receipt, row.txHashes, row.errMsg, row.workflowID, row.label,
		row.metadata, row.updatedAt, row.id)
	if err != nil {
		return nil, fmt.Errorf("failed to update run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return next, nil
}

// AppendEvent records an audit event.
func (s *SQLStore) AppendEvent(ctx context.Context, event *domain.Event) error {
	_, err := s.db.ExecContext(ctx,
		s.dialect.rebind(`INSERT INTO run_events (event_id, run_id, ts, type, payload) VALUES (?, ?, ?, ?, ?)`),
		event.EventID, event.RunID, event.Ts, string(event.Type), string(event.Payload))
	return err
}

// ListEvents retrieves events for a run in insertion order.
func (s *SQLStore) ListEvents(ctx context.Context, runID string, limit int) ([]domain.Event, error) {
	query := `SELECT event_id, run_id, ts, type, payload FROM run_events WHERE run_id = ? ORDER BY seq ASC`
	args := []interface{}{runID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var e domain.Event
		var eventType, payload string
		if err := rows.Scan(&e.EventID, &e.RunID, &e.Ts, &eventType, &payload); err != nil {
			return nil, err
		}
		e.Type = domain.EventType(eventType)
		if payload != "" {
			e.Payload = json.RawMessage(payload)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// runRow is the column form of a run.
type runRow struct {
	id, user, budgets, status, usage, outputHash, receipt, txHashes string
	errMsg, workflowID, label, metadata                             string
	agentID, rateVersion, ledgerRunID                               int64
	retries                                                         int
	createdAt, updatedAt                                            int64
}

func (r runRow) args() []interface{} {
	return []interface{}{
		r.id, r.user, r.agentID, r.rateVersion, r.budgets, r.status, r.ledgerRunID, r.retries,
		r.usage, r.outputHash, r.receipt, r.txHashes, r.errMsg, r.workflowID, r.label, r.metadata,
		r.createdAt, r.updatedAt,
	}
}

func encodeRun(run *domain.Run) (runRow, error) {
	budgets, err := json.Marshal(run.Budgets)
	if err != nil {
		return runRow{}, fmt.Errorf("failed to marshal budgets: %w", err)
	}
	row := runRow{
		id:          run.ID,
		user:        run.User,
		agentID:     int64(run.AgentID),
		rateVersion: int64(run.RateVersion),
		budgets:     string(budgets),
		status:      string(run.Status),
		ledgerRunID: int64(run.LedgerRunID),
		retries:     run.Retries,
		outputHash:  run.OutputHash,
		errMsg:      run.Error,
		workflowID:  run.WorkflowID,
		label:       run.Label,
		metadata:    string(run.Metadata),
		createdAt:   run.CreatedAt.UnixNano(),
		updatedAt:   run.UpdatedAt.UnixNano(),
	}
	if row.usage, err = marshalOptional(run.Usage); err != nil {
		return runRow{}, err
	}
	if row.receipt, err = marshalOptional(run.Receipt); err != nil {
		return runRow{}, err
	}
	if len(run.TransactionHashes) > 0 {
		if row.txHashes, err = marshalOptional(&run.TransactionHashes); err != nil {
			return runRow{}, err
		}
	}
	return row, nil
}

func marshalOptional[T any](v *T) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(sc rowScanner) (*domain.Run, error) {
	var r runRow
	err := sc.Scan(&r.id, &r.user, &r.agentID, &r.rateVersion, &r.budgets, &r.status, &r.ledgerRunID, &r.retries,
		&r.usage, &r.outputHash, &r.receipt, &r.txHashes, &r.errMsg, &r.workflowID, &r.label, &r.metadata,
		&r.createdAt, &r.updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	run := &domain.Run{
		ID:          r.id,
		User:        r.user,
		AgentID:     uint32(r.agentID),
		RateVersion: uint32(r.rateVersion),
		Status:      domain.RunStatus(r.status),
		LedgerRunID: uint64(r.ledgerRunID),
		Retries:     r.retries,
		OutputHash:  r.outputHash,
		Error:       r.errMsg,
		WorkflowID:  r.workflowID,
		Label:       r.label,
		CreatedAt:   time.Unix(0, r.createdAt),
		UpdatedAt:   time.Unix(0, r.updatedAt),
	}
	if err := json.Unmarshal([]byte(r.budgets), &run.Budgets); err != nil {
		return nil, fmt.Errorf("failed to decode budgets: %w", err)
	}
	if r.usage != "" {
		run.Usage = &domain.Usage{}
		if err := json.Unmarshal([]byte(r.usage), run.Usage); err != nil {
			return nil, fmt.Errorf("failed to decode usage: %w", err)
		}
	}
	if r.receipt != "" {
		run.Receipt = &domain.Receipt{}
		if err := json.Unmarshal([]byte(r.receipt), run.Receipt); err != nil {
			return nil, fmt.Errorf("failed to decode receipt: %w", err)
		}
	}
	if r.txHashes != "" {
		if err := json.Unmarshal([]byte(r.txHashes), &run.TransactionHashes); err != nil {
			return nil, fmt.Errorf("failed to decode transaction hashes: %w", err)
		}
	}
	if r.metadata != "" {
		run.Metadata = json.RawMessage(r.metadata)
	}
	return run, nil
}
