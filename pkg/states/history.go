package states

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/terrane-io/terrane/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// RunRecord is one persisted plan, apply, or destroy invocation.
type RunRecord struct {
	ID          string              `json:"id"`
	Command     string              `json:"command"`
	Status      engine.RunStatus    `json:"status"`
	StartedAt   time.Time           `json:"started_at"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
	Error       *string             `json:"error,omitempty"`
	Summary     engine.ApplySummary `json:"summary"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// OperationRecord is one persisted node-level operation within a run.
type OperationRecord struct {
	ID              string                 `json:"id"`
	RunID           string                 `json:"run_id"`
	Position        int                    `json:"position"`
	Node            string                 `json:"node"`
	Action          engine.Action          `json:"action"`
	Status          engine.OperationStatus `json:"status"`
	Error           *string                `json:"error,omitempty"`
	ProvisionOutput *string                `json:"provision_output,omitempty"`
	Retries         int                    `json:"retries"`
	StartedAt       *time.Time             `json:"started_at,omitempty"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
}

// EventRecord is one row of the append-only run event log.
type EventRecord struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Node      *string   `json:"node,omitempty"`
	Type      string    `json:"type"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEventRecord converts an apply lifecycle event into its history row.
func NewEventRecord(event *engine.ApplyEvent) *EventRecord {
	record := &EventRecord{
		RunID:     event.RunID,
		Type:      string(event.Type),
		Level:     event.Level,
		Message:   event.Message,
		Timestamp: event.Timestamp,
	}
	if event.Node != "" {
		node := event.Node
		record.Node = &node
	}
	return record
}

// OperationRecords flattens the per-node outcomes of a finished run into
// history rows, preserving plan order.
func OperationRecords(plan *engine.Plan, result *engine.ApplyResult) []*OperationRecord {
	now := time.Now().UTC()
	records := make([]*OperationRecord, 0, len(plan.Operations))
	for i, op := range plan.Operations {
		record := &OperationRecord{
			ID:        op.ID,
			RunID:     result.RunID,
			Position:  i,
			Node:      op.Addr.String(),
			Action:    op.Action,
			Status:    engine.OperationPending,
			CreatedAt: now,
		}
		if res, ok := result.Results[op.Addr.String()]; ok {
			record.Status = res.Status
			record.Retries = res.Retries
			if res.Error != nil {
				msg := res.Error.Error()
				record.Error = &msg
			}
			if res.ProvisionOutput != "" {
				output := res.ProvisionOutput
				record.ProvisionOutput = &output
			}
			if !res.StartedAt.IsZero() {
				started := res.StartedAt
				record.StartedAt = &started
			}
			if !res.CompletedAt.IsZero() {
				completed := res.CompletedAt
				record.CompletedAt = &completed
			}
		}
		records = append(records, record)
	}
	return records
}

// HistoryStore persists run history in SQLite: a row per run, a row per
// node-level operation, and an append-only event log.
type HistoryStore struct {
	db   *sql.DB
	path string

	maxOpenConns    int
	maxIdleConns    int
	connMaxLifetime time.Duration
}

// HistoryConfig holds history store configuration.
type HistoryConfig struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewHistoryStore creates a history store for the given database path. The
// store holds no connection until Init.
func NewHistoryStore(cfg HistoryConfig) (*HistoryStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("history database path is required")
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &HistoryStore{
		path:            cfg.Path,
		maxOpenConns:    cfg.MaxOpenConns,
		maxIdleConns:    cfg.MaxIdleConns,
		connMaxLifetime: cfg.ConnMaxLifetime,
	}, nil
}

// Init opens the database and configures the connection pool. Pragmas ride
// on the DSN so every pooled connection gets foreign keys, WAL journaling,
// and a busy timeout, not only the first one.
func (s *HistoryStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("opening history database: %w", err)
	}

	db.SetMaxOpenConns(s.maxOpenConns)
	db.SetMaxIdleConns(s.maxIdleConns)
	db.SetConnMaxLifetime(s.connMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("pinging history database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *HistoryStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate brings the schema up to date from the embedded migration files.
func (s *HistoryStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("history database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("creating migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("running migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is alive.
func (s *HistoryStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("history database not initialized")
	}
	return s.db.PingContext(ctx)
}

// CreateRun inserts a new run row.
func (s *HistoryStore) CreateRun(ctx context.Context, run *RunRecord) error {
	query := `
		INSERT INTO runs (id, command, status, started_at, completed_at, error,
			total, applied, failed, blocked, tainted, aborted,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.Command,
		run.Status,
		run.StartedAt,
		run.CompletedAt,
		run.Error,
		run.Summary.Total,
		run.Summary.Applied,
		run.Summary.Failed,
		run.Summary.Blocked,
		run.Summary.Tainted,
		run.Summary.Aborted,
		run.CreatedAt,
		run.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("creating run: %w", err)
	}

	return nil
}

// GetRun retrieves a run by ID.
func (s *HistoryStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	query := `
		SELECT id, command, status, started_at, completed_at, error,
			total, applied, failed, blocked, tainted, aborted,
			created_at, updated_at
		FROM runs
		WHERE id = ?
	`

	run := &RunRecord{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&run.ID,
		&run.Command,
		&run.Status,
		&run.StartedAt,
		&run.CompletedAt,
		&run.Error,
		&run.Summary.Total,
		&run.Summary.Applied,
		&run.Summary.Failed,
		&run.Summary.Blocked,
		&run.Summary.Tainted,
		&run.Summary.Aborted,
		&run.CreatedAt,
		&run.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting run: %w", err)
	}

	return run, nil
}

// FinishRun records the terminal status, error, and summary counts of a
// run. The completion timestamp is set when the status is terminal.
func (s *HistoryStore) FinishRun(ctx context.Context, id string, status engine.RunStatus, errMsg *string, summary engine.ApplySummary) error {
	query := `
		UPDATE runs
		SET status = ?, error = ?, completed_at = ?,
			total = ?, applied = ?, failed = ?, blocked = ?, tainted = ?, aborted = ?,
			updated_at = ?
		WHERE id = ?
	`

	now := time.Now().UTC()
	var completedAt *time.Time
	if status.IsTerminal() {
		completedAt = &now
	}

	result, err := s.db.ExecContext(ctx, query,
		status,
		errMsg,
		completedAt,
		summary.Total,
		summary.Applied,
		summary.Failed,
		summary.Blocked,
		summary.Tainted,
		summary.Aborted,
		now,
		id,
	)
	if err != nil {
		return fmt.Errorf("finishing run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run not found: %s", id)
	}

	return nil
}

// ListRuns lists runs newest first with pagination.
func (s *HistoryStore) ListRuns(ctx context.Context, limit, offset int) ([]*RunRecord, error) {
	query := `
		SELECT id, command, status, started_at, completed_at, error,
			total, applied, failed, blocked, tainted, aborted,
			created_at, updated_at
		FROM runs
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	runs := []*RunRecord{}
	for rows.Next() {
		run := &RunRecord{}
		err := rows.Scan(
			&run.ID,
			&run.Command,
			&run.Status,
			&run.StartedAt,
			&run.CompletedAt,
			&run.Error,
			&run.Summary.Total,
			&run.Summary.Applied,
			&run.Summary.Failed,
			&run.Summary.Blocked,
			&run.Summary.Tainted,
			&run.Summary.Aborted,
			&run.CreatedAt,
			&run.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating runs: %w", err)
	}

	return runs, nil
}

// DeleteRun removes a run and, through cascading deletes, its operations
// and events.
func (s *HistoryStore) DeleteRun(ctx context.Context, id string) error {
	query := `DELETE FROM runs WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("deleting run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run not found: %s", id)
	}

	return nil
}

// RecordOperations inserts the per-node rows of a run in one transaction.
func (s *HistoryStore) RecordOperations(ctx context.Context, records []*OperationRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO operations (id, run_id, position, node, action, status,
			error, provision_output, retries, started_at, completed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	for _, record := range records {
		_, err := tx.ExecContext(ctx, query,
			record.ID,
			record.RunID,
			record.Position,
			record.Node,
			record.Action,
			record.Status,
			record.Error,
			record.ProvisionOutput,
			record.Retries,
			record.StartedAt,
			record.CompletedAt,
			record.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("recording operation %s: %w", record.Node, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing operations: %w", err)
	}

	return nil
}

// ListOperations lists the operations of a run in plan order.
func (s *HistoryStore) ListOperations(ctx context.Context, runID string) ([]*OperationRecord, error) {
	query := `
		SELECT id, run_id, position, node, action, status,
			error, provision_output, retries, started_at, completed_at, created_at
		FROM operations
		WHERE run_id = ?
		ORDER BY position ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	defer rows.Close()

	records := []*OperationRecord{}
	for rows.Next() {
		record := &OperationRecord{}
		err := rows.Scan(
			&record.ID,
			&record.RunID,
			&record.Position,
			&record.Node,
			&record.Action,
			&record.Status,
			&record.Error,
			&record.ProvisionOutput,
			&record.Retries,
			&record.StartedAt,
			&record.CompletedAt,
			&record.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning operation: %w", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating operations: %w", err)
	}

	return records, nil
}

// AppendEvent appends an event to the run log and fills in its generated
// ID.
func (s *HistoryStore) AppendEvent(ctx context.Context, event *EventRecord) error {
	query := `
		INSERT INTO events (run_id, node, type, level, message, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.RunID,
		event.Node,
		event.Type,
		event.Level,
		event.Message,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("appending event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading event ID: %w", err)
	}

	event.ID = id
	return nil
}

// ListEvents retrieves events in insertion order with optional filters and
// pagination. Nil filters match everything.
func (s *HistoryStore) ListEvents(ctx context.Context, runID *string, node *string, level *string, limit, offset int) ([]*EventRecord, error) {
	query := `
		SELECT id, run_id, node, type, level, message, timestamp
		FROM events
		WHERE (? IS NULL OR run_id = ?)
		  AND (? IS NULL OR node = ?)
		  AND (? IS NULL OR level = ?)
		ORDER BY id ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, runID, runID, node, node, level, level, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close()

	events := []*EventRecord{}
	for rows.Next() {
		event := &EventRecord{}
		err := rows.Scan(
			&event.ID,
			&event.RunID,
			&event.Node,
			&event.Type,
			&event.Level,
			&event.Message,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}

	return events, nil
}
