package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/artpar/deployagent/internal/core/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// =============================================================================
// Executor Interface - Shared by DB and Transaction
// =============================================================================

// executor abstracts database operations that can be performed on both
// a database connection and a transaction.
type executor interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore creates a new SQLite store and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	db, err := sqlx.Open("sqlite3", dsn+sep+"_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to open database", ErrConnectionFailed)
	}
	// One connection: SQLite serializes writers anyway, and an in-memory
	// database exists per connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	return createDeployment(ctx, s.db, deployment)
}

func (s *SQLiteStore) UpdateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	return updateDeployment(ctx, s.db, deployment)
}

func (s *SQLiteStore) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	return getDeployment(ctx, s.db, id)
}

func (s *SQLiteStore) ListDeployments(ctx context.Context, opts ListOptions) ([]domain.Deployment, error) {
	return listDeployments(ctx, s.db, opts)
}

func (s *SQLiteStore) SaveTargetOutcomes(ctx context.Context, deploymentID string, outcomes []domain.TargetOutcome) error {
	return s.WithTx(ctx, func(tx Store) error {
		return tx.SaveTargetOutcomes(ctx, deploymentID, outcomes)
	})
}

func (s *SQLiteStore) SaveLog(ctx context.Context, deploymentID string, entries []domain.LogEntry) error {
	return s.WithTx(ctx, func(tx Store) error {
		return tx.SaveLog(ctx, deploymentID, entries)
	})
}

func (s *SQLiteStore) GetLog(ctx context.Context, deploymentID string) ([]domain.LogEntry, error) {
	return getLog(ctx, s.db, deploymentID)
}

// =============================================================================
// Transaction Support
// =============================================================================

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return NewStoreError("WithTx", "", "", fmt.Sprintf("failed to begin transaction: %v", err), fmt.Errorf("%w: %w", ErrTxFailed, err))
	}

	txS := &txSQLiteStore{tx: tx}

	if err := fn(txS); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return NewStoreError("WithTx", "", "", fmt.Sprintf("rollback failed after error: %v: %v", err, rbErr), fmt.Errorf("%w: %w", ErrTxFailed, err))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return NewStoreError("WithTx", "", "", fmt.Sprintf("failed to commit transaction: %v", err), fmt.Errorf("%w: %w", ErrTxFailed, err))
	}

	return nil
}

// =============================================================================
// Transaction Store
// =============================================================================

// txSQLiteStore implements Store within a transaction.
type txSQLiteStore struct {
	tx *sqlx.Tx
}

func (s *txSQLiteStore) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	return createDeployment(ctx, s.tx, deployment)
}

func (s *txSQLiteStore) UpdateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	return updateDeployment(ctx, s.tx, deployment)
}

func (s *txSQLiteStore) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	return getDeployment(ctx, s.tx, id)
}

func (s *txSQLiteStore) ListDeployments(ctx context.Context, opts ListOptions) ([]domain.Deployment, error) {
	return listDeployments(ctx, s.tx, opts)
}

func (s *txSQLiteStore) SaveTargetOutcomes(ctx context.Context, deploymentID string, outcomes []domain.TargetOutcome) error {
	return saveTargetOutcomes(ctx, s.tx, deploymentID, outcomes)
}

func (s *txSQLiteStore) SaveLog(ctx context.Context, deploymentID string, entries []domain.LogEntry) error {
	return saveLog(ctx, s.tx, deploymentID, entries)
}

func (s *txSQLiteStore) GetLog(ctx context.Context, deploymentID string) ([]domain.LogEntry, error) {
	return getLog(ctx, s.tx, deploymentID)
}

func (s *txSQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	// Already in a transaction, just execute the function
	return fn(s)
}

func (s *txSQLiteStore) Close() error {
	// No-op for transaction store
	return nil
}

// =============================================================================
// Deployment Operations
// =============================================================================

// deploymentRow represents a deployment row in the database.
type deploymentRow struct {
	ID             string  `db:"id"`
	DeploymentType string  `db:"deployment_type"`
	Repository     string  `db:"repository"`
	Status         string  `db:"status"`
	CommitHash     string  `db:"commit_hash"`
	Summary        string  `db:"summary"`
	TargetCount    int     `db:"target_count"`
	ErrorMessage   string  `db:"error_message"`
	CreatedAt      string  `db:"created_at"`
	UpdatedAt      string  `db:"updated_at"`
	StartedAt      *string `db:"started_at"`
	FinishedAt     *string `db:"finished_at"`
}

func deploymentToRow(d *domain.Deployment) map[string]any {
	return map[string]any{
		"id":              d.ID,
		"deployment_type": d.DeploymentType,
		"repository":      d.Repository,
		"status":          string(d.Status),
		"commit_hash":     d.Commit,
		"summary":         d.Summary,
		"target_count":    d.TargetCount,
		"error_message":   d.ErrorMessage,
		"created_at":      formatTime(d.CreatedAt),
		"updated_at":      formatTime(d.UpdatedAt),
		"started_at":      formatTimePtr(d.StartedAt),
		"finished_at":     formatTimePtr(d.FinishedAt),
	}
}

func createDeployment(ctx context.Context, exec executor, deployment *domain.Deployment) error {
	if deployment.ID == "" {
		return NewStoreError("CreateDeployment", "deployment", "", "deployment ID is required", ErrInvalidData)
	}

	query := `
		INSERT INTO deployments (
			id, deployment_type, repository, status, commit_hash, summary,
			target_count, error_message, created_at, updated_at, started_at, finished_at
		) VALUES (
			:id, :deployment_type, :repository, :status, :commit_hash, :summary,
			:target_count, :error_message, :created_at, :updated_at, :started_at, :finished_at
		)`

	_, err := exec.NamedExecContext(ctx, query, deploymentToRow(deployment))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: deployments.id") {
			return NewStoreError("CreateDeployment", "deployment", deployment.ID, "deployment with this ID already exists", ErrDuplicateID)
		}
		return NewStoreError("CreateDeployment", "deployment", deployment.ID, err.Error(), err)
	}

	return nil
}

func updateDeployment(ctx context.Context, exec executor, deployment *domain.Deployment) error {
	query := `
		UPDATE deployments SET
			deployment_type = :deployment_type,
			repository = :repository,
			status = :status,
			commit_hash = :commit_hash,
			summary = :summary,
			target_count = :target_count,
			error_message = :error_message,
			updated_at = :updated_at,
			started_at = :started_at,
			finished_at = :finished_at
		WHERE id = :id`

	result, err := exec.NamedExecContext(ctx, query, deploymentToRow(deployment))
	if err != nil {
		return NewStoreError("UpdateDeployment", "deployment", deployment.ID, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("UpdateDeployment", "deployment", deployment.ID, "deployment not found", ErrNotFound)
	}

	return nil
}

func getDeployment(ctx context.Context, exec executor, id string) (*domain.Deployment, error) {
	query := `SELECT * FROM deployments WHERE id = ?`

	var row deploymentRow
	err := exec.GetContext(ctx, &row, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetDeployment", "deployment", id, "deployment not found", ErrNotFound)
		}
		return nil, NewStoreError("GetDeployment", "deployment", id, err.Error(), err)
	}

	deployment := rowToDeployment(&row)

	targets, err := listTargetOutcomes(ctx, exec, id)
	if err != nil {
		return nil, err
	}
	deployment.Targets = targets

	return deployment, nil
}

func listDeployments(ctx context.Context, exec executor, opts ListOptions) ([]domain.Deployment, error) {
	opts = opts.Normalize()

	var (
		where []string
		args  []any
	)
	if opts.Repository != "" {
		where = append(where, "repository = ?")
		args = append(args, opts.Repository)
	}
	if opts.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(opts.Status))
	}

	query := `SELECT * FROM deployments`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, opts.Limit, opts.Offset)

	var rows []deploymentRow
	if err := exec.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, NewStoreError("ListDeployments", "deployment", "", err.Error(), err)
	}

	deployments := make([]domain.Deployment, 0, len(rows))
	for _, row := range rows {
		deployments = append(deployments, *rowToDeployment(&row))
	}

	return deployments, nil
}

// rowToDeployment converts a database row to a domain.Deployment.
func rowToDeployment(row *deploymentRow) *domain.Deployment {
	return &domain.Deployment{
		ID:             row.ID,
		DeploymentType: row.DeploymentType,
		Repository:     row.Repository,
		Status:         domain.DeploymentStatus(row.Status),
		Commit:         row.CommitHash,
		Summary:        row.Summary,
		TargetCount:    row.TargetCount,
		ErrorMessage:   row.ErrorMessage,
		CreatedAt:      parseTime(row.CreatedAt),
		UpdatedAt:      parseTime(row.UpdatedAt),
		StartedAt:      parseTimePtr(row.StartedAt),
		FinishedAt:     parseTimePtr(row.FinishedAt),
	}
}

// =============================================================================
// Target Outcome Operations
// =============================================================================

type targetOutcomeRow struct {
	DeploymentID string  `db:"deployment_id"`
	Position     int     `db:"position"`
	Name         string  `db:"name"`
	SourcePath   string  `db:"source_path"`
	PublishPath  string  `db:"publish_path"`
	Status       string  `db:"status"`
	ExitCode     int     `db:"exit_code"`
	Error        string  `db:"error"`
	StartedAt    *string `db:"started_at"`
	FinishedAt   *string `db:"finished_at"`
}

func saveTargetOutcomes(ctx context.Context, exec executor, deploymentID string, outcomes []domain.TargetOutcome) error {
	if _, err := exec.ExecContext(ctx, `DELETE FROM target_outcomes WHERE deployment_id = ?`, deploymentID); err != nil {
		return NewStoreError("SaveTargetOutcomes", "target_outcome", deploymentID, err.Error(), err)
	}

	query := `
		INSERT INTO target_outcomes (
			deployment_id, position, name, source_path, publish_path,
			status, exit_code, error, started_at, finished_at
		) VALUES (
			:deployment_id, :position, :name, :source_path, :publish_path,
			:status, :exit_code, :error, :started_at, :finished_at
		)`

	for i, o := range outcomes {
		row := map[string]any{
			"deployment_id": deploymentID,
			"position":      i,
			"name":          o.Target.Name,
			"source_path":   o.Target.SourcePath,
			"publish_path":  o.Target.PublishPath,
			"status":        string(o.Status),
			"exit_code":     o.ExitCode,
			"error":         o.Error,
			"started_at":    formatTimeValue(o.StartedAt),
			"finished_at":   formatTimeValue(o.FinishedAt),
		}
		if _, err := exec.NamedExecContext(ctx, query, row); err != nil {
			if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
				return NewStoreError("SaveTargetOutcomes", "target_outcome", deploymentID, "deployment not found", ErrForeignKey)
			}
			return NewStoreError("SaveTargetOutcomes", "target_outcome", deploymentID, err.Error(), err)
		}
	}

	return nil
}

func listTargetOutcomes(ctx context.Context, exec executor, deploymentID string) ([]domain.TargetOutcome, error) {
	query := `SELECT * FROM target_outcomes WHERE deployment_id = ? ORDER BY position`

	var rows []targetOutcomeRow
	if err := exec.SelectContext(ctx, &rows, query, deploymentID); err != nil {
		return nil, NewStoreError("GetDeployment", "target_outcome", deploymentID, err.Error(), err)
	}

	outcomes := make([]domain.TargetOutcome, 0, len(rows))
	for _, row := range rows {
		var started, finished time.Time
		if t := parseTimePtr(row.StartedAt); t != nil {
			started = *t
		}
		if t := parseTimePtr(row.FinishedAt); t != nil {
			finished = *t
		}
		outcomes = append(outcomes, domain.TargetOutcome{
			Target: domain.ProjectTarget{
				Name:        row.Name,
				SourcePath:  row.SourcePath,
				PublishPath: row.PublishPath,
			},
			Status:     domain.TargetStatus(row.Status),
			ExitCode:   row.ExitCode,
			Error:      row.Error,
			StartedAt:  started,
			FinishedAt: finished,
		})
	}

	return outcomes, nil
}

// =============================================================================
// Log Operations
// =============================================================================

type logEntryRow struct {
	DeploymentID string `db:"deployment_id"`
	Position     int    `db:"position"`
	Anchor       int64  `db:"anchor"`
	Parent       int64  `db:"parent"`
	Text         string `db:"text"`
	Severity     string `db:"severity"`
	LoggedAt     string `db:"logged_at"`
}

func saveLog(ctx context.Context, exec executor, deploymentID string, entries []domain.LogEntry) error {
	if _, err := exec.ExecContext(ctx, `DELETE FROM log_entries WHERE deployment_id = ?`, deploymentID); err != nil {
		return NewStoreError("SaveLog", "log", deploymentID, err.Error(), err)
	}

	query := `
		INSERT INTO log_entries (
			deployment_id, position, anchor, parent, text, severity, logged_at
		) VALUES (
			:deployment_id, :position, :anchor, :parent, :text, :severity, :logged_at
		)`

	for i, e := range entries {
		row := map[string]any{
			"deployment_id": deploymentID,
			"position":      i,
			"anchor":        int64(e.Anchor),
			"parent":        int64(e.Parent),
			"text":          e.Text,
			"severity":      string(e.Severity),
			"logged_at":     formatTime(e.Time),
		}
		if _, err := exec.NamedExecContext(ctx, query, row); err != nil {
			if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
				return NewStoreError("SaveLog", "log", deploymentID, "deployment not found", ErrForeignKey)
			}
			return NewStoreError("SaveLog", "log", deploymentID, err.Error(), err)
		}
	}

	return nil
}

func getLog(ctx context.Context, exec executor, deploymentID string) ([]domain.LogEntry, error) {
	var exists int
	err := exec.GetContext(ctx, &exists, `SELECT COUNT(*) FROM deployments WHERE id = ?`, deploymentID)
	if err != nil {
		return nil, NewStoreError("GetLog", "log", deploymentID, err.Error(), err)
	}
	if exists == 0 {
		return nil, NewStoreError("GetLog", "log", deploymentID, "deployment not found", ErrNotFound)
	}

	var rows []logEntryRow
	query := `SELECT * FROM log_entries WHERE deployment_id = ? ORDER BY position`
	if err := exec.SelectContext(ctx, &rows, query, deploymentID); err != nil {
		return nil, NewStoreError("GetLog", "log", deploymentID, err.Error(), err)
	}

	entries := make([]domain.LogEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, domain.LogEntry{
			Anchor:   domain.Anchor(row.Anchor),
			Parent:   domain.Anchor(row.Parent),
			Text:     row.Text,
			Severity: domain.Severity(row.Severity),
			Time:     parseTime(row.LoggedAt),
		})
	}

	return entries, nil
}

// =============================================================================
// Time Helpers
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func formatTimeValue(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	return formatTimePtr(&t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func parseTimePtr(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	t := parseTime(*s)
	return &t
}
