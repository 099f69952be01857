// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/criminalytix/seenpredyct/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// defaultListLimit caps history listings without an explicit limit.
const defaultListLimit = 100

// SQLRepository implements domain.Repository using database/sql.
// Works with SQLite and both PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New opens the configured database and applies the schema.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	db, err := open(cfg)
	if err != nil {
		return nil, err
	}

	repo := &SQLRepository{db: db, driver: cfg.Driver}
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SavePrediction stores a prediction in the history.
func (r *SQLRepository) SavePrediction(ctx context.Context, rec *domain.PredictionRecord) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("%w: prediction id is required", ErrInvalidInput)
	}

	profile, err := json.Marshal(rec.Profile)
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}
	result, err := json.Marshal(rec.Result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	// Timestamps are stored in UTC so they compare correctly as text.
	createdAt := rec.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO predictions (
			id, user_id, profile, probability, risk_level, confidence,
			algorithm, source, result, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		rec.ID, rec.UserID, string(profile),
		rec.Result.Probability, string(rec.Result.RiskLevel), rec.Result.Confidence,
		rec.Result.Metadata.Algorithm, rec.Source, string(result),
		createdAt,
	)
	return err
}

// GetPrediction retrieves a prediction by ID.
func (r *SQLRepository) GetPrediction(ctx context.Context, id string) (*domain.PredictionRecord, error) {
	query := `
		SELECT id, user_id, profile, source, result, created_at
		FROM predictions
		WHERE id = ?
	`

	rec, err := scanPrediction(r.db.QueryRowContext(ctx, r.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListPredictions returns the history, newest first.
func (r *SQLRepository) ListPredictions(ctx context.Context, filter domain.PredictionFilter) ([]*domain.PredictionRecord, error) {
	var where []string
	var args []any

	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if !filter.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, filter.Since.UTC())
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `SELECT id, user_id, profile, source, result, created_at FROM predictions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []*domain.PredictionRecord{}
	for rows.Next() {
		rec, err := scanPrediction(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPrediction(row rowScanner) (*domain.PredictionRecord, error) {
	var rec domain.PredictionRecord
	var profile, result string

	if err := row.Scan(&rec.ID, &rec.UserID, &profile, &rec.Source, &result, &rec.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(profile), &rec.Profile); err != nil {
		return nil, fmt.Errorf("failed to parse profile of prediction %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(result), &rec.Result); err != nil {
		return nil, fmt.Errorf("failed to parse result of prediction %s: %w", rec.ID, err)
	}
	return &rec, nil
}

// SaveProfile upserts an operator profile.
func (r *SQLRepository) SaveProfile(ctx context.Context, user *domain.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}

	now := time.Now().UTC()
	createdAt := user.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	query := `
		INSERT INTO profiles (
			id, email, full_name, role, department, phone, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			email = excluded.email,
			full_name = excluded.full_name,
			role = excluded.role,
			department = excluded.department,
			phone = excluded.phone,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		user.ID, user.Email, user.FullName, string(domain.ParseRole(string(user.Role))),
		user.Department, user.Phone,
		createdAt, now,
	)
	return err
}

// GetProfile retrieves an operator profile by user ID.
func (r *SQLRepository) GetProfile(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT id, email, full_name, role, department, phone, created_at, updated_at
		FROM profiles
		WHERE id = ?
	`

	var u domain.User
	var role string

	err := r.db.QueryRowContext(ctx, r.rebind(query), userID).Scan(
		&u.ID, &u.Email, &u.FullName, &role,
		&u.Department, &u.Phone,
		&u.CreatedAt, &u.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	u.Role = domain.ParseRole(role)
	return &u, nil
}

// SaveSession persists the session under key, replacing any previous one.
func (r *SQLRepository) SaveSession(ctx context.Context, key string, session *domain.Session) error {
	if key == "" || session == nil {
		return fmt.Errorf("%w: session key and session are required", ErrInvalidInput)
	}

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	query := `
		INSERT INTO sessions (session_key, data, expires_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_key) DO UPDATE SET
			data = excluded.data,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query), key, string(data), session.ExpiresAt, time.Now().UTC())
	return err
}

// GetSession loads the session stored under key.
func (r *SQLRepository) GetSession(ctx context.Context, key string) (*domain.Session, error) {
	query := `SELECT data FROM sessions WHERE session_key = ?`

	var data string
	err := r.db.QueryRowContext(ctx, r.rebind(query), key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var session domain.Session
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, fmt.Errorf("failed to parse session: %w", err)
	}
	return &session, nil
}

// DeleteSession removes the session stored under key. Deleting a missing
// session is not an error.
func (r *SQLRepository) DeleteSession(ctx context.Context, key string) error {
	query := `DELETE FROM sessions WHERE session_key = ?`
	_, err := r.db.ExecContext(ctx, r.rebind(query), key)
	return err
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" && r.driver != "pgx" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
