package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"loopcast/internal/models"
)

type postgresRepository struct {
	pool    *pgxpool.Pool
	cfg     PostgresConfig
	timeout time.Duration
	now     func() time.Time
}

var _ Repository = (*postgresRepository)(nil)

// NewPostgresRepository opens a Postgres-backed repository and ensures the
// schema exists.
func NewPostgresRepository(ctx context.Context, cfg PostgresConfig) (Repository, error) {
	cfg.applyDefaults()
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	repo := &postgresRepository{
		pool:    pool,
		cfg:     cfg,
		timeout: cfg.OperationTimeout,
		now:     cfg.Clock,
	}
	if err := repo.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS profiles (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		api_base_url TEXT NOT NULL,
		token_ref TEXT NOT NULL,
		default_privacy TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		profile_id TEXT NOT NULL REFERENCES profiles(id),
		state TEXT NOT NULL,
		source_path TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ,
		broadcast_id TEXT NOT NULL DEFAULT '',
		stream_id TEXT NOT NULL DEFAULT '',
		ingest_address TEXT NOT NULL DEFAULT '',
		stream_name TEXT NOT NULL DEFAULT '',
		effective_duration_sec DOUBLE PRECISION NOT NULL DEFAULT 0,
		stop_at TIMESTAMPTZ,
		error_code TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS session_events (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL,
		session_id TEXT NOT NULL REFERENCES sessions(id),
		at TIMESTAMPTZ NOT NULL,
		level TEXT NOT NULL,
		code TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS session_events_session_idx ON session_events (session_id, seq)`,
	`CREATE TABLE IF NOT EXISTS operators (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL,
		password_hash TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
}

func (r *postgresRepository) ensureSchema(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (r *postgresRepository) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.timeout)
}

// PoolProvider is implemented by repositories backed by a pgx pool, letting
// other components share the pool.
type PoolProvider interface {
	Pool() *pgxpool.Pool
}

// Pool exposes the underlying connection pool so other components, such as
// the operator session store, can share it.
func (r *postgresRepository) Pool() *pgxpool.Pool {
	return r.pool
}

// Close releases the connection pool, bounded by the context deadline.
func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

const sessionColumns = "id, profile_id, state, source_path, started_at, ended_at, broadcast_id, stream_id, ingest_address, stream_name, effective_duration_sec, stop_at, error_code, error_message"

func scanSession(row pgx.Row) (models.SessionSummary, error) {
	var summary models.SessionSummary
	var state string
	var endedAt, stopAt *time.Time
	err := row.Scan(
		&summary.ID, &summary.ProfileID, &state, &summary.SourcePath,
		&summary.StartedAt, &endedAt, &summary.BroadcastID, &summary.StreamID,
		&summary.IngestAddress, &summary.StreamName, &summary.EffectiveDurationSec,
		&stopAt, &summary.ErrorCode, &summary.ErrorMessage,
	)
	if err != nil {
		return models.SessionSummary{}, err
	}
	summary.State = models.SessionState(state)
	summary.EndedAt = endedAt
	summary.StopAt = stopAt
	return summary, nil
}

func (r *postgresRepository) getSession(ctx context.Context, id string) (models.SessionSummary, error) {
	row := r.pool.QueryRow(ctx, "SELECT "+sessionColumns+" FROM sessions WHERE id = $1", id)
	summary, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.SessionSummary{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return models.SessionSummary{}, fmt.Errorf("load session %s: %w", id, err)
	}
	return summary, nil
}

func (r *postgresRepository) CreateSession(profileID string, config models.SessionConfig) (models.SessionSummary, error) {
	ctx, cancel := r.opContext()
	defer cancel()

	id, err := generateID()
	if err != nil {
		return models.SessionSummary{}, err
	}
	startedAt := r.now()
	_, err = r.pool.Exec(ctx,
		"INSERT INTO sessions (id, profile_id, state, source_path, started_at) VALUES ($1, $2, $3, $4, $5)",
		id, profileID, string(models.SessionStateIdle), config.SourcePath, startedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return models.SessionSummary{}, fmt.Errorf("%w: %s", ErrProfileNotFound, profileID)
		}
		return models.SessionSummary{}, fmt.Errorf("insert session: %w", err)
	}
	return models.SessionSummary{
		ID:         id,
		ProfileID:  profileID,
		State:      models.SessionStateIdle,
		SourcePath: config.SourcePath,
		StartedAt:  startedAt,
	}, nil
}

func (r *postgresRepository) updateSession(query string, id string, args ...any) (models.SessionSummary, error) {
	ctx, cancel := r.opContext()
	defer cancel()

	tag, err := r.pool.Exec(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return models.SessionSummary{}, fmt.Errorf("update session %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return models.SessionSummary{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return r.getSession(ctx, id)
}

func (r *postgresRepository) UpdateSessionState(id string, state models.SessionState) (models.SessionSummary, error) {
	return r.updateSession("UPDATE sessions SET state = $2 WHERE id = $1", id, string(state))
}

func (r *postgresRepository) AttachRemoteResources(id string, resources RemoteResources) (models.SessionSummary, error) {
	return r.updateSession(
		"UPDATE sessions SET broadcast_id = $2, stream_id = $3, ingest_address = $4, stream_name = $5 WHERE id = $1",
		id, resources.BroadcastID, resources.StreamID, resources.IngestAddress, resources.StreamName)
}

func (r *postgresRepository) SetSessionTiming(id string, effectiveDurationSec float64, stopAt time.Time) (models.SessionSummary, error) {
	return r.updateSession(
		"UPDATE sessions SET effective_duration_sec = $2, stop_at = $3 WHERE id = $1",
		id, effectiveDurationSec, stopAt.UTC())
}

func (r *postgresRepository) CompleteSession(id string, endedAt time.Time) (models.SessionSummary, error) {
	return r.updateSession(
		"UPDATE sessions SET state = $2, ended_at = $3 WHERE id = $1",
		id, string(models.SessionStateCompleted), endedAt.UTC())
}

func (r *postgresRepository) FailSession(id, code, message string, endedAt time.Time) (models.SessionSummary, error) {
	return r.updateSession(
		"UPDATE sessions SET state = $2, error_code = $3, error_message = $4, ended_at = $5 WHERE id = $1",
		id, string(models.SessionStateFailed), code, message, endedAt.UTC())
}

func (r *postgresRepository) GetSessionSummary(id string) (models.SessionSummary, bool) {
	ctx, cancel := r.opContext()
	defer cancel()
	summary, err := r.getSession(ctx, id)
	if err != nil {
		return models.SessionSummary{}, false
	}
	return summary, true
}

func (r *postgresRepository) ListSessions() []models.SessionSummary {
	ctx, cancel := r.opContext()
	defer cancel()

	rows, err := r.pool.Query(ctx, "SELECT "+sessionColumns+" FROM sessions ORDER BY started_at DESC, id DESC")
	if err != nil {
		return nil
	}
	defer rows.Close()

	var sessions []models.SessionSummary
	for rows.Next() {
		summary, err := scanSession(rows)
		if err != nil {
			return nil
		}
		sessions = append(sessions, summary)
	}
	return sessions
}

func (r *postgresRepository) AddEvent(sessionID string, level models.EventLevel, code, message string) (models.SessionEvent, error) {
	ctx, cancel := r.opContext()
	defer cancel()

	id, err := generateID()
	if err != nil {
		return models.SessionEvent{}, err
	}
	at := r.now()
	_, err = r.pool.Exec(ctx,
		"INSERT INTO session_events (id, session_id, at, level, code, message) VALUES ($1, $2, $3, $4, $5, $6)",
		id, sessionID, at, string(level), code, message)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return models.SessionEvent{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return models.SessionEvent{}, fmt.Errorf("insert event: %w", err)
	}
	return models.SessionEvent{
		ID:        id,
		SessionID: sessionID,
		At:        at,
		Level:     level,
		Code:      code,
		Message:   message,
	}, nil
}

func (r *postgresRepository) ListSessionEvents(sessionID string) ([]models.SessionEvent, error) {
	ctx, cancel := r.opContext()
	defer cancel()

	if _, err := r.getSession(ctx, sessionID); err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx,
		"SELECT id, session_id, at, level, code, message FROM session_events WHERE session_id = $1 ORDER BY seq",
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []models.SessionEvent
	for rows.Next() {
		var event models.SessionEvent
		var level string
		if err := rows.Scan(&event.ID, &event.SessionID, &event.At, &level, &event.Code, &event.Message); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		event.Level = models.EventLevel(level)
		events = append(events, event)
	}
	return events, rows.Err()
}

func (r *postgresRepository) CreateProfile(params CreateProfileParams) (models.Profile, error) {
	name := strings.TrimSpace(params.Name)
	if name == "" {
		return models.Profile{}, fmt.Errorf("profile name is required")
	}
	if strings.TrimSpace(params.APIBaseURL) == "" {
		return models.Profile{}, fmt.Errorf("profile API base URL is required")
	}
	if strings.TrimSpace(params.TokenRef) == "" {
		return models.Profile{}, fmt.Errorf("profile token reference is required")
	}

	ctx, cancel := r.opContext()
	defer cancel()

	id, err := generateID()
	if err != nil {
		return models.Profile{}, err
	}
	profile := models.Profile{
		ID:             id,
		Name:           name,
		APIBaseURL:     strings.TrimSpace(params.APIBaseURL),
		TokenRef:       strings.TrimSpace(params.TokenRef),
		DefaultPrivacy: strings.TrimSpace(params.DefaultPrivacy),
		CreatedAt:      r.now(),
	}
	_, err = r.pool.Exec(ctx,
		"INSERT INTO profiles (id, name, api_base_url, token_ref, default_privacy, created_at) VALUES ($1, $2, $3, $4, $5, $6)",
		profile.ID, profile.Name, profile.APIBaseURL, profile.TokenRef, profile.DefaultPrivacy, profile.CreatedAt)
	if err != nil {
		return models.Profile{}, fmt.Errorf("insert profile: %w", err)
	}
	return profile, nil
}

func scanProfile(row pgx.Row) (models.Profile, error) {
	var profile models.Profile
	err := row.Scan(&profile.ID, &profile.Name, &profile.APIBaseURL, &profile.TokenRef, &profile.DefaultPrivacy, &profile.CreatedAt)
	return profile, err
}

func (r *postgresRepository) GetProfile(id string) (models.Profile, bool) {
	ctx, cancel := r.opContext()
	defer cancel()
	profile, err := scanProfile(r.pool.QueryRow(ctx,
		"SELECT id, name, api_base_url, token_ref, default_privacy, created_at FROM profiles WHERE id = $1", id))
	if err != nil {
		return models.Profile{}, false
	}
	return profile, true
}

func (r *postgresRepository) ListProfiles() []models.Profile {
	ctx, cancel := r.opContext()
	defer cancel()

	rows, err := r.pool.Query(ctx,
		"SELECT id, name, api_base_url, token_ref, default_privacy, created_at FROM profiles ORDER BY name")
	if err != nil {
		return nil
	}
	defer rows.Close()

	var profiles []models.Profile
	for rows.Next() {
		profile, err := scanProfile(rows)
		if err != nil {
			return nil
		}
		profiles = append(profiles, profile)
	}
	return profiles
}

func (r *postgresRepository) UpdateProfile(id string, update ProfileUpdate) (models.Profile, error) {
	ctx, cancel := r.opContext()
	defer cancel()

	profile, err := scanProfile(r.pool.QueryRow(ctx,
		"SELECT id, name, api_base_url, token_ref, default_privacy, created_at FROM profiles WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Profile{}, fmt.Errorf("%w: %s", ErrProfileNotFound, id)
	}
	if err != nil {
		return models.Profile{}, fmt.Errorf("load profile %s: %w", id, err)
	}
	if update.Name != nil {
		profile.Name = strings.TrimSpace(*update.Name)
	}
	if update.APIBaseURL != nil {
		profile.APIBaseURL = strings.TrimSpace(*update.APIBaseURL)
	}
	if update.TokenRef != nil {
		profile.TokenRef = strings.TrimSpace(*update.TokenRef)
	}
	if update.DefaultPrivacy != nil {
		profile.DefaultPrivacy = strings.TrimSpace(*update.DefaultPrivacy)
	}
	_, err = r.pool.Exec(ctx,
		"UPDATE profiles SET name = $2, api_base_url = $3, token_ref = $4, default_privacy = $5 WHERE id = $1",
		id, profile.Name, profile.APIBaseURL, profile.TokenRef, profile.DefaultPrivacy)
	if err != nil {
		return models.Profile{}, fmt.Errorf("update profile %s: %w", id, err)
	}
	return profile, nil
}

func (r *postgresRepository) DeleteProfile(id string) error {
	ctx, cancel := r.opContext()
	defer cancel()

	tag, err := r.pool.Exec(ctx, "DELETE FROM profiles WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete profile %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrProfileNotFound, id)
	}
	return nil
}

func (r *postgresRepository) CreateOperator(params CreateOperatorParams) (models.Operator, error) {
	email := normalizeEmail(params.Email)
	if email == "" {
		return models.Operator{}, errors.New("operator email is required")
	}
	if len(params.Password) < passwordMinLength {
		return models.Operator{}, fmt.Errorf("password must be at least %d characters", passwordMinLength)
	}
	hashed, err := hashPassword(params.Password)
	if err != nil {
		return models.Operator{}, fmt.Errorf("hash password: %w", err)
	}

	ctx, cancel := r.opContext()
	defer cancel()

	id, err := generateID()
	if err != nil {
		return models.Operator{}, err
	}
	displayName := strings.TrimSpace(params.DisplayName)
	if displayName == "" {
		displayName = email
	}
	operator := models.Operator{
		ID:           id,
		Email:        email,
		DisplayName:  displayName,
		PasswordHash: hashed,
		CreatedAt:    r.now(),
	}
	_, err = r.pool.Exec(ctx,
		"INSERT INTO operators (id, email, display_name, password_hash, created_at) VALUES ($1, $2, $3, $4, $5)",
		operator.ID, operator.Email, operator.DisplayName, operator.PasswordHash, operator.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return models.Operator{}, fmt.Errorf("%w: %s", ErrOperatorExists, email)
		}
		return models.Operator{}, fmt.Errorf("insert operator: %w", err)
	}
	return operator, nil
}

func scanOperator(row pgx.Row) (models.Operator, error) {
	var operator models.Operator
	err := row.Scan(&operator.ID, &operator.Email, &operator.DisplayName, &operator.PasswordHash, &operator.CreatedAt)
	return operator, err
}

func (r *postgresRepository) AuthenticateOperator(email, password string) (models.Operator, error) {
	if password == "" {
		return models.Operator{}, ErrInvalidCredentials
	}
	ctx, cancel := r.opContext()
	defer cancel()

	operator, err := scanOperator(r.pool.QueryRow(ctx,
		"SELECT id, email, display_name, password_hash, created_at FROM operators WHERE email = $1",
		normalizeEmail(email)))
	if err != nil {
		return models.Operator{}, ErrInvalidCredentials
	}
	if err := verifyPassword(operator.PasswordHash, password); err != nil {
		return models.Operator{}, err
	}
	return operator, nil
}

func (r *postgresRepository) GetOperator(id string) (models.Operator, bool) {
	ctx, cancel := r.opContext()
	defer cancel()
	operator, err := scanOperator(r.pool.QueryRow(ctx,
		"SELECT id, email, display_name, password_hash, created_at FROM operators WHERE id = $1", id))
	if err != nil {
		return models.Operator{}, false
	}
	return operator, true
}

func (r *postgresRepository) ListOperators() []models.Operator {
	ctx, cancel := r.opContext()
	defer cancel()

	rows, err := r.pool.Query(ctx,
		"SELECT id, email, display_name, password_hash, created_at FROM operators ORDER BY email")
	if err != nil {
		return nil
	}
	defer rows.Close()

	var operators []models.Operator
	for rows.Next() {
		operator, err := scanOperator(rows)
		if err != nil {
			return nil
		}
		operators = append(operators, operator)
	}
	sort.Slice(operators, func(i, j int) bool { return operators[i].Email < operators[j].Email })
	return operators
}
