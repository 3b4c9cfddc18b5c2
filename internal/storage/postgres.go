package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shipnote/shipnote-bot/internal/models"
	"github.com/sirupsen/logrus"
)

// PostgresStore keeps activities and contents as JSONB documents next to the
// columns they are queried by. Status changes run under SELECT ... FOR UPDATE.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Ensure PostgresStore implements Store
var _ Store = (*PostgresStore)(nil)

const uniqueViolation = "23505"

// NewPostgresStore connects to the database and creates the schema if needed
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	if connString == "" {
		return nil, fmt.Errorf("database connection string is required")
	}

	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	logrus.Info("PostgreSQL store ready")
	return s, nil
}

// Close releases the connection pool
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			github_login TEXT NOT NULL,
			github_token TEXT NOT NULL DEFAULT '',
			chat_id TEXT NOT NULL DEFAULT '',
			ai_provider TEXT NOT NULL DEFAULT '',
			content_style TEXT NOT NULL DEFAULT '',
			auto_approve BOOLEAN NOT NULL DEFAULT FALSE,
			twitter_access_token TEXT NOT NULL DEFAULT '',
			time_zone TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS users_github_login_idx ON users (LOWER(github_login))`,
		`CREATE INDEX IF NOT EXISTS users_chat_id_idx ON users (chat_id)`,
		`CREATE TABLE IF NOT EXISTS activities (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			type TEXT NOT NULL,
			external_id TEXT NOT NULL,
			repository TEXT NOT NULL,
			status TEXT NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			doc JSONB NOT NULL
		)`,
		// older schemas keyed activities without the repository
		`ALTER TABLE activities DROP CONSTRAINT IF EXISTS activities_user_id_type_external_id_key`,
		`CREATE UNIQUE INDEX IF NOT EXISTS activities_natural_key_idx ON activities (user_id, type, repository, external_id)`,
		`CREATE INDEX IF NOT EXISTS activities_user_status_idx ON activities (user_id, status)`,
		`CREATE INDEX IF NOT EXISTS activities_repository_idx ON activities (repository)`,
		`CREATE INDEX IF NOT EXISTS activities_created_at_idx ON activities (created_at)`,
		`CREATE TABLE IF NOT EXISTS contents (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			status TEXT NOT NULL,
			activity_ids TEXT[] NOT NULL DEFAULT '{}',
			scheduled_for TIMESTAMPTZ,
			posted_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			doc JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS contents_user_status_idx ON contents (user_id, status)`,
		`CREATE INDEX IF NOT EXISTS contents_created_at_idx ON contents (created_at)`,
		`CREATE INDEX IF NOT EXISTS contents_activity_ids_idx ON contents USING GIN (activity_ids)`,
	}

	for _, q := range queries {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("failed to init schema: %w", err)
		}
	}
	return nil
}

func scanActivity(row pgx.Row) (*models.Activity, error) {
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var a models.Activity
	if err := json.Unmarshal(doc, &a); err != nil {
		return nil, fmt.Errorf("failed to decode activity: %w", err)
	}
	return &a, nil
}

func scanContent(row pgx.Row) (*models.Content, error) {
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var c models.Content
	if err := json.Unmarshal(doc, &c); err != nil {
		return nil, fmt.Errorf("failed to decode content: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) FindActivityByKey(ctx context.Context, key models.ActivityKey) (*models.Activity, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT doc FROM activities WHERE user_id = $1 AND type = $2 AND repository = $3 AND external_id = $4`,
		key.UserID, string(key.Type), key.Repository, key.ExternalID)
	return scanActivity(row)
}

func (s *PostgresStore) InsertActivity(ctx context.Context, activity *models.Activity) error {
	if activity.ID == "" {
		activity.ID = uuid.New().String()
	}
	if activity.CreatedAt.IsZero() {
		activity.CreatedAt = time.Now()
	}
	if activity.Status == "" {
		activity.Status = models.ActivityPending
	}
	doc, err := json.Marshal(activity)
	if err != nil {
		return fmt.Errorf("failed to encode activity: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO activities (id, user_id, type, external_id, repository, status, occurred_at, created_at, doc)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		activity.ID, activity.UserID, string(activity.Type), activity.ExternalID, activity.Repository,
		string(activity.Status), activity.OccurredAt, activity.CreatedAt, doc)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert activity: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetActivity(ctx context.Context, id string) (*models.Activity, error) {
	return scanActivity(s.pool.QueryRow(ctx, `SELECT doc FROM activities WHERE id = $1`, id))
}

func (s *PostgresStore) ListActivities(ctx context.Context, filter ActivityFilter) ([]models.Activity, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.UserID != "" {
		add("user_id = $%d", filter.UserID)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		add("status = ANY($%d)", statuses)
	}
	if filter.Repository != "" {
		add("LOWER(repository) = LOWER($%d)", filter.Repository)
	}
	if !filter.Since.IsZero() {
		add("occurred_at >= $%d", filter.Since)
	}

	query := "SELECT doc FROM activities"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY occurred_at DESC, created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list activities: %w", err)
	}
	defer rows.Close()

	var result []models.Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	return result, rows.Err()
}

// withActivity loads an activity under a row lock, lets fn change it and writes it back
func (s *PostgresStore) withActivity(ctx context.Context, id string, fn func(a *models.Activity) error) (*models.Activity, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	a, err := scanActivity(tx.QueryRow(ctx, `SELECT doc FROM activities WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	if err := fn(a); err != nil {
		return a, err
	}

	doc, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("failed to encode activity: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE activities SET status = $2, doc = $3 WHERE id = $1`, id, string(a.Status), doc); err != nil {
		return nil, fmt.Errorf("failed to update activity: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit activity update: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) UpdateActivityDetails(ctx context.Context, id, title, description string, metadata models.ActivityMetadata) error {
	_, err := s.withActivity(ctx, id, func(a *models.Activity) error {
		a.Title = title
		a.Description = description
		a.Metadata = metadata
		return nil
	})
	return err
}

func (s *PostgresStore) AdvanceActivity(ctx context.Context, id string, to models.ActivityStatus, at time.Time) (*models.Activity, error) {
	return s.withActivity(ctx, id, func(a *models.Activity) error {
		if !a.Status.CanAdvanceTo(to) {
			return ErrStatusConflict
		}
		applyActivityStatus(a, to, at)
		return nil
	})
}

func (s *PostgresStore) RevertActivity(ctx context.Context, id string, at time.Time) (*models.Activity, error) {
	return s.withActivity(ctx, id, func(a *models.Activity) error {
		a.Status = models.ActivityProcessed
		a.PublishedAt = nil
		if a.ProcessedAt == nil {
			a.ProcessedAt = &at
		}
		return nil
	})
}

func (s *PostgresStore) InsertContent(ctx context.Context, content *models.Content) error {
	if content.ID == "" {
		content.ID = uuid.New().String()
	}
	if content.CreatedAt.IsZero() {
		content.CreatedAt = time.Now()
	}
	content.UpdatedAt = content.CreatedAt
	if content.Status == "" {
		content.Status = models.ContentPending
	}
	doc, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("failed to encode content: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO contents (id, user_id, status, activity_ids, scheduled_for, posted_at, created_at, doc)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		content.ID, content.UserID, string(content.Status), content.ActivityIDs,
		content.ScheduledFor, content.PostedAt, content.CreatedAt, doc)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert content: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetContent(ctx context.Context, id string) (*models.Content, error) {
	return scanContent(s.pool.QueryRow(ctx, `SELECT doc FROM contents WHERE id = $1`, id))
}

func (s *PostgresStore) ListContents(ctx context.Context, filter ContentFilter) ([]models.Content, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.UserID != "" {
		add("user_id = $%d", filter.UserID)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		add("status = ANY($%d)", statuses)
	}
	if filter.ScheduledBefore != nil {
		add("scheduled_for <= $%d", *filter.ScheduledBefore)
	}
	if filter.PostedSince != nil {
		add("posted_at >= $%d", *filter.PostedSince)
	}

	query := "SELECT doc FROM contents"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	return s.queryContents(ctx, query, args...)
}

func (s *PostgresStore) queryContents(ctx context.Context, query string, args ...any) ([]models.Content, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list contents: %w", err)
	}
	defer rows.Close()

	var result []models.Content
	for rows.Next() {
		c, err := scanContent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *c)
	}
	return result, rows.Err()
}

func (s *PostgresStore) UpdateContent(ctx context.Context, id string, allowed []models.ContentStatus, mutate ContentMutation) (*models.Content, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	current, err := scanContent(tx.QueryRow(ctx, `SELECT doc FROM contents WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	if len(allowed) > 0 && !containsStatus(allowed, current.Status) {
		return current, ErrStatusConflict
	}

	before := *current
	if err := mutate(current); err != nil {
		return &before, err
	}
	if err := checkTransition(before.Status, current.Status); err != nil {
		return &before, fmt.Errorf("transition %s -> %s: %w", before.Status, current.Status, err)
	}
	current.ID = id
	current.UpdatedAt = time.Now()

	doc, err := json.Marshal(current)
	if err != nil {
		return nil, fmt.Errorf("failed to encode content: %w", err)
	}
	_, err = tx.Exec(ctx,
		`UPDATE contents SET status = $2, scheduled_for = $3, posted_at = $4, doc = $5 WHERE id = $1`,
		id, string(current.Status), current.ScheduledFor, current.PostedAt, doc)
	if err != nil {
		return nil, fmt.Errorf("failed to update content: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit content update: %w", err)
	}
	return current, nil
}

func (s *PostgresStore) ContentsReferencing(ctx context.Context, activityID string) ([]models.Content, error) {
	return s.queryContents(ctx, `SELECT doc FROM contents WHERE $1 = ANY(activity_ids) ORDER BY created_at ASC`, activityID)
}

const userColumns = `id, github_login, github_token, chat_id, ai_provider, content_style, auto_approve, twitter_access_token, time_zone, created_at`

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.GitHubLogin, &u.GitHubToken, &u.ChatID, &u.AIProvider, &u.ContentStyle,
		&u.AutoApprove, &u.TwitterAccessToken, &u.TimeZone, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	return scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (s *PostgresStore) FindUserByGitHubLogin(ctx context.Context, login string) (*models.User, error) {
	return scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE LOWER(github_login) = LOWER($1)`, login))
}

func (s *PostgresStore) FindUserByChatID(ctx context.Context, chatID string) (*models.User, error) {
	if chatID == "" {
		return nil, ErrNotFound
	}
	return scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE chat_id = $1 LIMIT 1`, chatID))
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]models.User, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var result []models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *u)
	}
	return result, rows.Err()
}

func (s *PostgresStore) SaveUser(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
		 github_login = $2, github_token = $3, chat_id = $4, ai_provider = $5, content_style = $6,
		 auto_approve = $7, twitter_access_token = $8, time_zone = $9`,
		user.ID, user.GitHubLogin, user.GitHubToken, user.ChatID, user.AIProvider, user.ContentStyle,
		user.AutoApprove, user.TwitterAccessToken, user.TimeZone, user.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}
