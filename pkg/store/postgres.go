package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is the production Store backed by a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to the database, verifies the connection and runs
// any pending migrations.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := Migrate(pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) LoadLessonState(ctx context.Context, userID, planID string) (*LessonState, error) {
	const q = `
		SELECT user_id, plan_id, conversation_id, active_step_index,
		       visible_content_ids, completed_step_ids, completion_percentage,
		       voice_seconds_used, paused_at, completed_at, updated_at
		FROM lesson_states
		WHERE user_id = $1 AND plan_id = $2`

	var state LessonState
	err := p.pool.QueryRow(ctx, q, userID, planID).Scan(
		&state.UserID, &state.PlanID, &state.ConversationID,
		&state.ActiveStepIndex, &state.VisibleContentIDs,
		&state.CompletedStepIDs, &state.CompletionPercentage,
		&state.VoiceSecondsUsed, &state.PausedAt, &state.CompletedAt,
		&state.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load lesson state: %w", err)
	}
	return &state, nil
}

func (p *Postgres) SaveLessonState(ctx context.Context, state *LessonState) error {
	const q = `
		INSERT INTO lesson_states (
			user_id, plan_id, conversation_id, active_step_index,
			visible_content_ids, completed_step_ids, completion_percentage,
			voice_seconds_used, paused_at, completed_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
		ON CONFLICT (user_id, plan_id) DO UPDATE SET
			conversation_id       = EXCLUDED.conversation_id,
			active_step_index     = EXCLUDED.active_step_index,
			visible_content_ids   = EXCLUDED.visible_content_ids,
			completed_step_ids    = EXCLUDED.completed_step_ids,
			completion_percentage = EXCLUDED.completion_percentage,
			voice_seconds_used    = EXCLUDED.voice_seconds_used,
			paused_at             = EXCLUDED.paused_at,
			completed_at          = EXCLUDED.completed_at,
			updated_at            = now()`

	_, err := p.pool.Exec(ctx, q,
		state.UserID, state.PlanID, state.ConversationID,
		state.ActiveStepIndex, state.VisibleContentIDs,
		state.CompletedStepIDs, state.CompletionPercentage,
		state.VoiceSecondsUsed, state.PausedAt, state.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("save lesson state: %w", err)
	}
	return nil
}

func (p *Postgres) DeleteLessonState(ctx context.Context, userID, planID string) error {
	_, err := p.pool.Exec(ctx,
		`DELETE FROM lesson_states WHERE user_id = $1 AND plan_id = $2`,
		userID, planID)
	if err != nil {
		return fmt.Errorf("delete lesson state: %w", err)
	}
	return nil
}

func (p *Postgres) AppendMessage(ctx context.Context, msg *Message) error {
	id := msg.ID
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO messages (id, conversation_id, role, text, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		id, msg.ConversationID, msg.Role, msg.Text, createdAt)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (p *Postgres) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, conversation_id, role, text, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at, id`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Text, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return out, nil
}

func (p *Postgres) RecordAttempt(ctx context.Context, attempt *Attempt) error {
	id := attempt.ID
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := attempt.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO attempts (id, user_id, plan_id, step_id, content_id,
		                      answer, correct, score, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		id, attempt.UserID, attempt.PlanID, attempt.StepID, attempt.ContentID,
		attempt.Answer, attempt.Correct, attempt.Score, createdAt)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

func (p *Postgres) ListAttempts(ctx context.Context, userID, planID string) ([]Attempt, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, user_id, plan_id, step_id, content_id, answer, correct,
		       score, created_at
		FROM attempts
		WHERE user_id = $1 AND plan_id = $2
		ORDER BY created_at, id`,
		userID, planID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var a Attempt
		if err := rows.Scan(&a.ID, &a.UserID, &a.PlanID, &a.StepID, &a.ContentID,
			&a.Answer, &a.Correct, &a.Score, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	return out, nil
}

func (p *Postgres) IncrementModeSwitches(ctx context.Context, userID string) (int, error) {
	const q = `
		INSERT INTO usage_counters (user_id, mode_switches)
		VALUES ($1, 1)
		ON CONFLICT (user_id) DO UPDATE SET
			mode_switches = usage_counters.mode_switches + 1
		RETURNING mode_switches`

	var count int
	if err := p.pool.QueryRow(ctx, q, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("increment mode switches: %w", err)
	}
	return count, nil
}
