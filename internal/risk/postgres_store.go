package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/commwatch/commwatch/internal/idgen"
)

// querier is the common subset of *sql.DB and *sql.Tx the store uses.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresStore persists the risk domain in PostgreSQL. Schema is managed by
// goose migrations (see migrations/).
type PostgresStore struct {
	db *sql.DB
	q  querier
}

// NewPostgresStore creates a PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, q: db}
}

func (s *PostgresStore) UpsertActor(ctx context.Context, externalID, displayName string) (*Actor, error) {
	row := s.q.QueryRowContext(ctx, `
		INSERT INTO actors (id, external_id, display_name, first_seen, last_seen, event_count, risk_score)
		VALUES ($1, $2, $3, NOW(), NOW(), 1, 0)
		ON CONFLICT (external_id) DO UPDATE SET
			display_name = CASE WHEN EXCLUDED.display_name <> '' THEN EXCLUDED.display_name ELSE actors.display_name END,
			last_seen    = NOW(),
			event_count  = actors.event_count + 1
		RETURNING id, external_id, display_name, first_seen, last_seen, event_count, risk_score, flags
	`, idgen.WithPrefix("act_"), externalID, displayName)

	return scanActor(row)
}

func (s *PostgresStore) AppendEvent(ctx context.Context, ev *Event) (bool, error) {
	attachments, err := json.Marshal(ev.Attachments)
	if err != nil {
		return false, fmt.Errorf("marshal attachments: %w", err)
	}

	res, err := s.q.ExecContext(ctx, `
		INSERT INTO events (id, external_id, actor_id, channel_id, text, attachments, actor_name, actor_is_bot, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (external_id) DO NOTHING
	`, ev.ID, ev.ExternalID, ev.ActorID, ev.ChannelID, ev.Text, attachments, ev.ActorName, ev.ActorIsBot, ev.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("append event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PostgresStore) RecentEvents(ctx context.Context, channelID string, before time.Time, limit int) ([]*Event, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, external_id, actor_id, channel_id, text, attachments, actor_name, actor_is_bot, created_at
		FROM events
		WHERE channel_id = $1 AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3
	`, channelID, before, limit)
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Event
	for rows.Next() {
		var e Event
		var attachments []byte
		if err := rows.Scan(&e.ID, &e.ExternalID, &e.ActorID, &e.ChannelID, &e.Text,
			&attachments, &e.ActorName, &e.ActorIsBot, &e.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(attachments, &e.Attachments)
		result = append(result, &e)
	}
	return result, rows.Err()
}

func (s *PostgresStore) RecentAssessments(ctx context.Context, actorID string, limit int) ([]*Assessment, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, event_id, actor_id, channel_id, risk_score, category, indicators, explanation, confidence, flagged, created_at
		FROM assessments
		WHERE actor_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, actorID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent assessments: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanAssessments(rows)
}

func (s *PostgresStore) HasFlaggedHistory(ctx context.Context, actorID string) (bool, error) {
	var exists bool
	err := s.q.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM assessments WHERE actor_id = $1 AND flagged = TRUE)
	`, actorID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("flagged history: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) StoreAssessment(ctx context.Context, a *Assessment) error {
	indicators, err := json.Marshal(a.Indicators)
	if err != nil {
		return fmt.Errorf("marshal indicators: %w", err)
	}

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO assessments (id, event_id, actor_id, channel_id, risk_score, category, indicators, explanation, confidence, flagged, created_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, a.ID, a.EventID, a.ActorID, a.ChannelID, a.RiskScore, string(a.Category),
		indicators, a.Explanation, a.Confidence, a.Flagged, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("store assessment: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateActorRisk(ctx context.Context, actorID string, score float64, seenAt time.Time) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE actors SET risk_score = $1, last_seen = $2 WHERE id = $3
	`, score, seenAt, actorID)
	if err != nil {
		return fmt.Errorf("update actor risk: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CreateAlert(ctx context.Context, al *Alert) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO alerts (id, channel_id, actor_id, assessment_id, risk_score, severity, title, description, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (assessment_id) DO NOTHING
	`, al.ID, al.ChannelID, al.ActorID, al.AssessmentID, al.RiskScore, string(al.Severity),
		al.Title, al.Description, al.Status, al.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("create alert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PostgresStore) GetActor(ctx context.Context, id string) (*Actor, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, external_id, display_name, first_seen, last_seen, event_count, risk_score, flags
		FROM actors
		WHERE id = $1 OR external_id = $1
	`, id)
	return scanActor(row)
}

func (s *PostgresStore) GetAssessment(ctx context.Context, id string) (*Assessment, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, event_id, actor_id, channel_id, risk_score, category, indicators, explanation, confidence, flagged, created_at
		FROM assessments
		WHERE id = $1
	`, id)
	if err != nil {
		return nil, fmt.Errorf("get assessment: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result, err := scanAssessments(rows)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, ErrNotFound
	}
	return result[0], nil
}

func (s *PostgresStore) ListAssessments(ctx context.Context, f AssessmentFilter) ([]*Assessment, error) {
	query := `
		SELECT id, event_id, actor_id, channel_id, risk_score, category, indicators, explanation, confidence, flagged, created_at
		FROM assessments`
	var conds []string
	var args []any
	if f.ChannelID != "" {
		args = append(args, f.ChannelID)
		conds = append(conds, fmt.Sprintf("channel_id = $%d", len(args)))
	}
	if f.ActorID != "" {
		args = append(args, f.ActorID)
		conds = append(conds, fmt.Sprintf("actor_id = $%d", len(args)))
	}
	if f.FlaggedOnly {
		conds = append(conds, "flagged = TRUE")
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, listLimit(f.Limit), f.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list assessments: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanAssessments(rows)
}

func (s *PostgresStore) GetAlert(ctx context.Context, id string) (*Alert, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, channel_id, actor_id, assessment_id, risk_score, severity, title, description, status, resolved_at, resolution_notes, created_at
		FROM alerts
		WHERE id = $1
	`, id)
	return scanAlert(row)
}

func (s *PostgresStore) ListAlerts(ctx context.Context, f AlertFilter) ([]*Alert, error) {
	query := `
		SELECT id, channel_id, actor_id, assessment_id, risk_score, severity, title, description, status, resolved_at, resolution_notes, created_at
		FROM alerts`
	var conds []string
	var args []any
	if f.ChannelID != "" {
		args = append(args, f.ChannelID)
		conds = append(conds, fmt.Sprintf("channel_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Severity != "" {
		args = append(args, string(f.Severity))
		conds = append(conds, fmt.Sprintf("severity = $%d", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, listLimit(f.Limit), f.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Alert
	for rows.Next() {
		al, err := scanAlertRows(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, al)
	}
	return result, rows.Err()
}

func (s *PostgresStore) UpdateAlertStatus(ctx context.Context, id, status, notes string) (*Alert, error) {
	current, err := s.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ValidAlertTransition(current.Status, status) {
		return nil, ErrInvalidTransition
	}

	row := s.q.QueryRowContext(ctx, `
		UPDATE alerts SET
			status           = $1,
			resolution_notes = CASE WHEN $2 <> '' THEN $2 ELSE resolution_notes END,
			resolved_at      = CASE WHEN $1 = 'resolved' THEN NOW() ELSE resolved_at END
		WHERE id = $3
		RETURNING id, channel_id, actor_id, assessment_id, risk_score, severity, title, description, status, resolved_at, resolution_notes, created_at
	`, status, strings.TrimSpace(notes), id)
	return scanAlert(row)
}

func (s *PostgresStore) GetStats(ctx context.Context, channelID string) (*Stats, error) {
	stats := &Stats{}

	err := s.q.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE flagged),
		       COALESCE(AVG(risk_score), 0)
		FROM assessments
		WHERE $1 = '' OR channel_id = $1
	`, channelID).Scan(&stats.TotalAssessments, &stats.FlaggedCount, &stats.AverageRiskScore)
	if err != nil {
		return nil, fmt.Errorf("assessment stats: %w", err)
	}

	err = s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM actors WHERE risk_score >= $1`, DefaultMediumThreshold,
	).Scan(&stats.HighRiskActors)
	if err != nil {
		return nil, fmt.Errorf("actor stats: %w", err)
	}

	err = s.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM alerts WHERE status = 'open' AND ($1 = '' OR channel_id = $1)
	`, channelID).Scan(&stats.OpenAlerts)
	if err != nil {
		return nil, fmt.Errorf("alert stats: %w", err)
	}
	return stats, nil
}

// Tx runs fn inside a database transaction. The Store passed to fn shares
// the transaction; the receiver is untouched.
func (s *PostgresStore) Tx(ctx context.Context, fn func(Store) error) error {
	if s.db == nil {
		// Already inside a transaction; nested Tx joins it.
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	txStore := &PostgresStore{q: tx}
	if err := fn(txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	return tx.Commit()
}

// --- scan helpers ---

func listLimit(limit int) int {
	if limit <= 0 || limit > 100 {
		return 50
	}
	return limit
}

func scanActor(row *sql.Row) (*Actor, error) {
	var a Actor
	var flags []byte
	err := row.Scan(&a.ID, &a.ExternalID, &a.DisplayName, &a.FirstSeen, &a.LastSeen,
		&a.EventCount, &a.RiskScore, &flags)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan actor: %w", err)
	}
	_ = json.Unmarshal(flags, &a.Flags)
	return &a, nil
}

func scanAssessments(rows *sql.Rows) ([]*Assessment, error) {
	var result []*Assessment
	for rows.Next() {
		var a Assessment
		var eventID sql.NullString
		var indicators []byte
		if err := rows.Scan(&a.ID, &eventID, &a.ActorID, &a.ChannelID, &a.RiskScore,
			&a.Category, &indicators, &a.Explanation, &a.Confidence, &a.Flagged, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan assessment: %w", err)
		}
		a.EventID = eventID.String
		a.Indicators = []Indicator{}
		_ = json.Unmarshal(indicators, &a.Indicators)
		result = append(result, &a)
	}
	return result, rows.Err()
}

func scanAlert(row *sql.Row) (*Alert, error) {
	var al Alert
	var resolvedAt sql.NullTime
	var notes, description sql.NullString
	err := row.Scan(&al.ID, &al.ChannelID, &al.ActorID, &al.AssessmentID, &al.RiskScore,
		&al.Severity, &al.Title, &description, &al.Status, &resolvedAt, &notes, &al.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan alert: %w", err)
	}
	al.Description = description.String
	al.ResolutionNotes = notes.String
	if resolvedAt.Valid {
		al.ResolvedAt = &resolvedAt.Time
	}
	return &al, nil
}

func scanAlertRows(rows *sql.Rows) (*Alert, error) {
	var al Alert
	var resolvedAt sql.NullTime
	var notes, description sql.NullString
	if err := rows.Scan(&al.ID, &al.ChannelID, &al.ActorID, &al.AssessmentID, &al.RiskScore,
		&al.Severity, &al.Title, &description, &al.Status, &resolvedAt, &notes, &al.CreatedAt); err != nil {
		return nil, fmt.Errorf("scan alert: %w", err)
	}
	al.Description = description.String
	al.ResolutionNotes = notes.String
	if resolvedAt.Valid {
		al.ResolvedAt = &resolvedAt.Time
	}
	return &al, nil
}
