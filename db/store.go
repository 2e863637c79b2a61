package db

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jackc/pgx/v5/pgxpool"

	"minbar/translate"
)

// SessionRecord is the durable shape of a session's history row.
type SessionRecord struct {
	ID              string     `json:"id"`
	OwnerID         string     `json:"ownerId"`
	SourceLanguage  string     `json:"sourceLanguage"`
	TargetLanguages []string   `json:"targetLanguages"`
	Status          string     `json:"status"`
	EndReason       string     `json:"endReason,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	LiveStartedAt   *time.Time `json:"liveStartedAt,omitempty"`
	EndedAt         *time.Time `json:"endedAt,omitempty"`
}

// SessionFilter narrows the historical session listing.
type SessionFilter struct {
	OwnerID string
	Status  string
	From    time.Time
	To      time.Time
	Limit   int
	Offset  int
}

// TranslationRow is one language of one archived translation unit.
type TranslationRow struct {
	TranslationID   string  `json:"translationId"`
	SessionID       string  `json:"sessionId"`
	TranscriptionID string  `json:"transcriptionId"`
	SequenceNumber  int64   `json:"sequenceNumber"`
	Language        string  `json:"language"`
	Text            string  `json:"text"`
	Confidence      float64 `json:"confidence"`
	Provider        string  `json:"provider"`
	IsCached        bool    `json:"isCached"`
}

// Store is the append-only persistence collaborator plus the read side of
// the historical query surface.
type Store struct {
	pool   *pgxpool.Pool
	logger *log.Logger
}

func NewStore(pool *pgxpool.Pool, logger *log.Logger) *Store {
	return &Store{pool: pool, logger: logger}
}

func (s *Store) UpsertSession(ctx context.Context, rec SessionRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (id, owner_id, source_language, target_languages, status, created_at, live_started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, live_started_at = EXCLUDED.live_started_at`,
		rec.ID, rec.OwnerID, rec.SourceLanguage, rec.TargetLanguages,
		rec.Status, rec.CreatedAt, rec.LiveStartedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) MarkSessionEnded(ctx context.Context, sessionID, reason string, endedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sessions SET status = 'ended', end_reason = $2, ended_at = $3
		WHERE id = $1`,
		sessionID, reason, endedAt,
	)
	if err != nil {
		return fmt.Errorf("mark session %s ended: %w", sessionID, err)
	}
	return nil
}

func (s *Store) InsertTranscript(ctx context.Context, rec translate.TranscriptRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO transcripts (id, session_id, sequence_number, source_text, language, confidence, provider, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT DO NOTHING`,
		rec.TranscriptionID, rec.SessionID, rec.SequenceNumber, rec.SourceText,
		rec.Language, rec.Confidence, rec.Provider, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transcript %s: %w", rec.TranscriptionID, err)
	}
	return nil
}

func (s *Store) InsertTranslation(ctx context.Context, row TranslationRow) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO translations (translation_id, session_id, transcription_id, sequence_number, language, text, confidence, provider, is_cached)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT DO NOTHING`,
		row.TranslationID, row.SessionID, row.TranscriptionID, row.SequenceNumber,
		row.Language, row.Text, row.Confidence, row.Provider, row.IsCached,
	)
	if err != nil {
		return fmt.Errorf("insert translation %s/%s: %w", row.TranslationID, row.Language, err)
	}
	return nil
}

func (s *Store) ListSessions(ctx context.Context, filter SessionFilter) ([]SessionRecord, error) {
	query := `
		SELECT id, owner_id, source_language, target_languages, status, end_reason, created_at, live_started_at, ended_at
		FROM sessions WHERE TRUE`
	var args []any

	if filter.OwnerID != "" {
		args = append(args, filter.OwnerID)
		query += fmt.Sprintf(" AND owner_id = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if !filter.From.IsZero() {
		args = append(args, filter.From)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To)
		query += fmt.Sprintf(" AND created_at < $%d", len(args))
	}

	query += " ORDER BY created_at DESC"
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		if err := rows.Scan(
			&rec.ID, &rec.OwnerID, &rec.SourceLanguage, &rec.TargetLanguages,
			&rec.Status, &rec.EndReason, &rec.CreatedAt, &rec.LiveStartedAt, &rec.EndedAt,
		); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) GetTranscripts(ctx context.Context, sessionID string) ([]translate.TranscriptRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, sequence_number, source_text, language, confidence, provider, created_at
		FROM transcripts WHERE session_id = $1 ORDER BY sequence_number`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("get transcripts for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []translate.TranscriptRecord
	for rows.Next() {
		rec := translate.TranscriptRecord{IsFinal: true}
		if err := rows.Scan(
			&rec.TranscriptionID, &rec.SessionID, &rec.SequenceNumber, &rec.SourceText,
			&rec.Language, &rec.Confidence, &rec.Provider, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan transcript: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) GetTranslations(ctx context.Context, sessionID string) ([]TranslationRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT translation_id, session_id, transcription_id, sequence_number, language, text, confidence, provider, is_cached
		FROM translations WHERE session_id = $1 ORDER BY sequence_number, language`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("get translations for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []TranslationRow
	for rows.Next() {
		var row TranslationRow
		if err := rows.Scan(
			&row.TranslationID, &row.SessionID, &row.TranscriptionID, &row.SequenceNumber,
			&row.Language, &row.Text, &row.Confidence, &row.Provider, &row.IsCached,
		); err != nil {
			return nil, fmt.Errorf("scan translation: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *Store) GetAllConfig(ctx context.Context) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, value FROM config`)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan config row: %w", err)
		}
		out[key] = value
	}
	return out, rows.Err()
}

func (s *Store) GetConfigValue(ctx context.Context, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM config WHERE key = $1`, key).Scan(&value)
	if err != nil {
		return "", fmt.Errorf("get config %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) SetConfigValue(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO config (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set config %s: %w", key, err)
	}
	return nil
}
