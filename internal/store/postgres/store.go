package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Martian-dev/mailsync/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// Store is the Postgres storage backend.
type Store struct {
	*pgxpool.Pool
	subjectPrefix string
}

var _ store.Store = (*Store)(nil)

// Open connects to dsn, verifies the connection and applies the schema.
func Open(ctx context.Context, dsn, subjectPrefix string) (*Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{Pool: pool, subjectPrefix: subjectPrefix}, nil
}

func (s *Store) Close() error {
	s.Pool.Close()
	return nil
}

func (s *Store) FindByMessageID(ctx context.Context, messageID string) (bool, error) {
	var exists bool
	err := s.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM emails WHERE message_id = $1)`, messageID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to look up message: %w", err)
	}
	return exists, nil
}

func (s *Store) FindByRecipient(ctx context.Context, address string) (bool, error) {
	var exists bool
	err := s.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM emails WHERE to_email = $1)`, address).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to look up recipient: %w", err)
	}
	return exists, nil
}

const insertEmail = `
	INSERT INTO emails
	(id, message_id, folder, subject, from_name, from_email, to_email, date, body, html_body,
	 is_read, is_starred, labels, has_attachment, owner_id, is_shadow, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	ON CONFLICT (message_id) DO NOTHING`

// The shadow insert is skipped when any row already targets the recipient.
// idx_emails_shadow_recipient settles concurrent shadow inserts.
const insertShadow = `
	INSERT INTO emails
	(id, message_id, folder, subject, from_name, from_email, to_email, date, body, html_body,
	 is_read, is_starred, labels, has_attachment, owner_id, is_shadow, created_at)
	SELECT $1::text, $2::text, $3::text, $4::text, $5::text, $6::text, $7::text, $8::timestamptz,
	       $9::text, $10::text, $11::boolean, $12::boolean, $13::jsonb, $14::boolean, $15::text,
	       $16::boolean, $17::timestamptz
	WHERE NOT EXISTS (SELECT 1 FROM emails WHERE to_email = $7::text)
	ON CONFLICT (to_email) WHERE is_shadow DO NOTHING`

func (s *Store) InsertMessage(ctx context.Context, rec *store.Email) error {
	return s.insert(ctx, rec, insertEmail)
}

func (s *Store) InsertShadow(ctx context.Context, rec *store.Email) error {
	if !rec.IsShadow {
		return errors.New("insert shadow: record is not a shadow")
	}
	return s.insert(ctx, rec, insertShadow)
}

func (s *Store) insert(ctx context.Context, rec *store.Email, query string) error {
	event, err := store.NewEvent(s.subjectPrefix, rec)
	if err != nil {
		return err
	}

	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	tx, err := s.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, query,
		rec.ID,
		rec.MessageID,
		rec.Folder,
		rec.Subject,
		rec.FromName,
		rec.FromEmail,
		rec.To,
		rec.Date,
		rec.Body,
		rec.HTMLBody,
		rec.IsRead,
		rec.IsStarred,
		store.EncodeLabels(rec.Labels),
		rec.HasAttachment,
		rec.OwnerID,
		rec.IsShadow,
		created,
	)
	if err != nil {
		return fmt.Errorf("failed to insert email: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrDuplicate
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO outbox (subject, event_type, payload, msg_id)
		VALUES ($1, $2, $3, $4)
	`, event.Subject, event.Type, event.Payload, event.MsgID)
	if err != nil {
		return fmt.Errorf("failed to insert outbox entry: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]store.OutboxMessage, error) {
	rows, err := s.Query(ctx, `
		SELECT id, subject, payload, msg_id
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= now()
		ORDER BY id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var messages []store.OutboxMessage
	for rows.Next() {
		var msg store.OutboxMessage
		if err := rows.Scan(&msg.ID, &msg.Subject, &msg.Payload, &msg.MsgID); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.Exec(ctx, `UPDATE outbox SET published_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}
	return nil
}

func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.Exec(ctx, `
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = $1
		WHERE id = $2
	`, time.Now().Add(backoff), id)
	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}
	return nil
}

func (s *Store) LoadCheckpoint(ctx context.Context, provider string) (string, error) {
	var cursor *string
	err := s.QueryRow(ctx, `SELECT cursor FROM provider_sync_state WHERE provider = $1`, provider).Scan(&cursor)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if cursor == nil {
		return "", nil
	}
	return *cursor, nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, provider, folder, cursor, status string) error {
	_, err := s.Exec(ctx, `
		INSERT INTO provider_sync_state (provider, folder, cursor, last_synced_at, status, last_error, updated_at)
		VALUES ($1, $2, $3, now(), $4, NULL, now())
		ON CONFLICT (provider) DO UPDATE SET
			folder = EXCLUDED.folder,
			cursor = EXCLUDED.cursor,
			last_synced_at = EXCLUDED.last_synced_at,
			status = EXCLUDED.status,
			last_error = NULL,
			updated_at = EXCLUDED.updated_at
	`, provider, folder, cursor, status)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (s *Store) UpdateSyncStatus(ctx context.Context, provider, status, errorMsg string) error {
	_, err := s.Exec(ctx, `
		INSERT INTO provider_sync_state (provider, status, last_error, retry_count, updated_at)
		VALUES ($1, $2, $3, CASE WHEN $3 <> '' THEN 1 ELSE 0 END, now())
		ON CONFLICT (provider) DO UPDATE SET
			status = EXCLUDED.status,
			last_error = EXCLUDED.last_error,
			retry_count = provider_sync_state.retry_count + EXCLUDED.retry_count,
			updated_at = EXCLUDED.updated_at
	`, provider, status, errorMsg)
	if err != nil {
		return fmt.Errorf("failed to update sync status: %w", err)
	}
	return nil
}
