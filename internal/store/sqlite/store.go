package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/Martian-dev/mailsync/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// Store is the SQLite storage backend.
type Store struct {
	DB            *sqlx.DB
	subjectPrefix string
}

var _ store.Store = (*Store)(nil)

type emailRow struct {
	ID            string         `db:"id"`
	MessageID     string         `db:"message_id"`
	Folder        string         `db:"folder"`
	Subject       sql.NullString `db:"subject"`
	FromName      sql.NullString `db:"from_name"`
	FromEmail     sql.NullString `db:"from_email"`
	To            string         `db:"to_email"`
	Date          int64          `db:"date"`
	Body          sql.NullString `db:"body"`
	HTMLBody      sql.NullString `db:"html_body"`
	IsRead        bool           `db:"is_read"`
	IsStarred     bool           `db:"is_starred"`
	LabelsJSON    string         `db:"labels_json"`
	HasAttachment bool           `db:"has_attachment"`
	OwnerID       string         `db:"owner_id"`
	IsShadow      bool           `db:"is_shadow"`
	CreatedAt     int64          `db:"created_at"`
}

// Open opens or creates the database at dbPath. Outbox subjects are prefixed
// with subjectPrefix.
func Open(dbPath, subjectPrefix string) (*Store, error) {
	// Ensure directory exists
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single writer connection avoids SQLITE_BUSY between the writer and
	// the outbox dispatcher.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{DB: db, subjectPrefix: subjectPrefix}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.DB.Close()
}

// FindByMessageID reports whether a row with this provider message id exists.
func (s *Store) FindByMessageID(ctx context.Context, messageID string) (bool, error) {
	var n int
	err := s.DB.GetContext(ctx, &n, `SELECT COUNT(1) FROM emails WHERE message_id = ?`, messageID)
	if err != nil {
		return false, fmt.Errorf("failed to look up message: %w", err)
	}
	return n > 0, nil
}

// FindByRecipient reports whether any row, real or shadow, is addressed to
// address.
func (s *Store) FindByRecipient(ctx context.Context, address string) (bool, error) {
	var n int
	err := s.DB.GetContext(ctx, &n, `SELECT COUNT(1) FROM emails WHERE to_email = ? LIMIT 1`, address)
	if err != nil {
		return false, fmt.Errorf("failed to look up recipient: %w", err)
	}
	return n > 0, nil
}

const emailColumns = `id, message_id, folder, subject, from_name, from_email, to_email, date, body, html_body,
	 is_read, is_starred, labels_json, has_attachment, owner_id, is_shadow, created_at`

const emailValues = `:id, :message_id, :folder, :subject, :from_name, :from_email, :to_email, :date, :body, :html_body,
	 :is_read, :is_starred, :labels_json, :has_attachment, :owner_id, :is_shadow, :created_at`

// InsertMessage stores an ingested message and its outbox event.
// UNIQUE(message_id) turns a second insert of the same message into a no-op.
func (s *Store) InsertMessage(ctx context.Context, rec *store.Email) error {
	return s.insert(ctx, rec, `INSERT INTO emails (`+emailColumns+`) VALUES (`+emailValues+`)
		ON CONFLICT(message_id) DO NOTHING`)
}

// InsertShadow stores a recipient placeholder and its outbox event unless a
// row for the recipient already exists.
func (s *Store) InsertShadow(ctx context.Context, rec *store.Email) error {
	if !rec.IsShadow {
		return errors.New("insert shadow: record is not a shadow")
	}
	return s.insert(ctx, rec, `INSERT INTO emails (`+emailColumns+`) SELECT `+emailValues+`
		WHERE NOT EXISTS (SELECT 1 FROM emails WHERE to_email = :to_email)`)
}

func (s *Store) insert(ctx context.Context, rec *store.Email, query string) error {
	event, err := store.NewEvent(s.subjectPrefix, rec)
	if err != nil {
		return err
	}

	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.NamedExecContext(ctx, query, toRow(rec))
	if err != nil {
		return fmt.Errorf("failed to insert email: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.ErrDuplicate
	}

	now := time.Now().Unix()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, now, event.Subject, event.Type, event.Payload, event.MsgID, now)
	if err != nil {
		return fmt.Errorf("failed to insert outbox entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// DequeueOutbox fetches unpublished messages from outbox
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]store.OutboxMessage, error) {
	rows, err := s.DB.QueryxContext(ctx, `
		SELECT id, subject, payload, msg_id
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, time.Now().Unix(), limit)
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

// MarkPublished marks an outbox message as published
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE outbox SET published_at = ? WHERE id = ?`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}
	return nil
}

// MarkOutboxRetry updates retry count and next attempt time
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`, time.Now().Add(backoff).Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}
	return nil
}

// LoadCheckpoint loads the persisted cursor for a provider.
func (s *Store) LoadCheckpoint(ctx context.Context, provider string) (string, error) {
	var cursor sql.NullString
	err := s.DB.GetContext(ctx, &cursor, `SELECT cursor FROM provider_sync_state WHERE provider = ?`, provider)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return cursor.String, nil
}

// SaveCheckpoint saves sync checkpoint for a provider
func (s *Store) SaveCheckpoint(ctx context.Context, provider, folder, cursor, status string) error {
	now := time.Now().Unix()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO provider_sync_state (provider, folder, cursor, last_synced_at, status, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, NULL, ?)
		ON CONFLICT(provider) DO UPDATE SET
			folder = excluded.folder,
			cursor = excluded.cursor,
			last_synced_at = excluded.last_synced_at,
			status = excluded.status,
			last_error = NULL,
			updated_at = excluded.updated_at
	`, provider, folder, cursor, now, status, now)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// UpdateSyncStatus records sync status with error info, creating the row
// when no checkpoint was saved yet.
func (s *Store) UpdateSyncStatus(ctx context.Context, provider, status, errorMsg string) error {
	retry := 0
	if errorMsg != "" {
		retry = 1
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO provider_sync_state (provider, status, last_error, retry_count, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(provider) DO UPDATE SET
			status = excluded.status,
			last_error = excluded.last_error,
			retry_count = provider_sync_state.retry_count + excluded.retry_count,
			updated_at = excluded.updated_at
	`, provider, status, errorMsg, retry, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to update sync status: %w", err)
	}
	return nil
}

func toRow(rec *store.Email) emailRow {
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	return emailRow{
		ID:            rec.ID,
		MessageID:     rec.MessageID,
		Folder:        rec.Folder,
		Subject:       nullString(rec.Subject),
		FromName:      nullString(rec.FromName),
		FromEmail:     nullString(rec.FromEmail),
		To:            rec.To,
		Date:          rec.Date.Unix(),
		Body:          nullString(rec.Body),
		HTMLBody:      nullString(rec.HTMLBody),
		IsRead:        rec.IsRead,
		IsStarred:     rec.IsStarred,
		LabelsJSON:    store.EncodeLabels(rec.Labels),
		HasAttachment: rec.HasAttachment,
		OwnerID:       rec.OwnerID,
		IsShadow:      rec.IsShadow,
		CreatedAt:     created.Unix(),
	}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
