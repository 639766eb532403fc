package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailsync/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "mail.db"), "mailsync")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func strPtr(s string) *string { return &s }

func realEmail(msgID, to string) *store.Email {
	return &store.Email{
		ID:        "id-" + msgID,
		MessageID: msgID,
		Folder:    "inbox",
		Subject:   strPtr("hello"),
		FromEmail: strPtr("sender@x.com"),
		To:        to,
		Date:      time.Unix(1700000000, 0),
		Body:      strPtr("body"),
		Labels:    []string{"INBOX", "UNREAD"},
		OwnerID:   "owner-1",
	}
}

func TestInsertAndFind(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	found, err := s.FindByMessageID(ctx, "m1")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, s.InsertMessage(ctx, realEmail("m1", "foo@x.com")))

	found, err = s.FindByMessageID(ctx, "m1")
	require.NoError(t, err)
	require.True(t, found)

	found, err = s.FindByRecipient(ctx, "foo@x.com")
	require.NoError(t, err)
	require.True(t, found)

	found, err = s.FindByRecipient(ctx, "bar@x.com")
	require.NoError(t, err)
	require.False(t, found)

	var labels string
	require.NoError(t, s.DB.GetContext(ctx, &labels, `SELECT labels_json FROM emails WHERE message_id = ?`, "m1"))
	require.Equal(t, []string{"INBOX", "UNREAD"}, store.DecodeLabels(labels))
}

func TestInsertDuplicate(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.InsertMessage(ctx, realEmail("m1", "foo@x.com")))

	dup := realEmail("m1", "foo@x.com")
	dup.ID = "another-row-id"
	require.ErrorIs(t, s.InsertMessage(ctx, dup), store.ErrDuplicate)

	var n int
	require.NoError(t, s.DB.GetContext(ctx, &n, `SELECT COUNT(*) FROM emails`))
	require.Equal(t, 1, n)

	// The rolled back duplicate must not leave an outbox entry behind.
	require.NoError(t, s.DB.GetContext(ctx, &n, `SELECT COUNT(*) FROM outbox`))
	require.Equal(t, 1, n)
}

func TestInsertShadow(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.Error(t, s.InsertShadow(ctx, realEmail("m1", "foo@x.com")))

	shadow := &store.Email{
		ID:        "shadow-row",
		MessageID: "shadow-msg",
		Folder:    "inbox",
		To:        "foo@x.com",
		Date:      time.Now(),
		IsRead:    true,
		OwnerID:   "owner-1",
		IsShadow:  true,
	}
	require.NoError(t, s.InsertShadow(ctx, shadow))

	var subject *string
	require.NoError(t, s.DB.GetContext(ctx, &subject, `SELECT subject FROM emails WHERE message_id = ?`, "shadow-msg"))
	require.Nil(t, subject)

	msgs, err := s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "mailsync.owner-1.mailbox.discovered", msgs[0].Subject)
	require.Equal(t, "mailbox.discovered|shadow-msg", msgs[0].MsgID)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &payload))
	require.Equal(t, "foo@x.com", payload["to"])

	// A second placeholder for the same address is refused.
	shadow.ID, shadow.MessageID = "shadow-row-2", "shadow-msg-2"
	require.ErrorIs(t, s.InsertShadow(ctx, shadow), store.ErrDuplicate)

	require.NoError(t, s.InsertMessage(ctx, realEmail("m2", "bar@x.com")))
	shadow.ID, shadow.MessageID, shadow.To = "shadow-row-3", "shadow-msg-3", "bar@x.com"
	require.ErrorIs(t, s.InsertShadow(ctx, shadow), store.ErrDuplicate)
}

func TestOutboxLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.InsertMessage(ctx, realEmail("m1", "foo@x.com")))
	require.NoError(t, s.InsertMessage(ctx, realEmail("m2", "foo@x.com")))

	msgs, err := s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "email.received|m1", msgs[0].MsgID)
	require.Equal(t, "email.received|m2", msgs[1].MsgID)

	require.NoError(t, s.MarkPublished(ctx, msgs[0].ID))
	require.NoError(t, s.MarkOutboxRetry(ctx, msgs[1].ID, time.Hour))

	msgs, err = s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestCheckpoints(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	cursor, err := s.LoadCheckpoint(ctx, "gmail")
	require.NoError(t, err)
	require.Empty(t, cursor)

	require.NoError(t, s.SaveCheckpoint(ctx, "gmail", "inbox", "H100", store.StatusHooked))
	require.NoError(t, s.SaveCheckpoint(ctx, "gmail", "inbox", "H120", store.StatusHooked))

	cursor, err = s.LoadCheckpoint(ctx, "gmail")
	require.NoError(t, err)
	require.Equal(t, "H120", cursor)

	require.NoError(t, s.UpdateSyncStatus(ctx, "gmail", store.StatusError, "boom"))

	var row struct {
		Status     string `db:"status"`
		LastError  string `db:"last_error"`
		RetryCount int    `db:"retry_count"`
	}
	require.NoError(t, s.DB.GetContext(ctx, &row, `SELECT status, last_error, retry_count FROM provider_sync_state WHERE provider = ?`, "gmail"))
	require.Equal(t, store.StatusError, row.Status)
	require.Equal(t, "boom", row.LastError)
	require.Equal(t, 1, row.RetryCount)

	// A successful save clears the error and keeps the cursor authoritative.
	require.NoError(t, s.SaveCheckpoint(ctx, "gmail", "inbox", "H130", store.StatusHooked))
	cursor, err = s.LoadCheckpoint(ctx, "gmail")
	require.NoError(t, err)
	require.Equal(t, "H130", cursor)
}

func TestUpdateSyncStatusBeforeFirstCheckpoint(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.UpdateSyncStatus(ctx, "outlook", store.StatusError, "invalid_grant"))

	var row struct {
		Status     string `db:"status"`
		LastError  string `db:"last_error"`
		RetryCount int    `db:"retry_count"`
	}
	require.NoError(t, s.DB.GetContext(ctx, &row, `SELECT status, last_error, retry_count FROM provider_sync_state WHERE provider = ?`, "outlook"))
	require.Equal(t, store.StatusError, row.Status)
	require.Equal(t, "invalid_grant", row.LastError)
	require.Equal(t, 1, row.RetryCount)

	cursor, err := s.LoadCheckpoint(ctx, "outlook")
	require.NoError(t, err)
	require.Empty(t, cursor)

	require.NoError(t, s.UpdateSyncStatus(ctx, "outlook", store.StatusError, "invalid_grant"))
	require.NoError(t, s.DB.GetContext(ctx, &row.RetryCount, `SELECT retry_count FROM provider_sync_state WHERE provider = ?`, "outlook"))
	require.Equal(t, 2, row.RetryCount)
}
