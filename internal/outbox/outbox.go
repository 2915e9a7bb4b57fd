package outbox

import (
	"database/sql"
	"time"

	"coachchat/internal/model"
)

// Entry is one queued or settled send. Attachment fields hold the uploaded
// descriptor; the payload itself is never stored locally.
type Entry struct {
	ID           int64
	ClientMsgID  string
	ThreadID     string
	SenderID     string
	SenderName   string
	Body         string
	AttKind      string
	AttURL       string
	AttThumb     string
	AttSize      int64
	ClientTS     int64
	Seq          uint64
	Status       string // queued, sending, sent, failed
	ErrorMessage string
}

// FromMessage builds an outbox entry for a message about to be persisted.
func FromMessage(m *model.Message) *Entry {
	e := &Entry{
		ClientMsgID: m.ClientID,
		ThreadID:    m.ThreadID,
		SenderID:    m.SenderID,
		SenderName:  m.SenderName,
		Body:        m.Body,
		ClientTS:    m.ClientTS,
		Seq:         m.Seq,
	}
	if m.Attachment != nil {
		e.AttKind = string(m.Attachment.Kind)
		e.AttURL = m.Attachment.URL
		e.AttThumb = m.Attachment.ThumbnailURL
		e.AttSize = m.Attachment.SizeBytes
	}
	return e
}

// ToMessage rebuilds the provisional message a failed entry represents,
// used to repopulate the store after a restart.
func (e *Entry) ToMessage() *model.Message {
	m := &model.Message{
		ClientID:   e.ClientMsgID,
		ThreadID:   e.ThreadID,
		SenderID:   e.SenderID,
		SenderName: e.SenderName,
		Body:       e.Body,
		ClientTS:   e.ClientTS,
		Seq:        e.Seq,
		Status:     model.StatusFailed,
		FailReason: e.ErrorMessage,
	}
	if e.AttKind != "" {
		m.Attachment = &model.Attachment{
			Kind:         model.AttachmentKind(e.AttKind),
			URL:          e.AttURL,
			ThumbnailURL: e.AttThumb,
			SizeBytes:    e.AttSize,
		}
	}
	return m
}

// Queue adds a send to the outbox with 'queued' status.
func (db *DB) Queue(e *Entry) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (client_msg_id, thread_id, sender_id, sender_name, body, att_kind, att_url, att_thumb, att_size, client_ts, seq, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'queued', ?, ?)`,
		e.ClientMsgID, e.ThreadID, e.SenderID, e.SenderName, e.Body,
		e.AttKind, e.AttURL, e.AttThumb, e.AttSize, e.ClientTS, e.Seq, now, now)
	return err
}

// MarkSending updates an entry to 'sending' status.
func (db *DB) MarkSending(clientMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sending', updated_at = ? WHERE client_msg_id = ?`, now, clientMsgID)
	return err
}

// MarkSent updates an entry to 'sent' status.
func (db *DB) MarkSent(clientMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sent', error_message = '', updated_at = ? WHERE client_msg_id = ?`, now, clientMsgID)
	return err
}

// MarkFailed updates an entry to 'failed' with an error message.
func (db *DB) MarkFailed(clientMsgID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE client_msg_id = ?`, errMsg, now, clientMsgID)
	return err
}

// Get returns one entry by idempotency id, or nil if absent.
func (db *DB) Get(clientMsgID string) (*Entry, error) {
	rows, err := db.Query(selectCols+` WHERE client_msg_id = ?`, clientMsgID)
	if err != nil {
		return nil, err
	}
	entries, err := scanEntries(rows)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return entries[0], nil
}

// Failed returns entries awaiting a user-driven retry, oldest first.
func (db *DB) Failed() ([]*Entry, error) {
	rows, err := db.Query(selectCols + ` WHERE status = 'failed' ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

// Stalled returns entries a previous process left mid-flight ('queued' or
// 'sending'), oldest first. The pipeline resurfaces them as failed on boot.
func (db *DB) Stalled() ([]*Entry, error) {
	rows, err := db.Query(selectCols + ` WHERE status IN ('queued', 'sending') ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

const selectCols = `
	SELECT id, client_msg_id, thread_id, sender_id, sender_name, body, att_kind, att_url, att_thumb, att_size, client_ts, seq, status, error_message
	FROM outbox`

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.ClientMsgID, &e.ThreadID, &e.SenderID, &e.SenderName, &e.Body,
			&e.AttKind, &e.AttURL, &e.AttThumb, &e.AttSize, &e.ClientTS, &e.Seq, &e.Status, &e.ErrorMessage); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
