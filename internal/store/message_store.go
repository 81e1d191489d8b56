package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"danmakugo/internal/danmaku"
)

var ErrNilMessage = errors.New("nil message")

const schema = `
CREATE TABLE IF NOT EXISTS danmaku_messages (
    id         TEXT PRIMARY KEY,
    room_id    TEXT        NOT NULL,
    sender_id  TEXT        NOT NULL,
    msg_type   TEXT        NOT NULL,
    content    TEXT        NOT NULL DEFAULT '',
    color      TEXT        NOT NULL DEFAULT '',
    emote_id   TEXT,
    emote_name TEXT,
    emote_url  TEXT,
    sent_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS danmaku_messages_room_sent_idx
    ON danmaku_messages (room_id, sent_at DESC)`

type IMessageStore interface {
	EnsureSchema(ctx context.Context) error
	StoreMessage(ctx context.Context, roomID string, msg *danmaku.FinalizedMessage) (string, error)
	RecentMessages(ctx context.Context, roomID string, limit int) ([]danmaku.FinalizedMessage, error)
}

type messageStore struct {
	db *sql.DB
}

var _ IMessageStore = (*messageStore)(nil)

func NewMessageStore(db *sql.DB) IMessageStore {
	return &messageStore{db: db}
}

func (s *messageStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// StoreMessage is idempotent on the message id and returns it.
func (s *messageStore) StoreMessage(ctx context.Context, roomID string, msg *danmaku.FinalizedMessage) (string, error) {
	if msg == nil {
		return "", ErrNilMessage
	}
	var emoteID, emoteName, emoteURL sql.NullString
	if e := msg.Emote; e != nil {
		emoteID = sql.NullString{String: e.ID, Valid: true}
		emoteName = sql.NullString{String: e.Name, Valid: true}
		emoteURL = sql.NullString{String: e.URL, Valid: true}
	}

	const insert = `
	INSERT INTO danmaku_messages (id, room_id, sender_id, msg_type, content, color,
	                              emote_id, emote_name, emote_url, sent_at)
	     VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	ON CONFLICT (id) DO NOTHING`

	if _, err := s.db.ExecContext(ctx, insert,
		msg.ID, roomID, msg.SenderID, msg.Type, msg.Content, msg.Color, emoteID, emoteName, emoteURL, msg.Timestamp); err != nil {
		return "", fmt.Errorf("store message %s: %w", msg.ID, err)
	}
	return msg.ID, nil
}

// RecentMessages returns up to limit messages of a room, newest first.
func (s *messageStore) RecentMessages(ctx context.Context, roomID string, limit int) ([]danmaku.FinalizedMessage, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, room_id, sender_id, msg_type, content, color, emote_id, emote_name, emote_url, sent_at
	  FROM danmaku_messages
	 WHERE room_id = $1
	 ORDER BY sent_at DESC
	 LIMIT $2`, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []danmaku.FinalizedMessage
	for rows.Next() {
		var (
			m                           danmaku.FinalizedMessage
			emoteID, emoteName, emoteURL sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.Type, &m.Content, &m.Color,
			&emoteID, &emoteName, &emoteURL, &m.Timestamp); err != nil {
			return nil, err
		}
		if emoteID.Valid {
			m.Emote = &danmaku.EmoteRef{ID: emoteID.String, Name: emoteName.String, URL: emoteURL.String}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
