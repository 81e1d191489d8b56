package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"danmakugo/internal/danmaku"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sentAt = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newMock(t *testing.T) (IMessageStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewMessageStore(db), mock
}

func TestEnsureSchema(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS danmaku_messages")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreMessageText(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO danmaku_messages")).
		WithArgs("m1", "r1", "alice", danmaku.TypeText, "hello ***", "#ff0000", nil, nil, nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	id, err := s.StoreMessage(context.Background(), "r1", &danmaku.FinalizedMessage{
		ID: "m1", RoomID: "r1", SenderID: "alice", Content: "hello ***",
		Type: danmaku.TypeText, Color: "#ff0000", Timestamp: sentAt,
	})

	require.NoError(t, err)
	assert.Equal(t, "m1", id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreMessageEmote(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO danmaku_messages")).
		WithArgs("m2", "r1", "bob", danmaku.TypeEmote, "", "", "kappa", "Kappa", "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := s.StoreMessage(context.Background(), "r1", &danmaku.FinalizedMessage{
		ID: "m2", SenderID: "bob", Type: danmaku.TypeEmote,
		Emote: &danmaku.EmoteRef{ID: "kappa", Name: "Kappa"}, Timestamp: sentAt,
	})

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreMessageErrors(t *testing.T) {
	s, mock := newMock(t)

	_, err := s.StoreMessage(context.Background(), "r1", nil)
	assert.ErrorIs(t, err, ErrNilMessage)

	boom := errors.New("connection reset")
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO danmaku_messages")).WillReturnError(boom)

	_, err = s.StoreMessage(context.Background(), "r1", &danmaku.FinalizedMessage{ID: "m3", Type: danmaku.TypeText})
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "m3")
}

func TestRecentMessages(t *testing.T) {
	s, mock := newMock(t)
	rows := sqlmock.NewRows([]string{"id", "room_id", "sender_id", "msg_type", "content", "color",
		"emote_id", "emote_name", "emote_url", "sent_at"}).
		AddRow("m2", "r1", "bob", "emote", "", "", "kappa", "Kappa", "", sentAt.Add(time.Second)).
		AddRow("m1", "r1", "alice", "text", "hi", "", nil, nil, nil, sentAt)
	mock.ExpectQuery(regexp.QuoteMeta("FROM danmaku_messages")).
		WithArgs("r1", 50).
		WillReturnRows(rows)

	msgs, err := s.RecentMessages(context.Background(), "r1", 0)

	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "kappa", msgs[0].Emote.ID)
	assert.Nil(t, msgs[1].Emote)
	assert.Equal(t, "hi", msgs[1].Content)
	assert.NoError(t, mock.ExpectationsWereMet())
}
