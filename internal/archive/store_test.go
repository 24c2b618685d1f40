package archive

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kestrellabs/deepresearch/internal/session"
	"github.com/kestrellabs/deepresearch/internal/streaming"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	store := NewWithDB(sqlx.NewDb(db, "sqlmock"), Config{Workers: 1, QueueSize: 8}, zaptest.NewLogger(t))
	return store, mock
}

func terminalSession() session.Session {
	now := time.Now().UTC()
	done := now.Add(time.Minute)
	return session.Session{
		ID:          "sess-1",
		Topic:       "container shipping",
		State:       session.StateCompleted,
		ReviewCycle: 2,
		Result:      &session.Report{Topic: "container shipping", Content: "report", ReviewCycles: 2},
		CreatedAt:   now,
		UpdatedAt:   done,
		CompletedAt: &done,
	}
}

func TestStoreArchivesSessionWithEvents(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO research_sessions").
		WithArgs("sess-1", "container shipping", "completed", 2, "",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO research_events").
		WithArgs("sess-1", int64(1), "stage_started", "questions started",
			sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO research_events").
		WithArgs("sess-1", int64(2), "completed", "research completed",
			sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectClose()

	store.ArchiveSession(terminalSession(), []streaming.Event{
		{SessionID: "sess-1", Seq: 1, Type: streaming.EventStageStarted, Message: "questions started", Timestamp: time.Now().UTC()},
		{SessionID: "sess-1", Seq: 2, Type: streaming.EventCompleted, Message: "research completed", Timestamp: time.Now().UTC()},
	})
	require.NoError(t, store.Close())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreRollsBackOnInsertFailure(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO research_sessions").
		WillReturnError(assert.AnError)
	mock.ExpectRollback()
	mock.ExpectClose()

	store.ArchiveSession(terminalSession(), nil)
	require.NoError(t, store.Close())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreDropsWhenQueueFull(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	store := &Store{
		db:     sqlx.NewDb(db, "sqlmock"),
		logger: zaptest.NewLogger(t),
		queue:  make(chan record, 1),
	}

	// no workers are draining, so the second enqueue must drop, not block
	store.ArchiveSession(terminalSession(), nil)
	done := make(chan struct{})
	go func() {
		store.ArchiveSession(terminalSession(), nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ArchiveSession blocked on a full queue")
	}
}

func TestStoreArchiveAfterCloseIsNoop(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectClose()
	require.NoError(t, store.Close())

	store.ArchiveSession(terminalSession(), nil)
	assert.NoError(t, mock.ExpectationsWereMet())
}
