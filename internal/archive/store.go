// Package archive persists terminal sessions and their event history to
// Postgres. Writes are queued and flushed by background workers so the
// session state machine never blocks on the database.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/kestrellabs/deepresearch/internal/metrics"
	"github.com/kestrellabs/deepresearch/internal/session"
	"github.com/kestrellabs/deepresearch/internal/streaming"
)

// Config holds Postgres connection settings.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	// Workers and QueueSize tune the async flush path. Zero values take
	// defaults.
	Workers   int
	QueueSize int
}

func (c Config) dsn() string {
	ssl := c.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, ssl)
}

type record struct {
	sess   session.Session
	events []streaming.Event
}

// Store archives sessions asynchronously. It implements session.Archiver.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger

	queue chan record
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// New connects to Postgres and starts the flush workers.
func New(cfg Config, logger *zap.Logger) (*Store, error) {
	db, err := sqlx.Connect("postgres", cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	return NewWithDB(db, cfg, logger), nil
}

// NewWithDB wraps an existing connection. Used by tests with sqlmock.
func NewWithDB(db *sqlx.DB, cfg Config, logger *zap.Logger) *Store {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	s := &Store{
		db:     db,
		logger: logger,
		queue:  make(chan record, cfg.QueueSize),
	}
	for i := 0; i < cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

// ArchiveSession enqueues a terminal session for persistence. If the queue
// is full the record is dropped and counted; archival is best-effort.
func (s *Store) ArchiveSession(sess session.Session, events []streaming.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	select {
	case s.queue <- record{sess: sess, events: events}:
		metrics.ArchiveQueueDepth.Set(float64(len(s.queue)))
	default:
		metrics.ArchiveDrops.Inc()
		s.logger.Warn("archive queue full, dropping session record",
			zap.String("session_id", sess.ID))
	}
}

func (s *Store) worker() {
	defer s.wg.Done()
	for rec := range s.queue {
		metrics.ArchiveQueueDepth.Set(float64(len(s.queue)))
		if err := s.persist(rec); err != nil {
			metrics.ArchiveErrors.Inc()
			s.logger.Error("failed to archive session",
				zap.String("session_id", rec.sess.ID),
				zap.Error(err))
		}
	}
}

func (s *Store) persist(rec record) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var resultJSON []byte
	if rec.sess.Result != nil {
		resultJSON, err = json.Marshal(rec.sess.Result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO research_sessions
			(id, topic, state, review_cycle, error, result, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			review_cycle = EXCLUDED.review_cycle,
			error = EXCLUDED.error,
			result = EXCLUDED.result,
			completed_at = EXCLUDED.completed_at`,
		rec.sess.ID, rec.sess.Topic, string(rec.sess.State), rec.sess.ReviewCycle,
		rec.sess.Error, resultJSON, rec.sess.CreatedAt, rec.sess.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	for _, evt := range rec.events {
		var payload []byte
		if evt.Payload != nil {
			payload, err = json.Marshal(evt.Payload)
			if err != nil {
				return fmt.Errorf("marshal event payload: %w", err)
			}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO research_events
				(session_id, seq, type, message, payload, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (session_id, seq) DO NOTHING`,
			evt.SessionID, evt.Seq, string(evt.Type), evt.Message, payload, evt.Timestamp)
		if err != nil {
			return fmt.Errorf("insert event seq %d: %w", evt.Seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ArchivedSession is a row of the research_sessions table.
type ArchivedSession struct {
	ID          string     `db:"id"`
	Topic       string     `db:"topic"`
	State       string     `db:"state"`
	ReviewCycle int        `db:"review_cycle"`
	Error       string     `db:"error"`
	CreatedAt   time.Time  `db:"created_at"`
	CompletedAt *time.Time `db:"completed_at"`
}

// RecentSessions returns the most recently completed archived sessions.
func (s *Store) RecentSessions(ctx context.Context, limit int) ([]ArchivedSession, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []ArchivedSession
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, topic, state, review_cycle, COALESCE(error, '') AS error,
		       created_at, completed_at
		FROM research_sessions
		ORDER BY completed_at DESC NULLS LAST
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	return out, nil
}

// HealthCheck verifies database connectivity.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close drains the queue and closes the connection pool.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.queue)
	s.wg.Wait()
	return s.db.Close()
}
