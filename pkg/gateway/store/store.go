// Package store persists live conversations and captured leads in Postgres.
package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/vango-go/vai-live-bridge/pkg/gateway/tools/builtins"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	DirectionIncoming = "incoming"
	DirectionOutgoing = "outgoing"
)

// querier is the subset of *pgxpool.Pool the store uses.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	db     querier
	pool   *pgxpool.Pool
	logger *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	chats map[string]uuid.UUID
}

// Open connects to Postgres, applies pending migrations and returns a ready store.
func Open(ctx context.Context, databaseURL string, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, errors.New("database url is required")
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	s := newStore(pool, logger)
	s.pool = pool
	return s, nil
}

func newStore(db querier, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:     db,
		logger: logger,
		now:    time.Now,
		chats:  make(map[string]uuid.UUID),
	}
}

// Migrate applies the embedded goose migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return errors.New("store is not connected")
	}
	return s.pool.Ping(ctx)
}

// SaveMessage writes one accumulated message. The chat row for sessionID is
// created on first use.
func (s *Store) SaveMessage(ctx context.Context, sessionID, direction, contentType, text string, audio []byte) error {
	if strings.TrimSpace(sessionID) == "" {
		return errors.New("session id is required")
	}
	if direction != DirectionIncoming && direction != DirectionOutgoing {
		return fmt.Errorf("invalid direction %q", direction)
	}
	chatID, err := s.chatFor(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(audio) == 0 {
		audio = nil
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO messages (id, chat_id, direction, content_type, text, audio, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.New(), chatID, direction, contentType, text, audio, s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	s.logger.Debug("message saved",
		zap.String("session_id", sessionID),
		zap.String("direction", direction),
		zap.String("content_type", contentType),
		zap.Int("text_len", len(text)),
		zap.Int("audio_bytes", len(audio)),
	)
	return nil
}

func (s *Store) chatFor(ctx context.Context, sessionID string) (uuid.UUID, error) {
	s.mu.Lock()
	id, ok := s.chats[sessionID]
	s.mu.Unlock()
	if ok {
		return id, nil
	}

	var chatID uuid.UUID
	err := s.db.QueryRow(ctx,
		`INSERT INTO chats (id, session_id, created_at) VALUES ($1, $2, $3)
		 ON CONFLICT (session_id) DO UPDATE SET session_id = EXCLUDED.session_id
		 RETURNING id`,
		uuid.New(), sessionID, s.now().UTC(),
	).Scan(&chatID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("upsert chat: %w", err)
	}

	s.mu.Lock()
	s.chats[sessionID] = chatID
	s.mu.Unlock()
	return chatID, nil
}

// SaveLead implements builtins.LeadSink.
func (s *Store) SaveLead(ctx context.Context, lead builtins.Lead) error {
	createdAt := lead.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO leads (id, session_id, name, phone, unit_code, notes, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.New(), lead.SessionID, lead.Name, lead.Phone, lead.UnitCode, lead.Notes, createdAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert lead: %w", err)
	}
	return nil
}

// LogStore stands in when no database is configured. Messages are logged
// and dropped.
type LogStore struct {
	Logger *zap.Logger
}

func (l LogStore) SaveMessage(_ context.Context, sessionID, direction, contentType, text string, audio []byte) error {
	if l.Logger == nil {
		return nil
	}
	l.Logger.Info("message not persisted",
		zap.String("session_id", sessionID),
		zap.String("direction", direction),
		zap.String("content_type", contentType),
		zap.Int("text_len", len(text)),
		zap.Int("audio_bytes", len(audio)),
	)
	return nil
}
