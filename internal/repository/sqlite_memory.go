package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"duka-assistant/internal/domain"
)

type migration struct {
	version int
	sql     string
}

// Versions must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS conversation_memory (
	memory_key     TEXT PRIMARY KEY,
	topic          TEXT NOT NULL DEFAULT '',
	objective      TEXT NOT NULL DEFAULT '',
	last_plan      TEXT NOT NULL DEFAULT '',
	strategy_level TEXT NOT NULL DEFAULT '',
	lang           TEXT NOT NULL DEFAULT '',
	updated_at     INTEGER NOT NULL
);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}

// memoryRow mirrors a conversation_memory row. updated_at is unix nanoseconds.
type memoryRow struct {
	Key           string `db:"memory_key"`
	Topic         string `db:"topic"`
	Objective     string `db:"objective"`
	LastPlan      string `db:"last_plan"`
	StrategyLevel string `db:"strategy_level"`
	Lang          string `db:"lang"`
	UpdatedAt     int64  `db:"updated_at"`
}

// SQLiteMemory keeps conversation state in a local SQLite file. Suited to the
// CLI, where there is no shared cache service.
type SQLiteMemory struct {
	db *sqlx.DB
}

// NewSQLiteMemory opens (or creates) the database at path and applies pending
// migrations. ":memory:" gives a throwaway database.
func NewSQLiteMemory(path string) (*SQLiteMemory, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("repository: open sqlite: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("repository: enable WAL: %w", err)
	}

	s := &SQLiteMemory{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteMemory) Close() error {
	return s.db.Close()
}

func (s *SQLiteMemory) migrate() error {
	current := 0
	var tables int
	err := s.db.Get(&tables, "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'")
	if err != nil {
		return fmt.Errorf("repository: check schema_version: %w", err)
	}
	if tables > 0 {
		if err := s.db.Get(&current, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("repository: read schema version: %w", err)
		}
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("repository: apply migration v%d: %w", m.version, err)
		}
	}
	return nil
}

func (s *SQLiteMemory) Load(ctx context.Context, key string) (*domain.ConversationState, error) {
	var row memoryRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM conversation_memory WHERE memory_key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repository: sqlite load: %w", err)
	}
	return &domain.ConversationState{
		Topic:         row.Topic,
		Objective:     row.Objective,
		LastPlan:      row.LastPlan,
		StrategyLevel: domain.StrategyLevel(row.StrategyLevel),
		Lang:          domain.Lang(row.Lang),
		UpdatedAt:     time.Unix(0, row.UpdatedAt).UTC(),
	}, nil
}

func (s *SQLiteMemory) Save(ctx context.Context, key string, st domain.ConversationState) error {
	row := memoryRow{
		Key:           key,
		Topic:         st.Topic,
		Objective:     st.Objective,
		LastPlan:      st.LastPlan,
		StrategyLevel: string(st.StrategyLevel),
		Lang:          string(st.Lang),
		UpdatedAt:     st.UpdatedAt.UnixNano(),
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT OR REPLACE INTO conversation_memory (
			memory_key, topic, objective, last_plan, strategy_level, lang, updated_at
		) VALUES (
			:memory_key, :topic, :objective, :last_plan, :strategy_level, :lang, :updated_at
		)`, row)
	if err != nil {
		return fmt.Errorf("repository: sqlite save: %w", err)
	}
	return nil
}

func (s *SQLiteMemory) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM conversation_memory WHERE memory_key = ?", key); err != nil {
		return fmt.Errorf("repository: sqlite delete: %w", err)
	}
	return nil
}
