package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 001: LEDGER AND PROFILES
// ══════════════════════════════════════════════════════════════════════════════

const migration001Up = `
-- Append-only ledger. Rows are never updated or deleted.
CREATE TABLE IF NOT EXISTS point_grants (
    id UUID PRIMARY KEY,
    user_id VARCHAR(128) NOT NULL,
    points BIGINT NOT NULL,
    reason VARCHAR(200) NOT NULL,
    category VARCHAR(30) NOT NULL,
    source_event_id VARCHAR(128),
    granted_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_points CHECK (points > 0),
    CONSTRAINT valid_category CHECK (category IN ('attendance', 'content_study', 'content_review', 'bonus'))
);

CREATE INDEX IF NOT EXISTS idx_point_grants_user ON point_grants(user_id, granted_at DESC);
CREATE INDEX IF NOT EXISTS idx_point_grants_user_category ON point_grants(user_id, category);

-- Producer idempotency: one grant per (user, event id).
CREATE UNIQUE INDEX IF NOT EXISTS uq_point_grants_source_event
    ON point_grants(user_id, source_event_id) WHERE source_event_id IS NOT NULL;

-- Materialized per-user aggregate. nivel/xp columns cache the level rules
-- applied to pontos_totais.
CREATE TABLE IF NOT EXISTS gamification_profiles (
    user_id VARCHAR(128) PRIMARY KEY,
    pontos_totais BIGINT NOT NULL DEFAULT 0,
    nivel INTEGER NOT NULL DEFAULT 1,
    xp_atual BIGINT NOT NULL DEFAULT 0,
    xp_proximo_nivel BIGINT NOT NULL DEFAULT 0,
    streak_atual INTEGER NOT NULL DEFAULT 0,
    melhor_streak INTEGER NOT NULL DEFAULT 0,
    ultima_atividade DATE,
    criado_em TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    atualizado_em TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_pontos CHECK (pontos_totais >= 0),
    CONSTRAINT valid_nivel CHECK (nivel >= 1),
    CONSTRAINT valid_streak CHECK (streak_atual >= 0 AND melhor_streak >= streak_atual)
);

-- Leaderboard ordering: pontos_totais DESC, ultima_atividade ASC NULLS LAST, user_id.
CREATE INDEX IF NOT EXISTS idx_profiles_leaderboard
    ON gamification_profiles(pontos_totais DESC, ultima_atividade ASC NULLS LAST, user_id);
CREATE INDEX IF NOT EXISTS idx_profiles_ultima_atividade ON gamification_profiles(ultima_atividade);
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 002: BADGES
// ══════════════════════════════════════════════════════════════════════════════

const migration002Up = `
-- Badge catalog. Maintained by administrators; the engine only reads it.
CREATE TABLE IF NOT EXISTS badges (
    id VARCHAR(64) PRIMARY KEY,
    nome VARCHAR(100) NOT NULL,
    descricao TEXT NOT NULL DEFAULT '',
    icone VARCHAR(32) NOT NULL DEFAULT '',
    tipo VARCHAR(30) NOT NULL DEFAULT '',
    requisito JSONB NOT NULL,
    pontos_bonus BIGINT NOT NULL DEFAULT 0,
    cor VARCHAR(16) NOT NULL DEFAULT '',
    ordem INTEGER NOT NULL DEFAULT 0,

    CONSTRAINT valid_pontos_bonus CHECK (pontos_bonus >= 0)
);

CREATE INDEX IF NOT EXISTS idx_badges_ordem ON badges(ordem, id);

-- At most one unlock per (user, badge). Never removed.
CREATE TABLE IF NOT EXISTS user_badges (
    user_id VARCHAR(128) NOT NULL,
    badge_id VARCHAR(64) NOT NULL REFERENCES badges(id),
    conquistado_em TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    PRIMARY KEY (user_id, badge_id)
);
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 003: EXTERNAL DIRECTORY
// Enrollment and display names belong to other services. These relations are
// created so a standalone deployment works; the engine never writes them.
// ══════════════════════════════════════════════════════════════════════════════

const migration003Up = `
CREATE TABLE IF NOT EXISTS cohorts (
    id VARCHAR(128) PRIMARY KEY,
    nome VARCHAR(100) NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS cohort_members (
    cohort_id VARCHAR(128) NOT NULL REFERENCES cohorts(id) ON DELETE CASCADE,
    user_id VARCHAR(128) NOT NULL,

    PRIMARY KEY (cohort_id, user_id)
);

CREATE INDEX IF NOT EXISTS idx_cohort_members_user ON cohort_members(user_id);

CREATE TABLE IF NOT EXISTS user_directory (
    user_id VARCHAR(128) PRIMARY KEY,
    display_name VARCHAR(100) NOT NULL
);
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 004: PROCESSED EVENTS
// Replay detection and activity counters independent of the ledger, so
// zero-point events are deduplicated and counted too.
// ══════════════════════════════════════════════════════════════════════════════

const migration004Up = `
CREATE TABLE IF NOT EXISTS processed_events (
    user_id VARCHAR(128) NOT NULL,
    event_id VARCHAR(128) NOT NULL,
    category VARCHAR(30) NOT NULL,
    processed_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    PRIMARY KEY (user_id, event_id)
);

-- One row per (user, category); count is the number of qualifying events.
CREATE TABLE IF NOT EXISTS activity_counters (
    user_id VARCHAR(128) NOT NULL,
    category VARCHAR(30) NOT NULL,
    count BIGINT NOT NULL DEFAULT 0,

    PRIMARY KEY (user_id, category),
    CONSTRAINT valid_count CHECK (count >= 0)
);

INSERT INTO processed_events (user_id, event_id, category, processed_at)
SELECT user_id, source_event_id, category, granted_at
FROM point_grants
WHERE source_event_id IS NOT NULL
ON CONFLICT (user_id, event_id) DO NOTHING;

INSERT INTO activity_counters (user_id, category, count)
SELECT user_id, category, COUNT(*)
FROM point_grants
WHERE reason NOT LIKE 'badge:%'
GROUP BY user_id, category
ON CONFLICT (user_id, category) DO NOTHING;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATOR
// ══════════════════════════════════════════════════════════════════════════════

// migrationLockKey serializes Migrate across instances starting together.
const migrationLockKey int64 = 0x67616d6966

// Migration is one forward-only schema step.
type Migration struct {
	Version int
	Name    string
	UpSQL   string
}

// GetMigrations returns all embedded migrations in version order.
func GetMigrations() []Migration {
	return []Migration{
		{Version: 1, Name: "create_ledger_and_profiles", UpSQL: migration001Up},
		{Version: 2, Name: "create_badges", UpSQL: migration002Up},
		{Version: 3, Name: "create_directory", UpSQL: migration003Up},
		{Version: 4, Name: "create_processed_events", UpSQL: migration004Up},
	}
}

// Migrator applies pending migrations and records them in schema_migrations.
type Migrator struct {
	conn       *Connection
	migrations []Migration
}

// NewMigrator creates a migrator with the embedded migrations.
func NewMigrator(conn *Connection) *Migrator {
	return &Migrator{conn: conn, migrations: GetMigrations()}
}

// Migrate applies every migration newer than the recorded version, each in
// its own transaction. It returns the versions it applied.
func (m *Migrator) Migrate(ctx context.Context) ([]int, error) {
	if _, err := m.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)`); err != nil {
		return nil, fmt.Errorf("%w: create schema_migrations: %v", ErrMigrationFailed, err)
	}

	var applied []int
	for _, mig := range m.migrations {
		if mig.UpSQL == "" {
			return applied, fmt.Errorf("%w: version %d has no SQL", ErrMigrationFailed, mig.Version)
		}

		var ran bool
		err := m.conn.WithTx(ctx, ReadWrite, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockKey); err != nil {
				return err
			}
			var exists bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, mig.Version,
			).Scan(&exists); err != nil {
				return err
			}
			if exists {
				return nil
			}
			if _, err := tx.Exec(ctx, mig.UpSQL); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, mig.Version, mig.Name,
			); err != nil {
				return err
			}
			ran = true
			return nil
		})
		if err != nil {
			return applied, fmt.Errorf("%w: version %d (%s): %v", ErrMigrationFailed, mig.Version, mig.Name, err)
		}
		if ran {
			applied = append(applied, mig.Version)
		}
	}
	return applied, nil
}
