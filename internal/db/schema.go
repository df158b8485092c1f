package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema creates the tables the API reads and writes. Statements are
// idempotent so ApplySchema can run on every boot.
const schema = `
CREATE TABLE IF NOT EXISTS profiles (
    id UUID PRIMARY KEY,
    total_points INTEGER NOT NULL DEFAULT 0,
    level INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS health_reports (
    id UUID PRIMARY KEY,
    user_id UUID NOT NULL,
    report_type TEXT NOT NULL,
    title TEXT NOT NULL,
    summary TEXT,
    full_report TEXT NOT NULL,
    risk_level TEXT NOT NULL,
    recommendations TEXT[] NOT NULL DEFAULT '{}',
    metrics JSONB NOT NULL DEFAULT '{}'::jsonb,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS achievements (
    id UUID PRIMARY KEY,
    user_id UUID NOT NULL,
    achievement_type TEXT NOT NULL,
    description TEXT,
    points_earned INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS badges (
    id UUID PRIMARY KEY,
    name TEXT NOT NULL UNIQUE,
    description TEXT,
    icon TEXT,
    points_required INTEGER NOT NULL DEFAULT 0,
    category TEXT
);

CREATE TABLE IF NOT EXISTS user_badges (
    user_id UUID NOT NULL,
    badge_id UUID NOT NULL REFERENCES badges(id) ON DELETE CASCADE,
    earned_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (user_id, badge_id)
);

CREATE INDEX IF NOT EXISTS idx_health_reports_user_created ON health_reports(user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_achievements_user ON achievements(user_id);
`

func ApplySchema(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return fmt.Errorf("database pool is nil")
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
