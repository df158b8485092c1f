package db

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var supportedPGQueryKeys = map[string]struct{}{
	"application_name":        {},
	"channel_binding":         {},
	"client_encoding":         {},
	"connect_timeout":         {},
	"default_query_exec_mode": {},
	"host":                    {},
	"keepalives":              {},
	"keepalives_idle":         {},
	"options":                 {},
	"pool_max_conns":          {},
	"pool_min_conns":          {},
	"sslcert":                 {},
	"sslkey":                  {},
	"sslmode":                 {},
	"sslrootcert":             {},
	"target_session_attrs":    {},
}

// Connect opens a pool against rawURL. Transaction-pooler URLs
// (pgbouncer=true) run in simple protocol since the pooler cannot hold
// prepared statements across transactions.
func Connect(ctx context.Context, rawURL string) (*pgxpool.Pool, error) {
	normalized, pooled := normalizeDatabaseURL(rawURL)
	cfg, err := pgxpool.ParseConfig(normalized)
	if err != nil {
		return nil, err
	}
	if pooled {
		cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}
	return pgxpool.NewWithConfig(ctx, cfg)
}

func normalizeDatabaseURL(rawURL string) (string, bool) {
	normalized := strings.TrimSpace(rawURL)
	if strings.HasPrefix(normalized, "postgresql://") {
		normalized = strings.Replace(normalized, "postgresql://", "postgres://", 1)
	}

	parsed, err := url.Parse(normalized)
	if err != nil || parsed.Scheme != "postgres" {
		return normalized, false
	}

	queries := parsed.Query()
	pooled := strings.EqualFold(queries.Get("pgbouncer"), "true")
	filtered := make(url.Values)
	for key, values := range queries {
		if _, ok := supportedPGQueryKeys[key]; ok {
			for _, v := range values {
				filtered.Add(key, v)
			}
		}
	}
	parsed.RawQuery = filtered.Encode()
	return parsed.String(), pooled
}

// Health pings the pool and reports its connection statistics.
func Health(ctx context.Context, pool *pgxpool.Pool) map[string]string {
	stats := map[string]string{}
	if pool == nil {
		stats["status"] = "down"
		stats["error"] = "database pool is not initialized"
		return stats
	}

	pingCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		stats["status"] = "down"
		stats["error"] = err.Error()
		return stats
	}

	poolStats := pool.Stat()
	stats["status"] = "up"
	stats["total_conns"] = strconv.Itoa(int(poolStats.TotalConns()))
	stats["idle_conns"] = strconv.Itoa(int(poolStats.IdleConns()))
	stats["acquired_conns"] = strconv.Itoa(int(poolStats.AcquiredConns()))
	stats["max_conns"] = strconv.Itoa(int(poolStats.MaxConns()))
	if poolStats.AcquiredConns() > poolStats.MaxConns()*8/10 {
		stats["message"] = "connection pool is under heavy load"
	}
	return stats
}
