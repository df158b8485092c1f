package server

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type schemaColumn struct {
	table  string
	column string
}

// requiredSchemaColumns lists every column pgStore reads or writes.
var requiredSchemaColumns = []schemaColumn{
	{table: "health_reports", column: "id"},
	{table: "health_reports", column: "user_id"},
	{table: "health_reports", column: "report_type"},
	{table: "health_reports", column: "title"},
	{table: "health_reports", column: "summary"},
	{table: "health_reports", column: "full_report"},
	{table: "health_reports", column: "risk_level"},
	{table: "health_reports", column: "recommendations"},
	{table: "health_reports", column: "metrics"},
	{table: "health_reports", column: "created_at"},
	{table: "profiles", column: "id"},
	{table: "profiles", column: "total_points"},
	{table: "profiles", column: "level"},
	{table: "achievements", column: "id"},
	{table: "achievements", column: "user_id"},
	{table: "achievements", column: "achievement_type"},
	{table: "achievements", column: "description"},
	{table: "achievements", column: "points_earned"},
	{table: "achievements", column: "created_at"},
	{table: "badges", column: "id"},
	{table: "badges", column: "name"},
	{table: "badges", column: "description"},
	{table: "badges", column: "icon"},
	{table: "badges", column: "points_required"},
	{table: "badges", column: "category"},
	{table: "user_badges", column: "user_id"},
	{table: "user_badges", column: "badge_id"},
	{table: "user_badges", column: "earned_at"},
}

type rowQuerier interface {
	QueryRow(context.Context, string, ...any) pgx.Row
}

// ValidateRuntimeSchema fails when a column the handlers write or read is missing.
func ValidateRuntimeSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return fmt.Errorf("database pool is nil")
	}
	return validateSchemaColumns(ctx, pool, requiredSchemaColumns)
}

func validateSchemaColumns(ctx context.Context, q rowQuerier, columns []schemaColumn) error {
	for _, item := range columns {
		ok, err := columnExists(ctx, q, item.table, item.column)
		if err != nil {
			return fmt.Errorf(
				"failed checking schema for %s.%s: %w",
				item.table,
				item.column,
				err,
			)
		}
		if !ok {
			return fmt.Errorf(
				"required column %s.%s is missing; apply the database migrations",
				item.table,
				item.column,
			)
		}
	}
	return nil
}

func columnExists(ctx context.Context, q rowQuerier, tableName, columnName string) (bool, error) {
	table := strings.TrimSpace(tableName)
	column := strings.TrimSpace(columnName)
	if table == "" || column == "" {
		return false, fmt.Errorf("table/column must not be empty")
	}
	var exists bool
	err := q.QueryRow(
		ctx,
		`SELECT EXISTS (
		   SELECT 1
		   FROM information_schema.columns
		   WHERE table_schema = current_schema()
		     AND lower(table_name) = lower($1)
		     AND lower(column_name) = lower($2)
		 )`,
		table,
		column,
	).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}
