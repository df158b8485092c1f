package server

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var errProfileNotFound = errors.New("profile not found")

type HealthReport struct {
	ID              string         `json:"id"`
	UserID          string         `json:"user_id"`
	ReportType      string         `json:"report_type"`
	Title           string         `json:"title"`
	Summary         *string        `json:"summary"`
	FullReport      string         `json:"full_report"`
	RiskLevel       string         `json:"risk_level"`
	Recommendations []string       `json:"recommendations"`
	Metrics         map[string]any `json:"metrics"`
	CreatedAt       time.Time      `json:"created_at"`
}

type Achievement struct {
	ID              string
	UserID          string
	AchievementType string
	Description     string
	PointsEarned    int
}

type Profile struct {
	TotalPoints int
	Level       int
}

type Badge struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Description    string `json:"description"`
	Icon           string `json:"icon"`
	PointsRequired int    `json:"points_required"`
	Category       string `json:"category"`
}

type UserBadge struct {
	BadgeID  string
	EarnedAt time.Time
}

type ReportFilter struct {
	ReportType string
	Limit      int
}

// Store is the persistence surface used by the handlers. Writes are
// independent statements; nothing here opens a transaction.
type Store interface {
	InsertReport(ctx context.Context, report HealthReport) (HealthReport, error)
	AddPoints(ctx context.Context, userID string, points int) error
	InsertAchievement(ctx context.Context, achievement Achievement) error
	ListReports(ctx context.Context, userID string, filter ReportFilter) ([]HealthReport, error)
	DeleteReport(ctx context.Context, userID, reportID string) (bool, error)
	GetProfile(ctx context.Context, userID string) (Profile, bool, error)
	ListBadges(ctx context.Context) ([]Badge, error)
	ListUserBadges(ctx context.Context, userID string) ([]UserBadge, error)
}

type dbQuerier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

type pgStore struct {
	db dbQuerier
}

func NewPGStore(pool *pgxpool.Pool) Store {
	if pool == nil {
		return &pgStore{}
	}
	return &pgStore{db: pool}
}

func (s *pgStore) querier() (dbQuerier, error) {
	if s.db == nil {
		return nil, errors.New("database pool is not initialized")
	}
	return s.db, nil
}

const reportColumns = `id::text, user_id::text, report_type, title, summary, full_report, risk_level, recommendations, metrics, created_at`

func scanReport(row pgx.Row) (HealthReport, error) {
	var report HealthReport
	var metricsRaw []byte
	err := row.Scan(
		&report.ID,
		&report.UserID,
		&report.ReportType,
		&report.Title,
		&report.Summary,
		&report.FullReport,
		&report.RiskLevel,
		&report.Recommendations,
		&metricsRaw,
		&report.CreatedAt,
	)
	if err != nil {
		return HealthReport{}, err
	}
	if report.Recommendations == nil {
		report.Recommendations = []string{}
	}
	report.Metrics = parseJSONStringMap(metricsRaw)
	report.CreatedAt = report.CreatedAt.UTC()
	return report, nil
}

func (s *pgStore) InsertReport(ctx context.Context, report HealthReport) (HealthReport, error) {
	q, err := s.querier()
	if err != nil {
		return HealthReport{}, err
	}
	recommendations := report.Recommendations
	if recommendations == nil {
		recommendations = []string{}
	}
	metrics := report.Metrics
	if metrics == nil {
		metrics = map[string]any{}
	}
	return scanReport(q.QueryRow(
		ctx,
		`INSERT INTO health_reports (id, user_id, report_type, title, summary, full_report, risk_level, recommendations, metrics, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10)
		 RETURNING `+reportColumns,
		report.ID,
		report.UserID,
		report.ReportType,
		report.Title,
		report.Summary,
		report.FullReport,
		report.RiskLevel,
		recommendations,
		mustMarshalJSON(metrics),
		report.CreatedAt,
	))
}

// AddPoints increments in SQL so concurrent awards cannot lose updates.
func (s *pgStore) AddPoints(ctx context.Context, userID string, points int) error {
	q, err := s.querier()
	if err != nil {
		return err
	}
	tag, err := q.Exec(
		ctx,
		`UPDATE profiles
		 SET total_points = total_points + $2
		 WHERE id = $1`,
		userID,
		points,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errProfileNotFound
	}
	return nil
}

func (s *pgStore) InsertAchievement(ctx context.Context, achievement Achievement) error {
	q, err := s.querier()
	if err != nil {
		return err
	}
	_, err = q.Exec(
		ctx,
		`INSERT INTO achievements (id, user_id, achievement_type, description, points_earned, created_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())`,
		achievement.ID,
		achievement.UserID,
		achievement.AchievementType,
		achievement.Description,
		achievement.PointsEarned,
	)
	return err
}

func (s *pgStore) ListReports(ctx context.Context, userID string, filter ReportFilter) ([]HealthReport, error) {
	q, err := s.querier()
	if err != nil {
		return nil, err
	}
	var rows pgx.Rows
	if filter.ReportType != "" {
		rows, err = q.Query(
			ctx,
			`SELECT `+reportColumns+` FROM health_reports
			 WHERE user_id = $1 AND report_type = $2
			 ORDER BY created_at DESC LIMIT $3`,
			userID,
			filter.ReportType,
			filter.Limit,
		)
	} else {
		rows, err = q.Query(
			ctx,
			`SELECT `+reportColumns+` FROM health_reports
			 WHERE user_id = $1
			 ORDER BY created_at DESC LIMIT $2`,
			userID,
			filter.Limit,
		)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	reports := make([]HealthReport, 0, filter.Limit)
	for rows.Next() {
		report, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		reports = append(reports, report)
	}
	return reports, rows.Err()
}

func (s *pgStore) DeleteReport(ctx context.Context, userID, reportID string) (bool, error) {
	q, err := s.querier()
	if err != nil {
		return false, err
	}
	tag, err := q.Exec(
		ctx,
		`DELETE FROM health_reports WHERE id = $1 AND user_id = $2`,
		reportID,
		userID,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *pgStore) GetProfile(ctx context.Context, userID string) (Profile, bool, error) {
	q, err := s.querier()
	if err != nil {
		return Profile{}, false, err
	}
	var profile Profile
	err = q.QueryRow(
		ctx,
		`SELECT COALESCE(total_points, 0), COALESCE(level, 1) FROM profiles WHERE id = $1`,
		userID,
	).Scan(&profile.TotalPoints, &profile.Level)
	if errors.Is(err, pgx.ErrNoRows) {
		return Profile{Level: 1}, false, nil
	}
	if err != nil {
		return Profile{}, false, err
	}
	return profile, true, nil
}

func (s *pgStore) ListBadges(ctx context.Context) ([]Badge, error) {
	q, err := s.querier()
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(
		ctx,
		`SELECT id::text, name, COALESCE(description, ''), COALESCE(icon, ''), points_required, COALESCE(category, '')
		 FROM badges
		 ORDER BY points_required`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	badges := make([]Badge, 0)
	for rows.Next() {
		var badge Badge
		if err := rows.Scan(&badge.ID, &badge.Name, &badge.Description, &badge.Icon, &badge.PointsRequired, &badge.Category); err != nil {
			return nil, err
		}
		badges = append(badges, badge)
	}
	return badges, rows.Err()
}

func (s *pgStore) ListUserBadges(ctx context.Context, userID string) ([]UserBadge, error) {
	q, err := s.querier()
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(
		ctx,
		`SELECT badge_id::text, earned_at FROM user_badges WHERE user_id = $1`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	earned := make([]UserBadge, 0)
	for rows.Next() {
		var item UserBadge
		if err := rows.Scan(&item.BadgeID, &item.EarnedAt); err != nil {
			return nil, err
		}
		item.EarnedAt = item.EarnedAt.UTC()
		earned = append(earned, item)
	}
	return earned, rows.Err()
}
