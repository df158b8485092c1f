package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const pointsPerLevel = 100

type badgeStatus struct {
	Badge
	Earned   bool       `json:"earned"`
	EarnedAt *time.Time `json:"earned_at"`
	CanEarn  bool       `json:"can_earn"`
}

type gamificationProfile struct {
	TotalPoints         int `json:"total_points"`
	Level               int `json:"level"`
	NextLevelPoints     int `json:"next_level_points"`
	ProgressToNextLevel int `json:"progress_to_next_level"`
}

type gamificationSummary struct {
	Profile     gamificationProfile `json:"profile"`
	Badges      []badgeStatus       `json:"badges"`
	EarnedCount int                 `json:"earned_count"`
	TotalCount  int                 `json:"total_count"`
}

func (a *App) getGamification(c *gin.Context) {
	identity, ok := identityFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, errorKindDetail[kindUnauthorized])
		return
	}
	ctx := c.Request.Context()
	logger := requestLogger(c)

	profile, _, err := a.store.GetProfile(ctx, identity.ID)
	if err != nil {
		logger.Error().Err(err).Msg("loading profile failed")
		writeError(c, http.StatusInternalServerError, "Failed to load gamification data")
		return
	}
	badges, err := a.store.ListBadges(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("loading badges failed")
		writeError(c, http.StatusInternalServerError, "Failed to load gamification data")
		return
	}
	earned, err := a.store.ListUserBadges(ctx, identity.ID)
	if err != nil {
		logger.Error().Err(err).Msg("loading earned badges failed")
		writeError(c, http.StatusInternalServerError, "Failed to load gamification data")
		return
	}

	c.JSON(http.StatusOK, buildGamificationSummary(profile, badges, earned))
}

func buildGamificationSummary(profile Profile, badges []Badge, earned []UserBadge) gamificationSummary {
	if profile.Level < 1 {
		profile.Level = 1
	}
	earnedAt := make(map[string]time.Time, len(earned))
	for _, item := range earned {
		earnedAt[item.BadgeID] = item.EarnedAt
	}

	statuses := make([]badgeStatus, 0, len(badges))
	earnedCount := 0
	for _, badge := range badges {
		status := badgeStatus{Badge: badge}
		if at, ok := earnedAt[badge.ID]; ok {
			status.Earned = true
			status.EarnedAt = &at
			earnedCount++
		} else {
			status.CanEarn = profile.TotalPoints >= badge.PointsRequired
		}
		statuses = append(statuses, status)
	}

	return gamificationSummary{
		Profile: gamificationProfile{
			TotalPoints:         profile.TotalPoints,
			Level:               profile.Level,
			NextLevelPoints:     profile.Level * pointsPerLevel,
			ProgressToNextLevel: profile.TotalPoints % pointsPerLevel,
		},
		Badges:      statuses,
		EarnedCount: earnedCount,
		TotalCount:  len(badges),
	}
}
