package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func (a *App) listReports(c *gin.Context) {
	identity, ok := identityFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, errorKindDetail[kindUnauthorized])
		return
	}

	filter := ReportFilter{Limit: parseLimit(c.Query("limit"))}
	if reportType := strings.TrimSpace(c.Query("report_type")); reportType != "" {
		if !knownAnalysisType(reportType) {
			writeError(c, http.StatusBadRequest, errorKindDetail[kindInvalidAnalysisType])
			return
		}
		filter.ReportType = reportType
	}

	reports, err := a.store.ListReports(c.Request.Context(), identity.ID, filter)
	if err != nil {
		logger := requestLogger(c)
		logger.Error().Err(err).Msg("listing reports failed")
		writeError(c, http.StatusInternalServerError, "Failed to load reports")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"reports": reports,
		"count":   len(reports),
	})
}

func (a *App) deleteReport(c *gin.Context) {
	identity, ok := identityFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, errorKindDetail[kindUnauthorized])
		return
	}

	reportID, err := uuid.Parse(strings.TrimSpace(c.Param("id")))
	if err != nil {
		writeError(c, http.StatusBadRequest, "Invalid report id")
		return
	}

	deleted, err := a.store.DeleteReport(c.Request.Context(), identity.ID, reportID.String())
	if err != nil {
		logger := requestLogger(c)
		logger.Error().Err(err).Str("report_id", reportID.String()).Msg("deleting report failed")
		writeError(c, http.StatusInternalServerError, "Failed to delete report")
		return
	}
	if !deleted {
		writeError(c, http.StatusNotFound, "Report not found")
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": true, "id": reportID.String()})
}
