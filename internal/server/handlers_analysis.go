package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
)

func (a *App) healthAnalysis(c *gin.Context) {
	identity, ok := identityFromContext(c)
	if !ok {
		a.writeAnalysisError(c, newAnalysisError(kindUnauthorized, nil))
		return
	}

	var req analysisRequest
	if !mustJSON(c, &req) {
		return
	}

	// The gateway call and the writes finish even if the client goes away.
	ctx := context.WithoutCancel(c.Request.Context())
	outcome, err := a.runAnalysis(ctx, requestLogger(c), identity, req)
	if err != nil {
		a.writeAnalysisError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"analysis":     outcome.Analysis,
		"report":       outcome.Report,
		"pointsEarned": outcome.PointsEarned,
	})
}
