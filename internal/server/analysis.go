package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	pointsPerAnalysis      = 10
	achievementReportMade  = "report_generated"
	fallbackRiskLevel      = "medium"
	fallbackRecommendation = "Consult with a healthcare professional for personalized advice"
	reportTitleDateLayout  = "1/2/2006"
)

type analysisRequest struct {
	AnalysisType string         `json:"analysisType"`
	Data         map[string]any `json:"data"`
}

// UnmarshalJSON rejects only bodies that are not a JSON object. A
// non-string analysisType is left empty and fails the type lookup; a
// non-object data is treated as no data.
func (r *analysisRequest) UnmarshalJSON(raw []byte) error {
	var envelope struct {
		AnalysisType json.RawMessage `json:"analysisType"`
		Data         json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return err
	}
	*r = analysisRequest{}
	if len(envelope.AnalysisType) > 0 {
		if err := json.Unmarshal(envelope.AnalysisType, &r.AnalysisType); err != nil {
			r.AnalysisType = ""
		}
	}
	if len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, &r.Data); err != nil {
			r.Data = nil
		}
	}
	return nil
}

type analysisOutcome struct {
	Analysis     map[string]any
	Report       *HealthReport
	PointsEarned int
}

// runAnalysis executes the pipeline for an already authenticated caller.
// Persistence failures after a successful completion are logged and do not
// fail the call; the report is nil when its insert failed.
func (a *App) runAnalysis(ctx context.Context, logger zerolog.Logger, identity Identity, req analysisRequest) (analysisOutcome, error) {
	tmpl, ok := lookupPrompt(req.AnalysisType)
	if !ok {
		return analysisOutcome{}, newAnalysisError(kindInvalidAnalysisType, nil)
	}
	prompt := tmpl.Build(req.Data)

	completion, err := a.ai.Complete(ctx, CompletionRequest{
		Model:        a.cfg.AIModel,
		SystemPrompt: prompt.SystemPrompt,
		UserPrompt:   prompt.UserPrompt,
		AnalysisType: tmpl.Type,
	})
	if err != nil {
		return analysisOutcome{}, classifyCompletionError(err)
	}

	analysis := parseAnalysis(completion.Content)
	report := buildHealthReport(identity.ID, tmpl.Type, completion.Content, analysis, req.Data, a.now())

	logger = logger.With().Str("user_id", identity.ID).Str("analysis_type", string(tmpl.Type)).Logger()

	var saved *HealthReport
	inserted, err := a.store.InsertReport(ctx, report)
	if err != nil {
		logger.Warn().Err(err).Msg("saving health report failed")
	} else {
		saved = &inserted
	}

	if err := a.store.AddPoints(ctx, identity.ID, pointsPerAnalysis); err != nil {
		logger.Warn().Err(err).Int("points", pointsPerAnalysis).Msg("awarding points failed")
	}
	if err := a.store.InsertAchievement(ctx, Achievement{
		ID:              uuid.NewString(),
		UserID:          identity.ID,
		AchievementType: achievementReportMade,
		Description:     "Generated " + string(tmpl.Type) + " analysis report",
		PointsEarned:    pointsPerAnalysis,
	}); err != nil {
		logger.Warn().Err(err).Msg("recording achievement failed")
	}

	logger.Info().
		Str("model", completion.Model).
		Bool("report_saved", saved != nil).
		Msg("health analysis completed")

	return analysisOutcome{
		Analysis:     analysis,
		Report:       saved,
		PointsEarned: pointsPerAnalysis,
	}, nil
}

func classifyCompletionError(err error) error {
	var gatewayErr *GatewayError
	if errors.As(err, &gatewayErr) {
		switch gatewayErr.StatusCode {
		case http.StatusTooManyRequests:
			return newAnalysisError(kindRateLimited, err)
		case http.StatusPaymentRequired:
			return newAnalysisError(kindQuotaExhausted, err)
		}
	}
	failed := newAnalysisError(kindAnalysisFailed, err)
	if errors.Is(err, errGatewayNotConfigured) {
		failed.Detail = "AI gateway is not configured"
	}
	return failed
}

// parseAnalysis accepts only a JSON object; anything else becomes the
// fallback result carrying the raw text as its summary.
func parseAnalysis(content string) map[string]any {
	var parsed map[string]any
	if err := json.Unmarshal([]byte(content), &parsed); err == nil && parsed != nil {
		return parsed
	}
	return map[string]any{
		"riskLevel":       fallbackRiskLevel,
		"summary":         content,
		"recommendations": []any{fallbackRecommendation},
	}
}

func buildHealthReport(userID string, analysisType AnalysisType, rawText string, analysis, metrics map[string]any, now time.Time) HealthReport {
	return HealthReport{
		ID:              uuid.NewString(),
		UserID:          userID,
		ReportType:      string(analysisType),
		Title:           reportTitle(analysisType, now),
		Summary:         reportSummary(analysis),
		FullReport:      rawText,
		RiskLevel:       reportRiskLevel(analysis),
		Recommendations: reportRecommendations(analysis),
		Metrics:         metrics,
		CreatedAt:       now.UTC(),
	}
}

func reportTitle(analysisType AnalysisType, now time.Time) string {
	name := string(analysisType)
	if name != "" {
		name = strings.ToUpper(name[:1]) + name[1:]
	}
	return name + " Analysis - " + now.UTC().Format(reportTitleDateLayout)
}

func reportSummary(analysis map[string]any) *string {
	for _, key := range []string{"summary", "assessment"} {
		value, present := analysis[key]
		if !isTruthy(value, present) {
			continue
		}
		text := stringifyResultValue(value)
		return &text
	}
	return nil
}

func reportRiskLevel(analysis map[string]any) string {
	for _, key := range []string{"riskLevel", "stage"} {
		value, present := analysis[key]
		if isTruthy(value, present) {
			return stringifyResultValue(value)
		}
	}
	return fallbackRiskLevel
}

func reportRecommendations(analysis map[string]any) []string {
	value, present := analysis["recommendations"]
	if !isTruthy(value, present) {
		return []string{}
	}
	items, ok := value.([]any)
	if !ok {
		return []string{stringifyResultValue(value)}
	}
	result := make([]string, 0, len(items))
	for _, item := range items {
		result = append(result, stringifyResultValue(item))
	}
	return result
}

func stringifyResultValue(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return mustMarshalJSON(v)
	}
}
