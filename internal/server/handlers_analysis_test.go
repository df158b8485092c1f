package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const diabetesAnswer = `{"riskLevel":"high","summary":"Elevated glucose","recommendations":["a","b","c","d","e"],"keyFindings":"HbA1c above target"}`

func diabetesPayload() map[string]any {
	return map[string]any{
		"analysisType": "diabetes",
		"data": map[string]any{
			"bloodGlucose": 140,
			"hba1c":        6.8,
			"age":          55,
			"bmi":          29,
			"activity":     "low",
			"diet":         "poor",
		},
	}
}

func TestHealthAnalysisDiabetesHappyPath(t *testing.T) {
	env := newFakeApp(t, diabetesAnswer)
	userID := testID()

	rec := performRequest(t, env.router, http.MethodPost, "/api/v1/health-analysis", signToken(t, userID, nil), diabetesPayload(), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decodeJSONMap(t, rec)
	assert.Equal(t, float64(10), body["pointsEarned"])

	analysis, ok := body["analysis"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "high", analysis["riskLevel"])
	assert.Equal(t, "HbA1c above target", analysis["keyFindings"])

	report, ok := body["report"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, userID, report["user_id"])
	assert.Equal(t, "diabetes", report["report_type"])
	assert.Equal(t, "Diabetes Analysis - 3/7/2025", report["title"])
	assert.Equal(t, "Elevated glucose", report["summary"])
	assert.Equal(t, "high", report["risk_level"])
	assert.Equal(t, diabetesAnswer, report["full_report"])
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, decodeStringList(t, report["recommendations"]))
	metrics, ok := report["metrics"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(140), metrics["bloodGlucose"])

	assert.Equal(t, 1, env.ai.callCount())
	require.Len(t, env.ai.requests, 1)
	assert.Equal(t, "google/gemini-2.5-flash", env.ai.requests[0].Model)
	assert.Contains(t, env.ai.requests[0].UserPrompt, "Blood Glucose: 140 mg/dL")

	assert.Equal(t, 1, env.store.insertReportCalls)
	assert.Equal(t, 1, env.store.addPointsCalls)
	assert.Equal(t, 1, env.store.achievementCalls)
	assert.Equal(t, 10, env.store.points[userID])
	require.Len(t, env.store.achievements, 1)
	assert.Equal(t, Achievement{
		ID:              env.store.achievements[0].ID,
		UserID:          userID,
		AchievementType: "report_generated",
		Description:     "Generated diabetes analysis report",
		PointsEarned:    10,
	}, env.store.achievements[0])
}

func TestHealthAnalysisFallbackForNonJSONAnswer(t *testing.T) {
	env := newFakeApp(t, "Your kidneys look fine.")

	rec := performRequest(t, env.router, http.MethodPost, "/api/v1/health-analysis", signToken(t, testID(), nil), map[string]any{
		"analysisType": "ckd",
		"data":         map[string]any{"egfr": 95},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decodeJSONMap(t, rec)
	analysis := body["analysis"].(map[string]any)
	assert.Equal(t, "medium", analysis["riskLevel"])
	assert.Equal(t, "Your kidneys look fine.", analysis["summary"])
	assert.Equal(t, []string{fallbackRecommendation}, decodeStringList(t, analysis["recommendations"]))

	report := body["report"].(map[string]any)
	assert.Equal(t, "Ckd Analysis - 3/7/2025", report["title"])
	assert.Equal(t, "medium", report["risk_level"])
	assert.Equal(t, "Your kidneys look fine.", report["full_report"])
}

func TestHealthAnalysisDietUsesAssessmentAsSummary(t *testing.T) {
	env := newFakeApp(t, `{"assessment":"Balanced intake","calories":2100}`)

	rec := performRequest(t, env.router, http.MethodPost, "/api/v1/health-analysis", signToken(t, testID(), nil), map[string]any{
		"analysisType": "diet",
		"data":         map[string]any{"goal": "lose weight"},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	report := decodeJSONMap(t, rec)["report"].(map[string]any)
	assert.Equal(t, "Balanced intake", report["summary"])
	assert.Equal(t, "medium", report["risk_level"])
	assert.Empty(t, report["recommendations"])
}

func TestHealthAnalysisReportInsertFailureStillSucceeds(t *testing.T) {
	env := newFakeApp(t, diabetesAnswer)
	env.store.insertReportErr = errors.New("insert failed")
	userID := testID()

	rec := performRequest(t, env.router, http.MethodPost, "/api/v1/health-analysis", signToken(t, userID, nil), diabetesPayload(), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decodeJSONMap(t, rec)
	assert.Nil(t, body["report"])
	assert.Equal(t, float64(10), body["pointsEarned"])
	assert.Equal(t, 1, env.store.addPointsCalls)
	assert.Equal(t, 1, env.store.achievementCalls)
	assert.Equal(t, 10, env.store.points[userID])
}

func TestHealthAnalysisPointsFailureDoesNotFailRequest(t *testing.T) {
	env := newFakeApp(t, diabetesAnswer)
	env.store.addPointsErr = errProfileNotFound
	env.store.achievementErr = errors.New("achievement insert failed")

	rec := performRequest(t, env.router, http.MethodPost, "/api/v1/health-analysis", signToken(t, testID(), nil), diabetesPayload(), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotNil(t, decodeJSONMap(t, rec)["report"])
	assert.Equal(t, 3, env.store.writeCalls())
}

func TestHealthAnalysisGatewayErrorsMapToStatuses(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		status  int
		message string
	}{
		{
			name:    "rate limited",
			err:     &GatewayError{StatusCode: http.StatusTooManyRequests},
			status:  http.StatusTooManyRequests,
			message: "Rate limit exceeded. Please try again later.",
		},
		{
			name:    "credits exhausted",
			err:     &GatewayError{StatusCode: http.StatusPaymentRequired},
			status:  http.StatusPaymentRequired,
			message: "AI credits exhausted. Please add credits to your workspace.",
		},
		{
			name:    "upstream failure",
			err:     &GatewayError{StatusCode: http.StatusInternalServerError},
			status:  http.StatusInternalServerError,
			message: "AI analysis failed",
		},
		{
			name:    "transport failure",
			err:     errors.New("connection refused"),
			status:  http.StatusInternalServerError,
			message: "AI analysis failed",
		},
		{
			name:    "missing key",
			err:     errGatewayNotConfigured,
			status:  http.StatusInternalServerError,
			message: "AI gateway is not configured",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newFakeApp(t, "")
			env.ai.err = tc.err

			rec := performRequest(t, env.router, http.MethodPost, "/api/v1/health-analysis", signToken(t, testID(), nil), diabetesPayload(), nil)
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			assert.Equal(t, tc.message, responseError(t, rec))
			assert.Equal(t, 1, env.ai.callCount())
			assert.Zero(t, env.store.writeCalls())
		})
	}
}

func TestHealthAnalysisRejectsMissingOrInvalidToken(t *testing.T) {
	env := newFakeApp(t, diabetesAnswer)

	rec := performRequest(t, env.router, http.MethodPost, "/api/v1/health-analysis", "", diabetesPayload(), nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, responseError(t, rec))

	rec = performRequest(t, env.router, http.MethodPost, "/api/v1/health-analysis", "garbage", diabetesPayload(), nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Unauthorized", responseError(t, rec))

	assert.Zero(t, env.ai.callCount())
	assert.Zero(t, env.store.writeCalls())
}

func TestHealthAnalysisRejectsUnknownType(t *testing.T) {
	env := newFakeApp(t, diabetesAnswer)

	rec := performRequest(t, env.router, http.MethodPost, "/api/v1/health-analysis", signToken(t, testID(), nil), map[string]any{
		"analysisType": "cancer",
		"data":         map[string]any{},
	}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid analysis type", responseError(t, rec))
	assert.Zero(t, env.ai.callCount())
	assert.Zero(t, env.store.writeCalls())
}

func TestHealthAnalysisRejectsMalformedJSON(t *testing.T) {
	env := newFakeApp(t, diabetesAnswer)

	rec := performRequest(t, env.router, http.MethodPost, "/api/v1/health-analysis", signToken(t, testID(), nil), `{"analysisType":`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid request payload", responseError(t, rec))
	assert.Zero(t, env.ai.callCount())
}

func TestHealthAnalysisMissingDataStillCallsGateway(t *testing.T) {
	env := newFakeApp(t, diabetesAnswer)

	rec := performRequest(t, env.router, http.MethodPost, "/api/v1/health-analysis", signToken(t, testID(), nil), map[string]any{
		"analysisType": "workout",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, 1, env.ai.callCount())
	assert.Contains(t, env.ai.requests[0].UserPrompt, "Fitness Goal: undefined\n")
	assert.Contains(t, env.ai.requests[0].UserPrompt, "Equipment: None\n")
}

func TestCORSPreflight(t *testing.T) {
	env := newFakeApp(t, diabetesAnswer)

	rec := performRequest(t, env.router, http.MethodOptions, "/api/v1/health-analysis", "", nil, map[string]string{
		"Origin":                         "https://app.example",
		"Access-Control-Request-Method":  "POST",
		"Access-Control-Request-Headers": "authorization, x-client-info, apikey, content-type",
	})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, rec.Body.String())
	assert.Zero(t, env.ai.callCount())
}

func TestRequestIDIsPropagated(t *testing.T) {
	env := newFakeApp(t, diabetesAnswer)

	rec := performRequest(t, env.router, http.MethodGet, "/health", "", nil, map[string]string{"X-Request-ID": "req-123"})
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))

	rec = performRequest(t, env.router, http.MethodGet, "/health", "", nil, nil)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestHealthEndpointReportsMissingPool(t *testing.T) {
	env := newFakeApp(t, diabetesAnswer)

	rec := performRequest(t, env.router, http.MethodGet, "/health", "", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSONMap(t, rec)
	assert.Equal(t, "ok", body["status"])
	database := body["database"].(map[string]any)
	assert.Equal(t, "down", database["status"])
}

func TestAuthMiddlewareUsesInjectedResolver(t *testing.T) {
	store := newFakeStore()
	ai := &fakeCompletionClient{content: diabetesAnswer}
	router := New(
		baseTestConfig,
		nil,
		zerolog.Nop(),
		WithStore(store),
		WithCompletionClient(ai),
		WithIdentityResolver(stubIdentityResolver{"opaque-token": {ID: "user-from-auth-service"}}),
		WithClock(func() time.Time { return fixedTestNow }),
	).Router()

	rec := performRequest(t, router, http.MethodPost, "/api/v1/health-analysis", "opaque-token", diabetesPayload(), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 10, store.points["user-from-auth-service"])

	rec = performRequest(t, router, http.MethodPost, "/api/v1/health-analysis", signToken(t, testID(), nil), diabetesPayload(), nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 1, ai.callCount())
}

func TestHealthAnalysisNormalDiabetesScenario(t *testing.T) {
	env := newFakeApp(t, `{"riskLevel":"low","summary":"Normal range","recommendations":["Maintain diet"],"keyFindings":"...","preventiveMeasures":"..."}`)

	rec := performRequest(t, env.router, http.MethodPost, "/api/v1/health-analysis", signToken(t, testID(), nil), map[string]any{
		"analysisType": "diabetes",
		"data": map[string]any{
			"bloodGlucose": 110,
			"hba1c":        5.8,
			"age":          34,
			"bmi":          23,
			"activity":     "moderate",
			"diet":         "balanced",
		},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decodeJSONMap(t, rec)
	assert.Equal(t, "low", body["analysis"].(map[string]any)["riskLevel"])
	assert.Equal(t, float64(10), body["pointsEarned"])
	require.Len(t, env.store.reports, 1)
	assert.Equal(t, "diabetes", env.store.reports[0].ReportType)
	assert.Equal(t, "low", env.store.reports[0].RiskLevel)
}

func TestHealthAnalysisAllTypesPassThroughJSON(t *testing.T) {
	for _, analysisType := range []AnalysisType{AnalysisDiabetes, AnalysisAlzheimer, AnalysisCKD, AnalysisDiet, AnalysisWorkout} {
		t.Run(string(analysisType), func(t *testing.T) {
			env := newFakeApp(t, `{"riskLevel":"low","summary":"ok","recommendations":["keep going"],"custom":1}`)

			rec := performRequest(t, env.router, http.MethodPost, "/api/v1/health-analysis", signToken(t, testID(), nil), map[string]any{
				"analysisType": string(analysisType),
				"data":         map[string]any{"age": 40},
			}, nil)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

			analysis := decodeJSONMap(t, rec)["analysis"].(map[string]any)
			assert.Equal(t, "ok", analysis["summary"])
			assert.Equal(t, float64(1), analysis["custom"])
			assert.Equal(t, []string{"keep going"}, decodeStringList(t, analysis["recommendations"]))
			require.Len(t, env.ai.requests, 1)
			assert.Equal(t, analysisType, env.ai.requests[0].AnalysisType)
		})
	}
}

func TestHealthAnalysisGatewayStatusOverHTTP(t *testing.T) {
	cases := []struct {
		status  int
		message string
	}{
		{status: http.StatusTooManyRequests, message: "Rate limit exceeded. Please try again later."},
		{status: http.StatusPaymentRequired, message: "AI credits exhausted. Please add credits to your workspace."},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			var attempts int32
			gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&attempts, 1)
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{"error":"gateway refused"}`))
			}))
			defer gateway.Close()

			store := newFakeStore()
			router := New(
				baseTestConfig,
				nil,
				zerolog.Nop(),
				WithStore(store),
				WithCompletionClient(newTestCompletionsClient(gateway.URL)),
				WithClock(func() time.Time { return fixedTestNow }),
			).Router()

			rec := performRequest(t, router, http.MethodPost, "/api/v1/health-analysis", signToken(t, testID(), nil), diabetesPayload(), nil)
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			assert.Equal(t, tc.message, responseError(t, rec))
			assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
			assert.Zero(t, store.writeCalls())
		})
	}
}

func TestHealthAnalysisNonStringTypeIsInvalidType(t *testing.T) {
	env := newFakeApp(t, diabetesAnswer)

	rec := performRequest(t, env.router, http.MethodPost, "/api/v1/health-analysis", signToken(t, testID(), nil), map[string]any{
		"analysisType": 5,
		"data":         map[string]any{"age": 40},
	}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid analysis type", responseError(t, rec))
	assert.Zero(t, env.ai.callCount())
	assert.Zero(t, env.store.writeCalls())
}

func TestHealthAnalysisNonObjectDataRendersMissingValues(t *testing.T) {
	for _, data := range []any{"text", []any{1, 2}, 7} {
		env := newFakeApp(t, diabetesAnswer)

		rec := performRequest(t, env.router, http.MethodPost, "/api/v1/health-analysis", signToken(t, testID(), nil), map[string]any{
			"analysisType": "workout",
			"data":         data,
		}, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		require.Equal(t, 1, env.ai.callCount())
		assert.Contains(t, env.ai.requests[0].UserPrompt, "Fitness Goal: undefined\n")
		require.Len(t, env.store.reports, 1)
		assert.Empty(t, env.store.reports[0].Metrics)
	}
}

func TestHealthAnalysisRejectsNonObjectBody(t *testing.T) {
	env := newFakeApp(t, diabetesAnswer)

	rec := performRequest(t, env.router, http.MethodPost, "/api/v1/health-analysis", signToken(t, testID(), nil), `["diabetes"]`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid request payload", responseError(t, rec))
	assert.Zero(t, env.ai.callCount())
}

func TestRequestLoggerRecordsHandlerFailures(t *testing.T) {
	var logs bytes.Buffer
	store := newFakeStore()
	store.readErr = errors.New("db down")
	router := New(
		baseTestConfig,
		nil,
		zerolog.New(&logs),
		WithStore(store),
		WithCompletionClient(&fakeCompletionClient{content: diabetesAnswer}),
		WithClock(func() time.Time { return fixedTestNow }),
	).Router()
	token := signToken(t, testID(), nil)

	rec := performRequest(t, router, http.MethodGet, "/api/v1/reports", "garbage", nil, map[string]string{"X-Request-ID": "req-auth"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = performRequest(t, router, http.MethodGet, "/api/v1/reports", token, nil, map[string]string{"X-Request-ID": "req-list"})
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	rec = performRequest(t, router, http.MethodDelete, "/api/v1/reports/"+testID(), token, nil, map[string]string{"X-Request-ID": "req-delete"})
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	byMessage := map[string]map[string]any{}
	for _, line := range strings.Split(strings.TrimSpace(logs.String()), "\n") {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry), line)
		if message, ok := entry["message"].(string); ok && message != "http request" {
			byMessage[message] = entry
		}
	}

	require.Contains(t, byMessage, "bearer token rejected")
	assert.Equal(t, "req-auth", byMessage["bearer token rejected"]["request_id"])
	assert.Equal(t, "warn", byMessage["bearer token rejected"]["level"])

	require.Contains(t, byMessage, "listing reports failed")
	assert.Equal(t, "req-list", byMessage["listing reports failed"]["request_id"])
	assert.Equal(t, "db down", byMessage["listing reports failed"]["error"])

	require.Contains(t, byMessage, "deleting report failed")
	assert.Equal(t, "req-delete", byMessage["deleting report failed"]["request_id"])
	assert.Equal(t, "error", byMessage["deleting report failed"]["level"])
}
