package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

type errorKind string

const (
	kindUnauthorized        errorKind = "Unauthorized"
	kindInvalidAnalysisType errorKind = "InvalidAnalysisType"
	kindRateLimited         errorKind = "RateLimited"
	kindQuotaExhausted      errorKind = "QuotaExhausted"
	kindAnalysisFailed      errorKind = "AnalysisFailed"
)

var errorKindStatus = map[errorKind]int{
	kindUnauthorized:        http.StatusUnauthorized,
	kindInvalidAnalysisType: http.StatusBadRequest,
	kindRateLimited:         http.StatusTooManyRequests,
	kindQuotaExhausted:      http.StatusPaymentRequired,
	kindAnalysisFailed:      http.StatusInternalServerError,
}

var errorKindDetail = map[errorKind]string{
	kindUnauthorized:        "Unauthorized",
	kindInvalidAnalysisType: "Invalid analysis type",
	kindRateLimited:         "Rate limit exceeded. Please try again later.",
	kindQuotaExhausted:      "AI credits exhausted. Please add credits to your workspace.",
	kindAnalysisFailed:      "AI analysis failed",
}

// Sentinels for errors.Is; matching compares kinds only.
var (
	ErrUnauthorized        = &AnalysisError{Kind: kindUnauthorized}
	ErrInvalidAnalysisType = &AnalysisError{Kind: kindInvalidAnalysisType}
	ErrRateLimited         = &AnalysisError{Kind: kindRateLimited}
	ErrQuotaExhausted      = &AnalysisError{Kind: kindQuotaExhausted}
	ErrAnalysisFailed      = &AnalysisError{Kind: kindAnalysisFailed}
)

// AnalysisError is a caller-facing failure of the analysis pipeline.
type AnalysisError struct {
	Kind   errorKind
	Detail string
	Err    error
}

func newAnalysisError(kind errorKind, err error) *AnalysisError {
	return &AnalysisError{Kind: kind, Detail: errorKindDetail[kind], Err: err}
}

func (e *AnalysisError) Error() string {
	detail := e.Detail
	if detail == "" {
		detail = errorKindDetail[e.Kind]
	}
	if e.Err != nil {
		return detail + ": " + e.Err.Error()
	}
	return detail
}

func (e *AnalysisError) Unwrap() error {
	return e.Err
}

func (e *AnalysisError) Is(target error) bool {
	t, ok := target.(*AnalysisError)
	return ok && t.Kind == e.Kind
}

func (e *AnalysisError) Status() int {
	if status, ok := errorKindStatus[e.Kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func (a *App) writeAnalysisError(c *gin.Context, err error) {
	var analysisErr *AnalysisError
	if !errors.As(err, &analysisErr) {
		analysisErr = newAnalysisError(kindAnalysisFailed, err)
	}
	logger := requestLogger(c)
	event := logger.Warn()
	if analysisErr.Status() >= http.StatusInternalServerError {
		event = logger.Error()
	}
	event.Err(err).Str("kind", string(analysisErr.Kind)).Msg("health analysis failed")

	detail := analysisErr.Detail
	if detail == "" {
		detail = errorKindDetail[analysisErr.Kind]
	}
	writeError(c, analysisErr.Status(), detail)
}
