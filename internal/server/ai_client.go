package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"healthdash/internal/config"
)

var errGatewayNotConfigured = errors.New("AI_GATEWAY_API_KEY is not configured")

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type CompletionRequest struct {
	Model        string
	SystemPrompt string
	UserPrompt   string
	AnalysisType AnalysisType
}

type CompletionResponse struct {
	Content string
	Model   string
}

type CompletionClient interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
}

// GatewayError carries a non-2xx reply from the completion gateway.
type GatewayError struct {
	StatusCode int
	Body       string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("completion gateway error (%d): %s", e.StatusCode, e.Body)
}

func NewCompletionClient(cfg config.Config) CompletionClient {
	if cfg.UsesMockAI() {
		return MockCompletionClient{Model: cfg.AIModel}
	}
	return NewChatCompletionsClient(cfg)
}

type ChatCompletionsClient struct {
	apiKey     string
	endpoint   string
	model      string
	httpClient *http.Client
}

func NewChatCompletionsClient(cfg config.Config) *ChatCompletionsClient {
	timeoutSeconds := cfg.AITimeoutSeconds
	if timeoutSeconds <= 0 {
		timeoutSeconds = 60
	}
	return &ChatCompletionsClient{
		apiKey:   strings.TrimSpace(cfg.AIGatewayAPIKey),
		endpoint: strings.TrimSpace(cfg.AIGatewayURL),
		model:    strings.TrimSpace(cfg.AIModel),
		httpClient: &http.Client{
			Timeout: time.Duration(timeoutSeconds) * time.Second,
		},
	}
}

type chatCompletionsPayload struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
}

type chatCompletionsReply struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete sends one system+user exchange. It does not retry.
func (c *ChatCompletionsClient) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	if c.apiKey == "" {
		return CompletionResponse{}, errGatewayNotConfigured
	}
	if c.endpoint == "" {
		return CompletionResponse{}, errors.New("AI_GATEWAY_URL is not configured")
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = c.model
	}

	bodyRaw, err := json.Marshal(chatCompletionsPayload{
		Model: model,
		Messages: []ChatMessage{
			{Role: "system", Content: req.SystemPrompt},
			{Role: "user", Content: req.UserPrompt},
		},
	})
	if err != nil {
		return CompletionResponse{}, err
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(bodyRaw))
	if err != nil {
		return CompletionResponse{}, err
	}
	request.Header.Set("Authorization", "Bearer "+c.apiKey)
	request.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return CompletionResponse{}, err
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(response.Body)
	if err != nil {
		return CompletionResponse{}, err
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return CompletionResponse{}, &GatewayError{
			StatusCode: response.StatusCode,
			Body:       truncateForLog(string(responseBody), 600),
		}
	}

	var reply chatCompletionsReply
	if err := json.Unmarshal(responseBody, &reply); err != nil {
		return CompletionResponse{}, fmt.Errorf("decode completion reply: %w", err)
	}
	if len(reply.Choices) == 0 {
		return CompletionResponse{}, errors.New("completion reply has no choices")
	}

	modelName := strings.TrimSpace(reply.Model)
	if modelName == "" {
		modelName = model
	}
	return CompletionResponse{
		Content: reply.Choices[0].Message.Content,
		Model:   modelName,
	}, nil
}

// MockCompletionClient answers locally so the pipeline runs without a gateway.
type MockCompletionClient struct {
	Model string
}

func (m MockCompletionClient) Complete(_ context.Context, req CompletionRequest) (CompletionResponse, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = strings.TrimSpace(m.Model)
	}
	if model == "" {
		model = "mock"
	}

	answer := map[string]any{
		"riskLevel": "low",
		"summary":   "Mock " + string(req.AnalysisType) + " analysis: values look within a typical range.",
		"recommendations": []string{
			"Keep tracking your metrics weekly.",
			"Consult with a healthcare professional for personalized advice",
		},
	}
	switch req.AnalysisType {
	case AnalysisCKD:
		answer["stage"] = "Stage 1"
	case AnalysisDiet, AnalysisWorkout:
		delete(answer, "summary")
		answer["assessment"] = "Mock " + string(req.AnalysisType) + " plan based on the submitted profile."
	}
	return CompletionResponse{Content: mustMarshalJSON(answer), Model: model}, nil
}

func truncateForLog(value string, limit int) string {
	trimmed := strings.TrimSpace(value)
	if limit <= 0 || len(trimmed) <= limit {
		return trimmed
	}
	return trimmed[:limit] + "...(truncated)"
}
