package server

import (
	"encoding/json"
	"strconv"
	"strings"
)

const (
	defaultReportLimit = 10
	maxReportLimit     = 50
)

func mustMarshalJSON(input any) string {
	encoded, err := json.Marshal(input)
	if err != nil {
		return "{}"
	}
	return string(encoded)
}

func parseJSONStringMap(raw []byte) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil || decoded == nil {
		return map[string]any{}
	}
	return decoded
}

// parseLimit clamps the limit query value; unparsable input uses the default.
func parseLimit(raw string) int {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return defaultReportLimit
	}
	value, err := strconv.Atoi(trimmed)
	if err != nil {
		return defaultReportLimit
	}
	if value < 1 {
		return 1
	}
	if value > maxReportLimit {
		return maxReportLimit
	}
	return value
}
