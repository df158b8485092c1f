package server

import (
	"encoding/json"
	"strconv"
	"strings"
)

type AnalysisType string

const (
	AnalysisDiabetes  AnalysisType = "diabetes"
	AnalysisAlzheimer AnalysisType = "alzheimer"
	AnalysisCKD       AnalysisType = "ckd"
	AnalysisDiet      AnalysisType = "diet"
	AnalysisWorkout   AnalysisType = "workout"
)

type PromptPair struct {
	SystemPrompt string
	UserPrompt   string
}

// promptField renders one "Label: value" line. Fallback replaces values
// that are absent or empty; without one they render as "undefined".
type promptField struct {
	Label    string
	Key      string
	Unit     string
	Fallback string
}

type promptTemplate struct {
	Type    AnalysisType
	System  string
	Intro   string
	Fields  []promptField
	Provide []string
	Format  string
}

var analysisPrompts = map[AnalysisType]promptTemplate{
	AnalysisDiabetes: {
		Type:   AnalysisDiabetes,
		System: "You are a medical AI assistant specializing in diabetes analysis. Provide detailed, accurate health assessments based on patient data. Always emphasize consulting with healthcare professionals.",
		Intro:  "Analyze the following diabetes-related data and provide a comprehensive assessment:",
		Fields: []promptField{
			{Label: "Blood Glucose", Key: "bloodGlucose", Unit: " mg/dL"},
			{Label: "HbA1c", Key: "hba1c", Unit: "%"},
			{Label: "Age", Key: "age"},
			{Label: "BMI", Key: "bmi"},
			{Label: "Physical Activity", Key: "activity"},
			{Label: "Diet Quality", Key: "diet"},
		},
		Provide: []string{
			"Risk assessment (low/medium/high)",
			"Key findings",
			"5 personalized recommendations",
			"Preventive measures",
			"Lifestyle modifications",
		},
		Format: "Format your response as JSON with fields: riskLevel, summary, recommendations (array), keyFindings, preventiveMeasures.",
	},
	AnalysisAlzheimer: {
		Type:   AnalysisAlzheimer,
		System: "You are a neurological health AI assistant specializing in Alzheimer's disease risk assessment. Provide evidence-based cognitive health analysis.",
		Intro:  "Analyze the following cognitive health data:",
		Fields: []promptField{
			{Label: "Age", Key: "age"},
			{Label: "Memory Score", Key: "memoryScore", Unit: "/10"},
			{Label: "Cognitive Function", Key: "cognitiveFunction"},
			{Label: "Family History", Key: "familyHistory"},
			{Label: "Education Level", Key: "education"},
			{Label: "Physical Activity", Key: "activity"},
			{Label: "Social Engagement", Key: "socialEngagement"},
		},
		Provide: []string{
			"Risk assessment (low/medium/high)",
			"Cognitive health summary",
			"5 brain health recommendations",
			"Early warning signs to monitor",
			"Preventive strategies",
		},
		Format: "Format as JSON with: riskLevel, summary, recommendations (array), warningSigns, preventiveStrategies.",
	},
	AnalysisCKD: {
		Type:   AnalysisCKD,
		System: "You are a nephrology AI assistant specializing in chronic kidney disease assessment. Provide detailed kidney health analysis.",
		Intro:  "Analyze the following kidney health data:",
		Fields: []promptField{
			{Label: "eGFR", Key: "egfr", Unit: " mL/min/1.73m²"},
			{Label: "Creatinine", Key: "creatinine", Unit: " mg/dL"},
			{Label: "Blood Pressure", Key: "bloodPressure"},
			{Label: "Diabetes", Key: "diabetes"},
			{Label: "Albumin/Creatinine Ratio", Key: "acr"},
			{Label: "Age", Key: "age"},
		},
		Provide: []string{
			"CKD stage assessment",
			"Risk level (low/medium/high)",
			"Key findings",
			"5 kidney health recommendations",
			"Dietary modifications",
			"Monitoring requirements",
		},
		Format: "Format as JSON with: stage, riskLevel, summary, recommendations (array), dietaryAdvice, monitoringPlan.",
	},
	AnalysisDiet: {
		Type:   AnalysisDiet,
		System: "You are a certified nutritionist AI assistant. Provide personalized dietary recommendations based on health goals and current diet patterns.",
		Intro:  "Create a personalized diet plan based on:",
		Fields: []promptField{
			{Label: "Goal", Key: "goal"},
			{Label: "Current Diet", Key: "currentDiet"},
			{Label: "Allergies", Key: "allergies", Fallback: "None"},
			{Label: "Activity Level", Key: "activityLevel"},
			{Label: "Age", Key: "age"},
			{Label: "Weight", Key: "weight", Unit: " kg"},
			{Label: "Height", Key: "height", Unit: " cm"},
		},
		Provide: []string{
			"Nutritional assessment",
			"Calorie recommendations",
			"Macro distribution",
			"5 meal suggestions",
			"Foods to include/avoid",
			"Hydration tips",
		},
		Format: "Format as JSON with: assessment, calories, macros, mealPlan (array), foodGuidelines, hydrationTips.",
	},
	AnalysisWorkout: {
		Type:   AnalysisWorkout,
		System: "You are a certified fitness AI trainer. Create personalized workout recommendations based on fitness level and goals.",
		Intro:  "Create a workout plan for:",
		Fields: []promptField{
			{Label: "Fitness Goal", Key: "goal"},
			{Label: "Current Fitness Level", Key: "fitnessLevel"},
			{Label: "Available Time", Key: "availableTime", Unit: " minutes/day"},
			{Label: "Equipment", Key: "equipment", Fallback: "None"},
			{Label: "Age", Key: "age"},
			{Label: "Experience", Key: "experience"},
		},
		Provide: []string{
			"Fitness assessment",
			"Weekly workout schedule",
			"5 recommended exercises",
			"Progressive plan",
			"Recovery tips",
			"Safety guidelines",
		},
		Format: "Format as JSON with: assessment, weeklySchedule, exercises (array), progression, recoveryTips, safetyGuidelines.",
	},
}

func lookupPrompt(raw string) (promptTemplate, bool) {
	tmpl, ok := analysisPrompts[AnalysisType(raw)]
	return tmpl, ok
}

func knownAnalysisType(raw string) bool {
	_, ok := analysisPrompts[AnalysisType(raw)]
	return ok
}

// Build renders the prompt pair. Input is never validated: missing keys
// stay visible in the prompt text.
func (t promptTemplate) Build(data map[string]any) PromptPair {
	var b strings.Builder
	b.WriteString(t.Intro)
	b.WriteString("\n\n")
	for _, field := range t.Fields {
		value, present := data[field.Key]
		rendered := renderPromptValue(value, present)
		if field.Fallback != "" && !isTruthy(value, present) {
			rendered = field.Fallback
		}
		b.WriteString(field.Label)
		b.WriteString(": ")
		b.WriteString(rendered)
		b.WriteString(field.Unit)
		b.WriteString("\n")
	}
	b.WriteString("\nProvide:\n")
	for idx, item := range t.Provide {
		b.WriteString(strconv.Itoa(idx + 1))
		b.WriteString(". ")
		b.WriteString(item)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(t.Format)

	return PromptPair{SystemPrompt: t.System, UserPrompt: b.String()}
}

func renderPromptValue(value any, present bool) string {
	if !present {
		return "undefined"
	}
	switch v := value.(type) {
	case nil:
		return "null"
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	case int:
		return strconv.Itoa(v)
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, renderPromptValue(item, true))
		}
		return strings.Join(parts, ", ")
	default:
		return mustMarshalJSON(v)
	}
}

func isTruthy(value any, present bool) bool {
	if !present {
		return false
	}
	switch v := value.(type) {
	case nil:
		return false
	case string:
		return v != ""
	case bool:
		return v
	case float64:
		return v != 0
	case int:
		return v != 0
	case json.Number:
		f, err := v.Float64()
		return err == nil && f != 0
	default:
		return true
	}
}
