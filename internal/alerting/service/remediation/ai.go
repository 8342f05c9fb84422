package remediation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/qiniu/opsguard/internal/alerting/model"
	"github.com/qiniu/opsguard/internal/alerting/service/healthcheck"
	"github.com/rs/zerolog/log"
	"github.com/sashabaranov/go-openai"
)

// Oracle answers a prompt with free text, ideally a JSON object.
type Oracle interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// OpenAIOracle talks to an OpenAI compatible chat completion endpoint in JSON mode.
type OpenAIOracle struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

func NewOpenAIOracle(apiKey, baseURL, model string, timeout time.Duration) *OpenAIOracle {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIOracle{client: openai.NewClientWithConfig(cfg), model: model, timeout: timeout}
}

func (o *OpenAIOracle) Complete(ctx context.Context, system, prompt string) (string, error) {
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: 0.1,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return "", fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

const diagnosisSystemPrompt = `You are an SRE assistant diagnosing production host alerts.
Answer with a single JSON object: {"root_cause": string, "confidence": number between 0 and 1,
"suggested_runbook": one of the offered runbook names or "", "reasoning": string}.`

// AIClient turns an alert into a Diagnosis. It never fails: oracle errors and malformed
// answers yield a zero-confidence diagnosis.
type AIClient struct {
	Oracle   Oracle
	Runbooks []Runbook
}

func (c *AIClient) Diagnose(ctx context.Context, msg healthcheck.AlertMessage, extra map[string]string) model.Diagnosis {
	if c == nil || c.Oracle == nil {
		return fallbackDiagnosis("no diagnosis oracle configured")
	}
	raw, err := c.Oracle.Complete(ctx, diagnosisSystemPrompt, c.prompt(msg, extra))
	if err != nil {
		log.Warn().Err(err).Int64("alert_id", msg.AlertID).Msg("diagnosis oracle failed")
		return fallbackDiagnosis("oracle error: " + err.Error())
	}
	d, err := ParseDiagnosis(raw)
	if err != nil {
		log.Warn().Err(err).Int64("alert_id", msg.AlertID).Msg("diagnosis answer unparseable")
		return fallbackDiagnosis("unparseable oracle answer")
	}
	return d
}

func (c *AIClient) prompt(msg healthcheck.AlertMessage, extra map[string]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Alert: %s\nType: %s\nSeverity: %s\nHost: %s\nMessage: %s\n",
		msg.RuleName, msg.Type, msg.Severity, msg.Host, msg.Message)
	writeMap(&b, "Labels", msg.Labels)
	writeMap(&b, "Context", extra)
	b.WriteString("Runbooks:\n")
	for _, rb := range c.Runbooks {
		fmt.Fprintf(&b, "- %s (%s): %s\n", rb.Name, rb.RiskLevel, rb.Description)
	}
	return b.String()
}

func writeMap(b *strings.Builder, title string, m map[string]string) {
	if len(m) == 0 {
		return
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b.WriteString(title + ":\n")
	for _, k := range keys {
		fmt.Fprintf(b, "  %s=%s\n", k, m[k])
	}
}

// ParseDiagnosis extracts the JSON object of an oracle answer, tolerating markdown fences
// and surrounding prose. Confidence is clamped to [0, 1].
func ParseDiagnosis(raw string) (model.Diagnosis, error) {
	s := strings.TrimSpace(raw)
	start, end := strings.Index(s, "{"), strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return model.Diagnosis{}, errors.New("no JSON object in answer")
	}
	var d model.Diagnosis
	if err := json.Unmarshal([]byte(s[start:end+1]), &d); err != nil {
		return model.Diagnosis{}, fmt.Errorf("decode diagnosis: %w", err)
	}
	switch {
	case math.IsNaN(d.Confidence) || d.Confidence < 0:
		d.Confidence = 0
	case d.Confidence > 1:
		d.Confidence = 1
	}
	d.SuggestedRunbook = strings.TrimSpace(d.SuggestedRunbook)
	return d, nil
}

func fallbackDiagnosis(reason string) model.Diagnosis {
	return model.Diagnosis{RootCause: "unknown", Confidence: 0, Reasoning: reason}
}
