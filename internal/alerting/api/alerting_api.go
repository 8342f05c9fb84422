package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/qiniu/opsguard/internal/alerting/model"
	"github.com/qiniu/opsguard/internal/alerting/service/dedup"
)

type escalateRequest struct {
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Operator string `json:"operator"`
}

type escalationLevelRequest struct {
	Level          int    `json:"level"`
	Delay          string `json:"delay"`
	TargetSeverity string `json:"targetSeverity"`
}

type escalationRuleRequest struct {
	AlertRuleID int64                    `json:"alertRuleId"`
	Levels      []escalationLevelRequest `json:"levels"`
}

type dedupConfigBody struct {
	DedupWindowSeconds       int `json:"dedupWindowSeconds"`
	AggregationWindowSeconds int `json:"aggregationWindowSeconds"`
	MaxAlertsPerGroup        int `json:"maxAlertsPerGroup"`
}

type alertRuleRequest struct {
	Name          string  `json:"name"`
	Metric        string  `json:"metric"`
	Comparator    string  `json:"comparator"`
	Threshold     float64 `json:"threshold"`
	Duration      string  `json:"duration"`
	Cooldown      string  `json:"cooldown"`
	SilenceStart  string  `json:"silenceStart"`
	SilenceEnd    string  `json:"silenceEnd"`
	Severity      string  `json:"severity"`
	Enabled       *bool   `json:"enabled"`
	AutoRemediate bool    `json:"autoRemediate"`
}

type thresholdRequest struct {
	Threshold *float64 `json:"threshold"`
	Duration  string   `json:"duration"`
}

// EscalateAlert implements POST /v1/alerts/:alertID/escalate
func (api *Api) EscalateAlert(c *gin.Context) {
	id, ok := parseID(c, "alertID")
	if !ok {
		return
	}
	var req escalateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, codeInvalidParameter, "invalid body")
		return
	}
	sev := model.Severity(strings.ToLower(strings.TrimSpace(req.Severity)))
	if !sev.Valid() {
		writeError(c, http.StatusBadRequest, codeInvalidParameter, "severity must be info, warning or critical")
		return
	}
	audit, err := api.deps.Escalation.EscalateManual(c.Request.Context(), id, sev, req.Message, req.Operator)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, audit)
}

// CreateEscalationRule implements POST /v1/escalation-rules
func (api *Api) CreateEscalationRule(c *gin.Context) {
	var req escalationRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, codeInvalidParameter, "invalid body")
		return
	}
	if req.AlertRuleID <= 0 {
		writeError(c, http.StatusBadRequest, codeInvalidParameter, "alertRuleId is required")
		return
	}
	rule := &model.EscalationRule{AlertRuleID: req.AlertRuleID}
	for _, l := range req.Levels {
		delay, err := parseOptionalDuration(l.Delay)
		if err != nil {
			writeError(c, http.StatusBadRequest, codeInvalidParameter, "invalid delay "+l.Delay)
			return
		}
		rule.Levels = append(rule.Levels, model.EscalationLevel{
			Level:          l.Level,
			Delay:          delay,
			TargetSeverity: model.Severity(strings.ToLower(l.TargetSeverity)),
		})
	}
	if err := api.deps.Escalation.SaveRule(c.Request.Context(), rule); err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

// GetDedupConfig implements GET /v1/dedup/config
func (api *Api) GetDedupConfig(c *gin.Context) {
	c.JSON(http.StatusOK, toDedupBody(api.deps.Dedup.Config()))
}

// UpdateDedupConfig implements PUT /v1/dedup/config
func (api *Api) UpdateDedupConfig(c *gin.Context) {
	body := toDedupBody(api.deps.Dedup.Config())
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, http.StatusBadRequest, codeInvalidParameter, "invalid body")
		return
	}
	cfg := dedup.Config{
		DedupWindow:       time.Duration(body.DedupWindowSeconds) * time.Second,
		AggregationWindow: time.Duration(body.AggregationWindowSeconds) * time.Second,
		MaxAlertsPerGroup: body.MaxAlertsPerGroup,
	}
	if err := api.deps.Dedup.SetConfig(cfg); err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, toDedupBody(api.deps.Dedup.Config()))
}

func toDedupBody(cfg dedup.Config) dedupConfigBody {
	return dedupConfigBody{
		DedupWindowSeconds:       int(cfg.DedupWindow / time.Second),
		AggregationWindowSeconds: int(cfg.AggregationWindow / time.Second),
		MaxAlertsPerGroup:        cfg.MaxAlertsPerGroup,
	}
}

// CreateAlertRule implements POST /v1/alert-rules
func (api *Api) CreateAlertRule(c *gin.Context) {
	var req alertRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, codeInvalidParameter, "invalid body")
		return
	}
	duration, err := parseOptionalDuration(req.Duration)
	if err != nil {
		writeError(c, http.StatusBadRequest, codeInvalidParameter, "invalid duration")
		return
	}
	cooldown, err := parseOptionalDuration(req.Cooldown)
	if err != nil {
		writeError(c, http.StatusBadRequest, codeInvalidParameter, "invalid cooldown")
		return
	}
	rule := &model.AlertRule{
		Name:          strings.TrimSpace(req.Name),
		Metric:        req.Metric,
		Comparator:    req.Comparator,
		Threshold:     req.Threshold,
		Duration:      duration,
		Cooldown:      cooldown,
		SilenceStart:  req.SilenceStart,
		SilenceEnd:    req.SilenceEnd,
		Severity:      model.Severity(strings.ToLower(req.Severity)),
		Enabled:       req.Enabled == nil || *req.Enabled,
		AutoRemediate: req.AutoRemediate,
	}
	if err := api.deps.Rules.AddAlertRule(c.Request.Context(), rule); err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

// UpdateAlertRuleThreshold implements PUT /v1/alert-rules/:name/threshold
func (api *Api) UpdateAlertRuleThreshold(c *gin.Context) {
	name := strings.TrimSpace(c.Param("name"))
	var req thresholdRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Threshold == nil {
		writeError(c, http.StatusBadRequest, codeInvalidParameter, "threshold is required")
		return
	}
	duration, err := parseOptionalDuration(req.Duration)
	if err != nil {
		writeError(c, http.StatusBadRequest, codeInvalidParameter, "invalid duration")
		return
	}
	if err := api.deps.Rules.UpdateThreshold(c.Request.Context(), name, *req.Threshold, duration); err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, map[string]any{"ok": true})
}

// DeleteAlertRule implements DELETE /v1/alert-rules/:name
func (api *Api) DeleteAlertRule(c *gin.Context) {
	if err := api.deps.Rules.DeleteAlertRule(c.Request.Context(), strings.TrimSpace(c.Param("name"))); err != nil {
		writeServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func parseOptionalDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
