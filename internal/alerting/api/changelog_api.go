package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/qiniu/opsguard/internal/alerting/service/ruleset"
)

type alertRuleChangeValue struct {
	Name string `json:"name"`
	Old  string `json:"old"`
	New  string `json:"new"`
}

type alertRuleChangeItem struct {
	Name       string                 `json:"name"`
	EditTime   string                 `json:"editTime"`
	ChangeType string                 `json:"changeType"`
	Values     []alertRuleChangeValue `json:"values"`
}

type alertRuleChangeListResponse struct {
	Items []alertRuleChangeItem `json:"items"`
	Next  string                `json:"next,omitempty"`
}

// ListAlertRuleChangeLogs implements GET /v1/changelog/alertrules?start=...&limit=...
func (api *Api) ListAlertRuleChangeLogs(c *gin.Context) {
	start := strings.TrimSpace(c.Query("start"))
	limitStr := strings.TrimSpace(c.Query("limit"))
	if limitStr == "" {
		writeError(c, http.StatusBadRequest, codeInvalidParameter, "limit is required")
		return
	}
	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit < 1 || limit > 100 {
		writeError(c, http.StatusBadRequest, codeInvalidParameter, "limit must be 1-100")
		return
	}
	var before time.Time
	if start != "" {
		before, err = time.Parse(time.RFC3339Nano, start)
		if err != nil {
			writeError(c, http.StatusBadRequest, codeInvalidParameter, "start must be ISO 8601 time")
			return
		}
	}

	logs, err := api.deps.ChangeLogs.ListChangeLogs(c.Request.Context(), before, limit)
	if err != nil {
		writeError(c, http.StatusInternalServerError, codeInternal, err.Error())
		return
	}

	items := make([]alertRuleChangeItem, 0, len(logs))
	for _, l := range logs {
		items = append(items, toChangeItem(l))
	}
	resp := alertRuleChangeListResponse{Items: items}
	if len(logs) == limit {
		resp.Next = logs[len(logs)-1].ChangeTime.UTC().Format(time.RFC3339Nano)
	}
	c.JSON(http.StatusOK, resp)
}

func toChangeItem(l ruleset.ChangeLog) alertRuleChangeItem {
	values := make([]alertRuleChangeValue, 0, 2)
	if l.OldThreshold != nil || l.NewThreshold != nil {
		values = append(values, alertRuleChangeValue{
			Name: "threshold",
			Old:  floatToString(l.OldThreshold),
			New:  floatToString(l.NewThreshold),
		})
	}
	if l.OldDuration != nil || l.NewDuration != nil {
		values = append(values, alertRuleChangeValue{
			Name: "duration",
			Old:  durationToString(l.OldDuration),
			New:  durationToString(l.NewDuration),
		})
	}
	return alertRuleChangeItem{
		Name:       l.RuleName,
		EditTime:   l.ChangeTime.UTC().Format(time.RFC3339),
		ChangeType: l.ChangeType,
		Values:     values,
	}
}

func floatToString(p *float64) string {
	if p == nil {
		return ""
	}
	return strconv.FormatFloat(*p, 'f', -1, 64)
}

func durationToString(p *time.Duration) string {
	if p == nil {
		return ""
	}
	return p.String()
}
