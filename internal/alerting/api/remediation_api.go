package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/qiniu/opsguard/internal/alerting/service/remediation"
)

type operatorRequest struct {
	Operator string `json:"operator"`
}

type runbookItem struct {
	Name            string   `json:"name"`
	Description     string   `json:"description"`
	RiskLevel       string   `json:"riskLevel"`
	MatchAlertTypes []string `json:"matchAlertTypes"`
	MatchKeywords   []string `json:"matchKeywords"`
	Commands        []string `json:"commands"`
	VerifyCommands  []string `json:"verifyCommands,omitempty"`
	Cooldown        string   `json:"cooldown"`
}

// GetRemediation implements GET /v1/remediations/:logID
func (api *Api) GetRemediation(c *gin.Context) {
	id, ok := parseID(c, "logID")
	if !ok {
		return
	}
	lg, err := api.deps.Logs.Get(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, lg)
}

// ApproveRemediation implements POST /v1/remediations/:logID/approve
func (api *Api) ApproveRemediation(c *gin.Context) {
	id, ok := parseID(c, "logID")
	if !ok {
		return
	}
	operator, ok := bindOperator(c)
	if !ok {
		return
	}
	// an approved runbook runs to completion even if the caller goes away
	res, err := api.deps.Remediation.Approve(context.WithoutCancel(c.Request.Context()), id, operator)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// RejectRemediation implements POST /v1/remediations/:logID/reject
func (api *Api) RejectRemediation(c *gin.Context) {
	id, ok := parseID(c, "logID")
	if !ok {
		return
	}
	operator, ok := bindOperator(c)
	if !ok {
		return
	}
	lg, err := api.deps.Remediation.Reject(c.Request.Context(), id, operator)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, lg)
}

// ListRunbooks implements GET /v1/runbooks
func (api *Api) ListRunbooks(c *gin.Context) {
	runbooks := api.deps.Runbooks.List()
	items := make([]runbookItem, 0, len(runbooks))
	for _, rb := range runbooks {
		items = append(items, toRunbookItem(rb))
	}
	c.JSON(http.StatusOK, map[string]any{"items": items})
}

func toRunbookItem(rb remediation.Runbook) runbookItem {
	return runbookItem{
		Name:            rb.Name,
		Description:     rb.Description,
		RiskLevel:       string(rb.RiskLevel),
		MatchAlertTypes: rb.MatchAlertTypes,
		MatchKeywords:   rb.MatchKeywords,
		Commands:        rb.Commands,
		VerifyCommands:  rb.VerifyCommands,
		Cooldown:        rb.Cooldown.String(),
	}
}

func parseID(c *gin.Context, param string) (int64, bool) {
	raw := strings.TrimSpace(c.Param(param))
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(c, http.StatusBadRequest, codeInvalidParameter, "invalid "+param)
		return 0, false
	}
	return id, true
}

// bindOperator reads the acting operator from the body or the X-Operator header.
func bindOperator(c *gin.Context) (string, bool) {
	var req operatorRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, codeInvalidParameter, "invalid body")
			return "", false
		}
	}
	operator := strings.TrimSpace(req.Operator)
	if operator == "" {
		operator = strings.TrimSpace(c.GetHeader("X-Operator"))
	}
	if operator == "" {
		writeError(c, http.StatusBadRequest, codeInvalidParameter, "operator is required")
		return "", false
	}
	return operator, true
}
