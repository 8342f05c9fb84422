package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/qiniu/opsguard/internal/alerting/model"
	"github.com/qiniu/opsguard/internal/alerting/service/dedup"
	"github.com/qiniu/opsguard/internal/alerting/service/escalation"
	"github.com/qiniu/opsguard/internal/alerting/service/receiver"
	"github.com/qiniu/opsguard/internal/alerting/service/remediation"
	"github.com/qiniu/opsguard/internal/alerting/service/ruleset"
)

// Escalator is the escalation surface used by the admin routes.
type Escalator interface {
	EscalateManual(ctx context.Context, alertID int64, to model.Severity, message, operator string) (*model.AlertEscalation, error)
	SaveRule(ctx context.Context, r *model.EscalationRule) error
}

// Remediator approves or rejects remediations waiting for an operator.
type Remediator interface {
	Approve(ctx context.Context, logID int64, approver string) (*remediation.Result, error)
	Reject(ctx context.Context, logID int64, approver string) (*model.RemediationLog, error)
}

// RemediationLogReader loads one remediation log.
type RemediationLogReader interface {
	Get(ctx context.Context, id int64) (*model.RemediationLog, error)
}

// DedupConfigurer reads and replaces the runtime dedup configuration.
type DedupConfigurer interface {
	Config() dedup.Config
	SetConfig(cfg dedup.Config) error
}

// RuleManager manages alert rules.
type RuleManager interface {
	AddAlertRule(ctx context.Context, r *model.AlertRule) error
	UpdateThreshold(ctx context.Context, name string, threshold float64, duration time.Duration) error
	DeleteAlertRule(ctx context.Context, name string) error
}

// ChangeLogReader lists alert rule change logs, newest first.
type ChangeLogReader interface {
	ListChangeLogs(ctx context.Context, before time.Time, limit int) ([]ruleset.ChangeLog, error)
}

// RunbookLister lists the runbook catalog.
type RunbookLister interface {
	List() []remediation.Runbook
}

// Deps wires the admin routes. Nil members leave their routes unregistered.
type Deps struct {
	Escalation  Escalator
	Remediation Remediator
	Logs        RemediationLogReader
	Dedup       DedupConfigurer
	Rules       RuleManager
	ChangeLogs  ChangeLogReader
	Runbooks    RunbookLister
	Receiver    *receiver.Handler
	Metrics     bool
}

type Api struct {
	deps Deps
}

func NewApi(router *gin.Engine, deps Deps) *Api {
	api := &Api{deps: deps}
	api.setupRouters(router)
	return api
}

func (api *Api) setupRouters(router *gin.Engine) {
	if api.deps.Receiver != nil {
		receiver.RegisterReceiverRoutes(router, api.deps.Receiver)
	}
	if api.deps.Escalation != nil {
		router.POST("/v1/alerts/:alertID/escalate", api.EscalateAlert)
		router.POST("/v1/escalation-rules", api.CreateEscalationRule)
	}
	if api.deps.Logs != nil {
		router.GET("/v1/remediations/:logID", api.GetRemediation)
	}
	if api.deps.Remediation != nil {
		router.POST("/v1/remediations/:logID/approve", api.ApproveRemediation)
		router.POST("/v1/remediations/:logID/reject", api.RejectRemediation)
	}
	if api.deps.Dedup != nil {
		router.GET("/v1/dedup/config", api.GetDedupConfig)
		router.PUT("/v1/dedup/config", api.UpdateDedupConfig)
	}
	if api.deps.Rules != nil {
		router.POST("/v1/alert-rules", api.CreateAlertRule)
		router.PUT("/v1/alert-rules/:name/threshold", api.UpdateAlertRuleThreshold)
		router.DELETE("/v1/alert-rules/:name", api.DeleteAlertRule)
	}
	if api.deps.ChangeLogs != nil {
		router.GET("/v1/changelog/alertrules", api.ListAlertRuleChangeLogs)
	}
	if api.deps.Runbooks != nil {
		router.GET("/v1/runbooks", api.ListRunbooks)
	}
	if api.deps.Metrics {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
}

const (
	codeInvalidParameter = "INVALID_PARAMETER"
	codeNotFound         = "NOT_FOUND"
	codeConflict         = "CONFLICT"
	codeInternal         = "INTERNAL_ERROR"
)

func writeError(c *gin.Context, status int, code, message string) {
	c.JSON(status, map[string]any{"error": map[string]any{"code": code, "message": message}})
}

// writeServiceError maps service sentinel errors onto status codes.
func writeServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		writeError(c, http.StatusNotFound, codeNotFound, err.Error())
	case errors.Is(err, escalation.ErrInvalidEscalationLevels),
		errors.Is(err, ruleset.ErrInvalidRule),
		errors.Is(err, dedup.ErrInvalidConfig):
		writeError(c, http.StatusBadRequest, codeInvalidParameter, err.Error())
	case errors.Is(err, escalation.ErrInvalidTransition),
		errors.Is(err, remediation.ErrNotPendingApproval):
		writeError(c, http.StatusConflict, codeConflict, err.Error())
	default:
		writeError(c, http.StatusInternalServerError, codeInternal, err.Error())
	}
}
