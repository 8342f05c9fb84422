package receiver

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/qiniu/opsguard/internal/alerting/service/healthcheck"
	"github.com/rs/zerolog/log"
)

type Handler struct {
	intake *Intake
}

func NewHandler(intake *Intake) *Handler { return &Handler{intake: intake} }

type alertBatch struct {
	Alerts []healthcheck.AlertMessage `json:"alerts"`
}

// ValidateAlert rejects messages the orchestrator could not act on.
func ValidateAlert(m *healthcheck.AlertMessage) error {
	if m.AlertID <= 0 {
		return errors.New("alert_id is required")
	}
	if strings.TrimSpace(m.Host) == "" {
		return errors.New("host is required")
	}
	if strings.TrimSpace(m.Type) == "" {
		return errors.New("type is required")
	}
	return nil
}

// AlertWebhook accepts alerts pushed by external monitors and hands them to the remediation intake.
func (h *Handler) AlertWebhook(c *gin.Context) {
	var req alertBatch
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Error().Err(err).Msg("AlertWebhook: failed to parse JSON request")
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid JSON"})
		return
	}
	if len(req.Alerts) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "no alerts"})
		return
	}
	for i := range req.Alerts {
		if err := ValidateAlert(&req.Alerts[i]); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": err.Error()})
			return
		}
	}

	accepted := 0
	for _, a := range req.Alerts {
		ok, err := h.intake.Accept(c.Request.Context(), a)
		if err != nil {
			log.Error().Err(err).Int64("alert_id", a.AlertID).Msg("AlertWebhook: intake unavailable")
			c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": "intake unavailable", "accepted": accepted})
			return
		}
		if ok {
			accepted++
		}
	}
	log.Info().Int("total_alerts", len(req.Alerts)).Int("accepted", accepted).Msg("AlertWebhook: processing completed")
	c.JSON(http.StatusOK, gin.H{"ok": true, "accepted": accepted})
}
