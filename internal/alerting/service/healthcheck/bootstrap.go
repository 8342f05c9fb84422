package healthcheck

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/qiniu/opsguard/internal/alerting/model"
	"github.com/rs/zerolog/log"
)

// RuleConfigFile represents the structure of the rules config file
type RuleConfigFile struct {
	Rules []RuleConfigItem `json:"rules"`
}

type RuleConfigItem struct {
	Name          string  `json:"name"`
	Metric        string  `json:"metric"`
	Comparator    string  `json:"comparator"`
	Threshold     float64 `json:"threshold"`
	Duration      string  `json:"duration"` // Go duration, e.g. "5m"
	Cooldown      string  `json:"cooldown"`
	SilenceStart  string  `json:"silence_start"`
	SilenceEnd    string  `json:"silence_end"`
	Severity      string  `json:"severity"`
	Disabled      bool    `json:"disabled"`
	AutoRemediate bool    `json:"auto_remediate"`
}

// RuleManager is the subset of ruleset.Manager used by the bootstrap.
type RuleManager interface {
	AddAlertRule(ctx context.Context, r *model.AlertRule) error
}

// RuleLister lists rules already stored.
type RuleLister interface {
	ListRules(ctx context.Context) ([]*model.AlertRule, error)
}

// BootstrapRulesFromConfig loads a rules config JSON file and adds the rules that are not stored yet.
// Existing rules are left untouched so admin edits survive restarts.
func BootstrapRulesFromConfig(ctx context.Context, path string, lister RuleLister, mgr RuleManager) (int, error) {
	if strings.TrimSpace(path) == "" {
		return 0, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read rules config: %w", err)
	}
	var cfg RuleConfigFile
	if err := json.Unmarshal(data, &cfg); err != nil {
		return 0, fmt.Errorf("parse rules config: %w", err)
	}
	if len(cfg.Rules) == 0 {
		return 0, nil
	}
	existing := map[string]struct{}{}
	rules, err := lister.ListRules(ctx)
	if err != nil {
		return 0, fmt.Errorf("list rules: %w", err)
	}
	for _, r := range rules {
		existing[r.Name] = struct{}{}
	}
	added := 0
	for _, item := range cfg.Rules {
		if _, ok := existing[item.Name]; ok {
			continue
		}
		rule, err := item.toRule()
		if err != nil {
			log.Error().Err(err).Str("rule", item.Name).Msg("skip invalid rule in config")
			continue
		}
		if err := mgr.AddAlertRule(ctx, rule); err != nil {
			log.Error().Err(err).Str("rule", item.Name).Msg("add alert rule failed")
			continue
		}
		added++
	}
	log.Info().Int("added", added).Int("configured", len(cfg.Rules)).Msg("alert rules bootstrapped")
	return added, nil
}

func (c RuleConfigItem) toRule() (*model.AlertRule, error) {
	dur, err := parseOptionalDuration(c.Duration)
	if err != nil {
		return nil, fmt.Errorf("duration: %w", err)
	}
	cool, err := parseOptionalDuration(c.Cooldown)
	if err != nil {
		return nil, fmt.Errorf("cooldown: %w", err)
	}
	sev := model.Severity(strings.ToLower(c.Severity))
	if sev == "" {
		sev = model.SeverityWarning
	}
	return &model.AlertRule{
		Name:          c.Name,
		Metric:        c.Metric,
		Comparator:    c.Comparator,
		Threshold:     c.Threshold,
		Duration:      dur,
		Cooldown:      cool,
		SilenceStart:  c.SilenceStart,
		SilenceEnd:    c.SilenceEnd,
		TargetType:    "host",
		Severity:      sev,
		Enabled:       !c.Disabled,
		AutoRemediate: c.AutoRemediate,
	}, nil
}

func parseOptionalDuration(s string) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	return time.ParseDuration(strings.TrimSpace(s))
}
