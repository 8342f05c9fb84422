package remediation

import (
	_ "embed"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/qiniu/opsguard/internal/alerting/model"
	"gopkg.in/yaml.v3"
)

//go:embed runbooks.yaml
var defaultCatalog []byte

var ErrInvalidRunbook = errors.New("invalid runbook")

// Runbook is a named remediation procedure.
type Runbook struct {
	Name            string          `yaml:"name" json:"name"`
	Description     string          `yaml:"description" json:"description"`
	MatchAlertTypes []string        `yaml:"match_alert_types" json:"match_alert_types"`
	MatchKeywords   []string        `yaml:"match_keywords" json:"match_keywords"`
	RiskLevel       model.RiskLevel `yaml:"risk_level" json:"risk_level"`
	Commands        []string        `yaml:"commands" json:"commands"`
	VerifyCommands  []string        `yaml:"verify_commands" json:"verify_commands,omitempty"`
	Cooldown        time.Duration   `yaml:"cooldown" json:"cooldown"`
}

type catalogFile struct {
	Runbooks []Runbook `yaml:"runbooks"`
}

// Registry is the immutable runbook catalog, in catalog order.
type Registry struct {
	runbooks []Runbook
	byName   map[string]int
}

// DefaultRegistry returns the catalog compiled into the binary.
func DefaultRegistry() (*Registry, error) {
	return LoadRegistry(defaultCatalog)
}

// LoadRegistry parses a YAML catalog.
func LoadRegistry(data []byte) (*Registry, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse runbooks: %w", err)
	}
	return NewRegistry(f.Runbooks)
}

// NewRegistry validates runbooks and indexes them by name. Command templates must pass CheckCommand.
func NewRegistry(runbooks []Runbook) (*Registry, error) {
	r := &Registry{byName: make(map[string]int, len(runbooks))}
	for _, rb := range runbooks {
		if rb.Name == "" {
			return nil, fmt.Errorf("%w: missing name", ErrInvalidRunbook)
		}
		if _, dup := r.byName[rb.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate name %q", ErrInvalidRunbook, rb.Name)
		}
		switch rb.RiskLevel {
		case model.RiskAuto, model.RiskConfirm, model.RiskBlock:
		default:
			return nil, fmt.Errorf("%w: %s: unknown risk level %q", ErrInvalidRunbook, rb.Name, rb.RiskLevel)
		}
		if len(rb.Commands) == 0 {
			return nil, fmt.Errorf("%w: %s: no commands", ErrInvalidRunbook, rb.Name)
		}
		for _, c := range append(slices.Clone(rb.Commands), rb.VerifyCommands...) {
			if err := CheckCommand(c); err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRunbook, rb.Name, err)
			}
		}
		r.byName[rb.Name] = len(r.runbooks)
		r.runbooks = append(r.runbooks, rb)
	}
	return r, nil
}

// Get returns the runbook called name.
func (r *Registry) Get(name string) (*Runbook, bool) {
	i, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	rb := r.runbooks[i]
	return &rb, true
}

// List returns all runbooks in catalog order.
func (r *Registry) List() []Runbook {
	return slices.Clone(r.runbooks)
}

// Match selects a runbook for an alert:
//  1. the diagnosis' suggested runbook when it exists;
//  2. the only runbook matching alertType;
//  3. among several type matches, the one with most keyword hits in message and type;
//  4. without type matches, the first runbook with any keyword hit.
//
// It returns nil when nothing matches.
func (r *Registry) Match(diag *model.Diagnosis, alertType, message string) *Runbook {
	if diag != nil && diag.SuggestedRunbook != "" {
		if rb, ok := r.Get(diag.SuggestedRunbook); ok {
			return rb
		}
	}

	text := strings.ToLower(message + " " + alertType)
	var candidates []int
	for i, rb := range r.runbooks {
		if slices.Contains(rb.MatchAlertTypes, alertType) {
			candidates = append(candidates, i)
		}
	}

	switch len(candidates) {
	case 0:
		for i := range r.runbooks {
			if keywordHits(r.runbooks[i].MatchKeywords, text) > 0 {
				rb := r.runbooks[i]
				return &rb
			}
		}
		return nil
	case 1:
		rb := r.runbooks[candidates[0]]
		return &rb
	}

	best, bestScore := candidates[0], -1
	for _, i := range candidates {
		if s := keywordHits(r.runbooks[i].MatchKeywords, text); s > bestScore {
			best, bestScore = i, s
		}
	}
	rb := r.runbooks[best]
	return &rb
}

func keywordHits(keywords []string, text string) int {
	n := 0
	for _, k := range keywords {
		if k != "" && strings.Contains(text, strings.ToLower(k)) {
			n++
		}
	}
	return n
}
