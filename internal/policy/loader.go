package policy

import (
	"fmt"
	"os"

	"github.com/xela07ax/spaceai-governance/internal/domain"
	"gopkg.in/yaml.v3"
)

// policyFile: формат файла с набором политик:
//
//	policies:
//	  - policy_id: block_development
//	    name: Block development
//	    effect: DENY
//	    priority: 100
//	    conditions:
//	      - type: environment
//	        environments: [development]
type policyFile struct {
	Policies []policyDocument `yaml:"policies"`
}

type policyDocument struct {
	ID          string                     `yaml:"policy_id"`
	Name        string                     `yaml:"name"`
	Description string                     `yaml:"description"`
	Effect      domain.PolicyEffect        `yaml:"effect"`
	Priority    int                        `yaml:"priority"`
	Enabled     *bool                      `yaml:"enabled"` // nil = true
	Conditions  []domain.ConditionDocument `yaml:"conditions"`
}

// ParsePolicies разбирает YAML-документ в список политик
func ParsePolicies(data []byte) ([]domain.Policy, error) {
	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse policies: %w", err)
	}

	out := make([]domain.Policy, 0, len(f.Policies))
	for i, d := range f.Policies {
		if d.ID == "" {
			return nil, fmt.Errorf("parse policies: entry %d has no policy_id", i)
		}
		if d.Effect != domain.EffectAllow && d.Effect != domain.EffectDeny {
			return nil, fmt.Errorf("parse policies: %s has invalid effect %q", d.ID, d.Effect)
		}
		p := domain.Policy{
			ID:          d.ID,
			Name:        d.Name,
			Description: d.Description,
			Effect:      d.Effect,
			Priority:    d.Priority,
			Enabled:     d.Enabled == nil || *d.Enabled,
		}
		if p.Name == "" {
			p.Name = p.ID
		}
		for _, cd := range d.Conditions {
			p.Conditions = append(p.Conditions, cd.ToCondition())
		}
		out = append(out, p)
	}
	return out, nil
}

// LoadFile читает политики из YAML в базовый слой движка (upsert по ID).
// Refresh из БД их не стирает.
func (e *Engine) LoadFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read policies file: %w", err)
	}
	list, err := ParsePolicies(data)
	if err != nil {
		return 0, err
	}
	e.addBase(list)
	return len(list), nil
}
