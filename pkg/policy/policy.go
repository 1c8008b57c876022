// Package policy implements the YAML-defined rule engine gating tool
// calls: priority-sorted rules with field conditions, optional CEL
// expressions and configurable combining algorithms. No policies loaded
// means default deny; the firewall substitutes AllowAll when policy
// enforcement is not configured.
package policy

import (
	"fmt"
	"os"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"
)

// Effect is a rule's verdict when it matches.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Combining algorithms for matched rules within a policy.
const (
	FirstApplicable = "first_applicable"
	DenyOverrides   = "deny_overrides"
	AllowOverrides  = "allow_overrides"
	UnanimousAllow  = "unanimous_allow"
	UnanimousDeny   = "unanimous_deny"
)

// Condition operators.
const (
	OpEquals       = "equals"
	OpNotEquals    = "not_equals"
	OpContains     = "contains"
	OpNotContains  = "not_contains"
	OpStartsWith   = "starts_with"
	OpEndsWith     = "ends_with"
	OpMatches      = "matches"
	OpIn           = "in"
	OpNotIn        = "not_in"
	OpGreaterThan  = "greater_than"
	OpLessThan     = "less_than"
	OpGreaterEqual = "greater_than_or_equal"
	OpLessEqual    = "less_than_or_equal"
	OpExists       = "exists"
	OpNotExists    = "not_exists"
)

// Condition compares one context field against a literal.
type Condition struct {
	Field    string `yaml:"field" json:"field"`
	Operator string `yaml:"operator" json:"operator"`
	Value    any    `yaml:"value,omitempty" json:"value,omitempty"`
}

// Rule matches when all its conditions hold and its CEL expression, if
// present, evaluates to true.
type Rule struct {
	ID          string      `yaml:"id" json:"id"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty"`
	Priority    int         `yaml:"priority" json:"priority"`
	Effect      Effect      `yaml:"effect" json:"effect"`
	Conditions  []Condition `yaml:"conditions,omitempty" json:"conditions,omitempty"`
	Expression  string      `yaml:"expression,omitempty" json:"expression,omitempty"`
}

// Policy is one named rule set.
type Policy struct {
	ID                 string         `yaml:"id" json:"id"`
	Version            string         `yaml:"version,omitempty" json:"version,omitempty"`
	Name               string         `yaml:"name" json:"name"`
	Description        string         `yaml:"description,omitempty" json:"description,omitempty"`
	Rules              []Rule         `yaml:"rules" json:"rules"`
	CombiningAlgorithm string         `yaml:"combining_algorithm,omitempty" json:"combining_algorithm,omitempty"`
	DefaultEffect      Effect         `yaml:"default_effect,omitempty" json:"default_effect,omitempty"`
	Metadata           map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// ParseYAML decodes and validates one policy document.
func ParseYAML(data []byte) (Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("policy yaml: %w", err)
	}
	if err := p.validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// LoadFile reads one policy from a YAML file.
func LoadFile(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("policy file: %w", err)
	}
	return ParseYAML(data)
}

func (p *Policy) validate() error {
	if p.ID == "" {
		return fmt.Errorf("policy id is required")
	}
	if p.Name == "" {
		return fmt.Errorf("policy name is required")
	}
	if p.CombiningAlgorithm == "" {
		p.CombiningAlgorithm = DenyOverrides
	}
	switch p.CombiningAlgorithm {
	case FirstApplicable, DenyOverrides, AllowOverrides, UnanimousAllow, UnanimousDeny:
	default:
		return fmt.Errorf("unknown combining algorithm %q", p.CombiningAlgorithm)
	}
	if p.DefaultEffect == "" {
		p.DefaultEffect = EffectDeny
	}
	for _, r := range p.Rules {
		if r.ID == "" {
			return fmt.Errorf("rule id is required in policy %q", p.ID)
		}
		if r.Effect != EffectAllow && r.Effect != EffectDeny {
			return fmt.Errorf("rule %q: effect must be allow or deny", r.ID)
		}
		for _, c := range r.Conditions {
			if c.Field == "" {
				return fmt.Errorf("rule %q: condition field is required", r.ID)
			}
		}
	}
	return nil
}

// sortedRules returns the rules by descending priority.
func (p Policy) sortedRules() []Rule {
	rules := append([]Rule(nil), p.Rules...)
	for i := 1; i < len(rules); i++ {
		for j := i; j > 0 && rules[j].Priority > rules[j-1].Priority; j-- {
			rules[j], rules[j-1] = rules[j-1], rules[j]
		}
	}
	return rules
}

// celEnv declares the evaluation context visible to rule expressions.
func celEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("identity", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("tenant", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("resource", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("action", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("role", cel.StringType),
		cel.Variable("attributes", cel.MapType(cel.StringType, cel.DynType)),
	)
}
