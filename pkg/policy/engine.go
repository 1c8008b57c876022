package policy

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/ubl-labs/ubl-core/pkg/contracts"
)

// Context is one evaluation request.
type Context struct {
	Identity   contracts.Identity `json:"identity"`
	Tenant     TenantRef          `json:"tenant"`
	Resource   Resource           `json:"resource"`
	Action     Action             `json:"action"`
	Role       string             `json:"role,omitempty"`
	Attributes map[string]any     `json:"attributes,omitempty"`
}

// TenantRef names the tenant under evaluation.
type TenantRef struct {
	TenantID string `json:"tenant_id"`
	Type     string `json:"type"`
}

// Resource names what is being accessed.
type Resource struct {
	Type        string `json:"type"` // tenant, room, message, workspace, document, tool, receipt
	ID          string `json:"id"`
	OwnerID     string `json:"owner_id,omitempty"`
	AgreementID string `json:"agreement_id,omitempty"`
}

// Action names what is being done to it.
type Action struct {
	Type string `json:"type"` // read, write, create, delete, execute, admin
	Name string `json:"name"`
}

// Decision is allow or deny.
type Decision string

const (
	Allow Decision = "allow"
	Deny  Decision = "deny"
)

// PolicyDecision is the evaluation outcome with its provenance.
type PolicyDecision struct {
	Decision         Decision       `json:"decision"`
	Reason           string         `json:"reason"`
	RuleID           string         `json:"rule_id,omitempty"`
	PolicyID         string         `json:"policy_id,omitempty"`
	IsDefault        bool           `json:"is_default"`
	EvaluationTimeUs int64          `json:"evaluation_time_us"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// Allowed reports whether the decision permits the action.
func (d PolicyDecision) Allowed() bool { return d.Decision == Allow }

// Evaluator decides whether a contextualized action may proceed.
type Evaluator interface {
	Evaluate(ctx context.Context, ec Context) (PolicyDecision, error)
}

// AllowAll is the evaluator used when no policy file is configured.
type AllowAll struct{}

func (AllowAll) Evaluate(ctx context.Context, ec Context) (PolicyDecision, error) {
	return PolicyDecision{
		Decision:  Allow,
		Reason:    "policy enforcement not configured",
		IsDefault: true,
	}, nil
}

// Engine evaluates loaded policies. Rule CEL expressions are compiled at
// load time; evaluation itself never compiles.
type Engine struct {
	policies []Policy
	programs map[string]cel.Program // "<policy>/<rule>"
	env      *cel.Env
}

// NewEngine creates an engine with no policies. Evaluation over an empty
// engine is default deny.
func NewEngine() (*Engine, error) {
	env, err := celEnv()
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}
	return &Engine{programs: make(map[string]cel.Program), env: env}, nil
}

// AddPolicy validates and compiles one policy into the engine.
func (e *Engine) AddPolicy(p Policy) error {
	if err := p.validate(); err != nil {
		return err
	}
	for _, r := range p.Rules {
		if r.Expression == "" {
			continue
		}
		ast, issues := e.env.Compile(r.Expression)
		if issues != nil && issues.Err() != nil {
			return fmt.Errorf("rule %q expression: %w", r.ID, issues.Err())
		}
		prog, err := e.env.Program(ast)
		if err != nil {
			return fmt.Errorf("rule %q program: %w", r.ID, err)
		}
		e.programs[p.ID+"/"+r.ID] = prog
	}
	e.policies = append(e.policies, p)
	return nil
}

// LoadYAML parses and adds one policy document.
func (e *Engine) LoadYAML(data []byte) error {
	p, err := ParseYAML(data)
	if err != nil {
		return err
	}
	return e.AddPolicy(p)
}

// LoadFile parses and adds one policy file.
func (e *Engine) LoadFile(path string) error {
	p, err := LoadFile(path)
	if err != nil {
		return err
	}
	return e.AddPolicy(p)
}

// PolicyCount reports how many policies are loaded.
func (e *Engine) PolicyCount() int { return len(e.policies) }

// Evaluate runs every policy against ec and combines the per-policy
// decisions with deny-overrides.
func (e *Engine) Evaluate(ctx context.Context, ec Context) (PolicyDecision, error) {
	start := time.Now()
	finish := func(d PolicyDecision) PolicyDecision {
		d.EvaluationTimeUs = time.Since(start).Microseconds()
		return d
	}

	if len(e.policies) == 0 {
		return finish(defaultDecision(Deny)), nil
	}

	decisions := make([]PolicyDecision, 0, len(e.policies))
	for _, p := range e.policies {
		d, err := e.evaluatePolicy(ctx, p, ec)
		if err != nil {
			return PolicyDecision{}, err
		}
		decisions = append(decisions, d)
	}

	for _, d := range decisions {
		if d.Decision == Deny && !d.IsDefault {
			return finish(d), nil
		}
	}
	for _, d := range decisions {
		if d.Decision == Allow && !d.IsDefault {
			return finish(d), nil
		}
	}
	return finish(decisions[0]), nil
}

func (e *Engine) evaluatePolicy(ctx context.Context, p Policy, ec Context) (PolicyDecision, error) {
	type match struct {
		effect Effect
		rule   Rule
	}
	var matched []match
	for _, r := range p.sortedRules() {
		ok, err := e.ruleMatches(ctx, p.ID, r, ec)
		if err != nil {
			return PolicyDecision{}, fmt.Errorf("policy %q rule %q: %w", p.ID, r.ID, err)
		}
		if ok {
			matched = append(matched, match{effect: r.Effect, rule: r})
		}
	}

	if len(matched) == 0 {
		d := defaultDecision(Decision(p.DefaultEffect))
		d.PolicyID = p.ID
		return d, nil
	}

	decide := func(dec Decision, reason string, r Rule) PolicyDecision {
		return PolicyDecision{Decision: dec, Reason: reason, RuleID: r.ID, PolicyID: p.ID}
	}

	switch p.CombiningAlgorithm {
	case FirstApplicable:
		m := matched[0]
		if m.effect == EffectAllow {
			return decide(Allow, fmt.Sprintf("rule %q matched", m.rule.ID), m.rule), nil
		}
		return decide(Deny, fmt.Sprintf("rule %q matched", m.rule.ID), m.rule), nil
	case DenyOverrides:
		for _, m := range matched {
			if m.effect == EffectDeny {
				return decide(Deny, fmt.Sprintf("rule %q denies", m.rule.ID), m.rule), nil
			}
		}
		return decide(Allow, "all matching rules allow", matched[0].rule), nil
	case AllowOverrides:
		for _, m := range matched {
			if m.effect == EffectAllow {
				return decide(Allow, fmt.Sprintf("rule %q allows", m.rule.ID), m.rule), nil
			}
		}
		return decide(Deny, "all matching rules deny", matched[0].rule), nil
	case UnanimousAllow:
		for _, m := range matched {
			if m.effect == EffectDeny {
				return decide(Deny, fmt.Sprintf("rule %q denies, unanimous allow required", m.rule.ID), m.rule), nil
			}
		}
		return decide(Allow, "all rules unanimously allow", matched[0].rule), nil
	case UnanimousDeny:
		for _, m := range matched {
			if m.effect == EffectAllow {
				return decide(Allow, fmt.Sprintf("rule %q allows, unanimous deny required", m.rule.ID), m.rule), nil
			}
		}
		return decide(Deny, "all rules unanimously deny", matched[0].rule), nil
	}
	return PolicyDecision{}, fmt.Errorf("unknown combining algorithm %q", p.CombiningAlgorithm)
}

func defaultDecision(d Decision) PolicyDecision {
	reason := "no matching rules - default deny"
	if d == Allow {
		reason = "no matching rules - default allow"
	}
	return PolicyDecision{Decision: d, Reason: reason, IsDefault: true}
}

// ruleMatches checks every field condition, then the CEL expression.
func (e *Engine) ruleMatches(ctx context.Context, policyID string, r Rule, ec Context) (bool, error) {
	for _, c := range r.Conditions {
		ok, err := evaluateCondition(c, ec)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	if r.Expression == "" {
		return true, nil
	}
	prog, ok := e.programs[policyID+"/"+r.ID]
	if !ok {
		return false, fmt.Errorf("expression not compiled")
	}
	out, _, err := prog.ContextEval(ctx, map[string]any{
		"identity":   identityMap(ec.Identity),
		"tenant":     map[string]any{"tenant_id": ec.Tenant.TenantID, "type": ec.Tenant.Type},
		"resource":   map[string]any{"type": ec.Resource.Type, "id": ec.Resource.ID, "owner_id": ec.Resource.OwnerID, "agreement_id": ec.Resource.AgreementID},
		"action":     map[string]any{"type": ec.Action.Type, "name": ec.Action.Name},
		"role":       ec.Role,
		"attributes": nonNil(ec.Attributes),
	})
	if err != nil {
		return false, fmt.Errorf("cel eval: %w", err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression result is %T, want bool", out.Value())
	}
	return result, nil
}

func identityMap(ident contracts.Identity) map[string]any {
	groups := make([]any, len(ident.Groups))
	for i, g := range ident.Groups {
		groups[i] = g
	}
	return map[string]any{
		"user_id":      ident.UserID,
		"email":        ident.Email,
		"email_domain": ident.EmailDomain,
		"groups":       groups,
		"is_service":   ident.IsService,
	}
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func evaluateCondition(c Condition, ec Context) (bool, error) {
	value, present := fieldValue(c.Field, ec)
	switch c.Operator {
	case OpExists:
		return present, nil
	case OpNotExists:
		return !present, nil
	}
	if !present {
		return false, fmt.Errorf("field %q not found", c.Field)
	}
	return evaluateOperator(c.Operator, value, c.Value)
}

func evaluateOperator(op string, left, right any) (bool, error) {
	switch op {
	case OpEquals:
		return jsonEqual(left, right), nil
	case OpNotEquals:
		return !jsonEqual(left, right), nil
	case OpContains:
		if ls, ok := left.(string); ok {
			rs, ok := right.(string)
			return ok && strings.Contains(ls, rs), nil
		}
		if arr, ok := asSlice(left); ok {
			for _, elem := range arr {
				if jsonEqual(elem, right) {
					return true, nil
				}
			}
		}
		return false, nil
	case OpNotContains:
		ok, err := evaluateOperator(OpContains, left, right)
		return !ok, err
	case OpStartsWith:
		ls, lok := left.(string)
		rs, rok := right.(string)
		return lok && rok && strings.HasPrefix(ls, rs), nil
	case OpEndsWith:
		ls, lok := left.(string)
		rs, rok := right.(string)
		return lok && rok && strings.HasSuffix(ls, rs), nil
	case OpMatches:
		ls, lok := left.(string)
		pattern, rok := right.(string)
		if !lok || !rok {
			return false, nil
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("pattern %q: %w", pattern, err)
		}
		return re.MatchString(ls), nil
	case OpIn:
		arr, ok := asSlice(right)
		if !ok {
			return false, nil
		}
		for _, elem := range arr {
			if jsonEqual(left, elem) {
				return true, nil
			}
		}
		return false, nil
	case OpNotIn:
		ok, err := evaluateOperator(OpIn, left, right)
		return !ok, err
	case OpGreaterThan:
		return compareNumbers(left, right, func(l, r float64) bool { return l > r })
	case OpLessThan:
		return compareNumbers(left, right, func(l, r float64) bool { return l < r })
	case OpGreaterEqual:
		return compareNumbers(left, right, func(l, r float64) bool { return l >= r })
	case OpLessEqual:
		return compareNumbers(left, right, func(l, r float64) bool { return l <= r })
	default:
		return false, fmt.Errorf("unknown operator %q", op)
	}
}

func compareNumbers(left, right any, cmp func(l, r float64) bool) (bool, error) {
	l, lok := asFloat(left)
	r, rok := asFloat(right)
	if !lok || !rok {
		return false, fmt.Errorf("numeric comparison over non-numbers")
	}
	return cmp(l, r), nil
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}

func asSlice(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

// jsonEqual compares scalars the way JSON does: numbers by value,
// everything else by equality.
func jsonEqual(a, b any) bool {
	if af, ok := asFloat(a); ok {
		bf, ok := asFloat(b)
		return ok && af == bf
	}
	return a == b
}

// fieldValue resolves dot-notation paths over the context: identity.*,
// tenant.*, resource.*, action.*, role, attributes.<key>.
func fieldValue(path string, ec Context) (any, bool) {
	parts := strings.SplitN(path, ".", 2)
	rest := ""
	if len(parts) == 2 {
		rest = parts[1]
	}
	switch parts[0] {
	case "identity":
		switch rest {
		case "user_id":
			return ec.Identity.UserID, true
		case "email":
			return ec.Identity.Email, true
		case "email_domain":
			return ec.Identity.EmailDomain, true
		case "groups":
			arr, _ := asSlice(ec.Identity.Groups)
			return arr, true
		case "is_service":
			return ec.Identity.IsService, true
		}
	case "tenant":
		switch rest {
		case "tenant_id":
			return ec.Tenant.TenantID, true
		case "type":
			return ec.Tenant.Type, true
		}
	case "resource":
		switch rest {
		case "type":
			return ec.Resource.Type, true
		case "id":
			return ec.Resource.ID, true
		case "owner_id":
			if ec.Resource.OwnerID == "" {
				return nil, false
			}
			return ec.Resource.OwnerID, true
		case "agreement_id":
			if ec.Resource.AgreementID == "" {
				return nil, false
			}
			return ec.Resource.AgreementID, true
		}
	case "role":
		if ec.Role == "" {
			return nil, false
		}
		return ec.Role, true
	case "action":
		switch rest {
		case "type":
			return ec.Action.Type, true
		case "name":
			return ec.Action.Name, true
		}
	case "attributes":
		if rest == "" {
			return ec.Attributes, ec.Attributes != nil
		}
		v, ok := ec.Attributes[rest]
		return v, ok
	}
	return nil, false
}
