package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ubl-labs/ubl-core/pkg/contracts"
)

func baseContext() Context {
	return Context{
		Identity: contracts.Identity{
			UserID:      "u:alice",
			Email:       "alice@ex.com",
			EmailDomain: "ex.com",
			Groups:      []string{"engineering"},
		},
		Tenant:   TenantRef{TenantID: "t:ex.com", Type: "customer"},
		Resource: Resource{Type: "tool", ID: "messenger.send"},
		Action:   Action{Type: "execute", Name: "messenger.send"},
		Role:     "member",
	}
}

func mustEngine(t *testing.T, docs ...string) *Engine {
	t.Helper()
	e, err := NewEngine()
	require.NoError(t, err)
	for _, doc := range docs {
		require.NoError(t, e.LoadYAML([]byte(doc)))
	}
	return e
}

func TestEmptyEngineDefaultDeny(t *testing.T) {
	e := mustEngine(t)
	d, err := e.Evaluate(context.Background(), baseContext())
	require.NoError(t, err)
	assert.Equal(t, Deny, d.Decision)
	assert.True(t, d.IsDefault)
}

func TestFirstApplicableHonorsPriority(t *testing.T) {
	e := mustEngine(t, `
id: p1
name: tool access
combining_algorithm: first_applicable
rules:
  - id: deny-service-accounts
    priority: 100
    effect: deny
    conditions:
      - field: identity.is_service
        operator: equals
        value: true
  - id: allow-members
    priority: 10
    effect: allow
    conditions:
      - field: role
        operator: in
        value: [member, admin, owner]
`)
	d, err := e.Evaluate(context.Background(), baseContext())
	require.NoError(t, err)
	assert.Equal(t, Allow, d.Decision)
	assert.Equal(t, "allow-members", d.RuleID)
	assert.Equal(t, "p1", d.PolicyID)
	assert.False(t, d.IsDefault)

	svc := baseContext()
	svc.Identity.IsService = true
	d, err = e.Evaluate(context.Background(), svc)
	require.NoError(t, err)
	assert.Equal(t, Deny, d.Decision)
	assert.Equal(t, "deny-service-accounts", d.RuleID)
}

func TestDenyOverrides(t *testing.T) {
	e := mustEngine(t, `
id: p1
name: mixed
combining_algorithm: deny_overrides
rules:
  - id: allow-all-tools
    priority: 1
    effect: allow
    conditions:
      - field: resource.type
        operator: equals
        value: tool
  - id: deny-llm
    priority: 2
    effect: deny
    conditions:
      - field: action.name
        operator: starts_with
        value: office.llm
`)
	ec := baseContext()
	d, err := e.Evaluate(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, Allow, d.Decision)

	ec.Action.Name = "office.llm.complete"
	d, err = e.Evaluate(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, Deny, d.Decision)
	assert.Equal(t, "deny-llm", d.RuleID)
}

func TestAllowOverrides(t *testing.T) {
	e := mustEngine(t, `
id: p1
name: escape hatch
combining_algorithm: allow_overrides
rules:
  - id: deny-everything
    priority: 1
    effect: deny
    conditions:
      - field: resource.type
        operator: exists
  - id: allow-owners
    priority: 2
    effect: allow
    conditions:
      - field: role
        operator: equals
        value: owner
`)
	ec := baseContext()
	d, err := e.Evaluate(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, Deny, d.Decision)

	ec.Role = "owner"
	d, err = e.Evaluate(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, Allow, d.Decision)
	assert.Equal(t, "allow-owners", d.RuleID)
}

func TestDefaultEffectWhenNoRuleMatches(t *testing.T) {
	e := mustEngine(t, `
id: p1
name: permissive
default_effect: allow
rules:
  - id: deny-other-tenant
    priority: 1
    effect: deny
    conditions:
      - field: tenant.tenant_id
        operator: not_equals
        value: t:ex.com
`)
	d, err := e.Evaluate(context.Background(), baseContext())
	require.NoError(t, err)
	assert.Equal(t, Allow, d.Decision)
	assert.True(t, d.IsDefault)
}

func TestOperators(t *testing.T) {
	ec := baseContext()
	ec.Attributes = map[string]any{"message_bytes": 4096}

	cases := []struct {
		name string
		cond Condition
		want bool
	}{
		{"equals", Condition{Field: "identity.email_domain", Operator: OpEquals, Value: "ex.com"}, true},
		{"not_equals", Condition{Field: "identity.email_domain", Operator: OpNotEquals, Value: "other.com"}, true},
		{"contains string", Condition{Field: "identity.email", Operator: OpContains, Value: "@ex"}, true},
		{"contains array", Condition{Field: "identity.groups", Operator: OpContains, Value: "engineering"}, true},
		{"not_contains", Condition{Field: "identity.groups", Operator: OpNotContains, Value: "finance"}, true},
		{"starts_with", Condition{Field: "tenant.tenant_id", Operator: OpStartsWith, Value: "t:"}, true},
		{"ends_with", Condition{Field: "identity.email", Operator: OpEndsWith, Value: ".com"}, true},
		{"matches", Condition{Field: "identity.user_id", Operator: OpMatches, Value: `^u:[a-z]+$`}, true},
		{"in", Condition{Field: "role", Operator: OpIn, Value: []any{"member", "owner"}}, true},
		{"not_in", Condition{Field: "role", Operator: OpNotIn, Value: []any{"guest"}}, true},
		{"greater_than", Condition{Field: "attributes.message_bytes", Operator: OpGreaterThan, Value: 1024}, true},
		{"less_than_or_equal", Condition{Field: "attributes.message_bytes", Operator: OpLessEqual, Value: 4096}, true},
		{"exists", Condition{Field: "attributes.message_bytes", Operator: OpExists}, true},
		{"not_exists", Condition{Field: "attributes.missing", Operator: OpNotExists}, true},
		{"equals false", Condition{Field: "identity.is_service", Operator: OpEquals, Value: true}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := evaluateCondition(tc.cond, ec)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCELExpressionRule(t *testing.T) {
	e := mustEngine(t, `
id: p1
name: cel
combining_algorithm: first_applicable
rules:
  - id: platform-services-only
    priority: 1
    effect: allow
    expression: 'tenant.type == "platform" || !identity.is_service'
`)
	d, err := e.Evaluate(context.Background(), baseContext())
	require.NoError(t, err)
	assert.Equal(t, Allow, d.Decision)

	svc := baseContext()
	svc.Identity.IsService = true
	d, err = e.Evaluate(context.Background(), svc)
	require.NoError(t, err)
	assert.Equal(t, Deny, d.Decision)
	assert.True(t, d.IsDefault) // rule did not match, default deny
}

func TestCELCompileErrorSurfacesAtLoad(t *testing.T) {
	e, err := NewEngine()
	require.NoError(t, err)
	err = e.LoadYAML([]byte(`
id: p1
name: broken
rules:
  - id: bad
    priority: 1
    effect: allow
    expression: 'this is not cel ))'
`))
	assert.Error(t, err)
}

func TestParseRejectsInvalidPolicies(t *testing.T) {
	_, err := ParseYAML([]byte(`name: anonymous`))
	assert.Error(t, err, "missing id")

	_, err = ParseYAML([]byte("id: p1\nname: x\nrules:\n  - id: r1\n    effect: maybe\n"))
	assert.Error(t, err, "bad effect")

	_, err = ParseYAML([]byte("id: p1\nname: x\ncombining_algorithm: majority_vote\nrules: []\n"))
	assert.Error(t, err, "bad algorithm")
}

func TestCrossPolicyDenyOverrides(t *testing.T) {
	e := mustEngine(t, `
id: allow-policy
name: allows
combining_algorithm: first_applicable
rules:
  - id: allow-tools
    priority: 1
    effect: allow
    conditions:
      - field: resource.type
        operator: equals
        value: tool
`, `
id: deny-policy
name: denies
combining_algorithm: first_applicable
rules:
  - id: deny-ex-com
    priority: 1
    effect: deny
    conditions:
      - field: tenant.tenant_id
        operator: equals
        value: t:ex.com
`)
	d, err := e.Evaluate(context.Background(), baseContext())
	require.NoError(t, err)
	assert.Equal(t, Deny, d.Decision)
	assert.Equal(t, "deny-policy", d.PolicyID)
}

func TestAllowAllEvaluator(t *testing.T) {
	d, err := AllowAll{}.Evaluate(context.Background(), baseContext())
	require.NoError(t, err)
	assert.True(t, d.Allowed())
}
