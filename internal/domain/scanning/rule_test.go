package scanning

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRule(t *testing.T) {
	t.Parallel()

	r, err := ParseRule(nil)
	require.NoError(t, err)
	assert.Nil(t, r)

	_, err = ParseRule(json.RawMessage(`{"field":`))
	require.ErrorIs(t, err, ErrInvalidParameter)

	r, err = ParseRule(json.RawMessage(`{
		"relation": "AND",
		"rules": [
			{"field": "projectId", "value": "p1", "operation": "EQ"},
			{"field": "repoName", "value": ["r1", "r2", "r1"], "operation": "IN"}
		]
	}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, r.ProjectIDs())
	assert.Equal(t, []string{"r1", "r2"}, r.RepoNames())
}

func TestRule_WithProject(t *testing.T) {
	t.Parallel()

	var nilRule *Rule
	scoped := nilRule.WithProject("p1")
	assert.Equal(t, []string{"p1"}, scoped.ProjectIDs())

	repoOnly := &Rule{Field: RuleFieldRepoName, Value: "generic", Operation: RuleOperationEQ}
	scoped = repoOnly.WithProject("p1")
	assert.Equal(t, []string{"p1"}, scoped.ProjectIDs())
	assert.Equal(t, []string{"generic"}, scoped.RepoNames())

	owned := &Rule{Field: RuleFieldProjectID, Value: "p2", Operation: RuleOperationEQ}
	assert.Equal(t, []string{"p2"}, owned.WithProject("p1").ProjectIDs())
}

func TestRule_Matches(t *testing.T) {
	t.Parallel()

	a := Artifact{ProjectID: "p1", RepoName: "generic", FullPath: "/libs/app-1.0.jar", Name: "app-1.0.jar", Sha256: "abc"}

	tests := []struct {
		name string
		rule *Rule
		want bool
	}{
		{name: "nil rule", rule: nil, want: true},
		{name: "empty rule", rule: &Rule{}, want: true},
		{name: "eq", rule: &Rule{Field: RuleFieldRepoName, Value: "generic", Operation: RuleOperationEQ}, want: true},
		{name: "eq mismatch", rule: &Rule{Field: RuleFieldRepoName, Value: "docker", Operation: RuleOperationEQ}, want: false},
		{name: "in", rule: &Rule{Field: RuleFieldSha256, Value: []any{"x", "abc"}, Operation: RuleOperationIN}, want: true},
		{name: "prefix", rule: &Rule{Field: RuleFieldFullPath, Value: "/libs/", Operation: RuleOperationPrefix}, want: true},
		{name: "glob", rule: &Rule{Field: RuleFieldName, Value: "*.jar", Operation: RuleOperationMatch}, want: true},
		{name: "unknown field", rule: &Rule{Field: "size", Value: "1", Operation: RuleOperationEQ}, want: false},
		{
			name: "and",
			rule: &Rule{Relation: RuleRelationAnd, Rules: []Rule{
				{Field: RuleFieldProjectID, Value: "p1", Operation: RuleOperationEQ},
				{Field: RuleFieldName, Value: "*.war", Operation: RuleOperationMatch},
			}},
			want: false,
		},
		{
			name: "or",
			rule: &Rule{Relation: RuleRelationOr, Rules: []Rule{
				{Field: RuleFieldName, Value: "*.war", Operation: RuleOperationMatch},
				{Field: RuleFieldRepoName, Value: "generic", Operation: RuleOperationEQ},
			}},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.rule.Matches(a))
		})
	}
}
