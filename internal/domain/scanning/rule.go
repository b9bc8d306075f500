package scanning

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"
)

// Rule field names understood when resolving the scope of a scan request.
const (
	RuleFieldProjectID = "projectId"
	RuleFieldRepoName  = "repoName"
)

// RuleOperation is the comparison a leaf rule applies.
type RuleOperation string

const (
	RuleOperationEQ     RuleOperation = "EQ"
	RuleOperationIN     RuleOperation = "IN"
	RuleOperationPrefix RuleOperation = "PREFIX"
	RuleOperationMatch  RuleOperation = "MATCH"
)

// RuleRelation joins nested rules.
type RuleRelation string

const (
	RuleRelationAnd RuleRelation = "AND"
	RuleRelationOr  RuleRelation = "OR"
)

// Rule is the artifact filter attached to a scan request. A rule is either a
// leaf (Field, Value, Operation) or a nested group (Relation, Rules).
type Rule struct {
	Field     string        `json:"field,omitempty"`
	Value     any           `json:"value,omitempty"`
	Operation RuleOperation `json:"operation,omitempty"`
	Relation  RuleRelation  `json:"relation,omitempty"`
	Rules     []Rule        `json:"rules,omitempty"`
}

// ParseRule decodes a serialized rule. An empty input yields a nil rule.
func ParseRule(raw json.RawMessage) (*Rule, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var r Rule
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("%w: invalid rule: %v", ErrInvalidParameter, err)
	}
	return &r, nil
}

// ProjectIDs returns the distinct project ids the rule constrains with EQ or IN.
func (r *Rule) ProjectIDs() []string { return r.values(RuleFieldProjectID) }

// RepoNames returns the distinct repository names the rule constrains with EQ or IN.
func (r *Rule) RepoNames() []string { return r.values(RuleFieldRepoName) }

func (r *Rule) values(field string) []string {
	if r == nil {
		return nil
	}
	seen := make(map[string]struct{})
	var out []string
	add := func(v string) {
		if _, ok := seen[v]; ok {
			return
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}

	var walk func(rule *Rule)
	walk = func(rule *Rule) {
		if rule.Field == field {
			switch rule.Operation {
			case RuleOperationEQ:
				if s, ok := rule.Value.(string); ok {
					add(s)
				}
			case RuleOperationIN:
				if list, ok := rule.Value.([]any); ok {
					for _, v := range list {
						if s, ok := v.(string); ok {
							add(s)
						}
					}
				}
			}
		}
		for i := range rule.Rules {
			walk(&rule.Rules[i])
		}
	}
	walk(r)
	return out
}

// WithProject returns a copy of the rule scoped to projectID, so the
// dispatcher never enumerates artifacts outside the owning project.
func (r *Rule) WithProject(projectID string) *Rule {
	scope := Rule{Field: RuleFieldProjectID, Value: projectID, Operation: RuleOperationEQ}
	if r == nil {
		return &Rule{Relation: RuleRelationAnd, Rules: []Rule{scope}}
	}
	if len(r.ProjectIDs()) > 0 {
		c := *r
		return &c
	}
	return &Rule{Relation: RuleRelationAnd, Rules: []Rule{scope, *r}}
}

// Rule fields an artifact exposes to Matches.
const (
	RuleFieldFullPath = "fullPath"
	RuleFieldName     = "name"
	RuleFieldSha256   = "sha256"
)

// Matches reports whether the artifact satisfies the rule. A nil or empty rule
// matches everything; a leaf naming an unknown field never matches.
func (r *Rule) Matches(a Artifact) bool {
	if r == nil || (r.Field == "" && r.Relation == "" && len(r.Rules) == 0) {
		return true
	}
	if len(r.Rules) > 0 || r.Relation != "" {
		if r.Relation == RuleRelationOr {
			for i := range r.Rules {
				if r.Rules[i].Matches(a) {
					return true
				}
			}
			return false
		}
		for i := range r.Rules {
			if !r.Rules[i].Matches(a) {
				return false
			}
		}
		return true
	}

	var actual string
	switch r.Field {
	case RuleFieldProjectID:
		actual = a.ProjectID
	case RuleFieldRepoName:
		actual = a.RepoName
	case RuleFieldFullPath:
		actual = a.FullPath
	case RuleFieldName:
		actual = a.Name
	case RuleFieldSha256:
		actual = a.Sha256
	default:
		return false
	}

	switch r.Operation {
	case RuleOperationEQ:
		s, ok := r.Value.(string)
		return ok && s == actual
	case RuleOperationIN:
		list, _ := r.Value.([]any)
		for _, v := range list {
			if s, ok := v.(string); ok && s == actual {
				return true
			}
		}
		return false
	case RuleOperationPrefix:
		s, ok := r.Value.(string)
		return ok && strings.HasPrefix(actual, s)
	case RuleOperationMatch:
		s, ok := r.Value.(string)
		if !ok {
			return false
		}
		matched, err := path.Match(s, actual)
		return err == nil && matched
	default:
		return false
	}
}
