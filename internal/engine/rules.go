package engine

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/harborline/supportd/internal/util"
)

// RuleSet drives the keyword classifier used when the model is unavailable
// or answers outside the label set. Rules are evaluated in order; the first
// rule whose keywords match wins. Greetings are matched on whole words so
// "shipping" does not trip on "hi".
type RuleSet struct {
	Greetings []string      `yaml:"greetings"`
	Rules     []KeywordRule `yaml:"rules"`
	Default   string        `yaml:"default"`
}

// KeywordRule maps substring keywords to a query label.
type KeywordRule struct {
	Label    string   `yaml:"label"`
	Keywords []string `yaml:"keywords"`
}

// DefaultRuleSet returns the built-in classification rules.
func DefaultRuleSet() *RuleSet {
	return &RuleSet{
		Greetings: []string{"hi", "hello", "hey"},
		Rules: []KeywordRule{
			{Label: QueryChitchat, Keywords: []string{"thank", "how are you"}},
			{Label: QueryEscalation, Keywords: []string{"agent", "escalate", "supervisor", "complaint"}},
			{Label: QueryBillingIssue, Keywords: []string{"refund", "charge", "billing", "invoice", "payment"}},
			{Label: QueryOrderLookup, Keywords: []string{"order", "tracking", "shipment"}},
			{Label: QueryPolicyOnly, Keywords: []string{"return", "exchange", "shipping", "policy"}},
		},
		Default: QueryPolicyOnly,
	}
}

// LoadRuleSet reads classification rules from a YAML file. Sections absent
// from the file keep their built-in values.
func LoadRuleSet(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	rs := DefaultRuleSet()
	if err := yaml.Unmarshal(data, rs); err != nil {
		return nil, fmt.Errorf("parse rules file %s: %w", path, err)
	}
	if err := rs.validate(); err != nil {
		return nil, fmt.Errorf("rules file %s: %w", path, err)
	}
	return rs, nil
}

func (rs *RuleSet) validate() error {
	if !isQueryType(rs.Default) {
		return fmt.Errorf("unknown default label %q", rs.Default)
	}
	for i, rule := range rs.Rules {
		if !isQueryType(rule.Label) {
			return fmt.Errorf("rule %d: unknown label %q", i, rule.Label)
		}
		if len(rule.Keywords) == 0 {
			return fmt.Errorf("rule %d (%s): no keywords", i, rule.Label)
		}
	}
	return nil
}

// Classify returns the label for query using greeting and keyword rules.
func (rs *RuleSet) Classify(query string) string {
	q := strings.ToLower(strings.TrimSpace(query))
	for _, token := range strings.Fields(q) {
		word := strings.Trim(token, ".,!?:;\"'")
		if util.ContainsString(rs.Greetings, word) {
			return QueryChitchat
		}
	}
	for _, rule := range rs.Rules {
		if util.ContainsAny(q, rule.Keywords...) {
			return rule.Label
		}
	}
	return rs.Default
}
