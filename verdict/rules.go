package verdict

import (
	"context"
	"fmt"
	"os"
	"path"

	"github.com/BurntSushi/toml"

	"github.com/vinayprograms/watchkit/errors"
	"github.com/vinayprograms/watchkit/taskstore"
)

// Rule matches tasks by kind glob and renders a decision. Ceilings make
// an approval conditional: a numeric payload field over its ceiling
// demotes the verdict to defer, so a human sees it.
type Rule struct {
	// Kind is a glob over the task kind ("mail.*").
	Kind string `toml:"kind"`

	// Decision applies when the rule matches.
	Decision Decision `toml:"decision"`

	// Ceilings are per-payload-field numeric maxima.
	Ceilings map[string]float64 `toml:"ceilings"`

	// Reason overrides the generated reason text.
	Reason string `toml:"reason"`
}

// RuleSet is an ordered list of rules; the first match wins.
type RuleSet struct {
	// Default applies when no rule matches.
	// Default: defer
	Default Decision `toml:"default"`

	Rules []Rule `toml:"rules"`
}

// Validate checks the rule set.
func (rs *RuleSet) Validate() error {
	if rs.Default != "" && !rs.Default.Valid() {
		return errors.InvalidInput("unknown default decision: " + string(rs.Default))
	}
	for i, r := range rs.Rules {
		if r.Kind == "" {
			return errors.InvalidInput(fmt.Sprintf("rule %d has no kind glob", i))
		}
		if !r.Decision.Valid() {
			return errors.InvalidInput(fmt.Sprintf("rule %d has unknown decision %q", i, r.Decision))
		}
		if _, err := path.Match(r.Kind, "probe"); err != nil {
			return errors.InvalidInput(fmt.Sprintf("rule %d has a bad glob %q", i, r.Kind))
		}
	}
	return nil
}

// LoadRules reads a rule set from a TOML file.
func LoadRules(file string) (*RuleSet, error) {
	content, err := os.ReadFile(file)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeNotFound, "read rules file")
	}
	var rs RuleSet
	if err := toml.Unmarshal(content, &rs); err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeParseFailure, "parse rules file")
	}
	if err := rs.Validate(); err != nil {
		return nil, err
	}
	return &rs, nil
}

// RuleProducer renders verdicts from a static rule set.
type RuleProducer struct {
	rules RuleSet
}

// NewRuleProducer creates a producer over a validated rule set.
func NewRuleProducer(rules RuleSet) (*RuleProducer, error) {
	if err := rules.Validate(); err != nil {
		return nil, err
	}
	if rules.Default == "" {
		rules.Default = Defer
	}
	return &RuleProducer{rules: rules}, nil
}

// Name implements Producer.
func (p *RuleProducer) Name() string { return "rules" }

// Evaluate implements Producer.
func (p *RuleProducer) Evaluate(ctx context.Context, t *taskstore.Task) (Decision, string, error) {
	for _, rule := range p.rules.Rules {
		ok, _ := path.Match(rule.Kind, t.Kind)
		if !ok {
			continue
		}

		if rule.Decision == Approve {
			if field, limit, over := overCeiling(rule.Ceilings, t.Payload); over {
				return Defer, fmt.Sprintf("%s exceeds ceiling %g", field, limit), nil
			}
		}

		reason := rule.Reason
		if reason == "" {
			reason = fmt.Sprintf("matched rule %q", rule.Kind)
		}
		return rule.Decision, reason, nil
	}
	return p.rules.Default, "no rule matched", nil
}

// overCeiling reports the first payload field above its ceiling.
func overCeiling(ceilings map[string]float64, payload map[string]interface{}) (string, float64, bool) {
	for field, limit := range ceilings {
		value, ok := numericField(payload[field])
		if !ok {
			continue
		}
		if value > limit {
			return field, limit, true
		}
	}
	return "", 0, false
}

func numericField(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}
