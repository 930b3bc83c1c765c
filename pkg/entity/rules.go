package entity

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
)

// Scope selects what part of a file path a rule is matched against.
type Scope string

const (
	// ScopeName matches the base filename. This is the default.
	ScopeName Scope = "name"

	// ScopePath matches the root-relative, slash-separated path.
	ScopePath Scope = "path"
)

// Errors returned by Compile.
var (
	// ErrNoRules is returned when no pattern rules are configured.
	ErrNoRules = errors.New("at least one pattern rule is required")

	// ErrInvalidTemplate is returned when a template is not a valid regular expression.
	ErrInvalidTemplate = errors.New("invalid pattern template")

	// ErrGroupMismatch is returned when capture groups and entity keys disagree.
	ErrGroupMismatch = errors.New("capture group count does not match entity keys")
)

// RuleError wraps rule-compilation errors with the offending rule.
type RuleError struct {
	Index    int
	Template string
	Err      error
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("pattern rule %d (%s): %v", e.Index, e.Template, e.Err)
}

func (e *RuleError) Unwrap() error {
	return e.Err
}

// RuleConfig is the declarative form of a pattern rule.
type RuleConfig struct {
	// Template is a regular expression; it is anchored at both ends.
	Template string `json:"template" yaml:"template"`

	// Entities names the entity captured by each group, in group order.
	Entities []string `json:"entities" yaml:"entities"`

	// Role is the role assigned to files matching this rule. Optional.
	Role string `json:"role,omitempty" yaml:"role,omitempty"`

	// Scope is "name" (default) or "path".
	Scope Scope `json:"scope,omitempty" yaml:"scope,omitempty"`
}

type rule struct {
	cfg RuleConfig
	re  *regexp.Regexp
}

// Rules is an ordered, compiled list of pattern rules.
//
// Rules are evaluated in declaration order and the first rule that matches
// wins, so ordering is part of the configuration contract. Rules is safe for
// concurrent use after creation.
type Rules struct {
	vocab *Vocabulary
	rules []rule
}

// Match is the result of a successful rule match.
type Match struct {
	// Entities are the captured entities.
	Entities Set

	// Role is the matching rule's role, possibly empty.
	Role string

	// Rule is the index of the matching rule.
	Rule int
}

// Compile validates and compiles rules against vocab.
func Compile(vocab *Vocabulary, cfgs []RuleConfig) (*Rules, error) {
	if vocab == nil {
		return nil, errors.New("vocabulary is required")
	}
	if len(cfgs) == 0 {
		return nil, ErrNoRules
	}

	compiled := make([]rule, 0, len(cfgs))
	for i, cfg := range cfgs {
		if cfg.Scope == "" {
			cfg.Scope = ScopeName
		}
		if cfg.Scope != ScopeName && cfg.Scope != ScopePath {
			return nil, &RuleError{Index: i, Template: cfg.Template, Err: fmt.Errorf("unsupported scope %q", cfg.Scope)}
		}
		if strings.TrimSpace(cfg.Template) == "" {
			return nil, &RuleError{Index: i, Template: cfg.Template, Err: fmt.Errorf("%w: empty template", ErrInvalidTemplate)}
		}
		re, err := regexp.Compile(`^(?:` + cfg.Template + `)$`)
		if err != nil {
			return nil, &RuleError{Index: i, Template: cfg.Template, Err: fmt.Errorf("%w: %v", ErrInvalidTemplate, err)}
		}
		if re.NumSubexp() != len(cfg.Entities) {
			return nil, &RuleError{
				Index:    i,
				Template: cfg.Template,
				Err:      fmt.Errorf("%w: %d groups, %d entities", ErrGroupMismatch, re.NumSubexp(), len(cfg.Entities)),
			}
		}
		seen := make(map[string]bool, len(cfg.Entities))
		for _, key := range cfg.Entities {
			if !vocab.Has(key) {
				return nil, &RuleError{Index: i, Template: cfg.Template, Err: fmt.Errorf("%w: %s", ErrUnknownKey, key)}
			}
			if seen[key] {
				return nil, &RuleError{Index: i, Template: cfg.Template, Err: fmt.Errorf("entity %q captured twice", key)}
			}
			seen[key] = true
		}
		compiled = append(compiled, rule{cfg: cfg, re: re})
	}

	return &Rules{vocab: vocab, rules: compiled}, nil
}

// Vocabulary returns the vocabulary the rules were compiled against.
func (r *Rules) Vocabulary() *Vocabulary {
	return r.vocab
}

// Configs returns the rule configurations in evaluation order, with the
// scope default applied.
func (r *Rules) Configs() []RuleConfig {
	out := make([]RuleConfig, len(r.rules))
	for i, rl := range r.rules {
		out[i] = rl.cfg
	}
	return out
}

// Len returns the number of rules.
func (r *Rules) Len() int {
	return len(r.rules)
}

// Match applies the rules to a root-relative slash path.
//
// It returns false when no rule matches; an unmatched file is not an error.
func (r *Rules) Match(relPath string) (Match, bool) {
	name := path.Base(relPath)
	for i, rl := range r.rules {
		subject := name
		if rl.cfg.Scope == ScopePath {
			subject = relPath
		}
		groups := rl.re.FindStringSubmatchIndex(subject)
		if groups == nil {
			continue
		}
		values := make(map[string]string, len(rl.cfg.Entities))
		for g, key := range rl.cfg.Entities {
			start, end := groups[2*(g+1)], groups[2*(g+1)+1]
			if start < 0 {
				continue
			}
			values[key] = subject[start:end]
		}
		set, err := r.vocab.NewSet(values)
		if err != nil {
			// keys were validated in Compile
			continue
		}
		return Match{Entities: set, Role: rl.cfg.Role, Rule: i}, true
	}
	return Match{}, false
}
