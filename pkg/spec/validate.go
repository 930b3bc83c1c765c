package spec

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	schemasassets "github.com/3leaps/niviz/internal/assets/schemas"
	"github.com/3leaps/niviz/pkg/entity"
	"github.com/3leaps/niviz/pkg/match"
	"github.com/fulmenhq/gofulmen/schema"
)

// SchemaID is the schema identifier for configuration documents.
const SchemaID = "niviz/v1.0.0/qc-spec"

// ErrSchemaNotFound indicates the embedded schema is missing.
var ErrSchemaNotFound = errors.New("configuration schema not found")

var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

// ValidateRaw checks JSON document bytes against the embedded schema.
//
// Returns ConfigErrors (wrapping ErrSchema) listing every schema violation.
func ValidateRaw(jsonData []byte) error {
	v, err := getValidator()
	if err != nil {
		return err
	}

	diags, err := v.ValidateJSON(jsonData)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	var c collector
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			c.add(d.Pointer, ErrSchema, d.Message)
		}
	}
	return c.err()
}

func getValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		if len(schemasassets.QCSpecSchema) == 0 {
			validatorErr = fmt.Errorf("%w: embedded qc-spec schema is empty", ErrSchemaNotFound)
			return
		}
		validator, validatorErr = schema.NewValidator(schemasassets.QCSpecSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("failed to compile configuration schema: %w", validatorErr)
		}
	})
	return validator, validatorErr
}

type rawDocument struct {
	Version  string              `json:"version"`
	Package  string              `json:"package"`
	Entities []entity.Entity     `json:"entities"`
	Patterns []entity.RuleConfig `json:"patterns"`
	Scope    match.Config        `json:"scope"`
	GroupBy  []string            `json:"group_by"`
	Specs    []rawSpec           `json:"specs"`
	Backends map[string]Backend  `json:"backends"`
}

type rawSpec struct {
	Name    string         `json:"name"`
	Recipe  string         `json:"recipe"`
	GroupBy []string       `json:"group_by"`
	Filter  map[string]any `json:"filter"`
	Roles   []rawRole      `json:"roles"`
	Params  map[string]any `json:"params"`
	Output  string         `json:"output"`
}

type rawRole struct {
	Name     string         `json:"name"`
	Filter   map[string]any `json:"filter"`
	Optional bool           `json:"optional"`
	Many     bool           `json:"many"`
}

// build turns a schema-valid raw document into a Document, collecting every
// semantic problem before failing.
func build(raw *rawDocument) (*Document, error) {
	var c collector

	entities := raw.Entities
	if len(entities) == 0 {
		entities = entity.DefaultEntities
	}
	vocab, err := entity.NewVocabulary(entities)
	if err != nil {
		c.add("entities", ErrUnknownKey, err.Error())
		return nil, c.err()
	}

	rules, err := entity.Compile(vocab, raw.Patterns)
	if err != nil {
		var rerr *entity.RuleError
		if errors.As(err, &rerr) {
			c.add(fmt.Sprintf("patterns[%d]", rerr.Index), ErrInvalidPattern, rerr.Err.Error())
		} else {
			c.add("patterns", ErrInvalidPattern, err.Error())
		}
	}

	if _, err := match.New(raw.Scope); err != nil {
		c.add("scope", ErrInvalidPattern, err.Error())
	}

	groupBy := raw.GroupBy
	if len(groupBy) == 0 {
		groupBy = DefaultGroupBy
	}
	checkKeys(&c, vocab, "group_by", groupBy)

	doc := &Document{
		Version:    raw.Version,
		Package:    raw.Package,
		Vocabulary: vocab,
		Rules:      rules,
		Scope:      raw.Scope,
		Specs:      make([]Spec, 0, len(raw.Specs)),
		Backends:   raw.Backends,
	}
	if doc.Version == "" {
		doc.Version = Version
	}
	if doc.Package == "" {
		doc.Package = DefaultPackage
	} else if !ValidPackage(doc.Package) {
		c.add("package", ErrInvalidName, "%q must be one path segment of letters, digits, '.', '_' or '-' and not start with '.'", doc.Package)
	}
	if doc.Backends == nil {
		doc.Backends = map[string]Backend{}
	}

	names := make(map[string]int, len(raw.Specs))
	for i, rs := range raw.Specs {
		path := fmt.Sprintf("specs[%d]", i)
		name := strings.TrimSpace(rs.Name)
		switch {
		case name == "":
			c.add(path+".name", ErrMissingName, "")
		case !nameRe.MatchString(name):
			c.add(path+".name", ErrInvalidName, "%q may only contain letters, digits, '_' and '-'", name)
		case names[name] > 0:
			c.add(path+".name", ErrDuplicateSpec, "%q first declared at specs[%d]", name, names[name]-1)
		default:
			names[name] = i + 1
		}
		if strings.TrimSpace(rs.Recipe) == "" {
			c.add(path+".recipe", ErrMissingRecipe, "")
		}

		s := Spec{
			Name:    name,
			Recipe:  strings.TrimSpace(rs.Recipe),
			GroupBy: rs.GroupBy,
			Filter:  buildFilter(&c, vocab, path+".filter", rs.Filter),
			Params:  rs.Params,
			Output:  rs.Output,
		}
		if len(s.GroupBy) == 0 {
			s.GroupBy = groupBy
		} else {
			checkKeys(&c, vocab, path+".group_by", s.GroupBy)
		}
		if s.Params == nil {
			s.Params = map[string]any{}
		}
		normalizeParams(s.Params)

		if len(rs.Roles) == 0 {
			c.add(path+".roles", ErrEmptyRoles, "")
		}
		roleSeen := make(map[string]bool, len(rs.Roles))
		for j, rr := range rs.Roles {
			rpath := fmt.Sprintf("%s.roles[%d]", path, j)
			rname := strings.TrimSpace(rr.Name)
			if rname == "" {
				c.add(rpath+".name", ErrMissingName, "role name is empty")
			} else if roleSeen[rname] {
				c.add(rpath+".name", ErrDuplicateRole, "%q", rname)
			}
			roleSeen[rname] = true
			s.Roles = append(s.Roles, Role{
				Name:     rname,
				Filter:   buildFilter(&c, vocab, rpath+".filter", rr.Filter),
				Optional: rr.Optional,
				Many:     rr.Many,
			})
		}

		if s.Output != "" {
			checkOutput(&c, vocab, path+".output", s.Output, s.GroupBy)
		}

		doc.Specs = append(doc.Specs, s)
	}

	if err := c.err(); err != nil {
		return nil, err
	}
	return doc, nil
}

func checkKeys(c *collector, vocab *entity.Vocabulary, path string, keys []string) {
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if !vocab.Has(k) {
			c.add(path, ErrUnknownKey, "%q", k)
		}
		if seen[k] {
			c.add(path, ErrDuplicateKey, "%q", k)
		}
		seen[k] = true
	}
}

// buildFilter converts raw filter values into tagged filter values:
// "*" is Any, a list is OneOf and any other scalar is Literal.
func buildFilter(c *collector, vocab *entity.Vocabulary, path string, raw map[string]any) entity.Filter {
	if len(raw) == 0 {
		return entity.Filter{}
	}
	// iterate in key order so errors are reported deterministically
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	terms := make(map[string]entity.Value, len(raw))
	for _, k := range keys {
		if !vocab.Has(k) {
			c.add(path, ErrUnknownKey, "%q", k)
			continue
		}
		switch v := raw[k].(type) {
		case []any:
			vals := make([]string, len(v))
			for i, item := range v {
				vals[i] = scalarString(item)
			}
			terms[k] = entity.OneOf(vals...)
		default:
			s := scalarString(v)
			if s == "*" {
				terms[k] = entity.Any()
			} else {
				terms[k] = entity.Literal(s)
			}
		}
	}
	return entity.NewFilter(terms)
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprint(t)
	}
}

// normalizeParams replaces json.Number values with int64 or float64 so
// renderers see ordinary Go numbers.
func normalizeParams(m map[string]any) {
	for k, v := range m {
		m[k] = normalizeValue(v)
	}
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any:
		normalizeParams(t)
		return t
	case []any:
		for i := range t {
			t[i] = normalizeValue(t[i])
		}
		return t
	default:
		return v
	}
}

var placeholderRe = regexp.MustCompile(`\{([^{}]*)\}`)

var (
	nameRe    = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	packageRe = regexp.MustCompile(`^[A-Za-z0-9_-][A-Za-z0-9._-]*$`)
)

// ValidPackage reports whether pkg can name the output subdirectory: a
// single path segment that is not "." or ".." and does not start with a dot.
func ValidPackage(pkg string) bool {
	return packageRe.MatchString(pkg)
}

// checkOutput validates an output stem template. Placeholders must name a
// vocabulary key or "spec", {spec} and every grouping key must appear, and
// the result must stay inside the output directory. Spec names are unique,
// so no two specs can expand to the same stem.
func checkOutput(c *collector, vocab *entity.Vocabulary, path, tpl string, groupBy []string) {
	used := make(map[string]bool)
	for _, m := range placeholderRe.FindAllStringSubmatch(tpl, -1) {
		name := m[1]
		if name != "spec" && !vocab.Has(name) {
			c.add(path, ErrInvalidOutput, "unknown placeholder {%s}", name)
			continue
		}
		used[name] = true
	}
	if !used["spec"] {
		c.add(path, ErrInvalidOutput, "template must contain {spec}")
	}
	for _, k := range groupBy {
		if !used[k] {
			c.add(path, ErrInvalidOutput, "grouping key {%s} missing from template", k)
		}
	}
	if strings.HasPrefix(tpl, "/") {
		c.add(path, ErrInvalidOutput, "template must be relative")
	}
	for _, seg := range strings.Split(tpl, "/") {
		if seg == ".." {
			c.add(path, ErrInvalidOutput, "template must not contain '..'")
			break
		}
	}
}
