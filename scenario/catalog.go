package scenario

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"sort"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/yairfalse/tuhlaus/policy"
)

//go:embed default_catalog.yaml
var defaultCatalog []byte

// catalogFile is the on-disk shape of a catalog.
type catalogFile struct {
	Version string `yaml:"version"`
	Rules   []Rule `yaml:"scenarios"`
}

// commonParams are accepted by every rule.
var commonParams = Params{
	ParamMinMonthlyWaste: 0.0,
}

// ParamMinMonthlyWaste suppresses findings wasting less than this amount per month.
const ParamMinMonthlyWaste = "min_monthly_waste"

// Catalog is a load-once registry of rules. It is read-only after
// construction and safe for concurrent use.
type Catalog struct {
	version string
	rules   map[string]*Rule
	order   []string
	byType  map[string][]string
}

// Option customizes catalog construction.
type Option func(*catalogOptions)

type catalogOptions struct {
	predicates map[string]PredicateFunc
	costModels map[string]CostModelFunc
}

// WithPredicate registers an additional named predicate.
func WithPredicate(name string, fn PredicateFunc) Option {
	return func(o *catalogOptions) { o.predicates[name] = fn }
}

// WithCostModel registers an additional named cost model.
func WithCostModel(name string, fn CostModelFunc) Option {
	return func(o *catalogOptions) { o.costModels[name] = fn }
}

// NewCatalog validates rules, compiles Rego predicates and resolves cost
// model references.
func NewCatalog(ctx context.Context, version string, rules []Rule, opts ...Option) (*Catalog, error) {
	o := catalogOptions{
		predicates: make(map[string]PredicateFunc, len(builtinPredicates)),
		costModels: make(map[string]CostModelFunc, len(builtinCostModels)),
	}
	for k, v := range builtinPredicates {
		o.predicates[k] = v
	}
	for k, v := range builtinCostModels {
		o.costModels[k] = v
	}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Catalog{
		version: version,
		rules:   make(map[string]*Rule, len(rules)),
		byType:  make(map[string][]string),
	}

	for i := range rules {
		r := rules[i]
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.rules[r.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate scenario id %s", ErrInvalidRule, r.ID)
		}
		if r.Parameters == nil {
			r.Parameters = Params{}
		}

		if r.Predicate == PredicateRego {
			compiled, err := policy.Compile(ctx, r.ID, r.Rego)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %w", ErrInvalidRule, r.ID, err)
			}
			r.predicate = regoPredicate(compiled)
		} else {
			fn, ok := o.predicates[r.Predicate]
			if !ok {
				return nil, fmt.Errorf("%w: %s: unknown predicate %q", ErrInvalidRule, r.ID, r.Predicate)
			}
			r.predicate = fn
		}

		if r.Recommendation != "" {
			tmpl, err := template.New(r.ID).Option("missingkey=zero").Parse(r.Recommendation)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: recommendation: %w", ErrInvalidRule, r.ID, err)
			}
			r.recommendation = tmpl
		}

		fn, ok := o.costModels[r.CostModel]
		if !ok {
			return nil, fmt.Errorf("%w: %s: unknown cost model %q", ErrInvalidRule, r.ID, r.CostModel)
		}
		r.costModel = fn

		c.rules[r.ID] = &r
		c.order = append(c.order, r.ID)
		for _, t := range r.ResourceTypes {
			c.byType[t] = append(c.byType[t], r.ID)
		}
	}

	sort.Strings(c.order)
	return c, nil
}

// Parse decodes a YAML catalog.
func Parse(ctx context.Context, data []byte, opts ...Option) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	return NewCatalog(ctx, f.Version, f.Rules, opts...)
}

// LoadFile reads a YAML catalog from disk.
func LoadFile(ctx context.Context, path string, opts ...Option) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return Parse(ctx, data, opts...)
}

// Default returns the builtin catalog.
func Default(ctx context.Context, opts ...Option) (*Catalog, error) {
	return Parse(ctx, defaultCatalog, opts...)
}

// Version returns the catalog version.
func (c *Catalog) Version() string {
	return c.version
}

// Lookup returns the rule with scenarioID.
func (c *Catalog) Lookup(scenarioID string) (Rule, bool) {
	r, ok := c.rules[scenarioID]
	if !ok {
		return Rule{}, false
	}
	return *r, true
}

// AllForResourceType returns the rules that apply to resourceType, ordered by id.
func (c *Catalog) AllForResourceType(resourceType string) []Rule {
	ids := append([]string(nil), c.byType[resourceType]...)
	sort.Strings(ids)
	out := make([]Rule, 0, len(ids))
	for _, id := range ids {
		out = append(out, *c.rules[id])
	}
	return out
}

// All returns every rule ordered by id.
func (c *Catalog) All() []Rule {
	out := make([]Rule, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, *c.rules[id])
	}
	return out
}

// IDs returns every scenario id in sorted order.
func (c *Catalog) IDs() []string {
	return append([]string(nil), c.order...)
}

// Len returns the number of rules.
func (c *Catalog) Len() int {
	return len(c.rules)
}

// Select resolves an enabled list (empty means all) minus a disabled
// list. Unknown ids are returned separately.
func (c *Catalog) Select(enabled, disabled []string) (rules []Rule, unknown []string) {
	skip := make(map[string]bool, len(disabled))
	for _, id := range disabled {
		skip[id] = true
	}

	ids := enabled
	if len(ids) == 0 {
		ids = c.order
	}

	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if skip[id] || seen[id] {
			continue
		}
		seen[id] = true
		r, ok := c.rules[id]
		if !ok {
			unknown = append(unknown, id)
			continue
		}
		rules = append(rules, *r)
	}
	return rules, unknown
}

// ValidateOverrides checks that every override names a known scenario and
// a declared parameter of the same kind.
func (c *Catalog) ValidateOverrides(o Overrides) error {
	for tenant, scenarios := range o {
		for id, params := range scenarios {
			r, ok := c.rules[id]
			if !ok {
				return fmt.Errorf("override for tenant %s: unknown scenario %s", tenant, id)
			}
			for name, v := range params {
				def, declared := r.Parameters[name]
				if !declared {
					def, declared = commonParams[name]
				}
				if !declared {
					return fmt.Errorf("override for tenant %s: scenario %s has no parameter %s", tenant, id, name)
				}
				if !sameKind(def, v) {
					return fmt.Errorf("override for tenant %s: %s.%s is %T, want %T", tenant, id, name, v, def)
				}
			}
		}
	}
	return nil
}
