package scenario

import (
	"fmt"
	"sort"
)

// Params are named rule parameters. Values are float64, string or bool.
type Params map[string]any

// Clone returns a copy of p.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Merge returns p with overrides applied on top.
func (p Params) Merge(overrides Params) Params {
	out := p.Clone()
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// Names returns the parameter names in sorted order.
func (p Params) Names() []string {
	names := make([]string, 0, len(p))
	for k := range p {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Float returns a numeric parameter.
func (p Params) Float(name string) (float64, error) {
	v, ok := p[name]
	if !ok {
		return 0, fmt.Errorf("%w: missing parameter %s", ErrInvalidRule, name)
	}
	f, ok := asFloat(v)
	if !ok {
		return 0, fmt.Errorf("%w: parameter %s is %T, want number", ErrInvalidRule, name, v)
	}
	return f, nil
}

// FloatOr returns a numeric parameter or def when absent.
func (p Params) FloatOr(name string, def float64) (float64, error) {
	if _, ok := p[name]; !ok {
		return def, nil
	}
	return p.Float(name)
}

// String returns a string parameter.
func (p Params) String(name string) (string, error) {
	v, ok := p[name]
	if !ok {
		return "", fmt.Errorf("%w: missing parameter %s", ErrInvalidRule, name)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: parameter %s is %T, want string", ErrInvalidRule, name, v)
	}
	return s, nil
}

// StringOr returns a string parameter or def when absent.
func (p Params) StringOr(name, def string) (string, error) {
	if _, ok := p[name]; !ok {
		return def, nil
	}
	return p.String(name)
}

// BoolOr returns a boolean parameter or def when absent.
func (p Params) BoolOr(name string, def bool) (bool, error) {
	v, ok := p[name]
	if !ok {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%w: parameter %s is %T, want bool", ErrInvalidRule, name, v)
	}
	return b, nil
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func sameKind(a, b any) bool {
	_, af := asFloat(a)
	_, bf := asFloat(b)
	if af || bf {
		return af && bf
	}
	switch a.(type) {
	case string:
		_, ok := b.(string)
		return ok
	case bool:
		_, ok := b.(bool)
		return ok
	}
	return false
}

// Overrides holds per-tenant parameter overrides: tenant -> scenario -> params.
type Overrides map[string]map[string]Params

// For returns the overrides of tenant for scenarioID.
func (o Overrides) For(tenant, scenarioID string) Params {
	if o == nil {
		return nil
	}
	return o[tenant][scenarioID]
}

// Resolve returns the effective parameters of rule for tenant
// (tenant override > rule default).
func (o Overrides) Resolve(tenant string, rule *Rule) Params {
	return rule.Parameters.Merge(o.For(tenant, rule.ID))
}
