// Package policy compiles Rego detection predicates and evaluates them
// against a resource, its metric summaries and resolved parameters.
package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/open-policy-agent/opa/v1/rego"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/tuhlaus/telemetry"
)

// Query is the document every predicate module must define:
//
//	package tuhlaus.rule
//
//	match if { ... }
//	driver := x if { ... }
//	recommendation := "..." if { ... }
//	insufficient := "reason" if { ... }
//	facts := {"name": 1.0}
const Query = "data.tuhlaus.rule"

// ErrNoResult is returned when a module produces no tuhlaus.rule document.
var ErrNoResult = errors.New("policy produced no result")

// Decision is the parsed output of a predicate module.
type Decision struct {
	Match          bool
	Driver         *float64
	Recommendation string
	// Insufficient is non-empty when the module cannot decide.
	Insufficient string
	Facts        map[string]float64
}

// Predicate is a compiled Rego module. It is safe for concurrent use.
type Predicate struct {
	name   string
	query  rego.PreparedEvalQuery
	tracer trace.Tracer
	logger *telemetry.Logger
}

// Compile prepares a Rego module for evaluation.
func Compile(ctx context.Context, name, module string) (*Predicate, error) {
	prepared, err := rego.New(
		rego.Query(Query),
		rego.Module(name+".rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile policy %s: %w", name, err)
	}

	return &Predicate{
		name:   name,
		query:  prepared,
		tracer: otel.Tracer(telemetry.InstrumentationName),
		logger: telemetry.NewLogger("policy"),
	}, nil
}

// Name returns the module name.
func (p *Predicate) Name() string {
	return p.name
}

// Eval runs the predicate against input.
func (p *Predicate) Eval(ctx context.Context, input map[string]any) (Decision, error) {
	ctx, span := p.tracer.Start(ctx, "policy.evaluate",
		trace.WithAttributes(attribute.String("policy.name", p.name)))
	defer span.End()

	results, err := p.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, fmt.Errorf("evaluation of %s failed: %w", p.name, err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{}, fmt.Errorf("%s: %w", p.name, ErrNoResult)
	}

	doc, ok := results[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return Decision{}, fmt.Errorf("%s: unexpected result type %T", p.name, results[0].Expressions[0].Value)
	}

	d, err := parseDecision(doc)
	if err != nil {
		return Decision{}, fmt.Errorf("%s: %w", p.name, err)
	}

	p.logger.WithContext(ctx).Debug().
		Str("policy_name", p.name).
		Bool("match", d.Match).
		Str("insufficient", d.Insufficient).
		Msg("policy evaluated")

	return d, nil
}

func parseDecision(doc map[string]any) (Decision, error) {
	var d Decision

	for key, value := range doc {
		switch key {
		case "match":
			b, ok := value.(bool)
			if !ok {
				return d, fmt.Errorf("match must be a boolean, got %T", value)
			}
			d.Match = b
		case "driver":
			f, ok := toFloat(value)
			if !ok {
				return d, fmt.Errorf("driver must be a number, got %T", value)
			}
			d.Driver = &f
		case "recommendation":
			s, _ := value.(string)
			d.Recommendation = s
		case "insufficient":
			switch v := value.(type) {
			case string:
				d.Insufficient = v
			case bool:
				if v {
					d.Insufficient = "insufficient data"
				}
			}
		case "facts":
			obj, ok := value.(map[string]any)
			if !ok {
				continue
			}
			d.Facts = make(map[string]float64, len(obj))
			for k, v := range obj {
				if f, ok := toFloat(v); ok {
					d.Facts[k] = f
				}
			}
		}
	}

	return d, nil
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
