// Package filter drops stream records that match none of a source's CEL
// filter expressions.
package filter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/ext"

	"github.com/lsm/fiso-stream/internal/batch"
	"github.com/lsm/fiso-stream/internal/streams"
)

const defaultTimeout = 100 * time.Millisecond

// Option configures a Filter.
type Option func(*Filter)

// WithDataField exposes the named data payload as the "data" variable.
func WithDataField(field string) Option {
	return func(f *Filter) {
		f.dataField = field
	}
}

// WithTimeout bounds a single expression evaluation.
func WithTimeout(d time.Duration) Option {
	return func(f *Filter) {
		f.timeout = d
	}
}

// Filter evaluates compiled expressions against raw records. Expressions see
// three variables: record (top-level keys lower-cased), data (the data
// payload, or an empty map) and eventName.
type Filter struct {
	programs  []cel.Program
	dataField string
	timeout   time.Duration
}

// New compiles exprs. A Filter without expressions matches every record.
// Every expression must evaluate to a bool.
func New(exprs []string, opts ...Option) (*Filter, error) {
	f := &Filter{timeout: defaultTimeout}
	for _, opt := range opts {
		opt(f)
	}
	if len(exprs) == 0 {
		return f, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("record", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("data", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("eventName", cel.StringType),
		ext.Strings(),
	)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}

	var errs []error
	for i, expr := range exprs {
		ast, issues := env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			errs = append(errs, fmt.Errorf("filter %d: cel compile: %w", i, issues.Err()))
			continue
		}
		if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
			errs = append(errs, fmt.Errorf("filter %d: expression must return bool, got %s", i, out))
			continue
		}
		prg, err := env.Program(ast)
		if err != nil {
			errs = append(errs, fmt.Errorf("filter %d: cel program: %w", i, err))
			continue
		}
		f.programs = append(f.programs, prg)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return f, nil
}

// Empty reports whether the filter passes every record.
func (f *Filter) Empty() bool {
	return f == nil || len(f.programs) == 0
}

// Match reports whether rec satisfies at least one expression. Evaluation
// errors and non-bool results count as no match.
func (f *Filter) Match(ctx context.Context, rec streams.Record) bool {
	if f.Empty() {
		return true
	}
	activation := f.activation(rec)
	for _, prg := range f.programs {
		if ok, err := f.eval(ctx, prg, activation); err == nil && ok {
			return true
		}
	}
	return false
}

// Apply returns the records that match, preserving order. The input slice is
// never modified.
func (f *Filter) Apply(ctx context.Context, records []streams.Record) []streams.Record {
	if f.Empty() {
		return records
	}
	out := make([]streams.Record, 0, len(records))
	for _, rec := range records {
		if f.Match(ctx, rec) {
			out = append(out, rec)
		}
	}
	return out
}

func (f *Filter) activation(rec streams.Record) map[string]any {
	record := make(map[string]any, len(rec.Fields))
	for k, v := range rec.Fields {
		record[batch.LowerFirst(k)] = v
	}
	data, _ := record[batch.LowerFirst(f.dataField)].(map[string]any)
	if data == nil {
		data = map[string]any{}
	}
	eventName, _ := record["eventName"].(string)
	return map[string]any{
		"record":    record,
		"data":      data,
		"eventName": eventName,
	}
}

func (f *Filter) eval(ctx context.Context, prg cel.Program, activation map[string]any) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	type result struct {
		ok  bool
		err error
	}
	ch := make(chan result, 1)
	go func() {
		out, _, err := prg.Eval(activation)
		if err != nil {
			ch <- result{err: fmt.Errorf("cel eval: %w", err)}
			return
		}
		b, ok := out.Value().(bool)
		if !ok {
			ch <- result{err: fmt.Errorf("filter returned %T, want bool", out.Value())}
			return
		}
		ch <- result{ok: b}
	}()

	select {
	case <-ctx.Done():
		return false, fmt.Errorf("filter timeout: %w", ctx.Err())
	case r := <-ch:
		return r.ok, r.err
	}
}
