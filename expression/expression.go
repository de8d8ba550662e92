// Package expression reduces per-timestamp target values to a discrete
// trigger state. Without a user expression the default warn/error comparator
// applies; user expressions are compiled once into sandboxed CEL programs and
// cached by source text.
package expression

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/google/cel-go/cel"

	moira "github.com/moira-alert/checker"
)

// TriggerExpression carries everything one evaluation needs: the optional
// user expression source, thresholds and the injected target values.
type TriggerExpression struct {
	Expression    string
	WarnValue     *float64
	ErrorValue    *float64
	PreviousState string
	Values        map[string]float64
}

// Evaluate computes the state for one timestamp.
func (e *TriggerExpression) Evaluate() (string, error) {
	if e.Expression != "" {
		return e.evaluateCustom()
	}
	if e.WarnValue == nil || e.ErrorValue == nil {
		return "", moira.Error{Code: moira.ExpressionRejected,
			Err: fmt.Errorf("trigger has neither an expression nor warn/error values")}
	}
	t1, ok := e.Values["t1"]
	if !ok {
		return "", moira.Error{Code: moira.EvaluationFailure, Err: fmt.Errorf("t1 value is missing")}
	}
	// Rising thresholds compare with >=, falling with <=. Equal thresholds
	// are treated as rising.
	if *e.WarnValue <= *e.ErrorValue {
		switch {
		case t1 >= *e.ErrorValue:
			return moira.ERROR, nil
		case t1 >= *e.WarnValue:
			return moira.WARN, nil
		}
		return moira.OK, nil
	}
	switch {
	case t1 <= *e.ErrorValue:
		return moira.ERROR, nil
	case t1 <= *e.WarnValue:
		return moira.WARN, nil
	}
	return moira.OK, nil
}

var programs sync.Map // source -> cel.Program

func (e *TriggerExpression) evaluateCustom() (string, error) {
	prog, err := compile(e.Expression)
	if err != nil {
		return "", err
	}

	activation := map[string]any{
		"OK":         moira.OK,
		"WARN":       moira.WARN,
		"WARNING":    moira.WARN,
		"ERROR":      moira.ERROR,
		"NODATA":     moira.NODATA,
		"PREV_STATE": e.PreviousState,
	}
	for name, value := range e.Values {
		activation[name] = value
	}
	if e.WarnValue != nil {
		activation["warn_value"] = *e.WarnValue
	}
	if e.ErrorValue != nil {
		activation["error_value"] = *e.ErrorValue
	}

	out, _, err := prog.Eval(activation)
	if err != nil {
		return "", moira.Error{Code: moira.EvaluationFailure,
			Err: fmt.Errorf("evaluating %q: %w", e.Expression, err)}
	}
	nv, err := out.ConvertToNative(reflect.TypeOf(""))
	if err != nil {
		return "", moira.Error{Code: moira.EvaluationFailure,
			Err: fmt.Errorf("expression %q yields a non-state result: %w", e.Expression, err)}
	}
	state := nv.(string)
	if _, ok := moira.StateScores[state]; !ok || state == moira.DEL {
		return "", moira.Error{Code: moira.EvaluationFailure,
			Err: fmt.Errorf("expression %q yields unknown state %q", e.Expression, state)}
	}
	return state, nil
}

// compile translates the historical "STATE if cond else STATE" surface into
// CEL, compiles it with only the whitelisted variables declared and caches
// the program under its source text.
func compile(source string) (cel.Program, error) {
	if cached, ok := programs.Load(source); ok {
		return cached.(cel.Program), nil
	}

	translated, names, err := translate(source)
	if err != nil {
		return nil, err
	}

	opts := []cel.EnvOption{
		cel.Variable("OK", cel.StringType),
		cel.Variable("WARN", cel.StringType),
		cel.Variable("WARNING", cel.StringType),
		cel.Variable("ERROR", cel.StringType),
		cel.Variable("NODATA", cel.StringType),
		cel.Variable("PREV_STATE", cel.StringType),
		cel.Variable("warn_value", cel.DoubleType),
		cel.Variable("error_value", cel.DoubleType),
	}
	for name := range names {
		if isTargetName(name) {
			opts = append(opts, cel.Variable(name, cel.DoubleType))
		}
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("error creating CEL environment: %v", err)
	}
	ast, issues := env.Compile(translated)
	if issues != nil && issues.Err() != nil {
		return nil, moira.Error{Code: moira.ExpressionRejected,
			Err: fmt.Errorf("error compiling expression %q: %v", source, issues.Err())}
	}
	if err := checkSandbox(ast); err != nil {
		return nil, err
	}
	p, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("error creating Program: %v", err)
	}
	programs.Store(source, p)
	return p, nil
}
