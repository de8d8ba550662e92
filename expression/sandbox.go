package expression

import (
	"fmt"

	"github.com/google/cel-go/cel"
	celast "github.com/google/cel-go/common/ast"
	"github.com/google/cel-go/common/operators"

	moira "github.com/moira-alert/checker"
)

// Operators the compiled AST may call. Anything else (functions, macros,
// comprehensions, member access) means the expression escaped the intended
// grammar and is rejected.
var allowedOperators = map[string]bool{
	operators.Conditional:   true,
	operators.LogicalAnd:    true,
	operators.LogicalOr:     true,
	operators.LogicalNot:    true,
	operators.Equals:        true,
	operators.NotEquals:     true,
	operators.Less:          true,
	operators.LessEquals:    true,
	operators.Greater:       true,
	operators.GreaterEquals: true,
	operators.Add:           true,
	operators.Subtract:      true,
	operators.Multiply:      true,
	operators.Divide:        true,
	operators.Modulo:        true,
	operators.Negate:        true,
}

func checkSandbox(ast *cel.Ast) error {
	var violation error
	celast.PostOrderVisit(ast.NativeRep().Expr(), celast.NewExprVisitor(func(e celast.Expr) {
		if violation != nil {
			return
		}
		switch e.Kind() {
		case celast.CallKind:
			if fn := e.AsCall().FunctionName(); !allowedOperators[fn] {
				violation = rejected("call to %q is not allowed", fn)
			}
		case celast.ComprehensionKind:
			violation = rejected("comprehensions are not allowed")
		case celast.SelectKind:
			violation = rejected("member access is not allowed")
		case celast.ListKind, celast.MapKind, celast.StructKind:
			violation = rejected("composite literals are not allowed")
		}
	}))
	if violation != nil {
		return violation
	}
	// Belt and braces: the output type must be a state string or a value that
	// converts to one.
	if t := ast.OutputType(); t != nil && !t.IsExactType(cel.StringType) && !t.IsExactType(cel.DynType) {
		return moira.Error{Code: moira.ExpressionRejected,
			Err: fmt.Errorf("expression yields %s, want a state", t)}
	}
	return nil
}
