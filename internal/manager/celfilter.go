package manager

import (
	"log/slog"

	"github.com/google/cel-go/cel"
)

// dependencyFilterEnv evaluates the optional per-task
// schemas["dependency_filter"] CEL expression against each dependency's
// resolved result (bound to the "dep" variable) before it is merged
// into inputs, generalizing the teacher's CEL-based filter-string
// evaluation (server/router/api/v1/user_service_crud.go's
// extractUsernameFromFilter) from a single comparison extraction to a
// real boolean predicate over a dynamic value.
var dependencyFilterEnv, dependencyFilterEnvErr = cel.NewEnv(
	cel.Variable("dep", cel.DynType),
)

// evalDependencyFilter compiles and runs expr against dep, returning true
// when expr is empty (no filter declared) or when it evaluates to a
// truthy bool. Compile/type errors are logged and treated as "keep" so a
// malformed filter never silently drops a dependency result.
func evalDependencyFilter(logger *slog.Logger, expr string, dep map[string]any) bool {
	if expr == "" {
		return true
	}
	if dependencyFilterEnvErr != nil {
		logger.Error("manager: CEL environment unavailable", "error", dependencyFilterEnvErr)
		return true
	}

	ast, issues := dependencyFilterEnv.Compile(expr)
	if issues != nil && issues.Err() != nil {
		logger.Error("manager: invalid dependency_filter expression", "expr", expr, "error", issues.Err())
		return true
	}

	prg, err := dependencyFilterEnv.Program(ast)
	if err != nil {
		logger.Error("manager: failed to build CEL program", "expr", expr, "error", err)
		return true
	}

	out, _, err := prg.Eval(map[string]any{"dep": dep})
	if err != nil {
		logger.Error("manager: CEL evaluation failed", "expr", expr, "error", err)
		return true
	}

	b, ok := out.Value().(bool)
	return !ok || b
}
