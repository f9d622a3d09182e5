package manager

import (
	"log/slog"

	"github.com/aipartnerupflow/taskengine/internal/task"
)

// resolveInputs implements spec §4.4.4. Only a bare-string dependency
// (spec §4.4.3) merges its source's result wholesale into inputs; a
// structured {id: ...} entry always nests by id — even when its type
// normalizes to the same default "result" a bare string would carry —
// per task_manager.py's isinstance(dep, str) split (inputs.update(...)
// for the string case, inputs[dep_id] = source_result otherwise). This
// is overridden in both cases when the task's schema declares
// input_schema.properties, in which case only the named properties are
// projected in.
//
// [EXPANSION] When schemas declares a "dependency_filter" CEL string, a
// dependency's result is skipped entirely unless the expression
// evaluates true against it — an optional gate layered on top of the
// field-projection/wholesale-merge decision above.
func (m *Manager) resolveInputs(tree *task.Tree, t *task.Task) map[string]any {
	return resolveInputsWithLogger(tree, t, m.logger)
}

func resolveInputsWithLogger(tree *task.Tree, t *task.Task, logger *slog.Logger) map[string]any {
	inputs := t.GetInputs()
	if inputs == nil {
		inputs = map[string]any{}
	} else {
		cp := make(map[string]any, len(inputs))
		for k, v := range inputs {
			cp[k] = v
		}
		inputs = cp
	}

	schemas := t.GetSchemas()
	declaredProps := declaredProperties(schemas)
	filterExpr, _ := schemas["dependency_filter"].(string)

	for _, dep := range t.GetDependencies() {
		src, ok := tree.ByID(dep.ID)
		if !ok {
			continue
		}
		result := src.GetResult()
		if result == nil {
			continue
		}

		actual := result
		if sub, ok := result["result"].(map[string]any); ok {
			actual = sub
		}

		if !evalDependencyFilter(logger, filterExpr, actual) {
			continue
		}

		switch {
		case declaredProps != nil:
			for k := range declaredProps {
				if v, ok := actual[k]; ok {
					inputs[k] = v
				}
			}
		case dep.BareString:
			for k, v := range actual {
				inputs[k] = v
			}
		default:
			inputs[dep.ID] = result
		}
	}

	return inputs
}

func declaredProperties(schemas map[string]any) map[string]any {
	if schemas == nil {
		return nil
	}
	is, ok := schemas["input_schema"].(map[string]any)
	if !ok {
		return nil
	}
	props, ok := is["properties"].(map[string]any)
	if !ok {
		return nil
	}
	return props
}
