// Package creator implements the Task Creator (spec component C4):
// ingestion and validation of a raw task array into a persisted,
// validated tree. Grounded on the teacher's multi-pass validate-then-
// persist style (ai/agents/orchestrator/expert_registry.go's build-then-
// check pattern) and on original_source/task_creator.py's
// create_task_tree_from_array algorithm, translated into idiomatic Go.
package creator

import (
	"encoding/json"
)

// DependencySpec is one raw dependency reference as accepted on ingest.
// The wire form may be a bare string (shorthand for {id: <string>,
// required: true}) or an object with id/name, required, type. The two
// forms are NOT equivalent downstream: spec §4.4.4 wholesale-merges a
// bare-string dependency's result into inputs but nests a structured
// one by id, even when the structured entry's type defaults to
// "result" — so BareString is carried alongside Ref rather than
// collapsed away.
type DependencySpec struct {
	Ref        string
	Required   bool
	Type       string
	BareString bool
}

// UnmarshalJSON accepts either a bare string or an object form.
func (d *DependencySpec) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		d.Ref = s
		d.Required = true
		d.Type = ""
		d.BareString = true
		return nil
	}

	var obj struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Required *bool  `json:"required"`
		Type     string `json:"type"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}

	ref := obj.ID
	if ref == "" {
		ref = obj.Name
	}
	d.Ref = ref
	d.Type = obj.Type
	d.BareString = false
	if obj.Required == nil {
		d.Required = true
	} else {
		d.Required = *obj.Required
	}
	return nil
}

// Entry is one element of the ingested task array (spec §4.1). ParentRef
// and each Dependencies[i].Ref are references that resolve against
// identifiers within the same array — either every entry's id, or
// (name-mode) every entry's name.
type Entry struct {
	ID           *string          `json:"id,omitempty"`
	Name         string           `json:"name"`
	UserID       *string          `json:"user_id,omitempty"`
	ParentRef    *string          `json:"parent_id,omitempty"`
	Priority     int              `json:"priority,omitempty"`
	Dependencies []DependencySpec `json:"dependencies,omitempty"`
	Inputs       map[string]any   `json:"inputs,omitempty"`
	Params       map[string]any   `json:"params,omitempty"`
	Schemas      map[string]any   `json:"schemas,omitempty"`
}
