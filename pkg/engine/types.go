package engine

import (
	"encoding/json"
	"time"

	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// Plan is the ordered operation list computed by diffing desired
// declarations against persisted state. Operations appear in dependency
// topological order; independent subtrees may execute concurrently but the
// relative order inside every dependency chain is preserved.
type Plan struct {
	// ID is the unique identifier for this plan.
	ID string `json:"id"`

	// CreatedAt is when the plan was computed.
	CreatedAt time.Time `json:"created_at"`

	// Destroy marks a whole-plan destroy, where every node in state is
	// targeted for removal.
	Destroy bool `json:"destroy,omitempty"`

	// Operations are the planned operations in topological order.
	Operations []*Operation `json:"operations"`

	// Summary provides per-action counts.
	Summary PlanSummary `json:"summary"`
}

// HasChanges reports whether any operation mutates real-world state.
func (p *Plan) HasChanges() bool {
	for _, op := range p.Operations {
		if op.Action.IsMutating() {
			return true
		}
	}
	return false
}

// OperationFor returns the planned operation for an address, nil when the
// plan holds none.
func (p *Plan) OperationFor(addr Address) *Operation {
	key := addr.String()
	for _, op := range p.Operations {
		if op.Addr.String() == key {
			return op
		}
	}
	return nil
}

// Operation is one planned node-level transition.
type Operation struct {
	// ID is the unique identifier for this operation.
	ID string `json:"id"`

	// Addr is the node the operation targets.
	Addr Address `json:"addr"`

	// Action is the planned transition.
	Action Action `json:"action"`

	// Phases spells out the provider calls a replace decomposes into:
	// destroy then create, or create then destroy under
	// create_before_destroy. Single-phase actions list just themselves.
	Phases []Action `json:"phases"`

	// Reason explains why the action was chosen, e.g. "not in state",
	// "tainted", or the attribute that forces replacement.
	Reason string `json:"reason,omitempty"`

	// PriorID is the provider-assigned identity from state, empty for
	// creates.
	PriorID string `json:"prior_id,omitempty"`

	// DeposedIDs are old object identities left behind when an earlier
	// create-before-destroy replacement committed its create but never its
	// destroy. This operation removes them.
	DeposedIDs []string `json:"deposed_ids,omitempty"`

	// Diffs lists the attribute differences behind an update or replace.
	Diffs []AttrDiff `json:"diffs,omitempty"`

	// DependsOn lists the addresses whose operations must complete and
	// commit before this one starts.
	DependsOn []Address `json:"depends_on,omitempty"`
}

// AttrDiff describes one attribute difference between state and desired
// declarations.
type AttrDiff struct {
	// Name is the attribute name.
	Name string `json:"name"`

	// Before is the persisted value, NilVal when the attribute is new.
	Before cty.Value `json:"-"`

	// After is the desired value, possibly unknown until apply.
	After cty.Value `json:"-"`

	// ForcesReplacement marks diffs the kind schema classifies as requiring
	// destroy and recreate.
	ForcesReplacement bool `json:"forces_replacement,omitempty"`
}

// MarshalJSON renders the diff with JSON-encoded values; unknown values
// render as a placeholder since their real values arrive at apply.
func (d AttrDiff) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Name              string          `json:"name"`
		Before            json.RawMessage `json:"before"`
		After             json.RawMessage `json:"after"`
		ForcesReplacement bool            `json:"forces_replacement,omitempty"`
	}{
		Name:              d.Name,
		Before:            ValueJSON(d.Before),
		After:             ValueJSON(d.After),
		ForcesReplacement: d.ForcesReplacement,
	})
}

// UnknownValuePlaceholder is how values not known until apply render in
// plan output.
const UnknownValuePlaceholder = "(known after apply)"

// ValueJSON renders a cty value for plan serialization. Null and absent
// values render as JSON null; values containing unknowns render as the
// placeholder string.
func ValueJSON(v cty.Value) json.RawMessage {
	if v == cty.NilVal || v.IsNull() {
		return json.RawMessage("null")
	}
	if !v.IsWhollyKnown() {
		placeholder, _ := json.Marshal(UnknownValuePlaceholder)
		return placeholder
	}
	raw, err := ctyjson.Marshal(v, v.Type())
	if err != nil {
		fallback, _ := json.Marshal(v.GoString())
		return fallback
	}
	return raw
}

// PlanSummary provides per-action counts for a plan.
type PlanSummary struct {
	// Total is the number of nodes considered.
	Total int `json:"total"`

	// ToCreate is the number of create operations.
	ToCreate int `json:"to_create"`

	// ToUpdate is the number of in-place updates.
	ToUpdate int `json:"to_update"`

	// ToReplace is the number of destroy-and-recreate operations.
	ToReplace int `json:"to_replace"`

	// ToDestroy is the number of destroy operations.
	ToDestroy int `json:"to_destroy"`

	// NoOp is the number of nodes with no changes.
	NoOp int `json:"noop"`
}

// ApplyResult is the outcome of executing a plan.
type ApplyResult struct {
	// RunID identifies the apply run.
	RunID string `json:"run_id"`

	// Status is the overall run outcome.
	Status RunStatus `json:"status"`

	// StartedAt is when execution began.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when execution finished.
	CompletedAt time.Time `json:"completed_at"`

	// Results holds the per-node outcomes keyed by address.
	Results map[string]*OperationResult `json:"results"`

	// Summary provides per-status counts.
	Summary ApplySummary `json:"summary"`
}

// Failed returns the results that did not apply cleanly, in no particular
// order.
func (r *ApplyResult) Failed() []*OperationResult {
	var failed []*OperationResult
	for _, res := range r.Results {
		if res.Status == OperationFailed || res.Status == OperationTainted {
			failed = append(failed, res)
		}
	}
	return failed
}

// OperationResult is the outcome of one node-level operation.
type OperationResult struct {
	// Addr is the node the operation targeted.
	Addr Address `json:"addr"`

	// Action is the planned transition that ran.
	Action Action `json:"action"`

	// Status is the terminal status the operation reached.
	Status OperationStatus `json:"status"`

	// Error is the classified failure, nil on success.
	Error *EngineError `json:"error,omitempty"`

	// StartedAt is when the operation was issued; zero for operations that
	// never ran.
	StartedAt time.Time `json:"started_at,omitzero"`

	// CompletedAt is when the operation reached a terminal status.
	CompletedAt time.Time `json:"completed_at,omitzero"`

	// Retries counts provider attempts beyond the first.
	Retries int `json:"retries,omitempty"`

	// ProvisionOutput is the combined remote output of the node's
	// provisioners, kept for diagnostics.
	ProvisionOutput string `json:"provision_output,omitempty"`
}

// ApplySummary provides per-status counts for an apply run.
type ApplySummary struct {
	// Total is the number of scheduled operations.
	Total int `json:"total"`

	// Applied is the number of operations that succeeded and committed.
	Applied int `json:"applied"`

	// Failed is the number of provider failures.
	Failed int `json:"failed"`

	// Blocked is the number of operations skipped because a dependency
	// failed.
	Blocked int `json:"blocked"`

	// Tainted is the number of created objects whose provisioner failed.
	Tainted int `json:"tainted"`

	// Aborted is the number of operations never issued due to cancellation.
	Aborted int `json:"aborted"`
}
