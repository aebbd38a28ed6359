package engine

import (
	"sort"
	"time"

	"github.com/zclconf/go-cty/cty"
)

// StateRecord is the last attribute set observed from the provider for one
// node, written after each successful node-level operation. The plan engine
// diffs declarations against these records; the executor reads them so
// dependents observe real values.
type StateRecord struct {
	// Addr is the node identity the record belongs to.
	Addr Address

	// ID is the provider-assigned identity of the real object.
	ID string

	// Attrs are the observed attribute values.
	Attrs map[string]cty.Value

	// Dependencies are the node addresses this node depended on when it was
	// applied; destroys run in reverse of this recorded order.
	Dependencies []Address

	// Tainted flags the node for forced replacement on the next plan,
	// typically after a provisioner failure.
	Tainted bool

	// PreventDestroy persists the lifecycle policy so a later plan still
	// refuses to destroy this node even after its declaration is removed.
	PreventDestroy bool

	// Deposed holds provider IDs of old objects still alive after a
	// create_before_destroy replace whose destroy has not committed yet.
	Deposed []string

	// CreatedAt is when the object was first created.
	CreatedAt time.Time
}

// Value returns the record's attributes as one object value, the shape
// references evaluate against.
func (r *StateRecord) Value() cty.Value {
	if len(r.Attrs) == 0 {
		return cty.EmptyObjectVal
	}
	return cty.ObjectVal(r.Attrs)
}

// Copy returns a deep enough copy for the executor to mutate safely.
func (r *StateRecord) Copy() *StateRecord {
	dup := *r
	dup.Attrs = make(map[string]cty.Value, len(r.Attrs))
	for k, v := range r.Attrs {
		dup.Attrs[k] = v
	}
	dup.Dependencies = append([]Address(nil), r.Dependencies...)
	dup.Deposed = append([]string(nil), r.Deposed...)
	return &dup
}

// StateReader is the read side of the state store, all the plan engine
// needs.
type StateReader interface {
	// Record returns the persisted record for an address.
	Record(addr Address) (*StateRecord, bool)

	// Records returns every persisted record sorted by address.
	Records() []*StateRecord
}

// StateStore is the durable store contract the apply executor writes
// through. Commit must be atomic with respect to the whole store: a crash
// mid-commit never leaves a partially-written store.
type StateStore interface {
	StateReader

	// Commit durably persists one node's latest observed attributes.
	Commit(record *StateRecord) error

	// Remove deletes a record after a successful destroy.
	Remove(addr Address) error

	// SetOutputs persists the root module's output values.
	SetOutputs(outputs map[string]cty.Value) error
}

// StateValues adapts a StateReader to the NodeValues the evaluator reads at
// plan time: nodes present in state evaluate to their recorded values,
// everything else stays symbolic.
func StateValues(state StateReader) NodeValues {
	return NodeValuesFunc(func(addr Address) (cty.Value, bool) {
		record, ok := state.Record(addr)
		if !ok {
			return cty.NilVal, false
		}
		return record.Value(), true
	})
}

// SortRecords orders records by address for deterministic iteration.
func SortRecords(records []*StateRecord) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].Addr.String() < records[j].Addr.String()
	})
}
