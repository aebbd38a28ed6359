package engine

import (
	"context"

	"github.com/zclconf/go-cty/cty"
)

// ProvisionRequest carries one provisioner invocation against a freshly
// created object. Config and Connection are fully evaluated; self
// references already resolve to the committed attribute values.
type ProvisionRequest struct {
	// Addr is the node the provisioner runs for.
	Addr Address

	// Type is the provisioner type, e.g. "remote-exec".
	Type string

	// Config holds the evaluated provisioner arguments.
	Config map[string]cty.Value

	// Connection holds the evaluated connection settings, nil when the
	// declaration carried none.
	Connection map[string]cty.Value
}

// ProvisionResult is the outcome of one provisioner invocation.
type ProvisionResult struct {
	// Output is the combined remote output, kept even on failure for
	// diagnostics.
	Output string
}

// ProvisionerRunner executes provisioners after an object is created. The
// executor treats any returned error as fatal for the node: the new object
// stays in state but is tainted for replacement on the next plan.
type ProvisionerRunner interface {
	Provision(ctx context.Context, req *ProvisionRequest) (*ProvisionResult, error)
}
