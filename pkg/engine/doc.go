// Package engine provides the core types and execution model of the
// Terrane orchestration engine.
//
// # Overview
//
// Terrane is a declarative infrastructure engine: users declare nodes with
// attributes that may reference attributes of other nodes, and the engine
// computes and executes the operations needed to make reality match the
// declarations. A full pass moves through four phases:
//
//  1. Expand - Flatten the module tree into one attribute graph (Expand)
//  2. Resolve - Extract references and order the graph (Graph.ResolveReferences)
//  3. Plan - Diff declarations against state into operations (Planner)
//  4. Apply - Execute operations concurrently against providers (Executor)
//
// # Core Domain Types
//
// The package defines the fundamental types of the execution model:
//
//   - Address: A node identity, namespaced by module path (module.a.kind.name)
//   - Node: A declared node with unevaluated attribute expressions
//   - Graph: The dependency-resolved attribute graph in topological order
//   - Operation: One planned node-level transition (create/update/replace/destroy/noop)
//   - Plan: The ordered operation list with per-action summary
//   - StateRecord: The last attribute set observed from a provider for one node
//   - ApplyResult: Per-node outcomes and overall status of one apply run
//
// # Module Expansion
//
// Declarations are organized into modules with explicit contracts: callers
// bind input variables and may only read declared outputs. Expand flattens
// the tree, namespacing every node by its module path and validating the
// contracts. Expansion depth is capped to keep self-including module trees
// from expanding forever.
//
// # Lifecycle Policies
//
// Per-node lifecycle policies shape planning: create_before_destroy flips
// the phases of a replacement, prevent_destroy turns any planned destroy
// into a fatal planning error, and ignore_changes masks attribute diffs.
//
// # Provider Interface
//
// Providers realize nodes through per-kind CRUD calls:
//
//	type Provider interface {
//	    Kinds() []string
//	    Schema(kind string) (*KindSchema, error)
//	    Create(ctx context.Context, req *CreateRequest) (*CreateResponse, error)
//	    Read(ctx context.Context, req *ReadRequest) (*ReadResponse, error)
//	    Update(ctx context.Context, req *UpdateRequest) (*UpdateResponse, error)
//	    Destroy(ctx context.Context, req *DestroyRequest) error
//	}
//
// The KindSchema tells the planner which attributes are provider-computed
// and which force replacement when changed.
//
// # Error Classification
//
// Errors are classified for retry logic:
//
//   - Transient: Temporary failures that may succeed on retry
//   - Throttled: Rate limiting that requires backoff
//   - Conflict: Resource conflicts requiring retry
//   - Permanent: Non-recoverable errors
//
// Use the helper functions to classify and inspect errors:
//
//	if IsRetryable(err) {
//	    // Retry with backoff
//	}
//	if IsCode(err, ErrCodeCyclicDependency) {
//	    // The details carry the full cycle path
//	}
//
// # Example Usage
//
// Basic workflow for one configuration pass:
//
//	// 1. Expand the module tree into a graph
//	graph, err := engine.Expand(rootConfig, engine.ExpandOptions{Loader: loader})
//
//	// 2. Resolve references and order the graph
//	err = graph.ResolveReferences()
//
//	// 3. Plan against persisted state
//	planner := engine.NewPlanner(graph, store, registry)
//	plan, err := planner.Plan(ctx, engine.PlanOptions{})
//
//	// 4. Apply the plan
//	executor := engine.NewExecutor(graph, store, registry, engine.ExecutorConfig{})
//	result, err := executor.Apply(ctx, plan)
//
// # Thread Safety
//
// The graph is immutable after ResolveReferences, and the evaluator holds
// no caches, so both are safe for concurrent readers. The executor issues
// operations from worker goroutines and synchronizes all shared maps; one
// executor handles one Apply call at a time.
package engine
