package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zclconf/go-cty/cty"
)

// Defaults for the apply executor.
const (
	DefaultParallelism      = 10
	DefaultMaxRetries       = 3
	DefaultOperationTimeout = 5 * time.Minute
)

// ExecutorConfig configures an apply executor.
type ExecutorConfig struct {
	// Parallelism caps how many operations run concurrently.
	Parallelism int

	// MaxRetries caps provider re-attempts after retryable failures.
	MaxRetries int

	// OperationTimeout bounds each individual provider call.
	OperationTimeout time.Duration

	// Backoff overrides the delay between retry attempts. Nil uses the
	// default exponential backoff.
	Backoff func(attempt int, err error) time.Duration

	// Provisioner runs node provisioners after creation. Optional; with no
	// runner configured, declared provisioners are an error at apply.
	Provisioner ProvisionerRunner

	// Events receives lifecycle notifications. Optional.
	Events EventSink
}

// Executor applies a plan against providers. Operations on independent
// subtrees run concurrently up to the parallelism cap; a dependent
// operation is issued only once every one of its dependencies has
// completed and committed to state, so dependents always evaluate real
// committed values. Failures never roll back: completed work stays
// committed, everything downstream of a failure is blocked, and
// independent subtrees continue.
type Executor struct {
	graph       *Graph
	state       StateStore
	registry    ProviderRegistry
	provisioner ProvisionerRunner
	events      EventSink

	parallelism int
	maxRetries  int
	opTimeout   time.Duration
	backoff     func(attempt int, err error) time.Duration

	// mu protects the per-run maps below.
	mu sync.Mutex

	// runID identifies the run currently executing.
	runID string

	// status tracks each operation by node address.
	status map[string]OperationStatus

	// results collects per-operation outcomes by node address.
	results map[string]*OperationResult

	// session holds attribute values committed during this run, layered
	// over persisted state for apply-time evaluation.
	session map[string]cty.Value
}

// NewExecutor creates an executor over a resolved graph. The executor
// handles one Apply call at a time.
func NewExecutor(graph *Graph, state StateStore, registry ProviderRegistry, cfg ExecutorConfig) *Executor {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = DefaultParallelism
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = DefaultOperationTimeout
	}
	if cfg.Backoff == nil {
		cfg.Backoff = calculateBackoff
	}
	return &Executor{
		graph:       graph,
		state:       state,
		registry:    registry,
		provisioner: cfg.Provisioner,
		events:      cfg.Events,
		parallelism: cfg.Parallelism,
		maxRetries:  cfg.MaxRetries,
		opTimeout:   cfg.OperationTimeout,
		backoff:     cfg.Backoff,
	}
}

type opOutcome struct {
	op     *Operation
	result *OperationResult
}

// Apply executes the plan. Cancelling the context aborts the run: no new
// operations are issued, but operations already in flight run to
// completion and commit. The returned result carries per-node outcomes;
// the error return is reserved for run-level failures such as an invalid
// plan or an unwritable state store.
func (e *Executor) Apply(ctx context.Context, plan *Plan) (*ApplyResult, error) {
	if plan == nil {
		return nil, NewPermanentError("plan is nil", nil).WithCode(ErrCodeValidation)
	}
	if !e.graph.Resolved() {
		return nil, NewPermanentError("graph references are not resolved", nil).
			WithCode(ErrCodeValidation)
	}

	run := &ApplyResult{
		RunID:     uuid.New().String(),
		Status:    RunStatusRunning,
		StartedAt: time.Now().UTC(),
		Results:   make(map[string]*OperationResult),
	}

	ops := make(map[string]*Operation, len(plan.Operations))
	order := make(map[string]int, len(plan.Operations))
	e.mu.Lock()
	e.runID = run.RunID
	e.status = make(map[string]OperationStatus, len(plan.Operations))
	e.results = make(map[string]*OperationResult, len(plan.Operations))
	e.session = make(map[string]cty.Value)
	for i, op := range plan.Operations {
		key := op.Addr.String()
		ops[key] = op
		order[key] = i
		e.status[key] = OperationPending
	}
	e.mu.Unlock()

	// Dependency edges restricted to operations in this plan. Edges to
	// addresses without an operation carry no scheduling constraint.
	inDegree := make(map[string]int, len(ops))
	dependents := make(map[string][]string)
	for key, op := range ops {
		for _, dep := range op.DependsOn {
			depKey := dep.String()
			if _, ok := ops[depKey]; !ok {
				continue
			}
			inDegree[key]++
			dependents[depKey] = append(dependents[depKey], key)
		}
	}

	var ready []string
	for key := range ops {
		if inDegree[key] == 0 {
			ready = append(ready, key)
		}
	}

	e.publish(EventRunStarted, "", fmt.Sprintf("applying %d operations", len(ops)), "info")

	// In-flight operations keep running after an abort, so their work uses
	// a context detached from the caller's cancellation.
	opCtx := context.WithoutCancel(ctx)
	evaluator := NewEvaluator(e.graph, NodeValuesFunc(e.sessionValue))

	done := make(chan opOutcome)
	cancelCh := ctx.Done()
	inflight := 0
	aborted := false

	for {
		sort.Slice(ready, func(i, j int) bool { return order[ready[i]] < order[ready[j]] })
		for !aborted && inflight < e.parallelism && len(ready) > 0 {
			key := ready[0]
			ready = ready[1:]
			op := ops[key]
			e.setStatus(key, OperationRunning)
			inflight++
			go func() {
				done <- opOutcome{op: op, result: e.runOperation(opCtx, op, evaluator)}
			}()
		}
		if inflight == 0 {
			break
		}

		select {
		case outcome := <-done:
			inflight--
			key := outcome.op.Addr.String()
			e.setStatus(key, outcome.result.Status)
			e.storeResult(key, outcome.result)
			if outcome.result.Status.Succeeded() {
				for _, depKey := range dependents[key] {
					inDegree[depKey]--
					if inDegree[depKey] == 0 && e.statusOf(depKey) == OperationPending {
						ready = append(ready, depKey)
					}
				}
			} else {
				e.blockDependents(key, dependents, ops)
			}
		case <-cancelCh:
			aborted = true
			cancelCh = nil
		}
	}

	// Anything still pending was never ready before the abort.
	for key, op := range ops {
		if e.statusOf(key) != OperationPending {
			continue
		}
		e.setStatus(key, OperationAborted)
		e.storeResult(key, &OperationResult{
			Addr:   op.Addr,
			Action: op.Action,
			Status: OperationAborted,
			Error: NewPermanentError("run cancelled before operation started", nil).
				WithNode(op.Addr.String()),
		})
		e.publish(EventOperationAborted, key, "aborted", "warning")
	}

	e.mu.Lock()
	for key, result := range e.results {
		run.Results[key] = result
	}
	e.mu.Unlock()

	run.Summary = summarizeResults(run.Results)
	run.CompletedAt = time.Now().UTC()
	switch {
	case aborted:
		run.Status = RunStatusCancelled
	case run.Summary.Failed == 0 && run.Summary.Tainted == 0 && run.Summary.Blocked == 0:
		run.Status = RunStatusSucceeded
	case run.Summary.Applied > 0:
		run.Status = RunStatusPartial
	default:
		run.Status = RunStatusFailed
	}

	if run.Status == RunStatusSucceeded {
		if err := e.persistOutputs(plan, evaluator); err != nil {
			return run, err
		}
	}

	e.publish(EventRunCompleted, "", fmt.Sprintf("run finished: %s", run.Status), runLevel(run.Status))
	return run, nil
}

// persistOutputs recomputes root outputs from committed values after a
// clean run. A whole-plan destroy clears them instead.
func (e *Executor) persistOutputs(plan *Plan, evaluator *Evaluator) error {
	if plan.Destroy {
		if err := e.state.SetOutputs(map[string]cty.Value{}); err != nil {
			return NewPermanentError("clearing outputs", err).WithCode(ErrCodeCorruptState)
		}
		return nil
	}
	outputs, err := evaluator.RootOutputs()
	if err != nil {
		return err
	}
	if err := e.state.SetOutputs(outputs); err != nil {
		return NewPermanentError("persisting outputs", err).WithCode(ErrCodeCorruptState)
	}
	return nil
}

// runOperation executes one operation end to end, including deposed
// cleanup, the provider phases, provisioners, and the state commit.
func (e *Executor) runOperation(ctx context.Context, op *Operation, evaluator *Evaluator) *OperationResult {
	result := &OperationResult{
		Addr:      op.Addr,
		Action:    op.Action,
		Status:    OperationRunning,
		StartedAt: time.Now().UTC(),
	}
	e.publish(EventOperationStarted, op.Addr.String(),
		fmt.Sprintf("%s %s", op.Action, op.Addr), "info")

	err := e.executePhases(ctx, op, evaluator, result)
	result.CompletedAt = time.Now().UTC()
	if err != nil {
		result.Error = operationError(err, op.Addr)
		if result.Status != OperationTainted {
			result.Status = OperationFailed
		}
		e.publish(EventOperationFailed, op.Addr.String(), result.Error.Error(), "error")
		return result
	}

	result.Status = OperationApplied
	e.publish(EventOperationApplied, op.Addr.String(),
		fmt.Sprintf("%s %s", op.Action, op.Addr), "info")
	return result
}

func (e *Executor) executePhases(ctx context.Context, op *Operation, evaluator *Evaluator, result *OperationResult) error {
	if op.Action == ActionNoOp && len(op.DeposedIDs) == 0 {
		if record, ok := e.state.Record(op.Addr); ok {
			e.commitSession(op.Addr, record.Value())
		}
		return nil
	}

	provider, err := e.registry.ProviderFor(op.Addr.Kind)
	if err != nil {
		return NewPermanentError(fmt.Sprintf("no provider for kind %q", op.Addr.Kind), err).
			WithCode(ErrCodeValidation)
	}

	if err := e.destroyDeposed(ctx, op, provider, result); err != nil {
		return err
	}

	switch op.Action {
	case ActionNoOp:
		if record, ok := e.state.Record(op.Addr); ok {
			e.commitSession(op.Addr, record.Value())
		}
		return nil
	case ActionDestroy:
		return e.destroyObject(ctx, op, provider, result)
	}

	node := e.graph.Node(op.Addr)
	if node == nil {
		return NewPermanentError("operation targets an undeclared node", nil).
			WithCode(ErrCodeValidation)
	}

	// Every dependency has committed by now, so the desired attributes
	// evaluate to known values.
	desired, err := evaluator.NodeAttrs(node)
	if err != nil {
		return err
	}

	switch op.Action {
	case ActionCreate:
		return e.createObject(ctx, op, provider, node, desired, evaluator, result)
	case ActionUpdate:
		return e.updateObject(ctx, op, provider, node, desired, result)
	case ActionReplace:
		if len(op.Phases) > 0 && op.Phases[0] == ActionCreate {
			return e.replaceCreateFirst(ctx, op, provider, node, desired, evaluator, result)
		}
		return e.replaceDestroyFirst(ctx, op, provider, node, desired, evaluator, result)
	default:
		return NewPermanentError(fmt.Sprintf("unsupported action %q", op.Action), nil).
			WithCode(ErrCodeValidation)
	}
}

// destroyDeposed removes old objects left behind by an interrupted
// create_before_destroy replacement, trimming the record as each one goes
// so a later crash never re-destroys.
func (e *Executor) destroyDeposed(ctx context.Context, op *Operation, provider Provider, result *OperationResult) error {
	if len(op.DeposedIDs) == 0 {
		return nil
	}
	record, hasRecord := e.state.Record(op.Addr)
	if hasRecord {
		record = record.Copy()
	}
	for _, id := range op.DeposedIDs {
		if err := e.callDestroy(ctx, provider, op.Addr, id, result); err != nil {
			return NewPermanentError(fmt.Sprintf("destroying deposed object %s", id), err).
				WithCode(ErrCodeProviderOperation).WithOperation("destroy")
		}
		if hasRecord {
			record.Deposed = removeString(record.Deposed, id)
			if err := e.state.Commit(record); err != nil {
				return stateCommitError(err)
			}
		}
	}
	return nil
}

func (e *Executor) destroyObject(ctx context.Context, op *Operation, provider Provider, result *OperationResult) error {
	record, ok := e.state.Record(op.Addr)
	if !ok {
		return nil
	}
	if err := e.callDestroy(ctx, provider, op.Addr, record.ID, result); err != nil {
		return err
	}
	if err := e.state.Remove(op.Addr); err != nil {
		return stateCommitError(err)
	}
	return nil
}

func (e *Executor) createObject(ctx context.Context, op *Operation, provider Provider, node *Node, desired map[string]cty.Value, evaluator *Evaluator, result *OperationResult) error {
	var resp *CreateResponse
	err := e.withRetry(ctx, op.Addr, "create", result, func(callCtx context.Context) error {
		r, err := provider.Create(callCtx, &CreateRequest{
			Kind:  op.Addr.Kind,
			Addr:  op.Addr,
			Attrs: desired,
		})
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return err
	}

	record := &StateRecord{
		Addr:           op.Addr,
		ID:             resp.ID,
		Attrs:          resp.Attrs,
		Dependencies:   append([]Address(nil), op.DependsOn...),
		PreventDestroy: node.Lifecycle.PreventDestroy,
		CreatedAt:      time.Now().UTC(),
	}
	if err := e.state.Commit(record); err != nil {
		return stateCommitError(err)
	}

	if err := e.runProvisioners(ctx, node, record, evaluator, result); err != nil {
		return e.taint(record, result, err)
	}

	e.commitSession(op.Addr, record.Value())
	return nil
}

func (e *Executor) updateObject(ctx context.Context, op *Operation, provider Provider, node *Node, desired map[string]cty.Value, result *OperationResult) error {
	prior, ok := e.state.Record(op.Addr)
	if !ok {
		return NewPermanentError("no state record for planned update", nil).
			WithCode(ErrCodeCorruptState)
	}

	var resp *UpdateResponse
	err := e.withRetry(ctx, op.Addr, "update", result, func(callCtx context.Context) error {
		r, err := provider.Update(callCtx, &UpdateRequest{
			Kind:  op.Addr.Kind,
			ID:    prior.ID,
			Addr:  op.Addr,
			Attrs: desired,
		})
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return err
	}

	record := prior.Copy()
	record.Attrs = resp.Attrs
	record.Dependencies = append([]Address(nil), op.DependsOn...)
	record.PreventDestroy = node.Lifecycle.PreventDestroy
	if err := e.state.Commit(record); err != nil {
		return stateCommitError(err)
	}

	e.commitSession(op.Addr, record.Value())
	return nil
}

// replaceDestroyFirst is the default replacement: the old object goes away
// before the new one is created.
func (e *Executor) replaceDestroyFirst(ctx context.Context, op *Operation, provider Provider, node *Node, desired map[string]cty.Value, evaluator *Evaluator, result *OperationResult) error {
	if prior, ok := e.state.Record(op.Addr); ok {
		if err := e.callDestroy(ctx, provider, op.Addr, prior.ID, result); err != nil {
			return err
		}
		if err := e.state.Remove(op.Addr); err != nil {
			return stateCommitError(err)
		}
	}
	return e.createObject(ctx, op, provider, node, desired, evaluator, result)
}

// replaceCreateFirst implements create_before_destroy: the new object is
// created and committed with the old one deposed alongside it, then the
// old object is destroyed. If that destroy fails, the deposed entry stays
// in state and the next plan retries it.
func (e *Executor) replaceCreateFirst(ctx context.Context, op *Operation, provider Provider, node *Node, desired map[string]cty.Value, evaluator *Evaluator, result *OperationResult) error {
	prior, hadPrior := e.state.Record(op.Addr)

	var resp *CreateResponse
	err := e.withRetry(ctx, op.Addr, "create", result, func(callCtx context.Context) error {
		r, err := provider.Create(callCtx, &CreateRequest{
			Kind:  op.Addr.Kind,
			Addr:  op.Addr,
			Attrs: desired,
		})
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return err
	}

	record := &StateRecord{
		Addr:           op.Addr,
		ID:             resp.ID,
		Attrs:          resp.Attrs,
		Dependencies:   append([]Address(nil), op.DependsOn...),
		PreventDestroy: node.Lifecycle.PreventDestroy,
		CreatedAt:      time.Now().UTC(),
	}
	if hadPrior {
		record.Deposed = append(record.Deposed, prior.ID)
		record.CreatedAt = prior.CreatedAt
	}
	if err := e.state.Commit(record); err != nil {
		return stateCommitError(err)
	}

	if err := e.runProvisioners(ctx, node, record, evaluator, result); err != nil {
		return e.taint(record, result, err)
	}

	if hadPrior {
		if err := e.callDestroy(ctx, provider, op.Addr, prior.ID, result); err != nil {
			return err
		}
		record.Deposed = removeString(record.Deposed, prior.ID)
		if err := e.state.Commit(record); err != nil {
			return stateCommitError(err)
		}
	}

	e.commitSession(op.Addr, record.Value())
	return nil
}

// runProvisioners evaluates and runs the node's provisioners against the
// committed object, accumulating their output on the result.
func (e *Executor) runProvisioners(ctx context.Context, node *Node, record *StateRecord, evaluator *Evaluator, result *OperationResult) error {
	if len(node.Provisioners) == 0 {
		return nil
	}
	if e.provisioner == nil {
		return NewPermanentError("node declares provisioners but no runner is configured", nil).
			WithCode(ErrCodeProvisionerFailure)
	}

	scope := e.graph.ScopeFor(node.Addr.Module)
	self := record.Value()
	var output strings.Builder

	for _, decl := range node.Provisioners {
		config, err := evaluator.EvalExprMap(scope, decl.Config, self)
		if err != nil {
			return err
		}
		var conn map[string]cty.Value
		if decl.Connection != nil {
			conn, err = evaluator.EvalExprMap(scope, decl.Connection.Config, self)
			if err != nil {
				return err
			}
		}

		e.publish(EventProvisionStarted, node.Addr.String(),
			fmt.Sprintf("running %s provisioner", decl.Type), "info")

		res, err := e.provisioner.Provision(ctx, &ProvisionRequest{
			Addr:       node.Addr,
			Type:       decl.Type,
			Config:     config,
			Connection: conn,
		})
		if res != nil && res.Output != "" {
			if output.Len() > 0 {
				output.WriteString("\n")
			}
			output.WriteString(res.Output)
		}
		result.ProvisionOutput = output.String()
		if err != nil {
			e.publish(EventProvisionFailed, node.Addr.String(), err.Error(), "error")
			return err
		}
	}
	return nil
}

// taint marks the created object for replacement after a provisioner
// failure. The object stays in state; only its health changes.
func (e *Executor) taint(record *StateRecord, result *OperationResult, cause error) error {
	record.Tainted = true
	if err := e.state.Commit(record); err != nil {
		return stateCommitError(err)
	}
	result.Status = OperationTainted
	return provisionerError(cause, record.Addr)
}

func (e *Executor) callDestroy(ctx context.Context, provider Provider, addr Address, id string, result *OperationResult) error {
	return e.withRetry(ctx, addr, "destroy", result, func(callCtx context.Context) error {
		return provider.Destroy(callCtx, &DestroyRequest{Kind: addr.Kind, ID: id, Addr: addr})
	})
}

// withRetry invokes one provider call, retrying transient, throttled, and
// conflict failures with exponential backoff until the retry budget runs
// out. Each attempt gets its own timeout.
func (e *Executor) withRetry(ctx context.Context, addr Address, operation string, result *OperationResult, call func(context.Context) error) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, e.opTimeout)
		err := call(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsRetryable(err) || attempt >= e.maxRetries {
			break
		}
		result.Retries++
		e.publish(EventOperationRetried, addr.String(),
			fmt.Sprintf("retrying %s after failure (attempt %d/%d): %v",
				operation, attempt+1, e.maxRetries+1, err), "warning")
		select {
		case <-time.After(e.backoff(attempt, err)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return providerOpError(lastErr, addr, operation)
}

// calculateBackoff computes the delay before the next attempt: exponential
// in the attempt number, wider for throttled and conflict failures, capped
// at one minute, widened slightly to spread concurrent retries.
func calculateBackoff(attempt int, err error) time.Duration {
	baseDelay := 1 * time.Second
	if IsThrottled(err) {
		baseDelay = 5 * time.Second
	} else if IsConflict(err) {
		baseDelay = 2 * time.Second
	}

	delay := baseDelay * time.Duration(math.Pow(2, float64(attempt)))
	if delay > time.Minute {
		delay = time.Minute
	}

	jitter := time.Duration(float64(delay) * 0.25)
	return delay + jitter/2
}

// blockDependents marks everything transitively downstream of a failed
// operation as blocked.
func (e *Executor) blockDependents(failedKey string, dependents map[string][]string, ops map[string]*Operation) {
	queue := []string{failedKey}
	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]
		for _, depKey := range dependents[key] {
			if e.statusOf(depKey) != OperationPending {
				continue
			}
			op := ops[depKey]
			e.setStatus(depKey, OperationBlocked)
			e.storeResult(depKey, &OperationResult{
				Addr:   op.Addr,
				Action: op.Action,
				Status: OperationBlocked,
				Error: NewPermanentError(
					fmt.Sprintf("dependency %s did not complete", ops[key].Addr), nil).
					WithCode(ErrCodeDependencyFailed).WithNode(op.Addr.String()),
			})
			e.publish(EventOperationBlocked, depKey,
				fmt.Sprintf("blocked by %s", ops[key].Addr), "warning")
			queue = append(queue, depKey)
		}
	}
}

// sessionValue layers values committed during this run over persisted
// state, so dependents applied later in the run observe fresh values.
func (e *Executor) sessionValue(addr Address) (cty.Value, bool) {
	e.mu.Lock()
	v, ok := e.session[addr.String()]
	e.mu.Unlock()
	if ok {
		return v, true
	}
	record, ok := e.state.Record(addr)
	if !ok {
		return cty.NilVal, false
	}
	return record.Value(), true
}

func (e *Executor) commitSession(addr Address, value cty.Value) {
	e.mu.Lock()
	e.session[addr.String()] = value
	e.mu.Unlock()
}

func (e *Executor) statusOf(key string) OperationStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status[key]
}

func (e *Executor) setStatus(key string, status OperationStatus) {
	e.mu.Lock()
	e.status[key] = status
	e.mu.Unlock()
}

func (e *Executor) storeResult(key string, result *OperationResult) {
	e.mu.Lock()
	e.results[key] = result
	e.mu.Unlock()
}

func (e *Executor) publish(eventType ApplyEventType, node, message, level string) {
	if e.events == nil {
		return
	}
	e.events.Publish(&ApplyEvent{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		RunID:     e.runID,
		Node:      node,
		Message:   message,
		Level:     level,
	})
}

func summarizeResults(results map[string]*OperationResult) ApplySummary {
	summary := ApplySummary{Total: len(results)}
	for _, res := range results {
		switch res.Status {
		case OperationApplied:
			summary.Applied++
		case OperationFailed:
			summary.Failed++
		case OperationBlocked:
			summary.Blocked++
		case OperationTainted:
			summary.Tainted++
		case OperationAborted:
			summary.Aborted++
		}
	}
	return summary
}

func runLevel(status RunStatus) string {
	if status == RunStatusSucceeded {
		return "info"
	}
	return "error"
}

// operationError normalizes any failure into a classified engine error
// carrying node context.
func operationError(err error, addr Address) *EngineError {
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		if engineErr.Node == "" {
			engineErr.Node = addr.String()
		}
		return engineErr
	}
	return NewPermanentError("operation failed", err).
		WithCode(ErrCodeProviderOperation).WithNode(addr.String())
}

// providerOpError wraps a provider failure, keeping its classification so
// the caller can still distinguish retry classes.
func providerOpError(err error, addr Address, operation string) *EngineError {
	var engineErr *EngineError
	class := ErrorClassPermanent
	code := ErrCodeProviderOperation
	if errors.As(err, &engineErr) {
		class = engineErr.Class
		if engineErr.Code != "" {
			code = engineErr.Code
		}
	}
	return (&EngineError{
		Class:   class,
		Code:    code,
		Message: fmt.Sprintf("provider %s failed", operation),
		Err:     err,
	}).WithNode(addr.String()).WithOperation(operation)
}

func provisionerError(err error, addr Address) *EngineError {
	var engineErr *EngineError
	code := ErrCodeProvisionerFailure
	if errors.As(err, &engineErr) && engineErr.Code != "" {
		code = engineErr.Code
	}
	return (&EngineError{
		Class:   ErrorClassPermanent,
		Code:    code,
		Message: "provisioning failed; object created but tainted",
		Err:     err,
	}).WithNode(addr.String()).WithOperation("provision")
}

func stateCommitError(err error) *EngineError {
	return NewPermanentError("committing state", err).WithCode(ErrCodeCorruptState)
}

func removeString(list []string, value string) []string {
	out := list[:0]
	for _, item := range list {
		if item != value {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
