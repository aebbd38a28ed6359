package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
)

// Node is one declared resource instance in the attribute graph. Its
// attributes stay as expressions until plan or apply evaluates them;
// ResolveReferences extracts the node-level references they embed.
type Node struct {
	Addr Address

	// Attrs maps attribute names to declared expressions.
	Attrs map[string]hcl.Expression

	// DependsOn holds explicit ordering hints, resolved during reference
	// resolution.
	DependsOn []hcl.Traversal

	Lifecycle    LifecyclePolicy
	Provisioners []*ProvisionerDecl

	DeclRange hcl.Range

	// References is the resolved set of attribute references this node
	// makes, populated by ResolveReferences.
	References []Reference

	dependsOnAddrs []Address

	// extraDepends carries module-call depends_on hints inherited during
	// expansion; they resolve in the calling scope, not the node's own.
	extraDepends []scopedTraversal
}

// Graph is the attribute graph: every expanded node keyed by address, the
// module scope table, and the dependency edges derived from references.
// Nodes are registered in declaration order, which is the tie-break for the
// deterministic topological order.
type Graph struct {
	nodes     map[string]*Node
	order     []string
	declIndex map[string]int

	scopes map[string]*ModuleScope

	// adjacency maps a dependency to its dependents; reverseAdjacency maps
	// a node to its dependencies.
	adjacency        map[string][]string
	reverseAdjacency map[string][]string
	inDegree         map[string]int

	sorted   []Address
	resolved bool
}

// NewGraph creates an empty graph with a root module scope.
func NewGraph() *Graph {
	g := &Graph{
		nodes:            make(map[string]*Node),
		declIndex:        make(map[string]int),
		scopes:           make(map[string]*ModuleScope),
		adjacency:        make(map[string][]string),
		reverseAdjacency: make(map[string][]string),
		inDegree:         make(map[string]int),
	}
	g.scopes[""] = newModuleScope(nil, nil)
	return g
}

// AddNode registers a node. Registering the same (kind, name) address twice
// within one namespace is a declaration error.
func (g *Graph) AddNode(node *Node) error {
	key := node.Addr.String()
	if _, exists := g.nodes[key]; exists {
		return NewPermanentError(
			fmt.Sprintf("duplicate node %s: already declared", key), nil,
		).WithCode(ErrCodeDuplicateNode).WithNode(key)
	}
	g.nodes[key] = node
	g.declIndex[key] = len(g.order)
	g.order = append(g.order, key)
	g.resolved = false
	return nil
}

// Node returns the node at the given address, nil when absent.
func (g *Graph) Node(addr Address) *Node {
	return g.nodes[addr.String()]
}

// Nodes returns all nodes in declaration order.
func (g *Graph) Nodes() []*Node {
	nodes := make([]*Node, 0, len(g.order))
	for _, key := range g.order {
		nodes = append(nodes, g.nodes[key])
	}
	return nodes
}

// Len returns the number of registered nodes.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// RootScope returns the root module scope.
func (g *Graph) RootScope() *ModuleScope {
	return g.scopes[""]
}

// ScopeFor returns the scope of the given module instance path, nil when the
// path was never expanded.
func (g *Graph) ScopeFor(path ModulePath) *ModuleScope {
	return g.scopes[path.Key()]
}

// scopeOf returns the scope a node's expressions resolve in.
func (g *Graph) scopeOf(node *Node) *ModuleScope {
	return g.scopes[node.Addr.Module.Key()]
}

func (g *Graph) registerScope(scope *ModuleScope) {
	g.scopes[scope.Key()] = scope
	if scope.Parent != nil {
		scope.Parent.Children[scope.Path[len(scope.Path)-1]] = scope
	}
}

// ResolveReferences scans every attribute expression, explicit depends_on
// hint, and provisioner connection for references, resolves them against the
// scope table, builds the dependency edges, rejects cycles, and computes the
// deterministic topological order. It performs no provider calls; values of
// not-yet-applied nodes stay symbolic until apply.
func (g *Graph) ResolveReferences() error {
	g.adjacency = make(map[string][]string)
	g.reverseAdjacency = make(map[string][]string)
	g.inDegree = make(map[string]int)
	for _, key := range g.order {
		g.adjacency[key] = nil
		g.reverseAdjacency[key] = nil
		g.inDegree[key] = 0
	}

	for _, key := range g.order {
		node := g.nodes[key]
		scope := g.scopeOf(node)
		if scope == nil {
			return NewPermanentError(
				fmt.Sprintf("node %s has no expanded scope", key), nil,
			).WithCode(ErrCodeValidation).WithNode(key)
		}

		refs, err := g.collectNodeRefs(scope, node)
		if err != nil {
			return err
		}
		node.References = refs

		node.dependsOnAddrs = node.dependsOnAddrs[:0]
		for _, traversal := range node.DependsOn {
			addr, err := g.resolveDependsOn(scope, traversal)
			if err != nil {
				return err
			}
			node.dependsOnAddrs = append(node.dependsOnAddrs, addr)
		}
		for _, hint := range node.extraDepends {
			addr, err := g.resolveDependsOn(hint.scope, hint.traversal)
			if err != nil {
				return err
			}
			node.dependsOnAddrs = append(node.dependsOnAddrs, addr)
		}

		g.addEdges(node)
	}

	if err := g.detectCycles(); err != nil {
		return err
	}
	if err := g.computeOrder(); err != nil {
		return err
	}
	g.resolved = true
	return nil
}

// collectNodeRefs gathers references from the node's attributes in sorted
// attribute order, then from provisioner config and connection expressions.
// Provisioner connections pulling from another resource make the node depend
// on that resource's create completing.
func (g *Graph) collectNodeRefs(scope *ModuleScope, node *Node) ([]Reference, error) {
	var refs []Reference

	attrNames := make([]string, 0, len(node.Attrs))
	for name := range node.Attrs {
		attrNames = append(attrNames, name)
	}
	sort.Strings(attrNames)
	for _, name := range attrNames {
		found, err := g.refsForExpr(scope, node.Attrs[name], nil, nil)
		if err != nil {
			return nil, err
		}
		refs = append(refs, found...)
	}

	for _, prov := range node.Provisioners {
		selfAddr := node.Addr
		provNames := make([]string, 0, len(prov.Config))
		for name := range prov.Config {
			provNames = append(provNames, name)
		}
		sort.Strings(provNames)
		for _, name := range provNames {
			found, err := g.refsForExpr(scope, prov.Config[name], &selfAddr, nil)
			if err != nil {
				return nil, err
			}
			refs = append(refs, found...)
		}
		if prov.Connection != nil {
			connNames := make([]string, 0, len(prov.Connection.Config))
			for name := range prov.Connection.Config {
				connNames = append(connNames, name)
			}
			sort.Strings(connNames)
			for _, name := range connNames {
				found, err := g.refsForExpr(scope, prov.Connection.Config[name], &selfAddr, nil)
				if err != nil {
					return nil, err
				}
				refs = append(refs, found...)
			}
		}
	}

	return dedupeRefs(refs), nil
}

func dedupeRefs(refs []Reference) []Reference {
	seen := make(map[string]bool, len(refs))
	out := refs[:0]
	for _, ref := range refs {
		key := ref.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, ref)
	}
	return out
}

func (g *Graph) addEdges(node *Node) {
	key := node.Addr.String()
	seen := make(map[string]bool)
	// A self-edge is kept so cycle detection reports it.
	addEdge := func(depKey string) {
		if seen[depKey] {
			return
		}
		seen[depKey] = true
		g.adjacency[depKey] = append(g.adjacency[depKey], key)
		g.reverseAdjacency[key] = append(g.reverseAdjacency[key], depKey)
		g.inDegree[key]++
	}
	for _, ref := range node.References {
		addEdge(ref.Target.String())
	}
	for _, addr := range node.dependsOnAddrs {
		addEdge(addr.String())
	}
}

// detectCycles runs a depth-first search over the dependency edges and
// reports the full cycle path when one exists.
func (g *Graph) detectCycles() error {
	visited := make(map[string]bool)
	inStack := make(map[string]bool)

	var visit func(key string, path []string) error
	visit = func(key string, path []string) error {
		visited[key] = true
		inStack[key] = true
		path = append(path, key)

		for _, dependent := range g.adjacency[key] {
			if !visited[dependent] {
				if err := visit(dependent, path); err != nil {
					return err
				}
			} else if inStack[dependent] {
				start := 0
				for i, id := range path {
					if id == dependent {
						start = i
						break
					}
				}
				cycle := append(append([]string{}, path[start:]...), dependent)
				return (&EngineError{
					Class:   ErrorClassPermanent,
					Code:    ErrCodeCyclicDependency,
					Message: fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle)),
				}).WithDetail("cycle", cycle)
			}
		}

		inStack[key] = false
		return nil
	}

	for _, key := range g.order {
		if !visited[key] {
			if err := visit(key, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// computeOrder runs Kahn's algorithm with declaration order as the
// tie-break, so repeated plans on unchanged input produce identical
// operation ordering.
func (g *Graph) computeOrder() error {
	inDegree := make(map[string]int, len(g.inDegree))
	for key, degree := range g.inDegree {
		inDegree[key] = degree
	}

	ready := make([]string, 0, len(g.order))
	for _, key := range g.order {
		if inDegree[key] == 0 {
			ready = append(ready, key)
		}
	}

	sorted := make([]Address, 0, len(g.order))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			return g.declIndex[ready[i]] < g.declIndex[ready[j]]
		})
		key := ready[0]
		ready = ready[1:]
		sorted = append(sorted, g.nodes[key].Addr)

		for _, dependent := range g.adjacency[key] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(sorted) != len(g.order) {
		return NewPermanentError("not all nodes reached a topological position", nil).
			WithCode(ErrCodeCyclicDependency)
	}
	g.sorted = sorted
	return nil
}

// TopoOrder returns the deterministic topological order. Nil before a
// successful ResolveReferences.
func (g *Graph) TopoOrder() []Address {
	if !g.resolved {
		return nil
	}
	out := make([]Address, len(g.sorted))
	copy(out, g.sorted)
	return out
}

// Resolved reports whether references have been resolved since the last
// node registration.
func (g *Graph) Resolved() bool {
	return g.resolved
}

// DependenciesOf returns the addresses the given node depends on, in
// declaration order.
func (g *Graph) DependenciesOf(addr Address) []Address {
	return g.edgeAddrs(g.reverseAdjacency[addr.String()])
}

// DependentsOf returns the addresses that depend on the given node, in
// declaration order.
func (g *Graph) DependentsOf(addr Address) []Address {
	return g.edgeAddrs(g.adjacency[addr.String()])
}

func (g *Graph) edgeAddrs(keys []string) []Address {
	sorted := append([]string{}, keys...)
	sort.Slice(sorted, func(i, j int) bool {
		return g.declIndex[sorted[i]] < g.declIndex[sorted[j]]
	})
	addrs := make([]Address, 0, len(sorted))
	for _, key := range sorted {
		addrs = append(addrs, g.nodes[key].Addr)
	}
	return addrs
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	return strings.Join(cycle, " -> ")
}

// ToDOT generates a DOT representation of the dependency graph, grouping
// nodes by module instance. The output renders with Graphviz tools.
func (g *Graph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph dependencies {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	byModule := make(map[string][]string)
	moduleKeys := make([]string, 0)
	for _, key := range g.order {
		mod := g.nodes[key].Addr.Module.Key()
		if _, ok := byModule[mod]; !ok {
			moduleKeys = append(moduleKeys, mod)
		}
		byModule[mod] = append(byModule[mod], key)
	}

	for i, mod := range moduleKeys {
		if mod != "" {
			sb.WriteString(fmt.Sprintf("  subgraph cluster_%d {\n", i))
			sb.WriteString(fmt.Sprintf("    label=%q;\n", mod))
			sb.WriteString("    style=dashed;\n")
		}
		indent := "  "
		if mod != "" {
			indent = "    "
		}
		for _, key := range byModule[mod] {
			sb.WriteString(fmt.Sprintf("%s%q;\n", indent, key))
		}
		if mod != "" {
			sb.WriteString("  }\n")
		}
		sb.WriteString("\n")
	}

	for _, key := range g.order {
		for _, dep := range g.reverseAdjacency[key] {
			sb.WriteString(fmt.Sprintf("  %q -> %q;\n", dep, key))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}
