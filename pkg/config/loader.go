package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"

	"github.com/terrane-io/terrane/pkg/engine"
)

// FileExtension is the suffix of configuration files a module directory
// contributes to its declaration set.
const FileExtension = ".tn"

// Block and attribute names of the configuration language.
const (
	blockVariable    = "variable"
	blockOutput      = "output"
	blockLocals      = "locals"
	blockResource    = "resource"
	blockModule      = "module"
	blockLifecycle   = "lifecycle"
	blockProvisioner = "provisioner"
	blockConnection  = "connection"

	attrDependsOn = "depends_on"
	attrSource    = "source"
)

var rootSchema = &hcl.BodySchema{
	Blocks: []hcl.BlockHeaderSchema{
		{Type: blockVariable, LabelNames: []string{"name"}},
		{Type: blockOutput, LabelNames: []string{"name"}},
		{Type: blockLocals},
		{Type: blockResource, LabelNames: []string{"kind", "name"}},
		{Type: blockModule, LabelNames: []string{"name"}},
	},
}

var variableSchema = &hcl.BodySchema{
	Attributes: []hcl.AttributeSchema{
		{Name: "description"},
		{Name: "default"},
	},
}

var outputSchema = &hcl.BodySchema{
	Attributes: []hcl.AttributeSchema{
		{Name: "value", Required: true},
		{Name: "description"},
		{Name: "sensitive"},
	},
}

var lifecycleSchema = &hcl.BodySchema{
	Attributes: []hcl.AttributeSchema{
		{Name: "create_before_destroy"},
		{Name: "prevent_destroy"},
		{Name: "ignore_changes"},
	},
}

// Loader parses module directories into declaration sets. It implements
// engine.ModuleLoader, so the same instance serves both the root module and
// every nested module call the expander resolves. Parsed files are cached by
// the underlying parser, so a module instantiated several times is read from
// disk once.
type Loader struct {
	parser *hclparse.Parser
}

// NewLoader creates a configuration loader.
func NewLoader() *Loader {
	return &Loader{parser: hclparse.NewParser()}
}

// LoadModule implements engine.ModuleLoader for local directory sources.
func (l *Loader) LoadModule(source string) (*engine.ModuleConfig, error) {
	return l.LoadDir(source)
}

// LoadDir parses every configuration file in dir, in lexical file order,
// and merges them into one module declaration set. Module call sources are
// resolved relative to dir, so the returned config can be expanded without
// knowing where it came from.
func (l *Loader) LoadDir(dir string) (*engine.ModuleConfig, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("cannot read module directory %s", dir), err,
		).WithCode(engine.ErrCodeValidation)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), FileExtension) {
			continue
		}
		paths = append(paths, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(paths)

	if len(paths) == 0 {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("no %s configuration files in %s", FileExtension, dir), nil,
		).WithCode(engine.ErrCodeValidation)
	}

	mb := &moduleBuilder{
		dir: dir,
		config: &engine.ModuleConfig{
			Source:    dir,
			Variables: make(map[string]*engine.VariableDecl),
			Outputs:   make(map[string]*engine.OutputDecl),
			Locals:    make(map[string]hcl.Expression),
		},
		resources: make(map[string]hcl.Range),
		calls:     make(map[string]hcl.Range),
	}

	for _, path := range paths {
		file, diags := l.parser.ParseHCLFile(path)
		if diags.HasErrors() {
			return nil, diagsError(fmt.Sprintf("cannot parse %s", path), diags)
		}
		if err := mb.appendFile(file); err != nil {
			return nil, err
		}
	}
	return mb.config, nil
}

// moduleBuilder accumulates declarations across the files of one directory
// and rejects duplicates at their first collision.
type moduleBuilder struct {
	dir       string
	config    *engine.ModuleConfig
	resources map[string]hcl.Range
	calls     map[string]hcl.Range
}

func (mb *moduleBuilder) appendFile(file *hcl.File) error {
	content, diags := file.Body.Content(rootSchema)
	if diags.HasErrors() {
		return diagsError("invalid configuration", diags)
	}

	for _, block := range content.Blocks {
		var err error
		switch block.Type {
		case blockVariable:
			err = mb.appendVariable(block)
		case blockOutput:
			err = mb.appendOutput(block)
		case blockLocals:
			err = mb.appendLocals(block)
		case blockResource:
			err = mb.appendResource(block)
		case blockModule:
			err = mb.appendModuleCall(block)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (mb *moduleBuilder) appendVariable(block *hcl.Block) error {
	name := block.Labels[0]
	if err := checkIdentifier(name, "variable name", block.DefRange); err != nil {
		return err
	}
	if prev, exists := mb.config.Variables[name]; exists {
		return redeclaredError("variable", name, prev.DeclRange, block.DefRange)
	}

	content, diags := block.Body.Content(variableSchema)
	if diags.HasErrors() {
		return diagsError(fmt.Sprintf("invalid variable %q", name), diags)
	}

	decl := &engine.VariableDecl{Name: name, DeclRange: block.DefRange}
	if attr, ok := content.Attributes["description"]; ok {
		desc, err := staticString(attr.Expr, "variable description")
		if err != nil {
			return err
		}
		decl.Description = desc
	}
	if attr, ok := content.Attributes["default"]; ok {
		val, diags := attr.Expr.Value(nil)
		if diags.HasErrors() {
			return diagsError(
				fmt.Sprintf("default for variable %q must be a constant", name), diags,
			)
		}
		decl.Default = val
		decl.HasDefault = true
	}

	mb.config.Variables[name] = decl
	return nil
}

func (mb *moduleBuilder) appendOutput(block *hcl.Block) error {
	name := block.Labels[0]
	if err := checkIdentifier(name, "output name", block.DefRange); err != nil {
		return err
	}
	if prev, exists := mb.config.Outputs[name]; exists {
		return redeclaredError("output", name, prev.DeclRange, block.DefRange)
	}

	content, diags := block.Body.Content(outputSchema)
	if diags.HasErrors() {
		return diagsError(fmt.Sprintf("invalid output %q", name), diags)
	}

	decl := &engine.OutputDecl{
		Name:      name,
		Value:     content.Attributes["value"].Expr,
		DeclRange: block.DefRange,
	}
	if attr, ok := content.Attributes["description"]; ok {
		desc, err := staticString(attr.Expr, "output description")
		if err != nil {
			return err
		}
		decl.Description = desc
	}
	if attr, ok := content.Attributes["sensitive"]; ok {
		sensitive, err := staticBool(attr.Expr, "output sensitive flag")
		if err != nil {
			return err
		}
		decl.Sensitive = sensitive
	}

	mb.config.Outputs[name] = decl
	return nil
}

func (mb *moduleBuilder) appendLocals(block *hcl.Block) error {
	attrs, diags := block.Body.JustAttributes()
	if diags.HasErrors() {
		return diagsError("invalid locals block", diags)
	}
	for _, attr := range sortedHCLAttrs(attrs) {
		if _, exists := mb.config.Locals[attr.Name]; exists {
			return engine.NewPermanentError(
				fmt.Sprintf("local %q declared twice (second at %s)", attr.Name, attr.Range.String()), nil,
			).WithCode(engine.ErrCodeValidation)
		}
		mb.config.Locals[attr.Name] = attr.Expr
	}
	return nil
}

func (mb *moduleBuilder) appendResource(block *hcl.Block) error {
	kind, name := block.Labels[0], block.Labels[1]
	if err := checkIdentifier(kind, "resource kind", block.DefRange); err != nil {
		return err
	}
	if err := checkIdentifier(name, "resource name", block.DefRange); err != nil {
		return err
	}
	// The scope root names are rejected as kinds here, before expansion
	// ever sees them.
	if _, err := engine.ParseAddress(kind + "." + name); err != nil {
		return err
	}

	key := kind + "." + name
	if prev, exists := mb.resources[key]; exists {
		return engine.NewPermanentError(
			fmt.Sprintf("resource %s declared twice (first at %s, again at %s)", key, prev.String(), block.DefRange.String()), nil,
		).WithCode(engine.ErrCodeDuplicateNode).WithNode(key)
	}

	body, err := syntaxBody(block.Body, block.DefRange)
	if err != nil {
		return err
	}

	decl := &engine.ResourceDecl{
		Kind:      kind,
		Name:      name,
		Attrs:     make(map[string]hcl.Expression),
		DeclRange: block.DefRange,
	}

	for _, attr := range sortedSyntaxAttrs(body.Attributes) {
		if attr.Name == attrDependsOn {
			deps, err := decodeDependsOn(attr.Expr)
			if err != nil {
				return err
			}
			decl.DependsOn = deps
			continue
		}
		decl.Attrs[attr.Name] = attr.Expr
	}

	for _, inner := range body.Blocks {
		switch inner.Type {
		case blockLifecycle:
			if err := decodeLifecycle(inner, &decl.Lifecycle); err != nil {
				return err
			}
		case blockProvisioner:
			prov, err := decodeProvisioner(inner)
			if err != nil {
				return err
			}
			decl.Provisioners = append(decl.Provisioners, prov)
		default:
			return engine.NewPermanentError(
				fmt.Sprintf("unsupported block %q in resource %s at %s", inner.Type, key, inner.DefRange().String()), nil,
			).WithCode(engine.ErrCodeValidation)
		}
	}

	mb.resources[key] = block.DefRange
	mb.config.Resources = append(mb.config.Resources, decl)
	return nil
}

func (mb *moduleBuilder) appendModuleCall(block *hcl.Block) error {
	name := block.Labels[0]
	if err := checkIdentifier(name, "module name", block.DefRange); err != nil {
		return err
	}
	if prev, exists := mb.calls[name]; exists {
		return engine.NewPermanentError(
			fmt.Sprintf("module %q declared twice (first at %s, again at %s)", name, prev.String(), block.DefRange.String()), nil,
		).WithCode(engine.ErrCodeDuplicateNode).WithNode("module." + name)
	}

	body, err := syntaxBody(block.Body, block.DefRange)
	if err != nil {
		return err
	}
	if len(body.Blocks) > 0 {
		return engine.NewPermanentError(
			fmt.Sprintf("module %q does not accept nested blocks (at %s)", name, body.Blocks[0].DefRange().String()), nil,
		).WithCode(engine.ErrCodeValidation)
	}

	decl := &engine.ModuleCallDecl{
		Name:      name,
		Inputs:    make(map[string]hcl.Expression),
		DeclRange: block.DefRange,
	}

	for _, attr := range sortedSyntaxAttrs(body.Attributes) {
		switch attr.Name {
		case attrSource:
			src, err := staticString(attr.Expr, "module source")
			if err != nil {
				return err
			}
			if !filepath.IsAbs(src) {
				src = filepath.Join(mb.dir, src)
			}
			decl.Source = src
		case attrDependsOn:
			deps, err := decodeDependsOn(attr.Expr)
			if err != nil {
				return err
			}
			decl.DependsOn = deps
		default:
			decl.Inputs[attr.Name] = attr.Expr
		}
	}

	if decl.Source == "" {
		return engine.NewPermanentError(
			fmt.Sprintf("module %q requires a source (at %s)", name, block.DefRange.String()), nil,
		).WithCode(engine.ErrCodeValidation)
	}

	mb.calls[name] = block.DefRange
	mb.config.ModuleCalls = append(mb.config.ModuleCalls, decl)
	return nil
}

func decodeLifecycle(block *hclsyntax.Block, policy *engine.LifecyclePolicy) error {
	content, diags := block.Body.Content(lifecycleSchema)
	if diags.HasErrors() {
		return diagsError("invalid lifecycle block", diags)
	}

	if attr, ok := content.Attributes["create_before_destroy"]; ok {
		v, err := staticBool(attr.Expr, "create_before_destroy")
		if err != nil {
			return err
		}
		policy.CreateBeforeDestroy = v
	}
	if attr, ok := content.Attributes["prevent_destroy"]; ok {
		v, err := staticBool(attr.Expr, "prevent_destroy")
		if err != nil {
			return err
		}
		policy.PreventDestroy = v
	}
	if attr, ok := content.Attributes["ignore_changes"]; ok {
		names, err := decodeIgnoreChanges(attr.Expr)
		if err != nil {
			return err
		}
		policy.IgnoreChanges = names
	}
	return nil
}

func decodeProvisioner(block *hclsyntax.Block) (*engine.ProvisionerDecl, error) {
	if len(block.Labels) != 1 {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("provisioner block requires exactly one type label (at %s)", block.DefRange().String()), nil,
		).WithCode(engine.ErrCodeValidation)
	}

	decl := &engine.ProvisionerDecl{
		Type:      block.Labels[0],
		Config:    make(map[string]hcl.Expression),
		DeclRange: block.DefRange(),
	}
	for _, attr := range sortedSyntaxAttrs(block.Body.Attributes) {
		decl.Config[attr.Name] = attr.Expr
	}

	for _, inner := range block.Body.Blocks {
		if inner.Type != blockConnection {
			return nil, engine.NewPermanentError(
				fmt.Sprintf("unsupported block %q in provisioner at %s", inner.Type, inner.DefRange().String()), nil,
			).WithCode(engine.ErrCodeValidation)
		}
		if decl.Connection != nil {
			return nil, engine.NewPermanentError(
				fmt.Sprintf("provisioner declares a second connection block at %s", inner.DefRange().String()), nil,
			).WithCode(engine.ErrCodeValidation)
		}
		if len(inner.Body.Blocks) > 0 {
			return nil, engine.NewPermanentError(
				fmt.Sprintf("connection block does not accept nested blocks (at %s)", inner.Body.Blocks[0].DefRange().String()), nil,
			).WithCode(engine.ErrCodeValidation)
		}
		conn := &engine.ConnectionDecl{
			Config:    make(map[string]hcl.Expression),
			DeclRange: inner.DefRange(),
		}
		for _, attr := range sortedSyntaxAttrs(inner.Body.Attributes) {
			conn.Config[attr.Name] = attr.Expr
		}
		decl.Connection = conn
	}
	return decl, nil
}

// decodeDependsOn requires a list of bare references, e.g.
// [mem_box.web, module.network].
func decodeDependsOn(expr hcl.Expression) ([]hcl.Traversal, error) {
	exprs, diags := hcl.ExprList(expr)
	if diags.HasErrors() {
		return nil, diagsError("depends_on must be a list of references", diags)
	}
	out := make([]hcl.Traversal, 0, len(exprs))
	for _, item := range exprs {
		traversal, diags := hcl.AbsTraversalForExpr(item)
		if diags.HasErrors() {
			return nil, diagsError("depends_on entries must be bare references", diags)
		}
		out = append(out, traversal)
	}
	return out, nil
}

// decodeIgnoreChanges accepts both bare attribute names and quoted strings.
func decodeIgnoreChanges(expr hcl.Expression) ([]string, error) {
	exprs, diags := hcl.ExprList(expr)
	if diags.HasErrors() {
		return nil, diagsError("ignore_changes must be a list of attribute names", diags)
	}
	names := make([]string, 0, len(exprs))
	for _, item := range exprs {
		if traversal, diags := hcl.AbsTraversalForExpr(item); !diags.HasErrors() && len(traversal) == 1 {
			names = append(names, traversal.RootName())
			continue
		}
		name, err := staticString(item, "ignore_changes entry")
		if err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, nil
}

func staticString(expr hcl.Expression, what string) (string, error) {
	val, diags := expr.Value(nil)
	if diags.HasErrors() {
		return "", diagsError(fmt.Sprintf("%s must be a constant string", what), diags)
	}
	if val.Type() != cty.String || val.IsNull() {
		return "", engine.NewPermanentError(
			fmt.Sprintf("%s must be a string (at %s)", what, expr.Range().String()), nil,
		).WithCode(engine.ErrCodeValidation)
	}
	return val.AsString(), nil
}

func staticBool(expr hcl.Expression, what string) (bool, error) {
	val, diags := expr.Value(nil)
	if diags.HasErrors() {
		return false, diagsError(fmt.Sprintf("%s must be a constant bool", what), diags)
	}
	if val.Type() != cty.Bool || val.IsNull() {
		return false, engine.NewPermanentError(
			fmt.Sprintf("%s must be a bool (at %s)", what, expr.Range().String()), nil,
		).WithCode(engine.ErrCodeValidation)
	}
	return val.True(), nil
}

// syntaxBody exposes the raw attribute and block lists of a body. Bodies
// with open-ended attribute sets (resources, module inputs, provisioners)
// cannot be described by a fixed schema.
func syntaxBody(body hcl.Body, rng hcl.Range) (*hclsyntax.Body, error) {
	syntax, ok := body.(*hclsyntax.Body)
	if !ok {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("unsupported configuration syntax at %s", rng.String()), nil,
		).WithCode(engine.ErrCodeValidation)
	}
	return syntax, nil
}

func sortedSyntaxAttrs(attrs hclsyntax.Attributes) []*hclsyntax.Attribute {
	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*hclsyntax.Attribute, 0, len(names))
	for _, name := range names {
		out = append(out, attrs[name])
	}
	return out
}

func sortedHCLAttrs(attrs hcl.Attributes) []*hcl.Attribute {
	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*hcl.Attribute, 0, len(names))
	for _, name := range names {
		out = append(out, attrs[name])
	}
	return out
}

func checkIdentifier(name, what string, rng hcl.Range) error {
	if hclsyntax.ValidIdentifier(name) {
		return nil
	}
	return engine.NewPermanentError(
		fmt.Sprintf("%s %q is not a valid identifier (at %s)", what, name, rng.String()), nil,
	).WithCode(engine.ErrCodeValidation)
}

func redeclaredError(what, name string, first, second hcl.Range) error {
	return engine.NewPermanentError(
		fmt.Sprintf("%s %q declared twice (first at %s, again at %s)", what, name, first.String(), second.String()), nil,
	).WithCode(engine.ErrCodeValidation)
}

func diagsError(message string, diags hcl.Diagnostics) *engine.EngineError {
	return engine.NewPermanentError(message, diags).WithCode(engine.ErrCodeValidation)
}
