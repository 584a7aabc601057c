package transforms

import (
	"fmt"
	"image"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Kitware/nrtk-explorer-sub000/internal/logger"
)

// Factory constructs a fresh perturber with default parameters.
type Factory func() Transform

// ArgsExecutor is implemented by perturbers that accept positional
// execution arguments.
type ArgsExecutor interface {
	ExecuteArgs(img image.Image, args []any) (image.Image, error)
}

// Definition is one entry of a transform definition file.
type Definition struct {
	Perturber       string                          `yaml:"perturber"`
	PerturberKwargs map[string]any                  `yaml:"perturber_kwargs"`
	Description     map[string]ParameterDescription `yaml:"description"`
	ExecDefaultArgs []any                           `yaml:"exec_default_args"`
}

// Registry maps transform names to definitions over registered perturbers.
type Registry struct {
	perturbers map[string]Factory
	defs       map[string]Definition
	order      []string
}

// NewRegistry returns a registry with the built-in perturbers, each also
// defined as a transform under its own name.
func NewRegistry() *Registry {
	r := &Registry{
		perturbers: make(map[string]Factory),
		defs:       make(map[string]Definition),
	}
	builtins := []Factory{
		func() Transform { return IdentityTransform{} },
		func() Transform { return Invert{} },
		func() Transform { return NewDownsample() },
		func() Transform { return NewGaussianBlur() },
	}
	for _, f := range builtins {
		name := f().Name()
		r.RegisterPerturber(name, f)
		r.define(name, Definition{Perturber: name})
	}
	return r
}

// RegisterPerturber adds a perturber constructor.
func (r *Registry) RegisterPerturber(name string, f Factory) {
	r.perturbers[name] = f
}

func (r *Registry) define(name string, def Definition) {
	if _, exists := r.defs[name]; !exists {
		r.order = append(r.order, name)
	}
	r.defs[name] = def
}

// LoadFile merges the YAML definitions in path.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read transform definitions: %w", err)
	}
	return r.Load(data)
}

// Load merges YAML definitions. Entries naming an unknown perturber are
// skipped with a warning; invalid kwargs are an error.
func (r *Registry) Load(data []byte) error {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse transform definitions: %w", err)
	}
	if len(doc.Content) == 0 {
		return nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return fmt.Errorf("parse transform definitions: expected a mapping")
	}
	// Walk the mapping node to keep file order.
	for i := 0; i+1 < len(root.Content); i += 2 {
		name := root.Content[i].Value
		var def Definition
		if err := root.Content[i+1].Decode(&def); err != nil {
			return fmt.Errorf("transform %s: %w", name, err)
		}
		if _, ok := r.perturbers[def.Perturber]; !ok {
			logger.Warn("Transforms", "Skipping %s: unknown perturber %q", name, def.Perturber)
			continue
		}
		if _, err := r.build(def); err != nil {
			return fmt.Errorf("transform %s: %w", name, err)
		}
		r.define(name, def)
	}
	return nil
}

// Names lists defined transforms in definition order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// New instantiates the transform called name.
func (r *Registry) New(name string) (Transform, error) {
	def, ok := r.defs[name]
	if !ok {
		return nil, fmt.Errorf("unknown transform %q", name)
	}
	base, err := r.build(def)
	if err != nil {
		return nil, err
	}
	if len(def.Description) == 0 && len(def.ExecDefaultArgs) == 0 && name == def.Perturber {
		return base, nil
	}
	return &generic{name: name, base: base, def: def}, nil
}

func (r *Registry) build(def Definition) (Transform, error) {
	base := r.perturbers[def.Perturber]()
	if len(def.PerturberKwargs) > 0 {
		if err := base.SetParameters(def.PerturberKwargs); err != nil {
			return nil, err
		}
	}
	return base, nil
}

// Describe returns the parameter descriptions of name.
func (r *Registry) Describe(name string) (map[string]ParameterDescription, error) {
	t, err := r.New(name)
	if err != nil {
		return nil, err
	}
	return t.Describe(), nil
}

// StepSpec selects a transform and its parameters.
type StepSpec struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

// BuildChain instantiates specs in order.
func (r *Registry) BuildChain(specs []StepSpec) (*Chain, error) {
	steps := make([]Transform, 0, len(specs))
	for _, s := range specs {
		t, err := r.New(s.Name)
		if err != nil {
			return nil, err
		}
		if len(s.Params) > 0 {
			if err := t.SetParameters(s.Params); err != nil {
				return nil, fmt.Errorf("%s: %w", s.Name, err)
			}
		}
		steps = append(steps, t)
	}
	return NewChain(steps...), nil
}

// generic exposes a perturber under a definition's name and parameter
// vocabulary. Each described parameter maps to the perturber parameter
// named by its _path (default: the same name).
type generic struct {
	name string
	base Transform
	def  Definition
}

func (g *generic) Name() string { return g.name }

func (g *generic) target(param string) string {
	if d, ok := g.def.Description[param]; ok && len(d.Path) > 0 {
		return d.Path[len(d.Path)-1]
	}
	return param
}

func (g *generic) Parameters() map[string]any {
	if len(g.def.Description) == 0 {
		return g.base.Parameters()
	}
	baseParams := g.base.Parameters()
	out := make(map[string]any, len(g.def.Description))
	for _, k := range sortedKeys(g.def.Description) {
		out[k] = baseParams[g.target(k)]
	}
	return out
}

func (g *generic) SetParameters(params map[string]any) error {
	if len(g.def.Description) == 0 {
		return g.base.SetParameters(params)
	}
	mapped := make(map[string]any, len(params))
	for k, v := range params {
		d, ok := g.def.Description[k]
		if !ok {
			return fmt.Errorf("unknown parameter %q", k)
		}
		coerced, err := Coerce(d.Type, v)
		if err != nil {
			return fmt.Errorf("%s: %w", k, err)
		}
		mapped[g.target(k)] = coerced
	}
	return g.base.SetParameters(mapped)
}

func (g *generic) Describe() map[string]ParameterDescription {
	if len(g.def.Description) == 0 {
		return g.base.Describe()
	}
	return g.def.Description
}

func (g *generic) Execute(img image.Image) (image.Image, error) {
	if ae, ok := g.base.(ArgsExecutor); ok && len(g.def.ExecDefaultArgs) > 0 {
		return ae.ExecuteArgs(img, g.def.ExecDefaultArgs)
	}
	return g.base.Execute(img)
}
