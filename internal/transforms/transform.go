// Package transforms implements image perturbations, their parameter
// descriptions, chaining, and the definition registry.
package transforms

import (
	"encoding/json"
	"fmt"
	"image"
	"slices"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Parameter types.
const (
	TypeString  = "string"
	TypeInteger = "integer"
	TypeFloat   = "float"
	TypeBoolean = "boolean"
)

// ParameterDescription describes one adjustable parameter.
type ParameterDescription struct {
	Type        string   `yaml:"type" json:"type"`
	Label       string   `yaml:"label" json:"label"`
	Default     any      `yaml:"default" json:"default"`
	Description string   `yaml:"description" json:"description,omitempty"`
	Options     []any    `yaml:"options" json:"options,omitempty"`
	Path        []string `yaml:"_path" json:"-"`
}

// Transform is a deterministic image perturbation.
type Transform interface {
	Name() string
	Parameters() map[string]any
	SetParameters(params map[string]any) error
	Describe() map[string]ParameterDescription
	Execute(img image.Image) (image.Image, error)
}

// Identity returns a stable digest of a transform's name and parameters.
// Two transforms with equal identities produce equal output.
func Identity(t Transform) string {
	return digest([]step{{Name: t.Name(), Params: t.Parameters()}})
}

type step struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params"`
}

func digest(steps []step) string {
	// encoding/json sorts map keys, which makes the encoding canonical.
	data, err := json.Marshal(steps)
	if err != nil {
		data = []byte(fmt.Sprint(steps))
	}
	return strconv.FormatUint(xxhash.Sum64(data), 16)
}

// Chain applies transforms in order.
type Chain struct {
	steps []Transform
}

// NewChain returns a chain over steps.
func NewChain(steps ...Transform) *Chain {
	return &Chain{steps: steps}
}

// Steps returns the chained transforms.
func (c *Chain) Steps() []Transform { return c.steps }

// Len returns the number of steps.
func (c *Chain) Len() int { return len(c.steps) }

// Identity digests every step's name and parameters.
func (c *Chain) Identity() string {
	steps := make([]step, len(c.steps))
	for i, t := range c.steps {
		steps[i] = step{Name: t.Name(), Params: t.Parameters()}
	}
	return digest(steps)
}

// Execute runs every step. An empty chain returns img unchanged.
func (c *Chain) Execute(img image.Image) (image.Image, error) {
	out := img
	for _, t := range c.steps {
		var err error
		if out, err = t.Execute(out); err != nil {
			return nil, fmt.Errorf("%s: %w", t.Name(), err)
		}
	}
	return out, nil
}

// Names lists step names.
func (c *Chain) Names() []string {
	names := make([]string, len(c.steps))
	for i, t := range c.steps {
		names[i] = t.Name()
	}
	return names
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
