package rasternn

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/rasternn/layout"
)

// Common errors returned by operators and execution handlers.
var (
	// ErrShapeChanged is returned when an operator that already built its
	// program artifacts is run with a differently shaped input. Artifacts
	// are keyed by the shape signature fixed at first run; reusing them for
	// another shape would silently compute garbage, so the run fails fast.
	ErrShapeChanged = errors.New("rasternn: input shape changed after artifacts were built")

	// ErrHandlerClosed is returned when running against a closed handler.
	ErrHandlerClosed = errors.New("rasternn: handler closed")

	// ErrUnsupportedType is returned when a tensor's data type cannot be
	// encoded as a GPU texture.
	ErrUnsupportedType = errors.New("rasternn: unsupported tensor data type")
)

// Operator is the two-phase contract shared by all operators: configure
// from attributes, validate inputs, execute.
//
// CheckInputs returns false rather than an error: a false return signals
// "this operator cannot run with these inputs" and the caller is expected
// to surface it as a graph-construction failure. Run assumes CheckInputs
// passed.
type Operator interface {
	// Init reads the operator's configuration from the attribute store.
	// It is called once; configuration is immutable afterwards.
	Init(attrs Attributes) error

	// CheckInputs validates arity and types before any GPU work.
	CheckInputs(inputs []*Tensor) bool

	// Run executes the operator through the handler and returns the output
	// tensors. On first run it builds program artifacts; subsequent runs
	// with the same shapes reuse them.
	Run(h Handler, inputs []*Tensor) ([]*Tensor, error)
}

// ProgramManager compiles shader-program descriptions into executable
// artifacts and runs them. Implementations cache compiled programs keyed by
// generated source, so operators may call Build unconditionally.
type ProgramManager interface {
	Build(info *ProgramInfo) (Artifact, error)
	Run(a Artifact, rd *RunData) error
}

// Handler is the execution-handler collaborator: it owns GPU-resident
// texture data keyed by tensor identity and the program manager that
// compiles and dispatches passes. Both the wgpu driver and the native CPU
// reference implement it.
type Handler interface {
	// TextureData returns the cached texture data for the tensor, or nil.
	TextureData(t *Tensor) *TextureData

	// SetTextureData caches texture data under the tensor's identity.
	SetTextureData(t *Tensor, td *TextureData)

	// GetOrCreateTextureData returns the tensor's cached texture data,
	// uploading the tensor's buffer under the given layout on first use.
	GetOrCreateTextureData(t *Tensor, l layout.Layout) (*TextureData, error)

	// CreateTextureData allocates texture storage under the given layout,
	// initialized from data when non-nil and zeroed otherwise. The result
	// is not associated with any tensor.
	CreateTextureData(l layout.Layout, dt DataType, data []float32) (*TextureData, error)

	// ReadTexture reads the texture back as a flat channel-packed buffer
	// of Width*Height*Channels values in texel row-major order.
	ReadTexture(td *TextureData) ([]float32, error)

	// Programs returns the handler's program manager.
	Programs() ProgramManager

	// Close releases all resources owned by the handler.
	Close() error
}

// OperatorFactory creates a fresh, uninitialized operator instance.
type OperatorFactory func() Operator

var (
	registryMu sync.RWMutex
	operators  = make(map[string]OperatorFactory)
)

// Register registers an operator factory under an operator type name
// (e.g. "Conv", "Flatten"). Typically called from init functions in
// operator packages. Registering the same name twice replaces the factory.
func Register(opType string, factory OperatorFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	operators[opType] = factory
}

// Resolve creates and initializes an operator for the given type name.
func Resolve(opType string, attrs Attributes) (Operator, error) {
	registryMu.RLock()
	factory, ok := operators[opType]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("rasternn: no operator registered for %q", opType)
	}
	o := factory()
	if err := o.Init(attrs); err != nil {
		return nil, fmt.Errorf("rasternn: init %s: %w", opType, err)
	}
	return o, nil
}

// Registered returns the registered operator type names.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(operators))
	for name := range operators {
		names = append(names, name)
	}
	return names
}
