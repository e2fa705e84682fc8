package fiber

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// State addresses one step: the function it belongs to and its index
// within that function's Steps slice.
type State struct {
	Function string
	Index    int
}

// Step is one IR instruction driving a fiber forward. Implementations are
// a closed set (StepIf, StepLet, ...); dispatch is a type switch in the
// interpreter, not inheritance.
type Step interface {
	isStep()
}

// StepIf evaluates Cond and continues at Then or Else.
type StepIf struct {
	Cond Expr
	Then State
	Else State
}

// StepLet evaluates Expr, writes it into the frame slot Local, continues
// at Next.
type StepLet struct {
	Local string
	Expr  Expr
	Next  State
}

// RustBlockFunc is the opaque, host-supplied computation a StepRustBlock
// invokes. It has read access to the fiber's heap and current frame, and
// returns named bindings to write back into the frame.
type RustBlockFunc func(heap Frame, frame Frame) (Frame, error)

// StepRustBlock runs an opaque host block, assigns its bound outputs into
// the named frame slots in Binds order, then continues at Next.
type StepRustBlock struct {
	Binds   []string
	CodeRef string
	Code    RustBlockFunc
	Next    State
}

// StepCall evaluates Args over the caller frame, then transfers control to
// Target's entry, arranging for its result (if Bind is non-nil) to be
// written back into the caller frame slot named by *Bind once Target
// returns to Ret.
type StepCall struct {
	Target string
	Args   []Expr
	Bind   *string
	Ret    State
}

// StepReturn truncates the current frame and returns Value to the caller.
type StepReturn struct {
	Value Expr
}

// StepReturnVoid truncates the current frame and returns without a value.
type StepReturnVoid struct{}

// StepDebug writes Msg (evaluated over the frame) to the debug sink, then
// continues at Next.
type StepDebug struct {
	Msg  Expr
	Next State
}

// StepDebugPrintVars dumps every named local in the current frame to the
// debug sink, then continues at Next.
type StepDebugPrintVars struct {
	Next State
}

// SelectArmIR is one arm of a Select step in the IR: wait on Queue or
// Future (exactly one set), optionally bind the delivered value, resume
// at Next.
type SelectArmIR struct {
	Queue  string
	Future string
	Bind   *string
	Next   State
}

// StepSelect suspends, waiting on any of Arms.
type StepSelect struct {
	Arms []SelectArmIR
}

// CreatePrimitiveKind distinguishes the kinds of primitive Create can
// bring into existence.
type CreatePrimitiveKind int

const (
	CreateQueue CreatePrimitiveKind = iota
	CreateFuture
)

// CreatePrimitiveIR describes one primitive to create: a queue by name, or a
// future (name used only to bind the resulting ID/value locals).
type CreatePrimitiveIR struct {
	Kind      CreatePrimitiveKind
	QueueName string // only meaningful for CreateQueue

	SuccessBind string // frame slot to receive the created ID/future on success
	FailBind    string // frame slot to receive Option<String> failure reason
}

// StepCreate atomically creates every listed primitive, or none. On
// success it continues at SuccessNext with SuccessBind slots populated; on
// failure it continues at FailNext with FailBind slots populated.
type StepCreate struct {
	Primitives   []CreatePrimitiveIR
	SuccessNext  State
	FailNext     State
}

// SetValueIR is either a queue push or a future resolution.
type SetValueIR struct {
	IsFuturePush bool
	QueueName    string
	FutureID     string
	Value        Expr
}

// StepSetValues applies each SetValueIR in order, then continues at Next
// immediately (the side effects are queued for the scheduler to apply
// before the fiber's next step runs).
type StepSetValues struct {
	Values []SetValueIR
	Next   State
}

// CreateFiberDetail describes one fiber to spawn. FutureID, if set, is the
// future the spawned fiber's completion should resolve: the spawn's caller
// is awaiting that future, and the spawned fiber plays the role of an
// async subroutine call rather than a fire-and-forget task.
type CreateFiberDetail struct {
	FiberType string
	InitVars  Frame
	FutureID  string
}

// StepCreateFibers spawns each detail as a new fiber, then continues at
// Next.
type StepCreateFibers struct {
	Details []CreateFiberDetail
	Next    State
}

func (StepIf) isStep()             {}
func (StepLet) isStep()             {}
func (StepRustBlock) isStep()       {}
func (StepCall) isStep()            {}
func (StepReturn) isStep()          {}
func (StepReturnVoid) isStep()      {}
func (StepDebug) isStep()           {}
func (StepDebugPrintVars) isStep()  {}
func (StepSelect) isStep()          {}
func (StepCreate) isStep()          {}
func (StepSetValues) isStep()       {}
func (StepCreateFibers) isStep()    {}

// Function is one callable unit of the IR: its input variables, locals,
// and steps, addressed by EntryStep.
type Function struct {
	Key       string
	InVars    []string
	Locals    []string
	EntryStep int
	Steps     []Step
}

// FrameWidth is the number of frame slots this function's stack frame
// occupies: |InVars| + |Locals|.
func (f Function) FrameWidth() int {
	return len(f.InVars) + len(f.Locals)
}

func (f Function) step(index int) Step {
	if index < 0 || index >= len(f.Steps) {
		panic(fmt.Sprintf("fiber: function %q has no step %d", f.Key, index))
	}
	return f.Steps[index]
}

// FiberType describes one kind of fiber: its concurrency cap, heap schema
// defaults, declared init vars, and its functions.
type FiberType struct {
	Name        string
	FibersLimit int
	HeapInit    Frame
	InitVars    []string
	Functions   map[string]Function
	// EntryFunction names the function CreateFibers spawns into when a
	// spawn detail doesn't pick one explicitly (it never does today: the
	// IR's CreateFiberDetail carries no function key of its own).
	EntryFunction string
	// QueueSchemas lists the names of inbound message queues this fiber
	// type declares. The scheduler does not read it: Queue blueprints are
	// enqueued by name without being checked against it.
	QueueSchemas []string
}

// Program is the read-only, immutable bundle loaded at startup: every
// fiber type and its functions.
type Program struct {
	FiberTypes map[string]FiberType
}

// Function looks up fnKey within the fiber type named by typeName.
func (p Program) Function(typeName, fnKey string) (Function, bool) {
	ft, ok := p.FiberTypes[typeName]
	if !ok {
		return Function{}, false
	}
	fn, ok := ft.Functions[fnKey]
	return fn, ok
}

// Validate walks every function of every declared fiber type and collects
// every StepCall target that does not resolve to a known function, plus any
// fiber type whose EntryFunction is missing. Unlike New, which fails fast on
// the first fiber it can't spawn, Validate is meant to run once at startup
// over the whole loaded IR: a malformed program is a construction bug (§7),
// and a deploy should see every broken reference at once, not one per retry.
func (p Program) Validate() error {
	resolve := NewResolver(p)
	var result *multierror.Error
	for typeName, ft := range p.FiberTypes {
		if ft.EntryFunction != "" {
			if _, ok := ft.Functions[ft.EntryFunction]; !ok {
				result = multierror.Append(result, fmt.Errorf("fiber type %q: entry function %q not declared", typeName, ft.EntryFunction))
			}
		}
		for fnKey, fn := range ft.Functions {
			for i, step := range fn.Steps {
				call, ok := step.(StepCall)
				if !ok {
					continue
				}
				if _, ok := resolve(call.Target); !ok {
					result = multierror.Append(result, fmt.Errorf("%s.%s step %d: call target %q does not resolve to a known function", typeName, fnKey, i, call.Target))
				}
			}
		}
	}
	return result.ErrorOrNil()
}
