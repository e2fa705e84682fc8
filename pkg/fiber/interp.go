package fiber

import "fmt"

// RunResultKind tags the reason Run returned control to the scheduler.
type RunResultKind int

const (
	RunDone RunResultKind = iota
	RunSelect
	RunCreate
	RunSetValues
	RunCreateFibers
)

// RunResult is what one call to Fiber.Run reports: either the fiber ran to
// completion, or it hit one of the four suspending step kinds.
type RunResult struct {
	Kind RunResultKind

	// RunSelect
	SelectArms []SelectArmIR

	// RunCreate
	CreatePrimitives []CreatePrimitiveIR
	CreateSuccess    State
	CreateFail       State

	// RunSetValues
	SetValues []ResolvedSetValue

	// RunCreateFibers
	SpawnDetails []CreateFiberDetail
}

// ResolvedSetValue is a SetValueIR whose Value expression has already been
// evaluated against the frame that was live when the StepSetValues step
// ran; by the time Run returns, that frame is gone, so this is what
// crosses the boundary to the scheduler instead of the raw Expr.
type ResolvedSetValue struct {
	IsFuturePush bool
	QueueName    string
	FutureID     string
	Value        Value
}

// Fiber is one live, cooperatively-scheduled instance of a fiber program
// function. The runtime exclusively owns its heap and stack between
// suspension points.
type Fiber struct {
	UniqueID   uint64
	TypeName   string
	Stack      []StackEntry
	Heap       Frame
	Result     *Value // set once the top-level function returns
	TraceSink  []string

	// FutureID is this fiber's completion context: when set, it names the
	// future a parent fiber is awaiting, to be resolved with Result once
	// this fiber reaches Done. Empty for fibers nobody is awaiting (e.g.
	// top-level blueprint-spawned fibers, which instead surface their
	// result via a scheduler-tracked global ID).
	FutureID string
}

// New creates a fiber of the given type starting at entry function fnKey
// with initVars bound into its first frame.
func New(prog Program, uniqueID uint64, typeName, fnKey string, initVars Frame) (*Fiber, error) {
	fn, ok := prog.Function(typeName, fnKey)
	if !ok {
		return nil, fmt.Errorf("fiber: unknown function %s.%s", typeName, fnKey)
	}
	ft, ok := prog.FiberTypes[typeName]
	if !ok {
		return nil, fmt.Errorf("fiber: unknown fiber type %q", typeName)
	}
	heap := make(Frame, len(ft.HeapInit))
	for k, v := range ft.HeapInit {
		heap[k] = v
	}

	f := &Fiber{UniqueID: uniqueID, TypeName: typeName, Heap: heap}
	// Mirrors StepCall's push order (Retrn below the callee's frame
	// values), just without a State(ret) beneath it: there is no caller
	// to resume when the entry function eventually returns.
	f.Stack = append(f.Stack, retrnEntry(nil, 0))
	for _, name := range fn.InVars {
		v, ok := initVars[name]
		if !ok {
			return nil, fmt.Errorf("fiber: missing init var %q for %s.%s", name, typeName, fnKey)
		}
		f.Stack = append(f.Stack, valueEntry(name, v))
	}
	for _, name := range fn.Locals {
		f.Stack = append(f.Stack, valueEntry(name, Void()))
	}
	f.Stack = append(f.Stack, stateEntry(State{Function: funcAddr(typeName, fn.Key), Index: fn.EntryStep}))
	return f, nil
}

// funcAddr namespaces a function key by its owning fiber type, since two
// fiber types may declare functions with the same local key.
func funcAddr(typeName, fnKey string) string {
	return typeName + "." + fnKey
}

func (f *Fiber) frameValues(start int, width int) Frame {
	frame := make(Frame, width)
	for i := start; i < start+width; i++ {
		e := f.Stack[i]
		if e.Kind != EntryValue {
			panic("fiber: stack corruption, expected Value entry in frame range")
		}
		frame[e.Name] = e.Value
	}
	return frame
}

func (f *Fiber) writeLocal(start, width int, name string, v Value) {
	for i := start; i < start+width; i++ {
		if f.Stack[i].Name == name {
			f.Stack[i].Value = v
			return
		}
	}
	panic(fmt.Sprintf("fiber: no frame slot named %q", name))
}

// Resolver looks up a Function by its namespaced address (typeName.fnKey).
type Resolver func(funcAddr string) (Function, bool)

// NewResolver builds a Resolver over prog.
func NewResolver(prog Program) Resolver {
	return func(addr string) (Function, bool) {
		for typeName, ft := range prog.FiberTypes {
			for key, fn := range ft.Functions {
				if funcAddr(typeName, key) == addr {
					return fn, true
				}
			}
		}
		return Function{}, false
	}
}

// Run advances the fiber, executing steps until it hits a suspending step
// or the stack empties.
func (f *Fiber) Run(resolve Resolver) RunResult {
	for {
		if len(f.Stack) == 0 {
			return RunResult{Kind: RunDone}
		}
		top := f.Stack[len(f.Stack)-1]
		if top.Kind != EntryState {
			// Malformed stack: nothing left to execute meaningfully.
			return RunResult{Kind: RunDone}
		}
		f.Stack = f.Stack[:len(f.Stack)-1]

		fn, ok := resolve(top.State.Function)
		if !ok {
			panic(fmt.Sprintf("fiber: unknown function address %q", top.State.Function))
		}
		width := fn.FrameWidth()
		frameStart := len(f.Stack) - width
		if frameStart < 0 {
			panic("fiber: stack shorter than current function's frame width")
		}
		frame := f.frameValues(frameStart, width)
		step := fn.step(top.State.Index)

		switch s := step.(type) {
		case StepIf:
			next := s.Else
			if s.Cond.Eval(frame).IsTruthy() {
				next = s.Then
			}
			f.Stack = append(f.Stack, stateEntry(next))

		case StepLet:
			v := s.Expr.Eval(frame)
			f.writeLocal(frameStart, width, s.Local, v)
			f.Stack = append(f.Stack, stateEntry(s.Next))

		case StepRustBlock:
			out, err := s.Code(f.Heap, frame)
			if err != nil {
				panic(fmt.Sprintf("fiber: RustBlock %q failed: %v", s.CodeRef, err))
			}
			for _, name := range s.Binds {
				v, ok := out[name]
				if !ok {
					panic(fmt.Sprintf("fiber: RustBlock %q did not bind %q", s.CodeRef, name))
				}
				f.writeLocal(frameStart, width, name, v)
			}
			f.Stack = append(f.Stack, stateEntry(s.Next))

		case StepCall:
			args := make([]Value, len(s.Args))
			for i, a := range s.Args {
				args[i] = a.Eval(frame)
			}
			callee, ok := resolve(s.Target)
			if !ok {
				panic(fmt.Sprintf("fiber: unknown call target %q", s.Target))
			}
			f.Stack = append(f.Stack, stateEntry(s.Ret))
			f.Stack = append(f.Stack, retrnEntry(s.Bind, frameStart))
			if len(args) != len(callee.InVars) {
				panic(fmt.Sprintf("fiber: call to %q passed %d args, wants %d", s.Target, len(args), len(callee.InVars)))
			}
			for i, name := range callee.InVars {
				f.Stack = append(f.Stack, valueEntry(name, args[i]))
			}
			for _, name := range callee.Locals {
				f.Stack = append(f.Stack, valueEntry(name, Void()))
			}
			f.Stack = append(f.Stack, stateEntry(State{Function: s.Target, Index: callee.EntryStep}))

		case StepReturn:
			v := s.Value.Eval(frame)
			f.Stack = f.Stack[:frameStart]
			f.doReturn(&v)

		case StepReturnVoid:
			f.Stack = f.Stack[:frameStart]
			f.doReturn(nil)

		case StepDebug:
			f.TraceSink = append(f.TraceSink, s.Msg.Eval(frame).String())
			f.Stack = append(f.Stack, stateEntry(s.Next))

		case StepDebugPrintVars:
			for i := frameStart; i < frameStart+width; i++ {
				e := f.Stack[i]
				f.TraceSink = append(f.TraceSink, fmt.Sprintf("%s = %s", e.Name, e.Value.String()))
			}
			f.Stack = append(f.Stack, stateEntry(s.Next))

		case StepSelect:
			return RunResult{Kind: RunSelect, SelectArms: s.Arms}

		case StepCreate:
			return RunResult{Kind: RunCreate, CreatePrimitives: s.Primitives, CreateSuccess: s.SuccessNext, CreateFail: s.FailNext}

		case StepSetValues:
			resolved := make([]ResolvedSetValue, len(s.Values))
			for i, sv := range s.Values {
				resolved[i] = ResolvedSetValue{
					IsFuturePush: sv.IsFuturePush,
					QueueName:    sv.QueueName,
					FutureID:     sv.FutureID,
					Value:        sv.Value.Eval(frame),
				}
			}
			f.Stack = append(f.Stack, stateEntry(s.Next))
			return RunResult{Kind: RunSetValues, SetValues: resolved}

		case StepCreateFibers:
			f.Stack = append(f.Stack, stateEntry(s.Next))
			return RunResult{Kind: RunCreateFibers, SpawnDetails: s.Details}

		default:
			panic(fmt.Sprintf("fiber: unhandled step type %T", step))
		}
	}
}

// doReturn pops the Retrn entry now at the top of the stack and, if it
// named a caller slot, writes v into it. If the stack empties afterwards,
// v (or Void, for ReturnVoid) becomes the fiber's final Result.
func (f *Fiber) doReturn(v *Value) {
	if len(f.Stack) == 0 {
		panic("fiber: Return with no Retrn entry below it")
	}
	top := f.Stack[len(f.Stack)-1]
	if top.Kind != EntryRetrn {
		panic("fiber: Return did not find a Retrn entry, stack corruption")
	}
	f.Stack = f.Stack[:len(f.Stack)-1]

	if len(f.Stack) == 0 {
		if v != nil {
			f.Result = v
		} else {
			vv := Void()
			f.Result = &vv
		}
		return
	}
	if top.RetrnBind != nil {
		val := Void()
		if v != nil {
			val = *v
		}
		f.writeLocalAbsolute(*top.RetrnBind, val)
	}
}

// writeLocalAbsolute writes into the caller's frame by scanning the whole
// remaining stack for a Value entry with the given name below the current
// top State. Caller frames are always contiguous Value runs, so this
// terminates at the first match scanning from the stack top downward.
func (f *Fiber) writeLocalAbsolute(name string, v Value) {
	for i := len(f.Stack) - 1; i >= 0; i-- {
		e := f.Stack[i]
		if e.Kind == EntryState {
			continue
		}
		if e.Kind != EntryValue {
			break
		}
		if e.Name == name {
			f.Stack[i].Value = v
			return
		}
	}
	panic(fmt.Sprintf("fiber: no caller slot named %q to receive return value", name))
}

// ResumeSelect applies the winning arm's bind (if any) and pushes next
// onto the stack, ready to run again.
func (f *Fiber) ResumeSelect(bind *string, value Value, next State) {
	if bind != nil {
		f.Stack = append(f.Stack, frameAssignEntry(map[string]Value{*bind: value}))
		f.applyPendingFrameAssigns(next)
		return
	}
	f.Stack = append(f.Stack, stateEntry(next))
}

// ResumeCreate applies the chosen branch's binds and pushes next.
func (f *Fiber) ResumeCreate(binds map[string]Value, next State) {
	if len(binds) > 0 {
		f.Stack = append(f.Stack, frameAssignEntry(binds))
		f.applyPendingFrameAssigns(next)
		return
	}
	f.Stack = append(f.Stack, stateEntry(next))
}

// applyPendingFrameAssigns pops the FrameAssign just pushed, writes its
// updates into the frame that next's function expects, then pushes
// State(next). This mirrors the IR's explicit FrameAssign stack entry
// being consumed in-place relative to the (not-yet-pushed) frame start.
func (f *Fiber) applyPendingFrameAssigns(next State) {
	top := f.Stack[len(f.Stack)-1]
	f.Stack = f.Stack[:len(f.Stack)-1]
	for i := len(f.Stack) - 1; i >= 0; i-- {
		e := f.Stack[i]
		if e.Kind != EntryValue {
			break
		}
		if v, ok := top.Assigns[e.Name]; ok {
			f.Stack[i].Value = v
		}
	}
	f.Stack = append(f.Stack, stateEntry(next))
}
