// Package scheduler implements the single-threaded cooperative Runtime
// Scheduler: it owns every live fiber, the wait registry, scheduled
// timers, queue messages, resolved futures, and the admission of
// externally committed blueprints.
package scheduler

import (
	"container/heap"
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/piarun/maroon-sub000/pkg/blob"
	"github.com/piarun/maroon-sub000/pkg/clock"
	"github.com/piarun/maroon-sub000/pkg/fiber"
	"github.com/piarun/maroon-sub000/pkg/waitregistry"
)

// IdleSleep is how long the main loop waits when an iteration does
// nothing and there is no pending external input (§4.7 step 6).
const IdleSleep = 5 // milliseconds of wall-clock time, slept by the caller's driving loop

type resolvedFuture struct {
	futureID string
	value    fiber.Value
}

// Scheduler is the cooperative runtime. It is not safe for concurrent use;
// the Node Coordinator is the sole caller, serializing all external events
// into it.
type Scheduler struct {
	program fiber.Program
	resolve fiber.Resolver
	clk     clock.Clock
	log     *zap.Logger

	activeFibers   []*fiber.Fiber
	awaitingFibers map[uint64]*fiber.Fiber
	waitIndex      *waitregistry.Registry[fiber.State]

	timers timerHeap

	queueMessages  map[string][]fiber.Value
	nonEmptyQueues []string
	inNonEmpty     map[string]bool

	resolvedFutures []resolvedFuture

	publicFutures map[string]blob.ID // future id -> external global id awaiting its value

	activeTasks []Batch

	fiberCounts map[string]int // currently-live fiber count per type
	typeInbox   map[string][]TaskBlueprint

	nextFiberID uint64

	// Results is appended to whenever a fiber with a GlobalID completes.
	Results []Result
}

// New constructs a Scheduler over prog, driven by clk.
func New(prog fiber.Program, clk clock.Clock, log *zap.Logger) *Scheduler {
	return &Scheduler{
		program:        prog,
		resolve:        fiber.NewResolver(prog),
		clk:            clk,
		log:            log,
		awaitingFibers: make(map[uint64]*fiber.Fiber),
		waitIndex:      waitregistry.New[fiber.State](),
		queueMessages:  make(map[string][]fiber.Value),
		inNonEmpty:     make(map[string]bool),
		publicFutures:  make(map[string]blob.ID),
		fiberCounts:    make(map[string]int),
		typeInbox:      make(map[string][]TaskBlueprint),
	}
}

// AdmitBatch queues a dated batch of committed blueprints for dispatch.
// Batches must be admitted in committed order; the scheduler does not
// re-sort them.
func (s *Scheduler) AdmitBatch(b Batch) {
	s.activeTasks = append(s.activeTasks, b)
}

// PushQueueMessage enqueues an externally-delivered message onto a public
// queue (used when a gateway message arrives outside of blueprint
// admission, e.g. via a public queue send).
func (s *Scheduler) PushQueueMessage(queue string, v fiber.Value) {
	s.enqueue(queue, v)
}

func (s *Scheduler) enqueue(queue string, v fiber.Value) {
	wasEmpty := len(s.queueMessages[queue]) == 0
	s.queueMessages[queue] = append(s.queueMessages[queue], v)
	if wasEmpty && !s.inNonEmpty[queue] {
		s.nonEmptyQueues = append(s.nonEmptyQueues, queue)
		s.inNonEmpty[queue] = true
	}
}

func (s *Scheduler) popNonEmptyQueue() (string, bool) {
	for len(s.nonEmptyQueues) > 0 {
		q := s.nonEmptyQueues[0]
		s.nonEmptyQueues = s.nonEmptyQueues[1:]
		delete(s.inNonEmpty, q)
		return q, true
	}
	return "", false
}

func (s *Scheduler) requeueQueue(q string) {
	if len(s.queueMessages[q]) == 0 {
		return
	}
	if !s.inNonEmpty[q] {
		s.nonEmptyQueues = append(s.nonEmptyQueues, q)
		s.inNonEmpty[q] = true
	}
}

// Tick runs exactly one iteration of the main loop's priority list and
// reports whether any work happened.
func (s *Scheduler) Tick() bool {
	now := s.clk.NowMs()
	did := false

	did = s.drainDueTimers(now) || did
	did = s.runActiveFibers() || did
	did = s.deliverOneResolvedFuture() || did
	did = s.deliverOneQueueMessage() || did
	did = s.admitDueBlueprints(now) || did

	return did
}

// drainDueTimers resolves every timer whose When has passed.
func (s *Scheduler) drainDueTimers(now clock.TimeMs) bool {
	did := false
	for {
		top, ok := s.timers.peek()
		if !ok || top.when > now {
			break
		}
		heap.Pop(&s.timers)
		s.resolveFuture(top.futureID, fiber.Void())
		did = true
	}
	return did
}

// runActiveFibers runs every fiber currently in activeFibers once.
func (s *Scheduler) runActiveFibers() bool {
	if len(s.activeFibers) == 0 {
		return false
	}
	batch := s.activeFibers
	s.activeFibers = nil
	for _, f := range batch {
		s.stepFiber(f)
	}
	return true
}

// stepFiber runs one fiber step. A fiber panic (stack corruption, an
// unresolved call target that slipped past Program.Validate, ...) is a
// data-consistency bug, not a recoverable per-fiber failure (§7): it is
// logged with a stack trace attached and then re-raised so the process
// aborts instead of limping on with corrupted scheduler state.
func (s *Scheduler) stepFiber(f *fiber.Fiber) {
	defer func() {
		if r := recover(); r != nil {
			err := errors.WithStack(fmt.Errorf("scheduler: fiber %d panicked: %v", f.UniqueID, r))
			s.log.Error("fatal: fiber data-consistency violation", zap.Error(err), zap.Uint64("fiber_id", f.UniqueID))
			panic(err)
		}
	}()

	res := f.Run(s.resolve)
	switch res.Kind {
	case fiber.RunDone:
		s.onFiberDone(f)

	case fiber.RunSelect:
		arms := make([]waitregistry.SelectArm[fiber.State], len(res.SelectArms))
		for i, a := range res.SelectArms {
			var key waitregistry.WaitKey
			if a.Queue != "" {
				key = waitregistry.Queue(a.Queue)
			} else {
				key = waitregistry.Future(a.Future)
			}
			arms[i] = waitregistry.SelectArm[fiber.State]{Key: key, Bind: a.Bind, Next: a.Next}
		}
		s.waitIndex.RegisterSelect(f.UniqueID, arms)
		s.awaitingFibers[f.UniqueID] = f

	case fiber.RunCreate:
		s.handleCreate(f, res)

	case fiber.RunSetValues:
		for _, sv := range res.SetValues {
			if sv.IsFuturePush {
				s.resolveFuture(sv.FutureID, sv.Value)
			} else {
				s.enqueue(sv.QueueName, sv.Value)
			}
		}
		s.activeFibers = append(s.activeFibers, f)

	case fiber.RunCreateFibers:
		for _, d := range res.SpawnDetails {
			child, err := s.spawnFiberOfType(d.FiberType, entryFunctionKey(s.program, d.FiberType), d.InitVars)
			if err != nil {
				s.log.Error("CreateFibers spawn failed", zap.Error(err), zap.String("fiber_type", d.FiberType))
				continue
			}
			child.FutureID = d.FutureID
			s.activeFibers = append(s.activeFibers, child)
		}
		s.activeFibers = append(s.activeFibers, f)

	default:
		panic(fmt.Sprintf("scheduler: unhandled run result kind %d", res.Kind))
	}
}

// entryFunctionKey resolves which function CreateFibers spawns into for a
// given type: the type's declared EntryFunction, or else the
// lexicographically smallest function key, so the choice stays
// deterministic across nodes even when a type never names an entry point.
func entryFunctionKey(prog fiber.Program, typeName string) string {
	ft, ok := prog.FiberTypes[typeName]
	if !ok {
		return ""
	}
	if ft.EntryFunction != "" {
		return ft.EntryFunction
	}
	keys := make([]string, 0, len(ft.Functions))
	for k := range ft.Functions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) == 0 {
		return ""
	}
	return keys[0]
}

func (s *Scheduler) onFiberDone(f *fiber.Fiber) {
	s.fiberCounts[f.TypeName]--
	if f.Result != nil {
		if gid, ok := s.publicFutures[fmt.Sprintf("fiber:%d", f.UniqueID)]; ok {
			s.Results = append(s.Results, Result{GlobalID: gid, Value: *f.Result})
		}
		if f.FutureID != "" {
			s.resolveFuture(f.FutureID, *f.Result)
		}
	}
	s.dispatchFromInbox(f.TypeName)
}

// handleCreate validates all primitives, applies all-or-none, and resumes
// f on the appropriate branch.
func (s *Scheduler) handleCreate(f *fiber.Fiber, res fiber.RunResult) {
	binds := make(map[string]fiber.Value)
	ok := true
	// Validate first. candidateQueues counts how many primitives in this
	// same Create call claim each queue name: a name claimed more than once
	// here fails every one of its primitives, even when the name itself is
	// otherwise new, since s.queueMessages alone can't see sibling
	// primitives that haven't been written yet.
	candidateQueues := make(map[string]int, len(res.CreatePrimitives))
	for _, p := range res.CreatePrimitives {
		if p.Kind == fiber.CreateQueue {
			candidateQueues[p.QueueName]++
		}
	}
	failures := make([]string, len(res.CreatePrimitives))
	for i, p := range res.CreatePrimitives {
		if p.Kind == fiber.CreateQueue {
			_, exists := s.queueMessages[p.QueueName]
			if exists || candidateQueues[p.QueueName] > 1 {
				failures[i] = "already_exists"
				ok = false
			}
		}
	}
	if !ok {
		for i, p := range res.CreatePrimitives {
			if failures[i] != "" {
				binds[p.FailBind] = fiber.Some(fiber.StringValue(failures[i]))
			} else {
				binds[p.FailBind] = fiber.None()
			}
		}
		f.ResumeCreate(binds, res.CreateFail)
		s.activeFibers = append(s.activeFibers, f)
		return
	}

	for _, p := range res.CreatePrimitives {
		switch p.Kind {
		case fiber.CreateQueue:
			s.queueMessages[p.QueueName] = nil
			binds[p.SuccessBind] = fiber.QueueRefValue(p.QueueName)
		case fiber.CreateFuture:
			id := fmt.Sprintf("f%d", s.nextFiberID)
			s.nextFiberID++
			binds[p.SuccessBind] = fiber.FutureValue(id)
		}
	}
	f.ResumeCreate(binds, res.CreateSuccess)
	s.activeFibers = append(s.activeFibers, f)
}

// resolveFuture either forwards a result to an externally-addressable
// public future, or queues it for in-runtime delivery.
func (s *Scheduler) resolveFuture(futureID string, v fiber.Value) {
	if gid, ok := s.publicFutures[futureID]; ok {
		s.Results = append(s.Results, Result{GlobalID: gid, Value: v})
		delete(s.publicFutures, futureID)
		return
	}
	s.resolvedFutures = append(s.resolvedFutures, resolvedFuture{futureID: futureID, value: v})
}

// deliverOneResolvedFuture pops one resolved future and attempts to wake
// its waiter. If nobody is waiting, it is requeued (see the open question
// on unbounded requeueing in §9, carried forward unresolved here).
func (s *Scheduler) deliverOneResolvedFuture() bool {
	if len(s.resolvedFutures) == 0 {
		return false
	}
	rf := s.resolvedFutures[0]
	s.resolvedFutures = s.resolvedFutures[1:]

	key := waitregistry.Future(rf.futureID)
	outcome, ok := s.waitIndex.WakeOne(key)
	if !ok {
		s.resolvedFutures = append(s.resolvedFutures, rf)
		return true
	}
	s.wakeFiber(outcome, rf.value)
	return true
}

// deliverOneQueueMessage pops one non-empty queue and attempts to wake a
// waiter with its head message.
func (s *Scheduler) deliverOneQueueMessage() bool {
	q, ok := s.popNonEmptyQueue()
	if !ok {
		return false
	}
	key := waitregistry.Queue(q)
	outcome, ok := s.waitIndex.WakeOne(key)
	if !ok {
		s.requeueQueue(q)
		return true
	}
	msg := s.queueMessages[q][0]
	s.queueMessages[q] = s.queueMessages[q][1:]
	s.requeueQueue(q)
	s.wakeFiber(outcome, msg)
	return true
}

func (s *Scheduler) wakeFiber(outcome waitregistry.WakeOutcome[fiber.State], value fiber.Value) {
	f, ok := s.awaitingFibers[outcome.FiberID]
	if !ok {
		s.log.Error("wait registry woke an unknown fiber", zap.Uint64("fiber_id", outcome.FiberID))
		return
	}
	delete(s.awaitingFibers, outcome.FiberID)
	f.ResumeSelect(outcome.Bind, value, outcome.Next)
	s.activeFibers = append(s.activeFibers, f)
}

// admitDueBlueprints dispatches the earliest batch whose time has come.
func (s *Scheduler) admitDueBlueprints(now clock.TimeMs) bool {
	if len(s.activeTasks) == 0 || s.activeTasks[0].Time > now {
		return false
	}
	batch := s.activeTasks[0]
	s.activeTasks = s.activeTasks[1:]
	for _, bp := range batch.Blueprints {
		s.admitOne(bp)
	}
	return true
}

func (s *Scheduler) admitOne(bp TaskBlueprint) {
	switch bp.Kind {
	case SourceFiberFunc:
		if !s.hasCapacity(bp.FiberType) {
			s.typeInbox[bp.FiberType] = append(s.typeInbox[bp.FiberType], bp)
			return
		}
		f, err := s.spawnFiberOfType(bp.FiberType, bp.FunctionKey, bp.InitValues)
		if err != nil {
			s.log.Error("failed to admit blueprint", zap.Error(err))
			return
		}
		s.publicFutures[fmt.Sprintf("fiber:%d", f.UniqueID)] = bp.GlobalID
		s.activeFibers = append(s.activeFibers, f)

	case SourceQueue:
		s.enqueue(bp.QueueName, bp.Value)
	}
}

func (s *Scheduler) hasCapacity(typeName string) bool {
	ft, ok := s.program.FiberTypes[typeName]
	if !ok || ft.FibersLimit <= 0 {
		return true
	}
	return s.fiberCounts[typeName] < ft.FibersLimit
}

func (s *Scheduler) dispatchFromInbox(typeName string) {
	for s.hasCapacity(typeName) {
		q := s.typeInbox[typeName]
		if len(q) == 0 {
			return
		}
		bp := q[0]
		s.typeInbox[typeName] = q[1:]
		f, err := s.spawnFiberOfType(bp.FiberType, bp.FunctionKey, bp.InitValues)
		if err != nil {
			s.log.Error("failed to dispatch queued blueprint", zap.Error(err))
			continue
		}
		s.publicFutures[fmt.Sprintf("fiber:%d", f.UniqueID)] = bp.GlobalID
		s.activeFibers = append(s.activeFibers, f)
	}
}

func (s *Scheduler) spawnFiberOfType(typeName, fnKey string, initVars fiber.Frame) (*fiber.Fiber, error) {
	s.nextFiberID++
	id := s.nextFiberID
	f, err := fiber.New(s.program, id, typeName, fnKey, initVars)
	if err != nil {
		return nil, err
	}
	s.fiberCounts[typeName]++
	return f, nil
}

// ScheduleTimer arranges for futureID to resolve with Void once the clock
// passes when.
func (s *Scheduler) ScheduleTimer(when clock.TimeMs, futureID string) {
	heap.Push(&s.timers, scheduledBlob{when: when, futureID: futureID})
}
