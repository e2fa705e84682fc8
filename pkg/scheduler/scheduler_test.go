package scheduler

import (
	"testing"

	"github.com/piarun/maroon-sub000/pkg/blob"
	"github.com/piarun/maroon-sub000/pkg/clock"
	"github.com/piarun/maroon-sub000/pkg/fiber"
	"go.uber.org/zap"
)

func strPtr(s string) *string { return &s }

func mustID(t *testing.T, r blob.Range, o blob.Offset) blob.ID {
	t.Helper()
	id, err := blob.NewID(r, o)
	if err != nil {
		t.Fatalf("NewID(%d,%d): %v", r, o, err)
	}
	return id
}

func runUntilDone(t *testing.T, s *Scheduler, maxTicks int) {
	t.Helper()
	for i := 0; i < maxTicks; i++ {
		if !s.Tick() {
			return
		}
	}
}

// waiterProgram builds a single fiber type "worker" whose "main" function
// selects on a queue or a future (exactly one arm set), binds the delivered
// value to "v", and returns it.
func waiterProgram(arm fiber.SelectArmIR) fiber.Program {
	fn := fiber.Function{
		Key:       "main",
		Locals:    []string{"v"},
		EntryStep: 0,
		Steps: []fiber.Step{
			fiber.StepSelect{Arms: []fiber.SelectArmIR{arm}},
			fiber.StepReturn{Value: fiber.VarExpr("v")},
		},
	}
	return fiber.Program{FiberTypes: map[string]fiber.FiberType{
		"worker": {Name: "worker", Functions: map[string]fiber.Function{"main": fn}},
	}}
}

func TestQueueMessageWakesSelectingFiber(t *testing.T) {
	prog := waiterProgram(fiber.SelectArmIR{
		Queue: "inbox",
		Bind:  strPtr("v"),
		Next:  fiber.State{Function: "worker.main", Index: 1},
	})
	s := New(prog, clock.NewMock(0), zap.NewNop())

	s.AdmitBatch(Batch{Time: 0, Blueprints: []TaskBlueprint{
		{GlobalID: mustID(t, 0, 0), Kind: SourceFiberFunc, FiberType: "worker", FunctionKey: "main"},
	}})
	runUntilDone(t, s, 1)

	s.PushQueueMessage("inbox", fiber.UInt64Value(42))
	runUntilDone(t, s, 5)

	if len(s.Results) != 1 {
		t.Fatalf("Results = %+v, want exactly one", s.Results)
	}
	if s.Results[0].Value.UInt64 != 42 {
		t.Fatalf("Result value = %+v, want 42", s.Results[0].Value)
	}
}

func TestTimerResolvesSelectOnFuture(t *testing.T) {
	prog := waiterProgram(fiber.SelectArmIR{
		Future: "timer1",
		Next:   fiber.State{Function: "worker.main", Index: 1},
	})
	clk := clock.NewMock(0)
	s := New(prog, clk, zap.NewNop())

	s.AdmitBatch(Batch{Time: 0, Blueprints: []TaskBlueprint{
		{GlobalID: mustID(t, 0, 0), Kind: SourceFiberFunc, FiberType: "worker", FunctionKey: "main"},
	}})
	runUntilDone(t, s, 1)
	s.ScheduleTimer(10, "timer1")

	// Not due yet.
	s.Tick()
	if len(s.Results) != 0 {
		t.Fatalf("timer fired early: %+v", s.Results)
	}

	clk.Advance(10)
	runUntilDone(t, s, 5)

	if len(s.Results) != 1 {
		t.Fatalf("Results = %+v, want exactly one", s.Results)
	}
	if s.Results[0].Value.Kind != fiber.KindVoid {
		t.Fatalf("timer-delivered value = %+v, want Void", s.Results[0].Value)
	}
}

// createProgram builds a "creator" fiber type whose "make_queue" function
// tries to Create a single named queue, returning "created" on success or
// the Option<String> failure reason on failure.
func createProgram(queueName string) fiber.Program {
	fn := fiber.Function{
		Key:       "make_queue",
		Locals:    []string{"qref", "failReason"},
		EntryStep: 0,
		Steps: []fiber.Step{
			fiber.StepCreate{
				Primitives: []fiber.CreatePrimitiveIR{
					{Kind: fiber.CreateQueue, QueueName: queueName, SuccessBind: "qref", FailBind: "failReason"},
				},
				SuccessNext: fiber.State{Function: "creator.make_queue", Index: 1},
				FailNext:    fiber.State{Function: "creator.make_queue", Index: 2},
			},
			fiber.StepReturn{Value: fiber.ConstExpr(fiber.StringValue("created"))},
			fiber.StepReturn{Value: fiber.VarExpr("failReason")},
		},
	}
	return fiber.Program{FiberTypes: map[string]fiber.FiberType{
		"creator": {Name: "creator", Functions: map[string]fiber.Function{"make_queue": fn}},
	}}
}

func TestCreateQueueSucceedsThenDuplicateFails(t *testing.T) {
	prog := createProgram("orders")
	s := New(prog, clock.NewMock(0), zap.NewNop())

	firstID := mustID(t, 0, 0)
	secondID := mustID(t, 0, 1)
	s.AdmitBatch(Batch{Time: 0, Blueprints: []TaskBlueprint{
		{GlobalID: firstID, Kind: SourceFiberFunc, FiberType: "creator", FunctionKey: "make_queue"},
	}})
	runUntilDone(t, s, 5)

	s.AdmitBatch(Batch{Time: 0, Blueprints: []TaskBlueprint{
		{GlobalID: secondID, Kind: SourceFiberFunc, FiberType: "creator", FunctionKey: "make_queue"},
	}})
	runUntilDone(t, s, 5)

	if len(s.Results) != 2 {
		t.Fatalf("Results = %+v, want two entries", s.Results)
	}
	first := resultFor(s.Results, firstID)
	second := resultFor(s.Results, secondID)
	if first.Str != "created" {
		t.Fatalf("first creator result = %+v, want StringValue(created)", first)
	}
	if second.Kind != fiber.KindOption || second.Opt == nil || second.Opt.Str != "already_exists" {
		t.Fatalf("second creator result = %+v, want Some(already_exists)", second)
	}
}

// createTwoProgram builds a "creator" fiber type whose "make_both" function
// tries to Create two primitives naming the same queue in one call.
func createTwoProgram(queueName string) fiber.Program {
	fn := fiber.Function{
		Key:       "make_both",
		Locals:    []string{"qrefA", "failA", "qrefB", "failB"},
		EntryStep: 0,
		Steps: []fiber.Step{
			fiber.StepCreate{
				Primitives: []fiber.CreatePrimitiveIR{
					{Kind: fiber.CreateQueue, QueueName: queueName, SuccessBind: "qrefA", FailBind: "failA"},
					{Kind: fiber.CreateQueue, QueueName: queueName, SuccessBind: "qrefB", FailBind: "failB"},
				},
				SuccessNext: fiber.State{Function: "creator.make_both", Index: 1},
				FailNext:    fiber.State{Function: "creator.make_both", Index: 2},
			},
			fiber.StepReturn{Value: fiber.ConstExpr(fiber.StringValue("created"))},
			fiber.StepReturn{Value: fiber.VarExpr("failA")},
		},
	}
	return fiber.Program{FiberTypes: map[string]fiber.FiberType{
		"creator": {Name: "creator", Functions: map[string]fiber.Function{"make_both": fn}},
	}}
}

func TestCreateQueueDuplicateWithinSameCallBothFail(t *testing.T) {
	prog := createTwoProgram("orders")
	s := New(prog, clock.NewMock(0), zap.NewNop())

	id := mustID(t, 0, 0)
	s.AdmitBatch(Batch{Time: 0, Blueprints: []TaskBlueprint{
		{GlobalID: id, Kind: SourceFiberFunc, FiberType: "creator", FunctionKey: "make_both"},
	}})
	runUntilDone(t, s, 5)

	if len(s.Results) != 1 {
		t.Fatalf("Results = %+v, want exactly one", s.Results)
	}
	result := s.Results[0]
	if result.Value.Kind != fiber.KindOption || result.Value.Opt == nil || result.Value.Opt.Str != "already_exists" {
		t.Fatalf("result = %+v, want Some(already_exists) for both within-call duplicates", result)
	}
	if _, exists := s.queueMessages["orders"]; exists {
		t.Fatalf("queue %q must not exist after an all-or-none Create failure", "orders")
	}
}

// createFiberAwaitProgram builds a "parent" fiber type whose "main" function
// spawns a "child" fiber via CreateFibers, attaching the spawn to a future
// it then selects on, and a "child" fiber type whose "main" function
// returns immediately. Exercises the context.future_id completion path:
// the child's Done result must resolve the parent's awaited future.
func createFiberAwaitProgram() fiber.Program {
	parentFn := fiber.Function{
		Key:       "main",
		Locals:    []string{"v"},
		EntryStep: 0,
		Steps: []fiber.Step{
			fiber.StepCreateFibers{
				Details: []fiber.CreateFiberDetail{
					{FiberType: "child", FutureID: "pfuture"},
				},
				Next: fiber.State{Function: "parent.main", Index: 1},
			},
			fiber.StepSelect{Arms: []fiber.SelectArmIR{
				{Future: "pfuture", Bind: strPtr("v"), Next: fiber.State{Function: "parent.main", Index: 2}},
			}},
			fiber.StepReturn{Value: fiber.VarExpr("v")},
		},
	}
	childFn := fiber.Function{
		Key:       "main",
		EntryStep: 0,
		Steps: []fiber.Step{
			fiber.StepReturn{Value: fiber.ConstExpr(fiber.UInt64Value(99))},
		},
	}
	return fiber.Program{FiberTypes: map[string]fiber.FiberType{
		"parent": {Name: "parent", Functions: map[string]fiber.Function{"main": parentFn}},
		"child":  {Name: "child", Functions: map[string]fiber.Function{"main": childFn}},
	}}
}

func TestCreateFibersResolvesParentAwaitedFuture(t *testing.T) {
	prog := createFiberAwaitProgram()
	s := New(prog, clock.NewMock(0), zap.NewNop())

	id := mustID(t, 0, 0)
	s.AdmitBatch(Batch{Time: 0, Blueprints: []TaskBlueprint{
		{GlobalID: id, Kind: SourceFiberFunc, FiberType: "parent", FunctionKey: "main"},
	}})
	runUntilDone(t, s, 10)

	if len(s.Results) != 1 {
		t.Fatalf("Results = %+v, want exactly one (the parent's)", s.Results)
	}
	if s.Results[0].Value.UInt64 != 99 {
		t.Fatalf("parent result = %+v, want the child's 99", s.Results[0].Value)
	}
}

func resultFor(results []Result, id blob.ID) fiber.Value {
	for _, r := range results {
		if r.GlobalID == id {
			return r.Value
		}
	}
	return fiber.Value{}
}

func TestFiberLimitQueuesExcessBlueprintsUntilCapacityFrees(t *testing.T) {
	fn := fiber.Function{
		Key:       "main",
		Locals:    []string{"v"},
		EntryStep: 0,
		Steps: []fiber.Step{
			fiber.StepSelect{Arms: []fiber.SelectArmIR{
				{Queue: "gate", Bind: strPtr("v"), Next: fiber.State{Function: "worker.main", Index: 1}},
			}},
			fiber.StepReturn{Value: fiber.VarExpr("v")},
		},
	}
	prog := fiber.Program{FiberTypes: map[string]fiber.FiberType{
		"worker": {Name: "worker", FibersLimit: 1, Functions: map[string]fiber.Function{"main": fn}},
	}}
	s := New(prog, clock.NewMock(0), zap.NewNop())

	idA := mustID(t, 0, 0)
	idB := mustID(t, 0, 1)
	s.AdmitBatch(Batch{Time: 0, Blueprints: []TaskBlueprint{
		{GlobalID: idA, Kind: SourceFiberFunc, FiberType: "worker", FunctionKey: "main"},
		{GlobalID: idB, Kind: SourceFiberFunc, FiberType: "worker", FunctionKey: "main"},
	}})
	runUntilDone(t, s, 2)

	if s.fiberCounts["worker"] != 1 {
		t.Fatalf("fiberCounts[worker] = %d, want 1 (second blueprint held in inbox)", s.fiberCounts["worker"])
	}
	if len(s.typeInbox["worker"]) != 1 {
		t.Fatalf("typeInbox[worker] = %+v, want one held blueprint", s.typeInbox["worker"])
	}

	s.PushQueueMessage("gate", fiber.UInt64Value(1))
	runUntilDone(t, s, 5)
	if len(s.Results) != 1 {
		t.Fatalf("Results = %+v, want the first fiber done", s.Results)
	}

	s.PushQueueMessage("gate", fiber.UInt64Value(2))
	runUntilDone(t, s, 5)
	if len(s.Results) != 2 {
		t.Fatalf("Results = %+v, want both fibers eventually done", s.Results)
	}
}
