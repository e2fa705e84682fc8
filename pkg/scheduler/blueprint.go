package scheduler

import (
	"github.com/piarun/maroon-sub000/pkg/blob"
	"github.com/piarun/maroon-sub000/pkg/clock"
	"github.com/piarun/maroon-sub000/pkg/fiber"
)

// BlueprintSourceKind tags a TaskBlueprint's origin.
type BlueprintSourceKind int

const (
	SourceFiberFunc BlueprintSourceKind = iota
	SourceQueue
)

// TaskBlueprint is one externally-committed unit of work admitted into the
// runtime, exactly as described in §6 blueprint ingress.
type TaskBlueprint struct {
	GlobalID blob.ID
	Kind     BlueprintSourceKind

	// SourceFiberFunc
	FiberType    string
	FunctionKey  string
	InitValues   fiber.Frame

	// SourceQueue
	QueueName string
	Value     fiber.Value
}

// Batch is a dated group of blueprints admitted together, in committed
// order.
type Batch struct {
	Time   clock.TimeMs
	Blueprints []TaskBlueprint
}

// Result is one produced (global_id, Value) pair, emitted exactly once per
// blueprint that runs to Done with a GlobalID set.
type Result struct {
	GlobalID blob.ID
	Value    fiber.Value
}
