package fiber

import "testing"

func TestValidateAcceptsWellFormedProgram(t *testing.T) {
	prog := buildFactorialProgram()
	if err := prog.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateReportsUnknownCallTarget(t *testing.T) {
	prog := Program{FiberTypes: map[string]FiberType{
		"global": {
			Name: "global",
			Functions: map[string]Function{
				"entry": {
					Key:       "entry",
					EntryStep: 0,
					Steps: []Step{
						StepCall{
							Target: "global.nope",
							Ret:    State{Function: "global.entry", Index: 1},
						},
						StepReturnVoid{},
					},
				},
			},
		},
	}}

	err := prog.Validate()
	if err == nil {
		t.Fatal("Validate: expected an error for an unresolvable call target, got nil")
	}
}

func TestValidateReportsMissingEntryFunction(t *testing.T) {
	prog := Program{FiberTypes: map[string]FiberType{
		"worker": {
			Name:          "worker",
			EntryFunction: "main",
			Functions:     map[string]Function{},
		},
	}}

	err := prog.Validate()
	if err == nil {
		t.Fatal("Validate: expected an error for a missing entry function, got nil")
	}
}

func TestValidateAggregatesMultipleFailures(t *testing.T) {
	prog := Program{FiberTypes: map[string]FiberType{
		"global": {
			Name:          "global",
			EntryFunction: "missing",
			Functions: map[string]Function{
				"entry": {
					Key: "entry",
					Steps: []Step{
						StepCall{Target: "global.alsoMissing", Ret: State{Function: "global.entry", Index: 1}},
						StepReturnVoid{},
					},
				},
			},
		},
	}}

	err := prog.Validate()
	if err == nil {
		t.Fatal("Validate: expected aggregated errors, got nil")
	}
	merr, ok := err.(interface{ WrappedErrors() []error })
	if !ok {
		t.Fatalf("Validate error %T does not expose WrappedErrors(); expected a *multierror.Error", err)
	}
	if got := len(merr.WrappedErrors()); got != 2 {
		t.Fatalf("Validate error count = %d, want 2 (missing entry function + unresolved call target)", got)
	}
}
