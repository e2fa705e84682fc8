package logging

import "testing"

func TestParseLevelDefaultsToInfo(t *testing.T) {
	l, err := parseLevel("")
	if err != nil {
		t.Fatalf("parseLevel(\"\"): %v", err)
	}
	if l.String() != "info" {
		t.Fatalf("level = %v, want info", l)
	}
}

func TestParseLevelRejectsUnknown(t *testing.T) {
	if _, err := parseLevel("not-a-level"); err == nil {
		t.Fatal("expected an error for an unknown level")
	}
}

func TestNewBuildsAProductionLogger(t *testing.T) {
	logger, err := New(Options{Level: "debug"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if logger == nil {
		t.Fatal("New returned a nil logger")
	}
}
