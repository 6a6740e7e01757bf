package orchestrator

import (
	"reflect"
	"testing"

	"harness/harnesserr"
)

func TestDetectCycleAcyclic(t *testing.T) {
	deps := map[string][]string{
		"db":  nil,
		"api": {"db"},
		"web": {"api"},
	}
	if err := DetectCycle(deps); err != nil {
		t.Fatalf("DetectCycle: unexpected error: %v", err)
	}
}

func TestDetectCycleDirect(t *testing.T) {
	deps := map[string][]string{
		"a": {"b"},
		"b": {"a"},
	}
	err := DetectCycle(deps)
	if err == nil {
		t.Fatal("expected CycleDetected error")
	}
	if !harnesserr.Is(err, harnesserr.CycleDetected) {
		t.Errorf("error kind = %v, want CycleDetected", harnesserr.Of(err))
	}
}

func TestDetectCycleSelfReference(t *testing.T) {
	deps := map[string][]string{"a": {"a"}}
	if err := DetectCycle(deps); err == nil {
		t.Fatal("expected CycleDetected error for a self-dependency")
	}
}

func TestDetectCycleIgnoresDanglingReferences(t *testing.T) {
	deps := map[string][]string{"a": {"unknown"}}
	if err := DetectCycle(deps); err != nil {
		t.Fatalf("DetectCycle: dangling references should not be treated as cycles: %v", err)
	}
}

func TestTopoOrderGroupsIndependentServicesIntoOneWave(t *testing.T) {
	deps := map[string][]string{
		"db":    nil,
		"cache": nil,
		"api":   {"db", "cache"},
	}
	waves := TopoOrder(deps)
	if len(waves) != 2 {
		t.Fatalf("got %d waves, want 2: %v", len(waves), waves)
	}
	if !reflect.DeepEqual(waves[0], []string{"cache", "db"}) {
		t.Errorf("wave 0 = %v, want [cache db]", waves[0])
	}
	if !reflect.DeepEqual(waves[1], []string{"api"}) {
		t.Errorf("wave 1 = %v, want [api]", waves[1])
	}
}

func TestTopoOrderRespectsChainedDependencies(t *testing.T) {
	deps := map[string][]string{
		"db":  nil,
		"api": {"db"},
		"web": {"api"},
	}
	waves := TopoOrder(deps)
	if len(waves) != 3 {
		t.Fatalf("got %d waves, want 3: %v", len(waves), waves)
	}
	seen := map[string]int{}
	for i, wave := range waves {
		for _, name := range wave {
			seen[name] = i
		}
	}
	if seen["db"] >= seen["api"] || seen["api"] >= seen["web"] {
		t.Errorf("wave ordering violates dependency order: %v", waves)
	}
}
