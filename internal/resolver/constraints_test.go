package resolver_test

import (
	"testing"

	"github.com/bilusteknoloji/pipg/internal/resolver"
)

func candidateVersion(t *testing.T, raw string) resolver.CandidateVersion {
	t.Helper()

	v := mustParseVersionForTest(t, raw)

	return resolver.CandidateVersion{Version: v, Raw: raw}
}

func TestConstraintStoreAddAndAllowed(t *testing.T) {
	cs := resolver.NewConstraintStore(resolver.MarkerEnv{})

	req := resolver.ParseRequirement("pkg>=1.5")

	added := cs.Add(resolver.RootPinID, req, "")
	if !added {
		t.Fatal("expected contribution to be added")
	}

	candidates := []resolver.CandidateVersion{
		candidateVersion(t, "1.0.0"),
		candidateVersion(t, "1.5.0"),
		candidateVersion(t, "2.0.0"),
	}

	allowed, err := cs.Allowed("pkg", candidates)
	if err != nil {
		t.Fatalf("Allowed() error: %v", err)
	}

	if len(allowed) != 2 {
		t.Fatalf("expected 2 allowed versions, got %d", len(allowed))
	}
}

func TestConstraintStoreMarkerFalseIsNoOp(t *testing.T) {
	env := resolver.MarkerEnv{PythonVersion: "3.12"}
	cs := resolver.NewConstraintStore(env)

	req := resolver.ParseRequirement(`pkg>=1.0; python_version < "3.10"`)

	added := cs.Add(resolver.RootPinID, req, "")
	if added {
		t.Fatal("expected no-op for a requirement whose marker is false")
	}

	if cs.HasContributors("pkg") {
		t.Error("expected no contributors recorded for a false-marker requirement")
	}
}

func TestConstraintStoreRemoveIsLIFOReversible(t *testing.T) {
	cs := resolver.NewConstraintStore(resolver.MarkerEnv{})

	pinID := 1
	cs.Add(pinID, resolver.ParseRequirement("pkg>=1.0"), "")

	if !cs.HasContributors("pkg") {
		t.Fatal("expected contributor after Add")
	}

	cs.Remove(pinID)

	if cs.HasContributors("pkg") {
		t.Error("expected contributors withdrawn after Remove")
	}
}

func TestConstraintStoreConflictOnEmptyIntersection(t *testing.T) {
	cs := resolver.NewConstraintStore(resolver.MarkerEnv{})

	cs.Add(1, resolver.ParseRequirement("shared>=2.0"), "")
	cs.Add(2, resolver.ParseRequirement("shared<2.0"), "")

	candidates := []resolver.CandidateVersion{
		candidateVersion(t, "1.0.0"),
		candidateVersion(t, "1.9.0"),
		candidateVersion(t, "2.0.0"),
		candidateVersion(t, "2.1.0"),
	}

	conflict, err := cs.Conflict("shared", candidates)
	if err != nil {
		t.Fatalf("Conflict() error: %v", err)
	}

	if !conflict {
		t.Error("expected conflict for mutually exclusive contributor specifiers")
	}
}

func TestConstraintStorePinUnpinAndForbid(t *testing.T) {
	cs := resolver.NewConstraintStore(resolver.MarkerEnv{})
	cs.Add(resolver.RootPinID, resolver.ParseRequirement("pkg"), "")

	cand := candidateVersion(t, "1.0.0")
	pinID := cs.Pin("pkg", cand)

	if pinID == 0 {
		t.Error("expected a non-zero pin id distinct from the root")
	}

	if cs.State("pkg").Pinned == nil {
		t.Fatal("expected pkg to be pinned")
	}

	cs.Unpin("pkg")

	if cs.State("pkg").Pinned != nil {
		t.Error("expected pkg to be unpinned")
	}

	cs.Forbid("pkg", "1.0.0", resolver.PermanentForbidDepth)

	if !cs.State("pkg").Forbidden("1.0.0") {
		t.Error("expected 1.0.0 to be forbidden")
	}
}

func TestConstraintStorePruneForbiddenByDepth(t *testing.T) {
	cs := resolver.NewConstraintStore(resolver.MarkerEnv{})

	cs.Forbid("pkg", "1.0.0", resolver.PermanentForbidDepth)
	cs.Forbid("pkg", "2.0.0", 3)

	cs.PruneForbidden(2)

	if cs.State("pkg").Forbidden("2.0.0") {
		t.Error("expected depth-3 forbid withdrawn after unwinding to depth 2")
	}

	if !cs.State("pkg").Forbidden("1.0.0") {
		t.Error("expected permanent forbid to survive pruning")
	}
}

func TestConstraintStoreExtrasDemanded(t *testing.T) {
	cs := resolver.NewConstraintStore(resolver.MarkerEnv{})

	cs.Add(resolver.RootPinID, resolver.ParseRequirement("pkg[test,docs]"), "")

	extras := cs.State("pkg").Extras()
	if len(extras) != 2 || extras[0] != "docs" || extras[1] != "test" {
		t.Errorf("Extras() = %v, want [docs test]", extras)
	}
}
