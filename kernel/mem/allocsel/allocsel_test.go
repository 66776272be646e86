package allocsel

import "testing"

type fakeVtable struct {
	name string
}

func TestResolveKnownName(t *testing.T) {
	var reg Registry[fakeVtable]
	reg.Register("freelut", fakeVtable{name: "freelut"})
	reg.Register("buddy", fakeVtable{name: "buddy"})

	if got := reg.Resolve("buddy"); got.name != "buddy" {
		t.Errorf("expected buddy, got %s", got.name)
	}
}

func TestResolveUnknownNameFallsBackToFirstRegistered(t *testing.T) {
	var reg Registry[fakeVtable]
	reg.Register("freelut", fakeVtable{name: "freelut"})
	reg.Register("buddy", fakeVtable{name: "buddy"})

	if got := reg.Resolve("does-not-exist"); got.name != "freelut" {
		t.Errorf("expected fallback to freelut, got %s", got.name)
	}
	if got := reg.Resolve(""); got.name != "freelut" {
		t.Errorf("expected fallback to freelut for empty name, got %s", got.name)
	}
}

func TestSelectReportsOK(t *testing.T) {
	var reg Registry[fakeVtable]
	reg.Register("freelut", fakeVtable{name: "freelut"})

	if _, ok := reg.Select("freelut"); !ok {
		t.Errorf("expected ok=true for registered name")
	}
	if _, ok := reg.Select("missing"); ok {
		t.Errorf("expected ok=false for unregistered name")
	}
}

func TestDefaultPanicsWhenEmpty(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("expected panic on empty registry")
		}
	}()

	var reg Registry[fakeVtable]
	reg.Default()
}
