package cmdline

import "testing"

func TestParseKeyValueTokens(t *testing.T) {
	a := Parse("pmm=freelut  vmm=freelut\tquiet")

	if v, ok := a.Get("pmm"); !ok || v != "freelut" {
		t.Errorf("expected pmm=freelut, got %q ok=%v", v, ok)
	}
	if v, ok := a.Get("vmm"); !ok || v != "freelut" {
		t.Errorf("expected vmm=freelut, got %q ok=%v", v, ok)
	}
	if v, ok := a.Get("quiet"); !ok || v != "" {
		t.Errorf("expected bare token quiet to be present with empty value, got %q ok=%v", v, ok)
	}
}

func TestGetMissingKey(t *testing.T) {
	a := Parse("pmm=freelut")
	if _, ok := a.Get("vmm"); ok {
		t.Errorf("expected vmm to be absent")
	}
}

func TestParseEmptyString(t *testing.T) {
	a := Parse("")
	if _, ok := a.Get("pmm"); ok {
		t.Errorf("expected no tokens from an empty command line")
	}
}
