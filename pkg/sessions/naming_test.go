package sessions

import (
	"strings"
	"testing"
)

func TestGlobalSessionID(t *testing.T) {
	if got := GlobalSessionID("playwright"); got != "playwright_global" {
		t.Fatalf("GlobalSessionID = %q", got)
	}
	if GlobalSessionID("a") != GlobalSessionID("a") {
		t.Fatalf("GlobalSessionID must be deterministic")
	}
}

func TestGlobalServer(t *testing.T) {
	cases := map[string]struct {
		server string
		ok     bool
	}{
		"playwright_global":                    {"playwright", true},
		"my_server_global":                     {"my_server", true},
		"_global":                              {"", false},
		"0f9c7a1e-3c1d-4f6b-8d0e-4b2f9a7c1d2e": {"", false},
	}
	for id, want := range cases {
		server, ok := GlobalServer(id)
		if ok != want.ok || (ok && server != want.server) {
			t.Errorf("GlobalServer(%q) = %q, %v; expected %q, %v", id, server, ok, want.server, want.ok)
		}
	}
}

func TestValidSessionID(t *testing.T) {
	valid := []string{"a", "demo_global", "0f9c7a1e-3c1d-4f6b-8d0e-4b2f9a7c1d2e", "x.y-z", strings.Repeat("a", 128)}
	for _, id := range valid {
		if !ValidSessionID(id) {
			t.Errorf("ValidSessionID(%q) = false, expected true", id)
		}
	}
	invalid := []string{"", "-leading", "_leading", "has space", "slash/id", "ünicode", strings.Repeat("a", 129)}
	for _, id := range invalid {
		if ValidSessionID(id) {
			t.Errorf("ValidSessionID(%q) = true, expected false", id)
		}
	}
	if !ValidSessionID(newDynamicID()) {
		t.Fatalf("generated dynamic ids must be valid")
	}
}
