package idgen

import (
	"regexp"
	"strings"
	"testing"
)

var idPattern = regexp.MustCompile(`^mg-[a-z0-9]{12}$`)

func TestGenerate_Format(t *testing.T) {
	for i := 0; i < 100; i++ {
		id, err := Generate()
		if err != nil {
			t.Fatalf("Generate() error on iteration %d: %v", i, err)
		}
		if !idPattern.MatchString(id) {
			t.Fatalf("Generate() = %q, does not match %s", id, idPattern)
		}
	}
}

func TestGenerate_Uniqueness(t *testing.T) {
	const count = 10_000
	seen := make(map[string]struct{}, count)
	for i := 0; i < count; i++ {
		id, err := Generate()
		if err != nil {
			t.Fatalf("Generate() error on iteration %d: %v", i, err)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate ID after %d iterations: %q", i, id)
		}
		seen[id] = struct{}{}
	}
}

func TestForHost(t *testing.T) {
	for _, tc := range []struct {
		host       string
		wantPrefix string
	}{
		{"web-1", "mg-web-1-"},
		{"Web-1.prod.example.com", "mg-web-1-"},
		{"gate_02", "mg-gate02-"},
		{"---", "mg-"},
		{strings.Repeat("a", 40), "mg-" + strings.Repeat("a", maxHostLen) + "-"},
	} {
		t.Run(tc.host, func(t *testing.T) {
			id, err := ForHost(tc.host)
			if err != nil {
				t.Fatalf("ForHost(%q) error: %v", tc.host, err)
			}
			if !strings.HasPrefix(id, tc.wantPrefix) {
				t.Errorf("ForHost(%q) = %q, want prefix %q", tc.host, id, tc.wantPrefix)
			}
			if suffix := id[len(id)-randomLen:]; !regexp.MustCompile(`^[a-z0-9]+$`).MatchString(suffix) {
				t.Errorf("ForHost(%q) = %q, bad random suffix", tc.host, id)
			}
		})
	}
}
