package trigger

import "testing"

func TestBranchMatchesExcludeWins(t *testing.T) {
	filter := BranchFilter{
		Include: []string{"main", "feature/*"},
		Exclude: []string{"dependabot/*"},
	}
	if BranchMatches("dependabot/npm/foo", filter) {
		t.Fatalf("excluded branch should not match")
	}
	if !BranchMatches("feature/login", filter) {
		t.Fatalf("feature branch should match")
	}
	if BranchMatches("hotfix/1", filter) {
		t.Fatalf("branch outside include list should not match")
	}

	filter.Include = []string{"*"}
	if BranchMatches("dependabot/npm/foo", filter) {
		t.Fatalf("exclude must apply even with a catch-all include")
	}
}

func TestMatchGlob(t *testing.T) {
	cases := []struct {
		pattern, value string
		want           bool
	}{
		{"main", "main", true},
		{"main", "main2", false},
		{"feature/*", "feature/a/b", true},
		{"*-preview", "web-preview", true},
		{"release.*", "release.1", true},
		{"release.*", "releasex1", false},
		{"*", "", true},
	}
	for _, tc := range cases {
		if got := MatchGlob(tc.pattern, tc.value); got != tc.want {
			t.Fatalf("MatchGlob(%q, %q) = %v, want %v", tc.pattern, tc.value, got, tc.want)
		}
	}
}
