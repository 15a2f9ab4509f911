package domain

import "testing"

func TestSameTarget(t *testing.T) {
	base := Deployment{Source: SourceGitHub, PRNumber: IntPtr(42), Branch: "feature/x", Environment: "preview"}

	cases := []struct {
		name  string
		other Deployment
		want  bool
	}{
		{"same pr different commit", Deployment{Source: SourceGitHub, PRNumber: IntPtr(42), CommitHash: "def", Environment: "preview"}, true},
		{"same branch no pr", Deployment{Source: SourceGitHub, Branch: "feature/x", Environment: "preview"}, true},
		{"different environment", Deployment{Source: SourceGitHub, PRNumber: IntPtr(42), Environment: "production"}, false},
		{"different source", Deployment{Source: SourceGitLab, PRNumber: IntPtr(42), Environment: "preview"}, false},
		{"different pr and branch", Deployment{Source: SourceGitHub, PRNumber: IntPtr(43), Branch: "feature/y", Environment: "preview"}, false},
		{"different repository", Deployment{Source: SourceGitHub, Repository: "acme/api", PRNumber: IntPtr(42), Environment: "preview"}, false},
	}
	for _, tc := range cases {
		if got := base.SameTarget(tc.other); got != tc.want {
			t.Fatalf("%s: SameTarget = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestSameRepository(t *testing.T) {
	web := Deployment{Repository: "acme/web", RepoID: "1"}
	if !web.SameRepository(Deployment{Repository: "acme/web-renamed", RepoID: "1"}) {
		t.Fatalf("matching ids should win over names")
	}
	if web.SameRepository(Deployment{Repository: "acme/web", RepoID: "2"}) {
		t.Fatalf("different ids are different repositories")
	}
	if !web.SameRepository(Deployment{Repository: "acme/web"}) {
		t.Fatalf("names should be compared when an id is missing")
	}
	if web.SameRepository(Deployment{Repository: "acme/api"}) {
		t.Fatalf("different names are different repositories")
	}
}

func TestIdentityPrefersPRNumber(t *testing.T) {
	if got := (Deployment{PRNumber: IntPtr(7), Branch: "main"}).Identity(); got != "pr-7" {
		t.Fatalf("unexpected identity %q", got)
	}
	if got := (Deployment{Branch: "main"}).Identity(); got != "main" {
		t.Fatalf("unexpected identity %q", got)
	}
}
