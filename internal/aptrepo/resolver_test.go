package aptrepo

import (
	"context"
	"strings"
	"testing"

	"sentinelctl/internal/fallback"
	"sentinelctl/internal/logging"
	"sentinelctl/internal/remote"
	"sentinelctl/internal/remote/remotetest"
)

const goodFeed = `#deb https://nvidia.github.io/libnvidia-container/stable/ubuntu18.04/$(ARCH) /
deb https://nvidia.github.io/libnvidia-container/stable/ubuntu22.04/$(ARCH) /
`

const htmlFeed = `<!DOCTYPE html>
<html><head><title>404 Not Found</title></head>
<body>404 Not Found</body></html>
`

func TestSubstitute(t *testing.T) {
	tests := []struct {
		platform string
		want     string
	}{
		{"ubuntu24.04", "ubuntu22.04"},
		{"ubuntu23.10", "ubuntu22.04"},
		{"ubuntu22.04", "ubuntu22.04"},
		{"ubuntu20.04", "ubuntu20.04"},
		{"debian13", "debian12"},
	}

	for _, tt := range tests {
		if got := Substitute(tt.platform); got != tt.want {
			t.Errorf("Substitute(%q) = %q, want %q", tt.platform, got, tt.want)
		}
	}
}

func TestResolveFromVendorFeed(t *testing.T) {
	fake := remotetest.NewFake(
		remotetest.Rule{Contains: "curl", Result: remote.Result{Stdout: goodFeed}},
	)

	desc, err := New(fake, logging.Discard()).Resolve(context.Background(), "ubuntu", "22.04", "amd64")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if desc.Source != "vendor-feed" {
		t.Errorf("Source = %q, want vendor-feed", desc.Source)
	}
	if len(desc.Lines) != 1 {
		t.Fatalf("Lines = %v, want exactly the one entry line", desc.Lines)
	}
	if !strings.HasPrefix(desc.Lines[0], "deb [signed-by="+KeyringPath+"]") {
		t.Errorf("signed-by not injected: %q", desc.Lines[0])
	}
}

func TestResolveRewritesUnsupportedVersion(t *testing.T) {
	// Feed body wrongly references the unsupported platform; resolution
	// must rewrite it, and the result must never echo it back.
	badFeed := strings.ReplaceAll(goodFeed, "ubuntu22.04", "ubuntu24.04")
	fake := remotetest.NewFake(
		remotetest.Rule{Contains: "curl", Result: remote.Result{Stdout: badFeed}},
	)

	desc, err := New(fake, logging.Discard()).Resolve(context.Background(), "ubuntu", "24.04", "amd64")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if desc.Distribution != "ubuntu22.04" {
		t.Errorf("Distribution = %q, want ubuntu22.04", desc.Distribution)
	}
	for _, line := range desc.Lines {
		if strings.Contains(line, "ubuntu24.04") {
			t.Errorf("descriptor still references unsupported platform: %q", line)
		}
	}
}

func TestResolveHTMLBodyFallsBackToTemplate(t *testing.T) {
	fake := remotetest.NewFake(
		remotetest.Rule{Contains: "curl", Result: remote.Result{Stdout: htmlFeed}},
	)

	desc, err := New(fake, logging.Discard()).Resolve(context.Background(), "ubuntu", "24.04", "amd64")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if desc.Source != fallback.Synthesized {
		t.Errorf("Source = %q, want %q", desc.Source, fallback.Synthesized)
	}
	if !strings.HasPrefix(desc.Lines[0], "deb ") {
		t.Errorf("template line missing entry marker: %q", desc.Lines[0])
	}
	if !strings.Contains(desc.Lines[0], "ubuntu22.04") {
		t.Errorf("template not parameterized by substituted platform: %q", desc.Lines[0])
	}

	// One retry, then fallback: exactly two fetch attempts.
	if got := fake.CountRan("curl"); got != 2 {
		t.Errorf("fetch attempts = %d, want 2", got)
	}
}

func TestResolveFetchErrorRetriesOnce(t *testing.T) {
	calls := 0
	fake := remotetest.NewFake(
		remotetest.Rule{Contains: "curl", Fn: func(string) (remote.Result, error) {
			calls++
			if calls == 1 {
				return remote.Result{ExitCode: 28, Stderr: "curl: (28) timed out"}, nil
			}
			return remote.Result{Stdout: goodFeed}, nil
		}},
	)

	desc, err := New(fake, logging.Discard()).Resolve(context.Background(), "ubuntu", "22.04", "amd64")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if desc.Source != "vendor-feed-retry" {
		t.Errorf("Source = %q, want vendor-feed-retry", desc.Source)
	}
}

func TestValidateLines(t *testing.T) {
	tests := []struct {
		name  string
		lines []string
		ok    bool
	}{
		{"empty", nil, false},
		{"good bare", []string{"deb https://example.com/repo stable main"}, true},
		{"good options", []string{"deb [signed-by=/k.gpg] https://example.com/repo stable main"}, true},
		{"garbage", []string{"<html>"}, false},
		{"unsupported platform", []string{"deb https://example.com/ubuntu24.04/x /"}, false},
	}

	for _, tt := range tests {
		err := validateLines(tt.lines)
		if (err == nil) != tt.ok {
			t.Errorf("%s: validateLines = %v, want ok=%v", tt.name, err, tt.ok)
		}
	}
}

func TestPersistResynthesizesOnce(t *testing.T) {
	// The host mangles whatever we write; read-back returns garbage the
	// first time and the synthesized template afterward.
	wrote := 0
	fake := remotetest.NewFake(
		remotetest.Rule{Contains: "sudo install -D", Fn: func(string) (remote.Result, error) {
			wrote++
			return remote.Result{}, nil
		}},
		remotetest.Rule{Contains: "cat", Fn: func(string) (remote.Result, error) {
			if wrote == 1 {
				return remote.Result{Stdout: "corrupted nonsense\n"}, nil
			}
			return remote.Result{Stdout: templateLines("ubuntu22.04", "amd64")[0] + "\n"}, nil
		}},
	)

	r := New(fake, logging.Discard())
	desc := &Descriptor{
		Distribution: "ubuntu22.04",
		Architecture: "amd64",
		Lines:        templateLines("ubuntu22.04", "amd64"),
		Source:       "vendor-feed",
	}

	if err := r.Persist(context.Background(), desc); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if wrote != 2 {
		t.Errorf("writes = %d, want 2 (original + one resynthesis)", wrote)
	}
	if desc.Source != fallback.Synthesized {
		t.Errorf("Source = %q, want synthesized after recovery", desc.Source)
	}
	if !fake.Ran("sudo rm -f") {
		t.Error("invalid persisted list should be deleted before resynthesis")
	}
}

func TestPersistGivesUpAfterOneResynthesis(t *testing.T) {
	fake := remotetest.NewFake(
		remotetest.Rule{Contains: "cat", Result: remote.Result{Stdout: "still corrupted\n"}},
	)

	r := New(fake, logging.Discard())
	desc := &Descriptor{
		Distribution: "ubuntu22.04",
		Architecture: "amd64",
		Lines:        templateLines("ubuntu22.04", "amd64"),
	}

	if err := r.Persist(context.Background(), desc); err == nil {
		t.Fatal("Persist should fail when resynthesis also persists invalid content")
	}
	// Exactly two write attempts: no infinite retry.
	if got := fake.CountRan("sudo install -D"); got != 2 {
		t.Errorf("writes = %d, want 2", got)
	}
}

func TestPersistStagesContentOutsideTheShell(t *testing.T) {
	// Vendor feed lines carry $(ARCH), which a shell would expand as a
	// command substitution; the read-back must see the staged bytes
	// verbatim.
	var fake *remotetest.Fake
	fake = remotetest.NewFake(
		remotetest.Rule{Contains: "cat", Fn: func(string) (remote.Result, error) {
			return remote.Result{Stdout: string(fake.Uploads[stagedListPath])}, nil
		}},
	)

	line := "deb [signed-by=" + KeyringPath + "] " + baseURL + "/stable/deb/$(ARCH) /"
	r := New(fake, logging.Discard())
	desc := &Descriptor{
		Distribution: "ubuntu22.04",
		Architecture: "amd64",
		Lines:        []string{line},
		Source:       "vendor-feed",
	}

	if err := r.Persist(context.Background(), desc); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	if got := string(fake.Uploads[stagedListPath]); got != desc.Content() {
		t.Errorf("staged list = %q, want %q", got, desc.Content())
	}
	for _, cmd := range fake.Commands {
		if strings.Contains(cmd, "$(ARCH)") {
			t.Errorf("list content leaked into a shell command line: %q", cmd)
		}
	}
}
