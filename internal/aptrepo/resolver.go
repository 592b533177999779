// Package aptrepo resolves the NVIDIA container toolkit apt repository
// for the target platform.
//
// The vendor feed is occasionally wrong for a given platform: it may
// 404 into an HTML error page, reference a distribution version the
// vendor never published packages for, or simply be unreachable. A
// broken repository definition poisons every later apt operation on
// the host, so resolution never fails outright: it validates what it
// fetched, rewrites known-bad platform strings, and synthesizes a
// known-good template when the feed cannot be trusted.
package aptrepo

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"sentinelctl/internal/fallback"
	"sentinelctl/internal/remote"
)

const (
	// ListPath is where the resolved descriptor is persisted on the
	// host.
	ListPath = "/etc/apt/sources.list.d/nvidia-container-toolkit.list"
	// KeyringPath is the dearmored vendor signing key.
	KeyringPath = "/usr/share/keyrings/nvidia-container-toolkit-keyring.gpg"

	// stagedListPath receives uploaded list content before install
	// moves it into place under root ownership.
	stagedListPath = "/tmp/sentinelctl-nvidia-toolkit.list"

	baseURL   = "https://nvidia.github.io/libnvidia-container"
	gpgKeyURL = baseURL + "/gpgkey"

	// fetchTimeoutSecs bounds the remote curl; the feed host must
	// never be able to hang a convergence run.
	fetchTimeoutSecs = 15
)

// substitutions maps platforms the vendor has no dedicated feed for to
// the nearest older platform known to interoperate.
var substitutions = map[string]string{
	"ubuntu23.04": "ubuntu22.04",
	"ubuntu23.10": "ubuntu22.04",
	"ubuntu24.04": "ubuntu22.04",
	"ubuntu24.10": "ubuntu22.04",
	"debian13":    "debian12",
}

// Resolver produces validated repository descriptors.
type Resolver struct {
	exec remote.Executor
	log  zerolog.Logger
}

// New creates a Resolver.
func New(exec remote.Executor, log zerolog.Logger) *Resolver {
	return &Resolver{exec: exec, log: log.With().Str("component", "aptrepo").Logger()}
}

// Substitute maps a platform identity to the feed identity the vendor
// actually publishes. Platforms without a substitution map to
// themselves.
func Substitute(platform string) string {
	if sub, ok := substitutions[platform]; ok {
		return sub
	}
	return platform
}

// Resolve builds a descriptor for the given platform identity
// (distro id + version id, e.g. "ubuntu24.04") and architecture. The
// vendor feed is fetched with one retry; on failure or invalid content
// the descriptor is synthesized from the static template. The returned
// descriptor never references an unsupported platform string.
func (r *Resolver) Resolve(ctx context.Context, distroID, versionID, arch string) (*Descriptor, error) {
	platform := distroID + versionID
	substituted := Substitute(platform)

	if substituted != platform {
		r.log.Info().
			Str("platform", platform).
			Str("substituted", substituted).
			Msg("vendor has no feed for this platform, substituting")
	}

	feedURL := fmt.Sprintf("%s/%s/libnvidia-container.list", baseURL, substituted)

	fetch := func(ctx context.Context) ([]string, error) {
		return r.fetchFeed(ctx, feedURL, platform, substituted)
	}

	// The feed is tried twice: transient network failures get a
	// bounded single retry before the template takes over.
	strategies := []fallback.Strategy[[]string]{
		{Name: "vendor-feed", Try: fetch},
		{Name: "vendor-feed-retry", Try: fetch},
	}

	lines, source := fallback.Resolve(ctx, r.log, strategies, func() []string {
		return templateLines(substituted, arch)
	})

	desc := &Descriptor{
		Distribution: substituted,
		Architecture: arch,
		KeyringPath:  KeyringPath,
		FeedURL:      feedURL,
		Lines:        lines,
		Source:       source,
	}

	if err := validateLines(desc.Lines); err != nil {
		// Template output is static and always valid; reaching this
		// means the template itself is wrong, which is a bug.
		return nil, err
	}
	return desc, nil
}

// fetchFeed curls the vendor list on the remote host and normalizes it:
// signed-by injection, unsupported-platform rewriting, validation.
func (r *Resolver) fetchFeed(ctx context.Context, url, platform, substituted string) ([]string, error) {
	cmd := fmt.Sprintf("curl -fsSL --max-time %d %q", fetchTimeoutSecs, url)
	res, err := r.exec.Run(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	if !res.OK() {
		return nil, fmt.Errorf("fetch feed: curl exit %d: %s", res.ExitCode, res.Output())
	}

	content := res.Stdout
	if looksLikeErrorPage(content) {
		return nil, fmt.Errorf("fetch feed: response is an error page, not a repository list")
	}

	if platform != substituted {
		content = strings.ReplaceAll(content, platform, substituted)
	}

	lines := entryLines(content)
	for i, line := range lines {
		lines[i] = injectSignedBy(line)
	}

	if err := validateLines(lines); err != nil {
		return nil, err
	}
	return lines, nil
}

// looksLikeErrorPage detects HTML bodies and 404 pages that upstream
// sometimes serves with a 200 status through caches.
func looksLikeErrorPage(content string) bool {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return true
	}
	lower := strings.ToLower(trimmed)
	return strings.HasPrefix(lower, "<!doctype") ||
		strings.HasPrefix(lower, "<html") ||
		strings.Contains(lower, "<head>") ||
		strings.Contains(lower, "404 not found")
}

// injectSignedBy rewrites a bare deb line to reference the vendor
// keyring, matching what the vendor's own install instructions do with
// sed.
func injectSignedBy(line string) string {
	if strings.Contains(line, "signed-by=") {
		return line
	}
	if strings.HasPrefix(line, "deb https://") {
		return "deb [signed-by=" + KeyringPath + "] " + strings.TrimPrefix(line, "deb ")
	}
	return line
}

// templateLines is the static known-good fallback, parameterized the
// same way the fetched feed would be.
func templateLines(substituted, arch string) []string {
	if arch == "" {
		arch = "amd64"
	}
	return []string{
		fmt.Sprintf("deb [signed-by=%s] %s/stable/%s/%s /",
			KeyringPath, baseURL, substituted, arch),
	}
}

// EnsureKeyring installs the vendor signing key if it is not already
// present. Re-running against an installed keyring is a no-op.
func (r *Resolver) EnsureKeyring(ctx context.Context) error {
	res, err := r.exec.Run(ctx, fmt.Sprintf("test -s %q && echo present", KeyringPath))
	if err != nil {
		return err
	}
	if strings.TrimSpace(res.Stdout) == "present" {
		return nil
	}

	cmd := fmt.Sprintf("curl -fsSL --max-time %d %q | sudo gpg --dearmor --yes -o %q",
		fetchTimeoutSecs, gpgKeyURL, KeyringPath)
	res, err = r.exec.Run(ctx, cmd)
	if err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("install keyring: %s", res.Output())
	}
	return nil
}

// Persist writes the descriptor to the host and re-validates what was
// actually persisted. If the on-disk content fails validation it is
// deleted and resynthesized from the template exactly once; a second
// failure is an error, not another retry.
func (r *Resolver) Persist(ctx context.Context, desc *Descriptor) error {
	err := r.writeAndVerify(ctx, desc.Content())
	if err == nil {
		return nil
	}
	r.log.Warn().Err(err).Msg("persisted repository list failed validation, resynthesizing")

	if res, runErr := r.exec.Run(ctx, fmt.Sprintf("sudo rm -f %q", ListPath)); runErr != nil {
		return runErr
	} else if !res.OK() {
		return fmt.Errorf("remove invalid list: %s", res.Output())
	}

	synth := templateLines(desc.Distribution, desc.Architecture)
	if err := r.writeAndVerify(ctx, strings.Join(synth, "\n")+"\n"); err != nil {
		return fmt.Errorf("resynthesized repository list still invalid: %w", err)
	}

	desc.Lines = synth
	desc.Source = fallback.Synthesized
	return nil
}

// writeAndVerify stages the list through an upload and moves it into
// place. The list content never appears inside a shell command line;
// vendor feed lines contain $(ARCH), which a shell would expand.
func (r *Resolver) writeAndVerify(ctx context.Context, content string) error {
	if err := r.exec.Upload(ctx, []byte(content), stagedListPath, 0o644); err != nil {
		return err
	}
	cmd := fmt.Sprintf("sudo install -D -m 644 %q %q && rm -f %q", stagedListPath, ListPath, stagedListPath)
	res, err := r.exec.Run(ctx, cmd)
	if err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("write repository list: %s", res.Output())
	}

	res, err = r.exec.Run(ctx, fmt.Sprintf("cat %q", ListPath))
	if err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("read back repository list: %s", res.Output())
	}

	return validateLines(entryLines(res.Stdout))
}
