// Package daemoncfg merges required keys into the container engine's
// daemon configuration file without disturbing anything else in it.
//
// The file is shared mutable state: the GPU toolkit's configure command
// rewrites it, operators hand-edit it, and this package adds the keys
// the deployment needs (DNS resolvers, runtime registration, feature
// toggles). Unrelated keys are preserved verbatim, the file is backed
// up before writing, and every write is verified by reading it back.
package daemoncfg

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/jsonc"

	"sentinelctl/internal/remote"
)

// Path is the fixed daemon configuration location.
const Path = "/etc/docker/daemon.json"

// stagedPath receives uploaded content before install moves it into
// place under root ownership.
const stagedPath = "/tmp/sentinelctl-daemon.json"

// Document is a parsed daemon configuration.
type Document map[string]any

// Parse reads daemon.json content. Comments and trailing commas are
// tolerated, and malformed or empty content yields an empty document
// rather than an error: a broken file is state to converge away from.
func Parse(data []byte) Document {
	if len(data) == 0 {
		return Document{}
	}

	doc := Document{}
	if err := json.Unmarshal(jsonc.ToJSON(data), &doc); err != nil {
		return Document{}
	}
	return doc
}

// Merge applies the required fragment onto the existing document.
// Scalar and array fragment values overwrite; nested objects merge
// recursively; keys absent from the fragment are preserved. Merging
// the same fragment twice is a no-op after the first.
func Merge(existing Document, fragment Document) Document {
	merged := Document{}
	for k, v := range existing {
		merged[k] = v
	}

	for k, v := range fragment {
		fragMap, fragIsMap := v.(map[string]any)
		exMap, exIsMap := merged[k].(map[string]any)
		if fragIsMap && exIsMap {
			merged[k] = map[string]any(Merge(exMap, fragMap))
			continue
		}
		merged[k] = v
	}

	return merged
}

// Render marshals a document in canonical form: two-space indent,
// sorted keys, trailing newline. Canonical output is what makes the
// merge byte-idempotent.
func Render(doc Document) ([]byte, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("render daemon config: %w", err)
	}
	return append(data, '\n'), nil
}

// Merger applies fragments to the daemon configuration on a host.
type Merger struct {
	exec remote.Executor
	log  zerolog.Logger
	now  func() time.Time
}

// New creates a Merger.
func New(exec remote.Executor, log zerolog.Logger) *Merger {
	return &Merger{
		exec: exec,
		log:  log.With().Str("component", "daemoncfg").Logger(),
		now:  time.Now,
	}
}

// Apply merges the fragment into the host's daemon.json and reports
// whether the file was rewritten. The prior file is backed up with a
// timestamp suffix before the write, and the write is verified by
// reading the file back and checking that every top-level fragment key
// is present. No write happens when the merged content equals what is
// already on disk.
func (m *Merger) Apply(ctx context.Context, fragment Document) (bool, error) {
	existingRaw, exists := m.read(ctx)
	existing := Parse(existingRaw)

	merged := Merge(existing, fragment)
	rendered, err := Render(merged)
	if err != nil {
		return false, err
	}

	if exists && string(rendered) == string(existingRaw) {
		m.log.Debug().Msg("daemon config already converged, no write")
		return false, nil
	}

	if exists {
		backup := fmt.Sprintf("%s.bak.%s", Path, m.now().Format("20060102-150405"))
		res, err := m.exec.Run(ctx, fmt.Sprintf("sudo cp -p %q %q", Path, backup))
		if err != nil {
			return false, err
		}
		if !res.OK() {
			return false, fmt.Errorf("backup daemon config: %s", res.Output())
		}
		m.log.Info().Str("backup", backup).Msg("daemon config backed up")
	}

	if err := m.write(ctx, rendered); err != nil {
		return false, err
	}

	return true, m.verify(ctx, fragment)
}

func (m *Merger) read(ctx context.Context) ([]byte, bool) {
	res, err := m.exec.Run(ctx, fmt.Sprintf("cat %q 2>/dev/null", Path))
	if err != nil || !res.OK() {
		return nil, false
	}
	return []byte(res.Stdout), true
}

// write stages the content through an upload and moves it into place.
// The rendered document never appears inside a shell command line, so
// nothing in it can be interpreted by the remote shell.
func (m *Merger) write(ctx context.Context, content []byte) error {
	if err := m.exec.Upload(ctx, content, stagedPath, 0o644); err != nil {
		return err
	}
	cmd := fmt.Sprintf("sudo install -D -m 644 %q %q && rm -f %q", stagedPath, Path, stagedPath)
	res, err := m.exec.Run(ctx, cmd)
	if err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("write daemon config: %s", res.Output())
	}
	return nil
}

// verify re-reads the file and confirms the fragment's top-level keys
// survived the write.
func (m *Merger) verify(ctx context.Context, fragment Document) error {
	raw, exists := m.read(ctx)
	if !exists {
		return fmt.Errorf("daemon config missing after write")
	}

	doc := Document{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("daemon config unparseable after write: %w", err)
	}

	for key := range fragment {
		if _, ok := doc[key]; !ok {
			return fmt.Errorf("daemon config missing required key %q after write", key)
		}
	}
	return nil
}
