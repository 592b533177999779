package aptrepo

import (
	"fmt"
	"strings"
)

// Descriptor is the resolved package-repository definition for the GPU
// container toolkit feed. Lines always begin with a valid repository
// entry marker and never reference a platform the vendor does not
// publish for.
type Descriptor struct {
	// Distribution is the feed identity actually used, after any
	// substitution (e.g. ubuntu22.04 standing in for ubuntu24.04).
	Distribution string
	Architecture string
	KeyringPath  string
	FeedURL      string
	// Lines are the repository entry lines to persist.
	Lines []string
	// Source names the resolution strategy that produced the lines.
	Source string
}

// Content renders the descriptor as a sources.list.d file body.
func (d *Descriptor) Content() string {
	return strings.Join(d.Lines, "\n") + "\n"
}

// validateLines checks the repository-entry invariants: at least one
// line, every line starts with the deb marker, and no line mentions a
// platform the vendor feed is known not to support.
func validateLines(lines []string) error {
	if len(lines) == 0 {
		return fmt.Errorf("aptrepo: no repository entry lines")
	}
	for _, line := range lines {
		if !strings.HasPrefix(line, "deb ") && !strings.HasPrefix(line, "deb [") {
			return fmt.Errorf("aptrepo: malformed entry line %q", line)
		}
		for bad := range substitutions {
			if strings.Contains(line, bad) {
				return fmt.Errorf("aptrepo: entry references unsupported platform %s", bad)
			}
		}
	}
	return nil
}

// entryLines extracts non-comment, non-blank lines from feed content.
func entryLines(content string) []string {
	var lines []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}
