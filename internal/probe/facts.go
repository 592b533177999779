package probe

import (
	"strings"
)

// Facts is a point-in-time snapshot of the remote host, recomputed on
// every probe cycle and never persisted across runs. Absent components
// are represented by empty version strings.
type Facts struct {
	Hostname     string
	DistroID     string // e.g. "ubuntu"
	VersionID    string // e.g. "22.04"
	Codename     string // e.g. "jammy"
	Architecture string // dpkg notation: amd64, arm64
	Kernel       string

	DockerVersion  string
	ComposeVersion string
	BuildxVersion  string

	GPUPresent    bool   // PCI device visible
	DriverVersion string // nvidia-smi answered
	CTKVersion    string // nvidia-ctk present
}

// HasDocker reports whether the container engine responded.
func (f *Facts) HasDocker() bool { return f.DockerVersion != "" }

// HasCompose reports whether the compose plugin responded.
func (f *Facts) HasCompose() bool { return f.ComposeVersion != "" }

// HasBuildx reports whether the buildx plugin responded.
func (f *Facts) HasBuildx() bool { return f.BuildxVersion != "" }

// DriverActive reports whether the GPU driver answered a query. A GPU
// can be present with an inactive driver (install pending reboot).
func (f *Facts) DriverActive() bool { return f.DriverVersion != "" }

// HasCTK reports whether the NVIDIA container toolkit is installed.
func (f *Facts) HasCTK() bool { return f.CTKVersion != "" }

// Platform returns the vendor feed identity string, e.g. "ubuntu22.04".
func (f *Facts) Platform() string {
	return f.DistroID + f.VersionID
}

// parseOSRelease extracts identity fields from /etc/os-release content.
// Format: KEY=value or KEY="value", one per line.
func parseOSRelease(output string, facts *Facts) {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"'`)

		switch strings.TrimSpace(key) {
		case "ID":
			facts.DistroID = value
		case "VERSION_ID":
			facts.VersionID = value
		case "VERSION_CODENAME":
			facts.Codename = value
		}
	}
}

// parseDockerVersion pulls the bare version out of
// "Docker version 27.3.1, build ce12230".
func parseDockerVersion(output string) string {
	output = strings.TrimSpace(output)
	if output == "" {
		return ""
	}

	parts := strings.Fields(output)
	for i, part := range parts {
		if part == "version" && i+1 < len(parts) {
			return strings.TrimSuffix(parts[i+1], ",")
		}
	}
	return ""
}

// parseBuildxVersion pulls the version out of
// "github.com/docker/buildx v0.17.1 257815a".
func parseBuildxVersion(output string) string {
	output = strings.TrimSpace(output)
	if output == "" {
		return ""
	}

	for _, part := range strings.Fields(output) {
		if strings.HasPrefix(part, "v") && strings.Contains(part, ".") {
			return strings.TrimPrefix(part, "v")
		}
	}
	return ""
}
