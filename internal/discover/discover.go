// Package discover scans a network range for hosts that look like
// provisioning candidates: SSH reachable, optionally already running a
// container engine. Read-only preflight; nothing here touches a host.
package discover

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	nmap "github.com/Ullaakut/nmap/v3"
	"github.com/rs/zerolog"
)

// candidatePorts are what distinguishes a provisionable host: SSH for
// access, the rest hint at an engine or services already running.
const candidatePorts = "22,80,443,2375,2376,8080,9100"

// Host is one discovered candidate.
type Host struct {
	IP        string
	Hostname  string
	OpenPorts []int
	// SSHReady means port 22 answered; the minimum bar for managing
	// the host.
	SSHReady bool
}

// Scanner finds candidate hosts on a network.
type Scanner struct {
	timeout time.Duration
	log     zerolog.Logger

	// run is swapped out in tests.
	run func(ctx context.Context, target string) (*nmap.Run, error)
}

// NewScanner creates a Scanner.
func NewScanner(log zerolog.Logger) *Scanner {
	s := &Scanner{
		timeout: 5 * time.Minute,
		log:     log.With().Str("component", "discover").Logger(),
	}
	s.run = s.runNmap
	return s
}

// Scan probes the CIDR (or single address) and returns candidates
// sorted by IP, SSH-reachable hosts first.
func (s *Scanner) Scan(ctx context.Context, target string) ([]Host, error) {
	target, err := normalizeTarget(target)
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("target", target).Msg("scanning for candidate hosts")
	result, err := s.run(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", target, err)
	}

	hosts := collectHosts(result)
	s.log.Info().Int("hosts", len(hosts)).Msg("scan complete")
	return hosts, nil
}

func (s *Scanner) runNmap(ctx context.Context, target string) (*nmap.Run, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	scanner, err := nmap.NewScanner(
		ctx,
		nmap.WithTargets(target),
		nmap.WithPorts(candidatePorts),
	)
	if err != nil {
		return nil, fmt.Errorf("create scanner: %w", err)
	}

	result, warnings, err := scanner.Run()
	if err != nil {
		return nil, err
	}
	if warnings != nil && len(*warnings) > 0 {
		s.log.Debug().Strs("warnings", *warnings).Msg("scan warnings")
	}
	return result, nil
}

// collectHosts converts raw scan output into candidates.
func collectHosts(result *nmap.Run) []Host {
	if result == nil {
		return nil
	}

	var hosts []Host
	for _, h := range result.Hosts {
		if h.Status.State != "up" || len(h.Addresses) == 0 {
			continue
		}

		host := Host{}
		for _, addr := range h.Addresses {
			if addr.AddrType == "ipv4" {
				host.IP = addr.Addr
				break
			}
		}
		if host.IP == "" {
			host.IP = h.Addresses[0].Addr
		}
		if len(h.Hostnames) > 0 {
			host.Hostname = h.Hostnames[0].Name
		}

		for _, port := range h.Ports {
			if port.State.State != "open" {
				continue
			}
			host.OpenPorts = append(host.OpenPorts, int(port.ID))
			if port.ID == 22 {
				host.SSHReady = true
			}
		}

		if len(host.OpenPorts) > 0 {
			hosts = append(hosts, host)
		}
	}

	sort.Slice(hosts, func(i, j int) bool {
		if hosts[i].SSHReady != hosts[j].SSHReady {
			return hosts[i].SSHReady
		}
		return hosts[i].IP < hosts[j].IP
	})
	return hosts
}

// normalizeTarget validates a CIDR or bare address.
func normalizeTarget(target string) (string, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", fmt.Errorf("empty scan target")
	}
	if strings.Contains(target, "/") {
		_, ipNet, err := net.ParseCIDR(target)
		if err != nil {
			return "", fmt.Errorf("invalid CIDR %q: %w", target, err)
		}
		return ipNet.String(), nil
	}
	return target, nil
}
