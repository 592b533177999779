// Package compose reads the declarative multi-service definition file
// so the pipeline can name services in status output and validate
// log-tail targets.
package compose

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// File is the subset of a compose definition sentinelctl cares about.
type File struct {
	Services map[string]Service `yaml:"services"`
}

// Service carries the per-service fields used for reporting.
type Service struct {
	Image         string   `yaml:"image,omitempty"`
	ContainerName string   `yaml:"container_name,omitempty"`
	Restart       string   `yaml:"restart,omitempty"`
	DependsOn     []string `yaml:"depends_on,omitempty"`
	Deploy        *Deploy  `yaml:"deploy,omitempty"`
}

// Deploy holds resource reservations; GPU access shows up here.
type Deploy struct {
	Resources struct {
		Reservations struct {
			Devices []Device `yaml:"devices,omitempty"`
		} `yaml:"reservations"`
	} `yaml:"resources"`
}

// Device is one reserved device entry.
type Device struct {
	Driver       string   `yaml:"driver,omitempty"`
	Capabilities []string `yaml:"capabilities,omitempty"`
}

// Load parses a compose file from the local tree.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read compose file: %w", err)
	}
	return Parse(data)
}

// Parse parses compose file content.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse compose file: %w", err)
	}
	if len(f.Services) == 0 {
		return nil, fmt.Errorf("compose file defines no services")
	}
	return &f, nil
}

// ServiceNames returns the defined services in stable order.
func (f *File) ServiceNames() []string {
	names := make([]string, 0, len(f.Services))
	for name := range f.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasService reports whether the definition names the service.
func (f *File) HasService(name string) bool {
	_, ok := f.Services[name]
	return ok
}

// GPUServices returns services that reserve GPU devices.
func (f *File) GPUServices() []string {
	var names []string
	for name, svc := range f.Services {
		if svc.Deploy == nil {
			continue
		}
		for _, dev := range svc.Deploy.Resources.Reservations.Devices {
			for _, capability := range dev.Capabilities {
				if capability == "gpu" {
					names = append(names, name)
				}
			}
		}
	}
	sort.Strings(names)
	return names
}
