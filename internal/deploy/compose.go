// Package deploy plans and executes container and Compose-style stack
// rollouts, directly against an engine or delegated to an agent.
package deploy

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/darthnorse/dockmon/internal/derr"
)

// ComposeFile is the subset of the Compose format the deployer understands.
type ComposeFile struct {
	Services map[string]*Service `yaml:"services"`
	Networks map[string]*Network `yaml:"networks"`
	Volumes  map[string]*Volume  `yaml:"volumes"`
}

// Service is one deployable container definition.
type Service struct {
	Image         string       `yaml:"image"`
	Build         yaml.Node    `yaml:"build"`
	ContainerName string       `yaml:"container_name"`
	Command       StringList   `yaml:"command"`
	Entrypoint    StringList   `yaml:"entrypoint"`
	Environment   StringMap    `yaml:"environment"`
	Labels        StringMap    `yaml:"labels"`
	Ports         []string     `yaml:"ports"`
	Volumes       []string     `yaml:"volumes"`
	Networks      NameList     `yaml:"networks"`
	DependsOn     NameList     `yaml:"depends_on"`
	Restart       string       `yaml:"restart"`
	Healthcheck   *Healthcheck `yaml:"healthcheck"`
	Profiles      []string     `yaml:"profiles"`
	User          string       `yaml:"user"`
	WorkingDir    string       `yaml:"working_dir"`
	Privileged    bool         `yaml:"privileged"`
}

// Network is a top-level compose network.
type Network struct {
	External bool   `yaml:"external"`
	Driver   string `yaml:"driver"`
	Name     string `yaml:"name"`
}

// Volume is a top-level compose volume.
type Volume struct {
	External bool   `yaml:"external"`
	Name     string `yaml:"name"`
}

// Healthcheck mirrors the compose healthcheck block. Durations use compose
// notation ("10s", "1m").
type Healthcheck struct {
	Test        StringList `yaml:"test"`
	Interval    string     `yaml:"interval"`
	Timeout     string     `yaml:"timeout"`
	Retries     int        `yaml:"retries"`
	StartPeriod string     `yaml:"start_period"`
	Disable     bool       `yaml:"disable"`
}

// StringList accepts both the scalar and the sequence YAML forms.
type StringList []string

func (l *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		*l = strings.Fields(s)
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		*l = items
		return nil
	}
	return fmt.Errorf("line %d: expected string or list", node.Line)
}

// StringMap accepts both the mapping form and the KEY=VALUE list form.
type StringMap map[string]string

func (m *StringMap) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.MappingNode:
		out := make(map[string]string)
		if err := node.Decode(&out); err != nil {
			return err
		}
		*m = out
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		out := make(map[string]string, len(items))
		for _, item := range items {
			key, val, _ := strings.Cut(item, "=")
			out[key] = val
		}
		*m = out
		return nil
	}
	return fmt.Errorf("line %d: expected map or list", node.Line)
}

// NameList accepts a sequence of names or a mapping whose keys are the
// names (compose long syntax). Mapping values are ignored.
type NameList []string

func (l *NameList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		*l = items
		return nil
	case yaml.MappingNode:
		names := make([]string, 0, len(node.Content)/2)
		for i := 0; i < len(node.Content); i += 2 {
			names = append(names, node.Content[i].Value)
		}
		sort.Strings(names)
		*l = names
		return nil
	}
	return fmt.Errorf("line %d: expected list or map", node.Line)
}

// ParseCompose decodes and validates a compose document. Build directives
// are rejected; every selected service must name an image.
func ParseCompose(doc []byte) (*ComposeFile, error) {
	var cf ComposeFile
	if err := yaml.Unmarshal(doc, &cf); err != nil {
		return nil, derr.Validationf("parse compose document: %v", err)
	}
	if len(cf.Services) == 0 {
		return nil, derr.Validationf("compose document defines no services")
	}
	for name, svc := range cf.Services {
		if svc == nil {
			return nil, derr.Validationf("service %s is empty", name)
		}
		if !svc.Build.IsZero() {
			return nil, derr.Validationf("service %s uses build, which is not supported", name)
		}
		if svc.Image == "" {
			return nil, derr.Validationf("service %s has no image", name)
		}
	}
	return &cf, nil
}

// selectServices filters services by the requested profiles. A service with
// no profiles is always selected; otherwise at least one profile must match.
func selectServices(cf *ComposeFile, profiles []string) map[string]*Service {
	requested := make(map[string]bool, len(profiles))
	for _, p := range profiles {
		requested[p] = true
	}
	out := make(map[string]*Service, len(cf.Services))
	for name, svc := range cf.Services {
		if len(svc.Profiles) == 0 {
			out[name] = svc
			continue
		}
		for _, p := range svc.Profiles {
			if requested[p] {
				out[name] = svc
				break
			}
		}
	}
	return out
}
