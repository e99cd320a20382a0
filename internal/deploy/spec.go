package deploy

import (
	"fmt"
	"sort"
	"time"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"

	"github.com/darthnorse/dockmon/internal/derr"
	"github.com/darthnorse/dockmon/internal/docker"
)

// containerSpec is the fully mapped create request for one service.
type containerSpec struct {
	Name    string
	Config  *container.Config
	HostCfg *container.HostConfig
	NetCfg  *network.NetworkingConfig
}

// buildSpec maps a compose service onto engine create parameters. project
// prefixes generated container names; netNames resolves compose network
// keys to their engine names.
func buildSpec(project, svcName string, svc *Service, netNames map[string]string) (*containerSpec, error) {
	name := svc.ContainerName
	if name == "" {
		name = project + "-" + svcName
	}

	env := make([]string, 0, len(svc.Environment))
	for k, v := range svc.Environment {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	exposed, bindings, err := docker.ParsePortSpecs(svc.Ports)
	if err != nil {
		return nil, derr.Validationf("service %s: %v", svcName, err)
	}

	cfg := &container.Config{
		Image:        svc.Image,
		Env:          env,
		Cmd:          []string(svc.Command),
		Entrypoint:   []string(svc.Entrypoint),
		Labels:       map[string]string(svc.Labels),
		User:         svc.User,
		WorkingDir:   svc.WorkingDir,
		ExposedPorts: exposed,
	}
	if svc.Healthcheck != nil && !svc.Healthcheck.Disable {
		hc, err := buildHealthcheck(svc.Healthcheck)
		if err != nil {
			return nil, derr.Validationf("service %s: %v", svcName, err)
		}
		cfg.Healthcheck = hc
	}

	hostCfg := &container.HostConfig{
		Binds:        svc.Volumes,
		PortBindings: bindings,
		Privileged:   svc.Privileged,
	}
	if svc.Restart != "" {
		hostCfg.RestartPolicy = container.RestartPolicy{Name: container.RestartPolicyMode(svc.Restart)}
	}

	var netCfg *network.NetworkingConfig
	if len(svc.Networks) > 0 {
		endpoints := make(map[string]*network.EndpointSettings, len(svc.Networks))
		for _, n := range svc.Networks {
			resolved := n
			if r, ok := netNames[n]; ok {
				resolved = r
			}
			endpoints[resolved] = &network.EndpointSettings{Aliases: []string{svcName}}
		}
		netCfg = &network.NetworkingConfig{EndpointsConfig: endpoints}
	}

	return &containerSpec{Name: name, Config: cfg, HostCfg: hostCfg, NetCfg: netCfg}, nil
}

func buildHealthcheck(hc *Healthcheck) (*container.HealthConfig, error) {
	out := &container.HealthConfig{
		Test:    []string(hc.Test),
		Retries: hc.Retries,
	}
	var err error
	if out.Interval, err = composeDuration(hc.Interval); err != nil {
		return nil, fmt.Errorf("healthcheck interval: %w", err)
	}
	if out.Timeout, err = composeDuration(hc.Timeout); err != nil {
		return nil, fmt.Errorf("healthcheck timeout: %w", err)
	}
	if out.StartPeriod, err = composeDuration(hc.StartPeriod); err != nil {
		return nil, fmt.Errorf("healthcheck start_period: %w", err)
	}
	return out, nil
}

func composeDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// networkNameMap resolves compose network keys to engine network names,
// honoring explicit name overrides.
func networkNameMap(cf *ComposeFile) map[string]string {
	out := make(map[string]string, len(cf.Networks))
	for key, net := range cf.Networks {
		if net != nil && net.Name != "" {
			out[key] = net.Name
		} else {
			out[key] = key
		}
	}
	return out
}
