package deploy

import (
	"sort"

	"github.com/darthnorse/dockmon/internal/derr"
)

// Plan is the ordered work list for one stack rollout. Groups are service
// batches whose dependencies are satisfied by earlier groups; services
// within a group may run in parallel.
type Plan struct {
	Networks         []string // creation order, non-external only
	ExternalNetworks []string
	Volumes          []string // named, non-external
	Groups           [][]string
	Services         map[string]*Service
}

// TotalServices is the service count across all groups.
func (p *Plan) TotalServices() int {
	n := 0
	for _, g := range p.Groups {
		n += len(g)
	}
	return n
}

// BuildPlan validates dependencies and produces the execution order via
// topological grouping. Cycles and references to unknown or deselected
// services are rejected.
func BuildPlan(cf *ComposeFile, profiles []string) (*Plan, error) {
	services := selectServices(cf, profiles)
	if len(services) == 0 {
		return nil, derr.Validationf("no services selected for profiles %v", profiles)
	}

	indegree := make(map[string]int, len(services))
	dependents := make(map[string][]string, len(services))
	for name := range services {
		indegree[name] = 0
	}
	for name, svc := range services {
		for _, dep := range svc.DependsOn {
			if _, ok := services[dep]; !ok {
				return nil, derr.Validationf("service %s depends on unknown service %s", name, dep)
			}
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var groups [][]string
	placed := 0
	ready := make([]string, 0, len(services))
	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}
	for len(ready) > 0 {
		sort.Strings(ready)
		group := ready
		groups = append(groups, group)
		placed += len(group)

		ready = nil
		for _, name := range group {
			for _, next := range dependents[name] {
				indegree[next]--
				if indegree[next] == 0 {
					ready = append(ready, next)
				}
			}
		}
	}
	if placed != len(services) {
		return nil, derr.Validationf("dependency cycle among services")
	}

	plan := &Plan{Services: services}
	for name, net := range cf.Networks {
		resolved := name
		if net != nil && net.Name != "" {
			resolved = net.Name
		}
		if net != nil && net.External {
			plan.ExternalNetworks = append(plan.ExternalNetworks, resolved)
		} else {
			plan.Networks = append(plan.Networks, resolved)
		}
	}
	for name, vol := range cf.Volumes {
		if vol != nil && vol.External {
			continue
		}
		resolved := name
		if vol != nil && vol.Name != "" {
			resolved = vol.Name
		}
		plan.Volumes = append(plan.Volumes, resolved)
	}
	sort.Strings(plan.Networks)
	sort.Strings(plan.ExternalNetworks)
	sort.Strings(plan.Volumes)
	plan.Groups = groups
	return plan, nil
}
