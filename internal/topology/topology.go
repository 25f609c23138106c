// Package topology holds the declarative service graph of the deployment:
// which services exist, what they run, and which dependencies must be ready
// before each one starts. The graph is loaded once at startup and never
// mutated.
package topology

import (
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// RestartPolicy is the supervising restart behaviour of a service.
type RestartPolicy string

const (
	RestartUnlessStopped RestartPolicy = "unless-stopped"
	RestartOnFailure     RestartPolicy = "on-failure"
	RestartNone          RestartPolicy = "none"
)

// ServiceSpec describes one service in the deployment. Immutable once loaded.
type ServiceSpec struct {
	Name      string        `yaml:"name"`
	Command   string        `yaml:"command"`
	DependsOn []string      `yaml:"depends_on"`
	Restart   RestartPolicy `yaml:"restart"`
	// Probe names the readiness probe gating this service's dependents,
	// empty for services without one (process exit is the signal instead).
	Probe string `yaml:"probe"`
}

type file struct {
	Services []ServiceSpec `yaml:"services"`
}

// Topology is a validated, immutable service graph.
type Topology struct {
	services map[string]ServiceSpec
	order    []string // topological start order, leaves first
}

// Load reads and validates a topology YAML file.
func Load(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading topology file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse validates raw topology YAML.
func Parse(data []byte) (*Topology, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("unmarshalling topology: %w", err)
	}
	return New(f.Services)
}

// New validates the given specs and computes the start order. It rejects
// duplicate names, unknown or self dependencies, unknown restart policies,
// and dependency cycles. An empty restart policy defaults to unless-stopped.
func New(specs []ServiceSpec) (*Topology, error) {
	services := make(map[string]ServiceSpec, len(specs))
	for _, s := range specs {
		if s.Name == "" {
			return nil, fmt.Errorf("service with empty name")
		}
		if _, dup := services[s.Name]; dup {
			return nil, fmt.Errorf("duplicate service %q", s.Name)
		}
		switch s.Restart {
		case RestartUnlessStopped, RestartOnFailure, RestartNone:
		case "":
			s.Restart = RestartUnlessStopped
		default:
			return nil, fmt.Errorf("service %q: unknown restart policy %q", s.Name, s.Restart)
		}
		services[s.Name] = s
	}

	for _, s := range services {
		for _, dep := range s.DependsOn {
			if dep == s.Name {
				return nil, fmt.Errorf("service %q depends on itself", s.Name)
			}
			if _, ok := services[dep]; !ok {
				return nil, fmt.Errorf("service %q depends on unknown service %q", s.Name, dep)
			}
		}
	}

	order, err := startOrder(specs, services)
	if err != nil {
		return nil, err
	}

	return &Topology{services: services, order: order}, nil
}

// Lookup returns the spec for name.
func (t *Topology) Lookup(name string) (ServiceSpec, bool) {
	s, ok := t.services[name]
	return s, ok
}

// StartOrder returns the service names in dependency order, leaves first.
// The order is stable: ties are broken by declaration order.
func (t *Topology) StartOrder() []string {
	return slices.Clone(t.order)
}

// Deps returns the transitive dependency closure of name, in start order.
func (t *Topology) Deps(name string) ([]string, error) {
	if _, ok := t.services[name]; !ok {
		return nil, fmt.Errorf("unknown service %q", name)
	}

	closure := make(map[string]bool)
	var visit func(n string)
	visit = func(n string) {
		for _, dep := range t.services[n].DependsOn {
			if !closure[dep] {
				closure[dep] = true
				visit(dep)
			}
		}
	}
	visit(name)

	deps := make([]string, 0, len(closure))
	for _, n := range t.order {
		if closure[n] {
			deps = append(deps, n)
		}
	}
	return deps, nil
}

// startOrder runs Kahn's algorithm over the declared graph. Declaration
// order breaks ties so the result is deterministic.
func startOrder(specs []ServiceSpec, services map[string]ServiceSpec) ([]string, error) {
	indegree := make(map[string]int, len(services))
	for name := range services {
		indegree[name] = len(services[name].DependsOn)
	}

	order := make([]string, 0, len(services))
	for len(order) < len(services) {
		progressed := false
		for _, s := range specs {
			if deg, pending := indegree[s.Name]; pending && deg == 0 {
				order = append(order, s.Name)
				delete(indegree, s.Name)
				progressed = true
				for _, other := range specs {
					if slices.Contains(services[other.Name].DependsOn, s.Name) {
						if _, ok := indegree[other.Name]; ok {
							indegree[other.Name]--
						}
					}
				}
			}
		}
		if !progressed {
			remaining := make([]string, 0, len(indegree))
			for name := range indegree {
				remaining = append(remaining, name)
			}
			slices.Sort(remaining)
			return nil, fmt.Errorf("dependency cycle involving %v", remaining)
		}
	}
	return order, nil
}

// Default is the topology of the standard deployment, used when no topology
// file is configured: two stateful dependencies, a one-shot migration gate,
// and the three application roles behind it.
func Default() *Topology {
	t, err := New([]ServiceSpec{
		{Name: "db", Restart: RestartUnlessStopped, Probe: "postgres"},
		{Name: "redis", Restart: RestartUnlessStopped, Probe: "redis"},
		{Name: "migrate", Command: "conductor bootstrap", Restart: RestartOnFailure,
			DependsOn: []string{"db"}},
		{Name: "web", Command: "conductor serve", Restart: RestartUnlessStopped,
			DependsOn: []string{"db", "redis", "migrate"}},
		{Name: "scheduler", Command: "conductor scheduler", Restart: RestartUnlessStopped,
			DependsOn: []string{"redis", "migrate"}},
		{Name: "worker", Command: "conductor worker", Restart: RestartUnlessStopped,
			DependsOn: []string{"db", "redis", "migrate"}},
	})
	if err != nil {
		// The built-in graph is static; failing to build it is a programming error.
		panic(err)
	}
	return t
}
