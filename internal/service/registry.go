package service

import (
	"fmt"
	"strings"
)

const branchRefPrefix = "refs/heads/"

// BranchFromRef strips refs/heads/ from a ref. Anything that is not a
// branch ref (tags, notes) yields "".
func BranchFromRef(ref string) string {
	if !strings.HasPrefix(ref, branchRefPrefix) {
		return ""
	}
	return strings.TrimPrefix(ref, branchRefPrefix)
}

// Match returns the first service whose repository and branch both equal
// the push's. Only branch refs can match.
func Match(repository, ref string, services []Service) (Service, bool) {
	branch := BranchFromRef(ref)
	if branch == "" {
		return Service{}, false
	}

	for _, svc := range services {
		if svc.Repository == repository && svc.Branch == branch {
			return svc, true
		}
	}
	return Service{}, false
}

// Registry is the read-only set of loaded services, in config order
type Registry struct {
	services []Service
	byName   map[string]int
}

// NewRegistry creates a registry. Names must be unique; LoadConfig
// guarantees that.
func NewRegistry(services []Service) *Registry {
	r := &Registry{
		services: make([]Service, len(services)),
		byName:   make(map[string]int, len(services)),
	}
	copy(r.services, services)
	for i, svc := range r.services {
		r.byName[svc.Name] = i
	}
	return r
}

// Get retrieves a service by name
func (r *Registry) Get(name string) (Service, error) {
	i, ok := r.byName[name]
	if !ok {
		return Service{}, fmt.Errorf("service '%s' not found", name)
	}
	return r.services[i], nil
}

// List returns all services in config order
func (r *Registry) List() []Service {
	out := make([]Service, len(r.services))
	copy(out, r.services)
	return out
}

// Names returns all service names in config order
func (r *Registry) Names() []string {
	names := make([]string, len(r.services))
	for i, svc := range r.services {
		names[i] = svc.Name
	}
	return names
}

// Count returns the number of services
func (r *Registry) Count() int {
	return len(r.services)
}

// Match resolves a push against the registry
func (r *Registry) Match(repository, ref string) (Service, bool) {
	return Match(repository, ref, r.services)
}

// Overlaps lists repository/branch pairs claimed by more than one
// service. Only the first such service is ever triggered.
func (r *Registry) Overlaps() []string {
	owners := make(map[string][]string)
	var order []string
	for _, svc := range r.services {
		key := svc.Repository + "@" + svc.Branch
		if _, ok := owners[key]; !ok {
			order = append(order, key)
		}
		owners[key] = append(owners[key], svc.Name)
	}

	var overlaps []string
	for _, key := range order {
		if names := owners[key]; len(names) > 1 {
			overlaps = append(overlaps, fmt.Sprintf("%s is claimed by %s", key, strings.Join(names, ", ")))
		}
	}
	return overlaps
}
