package beacon

import (
	"fmt"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/randalmurphal/beacon/pkg/beacon/registry"
)

// Instances holds named pipelines. A host that needs more than one
// pipeline (for example one per account) keeps an Instances value and
// looks pipelines up by name; there is no package-level default.
type Instances struct {
	reg *registry.Registry[string, *Pipeline]
}

// NewInstances creates an empty instance registry.
func NewInstances() *Instances {
	return &Instances{reg: registry.New[string, *Pipeline]()}
}

// Create builds and registers a pipeline under name.
// Returns ErrInstanceExists if the name is taken.
func (in *Instances) Create(name string, opts ...Option) (*Pipeline, error) {
	p, created, err := in.reg.AddFunc(name, func() (*Pipeline, error) {
		return New(name, opts...)
	})
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, fmt.Errorf("%w: %s", ErrInstanceExists, name)
	}
	return p, nil
}

// Get returns the pipeline registered under name.
func (in *Instances) Get(name string) (*Pipeline, bool) {
	return in.reg.Get(name)
}

// Names returns the registered names in sorted order.
func (in *Instances) Names() []string {
	names := in.reg.Keys()
	slices.Sort(names)
	return names
}

// Len returns the number of registered pipelines.
func (in *Instances) Len() int {
	return in.reg.Len()
}

// Destroy unregisters and closes the pipeline under name.
// Returns ErrInstanceNotFound if there is none.
func (in *Instances) Destroy(name string) error {
	p, ok := in.reg.Remove(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, name)
	}
	return p.Close()
}

// DestroyAll unregisters and closes every pipeline concurrently.
func (in *Instances) DestroyAll() error {
	var g errgroup.Group
	for _, p := range in.reg.RemoveAll() {
		g.Go(p.Close)
	}
	return g.Wait()
}
