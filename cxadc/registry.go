package cxadc

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

var ErrNoDevice = errors.New("no such device")

// Registry keeps track of attached cards by id. Every card is an
// independent engine: cards share neither rings nor producer positions.
type Registry struct {
	mu      sync.Mutex
	devices map[int]*Device
}

func NewRegistry() *Registry {
	return &Registry{devices: make(map[int]*Device)}
}

// Add registers d under the lowest unused id and returns that id.
func (r *Registry) Add(d *Device) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := 0
	for ; ; id++ {
		if _, ok := r.devices[id]; !ok {
			break
		}
	}
	r.devices[id] = d
	return id
}

// Get returns the device registered under id.
func (r *Registry) Get(id int) (*Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: cxadc%d", ErrNoDevice, id)
	}
	return d, nil
}

// IDs returns the registered ids in ascending order.
func (r *Registry) IDs() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int, 0, len(r.devices))
	for id := range r.devices {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Open opens a session on device id.
func (r *Registry) Open(ctx context.Context, id int, opts OpenOptions) (*Session, error) {
	d, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	return d.Open(ctx, opts)
}

// Remove unregisters and closes device id. Its memory is released once
// its open session, if any, is closed too.
func (r *Registry) Remove(id int) error {
	r.mu.Lock()
	d, ok := r.devices[id]
	delete(r.devices, id)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: cxadc%d", ErrNoDevice, id)
	}
	return d.Close()
}

// Close removes and closes every device.
func (r *Registry) Close() error {
	var errs []error
	for _, id := range r.IDs() {
		if err := r.Remove(id); err != nil {
			errs = append(errs, fmt.Errorf("closing cxadc%d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
