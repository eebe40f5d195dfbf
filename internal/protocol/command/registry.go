package command

import (
	"fmt"
	"sort"
	"time"
)

// DefaultTimeout applies to every command the registry has no override for.
const DefaultTimeout = 500 * time.Millisecond

// Registry is the immutable per-command timing policy. Build one at startup
// and share it by pointer; nothing mutates it after NewRegistry returns.
type Registry struct {
	timeouts map[Command]time.Duration
	min      time.Duration
}

// NewRegistry returns a registry holding DefaultTimeout for every command,
// replaced by overrides where given.
func NewRegistry(overrides map[Command]time.Duration) (*Registry, error) {
	r := &Registry{timeouts: make(map[Command]time.Duration, len(All()))}
	for _, c := range All() {
		r.timeouts[c] = DefaultTimeout
	}
	for c, d := range overrides {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if d <= 0 {
			return nil, fmt.Errorf("command: timeout for %s must be positive, got %v", c, d)
		}
		r.timeouts[c] = d
	}
	for _, d := range r.timeouts {
		if r.min == 0 || d < r.min {
			r.min = d
		}
	}
	return r, nil
}

// DefaultRegistry returns the registry with no overrides.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(nil)
	if err != nil {
		panic(err)
	}
	return r
}

// TimeoutFor returns the ack timeout for c, or ErrInvalidCommand when c is
// out of range for its set.
func (r *Registry) TimeoutFor(c Command) (time.Duration, error) {
	if err := c.Validate(); err != nil {
		return 0, err
	}
	return r.timeouts[c], nil
}

func (r *Registry) Validate(c Command) error {
	return c.Validate()
}

// MinTimeout is the smallest configured timeout.
func (r *Registry) MinTimeout() time.Duration {
	return r.min
}

// Commands lists the registered commands in wire order.
func (r *Registry) Commands() []Command {
	out := make([]Command, 0, len(r.timeouts))
	for c := range r.timeouts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].set != out[j].set {
			return out[i].set < out[j].set
		}
		return out[i].id < out[j].id
	})
	return out
}
