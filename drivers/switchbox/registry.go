package switchbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultBindInterval = 500 * time.Millisecond
	DefaultBindAttempts = 6
)

// Registry keeps the boxes of one process by name, so dependent devices
// can find them after setup.
type Registry struct {
	lock  sync.Mutex
	boxes map[string]*SwitchBox
}

func NewRegistry() *Registry {
	return &Registry{boxes: make(map[string]*SwitchBox)}
}

func (reg *Registry) Register(box *SwitchBox) error {
	if box == nil || len(box.Name) == 0 {
		return errors.Wrap(ErrConfiguration, "cannot register unnamed switchbox")
	}

	reg.lock.Lock()
	defer reg.lock.Unlock()

	if _, exists := reg.boxes[box.Name]; exists {
		return errors.Wrapf(ErrConfiguration, "switchbox %s already registered", box.Name)
	}
	reg.boxes[box.Name] = box
	return nil
}

func (reg *Registry) Lookup(name string) (*SwitchBox, bool) {
	reg.lock.Lock()
	defer reg.lock.Unlock()

	box, found := reg.boxes[name]
	return box, found
}

func (reg *Registry) Names() []string {
	reg.lock.Lock()
	defer reg.lock.Unlock()

	names := make([]string, 0, len(reg.boxes))
	for name := range reg.boxes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (reg *Registry) Boxes() []*SwitchBox {
	boxes := make([]*SwitchBox, 0)
	for _, name := range reg.Names() {
		if box, found := reg.Lookup(name); found {
			boxes = append(boxes, box)
		}
	}
	return boxes
}

// Directory is the lookup half of a Registry, enough for binding.
type Directory interface {
	Lookup(name string) (*SwitchBox, bool)
}

// Bind polls the directory for a named box, waiting interval between polls,
// and gives up after maxAttempts polls. Boxes may come up in any order, so
// a device binding early simply keeps polling until its box registers.
func Bind(ctx context.Context, dir Directory, name string, interval time.Duration, maxAttempts int) (*SwitchBox, error) {
	if len(name) == 0 {
		return nil, errors.Wrap(ErrConfiguration, "cannot bind to unnamed switchbox")
	}
	if interval <= 0 {
		interval = DefaultBindInterval
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultBindAttempts
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, errors.Wrapf(ErrConfiguration, "waiting for switchbox %s interrupted: %v", name, ctx.Err())
			case <-time.After(interval):
			}
		}
		if box, found := dir.Lookup(name); found {
			return box, nil
		}
	}

	return nil, errors.Wrapf(ErrConfiguration, "switchbox %s not found after %d attempts", name, maxAttempts)
}
