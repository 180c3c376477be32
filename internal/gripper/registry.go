package gripper

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.viam.com/rdk/logging"
)

// Opener opens the connection behind a bus.
type Opener func(cfg BusConfig) (io.ReadWriteCloser, error)

type busEntry struct {
	bus       *Bus
	config    BusConfig
	refCount  int64
	lastError error
	mu        sync.RWMutex
}

// Registry shares one bus per serial port between all handles using it.
type Registry struct {
	open    Opener
	logger  logging.Logger
	entries map[string]*busEntry
	mu      sync.RWMutex
}

// NewRegistry returns an empty registry. A nil opener opens serial ports.
func NewRegistry(open Opener, logger logging.Logger) *Registry {
	if open == nil {
		open = OpenSerial
	}
	return &Registry{open: open, logger: logger, entries: make(map[string]*busEntry)}
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry is the process wide registry for serial ports.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry(nil, logging.NewLogger("gripper-bus"))
	})
	return defaultRegistry
}

// Acquire returns the bus for cfg.Port, opening it on first use. Every
// successful Acquire must be paired with a Release.
func (r *Registry) Acquire(cfg BusConfig) (*Bus, error) {
	cfg = cfg.withDefaults()
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.entries[cfg.Port]; ok {
		entry.mu.Lock()
		defer entry.mu.Unlock()
		if entry.bus == nil {
			return nil, fmt.Errorf("cached bus creation error for %s: %w", cfg.Port, entry.lastError)
		}
		if entry.config != cfg {
			return nil, fmt.Errorf("conflict: port %s already open with different settings (refCount: %d)",
				cfg.Port, atomic.LoadInt64(&entry.refCount))
		}
		atomic.AddInt64(&entry.refCount, 1)
		return entry.bus, nil
	}

	entry := &busEntry{config: cfg}
	conn, err := r.open(cfg)
	if err != nil {
		entry.lastError = err
		r.entries[cfg.Port] = entry
		return nil, fmt.Errorf("failed to open bus: %w", err)
	}
	entry.bus = NewBus(conn)
	entry.refCount = 1
	r.entries[cfg.Port] = entry
	r.logger.Infof("Opened servo bus on %s at %d baud", cfg.Port, cfg.Baudrate)
	return entry.bus, nil
}

// Release drops one reference and closes the bus with the last one.
func (r *Registry) Release(port string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[port]
	if !ok {
		return
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if atomic.AddInt64(&entry.refCount, -1) > 0 {
		return
	}
	if entry.bus != nil {
		if err := entry.bus.Close(); err != nil {
			r.logger.Warnf("error closing shared bus for port %s: %v", port, err)
		}
	}
	delete(r.entries, port)
	entry.bus = nil
	atomic.StoreInt64(&entry.refCount, 0)
}

// ForceClose closes the bus regardless of outstanding references.
func (r *Registry) ForceClose(port string) error {
	r.mu.Lock()
	entry, ok := r.entries[port]
	delete(r.entries, port)
	r.mu.Unlock()
	if !ok {
		return nil
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	var err error
	if entry.bus != nil {
		err = entry.bus.Close()
		entry.bus = nil
	}
	atomic.StoreInt64(&entry.refCount, 0)
	return err
}

// Status reports the reference count, whether a bus is open and a summary.
func (r *Registry) Status(port string) (int64, bool, string) {
	r.mu.RLock()
	entry, ok := r.entries[port]
	r.mu.RUnlock()
	if !ok {
		return 0, false, ""
	}
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	return atomic.LoadInt64(&entry.refCount), entry.bus != nil,
		fmt.Sprintf("Serial: %s@%d", entry.config.Port, entry.config.Baudrate)
}
