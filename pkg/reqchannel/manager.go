package reqchannel

import (
	"sort"
	"sync"
)

// Manager owns the named channels of a process. Channels are registered
// once at startup and shared by reference; aliases let two upstream
// providers backed by the same credential share one quota pool.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]*Channel
	aliases  map[string]string
}

func NewManager() *Manager {
	return &Manager{
		channels: make(map[string]*Channel),
		aliases:  make(map[string]string),
	}
}

// Register creates the channel for cfg.Name, or returns the existing one.
func (m *Manager) Register(cfg Config) *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.channels[cfg.Name]; ok {
		return ch
	}
	ch := New(cfg)
	m.channels[cfg.Name] = ch
	return ch
}

// Alias makes name resolve to the channel registered under target.
func (m *Manager) Alias(name, target string) {
	m.mu.Lock()
	m.aliases[name] = target
	m.mu.Unlock()
}

// Get resolves a channel by name, following at most one alias hop.
func (m *Manager) Get(name string) (*Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if target, ok := m.aliases[name]; ok {
		name = target
	}
	ch, ok := m.channels[name]
	return ch, ok
}

// Stats snapshots every registered channel, sorted by name.
func (m *Manager) Stats() []Stats {
	m.mu.RLock()
	out := make([]Stats, 0, len(m.channels))
	for _, ch := range m.channels {
		out = append(out, ch.Stats())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close shuts down all channels.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.channels {
		ch.Close()
	}
}
