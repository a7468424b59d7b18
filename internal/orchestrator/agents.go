package orchestrator

import (
	"sort"
	"sync"
	"time"

	v1 "github.com/agentmesh/agentmesh/pkg/api/v1"
)

// Directory tracks every agent that has announced itself, its status,
// and when it was last assigned work. Routing picks the AVAILABLE agent
// of the right role that has been idle longest.
type Directory struct {
	mu     sync.RWMutex
	agents map[string]*directoryEntry
}

type directoryEntry struct {
	desc         v1.AgentDescriptor
	lastAssigned time.Time
}

// NewDirectory creates an empty agent directory.
func NewDirectory() *Directory {
	return &Directory{agents: make(map[string]*directoryEntry)}
}

// Register records an agent as AVAILABLE, replacing any previous entry.
func (d *Directory) Register(agentID string, role v1.AgentRole, capabilities []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	prev, existed := d.agents[agentID]
	entry := &directoryEntry{
		desc: v1.AgentDescriptor{
			AgentID:      agentID,
			Role:         role,
			Capabilities: capabilities,
			Status:       v1.AgentAvailable,
			LastSeenAt:   time.Now().UTC(),
		},
	}
	if existed {
		entry.lastAssigned = prev.lastAssigned
	}
	d.agents[agentID] = entry
}

// Seen refreshes last_seen_at for an agent. Unknown agents are ignored.
func (d *Directory) Seen(agentID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.agents[agentID]; ok {
		e.desc.LastSeenAt = time.Now().UTC()
	}
}

// SetStatus updates an agent's availability. Unknown agents are ignored.
func (d *Directory) SetStatus(agentID string, status v1.AgentStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.agents[agentID]; ok {
		e.desc.Status = status
		e.desc.LastSeenAt = time.Now().UTC()
	}
}

// SelectForRole returns the AVAILABLE agent with the given role that was
// least recently assigned. The selected agent is recorded as assigned.
func (d *Directory) SelectForRole(role v1.AgentRole) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var pick *directoryEntry
	for _, e := range d.agents {
		if e.desc.Role != role || e.desc.Status != v1.AgentAvailable {
			continue
		}
		if pick == nil || e.lastAssigned.Before(pick.lastAssigned) ||
			(e.lastAssigned.Equal(pick.lastAssigned) && e.desc.AgentID < pick.desc.AgentID) {
			pick = e
		}
	}
	if pick == nil {
		return "", false
	}
	pick.lastAssigned = time.Now().UTC()
	pick.desc.Status = v1.AgentBusy
	return pick.desc.AgentID, true
}

// Sweep marks agents unseen within the window as OFFLINE and returns
// their ids.
func (d *Directory) Sweep(window time.Duration) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := time.Now().UTC().Add(-window)
	var swept []string
	for id, e := range d.agents {
		if e.desc.Status == v1.AgentOffline {
			continue
		}
		if e.desc.LastSeenAt.Before(cutoff) {
			e.desc.Status = v1.AgentOffline
			swept = append(swept, id)
		}
	}
	sort.Strings(swept)
	return swept
}

// List returns descriptors for every known agent, sorted by id.
func (d *Directory) List() []v1.AgentDescriptor {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]v1.AgentDescriptor, 0, len(d.agents))
	for _, e := range d.agents {
		out = append(out, e.desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Get returns one descriptor by agent id.
func (d *Directory) Get(agentID string) (v1.AgentDescriptor, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.agents[agentID]
	if !ok {
		return v1.AgentDescriptor{}, false
	}
	return e.desc, true
}
