// ABOUTME: In-memory agent registry keyed by agent name.
// ABOUTME: Handles registration, heartbeats, busy/available transitions and staleness scans.

package agent

import (
	"errors"
	"slices"
	"sort"
	"time"
)

// ErrAgentNotFound indicates the specified agent was not found.
var ErrAgentNotFound = errors.New("agent not found")

// Registry holds every agent the coordinator has ever heard from.
type Registry struct {
	agents  map[string]*Record
	nextSeq uint64
	now     func() time.Time
}

// NewRegistry creates an empty registry. A nil clock defaults to time.Now.
func NewRegistry(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		agents: make(map[string]*Record),
		now:    now,
	}
}

// Register upserts an agent with status available and refreshes its
// capabilities and last-seen time. Registration order is kept from the
// first registration.
func (r *Registry) Register(name string, capabilities []string) Record {
	rec, ok := r.agents[name]
	if !ok {
		rec = r.insert(name)
	}
	rec.Capabilities = normalizeCapabilities(capabilities)
	rec.Status = StatusAvailable
	rec.LastSeen = r.now()
	return rec.Clone()
}

// Heartbeat refreshes the agent's last-seen time. An unresponsive or unknown
// agent goes back to available. Unknown names are created with no
// capabilities. The returned bool is true when the status changed.
func (r *Registry) Heartbeat(name string) (Record, bool) {
	rec, ok := r.agents[name]
	if !ok {
		rec = r.insert(name)
		rec.Status = StatusAvailable
		rec.LastSeen = r.now()
		return rec.Clone(), true
	}

	rec.LastSeen = r.now()
	changed := false
	if rec.Status == StatusUnresponsive || rec.Status == StatusUnknown {
		rec.Status = StatusAvailable
		changed = true
	}
	return rec.Clone(), changed
}

// MarkBusy transitions an agent to busy.
func (r *Registry) MarkBusy(name string) error {
	rec, ok := r.agents[name]
	if !ok {
		return ErrAgentNotFound
	}
	rec.Status = StatusBusy
	return nil
}

// MarkAvailable transitions an agent to available after it finishes a task.
// The completed counter is only bumped for successful tasks.
func (r *Registry) MarkAvailable(name string, succeeded bool) error {
	rec, ok := r.agents[name]
	if !ok {
		return ErrAgentNotFound
	}
	rec.Status = StatusAvailable
	if succeeded {
		rec.TasksCompleted++
	}
	return nil
}

// MarkUnresponsive flags an agent as unresponsive. Returns false if the agent
// was already unresponsive or does not exist.
func (r *Registry) MarkUnresponsive(name string) bool {
	rec, ok := r.agents[name]
	if !ok || rec.Status == StatusUnresponsive {
		return false
	}
	rec.Status = StatusUnresponsive
	return true
}

// MarkRestarted records a restart issued by the health monitor. The status
// is set to unknown until the new process heartbeats.
func (r *Registry) MarkRestarted(name string, pid int) error {
	rec, ok := r.agents[name]
	if !ok {
		return ErrAgentNotFound
	}
	rec.Status = StatusUnknown
	rec.PID = pid
	rec.Restarts++
	return nil
}

// Scan returns agents whose last contact is older than staleAfter, in
// registration order. It does not change any status.
func (r *Registry) Scan(now time.Time, staleAfter time.Duration) []Record {
	var stale []Record
	for _, rec := range r.ordered() {
		if now.Sub(rec.LastSeen) > staleAfter {
			stale = append(stale, rec.Clone())
		}
	}
	return stale
}

// Get returns a copy of the named agent.
func (r *Registry) Get(name string) (Record, bool) {
	rec, ok := r.agents[name]
	if !ok {
		return Record{}, false
	}
	return rec.Clone(), true
}

// Snapshot returns copies of all agents in registration order.
func (r *Registry) Snapshot() []Record {
	ordered := r.ordered()
	out := make([]Record, len(ordered))
	for i, rec := range ordered {
		out[i] = rec.Clone()
	}
	return out
}

// Len returns the number of known agents.
func (r *Registry) Len() int {
	return len(r.agents)
}

// Restore replaces the registry contents with previously persisted records.
// Records with an unrecognised status are loaded as unknown.
func (r *Registry) Restore(records map[string]Record) {
	r.agents = make(map[string]*Record, len(records))
	r.nextSeq = 0
	for name, rec := range records {
		rec = rec.Clone()
		rec.Name = name
		if !rec.Status.Valid() {
			rec.Status = StatusUnknown
		}
		r.agents[name] = &rec
		if rec.Seq >= r.nextSeq {
			r.nextSeq = rec.Seq + 1
		}
	}
	if r.hasDuplicateSeq() {
		r.renumber()
	}
}

func (r *Registry) hasDuplicateSeq() bool {
	seen := make(map[uint64]struct{}, len(r.agents))
	for _, rec := range r.agents {
		if _, dup := seen[rec.Seq]; dup {
			return true
		}
		seen[rec.Seq] = struct{}{}
	}
	return false
}

// renumber assigns fresh sequence numbers in current order, names breaking ties.
func (r *Registry) renumber() {
	for i, rec := range r.ordered() {
		rec.Seq = uint64(i)
	}
	r.nextSeq = uint64(len(r.agents))
}

func (r *Registry) insert(name string) *Record {
	rec := &Record{
		Name:         name,
		Capabilities: []string{},
		Status:       StatusUnknown,
		Seq:          r.nextSeq,
	}
	r.nextSeq++
	r.agents[name] = rec
	return rec
}

func (r *Registry) ordered() []*Record {
	out := make([]*Record, 0, len(r.agents))
	for _, rec := range r.agents {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Seq != out[j].Seq {
			return out[i].Seq < out[j].Seq
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// normalizeCapabilities drops empty and duplicate tags, keeping first-seen order.
func normalizeCapabilities(caps []string) []string {
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		if c == "" || slices.Contains(out, c) {
			continue
		}
		out = append(out, c)
	}
	return out
}
