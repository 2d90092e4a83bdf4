package gateway

import (
	"github.com/c360/streamgate/event"
)

// Resolver computes the recipients of a domain event. Resolution reads the
// Registry at the moment of the call; two concurrent events may observe
// slightly different directories, but each event's own recipient set is
// self-consistent.
type Resolver struct {
	registry *Registry
}

// NewResolver creates a resolver over a registry
func NewResolver(registry *Registry) *Resolver {
	return &Resolver{registry: registry}
}

// ResolveAll partitions the event's recipients into live sessions, which get
// wire delivery, and detached sessions, which buffer for a future resume.
// Both sets come from one registry snapshot, so a session resuming
// mid-publish is seen exactly once, in exactly one set.
func (r *Resolver) ResolveAll(evt event.DomainEvent) (live, detached []*Session) {
	liveAll, detachedAll := r.registry.ResolveSnapshot()

	live = make([]*Session, 0, len(liveAll))
	for _, s := range liveAll {
		if s.State() != StateActive {
			continue
		}
		if s.Matches(evt) {
			live = append(live, s)
		}
	}

	detached = make([]*Session, 0, len(detachedAll))
	for _, s := range detachedAll {
		if s.Matches(evt) {
			detached = append(detached, s)
		}
	}
	return live, detached
}

// Resolve returns the live Active sessions that must receive the event
func (r *Resolver) Resolve(evt event.DomainEvent) []*Session {
	live, _ := r.ResolveAll(evt)
	return live
}

// ResolveDetached returns matching sessions in the resumable store
func (r *Resolver) ResolveDetached(evt event.DomainEvent) []*Session {
	_, detached := r.ResolveAll(evt)
	return detached
}
