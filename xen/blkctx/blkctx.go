// Package blkctx is the per-pool context registry a blkif attachment
// acquires before it can map a ring or bind an event channel. Each context
// owns one grant-table handle and one event-channel handle, shared by every
// blkif attached through the same pool, and is torn down once its last
// blkif detaches.
//
// The registry is an injected value rather than a process-wide mutable
// singleton, so each caller (and each test case) can hold its own set of
// contexts without interfering with any other.
package blkctx

import (
	"fmt"

	"github.com/vhdtap/tapcore/xen/grant"
)

// EventID is the process-level event-loop identifier a context registers so
// the event loop knows to poll this context's blkifs for ring activity. The
// event loop itself lives outside this package; this package only carries
// the identifier blkif.EventID needs to hand back to its caller.
type EventID int

// Key identifies one attached blkif within a context, by the guest identity
// it was connected for.
type Key struct {
	DomID uint16
	DevID int
}

// Attachment is the minimal surface blkctx needs from an attached blkif: its
// identity key, so this package never has to import
// xen/blkif and create an import cycle (blkif imports blkctx to acquire a
// context, not the other way around).
type Attachment interface {
	Key() Key
}

// Context wraps the two per-pool hypervisor handles and the set of blkifs
// currently attached through this pool.
type Context struct {
	Pool         string
	GrantTable   grant.GrantTable
	EventChannel grant.EventChannel
	RingEvent    EventID

	blkifs map[Key]Attachment
	refs   int
}

// Attach registers att under the context, keyed by its own identity.
func (c *Context) Attach(att Attachment) {
	if c.blkifs == nil {
		c.blkifs = map[Key]Attachment{}
	}
	c.blkifs[att.Key()] = att
}

// Detach removes the attachment stored under key from the context's
// attached set.
func (c *Context) Detach(key Key) {
	delete(c.blkifs, key)
}

// Len reports how many blkifs are currently attached through this context.
func (c *Context) Len() int {
	return len(c.blkifs)
}

// Factory builds the hypervisor handles for a newly created context. The
// default (grant.NewMmapGrantTable, grant.NewEventfdChannel) is supplied by
// Registry's zero value; tests substitute one returning granttest fakes.
type Factory struct {
	NewGrantTable   func() grant.GrantTable
	NewEventChannel func() grant.EventChannel
	NewRingEvent    func(pool string) EventID
}

// defaultFactory wires the real Linux-backed grant.GrantTable and
// grant.EventChannel implementations.
func defaultFactory() Factory {
	return Factory{
		NewGrantTable:   grant.NewMmapGrantTable,
		NewEventChannel: grant.NewEventfdChannel,
		NewRingEvent:    func(string) EventID { return 0 },
	}
}

// Registry is the injected, per-process (in tests: per-case) set of
// contexts keyed by pool name, guarded by nothing: it is only ever driven
// from a single cooperative event loop, so no two operations ever observe
// the registry in an interleaved fashion.
type Registry struct {
	Factory Factory

	contexts map[string]*Context
}

// NewRegistry returns a Registry using the default hypervisor-handle
// factory. Tests construct a Registry literal directly with a fake Factory
// instead.
func NewRegistry() *Registry {
	return &Registry{Factory: defaultFactory()}
}

// Get returns the context for pool, creating and initializing one (its
// grant-table and event-channel handles, and its ring-loop registration) if
// this is the first reference, per ctx_get.
func (r *Registry) Get(pool string) (*Context, error) {
	if r.contexts == nil {
		r.contexts = map[string]*Context{}
	}
	if ctx, ok := r.contexts[pool]; ok {
		ctx.refs++
		return ctx, nil
	}
	factory := r.Factory
	if factory.NewGrantTable == nil {
		factory = defaultFactory()
	}
	ctx := &Context{
		Pool:         pool,
		GrantTable:   factory.NewGrantTable(),
		EventChannel: factory.NewEventChannel(),
		RingEvent:    factory.NewRingEvent(pool),
		refs:         1,
	}
	r.contexts[pool] = ctx
	return ctx, nil
}

// Put releases one reference to pool's context, tearing it down once the
// reference count reaches zero, per ctx_put. Put on a pool with no
// outstanding references is a caller error.
func (r *Registry) Put(pool string) error {
	ctx, ok := r.contexts[pool]
	if !ok {
		return fmt.Errorf("blkctx: Put on unknown pool %q", pool)
	}
	ctx.refs--
	if ctx.refs > 0 {
		return nil
	}
	delete(r.contexts, pool)
	return nil
}

// Lookup returns the context for pool without acquiring a reference, or nil
// if no blkif currently holds one.
func (r *Registry) Lookup(pool string) *Context {
	return r.contexts[pool]
}
