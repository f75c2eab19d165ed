// Package blkif is a single guest<->host attachment: the ring mapping, the
// event-channel binding, the request pool bookkeeping, and the per-ring
// stats file a tapdisk-style host publishes for a connected guest disk.
//
// A Blkif never holds a pointer to its owning blkctx.Context, only the pool
// name it was connected through (ctxKey), looked back up through the
// Manager's Registry on demand. This keeps Blkif and Context from holding
// live references to each other, so either can be torn down and garbage
// collected without the other keeping it alive.
package blkif

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/vhdtap/tapcore/xen/blkctx"
	"github.com/vhdtap/tapcore/xen/ring"
)

// maxRingPages is the compile-time cap on how many grant-ref pages one
// ring can span.
const maxRingPages = 8

// defaultRefreshInterval and defaultStatsPageSize are configurable rather
// than buried constants; the three-line stats page format itself stays
// fixed regardless of these knobs.
const (
	defaultRefreshInterval = 30 * time.Second
	defaultStatsPageSize   = 4096
)

// VBD is the small surface this package needs from the owning virtual block
// device: whether it is paused, for the busy-vs-shutdown disconnect
// distinction, and a slot to publish/clear the attached blkif into.
type VBD interface {
	Paused() bool
	SetSring(b *Blkif)
}

// Config exposes the stats refresh cadence and page size as explicit,
// defaulted fields rather than buried constants.
type Config struct {
	RefreshInterval time.Duration
	StatsPageSize   int
}

func (c Config) withDefaults() Config {
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = defaultRefreshInterval
	}
	if c.StatsPageSize <= 0 {
		c.StatsPageSize = defaultStatsPageSize
	}
	return c
}

// Blkif is one guest<->host block-device attachment.
type Blkif struct {
	DomID    uint16
	DevID    int
	Protocol ring.Protocol

	GrantRefs  [maxRingPages]uint32
	RingNPages uint32
	Ring       ring.BackRing
	ringMem    []byte

	Port int // -1 when unbound

	RingSize  int
	NReqsFree int

	ctxKey string // pool name; looked up through Manager.Registry, never stored as *blkctx.Context
	vbd    VBD

	shmPath string
	last    time.Time
}

// Key returns the identity blkctx.Context and Manager index this attachment
// by, satisfying blkctx.Attachment.
func (b *Blkif) Key() blkctx.Key {
	return blkctx.Key{DomID: b.DomID, DevID: b.DevID}
}

// Manager is the injected collection of attached blkifs. Ownership is
// injected via Registry rather than kept as a process-wide singleton so
// callers can run multiple independent hypervisor contexts in one process.
type Manager struct {
	Registry *blkctx.Registry
	Config   Config

	log *logrus.Entry

	blkifs map[blkctx.Key]*Blkif
}

// NewManager returns a Manager backed by registry, defaulting cfg's zero
// fields.
func NewManager(registry *blkctx.Registry, cfg Config) *Manager {
	return &Manager{
		Registry: registry,
		Config:   cfg.withDefaults(),
		log:      logrus.WithField("component", "blkif"),
		blkifs:   map[blkctx.Key]*Blkif{},
	}
}

// Connect attaches a new blkif for (domid, devid), mapping grefs as the
// shared ring, binding port, and publishing the result onto vbd.
func (m *Manager) Connect(domid uint16, devid int, grefs []uint32, order uint32, port int, proto ring.Protocol, pool string, vbd VBD) (*Blkif, error) {
	key := blkctx.Key{DomID: domid, DevID: devid}
	if _, ok := m.blkifs[key]; ok {
		return nil, fmt.Errorf("%w: domid=%d devid=%d", ErrAlreadyConnected, domid, devid)
	}

	ctx, err := m.Registry.Get(pool)
	if err != nil {
		return nil, fmt.Errorf("blkif: acquiring context for pool %q: %w", pool, err)
	}

	b := &Blkif{
		DomID:    domid,
		DevID:    devid,
		Protocol: proto,
		ctxKey:   pool,
		vbd:      vbd,
		Port:     -1,
	}

	ringNPages := uint32(1) << order
	if int(ringNPages) > maxRingPages {
		m.destroy(b)
		return nil, &TooManyRingPagesError{Requested: int(ringNPages), Max: maxRingPages}
	}
	copy(b.GrantRefs[:ringNPages], grefs[:ringNPages])
	b.RingNPages = ringNPages

	mem, err := ctx.GrantTable.MapGrantRefs(domid, grefs[:ringNPages], order, unix.PROT_READ|unix.PROT_WRITE)
	if err != nil {
		m.destroy(b)
		return nil, fmt.Errorf("blkif: mapping grant refs for domid=%d: %w", domid, err)
	}
	b.ringMem = mem

	br, err := ring.NewBackRing(proto, mem, len(mem))
	if err != nil {
		m.destroy(b)
		return nil, err
	}
	b.Ring = br

	localPort, err := ctx.EventChannel.BindInterdomain(domid, port)
	if err != nil {
		m.destroy(b)
		return nil, fmt.Errorf("blkif: binding event channel for domid=%d port=%d: %w", domid, port, err)
	}
	b.Port = localPort

	b.RingSize = int(br.NrEnts())
	b.NReqsFree = b.RingSize

	if err := m.createStats(b); err != nil {
		m.destroy(b)
		return nil, err
	}

	vbd.SetSring(b)
	ctx.Attach(b)
	m.blkifs[key] = b

	m.log.WithFields(logrus.Fields{"domid": domid, "devid": devid, "pool": pool}).Info("blkif connected")
	return b, nil
}

// Disconnect detaches the blkif for (domid, devid).
func (m *Manager) Disconnect(domid uint16, devid int) error {
	key := blkctx.Key{DomID: domid, DevID: devid}
	b, ok := m.blkifs[key]
	if !ok {
		return fmt.Errorf("%w: domid=%d devid=%d", ErrNotConnected, domid, devid)
	}

	if b.NReqsFree != b.RingSize {
		if b.vbd.Paused() {
			m.log.WithFields(logrus.Fields{"domid": domid, "devid": devid}).
				Warn("cannot disconnect: requests pending and vbd is paused")
			return ErrShutdown
		}
		return ErrBusy
	}

	b.vbd.SetSring(nil)
	if err := m.destroy(b); err != nil {
		m.log.WithFields(logrus.Fields{"domid": domid, "devid": devid}).
			WithError(err).Error("failed to destroy block interface")
	}
	return nil
}

// Find returns the blkif attached for (domid, devid), if any.
func (m *Manager) Find(domid uint16, devid int) (*Blkif, bool) {
	b, ok := m.blkifs[blkctx.Key{DomID: domid, DevID: devid}]
	return b, ok
}

// EventID returns the process-level event-loop identifier registered for
// the blkif's context.
func (m *Manager) EventID(domid uint16, devid int) (blkctx.EventID, error) {
	b, ok := m.Find(domid, devid)
	if !ok {
		return 0, fmt.Errorf("%w: domid=%d devid=%d", ErrNotConnected, domid, devid)
	}
	ctx := m.Registry.Lookup(b.ctxKey)
	if ctx == nil {
		return 0, fmt.Errorf("blkif: context for pool %q no longer registered", b.ctxKey)
	}
	return ctx.RingEvent, nil
}

// destroy tears down b in order: request-pool free, unbind event channel,
// unmap ring, detach from context, release the context reference, remove
// the stats file. Every step's error is logged and ignored so the blkif is
// unconditionally freed; only the stats-file teardown error is returned.
func (m *Manager) destroy(b *Blkif) error {
	b.RingSize = 0
	b.NReqsFree = 0

	ctx := m.Registry.Lookup(b.ctxKey)
	if ctx != nil {
		if b.Port >= 0 {
			if err := ctx.EventChannel.Unbind(b.Port); err != nil {
				m.log.WithError(err).Warn("failed to unbind event channel")
			}
		}
		if b.ringMem != nil {
			if err := ctx.GrantTable.Unmap(b.ringMem); err != nil {
				m.log.WithError(err).Warn("failed to unmap ring pages")
			}
		}
		ctx.Detach(b.Key())
		if err := m.Registry.Put(b.ctxKey); err != nil {
			m.log.WithError(err).Warn("failed to release context reference")
		}
	}

	err := m.destroyStats(b)
	delete(m.blkifs, b.Key())
	return err
}

// shmDir returns the parent directory of the stats file for (domid, devid).
func shmDir(domid uint16, devid int) string {
	return fmt.Sprintf("/dev/shm/vbd3-%d-%d", domid, devid)
}

// createStats creates the stats directory (tolerating EEXIST) and the
// io_ring file itself, per tapdisk_xenblkif_show_io_ring_create.
func (m *Manager) createStats(b *Blkif) error {
	dir := shmDir(b.DomID, b.DevID)
	if err := os.Mkdir(dir, 0700); err != nil && !errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("blkif: creating stats directory %s: %w", dir, err)
	}
	b.shmPath = filepath.Join(dir, "io_ring")
	b.last = time.Time{}
	f, err := os.OpenFile(b.shmPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("blkif: creating stats file %s: %w", b.shmPath, err)
	}
	defer f.Close()
	return nil
}

// destroyStats removes the stats file and, if now empty, its parent
// directory, per tapdisk_xenblkif_show_io_ring_destroy. A missing file or
// directory and a non-empty directory are tolerated, since destroy must
// still free the blkif even if the stats file was never created.
func (m *Manager) destroyStats(b *Blkif) error {
	if b.shmPath == "" {
		return nil
	}
	if err := os.Remove(b.shmPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("blkif: removing stats file %s: %w", b.shmPath, err)
	}
	dir := filepath.Dir(b.shmPath)
	if err := os.Remove(dir); err != nil &&
		!errors.Is(err, fs.ErrNotExist) &&
		!errors.Is(err, unix.ENOTEMPTY) {
		return fmt.Errorf("blkif: removing stats directory %s: %w", dir, err)
	}
	b.shmPath = ""
	return nil
}

// ShowIORing refreshes the stats file for (domid, devid), rate-limited to
// once per Config.RefreshInterval.
func (m *Manager) ShowIORing(domid uint16, devid int) error {
	b, ok := m.Find(domid, devid)
	if !ok {
		return fmt.Errorf("%w: domid=%d devid=%d", ErrNotConnected, domid, devid)
	}
	if b.Ring == nil {
		return nil
	}
	now := time.Now()
	if now.Sub(b.last) < m.Config.RefreshInterval {
		return nil
	}
	b.last = now

	s := b.Ring.Stats()
	page := fmt.Sprintf(
		"nr_ents %d\nreq prod %d cons %d event %d\nrsp prod %d pvt %d event %d\n",
		s.NrEnts, s.ReqProd, s.ReqCons, s.ReqEvent, s.RspProd, s.RspPvt, s.RspEvent,
	)
	if len(page) > m.Config.StatsPageSize {
		return fmt.Errorf("blkif: stats page %d bytes exceeds page size %d", len(page), m.Config.StatsPageSize)
	}
	if err := os.WriteFile(b.shmPath, []byte(page), 0600); err != nil {
		return fmt.Errorf("blkif: writing stats page: %w", err)
	}
	return nil
}
