package commitlog

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bedrisendir/cassandra-capiflash/device"
	"github.com/bedrisendir/cassandra-capiflash/internal/log"
)

// FlashRecordKeeper is the result of SegmentManager.Allocate: the
// location a worker must write its framed record to.
type FlashRecordKeeper struct {
	SegmentID       uint64
	SegmentSlot     int
	StartingBlock   int64
	BlockCount      int
}

// SegmentManager owns the segment ring, the free-list, the active
// segment, and the bookkeeping region (§4.2). One instance per log.
type SegmentManager struct {
	cfg    Config
	bk     device.Chunk
	flush  Flusher
	valve  Executor

	mu           sync.Mutex
	freeList     chan int
	active       *Segment
	activeList   []*Segment
	nextID       uint64
	unCommitted  map[int]uint64 // slot -> segment id, populated by scan, drained by recycleAfterReplay

	bkScratch [device.BlockSize]byte
}

// NewSegmentManager reads the bookkeeping region and classifies every
// slot as free or un-committed (§4.2 "Construction / recovery scan").
// It does not activate a segment; the first Allocate call does that.
func NewSegmentManager(cfg Config, bookkeeping device.Chunk, flush Flusher, valve Executor) (*SegmentManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if flush != nil && valve == nil {
		// flushOldestKeyspacesLocked is only ever called while m.mu is
		// held (from activateNextSegment, itself called from Allocate);
		// calling flush.RequestFlush inline from there would be exactly
		// the synchronous-flush-from-a-caller-lock hazard §4.2/§9
		// forbid. Require a disjoint executor whenever a flusher is
		// supplied rather than silently falling back to an inline call.
		return nil, fmt.Errorf("commitlog: valve executor is required whenever a flusher is supplied")
	}
	m := &SegmentManager{
		cfg:         cfg,
		bk:          bookkeeping,
		flush:       flush,
		valve:       valve,
		freeList:    make(chan int, cfg.MaxSegments),
		unCommitted: make(map[int]uint64),
	}

	buf := make([]byte, int(cfg.MaxSegments)*device.BlockSize)
	if err := bookkeeping.ReadBlock(context.Background(), cfg.StartOffset, cfg.MaxSegments, buf); err != nil {
		return nil, &DeviceIOError{Op: "bookkeeping scan", Err: err}
	}

	var maxSeen uint64
	for i := 0; i < cfg.MaxSegments; i++ {
		block := buf[i*device.BlockSize : (i+1)*device.BlockSize]
		id := binary.LittleEndian.Uint64(block[0:8])
		if hasNonZeroTail(block[8:]) {
			log.Warn("bookkeeping block %d has a non-zero reserved tail; treating reserved bytes as scratch, not data", i)
		}
		if id != 0 {
			m.unCommitted[i] = id
			if id > maxSeen {
				maxSeen = id
			}
		} else {
			m.freeList <- i
		}
	}
	m.nextID = maxSeen
	return m, nil
}

func hasNonZeroTail(tail []byte) bool {
	for _, b := range tail {
		if b != 0 {
			return true
		}
	}
	return false
}

// UnCommittedSlots returns a snapshot of the slot -> segment id map
// produced by the recovery scan, for the Replayer to iterate.
func (m *SegmentManager) UnCommittedSlots() map[int]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int]uint64, len(m.unCommitted))
	for k, v := range m.unCommitted {
		out[k] = v
	}
	return out
}

// Config returns the manager's configuration.
func (m *SegmentManager) Config() Config { return m.cfg }

// activateNextSegment takes a slot from the free-list (blocking if
// empty), mints a fresh id, writes its bookkeeping block, and makes it
// the active segment. blockCount is the reservation that triggered the
// activation, re-checked against whatever became active while this
// call was blocked. Caller must hold m.mu.
func (m *SegmentManager) activateNextSegment(blockCount int) error {
	if len(m.freeList) < int(float64(m.cfg.MaxSegments)*m.cfg.EmergencyValve) {
		m.flushOldestKeyspacesLocked()
	}

	var slot int
	select {
	case slot = <-m.freeList:
	default:
		// Block without holding the lock so recycleSegment and
		// discardCompletedSegments can make progress and refill the
		// free-list while we wait.
		m.mu.Unlock()
		slot = <-m.freeList
		m.mu.Lock()

		// Another Allocate call may have raced us here, taken its own
		// slot, and already activated a segment with room for this
		// reservation while we were blocked. Give the slot we just
		// took back rather than stranding a second, unused active
		// segment.
		if m.active != nil && m.active.hasCapacity(blockCount, m.cfg.BlocksPerSegment) {
			m.freeList <- slot
			return nil
		}
	}

	id := atomic.AddUint64(&m.nextID, 1)

	for i := range m.bkScratch {
		m.bkScratch[i] = 0
	}
	binary.LittleEndian.PutUint64(m.bkScratch[0:8], id)
	if err := m.bk.WriteBlock(context.Background(), m.cfg.StartOffset+int64(slot), 1, m.bkScratch[:]); err != nil {
		return &BookkeepingCorruptError{SlotIndex: slot, Err: err}
	}

	seg := newSegment(slot, id)
	m.active = seg
	m.activeList = append(m.activeList, seg)
	return nil
}

// Allocate reserves blockCount blocks for cf in the active segment,
// activating a new one first if needed (§4.2 "allocate").
func (m *SegmentManager) Allocate(blockCount int, cf CFID) (FlashRecordKeeper, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if blockCount > int(m.cfg.BlocksPerSegment) {
		return FlashRecordKeeper{}, &RecordTooLargeError{BlockCount: blockCount, Limit: int(m.cfg.BlocksPerSegment)}
	}

	if m.active == nil || !m.active.hasCapacity(blockCount, m.cfg.BlocksPerSegment) {
		if err := m.activateNextSegment(blockCount); err != nil {
			return FlashRecordKeeper{}, err
		}
	}

	start, ok := m.active.reserve(blockCount, cf, m.cfg.BlocksPerSegment)
	if !ok {
		// The capacity check above raced with another reservation on
		// the same segment; this cannot happen, since activateNextSegment
		// re-checks capacity after it re-acquires m.mu, but fail loudly
		// rather than silently wrap.
		return FlashRecordKeeper{}, fmt.Errorf("commitlog: segment %d has no room for %d blocks after capacity check", m.active.ID, blockCount)
	}

	return FlashRecordKeeper{
		SegmentID:     m.active.ID,
		SegmentSlot:   m.active.SlotIndex,
		StartingBlock: start,
		BlockCount:    blockCount,
	}, nil
}

// ActiveReplayPosition returns the current active segment's replay
// position, or the zero value if no segment has been activated yet.
func (m *SegmentManager) ActiveReplayPosition() ReplayPosition {
	m.mu.Lock()
	active := m.active
	m.mu.Unlock()
	if active == nil {
		return ReplayPosition{}
	}
	return active.replayPosition()
}

// ActiveSegments returns a snapshot of the active-segments list,
// oldest first.
func (m *SegmentManager) ActiveSegments() []*Segment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Segment, len(m.activeList))
	copy(out, m.activeList)
	return out
}

// MarkClean removes cf from segment's dirty map if watermark covers
// every dirty entry for cf in it (§4.2).
func (m *SegmentManager) MarkClean(segment *Segment, cf CFID, watermark ReplayPosition) {
	segment.markClean(cf, watermark)
}

// RecycleSegment removes segment from the active list, zeroes its
// bookkeeping block, and returns its slot to the free-list (§4.2).
func (m *SegmentManager) RecycleSegment(segment *Segment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recycleSegmentLocked(segment)
}

func (m *SegmentManager) recycleSegmentLocked(segment *Segment) error {
	for i, s := range m.activeList {
		if s == segment {
			m.activeList = append(m.activeList[:i], m.activeList[i+1:]...)
			break
		}
	}
	if m.active == segment {
		m.active = nil
	}

	for i := range m.bkScratch {
		m.bkScratch[i] = 0
	}
	if err := m.bk.WriteBlock(context.Background(), m.cfg.StartOffset+int64(segment.SlotIndex), 1, m.bkScratch[:]); err != nil {
		return &BookkeepingCorruptError{SlotIndex: segment.SlotIndex, Err: err}
	}
	m.freeList <- segment.SlotIndex
	return nil
}

// flushOldestKeyspacesLocked enqueues a flush request for every CF
// dirty in the oldest non-active segment, on the optional-tasks
// executor, never synchronously (§4.2, §9). Caller must hold m.mu.
// NewSegmentManager rejects a non-nil flush paired with a nil valve,
// so m.valve is always non-nil here whenever m.flush is.
func (m *SegmentManager) flushOldestKeyspacesLocked() {
	if len(m.activeList) == 0 || m.flush == nil {
		return
	}
	oldest := m.activeList[0]
	for _, cf := range oldest.dirtyCFs() {
		cf := cf
		m.valve.Submit(func() { m.flush.RequestFlush(cf) })
	}
}

// ForceRecycleAll marks every segment clean for each dropped CF, then
// recycles every currently-unused segment except the active one, which
// stays in place even when unused (§4.2).
func (m *SegmentManager) ForceRecycleAll(droppedCFs []CFID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	farFuture := ReplayPosition{SegmentID: ^uint64(0), BlockOffset: 1 << 62}
	for _, s := range m.activeList {
		for _, cf := range droppedCFs {
			s.markClean(cf, farFuture)
		}
	}

	var toRecycle []*Segment
	for _, s := range m.activeList {
		if s.isUnused() && s != m.active {
			toRecycle = append(toRecycle, s)
		}
	}
	for _, s := range toRecycle {
		if err := m.recycleSegmentLocked(s); err != nil {
			return err
		}
	}
	return nil
}

// RecycleAfterReplay zeroes the bookkeeping blocks for every slot the
// recovery scan found un-committed, returns them to the free-list, and
// clears the map (§4.2). Called once, after the Replayer finishes.
func (m *SegmentManager) RecycleAfterReplay() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for slot := range m.unCommitted {
		for i := range m.bkScratch {
			m.bkScratch[i] = 0
		}
		if err := m.bk.WriteBlock(context.Background(), m.cfg.StartOffset+int64(slot), 1, m.bkScratch[:]); err != nil {
			return &BookkeepingCorruptError{SlotIndex: slot, Err: err}
		}
		m.freeList <- slot
	}
	m.unCommitted = make(map[int]uint64)
	return nil
}

// FreeListLen reports the number of free slots, for tests and metrics.
func (m *SegmentManager) FreeListLen() int {
	return len(m.freeList)
}
