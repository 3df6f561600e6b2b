package commitlog

import "sync"

// ReplayPosition is the (segment_id, block_offset) watermark described
// in spec §3. It forms a total order by lexicographic comparison on
// (SegmentID, BlockOffset).
type ReplayPosition struct {
	SegmentID   uint64
	BlockOffset int64
}

// Less reports whether p sorts strictly before other.
func (p ReplayPosition) Less(other ReplayPosition) bool {
	if p.SegmentID != other.SegmentID {
		return p.SegmentID < other.SegmentID
	}
	return p.BlockOffset < other.BlockOffset
}

// MinReplayPosition returns the elementwise-lexicographic minimum of
// the given positions, used to compute the global replay floor (§4.5).
func MinReplayPosition(positions ...ReplayPosition) ReplayPosition {
	if len(positions) == 0 {
		return ReplayPosition{}
	}
	min := positions[0]
	for _, p := range positions[1:] {
		if p.Less(min) {
			min = p
		}
	}
	return min
}

// CFID identifies a column family by the external catalog's own id
// scheme; the core never looks inside it.
type CFID uint64

// Segment is one slot's current occupant: an id, a write cursor, and a
// dirty map of column families with un-flushed data in it (spec §3).
type Segment struct {
	mu sync.Mutex

	SlotIndex int
	ID        uint64

	// cursor is the next free block offset within the segment, in [0, K].
	cursor int64

	// dirty maps CF id -> highest in-segment block offset holding data
	// not yet covered by a flush watermark for that CF (invariant I4).
	dirty map[CFID]int64
}

func newSegment(slotIndex int, id uint64) *Segment {
	return &Segment{
		SlotIndex: slotIndex,
		ID:        id,
		dirty:     make(map[CFID]int64),
	}
}

// Cursor returns the current write cursor.
func (s *Segment) Cursor() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// replayPosition returns this segment's current replay position: its
// id paired with its write cursor.
func (s *Segment) replayPosition() ReplayPosition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ReplayPosition{SegmentID: s.ID, BlockOffset: s.cursor}
}

// reserve advances the cursor by blockCount blocks and returns the
// offset the reservation starts at. Caller must already hold whatever
// lock serializes allocation (the manager lock); this method does not
// itself provide mutual exclusion against concurrent reserve calls,
// only against concurrent readers of cursor/dirty.
func (s *Segment) reserve(blockCount int, cf CFID, blocksPerSegment int64) (startOffset int64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cursor+int64(blockCount) > blocksPerSegment {
		return 0, false
	}
	// The dirty watermark is recorded at the record's starting offset,
	// resolving the Open Question in spec §9: a flush watermark at
	// position p must still consider this record dirty until p is
	// strictly past where the record began, so start (not end) is the
	// conservative and therefore correct choice.
	startOffset = s.cursor
	if prev, ok := s.dirty[cf]; !ok || startOffset > prev {
		s.dirty[cf] = startOffset
	}
	s.cursor += int64(blockCount)
	return startOffset, true
}

func (s *Segment) hasCapacity(blockCount int, blocksPerSegment int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor+int64(blockCount) <= blocksPerSegment
}

// markClean removes cf from the dirty map if watermark covers every
// dirty entry recorded for it in this segment.
func (s *Segment) markClean(cf CFID, watermark ReplayPosition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.dirty[cf]
	if !ok {
		return
	}
	if watermark.SegmentID > s.ID || (watermark.SegmentID == s.ID && watermark.BlockOffset > pos) {
		delete(s.dirty, cf)
	}
}

// isUnused reports whether the dirty map is empty (invariant: isUnused
// iff dirty map is empty).
func (s *Segment) isUnused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dirty) == 0
}

// dirtyCFs returns a snapshot of the column families currently dirty
// in this segment, for flushOldestKeyspaces.
func (s *Segment) dirtyCFs() []CFID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CFID, 0, len(s.dirty))
	for cf := range s.dirty {
		out = append(out, cf)
	}
	return out
}
