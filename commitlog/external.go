package commitlog

import "context"

// Mutation is the opaque, already-serialized payload the core persists
// and replays. Serialization format is a host-database concern (§1);
// the core only needs bytes in and the ability to ask the host to
// re-split replayed bytes by column family.
type Mutation interface {
	// Serialize returns the wire bytes to place in a record's payload.
	Serialize() []byte
}

// MutationCodec deserializes a record's payload back into per-CF
// sub-mutations during replay, and rebuilds a filtered Mutation from
// the subset that survives filtering (§4.5).
type MutationCodec interface {
	Deserialize(payload []byte) ([]SubMutation, error)
	Rebuild(survivors []SubMutation) Mutation
}

// SubMutation is one column family's portion of a decoded Mutation.
type SubMutation struct {
	CF   CFID
	Data []byte
}

// Executor abstracts the external executors the spec requires the
// core never block its own threads on: the mutation-apply executor
// used during replay fan-out, and the optional-tasks executor used for
// emergency-valve flush requests. Both are just "run this elsewhere".
type Executor interface {
	Submit(task func())
}

// Flusher is the external flusher the emergency valve and
// discardCompletedSegments's flush path push work through. It must run
// on an executor disjoint from the worker pool and from caller threads
// (§4.2, §9).
type Flusher interface {
	// RequestFlush asks the host database to flush cf; it must not
	// block the calling goroutine on the flush itself.
	RequestFlush(cf CFID)
}

// ReplayPositionSource reports, per CF, the replay position already
// covered by flushed on-disk tables (§4.5).
type ReplayPositionSource interface {
	GetReplayPosition(cf CFID) ReplayPosition
}

// TruncatedPositionSource reports a recorded "truncated at" position
// for a CF, if any, used to bump the replay floor forward (§4.5).
type TruncatedPositionSource interface {
	GetTruncatedPosition(cf CFID) (ReplayPosition, bool)
}

// SchemaLookup tells the replayer whether a CF still exists; missing
// CFs have their sub-mutations silently dropped (§7).
type SchemaLookup interface {
	Exists(cf CFID) bool
}

// MutationApplier is the host database's apply stage: replay submits
// surviving mutations here instead of writing them itself (§4.5).
type MutationApplier interface {
	Apply(ctx context.Context, m Mutation) error
}
