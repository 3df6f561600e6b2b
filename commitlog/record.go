package commitlog

import (
	"encoding/binary"
	"hash/crc32"
	"strconv"

	"github.com/bedrisendir/cassandra-capiflash/device"
)

// headerSize is the sum of the four fixed fields: segment_id (8) +
// serialized_size (4) + header_checksum (8) + payload_checksum (8).
const headerSize = 28

// minSerializedSize is the smallest legal value of the serialized_size
// field: the four fixed fields plus the minimum payload the format
// supports (§3, §4.1).
const minSerializedSize = 38

// DecodeStatus classifies the outcome of decoding one record frame.
type DecodeStatus int

const (
	// StatusValid means a well-formed, checksum-verified record was read.
	StatusValid DecodeStatus = iota
	// StatusEndOfRecords means the segment_id in the frame did not match
	// the expected one: a clean, uninitialized tail, not corruption.
	StatusEndOfRecords
	// StatusCorrupt means the frame was structurally present but failed
	// a length or checksum check.
	StatusCorrupt
)

// DecodeResult is the outcome of RecordFramer.Decode.
type DecodeResult struct {
	Status     DecodeStatus
	Payload    []byte
	BlockCount int
	CorruptWhy string
}

// RecordFramer encodes and decodes the on-flash record frame described
// in spec §3. It is stateless; a single instance is safe to share
// across workers.
type RecordFramer struct{}

// RecordTooLargeError reports a record that needs more blocks than a cap
// allows: Encode returns it when out is too small for the framed record,
// CommitLog.Add when the per-segment or per-worker buffer cap is
// exceeded, and SegmentManager.Allocate when the per-segment cap is.
type RecordTooLargeError struct {
	BlockCount int
	Limit      int
}

func (e *RecordTooLargeError) Error() string {
	return "record too large: needs " + strconv.Itoa(e.BlockCount) + " blocks, limit is " + strconv.Itoa(e.Limit)
}

// Encode writes the framed record for segmentID/payload into out,
// zero-padded to a whole number of blocks, and returns the block count.
// out must be at least BlockCountFor(len(payload))*device.BlockSize
// bytes; Encode does not grow it.
func (RecordFramer) Encode(segmentID uint64, payload []byte, out []byte) (blockCount int, err error) {
	blockCount = BlockCountFor(len(payload))
	needed := blockCount * device.BlockSize
	if len(out) < needed {
		return 0, &RecordTooLargeError{BlockCount: blockCount, Limit: len(out) / device.BlockSize}
	}
	for i := range out[:needed] {
		out[i] = 0
	}

	serializedSize := uint32(headerSize + len(payload))
	binary.BigEndian.PutUint64(out[0:8], segmentID)
	binary.BigEndian.PutUint32(out[8:12], serializedSize)

	headerCRC := uint64(crc32.ChecksumIEEE(out[0:12]))
	binary.BigEndian.PutUint64(out[12:20], headerCRC)

	copy(out[20:20+len(payload)], payload)

	payloadCRC := uint64(crc32.ChecksumIEEE(out[20 : 20+len(payload)]))
	binary.BigEndian.PutUint64(out[20+len(payload):20+len(payload)+8], payloadCRC)

	return blockCount, nil
}

// BlockCountFor returns the number of whole blocks a payload of the
// given size requires once framed.
func BlockCountFor(payloadLen int) int {
	total := headerSize + payloadLen
	return (total + device.BlockSize - 1) / device.BlockSize
}

// Decode reads one frame from the start of blockBytes, which must hold
// at least one whole block. expectedSegmentID is the segment id the
// caller believes currently owns this location; a mismatch means the
// tail of the segment has been reached, not that the data is corrupt.
func (RecordFramer) Decode(blockBytes []byte, expectedSegmentID uint64) DecodeResult {
	if len(blockBytes) < headerSize {
		return DecodeResult{Status: StatusCorrupt, CorruptWhy: "short-buffer"}
	}

	segmentID := binary.BigEndian.Uint64(blockBytes[0:8])
	if segmentID != expectedSegmentID {
		return DecodeResult{Status: StatusEndOfRecords}
	}

	serializedSize := binary.BigEndian.Uint32(blockBytes[8:12])
	if serializedSize < minSerializedSize {
		return DecodeResult{Status: StatusCorrupt, CorruptWhy: "size"}
	}

	headerCRC := binary.BigEndian.Uint64(blockBytes[12:20])
	if uint64(crc32.ChecksumIEEE(blockBytes[0:12])) != headerCRC {
		return DecodeResult{Status: StatusCorrupt, CorruptWhy: "header-crc"}
	}

	payloadLen := int(serializedSize) - headerSize
	if len(blockBytes) < 20+payloadLen+8 {
		return DecodeResult{Status: StatusCorrupt, CorruptWhy: "size"}
	}

	payload := blockBytes[20 : 20+payloadLen]
	payloadCRC := binary.BigEndian.Uint64(blockBytes[20+payloadLen : 20+payloadLen+8])
	if uint64(crc32.ChecksumIEEE(payload)) != payloadCRC {
		return DecodeResult{Status: StatusCorrupt, CorruptWhy: "payload-crc"}
	}

	out := make([]byte, payloadLen)
	copy(out, payload)

	return DecodeResult{
		Status:     StatusValid,
		Payload:    out,
		BlockCount: BlockCountFor(payloadLen),
	}
}
