package session

import (
	"encoding/binary"
	"fmt"
)

// Frame is the session-layer wire unit: one FEC shard plus piggyback
// telemetry about this endpoint's downstream reception (spec 6.1).
type Frame struct {
	FrameNo          uint64
	RunNo            uint64
	RunIdx           uint8
	DataShards       uint8
	ParityShards     uint8
	HighRecvFrameNo  uint64
	TotalRecvFrames  uint64
	Body             []byte
}

// Validate enforces the wire invariants from spec 6.1.
func (f *Frame) Validate() error {
	if f.DataShards == 0 {
		return fmt.Errorf("frame %d: data_shards must be >= 1", f.FrameNo)
	}
	total := int(f.DataShards) + int(f.ParityShards)
	if total > 255 {
		return fmt.Errorf("frame %d: data_shards+parity_shards %d exceeds 255", f.FrameNo, total)
	}
	if int(f.RunIdx) >= total {
		return fmt.Errorf("frame %d: run_idx %d out of range for shape %d", f.FrameNo, f.RunIdx, total)
	}
	return nil
}

// Marshal serialises a Frame in the field order from spec 6.1: two u64s,
// the three u8 shape fields, two more u64s, then a length-prefixed body.
func (f *Frame) Marshal() []byte {
	buf := make([]byte, 8+8+1+1+1+8+8+4+len(f.Body))
	off := 0
	binary.BigEndian.PutUint64(buf[off:], f.FrameNo)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], f.RunNo)
	off += 8
	buf[off] = f.RunIdx
	off++
	buf[off] = f.DataShards
	off++
	buf[off] = f.ParityShards
	off++
	binary.BigEndian.PutUint64(buf[off:], f.HighRecvFrameNo)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], f.TotalRecvFrames)
	off += 8
	binary.BigEndian.PutUint32(buf[off:], uint32(len(f.Body)))
	off += 4
	copy(buf[off:], f.Body)
	return buf
}

// Unmarshal parses a Frame previously produced by Marshal.
func Unmarshal(buf []byte) (*Frame, error) {
	const headerLen = 8 + 8 + 1 + 1 + 1 + 8 + 8 + 4
	if len(buf) < headerLen {
		return nil, fmt.Errorf("session: frame too short (%d bytes)", len(buf))
	}
	f := &Frame{}
	off := 0
	f.FrameNo = binary.BigEndian.Uint64(buf[off:])
	off += 8
	f.RunNo = binary.BigEndian.Uint64(buf[off:])
	off += 8
	f.RunIdx = buf[off]
	off++
	f.DataShards = buf[off]
	off++
	f.ParityShards = buf[off]
	off++
	f.HighRecvFrameNo = binary.BigEndian.Uint64(buf[off:])
	off += 8
	f.TotalRecvFrames = binary.BigEndian.Uint64(buf[off:])
	off += 8
	bodyLen := binary.BigEndian.Uint32(buf[off:])
	off += 4
	if len(buf[off:]) < int(bodyLen) {
		return nil, fmt.Errorf("session: frame body truncated, want %d have %d", bodyLen, len(buf[off:]))
	}
	f.Body = append([]byte(nil), buf[off:off+int(bodyLen)]...)
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}
