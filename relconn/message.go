// Package relconn implements the reliable, in-order connection layer:
// sequence numbers, selective-ack-driven retransmission, a reordering
// buffer, and a BDP-scaled congestion controller, multiplexed as stream
// messages over a session.Session.
package relconn

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// Seqno is a monotone identifier, unique per direction per connection.
type Seqno = uint64

// Kind discriminates the stream message variants (spec 3).
type Kind uint8

const (
	KindData Kind = iota
	KindDataAck
	KindSyn
	KindFin
	KindRst
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "Data"
	case KindDataAck:
		return "DataAck"
	case KindSyn:
		return "Syn"
	case KindFin:
		return "Fin"
	case KindRst:
		return "Rst"
	default:
		return "Unknown"
	}
}

// Message is the tagged stream-message variant from spec 3: Data carries
// application bytes, DataAck carries a selective-ack set plus the
// cumulative lowest_unseen, and Syn/Fin/Rst are control messages with no
// payload.
type Message struct {
	Kind Kind

	// Data
	Seqno   Seqno
	Payload []byte

	// DataAck
	Acked        map[Seqno]struct{}
	LowestUnseen Seqno
}

// NewData builds a Data message.
func NewData(seqno Seqno, payload []byte) Message {
	return Message{Kind: KindData, Seqno: seqno, Payload: payload}
}

// NewDataAck builds a DataAck message.
func NewDataAck(acked map[Seqno]struct{}, lowestUnseen Seqno) Message {
	return Message{Kind: KindDataAck, Acked: acked, LowestUnseen: lowestUnseen}
}

// NewSyn, NewFin, and NewRst build the corresponding control messages.
func NewSyn() Message { return Message{Kind: KindSyn} }
func NewFin() Message { return Message{Kind: KindFin} }
func NewRst() Message { return Message{Kind: KindRst} }

// Marshal serialises a Message for transit as one session payload.
func (m Message) Marshal() []byte {
	switch m.Kind {
	case KindData:
		buf := make([]byte, 1+8+len(m.Payload))
		buf[0] = byte(KindData)
		binary.BigEndian.PutUint64(buf[1:], m.Seqno)
		copy(buf[9:], m.Payload)
		return buf
	case KindDataAck:
		acked := make([]Seqno, 0, len(m.Acked))
		for s := range m.Acked {
			acked = append(acked, s)
		}
		sort.Slice(acked, func(i, j int) bool { return acked[i] < acked[j] })
		buf := make([]byte, 1+8+4+8*len(acked))
		buf[0] = byte(KindDataAck)
		binary.BigEndian.PutUint64(buf[1:], m.LowestUnseen)
		binary.BigEndian.PutUint32(buf[9:], uint32(len(acked)))
		off := 13
		for _, s := range acked {
			binary.BigEndian.PutUint64(buf[off:], s)
			off += 8
		}
		return buf
	default:
		return []byte{byte(m.Kind)}
	}
}

// ParseMessage parses a Message previously produced by Marshal.
func ParseMessage(buf []byte) (Message, error) {
	if len(buf) < 1 {
		return Message{}, fmt.Errorf("relconn: empty message")
	}
	kind := Kind(buf[0])
	switch kind {
	case KindData:
		if len(buf) < 9 {
			return Message{}, fmt.Errorf("relconn: truncated Data message")
		}
		seqno := binary.BigEndian.Uint64(buf[1:9])
		payload := append([]byte(nil), buf[9:]...)
		return NewData(seqno, payload), nil
	case KindDataAck:
		if len(buf) < 13 {
			return Message{}, fmt.Errorf("relconn: truncated DataAck message")
		}
		lowest := binary.BigEndian.Uint64(buf[1:9])
		n := binary.BigEndian.Uint32(buf[9:13])
		if len(buf) < 13+8*int(n) {
			return Message{}, fmt.Errorf("relconn: truncated DataAck set")
		}
		acked := make(map[Seqno]struct{}, n)
		off := 13
		for i := uint32(0); i < n; i++ {
			acked[binary.BigEndian.Uint64(buf[off:])] = struct{}{}
			off += 8
		}
		return NewDataAck(acked, lowest), nil
	case KindSyn:
		return NewSyn(), nil
	case KindFin:
		return NewFin(), nil
	case KindRst:
		return NewRst(), nil
	default:
		return Message{}, fmt.Errorf("relconn: unknown message kind %d", kind)
	}
}
