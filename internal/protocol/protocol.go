package protocol

import (
	"fmt"

	devsyncerrors "github.com/HirenKhatri7/DevSync/internal/errors"
)

// Outer message tags on the wire.
const (
	tagSync           uint64 = 0
	tagAwareness      uint64 = 1
	tagQueryAwareness uint64 = 3
)

// Sync steps carried after tagSync.
const (
	stepSyncStep1 uint64 = 0
	stepSyncStep2 uint64 = 1
	stepUpdate    uint64 = 2
)

// Kind identifies a decoded message.
type Kind uint8

const (
	// KindSyncStep1 carries a version vector: "send me what I'm missing".
	KindSyncStep1 Kind = iota + 1
	// KindSyncStep2 carries the delta answering a SyncStep1.
	KindSyncStep2
	// KindUpdate carries an unsolicited delta.
	KindUpdate
	// KindAwareness carries encoded awareness entries.
	KindAwareness
	// KindQueryAwareness asks for the full awareness state. It has no payload.
	KindQueryAwareness
)

func (k Kind) String() string {
	switch k {
	case KindSyncStep1:
		return "sync_step1"
	case KindSyncStep2:
		return "sync_step2"
	case KindUpdate:
		return "update"
	case KindAwareness:
		return "awareness"
	case KindQueryAwareness:
		return "query_awareness"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Message is one frame of the document protocol.
type Message struct {
	Kind    Kind
	Payload []byte
}

// SyncStep1 builds a message announcing the given encoded version vector.
func SyncStep1(vector []byte) Message { return Message{Kind: KindSyncStep1, Payload: vector} }

// SyncStep2 builds a message answering a SyncStep1 with delta.
func SyncStep2(delta []byte) Message { return Message{Kind: KindSyncStep2, Payload: delta} }

// Update builds an unsolicited delta message.
func Update(delta []byte) Message { return Message{Kind: KindUpdate, Payload: delta} }

// Awareness builds a message carrying an encoded awareness update.
func Awareness(update []byte) Message { return Message{Kind: KindAwareness, Payload: update} }

// Encode serializes m. Encoding an unknown Kind panics since only this
// package constructs kinds.
func Encode(m Message) []byte {
	w := NewWriter(len(m.Payload) + 8)
	switch m.Kind {
	case KindSyncStep1:
		w.WriteVarUint(tagSync)
		w.WriteVarUint(stepSyncStep1)
		w.WriteVarBytes(m.Payload)
	case KindSyncStep2:
		w.WriteVarUint(tagSync)
		w.WriteVarUint(stepSyncStep2)
		w.WriteVarBytes(m.Payload)
	case KindUpdate:
		w.WriteVarUint(tagSync)
		w.WriteVarUint(stepUpdate)
		w.WriteVarBytes(m.Payload)
	case KindAwareness:
		w.WriteVarUint(tagAwareness)
		w.WriteVarBytes(m.Payload)
	case KindQueryAwareness:
		w.WriteVarUint(tagQueryAwareness)
	default:
		panic(fmt.Sprintf("protocol: cannot encode %v", m.Kind))
	}
	return w.Bytes()
}

// Decode parses one frame. Truncated frames fail with a MalformedMessageError;
// unrecognized tags fail with ErrUnknownMessage. Bytes after the payload are ignored.
func Decode(data []byte) (Message, error) {
	if len(data) == 0 {
		return Message{}, devsyncerrors.Malformed("empty message")
	}
	r := NewReader(data)
	tag, err := r.ReadVarUint()
	if err != nil {
		return Message{}, err
	}

	switch tag {
	case tagSync:
		step, err := r.ReadVarUint()
		if err != nil {
			return Message{}, err
		}
		var kind Kind
		switch step {
		case stepSyncStep1:
			kind = KindSyncStep1
		case stepSyncStep2:
			kind = KindSyncStep2
		case stepUpdate:
			kind = KindUpdate
		default:
			return Message{}, fmt.Errorf("sync step %d: %w", step, devsyncerrors.ErrUnknownMessage)
		}
		payload, err := r.ReadVarBytes()
		if err != nil {
			return Message{}, err
		}
		return Message{Kind: kind, Payload: payload}, nil
	case tagAwareness:
		payload, err := r.ReadVarBytes()
		if err != nil {
			return Message{}, err
		}
		return Message{Kind: KindAwareness, Payload: payload}, nil
	case tagQueryAwareness:
		return Message{Kind: KindQueryAwareness}, nil
	default:
		return Message{}, fmt.Errorf("tag %d: %w", tag, devsyncerrors.ErrUnknownMessage)
	}
}
