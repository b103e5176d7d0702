// Package transport carries document updates and awareness payloads between
// a replica and the relay: a binary websocket wire format plus a provider
// that reconnects with backoff and queues updates while offline.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Top-level message types. The leading uvarint of every frame.
const (
	MsgSync      uint64 = 0
	MsgAwareness uint64 = 1
	MsgAuth      uint64 = 2
)

// Sync subtypes. The second uvarint inside a SYNC frame.
const (
	SyncStep1  uint64 = 0 // state-vector request
	SyncStep2  uint64 = 1 // missing-ops response
	SyncUpdate uint64 = 2 // incremental update
)

var (
	ErrTruncatedFrame  = errors.New("transport: truncated frame")
	ErrUnknownMessage  = errors.New("transport: unknown message type")
	ErrUnknownSyncType = errors.New("transport: unknown sync subtype")
)

// Message is one decoded wire frame. SyncType is meaningful only when Type
// is MsgSync. Payload aliases the input buffer.
type Message struct {
	Type     uint64
	SyncType uint64
	Payload  []byte
}

func encodeFrame(msgType uint64, payload []byte) []byte {
	buf := binary.AppendUvarint(nil, msgType)
	buf = binary.AppendUvarint(buf, uint64(len(payload)))
	return append(buf, payload...)
}

func encodeSyncFrame(syncType uint64, payload []byte) []byte {
	buf := binary.AppendUvarint(nil, MsgSync)
	buf = binary.AppendUvarint(buf, syncType)
	buf = binary.AppendUvarint(buf, uint64(len(payload)))
	return append(buf, payload...)
}

// EncodeSyncStep1 frames a state-vector request.
func EncodeSyncStep1(stateVector []byte) []byte { return encodeSyncFrame(SyncStep1, stateVector) }

// EncodeSyncStep2 frames the ops answering a step-1 request.
func EncodeSyncStep2(update []byte) []byte { return encodeSyncFrame(SyncStep2, update) }

// EncodeSyncUpdate frames an incremental update broadcast.
func EncodeSyncUpdate(update []byte) []byte { return encodeSyncFrame(SyncUpdate, update) }

// EncodeAwareness frames an opaque awareness payload.
func EncodeAwareness(payload []byte) []byte { return encodeFrame(MsgAwareness, payload) }

// EncodeAuth frames an auth payload.
func EncodeAuth(payload []byte) []byte { return encodeFrame(MsgAuth, payload) }

// DecodeMessage parses one wire frame.
func DecodeMessage(data []byte) (Message, error) {
	msgType, n := binary.Uvarint(data)
	if n <= 0 {
		return Message{}, ErrTruncatedFrame
	}
	data = data[n:]

	msg := Message{Type: msgType}
	switch msgType {
	case MsgSync:
		syncType, n := binary.Uvarint(data)
		if n <= 0 {
			return Message{}, ErrTruncatedFrame
		}
		if syncType > SyncUpdate {
			return Message{}, fmt.Errorf("%w: %d", ErrUnknownSyncType, syncType)
		}
		msg.SyncType = syncType
		data = data[n:]
	case MsgAwareness, MsgAuth:
	default:
		return Message{}, fmt.Errorf("%w: %d", ErrUnknownMessage, msgType)
	}

	length, n := binary.Uvarint(data)
	if n <= 0 {
		return Message{}, ErrTruncatedFrame
	}
	data = data[n:]
	if uint64(len(data)) < length {
		return Message{}, ErrTruncatedFrame
	}
	msg.Payload = data[:length]
	return msg, nil
}
