package rooms

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Wire frames exchanged over a room's websocket are binary and varint framed,
// following the shape of the Yjs sync handshake:
//
//	frame := varuint messageType, body
//	messageSync:      varuint syncType, varuint len, payload
//	messageAwareness: varuint len, payload
//
// Sync payloads are CRDT state vectors (step 1) or updates (step 2 and
// incremental updates); awareness payloads are opaque presence blobs that are
// relayed but never persisted.

const (
	// MessageSync carries document synchronization payloads.
	MessageSync uint64 = 0
	// MessageAwareness carries presence payloads (cursor position, identity).
	MessageAwareness uint64 = 1

	// SyncStep1 announces a state vector and requests the missing diff.
	SyncStep1 uint64 = 0
	// SyncStep2 answers a step 1 with the requested diff.
	SyncStep2 uint64 = 1
	// SyncUpdate carries an incremental document update.
	SyncUpdate uint64 = 2
)

const maxFramePayload = 8 << 20

// ErrInvalidFrame indicates that a wire frame could not be decoded.
var ErrInvalidFrame = errors.New("rooms: invalid frame")

// Message is a decoded wire frame.
type Message struct {
	Type     uint64
	SyncType uint64
	Payload  []byte
}

func encodeFrame(messageType, syncType uint64, payload []byte, withSyncType bool) []byte {
	buffer := binary.AppendUvarint(nil, messageType)
	if withSyncType {
		buffer = binary.AppendUvarint(buffer, syncType)
	}
	buffer = binary.AppendUvarint(buffer, uint64(len(payload)))
	return append(buffer, payload...)
}

// EncodeSyncStep1 frames a state vector announcement.
func EncodeSyncStep1(stateVector []byte) []byte {
	return encodeFrame(MessageSync, SyncStep1, stateVector, true)
}

// EncodeSyncStep2 frames a diff answering a step 1.
func EncodeSyncStep2(update []byte) []byte {
	return encodeFrame(MessageSync, SyncStep2, update, true)
}

// EncodeSyncUpdate frames an incremental update broadcast.
func EncodeSyncUpdate(update []byte) []byte {
	return encodeFrame(MessageSync, SyncUpdate, update, true)
}

// EncodeAwareness frames a presence payload.
func EncodeAwareness(payload []byte) []byte {
	return encodeFrame(MessageAwareness, 0, payload, false)
}

// DecodeMessage parses a wire frame.
func DecodeMessage(frame []byte) (Message, error) {
	offset := 0
	messageType, read := binary.Uvarint(frame[offset:])
	if read <= 0 {
		return Message{}, fmt.Errorf("%w: missing message type", ErrInvalidFrame)
	}
	offset += read

	message := Message{Type: messageType}
	switch messageType {
	case MessageSync:
		syncType, read := binary.Uvarint(frame[offset:])
		if read <= 0 {
			return Message{}, fmt.Errorf("%w: missing sync type", ErrInvalidFrame)
		}
		offset += read
		if syncType != SyncStep1 && syncType != SyncStep2 && syncType != SyncUpdate {
			return Message{}, fmt.Errorf("%w: unknown sync type %d", ErrInvalidFrame, syncType)
		}
		message.SyncType = syncType
	case MessageAwareness:
	default:
		return Message{}, fmt.Errorf("%w: unknown message type %d", ErrInvalidFrame, messageType)
	}

	length, read := binary.Uvarint(frame[offset:])
	if read <= 0 {
		return Message{}, fmt.Errorf("%w: missing payload length", ErrInvalidFrame)
	}
	offset += read
	if length > maxFramePayload {
		return Message{}, fmt.Errorf("%w: payload length %d exceeds limit", ErrInvalidFrame, length)
	}
	if uint64(len(frame)-offset) != length {
		return Message{}, fmt.Errorf("%w: payload length mismatch", ErrInvalidFrame)
	}
	message.Payload = frame[offset:]
	return message, nil
}
