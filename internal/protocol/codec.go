package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// AckToken is the literal reply the receiver sends after applying a frame.
const AckToken = "ACK"

// HeaderSize is the width of the big-endian length prefix.
const HeaderSize = 4

// MaxFrameSize bounds a declared body length so a corrupt header cannot
// make the receiver allocate arbitrary memory.
const MaxFrameSize = 16 << 20

// EncodeFrame serializes an envelope into a length-prefixed JSON frame.
func EncodeFrame(env Envelope) ([]byte, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}

	frame := make([]byte, HeaderSize+len(body))
	binary.BigEndian.PutUint32(frame[:HeaderSize], uint32(len(body)))
	copy(frame[HeaderSize:], body)
	return frame, nil
}

// BodyLength parses the 4-byte length prefix.
func BodyLength(header []byte) (int, error) {
	if len(header) != HeaderSize {
		return 0, fmt.Errorf("header must be %d bytes, got %d", HeaderSize, len(header))
	}
	n := int(binary.BigEndian.Uint32(header))
	if n > MaxFrameSize {
		return 0, fmt.Errorf("declared body length %d exceeds limit", n)
	}
	return n, nil
}

type rawEnvelope struct {
	JobID    *int64  `json:"job_id"`
	Messages *[]Item `json:"messages"`
}

// DecodeBody parses a frame body, requiring both job_id and messages.
func DecodeBody(body []byte) (Envelope, error) {
	var raw rawEnvelope
	if err := json.Unmarshal(body, &raw); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if raw.JobID == nil {
		return Envelope{}, fmt.Errorf("job_id not found in message")
	}
	if raw.Messages == nil {
		return Envelope{}, fmt.Errorf("messages not found in message")
	}
	return Envelope{JobID: *raw.JobID, Messages: *raw.Messages}, nil
}
