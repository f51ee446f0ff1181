// Package wire defines the messages exchanged between a loadout server and its
// observers.
//
// Control messages (hello, welcome, resync, bye) are JSON text messages.
// Deltas travel as binary messages holding a zstd compressed JSON Frame.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/oriumgames/loadout"
)

// Version is the protocol version. Peers with a different version are refused.
const Version = 1

// MaxFrameSize bounds the decompressed size of a frame.
const MaxFrameSize = 8 << 20

type MessageType string

const (
	TypeHello   MessageType = "HELLO"
	TypeWelcome MessageType = "WELCOME"
	TypeResync  MessageType = "RESYNC"
	TypeBye     MessageType = "BYE"
)

// Base is the common header of control messages.
type Base struct {
	Type            MessageType `json:"type"`
	ProtocolVersion int         `json:"protocol_version"`
}

// Hello is sent by an observer right after connecting.
type Hello struct {
	Type            MessageType `json:"type"`
	ProtocolVersion int         `json:"protocol_version"`
	Actor           uuid.UUID   `json:"actor"`
	// Digest is the catalog digest the observer decodes with. Empty skips the check.
	Digest   string `json:"digest,omitempty"`
	MaxQueue int    `json:"max_queue,omitempty"`
}

// Welcome acknowledges a Hello. The collections it lists are the ones the
// observer keeps replicas of.
type Welcome struct {
	Type            MessageType `json:"type"`
	ProtocolVersion int         `json:"protocol_version"`
	Actor           uuid.UUID   `json:"actor"`
	Collections     []uint32    `json:"collections"`
	Digest          string      `json:"digest,omitempty"`
}

// Resync asks for the full state of the actor again. Observers send it after
// a version gap.
type Resync struct {
	Type            MessageType `json:"type"`
	ProtocolVersion int         `json:"protocol_version"`
	Actor           uuid.UUID   `json:"actor"`
}

// Bye tells the observer the actor is gone.
type Bye struct {
	Type            MessageType `json:"type"`
	ProtocolVersion int         `json:"protocol_version"`
	Actor           uuid.UUID   `json:"actor"`
	Reason          string      `json:"reason,omitempty"`
}

// Frame carries the deltas of one actor. Deltas of one collection are in
// version order.
type Frame struct {
	Actor  uuid.UUID       `json:"actor"`
	Deltas []loadout.Delta `json:"deltas"`
	// Full marks the complete state sent on subscribe and resync. Observers
	// replace their replicas with it.
	Full   bool            `json:"full,omitempty"`
}

// DecodeBase reads the header of a control message.
func DecodeBase(b []byte) (Base, error) {
	var base Base
	if err := json.Unmarshal(b, &base); err != nil {
		return Base{}, err
	}
	if base.Type == "" {
		return Base{}, fmt.Errorf("missing message type")
	}
	return base, nil
}

// Codec compresses frames and snapshots. It is safe for concurrent use.
type Codec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewCodec creates a codec.
func NewCodec() (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxFrameSize))
	if err != nil {
		enc.Close()
		return nil, err
	}
	return &Codec{enc: enc, dec: dec}, nil
}

// Marshal encodes v as compressed JSON.
func (c *Codec) Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return c.enc.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}

// Unmarshal decodes compressed JSON produced by Marshal into v.
func (c *Codec) Unmarshal(b []byte, v any) error {
	raw, err := c.dec.DecodeAll(b, nil)
	if err != nil {
		return fmt.Errorf("decompress: %w", err)
	}
	return json.Unmarshal(raw, v)
}

// EncodeFrame encodes a frame for a binary message.
func (c *Codec) EncodeFrame(f Frame) ([]byte, error) {
	return c.Marshal(f)
}

// DecodeFrame decodes a binary message.
func (c *Codec) DecodeFrame(b []byte) (Frame, error) {
	var f Frame
	if err := c.Unmarshal(b, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}

// Close releases the compressor resources.
func (c *Codec) Close() {
	_ = c.enc.Close()
	c.dec.Close()
}
