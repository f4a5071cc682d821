package room

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
)

// Codec names accepted by CodecByName.
const (
	CodecJSON = "json"
	CodecCBOR = "cbor"
)

// Codec encodes the {type, message} frame envelope used on the room socket.
type Codec interface {
	// Name returns the configuration name of the codec.
	Name() string
	// MessageType is the websocket frame type used for writes.
	MessageType() int
	// EncodeFrame wraps payload in an envelope tagged with tag.
	EncodeFrame(tag string, payload any) ([]byte, error)
	// DecodeFrame splits an envelope into its tag and still-encoded payload.
	DecodeFrame(data []byte) (tag string, payload []byte, err error)
	// Unmarshal decodes a payload returned by DecodeFrame.
	Unmarshal(payload []byte, v any) error
}

// CodecByName resolves a configured codec name. Empty selects JSON.
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", CodecJSON:
		return JSONCodec{}, nil
	case CodecCBOR:
		return CBORCodec{}, nil
	default:
		return nil, fmt.Errorf("unsupported wire codec: %q", name)
	}
}

// JSONCodec sends envelopes as websocket text frames.
type JSONCodec struct{}

type jsonEnvelope struct {
	Type    string          `json:"type"`
	Message json.RawMessage `json:"message,omitempty"`
}

func (JSONCodec) Name() string { return CodecJSON }

func (JSONCodec) MessageType() int { return websocket.TextMessage }

func (JSONCodec) EncodeFrame(tag string, payload any) ([]byte, error) {
	env := jsonEnvelope{Type: tag}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", tag, err)
		}
		env.Message = raw
	}
	return json.Marshal(env)
}

func (JSONCodec) DecodeFrame(data []byte) (string, []byte, error) {
	var env jsonEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("invalid json frame: %w", err)
	}
	if env.Type == "" {
		return "", nil, fmt.Errorf("frame has no type")
	}
	return env.Type, env.Message, nil
}

func (JSONCodec) Unmarshal(payload []byte, v any) error {
	if len(payload) == 0 {
		return fmt.Errorf("empty payload")
	}
	return json.Unmarshal(payload, v)
}

// CBORCodec sends envelopes as websocket binary frames using Core
// Deterministic Encoding. Struct fields reuse their json tags.
type CBORCodec struct{}

type cborEnvelope struct {
	Type    string          `json:"type"`
	Message cbor.RawMessage `json:"message,omitempty"`
}

var (
	cborEncMode cbor.EncMode
	cborDecMode cbor.DecMode
)

func init() {
	var err error

	cborEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("room: CBOR encoder initialization failed: " + err.Error())
	}

	// Opaque payloads (status) decode into any; keep them JSON-compatible.
	cborDecMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("room: CBOR decoder initialization failed: " + err.Error())
	}
}

func (CBORCodec) Name() string { return CodecCBOR }

func (CBORCodec) MessageType() int { return websocket.BinaryMessage }

func (CBORCodec) EncodeFrame(tag string, payload any) ([]byte, error) {
	env := cborEnvelope{Type: tag}
	if payload != nil {
		raw, err := cborEncMode.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", tag, err)
		}
		env.Message = raw
	}
	return cborEncMode.Marshal(env)
}

func (CBORCodec) DecodeFrame(data []byte) (string, []byte, error) {
	var env cborEnvelope
	if err := cborDecMode.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("invalid cbor frame: %w", err)
	}
	if env.Type == "" {
		return "", nil, fmt.Errorf("frame has no type")
	}
	return env.Type, env.Message, nil
}

func (CBORCodec) Unmarshal(payload []byte, v any) error {
	if len(payload) == 0 {
		return fmt.Errorf("empty payload")
	}
	return cborDecMode.Unmarshal(payload, v)
}

// Frame is one inbound message with its payload still encoded.
type Frame struct {
	Type    string
	payload []byte
	codec   Codec
}

// NewFrame builds a frame as if it had been received through codec.
func NewFrame(codec Codec, tag string, payload any) (Frame, error) {
	data, err := codec.EncodeFrame(tag, payload)
	if err != nil {
		return Frame{}, err
	}
	return parseFrame(codec, data)
}

func parseFrame(codec Codec, data []byte) (Frame, error) {
	tag, payload, err := codec.DecodeFrame(data)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: tag, payload: payload, codec: codec}, nil
}

// HasPayload reports whether the frame carried a message body.
func (f Frame) HasPayload() bool {
	return len(f.payload) > 0
}

// Decode unmarshals the frame payload into v.
func (f Frame) Decode(v any) error {
	if f.codec == nil {
		return fmt.Errorf("frame %q has no codec", f.Type)
	}
	return f.codec.Unmarshal(f.payload, v)
}
