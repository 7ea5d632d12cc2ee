// Package codec defines the wire encodings a socket can negotiate.
package codec

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	json "github.com/goccy/go-json"

	"github.com/clusterui/realtime/pkg/constants"
)

type Encoder interface {
	Encode(v any) error
}

type Decoder interface {
	Decode(v any) error
}

type Marshaler interface {
	Marshal(v any) ([]byte, error)
	NewEncoder(w io.Writer) Encoder
}

type Unmarshaler interface {
	Unmarshal(data []byte, dst any) error
	NewDecoder(r io.Reader) Decoder
}

// Codec is both halves, which is what sockets need.
type Codec interface {
	Marshaler
	Unmarshaler
	// Binary reports whether frames must be sent as binary websocket messages.
	Binary() bool
}

// JSON is the default socket encoding.
type JSON struct{}

func (JSON) Marshal(v any) ([]byte, error)        { return json.Marshal(v) }
func (JSON) Unmarshal(data []byte, dst any) error { return json.Unmarshal(data, dst) }
func (JSON) NewEncoder(w io.Writer) Encoder       { return json.NewEncoder(w) }
func (JSON) NewDecoder(r io.Reader) Decoder       { return json.NewDecoder(r) }
func (JSON) Binary() bool                         { return false }

var mapStringAny = reflect.TypeOf(map[string]any(nil))

// CBOR is negotiated with the "cbor" websocket subprotocol.
//
// Maps decode as map[string]any so that payloads look the same to the
// pipeline and reconciliation layers regardless of the negotiated codec.
type CBOR struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func NewCBOR() *CBOR {
	enc, err := cbor.EncOptions{Sort: cbor.SortCanonical}.EncMode()
	if err != nil {
		panic("codec: cbor enc mode: " + err.Error())
	}
	dec, err := cbor.DecOptions{
		DefaultMapType: mapStringAny,
		IntDec:         cbor.IntDecConvertSigned,
	}.DecMode()
	if err != nil {
		panic("codec: cbor dec mode: " + err.Error())
	}
	return &CBOR{enc: enc, dec: dec}
}

func (c *CBOR) Marshal(v any) ([]byte, error)        { return c.enc.Marshal(v) }
func (c *CBOR) Unmarshal(data []byte, dst any) error { return c.dec.Unmarshal(data, dst) }
func (c *CBOR) NewEncoder(w io.Writer) Encoder       { return c.enc.NewEncoder(w) }
func (c *CBOR) NewDecoder(r io.Reader) Decoder       { return c.dec.NewDecoder(r) }
func (c *CBOR) Binary() bool                         { return true }

// ForSubprotocol picks the codec for a negotiated websocket subprotocol.
func ForSubprotocol(name string) Codec {
	if name == constants.CBORSubprotocol {
		return NewCBOR()
	}
	return JSON{}
}
