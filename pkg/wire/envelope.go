package wire

import (
	"errors"

	"github.com/fxamacker/cbor/v2"
	json "github.com/goccy/go-json"
)

// FrameType tags every message on the socket.
type FrameType string

const (
	// FrameRequest is a verb call, acked or fire-and-forget.
	FrameRequest FrameType = "request"
	// FrameSubscribe starts a stream route on a channel.
	FrameSubscribe FrameType = "subscribe"
	// FrameEnd ends a channel.
	FrameEnd FrameType = "end"
	// FrameResponse answers exactly one acked request.
	FrameResponse FrameType = "response"
	// FrameStream carries one delivered channel value.
	FrameStream FrameType = "stream"
	// FrameStreamError carries one failed subscription iteration.
	FrameStreamError FrameType = "stream_error"
)

// Shape tells the receiver how to reconcile a stream value into bound state.
type Shape string

const (
	ShapeEntity       Shape = "entity"
	ShapeResourceList Shape = "list"
	ShapeDataSeries   Shape = "series"
)

// Options carries everything about a verb call except the path.
type Options struct {
	Method string            `json:"method" cbor:"method"`
	Qs     map[string]any    `json:"qs,omitempty" cbor:"qs,omitempty"`
	JSON   any               `json:"json,omitempty" cbor:"json,omitempty"`
	Header map[string]string `json:"headers,omitempty" cbor:"headers,omitempty"`
	// JSONMask selects a subset of the response body by gjson path.
	JSONMask []string `json:"jsonMask,omitempty" cbor:"jsonMask,omitempty"`
}

// Request is the client to gateway frame.
type Request struct {
	ID      string    `json:"id,omitempty" cbor:"id,omitempty"`
	Type    FrameType `json:"type" cbor:"type"`
	Channel string    `json:"channel,omitempty" cbor:"channel,omitempty"`
	Route   string    `json:"route,omitempty" cbor:"route,omitempty"`
	Path    string    `json:"path,omitempty" cbor:"path,omitempty"`
	Options Options   `json:"options" cbor:"options"`
	Ack     bool      `json:"ack,omitempty" cbor:"ack,omitempty"`
	// Shape asks a stream route to tag its values; routes may infer it.
	Shape Shape `json:"shape,omitempty" cbor:"shape,omitempty"`
	// Replay marks a request re-sent from the replay queue after a reconnect,
	// as opposed to a fresh user action.
	Replay bool `json:"replay,omitempty" cbor:"replay,omitempty"`
}

// Verb validates and returns the request's method.
func (r *Request) Verb() (Verb, error) {
	if r.Options.Method == "" {
		return "", &ValidationError{Field: "method", Reason: "missing"}
	}
	return ParseVerb(r.Options.Method)
}

// ErrorBody is the error half of a Response.
type ErrorBody struct {
	Message string `json:"message" cbor:"message"`
	Name    string `json:"name" cbor:"name"`
	Stack   string `json:"stack,omitempty" cbor:"stack,omitempty"`
}

// Response is the gateway to client frame. Exactly one of Body and Error is set
// on response frames; stream frames use Body, stream_error frames use Error.
type Response struct {
	ID         string     `json:"id,omitempty" cbor:"id,omitempty"`
	Type       FrameType  `json:"type" cbor:"type"`
	Channel    string     `json:"channel,omitempty" cbor:"channel,omitempty"`
	Shape      Shape      `json:"shape,omitempty" cbor:"shape,omitempty"`
	StatusCode int        `json:"statusCode" cbor:"statusCode"`
	Body       any        `json:"body" cbor:"body"`
	Error      *ErrorBody `json:"error,omitempty" cbor:"error,omitempty"`
}

type frameHeader struct {
	ID         string    `json:"id,omitempty" cbor:"id,omitempty"`
	Type       FrameType `json:"type" cbor:"type"`
	Channel    string    `json:"channel,omitempty" cbor:"channel,omitempty"`
	Shape      Shape     `json:"shape,omitempty" cbor:"shape,omitempty"`
	StatusCode int       `json:"statusCode" cbor:"statusCode"`
}

type bodyFrame struct {
	frameHeader
	Body any `json:"body" cbor:"body"`
}

type errorFrame struct {
	frameHeader
	Error *ErrorBody `json:"error" cbor:"error"`
}

var cborFrameEncoder = func() cbor.EncMode {
	enc, err := cbor.EncOptions{Sort: cbor.SortCanonical}.EncMode()
	if err != nil {
		panic("wire: cbor enc mode: " + err.Error())
	}
	return enc
}()

// frame picks the encoded form. A success always carries body, even when it
// is null, and never error.
func (r Response) frame() any {
	h := frameHeader{ID: r.ID, Type: r.Type, Channel: r.Channel, Shape: r.Shape, StatusCode: r.StatusCode}
	if r.Error != nil {
		return errorFrame{frameHeader: h, Error: r.Error}
	}
	return bodyFrame{frameHeader: h, Body: r.Body}
}

func (r Response) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.frame())
}

func (r Response) MarshalCBOR() ([]byte, error) {
	return cborFrameEncoder.Marshal(r.frame())
}

// IsError reports whether this is an error envelope.
func (r *Response) IsError() bool {
	return r.Error != nil
}

// Err converts an error envelope back into a typed error, or nil.
func (r *Response) Err() error {
	if r.Error == nil {
		return nil
	}
	switch {
	case r.StatusCode == 0:
		return &TransportError{Err: errors.New(r.Error.Message)}
	case r.Error.Name == validationErrorName:
		return &ValidationError{Reason: r.Error.Message}
	default:
		return &APIError{StatusCode: r.StatusCode, Message: r.Error.Message, Response: r}
	}
}

// Success builds a body envelope.
func Success(id string, statusCode int, body any) *Response {
	return &Response{ID: id, Type: FrameResponse, StatusCode: statusCode, Body: body}
}

// Failure builds an error envelope from any error, keeping the status code of
// typed errors and falling back to 500.
func Failure(id string, err error) *Response {
	return &Response{ID: id, Type: FrameResponse, StatusCode: StatusCode(err), Error: NewErrorBody(err)}
}

// NewErrorBody names the error after its taxonomy class.
func NewErrorBody(err error) *ErrorBody {
	body := &ErrorBody{Message: err.Error(), Name: "Error"}

	var (
		validationErr *ValidationError
		transportErr  *TransportError
		apiErr        *APIError
	)
	switch {
	case errors.As(err, &validationErr):
		body.Name = validationErrorName
	case errors.As(err, &transportErr):
		body.Name = transportErrorName
	case errors.As(err, &apiErr):
		body.Name = apiErrorName
	}
	return body
}
