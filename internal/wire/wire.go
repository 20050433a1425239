// Package wire defines the byte layout of inter-silo requests and
// responses. Frames are encoded with protowire field primitives so that the
// layout stays self-describing and forward-extensible without a schema
// compiler: unknown fields are skipped on decode.
package wire

import (
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/roasbeef/hive/internal/errdefs"
	"github.com/roasbeef/hive/internal/identity"
)

// Flag bits carried in the request header.
const (
	// FlagIdempotent marks a call the sender allows to be retried across
	// owners.
	FlagIdempotent uint8 = 1 << 0

	// FlagOneWay marks a fire-and-forget call; the receiver still
	// responds, but only with the status byte.
	FlagOneWay uint8 = 1 << 1
)

// CorrelationID is the 16-byte id that pairs a response with its request.
type CorrelationID [16]byte

// Request is one inter-silo invocation frame.
type Request struct {
	// Correlation pairs the eventual response with this request.
	Correlation CorrelationID

	// Deadline is the caller's absolute deadline. The zero time means no
	// deadline.
	Deadline time.Time

	// Flags carries the Flag* bits.
	Flags uint8

	// Trace is the opaque trace-context bytes propagated end to end.
	Trace []byte

	// ActorType and ActorID address the target actor.
	ActorType string
	ActorID   string

	// Method is the operation name resolved against the target type's
	// method table.
	Method string

	// Args is the codec-encoded argument payload.
	Args []byte
}

// Key returns the target actor key of the request.
func (r *Request) Key() identity.ActorKey {
	return identity.NewKey(r.ActorType, r.ActorID)
}

// Response is the reply frame for a request.
type Response struct {
	// Correlation echoes the request's correlation id.
	Correlation CorrelationID

	// Status is 0 on success, otherwise an errdefs wire code.
	Status uint8

	// Payload is the codec-encoded result when Status is 0.
	Payload []byte

	// ErrMessage is the human-readable error text when Status is not 0.
	ErrMessage string
}

// Err converts a non-OK response into a tagged error, or nil for success.
func (r *Response) Err() error {
	return errdefs.FromCode(r.Status, r.ErrMessage)
}

// Field numbers for the request frame.
const (
	reqFieldCorrelation = 1
	reqFieldDeadline    = 2
	reqFieldFlags       = 3
	reqFieldTrace       = 4
	reqFieldActorType   = 5
	reqFieldActorID     = 6
	reqFieldMethod      = 7
	reqFieldArgs        = 8
)

// Field numbers for the response frame.
const (
	respFieldCorrelation = 1
	respFieldStatus      = 2
	respFieldPayload     = 3
	respFieldErrMessage  = 4
)

// EncodeRequest renders a request frame.
func EncodeRequest(req *Request) []byte {
	var buf []byte

	buf = protowire.AppendTag(
		buf, reqFieldCorrelation, protowire.BytesType,
	)
	buf = protowire.AppendBytes(buf, req.Correlation[:])

	var deadlineMS uint64
	if !req.Deadline.IsZero() {
		deadlineMS = uint64(req.Deadline.UnixMilli())
	}
	buf = protowire.AppendTag(buf, reqFieldDeadline, protowire.VarintType)
	buf = protowire.AppendVarint(buf, deadlineMS)

	buf = protowire.AppendTag(buf, reqFieldFlags, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(req.Flags))

	if len(req.Trace) > 0 {
		buf = protowire.AppendTag(
			buf, reqFieldTrace, protowire.BytesType,
		)
		buf = protowire.AppendBytes(buf, req.Trace)
	}

	buf = protowire.AppendTag(buf, reqFieldActorType, protowire.BytesType)
	buf = protowire.AppendString(buf, req.ActorType)

	buf = protowire.AppendTag(buf, reqFieldActorID, protowire.BytesType)
	buf = protowire.AppendString(buf, req.ActorID)

	buf = protowire.AppendTag(buf, reqFieldMethod, protowire.BytesType)
	buf = protowire.AppendString(buf, req.Method)

	buf = protowire.AppendTag(buf, reqFieldArgs, protowire.BytesType)
	buf = protowire.AppendBytes(buf, req.Args)

	return buf
}

// DecodeRequest parses a request frame. Unknown fields are skipped.
func DecodeRequest(data []byte) (*Request, error) {
	req := &Request{}

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, errdefs.New(
				errdefs.KindMarshalling,
				"malformed request tag",
			)
		}
		data = data[n:]

		switch {
		case num == reqFieldCorrelation && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 || len(v) != len(req.Correlation) {
				return nil, errdefs.New(
					errdefs.KindMarshalling,
					"malformed correlation id",
				)
			}
			copy(req.Correlation[:], v)
			data = data[n:]

		case num == reqFieldDeadline && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, errdefs.New(
					errdefs.KindMarshalling,
					"malformed deadline",
				)
			}
			if v != 0 {
				req.Deadline = time.UnixMilli(int64(v))
			}
			data = data[n:]

		case num == reqFieldFlags && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, errdefs.New(
					errdefs.KindMarshalling,
					"malformed flags",
				)
			}
			req.Flags = uint8(v)
			data = data[n:]

		case num == reqFieldTrace && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, errdefs.New(
					errdefs.KindMarshalling,
					"malformed trace",
				)
			}
			req.Trace = append([]byte(nil), v...)
			data = data[n:]

		case num == reqFieldActorType && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, errdefs.New(
					errdefs.KindMarshalling,
					"malformed actor type",
				)
			}
			req.ActorType = v
			data = data[n:]

		case num == reqFieldActorID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, errdefs.New(
					errdefs.KindMarshalling,
					"malformed actor id",
				)
			}
			req.ActorID = v
			data = data[n:]

		case num == reqFieldMethod && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, errdefs.New(
					errdefs.KindMarshalling,
					"malformed method",
				)
			}
			req.Method = v
			data = data[n:]

		case num == reqFieldArgs && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, errdefs.New(
					errdefs.KindMarshalling,
					"malformed args",
				)
			}
			req.Args = append([]byte(nil), v...)
			data = data[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, errdefs.New(
					errdefs.KindMarshalling,
					"malformed unknown field %d", num,
				)
			}
			data = data[n:]
		}
	}

	return req, nil
}

// EncodeResponse renders a response frame.
func EncodeResponse(resp *Response) []byte {
	var buf []byte

	buf = protowire.AppendTag(
		buf, respFieldCorrelation, protowire.BytesType,
	)
	buf = protowire.AppendBytes(buf, resp.Correlation[:])

	buf = protowire.AppendTag(buf, respFieldStatus, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(resp.Status))

	if len(resp.Payload) > 0 {
		buf = protowire.AppendTag(
			buf, respFieldPayload, protowire.BytesType,
		)
		buf = protowire.AppendBytes(buf, resp.Payload)
	}

	if resp.ErrMessage != "" {
		buf = protowire.AppendTag(
			buf, respFieldErrMessage, protowire.BytesType,
		)
		buf = protowire.AppendString(buf, resp.ErrMessage)
	}

	return buf
}

// DecodeResponse parses a response frame. Unknown fields are skipped.
func DecodeResponse(data []byte) (*Response, error) {
	resp := &Response{}

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, errdefs.New(
				errdefs.KindMarshalling,
				"malformed response tag",
			)
		}
		data = data[n:]

		switch {
		case num == respFieldCorrelation && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 || len(v) != len(resp.Correlation) {
				return nil, errdefs.New(
					errdefs.KindMarshalling,
					"malformed correlation id",
				)
			}
			copy(resp.Correlation[:], v)
			data = data[n:]

		case num == respFieldStatus && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, errdefs.New(
					errdefs.KindMarshalling,
					"malformed status",
				)
			}
			resp.Status = uint8(v)
			data = data[n:]

		case num == respFieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, errdefs.New(
					errdefs.KindMarshalling,
					"malformed payload",
				)
			}
			resp.Payload = append([]byte(nil), v...)
			data = data[n:]

		case num == respFieldErrMessage && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, errdefs.New(
					errdefs.KindMarshalling,
					"malformed error message",
				)
			}
			resp.ErrMessage = v
			data = data[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, errdefs.New(
					errdefs.KindMarshalling,
					"malformed unknown field %d", num,
				)
			}
			data = data[n:]
		}
	}

	return resp, nil
}
