// Package wire defines the self-describing, versioned encoding of key release
// messages and the length-prefixed framing used on stream transports.
//
// Messages are CBOR maps with small integer keys wrapped in an envelope
// {1: version, 2: type, 3: body}. Decoders ignore unknown keys, so minor
// additions stay compatible; a different major version is rejected.
package wire

import (
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/ruteri/tee-sealing-key-provider/interfaces"
)

// Version is the major version of the wire format.
const Version = 1

// MessageType identifies the body of an envelope.
type MessageType uint8

const (
	TypeKeyRequest MessageType = iota + 1
	TypeSealedKey
	TypeError
)

var (
	// ErrMalformed is returned for messages that cannot be decoded.
	ErrMalformed = errors.New("malformed message")
	// ErrUnsupportedVersion is returned for envelopes of another major version.
	ErrUnsupportedVersion = errors.New("unsupported wire version")
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxNestedLevels:  8,
		MaxArrayElements: 64,
		MaxMapPairs:      64,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

type envelope struct {
	Version uint            `cbor:"1,keyasint"`
	Type    MessageType     `cbor:"2,keyasint"`
	Body    cbor.RawMessage `cbor:"3,keyasint"`
}

type quoteWire struct {
	Type        string `cbor:"1,keyasint"`
	Measurement []byte `cbor:"2,keyasint"`
	ReportData  []byte `cbor:"3,keyasint"`
	Signature   []byte `cbor:"4,keyasint"`
	// Unix time in nanoseconds.
	Timestamp int64  `cbor:"5,keyasint"`
	Platform  []byte `cbor:"6,keyasint,omitempty"`
}

type keyRequestWire struct {
	Nonce []byte     `cbor:"1,keyasint"`
	Label string     `cbor:"2,keyasint"`
	Quote *quoteWire `cbor:"3,keyasint,omitempty"`
}

type sealedKeyWire struct {
	Ciphertext        []byte     `cbor:"1,keyasint"`
	BindingTag        []byte     `cbor:"2,keyasint"`
	DerivationVersion uint32     `cbor:"3,keyasint"`
	ProviderQuote     *quoteWire `cbor:"4,keyasint,omitempty"`
}

type errorWire struct {
	Code uint8 `cbor:"1,keyasint"`
}

func marshalEnvelope(t MessageType, body any) ([]byte, error) {
	rawBody, err := encMode.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding message body: %w", err)
	}
	return encMode.Marshal(envelope{Version: Version, Type: t, Body: rawBody})
}

func unmarshalEnvelope(data []byte) (*envelope, error) {
	var env envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if env.Version != Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, env.Version)
	}
	if len(env.Body) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformed)
	}
	return &env, nil
}

func quoteToWire(q *interfaces.Quote) *quoteWire {
	if q == nil {
		return nil
	}
	w := &quoteWire{
		Type:        string(q.Type),
		Measurement: q.Measurement[:],
		ReportData:  q.ReportData[:],
		Signature:   q.Signature,
		Platform:    q.Platform,
	}
	if !q.Timestamp.IsZero() {
		w.Timestamp = q.Timestamp.UnixNano()
	}
	return w
}

func quoteFromWire(w *quoteWire) (*interfaces.Quote, error) {
	if w == nil {
		return nil, nil
	}

	measurement, err := interfaces.NewMeasurementFromBytes(w.Measurement)
	if err != nil {
		return nil, fmt.Errorf("%w: quote: %w", ErrMalformed, err)
	}
	if len(w.ReportData) != interfaces.ReportDataSize {
		return nil, fmt.Errorf("%w: quote report data has %d bytes", ErrMalformed, len(w.ReportData))
	}

	q := &interfaces.Quote{
		Type:        interfaces.AttestationType(w.Type),
		Measurement: measurement,
		Platform:    w.Platform,
		Signature:   w.Signature,
	}
	copy(q.ReportData[:], w.ReportData)
	if w.Timestamp != 0 {
		q.Timestamp = time.Unix(0, w.Timestamp).UTC()
	}
	return q, nil
}

// EncodeKeyRequest encodes a key request.
func EncodeKeyRequest(req *interfaces.KeyRequest) ([]byte, error) {
	return marshalEnvelope(TypeKeyRequest, keyRequestWire{
		Nonce: req.Nonce[:],
		Label: req.Label,
		Quote: quoteToWire(req.Quote),
	})
}

// DecodeKeyRequest decodes a key request. Field lengths are checked here; the
// remaining validation is KeyRequest.Validate.
func DecodeKeyRequest(data []byte) (*interfaces.KeyRequest, error) {
	env, err := unmarshalEnvelope(data)
	if err != nil {
		return nil, err
	}
	if env.Type != TypeKeyRequest {
		return nil, fmt.Errorf("%w: unexpected message type %d", ErrMalformed, env.Type)
	}

	var w keyRequestWire
	if err := decMode.Unmarshal(env.Body, &w); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	nonce, err := interfaces.NewNonceFromBytes(w.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	quote, err := quoteFromWire(w.Quote)
	if err != nil {
		return nil, err
	}

	return &interfaces.KeyRequest{Nonce: nonce, Label: w.Label, Quote: quote}, nil
}

// EncodeSealedKey encodes a successful response.
func EncodeSealedKey(sk *interfaces.SealedKey) ([]byte, error) {
	return marshalEnvelope(TypeSealedKey, sealedKeyWire{
		Ciphertext:        sk.Ciphertext,
		BindingTag:        sk.BindingTag[:],
		DerivationVersion: sk.DerivationVersion,
		ProviderQuote:     quoteToWire(sk.ProviderQuote),
	})
}

// EncodeError encodes a rejection. Only the code is sent.
func EncodeError(code interfaces.RejectCode) ([]byte, error) {
	return marshalEnvelope(TypeError, errorWire{Code: uint8(code)})
}

// DecodeResponse decodes a provider response. A rejection is returned as a
// *interfaces.Rejection error carrying only the code.
func DecodeResponse(data []byte) (*interfaces.SealedKey, error) {
	env, err := unmarshalEnvelope(data)
	if err != nil {
		return nil, err
	}

	switch env.Type {
	case TypeError:
		var w errorWire
		if err := decMode.Unmarshal(env.Body, &w); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		code := interfaces.RejectCode(w.Code)
		if !code.Valid() {
			return nil, fmt.Errorf("%w: unknown reject code %d", ErrMalformed, w.Code)
		}
		return nil, interfaces.Reject(code, nil)

	case TypeSealedKey:
		var w sealedKeyWire
		if err := decMode.Unmarshal(env.Body, &w); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		if len(w.BindingTag) != 32 {
			return nil, fmt.Errorf("%w: binding tag has %d bytes", ErrMalformed, len(w.BindingTag))
		}
		if len(w.Ciphertext) == 0 {
			return nil, fmt.Errorf("%w: empty ciphertext", ErrMalformed)
		}
		quote, err := quoteFromWire(w.ProviderQuote)
		if err != nil {
			return nil, err
		}

		sk := &interfaces.SealedKey{
			Ciphertext:        w.Ciphertext,
			DerivationVersion: w.DerivationVersion,
			ProviderQuote:     quote,
		}
		copy(sk.BindingTag[:], w.BindingTag)
		return sk, nil

	default:
		return nil, fmt.Errorf("%w: unexpected message type %d", ErrMalformed, env.Type)
	}
}
