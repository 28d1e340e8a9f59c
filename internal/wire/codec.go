package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers are part of the compatibility contract with browser clients.
// The header uses field 0, which protowire.ConsumeTag refuses, so tags are
// read as raw varints.
const (
	fieldMeta   protowire.Number = 0
	fieldSource protowire.Number = 1
	fieldChat   protowire.Number = 10
	fieldJoin   protowire.Number = 11
	fieldExit   protowire.Number = 12
	fieldMove   protowire.Number = 13
	fieldTalk   protowire.Number = 14 // reserved, skipped
	fieldTick   protowire.Number = 15

	fieldMetaID        protowire.Number = 0
	fieldMetaTimestamp protowire.Number = 1

	fieldChatBody protowire.Number = 10
	fieldChatReID protowire.Number = 11
	fieldUser     protowire.Number = 10
	fieldMoveX    protowire.Number = 10
	fieldMoveY    protowire.Number = 11
)

// Encode serializes e. It fails if e carries no payload.
func Encode(e Envelope) ([]byte, error) {
	body, err := encodePayload(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("wire: encode: %w", err)
	}

	b := make([]byte, 0, 16+len(body))
	b = appendMessage(b, fieldMeta, encodeMeta(e.Meta))
	b = appendVarint(b, fieldSource, uint64(e.Source))
	b = append(b, body...)
	return b, nil
}

// MustEncode is Encode for Envelopes built by this process; a failure is a
// programming error.
func MustEncode(e Envelope) []byte {
	b, err := Encode(e)
	if err != nil {
		panic(err)
	}
	return b
}

func encodeMeta(m Meta) []byte {
	var b []byte
	b = appendVarint(b, fieldMetaID, uint64(m.ID))
	b = appendVarint(b, fieldMetaTimestamp, m.Timestamp)
	return b
}

func encodePayload(p Payload) ([]byte, error) {
	switch p := p.(type) {
	case Chat:
		inner := appendString(nil, fieldChatBody, p.Body)
		if p.ReID != nil {
			inner = appendVarint(inner, fieldChatReID, uint64(*p.ReID))
		}
		return appendMessage(nil, fieldChat, inner), nil
	case Join:
		return appendMessage(nil, fieldJoin, appendVarint(nil, fieldUser, uint64(p.User))), nil
	case Exit:
		return appendMessage(nil, fieldExit, appendVarint(nil, fieldUser, uint64(p.User))), nil
	case Move:
		inner := appendVarint(nil, fieldMoveX, uint64(p.X))
		inner = appendVarint(inner, fieldMoveY, uint64(p.Y))
		return appendMessage(nil, fieldMove, inner), nil
	case Tick:
		return appendMessage(nil, fieldTick, appendVarint(nil, fieldUser, uint64(p.User))), nil
	case nil:
		return nil, ErrNoPayload
	default:
		return nil, fmt.Errorf("unsupported payload %T", p)
	}
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, inner []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, inner)
}

// Decode parses a frame. Malformed or truncated input, a missing header, and
// zero or several payload fields all yield a *DecodeError.
func Decode(b []byte) (Envelope, error) {
	var (
		env      Envelope
		haveMeta bool
		payloads int
	)

	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch num {
		case fieldMeta:
			if typ != protowire.BytesType {
				return wireTypeErr("meta", typ)
			}
			m, err := decodeMeta(v)
			if err != nil {
				return err
			}
			env.Meta = m
			haveMeta = true
		case fieldSource:
			if typ != protowire.VarintType {
				return wireTypeErr("source", typ)
			}
			env.Source = uint32(x)
		case fieldChat, fieldJoin, fieldExit, fieldMove, fieldTick:
			if typ != protowire.BytesType {
				return wireTypeErr("payload", typ)
			}
			p, err := decodePayload(num, v)
			if err != nil {
				return err
			}
			env.Payload = p
			payloads++
		}
		return nil
	})
	if err != nil {
		return Envelope{}, decodeErr(err)
	}

	switch {
	case !haveMeta:
		return Envelope{}, decodeErr(ErrMissingMeta)
	case payloads == 0:
		return Envelope{}, decodeErr(ErrNoPayload)
	case payloads > 1:
		return Envelope{}, decodeErr(ErrMultiplePayloads)
	}
	return env, nil
}

func decodeMeta(b []byte) (Meta, error) {
	var m Meta
	err := walk(b, func(num protowire.Number, typ protowire.Type, _ []byte, x uint64) error {
		switch num {
		case fieldMetaID:
			if typ != protowire.VarintType {
				return wireTypeErr("meta.id", typ)
			}
			m.ID = uint32(x)
		case fieldMetaTimestamp:
			if typ != protowire.VarintType {
				return wireTypeErr("meta.timestamp", typ)
			}
			m.Timestamp = x
		}
		return nil
	})
	return m, err
}

func decodePayload(field protowire.Number, b []byte) (Payload, error) {
	switch field {
	case fieldChat:
		var c Chat
		err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
			switch num {
			case fieldChatBody:
				if typ != protowire.BytesType {
					return wireTypeErr("chat.body", typ)
				}
				c.Body = string(v)
			case fieldChatReID:
				if typ != protowire.VarintType {
					return wireTypeErr("chat.reId", typ)
				}
				c.ReID = ReplyTo(uint32(x))
			}
			return nil
		})
		return c, err
	case fieldMove:
		var m Move
		err := walk(b, func(num protowire.Number, typ protowire.Type, _ []byte, x uint64) error {
			switch num {
			case fieldMoveX:
				if typ != protowire.VarintType {
					return wireTypeErr("move.x", typ)
				}
				m.X = uint32(x)
			case fieldMoveY:
				if typ != protowire.VarintType {
					return wireTypeErr("move.y", typ)
				}
				m.Y = uint32(x)
			}
			return nil
		})
		return m, err
	}

	user, err := decodeUser(b)
	if err != nil {
		return nil, err
	}
	switch field {
	case fieldJoin:
		return Join{User: user}, nil
	case fieldExit:
		return Exit{User: user}, nil
	default:
		return Tick{User: user}, nil
	}
}

func decodeUser(b []byte) (uint32, error) {
	var user uint32
	err := walk(b, func(num protowire.Number, typ protowire.Type, _ []byte, x uint64) error {
		if num != fieldUser {
			return nil
		}
		if typ != protowire.VarintType {
			return wireTypeErr("user", typ)
		}
		user = uint32(x)
		return nil
	})
	return user, err
}

// walk visits every field in b. Varint values arrive in x, length-delimited
// values in v; other wire types are consumed and passed with neither set.
func walk(b []byte, visit func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error) error {
	for len(b) > 0 {
		tag, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		num, typ := protowire.DecodeTag(tag)
		if num < 0 {
			return errors.New("invalid field number")
		}
		b = b[n:]

		var (
			v []byte
			x uint64
		)
		switch typ {
		case protowire.VarintType:
			x, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			v, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if err := visit(num, typ, v, x); err != nil {
			return err
		}
	}
	return nil
}

func wireTypeErr(field string, typ protowire.Type) error {
	return fmt.Errorf("%s: unexpected wire type %d", field, typ)
}
