package wire

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

// TestRoundTrip verifies decode(encode(e)) == e for every payload variant.
func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		env  Envelope
	}{
		{"chat", Envelope{Meta: Meta{ID: 4, Timestamp: 1700000000000}, Source: 2, Payload: Chat{Body: "hi"}}},
		{"reply", Envelope{Meta: Meta{ID: 5, Timestamp: 1}, Source: 3, Payload: Chat{Body: "hey", ReID: ReplyTo(4)}}},
		{"reply to zero", Envelope{Meta: Meta{ID: 9}, Source: 3, Payload: Chat{Body: "", ReID: ReplyTo(0)}}},
		{"join", Envelope{Meta: Meta{ID: 0, Timestamp: 7}, Source: SourceRoom, Payload: Join{User: 2}}},
		{"exit", Envelope{Meta: Meta{ID: 6}, Source: SourceRoom, Payload: Exit{User: 3}}},
		{"move", Envelope{Meta: Meta{ID: 8}, Source: 2, Payload: Move{X: 120, Y: 80}}},
		{"tick", Envelope{Meta: Meta{ID: 1<<32 - 1, Timestamp: 1<<64 - 1}, Source: 1<<32 - 1, Payload: Tick{User: 2}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Encode(tt.env)
			require.NoError(t, err)

			got, err := Decode(b)
			require.NoError(t, err)
			require.Equal(t, tt.env, got)
			require.Equal(t, tt.env.Kind(), got.Kind())
		})
	}
}

// TestEncodeWithoutPayload verifies that an empty Envelope cannot be encoded.
func TestEncodeWithoutPayload(t *testing.T) {
	_, err := Encode(Envelope{Meta: Meta{ID: 1}})
	require.ErrorIs(t, err, ErrNoPayload)
}

// TestNewStampsMeta verifies that New fills the header.
func TestNewStampsMeta(t *testing.T) {
	env := New(7, 2, Move{X: 1, Y: 2})

	require.Equal(t, uint32(7), env.Meta.ID)
	require.Equal(t, uint32(2), env.Source)
	require.NotZero(t, env.Meta.Timestamp)
	require.Equal(t, KindMove, env.Kind())
}

func TestNewAtUsesGivenClock(t *testing.T) {
	at := time.UnixMilli(1_714_564_800_000)
	env := NewAt(3, SourceRoom, Join{User: 4}, at)

	require.Equal(t, Meta{ID: 3, Timestamp: 1_714_564_800_000}, env.Meta)
	require.Equal(t, SourceRoom, env.Source)
	require.Equal(t, at, env.Time())
}

// TestDecodeHeaderFieldZero decodes a frame assembled by hand, the way a
// browser client lays it out, to pin the field numbers.
func TestDecodeHeaderFieldZero(t *testing.T) {
	frame := []byte{
		0x02, 0x04, 0x00, 0x04, 0x08, 0x09, // meta{id:4, timestamp:9}
		0x08, 0x02, // source:2
		0x52, 0x06, 0x52, 0x02, 'h', 'i', 0x58, 0x01, // chat{body:"hi", reId:1}
	}

	env, err := Decode(frame)
	require.NoError(t, err)
	require.Equal(t, Meta{ID: 4, Timestamp: 9}, env.Meta)
	require.Equal(t, uint32(2), env.Source)
	require.Equal(t, Chat{Body: "hi", ReID: ReplyTo(1)}, env.Payload)

	again, err := Encode(env)
	require.NoError(t, err)
	require.Equal(t, frame, again)
}

// TestDecodeRejectsMalformedFrames covers the DecodeError taxonomy.
func TestDecodeRejectsMalformedFrames(t *testing.T) {
	valid := MustEncode(Envelope{Meta: Meta{ID: 1}, Source: 2, Payload: Chat{Body: "hello"}})

	twoPayloads := append([]byte(nil), valid...)
	twoPayloads = protowire.AppendTag(twoPayloads, fieldMove, protowire.BytesType)
	twoPayloads = protowire.AppendBytes(twoPayloads, nil)

	noMeta := protowire.AppendTag(nil, fieldSource, protowire.VarintType)
	noMeta = protowire.AppendVarint(noMeta, 2)
	noMeta = protowire.AppendTag(noMeta, fieldJoin, protowire.BytesType)
	noMeta = protowire.AppendBytes(noMeta, nil)

	noPayload := protowire.AppendTag(nil, fieldMeta, protowire.BytesType)
	noPayload = protowire.AppendBytes(noPayload, nil)

	badType := protowire.AppendTag(nil, fieldMeta, protowire.BytesType)
	badType = protowire.AppendBytes(badType, nil)
	badType = protowire.AppendTag(badType, fieldChat, protowire.VarintType)
	badType = protowire.AppendVarint(badType, 1)

	tests := []struct {
		name   string
		frame  []byte
		target error
	}{
		{"truncated", valid[:len(valid)-2], nil},
		{"dangling tag", []byte{0x80}, nil},
		{"multiple payloads", twoPayloads, ErrMultiplePayloads},
		{"missing meta", noMeta, ErrMissingMeta},
		{"no payload", noPayload, ErrNoPayload},
		{"empty frame", nil, ErrMissingMeta},
		{"payload wrong wire type", badType, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.frame)
			require.Error(t, err)
			require.True(t, IsDecodeError(err), "expected DecodeError, got %T", err)

			var de *DecodeError
			require.True(t, errors.As(err, &de))
			if tt.target != nil {
				require.ErrorIs(t, err, tt.target)
			}
		})
	}
}

// TestDecodeSkipsUnknownFields verifies that reserved and unknown fields, such
// as the retired talk variant, do not count as payloads.
func TestDecodeSkipsUnknownFields(t *testing.T) {
	frame := MustEncode(Envelope{Meta: Meta{ID: 3}, Source: 2, Payload: Tick{User: 2}})
	frame = protowire.AppendTag(frame, fieldTalk, protowire.BytesType)
	frame = protowire.AppendBytes(frame, []byte{0x50, 0x02})
	frame = protowire.AppendTag(frame, 99, protowire.Fixed32Type)
	frame = protowire.AppendFixed32(frame, 42)

	env, err := Decode(frame)
	require.NoError(t, err)
	require.Equal(t, Tick{User: 2}, env.Payload)
}

// TestRestampOverridesHeader verifies that Restamp replaces id and source but
// keeps the payload.
func TestRestampOverridesHeader(t *testing.T) {
	env := New(0, 0, Chat{Body: "hi"})
	at := env.Time().Add(1000)

	re := env.Restamp(4, 2, at)

	require.Equal(t, uint32(4), re.Meta.ID)
	require.Equal(t, uint32(2), re.Source)
	require.Equal(t, uint64(at.UnixMilli()), re.Meta.Timestamp)
	require.Equal(t, env.Payload, re.Payload)
	require.Equal(t, uint32(0), env.Meta.ID)
}
