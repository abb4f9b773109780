package msg

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fuzzMessage(t *testing.T, f *fuzz.Fuzzer, typ Type) Message {
	t.Helper()
	m := Message{}
	m.Type = typ
	f.Fuzz(&m.Sender)
	f.Fuzz(&m.Equivalent)
	m.TransactionID = uuid.New()
	body, err := m.newBody()
	require.NoError(t, err)
	f.Fuzz(body)
	return m
}

func TestMarshal_roundTrip(t *testing.T) {
	f := fuzz.New().NilChance(0.2).NumElements(0, 3)
	for _, typ := range Types() {
		typ := typ
		t.Run(typ.String(), func(t *testing.T) {
			for i := 0; i < 20; i++ {
				m := fuzzMessage(t, f, typ)
				rec, err := Marshal(m)
				require.NoError(t, err)
				got, err := Unmarshal(rec)
				require.NoError(t, err)
				if diff := cmp.Diff(m, got, cmpopts.EquateEmpty()); diff != "" {
					t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
				}
			}
		})
	}
}

func TestEncoderDecoder_stream(t *testing.T) {
	f := fuzz.New().NilChance(0).NumElements(1, 3)
	buf := bytes.Buffer{}
	enc := NewEncoder(&buf)
	var want []Message
	for _, typ := range Types() {
		m := fuzzMessage(t, f, typ)
		require.NoError(t, enc.Encode(m))
		want = append(want, m)
	}

	dec := NewDecoder(&buf)
	for _, w := range want {
		m := Message{}
		require.NoError(t, dec.Decode(&m))
		if diff := cmp.Diff(w, m, cmpopts.EquateEmpty()); diff != "" {
			t.Fatalf("stream mismatch (-want +got):\n%s", diff)
		}
	}
	err := dec.Decode(&Message{})
	assert.ErrorIs(t, err, io.EOF)
}

func TestMarshal_missingBody(t *testing.T) {
	m := Message{Header: Header{Type: TypeParticipantVote}}
	m.ParticipantsDecision = &ParticipantsDecision{Commit: true}
	_, err := Marshal(m)
	assert.ErrorIs(t, err, ErrMissingBody)

	_, err = Marshal(Message{Header: Header{Type: Type(9999)}})
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestUnmarshal_rejects(t *testing.T) {
	m := Message{
		Header:               Header{Type: TypeParticipantsDecision, Sender: "GA", TransactionID: uuid.New(), Equivalent: 1},
		ParticipantsDecision: &ParticipantsDecision{Commit: true},
	}
	rec, err := Marshal(m)
	require.NoError(t, err)

	testCases := []struct {
		name    string
		mutate  func(rec []byte) []byte
		wantErr error
	}{
		{
			name: "unknown version",
			mutate: func(rec []byte) []byte {
				rec[4] = 99
				return rec
			},
			wantErr: ErrUnknownVersion,
		},
		{
			name: "unknown type",
			mutate: func(rec []byte) []byte {
				binary.BigEndian.PutUint16(rec[5:7], 7)
				return rec
			},
			wantErr: ErrUnknownType,
		},
		{
			name: "truncated",
			mutate: func(rec []byte) []byte {
				return rec[:3]
			},
			wantErr: io.ErrUnexpectedEOF,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := append([]byte(nil), rec...)
			_, err := Unmarshal(tc.mutate(c))
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}

	t.Run("trailing bytes", func(t *testing.T) {
		c := append(append([]byte(nil), rec...), 0, 0, 0, 0)
		binary.BigEndian.PutUint32(c[0:4], uint32(len(c)-4))
		_, err := Unmarshal(c)
		assert.Error(t, err)
	})
}

func TestDecoder_tooLarge(t *testing.T) {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], MaxRecordSize+1)
	err := NewDecoder(bytes.NewReader(l[:])).Decode(&Message{})
	assert.ErrorIs(t, err, ErrRecordTooLarge)
}

func TestType_String(t *testing.T) {
	assert.Equal(t, "ParticipantVote", TypeParticipantVote.String())
	assert.Equal(t, "Type(7)", Type(7).String())
}
