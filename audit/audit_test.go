package audit

import (
	"context"
	"sync"
	"testing"

	"github.com/GEO-Project/network-client/state"
	"github.com/stellar/go/keypair"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct {
	mu   sync.Mutex
	next uint32
}

func (c *counter) NextKeyNumber(context.Context) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	return c.next, nil
}

func TestSigner_signVerify(t *testing.T) {
	ctx := context.Background()
	kp := keypair.MustRandom()
	s, err := NewSigner(kp, &counter{})
	require.NoError(t, err)
	assert.Equal(t, state.NodeID(kp.Address()), s.NodeID())

	data := []byte("snapshot")
	sig, err := s.Sign(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), sig.KeyNumber)
	assert.False(t, sig.IsZero())

	require.NoError(t, Verify(s.NodeID(), data, sig))

	sig2, err := s.Sign(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), sig2.KeyNumber)
	assert.NotEqual(t, sig.PublicKey, sig2.PublicKey)
}

func TestSigner_deterministicKeys(t *testing.T) {
	kp := keypair.MustRandom()
	s1, err := NewSigner(kp, &counter{})
	require.NoError(t, err)
	s2, err := NewSigner(kp, &counter{})
	require.NoError(t, err)

	sig1, err := s1.Sign(context.Background(), []byte("a"))
	require.NoError(t, err)
	sig2, err := s2.Sign(context.Background(), []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, sig1.PublicKey, sig2.PublicKey)
}

func TestVerify_rejects(t *testing.T) {
	ctx := context.Background()
	kp := keypair.MustRandom()
	s, err := NewSigner(kp, &counter{})
	require.NoError(t, err)
	data := []byte("snapshot")
	sig, err := s.Sign(ctx, data)
	require.NoError(t, err)

	testCases := []struct {
		name   string
		signer state.NodeID
		data   []byte
		sig    func() Signature
	}{
		{"wrong data", s.NodeID(), []byte("other"), func() Signature { return sig }},
		{"wrong signer", state.NodeID(keypair.MustRandom().Address()), data, func() Signature { return sig }},
		{"tampered key number", s.NodeID(), data, func() Signature {
			c := sig
			c.KeyNumber++
			return c
		}},
		{"tampered value", s.NodeID(), data, func() Signature {
			c := sig
			c.Value = append([]byte(nil), sig.Value...)
			c.Value[0] ^= 0xff
			return c
		}},
		{"empty", s.NodeID(), data, func() Signature { return Signature{} }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := Verify(tc.signer, tc.data, tc.sig())
			assert.ErrorIs(t, err, ErrInvalidSignature)
		})
	}
}

func TestSnapshotData_mirror(t *testing.T) {
	local := keypair.MustRandom()
	remote := keypair.MustRandom()
	ls, err := NewSigner(local, &counter{})
	require.NoError(t, err)

	snap := state.AuditSnapshot{Equivalent: 1, AuditNumber: 4, IncomingAmount: 10, OutgoingAmount: 20, Balance: 5}
	data, err := SnapshotData(ls.NodeID(), state.NodeID(remote.Address()), snap)
	require.NoError(t, err)
	sig, err := ls.Sign(context.Background(), data)
	require.NoError(t, err)

	// The contractor rebuilds the signer's view from its own mirror copy.
	theirs := snap.Mirror()
	rebuilt, err := SnapshotData(ls.NodeID(), state.NodeID(remote.Address()), theirs.Mirror())
	require.NoError(t, err)
	assert.NoError(t, Verify(ls.NodeID(), rebuilt, sig))

	changed := snap
	changed.Balance++
	other, err := SnapshotData(ls.NodeID(), state.NodeID(remote.Address()), changed)
	require.NoError(t, err)
	assert.ErrorIs(t, Verify(ls.NodeID(), other, sig), ErrInvalidSignature)
}

func TestSignature_encode(t *testing.T) {
	s, err := NewSigner(keypair.MustRandom(), &counter{})
	require.NoError(t, err)
	sig, err := s.Sign(context.Background(), []byte("snapshot"))
	require.NoError(t, err)

	b, err := sig.Encode()
	require.NoError(t, err)
	got, err := DecodeSignature(b)
	require.NoError(t, err)
	assert.Equal(t, sig, got)

	_, err = DecodeSignature([]byte{1})
	assert.Error(t, err)
}
