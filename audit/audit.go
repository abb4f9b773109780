// Package audit signs and verifies trust line snapshots and payment votes
// with one-time keys.
//
// Every signature is made with a fresh key derived from the node's identity
// seed and a key number. The identity key certifies the pair (key number,
// one-time public key), so a verifier only needs the signer's node ID.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/GEO-Project/network-client/state"
	"github.com/davecgh/go-xdr/xdr"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/strkey"
)

var ErrInvalidSignature = errors.New("invalid signature")

// Signature is a one-time signature with the certificate binding its key to
// the signer's identity.
type Signature struct {
	KeyNumber   uint32
	PublicKey   [32]byte
	Certificate []byte
	Value       []byte
}

// IsZero reports whether the signature is empty.
func (s Signature) IsZero() bool {
	return s.KeyNumber == 0 && len(s.Value) == 0 && len(s.Certificate) == 0
}

// KeyCounter hands out key numbers. Numbers must never repeat, including
// across restarts.
type KeyCounter interface {
	NextKeyNumber(ctx context.Context) (uint32, error)
}

// Signer signs with one-time keys certified by an identity key.
type Signer struct {
	identity *keypair.Full
	seed     []byte
	counter  KeyCounter
}

// NewSigner creates a signer for the identity. Key numbers are taken from the
// counter.
func NewSigner(identity *keypair.Full, counter KeyCounter) (*Signer, error) {
	seed, err := strkey.Decode(strkey.VersionByteSeed, identity.Seed())
	if err != nil {
		return nil, fmt.Errorf("decoding identity seed: %w", err)
	}
	return &Signer{identity: identity, seed: seed, counter: counter}, nil
}

// NodeID returns the node ID of the identity the signer certifies with.
func (s *Signer) NodeID() state.NodeID {
	return state.NodeID(s.identity.Address())
}

// Identity returns the identity key.
func (s *Signer) Identity() *keypair.Full {
	return s.identity
}

func (s *Signer) oneTimeKey(keyNumber uint32) (*keypair.Full, error) {
	h := sha256.New()
	h.Write([]byte("one-time key"))
	h.Write(s.seed)
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], keyNumber)
	h.Write(n[:])
	var raw [32]byte
	copy(raw[:], h.Sum(nil))
	return keypair.FromRawSeed(raw)
}

type certificate struct {
	KeyNumber uint32
	PublicKey [32]byte
}

func certificateData(keyNumber uint32, publicKey [32]byte) ([]byte, error) {
	return xdr.Marshal(certificate{KeyNumber: keyNumber, PublicKey: publicKey})
}

// Sign signs data with the next one-time key.
func (s *Signer) Sign(ctx context.Context, data []byte) (Signature, error) {
	keyNumber, err := s.counter.NextKeyNumber(ctx)
	if err != nil {
		return Signature{}, fmt.Errorf("allocating key number: %w", err)
	}
	kp, err := s.oneTimeKey(keyNumber)
	if err != nil {
		return Signature{}, fmt.Errorf("deriving key %d: %w", keyNumber, err)
	}
	pub, err := publicKey(kp.Address())
	if err != nil {
		return Signature{}, err
	}
	cert, err := certificateData(keyNumber, pub)
	if err != nil {
		return Signature{}, fmt.Errorf("encoding certificate: %w", err)
	}
	certSig, err := s.identity.Sign(cert)
	if err != nil {
		return Signature{}, fmt.Errorf("signing certificate: %w", err)
	}
	value, err := kp.Sign(data)
	if err != nil {
		return Signature{}, fmt.Errorf("signing data: %w", err)
	}
	return Signature{
		KeyNumber:   keyNumber,
		PublicKey:   pub,
		Certificate: certSig,
		Value:       value,
	}, nil
}

func publicKey(address string) ([32]byte, error) {
	var pub [32]byte
	raw, err := strkey.Decode(strkey.VersionByteAccountID, address)
	if err != nil {
		return pub, fmt.Errorf("decoding public key: %w", err)
	}
	copy(pub[:], raw)
	return pub, nil
}

// Verify checks that sig is a signature of data by the one-time key it
// carries, and that the key is certified by signer.
func Verify(signer state.NodeID, data []byte, sig Signature) error {
	identity, err := keypair.ParseAddress(signer.String())
	if err != nil {
		return fmt.Errorf("parsing signer %s: %w", signer, err)
	}
	cert, err := certificateData(sig.KeyNumber, sig.PublicKey)
	if err != nil {
		return fmt.Errorf("encoding certificate: %w", err)
	}
	if err := identity.Verify(cert, sig.Certificate); err != nil {
		return fmt.Errorf("certificate of key %d by %s: %w", sig.KeyNumber, signer, ErrInvalidSignature)
	}
	address, err := strkey.Encode(strkey.VersionByteAccountID, sig.PublicKey[:])
	if err != nil {
		return fmt.Errorf("encoding one-time key: %w", err)
	}
	kp, err := keypair.ParseAddress(address)
	if err != nil {
		return fmt.Errorf("parsing one-time key: %w", err)
	}
	if err := kp.Verify(data, sig.Value); err != nil {
		return fmt.Errorf("signature with key %d by %s: %w", sig.KeyNumber, signer, ErrInvalidSignature)
	}
	return nil
}

// Encode returns the signature in the form it is stored in.
func (s Signature) Encode() ([]byte, error) {
	return xdr.Marshal(s)
}

func DecodeSignature(b []byte) (Signature, error) {
	var s Signature
	if _, err := xdr.Unmarshal(b, &s); err != nil {
		return Signature{}, fmt.Errorf("decoding signature: %w", err)
	}
	return s, nil
}
