// Package oracle validates signed price attestations and produces the
// execution-scoped min/max quotes every settlement operation prices against.
package oracle

import (
	"crypto/ecdsa"
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

const attestationDomain = "perpsettle.attestation.v1"

// Attestation is a signed price claim from one reporter. Prices are USD
// scale per whole token; Timestamp is unix seconds.
type Attestation struct {
	Asset     string         `json:"asset"`
	MinPrice  int64          `json:"min_price"`
	MaxPrice  int64          `json:"max_price"`
	Timestamp int64          `json:"timestamp"`
	Reporter  common.Address `json:"reporter"`
	Signature []byte         `json:"signature"`
}

// Digest is keccak256 over the canonical encoding of the signed fields.
func (a Attestation) Digest() []byte {
	buf := make([]byte, 0, len(attestationDomain)+4+len(a.Asset)+24+common.AddressLength)
	buf = append(buf, attestationDomain...)
	buf = appendUint32BE(buf, uint32(len(a.Asset)))
	buf = append(buf, a.Asset...)
	buf = appendInt64BE(buf, a.MinPrice)
	buf = appendInt64BE(buf, a.MaxPrice)
	buf = appendInt64BE(buf, a.Timestamp)
	buf = append(buf, a.Reporter.Bytes()...)
	return crypto.Keccak256(buf)
}

// RecoverSigner returns the address that produced Signature.
func (a Attestation) RecoverSigner() (common.Address, error) {
	if len(a.Signature) != crypto.SignatureLength {
		return common.Address{}, errors.Errorf("oracle: signature length %d", len(a.Signature))
	}
	pub, err := crypto.SigToPub(a.Digest(), a.Signature)
	if err != nil {
		return common.Address{}, errors.Wrap(err, "oracle: recover signer")
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Sign fills Reporter and Signature using key.
func (a *Attestation) Sign(key *ecdsa.PrivateKey) error {
	a.Reporter = crypto.PubkeyToAddress(key.PublicKey)
	sig, err := crypto.Sign(a.Digest(), key)
	if err != nil {
		return errors.Wrap(err, "oracle: sign attestation")
	}
	a.Signature = sig
	return nil
}

func appendInt64BE(buf []byte, v int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return append(buf, b[:]...)
}

func appendUint32BE(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}
