package crypto

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer holds an operator's secp256k1 key pair. Operators are identified
// by the Ethereum-style address derived from the public key, and vote
// proofs are plain 65-byte [R || S || V] signatures over a 32-byte digest.
type Signer struct {
	priv *ecdsa.PrivateKey
	addr common.Address
}

// GenerateKey creates a Signer with a fresh random key pair.
func GenerateKey() (*Signer, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &Signer{priv: priv, addr: crypto.PubkeyToAddress(priv.PublicKey)}, nil
}

// FromPrivateKeyHex creates a Signer from a hex-encoded private key
// ("0x..." prefix optional).
func FromPrivateKeyHex(hexKey string) (*Signer, error) {
	if len(hexKey) >= 2 && hexKey[:2] == "0x" {
		hexKey = hexKey[2:]
	}
	priv, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &Signer{priv: priv, addr: crypto.PubkeyToAddress(priv.PublicKey)}, nil
}

func (s *Signer) Address() common.Address { return s.addr }

// Sign signs a 32-byte digest.
func (s *Signer) Sign(digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("digest must be 32 bytes, got %d", len(digest))
	}
	sig, err := crypto.Sign(digest, s.priv)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return sig, nil
}

// VerifySignature reports whether sig over digest was produced by the key
// behind addr.
func VerifySignature(addr common.Address, digest, sig []byte) bool {
	if len(sig) != 65 || len(digest) != 32 {
		return false
	}
	pubBytes, err := crypto.Ecrecover(digest, sig)
	if err != nil {
		return false
	}
	pub, err := crypto.UnmarshalPubkey(pubBytes)
	if err != nil {
		return false
	}
	return crypto.PubkeyToAddress(*pub) == addr
}

// RecoverAddress returns the address that signed digest.
func RecoverAddress(digest, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("invalid signature length: %d", len(sig))
	}
	if len(digest) != 32 {
		return common.Address{}, fmt.Errorf("invalid digest length: %d", len(digest))
	}
	pubBytes, err := crypto.Ecrecover(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("ecrecover: %w", err)
	}
	pub, err := crypto.UnmarshalPubkey(pubBytes)
	if err != nil {
		return common.Address{}, fmt.Errorf("unmarshal pubkey: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Keccak256 hashes data with the same digest the proof scheme signs.
func Keccak256(data ...[]byte) []byte {
	return crypto.Keccak256(data...)
}
