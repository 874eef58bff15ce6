package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	s, err := GenerateKey()
	require.NoError(t, err)

	digest := Keccak256([]byte("settle batch"))
	sig, err := s.Sign(digest)
	require.NoError(t, err)
	require.Len(t, sig, 65)

	require.True(t, VerifySignature(s.Address(), digest, sig))

	recovered, err := RecoverAddress(digest, sig)
	require.NoError(t, err)
	require.Equal(t, s.Address(), recovered)
}

func TestVerifyRejectsWrongSignerAndDigest(t *testing.T) {
	s, err := GenerateKey()
	require.NoError(t, err)
	other, err := GenerateKey()
	require.NoError(t, err)

	digest := Keccak256([]byte("msg"))
	sig, err := s.Sign(digest)
	require.NoError(t, err)

	require.False(t, VerifySignature(other.Address(), digest, sig))
	require.False(t, VerifySignature(s.Address(), Keccak256([]byte("tampered")), sig))

	// tampered signature
	bad := append([]byte(nil), sig...)
	bad[0] ^= 0xff
	require.False(t, VerifySignature(s.Address(), digest, bad))
}

func TestSignRejectsNon32ByteDigest(t *testing.T) {
	s, err := GenerateKey()
	require.NoError(t, err)

	_, err = s.Sign([]byte("short"))
	require.Error(t, err)
}

func TestFromPrivateKeyHex(t *testing.T) {
	const key = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"

	bare, err := FromPrivateKeyHex(key)
	require.NoError(t, err)
	prefixed, err := FromPrivateKeyHex("0x" + key)
	require.NoError(t, err)
	require.Equal(t, bare.Address(), prefixed.Address())

	_, err = FromPrivateKeyHex("not-a-key")
	require.Error(t, err)
}

func TestBLSShareAggregation(t *testing.T) {
	msg := []byte("vote value")

	var pubs []*BLSPubKey
	var shares [][]byte
	for i := 0; i < 3; i++ {
		seed := make([]byte, 32)
		seed[0] = byte(i + 1)
		signer := NewBLSSignerFromSeed(seed)
		pubs = append(pubs, signer.Pubkey())

		share := signer.Sign(msg)
		require.True(t, BLSVerify(signer.Pubkey(), share, msg))
		shares = append(shares, share)
	}

	agg := BLSAggregate(shares)
	require.NotEmpty(t, agg)
	require.True(t, BLSVerifyAggregateSameMsg(pubs, msg, agg))

	require.Nil(t, BLSAggregate(nil))
	require.Nil(t, BLSAggregate([][]byte{nil, {}}))
}
