package crypto

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEd25519KeyPair(t *testing.T) {
	kp, err := NewEd25519KeyPair()
	require.NoError(t, err)
	assert.Len(t, []byte(kp.PublicKey), 32)
	assert.Len(t, []byte(kp.PrivateKey), 64)
}

func TestNewEd25519KeyPairFromSeed(t *testing.T) {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i)
	}

	kp1, err := NewEd25519KeyPairFromSeed(seed)
	require.NoError(t, err)
	kp2, err := NewEd25519KeyPairFromSeed(seed)
	require.NoError(t, err)
	assert.Equal(t, kp1.PublicKey, kp2.PublicKey)

	_, err = NewEd25519KeyPairFromSeed(seed[:16])
	require.Error(t, err)
}

func TestNewEd25519KeyPairFromSeedBase64(t *testing.T) {
	seed := make([]byte, 32)
	encoded := base64.StdEncoding.EncodeToString(seed)

	kp, err := NewEd25519KeyPairFromSeedBase64(encoded)
	require.NoError(t, err)
	assert.NotEmpty(t, kp.PublicKeyBase64())

	_, err = NewEd25519KeyPairFromSeedBase64("not-base64!!!")
	require.Error(t, err)
}

func TestSignVerify(t *testing.T) {
	kp, err := NewEd25519KeyPair()
	require.NoError(t, err)

	message := []byte("credential bytes")
	sig := kp.Sign(message)
	assert.True(t, kp.Verify(message, sig))
	assert.False(t, kp.Verify([]byte("tampered"), sig))

	other, err := NewEd25519KeyPair()
	require.NoError(t, err)
	assert.False(t, other.Verify(message, sig))
}
