package envelope

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/tokaysec/pkg/schema"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	k, err := NewKey()
	require.NoError(t, err)
	return k
}

func TestSealOpen_RoundTrip(t *testing.T) {
	dek := testKey(t)
	aad := AAD("ns1", "proj1", "db_password", 1)

	inputs := [][]byte{
		{},
		[]byte("s3cr3t"),
		bytes.Repeat([]byte{0xff}, 4096),
		{0x00, 0x01, 0x02},
	}
	for _, in := range inputs {
		sealed, err := Seal(dek, in, aad)
		require.NoError(t, err)
		out, err := Open(dek, sealed, aad)
		require.NoError(t, err)
		assert.Equal(t, len(in), len(out))
		assert.True(t, bytes.Equal(in, out))
	}
}

func TestSeal_NotPlaintextAtRest(t *testing.T) {
	dek := testKey(t)
	sealed, err := Seal(dek, []byte("sk-secret-123"), nil)
	require.NoError(t, err)
	assert.NotContains(t, string(sealed.Ciphertext), "sk-secret-123")
	assert.Len(t, sealed.Tag, gcmTagSize)
	assert.Len(t, sealed.MAC, macSize)
	assert.Len(t, sealed.Nonce, 12)
}

func TestSeal_UniqueNonces(t *testing.T) {
	dek := testKey(t)
	a, err := Seal(dek, []byte("same"), nil)
	require.NoError(t, err)
	b, err := Seal(dek, []byte("same"), nil)
	require.NoError(t, err)
	assert.NotEqual(t, a.Nonce, b.Nonce)
	assert.NotEqual(t, a.Ciphertext, b.Ciphertext)
}

func assertAuthFailure(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeAuthFailure), "got %v", err)
}

func TestOpen_TamperDetection_EveryBit(t *testing.T) {
	dek := testKey(t)
	aad := AAD("ns", "p", "api_key", 3)
	sealed, err := Seal(dek, []byte("tamper-me"), aad)
	require.NoError(t, err)

	fields := map[string]*[]byte{
		"ciphertext": &sealed.Ciphertext,
		"tag":        &sealed.Tag,
		"mac":        &sealed.MAC,
		"nonce":      &sealed.Nonce,
	}
	for name, field := range fields {
		for i := 0; i < len(*field)*8; i++ {
			orig := (*field)[i/8]
			(*field)[i/8] ^= 1 << (i % 8)
			_, err := Open(dek, sealed, aad)
			(*field)[i/8] = orig
			if !assert.True(t, schema.IsCode(err, schema.ErrCodeAuthFailure), "%s bit %d", name, i) {
				return
			}
		}
	}

	out, err := Open(dek, sealed, aad)
	require.NoError(t, err)
	assert.Equal(t, "tamper-me", string(out))
}

func TestOpen_WrongKey(t *testing.T) {
	sealed, err := Seal(testKey(t), []byte("v"), nil)
	require.NoError(t, err)
	_, err = Open(testKey(t), sealed, nil)
	assertAuthFailure(t, err)
}

func TestOpen_WrongAAD(t *testing.T) {
	dek := testKey(t)
	sealed, err := Seal(dek, []byte("v"), AAD("ns", "p", "a", 1))
	require.NoError(t, err)
	_, err = Open(dek, sealed, AAD("ns", "p", "a", 2))
	assertAuthFailure(t, err)
	_, err = Open(dek, sealed, AAD("ns", "p", "b", 1))
	assertAuthFailure(t, err)
}

func TestOpen_Nil(t *testing.T) {
	_, err := Open(testKey(t), nil, nil)
	assertAuthFailure(t, err)
}

func TestSeal_BadKeySize(t *testing.T) {
	_, err := Seal([]byte("short"), []byte("v"), nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestWrapUnwrap(t *testing.T) {
	kek := testKey(t)
	dek := testKey(t)
	aad := []byte("dek:ns:1")

	blob, err := Wrap(kek, dek, aad)
	require.NoError(t, err)
	assert.NotContains(t, string(blob), string(dek))

	got, err := Unwrap(kek, blob, aad)
	require.NoError(t, err)
	assert.Equal(t, dek, got)

	_, err = Unwrap(kek, blob, []byte("dek:ns:2"))
	assertAuthFailure(t, err)

	_, err = Unwrap(testKey(t), blob, aad)
	assertAuthFailure(t, err)

	_, err = Unwrap(kek, blob[:5], aad)
	assertAuthFailure(t, err)
}

func TestKMAC256_Properties(t *testing.T) {
	k1 := bytes.Repeat([]byte{1}, 32)
	k2 := bytes.Repeat([]byte{2}, 32)

	a := kmac256(k1, 32, []byte("data"))
	b := kmac256(k1, 32, []byte("data"))
	c := kmac256(k2, 32, []byte("data"))
	d := kmac256(k1, 32, []byte("dat"), []byte("a"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, a, d, "chunking must not change the tag")
	assert.Len(t, kmac256(k1, 64, []byte("data")), 64)
	assert.NotEqual(t, a, kmac256(k1, 64, []byte("data"))[:32], "output length is bound into the tag")
}

func TestEncodings(t *testing.T) {
	assert.Equal(t, []byte{1, 0}, leftEncode(0))
	assert.Equal(t, []byte{0, 1}, rightEncode(0))
	assert.Equal(t, []byte{1, 136}, leftEncode(136))
	assert.Equal(t, []byte{2, 1, 0}, leftEncode(256))
	assert.Len(t, bytepad([]byte{1, 2, 3}, 136), 136)
}
