package authtoken

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaygate/internal/provider"
)

func testBundle() Bundle {
	return Bundle{
		"drive": {
			Provider:     "drive",
			AccessToken:  "drive-access",
			RefreshToken: "drive-refresh",
		},
		"onedrive": {
			Provider:    "onedrive",
			AccessToken: "onedrive-access",
			Expiry:      time.Now().Add(time.Hour).UTC().Truncate(time.Second),
		},
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	codec, err := NewCodec("test-secret")
	require.NoError(t, err)

	in := testBundle()
	token, err := codec.Encode(in)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	out, err := codec.Decode(token)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestEncode_CiphertextVaries(t *testing.T) {
	codec, err := NewCodec("test-secret")
	require.NoError(t, err)

	a, err := codec.Encode(testBundle())
	require.NoError(t, err)
	b, err := codec.Encode(testBundle())
	require.NoError(t, err)

	// fresh nonce per call; only the round trip is deterministic
	assert.NotEqual(t, a, b)
}

func TestDecode_TamperedCiphertextFails(t *testing.T) {
	codec, err := NewCodec("test-secret")
	require.NoError(t, err)

	token, err := codec.Encode(testBundle())
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(token)
	require.NoError(t, err)

	// flip one bit in every byte position and expect rejection each time
	for i := range raw {
		mutated := make([]byte, len(raw))
		copy(mutated, raw)
		mutated[i] ^= 0x01

		_, err := codec.Decode(base64.RawURLEncoding.EncodeToString(mutated))
		assert.ErrorIs(t, err, ErrInvalid, "byte %d", i)
	}
}

func TestDecode_Garbage(t *testing.T) {
	codec, err := NewCodec("test-secret")
	require.NoError(t, err)

	for _, tok := range []string{"", "not-base64!!!", "AAAA", base64.RawURLEncoding.EncodeToString([]byte{0x02, 1, 2, 3})} {
		_, err := codec.Decode(tok)
		assert.ErrorIs(t, err, ErrInvalid, "token %q", tok)
	}
}

func TestDecode_WrongSecretFails(t *testing.T) {
	enc, err := NewCodec("secret-one")
	require.NoError(t, err)
	dec, err := NewCodec("secret-two")
	require.NoError(t, err)

	token, err := enc.Encode(testBundle())
	require.NoError(t, err)

	_, err = dec.Decode(token)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestCredentialFor(t *testing.T) {
	codec, err := NewCodec("test-secret")
	require.NoError(t, err)

	bundle := testBundle()

	creds, err := codec.CredentialFor(bundle, "drive")
	require.NoError(t, err)
	assert.Equal(t, "drive-access", creds.AccessToken)

	_, err = codec.CredentialFor(bundle, "dropbox")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestCredentialFor_Expired(t *testing.T) {
	codec, err := NewCodec("test-secret")
	require.NoError(t, err)

	bundle := Bundle{
		"drive": provider.CredentialSet{
			Provider:    "drive",
			AccessToken: "stale",
			Expiry:      time.Now().Add(-time.Minute),
		},
	}
	_, err = codec.CredentialFor(bundle, "drive")
	assert.ErrorIs(t, err, ErrExpired)
	assert.False(t, errors.Is(err, ErrInvalid))
}

func TestNewCodec_EmptySecret(t *testing.T) {
	_, err := NewCodec("")
	assert.Error(t, err)
}
