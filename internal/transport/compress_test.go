package transport

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCompression(t *testing.T) {
	tests := []struct {
		in      string
		want    Compression
		wantErr bool
	}{
		{"", CompressionNone, false},
		{"none", CompressionNone, false},
		{"identity", CompressionNone, false},
		{"ZSTD", CompressionZstd, false},
		{"gzip", "", true},
	}
	for _, tt := range tests {
		got, err := ParseCompression(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	body := bytes.Repeat([]byte(`{"candidate_id":"c","candidate_type":"item"},`), 500)

	enc := Encode(CompressionZstd, body)
	assert.Less(t, len(enc), len(body))

	dec, err := DecodeBody("zstd", enc)
	require.NoError(t, err)
	assert.Equal(t, body, dec)
}

func TestEncode_NoneIsIdentity(t *testing.T) {
	body := []byte(`{"events":[]}`)
	assert.Equal(t, body, Encode(CompressionNone, body))

	dec, err := DecodeBody("", body)
	require.NoError(t, err)
	assert.Equal(t, body, dec)
}

func TestDecodeBody_Errors(t *testing.T) {
	_, err := DecodeBody("gzip", []byte("x"))
	assert.Error(t, err)

	_, err = DecodeBody("zstd", []byte("not zstd"))
	assert.Error(t, err)
}
