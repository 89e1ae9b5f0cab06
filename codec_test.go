package appose

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTripPrimitives(t *testing.T) {
	cases := []any{
		true,
		false,
		int32(42),
		int64(1) << 40,
		"hello",
		[]any{int32(1), "two", true},
		map[string]any{"a": int32(1), "b": "two"},
	}
	for _, c := range cases {
		line, err := Encode(c)
		require.NoError(t, err)
		decoded, err := Decode([]byte(line))
		require.NoError(t, err)
		assert.Equal(t, c, decoded)
	}
}

func TestDecodeIntegerNarrowing(t *testing.T) {
	decoded, err := Decode([]byte(`5`))
	require.NoError(t, err)
	assert.IsType(t, int32(0), decoded)
	assert.Equal(t, int32(5), decoded)

	decoded, err = Decode([]byte(`9999999999`))
	require.NoError(t, err)
	assert.IsType(t, int64(0), decoded)
	assert.Equal(t, int64(9999999999), decoded)
}

func TestDecodeFractionalToBigFloat(t *testing.T) {
	decoded, err := Decode([]byte(`3.14159265358979323846`))
	require.NoError(t, err)
	f, ok := decoded.(*big.Float)
	require.True(t, ok)
	expected, _, err := big.ParseFloat("3.14159265358979323846", 10, decimalPrecision, big.ToNearestEven)
	require.NoError(t, err)
	assert.Equal(t, 0, f.Cmp(expected))
}

func TestDecodeMalformedLineFails(t *testing.T) {
	_, err := Decode([]byte(`{not json`))
	require.Error(t, err)
	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
}

func TestDecodeTrailingDataFails(t *testing.T) {
	_, err := Decode([]byte(`5 6`))
	require.Error(t, err)
}

func TestDecodeUnknownSentinelTypeFails(t *testing.T) {
	_, err := Decode([]byte(`{"appose_type":"bogus"}`))
	require.Error(t, err)
}

func TestDecodeShmSentinelMissingFieldsFails(t *testing.T) {
	_, err := Decode([]byte(`{"appose_type":"shm","name":"x"}`))
	require.Error(t, err)
}

func TestDecodeNDArraySentinelMissingShapeFails(t *testing.T) {
	_, err := Decode([]byte(`{"appose_type":"ndarray","dtype":"float32","shm":{"appose_type":"shm","name":"x","size":4}}`))
	require.Error(t, err)
}
