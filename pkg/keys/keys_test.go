package keys

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtomKeyRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		key  AtomKey
	}{
		{
			name: "indexed numeric stream",
			key: AtomKey{
				Stream:      NumericStream(-42),
				Type:        TableData,
				VersionID:   7,
				CreationTS:  1724630400123456789,
				ContentHash: 0xdeadbeefcafe,
				Start:       NumIndex(0),
				End:         NumIndex(99),
			},
		},
		{
			name: "string index bounds",
			key: AtomKey{
				Stream:      StringStream("prices/EUR#spot"),
				Type:        TableIndex,
				VersionID:   0,
				CreationTS:  1,
				ContentHash: 0,
				Start:       StrIndex("AAPL"),
				End:         StrIndex("MSFT"),
			},
		},
		{
			name: "no index bounds",
			key: AtomKey{
				Stream:      StringStream("plain"),
				Type:        Version,
				VersionID:   3,
				CreationTS:  99,
				ContentHash: 0xffffffffffffffff,
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			parsed, err := ParseAtomKey(tc.key.Path())
			require.NoError(t, err)
			assert.Equal(t, tc.key, parsed)
		})
	}
}

func TestAtomKeyInvariants(t *testing.T) {
	bad := AtomKey{
		Stream: StringStream("x"),
		Type:   TableData,
		Start:  NumIndex(10),
		End:    NumIndex(5),
	}
	require.Error(t, bad.Validate())

	ref := AtomKey{Stream: StringStream("x"), Type: VersionRef}
	require.Error(t, ref.Validate())
}

func TestRefKeyRoundTrip(t *testing.T) {
	for _, key := range []RefKey{
		{Stream: StringStream("sym"), Type: VersionRef},
		{Stream: StringStream("l"), Type: VersionRef},
		{Stream: NumericStream(9), Type: VersionRef, Legacy: true},
		{Stream: StringStream("a/b%c#d"), Type: VersionRef, Legacy: true},
	} {
		parsed, err := ParseRefKey(key.Path())
		require.NoError(t, err)
		assert.Equal(t, key, parsed)
	}
}

func TestStreamIDDistinguishesNumericFromDigits(t *testing.T) {
	numeric := NumericStream(123)
	stringy := StringStream("123")
	assert.NotEqual(t, numeric.String(), stringy.String())

	back, err := ParseStreamID(numeric.String())
	require.NoError(t, err)
	assert.True(t, back.Numeric)

	back, err = ParseStreamID(stringy.String())
	require.NoError(t, err)
	assert.False(t, back.Numeric)
	assert.Equal(t, "123", back.Str)
}

func TestParseAtomKeyRejectsGarbage(t *testing.T) {
	for _, path := range []string{
		"",
		"tdata/sym",
		"nosuch/sym/1/2/3",
		"tdata/sym/notanumber/2/3",
		"tdata/sym/1/2/3/i0", // half-open bounds
	} {
		_, err := ParseAtomKey(path)
		assert.Error(t, err, path)
	}
}
