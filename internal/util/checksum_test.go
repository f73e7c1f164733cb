package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndStripChecksum(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"snapshot", []byte(`{"node_id":"n1","memory":{}}`)},
		{"binary", []byte{0x00, 0x01, 0x02, 0x03, 0xFF}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			framed := AppendChecksum(tt.data)
			require.Len(t, framed, len(tt.data)+4)

			data, valid := ValidateAndStripChecksum(framed)
			assert.True(t, valid)
			assert.Equal(t, tt.data, data)
		})
	}
}

func TestValidateAndStripChecksum_Corruption(t *testing.T) {
	framed := AppendChecksum([]byte("ledger state"))
	framed[0] ^= 0xFF

	_, valid := ValidateAndStripChecksum(framed)
	assert.False(t, valid)

	_, valid = ValidateAndStripChecksum([]byte{0x01, 0x02})
	assert.False(t, valid)
}

func TestDigest(t *testing.T) {
	a := map[string]int{"n1": 1, "n2": 2, "n3": 3}
	b := map[string]int{"n3": 3, "n1": 1, "n2": 2}

	da, err := Digest(a)
	require.NoError(t, err)
	db, err := Digest(b)
	require.NoError(t, err)
	assert.Equal(t, da, db)

	b["n2"] = 5
	db, err = Digest(b)
	require.NoError(t, err)
	assert.NotEqual(t, da, db)

	_, err = Digest(make(chan int))
	assert.Error(t, err)
}
