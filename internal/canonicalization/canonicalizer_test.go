package canonicalization

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprint_StableUnderKeyReordering(t *testing.T) {
	a := map[string]any{"material": "PLA", "layerHeight": 0.2, "infill": 20}
	b := map[string]any{"infill": 20, "layerHeight": 0.2, "material": "PLA"}

	fpA, err := Fingerprint(a, nil)
	require.NoError(t, err)

	fpB, err := Fingerprint(b, nil)
	require.NoError(t, err)

	assert.Equal(t, fpA, fpB)
	assert.Len(t, fpA, 64)
}

func TestFingerprint_CaseInsensitiveStrings(t *testing.T) {
	a := map[string]any{"material": "PLA"}
	b := map[string]any{"material": "pla"}

	fpA, err := Fingerprint(a, nil)
	require.NoError(t, err)

	fpB, err := Fingerprint(b, nil)
	require.NoError(t, err)

	assert.Equal(t, fpA, fpB)
}

func TestFingerprint_DifferentInputsDiffer(t *testing.T) {
	a := map[string]any{"material": "PLA"}
	b := map[string]any{"material": "ABS"}

	fpA, err := Fingerprint(a, nil)
	require.NoError(t, err)

	fpB, err := Fingerprint(b, nil)
	require.NoError(t, err)

	assert.NotEqual(t, fpA, fpB)
}

func TestFingerprint_BinaryPayloadParticipates(t *testing.T) {
	params := map[string]any{"material": "PLA"}

	fpNoGeom, err := Fingerprint(params, nil)
	require.NoError(t, err)

	fpGeom, err := Fingerprint(params, []byte("STL bytes"))
	require.NoError(t, err)

	assert.NotEqual(t, fpNoGeom, fpGeom)

	fpGeomAgain, err := Fingerprint(params, []byte("STL bytes"))
	require.NoError(t, err)
	assert.Equal(t, fpGeom, fpGeomAgain)
}

func TestContentHash_DeterministicAndSensitiveToSchema(t *testing.T) {
	h1 := ContentHash([]string{"a", "b"}, "target", 100, "rowsdigest")
	h2 := ContentHash([]string{"a", "b"}, "target", 100, "rowsdigest")
	h3 := ContentHash([]string{"a", "c"}, "target", 100, "rowsdigest")

	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
}
