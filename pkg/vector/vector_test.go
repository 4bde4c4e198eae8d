package vector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	v := []float32{3, 4}
	out := Normalize(v)
	require.Len(t, out, 2)
	assert.InDelta(t, 1.0, Norm(out), 1e-6)
	assert.InDelta(t, 0.6, out[0], 1e-6)
	assert.InDelta(t, 0.8, out[1], 1e-6)
	// original untouched
	assert.Equal(t, []float32{3, 4}, v)
}

func TestNormalizeZeroVector(t *testing.T) {
	v := []float32{0, 0, 0}
	out := Normalize(v)
	assert.Equal(t, []float32{0, 0, 0}, out)
}

func TestNormalizeInPlace(t *testing.T) {
	v := []float32{1, 0, 0, 0}
	NormalizeInPlace(v)
	assert.InDelta(t, 1.0, Norm(v), 1e-6)
}

func TestIsUnit(t *testing.T) {
	assert.True(t, IsUnit([]float32{1, 0, 0}))
	assert.True(t, IsUnit(Normalize([]float32{2, 2, 2})))
	assert.False(t, IsUnit([]float32{1, 1}))
}

func TestDot(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{1, 0, 0}
	assert.Equal(t, float32(1), Dot(a, b))

	c := []float32{0, 1, 0}
	assert.Equal(t, float32(0), Dot(a, c))
}

func TestDotChecked(t *testing.T) {
	_, err := DotChecked([]float32{1, 2}, []float32{1, 2, 3})
	require.Error(t, err)
	var mismatch *ErrDimensionMismatch
	assert.ErrorAs(t, err, &mismatch)
	assert.Equal(t, 2, mismatch.Want)
	assert.Equal(t, 3, mismatch.Got)
}

func TestCosineFromDot(t *testing.T) {
	assert.InDelta(t, 0.0, CosineFromDot(1.0), 1e-9)
	assert.InDelta(t, 2.0, CosineFromDot(-1.0), 1e-9)
}
