package calibration_test

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dudk/corrpipe/calibration"
)

func TestReadWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "solutions.bin")
	s := calibration.New(3, 2)
	s.StartTime, s.EndTime = 10, 20
	*s.At(1, 1) = calibration.Jones{2, 1i, -1i, 3}
	*s.At(2, 0) = calibration.Jones{complex(math.NaN(), 0), 0, 0, 1}
	require.NoError(t, calibration.Write(path, s))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(48+3*2*4*16), info.Size())

	read, err := calibration.Read(path)
	require.NoError(t, err)
	assert.Equal(t, 3, read.Antennas)
	assert.Equal(t, 2, read.Channels)
	assert.Equal(t, 10.0, read.StartTime)
	assert.Equal(t, 20.0, read.EndTime)
	assert.Equal(t, calibration.Jones{2, 1i, -1i, 3}, *read.At(1, 1))
	assert.Equal(t, calibration.Identity, *read.At(0, 0))
	assert.True(t, read.At(1, 1).IsValid())
	assert.False(t, read.At(2, 0).IsValid())
}

func TestReadErrors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name     string
		content  []byte
		expected error
	}{
		{
			name:     "empty",
			content:  nil,
			expected: calibration.ErrFormat,
		},
		{
			name:     "intro",
			content:  make([]byte, 48),
			expected: calibration.ErrFormat,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			path := filepath.Join(dir, test.name)
			require.NoError(t, os.WriteFile(path, test.content, 0o644))
			_, err := calibration.Read(path)
			assert.ErrorIs(t, err, test.expected)
		})
	}

	t.Run("truncated", func(t *testing.T) {
		path := filepath.Join(dir, "truncated")
		require.NoError(t, calibration.Write(path, calibration.New(2, 2)))
		content, err := os.ReadFile(path)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, content[:len(content)-8], 0o644))
		_, err = calibration.Read(path)
		assert.ErrorIs(t, err, calibration.ErrFormat)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := calibration.Read(filepath.Join(dir, "absent"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestApply(t *testing.T) {
	tests := []struct {
		name     string
		a, b     calibration.Jones
		data     []complex64
		expected []complex64
	}{
		{
			name:     "identity",
			a:        calibration.Identity,
			b:        calibration.Identity,
			data:     []complex64{1 + 1i, 2, 3, 4 - 1i},
			expected: []complex64{1 + 1i, 2, 3, 4 - 1i},
		},
		{
			name:     "diagonal gains",
			a:        calibration.Jones{2, 0, 0, 3},
			b:        calibration.Jones{1i, 0, 0, 1},
			data:     []complex64{1, 1, 1, 1},
			expected: []complex64{-2i, 2, -3i, 3},
		},
		{
			name:     "swap",
			a:        calibration.Jones{0, 1, 1, 0},
			b:        calibration.Identity,
			data:     []complex64{1, 2, 3, 4},
			expected: []complex64{3, 4, 1, 2},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			d := append([]complex64(nil), test.data...)
			calibration.Apply(d, &test.a, &test.b)
			assert.Equal(t, test.expected, d)
		})
	}
}
