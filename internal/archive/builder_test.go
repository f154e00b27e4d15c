package archive_test

import (
	"archive/zip"
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recordexport/internal/apperr"
	"recordexport/internal/archive"
)

func readZip(t *testing.T, data []byte) map[string]string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	out := make(map[string]string, len(zr.File))
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		b, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		out[f.Name] = string(b)
	}
	return out
}

func zipNames(t *testing.T, data []byte) []string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
		assert.Equal(t, zip.Deflate, f.Method)
	}
	return names
}

func TestBuilder_PreservesOrderAndContent(t *testing.T) {
	b := archive.NewBuilder().WithModTime(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, b.Add("c.csv", []byte("a,b\n")))
	require.NoError(t, b.Add("a.json", []byte(`{"x": 1}`)))
	require.NoError(t, b.Add("nested/b.wav", []byte{0, 1, 2, 3}))

	data, err := b.Build()
	require.NoError(t, err)

	assert.Equal(t, []string{"c.csv", "a.json", "nested/b.wav"}, zipNames(t, data))
	files := readZip(t, data)
	assert.Equal(t, "a,b\n", files["c.csv"])
	assert.Equal(t, `{"x": 1}`, files["a.json"])
	assert.Equal(t, string([]byte{0, 1, 2, 3}), files["nested/b.wav"])
}

func TestBuilder_RejectsEmpty(t *testing.T) {
	_, err := archive.NewBuilder().Build()
	assert.ErrorIs(t, err, archive.ErrNoContent)

	_, err = archive.Build(nil)
	assert.ErrorIs(t, err, archive.ErrNoContent)
}

func TestBuilder_RejectsCollision(t *testing.T) {
	b := archive.NewBuilder()
	require.NoError(t, b.Add("a.json", []byte("1")))

	err := b.Add("a.json", []byte("2"))
	assert.ErrorIs(t, err, archive.ErrPathCollision)

	// Normalised duplicates collide too.
	err = b.Add("./a.json", []byte("3"))
	assert.ErrorIs(t, err, archive.ErrPathCollision)
	assert.Equal(t, 1, b.Len())

	_, err = archive.Build([]archive.Entry{{Path: "x", Data: nil}, {Path: "x", Data: nil}})
	assert.ErrorIs(t, err, archive.ErrPathCollision)
}

func TestBuilder_RejectsUnsafePaths(t *testing.T) {
	b := archive.NewBuilder()
	for _, p := range []string{"", "/etc/passwd", "../up.txt", "a/../../b", "."} {
		err := b.Add(p, []byte("x"))
		assert.True(t, apperr.IsValidation(err), "path %q should be rejected", p)
	}
	assert.Equal(t, 0, b.Len())
}

func TestBuilder_WriteToCountsBytes(t *testing.T) {
	b := archive.NewBuilder()
	require.NoError(t, b.Add("big.txt", bytes.Repeat([]byte("compressible "), 2000)))

	var buf bytes.Buffer
	n, err := b.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, int64(buf.Len()), n)
	assert.Less(t, n, int64(26000), "deflate should shrink repetitive input")
	assert.Equal(t, []string{"big.txt"}, b.Paths())
}
