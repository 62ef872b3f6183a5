package enginecache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testTag() Tag {
	return Tag{
		RuntimeVersion: "10.3.0",
		DeviceArch:     "sm_86",
		DescriptorHash: "0123456789abcdef0123456789abcdef",
		Precision:      "fp16",
	}
}

func TestWriteRead(t *testing.T) {
	dir := t.TempDir()
	tag := testTag()
	payload := []byte("serialized engine bytes")

	path := PathFor(dir, tag)
	require.NoError(t, Write(path, tag, payload))

	back, err := Read(path, tag)
	require.NoError(t, err)
	require.Equal(t, payload, back)
}

func TestReadMissing(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "nope.engine"), testTag())
	require.True(t, os.IsNotExist(err))
}

// A cache built for a different GPU architecture must trigger a rebuild
// (ErrMismatch), not a crash or silently-wrong inference
func TestReadArchMismatch(t *testing.T) {
	dir := t.TempDir()
	tag := testTag()
	path := PathFor(dir, tag)
	require.NoError(t, Write(path, tag, []byte("engine")))

	other := tag
	other.DeviceArch = "sm_75"
	_, err := Read(path, other)
	require.ErrorIs(t, err, ErrMismatch)

	other = tag
	other.RuntimeVersion = "8.6.1"
	_, err = Read(path, other)
	require.ErrorIs(t, err, ErrMismatch)

	other = tag
	other.DescriptorHash = "ffff"
	_, err = Read(path, other)
	require.ErrorIs(t, err, ErrMismatch)
}

func TestReadCorrupt(t *testing.T) {
	dir := t.TempDir()
	tag := testTag()
	path := PathFor(dir, tag)
	require.NoError(t, Write(path, tag, []byte("engine")))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	// Flip a payload byte: checksum must catch it
	raw[len(raw)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, raw, 0644))
	_, err = Read(path, tag)
	require.ErrorIs(t, err, ErrCorrupt)

	// Garbage file
	require.NoError(t, os.WriteFile(path, []byte("not an engine"), 0644))
	_, err = Read(path, tag)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestPathForKeysOnTuple(t *testing.T) {
	dir := t.TempDir()
	tag := testTag()
	p1 := PathFor(dir, tag)

	fp32 := tag
	fp32.Precision = "fp32"
	require.NotEqual(t, p1, PathFor(dir, fp32))

	otherArch := tag
	otherArch.DeviceArch = "sm_120"
	require.NotEqual(t, p1, PathFor(dir, otherArch))
}
