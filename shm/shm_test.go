//go:build linux

package shm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAttachRoundTrip(t *testing.T) {
	h, err := Create("", 4096)
	require.NoError(t, err)
	defer h.Unlink()
	defer h.Close()

	copy(h.Data(), []byte("hello shared memory"))

	attached, err := Attach(h.Name(), 4096)
	require.NoError(t, err)
	defer attached.Close()

	assert.Equal(t, "hello shared memory", string(attached.Data()[:19]))
	assert.Equal(t, int64(4096), attached.Size())
}

func TestCreateDuplicateNameFails(t *testing.T) {
	h, err := Create("/appose-test-dup", 1024)
	require.NoError(t, err)
	defer h.Unlink()
	defer h.Close()

	_, err = Create("/appose-test-dup", 1024)
	require.Error(t, err)
	var shmErr *Error
	require.ErrorAs(t, err, &shmErr)
	assert.Equal(t, ErrExists, shmErr.Kind)
}

func TestAttachMissingNameFails(t *testing.T) {
	_, err := Attach("/appose-does-not-exist-xyz", 1024)
	require.Error(t, err)
	var shmErr *Error
	require.ErrorAs(t, err, &shmErr)
	assert.Equal(t, ErrNotFound, shmErr.Kind)
}

func TestCloseIdempotent(t *testing.T) {
	h, err := Create("", 1024)
	require.NoError(t, err)
	defer h.Unlink()

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
}

func TestUnlinkIdempotent(t *testing.T) {
	h, err := Create("", 1024)
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, h.Unlink())
	require.NoError(t, h.Unlink())
}

func TestCreateRejectsNonPositiveSize(t *testing.T) {
	_, err := Create("", 0)
	require.Error(t, err)
}
