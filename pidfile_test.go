package main

import (
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireStoreLock_RecordsHolder(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "edusync.pid")

	release, err := acquireStoreLock(path, "sync")
	require.NoError(t, err)

	defer release()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid())+" sync\n", string(data))

	h, err := readLockHolder(path)
	require.NoError(t, err)
	assert.Equal(t, lockHolder{PID: os.Getpid(), Command: "sync"}, h)
}

func TestAcquireStoreLock_SecondCallerLearnsHolder(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "edusync.pid")

	release, err := acquireStoreLock(path, daemonCommand)
	require.NoError(t, err)

	defer release()

	again, err := acquireStoreLock(path, "conflicts")
	require.Error(t, err)
	assert.Nil(t, again)
	assert.ErrorIs(t, err, errStoreBusy)

	var busy *storeBusyError
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, daemonCommand, busy.Holder.Command)
	assert.Equal(t, os.Getpid(), busy.Holder.PID)
	assert.Contains(t, err.Error(), "edusync serve")
	assert.Contains(t, err.Error(), path)
}

func TestAcquireStoreLock_ReleaseAllowsNextCommand(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "edusync.pid")

	release, err := acquireStoreLock(path, "status")
	require.NoError(t, err)
	release()

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	release, err = acquireStoreLock(path, "sync")
	require.NoError(t, err)
	release()
}

func TestAcquireStoreLock_EmptyPath(t *testing.T) {
	t.Parallel()

	release, err := acquireStoreLock("", "sync")
	assert.Error(t, err)
	assert.Nil(t, release)
}

func TestReadLockHolder(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		want    lockHolder
		wantErr bool
	}{
		{name: "pid and command", content: "12345 conflicts\n", want: lockHolder{PID: 12345, Command: "conflicts"}},
		{name: "bare pid is serve", content: "12345\n", want: lockHolder{PID: 12345, Command: daemonCommand}},
		{name: "garbage", content: "not-a-pid\n", wantErr: true},
		{name: "negative", content: "-4 sync\n", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			path := filepath.Join(t.TempDir(), "edusync.pid")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))

			got, err := readLockHolder(path)
			if tt.wantErr {
				assert.ErrorContains(t, err, "invalid PID")
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSignalReload_NoLockFile(t *testing.T) {
	t.Parallel()

	err := signalReload(filepath.Join(t.TempDir(), "missing.pid"))
	assert.ErrorContains(t, err, "no running daemon")
}

func TestSignalReload_StaleLockFileRemoved(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "edusync.pid")
	require.NoError(t, os.WriteFile(path, []byte("999999999 serve\n"), 0o644))

	err := signalReload(path)
	assert.ErrorContains(t, err, "not running")

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestSignalReload_OneShotHolderIsNotSignalled(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "edusync.pid")
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+" sync\n"), 0o644))

	err := signalReload(path)
	assert.ErrorContains(t, err, "no daemon to reload")

	_, statErr := os.Stat(path)
	assert.NoError(t, statErr)
}

// Not parallel: it signals the test binary itself.
func TestSignalReload_SendsSIGHUPToServe(t *testing.T) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)

	defer signal.Stop(sigCh)

	path := filepath.Join(t.TempDir(), "edusync.pid")
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+" serve\n"), 0o644))

	require.NoError(t, signalReload(path))
	assert.Equal(t, syscall.SIGHUP, <-sigCh)
}
