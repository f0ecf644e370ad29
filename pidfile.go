package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

const (
	lockFilePermissions = 0o644
	lockDirPermissions  = 0o755

	// daemonCommand is the lock holder that answers reload signals.
	daemonCommand = "serve"
)

// errStoreBusy means another edusync process holds the store lock.
var errStoreBusy = errors.New("store is in use by another edusync process")

// lockHolder is what the lock file records about the process holding it.
type lockHolder struct {
	PID     int
	Command string
}

// storeBusyError names the holder when the lock is taken.
type storeBusyError struct {
	Path   string
	Holder lockHolder
}

func (e *storeBusyError) Error() string {
	if e.Holder.PID == 0 {
		return fmt.Sprintf("%v (could not lock %s)", errStoreBusy, e.Path)
	}

	return fmt.Sprintf("%v: edusync %s (PID %d) holds %s", errStoreBusy, e.Holder.Command, e.Holder.PID, e.Path)
}

func (e *storeBusyError) Unwrap() error {
	return errStoreBusy
}

// acquireStoreLock takes the exclusive lock every process that opens the
// store needs. serve keeps it for its lifetime; sync, conflicts and local
// status keep it only while they run, so they never race a daemon's
// scheduler on the same database. The lock file records the PID and the
// command for whoever is refused next. release removes the file and drops
// the lock.
func acquireStoreLock(path, command string) (release func(), err error) {
	if path == "" {
		return nil, errors.New("lock file path is empty")
	}

	if err := os.MkdirAll(filepath.Dir(path), lockDirPermissions); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, lockFilePermissions)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()

		holder, _ := readLockHolder(path)

		return nil, &storeBusyError{Path: path, Holder: holder}
	}

	if err := writeHolder(f, lockHolder{PID: os.Getpid(), Command: command}); err != nil {
		f.Close()
		return nil, err
	}

	return func() {
		os.Remove(path)
		f.Close()
	}, nil
}

func writeHolder(f *os.File, h lockHolder) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncating lock file: %w", err)
	}

	if _, err := f.WriteAt([]byte(fmt.Sprintf("%d %s\n", h.PID, h.Command)), 0); err != nil {
		return fmt.Errorf("writing lock file: %w", err)
	}

	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing lock file: %w", err)
	}

	return nil
}

// readLockHolder parses a lock file. A bare PID is accepted and read as
// held by serve.
func readLockHolder(path string) (lockHolder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return lockHolder{}, fmt.Errorf("reading lock file: %w", err)
	}

	pidText, command, _ := strings.Cut(strings.TrimSpace(string(data)), " ")

	pid, err := strconv.Atoi(pidText)
	if err != nil || pid <= 0 {
		return lockHolder{}, fmt.Errorf("invalid PID in %s: %q", path, pidText)
	}

	if command = strings.TrimSpace(command); command == "" {
		command = daemonCommand
	}

	return lockHolder{PID: pid, Command: command}, nil
}

// signalReload sends SIGHUP to a running serve so it rereads its config
// and credentials. A one-shot holder is left alone; a stale lock file is
// removed.
func signalReload(path string) error {
	h, err := readLockHolder(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("no running daemon found (no lock file at %s)", path)
		}

		return err
	}

	proc, err := os.FindProcess(h.PID)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", h.PID, err)
	}

	if err := proc.Signal(syscall.Signal(0)); err != nil {
		os.Remove(path)

		return fmt.Errorf("daemon (PID %d) is not running (stale lock file removed)", h.PID)
	}

	if h.Command != daemonCommand {
		return fmt.Errorf("edusync %s (PID %d) holds the store; no daemon to reload", h.Command, h.PID)
	}

	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return fmt.Errorf("sending SIGHUP to daemon (PID %d): %w", h.PID, err)
	}

	return nil
}
