// Copyright 2023 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package clap

import (
	"os"
	"testing"
)

func TestSoloRunLock(t *testing.T) {
	if _, err := os.Stat(lockFile); err == nil {
		t.Skipf("%s exists, another instance may be running", lockFile)
	}
	if err := acquireSoloLock(); err != nil {
		t.Fatal(err)
	}
	pid, err := readLockPID()
	if err != nil {
		t.Fatal(err)
	}
	if pid != os.Getpid() {
		t.Fatalf("got pid %d, want %d", pid, os.Getpid())
	}
	// Reentrant within the process.
	if err := acquireSoloLock(); err != nil {
		t.Fatal(err)
	}
	releaseSoloLock()
	releaseSoloLock()
	if _, err := os.Stat(lockFile); !os.IsNotExist(err) {
		t.Fatal("lock file not removed on final release")
	}
}

func TestSoloRunLockStale(t *testing.T) {
	if _, err := os.Stat(lockFile); err == nil {
		t.Skipf("%s exists, another instance may be running", lockFile)
	}
	// A PID that cannot be alive: PIDs are bounded well below this.
	if err := os.WriteFile(lockFile, []byte("999999999"), 0666); err != nil {
		t.Fatal(err)
	}
	if err := acquireSoloLock(); err != nil {
		t.Fatalf("stale lock not replaced: %v", err)
	}
	pid, err := readLockPID()
	if err != nil {
		t.Fatal(err)
	}
	if pid != os.Getpid() {
		t.Fatalf("got pid %d, want %d", pid, os.Getpid())
	}
	releaseSoloLock()
}
