// Copyright 2023 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package clap

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// lockFile is the process-wide mutex preventing two processes from driving
// the same FPGA concurrently. It holds the owner's decimal PID.
const lockFile = "/tmp/clap.lock"

var (
	soloMu    sync.Mutex
	soloCount int
)

// acquireSoloLock takes the lock file, replacing it when the recorded
// owner is no longer alive. Devices within one process share the lock
// through a refcount.
func acquireSoloLock() error {
	soloMu.Lock()
	defer soloMu.Unlock()
	if soloCount > 0 {
		soloCount++
		return nil
	}
	if err := createLockFile(); err != nil {
		return err
	}
	soloCount = 1
	return nil
}

func releaseSoloLock() {
	soloMu.Lock()
	defer soloMu.Unlock()
	if soloCount == 0 {
		return
	}
	soloCount--
	if soloCount == 0 {
		_ = os.Remove(lockFile)
	}
}

func createLockFile() error {
	f, err := os.OpenFile(lockFile, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0666)
	if os.IsExist(err) {
		pid, perr := readLockPID()
		if perr == nil && pid != os.Getpid() && processAlive(pid) {
			return fmt.Errorf("clap: another process (pid %d) is already driving the device, lock held at %s", pid, lockFile)
		}
		// Stale lock: the recorded process is gone.
		if rerr := os.Remove(lockFile); rerr != nil {
			return fmt.Errorf("clap: unable to replace stale lock file %s: %v", lockFile, rerr)
		}
		f, err = os.OpenFile(lockFile, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0666)
	}
	if err != nil {
		return fmt.Errorf("clap: unable to create lock file %s: %v", lockFile, err)
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "%d", os.Getpid()); err != nil {
		return fmt.Errorf("clap: unable to write lock file %s: %v", lockFile, err)
	}
	return nil
}

func readLockPID() (int, error) {
	b, err := os.ReadFile(lockFile)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(b)))
}

// processAlive probes pid with a null signal.
func processAlive(pid int) bool {
	return unix.Kill(pid, 0) == nil
}
