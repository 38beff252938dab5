// Copyright 2023 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package clap_test

import (
	"fmt"
	"log"

	"periph.io/x/clap"
	"periph.io/x/clap/backend/backendtest"
)

func Example() {
	// Open a device. On real hardware, use pcie.New or petalinux.New
	// instead of the test backend.
	b, err := backendtest.New()
	if err != nil {
		log.Fatal(err)
	}
	d, err := clap.New(b, clap.WithoutSoloLock())
	if err != nil {
		log.Fatal(err)
	}
	defer d.Close()

	// Declare the DDR window the accelerator can see and carve a buffer
	// out of it.
	d.AddMemoryRegion(clap.MemoryDDR, 0x10000, 0x10000)
	mem, err := d.AllocDDR(64)
	if err != nil {
		log.Fatal(err)
	}
	defer d.Free(mem)

	if err := d.WriteMemory(mem, []byte("hello accelerator")); err != nil {
		log.Fatal(err)
	}
	buf := make([]byte, 17)
	if err := d.ReadMemory(mem, buf); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("%s\n", buf)
	// Output: hello accelerator
}
