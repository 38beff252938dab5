// Copyright 2023 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package uio

import (
	"os"
	"path/filepath"
	"testing"
)

// fakeTree builds a /sys/class/uio replica with one device.
func fakeTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	dev := filepath.Join(root, "uio3")
	m0 := filepath.Join(dev, "maps", "map0")
	if err := os.MkdirAll(m0, 0755); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		filepath.Join(dev, "name"): "axi-dma\n",
		filepath.Join(m0, "name"):  "axi-dma-map\n",
		filepath.Join(m0, "addr"):  "0x40400000\n",
		filepath.Join(m0, "size"):  "0x10000\n",
		filepath.Join(m0, "offset"): "0x0\n",
	}
	for p, content := range files {
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	prop := filepath.Join(dev, "device", "of_node")
	if err := os.MkdirAll(filepath.Join(prop, "dma-channel@40400000"), 0755); err != nil {
		t.Fatal(err)
	}
	// Devicetree cells are stored big-endian.
	props := map[string][]byte{
		filepath.Join(prop, "xlnx,sg-length-width"):                  {0x00, 0x00, 0x00, 0x0E},
		filepath.Join(prop, "interrupt-names"):                       append([]byte("mm2s_introut"), 0),
		filepath.Join(prop, "interrupts"):                            {0x00, 0x00, 0x00, 0x1D, 0x00, 0x00, 0x00, 0x04},
		filepath.Join(prop, "xlnx,include-dre"):                      {},
		filepath.Join(prop, "dma-channel@40400000", "xlnx,datawidth"): {0x00, 0x00, 0x00, 0x20},
	}
	for p, content := range props {
		if err := os.WriteFile(p, content, 0644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func TestManagerEnumerate(t *testing.T) {
	m := NewManagerAt(fakeTree(t))
	devs := m.Devs()
	if len(devs) != 1 {
		t.Fatalf("got %d devices, want 1", len(devs))
	}
	d := devs[0]
	if d.ID != 3 {
		t.Fatalf("got id %d, want 3", d.ID)
	}
	if d.Name != "axi-dma" {
		t.Fatalf("got name %q, want axi-dma", d.Name)
	}
	if len(d.Maps) != 1 {
		t.Fatalf("got %d maps, want 1", len(d.Maps))
	}
	if d.Maps[0].Addr != 0x40400000 || d.Maps[0].Size != 0x10000 {
		t.Fatalf("unexpected map %+v", d.Maps[0])
	}
}

func TestManagerFindByAddr(t *testing.T) {
	m := NewManagerAt(fakeTree(t))
	if d := m.FindByAddr(0x40400000); d == nil {
		t.Fatal("base address not covered")
	}
	if d := m.FindByAddr(0x4040FFFF); d == nil {
		t.Fatal("last address not covered")
	}
	if d := m.FindByAddr(0x40410000); d != nil {
		t.Fatal("address past the map reported as covered")
	}
}

func TestDevProperties(t *testing.T) {
	m := NewManagerAt(fakeTree(t))
	d := m.Devs()[0]

	v, ok := d.Property("xlnx,sg-length-width")
	if !ok || v != 14 {
		t.Fatalf("got (%d, %t), want (14, true)", v, ok)
	}
	if _, ok := d.Property("xlnx,missing"); ok {
		t.Fatal("missing property reported present")
	}

	s, ok := d.StringProperty("interrupt-names")
	if !ok || s != "mm2s_introut" {
		t.Fatalf("got (%q, %t), want (mm2s_introut, true)", s, ok)
	}

	vec, ok := d.PropertyVec("interrupts")
	if !ok || len(vec) != 2 || vec[0] != 29 || vec[1] != 4 {
		t.Fatalf("got (%v, %t), want ([29 4], true)", vec, ok)
	}

	if !d.PropertyExists("xlnx,include-dre") {
		t.Fatal("presence-only property not found")
	}
	if d.PropertyExists("xlnx,absent") {
		t.Fatal("absent property reported present")
	}

	w, ok := d.Property("dma-channel@40400000/xlnx,datawidth")
	if !ok || w != 32 {
		t.Fatalf("got (%d, %t), want (32, true)", w, ok)
	}
}
