// Copyright 2023 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package backendtest

import (
	"os"
	"path/filepath"
	"testing"
)

func configBackend(t *testing.T, cfg string) *Backend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dummy.json")
	if err := os.WriteFile(path, []byte(cfg), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(ConfigEnv, path)
	b, err := New()
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestConfigSeeding(t *testing.T) {
	b := configBackend(t, `{
		"memorySize": 65536,
		"uioProperties": [{"addr": 64, "name": "xlnx,sg-length-width", "value": 14}],
		"uioStringProperties": [{"addr": 64, "name": "interrupt-names", "value": "s2mm_introut"}],
		"uioVectorProperties": [{"addr": 64, "name": "interrupts", "value": [29, 4]}],
		"uioIds": [{"addr": 64, "id": 7}],
		"registers": [{"addr": 256, "value": 43981, "width": 4}],
		"memory": [{"addr": 512, "bytes": [1, 2, 3]}]
	}`)
	if v, ok := b.ReadUIOProperty(64, "xlnx,sg-length-width"); !ok || v != 14 {
		t.Fatalf("got (%d, %t)", v, ok)
	}
	if s, ok := b.ReadUIOStringProperty(64, "interrupt-names"); !ok || s != "s2mm_introut" {
		t.Fatalf("got (%q, %t)", s, ok)
	}
	if vec, ok := b.ReadUIOPropertyVec(64, "interrupts"); !ok || len(vec) != 2 || vec[0] != 29 {
		t.Fatalf("got (%v, %t)", vec, ok)
	}
	if !b.UIOPropertyExists(64, "interrupt-names") {
		t.Fatal("existing property not reported")
	}
	if id, ok := b.UIOID(64); !ok || id != 7 {
		t.Fatalf("got (%d, %t)", id, ok)
	}
	if v := b.RegisterValue(256, 4); v != 0xABCD {
		t.Fatalf("got 0x%X, want 0xABCD", v)
	}
	p := make([]byte, 3)
	if err := b.ReadBytes(512, p); err != nil {
		t.Fatal(err)
	}
	if p[0] != 1 || p[1] != 2 || p[2] != 3 {
		t.Fatalf("got %v", p)
	}
}

func TestOutOfRange(t *testing.T) {
	b, err := New()
	if err != nil {
		t.Fatal(err)
	}
	if err := b.ReadBytes(0xFFFFFF, make([]byte, 16)); err == nil {
		t.Fatal("expected out of range error")
	}
	if err := b.WriteBytes(0xFFFFFF, make([]byte, 16)); err == nil {
		t.Fatal("expected out of range error")
	}
}

func TestWriteHooks(t *testing.T) {
	b, err := New()
	if err != nil {
		t.Fatal(err)
	}
	// A self-clearing reset bit: bit 2 drops right after the write.
	b.AddAutoClearOnWrite(0x100, 0x4, 4)
	if err := b.WriteBytes(0x100, []byte{0x05, 0, 0, 0}); err != nil {
		t.Fatal(err)
	}
	if v := b.RegisterValue(0x100, 4); v != 0x1 {
		t.Fatalf("got 0x%X, want 0x1", v)
	}
}

func TestReadHooks(t *testing.T) {
	b, err := New()
	if err != nil {
		t.Fatal(err)
	}
	b.AddAutoClearOnRead(0x200, 0xF0, 4)
	b.SetRegisterValue(0x200, 0xFF, 4)
	p := make([]byte, 4)
	if err := b.ReadBytes(0x200, p); err != nil {
		t.Fatal(err)
	}
	if p[0] != 0xFF {
		t.Fatalf("first read got 0x%X, want 0xFF", p[0])
	}
	if err := b.ReadBytes(0x200, p); err != nil {
		t.Fatal(err)
	}
	if p[0] != 0x0F {
		t.Fatalf("second read got 0x%X, want 0x0F", p[0])
	}
}

func TestApCtrlAutoComplete(t *testing.T) {
	b, err := New()
	if err != nil {
		t.Fatal(err)
	}
	b.EnableApCtrlAutoComplete(0x3000)
	if err := b.WriteBytes(0x3000, []byte{0x1}); err != nil {
		t.Fatal(err)
	}
	if v := b.MemoryByte(0x3000); v&0x2 == 0 {
		t.Fatalf("ap_done not raised, got 0x%X", v)
	}
	// Writes without ap_start do not complete.
	if err := b.WriteBytes(0x3000, []byte{0x0}); err != nil {
		t.Fatal(err)
	}
	if v := b.MemoryByte(0x3000); v != 0 {
		t.Fatalf("got 0x%X, want 0", v)
	}
}

func TestUserInterruptLifecycle(t *testing.T) {
	b, err := New()
	if err != nil {
		t.Fatal(err)
	}
	u := b.MakeUserInterrupt()
	if u.IsSet() {
		t.Fatal("unbound interrupt reports set")
	}
	if _, err := u.Wait(0, true); err == nil {
		t.Fatal("expected error waiting on unbound interrupt")
	}
	if err := u.Init(0, 3, nil); err != nil {
		t.Fatal(err)
	}
	if !u.IsSet() {
		t.Fatal("bound interrupt not set")
	}
	fired := false
	u.RegisterCallback(func(mask uint32) { fired = true })
	ok, err := u.Wait(0, true)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || !fired {
		t.Fatalf("ok=%t fired=%t", ok, fired)
	}
	if !u.Finished() {
		t.Fatal("interrupt without finish callback not finished")
	}
}
