// Copyright 2024 The Armored Witness Boardloader authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sim provides in-memory implementations of the boardloader
// hardware interfaces, for tests and the host emulator.
package sim

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/transparency-dev/armored-witness-boardloader/flash"
)

// ErrWriteProtected is returned on erase or program attempts while the flash
// is locked.
var ErrWriteProtected = errors.New("flash is write protected")

// Flash is an in-memory NOR flash: erasing sets whole sectors to 0xff and
// programming can only clear bits. It starts locked.
type Flash struct {
	Base uint32
	Mem  []byte

	layout flash.Layout
	locked bool

	// Erased counts erase operations per sector start address.
	Erased map[uint32]int
	// Written counts programmed words.
	Written int
	// Unlocks counts successful unlock operations.
	Unlocks int

	// Injected failures, returned by the matching operation when set.
	FailUnlock error
	FailLock   error
	FailErase  error
	FailWrite  error

	// OnErase is called just before a sector is erased.
	OnErase func(addr uint32)
	// NoErase makes EraseSector report success without erasing anything.
	NoErase bool
}

// NewFlash returns a fully erased, locked flash covering layout.
func NewFlash(layout flash.Layout) *Flash {
	return &Flash{
		Base:   layout[0].Start,
		Mem:    bytes.Repeat([]byte{0xff}, int(layout.Size())),
		layout: layout,
		locked: true,
		Erased: make(map[uint32]int),
	}
}

// Locked reports whether the flash is write protected.
func (f *Flash) Locked() bool {
	return f.locked
}

func (f *Flash) span(addr uint32, n int) ([]byte, error) {
	if addr < f.Base || uint64(addr-f.Base)+uint64(n) > uint64(len(f.Mem)) {
		return nil, fmt.Errorf("address %#x (%d bytes) out of range", addr, n)
	}

	off := addr - f.Base

	return f.Mem[off : off+uint32(n)], nil
}

// Unlock implements flash.Device.
func (f *Flash) Unlock() error {
	if f.FailUnlock != nil {
		return f.FailUnlock
	}

	f.locked = false
	f.Unlocks++

	return nil
}

// Lock implements flash.Device.
func (f *Flash) Lock() error {
	if f.FailLock != nil {
		return f.FailLock
	}

	f.locked = true

	return nil
}

// EraseSector implements flash.Device.
func (f *Flash) EraseSector(addr uint32, size uint32) error {
	if f.locked {
		return ErrWriteProtected
	}

	if f.FailErase != nil {
		return f.FailErase
	}

	found := false

	for _, r := range f.layout {
		if r.Start == addr && r.Size == size {
			found = true
			break
		}
	}

	if !found {
		return fmt.Errorf("no sector at %#x (%d bytes)", addr, size)
	}

	if f.OnErase != nil {
		f.OnErase(addr)
	}

	b, err := f.span(addr, int(size))

	if err != nil {
		return err
	}

	if !f.NoErase {
		for i := range b {
			b[i] = 0xff
		}
	}

	f.Erased[addr]++

	return nil
}

// WriteWord implements flash.Device.
func (f *Flash) WriteWord(addr uint32, v uint32) error {
	if f.locked {
		return ErrWriteProtected
	}

	if f.FailWrite != nil {
		return f.FailWrite
	}

	if addr%4 != 0 {
		return fmt.Errorf("unaligned write at %#x", addr)
	}

	b, err := f.span(addr, 4)

	if err != nil {
		return err
	}

	binary.LittleEndian.PutUint32(b, binary.LittleEndian.Uint32(b)&v)
	f.Written++

	return nil
}

// Read implements flash.Device.
func (f *Flash) Read(addr uint32, b []byte) error {
	src, err := f.span(addr, len(b))

	if err != nil {
		return err
	}

	copy(b, src)

	return nil
}

// Sector returns a copy of a sector contents.
func (f *Flash) Sector(s flash.Sector) []byte {
	r := f.layout[s]
	b, _ := f.span(r.Start, int(r.Size))

	return append([]byte(nil), b...)
}

// Program copies b at the start of a sector, bypassing the write protection.
func (f *Flash) Program(s flash.Sector, b []byte) {
	r := f.layout[s]
	dst, _ := f.span(r.Start, int(r.Size))
	copy(dst, b)
}

// Load replaces the flash contents with a file, which must not be larger than
// the flash. Bytes past the end of the file read as erased.
func (f *Flash) Load(path string) error {
	b, err := os.ReadFile(path)

	if err != nil {
		return err
	}

	if len(b) > len(f.Mem) {
		return fmt.Errorf("flash image %s too large (%d > %d)", path, len(b), len(f.Mem))
	}

	for i := range f.Mem {
		f.Mem[i] = 0xff
	}

	copy(f.Mem, b)

	return nil
}

// Save writes the flash contents to a file.
func (f *Flash) Save(path string) error {
	return os.WriteFile(path, f.Mem, 0600)
}
