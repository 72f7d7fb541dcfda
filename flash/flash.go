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

// Package flash implements erase and program sequences over the logical
// sectors of the boot flash.
//
// Write access is only ever granted for the duration of a function call
// (see Flash.WithWriteUnlocked), the flash is locked again on every exit
// path.
package flash

import (
	"bytes"
	"encoding/binary"
	"errors"

	"k8s.io/klog/v2"
)

// verifyChunk is the read size used when checking erased sectors.
const verifyChunk = 4096

// Device is the flash controller driver.
type Device interface {
	// Unlock enables erase and write operations.
	Unlock() error
	// Lock disables erase and write operations.
	Lock() error
	// Erase erases the size bytes at addr, which must be a whole sector.
	EraseSector(addr uint32, size uint32) error
	// WriteWord programs a 32-bit little endian word at addr.
	WriteWord(addr uint32, v uint32) error
	// Read reads len(b) bytes at addr.
	Read(addr uint32, b []byte) error
}

// Observer is notified of erase progress.
type Observer interface {
	Tick(done int, total int)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(done int, total int)

// Tick calls fn(done, total).
func (fn ObserverFunc) Tick(done int, total int) {
	fn(done, total)
}

// Flash provides sector level erase, program and read operations.
//
// Flash is not safe for concurrent use.
type Flash struct {
	dev    Device
	layout Layout

	unlocked bool
}

// New returns a Flash for the given device and layout.
func New(dev Device, layout Layout) (*Flash, error) {
	if dev == nil {
		return nil, errors.New("missing flash device")
	}

	if err := layout.Validate(); err != nil {
		return nil, err
	}

	return &Flash{
		dev:    dev,
		layout: layout,
	}, nil
}

// Region returns the physical region of a sector.
func (f *Flash) Region(s Sector) (Region, error) {
	if int(s) >= NumSectors {
		return Region{}, &OperationError{Op: "lookup", Sector: s, Err: ErrUnknownSector}
	}

	return f.layout[s], nil
}

// Size returns the size of a sector.
func (f *Flash) Size(s Sector) (uint32, error) {
	r, err := f.Region(s)
	return r.Size, err
}

// Read reads len(b) bytes at offset within a sector.
func (f *Flash) Read(s Sector, offset uint32, b []byte) error {
	r, err := f.Region(s)

	if err != nil {
		return err
	}

	if uint64(offset)+uint64(len(b)) > uint64(r.Size) {
		return &OperationError{Op: "read", Sector: s, Offset: offset, Err: ErrOutOfRange}
	}

	if err = f.dev.Read(r.Start+offset, b); err != nil {
		return &OperationError{Op: "read", Sector: s, Offset: offset, Err: err}
	}

	return nil
}

// WithWriteUnlocked unlocks the flash, runs fn and locks the flash again,
// also when fn fails or panics. The Writer passed to fn is only usable for
// the duration of the call.
func (f *Flash) WithWriteUnlocked(fn func(w *Writer) error) (err error) {
	if f.unlocked {
		return errors.New("flash already unlocked")
	}

	if err = f.dev.Unlock(); err != nil {
		return &OperationError{Op: "unlock", Err: err}
	}

	f.unlocked = true
	w := &Writer{f: f}

	defer func() {
		w.f = nil
		f.unlocked = false

		if e := f.dev.Lock(); e != nil {
			klog.Errorf("flash lock failed: %v", e)

			if err == nil {
				err = &OperationError{Op: "lock", Err: e}
			}
		}
	}()

	return fn(w)
}

// Erase erases the listed sectors, in order, and checks that each one reads
// back fully erased. Protected sectors are refused before anything is
// erased. The observer, if any, is notified after each sector.
func (f *Flash) Erase(sectors []Sector, obs Observer) error {
	for _, s := range sectors {
		if int(s) >= NumSectors {
			return &OperationError{Op: "erase", Sector: s, Err: ErrUnknownSector}
		}

		if s.Protected() {
			return &OperationError{Op: "erase", Sector: s, Err: ErrProtectedSector}
		}
	}

	klog.Infof("erasing %d flash sectors", len(sectors))

	return f.WithWriteUnlocked(func(_ *Writer) error {
		for i, s := range sectors {
			r := f.layout[s]

			klog.V(2).Infof("erasing sector %v @ %#x (%d bytes)", s, r.Start, r.Size)

			if err := f.dev.EraseSector(r.Start, r.Size); err != nil {
				return &OperationError{Op: "erase", Sector: s, Err: err}
			}

			if err := f.checkErased(s); err != nil {
				return err
			}

			if obs != nil {
				obs.Tick(i+1, len(sectors))
			}
		}

		return nil
	})
}

func (f *Flash) checkErased(s Sector) error {
	r := f.layout[s]
	erased := bytes.Repeat([]byte{0xff}, verifyChunk)
	buf := make([]byte, verifyChunk)

	for off := uint32(0); off < r.Size; off += verifyChunk {
		b := buf[:min(verifyChunk, r.Size-off)]

		if err := f.dev.Read(r.Start+off, b); err != nil {
			return &OperationError{Op: "erase", Sector: s, Offset: off, Err: err}
		}

		if !bytes.Equal(b, erased[:len(b)]) {
			return &OperationError{Op: "erase", Sector: s, Offset: off, Err: ErrEraseVerify}
		}
	}

	return nil
}

// Writer programs flash while it is unlocked.
type Writer struct {
	f *Flash
}

// ProgramWord programs the 32-bit word at offset (which must be word
// aligned) within a sector. As with any NOR flash programming can only clear
// bits, words must be erased before being written with arbitrary values. The
// word is read back after programming.
func (w *Writer) ProgramWord(s Sector, offset uint32, v uint32) error {
	if w.f == nil {
		return &OperationError{Op: "program", Sector: s, Offset: offset, Err: ErrLocked}
	}

	f := w.f

	switch {
	case int(s) >= NumSectors:
		return &OperationError{Op: "program", Sector: s, Offset: offset, Err: ErrUnknownSector}
	case s.Protected():
		return &OperationError{Op: "program", Sector: s, Offset: offset, Err: ErrProtectedSector}
	case offset%4 != 0:
		return &OperationError{Op: "program", Sector: s, Offset: offset, Err: ErrUnaligned}
	case uint64(offset)+4 > uint64(f.layout[s].Size):
		return &OperationError{Op: "program", Sector: s, Offset: offset, Err: ErrOutOfRange}
	}

	addr := f.layout[s].Start + offset
	word := make([]byte, 4)

	if err := f.dev.Read(addr, word); err != nil {
		return &OperationError{Op: "program", Sector: s, Offset: offset, Err: err}
	}

	if old := binary.LittleEndian.Uint32(word); old&v != v {
		return &OperationError{Op: "program", Sector: s, Offset: offset, Err: ErrBitsSet}
	}

	if err := f.dev.WriteWord(addr, v); err != nil {
		return &OperationError{Op: "program", Sector: s, Offset: offset, Err: err}
	}

	if err := f.dev.Read(addr, word); err != nil {
		return &OperationError{Op: "program", Sector: s, Offset: offset, Err: err}
	}

	if binary.LittleEndian.Uint32(word) != v {
		return &OperationError{Op: "program", Sector: s, Offset: offset, Err: ErrWriteVerify}
	}

	return nil
}

// ProgramBytes programs b, whose length must be a multiple of the word size,
// one little endian word at a time starting at offset within a sector.
func (w *Writer) ProgramBytes(s Sector, offset uint32, b []byte) error {
	if len(b)%4 != 0 {
		return &OperationError{Op: "program", Sector: s, Offset: offset, Err: ErrUnaligned}
	}

	for i := 0; i < len(b); i += 4 {
		if err := w.ProgramWord(s, offset+uint32(i), binary.LittleEndian.Uint32(b[i:])); err != nil {
			return err
		}
	}

	return nil
}
