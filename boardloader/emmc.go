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

package main

import (
	"bytes"
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-boardloader/flash"
)

// flashOffset is the internal storage offset of the emulated flash.
const flashOffset = 0x400000

var errWriteProtected = errors.New("flash is write protected")

// emmcFlash emulates NOR flash over an area of the internal eMMC.
//
// Programming happens on a single block cache, which is written back when a
// different block is programmed, before erasing and when flash is locked.
type emmcFlash struct {
	card   Card
	base   uint32
	size   uint32
	locked bool

	cacheLBA   int
	cache      []byte
	cacheDirty bool
}

func newEMMCFlash(card Card, layout flash.Layout) (*emmcFlash, error) {
	info := card.Info()

	if info.BlockSize != expectedBlockSize {
		return nil, fmt.Errorf("h/w invariant error - expected MMC blocksize %d, found %d", expectedBlockSize, info.BlockSize)
	}

	if need := int64(flashOffset) + int64(layout.Size()); int64(info.Blocks)*expectedBlockSize < need {
		return nil, fmt.Errorf("internal storage too small (%d blocks)", info.Blocks)
	}

	return &emmcFlash{
		card:     card,
		base:     layout[0].Start,
		size:     layout.Size(),
		locked:   true,
		cacheLBA: -1,
		cache:    make([]byte, expectedBlockSize),
	}, nil
}

// offset returns the card offset of an address range.
func (e *emmcFlash) offset(addr uint32, n int) (int64, error) {
	if addr < e.base || uint64(addr-e.base)+uint64(n) > uint64(e.size) {
		return 0, fmt.Errorf("address %#x (%d bytes) out of range", addr, n)
	}

	return flashOffset + int64(addr-e.base), nil
}

func (e *emmcFlash) Unlock() error {
	e.locked = false
	return nil
}

func (e *emmcFlash) Lock() (err error) {
	err = e.flush()
	e.locked = true

	return
}

func (e *emmcFlash) flush() (err error) {
	if !e.cacheDirty {
		return
	}

	if err = e.card.WriteBlocks(e.cacheLBA, e.cache); err != nil {
		return
	}

	e.cacheDirty = false

	return
}

func (e *emmcFlash) EraseSector(addr uint32, size uint32) (err error) {
	if e.locked {
		return errWriteProtected
	}

	off, err := e.offset(addr, int(size))

	if err != nil {
		return
	}

	if off%expectedBlockSize != 0 || size%expectedBlockSize != 0 {
		return fmt.Errorf("unaligned erase at %#x", addr)
	}

	if err = e.flush(); err != nil {
		return
	}

	lba := int(off / expectedBlockSize)

	if e.cacheLBA >= lba && e.cacheLBA < lba+int(size/expectedBlockSize) {
		e.cacheLBA = -1
	}

	klog.V(2).Infof("erasing %d blocks at lba %d", size/expectedBlockSize, lba)

	return e.card.WriteBlocks(lba, bytes.Repeat([]byte{0xff}, int(size)))
}

func (e *emmcFlash) WriteWord(addr uint32, v uint32) (err error) {
	if e.locked {
		return errWriteProtected
	}

	off, err := e.offset(addr, 4)

	if err != nil {
		return
	}

	if off%4 != 0 {
		return fmt.Errorf("unaligned write at %#x", addr)
	}

	lba := int(off / expectedBlockSize)

	if lba != e.cacheLBA {
		if err = e.flush(); err != nil {
			return
		}

		buf, err := e.card.Read(int64(lba)*expectedBlockSize, expectedBlockSize)

		if err != nil {
			return err
		}

		copy(e.cache, buf)
		e.cacheLBA = lba
	}

	i := off % expectedBlockSize

	// programming can only clear bits
	for n := int64(0); n < 4; n++ {
		e.cache[i+n] &= byte(v >> (8 * n))
	}

	e.cacheDirty = true

	return
}

func (e *emmcFlash) Read(addr uint32, b []byte) (err error) {
	off, err := e.offset(addr, len(b))

	if err != nil {
		return
	}

	start := off - off%expectedBlockSize
	end := off + int64(len(b))

	if r := end % expectedBlockSize; r != 0 {
		end += expectedBlockSize - r
	}

	buf, err := e.card.Read(start, end-start)

	if err != nil {
		return
	}

	if e.cacheLBA >= 0 {
		if c := int64(e.cacheLBA) * expectedBlockSize; c >= start && c < end {
			copy(buf[c-start:], e.cache)
		}
	}

	copy(b, buf[off-start:])

	return
}
