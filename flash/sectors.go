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

package flash

import (
	"fmt"
)

// Sector identifies a logical flash sector.
type Sector uint8

const (
	BoardloaderStart   Sector = 0
	BoardloaderEnd     Sector = 2
	Storage1           Sector = 4
	Bootloader         Sector = 5
	FirmwareStart      Sector = 6
	FirmwareEnd        Sector = 11
	UnusedStart        Sector = 12
	UnusedEnd          Sector = 15
	Storage2           Sector = 16
	FirmwareExtraStart Sector = 17
	FirmwareExtraEnd   Sector = 23

	// NumSectors is the number of sectors in a Layout.
	NumSectors = 24
)

// Protected reports whether the sector belongs to the region holding the
// running boardloader, which is never erased nor written.
func (s Sector) Protected() bool {
	return s >= BoardloaderStart && s <= BoardloaderEnd
}

func (s Sector) String() string {
	switch {
	case s.Protected():
		return fmt.Sprintf("boardloader/%d", s)
	case s == Storage1 || s == Storage2:
		return fmt.Sprintf("storage/%d", s)
	case s == Bootloader:
		return fmt.Sprintf("bootloader/%d", s)
	case s >= FirmwareStart && s <= FirmwareEnd, s >= FirmwareExtraStart && s <= FirmwareExtraEnd:
		return fmt.Sprintf("firmware/%d", s)
	case s >= UnusedStart && s <= UnusedEnd:
		return fmt.Sprintf("unused/%d", s)
	}

	return fmt.Sprintf("sector/%d", s)
}

// Sector lists consumed by the boot logic. These are fixed lists rather
// than ranges so that the boardloader region can never be implied by them.
var (
	// StorageSectors hold the firmware secret storage.
	StorageSectors = [...]Sector{
		Storage1,
		Storage2,
	}

	// BootloaderSectors hold the bootloader image.
	BootloaderSectors = [...]Sector{
		Bootloader,
	}

	// RecoveryEraseSectors is all flash except the boardloader.
	RecoveryEraseSectors = [...]Sector{
		Storage1,
		Storage2,
		3,
		Bootloader,
		FirmwareStart,
		7,
		8,
		9,
		10,
		FirmwareEnd,
		UnusedStart,
		13,
		14,
		UnusedEnd,
		FirmwareExtraStart,
		18,
		19,
		20,
		21,
		22,
		FirmwareExtraEnd,
	}
)

// Region describes the physical extent of a sector.
type Region struct {
	Start uint32
	Size  uint32
}

// End returns the address following the last byte of the region.
func (r Region) End() uint32 {
	return r.Start + r.Size
}

// Layout maps each logical sector to its physical region.
type Layout [NumSectors]Region

// Validate checks that the layout describes contiguous, non-empty sectors.
func (l *Layout) Validate() error {
	for i, r := range l {
		if r.Size == 0 || r.Size%4 != 0 {
			return fmt.Errorf("invalid layout: sector %d has size %d", i, r.Size)
		}

		if uint64(r.Start)+uint64(r.Size) > 1<<32 {
			return fmt.Errorf("invalid layout: sector %d exceeds address space", i)
		}

		if i > 0 && l[i-1].End() != r.Start {
			return fmt.Errorf("invalid layout: sector %d @ %#x does not follow sector %d", i, r.Start, i-1)
		}
	}

	return nil
}

// Size returns the total size of all sectors.
func (l *Layout) Size() uint32 {
	return l[NumSectors-1].End() - l[0].Start
}

// NewLayout returns a contiguous layout starting at base with the given
// sector sizes.
func NewLayout(base uint32, sizes [NumSectors]uint32) (l Layout) {
	addr := base

	for i, size := range sizes {
		l[i] = Region{Start: addr, Size: size}
		addr += size
	}

	return
}

const (
	k16  = 16 * 1024
	k64  = 64 * 1024
	k128 = 128 * 1024
)

// DefaultLayout is the 2MiB flash layout of the device.
var DefaultLayout = NewLayout(0x08000000, [NumSectors]uint32{
	// boardloader
	k16, k16, k16,
	// 3
	k16,
	// storage 1
	k64,
	// bootloader
	k128,
	// firmware
	k128, k128, k128, k128, k128, k128,
	// unused
	k16, k16, k16, k16,
	// storage 2
	k64,
	// firmware extra
	k128, k128, k128, k128, k128, k128, k128,
})
