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
	"fmt"

	usbarmory "github.com/usbarmory/tamago/board/usbarmory/mk2"
	"github.com/usbarmory/tamago/soc/nxp/imx6ul"
	"github.com/usbarmory/tamago/soc/nxp/usdhc"
	"k8s.io/klog/v2"
)

const (
	// expectedBlockSize is the required card block size in bytes.
	expectedBlockSize = 512
	// fakeCardNumBlocks defines the claimed size of the fake storage.
	fakeCardNumBlocks = (64 << 20) / expectedBlockSize
)

// Card mostly mirrors the public API of the usdhc.USDHC struct, allowing
// substitutions for testing.
type Card interface {
	// Read reads size bytes at offset from the underlying storage.
	Read(offset int64, size int64) ([]byte, error)
	// WriteBlocks writes data at sector lba onwards on the underlying storage.
	WriteBlocks(lba int, data []byte) error
	// Info returns information about the underlying storage.
	Info() usdhc.CardInfo
	// Detect causes the underlying storage to probe itself.
	Detect() error
}

// internalStorage returns the eMMC if running on real hardware, or a fake
// in-memory card otherwise.
func internalStorage() Card {
	if imx6ul.Native {
		return usbarmory.MMC
	}

	return newFakeCard(fakeCardNumBlocks)
}

// fakeCard is an in-memory card, only blocks which have been written use
// memory.
type fakeCard struct {
	info usdhc.CardInfo
	mem  map[int64][]byte
}

// newFakeCard creates a new in-memory card.
func newFakeCard(numBlocks int64) *fakeCard {
	return &fakeCard{
		mem: make(map[int64][]byte),
		info: usdhc.CardInfo{
			BlockSize: expectedBlockSize,
			Blocks:    int(numBlocks),
		},
	}
}

func (fc *fakeCard) Read(offset int64, size int64) ([]byte, error) {
	l := int64(fc.info.Blocks) * expectedBlockSize

	switch {
	case offset%expectedBlockSize != 0:
		return nil, fmt.Errorf("unaligned read at %d", offset)
	case offset+size > l:
		return nil, fmt.Errorf("read at %d (%d bytes) past end of storage (%d)", offset, size, l)
	}

	r := make([]byte, size)
	base := offset / expectedBlockSize

	for i := int64(0); i*expectedBlockSize < size; i++ {
		copy(r[i*expectedBlockSize:], fc.mem[base+i])
	}

	return r, nil
}

func (fc *fakeCard) WriteBlocks(lba int, b []byte) error {
	if l := fc.info.Blocks; lba+(len(b)+expectedBlockSize-1)/expectedBlockSize > l {
		return fmt.Errorf("write at lba %d (%d bytes) past device blocks (%d)", lba, len(b), l)
	}

	for i := 0; i*expectedBlockSize < len(b); i++ {
		buf := make([]byte, expectedBlockSize)
		copy(buf, b[i*expectedBlockSize:])
		fc.mem[int64(lba+i)] = buf
	}

	return nil
}

func (fc *fakeCard) Info() usdhc.CardInfo {
	return fc.info
}

func (fc *fakeCard) Detect() error {
	klog.Info("using fake internal storage")
	return nil
}
