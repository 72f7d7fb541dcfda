// Copyright 2024 The Armored Witness Boardloader authors. All Rights Reserved.
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
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
	_ "unsafe"

	"k8s.io/klog/v2"

	"github.com/usbarmory/tamago/dma"

	"github.com/transparency-dev/armored-witness-boardloader/image"
)

const (
	// Boardloader
	boardloaderStart = 0x80000000
	boardloaderSize  = 0x10000000 // 256MB

	// Boardloader DMA
	boardloaderDMAStart = 0x90000000
	boardloaderDMASize  = 0x01f00000 // 31MB

	// USB controller shared memory
	usbStart = 0x91f00000
	usbSize  = 0x00100000 // 1MB

	// Bootloader
	bootloaderStart = 0x92000000
	bootloaderSize  = 0x0e000000 // 224MB
)

//go:linkname ramStart runtime.ramStart
var ramStart uint32 = boardloaderStart

//go:linkname ramSize runtime.ramSize
var ramSize uint32 = boardloaderSize

var (
	bootloaderRegion *dma.Region
	usbRegion        *dma.Region

	// scratch is the recovery storage I/O buffer
	scratch = make([]byte, image.HeaderSize)
)

func init() {
	var err error

	if bootloaderRegion, err = dma.NewRegion(bootloaderStart, bootloaderSize, false); err != nil {
		klog.Exitf("could not allocate bootloader memory region: %v", err)
	}

	if usbRegion, err = dma.NewRegion(usbStart, usbSize, false); err != nil {
		klog.Exitf("could not allocate USB memory region: %v", err)
	}

	dma.Init(boardloaderDMAStart, boardloaderDMASize)
}

// clearUSBMemory zeroes the USB controller shared memory.
func clearUSBMemory() {
	addr, buf := usbRegion.Reserve(usbSize, 0)
	clear(buf)
	usbRegion.Release(addr)
}
