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
	"os"
	"time"

	"k8s.io/klog/v2"

	usbarmory "github.com/usbarmory/tamago/board/usbarmory/mk2"
	"github.com/usbarmory/tamago/soc/nxp/imx6ul"

	"github.com/usbarmory/armory-boot/exec"

	"github.com/transparency-dev/armored-witness-boardloader/flash"
	"github.com/transparency-dev/armored-witness-boardloader/image"
	"github.com/transparency-dev/armored-witness-boardloader/internal/boot"
)

// jump loads the verified bootloader ELF following the image header and
// starts it, it only returns on error.
func jump(f *flash.Flash, tc boot.TransferControl) (err error) {
	elf := make([]byte, tc.Header.CodeLen)

	if err = f.Read(flash.Bootloader, image.HeaderSize, elf); err != nil {
		return
	}

	img := &exec.ELFImage{
		Region: bootloaderRegion,
		ELF:    elf,
	}

	if err = img.Load(); err != nil {
		return
	}

	klog.Infof("starting bootloader %v flash:%#x entry:%#x", tc.Header.SemVer(), tc.Entry, img.Entry())

	return img.Boot(cleanup)
}

func cleanup() {
	klog.Flush()

	usbarmory.LED("blue", false)
	usbarmory.LED("white", false)

	imx6ul.ARM.FlushDataCache()
	imx6ul.ARM.DisableCache()
}

// halt parks the device, leaving the fatal screen and LED on.
func halt() {
	klog.Flush()
	usbarmory.LED("blue", true)

	for {
		time.Sleep(time.Hour)
	}
}

func exit(code int) {
	os.Exit(code)
}
