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
	"k8s.io/klog/v2"

	usbarmory "github.com/usbarmory/tamago/board/usbarmory/mk2"
	"github.com/usbarmory/tamago/soc/nxp/imx6ul"

	"github.com/transparency-dev/armored-witness-boardloader/display"
	"github.com/transparency-dev/armored-witness-boardloader/internal/recovery"
)

// platform implements the boot sequence board support for the USB armory
// Mk II.
type platform struct {
	disp *ledDisplay
}

// ResetFlags clears the fault indication (blue LED) left by a previous
// boot attempt.
func (p *platform) ResetFlags() {
	usbarmory.LED("blue", false)
}

func (p *platform) InitPeripherals() error {
	imx6ul.GIC.Init(true, false)
	return nil
}

func (p *platform) ConfigureOptionBytes() (err error) {
	if err = configureWriteProtection(); err != nil {
		usbarmory.LED("blue", true)
	}

	return
}

func (p *platform) ClearUSBMemory() {
	clearUSBMemory()
}

func (p *platform) InitDisplay() display.Display {
	if p.disp == nil {
		p.disp = newLEDDisplay()
	}

	return p.disp
}

func (p *platform) Storage() recovery.Storage {
	if !imx6ul.Native {
		klog.Info("no recovery storage when emulated")
		return nil
	}

	return &sdCard{
		card: usbarmory.SD,
	}
}

// SetCompatibleSettings restores the LED state expected by the bootloader.
func (p *platform) SetCompatibleSettings() {
	usbarmory.LED("white", false)
	usbarmory.LED("blue", false)
}
