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
	"errors"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-boardloader/display"
	"github.com/transparency-dev/armored-witness-boardloader/internal/recovery"
	"github.com/transparency-dev/armored-witness-boardloader/internal/sim"
)

// emulatedPlatform is the board support of an emulated device.
type emulatedPlatform struct {
	display *display.Text
	card    *sim.Card

	optionBytesFail bool
}

func (p *emulatedPlatform) ResetFlags() {
	klog.V(1).Info("reset flags cleared")
}

func (p *emulatedPlatform) InitPeripherals() error {
	return nil
}

func (p *emulatedPlatform) ConfigureOptionBytes() error {
	if p.optionBytesFail {
		return errors.New("option bytes readback mismatch")
	}

	return nil
}

func (p *emulatedPlatform) ClearUSBMemory() {}

func (p *emulatedPlatform) InitDisplay() display.Display {
	return p.display
}

func (p *emulatedPlatform) Storage() recovery.Storage {
	if p.card == nil {
		return nil
	}

	return p.card
}

func (p *emulatedPlatform) SetCompatibleSettings() {
	klog.V(1).Info("compatibility settings applied")
}
