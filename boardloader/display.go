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

	usbarmory "github.com/usbarmory/tamago/board/usbarmory/mk2"

	"github.com/transparency-dev/armored-witness-boardloader/display"
)

// ledDisplay prints to the console, with the white LED standing in for the
// backlight.
type ledDisplay struct {
	*display.Text
}

func newLEDDisplay() *ledDisplay {
	return &ledDisplay{
		Text: display.NewText(os.Stdout),
	}
}

func (d *ledDisplay) Backlight(level int) {
	d.Text.Backlight(level)
	usbarmory.LED("white", level > display.BacklightOff)
}
