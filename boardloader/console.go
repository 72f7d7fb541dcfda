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

//go:build !debug
// +build !debug

package main

import (
	_ "unsafe"

	"github.com/usbarmory/tamago/soc/nxp/imx6ul"
)

// Release builds do not use the serial console, boot status is only
// reported through the LEDs. Stack traces and runtime errors are silenced
// to avoid unwanted information leaks.
//
// The TamaGo board support for the USB armory Mk II enables the serial console
// (UART2) at runtime initialization, the runtime printk function is therefore
// overridden with a NOP and UART2 is disabled at the first opportunity.

func init() {
	imx6ul.UART2.Disable()
}

//go:linkname printk runtime.printk
func printk(c byte) {
	// ensure that any serial output is supressed before UART2 disabling
}
