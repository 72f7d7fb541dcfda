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

// The boardloader verifies and starts the bootloader stored in the internal
// eMMC, or re-flashes it from a microSD card carrying a signed recovery image.
package main

import (
	"flag"
	"runtime"

	"k8s.io/klog/v2"

	usbarmory "github.com/usbarmory/tamago/board/usbarmory/mk2"
	"github.com/usbarmory/tamago/soc/nxp/imx6ul"

	"github.com/transparency-dev/armored-witness-boardloader/display"
	"github.com/transparency-dev/armored-witness-boardloader/flash"
	"github.com/transparency-dev/armored-witness-boardloader/image"
	"github.com/transparency-dev/armored-witness-boardloader/internal/boot"
	"github.com/transparency-dev/armored-witness-boardloader/internal/recovery"
	"github.com/transparency-dev/armored-witness-boardloader/keys"
)

// initialized at compile time (see Makefile)
var (
	Build    string
	Revision string
	Version  string
)

func init() {
	klog.InitFlags(nil)
	flag.Set("logtostderr", "true")
	flag.Set("v", "1")

	if imx6ul.Native {
		imx6ul.SetARMFreq(imx6ul.Freq792)
	}

	klog.Infof("%s/%s (%s) • boardloader %s • %s %s",
		runtime.GOOS, runtime.GOARCH, runtime.Version(),
		Version, Revision, Build)
}

func main() {
	usbarmory.LED("blue", false)
	usbarmory.LED("white", false)

	reg, err := keys.Default()

	if err != nil {
		klog.Exitf("boardloader keys unavailable: %v", err)
	}

	card := internalStorage()

	if err = card.Detect(); err != nil {
		klog.Exitf("failed to detect internal storage, %v", err)
	}

	dev, err := newEMMCFlash(card, flash.DefaultLayout)

	if err != nil {
		klog.Exitf("failed to initialize flash, %v", err)
	}

	f, err := flash.New(dev, flash.DefaultLayout)

	if err != nil {
		klog.Exitf("failed to initialize flash, %v", err)
	}

	p := &platform{}

	d := &boot.Driver{
		Platform: p,
		Flash:    f,
		Verifier: image.NewVerifier(reg),
		Recovery: recovery.Config{
			Scratch: scratch,
		},
	}

	o := d.Run()
	klog.Infof("boot outcome: %v", o)

	switch o := o.(type) {
	case boot.TransferControl:
		if err = jump(f, o); err != nil {
			display.Fatal(p.InitDisplay(), "FATAL ERROR", "bootloader start failed")
			klog.Errorf("bootloader start failed, %v", err)
			halt()
		}
	case boot.Halt:
		halt()
	default:
		klog.Flush()
		exit(o.ExitCode())
	}
}
