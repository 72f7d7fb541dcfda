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

// The emulator command runs the boardloader boot sequence against file
// backed flash and microSD card images.
//
// Usage:
//
//	emulator -config device.yaml [-install bootloader.img]
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-boardloader/display"
	"github.com/transparency-dev/armored-witness-boardloader/flash"
	"github.com/transparency-dev/armored-witness-boardloader/image"
	"github.com/transparency-dev/armored-witness-boardloader/internal/boot"
	"github.com/transparency-dev/armored-witness-boardloader/internal/recovery"
	"github.com/transparency-dev/armored-witness-boardloader/internal/sim"
	"github.com/transparency-dev/armored-witness-boardloader/keys"
)

var (
	configFile = flag.String("config", "", "YAML device configuration file.")
	install    = flag.String("install", "", "Bootloader image to write to flash before booting.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if *configFile == "" {
		klog.Exit("-config is required")
	}

	cfg, err := loadConfig(*configFile)

	if err != nil {
		klog.Exitf("Failed to load configuration %q: %v", *configFile, err)
	}

	o, err := run(cfg, *install, os.Stdout, os.Stderr, time.Sleep)

	if err != nil {
		klog.Exitf("Emulation failed: %v", err)
	}

	fmt.Fprintf(os.Stderr, "\nboot outcome: %v\n", o)
	klog.Flush()
	os.Exit(o.ExitCode())
}

// run performs one emulated boot attempt, the flash image is saved
// afterwards.
func run(cfg *Config, install string, out io.Writer, progress io.Writer, sleep func(time.Duration)) (boot.Outcome, error) {
	reg, err := registry(cfg)

	if err != nil {
		return nil, err
	}

	dev := sim.NewFlash(flash.DefaultLayout)

	switch err := dev.Load(cfg.FlashImage); {
	case errors.Is(err, os.ErrNotExist):
		klog.Infof("Creating blank flash image %q", cfg.FlashImage)
	case err != nil:
		return nil, err
	}

	f, err := flash.New(dev, flash.DefaultLayout)

	if err != nil {
		return nil, err
	}

	if install != "" {
		if err = installImage(f, install); err != nil {
			return nil, fmt.Errorf("install: %v", err)
		}
	}

	p := &emulatedPlatform{
		display:         display.NewText(out),
		optionBytesFail: cfg.OptionBytesFail,
	}

	if cfg.SDCardImage != "" {
		if p.card, err = sim.LoadCard(cfg.SDCardImage, max(cfg.SDCardCapacity, defaultCardCapacity)); err != nil {
			return nil, err
		}
	}

	ticks := 0

	d := &boot.Driver{
		Platform: p,
		Flash:    f,
		Verifier: image.NewVerifier(reg),
		Recovery: recovery.Config{
			Countdown: cfg.Countdown,
			Tick:      cfg.Tick,
			Sleep: func(t time.Duration) {
				sleep(t)

				if ticks++; ticks == cfg.RemoveCardAtTick && p.card != nil {
					klog.Infof("Removing SD card after %d ticks", ticks)
					p.card.Remove()
				}
			},
			VerifyAfterWrite: cfg.VerifyAfterWrite,
			EraseProgress:    newProgressBar(progress, "erase "),
			CopyProgress:     newProgressBar(progress, "copy "),
		},
	}

	o := d.Run()

	if err = dev.Save(cfg.FlashImage); err != nil {
		return nil, err
	}

	return o, nil
}

func registry(cfg *Config) (*keys.Registry, error) {
	if len(cfg.Keys) == 0 {
		return keys.Default()
	}

	var vkeys []string

	for _, p := range cfg.Keys {
		b, err := os.ReadFile(p)

		if err != nil {
			return nil, err
		}

		vkeys = append(vkeys, strings.TrimSpace(string(b)))
	}

	return keys.FromVerifierKeys(cfg.Threshold, vkeys...)
}

// installImage writes an image to the bootloader sector, without verifying
// it.
func installImage(f *flash.Flash, path string) error {
	b, err := os.ReadFile(path)

	if err != nil {
		return err
	}

	size, err := f.Size(flash.Bootloader)

	if err != nil {
		return err
	}

	if len(b) > int(size) || len(b)%4 != 0 {
		return fmt.Errorf("invalid image size %d", len(b))
	}

	if err = f.Erase(flash.BootloaderSectors[:], nil); err != nil {
		return err
	}

	return f.WithWriteUnlocked(func(w *flash.Writer) error {
		return w.ProgramBytes(flash.Bootloader, 0, b)
	})
}
