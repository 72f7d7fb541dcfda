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

// Package boot implements the boardloader boot sequence, which ends either
// transferring control to a verified bootloader, re-flashing the bootloader
// from recovery storage, or halting.
package boot

import (
	"errors"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-boardloader/display"
	"github.com/transparency-dev/armored-witness-boardloader/flash"
	"github.com/transparency-dev/armored-witness-boardloader/image"
	"github.com/transparency-dev/armored-witness-boardloader/internal/recovery"
)

// Halt messages.
const (
	MsgInvalidHeader   = "invalid bootloader header"
	MsgInvalidHash     = "invalid bootloader hash"
	MsgRecoveryFailure = "bootloader recovery failed"

	fatalTitle = "FATAL ERROR"
)

// Platform is the board support required by the boot sequence.
type Platform interface {
	// ResetFlags clears the hardware fault and reset cause flags.
	ResetFlags()
	// InitPeripherals initializes timers and power supervision.
	InitPeripherals() error
	// ConfigureOptionBytes ensures the flash write protection is set,
	// an error means protection cannot be relied upon.
	ConfigureOptionBytes() error
	// ClearUSBMemory wipes the USB controller shared memory.
	ClearUSBMemory()
	// InitDisplay initializes and returns the display.
	InitDisplay() display.Display
	// Storage returns the recovery storage, nil if the board has none.
	Storage() recovery.Storage
	// SetCompatibleSettings prepares the hardware state expected by older
	// bootloaders.
	SetCompatibleSettings()
}

// Driver runs the boot sequence.
type Driver struct {
	Platform Platform
	Flash    *flash.Flash
	Verifier *image.Verifier

	// Recovery holds the recovery parameters, its collaborators are set
	// by the driver.
	Recovery recovery.Config
}

// Run performs the boot sequence and returns its outcome, the caller is
// responsible for acting upon it.
func (d *Driver) Run() Outcome {
	p := d.Platform

	p.ResetFlags()

	if err := configure(p); err != nil {
		klog.Errorf("configuration failure: %v", err)

		// protection is not in place, wipe secrets
		if err := d.Flash.Erase(flash.StorageSectors[:], nil); err != nil {
			klog.Errorf("storage erase failed: %v", err)
		}

		return Exit{Code: ExitConfiguration, Reason: err.Error()}
	}

	p.ClearUSBMemory()

	disp := p.InitDisplay()
	disp.Clear()

	if s := p.Storage(); s != nil {
		if o, ok := d.tryRecovery(s, disp); ok {
			return o
		}
	}

	return d.verify(disp)
}

func configure(p Platform) (err error) {
	if err = p.InitPeripherals(); err != nil {
		return
	}

	return p.ConfigureOptionBytes()
}

// tryRecovery runs recovery if a candidate image is present on storage.
func (d *Driver) tryRecovery(s recovery.Storage, disp display.Display) (Outcome, bool) {
	cfg := d.Recovery
	cfg.Storage = s
	cfg.Flash = d.Flash
	cfg.Verifier = d.Verifier
	cfg.Display = disp

	r, err := recovery.New(cfg)

	if err != nil {
		return halt(disp, MsgRecoveryFailure, err), true
	}

	if !r.Candidate() {
		return nil, false
	}

	res, err := r.Run()

	switch {
	case err == nil:
		klog.Infof("bootloader %v recovered", res.Header.SemVer())
		return Exit{Code: ExitSuccess, Reason: "bootloader recovered"}, true
	case errors.Is(err, recovery.ErrAborted), errors.Is(err, recovery.ErrNoCandidate):
		return Exit{Code: ExitRecovery, Reason: "recovery aborted"}, true
	case errors.Is(err, recovery.ErrStorage):
		return Exit{Code: ExitStorage, Reason: "recovery storage failure"}, true
	}

	return halt(disp, MsgRecoveryFailure, err), true
}

// verify checks the resident bootloader.
func (d *Driver) verify(disp display.Display) Outcome {
	buf := make([]byte, image.HeaderSize)

	if err := d.Flash.Read(flash.Bootloader, 0, buf); err != nil {
		return halt(disp, MsgInvalidHeader, err)
	}

	h, err := d.Verifier.VerifyHeader(buf, image.Bootloader)

	if err != nil {
		return halt(disp, MsgInvalidHeader, err)
	}

	if err = image.VerifyContents(h, d.Flash, flash.BootloaderSectors[:]); err != nil {
		return halt(disp, MsgInvalidHash, err)
	}

	r, err := d.Flash.Region(flash.Bootloader)

	if err != nil {
		return halt(disp, MsgInvalidHeader, err)
	}

	klog.Infof("bootloader %v verified (security fix level %v)", h.SemVer(), h.FixSemVer())

	d.Platform.SetCompatibleSettings()

	return TransferControl{
		Entry:  r.Start + image.HeaderSize,
		Header: h,
	}
}

func halt(disp display.Display, msg string, err error) Outcome {
	klog.Errorf("%s: %v", msg, err)
	display.Fatal(disp, fatalTitle, msg)

	return Halt{Message: msg, Err: err}
}
