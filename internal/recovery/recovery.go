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

// Package recovery implements the re-flashing of the bootloader from a
// removable storage card.
//
// Recovery is entered when a card carrying a validly signed bootloader image
// is present at boot. After a countdown, during which the card is checked
// again every tick, all flash except the boardloader is erased and the image
// is copied into the bootloader sector. Removing the card before the
// countdown ends aborts recovery without touching flash.
package recovery

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-boardloader/display"
	"github.com/transparency-dev/armored-witness-boardloader/flash"
	"github.com/transparency-dev/armored-witness-boardloader/image"
)

const (
	// BlockSize is the storage block size.
	BlockSize = 512
	// MinCapacity is the smallest capacity of a usable storage card.
	MinCapacity = 1024 * 1024

	// DefaultCountdown is the default countdown length in ticks.
	DefaultCountdown = 10
	// DefaultTick is the default countdown tick duration.
	DefaultTick = time.Second
)

var (
	// ErrNoCandidate is returned when no valid image is found on storage.
	ErrNoCandidate = errors.New("no recovery image")
	// ErrAborted is returned when the candidate disappears during the
	// countdown, flash is left untouched.
	ErrAborted = errors.New("recovery aborted")
	// ErrStorage is returned when storage fails while the image is copied.
	ErrStorage = errors.New("recovery storage failure")
	// ErrCommit is returned when a flash operation fails while the image is
	// committed, flash contents are undefined.
	ErrCommit = errors.New("recovery commit failed")
)

// Storage is the removable storage card driver, addressed in BlockSize
// blocks.
type Storage interface {
	// PowerOn powers the card on and initializes it.
	PowerOn() error
	// PowerOff powers the card off.
	PowerOff()
	// Capacity returns the card capacity in bytes, 0 if unavailable.
	Capacity() uint64
	// ReadBlocks reads len(b) bytes from consecutive blocks starting at
	// lba, len(b) must be a multiple of BlockSize.
	ReadBlocks(lba uint32, b []byte) error
}

// State is the recovery state.
type State int

const (
	Idle State = iota
	Detecting
	Countdown
	Committing
	Done
	Aborted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Detecting:
		return "detecting"
	case Countdown:
		return "countdown"
	case Committing:
		return "committing"
	case Done:
		return "done"
	case Aborted:
		return "aborted"
	}

	return fmt.Sprintf("state(%d)", int(s))
}

// Config holds the recovery collaborators and parameters.
type Config struct {
	Storage  Storage
	Flash    *flash.Flash
	Verifier *image.Verifier
	Display  display.Display

	// Sleep waits for a countdown tick, time.Sleep if nil.
	Sleep func(time.Duration)
	// Countdown is the number of ticks before commit, DefaultCountdown
	// if zero.
	Countdown int
	// Tick is the countdown tick duration, DefaultTick if zero.
	Tick time.Duration

	// Scratch is the storage I/O buffer, it must hold at least one image
	// header. A buffer is allocated if nil.
	Scratch []byte

	// VerifyAfterWrite enables content verification of the copied image.
	VerifyAfterWrite bool

	// EraseProgress and CopyProgress, if set, receive commit progress.
	EraseProgress flash.Observer
	CopyProgress  flash.Observer
}

// Session describes the progress of a recovery attempt.
type Session struct {
	State State
	// Remaining is the last countdown value displayed.
	Remaining int
	// CodeLen is the code length of the last detected candidate.
	CodeLen uint32
	// Header is the last detected candidate header.
	Header *image.Header
}

// Result describes a completed recovery.
type Result struct {
	// Header is the header of the image written to flash.
	Header *image.Header
	// Blocks is the number of storage blocks copied.
	Blocks int
}

// Orchestrator runs a recovery attempt.
type Orchestrator struct {
	cfg     Config
	session Session
}

// New returns an Orchestrator for cfg.
func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Storage == nil:
		return nil, errors.New("missing storage")
	case cfg.Flash == nil:
		return nil, errors.New("missing flash")
	case cfg.Verifier == nil:
		return nil, errors.New("missing verifier")
	case cfg.Display == nil:
		return nil, errors.New("missing display")
	case cfg.Countdown < 0:
		return nil, fmt.Errorf("invalid countdown %d", cfg.Countdown)
	}

	if cfg.Sleep == nil {
		cfg.Sleep = time.Sleep
	}

	if cfg.Countdown == 0 {
		cfg.Countdown = DefaultCountdown
	}

	if cfg.Tick == 0 {
		cfg.Tick = DefaultTick
	}

	if cfg.Scratch == nil {
		cfg.Scratch = make([]byte, image.HeaderSize)
	}

	if len(cfg.Scratch) < image.HeaderSize {
		return nil, fmt.Errorf("scratch buffer too small (%d < %d)", len(cfg.Scratch), image.HeaderSize)
	}

	return &Orchestrator{
		cfg: cfg,
	}, nil
}

// Session returns the current recovery session.
func (o *Orchestrator) Session() Session {
	return o.session
}

// Detect looks for a validly signed bootloader image on storage, returning
// its code length. Storage is left powered off.
func (o *Orchestrator) Detect() (codeLen uint32, ok bool) {
	s := o.cfg.Storage

	if err := s.PowerOn(); err != nil {
		klog.V(1).Infof("recovery storage unavailable: %v", err)
		return 0, false
	}

	if c := s.Capacity(); c < MinCapacity {
		klog.V(1).Infof("recovery storage too small (%d bytes)", c)
		s.PowerOff()
		return 0, false
	}

	buf := o.cfg.Scratch[:image.HeaderSize]
	clear(buf)

	err := s.ReadBlocks(0, buf)
	s.PowerOff()

	if err != nil {
		klog.V(1).Infof("recovery storage read error: %v", err)
		return 0, false
	}

	h, err := o.cfg.Verifier.VerifyHeader(buf, image.Bootloader)

	if err != nil {
		klog.V(1).Infof("no valid recovery image: %v", err)
		return 0, false
	}

	o.session.CodeLen = h.CodeLen
	o.session.Header = h

	return h.CodeLen, true
}

// Candidate reports whether a recovery image is present, leaving the
// orchestrator ready to Run if so.
func (o *Orchestrator) Candidate() bool {
	o.session = Session{State: Detecting}

	if _, ok := o.Detect(); !ok {
		o.session.State = Idle
		return false
	}

	klog.Infof("recovery image found (version %v, %d bytes)", o.session.Header.SemVer(), o.session.Header.Size())

	return true
}

// Run performs recovery of a detected candidate, detecting one first if
// Candidate was not called.
//
// The candidate is validated again on every countdown tick, its absence
// aborts the recovery with ErrAborted before any flash operation.
func (o *Orchestrator) Run() (res Result, err error) {
	if o.session.State != Detecting || o.session.Header == nil {
		if !o.Candidate() {
			return res, ErrNoCandidate
		}
	}

	d := o.cfg.Display

	d.Clear()
	d.Backlight(display.BacklightFull)
	d.Printf("Armored Witness Boardloader\n")
	d.Printf("===========================\n\n")
	d.Printf("bootloader %v found on the SD card\n\n", o.session.Header.SemVer())
	d.Printf("applying bootloader in %d seconds\n\n", o.cfg.Countdown)
	d.Printf("remove the SD card now to abort\n\n")

	o.session.State = Countdown

	for n := o.cfg.Countdown; n >= 0; n-- {
		o.session.Remaining = n
		d.Printf("%d ", n)

		o.cfg.Sleep(o.cfg.Tick)

		if _, ok := o.Detect(); !ok {
			klog.Warningf("recovery aborted at countdown %d", n)
			d.Printf("\n\nno SD card, aborting\n")
			o.session.State = Aborted
			return res, ErrAborted
		}
	}

	o.session.State = Committing

	if res, err = o.commit(o.session.Header); err != nil {
		klog.Errorf("recovery failed: %v", err)
		return
	}

	o.session.State = Done

	d.Printf("\ndone\n\n")
	d.Printf("Unplug the device and remove the SD card\n")

	klog.Infof("recovery complete (%d blocks)", res.Blocks)

	return
}

func (o *Orchestrator) commit(h *image.Header) (res Result, err error) {
	d := o.cfg.Display
	sectors := flash.RecoveryEraseSectors[:]

	d.Printf("\n\nerasing flash:\n\n")

	progress := flash.ObserverFunc(func(done int, total int) {
		d.Printf(".")

		if o.cfg.EraseProgress != nil {
			o.cfg.EraseProgress.Tick(done, total)
		}
	})

	if err = o.cfg.Flash.Erase(sectors, progress); err != nil {
		d.Printf(" failed\n")
		return res, fmt.Errorf("%w: %w", ErrCommit, err)
	}

	d.Printf(" done\n\n")
	d.Printf("copying new bootloader from SD card\n\n")

	blocks := int(h.Size() / BlockSize)

	if err = o.cfg.Flash.WithWriteUnlocked(func(w *flash.Writer) error {
		return o.copy(w, blocks)
	}); err != nil {
		if !errors.Is(err, ErrStorage) {
			err = fmt.Errorf("%w: %w", ErrCommit, err)
		}

		return
	}

	if o.cfg.VerifyAfterWrite {
		if err = o.verify(); err != nil {
			return res, fmt.Errorf("%w: %w", ErrCommit, err)
		}
	}

	return Result{Header: h, Blocks: blocks}, nil
}

// copy streams blocks from storage into the bootloader sector, one word
// at a time.
func (o *Orchestrator) copy(w *flash.Writer, blocks int) (err error) {
	s := o.cfg.Storage

	if err = s.PowerOn(); err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}

	defer s.PowerOff()

	buf := o.cfg.Scratch[:BlockSize]

	for i := 0; i < blocks; i++ {
		clear(buf)

		if err = s.ReadBlocks(uint32(i), buf); err != nil {
			return fmt.Errorf("%w: block %d, %w", ErrStorage, i, err)
		}

		for j := 0; j < BlockSize; j += 4 {
			off := uint32(i*BlockSize + j)

			if err = w.ProgramWord(flash.Bootloader, off, binary.LittleEndian.Uint32(buf[j:])); err != nil {
				return
			}
		}

		klog.V(2).Infof("copied block %d/%d", i+1, blocks)

		if o.cfg.CopyProgress != nil {
			o.cfg.CopyProgress.Tick(i+1, blocks)
		}
	}

	return
}

// verify checks the image copied to the bootloader sector.
func (o *Orchestrator) verify() error {
	buf := o.cfg.Scratch[:image.HeaderSize]

	if err := o.cfg.Flash.Read(flash.Bootloader, 0, buf); err != nil {
		return err
	}

	h, err := o.cfg.Verifier.VerifyHeader(buf, image.Bootloader)

	if err != nil {
		return err
	}

	return image.VerifyContents(h, o.cfg.Flash, flash.BootloaderSectors[:])
}
