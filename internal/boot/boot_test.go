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

package boot

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/mod/sumdb/note"

	"github.com/transparency-dev/armored-witness-boardloader/display"
	"github.com/transparency-dev/armored-witness-boardloader/flash"
	"github.com/transparency-dev/armored-witness-boardloader/image"
	"github.com/transparency-dev/armored-witness-boardloader/internal/recovery"
	"github.com/transparency-dev/armored-witness-boardloader/internal/sim"
	"github.com/transparency-dev/armored-witness-boardloader/internal/testonly"
)

type fakePlatform struct {
	calls []string

	failPeripherals error
	failOptionBytes error
	display         *display.Text
	storage         recovery.Storage
}

func (p *fakePlatform) ResetFlags() {
	p.calls = append(p.calls, "ResetFlags")
}

func (p *fakePlatform) InitPeripherals() error {
	p.calls = append(p.calls, "InitPeripherals")
	return p.failPeripherals
}

func (p *fakePlatform) ConfigureOptionBytes() error {
	p.calls = append(p.calls, "ConfigureOptionBytes")
	return p.failOptionBytes
}

func (p *fakePlatform) ClearUSBMemory() {
	p.calls = append(p.calls, "ClearUSBMemory")
}

func (p *fakePlatform) InitDisplay() display.Display {
	p.calls = append(p.calls, "InitDisplay")
	return p.display
}

func (p *fakePlatform) Storage() recovery.Storage {
	p.calls = append(p.calls, "Storage")
	return p.storage
}

func (p *fakePlatform) SetCompatibleSettings() {
	p.calls = append(p.calls, "SetCompatibleSettings")
}

type env struct {
	platform *fakePlatform
	dev      *sim.Flash
	driver   *Driver
	clock    *testonly.Clock
	signers  []note.Signer
}

func newEnv(t *testing.T) *env {
	t.Helper()

	reg, signers := testonly.Keys(t, 2, 3)
	dev := sim.NewFlash(flash.DefaultLayout)

	f, err := flash.New(dev, flash.DefaultLayout)

	if err != nil {
		t.Fatalf("flash.New: %v", err)
	}

	for s := flash.Sector(0); s < flash.NumSectors; s++ {
		dev.Program(s, []byte(fmt.Sprintf("sector %d", s)))
	}

	p := &fakePlatform{
		display: display.NewText(nil),
	}

	clock := &testonly.Clock{}

	return &env{
		platform: p,
		dev:      dev,
		clock:    clock,
		signers:  signers,
		driver: &Driver{
			Platform: p,
			Flash:    f,
			Verifier: image.NewVerifier(reg),
			Recovery: recovery.Config{
				Sleep: clock.Sleep,
			},
		},
	}
}

// install writes a bootloader image signed in the given slots.
func (e *env) install(t *testing.T, slots ...int) []byte {
	t.Helper()

	img := testonly.Image(t, image.Bootloader, testonly.Code(50000), e.signers, slots...)

	if err := e.driver.Flash.Erase(flash.BootloaderSectors[:], nil); err != nil {
		t.Fatalf("Erase: %v", err)
	}

	e.dev.Program(flash.Bootloader, img)

	return img
}

func TestBoot(t *testing.T) {
	for _, test := range []struct {
		name  string
		slots []int
		want  Outcome
	}{
		{name: "keys 0 and 1", slots: []int{0, 1}},
		{name: "keys 1 and 2", slots: []int{1, 2}},
		{name: "all keys", slots: []int{0, 1, 2}},
		{name: "key 0", slots: []int{0}, want: Halt{Message: MsgInvalidHeader}},
		{name: "key 2", slots: []int{2}, want: Halt{Message: MsgInvalidHeader}},
		{name: "unsigned", want: Halt{Message: MsgInvalidHeader}},
	} {
		t.Run(test.name, func(t *testing.T) {
			e := newEnv(t)
			e.install(t, test.slots...)

			got := e.driver.Run()

			if test.want == nil {
				tc, ok := got.(TransferControl)

				if !ok {
					t.Fatalf("Run() = %v, want control transfer", got)
				}

				if want := flash.DefaultLayout[flash.Bootloader].Start + image.HeaderSize; tc.Entry != want {
					t.Errorf("Entry = %#x, want %#x", tc.Entry, want)
				}

				if got := e.platform.calls[len(e.platform.calls)-1]; got != "SetCompatibleSettings" {
					t.Errorf("last platform call %s, want SetCompatibleSettings", got)
				}

				return
			}

			h, ok := got.(Halt)

			if !ok || h.Message != test.want.(Halt).Message {
				t.Fatalf("Run() = %v, want %v", got, test.want)
			}

			if !errors.Is(h.Err, image.ErrInsufficientSignatures) {
				t.Errorf("Halt error %v, want %v", h.Err, image.ErrInsufficientSignatures)
			}
		})
	}
}

func TestBootSequence(t *testing.T) {
	e := newEnv(t)
	e.install(t, 0, 2)

	if _, ok := e.driver.Run().(TransferControl); !ok {
		t.Fatal("no control transfer")
	}

	want := []string{
		"ResetFlags",
		"InitPeripherals",
		"ConfigureOptionBytes",
		"ClearUSBMemory",
		"InitDisplay",
		"Storage",
		"SetCompatibleSettings",
	}

	if diff := cmp.Diff(want, e.platform.calls); diff != "" {
		t.Errorf("platform calls diff (-want +got):\n%s", diff)
	}
}

func TestBootTamperedBody(t *testing.T) {
	e := newEnv(t)
	e.install(t, 0, 1)

	// flip a single bit of the code after signing
	off := image.HeaderSize + 1000
	e.dev.Mem[flash.DefaultLayout[flash.Bootloader].Start-e.dev.Base+uint32(off)] ^= 0x80

	o := e.driver.Run()
	h, ok := o.(Halt)

	if !ok || h.Message != MsgInvalidHash || !errors.Is(h.Err, image.ErrDigestMismatch) {
		t.Fatalf("Run() = %v, want halt on %q", o, MsgInvalidHash)
	}

	want := []string{"FATAL ERROR", MsgInvalidHash, "", "Please contact support."}

	if diff := cmp.Diff(want, e.platform.display.Lines()); diff != "" {
		t.Errorf("display diff (-want +got):\n%s", diff)
	}
}

func TestBootBadMagic(t *testing.T) {
	e := newEnv(t)

	img := testonly.Image(t, image.Firmware, testonly.Code(100), e.signers, 0, 1, 2)
	e.driver.Flash.Erase(flash.BootloaderSectors[:], nil)
	e.dev.Program(flash.Bootloader, img)

	o := e.driver.Run()

	if h, ok := o.(Halt); !ok || !errors.Is(h.Err, image.ErrBadMagic) {
		t.Errorf("Run() = %v, want halt on bad magic", o)
	}
}

func TestConfigurationFailure(t *testing.T) {
	for _, test := range []struct {
		name        string
		peripherals error
		optionBytes error
		wantCalls   []string
	}{
		{
			name:        "option bytes",
			optionBytes: errors.New("option bytes failure"),
			wantCalls:   []string{"ResetFlags", "InitPeripherals", "ConfigureOptionBytes"},
		},
		{
			name:        "peripherals",
			peripherals: errors.New("peripherals failure"),
			wantCalls:   []string{"ResetFlags", "InitPeripherals"},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			e := newEnv(t)
			e.install(t, 0, 1)
			e.platform.failPeripherals = test.peripherals
			e.platform.failOptionBytes = test.optionBytes

			bootloader := e.dev.Sector(flash.Bootloader)

			o := e.driver.Run()

			if got := o.ExitCode(); got != ExitConfiguration {
				t.Fatalf("Run() = %v, want exit %d", o, ExitConfiguration)
			}

			if diff := cmp.Diff(test.wantCalls, e.platform.calls); diff != "" {
				t.Errorf("platform calls diff (-want +got):\n%s", diff)
			}

			for s := flash.Sector(0); s < flash.NumSectors; s++ {
				b := e.dev.Sector(s)
				erased := bytes.Equal(b, bytes.Repeat([]byte{0xff}, len(b)))

				if want := s == flash.Storage1 || s == flash.Storage2; erased != want {
					t.Errorf("sector %v erased: %v, want %v", s, erased, want)
				}
			}

			if !bytes.Equal(bootloader, e.dev.Sector(flash.Bootloader)) {
				t.Error("bootloader modified")
			}
		})
	}
}

func TestConfigurationFailureEraseError(t *testing.T) {
	e := newEnv(t)
	e.platform.failOptionBytes = errors.New("option bytes failure")
	e.dev.FailErase = errors.New("erase failure")

	if got := e.driver.Run().ExitCode(); got != ExitConfiguration {
		t.Errorf("ExitCode() = %d, want %d", got, ExitConfiguration)
	}
}

func TestRecovery(t *testing.T) {
	for _, test := range []struct {
		name     string
		card     func(t *testing.T, e *env) *sim.Card
		onSleep  func(c *sim.Card, n int)
		wantCode   int
		wantBoot   bool
		wantNew    bool
		wantErased bool
	}{
		{
			name: "no card",
			card: func(t *testing.T, e *env) *sim.Card {
				c := sim.NewCard(nil, 4*recovery.MinCapacity)
				c.Remove()
				return c
			},
			wantBoot: true,
		},
		{
			name: "card without image",
			card: func(t *testing.T, e *env) *sim.Card {
				return sim.NewCard(nil, 4*recovery.MinCapacity)
			},
			wantBoot: true,
		},
		{
			name: "insufficiently signed image",
			card: func(t *testing.T, e *env) *sim.Card {
				return sim.NewCard(testonly.Image(t, image.Bootloader, testonly.Code(100), e.signers, 1), 4*recovery.MinCapacity)
			},
			wantBoot: true,
		},
		{
			name: "recovered",
			card: func(t *testing.T, e *env) *sim.Card {
				return sim.NewCard(testonly.Image(t, image.Bootloader, testonly.Code(100), e.signers, 1, 2), 4*recovery.MinCapacity)
			},
			wantCode: ExitSuccess,
			wantNew:  true,
		},
		{
			name: "card removed during countdown",
			card: func(t *testing.T, e *env) *sim.Card {
				return sim.NewCard(testonly.Image(t, image.Bootloader, testonly.Code(100), e.signers, 1, 2), 4*recovery.MinCapacity)
			},
			onSleep: func(c *sim.Card, n int) {
				if n == 5 {
					c.PowerOff()
					c.Remove()
				}
			},
			wantCode: ExitRecovery,
		},
		{
			name: "card read failure during copy",
			card: func(t *testing.T, e *env) *sim.Card {
				c := sim.NewCard(testonly.Image(t, image.Bootloader, testonly.Code(100), e.signers, 1, 2), 4*recovery.MinCapacity)
				// detection, countdown re-detections, then the copy
				c.OnPowerOn = func(n int) {
					if n == 1+recovery.DefaultCountdown+2 {
						c.FailRead = errors.New("read failure")
					}
				}
				return c
			},
			wantCode:   ExitStorage,
			wantErased: true,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			e := newEnv(t)
			resident := e.install(t, 0, 1)
			card := test.card(t, e)
			e.platform.storage = card

			if test.onSleep != nil {
				e.clock.OnSleep = func(n int) { test.onSleep(card, n) }
			}

			before := e.dev.Sector(flash.Bootloader)
			o := e.driver.Run()

			if _, ok := o.(TransferControl); ok != test.wantBoot {
				t.Fatalf("Run() = %v, control transfer %v", o, test.wantBoot)
			}

			if test.wantBoot {
				if !bytes.HasPrefix(e.dev.Sector(flash.Bootloader), resident) {
					t.Error("resident bootloader modified")
				}

				return
			}

			if _, ok := o.(Exit); !ok || o.ExitCode() != test.wantCode {
				t.Fatalf("Run() = %v, want exit %d", o, test.wantCode)
			}

			after := e.dev.Sector(flash.Bootloader)

			if test.wantNew {
				if !bytes.HasPrefix(after, card.Image) {
					t.Error("bootloader sector does not hold the recovery image")
				}

				return
			}

			if test.wantErased {
				if !bytes.Equal(after, bytes.Repeat([]byte{0xff}, len(after))) {
					t.Error("bootloader sector not erased")
				}

				return
			}

			if !bytes.Equal(before, after) {
				t.Error("bootloader sector modified by aborted recovery")
			}
		})
	}
}

func TestRecoveryCommitFailure(t *testing.T) {
	e := newEnv(t)
	e.install(t, 0, 1)
	e.platform.storage = sim.NewCard(testonly.Image(t, image.Bootloader, testonly.Code(100), e.signers, 0, 1), 4*recovery.MinCapacity)
	e.dev.FailWrite = errors.New("write failure")

	o := e.driver.Run()

	if h, ok := o.(Halt); !ok || h.Message != MsgRecoveryFailure || !errors.Is(h.Err, recovery.ErrCommit) {
		t.Errorf("Run() = %v, want halt on %q", o, MsgRecoveryFailure)
	}
}
