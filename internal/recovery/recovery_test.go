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

package recovery

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/mod/sumdb/note"

	"github.com/transparency-dev/armored-witness-boardloader/display"
	"github.com/transparency-dev/armored-witness-boardloader/flash"
	"github.com/transparency-dev/armored-witness-boardloader/image"
	"github.com/transparency-dev/armored-witness-boardloader/internal/sim"
	"github.com/transparency-dev/armored-witness-boardloader/internal/testonly"
)

// powerOns is the number of storage power on cycles of a full recovery:
// detection, every countdown tick and the copy.
const powerOns = 1 + DefaultCountdown + 1 + 1

type env struct {
	dev     *sim.Flash
	flash   *flash.Flash
	card    *sim.Card
	clock   *testonly.Clock
	display *display.Text
	signers []note.Signer
	cfg     Config
}

func newEnv(t *testing.T, slots ...int) *env {
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

	if slots == nil {
		slots = []int{1, 2}
	}

	img := testonly.Image(t, image.Bootloader, testonly.Code(70000), signers, slots...)

	e := &env{
		dev:     dev,
		flash:   f,
		card:    sim.NewCard(img, 4*MinCapacity),
		clock:   &testonly.Clock{},
		display: display.NewText(nil),
		signers: signers,
	}

	e.cfg = Config{
		Storage:  e.card,
		Flash:    f,
		Verifier: image.NewVerifier(reg),
		Display:  e.display,
		Sleep:    e.clock.Sleep,
	}

	return e
}

func (e *env) orchestrator(t *testing.T) *Orchestrator {
	t.Helper()

	o, err := New(e.cfg)

	if err != nil {
		t.Fatalf("New: %v", err)
	}

	return o
}

func TestRun(t *testing.T) {
	e := newEnv(t)
	o := e.orchestrator(t)
	boardloader := e.dev.Sector(flash.BoardloaderStart)

	if !o.Candidate() {
		t.Fatal("Candidate() = false")
	}

	res, err := o.Run()

	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got, want := res.Blocks, len(e.card.Image)/BlockSize; got != want {
		t.Errorf("Blocks = %d, want %d", got, want)
	}

	if got := o.Session().State; got != Done {
		t.Errorf("State = %v, want %v", got, Done)
	}

	if got := e.dev.Sector(flash.Bootloader); !bytes.HasPrefix(got, e.card.Image) {
		t.Error("bootloader sector does not hold the recovery image")
	}

	// the copied image verifies in place
	h, err := e.cfg.Verifier.VerifyHeader(e.dev.Sector(flash.Bootloader), image.Bootloader)

	if err != nil {
		t.Fatalf("VerifyHeader: %v", err)
	}

	if err := image.VerifyContents(h, e.flash, flash.BootloaderSectors[:]); err != nil {
		t.Errorf("VerifyContents: %v", err)
	}

	if got := e.dev.Sector(flash.BoardloaderStart); !bytes.Equal(got, boardloader) {
		t.Error("boardloader sector modified")
	}

	for _, s := range flash.StorageSectors {
		if got := e.dev.Sector(s); got[0] != 0xff {
			t.Errorf("storage sector %v not erased", s)
		}
	}

	want := make([]time.Duration, DefaultCountdown+1)

	for i := range want {
		want[i] = DefaultTick
	}

	if diff := cmp.Diff(want, e.clock.Slept); diff != "" {
		t.Errorf("countdown sleeps diff (-want +got):\n%s", diff)
	}

	if e.card.Powered() || !e.dev.Locked() {
		t.Errorf("card powered: %v, flash locked: %v", e.card.Powered(), e.dev.Locked())
	}

	if got := e.card.PowerOns; got != powerOns {
		t.Errorf("PowerOns = %d, want %d", got, powerOns)
	}

	out := e.display.String()

	for _, s := range []string{"10 9 8 7 6 5 4 3 2 1 0 ", "erasing flash", " done", "Unplug the device"} {
		if !strings.Contains(out, s) {
			t.Errorf("display %q does not contain %q", out, s)
		}
	}
}

func TestRunAbort(t *testing.T) {
	// the card disappears at every possible tick
	for k := 0; k <= DefaultCountdown; k++ {
		t.Run(fmt.Sprintf("tick %d", k), func(t *testing.T) {
			e := newEnv(t)
			o := e.orchestrator(t)
			before := append([]byte(nil), e.dev.Mem...)

			e.clock.OnSleep = func(n int) {
				if n == k+1 {
					e.card.Remove()
				}
			}

			_, err := o.Run()

			if !errors.Is(err, ErrAborted) {
				t.Fatalf("Run: %v, want %v", err, ErrAborted)
			}

			s := o.Session()

			if s.State != Aborted || s.Remaining != DefaultCountdown-k {
				t.Errorf("session %+v, want %v at %d", s, Aborted, DefaultCountdown-k)
			}

			if !bytes.Equal(before, e.dev.Mem) {
				t.Error("flash modified")
			}

			if len(e.dev.Erased) != 0 || e.dev.Unlocks != 0 {
				t.Errorf("flash touched: %d erases, %d unlocks", len(e.dev.Erased), e.dev.Unlocks)
			}

			if !strings.Contains(e.display.String(), "no SD card, aborting") {
				t.Errorf("display %q lacks abort message", e.display.String())
			}
		})
	}
}

func TestRunAbortOnCandidateChange(t *testing.T) {
	e := newEnv(t)
	o := e.orchestrator(t)

	unsigned := testonly.Image(t, image.Bootloader, testonly.Code(100), e.signers, 0)

	e.clock.OnSleep = func(n int) {
		if n == 4 {
			e.card.Image = unsigned
		}
	}

	if _, err := o.Run(); !errors.Is(err, ErrAborted) {
		t.Fatalf("Run: %v, want %v", err, ErrAborted)
	}

	if len(e.dev.Erased) != 0 {
		t.Error("flash erased")
	}
}

func TestCandidate(t *testing.T) {
	for _, test := range []struct {
		name    string
		prepare func(e *env)
		want    bool
	}{
		{
			name: "valid",
			want: true,
		},
		{
			name: "no card",
			prepare: func(e *env) {
				e.card.Remove()
			},
		},
		{
			name: "small card",
			prepare: func(e *env) {
				e.card.Size = MinCapacity - BlockSize
			},
		},
		{
			name: "read failure",
			prepare: func(e *env) {
				e.card.FailRead = errors.New("read failure")
			},
		},
		{
			name: "single signature",
			prepare: func(e *env) {
				e.card.Image = testonly.Image(t, image.Bootloader, testonly.Code(100), e.signers, 2)
			},
		},
		{
			name: "firmware image",
			prepare: func(e *env) {
				e.card.Image = testonly.Image(t, image.Firmware, testonly.Code(100), e.signers, 0, 1, 2)
			},
		},
		{
			name: "blank card",
			prepare: func(e *env) {
				e.card.Image = nil
			},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			e := newEnv(t)

			if test.prepare != nil {
				test.prepare(e)
			}

			o := e.orchestrator(t)

			if got := o.Candidate(); got != test.want {
				t.Fatalf("Candidate() = %v, want %v", got, test.want)
			}

			if got, want := o.Session().State, map[bool]State{true: Detecting, false: Idle}[test.want]; got != want {
				t.Errorf("State = %v, want %v", got, want)
			}

			if e.card.Powered() {
				t.Error("card left powered")
			}
		})
	}
}

func TestRunNoCandidate(t *testing.T) {
	e := newEnv(t)
	e.card.Remove()

	if _, err := e.orchestrator(t).Run(); !errors.Is(err, ErrNoCandidate) {
		t.Errorf("Run: %v, want %v", err, ErrNoCandidate)
	}

	if len(e.clock.Slept) != 0 {
		t.Error("countdown started")
	}
}

func TestRunEraseFailure(t *testing.T) {
	e := newEnv(t)
	e.dev.FailErase = errors.New("erase failure")

	o := e.orchestrator(t)
	_, err := o.Run()

	if !errors.Is(err, ErrCommit) || !errors.Is(err, e.dev.FailErase) {
		t.Fatalf("Run: %v, want %v", err, ErrCommit)
	}

	if got := o.Session().State; got != Committing {
		t.Errorf("State = %v, want %v", got, Committing)
	}

	if !strings.Contains(e.display.String(), " failed") {
		t.Errorf("display %q lacks failure", e.display.String())
	}

	if !e.dev.Locked() {
		t.Error("flash left unlocked")
	}
}

func TestRunStorageFailure(t *testing.T) {
	e := newEnv(t)
	e.card.OnPowerOn = func(n int) {
		if n == powerOns {
			e.card.FailRead = errors.New("read failure")
		}
	}

	_, err := e.orchestrator(t).Run()

	if !errors.Is(err, ErrStorage) || errors.Is(err, ErrCommit) {
		t.Fatalf("Run: %v, want %v", err, ErrStorage)
	}

	if !e.dev.Locked() || e.card.Powered() {
		t.Errorf("flash locked: %v, card powered: %v", e.dev.Locked(), e.card.Powered())
	}
}

func TestRunProgramFailure(t *testing.T) {
	e := newEnv(t)
	e.dev.FailWrite = errors.New("write failure")

	_, err := e.orchestrator(t).Run()

	if !errors.Is(err, ErrCommit) || !errors.Is(err, e.dev.FailWrite) {
		t.Fatalf("Run: %v, want %v", err, ErrCommit)
	}

	if !e.dev.Locked() || e.card.Powered() {
		t.Errorf("flash locked: %v, card powered: %v", e.dev.Locked(), e.card.Powered())
	}
}

func TestVerifyAfterWrite(t *testing.T) {
	for _, verify := range []bool{false, true} {
		t.Run(fmt.Sprintf("verify %v", verify), func(t *testing.T) {
			e := newEnv(t)
			e.cfg.VerifyAfterWrite = verify

			// the header is validly signed but the code was altered
			e.card.Image[image.HeaderSize+10] ^= 0xff

			_, err := e.orchestrator(t).Run()

			if !verify {
				if err != nil {
					t.Errorf("Run: %v", err)
				}

				return
			}

			if !errors.Is(err, ErrCommit) || !errors.Is(err, image.ErrDigestMismatch) {
				t.Errorf("Run: %v, want %v", err, image.ErrDigestMismatch)
			}
		})
	}
}

func TestProgress(t *testing.T) {
	e := newEnv(t)

	var erased, copied int

	e.cfg.EraseProgress = flash.ObserverFunc(func(done int, total int) { erased = done })
	e.cfg.CopyProgress = flash.ObserverFunc(func(done int, total int) { copied = done })

	res, err := e.orchestrator(t).Run()

	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if erased != len(flash.RecoveryEraseSectors) || copied != res.Blocks {
		t.Errorf("progress: erased %d, copied %d", erased, copied)
	}
}

func TestNew(t *testing.T) {
	e := newEnv(t)

	cfg := e.cfg
	cfg.Scratch = make([]byte, BlockSize)

	if _, err := New(cfg); err == nil {
		t.Error("New with short scratch buffer succeeded")
	}

	cfg = e.cfg
	cfg.Storage = nil

	if _, err := New(cfg); err == nil {
		t.Error("New without storage succeeded")
	}
}
