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
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/mod/sumdb/note"

	"github.com/transparency-dev/armored-witness-boardloader/flash"
	"github.com/transparency-dev/armored-witness-boardloader/image"
	"github.com/transparency-dev/armored-witness-boardloader/internal/boot"
	"github.com/transparency-dev/armored-witness-boardloader/internal/sim"
	"github.com/transparency-dev/armored-witness-boardloader/internal/testonly"
	"github.com/transparency-dev/armored-witness-boardloader/keys"
)

func TestParseConfig(t *testing.T) {
	for _, test := range []struct {
		name    string
		yaml    string
		want    *Config
		wantErr bool
	}{
		{
			name: "defaults",
			yaml: "flash_image: flash.bin\n",
			want: &Config{
				FlashImage:       "flash.bin",
				RemoveCardAtTick: -1,
				Countdown:        10,
				Tick:             time.Second,
				Threshold:        keys.Threshold,
			},
		},
		{
			name: "full",
			yaml: `
flash_image: flash.bin
sdcard_image: sd.img
sdcard_capacity: 2097152
remove_card_at_tick: 4
countdown: 3
tick: 10ms
option_bytes_fail: true
verify_after_write: true
keys: [a.pub, b.pub, c.pub]
threshold: 3
`,
			want: &Config{
				FlashImage:       "flash.bin",
				SDCardImage:      "sd.img",
				SDCardCapacity:   2097152,
				RemoveCardAtTick: 4,
				Countdown:        3,
				Tick:             10 * time.Millisecond,
				OptionBytesFail:  true,
				VerifyAfterWrite: true,
				Keys:             []string{"a.pub", "b.pub", "c.pub"},
				Threshold:        3,
			},
		},
		{
			name:    "missing flash",
			yaml:    "countdown: 3\n",
			wantErr: true,
		},
		{
			name:    "threshold above key count",
			yaml:    "flash_image: f\nkeys: [a.pub]\nthreshold: 2\n",
			wantErr: true,
		},
		{
			name:    "invalid countdown",
			yaml:    "flash_image: f\ncountdown: -1\n",
			wantErr: true,
		},
		{
			name:    "malformed",
			yaml:    "flash_image: [",
			wantErr: true,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			got, err := parseConfig([]byte(test.yaml))

			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("parseConfig: %v, want error %v", err, test.wantErr)
			}

			if diff := cmp.Diff(test.want, got); diff != "" {
				t.Errorf("config diff (-want +got):\n%s", diff)
			}
		})
	}
}

type device struct {
	dir     string
	cfg     *Config
	signers []note.Signer
}

func newDevice(t *testing.T) *device {
	t.Helper()

	dir := t.TempDir()
	reg, signers := testonly.Keys(t, 2, 3)
	cfg := defaultConfig()
	cfg.FlashImage = filepath.Join(dir, "flash.bin")
	cfg.Tick = time.Millisecond

	for i := 0; i < reg.Len(); i++ {
		vkey, err := note.NewEd25519VerifierKey(keys.KeyName(i), reg.Key(i))

		if err != nil {
			t.Fatalf("NewEd25519VerifierKey: %v", err)
		}

		p := filepath.Join(dir, keys.KeyName(i)+".pub")

		if err := os.WriteFile(p, []byte(vkey+"\n"), 0644); err != nil {
			t.Fatal(err)
		}

		cfg.Keys = append(cfg.Keys, p)
	}

	return &device{
		dir:     dir,
		cfg:     cfg,
		signers: signers,
	}
}

func (d *device) image(t *testing.T, name string, size int, slots ...int) (string, []byte) {
	t.Helper()

	img := testonly.Image(t, image.Bootloader, testonly.Code(size), d.signers, slots...)
	p := filepath.Join(d.dir, name)

	if err := os.WriteFile(p, img, 0644); err != nil {
		t.Fatal(err)
	}

	return p, img
}

func (d *device) run(t *testing.T, install string) (boot.Outcome, string) {
	t.Helper()

	out := &strings.Builder{}
	o, err := run(d.cfg, install, out, io.Discard, func(time.Duration) {})

	if err != nil {
		t.Fatalf("run: %v", err)
	}

	return o, out.String()
}

func (d *device) bootloader(t *testing.T) []byte {
	t.Helper()

	f := sim.NewFlash(flash.DefaultLayout)

	if err := f.Load(d.cfg.FlashImage); err != nil {
		t.Fatalf("Load: %v", err)
	}

	return f.Sector(flash.Bootloader)
}

func TestBootInstalled(t *testing.T) {
	d := newDevice(t)
	p, img := d.image(t, "bootloader.img", 20000, 0, 1)

	o, _ := d.run(t, p)

	if _, ok := o.(boot.TransferControl); !ok {
		t.Fatalf("outcome %v, want control transfer", o)
	}

	if !bytes.HasPrefix(d.bootloader(t), img) {
		t.Error("flash image does not hold the installed bootloader")
	}
}

func TestBootBlankFlash(t *testing.T) {
	d := newDevice(t)

	o, out := d.run(t, "")

	if h, ok := o.(boot.Halt); !ok || h.Message != boot.MsgInvalidHeader {
		t.Fatalf("outcome %v, want halt", o)
	}

	if !strings.Contains(out, boot.MsgInvalidHeader) {
		t.Errorf("display %q lacks halt message", out)
	}
}

func TestRecoveryFromCard(t *testing.T) {
	d := newDevice(t)
	old, _ := d.image(t, "old.img", 20000, 0, 1)
	card, img := d.image(t, "new.img", 30000, 1, 2)
	d.cfg.SDCardImage = card

	o, out := d.run(t, old)

	if o.ExitCode() != boot.ExitSuccess {
		t.Fatalf("outcome %v, want exit %d", o, boot.ExitSuccess)
	}

	if !strings.Contains(out, "Unplug the device") {
		t.Errorf("display %q lacks completion message", out)
	}

	if !bytes.HasPrefix(d.bootloader(t), img) {
		t.Error("flash image does not hold the recovered bootloader")
	}

	// the card is then removed
	d.cfg.SDCardImage = ""

	if o, _ := d.run(t, ""); o.ExitCode() != boot.ExitSuccess {
		t.Errorf("outcome %v after recovery, want control transfer", o)
	}
}

func TestRecoveryAbort(t *testing.T) {
	d := newDevice(t)
	old, img := d.image(t, "old.img", 20000, 0, 1)
	card, _ := d.image(t, "new.img", 30000, 1, 2)
	d.cfg.SDCardImage = card
	d.cfg.RemoveCardAtTick = 4

	o, out := d.run(t, old)

	if o.ExitCode() != boot.ExitRecovery {
		t.Fatalf("outcome %v, want exit %d", o, boot.ExitRecovery)
	}

	if !strings.Contains(out, "aborting") {
		t.Errorf("display %q lacks abort message", out)
	}

	if !bytes.HasPrefix(d.bootloader(t), img) {
		t.Error("bootloader modified by aborted recovery")
	}
}

func TestOptionBytesFailure(t *testing.T) {
	d := newDevice(t)
	old, _ := d.image(t, "old.img", 20000, 0, 1)
	d.cfg.OptionBytesFail = true

	if o, _ := d.run(t, old); o.ExitCode() != boot.ExitConfiguration {
		t.Errorf("outcome %v, want exit %d", o, boot.ExitConfiguration)
	}
}
