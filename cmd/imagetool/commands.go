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
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/mod/sumdb/note"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-boardloader/image"
	"github.com/transparency-dev/armored-witness-boardloader/keys"
)

func sorted(s []string) []string {
	sort.Strings(s)
	return s
}

// stringList is a repeatable string flag.
type stringList []string

func (l *stringList) String() string {
	return strings.Join(*l, ",")
}

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func parseClass(name string) (image.Class, error) {
	switch name {
	case image.Bootloader.Name:
		return image.Bootloader, nil
	case image.Firmware.Name:
		return image.Firmware, nil
	}

	return image.Class{}, fmt.Errorf("unknown image class %q", name)
}

func keygenCommand() *command {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	name := fs.String("name", "", "Key name.")
	output := fs.String("output", "", "Output file prefix, the private key is written to <output>.key and the verifier key to <output>.pub.")

	return &command{
		flags: fs,
		run: func() error {
			if *name == "" || *output == "" {
				return errors.New("-name and -output are required")
			}

			skey, vkey, err := keygen(rand.Reader, *name)

			if err != nil {
				return err
			}

			if err = os.WriteFile(*output+".key", []byte(skey), 0600); err != nil {
				return err
			}

			if err = os.WriteFile(*output+".pub", []byte(vkey), 0644); err != nil {
				return err
			}

			klog.Infof("Wrote %s.key and %s.pub", *output, *output)

			return nil
		},
	}
}

// keygen generates a note signer and verifier key pair.
func keygen(r io.Reader, name string) (skey string, vkey string, err error) {
	if strings.ContainsAny(name, "+ \n") {
		return "", "", fmt.Errorf("invalid key name %q", name)
	}

	return note.GenerateKey(r, name)
}

func buildCommand() *command {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	class := fs.String("class", image.Bootloader.Name, "Image class (bootloader or firmware).")
	code := fs.String("code", "", "Code to package.")
	version := fs.String("version", "0.0.0", "Image version (major.minor.patch[+build]).")
	fixVersion := fs.String("fix_version", "", "Version of the last security fix, defaults to -version.")
	output := fs.String("output", "", "File to write the unsigned image to.")

	return &command{
		flags: fs,
		run: func() error {
			if *code == "" || *output == "" {
				return errors.New("-code and -output are required")
			}

			c, err := parseClass(*class)

			if err != nil {
				return err
			}

			b, err := os.ReadFile(*code)

			if err != nil {
				return err
			}

			if *fixVersion == "" {
				*fixVersion = *version
			}

			img, err := build(c, b, *version, *fixVersion)

			if err != nil {
				return err
			}

			if err = os.WriteFile(*output, img, 0644); err != nil {
				return err
			}

			klog.Infof("Wrote %d bytes unsigned %s image to %q", len(img), c.Name, *output)

			return nil
		},
	}
}

// build returns an unsigned image of the given class for code.
func build(class image.Class, code []byte, version string, fixVersion string) ([]byte, error) {
	v, err := image.ParseVersion(version)

	if err != nil {
		return nil, fmt.Errorf("invalid version: %v", err)
	}

	fv, err := image.ParseVersion(fixVersion)

	if err != nil {
		return nil, fmt.Errorf("invalid fix version: %v", err)
	}

	h, body, err := image.Build(class, code, v, fv)

	if err != nil {
		return nil, err
	}

	return image.Bytes(h, body), nil
}

func signCommand() *command {
	fs := flag.NewFlagSet("sign", flag.ExitOnError)
	img := fs.String("image", "", "Image to add signatures to, it is updated in place unless -output is set.")
	output := fs.String("output", "", "File to write the signed image to.")
	dev := fs.String("dev", "", "Comma separated development key slots to sign with (e.g. 0,1).")

	var keyFiles stringList
	fs.Var(&keyFiles, "key", "Signing key as <slot>=<note signer key file>, repeatable.")

	return &command{
		flags: fs,
		run: func() error {
			if *img == "" {
				return errors.New("-image is required")
			}

			signers, err := loadSigners(keyFiles, *dev)

			if err != nil {
				return err
			}

			if len(signers) == 0 {
				return errors.New("no signing keys, use -key or -dev")
			}

			b, err := os.ReadFile(*img)

			if err != nil {
				return err
			}

			if err = sign(b, signers); err != nil {
				return err
			}

			if *output == "" {
				*output = *img
			}

			if err = os.WriteFile(*output, b, 0644); err != nil {
				return err
			}

			klog.Infof("Wrote image with %d new signatures to %q", len(signers), *output)

			return nil
		},
	}
}

// loadSigners returns the signers for the passed <slot>=<file> key
// specifications and development key slots.
func loadSigners(keyFiles []string, dev string) (map[int]note.Signer, error) {
	signers := make(map[int]note.Signer)

	for _, spec := range keyFiles {
		slot, path, ok := strings.Cut(spec, "=")

		if !ok {
			return nil, fmt.Errorf("invalid key %q, expected <slot>=<file>", spec)
		}

		i, err := strconv.Atoi(slot)

		if err != nil {
			return nil, fmt.Errorf("invalid key slot %q", slot)
		}

		skey, err := os.ReadFile(path)

		if err != nil {
			return nil, err
		}

		s, err := note.NewSigner(strings.TrimSpace(string(skey)))

		if err != nil {
			return nil, fmt.Errorf("invalid signer key %q: %v", path, err)
		}

		signers[i] = s
	}

	if dev == "" {
		return signers, nil
	}

	devSigners := keys.DevSigners()

	if len(devSigners) == 0 {
		return nil, errors.New("development keys are not available in production builds")
	}

	for _, slot := range strings.Split(dev, ",") {
		i, err := strconv.Atoi(strings.TrimSpace(slot))

		if err != nil || i < 0 || i >= len(devSigners) {
			return nil, fmt.Errorf("invalid development key slot %q", slot)
		}

		signers[i] = devSigners[i]
	}

	return signers, nil
}

// sign adds signatures to the image header in b.
func sign(b []byte, signers map[int]note.Signer) error {
	h, err := image.Parse(b)

	if err != nil {
		return err
	}

	for slot, s := range signers {
		if err = h.Sign(slot, s); err != nil {
			return err
		}

		klog.V(1).Infof("Signed slot %d with %s (%08x)", slot, s.Name(), s.KeyHash())
	}

	copy(b, h.Marshal())

	return nil
}

func verifyCommand() *command {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	img := fs.String("image", "", "Image to verify.")
	class := fs.String("class", image.Bootloader.Name, "Image class (bootloader or firmware).")
	threshold := fs.Int("threshold", keys.Threshold, "Number of required signatures.")

	var pubFiles stringList
	fs.Var(&pubFiles, "pub", "Note verifier key file, repeatable, in key slot order. The built-in key set is used if none is given.")

	return &command{
		flags: fs,
		run: func() error {
			if *img == "" {
				return errors.New("-image is required")
			}

			c, err := parseClass(*class)

			if err != nil {
				return err
			}

			reg, err := registry(pubFiles, *threshold)

			if err != nil {
				return err
			}

			b, err := os.ReadFile(*img)

			if err != nil {
				return err
			}

			h, err := image.NewVerifier(reg).VerifyImage(b, c)

			if err != nil {
				return err
			}

			klog.Infof("%s image %v verified", c.Name, h.SemVer())
			fmt.Println("OK")

			return nil
		},
	}
}

// registry returns the key registry for the passed verifier key files, or
// the built-in one if there are none.
func registry(pubFiles []string, threshold int) (*keys.Registry, error) {
	if len(pubFiles) == 0 {
		return keys.Default()
	}

	var vkeys []string

	for _, p := range pubFiles {
		b, err := os.ReadFile(p)

		if err != nil {
			return nil, err
		}

		vkeys = append(vkeys, strings.TrimSpace(string(b)))
	}

	return keys.FromVerifierKeys(threshold, vkeys...)
}

func infoCommand() *command {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	img := fs.String("image", "", "Image to describe.")

	return &command{
		flags: fs,
		run: func() error {
			if *img == "" {
				return errors.New("-image is required")
			}

			b, err := os.ReadFile(*img)

			if err != nil {
				return err
			}

			h, err := image.Parse(b)

			if err != nil {
				return err
			}

			info(os.Stdout, h)

			return nil
		},
	}
}

// info writes a description of a header.
func info(w io.Writer, h *image.Header) {
	fp := h.Fingerprint()

	fmt.Fprintf(w, "magic:       %q\n", h.Magic[:])
	fmt.Fprintf(w, "header:      %d bytes\n", h.HeaderLen)
	fmt.Fprintf(w, "code:        %d bytes\n", h.CodeLen)
	fmt.Fprintf(w, "version:     %v\n", h.SemVer())
	fmt.Fprintf(w, "fix version: %v\n", h.FixSemVer())
	fmt.Fprintf(w, "fingerprint: %x\n", fp[:])

	for i := 0; i < image.MaxSignatures; i++ {
		if h.SigMask&(1<<i) != 0 {
			fmt.Fprintf(w, "signature:   slot %d\n", i)
		}
	}
}
