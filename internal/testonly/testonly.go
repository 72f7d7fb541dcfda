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

// Package testonly provides fixtures for boardloader tests.
package testonly

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"testing"
	"time"

	"golang.org/x/mod/sumdb/note"

	"github.com/transparency-dev/armored-witness-boardloader/image"
	"github.com/transparency-dev/armored-witness-boardloader/keys"
)

// Keys returns a registry of n deterministic test keys with threshold m,
// along with the matching signers in registry order.
func Keys(t testing.TB, m int, n int) (*keys.Registry, []note.Signer) {
	t.Helper()

	var pub [][]byte
	var signers []note.Signer

	for i := 0; i < n; i++ {
		seed := sha256.Sum256([]byte(fmt.Sprintf("test key %d", i)))
		priv := ed25519.NewKeyFromSeed(seed[:])

		pub = append(pub, priv.Public().(ed25519.PublicKey))
		signers = append(signers, keys.NewSigner(keys.KeyName(i), priv))
	}

	reg, err := keys.New(m, pub...)

	if err != nil {
		t.Fatalf("keys.New: %v", err)
	}

	return reg, signers
}

// Code returns n bytes of deterministic, non-repeating test data.
func Code(n int) []byte {
	b := make([]byte, 0, n+sha256.Size)

	for sum := sha256.Sum256([]byte("code")); len(b) < n; sum = sha256.Sum256(sum[:]) {
		b = append(b, sum[:]...)
	}

	return b[:n]
}

// Image returns a complete image for code, signed by signers[i] in slot i for
// each of the listed slots.
func Image(t testing.TB, class image.Class, code []byte, signers []note.Signer, slots ...int) []byte {
	t.Helper()

	h, body := Header(t, class, code, signers, slots...)

	return image.Bytes(h, body)
}

// Header returns the signed header of an image for code, along with the
// padded code.
func Header(t testing.TB, class image.Class, code []byte, signers []note.Signer, slots ...int) (*image.Header, []byte) {
	t.Helper()

	h, body, err := image.Build(class, code, [4]byte{1, 2, 3, 0}, [4]byte{1, 0, 0, 0})

	if err != nil {
		t.Fatalf("image.Build: %v", err)
	}

	for _, i := range slots {
		if err := h.Sign(i, signers[i]); err != nil {
			t.Fatalf("Sign(%d): %v", i, err)
		}
	}

	return h, body
}

// Clock records the delays passed to Sleep instead of waiting.
type Clock struct {
	Slept []time.Duration

	// OnSleep is called after each Sleep with the number of calls so far.
	OnSleep func(n int)
}

// Sleep records d.
func (c *Clock) Sleep(d time.Duration) {
	c.Slept = append(c.Slept, d)

	if c.OnSleep != nil {
		c.OnSleep(len(c.Slept))
	}
}
