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

//go:build !production
// +build !production

package keys

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"

	"golang.org/x/mod/sumdb/note"
)

// Production is false for development builds, which trust the well-known
// development keys below.
const Production = false

// DevSeed returns the publicly known seed of the i-th development key.
//
// Development keys offer no security whatsoever, anybody can sign images
// which development builds of the boardloader will run.
func DevSeed(i int) []byte {
	seed := sha256.Sum256([]byte(fmt.Sprintf("armored-witness-boardloader development key %d", i)))
	return seed[:]
}

// DevSigners returns note signers for all development keys, in registry
// order.
func DevSigners() []note.Signer {
	var signers []note.Signer

	for i := 0; i < Count; i++ {
		priv := ed25519.NewKeyFromSeed(DevSeed(i))
		signers = append(signers, NewSigner(KeyName(i), priv))
	}

	return signers
}

// Default returns the key set trusted by development builds.
func Default() (*Registry, error) {
	var pub [][]byte

	for i := 0; i < Count; i++ {
		priv := ed25519.NewKeyFromSeed(DevSeed(i))
		pub = append(pub, priv.Public().(ed25519.PublicKey))
	}

	return New(Threshold, pub...)
}
