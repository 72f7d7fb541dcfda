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

// Package keys holds the boardloader's compiled-in M-of-N signing key set.
//
// Keys are raw Ed25519 public keys. Each one is exposed as a note verifier
// (golang.org/x/mod/sumdb/note) so that the same key material can be handled
// by the release tooling in its usual note key format.
package keys

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/mod/sumdb/note"
)

const (
	// Threshold is the number of valid signatures required on a
	// bootloader image.
	Threshold = 2
	// Count is the number of keys in the boardloader key set.
	Count = 3

	// MaxKeys bounds the size of a key set, it matches the number of
	// signature slots available in an image header.
	MaxKeys = 6

	// algEd25519 is the note signature algorithm identifier.
	algEd25519 = 1
)

// Registry is an ordered, immutable set of public keys together with the
// number of them which must sign an image for it to be trusted.
type Registry struct {
	keys      []ed25519.PublicKey
	verifiers []note.Verifier
	threshold int
}

// KeyName returns the note key name used for the i-th key of a registry.
func KeyName(i int) string {
	return fmt.Sprintf("boardloader-%d", i)
}

// New returns a registry for the passed raw Ed25519 public keys, where at
// least threshold of them must produce a valid signature.
func New(threshold int, keys ...[]byte) (*Registry, error) {
	if len(keys) == 0 || len(keys) > MaxKeys {
		return nil, fmt.Errorf("invalid key count %d (must be 1..%d)", len(keys), MaxKeys)
	}

	if threshold < 1 || threshold > len(keys) {
		return nil, fmt.Errorf("invalid threshold %d for %d keys", threshold, len(keys))
	}

	r := &Registry{
		threshold: threshold,
	}

	for i, k := range keys {
		if len(k) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("key %d: invalid length %d", i, len(k))
		}

		for j, prev := range r.keys {
			if bytes.Equal(prev, k) {
				return nil, fmt.Errorf("key %d duplicates key %d", i, j)
			}
		}

		vkey, err := note.NewEd25519VerifierKey(KeyName(i), ed25519.PublicKey(k))

		if err != nil {
			return nil, fmt.Errorf("key %d: %v", i, err)
		}

		v, err := note.NewVerifier(vkey)

		if err != nil {
			return nil, fmt.Errorf("key %d: %v", i, err)
		}

		r.keys = append(r.keys, append(ed25519.PublicKey(nil), k...))
		r.verifiers = append(r.verifiers, v)
	}

	return r, nil
}

// FromVerifierKeys returns a registry for keys encoded as note verifier
// strings (name+hash+base64 key), as written by `imagetool keygen`.
func FromVerifierKeys(threshold int, vkeys ...string) (*Registry, error) {
	var raw [][]byte

	for i, vkey := range vkeys {
		k, err := parseVerifierKey(vkey)

		if err != nil {
			return nil, fmt.Errorf("verifier key %d: %v", i, err)
		}

		raw = append(raw, k)
	}

	return New(threshold, raw...)
}

// parseVerifierKey extracts the raw Ed25519 public key from a note verifier
// key string after checking that note itself accepts it.
func parseVerifierKey(vkey string) ([]byte, error) {
	if _, err := note.NewVerifier(vkey); err != nil {
		return nil, err
	}

	// name+hash+key, where name cannot contain '+'
	parts := strings.SplitN(vkey, "+", 3)

	if len(parts) != 3 {
		return nil, errors.New("malformed verifier key")
	}

	key, err := base64.StdEncoding.DecodeString(parts[2])

	if err != nil {
		return nil, err
	}

	if len(key) != 1+ed25519.PublicKeySize || key[0] != algEd25519 {
		return nil, errors.New("unsupported verifier key algorithm")
	}

	return key[1:], nil
}

// Threshold returns the number of distinct keys which must sign an image.
func (r *Registry) Threshold() int {
	return r.threshold
}

// Len returns the number of keys in the registry.
func (r *Registry) Len() int {
	return len(r.keys)
}

// Key returns a copy of the i-th raw public key.
func (r *Registry) Key(i int) []byte {
	return append([]byte(nil), r.keys[i]...)
}

// Verifier returns the note verifier for the i-th key.
func (r *Registry) Verifier(i int) note.Verifier {
	return r.verifiers[i]
}

// Verify reports whether sig is a valid signature of msg by the i-th key.
func (r *Registry) Verify(i int, msg []byte, sig []byte) bool {
	if i < 0 || i >= len(r.verifiers) {
		return false
	}

	return r.verifiers[i].Verify(msg, sig)
}

// signer implements note.Signer over a raw Ed25519 private key.
type signer struct {
	name string
	hash uint32
	key  ed25519.PrivateKey
}

// NewSigner returns a note signer for a raw Ed25519 private key, signatures
// produced by it verify against the matching registry key.
func NewSigner(name string, key ed25519.PrivateKey) note.Signer {
	pub := key.Public().(ed25519.PublicKey)

	return &signer{
		name: name,
		hash: keyHash(name, append([]byte{algEd25519}, pub...)),
		key:  key,
	}
}

func (s *signer) Name() string    { return s.name }
func (s *signer) KeyHash() uint32 { return s.hash }

func (s *signer) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(s.key, msg), nil
}

// keyHash computes the note key hash of a key with the given name.
func keyHash(name string, key []byte) uint32 {
	h := sha256.New()
	h.Write([]byte(name))
	h.Write([]byte("\n"))
	h.Write(key)
	sum := h.Sum(nil)

	return binary.BigEndian.Uint32(sum)
}
