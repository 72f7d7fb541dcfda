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

package image

import (
	"fmt"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/mod/sumdb/note"
)

// Build returns an unsigned header for code, along with the code padded with
// zeroes so that the image size is block aligned.
func Build(class Class, code []byte, version [4]byte, fixVersion [4]byte) (*Header, []byte, error) {
	body := append([]byte(nil), code...)

	if r := (HeaderSize + len(body)) % BlockSize; r != 0 {
		body = append(body, make([]byte, BlockSize-r)...)
	}

	if size := HeaderSize + len(body); size > int(class.MaxSize) {
		return nil, nil, fmt.Errorf("%w: %d > %d (%s)", ErrTooLarge, size, class.MaxSize, class.Name)
	}

	h := &Header{
		Magic:      class.Magic,
		HeaderLen:  HeaderSize,
		CodeLen:    uint32(len(body)),
		Version:    version,
		FixVersion: fixVersion,
	}

	off := 0

	for i, n := range chunkLengths(h.CodeLen) {
		h.Hashes[i] = blake2s.Sum256(body[off : off+n])
		off += n
	}

	return h, body, nil
}

// Sign adds the signature of the header fingerprint by signer in the given
// slot, which must match the signer's index in the verifying key set.
//
// All other header fields must be final, any later change invalidates the
// signature.
func (h *Header) Sign(slot int, signer note.Signer) error {
	if slot < 0 || slot >= MaxSignatures {
		return fmt.Errorf("invalid signature slot %d", slot)
	}

	fp := h.Fingerprint()
	sig, err := signer.Sign(fp[:])

	if err != nil {
		return fmt.Errorf("%s: %v", signer.Name(), err)
	}

	if len(sig) != SignatureSize {
		return fmt.Errorf("%s: unexpected signature size %d", signer.Name(), len(sig))
	}

	copy(h.Sigs[slot][:], sig)
	h.SigMask |= 1 << slot

	return nil
}

// Bytes returns the full image: the encoded header followed by code.
func Bytes(h *Header, code []byte) []byte {
	return append(h.Marshal(), code...)
}
