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

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-boardloader/keys"
)

// Verifier checks image headers against a trusted key set.
type Verifier struct {
	keys *keys.Registry
}

// NewVerifier returns a verifier trusting the passed key registry.
func NewVerifier(reg *keys.Registry) *Verifier {
	return &Verifier{
		keys: reg,
	}
}

// VerifyHeader parses and authenticates the image header at the start of
// buf, which must carry the magic of the given class and fit its size bound.
//
// The header is trusted only if at least the registry threshold of distinct
// keys produced a valid signature over its fingerprint; which keys signed
// does not matter. On failure the returned error wraps one of the Err*
// values of this package and no header is returned.
func (v *Verifier) VerifyHeader(buf []byte, class Class) (*Header, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("%w (%d bytes)", ErrShortBuffer, len(buf))
	}

	if magic := buf[0:4]; string(magic) != string(class.Magic[:]) {
		return nil, fmt.Errorf("%w: %q, expected %q", ErrBadMagic, magic, class.Magic[:])
	}

	h, err := Parse(buf)

	if err != nil {
		return nil, err
	}

	if h.HeaderLen != HeaderSize {
		return nil, fmt.Errorf("%w: %d", ErrBadHeaderLength, h.HeaderLen)
	}

	if size := h.Size(); size > uint64(class.MaxSize) {
		return nil, fmt.Errorf("%w: %d > %d (%s)", ErrTooLarge, size, class.MaxSize, class.Name)
	}

	if h.Size()%BlockSize != 0 {
		return nil, fmt.Errorf("%w: %d", ErrUnaligned, h.Size())
	}

	n := v.keys.Len()

	if h.SigMask>>n != 0 {
		return nil, fmt.Errorf("%w: %#.2x (%d keys)", ErrBadSignatureMask, h.SigMask, n)
	}

	fp := fingerprint(buf)
	valid := 0

	// each key index is visited once, so a key can count at most once
	for i := 0; i < n; i++ {
		if h.SigMask&(1<<i) == 0 {
			continue
		}

		if v.keys.Verify(i, fp[:], h.Sigs[i][:]) {
			valid++
		} else {
			klog.V(2).Infof("image signature %d does not verify", i)
		}
	}

	if m := v.keys.Threshold(); valid < m {
		return nil, &SignatureError{Valid: valid, Required: m}
	}

	klog.V(1).Infof("%s header verified (%d/%d signatures, fingerprint %x)", class.Name, valid, n, fp[:8])

	return h, nil
}
