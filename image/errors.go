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
	"errors"
	"fmt"
)

var (
	ErrShortBuffer            = errors.New("buffer shorter than image header")
	ErrBadMagic               = errors.New("invalid image magic")
	ErrBadHeaderLength        = errors.New("invalid header length")
	ErrTooLarge               = errors.New("image exceeds maximum size")
	ErrUnaligned              = errors.New("image size is not block aligned")
	ErrBadSignatureMask       = errors.New("signature mask references unknown keys")
	ErrInsufficientSignatures = errors.New("insufficient valid signatures")
	ErrShortImage             = errors.New("image body shorter than declared")
	ErrDigestMismatch         = errors.New("image digest mismatch")
)

// SignatureError indicates that fewer than the required number of keys
// produced a valid header signature.
type SignatureError struct {
	Valid    int
	Required int
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("%v: %d valid, %d required", ErrInsufficientSignatures, e.Valid, e.Required)
}

func (e *SignatureError) Unwrap() error {
	return ErrInsufficientSignatures
}

// DigestError indicates that an image chunk does not match the digest
// embedded in its header.
type DigestError struct {
	Chunk int
}

func (e *DigestError) Error() string {
	return fmt.Sprintf("%v: chunk %d", ErrDigestMismatch, e.Chunk)
}

func (e *DigestError) Unwrap() error {
	return ErrDigestMismatch
}
