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

// Package image implements parsing and verification of signed boot images.
//
// A boot image is a fixed 1024 byte header followed by the code it
// describes. The header carries per-chunk BLAKE2s digests of the code and up
// to MaxSignatures Ed25519 signatures over the header fingerprint, slot i
// holding the signature of the i-th key of the trusted key set.
package image

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/coreos/go-semver/semver"
	"golang.org/x/crypto/blake2s"
)

const (
	// HeaderSize is the size of the image header, the image code starts
	// immediately after it.
	HeaderSize = 1024
	// BlockSize is the alignment required for header plus code length.
	BlockSize = 512
	// ChunkSize is the amount of image data covered by each digest.
	ChunkSize = 128 * 1024
	// MaxChunks is the number of digest slots in the header.
	MaxChunks = 16
	// DigestSize is the size of a BLAKE2s-256 digest.
	DigestSize = blake2s.Size
	// MaxSignatures is the number of signature slots in the header.
	MaxSignatures = 6
	// SignatureSize is the size of an Ed25519 signature.
	SignatureSize = 64

	// sigMaskOffset is the offset of the first byte excluded from the
	// header fingerprint, everything from it to the end of the header is
	// signature material.
	sigMaskOffset = 0x27f
)

// Class describes a kind of image: the magic it must carry and the maximum
// total size (header included) it may have.
type Class struct {
	Name    string
	Magic   [4]byte
	MaxSize uint32
}

var (
	// Bootloader images are verified and started by the boardloader.
	Bootloader = Class{
		Name:    "bootloader",
		Magic:   [4]byte{'A', 'W', 'B', 'L'},
		MaxSize: 128 * 1024,
	}

	// Firmware images are verified and started by the bootloader.
	Firmware = Class{
		Name:    "firmware",
		Magic:   [4]byte{'A', 'W', 'F', 'W'},
		MaxSize: 13 * ChunkSize,
	}
)

// Header represents the image header, its binary layout is little endian
// and mirrors the field order below.
type Header struct {
	Magic      [4]byte
	HeaderLen  uint32
	Expiry     uint32
	CodeLen    uint32
	Version    [4]byte
	FixVersion [4]byte
	_          [8]byte
	Hashes     [MaxChunks][DigestSize]byte
	_          [95]byte
	SigMask    uint8
	Sigs       [MaxSignatures][SignatureSize]byte
}

// Parse decodes an image header, no validation is performed.
func Parse(buf []byte) (*Header, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("%w (%d bytes)", ErrShortBuffer, len(buf))
	}

	h := &Header{}

	if err := binary.Read(bytes.NewReader(buf[:HeaderSize]), binary.LittleEndian, h); err != nil {
		return nil, err
	}

	return h, nil
}

// Marshal encodes the header in its binary format.
func (h *Header) Marshal() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, h)
	return buf.Bytes()
}

// Fingerprint returns the message signed by the image keys: the digest of
// the header with all signature material zeroed.
func (h *Header) Fingerprint() [DigestSize]byte {
	return fingerprint(h.Marshal())
}

func fingerprint(hdr []byte) [DigestSize]byte {
	buf := make([]byte, HeaderSize)
	copy(buf, hdr[:sigMaskOffset])

	return blake2s.Sum256(buf)
}

// Size returns the total image size, header included.
func (h *Header) Size() uint64 {
	return uint64(HeaderSize) + uint64(h.CodeLen)
}

// SemVer returns the image version, a non-zero build number is reported as
// version metadata.
func (h *Header) SemVer() semver.Version {
	return toSemVer(h.Version)
}

// FixSemVer returns the version of the last security fix included in the
// image.
func (h *Header) FixSemVer() semver.Version {
	return toSemVer(h.FixVersion)
}

func toSemVer(v [4]byte) semver.Version {
	s := semver.Version{
		Major: int64(v[0]),
		Minor: int64(v[1]),
		Patch: int64(v[2]),
	}

	if v[3] != 0 {
		s.Metadata = strconv.Itoa(int(v[3]))
	}

	return s
}

// ParseVersion converts a semantic version string (e.g. 1.2.3 or 1.2.3+4)
// to its header representation.
func ParseVersion(s string) (v [4]byte, err error) {
	sv, err := semver.NewVersion(s)

	if err != nil {
		return
	}

	if len(sv.PreRelease) != 0 {
		return v, fmt.Errorf("pre-release versions are not supported (%s)", s)
	}

	build := int64(0)

	if len(sv.Metadata) != 0 {
		if build, err = strconv.ParseInt(sv.Metadata, 10, 64); err != nil {
			return v, fmt.Errorf("build metadata must be numeric (%s)", s)
		}
	}

	for i, n := range []int64{sv.Major, sv.Minor, sv.Patch, build} {
		if n < 0 || n > 255 {
			return v, fmt.Errorf("version component %d out of range (%s)", n, s)
		}

		v[i] = byte(n)
	}

	return
}
