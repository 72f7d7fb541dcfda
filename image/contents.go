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
	"crypto/subtle"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2s"

	"github.com/transparency-dev/armored-witness-boardloader/flash"
)

// SectorReader provides read access to the flash sectors holding an image.
type SectorReader interface {
	// Size returns the size in bytes of a sector.
	Size(s flash.Sector) (uint32, error)
	// Read reads len(b) bytes at offset within a sector.
	Read(s flash.Sector, offset uint32, b []byte) error
}

// body streams image code spread over consecutive sectors.
type body struct {
	r       SectorReader
	sectors []flash.Sector
	off     uint32
}

func (b *body) Read(p []byte) (int, error) {
	for len(b.sectors) > 0 {
		size, err := b.r.Size(b.sectors[0])

		if err != nil {
			return 0, err
		}

		if b.off >= size {
			b.sectors = b.sectors[1:]
			b.off = 0
			continue
		}

		n := min(uint32(len(p)), size-b.off)

		if err = b.r.Read(b.sectors[0], b.off, p[:n]); err != nil {
			return 0, err
		}

		b.off += n

		return int(n), nil
	}

	return 0, io.EOF
}

// chunkLengths returns the length of each digest chunk for a code length.
// The first chunk is shortened by the header so that chunks align with the
// image start.
func chunkLengths(codeLen uint32) (lengths []int) {
	remaining := int(codeLen)

	for n := ChunkSize - HeaderSize; remaining > 0; n = ChunkSize {
		n = min(n, remaining)
		lengths = append(lengths, n)
		remaining -= n
	}

	return
}

// VerifyContents checks that the code following an already verified header
// matches its embedded digests. The code is read from sectors in order,
// starting right after the header in the first one.
//
// This binds a trusted header to the flash contents: a valid header paired
// with corrupted or partially written code is rejected.
func VerifyContents(hdr *Header, r SectorReader, sectors []flash.Sector) error {
	if len(sectors) == 0 {
		return fmt.Errorf("%w: no sectors", ErrShortImage)
	}

	lengths := chunkLengths(hdr.CodeLen)

	if len(lengths) > MaxChunks {
		return fmt.Errorf("%w: %d chunks", ErrTooLarge, len(lengths))
	}

	code := &body{
		r:       r,
		sectors: sectors,
		off:     HeaderSize,
	}

	buf := make([]byte, ChunkSize)

	for i, n := range lengths {
		if _, err := io.ReadFull(code, buf[:n]); err != nil {
			return fmt.Errorf("%w: chunk %d, %v", ErrShortImage, i, err)
		}

		sum := blake2s.Sum256(buf[:n])

		if subtle.ConstantTimeCompare(sum[:], hdr.Hashes[i][:]) != 1 {
			return &DigestError{Chunk: i}
		}
	}

	var zero [DigestSize]byte

	// digests for chunks past the code end must not be set
	for i := len(lengths); i < MaxChunks; i++ {
		if hdr.Hashes[i] != zero {
			return &DigestError{Chunk: i}
		}
	}

	return nil
}

// buffer exposes an in-memory image as a single sector.
type buffer []byte

func (b buffer) Size(flash.Sector) (uint32, error) {
	return uint32(len(b)), nil
}

func (b buffer) Read(_ flash.Sector, offset uint32, p []byte) error {
	if uint64(offset)+uint64(len(p)) > uint64(len(b)) {
		return io.ErrUnexpectedEOF
	}

	copy(p, b[offset:])

	return nil
}

// VerifyImage verifies both the header and the contents of a complete image
// held in memory.
func (v *Verifier) VerifyImage(buf []byte, class Class) (*Header, error) {
	h, err := v.VerifyHeader(buf, class)

	if err != nil {
		return nil, err
	}

	if err = VerifyContents(h, buffer(buf), []flash.Sector{0}); err != nil {
		return nil, err
	}

	return h, nil
}
