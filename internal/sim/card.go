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

package sim

import (
	"errors"
	"fmt"
	"os"
)

// CardBlockSize is the block size of a Card.
const CardBlockSize = 512

var (
	ErrNoCard     = errors.New("no card inserted")
	ErrPoweredOff = errors.New("card is powered off")
)

// Card is an in-memory removable storage card. Blocks past the end of the
// card image and within its capacity read as zeroes.
type Card struct {
	Image    []byte
	Size     uint64
	Inserted bool

	powered bool

	// PowerOns counts power on attempts.
	PowerOns int
	// OnPowerOn is called at the start of each power on attempt, with the
	// attempt number (starting from 1).
	OnPowerOn func(n int)
	// FailRead is returned by ReadBlocks when set.
	FailRead error
}

// NewCard returns an inserted card holding image, with the given capacity in
// bytes.
func NewCard(image []byte, capacity uint64) *Card {
	return &Card{
		Image:    image,
		Size:     capacity,
		Inserted: true,
	}
}

// LoadCard returns an inserted card holding the contents of a file.
func LoadCard(path string, capacity uint64) (*Card, error) {
	b, err := os.ReadFile(path)

	if err != nil {
		return nil, err
	}

	if uint64(len(b)) > capacity {
		capacity = uint64(len(b))
	}

	return NewCard(b, capacity), nil
}

// Remove ejects the card, also powering it off.
func (c *Card) Remove() {
	c.Inserted = false
	c.powered = false
}

// Powered reports whether the card is powered on.
func (c *Card) Powered() bool {
	return c.powered
}

// PowerOn implements recovery.Storage.
func (c *Card) PowerOn() error {
	c.PowerOns++

	if c.OnPowerOn != nil {
		c.OnPowerOn(c.PowerOns)
	}

	if !c.Inserted {
		return ErrNoCard
	}

	c.powered = true

	return nil
}

// PowerOff implements recovery.Storage.
func (c *Card) PowerOff() {
	c.powered = false
}

// Capacity implements recovery.Storage.
func (c *Card) Capacity() uint64 {
	if !c.Inserted || !c.powered {
		return 0
	}

	return c.Size
}

// ReadBlocks implements recovery.Storage.
func (c *Card) ReadBlocks(lba uint32, b []byte) error {
	switch {
	case !c.Inserted:
		return ErrNoCard
	case !c.powered:
		return ErrPoweredOff
	case c.FailRead != nil:
		return c.FailRead
	case len(b)%CardBlockSize != 0:
		return fmt.Errorf("read size %d is not a multiple of the block size", len(b))
	}

	off := uint64(lba) * CardBlockSize

	if off+uint64(len(b)) > c.Size {
		return fmt.Errorf("read at lba %d (%d bytes) exceeds capacity", lba, len(b))
	}

	for i := range b {
		b[i] = 0
	}

	if off < uint64(len(c.Image)) {
		copy(b, c.Image[off:])
	}

	return nil
}
