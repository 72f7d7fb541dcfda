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
	"errors"
	"fmt"
)

// sdCard provides recovery storage over the microSD slot. The slot has no
// power switch, powering on detects and initializes the card.
type sdCard struct {
	card    Card
	powered bool
}

func (s *sdCard) PowerOn() (err error) {
	if err = s.card.Detect(); err != nil {
		return
	}

	if bs := s.card.Info().BlockSize; bs != expectedBlockSize {
		return fmt.Errorf("unexpected SD card block size %d", bs)
	}

	s.powered = true

	return
}

func (s *sdCard) PowerOff() {
	s.powered = false
}

func (s *sdCard) Capacity() uint64 {
	if !s.powered {
		return 0
	}

	info := s.card.Info()

	return uint64(info.Blocks) * uint64(info.BlockSize)
}

func (s *sdCard) ReadBlocks(lba uint32, b []byte) error {
	if !s.powered {
		return errors.New("SD card is powered off")
	}

	buf, err := s.card.Read(int64(lba)*expectedBlockSize, int64(len(b)))

	if err != nil {
		return err
	}

	copy(b, buf)

	return nil
}
