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

package flash

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownSector   = errors.New("unknown sector")
	ErrProtectedSector = errors.New("sector is write protected")
	ErrUnaligned       = errors.New("unaligned access")
	ErrOutOfRange      = errors.New("access outside sector")
	ErrBitsSet         = errors.New("programming cannot set erased bits")
	ErrEraseVerify     = errors.New("sector not erased")
	ErrWriteVerify     = errors.New("word read back mismatch")
	ErrLocked          = errors.New("flash is locked")
)

// OperationError reports a failed flash operation.
type OperationError struct {
	Op     string
	Sector Sector
	Offset uint32
	Err    error
}

func (e *OperationError) Error() string {
	if e.Op == "unlock" || e.Op == "lock" {
		return fmt.Sprintf("flash %s failed, %v", e.Op, e.Err)
	}

	return fmt.Sprintf("flash %s failed (sector %d offset %#x), %v", e.Op, e.Sector, e.Offset, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}
