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

package boot

import (
	"fmt"

	"github.com/transparency-dev/armored-witness-boardloader/image"
)

// Exit codes reported when control is not transferred.
const (
	ExitSuccess       = 0
	ExitHalt          = 1
	ExitConfiguration = 2
	ExitRecovery      = 3
	ExitStorage       = 4
)

// Outcome is the final decision of a boot attempt, it is one of
// TransferControl, Exit or Halt.
type Outcome interface {
	// ExitCode returns the process status matching the outcome.
	ExitCode() int
	String() string

	outcome()
}

// TransferControl directs the caller to jump to the verified image entry
// point.
type TransferControl struct {
	// Entry is the address of the first code byte, following the header.
	Entry uint32
	// Header is the verified image header.
	Header *image.Header
}

func (TransferControl) outcome() {}

func (TransferControl) ExitCode() int {
	return ExitSuccess
}

func (o TransferControl) String() string {
	return fmt.Sprintf("transfer control to %#x", o.Entry)
}

// Exit directs the caller to stop with a status code.
type Exit struct {
	Code   int
	Reason string
}

func (Exit) outcome() {}

func (o Exit) ExitCode() int {
	return o.Code
}

func (o Exit) String() string {
	return fmt.Sprintf("exit %d (%s)", o.Code, o.Reason)
}

// Halt directs the caller to stop forever, leaving Message on display.
type Halt struct {
	Message string
	Err     error
}

func (Halt) outcome() {}

func (Halt) ExitCode() int {
	return ExitHalt
}

func (o Halt) String() string {
	if o.Err != nil {
		return fmt.Sprintf("halt: %s (%v)", o.Message, o.Err)
	}

	return "halt: " + o.Message
}
