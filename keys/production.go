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

//go:build production
// +build production

package keys

import (
	"errors"

	"golang.org/x/mod/sumdb/note"
)

// Production is true for builds which trust the release key set.
const Production = true

// initialized at link time (see Makefile)
var (
	ProductionKey1 string
	ProductionKey2 string
	ProductionKey3 string
)

// DevSigners returns no signers on production builds.
func DevSigners() []note.Signer {
	return nil
}

// Default returns the release key set, as note verifier keys injected at
// link time.
func Default() (*Registry, error) {
	if len(ProductionKey1) == 0 || len(ProductionKey2) == 0 || len(ProductionKey3) == 0 {
		return nil, errors.New("boardloader release keys are missing")
	}

	return FromVerifierKeys(Threshold, ProductionKey1, ProductionKey2, ProductionKey3)
}
