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
	"io"

	"github.com/cheggaaa/pb/v3"
)

// progressBar renders flash.Observer ticks as a progress bar, a new bar is
// started for each operation.
type progressBar struct {
	w      io.Writer
	prefix string
	bar    *pb.ProgressBar
}

func newProgressBar(w io.Writer, prefix string) *progressBar {
	return &progressBar{
		w:      w,
		prefix: prefix,
	}
}

// Tick implements flash.Observer.
func (p *progressBar) Tick(done int, total int) {
	if p.bar == nil {
		p.bar = pb.New(total).SetWriter(p.w).Set("prefix", p.prefix)
		p.bar.Start()
	}

	p.bar.SetCurrent(int64(done))

	if done >= total {
		p.bar.Finish()
		p.bar = nil
	}
}
