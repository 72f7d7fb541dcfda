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

// Package display defines the line oriented text display used to report boot
// and recovery status.
package display

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"
)

const (
	// BacklightOff turns the backlight off.
	BacklightOff = 0
	// BacklightFull is the maximum backlight level.
	BacklightFull = 255
)

// Display is a text display with an adjustable backlight.
type Display interface {
	// Printf appends formatted text, a trailing newline ends the line.
	Printf(format string, args ...any)
	// Backlight sets the backlight level (0-255).
	Backlight(level int)
	// Clear blanks the display.
	Clear()
}

// Text is a Display rendering to an io.Writer, it also retains the lines
// printed since the last Clear.
type Text struct {
	mu sync.Mutex

	w       io.Writer
	buf     strings.Builder
	level   int
	clears  int
	written int
}

// NewText returns a Text display writing to w, which may be nil.
func NewText(w io.Writer) *Text {
	return &Text{
		w: w,
	}
}

// Printf implements Display.
func (t *Text) Printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := fmt.Sprintf(format, args...)
	t.buf.WriteString(s)

	if t.w != nil {
		n, _ := io.WriteString(t.w, s)
		t.written += n
	}
}

// Backlight implements Display.
func (t *Text) Backlight(level int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.level = min(max(level, BacklightOff), BacklightFull)
}

// Clear implements Display.
func (t *Text) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf.Reset()
	t.clears++

	if t.w != nil && t.written > 0 {
		io.WriteString(t.w, "\n")
		t.written = 0
	}
}

// Level returns the current backlight level.
func (t *Text) Level() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.level
}

// String returns the text printed since the last Clear.
func (t *Text) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.buf.String()
}

// Lines returns the text printed since the last Clear, split in lines.
func (t *Text) Lines() (lines []string) {
	s := bufio.NewScanner(strings.NewReader(t.String()))

	for s.Scan() {
		lines = append(lines, s.Text())
	}

	return
}

// Fatal renders a halt screen with a title and a message.
func Fatal(d Display, title string, msg string) {
	d.Clear()
	d.Backlight(BacklightFull)
	d.Printf("%s\n", title)
	d.Printf("%s\n", msg)
	d.Printf("\nPlease contact support.\n")
}
