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
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/transparency-dev/armored-witness-boardloader/internal/recovery"
	"github.com/transparency-dev/armored-witness-boardloader/keys"
)

// Config describes an emulated device.
type Config struct {
	// FlashImage is the file holding the flash contents, it is created if
	// missing and updated after the boot attempt.
	FlashImage string `yaml:"flash_image"`
	// SDCardImage is the file holding the recovery card contents, no card
	// is inserted if empty.
	SDCardImage string `yaml:"sdcard_image"`
	// SDCardCapacity is the card capacity in bytes, it defaults to the
	// larger of the image size and 8MiB.
	SDCardCapacity uint64 `yaml:"sdcard_capacity"`
	// RemoveCardAtTick removes the card after the given number of
	// countdown ticks, disabled when negative.
	RemoveCardAtTick int `yaml:"remove_card_at_tick"`

	Countdown        int           `yaml:"countdown"`
	Tick             time.Duration `yaml:"tick"`
	OptionBytesFail  bool          `yaml:"option_bytes_fail"`
	VerifyAfterWrite bool          `yaml:"verify_after_write"`

	// Keys lists note verifier key files in key slot order, the built-in
	// key set is used when empty.
	Keys      []string `yaml:"keys"`
	Threshold int      `yaml:"threshold"`
}

const defaultCardCapacity = 8 << 20

func defaultConfig() *Config {
	return &Config{
		RemoveCardAtTick: -1,
		Countdown:        recovery.DefaultCountdown,
		Tick:             recovery.DefaultTick,
		Threshold:        keys.Threshold,
	}
}

// loadConfig reads a YAML configuration file, unset fields keep their
// default value.
func loadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)

	if err != nil {
		return nil, err
	}

	return parseConfig(b)
}

func parseConfig(b []byte) (*Config, error) {
	c := defaultConfig()

	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("invalid configuration: %v", err)
	}

	if err := c.validate(); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Config) validate() error {
	switch {
	case c.FlashImage == "":
		return errors.New("flash_image is required")
	case c.Countdown < 1:
		return fmt.Errorf("invalid countdown %d", c.Countdown)
	case c.Tick < 0:
		return fmt.Errorf("invalid tick %v", c.Tick)
	case len(c.Keys) != 0 && (c.Threshold < 1 || c.Threshold > len(c.Keys)):
		return fmt.Errorf("invalid threshold %d for %d keys", c.Threshold, len(c.Keys))
	}

	return nil
}
