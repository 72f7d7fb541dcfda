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

// The imagetool command creates, signs and inspects boot images.
//
// Usage:
//
//	imagetool keygen -name release-0 -output release-0
//	imagetool build -class bootloader -code bootloader.elf -version 1.0.0 -output bootloader.img
//	imagetool sign -image bootloader.img -key 0=release-0.key -key 2=release-2.key
//	imagetool verify -image bootloader.img -pub release-0.pub -pub release-1.pub -pub release-2.pub
//	imagetool info -image bootloader.img
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"k8s.io/klog/v2"
)

type command struct {
	flags *flag.FlagSet
	run   func() error
}

func usage(commands map[string]*command) {
	var names []string

	for name := range commands {
		names = append(names, name)
	}

	fmt.Fprintf(os.Stderr, "usage: %s <%s> [flags]\n", os.Args[0], strings.Join(sorted(names), "|"))
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	commands := map[string]*command{
		"keygen": keygenCommand(),
		"build":  buildCommand(),
		"sign":   signCommand(),
		"verify": verifyCommand(),
		"info":   infoCommand(),
	}

	if flag.NArg() < 1 {
		usage(commands)
		os.Exit(2)
	}

	cmd, ok := commands[flag.Arg(0)]

	if !ok {
		usage(commands)
		os.Exit(2)
	}

	if err := cmd.flags.Parse(flag.Args()[1:]); err != nil {
		os.Exit(2)
	}

	if err := cmd.run(); err != nil {
		klog.Exitf("%s: %v", flag.Arg(0), err)
	}
}
