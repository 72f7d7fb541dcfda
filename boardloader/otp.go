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
	"bytes"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/usbarmory/crucible/otp"
	"github.com/usbarmory/tamago/soc/nxp/imx6ul"
)

const (
	// OTP bank of the boardloader write protection flag
	protectionFuseBank = 4
	// OTP word of the boardloader write protection flag
	protectionFuseWord = 7
	// OTP bit of the boardloader write protection flag
	protectionFuseBit = 0
)

// configureWriteProtection ensures the write protection flag is fused,
// fusing it on first boot.
func configureWriteProtection() (err error) {
	if !imx6ul.Native {
		klog.Info("write protection fuse emulated")
		return
	}

	res, err := otp.ReadOCOTP(protectionFuseBank, protectionFuseWord, protectionFuseBit, 1)

	if err != nil {
		return fmt.Errorf("could not read write protection flag (%v)", err)
	}

	if bytes.Equal(res, []byte{1}) {
		return
	}

	klog.Info("write protection not yet fused, fusing")

	if err = otp.BlowOCOTP(protectionFuseBank, protectionFuseWord, protectionFuseBit, 1, []byte{1}); err != nil {
		return fmt.Errorf("could not fuse write protection flag (%v)", err)
	}

	if res, err = otp.ReadOCOTP(protectionFuseBank, protectionFuseWord, protectionFuseBit, 1); err != nil || !bytes.Equal(res, []byte{1}) {
		return fmt.Errorf("write protection flag readback failed (%x, %v)", res, err)
	}

	return
}
