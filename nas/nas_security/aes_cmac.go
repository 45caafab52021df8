// SPDX-FileCopyrightText: 2021 Open Networking Foundation <info@opennetworking.org>
// Copyright 2019 free5GC.org
//
// SPDX-License-Identifier: Apache-2.0
//

package nas_security

import (
	"crypto/aes"
	"fmt"

	"github.com/aead/cmac"
)

// NasMacCalculateByAesCmac computes the 32-bit NAS MAC with 128-EIA2
// (AES-CMAC over COUNT | BEARER | DIRECTION | message, TS 33.401 B.2.3).
func NasMacCalculateByAesCmac(knasInt [16]byte, count uint32, bearer uint8,
	direction uint8, msg []byte,
) ([]byte, error) {
	if bearer > 0x1f {
		return nil, fmt.Errorf("bearer is beyond 5 bits")
	}
	if direction > 1 {
		return nil, fmt.Errorf("direction is beyond 1 bit")
	}
	if msg == nil {
		return nil, fmt.Errorf("nas payload is nil")
	}

	m := make([]byte, len(msg)+8)
	m[0] = byte(count >> 24)
	m[1] = byte(count >> 16)
	m[2] = byte(count >> 8)
	m[3] = byte(count)
	m[4] = (bearer << 3) | (direction << 2)
	copy(m[8:], msg)

	block, err := aes.NewCipher(knasInt[:])
	if err != nil {
		return nil, err
	}
	mac, err := cmac.Sum(m, block, 16)
	if err != nil {
		return nil, err
	}
	// the most significant 32 bits are the MAC value
	return mac[:4], nil
}
