// SPDX-FileCopyrightText: 2021 Open Networking Foundation <info@opennetworking.org>
// Copyright 2019 free5GC.org
//
// SPDX-License-Identifier: Apache-2.0
//

package nas_security

import (
	"bytes"
	"fmt"

	"github.com/omec-project/nas/security"

	"github.com/omec-project/mme/context"
	"github.com/omec-project/mme/logger"
)

// TS 24.301 9.2/9.3.1: protocol discriminator and security header types of
// the outer security protected NAS message. The inner message stays opaque
// here; building it is the codec's job.
const (
	epdEpsMobilityManagement uint8 = 0x07

	SecurityHeaderTypePlainNas                                     uint8 = 0x00
	SecurityHeaderTypeIntegrityProtected                           uint8 = 0x01
	SecurityHeaderTypeIntegrityProtectedAndCiphered                uint8 = 0x02
	SecurityHeaderTypeIntegrityProtectedWithNewEpsSecurityContext  uint8 = 0x03
	SecurityHeaderTypeIntegrityProtectedAndCipheredWithNewEpsSecurityContext uint8 = 0x04
)

// Encode wraps an already encoded plain NAS payload into a security protected
// NAS message using the UE's current security context. The DL count is
// advanced by the EMM-SAP dispatcher, exactly once per emitted protected
// message, not here. Without a security context the payload goes out as-is.
func Encode(ue *context.UeContext, payload []byte, securityHeaderType uint8) ([]byte, error) {
	if ue == nil {
		return nil, fmt.Errorf("ue context is nil")
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("nas payload is empty")
	}

	sctx := ue.SecurityContext
	if sctx == nil || securityHeaderType == SecurityHeaderTypePlainNas {
		return payload, nil
	}

	needCiphering := false
	switch securityHeaderType {
	case SecurityHeaderTypeIntegrityProtected:
	case SecurityHeaderTypeIntegrityProtectedAndCiphered:
		needCiphering = true
	case SecurityHeaderTypeIntegrityProtectedWithNewEpsSecurityContext:
		sctx.ULCount.Set(0, 0)
		sctx.DLCount.Set(0, 0)
	default:
		return nil, fmt.Errorf("wrong security header type: 0x%0x", securityHeaderType)
	}

	msg := make([]byte, len(payload))
	copy(msg, payload)

	if needCiphering {
		if err := security.NASEncrypt(sctx.CipheringAlg, sctx.KnasEnc, sctx.DLCount.Get(),
			security.Bearer3GPP, security.DirectionDownlink, msg); err != nil {
			return nil, fmt.Errorf("encrypt error: %w", err)
		}
	}

	// sequence number ahead of the (possibly ciphered) payload
	msg = append([]byte{sctx.DLCount.SQN()}, msg...)

	mac, err := NasMacCalculateByAesCmac(sctx.KnasInt, sctx.DLCount.Get(),
		security.Bearer3GPP, security.DirectionDownlink, msg)
	if err != nil {
		return nil, fmt.Errorf("MAC calculate error: %w", err)
	}
	msg = append(mac, msg...)

	msg = append([]byte{epdEpsMobilityManagement | securityHeaderType<<4}, msg...)
	return msg, nil
}

// VerifyIntegrity checks the MAC of an uplink security protected NAS message
// against the UE's current security context and advances the UL count. The
// caller strips the outer header before handing the inner payload to the
// codec.
func VerifyIntegrity(ue *context.UeContext, payload []byte) (macMatched bool, err error) {
	sctx := ue.SecurityContext
	if sctx == nil {
		return false, fmt.Errorf("no security context")
	}
	if len(payload) < 7 {
		return false, fmt.Errorf("nas payload too short for a protected message")
	}

	// octet 0 header, octets 1-4 MAC, octet 5 sequence number
	receivedMac := payload[1:5]
	sequenceNumber := payload[5]
	msg := payload[5:]

	if sctx.ULCount.SQN() > sequenceNumber {
		logger.NasLog.Debugln("set ULCount overflow")
		sctx.ULCount.SetOverflow(sctx.ULCount.Overflow() + 1)
	}
	sctx.ULCount.SetSQN(sequenceNumber)

	mac, err := NasMacCalculateByAesCmac(sctx.KnasInt, sctx.ULCount.Get(),
		security.Bearer3GPP, security.DirectionUplink, msg)
	if err != nil {
		return false, fmt.Errorf("MAC calculate error: %w", err)
	}

	if !bytes.Equal(mac, receivedMac) {
		logger.NasLog.Warnf("NAS MAC verification failed (received: 0x%08x, expected: 0x%08x)",
			receivedMac, mac)
		return false, nil
	}
	return true, nil
}
