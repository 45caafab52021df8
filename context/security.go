// SPDX-FileCopyrightText: 2021 Open Networking Foundation <info@opennetworking.org>
// Copyright 2019 free5GC.org
//
// SPDX-License-Identifier: Apache-2.0
//

package context

import (
	"fmt"

	"github.com/omec-project/nas/security"
	"github.com/omec-project/util/ueauth"
)

// Type of the security context, TS 24.301 9.9.3.21
type KsiType uint8

const (
	KsiNotAvailable KsiType = iota
	KsiNative
	KsiMapped
)

const KsiNoKeyAvailable uint8 = 7

// NAS security algorithm identifiers, TS 33.401. The 128-EEA/EIA algorithm
// cores are the ones the nas/security package implements.
const (
	AlgCipheringEea0 uint8 = security.AlgCiphering128NEA0
	AlgCipheringEea1 uint8 = security.AlgCiphering128NEA1
	AlgCipheringEea2 uint8 = security.AlgCiphering128NEA2
	AlgCipheringEea3 uint8 = security.AlgCiphering128NEA3

	AlgIntegrityEia0 uint8 = security.AlgIntegrity128NIA0
	AlgIntegrityEia1 uint8 = security.AlgIntegrity128NIA1
	AlgIntegrityEia2 uint8 = security.AlgIntegrity128NIA2
	AlgIntegrityEia3 uint8 = security.AlgIntegrity128NIA3
)

// TS 33.401 A.7: KDF input parameters for NAS algorithm key derivation
const (
	fcForNasAlgorithmKeyDerivation = "15"

	algTypeDistNasEnc uint8 = 0x01
	algTypeDistNasInt uint8 = 0x02
)

// EPS authentication vector for the in-flight authentication procedure. The
// S6a fetch that fills it runs in another task.
type AuthVector struct {
	Rand  [16]byte
	Autn  [16]byte
	Xres  []byte
	Kasme [32]byte
}

// SecurityContext is an EPS NAS security context, TS 33.401 6.1.1. The
// Activated bit is raised only once a SECURITY MODE COMPLETE has been
// accepted for this context.
type SecurityContext struct {
	Type KsiType
	Eksi uint8

	Kasme   [32]byte
	KnasEnc [16]byte
	KnasInt [16]byte

	ULCount security.Count
	DLCount security.Count

	CipheringAlg uint8
	IntegrityAlg uint8

	// replayed UE security capabilities, one supported-algorithm bit per
	// algorithm identifier (bit 7-i for algorithm i)
	EeaCapability uint8
	EiaCapability uint8

	Activated bool
}

// DeriveAlgKeys fills KNASenc and KNASint from KASME and the selected
// algorithms, TS 33.401 A.7.
func (sc *SecurityContext) DeriveAlgKeys() error {
	P0 := []byte{algTypeDistNasEnc}
	L0 := ueauth.KDFLen(P0)
	P1 := []byte{sc.CipheringAlg}
	L1 := ueauth.KDFLen(P1)

	kenc, err := ueauth.GetKDFValue(sc.Kasme[:], fcForNasAlgorithmKeyDerivation, P0, L0, P1, L1)
	if err != nil {
		return fmt.Errorf("KNASenc derivation failed: %w", err)
	}
	copy(sc.KnasEnc[:], kenc[16:32])

	P0 = []byte{algTypeDistNasInt}
	L0 = ueauth.KDFLen(P0)
	P1 = []byte{sc.IntegrityAlg}
	L1 = ueauth.KDFLen(P1)

	kint, err := ueauth.GetKDFValue(sc.Kasme[:], fcForNasAlgorithmKeyDerivation, P0, L0, P1, L1)
	if err != nil {
		return fmt.Errorf("KNASint derivation failed: %w", err)
	}
	copy(sc.KnasInt[:], kint[16:32])

	return nil
}

// SupportsAlgorithms reports whether the replayed UE capability bitmaps carry
// the given ciphering and integrity algorithm identifiers.
func (sc *SecurityContext) SupportsAlgorithms(cipheringAlg, integrityAlg uint8) bool {
	return sc.EeaCapability&(0x80>>cipheringAlg) != 0 &&
		sc.EiaCapability&(0x80>>integrityAlg) != 0
}
