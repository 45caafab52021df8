// SPDX-FileCopyrightText: 2022-present Intel Corporation
// SPDX-FileCopyrightText: 2021 Open Networking Foundation <info@opennetworking.org>
// Copyright 2019 free5GC.org
//
// SPDX-License-Identifier: Apache-2.0
//

package context

import (
	"fmt"
	"sync"

	"github.com/omec-project/util/fsm"
	"github.com/sirupsen/logrus"

	"github.com/omec-project/mme/logger"
)

// EMM state for UE, TS 24.301 5.1.3.4
const (
	Deregistered             fsm.StateType = "Deregistered"
	CommonProcedureInitiated fsm.StateType = "CommonProcedureInitiated"
	RegisteredInitiated      fsm.StateType = "RegisteredInitiated"
	Registered               fsm.StateType = "Registered"
	DeregisteredInitiated    fsm.StateType = "DeregisteredInitiated"
)

// ctxAttr identifies one per-UE attribute in the presence and validity
// bitmasks. An attribute may be present without being valid; a valid
// attribute is always present.
type ctxAttr uint32

const (
	attrImsi ctxAttr = 1 << iota
	attrImei
	attrGuti
	attrOldGuti
	attrTaiList
	attrLvrTai
	attrUeNetworkCapability
	attrMsNetworkCapability
	attrDrxParameter
	attrAuthVector
)

type UeContext struct {
	// Serializes all EMM processing for this UE; taken by the dispatcher
	// before any handler runs and released after it returns.
	Mutex sync.Mutex `json:"-"`

	ServingMme *MMEContext `json:"-"` // never nil

	/* Emm State */
	State *fsm.State `json:"-"`

	/* Ue Identity */
	MmeUeS1apID int64    `json:"mmeUeS1apId,omitempty"`
	EnbKey      EnbUeKey `json:"enbKey,omitempty"`

	imsi    string
	imei    string
	guti    Guti
	oldGuti Guti

	/* Registration area */
	taiList                  []Tai
	OriginatingTai           Tai `json:"originatingTai,omitempty"`
	lastVisitedRegisteredTai Tai
	OriginatingEcgi          Ecgi `json:"originatingEcgi,omitempty"`

	/* Radio capabilities, kept as the octets the UE sent */
	ueNetworkCapability []byte
	msNetworkCapability []byte
	drxParameter        []byte

	present ctxAttr
	valid   ctxAttr

	/* Security context */
	Ksi                uint8            `json:"ksi,omitempty"`
	SecurityContext    *SecurityContext `json:"-"`
	NonCurrentSecurity *SecurityContext `json:"-"`
	authVector         AuthVector

	/* Procedure tree, the specific procedure root and its common children */
	Procedures EmmProcedures `json:"-"`

	NumAttachRequest int `json:"numAttachRequest,omitempty"`

	IsDynamic   bool `json:"isDynamic,omitempty"`
	IsAttached  bool `json:"isAttached,omitempty"`
	IsEmergency bool `json:"isEmergency,omitempty"`
	GutiIsNew   bool `json:"gutiIsNew,omitempty"`

	EmmCause EmmCause `json:"-"`

	/* logger */
	EmmLog *logrus.Entry `json:"-"`
	NASLog *logrus.Entry `json:"-"`
}

func (ue *UeContext) init() {
	ue.ServingMme = MME_Self()
	ue.State = fsm.NewState(Deregistered)
	ue.IsDynamic = true
	ue.Procedures.init()
	ue.EmmLog = logger.EmmLog.WithField(logger.FieldMmeUeS1apID, fmt.Sprintf("MME_UE_S1AP_ID:%d", ue.MmeUeS1apID))
	ue.NASLog = logger.NasLog.WithField(logger.FieldMmeUeS1apID, fmt.Sprintf("MME_UE_S1AP_ID:%d", ue.MmeUeS1apID))
}

// SetMmeUeS1apID installs the MME assigned UE id and rebinds the per-UE log
// entries to it.
func (ue *UeContext) SetMmeUeS1apID(id int64) {
	ue.MmeUeS1apID = id
	ue.EmmLog = logger.EmmLog.WithField(logger.FieldMmeUeS1apID, fmt.Sprintf("MME_UE_S1AP_ID:%d", id))
	ue.NASLog = logger.NasLog.WithField(logger.FieldMmeUeS1apID, fmt.Sprintf("MME_UE_S1AP_ID:%d", id))
}

func (ue *UeContext) isPresent(a ctxAttr) bool { return ue.present&a != 0 }
func (ue *UeContext) isValid(a ctxAttr) bool   { return ue.valid&a != 0 }

func (ue *UeContext) setPresent(a ctxAttr) { ue.present |= a }

func (ue *UeContext) setValid(a ctxAttr) {
	ue.present |= a
	ue.valid |= a
}

func (ue *UeContext) clear(a ctxAttr) {
	ue.present &^= a
	ue.valid &^= a
}

/* IMSI */

func (ue *UeContext) SetImsi(imsi string) {
	ue.imsi = imsi
	ue.setPresent(attrImsi)
}

func (ue *UeContext) SetValidImsi(imsi string) {
	ue.imsi = imsi
	ue.setValid(attrImsi)
}

func (ue *UeContext) ClearImsi() {
	ue.imsi = ""
	ue.clear(attrImsi)
}

func (ue *UeContext) Imsi() (string, bool) {
	return ue.imsi, ue.isPresent(attrImsi)
}

func (ue *UeContext) ValidImsi() (string, bool) {
	return ue.imsi, ue.isValid(attrImsi)
}

/* IMEI */

func (ue *UeContext) SetValidImei(imei string) {
	ue.imei = imei
	ue.setValid(attrImei)
}

func (ue *UeContext) ClearImei() {
	ue.imei = ""
	ue.clear(attrImei)
}

func (ue *UeContext) Imei() (string, bool) {
	return ue.imei, ue.isPresent(attrImei)
}

func (ue *UeContext) ValidImei() (string, bool) {
	return ue.imei, ue.isValid(attrImei)
}

/* GUTI */

func (ue *UeContext) SetGuti(guti Guti) {
	ue.guti = guti
	ue.setPresent(attrGuti)
	ue.valid &^= attrGuti
}

func (ue *UeContext) SetValidGuti(guti Guti) {
	ue.guti = guti
	ue.setValid(attrGuti)
}

func (ue *UeContext) ClearGuti() {
	ue.guti = Guti{}
	ue.GutiIsNew = false
	ue.clear(attrGuti)
}

func (ue *UeContext) Guti() (Guti, bool) {
	return ue.guti, ue.isPresent(attrGuti)
}

func (ue *UeContext) ValidGuti() (Guti, bool) {
	return ue.guti, ue.isValid(attrGuti)
}

func (ue *UeContext) SetOldGuti(guti Guti) {
	ue.oldGuti = guti
	ue.setPresent(attrOldGuti)
}

func (ue *UeContext) ClearOldGuti() {
	ue.oldGuti = Guti{}
	ue.clear(attrOldGuti)
}

func (ue *UeContext) OldGuti() (Guti, bool) {
	return ue.oldGuti, ue.isPresent(attrOldGuti)
}

/* Tracking areas */

func (ue *UeContext) SetValidTaiList(taiList []Tai) {
	ue.taiList = taiList
	ue.setValid(attrTaiList)
}

func (ue *UeContext) TaiList() ([]Tai, bool) {
	return ue.taiList, ue.isValid(attrTaiList)
}

func (ue *UeContext) SetValidLvrTai(tai Tai) {
	ue.lastVisitedRegisteredTai = tai
	ue.setValid(attrLvrTai)
}

func (ue *UeContext) ClearLvrTai() {
	ue.lastVisitedRegisteredTai = Tai{}
	ue.clear(attrLvrTai)
}

func (ue *UeContext) LvrTai() (Tai, bool) {
	return ue.lastVisitedRegisteredTai, ue.isValid(attrLvrTai)
}

/* Capabilities */

func (ue *UeContext) SetValidUeNetworkCapability(cap []byte) {
	ue.ueNetworkCapability = cap
	ue.setValid(attrUeNetworkCapability)
}

func (ue *UeContext) UeNetworkCapability() ([]byte, bool) {
	return ue.ueNetworkCapability, ue.isValid(attrUeNetworkCapability)
}

func (ue *UeContext) SetValidMsNetworkCapability(cap []byte) {
	ue.msNetworkCapability = cap
	ue.setValid(attrMsNetworkCapability)
}

func (ue *UeContext) ClearMsNetworkCapability() {
	ue.msNetworkCapability = nil
	ue.clear(attrMsNetworkCapability)
}

func (ue *UeContext) MsNetworkCapability() ([]byte, bool) {
	return ue.msNetworkCapability, ue.isValid(attrMsNetworkCapability)
}

func (ue *UeContext) SetValidDrxParameter(drx []byte) {
	ue.drxParameter = drx
	ue.setValid(attrDrxParameter)
}

func (ue *UeContext) DrxParameter() ([]byte, bool) {
	return ue.drxParameter, ue.isValid(attrDrxParameter)
}

/* Authentication vector */

func (ue *UeContext) SetAuthVector(vector AuthVector) {
	ue.authVector = vector
	ue.setPresent(attrAuthVector)
}

func (ue *UeContext) AuthVector() (AuthVector, bool) {
	return ue.authVector, ue.isPresent(attrAuthVector)
}

func (ue *UeContext) ClearAuthVector() {
	ue.authVector = AuthVector{}
	ue.clear(attrAuthVector)
}

/* Security context */

func (ue *UeContext) ClearSecurityContext() {
	ue.SecurityContext = nil
}

func (ue *UeContext) ClearNonCurrentSecurityContext() {
	ue.NonCurrentSecurity = nil
}

// PromoteNonCurrentSecurityContext makes the non-current context the current
// one; called when a SECURITY MODE COMPLETE has been accepted.
func (ue *UeContext) PromoteNonCurrentSecurityContext() error {
	if ue.NonCurrentSecurity == nil {
		return fmt.Errorf("no non-current security context to promote")
	}
	ue.SecurityContext = ue.NonCurrentSecurity
	ue.SecurityContext.Activated = true
	ue.NonCurrentSecurity = nil
	return nil
}

func (ue *UeContext) SecurityContextIsValid() bool {
	return ue.SecurityContext != nil &&
		ue.SecurityContext.Eksi != KsiNoKeyAvailable &&
		ue.SecurityContext.Activated
}

// BumpDownlinkCount advances the DL NAS count; exactly one call per emitted
// NAS message that is ciphered or integrity protected.
func (ue *UeContext) BumpDownlinkCount() {
	if ue.SecurityContext != nil {
		ue.SecurityContext.DLCount.AddOne()
	}
}

// identifiers returns every identifier the context is currently reachable by.
func (ue *UeContext) identifiers() (ids []string) {
	if ue.MmeUeS1apID != InvalidMmeUeS1apID {
		ids = append(ids, fmt.Sprintf("mme-ue-s1ap-id:%d", ue.MmeUeS1apID))
	}
	if imsi, ok := ue.Imsi(); ok {
		ids = append(ids, "imsi:"+imsi)
	}
	if guti, ok := ue.Guti(); ok {
		ids = append(ids, fmt.Sprintf("guti:%+v", guti))
	}
	return ids
}

// ClearAttachData drops the transient state a finished or aborted attach
// leaves behind; identifiers and the security context survive.
func (ue *UeContext) ClearAttachData() {
	ue.NumAttachRequest = 0
	ue.EmmCause = EmmCauseSuccess
}

// ClearEmmContext wipes identity, security material and every running
// procedure; used when a collision requires the context to be rebuilt.
func (ue *UeContext) ClearEmmContext() {
	ue.Procedures.abortAll(ue)
	ue.ClearOldGuti()
	ue.ClearGuti()
	ue.ClearImsi()
	ue.ClearImei()
	ue.ClearAuthVector()
	ue.ClearSecurityContext()
	ue.ClearNonCurrentSecurityContext()
	ue.IsAttached = false
	ue.State.Set(Deregistered)
}
