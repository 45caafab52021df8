// SPDX-FileCopyrightText: 2021 Open Networking Foundation <info@opennetworking.org>
//
// SPDX-License-Identifier: Apache-2.0
//

package emm

import (
	"fmt"
	"time"

	"github.com/omec-project/mme/context"
	"github.com/omec-project/mme/logger"
	"github.com/omec-project/mme/metrics"
)

// Runtime couples the EMM layer to everything below and beside it: the MME
// context, the access layer the EMMAS primitives downcall into, and the ESM
// sublayer. One Runtime serves all UEs; per-UE serialization comes from the
// context mutex taken at every entry point.
type Runtime struct {
	Mme *context.MMEContext
	As  AccessLayer
	Esm EsmSap
}

func NewRuntime(mme *context.MMEContext, as AccessLayer, esm EsmSap) *Runtime {
	return &Runtime{Mme: mme, As: as, Esm: esm}
}

// AccessLayer is the downlink surface toward the radio side. The NAS wire
// codec lives behind it; the EMM layer hands over IE values and opaque ESM
// octets only.
type AccessLayer interface {
	EstablishCnf(ue *context.UeContext, est *AsEstablish) error
	EstablishRej(ue *context.UeContext, est *AsEstablish) error

	SendIdentityRequest(ue *context.UeContext, identityType uint8) error
	SendAuthenticationRequest(ue *context.UeContext, rand, autn [16]byte) error
	SendSecurityModeCommand(ue *context.UeContext, sctx *context.SecurityContext) error

	// NotifyNewRanID reports the MME assigned UE id for an eNB association
	// that arrived without one.
	NotifyNewRanID(enbKey context.EnbUeKey, mmeUeS1apID int64)
}

// EsmSap is the EPS session management collaborator.
type EsmSap interface {
	Send(primitive SapPrimitive, ue *context.UeContext, msg []byte) EsmResult
}

type EsmErr int

const (
	EsmSapSuccess EsmErr = iota
	EsmSapDiscarded
	EsmSapFailed
)

type EsmResult struct {
	Err   EsmErr
	Reply []byte
}

type SapPrimitive int

const (
	EmmRegAttachCnf SapPrimitive = iota
	EmmRegAttachRej
	EmmRegAttachAbort
	EmmRegCommonProcAbort
	EmmAsEstablishCnf
	EmmAsEstablishRej
	EsmUnitdataInd
	EsmDefaultEpsBearerContextActivateCnf
	EsmPdnConnectivityRej
)

func (p SapPrimitive) String() string {
	switch p {
	case EmmRegAttachCnf:
		return "EMMREG_ATTACH_CNF"
	case EmmRegAttachRej:
		return "EMMREG_ATTACH_REJ"
	case EmmRegAttachAbort:
		return "EMMREG_ATTACH_ABORT"
	case EmmRegCommonProcAbort:
		return "EMMREG_COMMON_PROC_ABORT"
	case EmmAsEstablishCnf:
		return "EMMAS_ESTABLISH_CNF"
	case EmmAsEstablishRej:
		return "EMMAS_ESTABLISH_REJ"
	case EsmUnitdataInd:
		return "ESM_UNITDATA_IND"
	case EsmDefaultEpsBearerContextActivateCnf:
		return "ESM_DEFAULT_EPS_BEARER_CONTEXT_ACTIVATE_CNF"
	case EsmPdnConnectivityRej:
		return "ESM_PDN_CONNECTIVITY_REJ"
	}
	return fmt.Sprintf("SapPrimitive(%d)", int(p))
}

// AsEstablish carries the EMMAS ESTABLISH_CNF/REJ payload toward the access
// layer; fields mirror what an ATTACH ACCEPT or ATTACH REJECT needs.
type AsEstablish struct {
	UeID int64

	Guti    *context.Guti
	NewGuti *context.Guti

	TaiList                  []context.Tai
	EpsNetworkFeatureSupport uint8

	SecurityCtx *context.SecurityContext
	Encryption  uint8
	Integrity   uint8

	// embedded ESM message octets: activate default bearer request on the
	// CNF path, the staged ESM reject on the REJ path
	NasMsg []byte

	T3402 time.Duration

	EmmCause context.EmmCause
}

// Sap is the tagged primitive handed to the dispatcher.
type Sap struct {
	Primitive SapPrimitive
	Ue        *context.UeContext

	EmmReg EmmRegSap
	EmmAs  EmmAsSap
	Esm    EsmSapMsg

	// filled by the dispatcher for the ESM family
	EsmResult EsmResult
}

type EmmRegSap struct {
	Notify     bool
	FreeProc   bool
	CommonKind context.CommonProcKind
}

type EmmAsSap struct {
	Establish *AsEstablish
}

type EsmSapMsg struct {
	Msg []byte
}

// SapSend is the single dispatcher entry point; the caller holds the UE
// mutex. EMMREG primitives drive the procedure continuations, EMMAS
// primitives downcall into the access layer, ESM primitives downcall into
// the session management sublayer.
func (r *Runtime) SapSend(sap *Sap) error {
	ue := sap.Ue
	if ue == nil {
		return fmt.Errorf("%s without UE context", sap.Primitive)
	}
	logger.SapLog.Debugf("dispatch %s (ue_id=%d)", sap.Primitive, ue.MmeUeS1apID)

	switch sap.Primitive {
	case EmmRegAttachCnf:
		return r.regAttachCnf(ue, sap.EmmReg)
	case EmmRegAttachRej:
		return r.regAttachRej(ue, sap.EmmReg)
	case EmmRegAttachAbort:
		return r.regAttachAbort(ue, sap.EmmReg)
	case EmmRegCommonProcAbort:
		ue.AbortCommonProcedure(sap.EmmReg.CommonKind)
		return nil
	case EmmAsEstablishCnf:
		return r.asEstablish(ue, sap.EmmAs.Establish, true)
	case EmmAsEstablishRej:
		return r.asEstablish(ue, sap.EmmAs.Establish, false)
	case EsmUnitdataInd, EsmDefaultEpsBearerContextActivateCnf, EsmPdnConnectivityRej:
		sap.EsmResult = r.Esm.Send(sap.Primitive, ue, sap.Esm.Msg)
		return nil
	}
	return fmt.Errorf("unknown EMM-SAP primitive %d", int(sap.Primitive))
}

// esmSend is the ESM downcall shorthand used by the attach machinery.
func (r *Runtime) esmSend(primitive SapPrimitive, ue *context.UeContext, msg []byte) EsmResult {
	sap := Sap{Primitive: primitive, Ue: ue, Esm: EsmSapMsg{Msg: msg}}
	if err := r.SapSend(&sap); err != nil {
		ue.EmmLog.Errorf("%s dispatch failed: %v", primitive, err)
		return EsmResult{Err: EsmSapFailed}
	}
	return sap.EsmResult
}

func (r *Runtime) regAttachCnf(ue *context.UeContext, reg EmmRegSap) error {
	metrics.IncrementAttachStats(metrics.AttachComplete)
	if reg.FreeProc {
		ue.DeleteSpecificProcedure()
	}
	sendFsmEvent(ue, AttachSuccessEvent)
	return nil
}

func (r *Runtime) regAttachRej(ue *context.UeContext, reg EmmRegSap) error {
	return r.attachRejectInternal(ue, reg, true)
}

// release is false on the abort path: an aborted attach may be restarted on
// the same context right away, so the context stays in the index.
func (r *Runtime) attachRejectInternal(ue *context.UeContext, reg EmmRegSap, release bool) error {
	cause := context.EmmCauseIllegalUe
	var esmMsg []byte
	if proc := ue.AttachProcedure(); proc != nil {
		if proc.EmmCause != context.EmmCauseSuccess {
			cause = proc.EmmCause
		}
		esmMsg = proc.EsmMsgOut
		proc.RejectSent = true
	} else if ue.EmmCause != context.EmmCauseSuccess {
		cause = ue.EmmCause
	}

	err := r.emitAttachReject(ue, cause, esmMsg)

	if reg.FreeProc {
		ue.DeleteSpecificProcedure()
	}
	sendFsmEvent(ue, AttachFailureEvent)

	// a dynamic context that never reached REGISTERED is purged from the
	// index, whether or not the reject made it out
	if release && ue.IsDynamic && !ue.IsAttached {
		r.Mme.RemoveUeContext(ue)
	}
	return err
}

// emitAttachReject sends EMMAS_ESTABLISH_REJ; an ESM_FAILURE reject carries
// the staged ESM reply, any other cause carries none.
func (r *Runtime) emitAttachReject(ue *context.UeContext, cause context.EmmCause, esmMsg []byte) error {
	ue.EmmLog.Warnf("EMM attach procedure not accepted by the network (cause=%d)", cause)

	est := AsEstablish{
		UeID:        ue.MmeUeS1apID,
		EmmCause:    cause,
		SecurityCtx: ue.SecurityContext,
	}
	if cause == context.EmmCauseEsmFailure {
		if esmMsg == nil {
			return fmt.Errorf("attach reject with ESM_FAILURE but no ESM message staged")
		}
		est.NasMsg = esmMsg
	}
	metrics.IncrementAttachStats(metrics.AttachReject)
	return r.SapSend(&Sap{Primitive: EmmAsEstablishRej, Ue: ue, EmmAs: EmmAsSap{Establish: &est}})
}

// regAttachAbort tears down the running attach: T3450 stops, ESM learns that
// PDN connectivity was locally refused, then the reject path runs and the
// procedure is freed.
func (r *Runtime) regAttachAbort(ue *context.UeContext, reg EmmRegSap) error {
	proc := ue.AttachProcedure()
	if proc == nil {
		return nil
	}
	ue.EmmLog.Warnf("abort the attach procedure (ue_id=%d)", ue.MmeUeS1apID)

	proc.T3450.Stop()
	proc.T3450 = nil

	r.esmSend(EsmPdnConnectivityRej, ue, nil)

	return r.attachRejectInternal(ue, EmmRegSap{Notify: reg.Notify, FreeProc: true}, false)
}

func (r *Runtime) asEstablish(ue *context.UeContext, est *AsEstablish, cnf bool) error {
	if est == nil {
		return fmt.Errorf("EMMAS establish without payload")
	}
	var err error
	if cnf {
		err = r.As.EstablishCnf(ue, est)
	} else {
		err = r.As.EstablishRej(ue, est)
	}
	if err != nil {
		return err
	}
	// one protected downlink NAS message went out
	if est.SecurityCtx != nil {
		ue.BumpDownlinkCount()
	}
	return nil
}
