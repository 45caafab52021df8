// SPDX-FileCopyrightText: 2021 Open Networking Foundation <info@opennetworking.org>
//
// SPDX-License-Identifier: Apache-2.0
//

package emm

import (
	"fmt"

	"github.com/omec-project/mme/context"
)

// The security mode control common procedure, TS 24.301 5.4.3: select the
// NAS algorithms against the UE capabilities, derive the NAS keys from the
// staged non-current context and take it into use once the UE confirms.
func (r *Runtime) StartSecurityModeControl(ue *context.UeContext, ksi uint8,
	success, failure func(*context.UeContext),
) error {
	sctx := ue.NonCurrentSecurity
	if sctx == nil {
		return fmt.Errorf("no non-current security context staged")
	}

	sctx.Eksi = ksi
	if capOctets, ok := ue.UeNetworkCapability(); ok && len(capOctets) >= 2 {
		sctx.EeaCapability = capOctets[0]
		sctx.EiaCapability = capOctets[1]
	} else if ies := attachIes(ue); ies != nil && len(ies.UeNetworkCapability) >= 2 {
		// capability not yet marked valid on the context before the accept;
		// read it from the frozen request IEs
		sctx.EeaCapability = ies.UeNetworkCapability[0]
		sctx.EiaCapability = ies.UeNetworkCapability[1]
	}

	r.selectSecurityAlgorithms(sctx)
	if err := sctx.DeriveAlgKeys(); err != nil {
		return err
	}

	proc := &context.CommonProcedure{
		Kind:         context.CommonProcSecurityMode,
		SuccessNotif: success,
		FailureNotif: failure,
		SecurityMode: &context.SecurityModeProcedure{Ksi: ksi},
	}
	proc.AbortNotif = func(u *context.UeContext) {
		u.EmmLog.Warnln("security mode control procedure aborted")
		u.ClearNonCurrentSecurityContext()
	}
	if err := ue.StartCommonProcedure(proc); err != nil {
		return err
	}
	sendFsmEvent(ue, CommonProcedureStartEvent)

	ue.EmmLog.Infof("EMM-PROC security mode control, eea 0x%X eia 0x%X",
		sctx.CipheringAlg, sctx.IntegrityAlg)
	if err := r.As.SendSecurityModeCommand(ue, sctx); err != nil {
		ue.CompleteCommonProcedure(context.CommonProcSecurityMode, false)
		return err
	}

	r.startCommonProcTimer(ue, proc, r.Mme.T3460Cfg, "T3460", func(u *context.UeContext) {
		if err := r.As.SendSecurityModeCommand(u, sctx); err != nil {
			u.EmmLog.Errorf("retransmit security mode command error: %v", err)
		}
	})
	return nil
}

// OnSecurityModeComplete promotes the non-current context to current; from
// here every protected downlink message runs on it.
func (r *Runtime) OnSecurityModeComplete(ranID int64) error {
	ue, ok := r.Mme.UeContextFindByMmeUeS1apID(ranID)
	if !ok {
		return fmt.Errorf("security mode complete for unknown ue_id=%d", ranID)
	}

	ue.Mutex.Lock()
	defer ue.Mutex.Unlock()

	proc := ue.CommonProcedure(context.CommonProcSecurityMode)
	if proc == nil {
		ue.EmmLog.Infoln("SECURITY MODE COMPLETE discarded (procedure not found)")
		return nil
	}

	if err := ue.PromoteNonCurrentSecurityContext(); err != nil {
		ue.EmmLog.Errorf("promote security context failed: %v", err)
		return ue.CompleteCommonProcedure(context.CommonProcSecurityMode, false)
	}

	return ue.CompleteCommonProcedure(context.CommonProcSecurityMode, true)
}

func (r *Runtime) OnSecurityModeReject(ranID int64, cause context.EmmCause) error {
	ue, ok := r.Mme.UeContextFindByMmeUeS1apID(ranID)
	if !ok {
		return fmt.Errorf("security mode reject for unknown ue_id=%d", ranID)
	}

	ue.Mutex.Lock()
	defer ue.Mutex.Unlock()

	proc := ue.CommonProcedure(context.CommonProcSecurityMode)
	if proc == nil {
		ue.EmmLog.Infoln("SECURITY MODE REJECT discarded (procedure not found)")
		return nil
	}

	ue.EmmLog.Warnf("security mode control rejected by UE, cause %d", cause)
	ue.EmmCause = context.EmmCauseSecurityModeRejectedUnspecified
	ue.ClearNonCurrentSecurityContext()
	return ue.CompleteCommonProcedure(context.CommonProcSecurityMode, false)
}

// selectSecurityAlgorithms walks the configured preference orders and picks
// the first algorithm of each kind the UE supports; EEA0/EIA0 otherwise.
func (r *Runtime) selectSecurityAlgorithms(sctx *context.SecurityContext) {
	sctx.CipheringAlg = context.AlgCipheringEea0
	sctx.IntegrityAlg = context.AlgIntegrityEia0

	for _, alg := range r.Mme.SecurityAlgorithm.IntegrityOrder {
		if sctx.EiaCapability&(0x80>>alg) != 0 {
			sctx.IntegrityAlg = alg
			break
		}
	}
	for _, alg := range r.Mme.SecurityAlgorithm.CipheringOrder {
		if sctx.EeaCapability&(0x80>>alg) != 0 {
			sctx.CipheringAlg = alg
			break
		}
	}
}

func attachIes(ue *context.UeContext) *context.AttachRequestIEs {
	if proc := ue.AttachProcedure(); proc != nil {
		return proc.Ies
	}
	return nil
}
