// SPDX-FileCopyrightText: 2021 Open Networking Foundation <info@opennetworking.org>
//
// SPDX-License-Identifier: Apache-2.0
//

package emm

import (
	"bytes"
	"fmt"

	"github.com/omec-project/mme/context"
)

// The authentication common procedure, TS 24.301 5.4.2. The vector comes
// from the context; the S6a fetch that stores it runs in another task and
// must have completed before the attach reaches this point.
func (r *Runtime) StartAuthentication(ue *context.UeContext, ksi uint8,
	success, failure func(*context.UeContext),
) error {
	vector, ok := ue.AuthVector()
	if !ok {
		return fmt.Errorf("no authentication vector available")
	}

	// the new EPS security context gets its own eKSI; KSI 7 in the request
	// only says the UE holds no usable key
	eksi := ksi
	if eksi == context.KsiNoKeyAvailable {
		eksi = 0
	}

	proc := &context.CommonProcedure{
		Kind:         context.CommonProcAuthentication,
		SuccessNotif: success,
		FailureNotif: failure,
		Authentication: &context.AuthenticationProcedure{
			Ksi:  eksi,
			Rand: vector.Rand,
			Autn: vector.Autn,
		},
	}
	proc.AbortNotif = func(u *context.UeContext) {
		u.EmmLog.Warnln("authentication procedure aborted")
	}
	if err := ue.StartCommonProcedure(proc); err != nil {
		return err
	}
	sendFsmEvent(ue, CommonProcedureStartEvent)

	ue.EmmLog.Infof("EMM-PROC authentication KSI %d", ksi)
	if err := r.As.SendAuthenticationRequest(ue, vector.Rand, vector.Autn); err != nil {
		ue.CompleteCommonProcedure(context.CommonProcAuthentication, false)
		return err
	}

	r.startCommonProcTimer(ue, proc, r.Mme.T3460Cfg, "T3460", func(u *context.UeContext) {
		if err := r.As.SendAuthenticationRequest(u, vector.Rand, vector.Autn); err != nil {
			u.EmmLog.Errorf("retransmit authentication request error: %v", err)
		}
	})
	return nil
}

// OnAuthenticationResponse compares the UE's RES against the vector's XRES;
// a match stages the non-current security context the following security
// mode control procedure will activate.
func (r *Runtime) OnAuthenticationResponse(ranID int64, res []byte) error {
	ue, ok := r.Mme.UeContextFindByMmeUeS1apID(ranID)
	if !ok {
		return fmt.Errorf("authentication response for unknown ue_id=%d", ranID)
	}

	ue.Mutex.Lock()
	defer ue.Mutex.Unlock()

	proc := ue.CommonProcedure(context.CommonProcAuthentication)
	if proc == nil {
		ue.EmmLog.Infoln("AUTHENTICATION RESPONSE discarded (procedure not found)")
		return nil
	}

	vector, hasVector := ue.AuthVector()
	if !hasVector || len(res) == 0 || !bytes.Equal(res, vector.Xres) {
		ue.EmmLog.Warnln("authentication failed: RES does not match XRES")
		ue.EmmCause = context.EmmCauseIllegalUe
		return ue.CompleteCommonProcedure(context.CommonProcAuthentication, false)
	}

	sctx := &context.SecurityContext{
		Type: context.KsiNative,
		Eksi: proc.Authentication.Ksi,
	}
	sctx.Kasme = vector.Kasme
	ue.NonCurrentSecurity = sctx

	return ue.CompleteCommonProcedure(context.CommonProcAuthentication, true)
}

// OnAuthenticationFailure handles the UE-side failure report. A synch
// failure would need a fresh vector from the subscriber server; without one
// the attach fails.
func (r *Runtime) OnAuthenticationFailure(ranID int64, cause context.EmmCause) error {
	ue, ok := r.Mme.UeContextFindByMmeUeS1apID(ranID)
	if !ok {
		return fmt.Errorf("authentication failure for unknown ue_id=%d", ranID)
	}

	ue.Mutex.Lock()
	defer ue.Mutex.Unlock()

	proc := ue.CommonProcedure(context.CommonProcAuthentication)
	if proc == nil {
		ue.EmmLog.Infoln("AUTHENTICATION FAILURE discarded (procedure not found)")
		return nil
	}

	switch cause {
	case context.EmmCauseMacFailure, context.EmmCauseSynchFailure:
		ue.EmmLog.Warnf("authentication failure from UE, cause %d", cause)
	default:
		ue.EmmLog.Warnf("unexpected authentication failure cause %d", cause)
	}
	ue.EmmCause = context.EmmCauseIllegalUe
	return ue.CompleteCommonProcedure(context.CommonProcAuthentication, false)
}
