// SPDX-FileCopyrightText: 2021 Open Networking Foundation <info@opennetworking.org>
//
// SPDX-License-Identifier: Apache-2.0
//

package emm

import (
	"fmt"

	"github.com/omec-project/mme/context"
)

// The identification common procedure, TS 24.301 5.4.4. The MME requests a
// mobile identity (IMSI during attach) and completes toward the parent
// procedure when the IDENTITY RESPONSE arrives.
func (r *Runtime) StartIdentification(ue *context.UeContext, identityType uint8,
	isCauseAttach bool, success, failure func(*context.UeContext),
) error {
	proc := &context.CommonProcedure{
		Kind:         context.CommonProcIdentification,
		SuccessNotif: success,
		FailureNotif: failure,
		Identification: &context.IdentificationProcedure{
			IdentityType:  identityType,
			IsCauseAttach: isCauseAttach,
		},
	}
	proc.AbortNotif = func(u *context.UeContext) {
		u.EmmLog.Warnln("identification procedure aborted")
	}
	if err := ue.StartCommonProcedure(proc); err != nil {
		return err
	}
	sendFsmEvent(ue, CommonProcedureStartEvent)

	ue.EmmLog.Infof("EMM-PROC identification, identity type %d", identityType)
	if err := r.As.SendIdentityRequest(ue, identityType); err != nil {
		ue.CompleteCommonProcedure(context.CommonProcIdentification, false)
		return err
	}

	r.startCommonProcTimer(ue, proc, r.Mme.T3470Cfg, "T3470", func(u *context.UeContext) {
		if err := r.As.SendIdentityRequest(u, identityType); err != nil {
			u.EmmLog.Errorf("retransmit identity request error: %v", err)
		}
	})
	return nil
}

// OnIdentityResponse installs the reported IMSI as a valid identity, rekeys
// the index and completes the identification procedure.
func (r *Runtime) OnIdentityResponse(ranID int64, imsi string) error {
	ue, ok := r.Mme.UeContextFindByMmeUeS1apID(ranID)
	if !ok {
		return fmt.Errorf("identity response for unknown ue_id=%d", ranID)
	}

	ue.Mutex.Lock()
	defer ue.Mutex.Unlock()

	proc := ue.CommonProcedure(context.CommonProcIdentification)
	if proc == nil {
		ue.EmmLog.Infoln("IDENTITY RESPONSE discarded (procedure not found)")
		return nil
	}

	if imsi == "" {
		ue.EmmLog.Warnln("IDENTITY RESPONSE without identity")
		return ue.CompleteCommonProcedure(context.CommonProcIdentification, false)
	}

	if cur, hasImsi := ue.Imsi(); !hasImsi || cur != imsi {
		if err := r.Mme.RekeyUeContext(ue, context.UeIndexUpdates{Imsi: &imsi}); err != nil {
			ue.EmmLog.Errorf("imsi rekey failed: %v", err)
			return ue.CompleteCommonProcedure(context.CommonProcIdentification, false)
		}
	}
	ue.SetValidImsi(imsi)

	return ue.CompleteCommonProcedure(context.CommonProcIdentification, true)
}
