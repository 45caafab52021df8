// SPDX-FileCopyrightText: 2021 Open Networking Foundation <info@opennetworking.org>
//
// SPDX-License-Identifier: Apache-2.0
//

package emm

import (
	"bytes"
	"fmt"
	"time"

	"github.com/mohae/deepcopy"

	"github.com/omec-project/mme/context"
	"github.com/omec-project/mme/logger"
	"github.com/omec-project/mme/metrics"
)

// The UE requested attach procedure, TS 24.301 5.5.1.2. The network may run
// the identification, authentication and security mode control common
// procedures during the attach, depending on what the ATTACH REQUEST carried
// (IMSI, GUTI, KSI).
func (r *Runtime) OnAttachRequest(enbKey context.EnbUeKey, ranID int64,
	ies *context.AttachRequestIEs,
) error {
	mme := r.Mme
	metrics.IncrementAttachStats(metrics.AttachRequest)

	ue, duplicateEnbContextDetected, err := r.resolveAttachContext(enbKey, &ranID, ies)
	if err != nil {
		return err
	}

	ue.EmmLog.Infof("EMM-PROC attach - EPS attach type = %s (%d) initial %v (ue_id=%d)",
		ies.Type, ies.Type, ies.IsInitial, ranID)

	if duplicateEnbContextDetected && ies.IsInitial {
		// the fresh context created for this association loses
		ue = mme.DuplicateEnbUeS1apIDDetected(enbKey, ue.MmeUeS1apID, context.RemoveNewContext)
		duplicateEnbContextDetected = false
		if ue == nil {
			return fmt.Errorf("duplicate resolution lost the UE context (enb key %+v)", enbKey)
		}
	}

	ue.Mutex.Lock()
	lockedUe := ue
	defer func() { lockedUe.Mutex.Unlock() }()

	// swapUe moves the per-context lock over when duplicate resolution
	// hands back a different surviving context
	swapUe := func(survivor *context.UeContext) {
		if survivor == nil || survivor == ue {
			return
		}
		survivor.Mutex.Lock()
		lockedUe.Mutex.Unlock()
		lockedUe = survivor
		ue = survivor
	}

	// Requirement MME24.301R10_5.5.1.1_1: an MME not configured for
	// emergency bearer services rejects any EPS emergency attach.
	if ies.Type == context.AttachTypeEmergency &&
		mme.EpsNetworkFeatureSupport&context.EpsNetworkFeatureSupportEmergencyBearerServices == 0 {
		ue.EmmLog.Warnln("EPS emergency attach not supported")
		if err := r.emitAttachReject(ue, context.EmmCauseImeiNotAccepted, nil); err != nil {
			return err
		}
		if ue.IsDynamic && !ue.IsAttached {
			mme.RemoveUeContext(ue)
		}
		return nil
	}

	if ue.IsCommonProcedureRunning(context.CommonProcGutiRealloc) {
		// R10 5.4.1.6 c
		ue.ClearEmmContext()
	}

	if ue.IsCommonProcedureRunning(context.CommonProcSecurityMode) {
		// R10 5.4.3.7 c
		if err := r.SapSend(&Sap{
			Primitive: EmmRegCommonProcAbort,
			Ue:        ue,
			EmmReg:    EmmRegSap{FreeProc: true, CommonKind: context.CommonProcSecurityMode},
		}); err != nil {
			ue.EmmLog.Errorf("abort security mode control error: %v", err)
		}
	}

	// procedureCreated guards the abnormal case checks below: they compare
	// against a procedure left over from a previous request, never against
	// one this very request just created
	procedureCreated := false

	if identProc := ue.CommonProcedure(context.CommonProcIdentification); identProc != nil {
		attachProc := ue.AttachProcedure()
		if attachProc == nil {
			// R10 5.4.4.6 c
			r.createAttachProcedure(ue, ies)
			procedureCreated = true
		} else if attachProc.AcceptSent || attachProc.RejectSent {
			// R10 5.4.4.6 c, continue
		} else if identProc.Identification.IsCauseAttach {
			// R10 5.4.4.6 d
			if r.attachIesHaveChanged(ue.MmeUeS1apID, ies, attachProc.Ies) {
				if err := r.SapSend(&Sap{
					Primitive: EmmRegAttachAbort,
					Ue:        ue,
					EmmReg:    EmmRegSap{Notify: true, FreeProc: true},
				}); err != nil {
					ue.EmmLog.Errorf("abort attach error: %v", err)
				}
				r.createAttachProcedure(ue, ies)
				procedureCreated = true
			} else {
				// do not treat this new ATTACH REQUEST any further
				return nil
			}
		}
	}

	if attachProc := ue.AttachProcedure(); attachProc != nil && !procedureCreated {
		if attachProc.AcceptSent && !attachProc.CompleteReceived {
			ue.NumAttachRequest++
			// abnormal case d: ACCEPT sent, COMPLETE outstanding
			if r.attachIesHaveChanged(ue.MmeUeS1apID, ies, attachProc.Ies) {
				// R10 5.5.1.2.7 d.1: abort and progress the new attach
				if err := r.SapSend(&Sap{
					Primitive: EmmRegAttachAbort,
					Ue:        ue,
					EmmReg:    EmmRegSap{Notify: true, FreeProc: true},
				}); err != nil {
					ue.EmmLog.Errorf("abort attach error: %v", err)
				}
				if duplicateEnbContextDetected {
					swapUe(mme.DuplicateEnbUeS1apIDDetected(enbKey, ue.MmeUeS1apID, context.RemoveOldContext))
					duplicateEnbContextDetected = false
				}
				r.createAttachProcedure(ue, ies)
			} else {
				// R10 5.5.1.2.7 d.2: identical IEs, re-send the ACCEPT and
				// restart T3450 without touching the retransmission counter
				attachProc.T3450.Stop()
				attachProc.T3450 = nil
				if err := r.sendAttachAccept(ue); err != nil {
					ue.EmmLog.Errorf("re-send attach accept error: %v", err)
				}
				return nil
			}
		} else if !attachProc.AcceptSent && ue.NumAttachRequest >= 1 {
			// abnormal case e: repeated request before any answer
			if r.attachIesHaveChanged(ue.MmeUeS1apID, ies, attachProc.Ies) {
				// R10 5.5.1.2.7 e.1
				if err := r.SapSend(&Sap{
					Primitive: EmmRegAttachAbort,
					Ue:        ue,
					EmmReg:    EmmRegSap{FreeProc: true},
				}); err != nil {
					ue.EmmLog.Errorf("abort attach error: %v", err)
				}
				if duplicateEnbContextDetected {
					swapUe(mme.DuplicateEnbUeS1apIDDetected(enbKey, ue.MmeUeS1apID, context.RemoveNewContext))
					duplicateEnbContextDetected = false
				}
				r.createAttachProcedure(ue, ies)
			} else {
				// R10 5.5.1.2.7 e.2: ignore the second ATTACH REQUEST
				return nil
			}
		}
	}

	if ue.State.Is(context.Registered) {
		// abnormal case f: the UE re-attaches from REGISTERED
		if ue.AttachProcedure() == nil {
			r.createAttachProcedure(ue, ies)
		}
	}

	ue.NumAttachRequest++
	if duplicateEnbContextDetected {
		swapUe(mme.DuplicateEnbUeS1apIDDetected(enbKey, ue.MmeUeS1apID, context.RemoveOldContext))
	}

	if ue.AttachProcedure() == nil {
		r.createAttachProcedure(ue, ies)
	}

	return r.runAttachProcedure(ue)
}

// resolveAttachContext locates the target UE context: by the RAN assigned id
// when valid, else by the GUTI or IMSI in the request, else by the eNB
// association; a UE observed for the first time gets a fresh context. A GUTI
// or IMSI hit whose eNB association differs flags a duplicate for the caller
// to resolve.
func (r *Runtime) resolveAttachContext(enbKey context.EnbUeKey, ranID *int64,
	ies *context.AttachRequestIEs,
) (*context.UeContext, bool, error) {
	mme := r.Mme
	var ue *context.UeContext
	duplicate := false

	if *ranID != context.InvalidMmeUeS1apID {
		if found, ok := mme.UeContextFindByMmeUeS1apID(*ranID); ok {
			ue = found
		}
	} else {
		if ies.Guti != nil {
			if found, ok := mme.UeContextFindByGuti(*ies.Guti); ok {
				ue = found
				*ranID = found.MmeUeS1apID
				if found.EnbKey != enbKey {
					ue.EmmLog.Debugf("found old context enb key %+v matching GUTI in ATTACH_REQUEST", found.EnbKey)
					duplicate = true
				}
			}
		}
		if ue == nil && ies.Imsi != nil {
			if found, ok := mme.UeContextFindByImsi(*ies.Imsi); ok {
				ue = found
				*ranID = found.MmeUeS1apID
				if found.EnbKey != enbKey {
					ue.EmmLog.Debugf("found old context enb key %+v matching IMSI in ATTACH_REQUEST", found.EnbKey)
					duplicate = true
				}
			}
		}
		if ue == nil {
			if found, ok := mme.UeContextFindByEnbKey(enbKey); ok {
				ue = found
				if found.MmeUeS1apID == context.InvalidMmeUeS1apID {
					id, err := mme.MmeUeS1apIDAlloc()
					if err != nil {
						return nil, false, fmt.Errorf("mme-ue-s1ap-id allocation failed: %w", err)
					}
					if err := mme.RekeyUeContext(ue, context.UeIndexUpdates{MmeUeS1apID: &id}); err != nil {
						return nil, false, err
					}
					ue.SetMmeUeS1apID(id)
					*ranID = id
					r.As.NotifyNewRanID(enbKey, id)
				} else {
					ue.EmmLog.Warnln("found old context matching enb key in ATTACH_REQUEST, very suspicious")
					*ranID = found.MmeUeS1apID
				}
			}
		}
	}

	if ue == nil {
		// first observation of this UE on this association
		created, err := mme.NewUeContext(enbKey)
		if err != nil {
			return nil, false, err
		}
		id, err := mme.MmeUeS1apIDAlloc()
		if err != nil {
			return nil, false, fmt.Errorf("mme-ue-s1ap-id allocation failed: %w", err)
		}
		if err := mme.RekeyUeContext(created, context.UeIndexUpdates{MmeUeS1apID: &id}); err != nil {
			return nil, false, err
		}
		created.SetMmeUeS1apID(id)
		*ranID = id
		r.As.NotifyNewRanID(enbKey, id)
		ue = created
	}

	return ue, duplicate, nil
}

func (r *Runtime) createAttachProcedure(ue *context.UeContext, ies *context.AttachRequestIEs) {
	proc, err := ue.NewAttachProcedure()
	if err != nil {
		ue.EmmLog.Errorf("create attach procedure failed: %v", err)
		return
	}
	proc.Ies = deepcopy.Copy(ies).(*context.AttachRequestIEs)

	spec := ue.SpecificProcedure()
	spec.AbortNotif = func(u *context.UeContext) {
		if p := u.AttachProcedure(); p != nil {
			p.T3450.Stop()
			p.T3450 = nil
		}
	}
	spec.TimeOutNotif = r.t3450Final

	sendFsmEvent(ue, AttachStartEvent)
}

// runAttachProcedure starts the common procedure ladder for a fresh attach,
// TS 24.301 5.5.1.2.3.
func (r *Runtime) runAttachProcedure(ue *context.UeContext) error {
	proc := ue.AttachProcedure()
	if proc == nil {
		return nil
	}
	ies := proc.Ies

	switch {
	case ies.Imsi != nil:
		if ies.DecodeStatus.MacMatched {
			// force authentication, even if not necessary
			return r.startAttachAuthentication(ue)
		}
		// force identification, even if not necessary
		return r.StartIdentification(ue, context.IdentityTypeImsi, true,
			r.attachIdentificationSuccess, r.attachIdentificationFailure)
	case ies.Guti != nil:
		return r.StartIdentification(ue, context.IdentityTypeImsi, true,
			r.attachIdentificationSuccess, r.attachIdentificationFailure)
	case ies.Imei != nil:
		// the IMEI-only path exists for emergency attach, which this MME
		// does not accept; fail closed
		ue.EmmLog.Warnln("IMEI-only attach not supported")
		proc.EmmCause = context.EmmCauseImeiNotAccepted
		return r.SapSend(&Sap{
			Primitive: EmmRegAttachRej,
			Ue:        ue,
			EmmReg:    EmmRegSap{Notify: true, FreeProc: true},
		})
	}

	proc.EmmCause = context.EmmCauseIllegalUe
	return r.SapSend(&Sap{
		Primitive: EmmRegAttachRej,
		Ue:        ue,
		EmmReg:    EmmRegSap{Notify: true, FreeProc: true},
	})
}

/* common procedure continuations, invoked on the owning context */

func (r *Runtime) attachIdentificationSuccess(ue *context.UeContext) {
	if ue.AttachProcedure() == nil {
		return
	}
	if err := r.startAttachAuthentication(ue); err != nil {
		ue.EmmLog.Errorf("start authentication error: %v", err)
	}
}

func (r *Runtime) attachIdentificationFailure(ue *context.UeContext) {
	proc := ue.AttachProcedure()
	if proc == nil {
		return
	}
	// identification failure is fatal for the attach
	proc.EmmCause = context.EmmCauseIllegalUe
	if err := r.SapSend(&Sap{
		Primitive: EmmRegAttachRej,
		Ue:        ue,
		EmmReg:    EmmRegSap{Notify: true, FreeProc: true},
	}); err != nil {
		ue.EmmLog.Errorf("attach reject error: %v", err)
	}
}

func (r *Runtime) startAttachAuthentication(ue *context.UeContext) error {
	proc := ue.AttachProcedure()
	if proc == nil {
		return nil
	}
	err := r.StartAuthentication(ue, proc.Ies.Ksi,
		r.attachAuthenticationSuccess, r.attachAuthenticationFailure)
	if err != nil {
		proc.EmmCause = context.EmmCauseIllegalUe
		return r.SapSend(&Sap{
			Primitive: EmmRegAttachRej,
			Ue:        ue,
			EmmReg:    EmmRegSap{Notify: true, FreeProc: true},
		})
	}
	return nil
}

func (r *Runtime) attachAuthenticationSuccess(ue *context.UeContext) {
	proc := ue.AttachProcedure()
	if proc == nil {
		return
	}
	// create a new NAS security context; its eKSI was assigned when the
	// authentication procedure staged it
	ue.ClearSecurityContext()
	ksi := proc.Ies.Ksi
	if ue.NonCurrentSecurity != nil {
		ksi = ue.NonCurrentSecurity.Eksi
	}
	err := r.StartSecurityModeControl(ue, ksi,
		r.attachSecurityModeSuccess, r.attachSecurityModeFailure)
	if err != nil {
		ue.EmmLog.Warnf("failed to initiate security mode control procedure: %v", err)
		proc.EmmCause = context.EmmCauseIllegalUe
		if err := r.SapSend(&Sap{
			Primitive: EmmRegAttachRej,
			Ue:        ue,
			EmmReg:    EmmRegSap{Notify: true, FreeProc: true},
		}); err != nil {
			ue.EmmLog.Errorf("attach reject error: %v", err)
		}
	}
}

func (r *Runtime) attachAuthenticationFailure(ue *context.UeContext) {
	proc := ue.AttachProcedure()
	if proc == nil {
		return
	}
	if proc.EmmCause == context.EmmCauseSuccess {
		proc.EmmCause = context.EmmCauseIllegalUe
	}
	if err := r.SapSend(&Sap{
		Primitive: EmmRegAttachRej,
		Ue:        ue,
		EmmReg:    EmmRegSap{Notify: true, FreeProc: true},
	}); err != nil {
		ue.EmmLog.Errorf("attach reject error: %v", err)
	}
}

// attachSecurityModeSuccess hands the embedded ESM message to the session
// management sublayer; a successful activation stages the ESM reply for the
// ATTACH ACCEPT.
func (r *Runtime) attachSecurityModeSuccess(ue *context.UeContext) {
	proc := ue.AttachProcedure()
	if proc == nil {
		return
	}
	ue.EmmLog.Infoln("EMM-PROC attach UE")

	if len(proc.Ies.EsmMsg) != 0 {
		res := r.esmSend(EsmUnitdataInd, ue, proc.Ies.EsmMsg)
		switch res.Err {
		case EsmSapSuccess:
			proc.EsmMsgOut = res.Reply
			if err := r.sendAttachAccept(ue); err != nil {
				r.attachFailedLocally(ue, proc)
			}
		case EsmSapDiscarded:
			// received message discarded or a status message returned;
			// ignore the ESM procedure failure
		default:
			proc.EmmCause = context.EmmCauseEsmFailure
			proc.EsmMsgOut = res.Reply
			if err := r.SapSend(&Sap{
				Primitive: EmmRegAttachRej,
				Ue:        ue,
				EmmReg:    EmmRegSap{Notify: true, FreeProc: true},
			}); err != nil {
				ue.EmmLog.Errorf("attach reject error: %v", err)
			}
		}
		return
	}

	if err := r.sendAttachAccept(ue); err != nil {
		r.attachFailedLocally(ue, proc)
	}
}

func (r *Runtime) attachFailedLocally(ue *context.UeContext, proc *context.AttachProcedure) {
	ue.EmmLog.Warnln("EMM-PROC failed to respond to Attach Request")
	proc.EmmCause = context.EmmCauseProtocolErrorUnspecified
	if err := r.SapSend(&Sap{
		Primitive: EmmRegAttachRej,
		Ue:        ue,
		EmmReg:    EmmRegSap{Notify: true, FreeProc: true},
	}); err != nil {
		ue.EmmLog.Errorf("attach reject error: %v", err)
	}
}

// attachSecurityModeFailure releases what the aborted attach accumulated.
func (r *Runtime) attachSecurityModeFailure(ue *context.UeContext) {
	if ue.AttachProcedure() == nil {
		return
	}
	r.attachRelease(ue)
}

func (r *Runtime) attachRelease(ue *context.UeContext) {
	ue.EmmLog.Warnf("EMM-PROC release UE context data (ue_id=%d)", ue.MmeUeS1apID)
	ue.ClearEmmContext()
	if !ue.IsAttached {
		r.Mme.RemoveUeContext(ue)
	}
}

// sendAttachAccept updates the context from the frozen request IEs, makes
// sure a GUTI is assigned, emits EMMAS_ESTABLISH_CNF and stop-starts T3450.
// TS 24.301 5.5.1.2.4.
func (r *Runtime) sendAttachAccept(ue *context.UeContext) error {
	mme := r.Mme
	proc := ue.AttachProcedure()
	if proc == nil {
		return fmt.Errorf("no attach procedure running")
	}

	r.attachUpdate(ue, proc.Ies)

	est := AsEstablish{UeID: ue.MmeUeS1apID}

	if _, ok := ue.Guti(); !ok {
		guti, taiList, err := mme.AllocateGutiToUe(ue)
		if err != nil {
			return err
		}
		ue.SetValidTaiList(taiList)
		proc.Guti = guti
	} else if proc.Guti == (context.Guti{}) {
		guti, _ := ue.Guti()
		proc.Guti = guti
	}

	guti, _ := ue.Guti()
	est.Guti = &guti
	if _, validGuti := ue.ValidGuti(); !validGuti {
		// the newly assigned GUTI rides in the ATTACH ACCEPT; with an old
		// GUTI present this is an implicit GUTI reallocation
		if _, hasOld := ue.OldGuti(); hasOld {
			ue.EmmLog.Infoln("EMM-PROC implicit GUTI reallocation, include the new assigned GUTI in the Attach Accept message")
		} else {
			ue.EmmLog.Infoln("EMM-PROC include the new assigned GUTI in the Attach Accept message")
		}
		est.NewGuti = &guti
	}

	if taiList, ok := ue.TaiList(); ok {
		est.TaiList = taiList
	}
	est.EpsNetworkFeatureSupport = mme.EpsNetworkFeatureSupport
	est.SecurityCtx = ue.SecurityContext
	if sctx := ue.SecurityContext; sctx != nil {
		est.Encryption = sctx.CipheringAlg
		est.Integrity = sctx.IntegrityAlg
	}
	est.NasMsg = proc.EsmMsgOut
	est.T3402 = time.Duration(mme.T3402Value) * time.Second

	if err := r.SapSend(&Sap{Primitive: EmmAsEstablishCnf, Ue: ue, EmmAs: EmmAsSap{Establish: &est}}); err != nil {
		return err
	}

	metrics.IncrementAttachStats(metrics.AttachAccept)
	proc.AcceptSent = true
	sendFsmEvent(ue, AttachAcceptSentEvent)

	proc.T3450.Stop()
	if !proc.CompleteReceived {
		r.startT3450(ue, proc)
	}
	return nil
}

// startT3450 arms the retransmission timer with the expiries this procedure
// still has left, so a restart never extends the overall retransmission
// budget.
func (r *Runtime) startT3450(ue *context.UeContext, proc *context.AttachProcedure) {
	cfg := r.Mme.T3450Cfg
	if !cfg.Enable {
		return
	}
	remaining := cfg.MaxRetryTimes - proc.RetransmissionCount
	if remaining < 1 {
		remaining = 1
	}

	var t *context.Timer
	t = context.NewTimer(cfg.ExpireTime, remaining, func(expireTimes int32) {
		ue.Mutex.Lock()
		defer ue.Mutex.Unlock()
		if p := ue.AttachProcedure(); p == nil || p.T3450 != t {
			return
		}
		r.t3450Expired(ue)
	}, func() {
		ue.Mutex.Lock()
		defer ue.Mutex.Unlock()
		if p := ue.AttachProcedure(); p == nil || p.T3450 != t {
			return
		}
		r.t3450Final(ue)
	})
	proc.T3450 = t
}

// t3450Expired handles expiries one to four: bump the retransmission counter
// and re-send the ATTACH ACCEPT, TS 24.301 5.5.1.2.7 case c.
func (r *Runtime) t3450Expired(ue *context.UeContext) {
	proc := ue.AttachProcedure()
	if proc == nil || proc.CompleteReceived {
		return
	}
	proc.RetransmissionCount++
	ue.EmmLog.Warnf("T3450 timer expired, retransmission counter = %d", proc.RetransmissionCount)
	if err := r.sendAttachAccept(ue); err != nil {
		ue.EmmLog.Errorf("re-send attach accept error: %v", err)
	}
}

// t3450Final is the fifth expiry: the attach procedure aborts and the EMM
// state machine returns to DEREGISTERED.
func (r *Runtime) t3450Final(ue *context.UeContext) {
	proc := ue.AttachProcedure()
	if proc == nil || proc.CompleteReceived {
		return
	}
	proc.RetransmissionCount++
	ue.EmmLog.Warnf("T3450 timer expired %d times, abort the attach procedure", proc.RetransmissionCount)
	if err := r.SapSend(&Sap{
		Primitive: EmmRegAttachAbort,
		Ue:        ue,
		EmmReg:    EmmRegSap{Notify: true, FreeProc: true},
	}); err != nil {
		ue.EmmLog.Errorf("abort attach error: %v", err)
	}
	// no restart follows this abort: a dynamic context that never reached
	// REGISTERED is purged from the index
	if ue.IsDynamic && !ue.IsAttached {
		r.Mme.RemoveUeContext(ue)
	}
}

// OnAttachComplete terminates the attach, TS 24.301 5.5.1.2.4: stop T3450,
// enter EMM-REGISTERED and consider the GUTI sent in the ATTACH ACCEPT valid.
func (r *Runtime) OnAttachComplete(ranID int64, esmBytes []byte,
	status context.NasDecodeStatus,
) error {
	mme := r.Mme

	ue, ok := mme.UeContextFindByMmeUeS1apID(ranID)
	if !ok {
		logger.EmmLog.Infof("UE %d ATTACH COMPLETE discarded (context not found)", ranID)
		return nil
	}

	ue.Mutex.Lock()
	defer ue.Mutex.Unlock()

	proc := ue.AttachProcedure()
	if proc == nil {
		logger.EmmLog.Infof("UE %d ATTACH COMPLETE discarded (EMM procedure not found)", ranID)
		return nil
	}

	proc.CompleteReceived = true

	// R10 5.5.1.2.4: the GUTI sent in the ATTACH ACCEPT becomes valid
	ue.SetValidGuti(proc.Guti)
	ue.GutiIsNew = false
	ue.ClearOldGuti()
	ue.DeleteSpecificProcedure()

	// forward the Activate Default EPS Bearer Context Accept to ESM
	res := r.esmSend(EsmDefaultEpsBearerContextActivateCnf, ue, esmBytes)
	switch res.Err {
	case EsmSapSuccess:
		ue.IsAttached = true
		return r.SapSend(&Sap{
			Primitive: EmmRegAttachCnf,
			Ue:        ue,
			EmmReg:    EmmRegSap{Notify: true, FreeProc: true},
		})
	case EsmSapDiscarded:
		// ignore the ESM procedure failure
		return nil
	default:
		ue.EmmCause = context.EmmCauseEsmFailure
		err := r.emitAttachReject(ue, context.EmmCauseEsmFailure, res.Reply)
		sendFsmEvent(ue, AttachFailureEvent)
		return err
	}
}

// OnAttachRejectFromProtocolError is the lower layer reporting an ATTACH
// REQUEST it could not decode, TS 24.301 5.5.1.2.7 case b.
func (r *Runtime) OnAttachRejectFromProtocolError(ranID int64, cause context.EmmCause) error {
	ue, ok := r.Mme.UeContextFindByMmeUeS1apID(ranID)
	if !ok {
		return nil
	}

	ue.Mutex.Lock()
	defer ue.Mutex.Unlock()

	if proc := ue.AttachProcedure(); proc != nil {
		proc.EmmCause = cause
		return r.SapSend(&Sap{
			Primitive: EmmRegAttachRej,
			Ue:        ue,
			EmmReg:    EmmRegSap{FreeProc: true},
		})
	}
	ue.EmmCause = cause
	return r.emitAttachReject(ue, cause, nil)
}

// attachUpdate folds the frozen request IEs into the EMM context before the
// ATTACH ACCEPT goes out; identifier changes rekey the index.
func (r *Runtime) attachUpdate(ue *context.UeContext, ies *context.AttachRequestIEs) {
	mme := r.Mme

	ue.IsEmergency = ies.Type == context.AttachTypeEmergency

	if ue.Ksi != ies.Ksi {
		ue.EmmLog.Debugf("update ue ksi %d -> %d", ue.Ksi, ies.Ksi)
		ue.Ksi = ies.Ksi
	}

	// R10 5.5.1.2.4: the UE and MS network capability IEs become valid
	ue.SetValidUeNetworkCapability(ies.UeNetworkCapability)
	if ies.MsNetworkCapability != nil {
		ue.SetValidMsNetworkCapability(ies.MsNetworkCapability)
	} else {
		ue.ClearMsNetworkCapability()
	}

	if ies.OriginatingTai != nil {
		ue.OriginatingTai = *ies.OriginatingTai
	}
	if ies.OriginatingEcgi != nil {
		ue.OriginatingEcgi = *ies.OriginatingEcgi
	}
	if ies.LastVisitedRegisteredTai != nil {
		ue.SetValidLvrTai(*ies.LastVisitedRegisteredTai)
	} else {
		ue.ClearLvrTai()
	}
	if ies.DrxParameter != nil {
		// R10 5.5.1.2.4: DRX parameter from the request
		ue.SetValidDrxParameter(ies.DrxParameter)
	}

	if ies.Guti != nil {
		if old, ok := ue.OldGuti(); !ok || old != *ies.Guti {
			ue.SetOldGuti(*ies.Guti)
		}
	}

	if ies.Imsi != nil {
		if cur, ok := ue.Imsi(); !ok || cur != *ies.Imsi {
			if err := mme.RekeyUeContext(ue, context.UeIndexUpdates{Imsi: ies.Imsi}); err != nil {
				ue.EmmLog.Errorf("imsi rekey failed: %v", err)
			} else {
				ue.SetValidImsi(*ies.Imsi)
			}
		} else {
			ue.SetValidImsi(*ies.Imsi)
		}
	}

	if ies.Imei != nil {
		ue.SetValidImei(*ies.Imei)
	}
}

// attachIesHaveChanged compares an arriving ATTACH REQUEST against the IEs
// frozen when the running procedure was created; presence asymmetry counts
// as a difference.
func (r *Runtime) attachIesHaveChanged(ueID int64, ies1, ies2 *context.AttachRequestIEs) bool {
	log := func(what string) bool {
		metrics.IncrementAttachStats(metrics.AttachIesChanged)
		logger.EmmLog.Infof("UE %d attach IEs changed: %s", ueID, what)
		return true
	}

	if ies1.Type != ies2.Type {
		return log("attach type")
	}
	if ies1.IsNativeSc != ies2.IsNativeSc {
		return log("is native security context")
	}
	if ies1.Ksi != ies2.Ksi {
		return log("KSI")
	}
	if ies1.IsNativeGuti != ies2.IsNativeGuti {
		return log("native GUTI")
	}
	if (ies1.Guti == nil) != (ies2.Guti == nil) {
		return log("GUTI presence")
	}
	if ies1.Guti != nil && *ies1.Guti != *ies2.Guti {
		return log("GUTI")
	}
	if (ies1.Imsi == nil) != (ies2.Imsi == nil) {
		return log("IMSI presence")
	}
	if ies1.Imsi != nil && *ies1.Imsi != *ies2.Imsi {
		return log("IMSI")
	}
	if (ies1.Imei == nil) != (ies2.Imei == nil) {
		return log("IMEI presence")
	}
	if ies1.Imei != nil && *ies1.Imei != *ies2.Imei {
		return log("IMEI")
	}
	if (ies1.LastVisitedRegisteredTai == nil) != (ies2.LastVisitedRegisteredTai == nil) {
		return log("LVR TAI presence")
	}
	if ies1.LastVisitedRegisteredTai != nil && *ies1.LastVisitedRegisteredTai != *ies2.LastVisitedRegisteredTai {
		return log("LVR TAI")
	}
	if (ies1.OriginatingTai == nil) != (ies2.OriginatingTai == nil) {
		return log("originating TAI presence")
	}
	if ies1.OriginatingTai != nil && *ies1.OriginatingTai != *ies2.OriginatingTai {
		return log("originating TAI")
	}
	if (ies1.OriginatingEcgi == nil) != (ies2.OriginatingEcgi == nil) {
		return log("originating ECGI presence")
	}
	if ies1.OriginatingEcgi != nil && *ies1.OriginatingEcgi != *ies2.OriginatingEcgi {
		return log("originating ECGI")
	}
	if !bytes.Equal(ies1.UeNetworkCapability, ies2.UeNetworkCapability) {
		return log("UE network capability")
	}
	if (ies1.MsNetworkCapability == nil) != (ies2.MsNetworkCapability == nil) {
		return log("MS network capability presence")
	}
	if !bytes.Equal(ies1.MsNetworkCapability, ies2.MsNetworkCapability) {
		return log("MS network capability")
	}
	return false
}
