// SPDX-FileCopyrightText: 2021 Open Networking Foundation <info@opennetworking.org>
//
// SPDX-License-Identifier: Apache-2.0
//

package emm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omec-project/mme/context"
	"github.com/omec-project/mme/factory"
)

type asRecorder struct {
	cnfs         []*AsEstablish
	rejs         []*AsEstablish
	identityReqs []uint8
	authReqs     int
	smcReqs      int
	newRanIDs    []int64
}

func (a *asRecorder) EstablishCnf(ue *context.UeContext, est *AsEstablish) error {
	a.cnfs = append(a.cnfs, est)
	return nil
}

func (a *asRecorder) EstablishRej(ue *context.UeContext, est *AsEstablish) error {
	a.rejs = append(a.rejs, est)
	return nil
}

func (a *asRecorder) SendIdentityRequest(ue *context.UeContext, identityType uint8) error {
	a.identityReqs = append(a.identityReqs, identityType)
	return nil
}

func (a *asRecorder) SendAuthenticationRequest(ue *context.UeContext, rand, autn [16]byte) error {
	a.authReqs++
	return nil
}

func (a *asRecorder) SendSecurityModeCommand(ue *context.UeContext, sctx *context.SecurityContext) error {
	a.smcReqs++
	return nil
}

func (a *asRecorder) NotifyNewRanID(enbKey context.EnbUeKey, mmeUeS1apID int64) {
	a.newRanIDs = append(a.newRanIDs, mmeUeS1apID)
}

type esmRecorder struct {
	unitdataErr   EsmErr
	unitdataReply []byte
	activateErr   EsmErr
	activateReply []byte
	pdnRejects    int
	calls         []SapPrimitive
}

func (e *esmRecorder) Send(primitive SapPrimitive, ue *context.UeContext, msg []byte) EsmResult {
	e.calls = append(e.calls, primitive)
	switch primitive {
	case EsmUnitdataInd:
		return EsmResult{Err: e.unitdataErr, Reply: e.unitdataReply}
	case EsmDefaultEpsBearerContextActivateCnf:
		return EsmResult{Err: e.activateErr, Reply: e.activateReply}
	case EsmPdnConnectivityRej:
		e.pdnRejects++
	}
	return EsmResult{}
}

var testXres = []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88}

func newTestRuntime(t *testing.T) (*Runtime, *asRecorder, *esmRecorder) {
	t.Helper()
	mme := context.MME_Self()
	mme.Reset()
	mme.ServedGummeiList = []context.Gummei{{
		PlmnID:  context.PlmnID{Mcc: "001", Mnc: "01"},
		MmeGid:  4,
		MmeCode: 1,
	}}
	mme.SupportTaiList = []context.Tai{
		{PlmnID: context.PlmnID{Mcc: "001", Mnc: "01"}, Tac: 1},
		{PlmnID: context.PlmnID{Mcc: "001", Mnc: "01"}, Tac: 2},
	}
	mme.SecurityAlgorithm = context.SecurityAlgorithm{
		IntegrityOrder: []uint8{context.AlgIntegrityEia2, context.AlgIntegrityEia1},
		CipheringOrder: []uint8{context.AlgCipheringEea0},
	}
	mme.T3402Value = 720
	longTimer := factory.TimerValue{Enable: true, ExpireTime: time.Hour, MaxRetryTimes: 5}
	mme.T3450Cfg = longTimer
	mme.T3460Cfg = longTimer
	mme.T3470Cfg = longTimer

	as := &asRecorder{}
	esm := &esmRecorder{
		unitdataErr:   EsmSapSuccess,
		unitdataReply: []byte{0x27, 0x01, 0xc1}, // opaque activate default bearer request
	}
	return NewRuntime(mme, as, esm), as, esm
}

func seedUe(t *testing.T, mme *context.MMEContext, enbKey context.EnbUeKey) *context.UeContext {
	t.Helper()
	ue, err := mme.NewUeContext(enbKey)
	require.NoError(t, err)
	vector := context.AuthVector{Xres: testXres}
	copy(vector.Rand[:], []byte("0123456789abcdef"))
	copy(vector.Autn[:], []byte("fedcba9876543210"))
	copy(vector.Kasme[:], []byte("kasme-kasme-kasme-kasme-kasme-32"))
	ue.SetAuthVector(vector)
	return ue
}

func imsiAttachIes(ksi uint8, macMatched bool) *context.AttachRequestIEs {
	imsi := "001010123456789"
	tai := context.Tai{PlmnID: context.PlmnID{Mcc: "001", Mnc: "01"}, Tac: 1}
	ecgi := context.Ecgi{PlmnID: context.PlmnID{Mcc: "001", Mnc: "01"}, EnbID: 1, CellID: 1}
	return &context.AttachRequestIEs{
		IsInitial:           true,
		Type:                context.AttachTypeEps,
		IsNativeSc:          true,
		Ksi:                 ksi,
		Imsi:                &imsi,
		OriginatingTai:      &tai,
		OriginatingEcgi:     &ecgi,
		UeNetworkCapability: []byte{0xf0, 0x70}, // EEA0-3, EIA1-3
		EsmMsg:              []byte{0x02, 0x01, 0xd0},
		DecodeStatus:        context.NasDecodeStatus{IntegrityProtected: macMatched, MacMatched: macMatched},
	}
}

// drives a fresh IMSI attach up to the point where the ATTACH ACCEPT has been
// emitted and T3450 runs
func runToAcceptSent(t *testing.T, rt *Runtime, as *asRecorder, enbKey context.EnbUeKey) *context.UeContext {
	t.Helper()
	ue := seedUe(t, rt.Mme, enbKey)
	require.NoError(t, rt.OnAttachRequest(enbKey, context.InvalidMmeUeS1apID, imsiAttachIes(7, true)))
	require.Equal(t, 1, as.authReqs)
	require.NoError(t, rt.OnAuthenticationResponse(ue.MmeUeS1apID, testXres))
	require.Equal(t, 1, as.smcReqs)
	require.NoError(t, rt.OnSecurityModeComplete(ue.MmeUeS1apID))
	require.Len(t, as.cnfs, 1)
	return ue
}

func TestAttachHappyPath(t *testing.T) {
	rt, as, esm := newTestRuntime(t)
	enbKey := context.EnbUeKey{EnbID: 1, EnbUeS1apID: 1}
	ue := seedUe(t, rt.Mme, enbKey)

	require.NoError(t, rt.OnAttachRequest(enbKey, context.InvalidMmeUeS1apID, imsiAttachIes(7, true)))

	require.Len(t, as.newRanIDs, 1, "fresh association gets an MME UE id")
	ranID := ue.MmeUeS1apID
	require.NotEqual(t, context.InvalidMmeUeS1apID, ranID)

	// IMSI present and MAC verified: authentication starts directly
	assert.Empty(t, as.identityReqs)
	require.Equal(t, 1, as.authReqs)
	assert.True(t, ue.State.Is(context.CommonProcedureInitiated))

	require.NoError(t, rt.OnAuthenticationResponse(ranID, testXres))
	require.Equal(t, 1, as.smcReqs)

	require.NoError(t, rt.OnSecurityModeComplete(ranID))

	require.True(t, ue.SecurityContextIsValid())
	assert.Equal(t, context.AlgIntegrityEia2, ue.SecurityContext.IntegrityAlg)
	assert.Equal(t, context.AlgCipheringEea0, ue.SecurityContext.CipheringAlg)

	// ESM succeeded, ACCEPT out with a freshly allocated GUTI
	require.Len(t, as.cnfs, 1)
	est := as.cnfs[0]
	require.NotNil(t, est.NewGuti)
	assert.NotZero(t, est.NewGuti.MTmsi)
	assert.Equal(t, esm.unitdataReply, est.NasMsg)
	assert.NotEmpty(t, est.TaiList)
	assert.Equal(t, 720*time.Second, est.T3402)

	proc := ue.AttachProcedure()
	require.NotNil(t, proc)
	assert.True(t, proc.AcceptSent)
	assert.NotNil(t, proc.T3450)
	assert.True(t, ue.State.Is(context.RegisteredInitiated))
	assert.Equal(t, uint32(1), ue.SecurityContext.DLCount.Get(), "one protected downlink message emitted")

	require.NoError(t, rt.OnAttachComplete(ranID, []byte{0x27, 0x02, 0xc2}, context.NasDecodeStatus{MacMatched: true}))

	assert.True(t, ue.State.Is(context.Registered))
	assert.True(t, ue.IsAttached)
	assert.Nil(t, ue.AttachProcedure(), "procedure deleted, T3450 stopped")

	guti, valid := ue.ValidGuti()
	require.True(t, valid)
	assert.Equal(t, *est.NewGuti, guti, "the GUTI sent in the ACCEPT is the one committed")
	_, hasOld := ue.OldGuti()
	assert.False(t, hasOld)

	byGuti, ok := rt.Mme.UeContextFindByGuti(guti)
	require.True(t, ok)
	assert.Same(t, ue, byGuti)
	byImsi, ok := rt.Mme.UeContextFindByImsi("001010123456789")
	require.True(t, ok)
	assert.Same(t, ue, byImsi)
}

func TestAttachAcceptFieldsMatchValidView(t *testing.T) {
	rt, as, _ := newTestRuntime(t)
	ue := runToAcceptSent(t, rt, as, context.EnbUeKey{EnbID: 1, EnbUeS1apID: 2})

	est := as.cnfs[0]
	guti, _ := ue.Guti()
	assert.Equal(t, guti, *est.Guti)
	taiList, valid := ue.TaiList()
	require.True(t, valid)
	assert.Equal(t, taiList, est.TaiList)
	assert.Equal(t, ue.SecurityContext.CipheringAlg, est.Encryption)
	assert.Equal(t, ue.SecurityContext.IntegrityAlg, est.Integrity)

	capOctets, valid := ue.UeNetworkCapability()
	require.True(t, valid, "UE network capability marked valid at accept time")
	assert.Equal(t, []byte{0xf0, 0x70}, capOctets)
}

func TestAttachRetransmitOnIdenticalDuplicate(t *testing.T) {
	rt, as, esm := newTestRuntime(t)
	enbKey := context.EnbUeKey{EnbID: 1, EnbUeS1apID: 3}
	ue := runToAcceptSent(t, rt, as, enbKey)

	proc := ue.AttachProcedure()
	require.NotNil(t, proc)
	authBefore := as.authReqs

	require.NoError(t, rt.OnAttachRequest(enbKey, context.InvalidMmeUeS1apID, imsiAttachIes(7, true)))

	assert.Len(t, as.cnfs, 2, "ACCEPT re-sent")
	assert.Same(t, proc, ue.AttachProcedure(), "no new procedure created")
	assert.Equal(t, int32(0), proc.RetransmissionCount, "retransmission counter untouched")
	assert.NotNil(t, proc.T3450, "T3450 restarted")
	assert.Equal(t, authBefore, as.authReqs, "no common procedure re-run")
	assert.Zero(t, esm.pdnRejects)
	assert.True(t, ue.State.Is(context.RegisteredInitiated))
}

func TestAttachIeDriftDuplicateRestartsProcedure(t *testing.T) {
	rt, as, esm := newTestRuntime(t)
	enbKey := context.EnbUeKey{EnbID: 1, EnbUeS1apID: 4}
	ue := runToAcceptSent(t, rt, as, enbKey)
	oldProc := ue.AttachProcedure()

	// same request, KSI 7 -> 6
	require.NoError(t, rt.OnAttachRequest(enbKey, context.InvalidMmeUeS1apID, imsiAttachIes(6, true)))

	assert.Equal(t, 1, esm.pdnRejects, "old procedure aborted toward ESM")
	newProc := ue.AttachProcedure()
	require.NotNil(t, newProc)
	assert.NotSame(t, oldProc, newProc)
	assert.Equal(t, uint8(6), newProc.Ies.Ksi)
	require.Equal(t, 2, as.authReqs, "ladder restarted")

	require.NoError(t, rt.OnAuthenticationResponse(ue.MmeUeS1apID, testXres))
	require.NoError(t, rt.OnSecurityModeComplete(ue.MmeUeS1apID))

	assert.Len(t, as.cnfs, 2, "ACCEPT re-emitted for the new procedure")
	assert.Equal(t, uint8(6), ue.Ksi)
}

func TestEmergencyAttachRejected(t *testing.T) {
	rt, as, _ := newTestRuntime(t)
	// emergency bearer support disabled in the network feature bits
	require.Zero(t, rt.Mme.EpsNetworkFeatureSupport&context.EpsNetworkFeatureSupportEmergencyBearerServices)

	enbKey := context.EnbUeKey{EnbID: 2, EnbUeS1apID: 1}
	ies := imsiAttachIes(7, true)
	ies.Type = context.AttachTypeEmergency

	require.NoError(t, rt.OnAttachRequest(enbKey, context.InvalidMmeUeS1apID, ies))

	require.Len(t, as.rejs, 1)
	assert.Equal(t, context.EmmCauseImeiNotAccepted, as.rejs[0].EmmCause)
	assert.Zero(t, as.authReqs, "no common procedure started")
	assert.Empty(t, as.identityReqs)
	assert.Empty(t, as.cnfs)

	_, ok := rt.Mme.UeContextFindByEnbKey(enbKey)
	assert.False(t, ok, "never-registered context released")
}

func TestT3450Exhaustion(t *testing.T) {
	rt, as, esm := newTestRuntime(t)
	enbKey := context.EnbUeKey{EnbID: 2, EnbUeS1apID: 2}
	ue := runToAcceptSent(t, rt, as, enbKey)
	proc := ue.AttachProcedure()

	// expiries one to four re-send the ACCEPT
	for i := 1; i <= 4; i++ {
		rt.t3450Expired(ue)
		assert.Equal(t, int32(i), proc.RetransmissionCount)
		assert.Len(t, as.cnfs, 1+i)
	}

	// the fifth expiry aborts instead of retransmitting
	rt.t3450Final(ue)

	assert.Len(t, as.cnfs, 5, "no fifth retransmit")
	assert.Equal(t, 1, esm.pdnRejects)
	assert.Nil(t, ue.AttachProcedure())
	assert.True(t, ue.State.Is(context.Deregistered))
}

func TestEsmFailurePath(t *testing.T) {
	rt, as, esm := newTestRuntime(t)
	esm.unitdataErr = EsmSapFailed
	esm.unitdataReply = []byte{0x27, 0x03, 0xd1} // PDN connectivity reject

	enbKey := context.EnbUeKey{EnbID: 2, EnbUeS1apID: 3}
	ue := seedUe(t, rt.Mme, enbKey)

	require.NoError(t, rt.OnAttachRequest(enbKey, context.InvalidMmeUeS1apID, imsiAttachIes(7, true)))
	require.NoError(t, rt.OnAuthenticationResponse(ue.MmeUeS1apID, testXres))
	require.NoError(t, rt.OnSecurityModeComplete(ue.MmeUeS1apID))

	require.Len(t, as.rejs, 1)
	assert.Equal(t, context.EmmCauseEsmFailure, as.rejs[0].EmmCause)
	assert.Equal(t, esm.unitdataReply, as.rejs[0].NasMsg, "ESM reply embedded in the REJECT")
	assert.Empty(t, as.cnfs, "T3450 never started, no ACCEPT")
	assert.True(t, ue.State.Is(context.Deregistered))
}

func TestIdenticalReplayDuringIdentificationIsNoOp(t *testing.T) {
	rt, as, _ := newTestRuntime(t)
	enbKey := context.EnbUeKey{EnbID: 3, EnbUeS1apID: 1}
	ue := seedUe(t, rt.Mme, enbKey)

	// no MAC: identification first
	require.NoError(t, rt.OnAttachRequest(enbKey, context.InvalidMmeUeS1apID, imsiAttachIes(7, false)))
	require.Equal(t, []uint8{context.IdentityTypeImsi}, as.identityReqs)
	proc := ue.AttachProcedure()
	require.NotNil(t, proc)

	require.NoError(t, rt.OnAttachRequest(enbKey, context.InvalidMmeUeS1apID, imsiAttachIes(7, false)))

	assert.Same(t, proc, ue.AttachProcedure(), "duplicate ignored entirely")
	assert.Len(t, as.identityReqs, 1)
	assert.Empty(t, as.cnfs)
	assert.Empty(t, as.rejs)
}

func TestIdentificationCollisionWithChangedKsi(t *testing.T) {
	rt, as, esm := newTestRuntime(t)
	enbKey := context.EnbUeKey{EnbID: 3, EnbUeS1apID: 2}
	ue := seedUe(t, rt.Mme, enbKey)

	require.NoError(t, rt.OnAttachRequest(enbKey, context.InvalidMmeUeS1apID, imsiAttachIes(7, false)))
	oldProc := ue.AttachProcedure()
	require.NotNil(t, oldProc)

	// exactly one IE differs
	require.NoError(t, rt.OnAttachRequest(enbKey, context.InvalidMmeUeS1apID, imsiAttachIes(6, false)))

	assert.Equal(t, 1, esm.pdnRejects, "previous attach aborted")
	newProc := ue.AttachProcedure()
	require.NotNil(t, newProc)
	assert.NotSame(t, oldProc, newProc)
	assert.Equal(t, uint8(6), newProc.Ies.Ksi)
	assert.Len(t, as.identityReqs, 2, "identification restarted for the new attach")
}

func TestIdentificationThenAuthentication(t *testing.T) {
	rt, as, _ := newTestRuntime(t)
	enbKey := context.EnbUeKey{EnbID: 3, EnbUeS1apID: 3}
	ue := seedUe(t, rt.Mme, enbKey)

	require.NoError(t, rt.OnAttachRequest(enbKey, context.InvalidMmeUeS1apID, imsiAttachIes(7, false)))
	require.Len(t, as.identityReqs, 1)
	assert.Zero(t, as.authReqs)

	require.NoError(t, rt.OnIdentityResponse(ue.MmeUeS1apID, "001010123456789"))

	assert.Equal(t, 1, as.authReqs, "authentication follows identification success")
	imsi, valid := ue.ValidImsi()
	assert.True(t, valid)
	assert.Equal(t, "001010123456789", imsi)
	byImsi, ok := rt.Mme.UeContextFindByImsi(imsi)
	require.True(t, ok)
	assert.Same(t, ue, byImsi)
}

func TestAuthenticationFailureRejectsWithIllegalUe(t *testing.T) {
	rt, as, _ := newTestRuntime(t)
	enbKey := context.EnbUeKey{EnbID: 3, EnbUeS1apID: 4}
	ue := seedUe(t, rt.Mme, enbKey)

	require.NoError(t, rt.OnAttachRequest(enbKey, context.InvalidMmeUeS1apID, imsiAttachIes(7, true)))
	require.NoError(t, rt.OnAuthenticationResponse(ue.MmeUeS1apID, []byte{0xde, 0xad}))

	require.Len(t, as.rejs, 1)
	assert.Equal(t, context.EmmCauseIllegalUe, as.rejs[0].EmmCause)
	assert.Zero(t, as.smcReqs)
	assert.Empty(t, as.cnfs)
}

func TestDuplicateEnbKeyWithImsiMatchConvergesOnOneContext(t *testing.T) {
	rt, as, _ := newTestRuntime(t)
	firstKey := context.EnbUeKey{EnbID: 4, EnbUeS1apID: 1}
	ue := runToAcceptSent(t, rt, as, firstKey)
	require.NoError(t, rt.OnAttachComplete(ue.MmeUeS1apID, nil, context.NasDecodeStatus{MacMatched: true}))
	require.True(t, ue.State.Is(context.Registered))

	// same subscriber shows up on a different association
	secondKey := context.EnbUeKey{EnbID: 4, EnbUeS1apID: 2}
	require.NoError(t, rt.OnAttachRequest(secondKey, context.InvalidMmeUeS1apID, imsiAttachIes(7, true)))

	byNew, ok := rt.Mme.UeContextFindByEnbKey(secondKey)
	require.True(t, ok)
	assert.Same(t, ue, byNew, "single context, rekeyed to the new association")
	_, ok = rt.Mme.UeContextFindByEnbKey(firstKey)
	assert.False(t, ok)

	// case f: the registered UE got a fresh attach procedure
	require.NotNil(t, ue.AttachProcedure())
	assert.Equal(t, 2, as.authReqs)
}

func TestProtocolErrorReject(t *testing.T) {
	rt, as, _ := newTestRuntime(t)
	enbKey := context.EnbUeKey{EnbID: 4, EnbUeS1apID: 3}
	ue := seedUe(t, rt.Mme, enbKey)

	require.NoError(t, rt.OnAttachRequest(enbKey, context.InvalidMmeUeS1apID, imsiAttachIes(7, false)))
	require.NotNil(t, ue.AttachProcedure())

	require.NoError(t, rt.OnAttachRejectFromProtocolError(ue.MmeUeS1apID, context.EmmCauseProtocolErrorUnspecified))

	require.Len(t, as.rejs, 1)
	assert.Equal(t, context.EmmCauseProtocolErrorUnspecified, as.rejs[0].EmmCause)
	assert.Nil(t, ue.AttachProcedure())
	_, ok := rt.Mme.UeContextFindByEnbKey(enbKey)
	assert.False(t, ok, "never-registered context released")
}

func TestSmcCollisionAbortsSecurityMode(t *testing.T) {
	rt, as, _ := newTestRuntime(t)
	enbKey := context.EnbUeKey{EnbID: 4, EnbUeS1apID: 4}
	ue := seedUe(t, rt.Mme, enbKey)

	require.NoError(t, rt.OnAttachRequest(enbKey, context.InvalidMmeUeS1apID, imsiAttachIes(7, true)))
	require.NoError(t, rt.OnAuthenticationResponse(ue.MmeUeS1apID, testXres))
	require.True(t, ue.IsCommonProcedureRunning(context.CommonProcSecurityMode))
	require.Equal(t, 1, as.smcReqs)

	// the duplicate request aborts the running SMC (R10 5.4.3.7 c) and is
	// then ignored because its IEs are identical
	require.NoError(t, rt.OnAttachRequest(enbKey, context.InvalidMmeUeS1apID, imsiAttachIes(7, true)))

	assert.False(t, ue.IsCommonProcedureRunning(context.CommonProcSecurityMode))
	assert.NotNil(t, ue.AttachProcedure())
}

func TestAttachCompleteWithoutProcedureIsDiscarded(t *testing.T) {
	rt, as, _ := newTestRuntime(t)
	enbKey := context.EnbUeKey{EnbID: 5, EnbUeS1apID: 1}
	ue := runToAcceptSent(t, rt, as, enbKey)

	require.NoError(t, rt.OnAttachComplete(ue.MmeUeS1apID, nil, context.NasDecodeStatus{MacMatched: true}))
	require.True(t, ue.State.Is(context.Registered))

	// a second COMPLETE finds no procedure and is discarded
	require.NoError(t, rt.OnAttachComplete(ue.MmeUeS1apID, nil, context.NasDecodeStatus{MacMatched: true}))
	assert.True(t, ue.State.Is(context.Registered))
}

func TestDownlinkCountAdvancesPerAccept(t *testing.T) {
	rt, as, _ := newTestRuntime(t)
	enbKey := context.EnbUeKey{EnbID: 5, EnbUeS1apID: 2}
	ue := runToAcceptSent(t, rt, as, enbKey)
	require.Equal(t, uint32(1), ue.SecurityContext.DLCount.Get())

	rt.t3450Expired(ue)
	assert.Equal(t, uint32(2), ue.SecurityContext.DLCount.Get(),
		"every retransmitted ACCEPT advances the DL count")
}
