// SPDX-FileCopyrightText: 2021 Open Networking Foundation <info@opennetworking.org>
//
// SPDX-License-Identifier: Apache-2.0
//

package context

import (
	"fmt"

	"github.com/omec-project/util/fsm"
)

// The EMM procedure tree. A specific procedure (attach, detach, tracking area
// update, service request) is the root; the common procedures it spawns
// (identification, authentication, security mode control, GUTI reallocation)
// hang under it and report back through success/failure continuations invoked
// on the owning UE context. At most one specific procedure and one common
// procedure of each kind run per UE at any instant.

type SpecificProcKind string

const (
	SpecificProcAttach             SpecificProcKind = "Attach"
	SpecificProcDetach             SpecificProcKind = "Detach"
	SpecificProcTrackingAreaUpdate SpecificProcKind = "TrackingAreaUpdate"
	SpecificProcServiceRequest     SpecificProcKind = "ServiceRequest"
)

type CommonProcKind string

const (
	CommonProcIdentification CommonProcKind = "Identification"
	CommonProcAuthentication CommonProcKind = "Authentication"
	CommonProcSecurityMode   CommonProcKind = "SecurityModeControl"
	CommonProcGutiRealloc    CommonProcKind = "GutiReallocation"
)

type EmmProcedures struct {
	specific *SpecificProcedure
	common   map[CommonProcKind]*CommonProcedure
}

type SpecificProcedure struct {
	Kind          SpecificProcKind
	PreviousState fsm.StateType

	// AbortNotif tears this procedure down; TimeOutNotif runs when the
	// procedure's own timer gives up.
	AbortNotif   func(*UeContext)
	TimeOutNotif func(*UeContext)

	Attach *AttachProcedure
}

// AttachProcedure is the per-attach payload, frozen at creation.
type AttachProcedure struct {
	// the request IEs this procedure was created from; later duplicate
	// requests are compared against this snapshot
	Ies *AttachRequestIEs

	// staged outgoing ESM message (activate default bearer request on the
	// accept path, PDN connectivity reject on the ESM failure path)
	EsmMsgOut []byte

	T3450 *Timer

	AcceptSent          bool
	RejectSent          bool
	CompleteReceived    bool
	RetransmissionCount int32

	// candidate GUTI staged for the ATTACH ACCEPT, committed on COMPLETE
	Guti Guti

	EmmCause EmmCause
}

type CommonProcedure struct {
	Kind          CommonProcKind
	PreviousState fsm.StateType

	SuccessNotif func(*UeContext)
	FailureNotif func(*UeContext)
	AbortNotif   func(*UeContext)

	Timer               *Timer
	RetransmissionCount int32

	Identification *IdentificationProcedure
	Authentication *AuthenticationProcedure
	SecurityMode   *SecurityModeProcedure
}

type IdentificationProcedure struct {
	IdentityType  uint8
	IsCauseAttach bool
}

type AuthenticationProcedure struct {
	Ksi  uint8
	Rand [16]byte
	Autn [16]byte
}

type SecurityModeProcedure struct {
	Ksi uint8
}

// AttachRequestIEs is the decoded content of an ATTACH REQUEST as handed up
// by the lower layer. The embedded ESM message stays an opaque octet string.
type AttachRequestIEs struct {
	IsInitial bool

	Type       AttachType
	IsNativeSc bool
	Ksi        uint8

	IsNativeGuti bool
	Guti         *Guti
	Imsi         *string
	Imei         *string

	LastVisitedRegisteredTai *Tai
	OriginatingTai           *Tai
	OriginatingEcgi          *Ecgi

	UeNetworkCapability []byte
	MsNetworkCapability []byte
	DrxParameter        []byte

	EsmMsg []byte

	DecodeStatus NasDecodeStatus
}

func (p *EmmProcedures) init() {
	p.common = make(map[CommonProcKind]*CommonProcedure)
}

/* specific procedures */

// NewAttachProcedure creates the attach specific procedure as the tree root;
// only one specific procedure may run per context.
func (ue *UeContext) NewAttachProcedure() (*AttachProcedure, error) {
	if ue.Procedures.specific != nil {
		return nil, fmt.Errorf("specific procedure %s already running", ue.Procedures.specific.Kind)
	}
	attach := &AttachProcedure{}
	ue.Procedures.specific = &SpecificProcedure{
		Kind:          SpecificProcAttach,
		PreviousState: ue.State.Current(),
		Attach:        attach,
	}
	return attach, nil
}

func (ue *UeContext) SpecificProcedure() *SpecificProcedure {
	return ue.Procedures.specific
}

func (ue *UeContext) IsSpecificProcedureRunning(kind SpecificProcKind) bool {
	return ue.Procedures.specific != nil && ue.Procedures.specific.Kind == kind
}

// AttachProcedure returns the running attach procedure payload, or nil.
func (ue *UeContext) AttachProcedure() *AttachProcedure {
	if spec := ue.Procedures.specific; spec != nil && spec.Kind == SpecificProcAttach {
		return spec.Attach
	}
	return nil
}

// DeleteSpecificProcedure removes the specific procedure and its remaining
// common children; all procedure timers are stopped.
func (ue *UeContext) DeleteSpecificProcedure() {
	spec := ue.Procedures.specific
	if spec == nil {
		return
	}
	for kind, proc := range ue.Procedures.common {
		proc.Timer.Stop()
		delete(ue.Procedures.common, kind)
	}
	if spec.Attach != nil {
		spec.Attach.T3450.Stop()
		spec.Attach.T3450 = nil
	}
	ue.Procedures.specific = nil
}

/* common procedures */

// StartCommonProcedure hangs a common procedure under the running specific
// procedure. The previous FSM state is recorded so an abort can restore it.
func (ue *UeContext) StartCommonProcedure(proc *CommonProcedure) error {
	if running, ok := ue.Procedures.common[proc.Kind]; ok {
		return fmt.Errorf("common procedure %s already running", running.Kind)
	}
	proc.PreviousState = ue.State.Current()
	ue.Procedures.common[proc.Kind] = proc
	return nil
}

func (ue *UeContext) CommonProcedure(kind CommonProcKind) *CommonProcedure {
	return ue.Procedures.common[kind]
}

func (ue *UeContext) IsCommonProcedureRunning(kind CommonProcKind) bool {
	_, ok := ue.Procedures.common[kind]
	return ok
}

// CompleteCommonProcedure deletes the procedure node, then invokes the
// recorded continuation on the owning context. Deletion happens first so the
// continuation may start a new procedure of the same kind.
func (ue *UeContext) CompleteCommonProcedure(kind CommonProcKind, success bool) error {
	proc, ok := ue.Procedures.common[kind]
	if !ok {
		return fmt.Errorf("common procedure %s is not running", kind)
	}
	proc.Timer.Stop()
	proc.Timer = nil
	delete(ue.Procedures.common, kind)

	if success {
		if proc.SuccessNotif != nil {
			proc.SuccessNotif(ue)
		}
	} else {
		if proc.FailureNotif != nil {
			proc.FailureNotif(ue)
		}
	}
	return nil
}

// AbortCommonProcedure stops the procedure's timer, runs its abort handler,
// restores the FSM state recorded at start and deletes the node. No
// continuation fires.
func (ue *UeContext) AbortCommonProcedure(kind CommonProcKind) {
	proc, ok := ue.Procedures.common[kind]
	if !ok {
		return
	}
	proc.Timer.Stop()
	proc.Timer = nil
	if proc.AbortNotif != nil {
		proc.AbortNotif(ue)
	}
	ue.State.Set(proc.PreviousState)
	delete(ue.Procedures.common, kind)
}

// abortAll walks the tree pre-order: the specific root's abort handler runs
// first, then every common child is aborted and deleted, then the root.
func (p *EmmProcedures) abortAll(ue *UeContext) {
	spec := p.specific
	if spec != nil && spec.Attach != nil {
		spec.Attach.T3450.Stop()
		spec.Attach.T3450 = nil
	}
	if spec != nil && spec.AbortNotif != nil {
		spec.AbortNotif(ue)
	}
	for kind, proc := range p.common {
		proc.Timer.Stop()
		proc.Timer = nil
		if proc.AbortNotif != nil {
			proc.AbortNotif(ue)
		}
		delete(p.common, kind)
	}
	if spec != nil {
		p.specific = nil
	}
}

// AbortAllProcedures tears the whole tree down; timers stop before handlers
// run on each node.
func (ue *UeContext) AbortAllProcedures() {
	ue.Procedures.abortAll(ue)
}
