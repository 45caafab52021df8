// SPDX-FileCopyrightText: 2021 Open Networking Foundation <info@opennetworking.org>
// Copyright 2019 free5GC.org
//
// SPDX-License-Identifier: Apache-2.0
//

package emm

import (
	"github.com/omec-project/util/fsm"

	"github.com/omec-project/mme/context"
	"github.com/omec-project/mme/logger"
)

const (
	AttachStartEvent          fsm.EventType = "Attach Start"
	CommonProcedureStartEvent fsm.EventType = "Common Procedure Start"
	AttachAcceptSentEvent     fsm.EventType = "Attach Accept Sent"
	AttachSuccessEvent        fsm.EventType = "Attach Success"
	AttachFailureEvent        fsm.EventType = "Attach Failure"
)

const ArgEmmUe string = "EMM Ue"

var transitions = fsm.Transitions{
	{Event: AttachStartEvent, From: context.Deregistered, To: context.CommonProcedureInitiated},
	{Event: AttachStartEvent, From: context.Registered, To: context.CommonProcedureInitiated},
	{Event: AttachStartEvent, From: context.CommonProcedureInitiated, To: context.CommonProcedureInitiated},
	{Event: AttachStartEvent, From: context.RegisteredInitiated, To: context.CommonProcedureInitiated},

	{Event: CommonProcedureStartEvent, From: context.Deregistered, To: context.CommonProcedureInitiated},
	{Event: CommonProcedureStartEvent, From: context.CommonProcedureInitiated, To: context.CommonProcedureInitiated},
	{Event: CommonProcedureStartEvent, From: context.Registered, To: context.CommonProcedureInitiated},

	{Event: AttachAcceptSentEvent, From: context.CommonProcedureInitiated, To: context.RegisteredInitiated},
	{Event: AttachAcceptSentEvent, From: context.RegisteredInitiated, To: context.RegisteredInitiated},

	{Event: AttachSuccessEvent, From: context.RegisteredInitiated, To: context.Registered},

	{Event: AttachFailureEvent, From: context.Deregistered, To: context.Deregistered},
	{Event: AttachFailureEvent, From: context.CommonProcedureInitiated, To: context.Deregistered},
	{Event: AttachFailureEvent, From: context.RegisteredInitiated, To: context.Deregistered},
	{Event: AttachFailureEvent, From: context.Registered, To: context.Deregistered},
	{Event: AttachFailureEvent, From: context.DeregisteredInitiated, To: context.Deregistered},
}

var callbacks = fsm.Callbacks{
	context.Deregistered:             deregistered,
	context.CommonProcedureInitiated: commonProcedureInitiated,
	context.RegisteredInitiated:      registeredInitiated,
	context.Registered:               registered,
}

var EmmFSM *fsm.FSM

func init() {
	var err error
	EmmFSM, err = fsm.NewFSM(transitions, callbacks)
	if err != nil {
		logger.EmmLog.Errorf("initialize EMM FSM error: %+v", err)
	}
}

func sendFsmEvent(ue *context.UeContext, event fsm.EventType) {
	if err := EmmFSM.SendEvent(ue.State, event, fsm.ArgsType{ArgEmmUe: ue}); err != nil {
		ue.EmmLog.Errorf("FSM error: %+v", err)
	}
}

func deregistered(state *fsm.State, event fsm.EventType, args fsm.ArgsType) {
	ue := args[ArgEmmUe].(*context.UeContext)
	ue.EmmLog.Debugf("EMM state machine enter Deregistered on %s", event)
	ue.ClearAttachData()
}

func commonProcedureInitiated(state *fsm.State, event fsm.EventType, args fsm.ArgsType) {
	ue := args[ArgEmmUe].(*context.UeContext)
	ue.EmmLog.Debugf("EMM state machine enter CommonProcedureInitiated on %s", event)
}

func registeredInitiated(state *fsm.State, event fsm.EventType, args fsm.ArgsType) {
	ue := args[ArgEmmUe].(*context.UeContext)
	ue.EmmLog.Debugf("EMM state machine enter RegisteredInitiated on %s", event)
}

func registered(state *fsm.State, event fsm.EventType, args fsm.ArgsType) {
	ue := args[ArgEmmUe].(*context.UeContext)
	ue.EmmLog.Debugf("EMM state machine enter Registered on %s", event)
	ue.ClearAttachData()
}
