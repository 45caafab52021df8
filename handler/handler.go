// SPDX-FileCopyrightText: 2021 Open Networking Foundation <info@opennetworking.org>
// Copyright 2019 free5GC.org
//
// SPDX-License-Identifier: Apache-2.0
//

package handler

import (
	"time"

	"github.com/omec-project/mme/emm"
	mme_message "github.com/omec-project/mme/handler/message"
	"github.com/omec-project/mme/logger"
)

// Handle drains the central inter-task queue. Worker goroutines may run this
// loop concurrently; per-UE ordering is preserved by the context mutex the
// EMM entry points take, so at most one message per UE is in flight.
func Handle(rt *emm.Runtime) {
	for {
		select {
		case msg, ok := <-mme_message.MmeChannel:
			if !ok {
				logger.HandlerLog.Errorln("channel closed")
				return
			}
			dispatch(rt, msg)
		case <-time.After(time.Second * 1):
		}
	}
}

func dispatch(rt *emm.Runtime, msg mme_message.HandlerMessage) {
	var err error
	switch msg.Event {
	case mme_message.EventAttachRequest:
		value, ok := msg.Value.(mme_message.AttachRequestValue)
		if !ok {
			logger.HandlerLog.Warnln("attach request parameter error")
			return
		}
		err = rt.OnAttachRequest(value.EnbKey, msg.RanID, value.Ies)
	case mme_message.EventAttachComplete:
		value, ok := msg.Value.(mme_message.AttachCompleteValue)
		if !ok {
			logger.HandlerLog.Warnln("attach complete parameter error")
			return
		}
		err = rt.OnAttachComplete(msg.RanID, value.EsmMsg, value.DecodeStatus)
	case mme_message.EventAttachRejectProtocolError:
		value, ok := msg.Value.(mme_message.RejectValue)
		if !ok {
			logger.HandlerLog.Warnln("attach reject parameter error")
			return
		}
		err = rt.OnAttachRejectFromProtocolError(msg.RanID, value.Cause)
	case mme_message.EventIdentityResponse:
		value, ok := msg.Value.(mme_message.IdentityResponseValue)
		if !ok {
			logger.HandlerLog.Warnln("identity response parameter error")
			return
		}
		err = rt.OnIdentityResponse(msg.RanID, value.Imsi)
	case mme_message.EventAuthenticationResponse:
		value, ok := msg.Value.(mme_message.AuthenticationResponseValue)
		if !ok {
			logger.HandlerLog.Warnln("authentication response parameter error")
			return
		}
		err = rt.OnAuthenticationResponse(msg.RanID, value.Res)
	case mme_message.EventAuthenticationFailure:
		value, ok := msg.Value.(mme_message.RejectValue)
		if !ok {
			logger.HandlerLog.Warnln("authentication failure parameter error")
			return
		}
		err = rt.OnAuthenticationFailure(msg.RanID, value.Cause)
	case mme_message.EventSecurityModeComplete:
		err = rt.OnSecurityModeComplete(msg.RanID)
	case mme_message.EventSecurityModeReject:
		value, ok := msg.Value.(mme_message.RejectValue)
		if !ok {
			logger.HandlerLog.Warnln("security mode reject parameter error")
			return
		}
		err = rt.OnSecurityModeReject(msg.RanID, value.Cause)
	default:
		logger.HandlerLog.Warnf("event[%d] has not implemented", msg.Event)
	}
	if err != nil {
		logger.HandlerLog.Errorf("handle event[%d] error: %v", msg.Event, err)
	}
}
