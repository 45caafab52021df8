// SPDX-FileCopyrightText: 2021 Open Networking Foundation <info@opennetworking.org>
//
// SPDX-License-Identifier: Apache-2.0
//

package mme_message

import "github.com/omec-project/mme/context"

type Event int

const (
	EventAttachRequest Event = iota
	EventAttachComplete
	EventAttachRejectProtocolError
	EventIdentityResponse
	EventAuthenticationResponse
	EventAuthenticationFailure
	EventSecurityModeComplete
	EventSecurityModeReject
)

type HandlerMessage struct {
	Event Event
	RanID int64
	Value interface{}
}

type AttachRequestValue struct {
	EnbKey context.EnbUeKey
	Ies    *context.AttachRequestIEs
}

type AttachCompleteValue struct {
	EsmMsg       []byte
	DecodeStatus context.NasDecodeStatus
}

type RejectValue struct {
	Cause context.EmmCause
}

type IdentityResponseValue struct {
	Imsi string
}

type AuthenticationResponseValue struct {
	Res []byte
}

var MmeChannel chan HandlerMessage

func init() {
	MmeChannel = make(chan HandlerMessage, 1024)
}

func SendMessage(msg HandlerMessage) {
	MmeChannel <- msg
}
