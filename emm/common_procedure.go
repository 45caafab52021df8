// SPDX-FileCopyrightText: 2021 Open Networking Foundation <info@opennetworking.org>
//
// SPDX-License-Identifier: Apache-2.0
//

package emm

import (
	"github.com/omec-project/mme/context"
	"github.com/omec-project/mme/factory"
)

// startCommonProcTimer arms the retransmission timer of a common procedure
// (T3460 for authentication and security mode control, T3470 for
// identification). Expiries one to max-1 re-send the request; the last one
// fails the procedure toward its parent. The attach turns a failed
// identification or authentication into an attach reject; a failed security
// mode control releases the UE context without sending a reject. Callbacks
// re-check that the procedure that armed the timer is still the one running.
func (r *Runtime) startCommonProcTimer(ue *context.UeContext, proc *context.CommonProcedure,
	cfg factory.TimerValue, name string, resend func(*context.UeContext),
) {
	if !cfg.Enable {
		return
	}

	kind := proc.Kind
	var t *context.Timer
	t = context.NewTimer(cfg.ExpireTime, cfg.MaxRetryTimes, func(expireTimes int32) {
		ue.Mutex.Lock()
		defer ue.Mutex.Unlock()
		p := ue.CommonProcedure(kind)
		if p == nil || p.Timer != t {
			return
		}
		p.RetransmissionCount++
		ue.EmmLog.Warnf("%s expires, retransmit (retry: %d)", name, p.RetransmissionCount)
		resend(ue)
	}, func() {
		ue.Mutex.Lock()
		defer ue.Mutex.Unlock()
		p := ue.CommonProcedure(kind)
		if p == nil || p.Timer != t {
			return
		}
		ue.EmmLog.Warnf("%s expires %d times, abort %s procedure", name, cfg.MaxRetryTimes, kind)
		if err := ue.CompleteCommonProcedure(kind, false); err != nil {
			ue.EmmLog.Errorf("complete %s error: %v", kind, err)
		}
	})
	proc.Timer = t
}
