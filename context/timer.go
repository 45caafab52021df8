// SPDX-FileCopyrightText: 2022-present Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package context

import (
	"sync/atomic"
	"time"
)

// Timer is the retransmission timer used by the EMM procedures (T3450, T3460,
// T3470). expiredFunc runs on every expiry but the last; cancelFunc runs on
// expiry number maxRetryTimes. Stop is idempotent and safe to race with a
// firing tick; a callback that outlives its procedure must check that the
// owning procedure still exists.
type Timer struct {
	ticker *time.Ticker
	done   chan bool
	stopped int32
}

func NewTimer(d time.Duration, maxRetryTimes int32,
	expiredFunc func(expireTimes int32), cancelFunc func(),
) *Timer {
	t := &Timer{
		ticker: time.NewTicker(d),
		done:   make(chan bool, 1),
	}

	go func() {
		defer t.ticker.Stop()
		var expireTimes int32
		for {
			select {
			case <-t.done:
				return
			case <-t.ticker.C:
				expireTimes++
				if expireTimes < maxRetryTimes {
					expiredFunc(expireTimes)
				} else {
					cancelFunc()
					return
				}
			}
		}
	}()

	return t
}

func (t *Timer) Stop() {
	if t == nil {
		return
	}
	if atomic.CompareAndSwapInt32(&t.stopped, 0, 1) {
		t.done <- true
	}
}
