// SPDX-FileCopyrightText: 2021 Open Networking Foundation <info@opennetworking.org>
// Copyright 2019 free5GC.org
//
// SPDX-License-Identifier: Apache-2.0
//

/*
 * MME Statistics exposing to prometheus
 *
 */

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/omec-project/mme/logger"
)

const (
	AttachRequest    = "attach_request"
	AttachAccept     = "attach_accept"
	AttachComplete   = "attach_complete"
	AttachReject     = "attach_reject"
	AttachIesChanged = "attach_ies_changed"
)

// MmeStats captures MME level stats
type MmeStats struct {
	attachMsg     *prometheus.CounterVec
	registeredUes prometheus.Gauge
}

var mmeStats *MmeStats

func initMmeStats() *MmeStats {
	return &MmeStats{
		attachMsg: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "emm_attach_messages_total",
			Help: "EMM attach signalling counters",
		}, []string{"msg_type"}),

		registeredUes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "emm_registered_ues",
			Help: "UEs currently in EMM-REGISTERED",
		}),
	}
}

func (ms *MmeStats) register() error {
	prometheus.Unregister(ms.attachMsg)

	if err := prometheus.Register(ms.attachMsg); err != nil {
		return err
	}
	if err := prometheus.Register(ms.registeredUes); err != nil {
		return err
	}
	return nil
}

func init() {
	mmeStats = initMmeStats()

	if err := mmeStats.register(); err != nil {
		logger.AppLog.Errorln("MME stats register failed", err)
	}
}

// InitMetrics initialises the MME stats endpoint
func InitMetrics() {
	http.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(":9089", nil); err != nil {
		logger.InitLog.Errorf("could not open metrics port: %v", err)
	}
}

// IncrementAttachStats increments attach signalling stats
func IncrementAttachStats(msgType string) {
	mmeStats.attachMsg.WithLabelValues(msgType).Inc()
}

// SetRegisteredUes maintains the registered UE gauge
func SetRegisteredUes(count int) {
	mmeStats.registeredUes.Set(float64(count))
}
