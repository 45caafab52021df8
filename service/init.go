// SPDX-FileCopyrightText: 2021 Open Networking Foundation <info@opennetworking.org>
// Copyright 2019 free5GC.org
//
// SPDX-License-Identifier: Apache-2.0
//

package service

import (
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/omec-project/mme/context"
	"github.com/omec-project/mme/emm"
	"github.com/omec-project/mme/factory"
	"github.com/omec-project/mme/handler"
	"github.com/omec-project/mme/logger"
	"github.com/omec-project/mme/metrics"
	"github.com/omec-project/mme/nas/nas_security"
	"github.com/omec-project/mme/oam"
)

type MME struct {
	cfgPath string
}

// the number of workers draining the central message queue
const handlerWorkers = 4

func (mme *MME) GetCliCmd() (flags []cli.Flag) {
	return []cli.Flag{
		cli.StringFlag{
			Name:  "cfg",
			Usage: "mme config file",
		},
	}
}

func (mme *MME) Initialize(c *cli.Context) error {
	mme.cfgPath = c.String("cfg")
	if mme.cfgPath == "" {
		return fmt.Errorf("no config file supplied")
	}

	if err := factory.InitConfigFactory(mme.cfgPath); err != nil {
		return err
	}
	if err := factory.CheckConfigVersion(); err != nil {
		return err
	}

	mme.setLogLevel()
	context.InitMmeContext(&factory.MmeConfig)
	return nil
}

func (mme *MME) setLogLevel() {
	cfg := factory.MmeConfig.Logger
	if cfg == nil {
		return
	}
	if cfg.Level != "" {
		if level, err := logrus.ParseLevel(cfg.Level); err != nil {
			logger.InitLog.Warnf("log level [%s] is invalid, set to [info] level", cfg.Level)
		} else {
			logger.InitLog.Infof("log level is set to [%s] level", level)
			logger.SetLogLevel(level)
		}
	}
	logger.SetReportCaller(cfg.ReportCaller)
}

func (mme *MME) Start() {
	logger.InitLog.Infoln("server started")

	rt := emm.NewRuntime(context.MME_Self(), &downlinkForwarder{}, &esmStub{})

	done := make(chan struct{})
	if err := factory.WatchConfig(mme.cfgPath, done); err != nil {
		logger.InitLog.Warnf("config watcher not started: %v", err)
	}

	go metrics.InitMetrics()

	router := oam.NewRouter()
	go func() {
		sbi := factory.MmeConfig.Configuration.Sbi
		addr := ":8090"
		if sbi != nil && sbi.Port != 0 {
			addr = fmt.Sprintf("%s:%d", sbi.BindingIPv4, sbi.Port)
		}
		if err := http.ListenAndServe(addr, router); err != nil {
			logger.InitLog.Errorf("OAM server stopped: %v", err)
		}
	}()

	for i := 0; i < handlerWorkers; i++ {
		go handler.Handle(rt)
	}

	select {}
}

// downlinkForwarder is the EMMAS downcall surface of a standalone MME: the
// S1AP task consuming these messages runs in another process, so the
// forwarder protects the payload and logs what would go out.
type downlinkForwarder struct{}

func (f *downlinkForwarder) EstablishCnf(ue *context.UeContext, est *emm.AsEstablish) error {
	payload := est.NasMsg
	if est.SecurityCtx != nil && len(payload) != 0 {
		protected, err := nas_security.Encode(ue, payload,
			nas_security.SecurityHeaderTypeIntegrityProtectedAndCiphered)
		if err != nil {
			return err
		}
		payload = protected
	}
	ue.NASLog.Infof("downlink ATTACH ACCEPT, guti %+v, %d esm octets", est.Guti, len(payload))
	return nil
}

func (f *downlinkForwarder) EstablishRej(ue *context.UeContext, est *emm.AsEstablish) error {
	ue.NASLog.Infof("downlink ATTACH REJECT, cause %d", est.EmmCause)
	return nil
}

func (f *downlinkForwarder) SendIdentityRequest(ue *context.UeContext, identityType uint8) error {
	ue.NASLog.Infof("downlink IDENTITY REQUEST, type %d", identityType)
	return nil
}

func (f *downlinkForwarder) SendAuthenticationRequest(ue *context.UeContext, rand, autn [16]byte) error {
	ue.NASLog.Infoln("downlink AUTHENTICATION REQUEST")
	return nil
}

func (f *downlinkForwarder) SendSecurityModeCommand(ue *context.UeContext, sctx *context.SecurityContext) error {
	ue.NASLog.Infof("downlink SECURITY MODE COMMAND, eea 0x%X eia 0x%X", sctx.CipheringAlg, sctx.IntegrityAlg)
	return nil
}

func (f *downlinkForwarder) NotifyNewRanID(enbKey context.EnbUeKey, mmeUeS1apID int64) {
	logger.AppLog.Infof("new ue association %+v -> mme_ue_s1ap_id %d", enbKey, mmeUeS1apID)
}

// esmStub stands in for the session management task; it discards everything,
// which the attach machinery treats as "ignore the ESM procedure failure".
type esmStub struct{}

func (e *esmStub) Send(primitive emm.SapPrimitive, ue *context.UeContext, msg []byte) emm.EsmResult {
	ue.EmmLog.Debugf("ESM stub discards %s (%d octets)", primitive, len(msg))
	return emm.EsmResult{Err: emm.EsmSapDiscarded}
}
