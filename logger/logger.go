// SPDX-FileCopyrightText: 2021 Open Networking Foundation <info@opennetworking.org>
// Copyright 2019 free5GC.org
//
// SPDX-License-Identifier: Apache-2.0
//

package logger

import (
	"time"

	formatter "github.com/antonfisher/nested-logrus-formatter"
	"github.com/sirupsen/logrus"
)

const FieldMmeUeS1apID string = "mme_ue_s1ap_id"

var (
	log        *logrus.Logger
	AppLog     *logrus.Entry
	InitLog    *logrus.Entry
	CfgLog     *logrus.Entry
	ContextLog *logrus.Entry
	EmmLog     *logrus.Entry
	NasLog     *logrus.Entry
	SapLog     *logrus.Entry
	HandlerLog *logrus.Entry
	OamLog     *logrus.Entry
	UtilLog    *logrus.Entry
	GinLog     *logrus.Entry
)

func init() {
	log = logrus.New()
	log.SetReportCaller(false)

	log.Formatter = &formatter.Formatter{
		TimestampFormat: time.RFC3339,
		TrimMessages:    true,
		NoFieldsSpace:   true,
		HideKeys:        true,
		FieldsOrder:     []string{"component", "category", FieldMmeUeS1apID},
	}

	AppLog = log.WithFields(logrus.Fields{"component": "MME", "category": "App"})
	InitLog = log.WithFields(logrus.Fields{"component": "MME", "category": "Init"})
	CfgLog = log.WithFields(logrus.Fields{"component": "MME", "category": "CFG"})
	ContextLog = log.WithFields(logrus.Fields{"component": "MME", "category": "Context"})
	EmmLog = log.WithFields(logrus.Fields{"component": "MME", "category": "Emm"})
	NasLog = log.WithFields(logrus.Fields{"component": "MME", "category": "NAS"})
	SapLog = log.WithFields(logrus.Fields{"component": "MME", "category": "Sap"})
	HandlerLog = log.WithFields(logrus.Fields{"component": "MME", "category": "Handler"})
	OamLog = log.WithFields(logrus.Fields{"component": "MME", "category": "OAM"})
	UtilLog = log.WithFields(logrus.Fields{"component": "MME", "category": "Util"})
	GinLog = log.WithFields(logrus.Fields{"component": "MME", "category": "GIN"})
}

func SetLogLevel(level logrus.Level) {
	log.SetLevel(level)
}

func SetReportCaller(enable bool) {
	log.SetReportCaller(enable)
}
