// SPDX-FileCopyrightText: 2021 Open Networking Foundation <info@opennetworking.org>
// Copyright 2019 free5GC.org
//
// SPDX-License-Identifier: Apache-2.0
//

package oam

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/omec-project/mme/context"
	"github.com/omec-project/mme/logger"
)

type UeContextInfo struct {
	MmeUeS1apID int64        `json:"mmeUeS1apId"`
	Imsi        string       `json:"imsi,omitempty"`
	Guti        *context.Guti `json:"guti,omitempty"`
	EmmState    string       `json:"emmState"`
	IsAttached  bool         `json:"isAttached"`
}

// HTTPRegisteredUeContext lists the UE contexts the MME currently holds,
// optionally narrowed to one IMSI.
func HTTPRegisteredUeContext(c *gin.Context) {
	logger.OamLog.Infoln("handle registered UE context request")

	wantImsi := c.Param("imsi")
	mme := context.MME_Self()

	var infos []UeContextInfo
	collect := func(ue *context.UeContext) bool {
		info := UeContextInfo{
			MmeUeS1apID: ue.MmeUeS1apID,
			EmmState:    string(ue.State.Current()),
			IsAttached:  ue.IsAttached,
		}
		if imsi, ok := ue.Imsi(); ok {
			info.Imsi = imsi
		}
		if guti, ok := ue.ValidGuti(); ok {
			info.Guti = &guti
		}
		infos = append(infos, info)
		return true
	}

	if wantImsi != "" {
		if ue, ok := mme.UeContextFindByImsi(wantImsi); ok {
			collect(ue)
		}
		if len(infos) == 0 {
			c.JSON(http.StatusNotFound, gin.H{"cause": "ue context not found"})
			return
		}
	} else {
		mme.RangeUeContexts(collect)
	}

	c.JSON(http.StatusOK, infos)
}
