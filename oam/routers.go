// SPDX-FileCopyrightText: 2021 Open Networking Foundation <info@opennetworking.org>
// Copyright 2019 free5GC.org
//
// SPDX-License-Identifier: Apache-2.0
//

package oam

import (
	"github.com/gin-gonic/gin"
)

// NewRouter exposes the read-only OAM surface.
func NewRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	group := router.Group("/mme-oam/v1")
	group.GET("/registered-ue-context", HTTPRegisteredUeContext)
	group.GET("/registered-ue-context/:imsi", HTTPRegisteredUeContext)

	return router
}
