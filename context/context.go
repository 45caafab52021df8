// SPDX-FileCopyrightText: 2021 Open Networking Foundation <info@opennetworking.org>
// Copyright 2019 free5GC.org
//
// SPDX-License-Identifier: Apache-2.0
//

package context

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/omec-project/util/idgenerator"

	"github.com/omec-project/mme/factory"
	"github.com/omec-project/mme/logger"
)

var (
	mmeContext           = MMEContext{}
	tmsiGenerator        *idgenerator.IDGenerator
	mmeUeS1apIDGenerator *idgenerator.IDGenerator
)

func init() {
	MME_Self().ueIndex.init()
	MME_Self().Name = "mme"
	MME_Self().NfId = uuid.New().String()
	tmsiGenerator = idgenerator.NewGenerator(1, 2147483647)
	mmeUeS1apIDGenerator = idgenerator.NewGenerator(1, maxValueOfMmeUeS1apID)
}

type MMEContext struct {
	ueIndex

	NfId string
	Name string

	ServedGummeiList []Gummei
	SupportTaiList   []Tai

	NetworkName              factory.NetworkName
	EpsNetworkFeatureSupport uint8

	SecurityAlgorithm SecurityAlgorithm

	T3402Value int // second
	T3412Value int // second

	T3422Cfg factory.TimerValue
	T3450Cfg factory.TimerValue
	T3460Cfg factory.TimerValue
	T3470Cfg factory.TimerValue
}

type SecurityAlgorithm struct {
	IntegrityOrder []uint8 // preferred order of EIA0..EIA3
	CipheringOrder []uint8 // preferred order of EEA0..EEA3
}

func MME_Self() *MMEContext {
	return &mmeContext
}

// InitMmeContext seeds the runtime from the parsed configuration; called once
// at start and never concurrently with message processing.
func InitMmeContext(cfg *factory.Config) {
	mme := MME_Self()
	c := cfg.Configuration
	if c == nil {
		logger.ContextLog.Errorln("no configuration to initialize MME context from")
		return
	}
	if c.MmeName != "" {
		mme.Name = c.MmeName
	}
	for _, g := range c.ServedGummeiList {
		mme.ServedGummeiList = append(mme.ServedGummeiList, Gummei{
			PlmnID:  PlmnID{Mcc: g.PlmnId.Mcc, Mnc: g.PlmnId.Mnc},
			MmeGid:  g.MmeGid,
			MmeCode: g.MmeCode,
		})
	}
	for _, t := range c.SupportTaiList {
		mme.SupportTaiList = append(mme.SupportTaiList, Tai{
			PlmnID: PlmnID{Mcc: t.PlmnId.Mcc, Mnc: t.PlmnId.Mnc},
			Tac:    t.Tac,
		})
	}
	mme.NetworkName = c.NetworkName
	if nfs := c.NetworkFeatureSupportEps; nfs != nil && nfs.Enable {
		if nfs.ImsVoPS != 0 {
			mme.EpsNetworkFeatureSupport |= EpsNetworkFeatureSupportImsVoPS
		}
		if nfs.EmergencyBearerServices {
			mme.EpsNetworkFeatureSupport |= EpsNetworkFeatureSupportEmergencyBearerServices
		}
	}
	mme.T3402Value = c.T3402Value
	mme.T3412Value = c.T3412Value
	mme.T3422Cfg = c.T3422
	mme.T3450Cfg = c.T3450
	mme.T3460Cfg = c.T3460
	mme.T3470Cfg = c.T3470

	if sec := c.Security; sec != nil {
		mme.SecurityAlgorithm.IntegrityOrder = parseAlgOrder(sec.IntegrityOrder, "EIA")
		mme.SecurityAlgorithm.CipheringOrder = parseAlgOrder(sec.CipheringOrder, "EEA")
	}
	if len(mme.SecurityAlgorithm.IntegrityOrder) == 0 {
		mme.SecurityAlgorithm.IntegrityOrder = []uint8{AlgIntegrityEia2}
	}
	if len(mme.SecurityAlgorithm.CipheringOrder) == 0 {
		mme.SecurityAlgorithm.CipheringOrder = []uint8{AlgCipheringEea0}
	}
}

func parseAlgOrder(names []string, prefix string) (order []uint8) {
	for _, name := range names {
		switch name {
		case prefix + "0":
			order = append(order, 0)
		case prefix + "1":
			order = append(order, 1)
		case prefix + "2":
			order = append(order, 2)
		case prefix + "3":
			order = append(order, 3)
		default:
			logger.ContextLog.Warnf("ignoring unknown security algorithm %q", name)
		}
	}
	return order
}

func (mme *MMEContext) TmsiAllocate() int32 {
	tmsi, err := tmsiGenerator.Allocate()
	if err != nil {
		logger.ContextLog.Errorf("allocate TMSI error: %+v", err)
		return -1
	}
	return int32(tmsi)
}

func (mme *MMEContext) TmsiFree(tmsi int32) {
	tmsiGenerator.FreeID(int64(tmsi))
}

func (mme *MMEContext) MmeUeS1apIDAlloc() (int64, error) {
	return mmeUeS1apIDGenerator.Allocate()
}

// NewUeContext creates a context for a UE first observed on the given eNB
// association, DEREGISTERED with every optional attribute absent.
func (mme *MMEContext) NewUeContext(enbKey EnbUeKey) (*UeContext, error) {
	ue := UeContext{EnbKey: enbKey}
	ue.init()
	if err := mme.InsertUeContext(&ue); err != nil {
		return nil, err
	}
	return &ue, nil
}

// AllocateGutiToUe builds a fresh GUTI from the first served GUMMEI and a new
// M-TMSI, installs it as the context's present GUTI and returns it together
// with the TAI list the UE gets registered in.
func (mme *MMEContext) AllocateGutiToUe(ue *UeContext) (Guti, []Tai, error) {
	if len(mme.ServedGummeiList) == 0 {
		return Guti{}, nil, fmt.Errorf("no served GUMMEI configured")
	}
	served := mme.ServedGummeiList[0]

	if guti, ok := ue.Guti(); ok {
		mme.TmsiFree(int32(guti.MTmsi))
	}

	guti := Guti{
		PlmnID:  served.PlmnID,
		MmeGid:  served.MmeGid,
		MmeCode: served.MmeCode,
		MTmsi:   uint32(mme.TmsiAllocate()),
	}

	taiList := mme.taiListForPlmn(served.PlmnID)
	if len(taiList) == 0 && ue.OriginatingTai != (Tai{}) {
		taiList = []Tai{ue.OriginatingTai}
	}

	if err := mme.RekeyUeContext(ue, UeIndexUpdates{Guti: &guti}); err != nil {
		mme.TmsiFree(int32(guti.MTmsi))
		return Guti{}, nil, err
	}
	ue.SetGuti(guti)
	ue.GutiIsNew = true
	return guti, taiList, nil
}

func (mme *MMEContext) taiListForPlmn(plmn PlmnID) (list []Tai) {
	for _, tai := range mme.SupportTaiList {
		if tai.PlmnID == plmn {
			list = append(list, tai)
		}
	}
	return list
}

func InTaiList(tai Tai, taiList []Tai) bool {
	for _, t := range taiList {
		if t == tai {
			return true
		}
	}
	return false
}

// Remove releases the UE context: aborts whatever is still running, frees the
// M-TMSI and purges every index entry, so lookups by any former identifier
// miss afterwards.
func (ue *UeContext) Remove() {
	ue.AbortAllProcedures()
	if ue.ServingMme == nil {
		return
	}
	if guti, ok := ue.Guti(); ok {
		ue.ServingMme.TmsiFree(int32(guti.MTmsi))
	}
	ue.ServingMme.RemoveUeContext(ue)
}

// Reset clears the runtime; test hook.
func (mme *MMEContext) Reset() {
	mme.ueIndex.init()
	mme.ServedGummeiList = nil
	mme.SupportTaiList = nil
	mme.EpsNetworkFeatureSupport = 0
	mme.SecurityAlgorithm = SecurityAlgorithm{}
	mme.T3402Value = 0
	mme.T3412Value = 0
	mme.T3422Cfg = factory.TimerValue{}
	mme.T3450Cfg = factory.TimerValue{}
	mme.T3460Cfg = factory.TimerValue{}
	mme.T3470Cfg = factory.TimerValue{}
	mme.Name = "mme"
}
