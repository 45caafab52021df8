// SPDX-FileCopyrightText: 2021 Open Networking Foundation <info@opennetworking.org>
//
// SPDX-License-Identifier: Apache-2.0
//

package context

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omec-project/mme/factory"
)

func newTestMme(t *testing.T) *MMEContext {
	t.Helper()
	mme := MME_Self()
	mme.Reset()
	mme.ServedGummeiList = []Gummei{{
		PlmnID:  PlmnID{Mcc: "001", Mnc: "01"},
		MmeGid:  4,
		MmeCode: 1,
	}}
	mme.SupportTaiList = []Tai{
		{PlmnID: PlmnID{Mcc: "001", Mnc: "01"}, Tac: 1},
		{PlmnID: PlmnID{Mcc: "001", Mnc: "01"}, Tac: 2},
	}
	return mme
}

func TestUeContextLookupByEveryIdentifier(t *testing.T) {
	mme := newTestMme(t)

	key := EnbUeKey{EnbID: 10, EnbUeS1apID: 100}
	ue, err := mme.NewUeContext(key)
	require.NoError(t, err)

	id := int64(42)
	require.NoError(t, mme.RekeyUeContext(ue, UeIndexUpdates{MmeUeS1apID: &id}))

	imsi := "001010123456789"
	require.NoError(t, mme.RekeyUeContext(ue, UeIndexUpdates{Imsi: &imsi}))
	ue.SetValidImsi(imsi)

	guti, _, err := mme.AllocateGutiToUe(ue)
	require.NoError(t, err)

	byKey, ok := mme.UeContextFindByEnbKey(key)
	assert.True(t, ok)
	assert.Same(t, ue, byKey)

	byID, ok := mme.UeContextFindByMmeUeS1apID(id)
	assert.True(t, ok)
	assert.Same(t, ue, byID)

	byImsi, ok := mme.UeContextFindByImsi(imsi)
	assert.True(t, ok)
	assert.Same(t, ue, byImsi)

	byGuti, ok := mme.UeContextFindByGuti(guti)
	assert.True(t, ok)
	assert.Same(t, ue, byGuti)
}

func TestUeContextInsertCollision(t *testing.T) {
	mme := newTestMme(t)

	key := EnbUeKey{EnbID: 1, EnbUeS1apID: 7}
	_, err := mme.NewUeContext(key)
	require.NoError(t, err)

	_, err = mme.NewUeContext(key)
	assert.Error(t, err, "same eNB association may not be inserted twice")
}

func TestRekeyIsAtomic(t *testing.T) {
	mme := newTestMme(t)

	ue1, err := mme.NewUeContext(EnbUeKey{EnbID: 1, EnbUeS1apID: 1})
	require.NoError(t, err)
	ue2, err := mme.NewUeContext(EnbUeKey{EnbID: 1, EnbUeS1apID: 2})
	require.NoError(t, err)

	imsi := "001010000000001"
	require.NoError(t, mme.RekeyUeContext(ue1, UeIndexUpdates{Imsi: &imsi}))
	ue1.SetValidImsi(imsi)

	// a conflicting diff must leave every index untouched
	id := int64(99)
	err = mme.RekeyUeContext(ue2, UeIndexUpdates{MmeUeS1apID: &id, Imsi: &imsi})
	require.Error(t, err)

	assert.Equal(t, InvalidMmeUeS1apID, ue2.MmeUeS1apID)
	_, ok := mme.UeContextFindByMmeUeS1apID(id)
	assert.False(t, ok)
	byImsi, ok := mme.UeContextFindByImsi(imsi)
	assert.True(t, ok)
	assert.Same(t, ue1, byImsi)
}

func TestRekeyReplacesGuti(t *testing.T) {
	mme := newTestMme(t)

	ue, err := mme.NewUeContext(EnbUeKey{EnbID: 2, EnbUeS1apID: 3})
	require.NoError(t, err)

	first, _, err := mme.AllocateGutiToUe(ue)
	require.NoError(t, err)

	second := Guti{PlmnID: PlmnID{Mcc: "001", Mnc: "01"}, MmeGid: 4, MmeCode: 1, MTmsi: 0xdeadbeef}
	require.NoError(t, mme.RekeyUeContext(ue, UeIndexUpdates{Guti: &second}))
	ue.SetGuti(second)

	_, ok := mme.UeContextFindByGuti(first)
	assert.False(t, ok, "old GUTI must not resolve after rekey")
	byGuti, ok := mme.UeContextFindByGuti(second)
	assert.True(t, ok)
	assert.Same(t, ue, byGuti)
}

func TestRemovePurgesEveryIndex(t *testing.T) {
	mme := newTestMme(t)

	key := EnbUeKey{EnbID: 3, EnbUeS1apID: 4}
	ue, err := mme.NewUeContext(key)
	require.NoError(t, err)

	id := int64(5)
	require.NoError(t, mme.RekeyUeContext(ue, UeIndexUpdates{MmeUeS1apID: &id}))
	imsi := "001010000000002"
	require.NoError(t, mme.RekeyUeContext(ue, UeIndexUpdates{Imsi: &imsi}))
	ue.SetValidImsi(imsi)
	guti, _, err := mme.AllocateGutiToUe(ue)
	require.NoError(t, err)

	ue.Remove()

	if _, ok := mme.UeContextFindByEnbKey(key); ok {
		t.Error("enb key still resolves after remove")
	}
	if _, ok := mme.UeContextFindByMmeUeS1apID(id); ok {
		t.Error("mme-ue-s1ap-id still resolves after remove")
	}
	if _, ok := mme.UeContextFindByImsi(imsi); ok {
		t.Error("imsi still resolves after remove")
	}
	if _, ok := mme.UeContextFindByGuti(guti); ok {
		t.Error("guti still resolves after remove")
	}
}

func TestDuplicateEnbKeyRemoveNewContext(t *testing.T) {
	mme := newTestMme(t)

	oldKey := EnbUeKey{EnbID: 4, EnbUeS1apID: 5}
	oldUe, err := mme.NewUeContext(oldKey)
	require.NoError(t, err)
	oldID := int64(11)
	require.NoError(t, mme.RekeyUeContext(oldUe, UeIndexUpdates{MmeUeS1apID: &oldID}))

	newKey := EnbUeKey{EnbID: 4, EnbUeS1apID: 6}
	_, err = mme.NewUeContext(newKey)
	require.NoError(t, err)

	survivor := mme.DuplicateEnbUeS1apIDDetected(newKey, oldID, RemoveNewContext)
	require.Same(t, oldUe, survivor)

	byKey, ok := mme.UeContextFindByEnbKey(newKey)
	assert.True(t, ok)
	assert.Same(t, oldUe, byKey, "old context takes over the new association")
	_, ok = mme.UeContextFindByEnbKey(oldKey)
	assert.False(t, ok)
}

func TestDuplicateEnbKeyRemoveOldContext(t *testing.T) {
	mme := newTestMme(t)

	oldKey := EnbUeKey{EnbID: 5, EnbUeS1apID: 7}
	oldUe, err := mme.NewUeContext(oldKey)
	require.NoError(t, err)
	oldID := int64(12)
	require.NoError(t, mme.RekeyUeContext(oldUe, UeIndexUpdates{MmeUeS1apID: &oldID}))

	newKey := EnbUeKey{EnbID: 5, EnbUeS1apID: 8}
	newUe, err := mme.NewUeContext(newKey)
	require.NoError(t, err)

	survivor := mme.DuplicateEnbUeS1apIDDetected(newKey, oldID, RemoveOldContext)
	require.Same(t, newUe, survivor)

	_, ok := mme.UeContextFindByMmeUeS1apID(oldID)
	assert.False(t, ok, "old context purged")
	byKey, ok := mme.UeContextFindByEnbKey(newKey)
	assert.True(t, ok)
	assert.Same(t, newUe, byKey)
}

func TestAllocateGutiToUe(t *testing.T) {
	mme := newTestMme(t)

	ue, err := mme.NewUeContext(EnbUeKey{EnbID: 6, EnbUeS1apID: 9})
	require.NoError(t, err)
	ue.OriginatingTai = Tai{PlmnID: PlmnID{Mcc: "001", Mnc: "01"}, Tac: 1}

	guti, taiList, err := mme.AllocateGutiToUe(ue)
	require.NoError(t, err)

	assert.Equal(t, PlmnID{Mcc: "001", Mnc: "01"}, guti.PlmnID)
	assert.Equal(t, uint16(4), guti.MmeGid)
	assert.Equal(t, uint8(1), guti.MmeCode)
	assert.NotZero(t, guti.MTmsi)
	assert.Len(t, taiList, 2)
	assert.True(t, ue.GutiIsNew)

	got, present := ue.Guti()
	assert.True(t, present)
	assert.Equal(t, guti, got)
	_, valid := ue.ValidGuti()
	assert.False(t, valid, "allocated GUTI is present but not yet confirmed")
}

func TestInitMmeContextFromConfig(t *testing.T) {
	mme := MME_Self()
	mme.Reset()

	cfg := factory.Config{
		Configuration: &factory.Configuration{
			MmeName: "test-mme",
			ServedGummeiList: []factory.Gummei{{
				PlmnId: factory.PlmnId{Mcc: "208", Mnc: "93"}, MmeGid: 1, MmeCode: 2,
			}},
			SupportTaiList: []factory.Tai{{
				PlmnId: factory.PlmnId{Mcc: "208", Mnc: "93"}, Tac: 7,
			}},
			NetworkFeatureSupportEps: &factory.NetworkFeatureSupportEps{
				Enable: true, ImsVoPS: 1, EmergencyBearerServices: true,
			},
			Security: &factory.Security{
				IntegrityOrder: []string{"EIA2", "EIA1"},
				CipheringOrder: []string{"EEA0"},
			},
			T3402Value: 720,
		},
	}
	InitMmeContext(&cfg)

	assert.Equal(t, "test-mme", mme.Name)
	assert.Len(t, mme.ServedGummeiList, 1)
	assert.Len(t, mme.SupportTaiList, 1)
	assert.Equal(t,
		EpsNetworkFeatureSupportImsVoPS|EpsNetworkFeatureSupportEmergencyBearerServices,
		mme.EpsNetworkFeatureSupport)
	assert.Equal(t, []uint8{AlgIntegrityEia2, AlgIntegrityEia1}, mme.SecurityAlgorithm.IntegrityOrder)
	assert.Equal(t, []uint8{AlgCipheringEea0}, mme.SecurityAlgorithm.CipheringOrder)
	assert.Equal(t, 720, mme.T3402Value)
}
