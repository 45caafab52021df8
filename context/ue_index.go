// SPDX-FileCopyrightText: 2021 Open Networking Foundation <info@opennetworking.org>
//
// SPDX-License-Identifier: Apache-2.0
//

package context

import (
	"fmt"
	"sync"
)

// The identifier index keeps one record of maps so that every mutation that
// touches more than one identifier is applied under a single writer lock:
// a context is either reachable by all the identifiers it holds, or by none.
// Lookups take the read lock and are linearizable with respect to rekeys.
type ueIndex struct {
	mu sync.RWMutex

	byMmeUeS1apID map[int64]*UeContext
	byImsi        map[string]*UeContext
	byGuti        map[Guti]*UeContext
	byEnbKey      map[EnbUeKey]*UeContext
}

// UeIndexUpdates is the diff a rekey applies; nil fields are untouched.
type UeIndexUpdates struct {
	MmeUeS1apID *int64
	Imsi        *string
	Guti        *Guti
	ClearGuti   bool
	EnbKey      *EnbUeKey
}

type RemovePolicy int

const (
	RemoveOldContext RemovePolicy = iota
	RemoveNewContext
)

func (idx *ueIndex) init() {
	idx.byMmeUeS1apID = make(map[int64]*UeContext)
	idx.byImsi = make(map[string]*UeContext)
	idx.byGuti = make(map[Guti]*UeContext)
	idx.byEnbKey = make(map[EnbUeKey]*UeContext)
}

/* lookups */

func (mme *MMEContext) UeContextFindByMmeUeS1apID(id int64) (*UeContext, bool) {
	mme.ueIndex.mu.RLock()
	defer mme.ueIndex.mu.RUnlock()
	ue, ok := mme.ueIndex.byMmeUeS1apID[id]
	return ue, ok
}

func (mme *MMEContext) UeContextFindByImsi(imsi string) (*UeContext, bool) {
	mme.ueIndex.mu.RLock()
	defer mme.ueIndex.mu.RUnlock()
	ue, ok := mme.ueIndex.byImsi[imsi]
	return ue, ok
}

func (mme *MMEContext) UeContextFindByGuti(guti Guti) (*UeContext, bool) {
	mme.ueIndex.mu.RLock()
	defer mme.ueIndex.mu.RUnlock()
	ue, ok := mme.ueIndex.byGuti[guti]
	return ue, ok
}

func (mme *MMEContext) UeContextFindByEnbKey(key EnbUeKey) (*UeContext, bool) {
	mme.ueIndex.mu.RLock()
	defer mme.ueIndex.mu.RUnlock()
	ue, ok := mme.ueIndex.byEnbKey[key]
	return ue, ok
}

// RangeUeContexts visits every indexed context; used by OAM listings.
func (mme *MMEContext) RangeUeContexts(visit func(ue *UeContext) bool) {
	mme.ueIndex.mu.RLock()
	defer mme.ueIndex.mu.RUnlock()
	for _, ue := range mme.ueIndex.byEnbKey {
		if !visit(ue) {
			return
		}
	}
}

/* mutations */

// InsertUeContext registers the context under every identifier it currently
// holds. It fails without side effects if any identifier collides.
func (mme *MMEContext) InsertUeContext(ue *UeContext) error {
	idx := &mme.ueIndex
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if ue.MmeUeS1apID != InvalidMmeUeS1apID {
		if other, ok := idx.byMmeUeS1apID[ue.MmeUeS1apID]; ok && other != ue {
			return fmt.Errorf("mme-ue-s1ap-id %d already in use", ue.MmeUeS1apID)
		}
	}
	if imsi, ok := ue.Imsi(); ok {
		if other, exists := idx.byImsi[imsi]; exists && other != ue {
			return fmt.Errorf("imsi %s already in use", imsi)
		}
	}
	if guti, ok := ue.Guti(); ok {
		if other, exists := idx.byGuti[guti]; exists && other != ue {
			return fmt.Errorf("guti %+v already in use", guti)
		}
	}
	if other, ok := idx.byEnbKey[ue.EnbKey]; ok && other != ue {
		return fmt.Errorf("enb key %+v already in use", ue.EnbKey)
	}

	if ue.MmeUeS1apID != InvalidMmeUeS1apID {
		idx.byMmeUeS1apID[ue.MmeUeS1apID] = ue
	}
	if imsi, ok := ue.Imsi(); ok {
		idx.byImsi[imsi] = ue
	}
	if guti, ok := ue.Guti(); ok {
		idx.byGuti[guti] = ue
	}
	idx.byEnbKey[ue.EnbKey] = ue
	return nil
}

// RekeyUeContext atomically applies an identifier diff: every update is
// validated against the index before any entry changes, so either all index
// changes land or none do. Old entries are located through the attribute
// accessors, so the caller stores the new IMSI/GUTI value on the context
// after a successful rekey, not before.
func (mme *MMEContext) RekeyUeContext(ue *UeContext, updates UeIndexUpdates) error {
	idx := &mme.ueIndex
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if updates.MmeUeS1apID != nil {
		if other, ok := idx.byMmeUeS1apID[*updates.MmeUeS1apID]; ok && other != ue {
			return fmt.Errorf("mme-ue-s1ap-id %d already in use", *updates.MmeUeS1apID)
		}
	}
	if updates.Imsi != nil {
		if other, ok := idx.byImsi[*updates.Imsi]; ok && other != ue {
			return fmt.Errorf("imsi %s already in use", *updates.Imsi)
		}
	}
	if updates.Guti != nil {
		if other, ok := idx.byGuti[*updates.Guti]; ok && other != ue {
			return fmt.Errorf("guti %+v already in use", *updates.Guti)
		}
	}
	if updates.EnbKey != nil {
		if other, ok := idx.byEnbKey[*updates.EnbKey]; ok && other != ue {
			return fmt.Errorf("enb key %+v already in use", *updates.EnbKey)
		}
	}

	if updates.MmeUeS1apID != nil {
		if ue.MmeUeS1apID != InvalidMmeUeS1apID {
			delete(idx.byMmeUeS1apID, ue.MmeUeS1apID)
		}
		ue.MmeUeS1apID = *updates.MmeUeS1apID
		idx.byMmeUeS1apID[ue.MmeUeS1apID] = ue
	}
	if updates.Imsi != nil {
		if imsi, ok := ue.Imsi(); ok {
			delete(idx.byImsi, imsi)
		}
		idx.byImsi[*updates.Imsi] = ue
	}
	if updates.ClearGuti || updates.Guti != nil {
		if guti, ok := ue.Guti(); ok {
			delete(idx.byGuti, guti)
		}
	}
	if updates.Guti != nil {
		idx.byGuti[*updates.Guti] = ue
	}
	if updates.EnbKey != nil {
		delete(idx.byEnbKey, ue.EnbKey)
		ue.EnbKey = *updates.EnbKey
		idx.byEnbKey[ue.EnbKey] = ue
	}
	return nil
}

// RemoveUeContext purges the context from every index; lookups by any of its
// former identifiers miss afterwards.
func (mme *MMEContext) RemoveUeContext(ue *UeContext) {
	idx := &mme.ueIndex
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.removeLocked(ue)
}

func (idx *ueIndex) removeLocked(ue *UeContext) {
	if ue.MmeUeS1apID != InvalidMmeUeS1apID {
		if idx.byMmeUeS1apID[ue.MmeUeS1apID] == ue {
			delete(idx.byMmeUeS1apID, ue.MmeUeS1apID)
		}
	}
	if imsi, ok := ue.Imsi(); ok {
		if idx.byImsi[imsi] == ue {
			delete(idx.byImsi, imsi)
		}
	}
	if guti, ok := ue.Guti(); ok {
		if idx.byGuti[guti] == ue {
			delete(idx.byGuti, guti)
		}
	}
	if idx.byEnbKey[ue.EnbKey] == ue {
		delete(idx.byEnbKey, ue.EnbKey)
	}
}

// DuplicateEnbUeS1apIDDetected resolves the case where an arriving attach is
// keyed by an eNB association that already maps to a different context than
// the one matched by GUTI or IMSI. With RemoveNewContext the freshly created
// context registered under enbKey is dropped and the surviving context takes
// the association over; with RemoveOldContext the established context is
// dropped and the one under enbKey survives. Returns the surviving context.
func (mme *MMEContext) DuplicateEnbUeS1apIDDetected(enbKey EnbUeKey, mmeUeS1apID int64,
	policy RemovePolicy,
) *UeContext {
	idx := &mme.ueIndex
	idx.mu.Lock()
	defer idx.mu.Unlock()

	newUe := idx.byEnbKey[enbKey]
	oldUe := idx.byMmeUeS1apID[mmeUeS1apID]

	switch policy {
	case RemoveNewContext:
		if newUe != nil && newUe != oldUe {
			idx.removeLocked(newUe)
		}
		if oldUe != nil {
			delete(idx.byEnbKey, oldUe.EnbKey)
			oldUe.EnbKey = enbKey
			idx.byEnbKey[enbKey] = oldUe
		}
		return oldUe
	case RemoveOldContext:
		if oldUe != nil && oldUe != newUe {
			idx.removeLocked(oldUe)
		}
		return newUe
	}
	return nil
}
