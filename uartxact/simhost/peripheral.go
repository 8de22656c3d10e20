/**
 * Licensed to the Apache Software Foundation (ASF) under one
 * or more contributor license agreements.  See the NOTICE file
 * distributed with this work for additional information
 * regarding copyright ownership.  The ASF licenses this file
 * to you under the Apache License, Version 2.0 (the
 * "License"); you may not use this file except in compliance
 * with the License.  You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

package simhost

import (
	"fmt"

	"mynewt.apache.org/bleuart/uartxact/bledefs"
	"mynewt.apache.org/bleuart/uartxact/host"
	"mynewt.apache.org/bleuart/uartxact/uxutil"
)

type DbAttrKind int

const (
	DB_ATTR_SVC DbAttrKind = iota
	DB_ATTR_CHR_DECL
	DB_ATTR_CHR_VAL
	DB_ATTR_CCC
)

// One row of a peripheral's attribute database.
type dbAttr struct {
	kind   DbAttrKind
	handle uint16
	uuid   bledefs.BleUuid16

	// Services: last handle of the group.
	endHandle uint16

	// Characteristic declarations: handle of the value.
	valHandle uint16

	def host.AttrDef
}

func (a *dbAttr) toAttr() host.Attr {
	return host.Attr{
		Handle:      a.handle,
		EndHandle:   a.endHandle,
		ValueHandle: a.valHandle,
		Uuid:        a.uuid,
		Props:       a.def.Flags,
	}
}

// A simulated peripheral.  Implements host.PeripheralHost.
type PeripheralHost struct {
	net      *Net
	addr     bledefs.BleDev
	listener host.ConnListener
	db       []dbAttr
	next     uint16
	adv      *host.AdvParams
	advErr   error
}

func (ph *PeripheralHost) Addr() bledefs.BleDev {
	return ph.addr
}

// Makes every later AdvStart fail with err.  nil clears the failure.
func (ph *PeripheralHost) FailAdv(err error) {
	ph.net.mtx.Lock()
	defer ph.net.mtx.Unlock()

	ph.advErr = err
}

func (ph *PeripheralHost) Advertising() bool {
	ph.net.mtx.Lock()
	defer ph.net.mtx.Unlock()

	return ph.adv != nil
}

func (ph *PeripheralHost) SetListener(l host.ConnListener) {
	ph.net.mtx.Lock()
	defer ph.net.mtx.Unlock()

	ph.listener = l
}

// Caller must hold the lock.
func (ph *PeripheralHost) findAttr(handle uint16) *dbAttr {
	for i := range ph.db {
		if ph.db[i].handle == handle {
			return &ph.db[i]
		}
	}

	return nil
}

// Adds the service to the database.  A service takes one handle for its
// declaration; each characteristic takes a declaration and a value handle;
// each CCC takes one handle.  Handles continue after earlier services.
func (ph *PeripheralHost) RegisterService(
	def host.SvcDef) (host.SvcHandles, error) {

	ph.net.mtx.Lock()
	defer ph.net.mtx.Unlock()

	need := 1
	for _, ad := range def.Attrs {
		if ad.Kind == host.ATTR_KIND_CHR {
			need += 2
		} else {
			need++
		}
	}
	if int(ph.next)+need-1 > bledefs.BLE_ATT_HANDLE_MAX {
		return host.SvcHandles{}, uxutil.NewHostError(0,
			"attribute database full")
	}

	h := ph.next
	handles := host.SvcHandles{
		Svc:   h,
		Attrs: make([]uint16, len(def.Attrs)),
	}

	svcIdx := len(ph.db)
	ph.db = append(ph.db, dbAttr{
		kind:   DB_ATTR_SVC,
		handle: h,
		uuid:   def.Uuid,
	})
	h++

	for i, ad := range def.Attrs {
		switch ad.Kind {
		case host.ATTR_KIND_CHR:
			ph.db = append(ph.db,
				dbAttr{
					kind:      DB_ATTR_CHR_DECL,
					handle:    h,
					uuid:      ad.Uuid,
					valHandle: h + 1,
					def:       ad,
				},
				dbAttr{
					kind:   DB_ATTR_CHR_VAL,
					handle: h + 1,
					uuid:   ad.Uuid,
					def:    ad,
				})
			handles.Attrs[i] = h + 1
			h += 2

		case host.ATTR_KIND_CCC:
			ph.db = append(ph.db, dbAttr{
				kind:   DB_ATTR_CCC,
				handle: h,
				uuid:   bledefs.GattCccUuid,
				def:    ad,
			})
			handles.Attrs[i] = h
			h++

		default:
			return host.SvcHandles{}, fmt.Errorf(
				"unsupported attribute kind: %d", ad.Kind)
		}
	}

	ph.db[svcIdx].endHandle = h - 1
	ph.next = h

	return handles, nil
}

// Starts connectable advertising.  Every scanning central receives the
// advertisement.
func (ph *PeripheralHost) AdvStart(p host.AdvParams) error {
	n := ph.net
	n.mtx.Lock()
	defer n.mtx.Unlock()

	if ph.advErr != nil {
		return ph.advErr
	}
	if ph.adv != nil {
		return uxutil.NewAlreadyError("already advertising")
	}

	ph.adv = &p
	for _, ch := range n.centrals {
		n.deliverAdv(ch, n.advReport(ph))
	}

	return nil
}

func (ph *PeripheralHost) AdvStop() error {
	ph.net.mtx.Lock()
	defer ph.net.mtx.Unlock()

	if ph.adv == nil {
		return uxutil.NewAlreadyError("not advertising")
	}
	ph.adv = nil

	return nil
}

// Sends a notification to the subscribed central on c, or to every
// subscribed central if c is nil.
func (ph *PeripheralHost) Notify(c *host.Conn, handle uint16,
	data []byte) error {

	n := ph.net
	n.mtx.Lock()
	defer n.mtx.Unlock()

	a := ph.findAttr(handle)
	if a == nil || a.kind != DB_ATTR_CHR_VAL {
		return uxutil.FmtHostError(bledefs.BLE_ATT_ERR_INVALID_HANDLE,
			"no characteristic value at handle %d", handle)
	}

	sent := 0
	for _, l := range n.links {
		if l.periph != ph || (c != nil && l.pconn != c) {
			continue
		}

		p := l.subs[handle]
		if p == nil || p.Notify == nil {
			continue
		}

		if len(data) > l.mtu-bledefs.BLE_ATT_HDR_SZ {
			return uxutil.FmtHostError(0,
				"notification too long: len=%d mtu=%d", len(data), l.mtu)
		}

		cconn := l.cconn
		buf := uxutil.CopyBounded(data, -1)
		n.post(func() {
			if cconn.Alive() {
				p.Notify(cconn, host.NewDataEvent(buf), p)
			}
		})
		sent++
	}

	if sent == 0 {
		return uxutil.NewNotSubscribedError(fmt.Sprintf(
			"no subscriber for handle %d", handle))
	}

	return nil
}

func (ph *PeripheralHost) Disconnect(c *host.Conn, reason int) error {
	ph.net.mtx.Lock()
	defer ph.net.mtx.Unlock()

	return ph.net.disconnect(c, reason)
}
