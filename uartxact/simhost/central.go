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

	log "github.com/sirupsen/logrus"

	"mynewt.apache.org/bleuart/uartxact/bledefs"
	"mynewt.apache.org/bleuart/uartxact/host"
	"mynewt.apache.org/bleuart/uartxact/uxutil"
)

// A simulated central.  Implements host.CentralHost.
type CentralHost struct {
	net      *Net
	addr     bledefs.BleDev
	listener host.ConnListener
	scanFn   host.ScanFn
}

func (ch *CentralHost) Addr() bledefs.BleDev {
	return ch.addr
}

func (ch *CentralHost) SetListener(l host.ConnListener) {
	ch.net.mtx.Lock()
	defer ch.net.mtx.Unlock()

	ch.listener = l
}

// Starts scanning.  Every peripheral that is currently advertising is
// reported once; peripherals that start advertising later are reported as
// they do.
func (ch *CentralHost) ScanStart(p host.ScanParams, fn host.ScanFn) error {
	n := ch.net
	n.mtx.Lock()
	defer n.mtx.Unlock()

	if ch.scanFn != nil {
		return uxutil.NewAlreadyError("scan already in progress")
	}
	if err := p.Validate(); err != nil {
		return err
	}
	ch.scanFn = fn

	for _, ph := range n.periphs {
		if ph.adv != nil {
			n.deliverAdv(ch, n.advReport(ph))
		}
	}

	return nil
}

func (ch *CentralHost) ScanStop() error {
	ch.net.mtx.Lock()
	defer ch.net.mtx.Unlock()

	if ch.scanFn == nil {
		return uxutil.NewAlreadyError("no scan in progress")
	}
	ch.scanFn = nil

	return nil
}

func (ch *CentralHost) Connect(peer bledefs.BleDev,
	p host.ConnParams) (*host.Conn, error) {

	n := ch.net
	n.mtx.Lock()
	defer n.mtx.Unlock()

	if ch.scanFn != nil {
		return nil, uxutil.NewHostError(bledefs.BLE_ERR_CONN_ESTABLISHMENT,
			"can't connect while scanning")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	cconn := host.NewConn(n.nextHandle, peer, bledefs.BLE_ROLE_MASTER)
	n.nextHandle++

	var ph *PeripheralHost
	for _, cand := range n.periphs {
		if cand.addr == peer && cand.adv != nil {
			ph = cand
			break
		}
	}

	if ph == nil {
		log.Debugf("simhost: no connectable device at %s", peer.String())
		l := ch.listener
		n.post(func() {
			if l != nil {
				l.OnConnected(cconn, bledefs.BLE_ERR_CONN_ESTABLISHMENT)
			}
		})
		return cconn, nil
	}

	// Connecting ends the peer's advertising.
	ph.adv = nil

	pconn := host.NewConn(n.nextHandle, ch.addr, bledefs.BLE_ROLE_SLAVE)
	n.nextHandle++

	lk := &link{
		central: ch,
		periph:  ph,
		cconn:   cconn,
		pconn:   pconn,
		mtu:     bledefs.BLE_ATT_MTU_DFLT,
		subs:    map[uint16]*host.SubscribeParams{},
	}
	n.links = append(n.links, lk)

	cl := ch.listener
	pl := ph.listener
	n.post(func() {
		// The link may already be gone if a disconnect was requested before
		// this runs.
		n.mtx.Lock()
		up := n.findLink(cconn) == lk
		if up {
			cconn.SetAlive(true)
			pconn.SetAlive(true)
		}
		n.mtx.Unlock()

		if !up {
			return
		}

		if pl != nil {
			pl.OnConnected(pconn, 0)
		}
		if cl != nil {
			cl.OnConnected(cconn, 0)
		}
	})

	if mtu := n.cfg.Mtu; mtu > 0 {
		lk.mtu = mtu
		n.post(func() {
			if pl != nil {
				pl.OnMtuUpdated(pconn, mtu, mtu)
			}
			if cl != nil {
				cl.OnMtuUpdated(cconn, mtu, mtu)
			}
		})
	}

	return cconn, nil
}

func (ch *CentralHost) Disconnect(c *host.Conn, reason int) error {
	ch.net.mtx.Lock()
	defer ch.net.mtx.Unlock()

	return ch.net.disconnect(c, reason)
}

// Returns the link and peer database for a central-side connection.  Caller
// must hold the lock.
func (ch *CentralHost) linkFor(c *host.Conn) (*link, error) {
	l := ch.net.findLink(c)
	if l == nil || l.cconn != c {
		return nil, uxutil.NewNotConnectedError(
			fmt.Sprintf("not connected: %s", c.String()))
	}

	return l, nil
}

func discMatch(a dbAttr, p *host.DiscParams) bool {
	if a.handle < p.StartHandle || a.handle > p.EndHandle {
		return false
	}
	if p.Uuid != 0 && a.uuid != p.Uuid {
		return false
	}

	switch p.Type {
	case host.DISC_TYPE_PRIMARY:
		return a.kind == DB_ATTR_SVC
	case host.DISC_TYPE_CHARACTERISTIC:
		return a.kind == DB_ATTR_CHR_DECL
	case host.DISC_TYPE_DESCRIPTOR:
		return a.kind == DB_ATTR_CCC
	default:
		return false
	}
}

// Reports matching attributes one callback at a time, then nil once the
// range is exhausted.  Reporting stops early if the callback returns
// ITER_STOP.
func (ch *CentralHost) Discover(c *host.Conn, p *host.DiscParams) error {
	n := ch.net
	n.mtx.Lock()
	defer n.mtx.Unlock()

	l, err := ch.linkFor(c)
	if err != nil {
		return err
	}
	if p.Func == nil {
		return uxutil.NewHostError(0, "discovery without callback")
	}

	var found []host.Attr
	for _, a := range l.periph.db {
		if discMatch(a, p) {
			found = append(found, a.toAttr())
		}
	}

	n.post(func() {
		for i := range found {
			if !c.Alive() {
				return
			}
			if p.Func(c, &found[i], p) == host.ITER_STOP {
				return
			}
		}
		if c.Alive() {
			p.Func(c, nil, p)
		}
	})

	return nil
}

func (ch *CentralHost) Subscribe(c *host.Conn, p *host.SubscribeParams) error {
	n := ch.net
	n.mtx.Lock()
	defer n.mtx.Unlock()

	l, err := ch.linkFor(c)
	if err != nil {
		return err
	}

	if _, ok := l.subs[p.ValueHandle]; ok {
		return uxutil.NewAlreadyError(fmt.Sprintf(
			"already subscribed: value_handle=%d", p.ValueHandle))
	}

	a := l.periph.findAttr(p.CccHandle)
	if a == nil || a.kind != DB_ATTR_CCC {
		return uxutil.FmtHostError(bledefs.BLE_ATT_ERR_INVALID_HANDLE,
			"no CCC at handle %d", p.CccHandle)
	}

	l.subs[p.ValueHandle] = p

	fn := a.def.Ccc
	pconn := l.pconn
	value := p.Value
	n.post(func() {
		if fn != nil {
			fn(pconn, value)
		}
	})

	return nil
}

// Removes the subscription.  The notify callback receives an unsubscribe
// acknowledgement.
func (ch *CentralHost) Unsubscribe(c *host.Conn,
	p *host.SubscribeParams) error {

	n := ch.net
	n.mtx.Lock()
	defer n.mtx.Unlock()

	l, err := ch.linkFor(c)
	if err != nil {
		return err
	}

	if l.subs[p.ValueHandle] != p {
		return uxutil.NewHostError(0, "not subscribed")
	}
	delete(l.subs, p.ValueHandle)

	var fn host.CccFn
	if a := l.periph.findAttr(p.CccHandle); a != nil {
		fn = a.def.Ccc
	}
	pconn := l.pconn
	n.post(func() {
		if fn != nil {
			fn(pconn, bledefs.BLE_GATT_CCC_NONE)
		}
		if p.Notify != nil {
			p.Notify(c, host.NewUnsubAckEvent(), p)
		}
	})

	return nil
}

func (ch *CentralHost) WriteNoRsp(c *host.Conn, handle uint16,
	data []byte) error {

	n := ch.net
	n.mtx.Lock()
	defer n.mtx.Unlock()

	l, err := ch.linkFor(c)
	if err != nil {
		return err
	}

	if len(data) > l.mtu-bledefs.BLE_ATT_HDR_SZ {
		return uxutil.FmtHostError(
			bledefs.BLE_ATT_ERR_INVALID_ATTR_VALUE_LEN,
			"write too long: len=%d mtu=%d", len(data), l.mtu)
	}

	a := l.periph.findAttr(handle)
	if a == nil || a.kind != DB_ATTR_CHR_VAL {
		return uxutil.FmtHostError(bledefs.BLE_ATT_ERR_INVALID_HANDLE,
			"no characteristic value at handle %d", handle)
	}
	if a.def.Flags&bledefs.BLE_GATT_F_WRITE_NO_RSP == 0 ||
		a.def.Write == nil {

		return uxutil.FmtHostError(bledefs.BLE_ATT_ERR_WRITE_NOT_PERMITTED,
			"handle %d does not accept write commands", handle)
	}

	fn := a.def.Write
	pconn := l.pconn
	buf := uxutil.CopyBounded(data, -1)

	n.post(func() {
		if !pconn.Alive() {
			return
		}

		// Write commands carry no response; a rejection is only logged.
		if err := fn(pconn, buf); err != nil {
			log.Debugf("simhost: write rejected: %s", err.Error())
		}
	})

	return nil
}
