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

// Package simhost implements the host interfaces in memory.  A Net joins any
// number of simulated centrals and peripherals.  Every callback of every host
// on a net runs on the net's task queue, one at a time, and host requests
// never invoke callbacks directly.
package simhost

import (
	"fmt"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"mynewt.apache.org/bleuart/uartxact/bledefs"
	"mynewt.apache.org/bleuart/uartxact/host"
	"mynewt.apache.org/bleuart/uartxact/task"
	"mynewt.apache.org/bleuart/uartxact/uxutil"
)

const QUEUE_DEPTH = 1024

type NetCfg struct {
	// Signal strength reported in every advertisement.
	Rssi int8

	// ATT MTU negotiated after each connect.  Zero skips the exchange and
	// leaves both sides at the default.
	Mtu int
}

func NewNetCfg() NetCfg {
	return NetCfg{
		Rssi: -50,
		Mtu:  bledefs.BLE_ATT_MTU_DFLT,
	}
}

// One connection, seen from both ends.
type link struct {
	central *CentralHost
	periph  *PeripheralHost
	cconn   *host.Conn
	pconn   *host.Conn
	mtu     int

	// Central subscriptions, keyed by notify value handle.
	subs map[uint16]*host.SubscribeParams
}

type Net struct {
	// Number of events ever queued; accessed atomically.  First for 64-bit
	// alignment.
	posted uint64

	cfg NetCfg
	q   *task.TaskQueue

	mtx        sync.Mutex
	centrals   []*CentralHost
	periphs    []*PeripheralHost
	links      []*link
	nextHandle uint16
	nextAddr   byte
}

func NewNet(cfg NetCfg) *Net {
	return &Net{
		cfg:        cfg,
		q:          task.NewTaskQueue("simhost"),
		nextHandle: 1,
		nextAddr:   1,
	}
}

func (n *Net) Start() error {
	return n.q.Start(QUEUE_DEPTH)
}

func (n *Net) Stop() error {
	return n.q.Stop(fmt.Errorf("simulated net stopped"))
}

// Assigns a static random address.  Caller must hold the lock.
func (n *Net) allocAddr() bledefs.BleDev {
	dev := bledefs.BleDev{
		AddrType: bledefs.BLE_ADDR_TYPE_RANDOM,
		Addr: bledefs.BleAddr{
			Bytes: [6]byte{0xc0, 0, 0, 0, 0, n.nextAddr},
		},
	}
	n.nextAddr++

	return dev
}

func (n *Net) NewCentral() *CentralHost {
	n.mtx.Lock()
	defer n.mtx.Unlock()

	ch := &CentralHost{
		net:  n,
		addr: n.allocAddr(),
	}
	n.centrals = append(n.centrals, ch)

	return ch
}

func (n *Net) NewPeripheral() *PeripheralHost {
	n.mtx.Lock()
	defer n.mtx.Unlock()

	ph := &PeripheralHost{
		net:  n,
		addr: n.allocAddr(),
		next: bledefs.BLE_ATT_HANDLE_MIN,
	}
	n.periphs = append(n.periphs, ph)

	return ph
}

// Queues fn on the event loop.
func (n *Net) post(fn func()) {
	atomic.AddUint64(&n.posted, 1)
	if err := n.q.Post(fn); err != nil {
		if err == task.FullError {
			log.Warnf("simhost: dropping event: %s", err.Error())
		} else {
			log.Debugf("simhost: dropping event: %s", err.Error())
		}
	}
}

func (n *Net) postedCount() uint64 {
	return atomic.LoadUint64(&n.posted)
}

// Blocks until the event loop is idle and no callback queued further events.
// Must not be called from a callback.
func (n *Net) Settle() error {
	for {
		before := n.postedCount()
		if err := n.q.Run(func() error { return nil }); err != nil {
			return err
		}
		if n.postedCount() == before {
			return nil
		}
	}
}

// Caller must hold the lock.
func (n *Net) findLink(c *host.Conn) *link {
	for _, l := range n.links {
		if l.cconn == c || l.pconn == c {
			return l
		}
	}

	return nil
}

// Caller must hold the lock.
func (n *Net) removeLink(l *link) {
	for i, other := range n.links {
		if other == l {
			n.links = append(n.links[:i], n.links[i+1:]...)
			return
		}
	}
}

// Tears down a link.  The side that asked for the disconnect sees
// BLE_ERR_CONN_TERM_LOCAL; the other side sees reason.  Caller must hold the
// lock.
func (n *Net) disconnect(c *host.Conn, reason int) error {
	l := n.findLink(c)
	if l == nil {
		return uxutil.NewNotConnectedError(
			fmt.Sprintf("unknown connection: %s", c.String()))
	}

	creason := reason
	preason := reason
	if c == l.cconn {
		creason = bledefs.BLE_ERR_CONN_TERM_LOCAL
	} else {
		preason = bledefs.BLE_ERR_CONN_TERM_LOCAL
	}

	n.teardown(l, creason, preason)
	return nil
}

// Caller must hold the lock.
func (n *Net) teardown(l *link, creason int, preason int) {
	n.removeLink(l)

	l.cconn.SetAlive(false)
	l.pconn.SetAlive(false)

	cl := l.central.listener
	pl := l.periph.listener
	n.post(func() {
		if pl != nil {
			pl.OnDisconnected(l.pconn, preason)
		}
		if cl != nil {
			cl.OnDisconnected(l.cconn, creason)
		}
	})
}

// Drops every link on the net, as if the radio failed.  Both ends see
// reason.
func (n *Net) DropAll(reason int) {
	n.mtx.Lock()
	defer n.mtx.Unlock()

	for len(n.links) > 0 {
		n.teardown(n.links[0], reason, reason)
	}
}

// Delivers an advertisement from r.Sender to every scanning central.  Used
// to inject reports from devices that are not on the net.
func (n *Net) InjectAdv(r bledefs.BleAdvReport) {
	n.mtx.Lock()
	defer n.mtx.Unlock()

	for _, ch := range n.centrals {
		n.deliverAdv(ch, r)
	}
}

// Caller must hold the lock.
func (n *Net) deliverAdv(ch *CentralHost, r bledefs.BleAdvReport) {
	fn := ch.scanFn
	if fn == nil {
		return
	}

	n.post(func() {
		fn(r)
	})
}

// Caller must hold the lock.
func (n *Net) advReport(ph *PeripheralHost) bledefs.BleAdvReport {
	return bledefs.BleAdvReport{
		EventType: bledefs.BLE_ADV_EVENT_IND,
		Sender:    ph.addr,
		Rssi:      n.cfg.Rssi,
		Data:      ph.adv.Data,
	}
}
