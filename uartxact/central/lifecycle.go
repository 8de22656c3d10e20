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

package central

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"mynewt.apache.org/bleuart/uartxact/bledefs"
	"mynewt.apache.org/bleuart/uartxact/host"
	"mynewt.apache.org/bleuart/uartxact/uxutil"
)

type LcState int32

const (
	LC_STATE_IDLE LcState = iota
	LC_STATE_SCANNING
	LC_STATE_CONNECTING
	LC_STATE_CONNECTED
)

var lcStateStringMap = map[LcState]string{
	LC_STATE_IDLE:       "idle",
	LC_STATE_SCANNING:   "scanning",
	LC_STATE_CONNECTING: "connecting",
	LC_STATE_CONNECTED:  "connected",
}

func (s LcState) String() string {
	str := lcStateStringMap[s]
	if str == "" {
		return "???"
	}

	return str
}

func (s DiscState) String() string {
	return DiscStateToString(s)
}

const DFLT_RSSI_MIN = -70

// Called with each received notification payload.  Runs in the host's
// callback context and must not block.
type RxFn func(data []byte)

type CentralCfg struct {
	// Advertisements weaker than this are ignored.
	RssiMin int

	// Optional; nil accepts any sender.
	AddrFilter func(dev bledefs.BleDev) bool

	// Optional; if set, the advertised name must match exactly.
	PeerName string

	ScanParams host.ScanParams
	ConnParams host.ConnParams

	RxFn RxFn
}

func NewCentralCfg() CentralCfg {
	return CentralCfg{
		RssiMin:    DFLT_RSSI_MIN,
		ScanParams: host.NewScanParams(),
		ConnParams: host.NewConnParams(),
	}
}

// Matches a single address.
func AddrFilter(addr bledefs.BleAddr) func(dev bledefs.BleDev) bool {
	return func(dev bledefs.BleDev) bool {
		return dev.Addr == addr
	}
}

// Whether notifications are enabled, and the standing subscription used to
// unsubscribe later.
type SubState struct {
	Enabled     bool
	ValueHandle uint16
	CccHandle   uint16

	params *host.SubscribeParams
}

// A point-in-time view of the connection slot.  Values are copies; holding
// a snapshot never keeps a connection alive or lets the holder mutate it.
type ConnSnapshot struct {
	State      LcState
	Connected  bool
	Ready      bool
	Peer       bledefs.BleDev
	ConnHandle uint16
	DiscState  DiscState
	TxMtu      int
	RxMtu      int

	conn        *host.Conn
	writeHandle uint16
}

// Owns the single central connection: scans, connects, drives discovery,
// and restarts scanning whenever the link is lost.
type Central struct {
	cfg CentralCfg
	h   host.CentralHost

	state   LcState
	stopped int32

	// Protects the slot.  Only host callbacks write these fields.
	mtx         sync.Mutex
	conn        *host.Conn
	sesn        *DiscSession
	discState   DiscState
	sub         SubState
	writeHandle uint16
	txMtu       int
	rxMtu       int

	readyBlk *uxutil.Blocker
	stopCh   chan struct{}
}

func NewCentral(h host.CentralHost, cfg CentralCfg) *Central {
	c := &Central{
		cfg:       cfg,
		h:         h,
		discState: DISC_STATE_ABORTED,
		txMtu:     bledefs.BLE_ATT_MTU_DFLT,
		rxMtu:     bledefs.BLE_ATT_MTU_DFLT,
		readyBlk:  uxutil.NewBlocker(),
		stopCh:    make(chan struct{}),
	}

	h.SetListener(c)
	return c
}

func (c *Central) getState() LcState {
	val := atomic.LoadInt32((*int32)(&c.state))
	return LcState(val)
}

func (c *Central) setState(toState LcState) {
	atomic.StoreInt32((*int32)(&c.state), int32(toState))
}

func (c *Central) transitionState(fromState LcState, toState LcState) error {
	swapped := atomic.CompareAndSwapInt32((*int32)(&c.state),
		int32(fromState), int32(toState))
	if !swapped {
		return fmt.Errorf(
			"Can't set central state to %s; current state != required "+
				"value: %s",
			toState, fromState)
	}

	return nil
}

// Moves to inState while cb runs, then to postState.  On failure the state
// reverts to preState.
func (c *Central) action(
	preState LcState,
	inState LcState,
	postState LcState,
	cb func() error) error {

	if err := c.transitionState(preState, inState); err != nil {
		return err
	}

	if err := cb(); err != nil {
		c.setState(preState)
		return err
	}

	c.setState(postState)
	return nil
}

func (c *Central) isStopped() bool {
	return atomic.LoadInt32(&c.stopped) != 0
}

func (c *Central) Snapshot() ConnSnapshot {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	snap := ConnSnapshot{
		State:     c.getState(),
		DiscState: c.discState,
		TxMtu:     c.txMtu,
		RxMtu:     c.rxMtu,
	}

	if c.conn != nil && c.conn.Alive() {
		snap.Connected = true
		snap.Ready = c.sub.Enabled && c.writeHandle != 0
		snap.Peer = c.conn.Peer()
		snap.ConnHandle = c.conn.Handle()
		snap.conn = c.conn
		snap.writeHandle = c.writeHandle
	}

	return snap
}

func (c *Central) SubState() SubState {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	return c.sub
}

// Begins scanning.  May be called again after a scan start failure left the
// central idle.
func (c *Central) Start() error {
	if c.isStopped() {
		return fmt.Errorf("central stopped")
	}

	return c.startScan()
}

func (c *Central) startScan() error {
	err := c.action(LC_STATE_IDLE, LC_STATE_SCANNING, LC_STATE_SCANNING,
		func() error {
			return c.h.ScanStart(c.cfg.ScanParams, c.onAdv)
		})
	if err != nil {
		log.Errorf("Unable to start scanning: %s", err.Error())
		return err
	}

	log.Debugf("Scanning started")
	return nil
}

// Stops scanning and terminates the connection, if any.  The central does
// not restart afterwards.
func (c *Central) Stop() error {
	if !atomic.CompareAndSwapInt32(&c.stopped, 0, 1) {
		return fmt.Errorf("central stopped twice")
	}
	close(c.stopCh)

	if c.getState() == LC_STATE_SCANNING {
		if err := c.h.ScanStop(); err != nil {
			log.Debugf("scan stop failed: %s", err.Error())
		}
		c.setState(LC_STATE_IDLE)
	}

	c.mtx.Lock()
	conn := c.conn
	c.mtx.Unlock()

	if conn != nil {
		return c.h.Disconnect(conn, bledefs.BLE_ERR_REM_USER_CONN_TERM)
	}

	return nil
}

// Blocks until the transport is subscribed.  A zero timeout waits forever.
func (c *Central) WaitReady(timeout time.Duration) (ConnSnapshot, error) {
	if _, err := c.readyBlk.Wait(timeout, c.stopCh); err != nil {
		return c.Snapshot(), err
	}

	return c.Snapshot(), nil
}

// Decides whether an advertisement may lead to a connection.  Returns the
// parsed fields of admitted advertisements.
func (c *Central) admit(r bledefs.BleAdvReport) (bledefs.BleAdvFields, bool) {
	if !r.EventType.Connectable() {
		return bledefs.BleAdvFields{}, false
	}

	log.Debugf("New device found: addr=%s rssi=%d",
		r.Sender.String(), r.Rssi)

	if int(r.Rssi) < c.cfg.RssiMin {
		return bledefs.BleAdvFields{}, false
	}

	if c.cfg.AddrFilter != nil && !c.cfg.AddrFilter(r.Sender) {
		return bledefs.BleAdvFields{}, false
	}

	fields, err := bledefs.ParseAdvFields(r.Data)
	if err != nil {
		log.Debugf("Advertisement error: addr=%s: %s",
			r.Sender.String(), err.Error())
		return bledefs.BleAdvFields{}, false
	}

	if c.cfg.PeerName != "" {
		if fields.Name == nil || *fields.Name != c.cfg.PeerName {
			return bledefs.BleAdvFields{}, false
		}
	}

	return fields, true
}

func (c *Central) onAdv(r bledefs.BleAdvReport) {
	if c.isStopped() || c.getState() != LC_STATE_SCANNING {
		return
	}

	fields, ok := c.admit(r)
	if !ok {
		return
	}

	for _, u := range fields.Uuids16 {
		if u != bledefs.UartSvcUuid {
			continue
		}

		err := c.action(LC_STATE_SCANNING, LC_STATE_CONNECTING,
			LC_STATE_CONNECTING, c.h.ScanStop)
		if err != nil {
			log.Errorf("Scan couldn't stop: %s", err.Error())
			continue
		}

		conn, err := c.h.Connect(r.Sender, c.cfg.ConnParams)
		if err != nil {
			log.Errorf("Couldn't create connection to %s: %s",
				r.Sender.String(), err.Error())
			c.setState(LC_STATE_IDLE)
			c.startScan()
			return
		}

		c.mtx.Lock()
		c.conn = conn
		c.mtx.Unlock()

		log.Debugf("Connecting to %s", r.Sender.String())
		return
	}
}

func (c *Central) isSlot(conn *host.Conn) bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	return conn != nil && conn == c.conn
}

// Empties the slot.  Any discovery session in progress is discarded.
func (c *Central) releaseSlot() {
	c.mtx.Lock()
	c.conn = nil
	c.sesn = nil
	c.discState = DISC_STATE_ABORTED
	c.sub = SubState{}
	c.writeHandle = 0
	c.txMtu = bledefs.BLE_ATT_MTU_DFLT
	c.rxMtu = bledefs.BLE_ATT_MTU_DFLT
	c.mtx.Unlock()

	c.readyBlk.Reset()
}

func (c *Central) rescan() {
	c.setState(LC_STATE_IDLE)
	if !c.isStopped() {
		c.startScan()
	}
}

func (c *Central) OnConnected(conn *host.Conn, status int) {
	if !c.isSlot(conn) {
		log.Debugf("Ignoring connect event for unknown connection: %s",
			conn.String())
		return
	}

	if status != 0 {
		log.Errorf("Failed to connect to %s; status=0x%02x",
			conn.Peer().String(), status)
		c.releaseSlot()
		c.rescan()
		return
	}

	if err := c.transitionState(LC_STATE_CONNECTING,
		LC_STATE_CONNECTED); err != nil {

		log.Errorf("%s", err.Error())
		return
	}

	log.Debugf("Connected: %s", conn.String())

	sesn := NewDiscSession(conn)

	c.mtx.Lock()
	c.sesn = sesn
	c.discState = sesn.State()
	c.mtx.Unlock()

	c.discover(sesn)
}

func (c *Central) OnDisconnected(conn *host.Conn, reason int) {
	if !c.isSlot(conn) {
		return
	}

	log.Debugf("Device %s disconnected; reason=0x%02x",
		conn.Peer().String(), reason)

	c.releaseSlot()
	c.rescan()
}

func (c *Central) OnMtuUpdated(conn *host.Conn, tx int, rx int) {
	log.Debugf("MTU updated: tx=%d rx=%d", tx, rx)

	c.mtx.Lock()
	defer c.mtx.Unlock()

	if conn == c.conn {
		c.txMtu = tx
		c.rxMtu = rx
	}
}

// The session currently driving discovery on conn, if any.
func (c *Central) sesnFor(conn *host.Conn) *DiscSession {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.sesn == nil || c.sesn.Conn() != conn {
		return nil
	}
	return c.sesn
}

func (c *Central) updateDisc(sesn *DiscSession) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.sesn != sesn {
		return
	}

	c.discState = sesn.State()
	if sesn.WriteValHandle != 0 {
		c.writeHandle = sesn.WriteValHandle
	}
	if !sesn.Active() {
		c.sesn = nil
	}
}

func (c *Central) discover(sesn *DiscSession) {
	p, err := sesn.Params(c.onDisc)
	if err == nil {
		err = c.h.Discover(sesn.Conn(), p)
	}

	if err != nil {
		log.Errorf("Failed to discover %s: %s",
			DiscStateToString(sesn.State()), err.Error())
		sesn.Abort()
	}

	c.updateDisc(sesn)
}

func (c *Central) onDisc(conn *host.Conn, attr *host.Attr,
	p *host.DiscParams) host.IterAction {

	sesn := c.sesnFor(conn)
	if sesn == nil {
		return host.ITER_STOP
	}

	step, err := sesn.Step(attr)
	if err != nil {
		log.Errorf("Discovery aborted; connection kept: %s", err.Error())
		c.updateDisc(sesn)
		return step.Action
	}

	if attr != nil && step.Action == host.ITER_STOP {
		log.Debugf("Discovered %s", attr.String())
	}

	c.updateDisc(sesn)

	if step.Lookup {
		c.discover(sesn)
	} else if step.Subscribe {
		c.subscribe(sesn)
	}

	return step.Action
}

func (c *Central) subscribe(sesn *DiscSession) {
	p, err := sesn.SubscribeParams(c.onNotify)
	if err == nil {
		err = c.h.Subscribe(sesn.Conn(), p)
	}

	if err := sesn.Subscribed(err); err != nil {
		log.Errorf("Failed to subscribe: %s", err.Error())
		c.updateDisc(sesn)
		return
	}

	c.mtx.Lock()
	if c.sesn == sesn {
		c.sub = SubState{
			Enabled:     true,
			ValueHandle: p.ValueHandle,
			CccHandle:   p.CccHandle,
			params:      p,
		}
	}
	c.mtx.Unlock()

	c.updateDisc(sesn)

	log.Debugf("Subscribed: ccc_handle=%d value_handle=%d",
		p.CccHandle, p.ValueHandle)
	c.readyBlk.Release(nil)
}
