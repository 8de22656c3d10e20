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

// Package host declares the primitives a BLE host stack offers to the
// central and peripheral roles.  Requests are asynchronous: a nil error means
// the request was accepted, and its outcome arrives later through a callback.
// All callbacks for one host are delivered serially and must not block.
package host

import (
	"fmt"
	"sync/atomic"

	"mynewt.apache.org/bleuart/uartxact/bledefs"
	"mynewt.apache.org/bleuart/uartxact/uxutil"
)

// A handle to one link with a remote device.  Identity is pointer identity;
// a Conn is never reused after its disconnect callback.
type Conn struct {
	handle uint16
	peer   bledefs.BleDev
	role   bledefs.BleRole
	alive  int32
}

func NewConn(handle uint16, peer bledefs.BleDev, role bledefs.BleRole) *Conn {
	return &Conn{
		handle: handle,
		peer:   peer,
		role:   role,
	}
}

func (c *Conn) Handle() uint16 {
	return c.handle
}

func (c *Conn) Peer() bledefs.BleDev {
	return c.peer
}

func (c *Conn) Role() bledefs.BleRole {
	return c.role
}

// Reports whether the link is established and not yet torn down.
func (c *Conn) Alive() bool {
	return atomic.LoadInt32(&c.alive) != 0
}

// Only hosts call this: true just before a successful connect callback, false
// just before a disconnect callback.
func (c *Conn) SetAlive(alive bool) {
	var v int32
	if alive {
		v = 1
	}
	atomic.StoreInt32(&c.alive, v)
}

func (c *Conn) String() string {
	return fmt.Sprintf("handle=%d peer=%s role=%s alive=%v",
		c.handle, c.peer.String(), bledefs.BleRoleToString(c.role), c.Alive())
}

type ConnListener interface {
	// status is zero on success, an HCI error code otherwise.
	OnConnected(c *Conn, status int)
	OnDisconnected(c *Conn, reason int)
	OnMtuUpdated(c *Conn, tx int, rx int)
}

type ScanParams struct {
	Type       bledefs.BleScanType
	Interval   uint16
	Window     uint16
	FilterDups bool
}

// Active scanning with fast interval and window.
func NewScanParams() ScanParams {
	return ScanParams{
		Type:     bledefs.BLE_SCAN_TYPE_ACTIVE,
		Interval: bledefs.BLE_GAP_SCAN_FAST_INTERVAL,
		Window:   bledefs.BLE_GAP_SCAN_FAST_WINDOW,
	}
}

// Checks the parameters against the ranges LE Set Scan Parameters accepts.
func (p ScanParams) Validate() error {
	if p.Type != bledefs.BLE_SCAN_TYPE_PASSIVE &&
		p.Type != bledefs.BLE_SCAN_TYPE_ACTIVE {

		return uxutil.FmtHostError(bledefs.BLE_ERR_INV_HCI_CMD_PARMS,
			"invalid scan type: %d", p.Type)
	}
	if p.Interval < 0x0004 || p.Interval > 0x4000 {
		return uxutil.FmtHostError(bledefs.BLE_ERR_INV_HCI_CMD_PARMS,
			"invalid scan interval: 0x%04x", p.Interval)
	}
	if p.Window < 0x0004 || p.Window > p.Interval {
		return uxutil.FmtHostError(bledefs.BLE_ERR_INV_HCI_CMD_PARMS,
			"invalid scan window: 0x%04x interval=0x%04x",
			p.Window, p.Interval)
	}

	return nil
}

type ScanFn func(r bledefs.BleAdvReport)

type ConnParams struct {
	ItvlMin            uint16
	ItvlMax            uint16
	Latency            uint16
	SupervisionTimeout uint16
}

func NewConnParams() ConnParams {
	return ConnParams{
		ItvlMin:            0x0018,
		ItvlMax:            0x0028,
		Latency:            0,
		SupervisionTimeout: 400,
	}
}

// Checks the parameters against the ranges LE Create Connection accepts.
// The supervision timeout must outlast two maximal connection events.
func (p ConnParams) Validate() error {
	if p.ItvlMin < 0x0006 || p.ItvlMax > 0x0c80 || p.ItvlMin > p.ItvlMax {
		return uxutil.FmtHostError(bledefs.BLE_ERR_INV_HCI_CMD_PARMS,
			"invalid connection interval: min=0x%04x max=0x%04x",
			p.ItvlMin, p.ItvlMax)
	}
	if p.Latency > 0x01f3 {
		return uxutil.FmtHostError(bledefs.BLE_ERR_INV_HCI_CMD_PARMS,
			"invalid connection latency: %d", p.Latency)
	}
	if p.SupervisionTimeout < 0x000a || p.SupervisionTimeout > 0x0c80 {
		return uxutil.FmtHostError(bledefs.BLE_ERR_INV_HCI_CMD_PARMS,
			"invalid supervision timeout: %d", p.SupervisionTimeout)
	}

	// Timeout is in 10ms units, the interval in 1.25ms units.
	if int(p.SupervisionTimeout)*4 <= (1+int(p.Latency))*int(p.ItvlMax) {
		return uxutil.FmtHostError(bledefs.BLE_ERR_INV_HCI_CMD_PARMS,
			"supervision timeout %d too short for interval 0x%04x "+
				"latency %d", p.SupervisionTimeout, p.ItvlMax, p.Latency)
	}

	return nil
}

type DiscType int

const (
	DISC_TYPE_PRIMARY DiscType = iota
	DISC_TYPE_CHARACTERISTIC
	DISC_TYPE_DESCRIPTOR
)

var discTypeStringMap = map[DiscType]string{
	DISC_TYPE_PRIMARY:        "primary",
	DISC_TYPE_CHARACTERISTIC: "characteristic",
	DISC_TYPE_DESCRIPTOR:     "descriptor",
}

func DiscTypeToString(t DiscType) string {
	s := discTypeStringMap[t]
	if s == "" {
		return "???"
	}

	return s
}

// A discovered attribute.  For a service, Handle is the declaration and
// EndHandle the last handle of the group.  For a characteristic, Handle is
// the declaration and ValueHandle the value.  For a descriptor, only Handle
// is set.
type Attr struct {
	Handle      uint16
	EndHandle   uint16
	ValueHandle uint16
	Uuid        bledefs.BleUuid16
	Props       bledefs.BleChrFlags
}

func (a *Attr) String() string {
	return fmt.Sprintf("handle=%d value_handle=%d end_handle=%d uuid=%s",
		a.Handle, a.ValueHandle, a.EndHandle, a.Uuid.String())
}

type IterAction int

const (
	ITER_STOP IterAction = iota
	ITER_CONTINUE
)

// Receives discovery results.  A nil attr signals that the range holds no
// further matches; the procedure is then complete.
type DiscFn func(c *Conn, attr *Attr, p *DiscParams) IterAction

type DiscParams struct {
	Type        DiscType
	Uuid        bledefs.BleUuid16
	StartHandle uint16
	EndHandle   uint16
	Func        DiscFn
}

type NotifyEventType int

const (
	NOTIFY_EVT_DATA NotifyEventType = iota
	NOTIFY_EVT_UNSUB_ACK
)

var notifyEventTypeStringMap = map[NotifyEventType]string{
	NOTIFY_EVT_DATA:      "data",
	NOTIFY_EVT_UNSUB_ACK: "unsub_ack",
}

func NotifyEventTypeToString(t NotifyEventType) string {
	s := notifyEventTypeStringMap[t]
	if s == "" {
		return "???"
	}

	return s
}

// Either a received notification or the acknowledgement that the
// subscription has been removed.
type NotifyEvent struct {
	Type NotifyEventType
	Data []byte
}

func NewDataEvent(data []byte) NotifyEvent {
	return NotifyEvent{
		Type: NOTIFY_EVT_DATA,
		Data: data,
	}
}

func NewUnsubAckEvent() NotifyEvent {
	return NotifyEvent{
		Type: NOTIFY_EVT_UNSUB_ACK,
	}
}

type NotifyFn func(c *Conn, evt NotifyEvent, p *SubscribeParams) IterAction

type SubscribeParams struct {
	CccHandle   uint16
	ValueHandle uint16
	Value       uint16
	Notify      NotifyFn
}

type CentralHost interface {
	SetListener(l ConnListener)

	ScanStart(p ScanParams, fn ScanFn) error
	ScanStop() error

	// Returns the pending connection.  The outcome is reported through
	// ConnListener.OnConnected with the same *Conn.
	Connect(peer bledefs.BleDev, p ConnParams) (*Conn, error)
	Disconnect(c *Conn, reason int) error

	Discover(c *Conn, p *DiscParams) error

	// Returns an *uxutil.AlreadyError if p is already subscribed.
	Subscribe(c *Conn, p *SubscribeParams) error
	Unsubscribe(c *Conn, p *SubscribeParams) error

	WriteNoRsp(c *Conn, handle uint16, data []byte) error
}

type AttrKind int

const (
	ATTR_KIND_CHR AttrKind = iota
	ATTR_KIND_CCC
)

// Handles a write from a peer.  Returning an *uxutil.InvalidParamError
// reports its ATT status to the peer.
type WriteFn func(c *Conn, data []byte) error

// Reports a peer's write to a CCC descriptor.
type CccFn func(c *Conn, value uint16)

// One entry in a service's attribute table.  Entries are laid out in order;
// a characteristic occupies a declaration and a value handle, a CCC a
// single handle.
type AttrDef struct {
	Kind  AttrKind
	Uuid  bledefs.BleUuid16
	Flags bledefs.BleChrFlags
	Perm  bledefs.BleAttFlags
	Write WriteFn
	Ccc   CccFn
}

type SvcDef struct {
	Uuid  bledefs.BleUuid16
	Attrs []AttrDef
}

// Handles assigned by the host.  Attrs[i] is the value handle (for a
// characteristic) or descriptor handle (for a CCC) of SvcDef.Attrs[i].
type SvcHandles struct {
	Svc   uint16
	Attrs []uint16
}

type AdvParams struct {
	Name string
	Data []byte
}

type PeripheralHost interface {
	SetListener(l ConnListener)

	RegisterService(def SvcDef) (SvcHandles, error)

	AdvStart(p AdvParams) error
	AdvStop() error

	// Notifies the peer on c, or every subscribed peer if c is nil.  Returns
	// an *uxutil.NotSubscribedError when no peer has notifications enabled.
	Notify(c *Conn, handle uint16, data []byte) error

	Disconnect(c *Conn, reason int) error
}
