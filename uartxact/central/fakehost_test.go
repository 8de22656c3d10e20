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
	"mynewt.apache.org/bleuart/uartxact/bledefs"
	"mynewt.apache.org/bleuart/uartxact/host"
)

type fakeWrite struct {
	handle uint16
	data   []byte
}

// Records every request and never calls back on its own; tests deliver
// callbacks explicitly.
type fakeHost struct {
	listener host.ConnListener
	scanFn   host.ScanFn

	scanStartErr error
	scanStopErr  error
	connectErr   error
	discoverErr  error
	subscribeErr error
	writeErr     error

	scanStarts  int
	scanStops   int
	conns       []*host.Conn
	discs       []*host.DiscParams
	subs        []*host.SubscribeParams
	unsubs      []*host.SubscribeParams
	writes      []fakeWrite
	disconnects []int

	nextHandle uint16
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		nextHandle: 1,
	}
}

func (fh *fakeHost) SetListener(l host.ConnListener) {
	fh.listener = l
}

func (fh *fakeHost) ScanStart(p host.ScanParams, fn host.ScanFn) error {
	if fh.scanStartErr != nil {
		return fh.scanStartErr
	}
	fh.scanStarts++
	fh.scanFn = fn
	return nil
}

func (fh *fakeHost) ScanStop() error {
	if fh.scanStopErr != nil {
		return fh.scanStopErr
	}
	fh.scanStops++
	return nil
}

func (fh *fakeHost) Connect(peer bledefs.BleDev,
	p host.ConnParams) (*host.Conn, error) {

	if fh.connectErr != nil {
		return nil, fh.connectErr
	}

	c := host.NewConn(fh.nextHandle, peer, bledefs.BLE_ROLE_MASTER)
	fh.nextHandle++
	fh.conns = append(fh.conns, c)
	return c, nil
}

func (fh *fakeHost) Disconnect(c *host.Conn, reason int) error {
	fh.disconnects = append(fh.disconnects, reason)
	return nil
}

func (fh *fakeHost) Discover(c *host.Conn, p *host.DiscParams) error {
	if fh.discoverErr != nil {
		return fh.discoverErr
	}
	fh.discs = append(fh.discs, p)
	return nil
}

func (fh *fakeHost) Subscribe(c *host.Conn, p *host.SubscribeParams) error {
	fh.subs = append(fh.subs, p)
	return fh.subscribeErr
}

func (fh *fakeHost) Unsubscribe(c *host.Conn, p *host.SubscribeParams) error {
	fh.unsubs = append(fh.unsubs, p)
	return nil
}

func (fh *fakeHost) WriteNoRsp(c *host.Conn, handle uint16,
	data []byte) error {

	if fh.writeErr != nil {
		return fh.writeErr
	}
	fh.writes = append(fh.writes, fakeWrite{
		handle: handle,
		data:   append([]byte(nil), data...),
	})
	return nil
}

func (fh *fakeHost) lastDisc() *host.DiscParams {
	if len(fh.discs) == 0 {
		return nil
	}
	return fh.discs[len(fh.discs)-1]
}

func (fh *fakeHost) lastConn() *host.Conn {
	if len(fh.conns) == 0 {
		return nil
	}
	return fh.conns[len(fh.conns)-1]
}

// Completes the pending connection.
func (fh *fakeHost) connected(c *host.Conn) {
	c.SetAlive(true)
	fh.listener.OnConnected(c, 0)
}

func (fh *fakeHost) disconnected(c *host.Conn, reason int) {
	c.SetAlive(false)
	fh.listener.OnDisconnected(c, reason)
}

var testPeer = bledefs.BleDev{
	AddrType: bledefs.BLE_ADDR_TYPE_RANDOM,
	Addr:     bledefs.BleAddr{Bytes: [6]byte{0xc0, 1, 2, 3, 4, 5}},
}

func uartAdv(sender bledefs.BleDev, rssi int8) bledefs.BleAdvReport {
	return bledefs.BleAdvReport{
		EventType: bledefs.BLE_ADV_EVENT_IND,
		Sender:    sender,
		Rssi:      rssi,
		Data:      bledefs.BuildAdvData(bledefs.UartAdvFields("uart")),
	}
}

// Attribute table of the reference peripheral.
var (
	attrSvc = host.Attr{
		Handle:    1,
		EndHandle: 6,
		Uuid:      bledefs.UartSvcUuid,
	}
	attrNotifyChr = host.Attr{
		Handle:      2,
		ValueHandle: 3,
		Uuid:        bledefs.UartNotifyChrUuid,
		Props:       bledefs.BLE_GATT_F_NOTIFY,
	}
	attrWriteChr = host.Attr{
		Handle:      4,
		ValueHandle: 5,
		Uuid:        bledefs.UartWriteChrUuid,
		Props:       bledefs.BLE_GATT_F_WRITE | bledefs.BLE_GATT_F_WRITE_NO_RSP,
	}
	attrCcc = host.Attr{
		Handle: 6,
		Uuid:   bledefs.GattCccUuid,
	}
)

// Answers the most recent discovery request with attr.
func (fh *fakeHost) found(c *host.Conn, attr host.Attr) host.IterAction {
	p := fh.lastDisc()
	return p.Func(c, &attr, p)
}

// Connects to the test peer and walks the full discovery chain.
func (fh *fakeHost) bringUp(c *Central) *host.Conn {
	fh.scanFn(uartAdv(testPeer, -50))
	conn := fh.lastConn()
	fh.connected(conn)

	fh.found(conn, attrSvc)
	fh.found(conn, attrNotifyChr)
	fh.found(conn, attrWriteChr)
	fh.found(conn, attrCcc)

	return conn
}
