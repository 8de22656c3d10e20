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
	"bytes"
	"errors"
	"testing"
	"time"

	"gotest.tools/assert"

	"mynewt.apache.org/bleuart/uartxact/bledefs"
	"mynewt.apache.org/bleuart/uartxact/host"
	"mynewt.apache.org/bleuart/uartxact/uxutil"
)

func startCentral(t *testing.T, cfg CentralCfg) (*Central, *fakeHost) {
	fh := newFakeHost()
	c := NewCentral(fh, cfg)

	assert.NilError(t, c.Start())
	assert.Equal(t, c.Snapshot().State, LC_STATE_SCANNING)
	assert.Equal(t, fh.scanStarts, 1)

	return c, fh
}

func TestCentralBringUp(t *testing.T) {
	c, fh := startCentral(t, NewCentralCfg())

	conn := fh.bringUp(c)
	assert.Equal(t, fh.scanStops, 1)
	assert.Equal(t, len(fh.conns), 1)
	assert.Equal(t, conn.Peer(), testPeer)

	// Every lookup starts just past the previous result.
	assert.Equal(t, len(fh.discs), 4)
	starts := []uint16{1, 2, 3, 5}
	for i, p := range fh.discs {
		assert.Equal(t, p.StartHandle, starts[i], "lookup %d", i)
		assert.Equal(t, p.EndHandle, uint16(0xffff))
	}

	assert.Equal(t, len(fh.subs), 1)
	assert.Equal(t, fh.subs[0].CccHandle, uint16(6))
	assert.Equal(t, fh.subs[0].ValueHandle, uint16(3))

	snap, err := c.WaitReady(time.Second)
	assert.NilError(t, err)
	assert.Equal(t, snap.State, LC_STATE_CONNECTED)
	assert.Assert(t, snap.Connected)
	assert.Assert(t, snap.Ready)
	assert.Equal(t, snap.DiscState, DISC_STATE_DONE)
	assert.Equal(t, snap.Peer, testPeer)

	sub := c.SubState()
	assert.Assert(t, sub.Enabled)
	assert.Equal(t, sub.ValueHandle, uint16(3))
	assert.Equal(t, sub.CccHandle, uint16(6))
}

func TestCentralRssiBoundary(t *testing.T) {
	c, fh := startCentral(t, NewCentralCfg())

	fh.scanFn(uartAdv(testPeer, -70))
	assert.Equal(t, len(fh.conns), 1)
	assert.Equal(t, c.Snapshot().State, LC_STATE_CONNECTING)
}

func TestCentralAdmission(t *testing.T) {
	other := bledefs.BleDev{
		AddrType: bledefs.BLE_ADDR_TYPE_PUBLIC,
		Addr:     bledefs.BleAddr{Bytes: [6]byte{1, 1, 1, 1, 1, 1}},
	}

	hrAdv := uartAdv(testPeer, -40)
	hrAdv.Data = bledefs.BuildAdvData(bledefs.BleAdvFields{
		Uuids16:           []bledefs.BleUuid16{0x180d},
		Uuids16IsComplete: true,
	})

	nonconn := uartAdv(testPeer, -40)
	nonconn.EventType = bledefs.BLE_ADV_EVENT_NONCONN_IND

	scanRsp := uartAdv(testPeer, -40)
	scanRsp.EventType = bledefs.BLE_ADV_EVENT_SCAN_RSP

	// Complete UUID16 list with three bytes of payload.
	malformed := uartAdv(testPeer, -40)
	malformed.Data = []byte{0x04, 0x03, 0xc4, 0x2b, 0x00}

	tests := []struct {
		name string
		cfg  func(cfg *CentralCfg)
		adv  bledefs.BleAdvReport
	}{
		{"weak", nil, uartAdv(testPeer, -71)},
		{"nonconn", nil, nonconn},
		{"scan_rsp", nil, scanRsp},
		{"malformed", nil, malformed},
		{"other_uuid", nil, hrAdv},
		{"addr_filter", func(cfg *CentralCfg) {
			cfg.AddrFilter = AddrFilter(other.Addr)
		}, uartAdv(testPeer, -40)},
		{"name", func(cfg *CentralCfg) {
			cfg.PeerName = "not-uart"
		}, uartAdv(testPeer, -40)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewCentralCfg()
			if tt.cfg != nil {
				tt.cfg(&cfg)
			}

			c, fh := startCentral(t, cfg)
			fh.scanFn(tt.adv)

			assert.Equal(t, fh.scanStops, 0)
			assert.Equal(t, len(fh.conns), 0)
			assert.Equal(t, c.Snapshot().State, LC_STATE_SCANNING)
		})
	}
}

func TestCentralFilters(t *testing.T) {
	cfg := NewCentralCfg()
	cfg.AddrFilter = AddrFilter(testPeer.Addr)
	cfg.PeerName = "uart"

	_, fh := startCentral(t, cfg)
	fh.scanFn(uartAdv(testPeer, -40))
	assert.Equal(t, len(fh.conns), 1)
}

func TestCentralIgnoresAdvWhileConnecting(t *testing.T) {
	c, fh := startCentral(t, NewCentralCfg())

	fh.scanFn(uartAdv(testPeer, -50))
	fh.scanFn(uartAdv(testPeer, -40))

	assert.Equal(t, len(fh.conns), 1)
	assert.Equal(t, fh.scanStops, 1)
	assert.Equal(t, c.Snapshot().State, LC_STATE_CONNECTING)
}

func TestCentralScanStopFailure(t *testing.T) {
	c, fh := startCentral(t, NewCentralCfg())
	fh.scanStopErr = errors.New("EBUSY")

	fh.scanFn(uartAdv(testPeer, -50))
	assert.Equal(t, len(fh.conns), 0)
	assert.Equal(t, c.Snapshot().State, LC_STATE_SCANNING)

	// The next advertisement gets another chance.
	fh.scanStopErr = nil
	fh.scanFn(uartAdv(testPeer, -50))
	assert.Equal(t, len(fh.conns), 1)
}

func TestCentralConnectError(t *testing.T) {
	c, fh := startCentral(t, NewCentralCfg())
	fh.connectErr = errors.New("ENOMEM")

	fh.scanFn(uartAdv(testPeer, -50))
	assert.Equal(t, fh.scanStarts, 2)
	assert.Equal(t, c.Snapshot().State, LC_STATE_SCANNING)
	assert.Assert(t, !c.Snapshot().Connected)
}

func TestCentralConnectStatusFailure(t *testing.T) {
	c, fh := startCentral(t, NewCentralCfg())

	fh.scanFn(uartAdv(testPeer, -50))
	fh.listener.OnConnected(fh.lastConn(), 0x3e)

	assert.Equal(t, fh.scanStarts, 2)
	assert.Equal(t, len(fh.discs), 0)
	assert.Equal(t, c.Snapshot().State, LC_STATE_SCANNING)

	// A fresh advertisement leads to a new attempt.
	fh.scanFn(uartAdv(testPeer, -50))
	assert.Equal(t, len(fh.conns), 2)
}

func TestCentralDisconnectRescans(t *testing.T) {
	c, fh := startCentral(t, NewCentralCfg())

	conn := fh.bringUp(c)
	fh.disconnected(conn, 0x08)

	snap := c.Snapshot()
	assert.Equal(t, snap.State, LC_STATE_SCANNING)
	assert.Assert(t, !snap.Connected)
	assert.Assert(t, !snap.Ready)
	assert.Equal(t, snap.DiscState, DISC_STATE_ABORTED)
	assert.Equal(t, fh.scanStarts, 2)
	assert.Assert(t, !c.SubState().Enabled)

	err := c.Send([]byte("hello"))
	assert.Assert(t, uxutil.IsNotConnected(err))
	assert.Equal(t, len(fh.writes), 0)

	_, err = c.WaitReady(10 * time.Millisecond)
	assert.Assert(t, uxutil.IsNotReady(err))

	// A second peer can be brought up afterwards.
	fh.bringUp(c)
	assert.Assert(t, c.Snapshot().Ready)
}

func TestCentralDisconnectDuringDiscovery(t *testing.T) {
	c, fh := startCentral(t, NewCentralCfg())

	fh.scanFn(uartAdv(testPeer, -50))
	conn := fh.lastConn()
	fh.connected(conn)
	fh.found(conn, attrSvc)
	assert.Equal(t, c.Snapshot().DiscState, DISC_STATE_NOTIFY_CHR)

	fh.disconnected(conn, 0x08)
	snap := c.Snapshot()
	assert.Equal(t, snap.DiscState, DISC_STATE_ABORTED)
	assert.Equal(t, snap.State, LC_STATE_SCANNING)

	// A late result for the dead link changes nothing.
	fh.found(conn, attrNotifyChr)
	assert.Equal(t, c.Snapshot().DiscState, DISC_STATE_ABORTED)
	assert.Equal(t, len(fh.discs), 2)
}

func TestCentralForeignDisconnect(t *testing.T) {
	c, fh := startCentral(t, NewCentralCfg())

	fh.bringUp(c)
	stranger := host.NewConn(99, testPeer, bledefs.BLE_ROLE_MASTER)
	fh.listener.OnDisconnected(stranger, 0x08)

	snap := c.Snapshot()
	assert.Equal(t, snap.State, LC_STATE_CONNECTED)
	assert.Assert(t, snap.Ready)
	assert.Equal(t, fh.scanStarts, 1)
}

func TestCentralDiscoverErrorKeepsLink(t *testing.T) {
	c, fh := startCentral(t, NewCentralCfg())
	fh.discoverErr = errors.New("EBUSY")

	fh.scanFn(uartAdv(testPeer, -50))
	fh.connected(fh.lastConn())

	snap := c.Snapshot()
	assert.Equal(t, snap.State, LC_STATE_CONNECTED)
	assert.Assert(t, snap.Connected)
	assert.Assert(t, !snap.Ready)
	assert.Equal(t, snap.DiscState, DISC_STATE_ABORTED)
	assert.Equal(t, len(fh.disconnects), 0)

	err := c.Send([]byte("hello"))
	assert.Assert(t, uxutil.IsNotReady(err))
}

func TestCentralMissingServiceKeepsLink(t *testing.T) {
	c, fh := startCentral(t, NewCentralCfg())

	fh.scanFn(uartAdv(testPeer, -50))
	conn := fh.lastConn()
	fh.connected(conn)

	p := fh.lastDisc()
	assert.Equal(t, p.Func(conn, nil, p), host.ITER_STOP)

	snap := c.Snapshot()
	assert.Assert(t, snap.Connected)
	assert.Equal(t, snap.DiscState, DISC_STATE_ABORTED)
	assert.Equal(t, len(fh.discs), 1)
	assert.Equal(t, len(fh.disconnects), 0)
}

func TestCentralMissingCccKeepsWriteTarget(t *testing.T) {
	c, fh := startCentral(t, NewCentralCfg())

	fh.scanFn(uartAdv(testPeer, -50))
	conn := fh.lastConn()
	fh.connected(conn)
	fh.found(conn, attrSvc)
	fh.found(conn, attrNotifyChr)
	fh.found(conn, attrWriteChr)

	p := fh.lastDisc()
	p.Func(conn, nil, p)

	snap := c.Snapshot()
	assert.Assert(t, !snap.Ready)
	assert.Equal(t, snap.DiscState, DISC_STATE_ABORTED)
	assert.Equal(t, len(fh.subs), 0)

	// The write characteristic is known, so sending still works.
	assert.NilError(t, c.Send([]byte("hi")))
	assert.Equal(t, len(fh.writes), 1)
	assert.Equal(t, fh.writes[0].handle, uint16(5))
}

func TestCentralSubscribeAlready(t *testing.T) {
	c, fh := startCentral(t, NewCentralCfg())
	fh.subscribeErr = uxutil.NewAlreadyError("EALREADY")

	fh.bringUp(c)
	snap := c.Snapshot()
	assert.Assert(t, snap.Ready)
	assert.Equal(t, snap.DiscState, DISC_STATE_DONE)
}

func TestCentralSubscribeFailure(t *testing.T) {
	c, fh := startCentral(t, NewCentralCfg())
	fh.subscribeErr = errors.New("ENOMEM")

	fh.bringUp(c)
	snap := c.Snapshot()
	assert.Assert(t, snap.Connected)
	assert.Assert(t, !snap.Ready)
	assert.Equal(t, snap.DiscState, DISC_STATE_ABORTED)
	assert.Equal(t, len(fh.disconnects), 0)
}

func TestCentralSendChunks(t *testing.T) {
	c, fh := startCentral(t, NewCentralCfg())

	conn := fh.bringUp(c)

	// Default MTU.
	data := bytes.Repeat([]byte("a"), 25)
	assert.NilError(t, c.Send(data))
	assert.Equal(t, len(fh.writes), 2)
	assert.Equal(t, len(fh.writes[0].data), 20)
	assert.Equal(t, len(fh.writes[1].data), 5)

	fh.writes = nil
	fh.listener.OnMtuUpdated(conn, 30, 30)
	assert.Equal(t, c.Snapshot().TxMtu, 30)

	data = make([]byte, 60)
	for i := range data {
		data[i] = byte(i)
	}
	assert.NilError(t, c.Send(data))
	assert.Equal(t, len(fh.writes), 3)

	var joined []byte
	for i, w := range fh.writes {
		assert.Equal(t, w.handle, uint16(5))
		assert.Equal(t, len(w.data), []int{27, 27, 6}[i])
		joined = append(joined, w.data...)
	}
	assert.DeepEqual(t, joined, data)
}

func TestCentralSendEmpty(t *testing.T) {
	c, fh := startCentral(t, NewCentralCfg())

	fh.bringUp(c)
	assert.NilError(t, c.Send(nil))
	assert.Equal(t, len(fh.writes), 1)
	assert.Equal(t, len(fh.writes[0].data), 0)
}

func TestCentralSendWriteError(t *testing.T) {
	c, fh := startCentral(t, NewCentralCfg())

	fh.bringUp(c)
	fh.writeErr = errors.New("ENOMEM")
	assert.ErrorContains(t, c.Send([]byte("hi")), "ENOMEM")
}

func TestCentralSendBeforeConnect(t *testing.T) {
	c, fh := startCentral(t, NewCentralCfg())

	err := c.Send([]byte("hi"))
	assert.Assert(t, uxutil.IsNotConnected(err))
	assert.Equal(t, len(fh.writes), 0)
}

func TestCentralUnsubscribe(t *testing.T) {
	c, fh := startCentral(t, NewCentralCfg())

	conn := fh.bringUp(c)
	assert.NilError(t, c.Unsubscribe())
	assert.Equal(t, len(fh.unsubs), 1)
	assert.Equal(t, fh.unsubs[0], fh.subs[0])

	// Still subscribed until the host acknowledges.
	assert.Assert(t, c.Snapshot().Ready)

	p := fh.subs[0]
	act := p.Notify(conn, host.NewUnsubAckEvent(), p)
	assert.Equal(t, act, host.ITER_CONTINUE)

	snap := c.Snapshot()
	assert.Assert(t, snap.Connected)
	assert.Assert(t, !snap.Ready)
	assert.Equal(t, snap.State, LC_STATE_CONNECTED)

	sub := c.SubState()
	assert.Assert(t, !sub.Enabled)
	assert.Equal(t, sub.ValueHandle, uint16(0))

	err := c.Send([]byte("hi"))
	assert.Assert(t, uxutil.IsNotReady(err))
	assert.Equal(t, len(fh.writes), 0)

	err = c.Unsubscribe()
	assert.Assert(t, uxutil.IsNotReady(err))
}

func TestCentralUnsubscribeNotConnected(t *testing.T) {
	c, _ := startCentral(t, NewCentralCfg())

	err := c.Unsubscribe()
	assert.Assert(t, uxutil.IsNotConnected(err))
}

func TestCentralRx(t *testing.T) {
	var rx [][]byte

	cfg := NewCentralCfg()
	cfg.RxFn = func(data []byte) {
		rx = append(rx, data)
	}

	c, fh := startCentral(t, cfg)
	conn := fh.bringUp(c)

	p := fh.subs[0]
	p.Notify(conn, host.NewDataEvent([]byte("HELLO")), p)
	p.Notify(conn, host.NewDataEvent([]byte("WORLD")), p)

	assert.Equal(t, len(rx), 2)
	assert.Equal(t, string(rx[0]), "HELLO")
	assert.Equal(t, string(rx[1]), "WORLD")
}

func TestCentralStop(t *testing.T) {
	c, fh := startCentral(t, NewCentralCfg())

	conn := fh.bringUp(c)
	assert.NilError(t, c.Stop())
	assert.DeepEqual(t, fh.disconnects,
		[]int{bledefs.BLE_ERR_REM_USER_CONN_TERM})

	// No rescan once stopped.
	fh.disconnected(conn, bledefs.BLE_ERR_CONN_TERM_LOCAL)
	assert.Equal(t, fh.scanStarts, 1)
	assert.Equal(t, c.Snapshot().State, LC_STATE_IDLE)

	assert.ErrorContains(t, c.Stop(), "stopped twice")
	assert.ErrorContains(t, c.Start(), "stopped")
}

func TestCentralStopWhileScanning(t *testing.T) {
	c, fh := startCentral(t, NewCentralCfg())

	assert.NilError(t, c.Stop())
	assert.Equal(t, fh.scanStops, 1)
	assert.Equal(t, len(fh.disconnects), 0)
	assert.Equal(t, c.Snapshot().State, LC_STATE_IDLE)

	_, err := c.WaitReady(0)
	assert.Assert(t, uxutil.IsNotReady(err))
}

func TestCentralScanStartFailure(t *testing.T) {
	fh := newFakeHost()
	fh.scanStartErr = errors.New("EBUSY")

	c := NewCentral(fh, NewCentralCfg())
	assert.ErrorContains(t, c.Start(), "EBUSY")
	assert.Equal(t, c.Snapshot().State, LC_STATE_IDLE)

	fh.scanStartErr = nil
	assert.NilError(t, c.Start())
	assert.Equal(t, c.Snapshot().State, LC_STATE_SCANNING)
}
