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
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"gotest.tools/assert"

	"mynewt.apache.org/bleuart/uartxact/bledefs"
	"mynewt.apache.org/bleuart/uartxact/central"
	"mynewt.apache.org/bleuart/uartxact/host"
	"mynewt.apache.org/bleuart/uartxact/peripheral"
	"mynewt.apache.org/bleuart/uartxact/uxutil"
)

const testTimeout = 5 * time.Second

// Records every discovery request before passing it on.
type recCentral struct {
	*CentralHost

	mtx   sync.Mutex
	discs []host.DiscParams
}

func (rc *recCentral) Discover(c *host.Conn, p *host.DiscParams) error {
	rc.mtx.Lock()
	rc.discs = append(rc.discs, *p)
	rc.mtx.Unlock()

	return rc.CentralHost.Discover(c, p)
}

type rig struct {
	net *Net
	ph  *PeripheralHost
	ch  *recCentral
	srv *peripheral.Server
	cen *central.Central
	rx  chan []byte
}

func newRig(t *testing.T, cfg NetCfg) *rig {
	n := NewNet(cfg)
	assert.NilError(t, n.Start())

	r := &rig{
		net: n,
		ph:  n.NewPeripheral(),
		ch:  &recCentral{CentralHost: n.NewCentral()},
		rx:  make(chan []byte, 64),
	}

	r.srv = peripheral.NewServer(r.ph, peripheral.NewServerCfg())

	ccfg := central.NewCentralCfg()
	ccfg.RxFn = func(data []byte) {
		r.rx <- data
	}
	r.cen = central.NewCentral(r.ch, ccfg)

	return r
}

func (r *rig) up(t *testing.T) central.ConnSnapshot {
	assert.NilError(t, r.srv.Start())
	assert.NilError(t, r.cen.Start())

	snap, err := r.cen.WaitReady(testTimeout)
	assert.NilError(t, err)
	assert.NilError(t, r.net.Settle())

	return snap
}

func (r *rig) recv(t *testing.T) []byte {
	select {
	case b := <-r.rx:
		return b
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for notification")
		return nil
	}
}

func (r *rig) centralConn() *host.Conn {
	r.net.mtx.Lock()
	defer r.net.mtx.Unlock()

	if len(r.net.links) == 0 {
		return nil
	}
	return r.net.links[0].cconn
}

func TestHelloEcho(t *testing.T) {
	r := newRig(t, NewNetCfg())
	defer r.net.Stop()

	snap := r.up(t)
	assert.Assert(t, snap.Ready)
	assert.Equal(t, snap.Peer, r.ph.Addr())
	assert.Equal(t, snap.DiscState, central.DISC_STATE_DONE)

	assert.NilError(t, r.cen.Send([]byte("hello")))
	assert.Equal(t, string(r.recv(t)), "HELLO")

	assert.NilError(t, r.cen.Send([]byte("Mixed Case 42!")))
	assert.Equal(t, string(r.recv(t)), "MIXED CASE 42!")

	st := r.srv.Status()
	assert.Assert(t, st.Connected)
	assert.Assert(t, st.NotifyEnabled)
	assert.Equal(t, st.Stats.Notified, 2)
}

func TestDiscoveryOrder(t *testing.T) {
	r := newRig(t, NewNetCfg())
	defer r.net.Stop()

	// A battery service ahead of the text-transport service.
	_, err := r.ph.RegisterService(host.SvcDef{
		Uuid: 0x180f,
		Attrs: []host.AttrDef{
			{Kind: host.ATTR_KIND_CHR, Uuid: 0x2a19,
				Flags: bledefs.BLE_GATT_F_NOTIFY},
			{Kind: host.ATTR_KIND_CCC, Uuid: bledefs.GattCccUuid},
		},
	})
	assert.NilError(t, err)

	assert.NilError(t, r.srv.Start())

	// Another service reusing the notify characteristic's UUID after it.
	_, err = r.ph.RegisterService(host.SvcDef{
		Uuid: 0x1234,
		Attrs: []host.AttrDef{
			{Kind: host.ATTR_KIND_CHR, Uuid: bledefs.UartNotifyChrUuid,
				Flags: bledefs.BLE_GATT_F_NOTIFY},
			{Kind: host.ATTR_KIND_CCC, Uuid: bledefs.GattCccUuid},
		},
	})
	assert.NilError(t, err)

	assert.NilError(t, r.cen.Start())
	_, err = r.cen.WaitReady(testTimeout)
	assert.NilError(t, err)

	r.ch.mtx.Lock()
	discs := r.ch.discs
	r.ch.mtx.Unlock()

	exp := []struct {
		typ   host.DiscType
		uuid  bledefs.BleUuid16
		start uint16
	}{
		{host.DISC_TYPE_PRIMARY, bledefs.UartSvcUuid, 1},
		{host.DISC_TYPE_CHARACTERISTIC, bledefs.UartNotifyChrUuid, 6},
		{host.DISC_TYPE_CHARACTERISTIC, bledefs.UartWriteChrUuid, 7},
		{host.DISC_TYPE_DESCRIPTOR, bledefs.GattCccUuid, 9},
	}

	assert.Equal(t, len(discs), len(exp))
	for i, e := range exp {
		assert.Equal(t, discs[i].Type, e.typ, "lookup %d", i)
		assert.Equal(t, discs[i].Uuid, e.uuid, "lookup %d", i)
		assert.Equal(t, discs[i].StartHandle, e.start, "lookup %d", i)
	}

	sub := r.cen.SubState()
	assert.Equal(t, sub.ValueHandle, uint16(7))
	assert.Equal(t, sub.CccHandle, uint16(10))

	assert.NilError(t, r.cen.Send([]byte("hello")))
	assert.Equal(t, string(r.recv(t)), "HELLO")
}

func TestChunkedEcho(t *testing.T) {
	cfg := NewNetCfg()
	cfg.Mtu = 30

	r := newRig(t, cfg)
	defer r.net.Stop()

	snap := r.up(t)
	assert.Equal(t, snap.TxMtu, 30)

	data := bytes.Repeat([]byte("abcdefghij"), 6)
	et := central.NewEchoTracker(peripheral.ToUpperAscii)
	sz := central.MaxPayload(snap.TxMtu)
	for off := 0; off < len(data); off += sz {
		end := uxutil.IntMin(off+sz, len(data))
		et.Expect(data[off:end])
	}

	assert.NilError(t, r.cen.Send(data))

	var joined []byte
	for i, exp := range []int{27, 27, 6} {
		b := r.recv(t)
		assert.Equal(t, len(b), exp, "chunk %d", i)
		assert.Assert(t, et.Observe(b))
		joined = append(joined, b...)
	}

	assert.Equal(t, string(joined), string(bytes.ToUpper(data)))
	assert.Equal(t, et.Stats().Matched, 3)
	assert.Equal(t, et.Pending(), 0)
}

func TestWeakSignalIgnored(t *testing.T) {
	cfg := NewNetCfg()
	cfg.Rssi = -80

	r := newRig(t, cfg)
	defer r.net.Stop()

	assert.NilError(t, r.srv.Start())
	assert.NilError(t, r.cen.Start())
	assert.NilError(t, r.net.Settle())

	snap := r.cen.Snapshot()
	assert.Equal(t, snap.State, central.LC_STATE_SCANNING)
	assert.Assert(t, !snap.Connected)
	assert.Assert(t, r.ph.Advertising())
}

func TestEmptyWriteRejected(t *testing.T) {
	r := newRig(t, NewNetCfg())
	defer r.net.Stop()

	r.up(t)
	assert.NilError(t, r.cen.Send(nil))
	assert.NilError(t, r.net.Settle())

	assert.Equal(t, r.srv.Status().Stats.Rejected, 1)
	assert.Equal(t, len(r.rx), 0)
}

func TestUnsubscribe(t *testing.T) {
	r := newRig(t, NewNetCfg())
	defer r.net.Stop()

	r.up(t)
	assert.NilError(t, r.cen.Unsubscribe())
	assert.NilError(t, r.net.Settle())

	snap := r.cen.Snapshot()
	assert.Assert(t, snap.Connected)
	assert.Assert(t, !snap.Ready)
	assert.Assert(t, !r.srv.Status().NotifyEnabled)

	err := r.cen.Send([]byte("hello"))
	assert.Assert(t, uxutil.IsNotReady(err))
}

func TestSubscribeTwice(t *testing.T) {
	r := newRig(t, NewNetCfg())
	defer r.net.Stop()

	r.up(t)
	sub := r.cen.SubState()

	err := r.ch.Subscribe(r.centralConn(), &host.SubscribeParams{
		CccHandle:   sub.CccHandle,
		ValueHandle: sub.ValueHandle,
		Value:       bledefs.BLE_GATT_CCC_NOTIFY,
	})
	assert.Assert(t, uxutil.IsAlready(err))
}

func TestPeerGoneRescan(t *testing.T) {
	r := newRig(t, NewNetCfg())
	defer r.net.Stop()

	r.up(t)
	assert.NilError(t, r.srv.Stop())
	assert.NilError(t, r.net.Settle())

	snap := r.cen.Snapshot()
	assert.Equal(t, snap.State, central.LC_STATE_SCANNING)
	assert.Assert(t, !snap.Connected)
	assert.Assert(t, !r.ph.Advertising())

	err := r.cen.Send([]byte("hello"))
	assert.Assert(t, uxutil.IsNotConnected(err))

	// A replacement peripheral is picked up.
	ph2 := r.net.NewPeripheral()
	srv2 := peripheral.NewServer(ph2, peripheral.NewServerCfg())
	assert.NilError(t, srv2.Start())

	snap, err = r.cen.WaitReady(testTimeout)
	assert.NilError(t, err)
	assert.Equal(t, snap.Peer, ph2.Addr())

	assert.NilError(t, r.cen.Send([]byte("again")))
	assert.Equal(t, string(r.recv(t)), "AGAIN")
}

func TestLinkLossReconnect(t *testing.T) {
	r := newRig(t, NewNetCfg())
	defer r.net.Stop()

	first := r.up(t)

	r.net.DropAll(bledefs.BLE_ERR_CONN_SPVN_TMO)
	assert.NilError(t, r.net.Settle())

	snap := r.cen.Snapshot()
	assert.Assert(t, snap.Ready)
	assert.Assert(t, snap.ConnHandle != first.ConnHandle)

	assert.NilError(t, r.cen.Send([]byte("back")))
	assert.Equal(t, string(r.recv(t)), "BACK")
}

func TestAdvRestartFailure(t *testing.T) {
	r := newRig(t, NewNetCfg())
	defer r.net.Stop()

	r.up(t)
	r.ph.FailAdv(errors.New("EIO"))
	r.net.DropAll(bledefs.BLE_ERR_CONN_SPVN_TMO)
	assert.NilError(t, r.net.Settle())

	assert.Assert(t, uxutil.IsAdvRestart(r.srv.Fatal()))
	assert.Equal(t, r.cen.Snapshot().State, central.LC_STATE_SCANNING)
}

func TestConnectAbsentPeer(t *testing.T) {
	r := newRig(t, NewNetCfg())
	defer r.net.Stop()

	assert.NilError(t, r.cen.Start())

	ghost := bledefs.BleDev{
		AddrType: bledefs.BLE_ADDR_TYPE_PUBLIC,
		Addr:     bledefs.BleAddr{Bytes: [6]byte{1, 2, 3, 4, 5, 6}},
	}
	r.net.InjectAdv(bledefs.BleAdvReport{
		EventType: bledefs.BLE_ADV_EVENT_IND,
		Sender:    ghost,
		Rssi:      -40,
		Data:      peripheral.AdvData("ghost"),
	})
	assert.NilError(t, r.net.Settle())

	snap := r.cen.Snapshot()
	assert.Equal(t, snap.State, central.LC_STATE_SCANNING)
	assert.Assert(t, !snap.Connected)

	// The real peripheral is still reachable afterwards.
	assert.NilError(t, r.srv.Start())
	_, err := r.cen.WaitReady(testTimeout)
	assert.NilError(t, err)
}

func TestNotifyWithoutSubscriber(t *testing.T) {
	n := NewNet(NewNetCfg())
	assert.NilError(t, n.Start())
	defer n.Stop()

	ph := n.NewPeripheral()
	sd := peripheral.NewServiceDescriptor()
	handles, err := ph.RegisterService(sd.SvcDef(nil, nil))
	assert.NilError(t, err)
	assert.Equal(t, handles.Svc, uint16(1))
	assert.DeepEqual(t, handles.Attrs, []uint16{3, 5, 6})

	err = ph.Notify(nil, handles.Attrs[peripheral.SVC_ATTR_NOTIFY],
		[]byte("x"))
	assert.Assert(t, uxutil.IsNotSubscribed(err))

	err = ph.Notify(nil, 99, []byte("x"))
	assert.Assert(t, uxutil.IsHost(err))
}

func TestInvalidParamsRejected(t *testing.T) {
	n := NewNet(NewNetCfg())
	assert.NilError(t, n.Start())
	defer n.Stop()

	ch := n.NewCentral()

	sp := host.NewScanParams()
	sp.Window = sp.Interval + 1
	err := ch.ScanStart(sp, func(r bledefs.BleAdvReport) {})
	assert.Equal(t, uxutil.ToHost(err).Status,
		bledefs.BLE_ERR_INV_HCI_CMD_PARMS)

	cp := host.NewConnParams()
	cp.ItvlMin = cp.ItvlMax + 1
	_, err = ch.Connect(n.NewPeripheral().Addr(), cp)
	assert.Equal(t, uxutil.ToHost(err).Status,
		bledefs.BLE_ERR_INV_HCI_CMD_PARMS)

	// A rejected scan leaves the central free to start a valid one.
	assert.NilError(t, ch.ScanStart(host.NewScanParams(),
		func(r bledefs.BleAdvReport) {}))
}
