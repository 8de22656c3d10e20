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

package bll

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/context"

	"mynewt.apache.org/bleuart/uartxact/bledefs"
	"mynewt.apache.org/bleuart/uartxact/host"
	"mynewt.apache.org/bleuart/uartxact/task"
	"mynewt.apache.org/bleuart/uartxact/uxutil"
)

type CentralHostCfg struct {
	ConnTimeout  time.Duration
	PreferredMtu int

	// The parameters the device was opened with.  Requests asking for
	// anything else are refused.
	ScanParams host.ScanParams
	ConnParams host.ConnParams
}

func NewCentralHostCfg() CentralHostCfg {
	return CentralHostCfg{
		ConnTimeout:  10 * time.Second,
		PreferredMtu: 512,
		ScanParams:   host.NewScanParams(),
		ConnParams:   host.NewConnParams(),
	}
}

// Duplicate filtering is chosen per scan; the rest is fixed.
func (cfg *CentralHostCfg) checkScanParams(p host.ScanParams) error {
	if err := p.Validate(); err != nil {
		return err
	}

	dev := cfg.ScanParams
	if p.Type != dev.Type || p.Interval != dev.Interval ||
		p.Window != dev.Window {

		return uxutil.FmtHostError(bledefs.BLE_ERR_INV_HCI_CMD_PARMS,
			"scan parameters differ from the device's: "+
				"type=%d itvl=0x%04x window=0x%04x", p.Type, p.Interval,
			p.Window)
	}

	return nil
}

func (cfg *CentralHostCfg) checkConnParams(p host.ConnParams) error {
	if err := p.Validate(); err != nil {
		return err
	}

	if p != cfg.ConnParams {
		return uxutil.FmtHostError(bledefs.BLE_ERR_INV_HCI_CMD_PARMS,
			"connection parameters differ from the device's: "+
				"itvl=0x%04x-0x%04x latency=%d timeout=%d", p.ItvlMin,
			p.ItvlMax, p.Latency, p.SupervisionTimeout)
	}

	return nil
}

// One go-ble client and what has been discovered over it.
type bllConn struct {
	cln   ble.Client
	local bool
	svcs  []*ble.Service
	subs  map[uint16]*host.SubscribeParams
}

// Implements host.CentralHost on top of a go-ble device.  go-ble procedures
// are synchronous; they run on their own goroutines and report back through
// the host's task queue.
type CentralHost struct {
	cfg CentralHostCfg
	dev ble.Device
	q   *task.TaskQueue

	mtx        sync.Mutex
	listener   host.ConnListener
	scanCancel context.CancelFunc
	scanDone   chan struct{}
	seen       map[bledefs.BleAddr]ble.Addr
	conns      map[*host.Conn]*bllConn
	nextHandle uint16
}

func NewCentralHost(dev ble.Device, cfg CentralHostCfg) *CentralHost {
	return &CentralHost{
		cfg:        cfg,
		dev:        dev,
		q:          task.NewTaskQueue("bll_central"),
		seen:       map[bledefs.BleAddr]ble.Addr{},
		conns:      map[*host.Conn]*bllConn{},
		nextHandle: 1,
	}
}

func (ch *CentralHost) Start() error {
	return ch.q.Start(QUEUE_DEPTH)
}

func (ch *CentralHost) Stop() error {
	ch.ScanStop()
	return ch.q.Stop(fmt.Errorf("central host stopped"))
}

func (ch *CentralHost) SetListener(l host.ConnListener) {
	ch.mtx.Lock()
	defer ch.mtx.Unlock()

	ch.listener = l
}

func (ch *CentralHost) getListener() host.ConnListener {
	ch.mtx.Lock()
	defer ch.mtx.Unlock()

	return ch.listener
}

func (ch *CentralHost) onAdv(a ble.Advertisement, fn host.ScanFn) {
	r, err := AdvReportFromBll(a)
	if err != nil {
		log.Debugf("bll: ignoring advertisement: %s", err.Error())
		return
	}

	ch.mtx.Lock()
	ch.seen[r.Sender.Addr] = a.Addr()
	ch.mtx.Unlock()

	post(ch.q, func() { fn(r) })
}

func (ch *CentralHost) ScanStart(p host.ScanParams, fn host.ScanFn) error {
	ch.mtx.Lock()
	defer ch.mtx.Unlock()

	if ch.scanCancel != nil {
		return uxutil.NewAlreadyError("scan already in progress")
	}
	if err := ch.cfg.checkScanParams(p); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	ch.scanCancel = cancel
	ch.scanDone = done

	go func() {
		defer close(done)

		err := ch.dev.Scan(ctx, !p.FilterDups, func(a ble.Advertisement) {
			ch.onAdv(a, fn)
		})
		if err != nil && errors.Cause(err) != context.Canceled {
			log.Errorf("bll: scan failed: %s", err.Error())
		}
	}()

	return nil
}

func (ch *CentralHost) ScanStop() error {
	ch.mtx.Lock()
	cancel := ch.scanCancel
	done := ch.scanDone
	ch.scanCancel = nil
	ch.scanDone = nil
	ch.mtx.Unlock()

	if cancel == nil {
		return uxutil.NewAlreadyError("no scan in progress")
	}

	// The scan handler takes the lock; wait without holding it.
	cancel()
	<-done

	return nil
}

// Dials in the background.  p must match the parameters the device was
// opened with.
func (ch *CentralHost) Connect(peer bledefs.BleDev,
	p host.ConnParams) (*host.Conn, error) {

	ch.mtx.Lock()
	defer ch.mtx.Unlock()

	if ch.scanCancel != nil {
		return nil, uxutil.NewHostError(bledefs.BLE_ERR_CONN_ESTABLISHMENT,
			"can't connect while scanning")
	}
	if err := ch.cfg.checkConnParams(p); err != nil {
		return nil, err
	}

	c := host.NewConn(ch.nextHandle, peer, bledefs.BLE_ROLE_MASTER)
	ch.nextHandle++

	addr := ch.seen[peer.Addr]
	if addr == nil {
		addr = ble.NewAddr(peer.Addr.String())
	}

	go ch.dial(c, addr)

	return c, nil
}

func (ch *CentralHost) dial(c *host.Conn, addr ble.Addr) {
	ctx, cancel := context.WithTimeout(context.Background(),
		ch.cfg.ConnTimeout)
	defer cancel()

	l := ch.getListener()

	cln, err := ch.dev.Dial(ctx, addr)
	if err != nil {
		if errors.Cause(err) == context.DeadlineExceeded {
			log.Debugf("bll: failed to connect to %s after %s",
				addr.String(), ch.cfg.ConnTimeout.String())
		} else {
			log.Debugf("bll: failed to connect to %s: %s",
				addr.String(), err.Error())
		}
		post(ch.q, func() {
			if l != nil {
				l.OnConnected(c, bledefs.BLE_ERR_CONN_ESTABLISHMENT)
			}
		})
		return
	}

	bc := &bllConn{
		cln:  cln,
		subs: map[uint16]*host.SubscribeParams{},
	}

	ch.mtx.Lock()
	ch.conns[c] = bc
	ch.mtx.Unlock()

	c.SetAlive(true)
	post(ch.q, func() {
		if l != nil {
			l.OnConnected(c, 0)
		}
	})

	go ch.listenDisconnect(c, bc)

	if ch.cfg.PreferredMtu > bledefs.BLE_ATT_MTU_DFLT {
		tx, err := cln.ExchangeMTU(ch.cfg.PreferredMtu)
		if err != nil {
			log.Debugf("bll: MTU exchange failed: %s", err.Error())
			return
		}

		rx := ch.cfg.PreferredMtu
		post(ch.q, func() {
			if l != nil && c.Alive() {
				l.OnMtuUpdated(c, tx, rx)
			}
		})
	}
}

func (ch *CentralHost) listenDisconnect(c *host.Conn, bc *bllConn) {
	<-bc.cln.Disconnected()

	ch.mtx.Lock()
	delete(ch.conns, c)
	local := bc.local
	l := ch.listener
	ch.mtx.Unlock()

	// go-ble does not report the HCI reason.
	reason := bledefs.BLE_ERR_CONN_SPVN_TMO
	if local {
		reason = bledefs.BLE_ERR_CONN_TERM_LOCAL
	}

	c.SetAlive(false)
	post(ch.q, func() {
		if l != nil {
			l.OnDisconnected(c, reason)
		}
	})
}

// Caller must hold the lock.
func (ch *CentralHost) connFor(c *host.Conn) (*bllConn, error) {
	bc := ch.conns[c]
	if bc == nil {
		return nil, uxutil.NewNotConnectedError(
			fmt.Sprintf("not connected: %s", c.String()))
	}

	return bc, nil
}

// go-ble always terminates with "remote user terminated"; reason is only
// logged.
func (ch *CentralHost) Disconnect(c *host.Conn, reason int) error {
	ch.mtx.Lock()
	bc, err := ch.connFor(c)
	if err == nil {
		bc.local = true
	}
	ch.mtx.Unlock()

	if err != nil {
		return err
	}

	log.Debugf("bll: disconnecting %s reason=0x%02x", c.String(), reason)
	if err := bc.cln.CancelConnection(); err != nil {
		return errors.Wrap(err, "cancel connection failed")
	}

	return nil
}

func inRange(handle uint16, p *host.DiscParams) bool {
	return handle >= p.StartHandle && handle <= p.EndHandle
}

func uuidFilter(uuid bledefs.BleUuid16) []ble.UUID {
	if uuid == 0 {
		return nil
	}
	return []ble.UUID{BllUuid(uuid)}
}

func (ch *CentralHost) discoverSvcs(bc *bllConn,
	p *host.DiscParams) ([]host.Attr, error) {

	svcs, err := bc.cln.DiscoverServices(uuidFilter(p.Uuid))
	if err != nil {
		return nil, err
	}

	var attrs []host.Attr
	for _, s := range svcs {
		uuid, err := UuidFromBllUuid(s.UUID)
		if err != nil || !inRange(s.Handle, p) {
			continue
		}

		ch.mtx.Lock()
		bc.svcs = mergeSvc(bc.svcs, s)
		ch.mtx.Unlock()

		attrs = append(attrs, host.Attr{
			Handle:    s.Handle,
			EndHandle: s.EndHandle,
			Uuid:      uuid,
		})
	}

	return attrs, nil
}

func mergeSvc(svcs []*ble.Service, s *ble.Service) []*ble.Service {
	for i, other := range svcs {
		if other.Handle == s.Handle {
			svcs[i] = s
			return svcs
		}
	}

	return append(svcs, s)
}

// Characteristic discovery covers every known service that overlaps the
// range.  Services must have been discovered first.
func (ch *CentralHost) discoverChrs(bc *bllConn,
	p *host.DiscParams) ([]host.Attr, error) {

	ch.mtx.Lock()
	svcs := append([]*ble.Service(nil), bc.svcs...)
	ch.mtx.Unlock()

	var attrs []host.Attr
	for _, s := range svcs {
		if s.EndHandle < p.StartHandle || s.Handle > p.EndHandle {
			continue
		}

		chrs := s.Characteristics
		if chrs == nil {
			var err error
			chrs, err = bc.cln.DiscoverCharacteristics(nil, s)
			if err != nil {
				return nil, err
			}
		}

		for _, c := range chrs {
			uuid, err := UuidFromBllUuid(c.UUID)
			if err != nil || !inRange(c.Handle, p) {
				continue
			}
			if p.Uuid != 0 && uuid != p.Uuid {
				continue
			}

			attrs = append(attrs, host.Attr{
				Handle:      c.Handle,
				ValueHandle: c.ValueHandle,
				Uuid:        uuid,
				Props:       bledefs.BleChrFlags(c.Property),
			})
		}
	}

	return attrs, nil
}

func (ch *CentralHost) knownChrs(bc *bllConn) []*ble.Characteristic {
	ch.mtx.Lock()
	defer ch.mtx.Unlock()

	var chrs []*ble.Characteristic
	for _, s := range bc.svcs {
		chrs = append(chrs, s.Characteristics...)
	}

	return chrs
}

// Descriptors are looked up under each known characteristic whose range
// overlaps the requested one.
func (ch *CentralHost) discoverDscs(bc *bllConn,
	p *host.DiscParams) ([]host.Attr, error) {

	var attrs []host.Attr
	for _, c := range ch.knownChrs(bc) {
		if c.EndHandle < p.StartHandle || c.ValueHandle >= p.EndHandle ||
			c.EndHandle <= c.ValueHandle {

			continue
		}

		dscs := c.Descriptors
		if dscs == nil {
			var err error
			dscs, err = bc.cln.DiscoverDescriptors(nil, c)
			if err != nil {
				return nil, err
			}
		}

		for _, d := range dscs {
			uuid, err := UuidFromBllUuid(d.UUID)
			if err != nil || !inRange(d.Handle, p) {
				continue
			}
			if p.Uuid != 0 && uuid != p.Uuid {
				continue
			}

			attrs = append(attrs, host.Attr{
				Handle: d.Handle,
				Uuid:   uuid,
			})
		}
	}

	return attrs, nil
}

// Runs the lookup in the background.  A failed lookup is logged and then
// reported like an exhausted range.
func (ch *CentralHost) Discover(c *host.Conn, p *host.DiscParams) error {
	ch.mtx.Lock()
	bc, err := ch.connFor(c)
	ch.mtx.Unlock()

	if err != nil {
		return err
	}
	if p.Func == nil {
		return uxutil.NewHostError(0, "discovery without callback")
	}

	go func() {
		var attrs []host.Attr
		var err error

		switch p.Type {
		case host.DISC_TYPE_PRIMARY:
			attrs, err = ch.discoverSvcs(bc, p)
		case host.DISC_TYPE_CHARACTERISTIC:
			attrs, err = ch.discoverChrs(bc, p)
		case host.DISC_TYPE_DESCRIPTOR:
			attrs, err = ch.discoverDscs(bc, p)
		default:
			err = fmt.Errorf("unsupported discovery type: %d", p.Type)
		}
		if err != nil {
			log.Errorf("bll: %s discovery failed: %s",
				host.DiscTypeToString(p.Type), err.Error())
			attrs = nil
		}

		post(ch.q, func() {
			for i := range attrs {
				if !c.Alive() {
					return
				}
				if p.Func(c, &attrs[i], p) == host.ITER_STOP {
					return
				}
			}
			if c.Alive() {
				p.Func(c, nil, p)
			}
		})
	}()

	return nil
}

func (ch *CentralHost) chrByValHandle(bc *bllConn,
	handle uint16) *ble.Characteristic {

	for _, c := range ch.knownChrs(bc) {
		if c.ValueHandle == handle {
			return c
		}
	}

	return nil
}

func (ch *CentralHost) dscByHandle(bc *bllConn,
	handle uint16) *ble.Descriptor {

	for _, c := range ch.knownChrs(bc) {
		for _, d := range c.Descriptors {
			if d.Handle == handle {
				return d
			}
		}
	}

	return nil
}

// go-ble writes the characteristic's own CCCD.  If discovery did not find
// one, the characteristic's range is searched; failing that, the CCC named
// by p is used.
func (ch *CentralHost) cccdFor(bc *bllConn, chr *ble.Characteristic,
	cccHandle uint16) *ble.Descriptor {

	if chr.CCCD != nil {
		return chr.CCCD
	}

	if chr.EndHandle > chr.ValueHandle {
		filter := []ble.UUID{BllUuid(bledefs.GattCccUuid)}
		dscs, err := bc.cln.DiscoverDescriptors(filter, chr)
		if err == nil && len(dscs) > 0 {
			return dscs[0]
		}
	}

	return ch.dscByHandle(bc, cccHandle)
}

func (ch *CentralHost) Subscribe(c *host.Conn, p *host.SubscribeParams) error {
	ch.mtx.Lock()
	bc, err := ch.connFor(c)
	if err == nil {
		if _, ok := bc.subs[p.ValueHandle]; ok {
			err = uxutil.NewAlreadyError(fmt.Sprintf(
				"already subscribed: value_handle=%d", p.ValueHandle))
		}
	}
	ch.mtx.Unlock()

	if err != nil {
		return err
	}

	chr := ch.chrByValHandle(bc, p.ValueHandle)
	if chr == nil {
		return uxutil.FmtHostError(bledefs.BLE_ATT_ERR_INVALID_HANDLE,
			"no characteristic value at handle %d", p.ValueHandle)
	}

	cccd := ch.cccdFor(bc, chr, p.CccHandle)
	if cccd == nil {
		return uxutil.FmtHostError(bledefs.BLE_ATT_ERR_INVALID_HANDLE,
			"no CCC at handle %d", p.CccHandle)
	}
	chr.CCCD = cccd

	onNotify := func(data []byte) {
		buf := uxutil.CopyBounded(data, -1)
		post(ch.q, func() {
			if c.Alive() {
				p.Notify(c, host.NewDataEvent(buf), p)
			}
		})
	}

	ind := p.Value == bledefs.BLE_GATT_CCC_INDICATE
	if err := bc.cln.Subscribe(chr, ind, onNotify); err != nil {
		return uxutil.NewHostError(0, err.Error())
	}

	ch.mtx.Lock()
	bc.subs[p.ValueHandle] = p
	ch.mtx.Unlock()

	return nil
}

func (ch *CentralHost) Unsubscribe(c *host.Conn,
	p *host.SubscribeParams) error {

	ch.mtx.Lock()
	bc, err := ch.connFor(c)
	if err == nil && bc.subs[p.ValueHandle] != p {
		err = uxutil.NewHostError(0, "not subscribed")
	}
	ch.mtx.Unlock()

	if err != nil {
		return err
	}

	chr := ch.chrByValHandle(bc, p.ValueHandle)
	if chr == nil {
		return uxutil.FmtHostError(bledefs.BLE_ATT_ERR_INVALID_HANDLE,
			"no characteristic value at handle %d", p.ValueHandle)
	}

	ind := p.Value == bledefs.BLE_GATT_CCC_INDICATE
	if err := bc.cln.Unsubscribe(chr, ind); err != nil {
		return uxutil.NewHostError(0, err.Error())
	}

	ch.mtx.Lock()
	delete(bc.subs, p.ValueHandle)
	ch.mtx.Unlock()

	post(ch.q, func() {
		if p.Notify != nil {
			p.Notify(c, host.NewUnsubAckEvent(), p)
		}
	})

	return nil
}

func (ch *CentralHost) WriteNoRsp(c *host.Conn, handle uint16,
	data []byte) error {

	ch.mtx.Lock()
	bc, err := ch.connFor(c)
	ch.mtx.Unlock()

	if err != nil {
		return err
	}

	chr := ch.chrByValHandle(bc, handle)
	if chr == nil {
		return uxutil.FmtHostError(bledefs.BLE_ATT_ERR_INVALID_HANDLE,
			"no characteristic value at handle %d", handle)
	}

	mtu := bc.cln.Conn().TxMTU()
	if len(data) > mtu-bledefs.BLE_ATT_HDR_SZ {
		return uxutil.FmtHostError(
			bledefs.BLE_ATT_ERR_INVALID_ATTR_VALUE_LEN,
			"write too long: len=%d mtu=%d", len(data), mtu)
	}

	if err := bc.cln.WriteCharacteristic(chr, data, true); err != nil {
		return uxutil.NewHostError(0, err.Error())
	}

	return nil
}
