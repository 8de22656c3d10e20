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
	"encoding/binary"
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

// How long AdvStart waits for go-ble to reject the advertisement before
// assuming it is on the air.
const ADV_START_WAIT = 100 * time.Millisecond

// Open notification streams of one characteristic, keyed by connection.
type notifyChr struct {
	notifiers map[*host.Conn]ble.Notifier
}

// Implements host.PeripheralHost on top of a go-ble device.  go-ble has no
// connection callbacks; a central becomes known with its first request.
// Handles reported by RegisterService are local to this host and only
// address characteristics in Notify.
type PeripheralHost struct {
	dev ble.Device
	q   *task.TaskQueue

	mtx        sync.Mutex
	listener   host.ConnListener
	next       uint16
	chrs       map[uint16]*notifyChr
	conns      map[ble.Conn]*host.Conn
	nextHandle uint16
	advCancel  context.CancelFunc
	advDone    chan struct{}
}

func NewPeripheralHost(dev ble.Device) *PeripheralHost {
	return &PeripheralHost{
		dev:        dev,
		q:          task.NewTaskQueue("bll_periph"),
		next:       bledefs.BLE_ATT_HANDLE_MIN,
		chrs:       map[uint16]*notifyChr{},
		conns:      map[ble.Conn]*host.Conn{},
		nextHandle: 1,
	}
}

func (ph *PeripheralHost) Start() error {
	return ph.q.Start(QUEUE_DEPTH)
}

func (ph *PeripheralHost) Stop() error {
	ph.AdvStop()
	return ph.q.Stop(fmt.Errorf("peripheral host stopped"))
}

func (ph *PeripheralHost) SetListener(l host.ConnListener) {
	ph.mtx.Lock()
	defer ph.mtx.Unlock()

	ph.listener = l
}

// Returns the connection for a go-ble conn, announcing it to the listener
// the first time it is seen.
func (ph *PeripheralHost) connFor(bc ble.Conn) *host.Conn {
	ph.mtx.Lock()

	if c := ph.conns[bc]; c != nil {
		ph.mtx.Unlock()
		return c
	}

	addr, err := AddrFromBllAddr(bc.RemoteAddr())
	if err != nil {
		log.Debugf("bll: unparseable peer address: %s", err.Error())
	}

	c := host.NewConn(ph.nextHandle,
		bledefs.BleDev{Addr: addr}, bledefs.BLE_ROLE_SLAVE)
	ph.nextHandle++
	ph.conns[bc] = c

	// The controller stops advertising once a central connects.
	if ph.advCancel != nil {
		ph.advCancel()
		ph.advCancel = nil
	}

	l := ph.listener
	ph.mtx.Unlock()

	c.SetAlive(true)

	tx := bc.TxMTU()
	rx := bc.RxMTU()
	post(ph.q, func() {
		if l != nil {
			l.OnConnected(c, 0)
			l.OnMtuUpdated(c, tx, rx)
		}
	})

	go func() {
		<-bc.Disconnected()

		ph.mtx.Lock()
		delete(ph.conns, bc)
		for _, nc := range ph.chrs {
			delete(nc.notifiers, c)
		}
		l := ph.listener
		ph.mtx.Unlock()

		c.SetAlive(false)
		post(ph.q, func() {
			if l != nil {
				l.OnDisconnected(c, bledefs.BLE_ERR_REM_USER_CONN_TERM)
			}
		})
	}()

	return c
}

// Hands a peer write to fn on the task queue and reports its verdict as the
// ATT status.
func (ph *PeripheralHost) onWrite(fn host.WriteFn, req ble.Request,
	rsp ble.ResponseWriter) {

	c := ph.connFor(req.Conn())
	data := uxutil.CopyBounded(req.Data(), -1)

	err := ph.q.Run(func() error {
		return fn(c, data)
	})
	if err == nil {
		return
	}

	if ipe := uxutil.ToInvalidParam(err); ipe != nil {
		rsp.SetStatus(ble.ATTError(ipe.AttStatus))
	} else {
		rsp.SetStatus(ble.ATTError(bledefs.BLE_ATT_ERR_UNLIKELY))
	}
}

// Runs for as long as the central keeps notifications enabled.
func (ph *PeripheralHost) onNotify(nc *notifyChr, fn host.CccFn,
	req ble.Request, n ble.Notifier) {

	c := ph.connFor(req.Conn())

	ph.mtx.Lock()
	nc.notifiers[c] = n
	ph.mtx.Unlock()

	if fn != nil {
		post(ph.q, func() { fn(c, bledefs.BLE_GATT_CCC_NOTIFY) })
	}

	<-n.Context().Done()

	ph.mtx.Lock()
	if nc.notifiers[c] == n {
		delete(nc.notifiers, c)
	}
	ph.mtx.Unlock()

	if fn != nil {
		post(ph.q, func() { fn(c, bledefs.BLE_GATT_CCC_NONE) })
	}
}

// go-ble attaches a CCCD to every notifying characteristic.  A standalone
// CCC entry becomes an extra descriptor on the preceding characteristic so
// that the layout seen by centrals keeps it in place; writes to it are
// reported but do not open a notification stream.
func (ph *PeripheralHost) onCccWrite(fn host.CccFn, req ble.Request,
	rsp ble.ResponseWriter) {

	c := ph.connFor(req.Conn())

	data := req.Data()
	if len(data) != 2 {
		rsp.SetStatus(ble.ATTError(bledefs.BLE_ATT_ERR_INVALID_ATTR_VALUE_LEN))
		return
	}

	value := binary.LittleEndian.Uint16(data)
	if fn != nil {
		post(ph.q, func() { fn(c, value) })
	}
}

func (ph *PeripheralHost) RegisterService(
	def host.SvcDef) (host.SvcHandles, error) {

	var cccFn host.CccFn
	for _, ad := range def.Attrs {
		if ad.Kind == host.ATTR_KIND_CCC {
			cccFn = ad.Ccc
		}
	}

	ph.mtx.Lock()
	defer ph.mtx.Unlock()

	svc := ble.NewService(BllUuid(def.Uuid))

	h := ph.next
	handles := host.SvcHandles{
		Svc:   h,
		Attrs: make([]uint16, len(def.Attrs)),
	}
	h++

	chrs := map[uint16]*notifyChr{}
	var last *ble.Characteristic

	for i, ad := range def.Attrs {
		ad := ad

		switch ad.Kind {
		case host.ATTR_KIND_CHR:
			chr := svc.NewCharacteristic(BllUuid(ad.Uuid))

			if ad.Write != nil {
				chr.HandleWrite(ble.WriteHandlerFunc(
					func(req ble.Request, rsp ble.ResponseWriter) {
						ph.onWrite(ad.Write, req, rsp)
					}))
			}

			if ad.Flags&bledefs.BLE_GATT_F_NOTIFY != 0 {
				nc := &notifyChr{
					notifiers: map[*host.Conn]ble.Notifier{},
				}
				chrs[h+1] = nc

				chr.HandleNotify(ble.NotifyHandlerFunc(
					func(req ble.Request, n ble.Notifier) {
						ph.onNotify(nc, cccFn, req, n)
					}))
			}

			handles.Attrs[i] = h + 1
			last = chr
			h += 2

		case host.ATTR_KIND_CCC:
			if last == nil {
				return host.SvcHandles{}, fmt.Errorf(
					"CCC must follow a characteristic")
			}

			dsc := last.NewDescriptor(BllUuid(ad.Uuid))
			dsc.HandleWrite(ble.WriteHandlerFunc(
				func(req ble.Request, rsp ble.ResponseWriter) {
					ph.onCccWrite(ad.Ccc, req, rsp)
				}))

			handles.Attrs[i] = h
			h++

		default:
			return host.SvcHandles{}, fmt.Errorf(
				"unsupported attribute kind: %d", ad.Kind)
		}
	}

	if err := ph.dev.AddService(svc); err != nil {
		return host.SvcHandles{}, errors.Wrap(err, "add service failed")
	}

	for handle, nc := range chrs {
		ph.chrs[handle] = nc
	}
	ph.next = h

	return handles, nil
}

// Advertises the name and the UUID16s carried in p.Data.  go-ble advertises
// until its context is cancelled, so this only reports errors raised within
// ADV_START_WAIT.
func (ph *PeripheralHost) AdvStart(p host.AdvParams) error {
	f, err := bledefs.ParseAdvFields(p.Data)
	if err != nil {
		return err
	}

	uuids := make([]ble.UUID, len(f.Uuids16))
	for i, u := range f.Uuids16 {
		uuids[i] = BllUuid(u)
	}

	ph.mtx.Lock()
	if ph.advCancel != nil {
		ph.mtx.Unlock()
		return uxutil.NewAlreadyError("already advertising")
	}

	prev := ph.advDone
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	ph.advCancel = cancel
	ph.advDone = done
	ph.mtx.Unlock()

	errCh := make(chan error, 1)
	go func() {
		defer close(done)

		// The previous advertisement must be off the air first.
		if prev != nil {
			<-prev
		}

		err := ph.dev.AdvertiseNameAndServices(ctx, p.Name, uuids...)
		if err != nil && errors.Cause(err) != context.Canceled {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		ph.mtx.Lock()
		if ph.advDone == done {
			ph.advCancel = nil
		}
		ph.mtx.Unlock()
		cancel()
		return errors.Wrap(err, "advertise failed")

	case <-time.After(ADV_START_WAIT):
		return nil
	}
}

func (ph *PeripheralHost) AdvStop() error {
	ph.mtx.Lock()
	cancel := ph.advCancel
	done := ph.advDone
	ph.advCancel = nil
	ph.mtx.Unlock()

	if cancel == nil {
		return uxutil.NewAlreadyError("not advertising")
	}

	cancel()
	<-done

	return nil
}

func (ph *PeripheralHost) Notify(c *host.Conn, handle uint16,
	data []byte) error {

	ph.mtx.Lock()
	nc := ph.chrs[handle]
	var targets []ble.Notifier
	if nc != nil {
		for conn, n := range nc.notifiers {
			if c == nil || conn == c {
				targets = append(targets, n)
			}
		}
	}
	ph.mtx.Unlock()

	if nc == nil {
		return uxutil.FmtHostError(bledefs.BLE_ATT_ERR_INVALID_HANDLE,
			"no notifying characteristic at handle %d", handle)
	}
	if len(targets) == 0 {
		return uxutil.NewNotSubscribedError(fmt.Sprintf(
			"no subscriber for handle %d", handle))
	}

	for _, n := range targets {
		if len(data) > n.Cap() {
			return uxutil.FmtHostError(0,
				"notification too long: len=%d cap=%d", len(data), n.Cap())
		}
		if _, err := n.Write(data); err != nil {
			return uxutil.NewHostError(0, err.Error())
		}
	}

	return nil
}

func (ph *PeripheralHost) Disconnect(c *host.Conn, reason int) error {
	ph.mtx.Lock()
	var target ble.Conn
	for bc, other := range ph.conns {
		if other == c {
			target = bc
			break
		}
	}
	ph.mtx.Unlock()

	if target == nil {
		return uxutil.NewNotConnectedError(
			fmt.Sprintf("unknown connection: %s", c.String()))
	}

	log.Debugf("bll: disconnecting %s reason=0x%02x", c.String(), reason)
	if err := target.Close(); err != nil {
		return errors.Wrap(err, "disconnect failed")
	}

	return nil
}
