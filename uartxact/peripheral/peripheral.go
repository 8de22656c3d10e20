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

package peripheral

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"mynewt.apache.org/bleuart/uartxact/bledefs"
	"mynewt.apache.org/bleuart/uartxact/host"
	"mynewt.apache.org/bleuart/uartxact/uxutil"
)

const DFLT_NAME = "bleuart"

type ServerCfg struct {
	// Advertised device name.
	Name string

	// Only echo writes while the peer has notifications enabled.  By default
	// every write is echoed and a missing subscription is ignored.
	NotifyOnlySubscribed bool

	// Called if advertising cannot be restarted after a disconnect.  The
	// server is unreachable from then on.
	AdvFailFn func(err error)
}

func NewServerCfg() ServerCfg {
	return ServerCfg{
		Name: DFLT_NAME,
	}
}

type ServerStats struct {
	Writes       int
	Rejected     int
	Notified     int
	NotifyFailed int
}

type ServerStatus struct {
	Advertising   bool
	Connected     bool
	Peer          bledefs.BleDev
	ConnHandle    uint16
	NotifyEnabled bool
	TxMtu         int
	Fatal         bool
	Stats         ServerStats
}

// Serves the text-transport service to a single central and echoes every
// write back in upper case.
type Server struct {
	cfg ServerCfg
	h   host.PeripheralHost
	sd  ServiceDescriptor

	mtx           sync.Mutex
	handles       host.SvcHandles
	started       bool
	stopped       bool
	advertising   bool
	conn          *host.Conn
	notifyEnabled bool
	txMtu         int
	stats         ServerStats
	fatalErr      error
}

func NewServer(h host.PeripheralHost, cfg ServerCfg) *Server {
	s := &Server{
		cfg:   cfg,
		h:     h,
		sd:    NewServiceDescriptor(),
		txMtu: bledefs.BLE_ATT_MTU_DFLT,
	}

	h.SetListener(s)
	return s
}

func (s *Server) advParams() host.AdvParams {
	return host.AdvParams{
		Name: s.cfg.Name,
		Data: AdvData(s.cfg.Name),
	}
}

// Registers the service and starts advertising.
func (s *Server) Start() error {
	s.mtx.Lock()
	if s.started {
		s.mtx.Unlock()
		return fmt.Errorf("peripheral already started")
	}
	s.started = true
	s.mtx.Unlock()

	handles, err := s.h.RegisterService(s.sd.SvcDef(s.onWrite, s.onCcc))
	if err != nil {
		return fmt.Errorf("failed to register service %s: %s",
			s.sd.SvcUuid.String(), err.Error())
	}

	s.mtx.Lock()
	s.handles = handles
	s.mtx.Unlock()

	log.Debugf("Registered service %s: handles=%v",
		s.sd.SvcUuid.String(), handles.Attrs)

	if err := s.h.AdvStart(s.advParams()); err != nil {
		return fmt.Errorf("advertising failed to start: %s", err.Error())
	}

	s.setAdvertising(true)
	log.Debugf("Advertising successfully started")

	return nil
}

// Stops advertising and terminates the connection, if any.  Advertising is
// not restarted afterwards.
func (s *Server) Stop() error {
	s.mtx.Lock()
	if s.stopped {
		s.mtx.Unlock()
		return fmt.Errorf("peripheral stopped twice")
	}
	s.stopped = true
	adv := s.advertising
	s.advertising = false
	conn := s.conn
	s.mtx.Unlock()

	if adv {
		if err := s.h.AdvStop(); err != nil {
			log.Debugf("adv stop failed: %s", err.Error())
		}
	}

	if conn != nil {
		return s.h.Disconnect(conn, bledefs.BLE_ERR_REM_USER_CONN_TERM)
	}

	return nil
}

// The advertised device name.
func (s *Server) Name() string {
	return s.cfg.Name
}

// Non-nil if advertising could not be restarted.
func (s *Server) Fatal() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.fatalErr
}

func (s *Server) Status() ServerStatus {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	st := ServerStatus{
		Advertising:   s.advertising,
		NotifyEnabled: s.notifyEnabled,
		TxMtu:         s.txMtu,
		Fatal:         s.fatalErr != nil,
		Stats:         s.stats,
	}

	if s.conn != nil {
		st.Connected = true
		st.Peer = s.conn.Peer()
		st.ConnHandle = s.conn.Handle()
	}

	return st
}

func (s *Server) setAdvertising(adv bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.advertising = adv
}

func (s *Server) readvertise() {
	s.mtx.Lock()
	stopped := s.stopped
	s.mtx.Unlock()

	if stopped {
		return
	}

	err := s.h.AdvStart(s.advParams())
	if err == nil {
		s.setAdvertising(true)
		log.Debugf("Advertising restarted")
		return
	}

	rerr := uxutil.NewAdvRestartError(err)
	log.Errorf("OPERATOR ACTION REQUIRED: %s; device is no longer "+
		"discoverable and must be restarted", rerr.Error())

	s.mtx.Lock()
	s.advertising = false
	s.fatalErr = rerr
	s.mtx.Unlock()

	if s.cfg.AdvFailFn != nil {
		s.cfg.AdvFailFn(rerr)
	}
}

func (s *Server) OnConnected(c *host.Conn, status int) {
	if status != 0 {
		log.Errorf("Connection failed (err 0x%02x)", status)
		s.readvertise()
		return
	}

	s.mtx.Lock()
	if s.conn != nil && s.conn != c {
		s.mtx.Unlock()

		log.Warnf("Rejecting surplus connection %s; already connected",
			c.String())
		if err := s.h.Disconnect(c,
			bledefs.BLE_ERR_REM_USER_CONN_TERM); err != nil {

			log.Errorf("Failed to disconnect surplus connection: %s",
				err.Error())
		}
		return
	}

	s.conn = c
	s.advertising = false
	s.txMtu = bledefs.BLE_ATT_MTU_DFLT
	s.mtx.Unlock()

	log.Debugf("Connected: %s", c.String())
}

func (s *Server) OnDisconnected(c *host.Conn, reason int) {
	s.mtx.Lock()
	if c != s.conn {
		s.mtx.Unlock()
		return
	}

	s.conn = nil
	s.notifyEnabled = false
	s.txMtu = bledefs.BLE_ATT_MTU_DFLT
	s.mtx.Unlock()

	log.Debugf("Disconnected (reason 0x%02x)", reason)
	s.readvertise()
}

func (s *Server) OnMtuUpdated(c *host.Conn, tx int, rx int) {
	log.Debugf("Updated MTU: TX: %d RX: %d bytes", tx, rx)

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if c == s.conn {
		s.txMtu = tx
	}
}

func (s *Server) onCcc(c *host.Conn, value uint16) {
	enabled := value == bledefs.BLE_GATT_CCC_NOTIFY

	s.mtx.Lock()
	if c == s.conn {
		s.notifyEnabled = enabled
	}
	s.mtx.Unlock()

	if enabled {
		log.Debugf("Notifications enabled")
	} else {
		log.Debugf("Notifications disabled")
	}
}

// Echoes a write from the central as an upper-cased notification.  The echo
// is bounded by what fits in one notification.
func (s *Server) onWrite(c *host.Conn, data []byte) error {
	s.mtx.Lock()
	if len(data) == 0 {
		s.stats.Rejected++
		s.mtx.Unlock()
		return uxutil.NewInvalidParamError(
			bledefs.BLE_ATT_ERR_INVALID_ATTR_VALUE_LEN, "empty write")
	}

	s.stats.Writes++
	mtu := s.txMtu
	if mtu < bledefs.BLE_ATT_MTU_DFLT {
		mtu = bledefs.BLE_ATT_MTU_DFLT
	}
	notifyHandle := s.handles.Attrs[SVC_ATTR_NOTIFY]
	gated := s.cfg.NotifyOnlySubscribed && !s.notifyEnabled
	s.mtx.Unlock()

	n := uxutil.IntMin(len(data), uxutil.IntMin(
		mtu-bledefs.BLE_ATT_HDR_SZ, bledefs.BLE_ATT_ATTR_MAX_LEN))
	echo := ToUpperAscii(data[:n])

	log.Debugf("Received data: %s; echoing %d bytes",
		uxutil.PayloadString(data), len(echo))

	if gated {
		log.Debugf("Notifications disabled; not echoing")
		return nil
	}

	err := s.h.Notify(c, notifyHandle, echo)

	s.mtx.Lock()
	if err == nil {
		s.stats.Notified++
	} else {
		s.stats.NotifyFailed++
	}
	s.mtx.Unlock()

	if err != nil {
		if uxutil.IsNotSubscribed(err) {
			log.Debugf("Echo dropped: %s", err.Error())
		} else {
			log.Errorf("Failed to notify: %s", err.Error())
		}
	}

	return nil
}
