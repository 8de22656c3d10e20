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

	"mynewt.apache.org/bleuart/uartxact/bledefs"
	"mynewt.apache.org/bleuart/uartxact/host"
	"mynewt.apache.org/bleuart/uartxact/uxutil"
)

type DiscState int

const (
	DISC_STATE_SVC DiscState = iota
	DISC_STATE_NOTIFY_CHR
	DISC_STATE_WRITE_CHR
	DISC_STATE_CCC
	DISC_STATE_SUBSCRIBE
	DISC_STATE_DONE
	DISC_STATE_ABORTED
)

var discStateStringMap = map[DiscState]string{
	DISC_STATE_SVC:        "svc",
	DISC_STATE_NOTIFY_CHR: "notify_chr",
	DISC_STATE_WRITE_CHR:  "write_chr",
	DISC_STATE_CCC:        "ccc",
	DISC_STATE_SUBSCRIBE:  "subscribe",
	DISC_STATE_DONE:       "done",
	DISC_STATE_ABORTED:    "aborted",
}

func DiscStateToString(s DiscState) string {
	str := discStateStringMap[s]
	if str == "" {
		return "???"
	}

	return str
}

// One row of the discovery chain: what to look for in a state, where to
// store the result, and which state follows.
type discRow struct {
	uuid     bledefs.BleUuid16
	discType host.DiscType
	record   func(s *DiscSession, attr *host.Attr)
	next     DiscState
}

// Characteristic value handles directly follow their declaration unless the
// host says otherwise.
func valueHandle(attr *host.Attr) uint16 {
	if attr.ValueHandle != 0 {
		return attr.ValueHandle
	}
	return attr.Handle + 1
}

var discTable = map[DiscState]discRow{
	DISC_STATE_SVC: {
		uuid:     bledefs.UartSvcUuid,
		discType: host.DISC_TYPE_PRIMARY,
		record: func(s *DiscSession, attr *host.Attr) {
			s.SvcHandle = attr.Handle
		},
		next: DISC_STATE_NOTIFY_CHR,
	},
	DISC_STATE_NOTIFY_CHR: {
		uuid:     bledefs.UartNotifyChrUuid,
		discType: host.DISC_TYPE_CHARACTERISTIC,
		record: func(s *DiscSession, attr *host.Attr) {
			s.NotifyValHandle = valueHandle(attr)
		},
		next: DISC_STATE_WRITE_CHR,
	},
	DISC_STATE_WRITE_CHR: {
		uuid:     bledefs.UartWriteChrUuid,
		discType: host.DISC_TYPE_CHARACTERISTIC,
		record: func(s *DiscSession, attr *host.Attr) {
			s.WriteValHandle = valueHandle(attr)
		},
		next: DISC_STATE_CCC,
	},
	DISC_STATE_CCC: {
		uuid:     bledefs.GattCccUuid,
		discType: host.DISC_TYPE_DESCRIPTOR,
		record: func(s *DiscSession, attr *host.Attr) {
			s.CccHandle = attr.Handle
		},
		next: DISC_STATE_SUBSCRIBE,
	},
}

// Tracks the attribute walk for one connection.  A session is driven only
// from host callbacks, so it is not safe for concurrent use.
type DiscSession struct {
	conn  *host.Conn
	state DiscState
	start uint16

	SvcHandle       uint16
	NotifyValHandle uint16
	WriteValHandle  uint16
	CccHandle       uint16
}

func NewDiscSession(conn *host.Conn) *DiscSession {
	return &DiscSession{
		conn:  conn,
		state: DISC_STATE_SVC,
		start: bledefs.BLE_ATT_HANDLE_MIN,
	}
}

func (s *DiscSession) Conn() *host.Conn {
	return s.conn
}

func (s *DiscSession) State() DiscState {
	return s.state
}

// Whether the session still expects host callbacks.
func (s *DiscSession) Active() bool {
	return s.state != DISC_STATE_DONE && s.state != DISC_STATE_ABORTED
}

// The lookup for the current state.  fn receives the results.
func (s *DiscSession) Params(fn host.DiscFn) (*host.DiscParams, error) {
	row, ok := discTable[s.state]
	if !ok {
		return nil, fmt.Errorf("no lookup in discovery state %s",
			DiscStateToString(s.state))
	}

	return &host.DiscParams{
		Type:        row.discType,
		Uuid:        row.uuid,
		StartHandle: s.start,
		EndHandle:   bledefs.BLE_ATT_HANDLE_MAX,
		Func:        fn,
	}, nil
}

// The result of feeding one discovery callback to a session.
type DiscStep struct {
	// Returned to the host from the discovery callback.
	Action host.IterAction

	// The session advanced to another lookup; issue Params().
	Lookup bool

	// The session reached the subscribe state.
	Subscribe bool
}

// Advances the session with one discovery result.  attr == nil means the
// host exhausted the range; the chain is then aborted and an error describing
// the missing attribute is returned.  Results that do not belong to the
// current lookup are skipped.
func (s *DiscSession) Step(attr *host.Attr) (DiscStep, error) {
	row, ok := discTable[s.state]
	if !ok {
		// Late callback for a finished lookup.
		return DiscStep{Action: host.ITER_STOP}, nil
	}

	if attr == nil {
		s.state = DISC_STATE_ABORTED
		return DiscStep{Action: host.ITER_STOP},
			fmt.Errorf("%s %s not found in range 0x%04x-0x%04x",
				host.DiscTypeToString(row.discType), row.uuid.String(),
				s.start, bledefs.BLE_ATT_HANDLE_MAX)
	}

	if attr.Uuid != row.uuid || attr.Handle < s.start {
		return DiscStep{Action: host.ITER_CONTINUE}, nil
	}

	row.record(s, attr)

	// Nothing can follow the last handle; the next lookup would start over
	// at zero.
	if attr.Handle == bledefs.BLE_ATT_HANDLE_MAX &&
		row.next != DISC_STATE_SUBSCRIBE {

		s.state = DISC_STATE_ABORTED
		return DiscStep{Action: host.ITER_STOP},
			fmt.Errorf("%s %s at handle 0x%04x; no range left for %s",
				host.DiscTypeToString(row.discType), row.uuid.String(),
				attr.Handle, DiscStateToString(row.next))
	}

	s.start = attr.Handle + 1
	s.state = row.next

	step := DiscStep{Action: host.ITER_STOP}
	if s.state == DISC_STATE_SUBSCRIBE {
		step.Subscribe = true
	} else {
		step.Lookup = true
	}

	return step, nil
}

// Subscribe parameters for a session in the subscribe state.
func (s *DiscSession) SubscribeParams(fn host.NotifyFn) (
	*host.SubscribeParams, error) {

	if s.state != DISC_STATE_SUBSCRIBE {
		return nil, fmt.Errorf("can't subscribe in discovery state %s",
			DiscStateToString(s.state))
	}

	return &host.SubscribeParams{
		CccHandle:   s.CccHandle,
		ValueHandle: s.NotifyValHandle,
		Value:       bledefs.BLE_GATT_CCC_NOTIFY,
		Notify:      fn,
	}, nil
}

// Concludes the session with the outcome of the subscribe request.  A
// duplicate subscribe counts as success.
func (s *DiscSession) Subscribed(err error) error {
	if s.state != DISC_STATE_SUBSCRIBE {
		return fmt.Errorf("unexpected subscribe result in discovery state %s",
			DiscStateToString(s.state))
	}

	if err != nil && !uxutil.IsAlready(err) {
		s.state = DISC_STATE_ABORTED
		return err
	}

	s.state = DISC_STATE_DONE
	return nil
}

// Abandons the chain, e.g., because the host rejected a request.
func (s *DiscSession) Abort() {
	s.state = DISC_STATE_ABORTED
}
