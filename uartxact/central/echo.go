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
	"sync"

	"github.com/joaojeronimo/go-crc16"
	log "github.com/sirupsen/logrus"

	"mynewt.apache.org/bleuart/uartxact/uxutil"
)

type EchoStats struct {
	Sent       int
	Matched    int
	Mismatched int
	Unexpected int
}

type echoEntry struct {
	crc uint16
	len int
}

// Checks that every notification matches the transformed form of the
// payload sent before it.  Expected echoes are matched in send order; only a
// CRC16 and length are retained per payload.
type EchoTracker struct {
	xform   func(b []byte) []byte
	pending []echoEntry
	stats   EchoStats
	mtx     sync.Mutex
}

// xform maps a sent payload to the echo the peer should return.
func NewEchoTracker(xform func(b []byte) []byte) *EchoTracker {
	return &EchoTracker{
		xform: xform,
	}
}

func (et *EchoTracker) Expect(sent []byte) {
	exp := et.xform(sent)

	et.mtx.Lock()
	defer et.mtx.Unlock()

	et.pending = append(et.pending, echoEntry{
		crc: crc16.Crc16(exp),
		len: len(exp),
	})
	et.stats.Sent++
}

// Drops the most recent expectation, e.g., because the payload failed to
// send.
func (et *EchoTracker) Retract() {
	et.mtx.Lock()
	defer et.mtx.Unlock()

	if len(et.pending) == 0 {
		return
	}

	et.pending = et.pending[:len(et.pending)-1]
	et.stats.Sent--
}

// Matches a received payload against the oldest outstanding echo.  Returns
// true on a match.
func (et *EchoTracker) Observe(rx []byte) bool {
	et.mtx.Lock()
	defer et.mtx.Unlock()

	if len(et.pending) == 0 {
		et.stats.Unexpected++
		log.Debugf("Unexpected notification: %s", uxutil.PayloadString(rx))
		return false
	}

	exp := et.pending[0]
	et.pending = et.pending[1:]

	if exp.len != len(rx) || exp.crc != crc16.Crc16(rx) {
		et.stats.Mismatched++
		log.Errorf("Echo mismatch: got %s (len=%d crc=0x%04x); "+
			"want len=%d crc=0x%04x", uxutil.PayloadString(rx), len(rx),
			crc16.Crc16(rx), exp.len, exp.crc)
		return false
	}

	et.stats.Matched++
	return true
}

func (et *EchoTracker) Pending() int {
	et.mtx.Lock()
	defer et.mtx.Unlock()

	return len(et.pending)
}

func (et *EchoTracker) Stats() EchoStats {
	et.mtx.Lock()
	defer et.mtx.Unlock()

	return et.stats
}
