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

	"github.com/go-ble/ble"
	log "github.com/sirupsen/logrus"

	"mynewt.apache.org/bleuart/uartxact/bledefs"
	"mynewt.apache.org/bleuart/uartxact/task"
)

const QUEUE_DEPTH = 1024

func UuidFromBllUuid(bllUuid ble.UUID) (bledefs.BleUuid16, error) {
	if len(bllUuid) != 2 {
		return 0, fmt.Errorf("unsupported UUID: %s", bllUuid.String())
	}

	return bledefs.BleUuid16(binary.LittleEndian.Uint16(bllUuid)), nil
}

func BllUuid(uuid bledefs.BleUuid16) ble.UUID {
	return ble.UUID16(uint16(uuid))
}

func AddrFromBllAddr(bllAddr ble.Addr) (bledefs.BleAddr, error) {
	if bllAddr == nil {
		return bledefs.BleAddr{}, fmt.Errorf("missing address")
	}

	return bledefs.ParseBleAddr(bllAddr.String())
}

// The subset of ble.Advertisement an advertising report is built from.
type advInfo interface {
	LocalName() string
	Services() []ble.UUID
	Connectable() bool
	RSSI() int
	Addr() ble.Addr
}

func clampRssi(rssi int) int8 {
	if rssi < -128 {
		return -128
	}
	if rssi > 127 {
		return 127
	}
	return int8(rssi)
}

// Raw report accessors of the Linux HCI advertisement.
type rawAdv interface {
	EventType() uint8
	AddressType() uint8
	Data() []byte
}

type scanRsp interface {
	ScanResponse() []byte
}

// Rebuilds the AD structures this system cares about from the parsed
// fields.  Used when the advertisement carries no raw data.
func rebuildAdvData(a advInfo) []byte {
	f := bledefs.BleAdvFields{}
	for _, u := range a.Services() {
		u16, err := UuidFromBllUuid(u)
		if err != nil {
			// 128-bit UUIDs are of no interest.
			continue
		}
		f.Uuids16 = append(f.Uuids16, u16)
		f.Uuids16IsComplete = true
	}

	if name := a.LocalName(); name != "" {
		f.Name = &name
		f.NameIsComplete = true
	}

	return bledefs.BuildAdvData(f)
}

// Converts a go-ble advertisement into a report.  On Linux the raw AD bytes,
// event type and address type are passed through unchanged, followed by the
// scan response if one was merged in.  Other advertisements only expose
// parsed fields; their report is rebuilt and the address type is left as
// public.  Dialing reuses the go-ble address as scanned either way.
func AdvReportFromBll(a advInfo) (bledefs.BleAdvReport, error) {
	r := bledefs.BleAdvReport{}

	addr, err := AddrFromBllAddr(a.Addr())
	if err != nil {
		return r, err
	}

	r.Sender.Addr = addr
	r.Rssi = clampRssi(a.RSSI())

	if raw, ok := a.(rawAdv); ok {
		r.EventType = bledefs.BleAdvEventType(raw.EventType())
		r.Sender.AddrType = bledefs.BleAddrType(raw.AddressType())
		r.Data = append([]byte(nil), raw.Data()...)
		if sr, ok := a.(scanRsp); ok {
			r.Data = append(r.Data, sr.ScanResponse()...)
		}

		return r, nil
	}

	r.EventType = bledefs.BLE_ADV_EVENT_NONCONN_IND
	if a.Connectable() {
		r.EventType = bledefs.BLE_ADV_EVENT_IND
	}
	r.Sender.AddrType = bledefs.BLE_ADDR_TYPE_PUBLIC
	r.Data = rebuildAdvData(a)

	return r, nil
}

// Queues a host callback.  Callbacks never run on go-ble's goroutines.
func post(q *task.TaskQueue, fn func()) {
	if err := q.Post(fn); err != nil {
		if err == task.FullError {
			log.Warnf("bll: dropping event: %s", err.Error())
		} else {
			log.Debugf("bll: dropping event: %s", err.Error())
		}
	}
}
