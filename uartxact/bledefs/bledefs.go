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

package bledefs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const BLE_ATT_ATTR_MAX_LEN = 512

const BLE_ATT_MTU_DFLT = 23

// Bytes of ATT header in a write command or notification.
const BLE_ATT_HDR_SZ = 3

const BLE_ATT_HANDLE_MIN = 0x0001
const BLE_ATT_HANDLE_MAX = 0xffff

// Text-transport service.
const UartSvcUuid BleUuid16 = 0x2bc4
const UartNotifyChrUuid BleUuid16 = 0x2bc5
const UartWriteChrUuid BleUuid16 = 0x2bc6

// Client characteristic configuration descriptor.
const GattCccUuid BleUuid16 = 0x2902

// CCC descriptor values.
const (
	BLE_GATT_CCC_NONE     uint16 = 0x0000
	BLE_GATT_CCC_NOTIFY   uint16 = 0x0001
	BLE_GATT_CCC_INDICATE uint16 = 0x0002
)

// HCI error codes reported in connect and disconnect events.
const (
	BLE_ERR_CONN_SPVN_TMO      = 0x08
	BLE_ERR_CONN_LIMIT         = 0x09
	BLE_ERR_INV_HCI_CMD_PARMS  = 0x12
	BLE_ERR_REM_USER_CONN_TERM = 0x13
	BLE_ERR_CONN_TERM_LOCAL    = 0x16
	BLE_ERR_CONN_ESTABLISHMENT = 0x3e
)

type BleAddrType int

const (
	BLE_ADDR_TYPE_PUBLIC  BleAddrType = 0
	BLE_ADDR_TYPE_RANDOM  BleAddrType = 1
	BLE_ADDR_TYPE_RPA_PUB BleAddrType = 2
	BLE_ADDR_TYPE_RPA_RND BleAddrType = 3
)

var BleAddrTypeStringMap = map[BleAddrType]string{
	BLE_ADDR_TYPE_PUBLIC:  "public",
	BLE_ADDR_TYPE_RANDOM:  "random",
	BLE_ADDR_TYPE_RPA_PUB: "rpa_pub",
	BLE_ADDR_TYPE_RPA_RND: "rpa_rnd",
}

func BleAddrTypeToString(addrType BleAddrType) string {
	s := BleAddrTypeStringMap[addrType]
	if s == "" {
		return "???"
	}

	return s
}

func BleAddrTypeFromString(s string) (BleAddrType, error) {
	for addrType, name := range BleAddrTypeStringMap {
		if s == name {
			return addrType, nil
		}
	}

	return BleAddrType(0), fmt.Errorf("Invalid BleAddrType string: %s", s)
}

func (a BleAddrType) MarshalJSON() ([]byte, error) {
	return json.Marshal(BleAddrTypeToString(a))
}

func (a *BleAddrType) UnmarshalJSON(data []byte) error {
	var err error

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	*a, err = BleAddrTypeFromString(s)
	return err
}

type BleAddr struct {
	Bytes [6]byte
}

func ParseBleAddr(s string) (BleAddr, error) {
	ba := BleAddr{}

	toks := strings.Split(strings.ToLower(s), ":")
	if len(toks) != 6 {
		return ba, fmt.Errorf("invalid BLE addr string: %s", s)
	}

	for i, t := range toks {
		u64, err := strconv.ParseUint(t, 16, 8)
		if err != nil {
			return ba, fmt.Errorf("invalid BLE addr string: %s", s)
		}
		ba.Bytes[i] = byte(u64)
	}

	return ba, nil
}

func (ba BleAddr) String() string {
	var buf bytes.Buffer
	buf.Grow(len(ba.Bytes) * 3)

	for i, b := range ba.Bytes {
		if i != 0 {
			buf.WriteString(":")
		}
		fmt.Fprintf(&buf, "%02x", b)
	}

	return buf.String()
}

func (ba BleAddr) IsZero() bool {
	return ba == BleAddr{}
}

func (ba BleAddr) MarshalJSON() ([]byte, error) {
	return json.Marshal(ba.String())
}

func (ba *BleAddr) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	var err error
	*ba, err = ParseBleAddr(s)
	if err != nil {
		return err
	}

	return nil
}

type BleDev struct {
	AddrType BleAddrType
	Addr     BleAddr
}

func (bd BleDev) String() string {
	return fmt.Sprintf("%s,%s",
		BleAddrTypeToString(bd.AddrType),
		bd.Addr.String())
}

type BleUuid16 uint16

func (bu16 BleUuid16) String() string {
	return fmt.Sprintf("0x%04x", uint16(bu16))
}

func ParseUuid16(s string) (BleUuid16, error) {
	val, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return BleUuid16(0), fmt.Errorf("Invalid UUID: %s", s)
	}

	return BleUuid16(val), nil
}

func (bu16 BleUuid16) MarshalJSON() ([]byte, error) {
	return json.Marshal(bu16.String())
}

func (bu16 *BleUuid16) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	var err error
	*bu16, err = ParseUuid16(s)
	return err
}

type BleAdvEventType int

const (
	BLE_ADV_EVENT_IND         BleAdvEventType = 0
	BLE_ADV_EVENT_DIRECT_IND  BleAdvEventType = 1
	BLE_ADV_EVENT_SCAN_IND    BleAdvEventType = 2
	BLE_ADV_EVENT_NONCONN_IND BleAdvEventType = 3
	BLE_ADV_EVENT_SCAN_RSP    BleAdvEventType = 4
)

var BleAdvEventTypeStringMap = map[BleAdvEventType]string{
	BLE_ADV_EVENT_IND:         "ind",
	BLE_ADV_EVENT_DIRECT_IND:  "direct_ind",
	BLE_ADV_EVENT_SCAN_IND:    "scan_ind",
	BLE_ADV_EVENT_NONCONN_IND: "nonconn_ind",
	BLE_ADV_EVENT_SCAN_RSP:    "scan_rsp",
}

func BleAdvEventTypeToString(advEventType BleAdvEventType) string {
	s := BleAdvEventTypeStringMap[advEventType]
	if s == "" {
		return "???"
	}

	return s
}

func BleAdvEventTypeFromString(s string) (BleAdvEventType, error) {
	for advEventType, name := range BleAdvEventTypeStringMap {
		if s == name {
			return advEventType, nil
		}
	}

	return BleAdvEventType(0),
		fmt.Errorf("Invalid BleAdvEventType string: %s", s)
}

func (a BleAdvEventType) MarshalJSON() ([]byte, error) {
	return json.Marshal(BleAdvEventTypeToString(a))
}

func (a *BleAdvEventType) UnmarshalJSON(data []byte) error {
	var err error

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	*a, err = BleAdvEventTypeFromString(s)
	return err
}

// Connectable advertisements are the only ones a central may act on.
func (a BleAdvEventType) Connectable() bool {
	return a == BLE_ADV_EVENT_IND || a == BLE_ADV_EVENT_DIRECT_IND
}

type BleAdvReport struct {
	// These fields are always present.
	EventType BleAdvEventType
	Sender    BleDev
	Rssi      int8

	// Raw advertising data; parse with ParseAdvFields.
	Data []byte
}

type BleRole int

const (
	BLE_ROLE_MASTER BleRole = iota
	BLE_ROLE_SLAVE
)

var BleRoleStringMap = map[BleRole]string{
	BLE_ROLE_MASTER: "central",
	BLE_ROLE_SLAVE:  "peripheral",
}

func BleRoleToString(r BleRole) string {
	s := BleRoleStringMap[r]
	if s == "" {
		return "???"
	}

	return s
}

type BleScanType int

const (
	BLE_SCAN_TYPE_PASSIVE BleScanType = iota
	BLE_SCAN_TYPE_ACTIVE
)

// Fast scan parameters, in units of 0.625 ms.
const (
	BLE_GAP_SCAN_FAST_INTERVAL = 0x0060
	BLE_GAP_SCAN_FAST_WINDOW   = 0x0030
)

type BleChrFlags int

const (
	BLE_GATT_F_BROADCAST    BleChrFlags = 0x0001
	BLE_GATT_F_READ         BleChrFlags = 0x0002
	BLE_GATT_F_WRITE_NO_RSP BleChrFlags = 0x0004
	BLE_GATT_F_WRITE        BleChrFlags = 0x0008
	BLE_GATT_F_NOTIFY       BleChrFlags = 0x0010
	BLE_GATT_F_INDICATE     BleChrFlags = 0x0020
)

type BleAttFlags int

const (
	BLE_ATT_F_NONE  BleAttFlags = 0x00
	BLE_ATT_F_READ  BleAttFlags = 0x01
	BLE_ATT_F_WRITE BleAttFlags = 0x02
)

// ATT error codes reported back to a peer.
const (
	BLE_ATT_ERR_INVALID_HANDLE         = 0x01
	BLE_ATT_ERR_WRITE_NOT_PERMITTED    = 0x03
	BLE_ATT_ERR_INVALID_ATTR_VALUE_LEN = 0x0d
	BLE_ATT_ERR_UNLIKELY               = 0x0e
)
