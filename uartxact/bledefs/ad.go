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
	"encoding/binary"

	"mynewt.apache.org/bleuart/uartxact/uxutil"
)

// Advertising data (AD) structure types.
const (
	BLE_HS_ADV_TYPE_FLAGS          = 0x01
	BLE_HS_ADV_TYPE_INCOMP_UUIDS16 = 0x02
	BLE_HS_ADV_TYPE_COMP_UUIDS16   = 0x03
	BLE_HS_ADV_TYPE_INCOMP_NAME    = 0x08
	BLE_HS_ADV_TYPE_COMP_NAME      = 0x09
)

// AD flags.
const (
	BLE_HS_ADV_F_DISC_LTD    uint8 = 0x01
	BLE_HS_ADV_F_DISC_GEN    uint8 = 0x02
	BLE_HS_ADV_F_BREDR_UNSUP uint8 = 0x04
)

const BLE_HS_ADV_MAX_SZ = 31

type BleAdvFields struct {
	// Each field is only present if the sender included it in its
	// advertisement.
	Flags             *uint8
	Uuids16           []BleUuid16
	Uuids16IsComplete bool
	Name              *string
	NameIsComplete    bool
}

// Walks the AD structures in data.  Unknown types are skipped.  A UUID16
// list whose length is not a multiple of two, or a structure that overruns
// the buffer, makes the whole advertisement malformed.
func ParseAdvFields(data []byte) (BleAdvFields, error) {
	f := BleAdvFields{}

	off := 0
	for off < len(data) {
		elemLen := int(data[off])
		if elemLen == 0 {
			// Zero-length structures terminate significant data.
			break
		}

		if off+1+elemLen > len(data) {
			return f, uxutil.FmtMalformedError(
				"AD structure at offset %d overruns buffer (len=%d avail=%d)",
				off, elemLen, len(data)-off-1)
		}

		typ := data[off+1]
		val := data[off+2 : off+1+elemLen]

		switch typ {
		case BLE_HS_ADV_TYPE_FLAGS:
			if len(val) != 1 {
				return f, uxutil.FmtMalformedError(
					"invalid flags length: %d", len(val))
			}
			flags := val[0]
			f.Flags = &flags

		case BLE_HS_ADV_TYPE_INCOMP_UUIDS16, BLE_HS_ADV_TYPE_COMP_UUIDS16:
			if len(val)%2 != 0 {
				return f, uxutil.FmtMalformedError(
					"UUID16 list length not a multiple of 2: %d", len(val))
			}
			for i := 0; i < len(val); i += 2 {
				u := BleUuid16(binary.LittleEndian.Uint16(val[i:]))
				f.Uuids16 = append(f.Uuids16, u)
			}
			f.Uuids16IsComplete = typ == BLE_HS_ADV_TYPE_COMP_UUIDS16

		case BLE_HS_ADV_TYPE_INCOMP_NAME, BLE_HS_ADV_TYPE_COMP_NAME:
			name := string(val)
			f.Name = &name
			f.NameIsComplete = typ == BLE_HS_ADV_TYPE_COMP_NAME
		}

		off += 1 + elemLen
	}

	return f, nil
}

func (f *BleAdvFields) HasUuid16(u BleUuid16) bool {
	for _, u16 := range f.Uuids16 {
		if u16 == u {
			return true
		}
	}

	return false
}

func appendAdvField(b []byte, typ byte, val []byte) []byte {
	b = append(b, byte(len(val)+1), typ)
	return append(b, val...)
}

// Encodes the subset of fields this package understands.  The result may
// exceed the legacy 31-byte limit; callers that care must check.
func BuildAdvData(f BleAdvFields) []byte {
	var b []byte

	if f.Flags != nil {
		b = appendAdvField(b, BLE_HS_ADV_TYPE_FLAGS, []byte{*f.Flags})
	}

	if len(f.Uuids16) > 0 {
		typ := byte(BLE_HS_ADV_TYPE_INCOMP_UUIDS16)
		if f.Uuids16IsComplete {
			typ = BLE_HS_ADV_TYPE_COMP_UUIDS16
		}

		val := make([]byte, 2*len(f.Uuids16))
		for i, u := range f.Uuids16 {
			binary.LittleEndian.PutUint16(val[2*i:], uint16(u))
		}
		b = appendAdvField(b, typ, val)
	}

	if f.Name != nil {
		typ := byte(BLE_HS_ADV_TYPE_INCOMP_NAME)
		if f.NameIsComplete {
			typ = BLE_HS_ADV_TYPE_COMP_NAME
		}
		b = appendAdvField(b, typ, []byte(*f.Name))
	}

	return b
}

// Advertising fields for the text-transport service: general discoverable,
// no BR/EDR, and a complete UUID16 list holding the service UUID.
func UartAdvFields(name string) BleAdvFields {
	flags := BLE_HS_ADV_F_DISC_GEN | BLE_HS_ADV_F_BREDR_UNSUP

	f := BleAdvFields{
		Flags:             &flags,
		Uuids16:           []BleUuid16{UartSvcUuid},
		Uuids16IsComplete: true,
	}

	if name != "" {
		f.Name = &name
		f.NameIsComplete = true
	}

	return f
}
