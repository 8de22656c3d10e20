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
	"mynewt.apache.org/bleuart/uartxact/bledefs"
	"mynewt.apache.org/bleuart/uartxact/host"
)

// Indices into the service's attribute table.
const (
	SVC_ATTR_NOTIFY = iota
	SVC_ATTR_WRITE
	SVC_ATTR_CCC
)

// The text-transport service layout.  The CCC descriptor follows the write
// characteristic; centrals walk the table in this order.
type ServiceDescriptor struct {
	SvcUuid       bledefs.BleUuid16
	NotifyChrUuid bledefs.BleUuid16
	WriteChrUuid  bledefs.BleUuid16
	CccUuid       bledefs.BleUuid16
}

func NewServiceDescriptor() ServiceDescriptor {
	return ServiceDescriptor{
		SvcUuid:       bledefs.UartSvcUuid,
		NotifyChrUuid: bledefs.UartNotifyChrUuid,
		WriteChrUuid:  bledefs.UartWriteChrUuid,
		CccUuid:       bledefs.GattCccUuid,
	}
}

// Builds the host definition of the service.  Writes to the write
// characteristic go to write; CCC updates go to ccc.
func (sd ServiceDescriptor) SvcDef(write host.WriteFn,
	ccc host.CccFn) host.SvcDef {

	attrs := make([]host.AttrDef, 3)

	attrs[SVC_ATTR_NOTIFY] = host.AttrDef{
		Kind:  host.ATTR_KIND_CHR,
		Uuid:  sd.NotifyChrUuid,
		Flags: bledefs.BLE_GATT_F_NOTIFY,
		Perm:  bledefs.BLE_ATT_F_NONE,
	}
	attrs[SVC_ATTR_WRITE] = host.AttrDef{
		Kind:  host.ATTR_KIND_CHR,
		Uuid:  sd.WriteChrUuid,
		Flags: bledefs.BLE_GATT_F_WRITE | bledefs.BLE_GATT_F_WRITE_NO_RSP,
		Perm:  bledefs.BLE_ATT_F_WRITE,
		Write: write,
	}
	attrs[SVC_ATTR_CCC] = host.AttrDef{
		Kind: host.ATTR_KIND_CCC,
		Uuid: sd.CccUuid,
		Perm: bledefs.BLE_ATT_F_READ | bledefs.BLE_ATT_F_WRITE,
		Ccc:  ccc,
	}

	return host.SvcDef{
		Uuid:  sd.SvcUuid,
		Attrs: attrs,
	}
}

// Advertising data for the service: flags, the complete UUID16 list, and as
// much of name as fits.  A name that doesn't fit is shortened and marked
// incomplete.
func AdvData(name string) []byte {
	f := bledefs.UartAdvFields(name)
	data := bledefs.BuildAdvData(f)
	if len(data) <= bledefs.BLE_HS_ADV_MAX_SZ {
		return data
	}

	short := name[:len(name)-(len(data)-bledefs.BLE_HS_ADV_MAX_SZ)]
	f.Name = &short
	f.NameIsComplete = false

	return bledefs.BuildAdvData(f)
}
