//go:build !linux
// +build !linux

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
	"runtime"
	"time"

	"github.com/go-ble/ble"

	"mynewt.apache.org/bleuart/uartxact/bledefs"
	"mynewt.apache.org/bleuart/uartxact/host"
)

// go-ble fixes scan and connection parameters when the device is opened.
type DevCfg struct {
	HciIdx      int
	OwnAddrType bledefs.BleAddrType
	DialTimeout time.Duration
	ScanParams  host.ScanParams
	ConnParams  host.ConnParams
}

func NewDevCfg() DevCfg {
	return DevCfg{
		OwnAddrType: bledefs.BLE_ADDR_TYPE_RANDOM,
		DialTimeout: 10 * time.Second,
		ScanParams:  host.NewScanParams(),
		ConnParams:  host.NewConnParams(),
	}
}

func NewDevice(cfg DevCfg) (ble.Device, error) {
	return nil, fmt.Errorf("HCI devices not supported on %s", runtime.GOOS)
}
