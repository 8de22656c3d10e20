//go:build linux
// +build linux

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
	"time"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/go-ble/ble/linux/hci/cmd"
	"github.com/pkg/errors"

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

func scanParamsOpt(p host.ScanParams,
	ownAddrType bledefs.BleAddrType) ble.Option {

	sp := cmd.LESetScanParameters{
		LEScanType:           uint8(p.Type),
		LEScanInterval:       p.Interval,
		LEScanWindow:         p.Window,
		OwnAddressType:       uint8(ownAddrType),
		ScanningFilterPolicy: 0x00, // Accept all
	}

	return ble.OptScanParams(sp)
}

// The initiator scans with the same interval and window as the scanner.
func connParamsOpt(p host.ConnParams, sp host.ScanParams,
	ownAddrType bledefs.BleAddrType) ble.Option {

	cc := cmd.LECreateConnection{
		LEScanInterval:        sp.Interval,
		LEScanWindow:          sp.Window,
		InitiatorFilterPolicy: 0x00, // White list is not used
		OwnAddressType:        uint8(ownAddrType),
		ConnIntervalMin:       p.ItvlMin,
		ConnIntervalMax:       p.ItvlMax,
		ConnLatency:           p.Latency,
		SupervisionTimeout:    p.SupervisionTimeout,
		MinimumCELength:       0x0000,
		MaximumCELength:       0x0000,

		// Specified at connect time.
		PeerAddressType: 0x00,
		PeerAddress:     [6]byte{},
	}

	return ble.OptConnParams(cc)
}

// Opens the HCI controller hciN.
func NewDevice(cfg DevCfg) (ble.Device, error) {
	if err := cfg.ScanParams.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.ConnParams.Validate(); err != nil {
		return nil, err
	}

	d, err := linux.NewDevice(
		ble.OptDeviceID(cfg.HciIdx),
		ble.OptDialerTimeout(cfg.DialTimeout),
		scanParamsOpt(cfg.ScanParams, cfg.OwnAddrType),
		connParamsOpt(cfg.ConnParams, cfg.ScanParams, cfg.OwnAddrType))
	if err != nil {
		return nil, errors.Wrapf(err, "can't open hci%d", cfg.HciIdx)
	}

	return d, nil
}
