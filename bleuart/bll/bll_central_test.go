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
	"testing"

	"gotest.tools/assert"

	"mynewt.apache.org/bleuart/uartxact/bledefs"
	"mynewt.apache.org/bleuart/uartxact/host"
	"mynewt.apache.org/bleuart/uartxact/uxutil"
)

func assertParamsRefused(t *testing.T, err error) {
	t.Helper()

	herr := uxutil.ToHost(err)
	assert.Assert(t, herr != nil, "err=%v", err)
	assert.Equal(t, herr.Status, bledefs.BLE_ERR_INV_HCI_CMD_PARMS)
}

// Requests are checked before the device is touched, so no controller is
// needed.
func TestCentralHostRefusesOtherScanParams(t *testing.T) {
	ch := NewCentralHost(nil, NewCentralHostCfg())

	p := host.NewScanParams()
	p.Type = bledefs.BLE_SCAN_TYPE_PASSIVE
	assertParamsRefused(t, ch.ScanStart(p, func(bledefs.BleAdvReport) {}))

	p = host.NewScanParams()
	p.Window = p.Interval + 1
	assertParamsRefused(t, ch.ScanStart(p, func(bledefs.BleAdvReport) {}))
}

func TestCentralHostRefusesOtherConnParams(t *testing.T) {
	ch := NewCentralHost(nil, NewCentralHostCfg())
	peer := bledefs.BleDev{
		Addr: bledefs.BleAddr{Bytes: [6]byte{1, 2, 3, 4, 5, 6}},
	}

	p := host.NewConnParams()
	p.Latency = 4
	_, err := ch.Connect(peer, p)
	assertParamsRefused(t, err)
}

func TestCentralHostCfgParamChecks(t *testing.T) {
	cfg := NewCentralHostCfg()
	assert.NilError(t, cfg.checkScanParams(host.NewScanParams()))
	assert.NilError(t, cfg.checkConnParams(host.NewConnParams()))

	// Duplicate filtering is a per-scan choice.
	p := host.NewScanParams()
	p.FilterDups = true
	assert.NilError(t, cfg.checkScanParams(p))
}
