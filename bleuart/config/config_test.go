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

package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gotest.tools/assert"

	"mynewt.apache.org/bleuart/bleuart/buutil"
	"mynewt.apache.org/bleuart/uartxact/bledefs"
	"mynewt.apache.org/bleuart/uartxact/central"
	"mynewt.apache.org/bleuart/uartxact/host"
	"mynewt.apache.org/bleuart/uartxact/peripheral"
)

func TestParseBllConnString(t *testing.T) {
	bc, err := ParseBllConnString("peer_addr=C0:00:00:00:00:01," +
		"peer_name=uart,rssi_min=-60,own_addr_type=public," +
		"dev_name=echo,conn_timeout=2.5,notify_only_subscribed=true")
	assert.NilError(t, err)

	assert.Equal(t, bc.PeerAddr, "C0:00:00:00:00:01")
	assert.Equal(t, bc.PeerName, "uart")
	assert.Equal(t, bc.RssiMin, -60)
	assert.Equal(t, bc.OwnAddrType, bledefs.BLE_ADDR_TYPE_PUBLIC)
	assert.Equal(t, bc.DevName, "echo")
	assert.Equal(t, bc.ConnTimeout, 2.5)
	assert.Assert(t, bc.NotifyOnlySubscribed)
	assert.Equal(t, BuildDevCfg(bc).DialTimeout, 2500*time.Millisecond)
}

func TestParseBllConnStringDefaults(t *testing.T) {
	bc, err := ParseBllConnString("")
	assert.NilError(t, err)

	assert.Equal(t, bc.RssiMin, central.DFLT_RSSI_MIN)
	assert.Equal(t, bc.DevName, peripheral.DFLT_NAME)
	assert.Equal(t, bc.OwnAddrType, bledefs.BLE_ADDR_TYPE_RANDOM)
	assert.Assert(t, !bc.NotifyOnlySubscribed)
}

func TestParseBllConnStringRadioParams(t *testing.T) {
	bc, err := ParseBllConnString("passive_scan=true,scan_itvl=160," +
		"scan_window=80,conn_itvl_min=32,conn_itvl_max=48,conn_latency=2," +
		"conn_sup_tmo=600")
	assert.NilError(t, err)

	sp := host.ScanParams{
		Type:     bledefs.BLE_SCAN_TYPE_PASSIVE,
		Interval: 160,
		Window:   80,
	}
	cp := host.ConnParams{
		ItvlMin:            32,
		ItvlMax:            48,
		Latency:            2,
		SupervisionTimeout: 600,
	}
	assert.Equal(t, bc.ScanParams, sp)
	assert.Equal(t, bc.ConnParams, cp)

	// The device is opened with what the central will ask for.
	dc := BuildDevCfg(bc)
	hc := BuildCentralHostCfg(bc)
	cc, err := BuildCentralCfg(bc)
	assert.NilError(t, err)

	assert.Equal(t, dc.ScanParams, sp)
	assert.Equal(t, dc.ConnParams, cp)
	assert.Equal(t, hc.ScanParams, sp)
	assert.Equal(t, hc.ConnParams, cp)
	assert.Equal(t, cc.ScanParams, sp)
	assert.Equal(t, cc.ConnParams, cp)
}

func TestParseBllConnStringInvalid(t *testing.T) {
	tests := []struct {
		cs  string
		err string
	}{
		{"peer_name", "no '=' in: peer_name"},
		{"rssi_min=weak", "Invalid rssi_min: weak"},
		{"own_addr_type=static", "Invalid own_addr_type: static"},
		{"peer_addr=c0:00", "Invalid peer_addr: c0:00"},
		{"conn_timeout=soon", "Invalid conn_timeout: soon"},
		{"notify_only_subscribed=maybe", "Invalid notify_only_subscribed"},
		{"baud=9600", "Unrecognized key: baud"},
		{"scan_itvl=fast", "Invalid scan_itvl: fast"},
		{"passive_scan=sometimes", "Invalid passive_scan: sometimes"},
		{"scan_itvl=32,scan_window=48", "invalid scan window"},
		{"conn_itvl_min=64", "invalid connection interval"},
		{"conn_sup_tmo=5", "invalid supervision timeout"},
	}

	for _, test := range tests {
		_, err := ParseBllConnString(test.cs)
		assert.ErrorContains(t, err, "Invalid BLE connstring", test.cs)
		assert.ErrorContains(t, err, test.err, test.cs)
	}
}

func TestBuildCentralCfg(t *testing.T) {
	bc, err := ParseBllConnString("peer_addr=c0:00:00:00:00:01,rssi_min=-80")
	assert.NilError(t, err)

	cc, err := BuildCentralCfg(bc)
	assert.NilError(t, err)
	assert.Equal(t, cc.RssiMin, -80)
	assert.Equal(t, cc.PeerName, "")
	assert.Assert(t, cc.AddrFilter != nil)

	match, _ := bledefs.ParseBleAddr("c0:00:00:00:00:01")
	other, _ := bledefs.ParseBleAddr("c0:00:00:00:00:02")
	assert.Assert(t, cc.AddrFilter(bledefs.BleDev{Addr: match}))
	assert.Assert(t, !cc.AddrFilter(bledefs.BleDev{Addr: other}))
}

func TestNameFlagOverrides(t *testing.T) {
	buutil.DeviceName = "flagged"
	defer func() { buutil.DeviceName = "" }()

	bc, err := ParseBllConnString("peer_name=uart,dev_name=echo")
	assert.NilError(t, err)

	cc, err := BuildCentralCfg(bc)
	assert.NilError(t, err)
	assert.Equal(t, cc.PeerName, "flagged")

	sc := BuildServerCfg(bc)
	assert.Equal(t, sc.Name, "flagged")
}

func TestParseSimConnString(t *testing.T) {
	sc, err := ParseSimConnString("rssi=-75,mtu=64,dev_name=sim")
	assert.NilError(t, err)

	assert.Equal(t, sc.Net.Rssi, int8(-75))
	assert.Equal(t, sc.Net.Mtu, 64)
	assert.Equal(t, sc.Bll.DevName, "sim")

	_, err = ParseSimConnString("mtu=10")
	assert.ErrorContains(t, err, "Invalid mtu: 10")

	_, err = ParseSimConnString("color=blue")
	assert.ErrorContains(t, err, "Unrecognized key: color")
}

func TestParseSerialConnString(t *testing.T) {
	sc, err := ParseSerialConnString("dev=/dev/ttyUSB0,baud=9600")
	assert.NilError(t, err)
	assert.Equal(t, sc.DevPath, "/dev/ttyUSB0")
	assert.Equal(t, sc.Baud, 9600)

	sc, err = ParseSerialConnString("/dev/ttyACM1")
	assert.NilError(t, err)
	assert.Equal(t, sc.DevPath, "/dev/ttyACM1")
	assert.Equal(t, sc.Baud, 115200)

	_, err = ParseSerialConnString("baud=fast,dev=/dev/null")
	assert.ErrorContains(t, err, "Invalid baud: fast")

	_, err = ParseSerialConnString("baud=9600")
	assert.ErrorContains(t, err, "missing dev")
}

func TestConnProfileMgr(t *testing.T) {
	dir, err := ioutil.TempDir("", "bleuart_cp")
	assert.NilError(t, err)
	defer os.RemoveAll(dir)

	filename := filepath.Join(dir, "cp.json")

	cpm, err := NewConnProfileMgrFile(filename)
	assert.NilError(t, err)

	list, err := cpm.GetConnProfileList()
	assert.NilError(t, err)
	assert.Equal(t, len(list), 0)

	assert.NilError(t, cpm.AddConnProfile(&ConnProfile{
		Name:       "sim1",
		Type:       CONN_TYPE_SIM,
		ConnString: "rssi=-50",
	}))
	assert.NilError(t, cpm.AddConnProfile(&ConnProfile{
		Name:       "board",
		Type:       CONN_TYPE_BLE,
		ConnString: "peer_name=uart",
	}))

	// A second manager sees what the first one saved.
	cpm2, err := NewConnProfileMgrFile(filename)
	assert.NilError(t, err)

	list, err = cpm2.GetConnProfileList()
	assert.NilError(t, err)
	assert.Equal(t, len(list), 2)
	assert.Equal(t, list[0].Name, "board")
	assert.Equal(t, list[0].Type, CONN_TYPE_BLE)
	assert.Equal(t, list[1].Name, "sim1")
	assert.Equal(t, list[1].ConnString, "rssi=-50")

	assert.NilError(t, cpm2.DeleteConnProfile("sim1"))
	assert.ErrorContains(t, cpm2.DeleteConnProfile("sim1"), "doesn't exist")

	_, err = cpm2.GetConnProfile("sim1")
	assert.ErrorContains(t, err, "doesn't exist")

	p, err := cpm2.GetConnProfile("board")
	assert.NilError(t, err)
	assert.Equal(t, p.String(), "name=board type=ble connstring=peer_name=uart")
}

func TestConnProfileValidate(t *testing.T) {
	dir, err := ioutil.TempDir("", "bleuart_cp")
	assert.NilError(t, err)
	defer os.RemoveAll(dir)

	filename := filepath.Join(dir, "cp.json")
	m, err := NewConnProfileMgrFile(filename)
	assert.NilError(t, err)

	assert.ErrorContains(t, m.AddConnProfile(&ConnProfile{
		Name:       "bad",
		Type:       CONN_TYPE_BLE,
		ConnString: "rssi_min=loud",
	}), "Invalid BLE connstring")

	// Nothing was written.
	_, err = os.Stat(filename)
	assert.Assert(t, os.IsNotExist(err))

	tests := []struct {
		cp  ConnProfile
		err string
	}{
		{ConnProfile{Type: CONN_TYPE_SIM}, "needs a name"},
		{ConnProfile{Name: "x"}, "has no type"},
		{ConnProfile{Name: "x", Type: CONN_TYPE_SIM, ConnString: "mtu=5"},
			"Invalid mtu"},
	}
	for _, tt := range tests {
		assert.ErrorContains(t, tt.cp.Validate(), tt.err)
	}
}

func TestParseConnProfileVars(t *testing.T) {
	cp, err := ParseConnProfileVars("board",
		[]string{"type=ble", "connstring=peer_name=uart,rssi_min=-80"})
	assert.NilError(t, err)
	assert.DeepEqual(t, *cp, ConnProfile{
		Name:       "board",
		Type:       CONN_TYPE_BLE,
		ConnString: "peer_name=uart,rssi_min=-80",
	})

	_, err = ParseConnProfileVars("board", []string{"connstring=x=1"})
	assert.ErrorContains(t, err, "Must specify a connection type")

	_, err = ParseConnProfileVars("board", []string{"type"})
	assert.ErrorContains(t, err, "Expected varname=value")

	_, err = ParseConnProfileVars("board", []string{"type=serial"})
	assert.ErrorContains(t, err, "Invalid connection type")

	_, err = ParseConnProfileVars("board", []string{"color=red"})
	assert.ErrorContains(t, err, "Unknown variable color")
}

func TestConnProfileFileKeepsUnknownType(t *testing.T) {
	dir, err := ioutil.TempDir("", "bleuart_cp")
	assert.NilError(t, err)
	defer os.RemoveAll(dir)

	filename := filepath.Join(dir, "cp.json")
	blob := `[{"name": "old", "type": "serial", "connstring": "dev=/dev/ttyUSB0"}]`
	assert.NilError(t, ioutil.WriteFile(filename, []byte(blob), 0644))

	m, err := NewConnProfileMgrFile(filename)
	assert.NilError(t, err)

	cp, err := m.GetConnProfile("old")
	assert.NilError(t, err)
	assert.Equal(t, cp.Type, CONN_TYPE_NONE)

	// It can still be removed.
	assert.NilError(t, m.DeleteConnProfile("old"))

	blob2, err := ioutil.ReadFile(filename)
	assert.NilError(t, err)
	assert.Equal(t, strings.TrimSpace(string(blob2)), "[]")
}

func TestConnTypeFromString(t *testing.T) {
	ct, err := ConnTypeFromString("sim")
	assert.NilError(t, err)
	assert.Equal(t, ct, CONN_TYPE_SIM)

	_, err = ConnTypeFromString("???")
	assert.ErrorContains(t, err, "Invalid connection type")
}
