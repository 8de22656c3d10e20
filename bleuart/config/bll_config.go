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
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"

	"mynewt.apache.org/bleuart/bleuart/bll"
	"mynewt.apache.org/bleuart/bleuart/buutil"
	"mynewt.apache.org/bleuart/uartxact/bledefs"
	"mynewt.apache.org/bleuart/uartxact/central"
	"mynewt.apache.org/bleuart/uartxact/host"
	"mynewt.apache.org/bleuart/uartxact/peripheral"
	"mynewt.apache.org/newt/util"
)

type BllConfig struct {
	OwnAddrType bledefs.BleAddrType

	// Central: which peripheral to accept.  Both are optional.
	PeerAddr string
	PeerName string
	RssiMin  int

	// Peripheral: advertised name.
	DevName              string
	NotifyOnlySubscribed bool

	// Connection timeout, in seconds.
	ConnTimeout float64

	// Fixed when the controller is opened; the central requests the same.
	ScanParams host.ScanParams
	ConnParams host.ConnParams

	HciIdx int
}

func NewBllConfig() *BllConfig {
	return &BllConfig{
		OwnAddrType: bledefs.BLE_ADDR_TYPE_RANDOM,
		RssiMin:     central.DFLT_RSSI_MIN,
		DevName:     peripheral.DFLT_NAME,
		ConnTimeout: buutil.Timeout,
		ScanParams:  host.NewScanParams(),
		ConnParams:  host.NewConnParams(),
	}
}

func einvalBllConnString(f string, args ...interface{}) error {
	suffix := fmt.Sprintf(f, args...)
	return util.FmtNewtError("Invalid BLE connstring; %s", suffix)
}

// Splits a connstring into key=value pairs.  einval builds the error for a
// malformed pair.
func splitConnString(cs string,
	einval func(f string, args ...interface{}) error) ([][2]string, error) {

	if strings.TrimSpace(cs) == "" {
		return nil, nil
	}

	var kvs [][2]string
	for _, p := range strings.Split(cs, ",") {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			return nil, einval("expected comma-separated "+
				"key=value pairs; no '=' in: %s", p)
		}

		kvs = append(kvs, [2]string{strings.TrimSpace(kv[0]), kv[1]})
	}

	return kvs, nil
}

func parseBllUint16(k string, v string) (uint16, error) {
	u, err := cast.ToUint16E(v)
	if err != nil {
		return 0, einvalBllConnString("Invalid %s: %s", k, v)
	}

	return u, nil
}

func ParseBllConnString(cs string) (*BllConfig, error) {
	bc := NewBllConfig()

	kvs, err := splitConnString(cs, einvalBllConnString)
	if err != nil {
		return nil, err
	}

	for _, kv := range kvs {
		k := kv[0]
		v := kv[1]

		switch k {
		case "own_addr_type":
			var err error
			bc.OwnAddrType, err = bledefs.BleAddrTypeFromString(v)
			if err != nil {
				return nil, einvalBllConnString("Invalid own_addr_type: %s", v)
			}
		case "peer_addr":
			if _, err := bledefs.ParseBleAddr(v); err != nil {
				return nil, einvalBllConnString("Invalid peer_addr: %s", v)
			}
			bc.PeerAddr = v
		case "peer_name":
			bc.PeerName = v
		case "rssi_min":
			var err error
			bc.RssiMin, err = cast.ToIntE(v)
			if err != nil {
				return nil, einvalBllConnString("Invalid rssi_min: %s", v)
			}
		case "dev_name":
			bc.DevName = v
		case "notify_only_subscribed":
			var err error
			bc.NotifyOnlySubscribed, err = cast.ToBoolE(v)
			if err != nil {
				return nil, einvalBllConnString(
					"Invalid notify_only_subscribed: %s", v)
			}
		case "conn_timeout":
			var err error
			bc.ConnTimeout, err = cast.ToFloat64E(v)
			if err != nil {
				return nil, einvalBllConnString("Invalid conn_timeout: %s", v)
			}
		case "passive_scan":
			passive, err := cast.ToBoolE(v)
			if err != nil {
				return nil, einvalBllConnString("Invalid passive_scan: %s", v)
			}
			bc.ScanParams.Type = bledefs.BLE_SCAN_TYPE_ACTIVE
			if passive {
				bc.ScanParams.Type = bledefs.BLE_SCAN_TYPE_PASSIVE
			}
		case "scan_itvl":
			if bc.ScanParams.Interval, err = parseBllUint16(k, v); err != nil {
				return nil, err
			}
		case "scan_window":
			if bc.ScanParams.Window, err = parseBllUint16(k, v); err != nil {
				return nil, err
			}
		case "conn_itvl_min":
			if bc.ConnParams.ItvlMin, err = parseBllUint16(k, v); err != nil {
				return nil, err
			}
		case "conn_itvl_max":
			if bc.ConnParams.ItvlMax, err = parseBllUint16(k, v); err != nil {
				return nil, err
			}
		case "conn_latency":
			if bc.ConnParams.Latency, err = parseBllUint16(k, v); err != nil {
				return nil, err
			}
		case "conn_sup_tmo":
			tmo, err := parseBllUint16(k, v)
			if err != nil {
				return nil, err
			}
			bc.ConnParams.SupervisionTimeout = tmo

		default:
			return nil, einvalBllConnString("Unrecognized key: %s", k)
		}
	}

	if err := bc.ScanParams.Validate(); err != nil {
		return nil, einvalBllConnString("%s", err.Error())
	}
	if err := bc.ConnParams.Validate(); err != nil {
		return nil, einvalBllConnString("%s", err.Error())
	}

	bc.HciIdx = buutil.HciIdx

	return bc, nil
}

func (bc *BllConfig) connTimeout() time.Duration {
	return time.Duration(bc.ConnTimeout * float64(time.Second))
}

func BuildDevCfg(bc *BllConfig) bll.DevCfg {
	dc := bll.NewDevCfg()
	dc.HciIdx = bc.HciIdx
	dc.OwnAddrType = bc.OwnAddrType
	dc.ScanParams = bc.ScanParams
	dc.ConnParams = bc.ConnParams
	if bc.ConnTimeout > 0 {
		dc.DialTimeout = bc.connTimeout()
	}

	return dc
}

func BuildCentralHostCfg(bc *BllConfig) bll.CentralHostCfg {
	hc := bll.NewCentralHostCfg()
	hc.ScanParams = bc.ScanParams
	hc.ConnParams = bc.ConnParams
	if bc.ConnTimeout > 0 {
		hc.ConnTimeout = bc.connTimeout()
	}

	return hc
}

// The --name flag overrides the profile's peer name.
func BuildCentralCfg(bc *BllConfig) (central.CentralCfg, error) {
	if buutil.DeviceName != "" {
		bc.PeerName = buutil.DeviceName
	}

	cc := central.NewCentralCfg()
	cc.RssiMin = bc.RssiMin
	cc.PeerName = bc.PeerName
	cc.ScanParams = bc.ScanParams
	cc.ConnParams = bc.ConnParams

	if bc.PeerAddr != "" {
		addr, err := bledefs.ParseBleAddr(bc.PeerAddr)
		if err != nil {
			return cc, util.ChildNewtError(err)
		}
		cc.AddrFilter = central.AddrFilter(addr)
	}

	return cc, nil
}

// The --name flag overrides the profile's advertised name.
func BuildServerCfg(bc *BllConfig) peripheral.ServerCfg {
	if buutil.DeviceName != "" {
		bc.DevName = buutil.DeviceName
	}

	sc := peripheral.NewServerCfg()
	if bc.DevName != "" {
		sc.Name = bc.DevName
	}
	sc.NotifyOnlySubscribed = bc.NotifyOnlySubscribed

	return sc
}
