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

	"github.com/spf13/cast"

	"mynewt.apache.org/bleuart/uartxact/bledefs"
	"mynewt.apache.org/bleuart/uartxact/simhost"
	"mynewt.apache.org/newt/util"
)

type SimConfig struct {
	Net simhost.NetCfg

	// Shared with the ble type so that a sim profile can stand in for one.
	Bll *BllConfig
}

func einvalSimConnString(f string, args ...interface{}) error {
	suffix := fmt.Sprintf(f, args...)
	return util.FmtNewtError("Invalid sim connstring; %s", suffix)
}

// Accepts rssi and mtu for the simulated radio.  Every other key is handed to
// the ble parser.
func ParseSimConnString(cs string) (*SimConfig, error) {
	sc := &SimConfig{
		Net: simhost.NewNetCfg(),
	}

	kvs, err := splitConnString(cs, einvalSimConnString)
	if err != nil {
		return nil, err
	}

	var rest []string
	for _, kv := range kvs {
		k := kv[0]
		v := kv[1]

		switch k {
		case "rssi":
			rssi, err := cast.ToInt8E(v)
			if err != nil {
				return nil, einvalSimConnString("Invalid rssi: %s", v)
			}
			sc.Net.Rssi = rssi

		case "mtu":
			mtu, err := cast.ToIntE(v)
			if err != nil || (mtu != 0 && mtu < bledefs.BLE_ATT_MTU_DFLT) {
				return nil, einvalSimConnString("Invalid mtu: %s", v)
			}
			sc.Net.Mtu = mtu

		default:
			rest = append(rest, k+"="+v)
		}
	}

	sc.Bll, err = ParseBllConnString(strings.Join(rest, ","))
	if err != nil {
		return nil, err
	}

	return sc, nil
}
