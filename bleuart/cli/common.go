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

package cli

import (
	"fmt"
	"reflect"

	"github.com/fatih/structs"

	"mynewt.apache.org/bleuart/bleuart/bll"
	"mynewt.apache.org/bleuart/bleuart/buutil"
	"mynewt.apache.org/bleuart/bleuart/config"
	"mynewt.apache.org/bleuart/uartxact/central"
	"mynewt.apache.org/bleuart/uartxact/peripheral"
	"mynewt.apache.org/newt/util"
)

// Resolves the connection to use.  --conntype bypasses the profile manager;
// --connstring replaces the profile's connstring.
func getConnProfile() (*config.ConnProfile, error) {
	if buutil.ConnType != "" {
		ct, err := config.ConnTypeFromString(buutil.ConnType)
		if err != nil {
			return nil, err
		}

		return &config.ConnProfile{
			Name:       "unnamed",
			Type:       ct,
			ConnString: buutil.ConnString,
		}, nil
	}

	if buutil.ConnProfile == "" {
		return nil, util.NewNewtError(
			"No connection specified; use --conn or --conntype")
	}

	cp, err := config.GlobalConnProfileMgr().GetConnProfile(
		buutil.ConnProfile)
	if err != nil {
		return nil, err
	}

	if buutil.ConnString != "" {
		cpy := *cp
		cpy.ConnString = buutil.ConnString
		cp = &cpy
	}

	return cp, nil
}

// Builds a central on the profile's host.  The returned function releases
// everything that was opened.
func buildCentral(rxFn central.RxFn) (*central.Central, func(), error) {
	cp, err := getConnProfile()
	if err != nil {
		return nil, nil, err
	}

	switch cp.Type {
	case config.CONN_TYPE_BLE:
		bc, err := config.ParseBllConnString(cp.ConnString)
		if err != nil {
			return nil, nil, err
		}

		cc, err := config.BuildCentralCfg(bc)
		if err != nil {
			return nil, nil, err
		}
		cc.RxFn = rxFn

		dev, err := bll.NewDevice(config.BuildDevCfg(bc))
		if err != nil {
			return nil, nil, util.ChildNewtError(err)
		}

		ch := bll.NewCentralHost(dev, config.BuildCentralHostCfg(bc))
		if err := ch.Start(); err != nil {
			dev.Stop()
			return nil, nil, util.ChildNewtError(err)
		}

		c := central.NewCentral(ch, cc)
		closeFn := func() {
			c.Stop()
			ch.Stop()
			dev.Stop()
		}

		return c, closeFn, nil

	case config.CONN_TYPE_SIM:
		sc, err := config.ParseSimConnString(cp.ConnString)
		if err != nil {
			return nil, nil, err
		}

		rig, err := startSim(sc, rxFn)
		if err != nil {
			return nil, nil, err
		}

		return rig.cen, rig.stop, nil

	default:
		return nil, nil, util.FmtNewtError("Unknown connection type: %s (%d)",
			config.ConnTypeToString(cp.Type), int(cp.Type))
	}
}

// Builds a server on the profile's BLE controller.  The returned function
// releases everything that was opened.
func buildServer() (*peripheral.Server, func(), error) {
	cp, err := getConnProfile()
	if err != nil {
		return nil, nil, err
	}

	if cp.Type != config.CONN_TYPE_BLE {
		return nil, nil, util.FmtNewtError(
			"The peripheral needs a ble connection; use \"sim\" to run "+
				"both roles in-process (have: %s)",
			config.ConnTypeToString(cp.Type))
	}

	bc, err := config.ParseBllConnString(cp.ConnString)
	if err != nil {
		return nil, nil, err
	}

	dev, err := bll.NewDevice(config.BuildDevCfg(bc))
	if err != nil {
		return nil, nil, util.ChildNewtError(err)
	}

	ph := bll.NewPeripheralHost(dev)
	if err := ph.Start(); err != nil {
		dev.Stop()
		return nil, nil, util.ChildNewtError(err)
	}

	srv := peripheral.NewServer(ph, config.BuildServerCfg(bc))
	closeFn := func() {
		srv.Stop()
		ph.Stop()
		dev.Stop()
	}

	return srv, closeFn, nil
}

// Renders the exported fields of a struct, one "name: value" line each.
// Nested structs are flattened with a dotted prefix.
func structLines(v interface{}) []string {
	return appendStructLines(nil, "", v)
}

func appendStructLines(lines []string, prefix string,
	v interface{}) []string {

	for _, f := range structs.New(v).Fields() {
		if !f.IsExported() {
			continue
		}

		name := prefix + f.Name()

		_, isStringer := f.Value().(fmt.Stringer)
		if f.Kind() == reflect.Struct && !isStringer {
			lines = appendStructLines(lines, name+".", f.Value())
			continue
		}

		lines = append(lines, fmt.Sprintf("%s: %v", name, f.Value()))
	}

	return lines
}
