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
	"github.com/tarm/serial"

	"mynewt.apache.org/newt/util"
)

type SerialConfig struct {
	DevPath     string
	Baud        int
	ReadTimeout time.Duration
}

func einvalSerialConnString(f string, args ...interface{}) error {
	suffix := fmt.Sprintf(f, args...)
	return util.FmtNewtError("Invalid serial connstring; %s", suffix)
}

func ParseSerialConnString(cs string) (*SerialConfig, error) {
	sc := &SerialConfig{
		Baud: 115200,
	}

	if strings.TrimSpace(cs) == "" {
		return nil, einvalSerialConnString("missing dev")
	}

	parts := strings.Split(cs, ",")
	for _, p := range parts {
		kv := strings.SplitN(p, "=", 2)
		// A lone token names the device file.
		if len(kv) == 1 {
			kv = []string{"dev", kv[0]}
		}

		k := kv[0]
		v := kv[1]

		switch k {
		case "dev":
			sc.DevPath = v

		case "baud":
			var err error
			sc.Baud, err = cast.ToIntE(v)
			if err != nil || sc.Baud <= 0 {
				return nil, einvalSerialConnString("Invalid baud: %s", v)
			}

		default:
			return nil, einvalSerialConnString("Unrecognized key: %s", k)
		}
	}

	if sc.DevPath == "" {
		return nil, einvalSerialConnString("missing dev")
	}

	return sc, nil
}

func BuildSerialPort(sc *SerialConfig) (*serial.Port, error) {
	c := &serial.Config{
		Name:        sc.DevPath,
		Baud:        sc.Baud,
		ReadTimeout: sc.ReadTimeout,
	}

	port, err := serial.OpenPort(c)
	if err != nil {
		return nil, util.ChildNewtError(err)
	}

	if err := port.Flush(); err != nil {
		port.Close()
		return nil, util.ChildNewtError(err)
	}

	return port, nil
}
