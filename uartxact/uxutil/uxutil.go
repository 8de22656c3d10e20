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

package uxutil

import (
	"fmt"
	"runtime"

	log "github.com/sirupsen/logrus"
)

var Debug bool

func SetLogLevel(level log.Level) {
	log.SetLevel(level)
	Debug = level >= log.DebugLevel
}

func Assert(cond bool) {
	if Debug && !cond {
		buf := make([]byte, 1024*1024)
		n := runtime.Stack(buf, true)
		log.Errorf("assertion failed; stack:\n%s", buf[:n])
		panic("Failed assertion")
	}
}

// Copies at most max bytes of b.  A nil input yields a nil output.
func CopyBounded(b []byte, max int) []byte {
	if b == nil {
		return nil
	}

	n := len(b)
	if max >= 0 && n > max {
		n = max
	}

	c := make([]byte, n)
	copy(c, b[:n])
	return c
}

func IntMin(a int, b int) int {
	if a < b {
		return a
	}
	return b
}

// Renders a payload for logging; printable text is shown verbatim.
func PayloadString(b []byte) string {
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return fmt.Sprintf("%x", b)
		}
	}

	return string(b)
}
