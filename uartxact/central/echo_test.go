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

package central

import (
	"bytes"
	"testing"

	"gotest.tools/assert"
)

func TestEchoTracker(t *testing.T) {
	et := NewEchoTracker(bytes.ToUpper)

	et.Expect([]byte("hello"))
	et.Expect([]byte("world"))
	assert.Equal(t, et.Pending(), 2)

	assert.Assert(t, et.Observe([]byte("HELLO")))

	// Out of order.
	assert.Assert(t, !et.Observe([]byte("HELLO")))
	assert.Equal(t, et.Pending(), 0)

	assert.Assert(t, !et.Observe([]byte("WORLD")))

	et.Expect([]byte("abc"))
	assert.Assert(t, !et.Observe([]byte("ABCD")))

	assert.Equal(t, et.Stats(), EchoStats{
		Sent:       3,
		Matched:    1,
		Mismatched: 2,
		Unexpected: 1,
	})
}

func TestEchoTrackerEmptyPayload(t *testing.T) {
	et := NewEchoTracker(bytes.ToUpper)

	et.Expect(nil)
	assert.Assert(t, et.Observe([]byte{}))
	assert.Equal(t, et.Stats().Matched, 1)
}

func TestEchoTrackerRetract(t *testing.T) {
	et := NewEchoTracker(bytes.ToUpper)

	et.Retract()
	assert.Equal(t, et.Stats().Sent, 0)

	et.Expect([]byte("one"))
	et.Expect([]byte("two"))
	et.Retract()
	assert.Equal(t, et.Pending(), 1)
	assert.Equal(t, et.Stats().Sent, 1)

	assert.Assert(t, et.Observe([]byte("ONE")))
	assert.Assert(t, !et.Observe([]byte("TWO")))
	assert.Equal(t, et.Stats().Unexpected, 1)
}
