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
	log "github.com/sirupsen/logrus"

	"mynewt.apache.org/bleuart/uartxact/bledefs"
	"mynewt.apache.org/bleuart/uartxact/host"
	"mynewt.apache.org/bleuart/uartxact/uxutil"
)

// Largest payload that fits in one write command at the given ATT MTU.
func MaxPayload(mtu int) int {
	if mtu < bledefs.BLE_ATT_MTU_DFLT {
		mtu = bledefs.BLE_ATT_MTU_DFLT
	}
	return mtu - bledefs.BLE_ATT_HDR_SZ
}

// Sends data to the peer's write characteristic as unacknowledged write
// commands, split to fit the current MTU.  Fails without retrying if no link
// is up or the write target is unknown.  Safe to call from any goroutine.
func (c *Central) Send(data []byte) error {
	snap := c.Snapshot()
	if !snap.Connected {
		return uxutil.NewNotConnectedError(
			"No device connected. Please connect to a device first.")
	}
	if snap.writeHandle == 0 {
		return uxutil.NewNotReadyError("transport not ready; no write target")
	}

	log.Debugf("Sending input: %s", uxutil.PayloadString(data))

	if len(data) == 0 {
		return c.h.WriteNoRsp(snap.conn, snap.writeHandle, data)
	}

	chunkSz := MaxPayload(snap.TxMtu)
	for off := 0; off < len(data); off += chunkSz {
		end := uxutil.IntMin(off+chunkSz, len(data))
		if err := c.h.WriteNoRsp(snap.conn, snap.writeHandle,
			data[off:end]); err != nil {

			log.Errorf("Failed to write: %s", err.Error())
			return err
		}
	}

	return nil
}

// Asks the host to drop the standing subscription.  The host acknowledges
// with an unsubscribe event, which clears the write target.
func (c *Central) Unsubscribe() error {
	c.mtx.Lock()
	conn := c.conn
	p := c.sub.params
	c.mtx.Unlock()

	if conn == nil || !conn.Alive() {
		return uxutil.NewNotConnectedError("no device connected")
	}
	if p == nil {
		return uxutil.NewNotReadyError("not subscribed")
	}

	return c.h.Unsubscribe(conn, p)
}

func (c *Central) onNotify(conn *host.Conn, evt host.NotifyEvent,
	p *host.SubscribeParams) host.IterAction {

	switch evt.Type {
	case host.NOTIFY_EVT_UNSUB_ACK:
		log.Debugf("Unsubscribed: value_handle=%d", p.ValueHandle)

		c.mtx.Lock()
		if conn == c.conn {
			c.sub.Enabled = false
			c.sub.ValueHandle = 0
			c.sub.params = nil
			c.writeHandle = 0
		}
		c.mtx.Unlock()

		c.readyBlk.Reset()

	case host.NOTIFY_EVT_DATA:
		log.Debugf("Notification received. Data: %s. Length: %d.",
			uxutil.PayloadString(evt.Data), len(evt.Data))

		if c.cfg.RxFn != nil {
			c.cfg.RxFn(evt.Data)
		}

	default:
		log.Errorf("Unknown notify event type: %d", evt.Type)
	}

	return host.ITER_CONTINUE
}
