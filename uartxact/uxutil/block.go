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
	"sync"
	"time"
)

// Holds back any number of waiters until a value is published.  Once
// published, the value is handed to every later waiter until Reset() is
// called.
type Blocker struct {
	ch  chan struct{}
	val interface{}
	mtx sync.Mutex
}

func NewBlocker() *Blocker {
	return &Blocker{
		ch: make(chan struct{}),
	}
}

// Publishes val and releases all current waiters.  Publishing to an already
// released blocker replaces the value.
func (b *Blocker) Release(val interface{}) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	b.val = val
	select {
	case <-b.ch:
	default:
		close(b.ch)
	}
}

// Makes subsequent waiters block again.
func (b *Blocker) Reset() {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	select {
	case <-b.ch:
		b.ch = make(chan struct{})
		b.val = nil
	default:
	}
}

func (b *Blocker) Released() bool {
	b.mtx.Lock()
	ch := b.ch
	b.mtx.Unlock()

	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// Waits for the published value.  A zero timeout waits forever.  Closing
// stopCh aborts the wait.
func (b *Blocker) Wait(timeout time.Duration,
	stopCh <-chan struct{}) (interface{}, error) {

	b.mtx.Lock()
	ch := b.ch
	b.mtx.Unlock()

	var tmoCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer StopAndDrainTimer(timer)
		tmoCh = timer.C
	}

	select {
	case <-ch:
		b.mtx.Lock()
		defer b.mtx.Unlock()
		return b.val, nil

	case <-tmoCh:
		return nil, NewNotReadyError("timeout after " + timeout.String())

	case <-stopCh:
		return nil, NewNotReadyError("aborted")
	}
}

func StopAndDrainTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}
