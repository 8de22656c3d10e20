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

package task

import (
	"fmt"
	"sync"
)

// One job executed by the queue's event loop.
type job struct {
	fn    func() error
	resCh chan error
}

func newJob(fn func() error) job {
	return job{
		fn:    fn,
		resCh: make(chan error, 1),
	}
}

func (j job) finish(err error) {
	j.resCh <- err
	close(j.resCh)
}

// Runs jobs one at a time, in submission order, on a dedicated goroutine.
// BLE host callbacks are delivered through a TaskQueue so that they never run
// concurrently with one another.
type TaskQueue struct {
	name   string
	jobCh  chan job
	stopCh chan struct{}
	active bool
	mtx    sync.Mutex

	// Event loop.
	wg sync.WaitGroup

	// Submitters between reading jobCh and finishing their send.
	senders sync.WaitGroup
}

func NewTaskQueue(name string) *TaskQueue {
	return &TaskQueue{
		name: name,
	}
}

var InactiveError = fmt.Errorf("inactive task queue")
var FullError = fmt.Errorf("task queue full")

func (q *TaskQueue) Name() string {
	return q.name
}

// Registers a submitter.  The caller must call q.senders.Done() once its
// send has completed or been abandoned.
func (q *TaskQueue) acquire() (chan<- job, <-chan struct{}, bool) {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	if !q.active {
		return nil, nil, false
	}

	q.senders.Add(1)
	return q.jobCh, q.stopCh, true
}

// Submits fn to the queue, blocking while the queue is full.  The job's
// result is delivered over the returned channel, which is closed afterwards.
// If the queue is not running, or stops before fn is queued, the channel
// carries InactiveError.
func (q *TaskQueue) Enqueue(fn func() error) chan error {
	j := newJob(fn)

	jobCh, stopCh, ok := q.acquire()
	if !ok {
		j.finish(InactiveError)
		return j.resCh
	}
	defer q.senders.Done()

	select {
	case jobCh <- j:
	case <-stopCh:
		j.finish(InactiveError)
	}

	return j.resCh
}

// Submits a job whose result nobody waits for.  Never blocks, so jobs may
// post to their own queue; FullError is returned if there is no room.
func (q *TaskQueue) Post(fn func()) error {
	j := newJob(func() error {
		fn()
		return nil
	})

	jobCh, _, ok := q.acquire()
	if !ok {
		return InactiveError
	}
	defer q.senders.Done()

	select {
	case jobCh <- j:
		return nil
	default:
		return FullError
	}
}

// Submits fn and blocks until it has run.  Calling this from inside a job
// deadlocks.
func (q *TaskQueue) Run(fn func() error) error {
	return <-q.Enqueue(fn)
}

// Starts the event loop.  depth is the number of jobs that may be pending
// before Enqueue blocks and Post fails.
func (q *TaskQueue) Start(depth int) error {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	if q.active {
		return fmt.Errorf("Task queue started twice \"%s\"", q.name)
	}
	q.active = true

	jobCh := make(chan job, depth)
	q.jobCh = jobCh

	stopCh := make(chan struct{})
	q.stopCh = stopCh

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()

		for {
			select {
			case j, ok := <-jobCh:
				if !ok {
					return
				}
				j.finish(j.fn())

			case <-stopCh:
				return
			}
		}
	}()

	return nil
}

// Stops the event loop and fails any pending jobs with cause.  Blocks until
// the loop has exited, so it must not be called from a job; use StopNoWait
// there instead.
func (q *TaskQueue) Stop(cause error) error {
	if err := q.StopNoWait(cause); err != nil {
		return err
	}

	q.wg.Wait()
	return nil
}

// Initiates a stop without waiting for the loop to exit.
func (q *TaskQueue) StopNoWait(cause error) error {
	q.mtx.Lock()
	if !q.active {
		q.mtx.Unlock()
		return fmt.Errorf("Task queue stopped twice \"%s\"", q.name)
	}

	q.active = false
	jobCh := q.jobCh
	close(q.stopCh)
	q.mtx.Unlock()

	// Blocked submitters give up once stopCh is closed.  After they are gone
	// nothing else can send on jobCh.
	q.senders.Wait()

	// Fail whatever is still queued.
	close(jobCh)
	for j := range jobCh {
		j.finish(cause)
	}

	return nil
}

func (q *TaskQueue) Active() bool {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	return q.active
}
