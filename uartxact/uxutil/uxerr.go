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
)

// Represents a numeric failure reported by the BLE host for a request (scan,
// connect, discover, subscribe, write, notify).
type HostError struct {
	Text   string
	Status int
}

func NewHostError(status int, text string) *HostError {
	return &HostError{
		Status: status,
		Text:   text,
	}
}

func FmtHostError(status int, format string,
	args ...interface{}) *HostError {

	return NewHostError(status, fmt.Sprintf(format, args...))
}

func (e *HostError) Error() string {
	return e.Text
}

func IsHost(err error) bool {
	_, ok := err.(*HostError)
	return ok
}

func ToHost(err error) *HostError {
	if herr, ok := err.(*HostError); ok {
		return herr
	} else {
		return nil
	}
}

// Indicates an attempt to transition to the already-current state.  A
// subscribe against an already-enabled CCC reports this.
type AlreadyError struct {
	Text string
}

func NewAlreadyError(text string) *AlreadyError {
	return &AlreadyError{text}
}

func (err *AlreadyError) Error() string {
	return err.Text
}

func IsAlready(err error) bool {
	if err == nil {
		return false
	}

	_, ok := err.(*AlreadyError)
	return ok
}

// Advertising data that cannot be parsed (e.g., a UUID list whose length is
// not a multiple of the UUID width).
type MalformedError struct {
	Text string
}

func NewMalformedError(text string) *MalformedError {
	return &MalformedError{text}
}

func FmtMalformedError(format string, args ...interface{}) *MalformedError {
	return NewMalformedError(fmt.Sprintf(format, args...))
}

func (err *MalformedError) Error() string {
	return err.Text
}

func IsMalformed(err error) bool {
	if err == nil {
		return false
	}

	_, ok := err.(*MalformedError)
	return ok
}

// A write payload the peripheral refuses to process.  AttStatus is the ATT
// error code reported to the peer.
type InvalidParamError struct {
	Text      string
	AttStatus int
}

func NewInvalidParamError(attStatus int, text string) *InvalidParamError {
	return &InvalidParamError{
		Text:      text,
		AttStatus: attStatus,
	}
}

func (err *InvalidParamError) Error() string {
	return err.Text
}

func IsInvalidParam(err error) bool {
	if err == nil {
		return false
	}

	_, ok := err.(*InvalidParamError)
	return ok
}

func ToInvalidParam(err error) *InvalidParamError {
	if ierr, ok := err.(*InvalidParamError); ok {
		return ierr
	} else {
		return nil
	}
}

// No live connection.
type NotConnectedError struct {
	Text string
}

func NewNotConnectedError(text string) *NotConnectedError {
	return &NotConnectedError{text}
}

func (err *NotConnectedError) Error() string {
	return err.Text
}

func IsNotConnected(err error) bool {
	if err == nil {
		return false
	}

	_, ok := err.(*NotConnectedError)
	return ok
}

// Connected, but the transport has no write target (discovery incomplete or
// the peer unsubscribed).
type NotReadyError struct {
	Text string
}

func NewNotReadyError(text string) *NotReadyError {
	return &NotReadyError{text}
}

func (err *NotReadyError) Error() string {
	return err.Text
}

func IsNotReady(err error) bool {
	if err == nil {
		return false
	}

	_, ok := err.(*NotReadyError)
	return ok
}

// A notification was attempted but the peer has not enabled notifications.
type NotSubscribedError struct {
	Text string
}

func NewNotSubscribedError(text string) *NotSubscribedError {
	return &NotSubscribedError{text}
}

func (err *NotSubscribedError) Error() string {
	return err.Text
}

func IsNotSubscribed(err error) bool {
	if err == nil {
		return false
	}

	_, ok := err.(*NotSubscribedError)
	return ok
}

// Advertising could not be restarted after a disconnect.  The device is
// unreachable until restarted externally.
type AdvRestartError struct {
	Text  string
	Cause error
}

func NewAdvRestartError(cause error) *AdvRestartError {
	return &AdvRestartError{
		Text:  fmt.Sprintf("failed to restart advertising: %s", cause.Error()),
		Cause: cause,
	}
}

func (err *AdvRestartError) Error() string {
	return err.Text
}

func IsAdvRestart(err error) bool {
	if err == nil {
		return false
	}

	_, ok := err.(*AdvRestartError)
	return ok
}
