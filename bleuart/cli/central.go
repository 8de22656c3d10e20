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
	"bufio"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/joaojeronimo/go-crc16"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/abiosoft/ishell.v2"
	"gopkg.in/cheggaaa/pb.v1"

	"mynewt.apache.org/bleuart/bleuart/buutil"
	"mynewt.apache.org/bleuart/bleuart/config"
	"mynewt.apache.org/bleuart/uartxact/central"
	"mynewt.apache.org/bleuart/uartxact/peripheral"
	"mynewt.apache.org/bleuart/uartxact/uxutil"
	"mynewt.apache.org/newt/util"
)

// Text sent by one central run and the echoes that came back.
type echoSession struct {
	tracker *central.EchoTracker
	printFn func(data []byte)

	mtx   sync.Mutex
	logRx bool
	rxLog []byte
}

func newEchoSession(printFn func(data []byte)) *echoSession {
	return &echoSession{
		tracker: central.NewEchoTracker(peripheral.ToUpperAscii),
		printFn: printFn,
	}
}

// Receives every notification.  Runs in the host's callback context.
func (s *echoSession) onRx(data []byte) {
	s.tracker.Observe(data)

	s.mtx.Lock()
	if s.logRx {
		s.rxLog = append(s.rxLog, data...)
	}
	s.mtx.Unlock()

	if s.printFn != nil {
		s.printFn(data)
	}
}

// Sends data one write at a time so that every write has its own expected
// echo.  Empty payloads are sent but not tracked; the peer rejects them.
func (s *echoSession) send(c *central.Central, data []byte) error {
	if len(data) == 0 {
		return c.Send(data)
	}

	max := central.MaxPayload(c.Snapshot().TxMtu)
	for off := 0; off < len(data); off += max {
		chunk := data[off:uxutil.IntMin(off+max, len(data))]

		s.tracker.Expect(chunk)
		if err := c.Send(chunk); err != nil {
			s.tracker.Retract()
			return err
		}
	}

	return nil
}

// What to tell the user about a failed send.  Empty for errors that only
// get logged.
func sendFailureText(err error) string {
	switch {
	case uxutil.IsNotConnected(err):
		return "No device connected. Please connect to a device first."
	case uxutil.IsNotReady(err):
		return "Device connected but the transport is not ready; " +
			"discovery is incomplete or notifications are off."
	default:
		return ""
	}
}

func (s *echoSession) sendLine(c *central.Central, line []byte) {
	err := s.send(c, line)
	if err == nil {
		return
	}

	if text := sendFailureText(err); text != "" {
		fmt.Println(text)
	} else {
		log.Errorf("Failed to send: %s", err.Error())
	}
}

// Sends each line read from r.  after, if set, runs once a line is sent.
func (s *echoSession) runLines(c *central.Central, r io.Reader,
	after func()) error {

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		s.sendLine(c, scanner.Bytes())
		if after != nil {
			after()
		}
	}

	if err := scanner.Err(); err != nil {
		return util.ChildNewtError(err)
	}

	return nil
}

// Waits until every sent payload is echoed.  Returns false on timeout.
func (s *echoSession) awaitEchoes(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for s.tracker.Pending() > 0 {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}

	return true
}

// Compares everything received since the file send began against the
// upper-case form of sent.
func (s *echoSession) verify(sent []byte, timeout time.Duration) error {
	if !s.awaitEchoes(timeout) {
		return util.FmtNewtError("%d echoes outstanding after %s",
			s.tracker.Pending(), timeout.String())
	}

	s.mtx.Lock()
	rx := s.rxLog
	s.mtx.Unlock()

	stats := s.tracker.Stats()
	want := crc16.Crc16(peripheral.ToUpperAscii(sent))
	got := crc16.Crc16(rx)

	if stats.Mismatched != 0 || len(rx) != len(sent) || got != want {
		return util.FmtNewtError("Echo verification failed: "+
			"sent=%d rcvd=%d crc=0x%04x want=0x%04x mismatched=%d",
			len(sent), len(rx), got, want, stats.Mismatched)
	}

	fmt.Printf("Verified %d bytes; crc=0x%04x\n", len(rx), got)
	return nil
}

func (s *echoSession) sendFile(c *central.Central, filename string,
	verify bool) error {

	data, err := ioutil.ReadFile(filename)
	if err != nil {
		return util.ChildNewtError(err)
	}

	s.mtx.Lock()
	s.logRx = verify
	s.rxLog = nil
	s.mtx.Unlock()

	bar := pb.New(len(data))
	bar.SetUnits(pb.U_BYTES)
	bar.ShowSpeed = true
	bar.Start()

	max := central.MaxPayload(c.Snapshot().TxMtu)
	for off := 0; off < len(data); off += max {
		chunk := data[off:uxutil.IntMin(off+max, len(data))]
		if err := s.send(c, chunk); err != nil {
			bar.Finish()
			return util.ChildNewtError(err)
		}
		bar.Add(len(chunk))
	}
	bar.Finish()

	if !verify {
		return nil
	}

	return s.verify(data, buutil.TimeoutDur())
}

func (s *echoSession) runShell(c *central.Central) {
	shell := ishell.New()
	shell.SetPrompt("> ")

	shell.Println()
	shell.Println(" Bleuart central shell; text that isn't a command is sent:")
	shell.Println("	Connection profile: ", buutil.ConnProfile)
	shell.Println()

	shell.AddCmd(&ishell.Cmd{
		Name: "send",
		Help: "Send text, even if it starts with a command name: send <text>",
		Func: func(ctx *ishell.Context) {
			s.sendLine(c, []byte(strings.Join(ctx.Args, " ")))
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "status",
		Help: "Show the connection state: status",
		Func: func(ctx *ishell.Context) {
			for _, line := range structLines(c.Snapshot()) {
				ctx.Println(line)
			}
			for _, line := range structLines(c.SubState()) {
				ctx.Println("Sub." + line)
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "unsub",
		Help: "Disable notifications from the peer: unsub",
		Func: func(ctx *ishell.Context) {
			if err := c.Unsubscribe(); err != nil {
				ctx.Println("Error:", err.Error())
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "stats",
		Help: "Show echo statistics: stats",
		Func: func(ctx *ishell.Context) {
			for _, line := range structLines(s.tracker.Stats()) {
				ctx.Println(line)
			}
			ctx.Println("Pending:", s.tracker.Pending())
		},
	})

	shell.NotFound(func(ctx *ishell.Context) {
		s.sendLine(c, []byte(strings.Join(ctx.Args, " ")))
	})

	shell.Run()
	shell.Close()
}

type centralOpts struct {
	stdin    bool
	serialCs string
	filename string
	verify   bool
}

func centralRun(cmd *cobra.Command, opts centralOpts) {
	var printFn func(data []byte)
	if opts.filename == "" {
		printFn = func(data []byte) {
			fmt.Printf("< %s\n", uxutil.PayloadString(data))
		}
	}
	sess := newEchoSession(printFn)

	c, closeFn, err := buildCentral(sess.onRx)
	if err != nil {
		buUsage(cmd, err)
	}
	BuSetOnExit(closeFn)
	defer OnExit()

	if err := c.Start(); err != nil {
		buUsage(nil, util.ChildNewtError(err))
	}

	// The shell reports a missing peer per line; the other sources need one
	// before they start.
	interactive := !opts.stdin && opts.serialCs == "" && opts.filename == ""
	if !interactive {
		if _, err := c.WaitReady(buutil.TimeoutDur()); err != nil {
			buUsage(nil, util.ChildNewtError(err))
		}
	}

	switch {
	case opts.filename != "":
		err = sess.sendFile(c, opts.filename, opts.verify)

	case opts.serialCs != "":
		sc, perr := config.ParseSerialConnString(opts.serialCs)
		if perr != nil {
			buUsage(cmd, perr)
		}
		port, perr := config.BuildSerialPort(sc)
		if perr != nil {
			buUsage(nil, perr)
		}
		defer port.Close()

		err = sess.runLines(c, port, nil)

	case opts.stdin:
		err = sess.runLines(c, os.Stdin, nil)

	default:
		sess.runShell(c)
	}

	if err != nil {
		buUsage(nil, err)
	}
}

func centralCmd() *cobra.Command {
	opts := centralOpts{}

	centralHelpText := "Connect to the first peripheral offering the text " +
		"service and send it text.\nBy default an interactive shell reads " +
		"the text; the flags below select another\nsource."

	cmd := &cobra.Command{
		Use:   "central",
		Short: "Send text to a peripheral and print its echoes",
		Long:  centralHelpText,
		Example: "  " + buutil.ToolInfo.ExeName + " -c board central\n" +
			"  " + buutil.ToolInfo.ExeName +
			" -c board central --file notes.txt --verify",
		Run: func(cmd *cobra.Command, args []string) {
			centralRun(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.stdin, "stdin", false,
		"send lines read from stdin")
	cmd.Flags().StringVar(&opts.serialCs, "serial", "",
		"send lines read from a serial port: dev=<path>[,baud=<rate>]")
	cmd.Flags().StringVar(&opts.filename, "file", "",
		"send the contents of a file")
	cmd.Flags().BoolVar(&opts.verify, "verify", false,
		"with --file, check that the echo matches")

	return cmd
}
