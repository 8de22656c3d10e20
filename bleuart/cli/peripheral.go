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
	"time"

	"github.com/spf13/cobra"

	"mynewt.apache.org/bleuart/bleuart/buutil"
	"mynewt.apache.org/newt/util"
)

const FATAL_POLL_INTERVAL = 500 * time.Millisecond

func peripheralRun(cmd *cobra.Command, statusSecs float64) {
	srv, closeFn, err := buildServer()
	if err != nil {
		buUsage(cmd, err)
	}
	BuSetOnExit(closeFn)
	defer OnExit()

	if err := srv.Start(); err != nil {
		buUsage(nil, util.ChildNewtError(err))
	}

	fmt.Printf("Advertising as %s; interrupt to stop\n", srv.Name())

	var statusCh <-chan time.Time
	if statusSecs > 0 {
		t := time.NewTicker(time.Duration(statusSecs * float64(time.Second)))
		defer t.Stop()
		statusCh = t.C
	}

	poll := time.NewTicker(FATAL_POLL_INTERVAL)
	defer poll.Stop()

	for {
		select {
		case <-poll.C:
			if err := srv.Fatal(); err != nil {
				buUsage(nil, util.ChildNewtError(err))
			}

		case <-statusCh:
			for _, line := range structLines(srv.Status()) {
				fmt.Println(line)
			}
			fmt.Println()
		}
	}
}

func peripheralCmd() *cobra.Command {
	var statusSecs float64

	peripheralHelpText := "Advertise the text service and echo every " +
		"write back to the writer in upper\ncase.  Runs until interrupted."

	cmd := &cobra.Command{
		Use:   "peripheral",
		Short: "Serve the text service",
		Long:  peripheralHelpText,
		Example: "  " + buutil.ToolInfo.ExeName +
			" --conntype ble --connstring dev_name=board peripheral",
		Run: func(cmd *cobra.Command, args []string) {
			peripheralRun(cmd, statusSecs)
		},
	}

	cmd.Flags().Float64Var(&statusSecs, "status", 0,
		"print the server status every this many seconds; 0 disables")

	return cmd
}
