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
	"os"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"mynewt.apache.org/bleuart/bleuart/buutil"
	"mynewt.apache.org/bleuart/uartxact/uxutil"
	"mynewt.apache.org/newt/util"
)

var BleuartLogLevel log.Level

var onExitFn func()
var onExitOnce sync.Once

// Registers the cleanup for the running command.  Set before the command's
// resources can be reached from a signal handler.
func BuSetOnExit(fn func()) {
	onExitFn = fn
}

// Runs the registered cleanup.  Only the first call has any effect.
func OnExit() {
	onExitOnce.Do(func() {
		if onExitFn != nil {
			onExitFn()
		}
	})
}

// Reports err, prints the command's usage if cmd is non-nil, and exits.
func buUsage(cmd *cobra.Command, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err.Error())
		if nerr, ok := err.(*util.NewtError); ok {
			log.Debugf("%s", nerr.StackTrace)
		}
	}

	if cmd != nil {
		fmt.Printf("\n")
		cmd.Usage()
	}

	OnExit()
	os.Exit(1)
}

func Commands() *cobra.Command {
	logLevelStr := ""
	buCmd := &cobra.Command{
		Use:   buutil.ToolInfo.ExeName,
		Short: buutil.ToolInfo.ShortName + " carries text over BLE",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			var err error
			BleuartLogLevel, err = log.ParseLevel(logLevelStr)
			if err != nil {
				buUsage(nil, util.ChildNewtError(err))
			}

			err = util.Init(BleuartLogLevel, "", util.VERBOSITY_DEFAULT)
			if err != nil {
				buUsage(nil, err)
			}
			uxutil.SetLogLevel(BleuartLogLevel)
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.HelpFunc()(cmd, args)
		},
	}

	buCmd.PersistentFlags().StringVarP(&buutil.ConnProfile, "conn", "c", "",
		"connection profile to use")

	buCmd.PersistentFlags().Float64VarP(&buutil.Timeout, "timeout", "t", 10.0,
		"timeout in seconds (partial seconds allowed)")

	buCmd.PersistentFlags().StringVarP(&logLevelStr, "loglevel", "l", "info",
		"log level to use")

	buCmd.PersistentFlags().StringVar(&buutil.DeviceName, "name",
		"", "name of target BLE device; overrides profile setting")

	buCmd.PersistentFlags().StringVar(&buutil.ConnType, "conntype", "",
		"Connection type to use instead of using the profile's type")

	buCmd.PersistentFlags().StringVar(&buutil.ConnString, "connstring", "",
		"Connection key-value pairs to use instead of using the profile's "+
			"connstring")

	buCmd.PersistentFlags().IntVarP(&buutil.HciIdx, "hci", "i",
		0, "HCI index for the controller on Linux machine")

	versCmd := &cobra.Command{
		Use:     "version",
		Short:   "Display the " + buutil.ToolInfo.ShortName + " version number",
		Example: "  " + buutil.ToolInfo.ExeName + " version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s %s\n",
				buutil.ToolInfo.LongName,
				buutil.ToolInfo.VersionString)
		},
	}
	buCmd.AddCommand(versCmd)

	buCmd.AddCommand(centralCmd())
	buCmd.AddCommand(peripheralCmd())
	buCmd.AddCommand(simCmd())
	buCmd.AddCommand(connProfileCmd())

	return buCmd
}
