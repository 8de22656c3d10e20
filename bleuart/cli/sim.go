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

	"github.com/spf13/cobra"

	"mynewt.apache.org/bleuart/bleuart/buutil"
	"mynewt.apache.org/bleuart/bleuart/config"
	"mynewt.apache.org/bleuart/uartxact/central"
	"mynewt.apache.org/bleuart/uartxact/peripheral"
	"mynewt.apache.org/bleuart/uartxact/simhost"
	"mynewt.apache.org/bleuart/uartxact/uxutil"
	"mynewt.apache.org/newt/util"
)

// Both roles on one simulated net.
type simRig struct {
	net *simhost.Net
	srv *peripheral.Server
	cen *central.Central
}

// Starts the net and an advertising server.  The central is built but not
// started.
func startSim(sc *config.SimConfig, rxFn central.RxFn) (*simRig, error) {
	net := simhost.NewNet(sc.Net)
	if err := net.Start(); err != nil {
		return nil, util.ChildNewtError(err)
	}

	srv := peripheral.NewServer(net.NewPeripheral(),
		config.BuildServerCfg(sc.Bll))
	if err := srv.Start(); err != nil {
		net.Stop()
		return nil, util.ChildNewtError(err)
	}

	cc, err := config.BuildCentralCfg(sc.Bll)
	if err != nil {
		srv.Stop()
		net.Stop()
		return nil, err
	}
	cc.RxFn = rxFn

	return &simRig{
		net: net,
		srv: srv,
		cen: central.NewCentral(net.NewCentral(), cc),
	}, nil
}

func (r *simRig) stop() {
	r.cen.Stop()
	r.srv.Stop()
	r.net.Stop()
}

// Uses the sim profile named by --conn or --conntype, or the defaults with
// --connstring applied.
func simConfig() (*config.SimConfig, error) {
	if buutil.ConnProfile == "" && buutil.ConnType == "" {
		return config.ParseSimConnString(buutil.ConnString)
	}

	cp, err := getConnProfile()
	if err != nil {
		return nil, err
	}
	if cp.Type != config.CONN_TYPE_SIM {
		return nil, util.FmtNewtError("Connection %s is not a sim "+
			"connection (type=%s)", cp.Name, config.ConnTypeToString(cp.Type))
	}

	return config.ParseSimConnString(cp.ConnString)
}

func simRunCmd(cmd *cobra.Command, args []string) {
	sc, err := simConfig()
	if err != nil {
		buUsage(cmd, err)
	}

	sess := newEchoSession(func(data []byte) {
		fmt.Printf("< %s\n", uxutil.PayloadString(data))
	})

	rig, err := startSim(sc, sess.onRx)
	if err != nil {
		buUsage(nil, err)
	}
	BuSetOnExit(rig.stop)
	defer OnExit()

	if err := rig.cen.Start(); err != nil {
		buUsage(nil, util.ChildNewtError(err))
	}
	if _, err := rig.cen.WaitReady(buutil.TimeoutDur()); err != nil {
		buUsage(nil, util.ChildNewtError(err))
	}

	if len(args) > 0 {
		for _, a := range args {
			fmt.Printf("> %s\n", a)
			sess.sendLine(rig.cen, []byte(a))
			rig.net.Settle()
		}
	} else {
		sess.runLines(rig.cen, os.Stdin, func() {
			rig.net.Settle()
		})
	}

	rig.net.Settle()
	for _, line := range structLines(sess.tracker.Stats()) {
		fmt.Println(line)
	}
}

func simCmd() *cobra.Command {
	simHelpText := "Run a central and a peripheral in-process over a " +
		"simulated radio.\nEach argument, or each line of stdin if there " +
		"are none, is sent by the central\nand echoed back in upper case " +
		"by the peripheral."

	cmd := &cobra.Command{
		Use:     "sim [text ...]",
		Short:   "Run both roles over a simulated radio",
		Long:    simHelpText,
		Example: "  " + buutil.ToolInfo.ExeName + " sim hello world",
		Run:     simRunCmd,
	}

	return cmd
}
