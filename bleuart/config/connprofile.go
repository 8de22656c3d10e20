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

package config

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mitchellh/go-homedir"
	log "github.com/sirupsen/logrus"

	"mynewt.apache.org/bleuart/bleuart/buutil"
	"mynewt.apache.org/newt/util"
)

type ConnType int

const (
	CONN_TYPE_NONE ConnType = iota
	CONN_TYPE_BLE
	CONN_TYPE_SIM
)

var connTypeNameMap = map[ConnType]string{
	CONN_TYPE_BLE:  "ble",
	CONN_TYPE_SIM:  "sim",
	CONN_TYPE_NONE: "???",
}

func ConnTypeToString(ct ConnType) string {
	return connTypeNameMap[ct]
}

func ConnTypeFromString(s string) (ConnType, error) {
	for k, v := range connTypeNameMap {
		if k != CONN_TYPE_NONE && s == v {
			return k, nil
		}
	}

	return CONN_TYPE_NONE, util.FmtNewtError("Invalid connection type: %s", s)
}

func (ct ConnType) MarshalJSON() ([]byte, error) {
	return json.Marshal(ConnTypeToString(ct))
}

// Unknown types load as CONN_TYPE_NONE so that the profile can still be
// listed and deleted.
func (ct *ConnType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	t, err := ConnTypeFromString(s)
	if err != nil {
		t = CONN_TYPE_NONE
	}
	*ct = t

	return nil
}

// A named transport selection: which host to use and how to configure it.
type ConnProfile struct {
	Name       string   `json:"name"`
	Type       ConnType `json:"type"`
	ConnString string   `json:"connstring"`
}

func (cp *ConnProfile) String() string {
	return fmt.Sprintf("name=%s type=%s connstring=%s",
		cp.Name, ConnTypeToString(cp.Type), cp.ConnString)
}

// Parses the connstring with the parser for the profile's type.
func (cp *ConnProfile) Validate() error {
	if cp.Name == "" {
		return util.NewNewtError("Connection profile needs a name")
	}

	var err error
	switch cp.Type {
	case CONN_TYPE_BLE:
		_, err = ParseBllConnString(cp.ConnString)
	case CONN_TYPE_SIM:
		_, err = ParseSimConnString(cp.ConnString)
	default:
		err = util.FmtNewtError("Connection profile %s has no type", cp.Name)
	}

	return err
}

// Builds a profile from "type=<t>" and "connstring=<cs>" settings.
func ParseConnProfileVars(name string, vars []string) (*ConnProfile, error) {
	cp := &ConnProfile{Name: name}

	for _, vdef := range vars {
		s := strings.SplitN(vdef, "=", 2)
		if len(s) != 2 {
			return nil, util.FmtNewtError("Expected varname=value: %s", vdef)
		}

		switch s[0] {
		case "type":
			var err error
			cp.Type, err = ConnTypeFromString(s[1])
			if err != nil {
				return nil, err
			}
		case "connstring":
			cp.ConnString = s[1]
		default:
			return nil, util.FmtNewtError("Unknown variable %s", s[0])
		}
	}

	if cp.Type == CONN_TYPE_NONE {
		return nil, util.NewNewtError("Must specify a connection type")
	}

	return cp, nil
}

// Profiles persisted as a JSON array, sorted by name.
type ConnProfileMgr struct {
	filename string
	profiles map[string]*ConnProfile
}

func connProfileCfgFilename() (string, error) {
	dir, err := homedir.Dir()
	if err != nil {
		return "", util.ChildNewtError(err)
	}

	return filepath.Join(dir, buutil.ToolInfo.CfgFilename), nil
}

// Loads the profiles kept in the user's home directory.
func NewConnProfileMgr() (*ConnProfileMgr, error) {
	filename, err := connProfileCfgFilename()
	if err != nil {
		return nil, err
	}

	return NewConnProfileMgrFile(filename)
}

// Loads the profiles kept in filename.  A missing file holds no profiles.
func NewConnProfileMgrFile(filename string) (*ConnProfileMgr, error) {
	cpm := &ConnProfileMgr{
		filename: filename,
		profiles: map[string]*ConnProfile{},
	}

	if err := cpm.load(); err != nil {
		return nil, err
	}

	return cpm, nil
}

func (cpm *ConnProfileMgr) load() error {
	log.Debugf("Reading connection profiles from %s", cpm.filename)

	blob, err := ioutil.ReadFile(cpm.filename)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return util.ChildNewtError(err)
	}

	var list []*ConnProfile
	if err := json.Unmarshal(blob, &list); err != nil {
		return util.FmtNewtError("Error reading connection profiles (%s): %s",
			cpm.filename, err.Error())
	}

	for _, cp := range list {
		if cp.Name == "" {
			log.Warnf("Skipping unnamed connection profile in %s",
				cpm.filename)
			continue
		}
		if err := cp.Validate(); err != nil {
			log.Warnf("Connection profile %s is unusable: %s",
				cp.Name, err.Error())
		}
		cpm.profiles[cp.Name] = cp
	}

	return nil
}

// Writes a temporary file beside the real one and renames it into place.
func (cpm *ConnProfileMgr) save() error {
	list, _ := cpm.GetConnProfileList()
	b, err := json.MarshalIndent(list, "", "    ")
	if err != nil {
		return util.ChildNewtError(err)
	}

	f, err := ioutil.TempFile(filepath.Dir(cpm.filename),
		filepath.Base(cpm.filename)+".")
	if err != nil {
		return util.ChildNewtError(err)
	}
	tmp := f.Name()

	_, err = f.Write(b)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, cpm.filename)
	}
	if err != nil {
		os.Remove(tmp)
		return util.ChildNewtError(err)
	}

	return nil
}

func (cpm *ConnProfileMgr) GetConnProfileList() ([]*ConnProfile, error) {
	list := make([]*ConnProfile, 0, len(cpm.profiles))
	for _, cp := range cpm.profiles {
		list = append(list, cp)
	}

	sort.Slice(list, func(i, j int) bool {
		return list[i].Name < list[j].Name
	})

	return list, nil
}

func (cpm *ConnProfileMgr) GetConnProfile(name string) (*ConnProfile, error) {
	cp := cpm.profiles[name]
	if cp == nil {
		return nil, util.FmtNewtError(
			"connection profile \"%s\" doesn't exist", name)
	}

	return cp, nil
}

// Replaces any profile with the same name.  Profiles that fail validation
// are refused.
func (cpm *ConnProfileMgr) AddConnProfile(cp *ConnProfile) error {
	if err := cp.Validate(); err != nil {
		return err
	}

	cpm.profiles[cp.Name] = cp

	return cpm.save()
}

func (cpm *ConnProfileMgr) DeleteConnProfile(name string) error {
	if cpm.profiles[name] == nil {
		return util.FmtNewtError(
			"connection profile \"%s\" doesn't exist", name)
	}

	delete(cpm.profiles, name)

	return cpm.save()
}

var globalConnProfileMgr *ConnProfileMgr

func GlobalConnProfileMgr() *ConnProfileMgr {
	if globalConnProfileMgr == nil {
		panic("connection profile manager not initialized")
	}
	return globalConnProfileMgr
}

func InitGlobalConnProfileMgr() error {
	if globalConnProfileMgr != nil {
		return util.NewNewtError("connection profile manager initialized twice")
	}

	cpm, err := NewConnProfileMgr()
	if err != nil {
		return err
	}

	globalConnProfileMgr = cpm
	return nil
}
