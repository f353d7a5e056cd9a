// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package opc

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ProtocolType selects the communicator used for a server.
type ProtocolType string

const (
	ProtocolUA    ProtocolType = "UA"
	ProtocolDA    ProtocolType = "DA"
	ProtocolXmlDA ProtocolType = "XmlDA"
	ProtocolHDA   ProtocolType = "HDA"
	ProtocolAC    ProtocolType = "AC"
)

// Protocols lists every protocol the factory knows about.
var Protocols = []ProtocolType{ProtocolUA, ProtocolDA, ProtocolXmlDA, ProtocolHDA, ProtocolAC}

// ParseProtocolType matches s case-insensitively against the known protocols.
// "A&C" and "AE" are accepted as aliases of AC.
func ParseProtocolType(s string) (ProtocolType, bool) {
	norm := strings.ToLower(strings.TrimSpace(s))
	switch norm {
	case "a&c", "ae":
		return ProtocolAC, true
	case "xml-da", "xml_da":
		return ProtocolXmlDA, true
	}
	for _, p := range Protocols {
		if strings.ToLower(string(p)) == norm {
			return p, true
		}
	}
	return ProtocolType(s), false
}

// UAConfig holds the connection settings of a UA server.
type UAConfig struct {
	Endpoint          string        `yaml:"endpoint"`
	SecurityPolicy    string        `yaml:"securityPolicy"`
	SecurityMode      string        `yaml:"securityMode"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	SessionTimeout    time.Duration `yaml:"sessionTimeout"`
	AutoReconnect     bool          `yaml:"autoReconnect"`
	ReconnectInterval time.Duration `yaml:"reconnectInterval"`
}

// COMConfig holds the connection settings of a COM based server (DA, HDA, A&C).
type COMConfig struct {
	Host    string `yaml:"host"`
	ProgID  string `yaml:"progId"`
	ClassID string `yaml:"classId"`
}

// XmlDAConfig holds the connection settings of an XML-DA web service.
type XmlDAConfig struct {
	URL     string        `yaml:"url"`
	Locale  string        `yaml:"locale"`
	Timeout time.Duration `yaml:"timeout"`
}

// ClientConfiguration is the connection parameters for one server. It is read
// once at startup and not modified while a connection uses it.
type ClientConfiguration struct {
	ServerID string       `yaml:"serverId"`
	Protocol ProtocolType `yaml:"protocol"`
	UA       *UAConfig    `yaml:"ua,omitempty"`
	COM      *COMConfig   `yaml:"com,omitempty"`
	XmlDA    *XmlDAConfig `yaml:"xmlda,omitempty"`
}

// Validate checks that the sub-configuration matching the protocol is present
// and complete. It does not touch the network.
func (c ClientConfiguration) Validate() error {
	var err error
	switch c.Protocol {
	case ProtocolUA:
		err = c.validateUA()
	case ProtocolDA, ProtocolHDA, ProtocolAC:
		err = c.validateCOM()
	case ProtocolXmlDA:
		err = c.validateXmlDA()
	default:
		return &ProtocolNotSupportedError{Protocol: c.Protocol, ServerID: c.ServerID}
	}
	if err != nil {
		return &ConfigurationError{Protocol: c.Protocol, ServerID: c.ServerID, Err: err}
	}
	return nil
}

func (c ClientConfiguration) validateUA() error {
	if c.UA == nil {
		return errors.New("missing ua configuration")
	}
	if c.UA.Endpoint == "" {
		return errors.New("ua endpoint is empty")
	}
	if !strings.HasPrefix(c.UA.Endpoint, "opc.tcp://") {
		return fmt.Errorf("ua endpoint %q must start with opc.tcp://", c.UA.Endpoint)
	}
	if (c.UA.Username == "") != (c.UA.Password == "") {
		return errors.New("ua username and password must be set together")
	}
	return nil
}

func (c ClientConfiguration) validateCOM() error {
	if c.COM == nil {
		return errors.New("missing com configuration")
	}
	if c.COM.ProgID == "" && c.COM.ClassID == "" {
		return errors.New("either progId or classId is required")
	}
	return nil
}

func (c ClientConfiguration) validateXmlDA() error {
	if c.XmlDA == nil {
		return errors.New("missing xmlda configuration")
	}
	u, err := url.Parse(c.XmlDA.URL)
	if err != nil {
		return fmt.Errorf("invalid xmlda url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("xmlda url %q must use http or https", c.XmlDA.URL)
	}
	return nil
}

// TagConfiguration is produced by tag import outside of this module and used as
// input to Read, Write and subscriptions.
type TagConfiguration struct {
	TagID       string
	Node        NodeAddress
	DisplayName string
	DataType    string
	Critical    bool
}
