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


package opc_plugin

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redpanda-data/benthos/v4/public/service"

	"github.com/united-manufacturing-hub/opc-connector/pkg/logger"
	"github.com/united-manufacturing-hub/opc-connector/pkg/opc"
	"github.com/united-manufacturing-hub/opc-connector/pkg/opc/factory"
	"github.com/united-manufacturing-hub/opc-connector/pkg/retry"
)

const (
	DefaultSessionTimeoutMs  = 10000
	DefaultReconnectInterval = 5
	maxReconnectInterval     = time.Minute
)

var OPCConnectionConfigSpec = service.NewConfigSpec().
	Field(service.NewStringField("serverId").
		Description("Identifier of the server, used in logs, metrics and the opc_server_id metadata.").
		Default("opc")).
	Field(service.NewStringField("protocol").
		Description("The OPC flavour of the server. Options: UA, DA, XmlDA, HDA, A&C").
		Default("UA")).
	Field(service.NewStringField("endpoint").
		Description("The OPC UA server endpoint to connect to. Only used for UA.").
		Example("opc.tcp://localhost:4840").
		Default("")).
	Field(service.NewStringField("username").
		Description("The username for authentication.").
		Default("").
		Advanced()).
	Field(service.NewStringField("password").
		Description("The password for authentication.").
		Default("").
		Secret().
		Advanced()).
	Field(service.NewIntField("sessionTimeout").
		Description("The duration in milliseconds that a OPC UA session will last.").
		Default(DefaultSessionTimeoutMs).
		Advanced()).
	Field(service.NewStringField("securityMode").
		Description("The security mode to use. Options: None, Sign, SignAndEncrypt").
		Default("").
		Advanced()).
	Field(service.NewStringField("securityPolicy").
		Description("The security policy to use. Options: None, Basic128Rsa15, Basic256, Basic256Sha256").
		Default("").
		Advanced()).
	Field(service.NewBoolField("autoReconnect").
		Description("Set to true to let the UA client reconnect on its own when the connection is lost.").
		Default(false).
		Advanced()).
	Field(service.NewIntField("reconnectIntervalInSeconds").
		Description("The initial interval in seconds between reconnect attempts. It doubles after every failure.").
		Default(DefaultReconnectInterval).
		Advanced()).
	Field(service.NewStringField("host").
		Description("Host of a COM based server (DA, HDA, A&C). Empty means the local machine.").
		Default("").
		Advanced()).
	Field(service.NewStringField("progId").
		Description("ProgID of a COM based server.").
		Example("Kepware.KEPServerEX.V6").
		Default("")).
	Field(service.NewStringField("classId").
		Description("CLSID of a COM based server, used when no ProgID is given.").
		Default("").
		Advanced()).
	Field(service.NewStringField("url").
		Description("URL of an XML-DA web service.").
		Example("http://localhost/opc/xmlda").
		Default(""))

var (
	factoryOptsMu sync.RWMutex
	factoryOpts   []factory.Option
)

// RegisterFactoryOptions adds factory options, such as the COM dialers of a
// bridge package, to every opc input and output built afterwards. Without a
// registered dialer DA, HDA and A&C are rejected at startup. Call it from the
// bridge's init function.
func RegisterFactoryOptions(opts ...factory.Option) {
	factoryOptsMu.Lock()
	defer factoryOptsMu.Unlock()
	factoryOpts = append(factoryOpts, opts...)
}

func registeredFactoryOptions() []factory.Option {
	factoryOptsMu.RLock()
	defer factoryOptsMu.RUnlock()
	return append([]factory.Option(nil), factoryOpts...)
}

// OPCConnection is the connection configuration shared by the input and the output.
type OPCConnection struct {
	Config  opc.ClientConfiguration
	Log     *service.Logger
	Factory *factory.Factory
	Client  opc.Client

	retry *retry.Gate
}

// ParseConnectionConfig builds a validated ClientConfiguration from the plugin
// fields and a factory that can serve its protocol.
func ParseConnectionConfig(conf *service.ParsedConfig, mgr *service.Resources, opts ...factory.Option) (*OPCConnection, error) {
	var (
		cfg      opc.ClientConfiguration
		protocol string
		err      error
	)
	if cfg.ServerID, err = conf.FieldString("serverId"); err != nil {
		return nil, err
	}
	if protocol, err = conf.FieldString("protocol"); err != nil {
		return nil, err
	}
	p, ok := opc.ParseProtocolType(protocol)
	if !ok {
		return nil, &opc.ProtocolNotSupportedError{Protocol: p, ServerID: cfg.ServerID}
	}
	cfg.Protocol = p

	reconnectSeconds, err := conf.FieldInt("reconnectIntervalInSeconds")
	if err != nil {
		return nil, err
	}
	if reconnectSeconds <= 0 {
		reconnectSeconds = DefaultReconnectInterval
	}

	switch p {
	case opc.ProtocolUA:
		if cfg.UA, err = parseUAConfig(conf, reconnectSeconds); err != nil {
			return nil, err
		}
	case opc.ProtocolXmlDA:
		u, err := conf.FieldString("url")
		if err != nil {
			return nil, err
		}
		cfg.XmlDA = &opc.XmlDAConfig{URL: u}
	default:
		com := &opc.COMConfig{}
		if com.Host, err = conf.FieldString("host"); err != nil {
			return nil, err
		}
		if com.ProgID, err = conf.FieldString("progId"); err != nil {
			return nil, err
		}
		if com.ClassID, err = conf.FieldString("classId"); err != nil {
			return nil, err
		}
		cfg.COM = com
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := mgr.Logger()
	f := factory.New(append([]factory.Option{factory.WithLogger(log)}, opts...)...)
	if !f.Supports(p) {
		return nil, &opc.ConfigurationError{Protocol: p, ServerID: cfg.ServerID, Op: "CreateClient",
			Err: fmt.Errorf("%s needs a COM bridge, none is registered", p)}
	}

	return &OPCConnection{
		Config:  cfg,
		Log:     log,
		Factory: f,
		retry: retry.New(retry.Config{
			InitialInterval: time.Duration(reconnectSeconds) * time.Second,
			MaxInterval:     maxReconnectInterval,
			Name:            "connect to " + cfg.ServerID,
			Logger:          logger.For(logger.ComponentPlugin),
		}),
	}, nil
}

func parseUAConfig(conf *service.ParsedConfig, reconnectSeconds int) (*opc.UAConfig, error) {
	ua := &opc.UAConfig{ReconnectInterval: time.Duration(reconnectSeconds) * time.Second}
	var err error
	if ua.Endpoint, err = conf.FieldString("endpoint"); err != nil {
		return nil, err
	}
	if ua.Username, err = conf.FieldString("username"); err != nil {
		return nil, err
	}
	if ua.Password, err = conf.FieldString("password"); err != nil {
		return nil, err
	}
	if ua.SecurityMode, err = conf.FieldString("securityMode"); err != nil {
		return nil, err
	}
	if ua.SecurityPolicy, err = conf.FieldString("securityPolicy"); err != nil {
		return nil, err
	}
	if ua.AutoReconnect, err = conf.FieldBool("autoReconnect"); err != nil {
		return nil, err
	}
	timeoutMs, err := conf.FieldInt("sessionTimeout")
	if err != nil {
		return nil, err
	}
	ua.SessionTimeout = time.Duration(timeoutMs) * time.Millisecond
	return ua, nil
}

// connect creates a communicator and connects it. prepare, when set, runs
// before Connect so handlers are installed before the first event arrives.
// Failed attempts are paced by the retry gate instead of sleeping; errors no
// retry can fix, like a rejected configuration, close the gate for good.
func (c *OPCConnection) connect(ctx context.Context, prepare func(opc.Client)) error {
	if err := c.retry.Allow(); err != nil {
		if !retry.IsPermanent(err) {
			c.Log.Debugf("Not connecting to %s yet, next attempt in %v", c.Config.ServerID, c.retry.Remaining())
		}
		return err
	}

	client, err := c.Factory.CreateClient(c.Config)
	if err != nil {
		c.retry.Fail(err)
		c.Log.Errorf("Cannot create %s client for %s: %v", c.Config.Protocol, c.Config.ServerID, err)
		return err
	}
	if prepare != nil {
		prepare(client)
	}

	status, err := client.Connect(ctx)
	if err != nil {
		wait := c.retry.Fail(err)
		reconnectsTotal.WithLabelValues(c.Config.ServerID, "failed").Inc()
		if retry.Retryable(err) {
			c.Log.Warnf("Connect to %s failed, retrying in %v: %v", c.Config.ServerID, wait, err)
		} else {
			c.Log.Errorf("Connect to %s failed and will not be retried: %v", c.Config.ServerID, err)
		}
		return fmt.Errorf("connect to %s: %w", c.Config.ServerID, err)
	}

	c.retry.Reset()
	c.Client = client
	reconnectsTotal.WithLabelValues(c.Config.ServerID, "connected").Inc()
	c.Log.Infof("Connected to %s server %s (%s %s, state %s)",
		c.Config.Protocol, c.Config.ServerID, status.Vendor, status.ServerName, status.State)
	return nil
}

func (c *OPCConnection) disconnect(ctx context.Context) {
	if c.Client == nil {
		return
	}
	c.Client.Disconnect(ctx)
	c.Client = nil
	c.Log.Infof("Disconnected from %s", c.Config.ServerID)
}
