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

// Package factory creates configured communicators for server configurations.
package factory

import (
	"errors"
	"fmt"
	"sync"

	"github.com/united-manufacturing-hub/opc-connector/pkg/logger"
	"github.com/united-manufacturing-hub/opc-connector/pkg/opc"
	"github.com/united-manufacturing-hub/opc-connector/pkg/opc/ac"
	"github.com/united-manufacturing-hub/opc-connector/pkg/opc/com"
	"github.com/united-manufacturing-hub/opc-connector/pkg/opc/da"
	"github.com/united-manufacturing-hub/opc-connector/pkg/opc/hda"
	"github.com/united-manufacturing-hub/opc-connector/pkg/opc/uaclient"
	"github.com/united-manufacturing-hub/opc-connector/pkg/opc/xmlda"
)

// Constructor returns a new, unconfigured communicator. log is nil when the
// communicator should use its default component logger.
type Constructor func(log opc.Logger) (opc.Client, error)

// Option configures a Factory.
type Option func(*Factory)

// WithLogger makes every created communicator log to l.
func WithLogger(l opc.Logger) Option {
	return func(f *Factory) { f.clientLog = l }
}

// WithDADialer enables classic DA through a COM bridge.
func WithDADialer(d com.DialDA) Option {
	return func(f *Factory) { f.daDial = d }
}

// WithHDADialer enables HDA through a COM bridge.
func WithHDADialer(d com.DialHDA) Option {
	return func(f *Factory) { f.hdaDial = d }
}

// WithAEDialer enables A&C through a COM bridge.
func WithAEDialer(d com.DialAE) Option {
	return func(f *Factory) { f.aeDial = d }
}

// WithConstructor replaces the constructor of a protocol, like Register.
func WithConstructor(protocol opc.ProtocolType, c Constructor) Option {
	return func(f *Factory) {
		if f.overrides == nil {
			f.overrides = make(map[opc.ProtocolType]Constructor)
		}
		f.overrides[protocol] = c
	}
}

// WithUAOptions passes extra options to every UA communicator.
func WithUAOptions(opts ...uaclient.Option) Option {
	return func(f *Factory) { f.uaOpts = append(f.uaOpts, opts...) }
}

// Factory maps protocols to communicator constructors.
type Factory struct {
	log       opc.Logger
	clientLog opc.Logger
	daDial    com.DialDA
	hdaDial   com.DialHDA
	aeDial    com.DialAE
	uaOpts    []uaclient.Option
	overrides map[opc.ProtocolType]Constructor

	mu           sync.RWMutex
	constructors map[opc.ProtocolType]Constructor
	custom       map[opc.ProtocolType]bool
}

// New returns a factory with constructors for every known protocol. UA and
// XML-DA work out of the box; DA, HDA and A&C need a COM dialer.
func New(opts ...Option) *Factory {
	f := &Factory{
		constructors: make(map[opc.ProtocolType]Constructor),
		custom:       make(map[opc.ProtocolType]bool),
	}
	for _, o := range opts {
		o(f)
	}
	f.log = f.clientLog
	if f.log == nil {
		f.log = logger.For(logger.ComponentFactory)
	}

	f.constructors[opc.ProtocolUA] = func(log opc.Logger) (opc.Client, error) {
		return uaclient.New(append([]uaclient.Option{uaclient.WithLogger(log)}, f.uaOpts...)...), nil
	}
	f.constructors[opc.ProtocolXmlDA] = func(log opc.Logger) (opc.Client, error) {
		return da.New(xmlda.Dial, da.WithProtocol(opc.ProtocolXmlDA), da.WithLogger(log)), nil
	}
	f.constructors[opc.ProtocolDA] = func(log opc.Logger) (opc.Client, error) {
		if f.daDial == nil {
			return nil, errNoDialer(opc.ProtocolDA)
		}
		return da.New(f.daDial, da.WithLogger(log)), nil
	}
	f.constructors[opc.ProtocolHDA] = func(log opc.Logger) (opc.Client, error) {
		if f.hdaDial == nil {
			return nil, errNoDialer(opc.ProtocolHDA)
		}
		return hda.New(f.hdaDial, hda.WithLogger(log)), nil
	}
	f.constructors[opc.ProtocolAC] = func(log opc.Logger) (opc.Client, error) {
		if f.aeDial == nil {
			return nil, errNoDialer(opc.ProtocolAC)
		}
		return ac.New(f.aeDial, ac.WithLogger(log)), nil
	}
	for p, c := range f.overrides {
		f.constructors[p] = c
		f.custom[p] = true
	}
	return f
}

func errNoDialer(p opc.ProtocolType) error {
	return fmt.Errorf("%s needs a COM bridge, none is registered", p)
}

// Register sets the constructor for a protocol, replacing the default one.
func (f *Factory) Register(protocol opc.ProtocolType, c Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[protocol] = c
	f.custom[protocol] = true
}

// Supports reports whether CreateClient can build a communicator for
// protocol. The default DA, HDA and A&C constructors need a COM dialer.
func (f *Factory) Supports(protocol opc.ProtocolType) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if c, ok := f.constructors[protocol]; !ok || c == nil {
		return false
	}
	if f.custom[protocol] {
		return true
	}
	switch protocol {
	case opc.ProtocolDA:
		return f.daDial != nil
	case opc.ProtocolHDA:
		return f.hdaDial != nil
	case opc.ProtocolAC:
		return f.aeDial != nil
	}
	return true
}

// CreateClient returns a communicator for cfg.Protocol with cfg applied. The
// client is configured but not connected. No client is returned on error.
func (f *Factory) CreateClient(cfg opc.ClientConfiguration) (opc.Client, error) {
	f.mu.RLock()
	ctor, ok := f.constructors[cfg.Protocol]
	f.mu.RUnlock()
	if !ok {
		f.log.Errorf("No communicator for protocol %q of server %s", cfg.Protocol, cfg.ServerID)
		return nil, &opc.ProtocolNotSupportedError{Protocol: cfg.Protocol, ServerID: cfg.ServerID}
	}
	if ctor == nil {
		return nil, &opc.ConfigurationError{Protocol: cfg.Protocol, ServerID: cfg.ServerID, Op: "CreateClient",
			Err: errors.New("no constructor registered")}
	}

	client, err := ctor(f.clientLog)
	if err == nil && client == nil {
		err = errors.New("constructor returned no client")
	}
	if err != nil {
		f.log.Errorf("Creating %s communicator for %s failed: %v", cfg.Protocol, cfg.ServerID, err)
		return nil, &opc.ConfigurationError{Protocol: cfg.Protocol, ServerID: cfg.ServerID, Op: "CreateClient", Err: err}
	}
	if err := client.Configure(cfg); err != nil {
		f.log.Errorf("Configuring %s communicator for %s failed: %v", cfg.Protocol, cfg.ServerID, err)
		return nil, err
	}
	f.log.Debugf("Created %s communicator for %s", cfg.Protocol, cfg.ServerID)
	return client, nil
}
