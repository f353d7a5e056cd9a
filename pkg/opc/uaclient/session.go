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

package uaclient

import (
	"context"
	"crypto/rsa"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"github.com/united-manufacturing-hub/opc-connector/pkg/opc"
)

const (
	// DefaultSessionTimeout keeps stale sessions from piling up on the server
	// when a connection is dropped without CloseSession.
	DefaultSessionTimeout = 10 * time.Second

	applicationName = "opc-connector"
	certValidity    = 10 * 365 * 24 * time.Hour
)

// Session is the part of *opcua.Client the communicator uses. Tests replace it
// with an in-memory server.
type Session interface {
	Connect(ctx context.Context) error
	Close(ctx context.Context) error
	Read(ctx context.Context, req *ua.ReadRequest) (*ua.ReadResponse, error)
	Write(ctx context.Context, req *ua.WriteRequest) (*ua.WriteResponse, error)
	Browse(ctx context.Context, req *ua.BrowseRequest) (*ua.BrowseResponse, error)
	BrowseNext(ctx context.Context, req *ua.BrowseNextRequest) (*ua.BrowseNextResponse, error)
	Subscribe(ctx context.Context, params *opcua.SubscriptionParameters, notifyCh chan<- *opcua.PublishNotificationData) (MonitorGroup, error)
}

// MonitorGroup is a server-side subscription, *opcua.Subscription in production.
type MonitorGroup interface {
	Monitor(ctx context.Context, ts ua.TimestampsToReturn, items ...*ua.MonitoredItemCreateRequest) (*ua.CreateMonitoredItemsResponse, error)
	Cancel(ctx context.Context) error
}

// Dialer creates an unconnected session for cfg.
type Dialer func(cfg opc.ClientConfiguration) (Session, error)

type gopcuaSession struct {
	*opcua.Client
}

func (s gopcuaSession) Subscribe(ctx context.Context, params *opcua.SubscriptionParameters, notifyCh chan<- *opcua.PublishNotificationData) (MonitorGroup, error) {
	sub, err := s.Client.Subscribe(ctx, params, notifyCh)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Dial builds a gopcua client for the endpoint in cfg. The endpoint is used
// as configured, without discovery, and the security settings are applied as
// given. Secured policies get a freshly generated client certificate.
func Dial(cfg opc.ClientConfiguration) (Session, error) {
	if cfg.UA == nil {
		return nil, errors.New("ua settings are missing")
	}
	opts, err := clientOptions(*cfg.UA)
	if err != nil {
		return nil, err
	}
	c, err := opcua.NewClient(cfg.UA.Endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	return gopcuaSession{Client: c}, nil
}

func securityPolicyURI(policy string) string {
	if policy == "" || policy == "None" {
		return ua.SecurityPolicyURINone
	}
	return "http://opcfoundation.org/UA/SecurityPolicy#" + policy
}

func clientOptions(cfg opc.UAConfig) ([]opcua.Option, error) {
	mode := ua.MessageSecurityModeNone
	if cfg.SecurityMode != "" {
		mode = ua.MessageSecurityModeFromString(cfg.SecurityMode)
	}
	endpoint := &ua.EndpointDescription{
		EndpointURL:       cfg.Endpoint,
		SecurityMode:      mode,
		SecurityPolicyURI: securityPolicyURI(cfg.SecurityPolicy),
	}

	authType := ua.UserTokenTypeAnonymous
	if cfg.Username != "" {
		authType = ua.UserTokenTypeUserName
	}

	var opts []opcua.Option
	opts = append(opts, opcua.SecurityFromEndpoint(endpoint, authType))
	if authType == ua.UserTokenTypeUserName {
		opts = append(opts, opcua.AuthUsername(cfg.Username, cfg.Password))
	}

	if endpoint.SecurityPolicyURI != ua.SecurityPolicyURINone {
		certPEM, keyPEM, err := generateCertificate(cfg.SecurityPolicy, certValidity)
		if err != nil {
			return nil, err
		}
		cert, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			return nil, fmt.Errorf("parse client certificate: %w", err)
		}
		pk, ok := cert.PrivateKey.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("client key is %T, want RSA", cert.PrivateKey)
		}
		opts = append(opts, opcua.PrivateKey(pk), opcua.Certificate(cert.Certificate[0]))
	}

	timeout := cfg.SessionTimeout
	if timeout <= 0 {
		timeout = DefaultSessionTimeout
	}
	opts = append(opts,
		opcua.SessionName(applicationName),
		opcua.SessionTimeout(timeout),
		opcua.ApplicationName(applicationName),
	)
	if cfg.AutoReconnect {
		opts = append(opts, opcua.AutoReconnect(true))
		if cfg.ReconnectInterval > 0 {
			opts = append(opts, opcua.ReconnectInterval(cfg.ReconnectInterval))
		}
	}
	return opts, nil
}
