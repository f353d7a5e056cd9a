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

package com

import (
	"context"
	"errors"
	"fmt"

	"github.com/united-manufacturing-hub/opc-connector/pkg/opc"
)

// ErrServerNotRunning is returned by Establish when the server object was
// created but does not report itself as running.
var ErrServerNotRunning = errors.New("server is not running")

// Establish connects s and verifies that the server is running. On any failure,
// including cancellation of ctx, s is closed before returning so no half-open
// session survives.
func Establish(ctx context.Context, s Session) (status ServerStatus, err error) {
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	if err = ctx.Err(); err != nil {
		return ServerStatus{}, err
	}
	if err = s.Connect(ctx); err != nil {
		return ServerStatus{}, fmt.Errorf("connect: %w", err)
	}
	if err = ctx.Err(); err != nil {
		return ServerStatus{}, err
	}
	status, err = s.Status(ctx)
	if err != nil {
		return ServerStatus{}, fmt.Errorf("get status: %w", err)
	}
	if err = ctx.Err(); err != nil {
		return ServerStatus{}, err
	}
	if status.State != ServerStateRunning {
		return ServerStatus{}, fmt.Errorf("%w: state %s", ErrServerNotRunning, status.State)
	}
	return status, nil
}

// ToStatus converts a server status into the protocol neutral form.
func (s ServerStatus) ToStatus() opc.Status {
	return opc.Status{
		State:      s.State.ConnectionState(),
		ServerName: s.ProductName,
		Version:    s.ProductVersion,
		Vendor:     s.VendorInfo,
		StartTime:  s.StartTime,
	}
}
