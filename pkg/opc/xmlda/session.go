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

// Package xmlda speaks OPC XML-DA 1.01 over SOAP/HTTP. A Session satisfies
// com.DASession, so the DA communicator serves both classic DA and XML-DA.
package xmlda

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/united-manufacturing-hub/opc-connector/pkg/opc"
	"github.com/united-manufacturing-hub/opc-connector/pkg/opc/com"
)

const (
	defaultTimeout  = 10 * time.Second
	maxResponseSize = 16 << 20
	maxBrowseDepth  = 64
)

var (
	ErrNotConnected = errors.New("xml-da session is not connected")
	errNoResponse   = errors.New("response body carries no result")
)

// ResultError is a per-item or per-call ResultID from the server.
type ResultError struct {
	ID   string
	Text string
}

func (e *ResultError) Error() string {
	if e.Text == "" {
		return e.ID
	}
	return e.ID + ": " + e.Text
}

// Session is an XML-DA server connection. XML-DA is stateless, so Connect only
// verifies that the server answers GetStatus.
type Session struct {
	endpoint string
	locale   string
	client   *http.Client

	mu        sync.Mutex
	connected bool
}

var _ com.DASession = (*Session)(nil)

// Dial is a com.DialDA for XML-DA servers.
func Dial(cfg opc.ClientConfiguration) (com.DASession, error) {
	if cfg.XmlDA == nil {
		return nil, errors.New("xml-da settings are missing")
	}
	return NewSession(*cfg.XmlDA, nil), nil
}

// NewSession creates an unconnected session. A nil client gets its own
// http.Client with the configured timeout.
func NewSession(cfg opc.XmlDAConfig, client *http.Client) *Session {
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Session{endpoint: cfg.URL, locale: cfg.Locale, client: client}
}

func (s *Session) Connect(ctx context.Context) error {
	if _, err := s.getStatus(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	return nil
}

func (s *Session) Status(ctx context.Context) (com.ServerStatus, error) {
	if err := s.usable(); err != nil {
		return com.ServerStatus{}, err
	}
	return s.getStatus(ctx)
}

func (s *Session) Close() error {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	s.client.CloseIdleConnections()
	return nil
}

func (s *Session) usable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ErrNotConnected
	}
	return nil
}

var serverStates = map[string]com.ServerState{
	"running":   com.ServerStateRunning,
	"failed":    com.ServerStateFailed,
	"noConfig":  com.ServerStateNoConfig,
	"suspended": com.ServerStateSuspended,
	"test":      com.ServerStateTest,
	"commFault": com.ServerStateCommFault,
}

func (s *Session) getStatus(ctx context.Context) (com.ServerStatus, error) {
	body, err := s.call(ctx, "GetStatus", getStatusRequest{LocaleID: s.locale})
	if err != nil {
		return com.ServerStatus{}, err
	}
	if body.GetStatus == nil {
		return com.ServerStatus{}, fmt.Errorf("GetStatus: %w", errNoResponse)
	}
	// XML-DA reports no product name, only a version.
	st := body.GetStatus
	return com.ServerStatus{
		State:          serverStates[st.Result.ServerState],
		ProductVersion: st.Status.ProductVersion,
		VendorInfo:     strings.TrimSpace(st.Status.VendorInfo),
		StartTime:      st.Status.StartTime.UTC(),
	}, nil
}

func (s *Session) options() requestOptions {
	return requestOptions{ReturnErrorText: true, ReturnItemTime: true, ReturnItemName: true, LocaleID: s.locale}
}

func (s *Session) Read(ctx context.Context, itemIDs []string) ([]com.ItemValue, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	req := readRequest{Options: s.options()}
	for _, id := range itemIDs {
		req.Items = append(req.Items, readRequestItem{ItemName: id, ClientItemHandle: id})
	}
	body, err := s.call(ctx, "Read", req)
	if err != nil {
		return nil, err
	}
	if body.Read == nil {
		return nil, fmt.Errorf("Read: %w", errNoResponse)
	}
	texts := errorTexts(body.Read.Errors)
	out := make([]com.ItemValue, 0, len(body.Read.Items))
	for _, it := range body.Read.Items {
		iv := com.ItemValue{ItemID: itemName(it), Quality: qualityWord(it.Quality)}
		if resultErr := itemResult(it.ResultID, texts); resultErr != nil {
			iv.Err = resultErr
			out = append(out, iv)
			continue
		}
		if it.Timestamp != "" {
			ts, err := parseDateTime(it.Timestamp)
			if err != nil {
				iv.Err = conversionError("dateTime", err)
				out = append(out, iv)
				continue
			}
			iv.Timestamp = ts
		}
		v, err := decodeValue(it.Value)
		if err != nil {
			iv.Err = err
		}
		iv.Value = v
		out = append(out, iv)
	}
	return out, nil
}

func (s *Session) Write(ctx context.Context, items []com.ItemWrite) ([]com.ItemResult, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	req := writeRequest{Options: s.options()}
	for _, it := range items {
		val, err := encodeValue(it.Value, "")
		if err != nil {
			return nil, fmt.Errorf("item %s: %w", it.ItemID, err)
		}
		req.Items = append(req.Items, writeRequestItem{ItemName: it.ItemID, Value: val})
	}
	body, err := s.call(ctx, "Write", req)
	if err != nil {
		return nil, err
	}
	if body.Write == nil {
		return nil, fmt.Errorf("Write: %w", errNoResponse)
	}
	texts := errorTexts(body.Write.Errors)
	out := make([]com.ItemResult, 0, len(body.Write.Items))
	for _, it := range body.Write.Items {
		res := com.ItemResult{ItemID: itemName(it)}
		if resultErr := itemResult(it.ResultID, texts); resultErr != nil {
			res.Err = resultErr
		}
		out = append(out, res)
	}
	return out, nil
}

// Browse walks the address space below branch and returns every item. Branches
// are followed depth first; continuation points are resolved before descending.
func (s *Session) Browse(ctx context.Context, branch string) ([]string, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	var items []string
	visited := map[string]bool{branch: true}
	if err := s.browse(ctx, branch, 0, visited, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Session) browse(ctx context.Context, branch string, depth int, visited map[string]bool, items *[]string) error {
	if depth > maxBrowseDepth {
		return fmt.Errorf("browse %q: address space deeper than %d levels", branch, maxBrowseDepth)
	}
	var children []string
	cp := ""
	for {
		body, err := s.call(ctx, "Browse", browseRequest{
			ItemName:          branch,
			ContinuationPoint: cp,
			BrowseFilter:      "all",
			ReturnErrorText:   true,
			LocaleID:          s.locale,
		})
		if err != nil {
			return err
		}
		resp := body.Browse
		if resp == nil {
			return fmt.Errorf("Browse: %w", errNoResponse)
		}
		if len(resp.Elements) == 0 && len(resp.Errors) > 0 {
			e := resp.Errors[0]
			if err := itemResult(e.ID, errorTexts(resp.Errors)); err != nil {
				return err
			}
		}
		for _, el := range resp.Elements {
			if el.IsItem {
				*items = append(*items, el.ItemName)
			}
			if el.HasChildren && !visited[el.ItemName] {
				visited[el.ItemName] = true
				children = append(children, el.ItemName)
			}
		}
		if !resp.MoreElements || resp.ContinuationPoint == "" || resp.ContinuationPoint == cp {
			break
		}
		cp = resp.ContinuationPoint
	}
	for _, child := range children {
		if err := s.browse(ctx, child, depth+1, visited, items); err != nil {
			return err
		}
	}
	return nil
}

// call posts one SOAP request and decodes the reply envelope. SOAP faults come
// back as errors.
func (s *Session) call(ctx context.Context, op string, content any) (*responseBody, error) {
	payload, err := xml.Marshal(requestEnvelope{
		SoapNS: soapNS,
		XsiNS:  xsiNS,
		XsdNS:  xsdNS,
		Body:   requestBody{Content: content},
	})
	if err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint,
		bytes.NewReader(append([]byte(xml.Header), payload...)))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", `"`+opcNS+op+`"`)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", op, err)
	}
	var env responseEnvelope
	if err := xml.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("%s: http status %s", op, resp.Status)
		}
		return nil, fmt.Errorf("%s: decode response: %w", op, err)
	}
	if f := env.Body.Fault; f != nil {
		return nil, fmt.Errorf("%s: soap fault %s: %s", op, strings.TrimSpace(f.Code), strings.TrimSpace(f.String))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: http status %s", op, resp.Status)
	}
	return &env.Body, nil
}

func errorTexts(errs []errorText) map[string]string {
	m := make(map[string]string, len(errs))
	for _, e := range errs {
		m[localType(e.ID)] = strings.TrimSpace(e.Text)
	}
	return m
}

// itemResult returns an error for E_ result codes. S_ codes (clamped, unsupported
// rate) are successes.
func itemResult(id string, texts map[string]string) error {
	id = localType(id)
	if !strings.HasPrefix(id, "E_") {
		return nil
	}
	return &ResultError{ID: id, Text: texts[id]}
}

func itemName(it responseItem) string {
	if it.ItemName != "" {
		return it.ItemName
	}
	return it.ClientItemHandle
}
