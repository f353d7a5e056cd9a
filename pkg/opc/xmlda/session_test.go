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

package xmlda_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/opc-connector/pkg/opc"
	"github.com/united-manufacturing-hub/opc-connector/pkg/opc/da"
	"github.com/united-manufacturing-hub/opc-connector/pkg/opc/xmlda"
)

func envelope(body string) string {
	return `<?xml version="1.0" encoding="utf-8"?>
<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/" xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance" xmlns:xsd="http://www.w3.org/2001/XMLSchema">
<soap:Body>` + body + `</soap:Body></soap:Envelope>`
}

func statusResponse(state string) string {
	return envelope(`<GetStatusResponse xmlns="http://opcfoundation.org/webservices/XMLDA/1.0/">
<GetStatusResult RcvTime="2024-02-01T10:00:00Z" ReplyTime="2024-02-01T10:00:00Z" ServerState="` + state + `"/>
<Status StartTime="2024-01-01T00:00:00Z" ProductVersion="2.0.1"><VendorInfo>UMH XML-DA</VendorInfo></Status>
</GetStatusResponse>`)
}

const readResponse = `<ReadResponse xmlns="http://opcfoundation.org/webservices/XMLDA/1.0/">
<ReadResult ServerState="running"/>
<RItemList>
<Items ItemName="Arr" Timestamp="2024-02-01T10:00:00Z"><Value xsi:type="ArrayOfInt"><int>1</int><int>2</int><int>3</int></Value></Items>
<Items ItemName="Bytes" Timestamp="2024-02-01T10:00:00Z"><Value xsi:type="xsd:base64Binary">AQID</Value></Items>
<Items ItemName="Missing" ResultID="E_UNKNOWNITEMNAME"/>
<Items ItemName="Count" Timestamp="2024-02-01T10:00:00Z"><Value xsi:type="xsd:int">42</Value><Quality QualityField="uncertainLastUsableValue"/></Items>
<Items ItemName="Temp" Timestamp="2024-02-01T10:00:00.5Z"><Value xsi:type="xsd:double">21.5</Value></Items>
</RItemList>
<Errors ID="E_UNKNOWNITEMNAME"><Text>The item name is not known</Text></Errors>
</ReadResponse>`

// soapServer answers canned responses per SOAPAction and records requests.
type soapServer struct {
	*httptest.Server

	mu       sync.Mutex
	requests map[string][]string
	handlers map[string]func(body string) string
}

func newSOAPServer() *soapServer {
	s := &soapServer{requests: map[string][]string{}, handlers: map[string]func(string) string{}}
	s.handlers["GetStatus"] = func(string) string { return statusResponse("running") }
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		op := strings.TrimPrefix(strings.Trim(r.Header.Get("SOAPAction"), `"`), "http://opcfoundation.org/webservices/XMLDA/1.0/")
		raw, _ := io.ReadAll(r.Body)

		s.mu.Lock()
		s.requests[op] = append(s.requests[op], string(raw))
		handler, ok := s.handlers[op]
		s.mu.Unlock()

		w.Header().Set("Content-Type", "text/xml; charset=utf-8")
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, envelope(`<soap:Fault><faultcode>soap:Client</faultcode><faultstring>unknown action</faultstring></soap:Fault>`))
			return
		}
		fmt.Fprint(w, handler(string(raw)))
	}))
	return s
}

func (s *soapServer) handle(op string, h func(body string) string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[op] = h
}

func (s *soapServer) lastRequest(op string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	reqs := s.requests[op]
	if len(reqs) == 0 {
		return ""
	}
	return reqs[len(reqs)-1]
}

func (s *soapServer) config() opc.ClientConfiguration {
	return opc.ClientConfiguration{
		ServerID: "xmlda1",
		Protocol: opc.ProtocolXmlDA,
		XmlDA:    &opc.XmlDAConfig{URL: s.URL, Locale: "en-US", Timeout: 2 * time.Second},
	}
}

var _ = Describe("XML-DA communicator", func() {
	var (
		srv    *soapServer
		client *da.Client
		ctx    context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		srv = newSOAPServer()
		DeferCleanup(srv.Close)

		client = da.New(xmlda.Dial, da.WithProtocol(opc.ProtocolXmlDA), da.WithLogger(opc.NopLogger{}))
		Expect(client.Configure(srv.config())).To(Succeed())
	})

	Describe("Connect", func() {
		It("reports the server status", func() {
			status, err := client.Connect(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(status.State).To(Equal(opc.StateRunning))
			Expect(status.ServerName).To(BeEmpty())
			Expect(status.Version).To(Equal("2.0.1"))
			Expect(status.Vendor).To(Equal("UMH XML-DA"))
			Expect(status.StartTime).To(BeTemporally("==", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
			Expect(client.IsConnected()).To(BeTrue())
			Expect(srv.lastRequest("GetStatus")).To(ContainSubstring(`LocaleID="en-US"`))
		})

		It("refuses a server that is not running", func() {
			srv.handle("GetStatus", func(string) string { return statusResponse("suspended") })
			_, err := client.Connect(ctx)
			Expect(errors.Is(err, opc.ErrCommunication)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("Suspended"))
			Expect(client.IsConnected()).To(BeFalse())
		})

		It("surfaces SOAP faults", func() {
			srv.handle("GetStatus", func(string) string {
				return envelope(`<soap:Fault><faultcode>soap:Server</faultcode><faultstring>license expired</faultstring></soap:Fault>`)
			})
			_, err := client.Connect(ctx)
			Expect(errors.Is(err, opc.ErrCommunication)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("license expired"))
		})
	})

	Describe("Read", func() {
		BeforeEach(func() {
			srv.handle("Read", func(string) string { return envelope(readResponse) })
			_, err := client.Connect(ctx)
			Expect(err).NotTo(HaveOccurred())
		})

		It("returns values in request order with converted types and qualities", func() {
			nodes := []opc.NodeAddress{
				opc.NewNodeAddress("Temp"),
				opc.NewNodeAddress("Count"),
				opc.NewNodeAddress("Missing"),
				opc.NewNodeAddress("Bytes"),
				opc.NewNodeAddress("Arr"),
				opc.NewNodeAddress("Ghost"),
			}
			values, err := client.Read(ctx, nodes)
			Expect(err).NotTo(HaveOccurred())
			Expect(values).To(HaveLen(len(nodes)))
			for i, n := range nodes {
				Expect(values[i].Node()).To(Equal(n))
			}

			Expect(values[0].Value().Equal(opc.Float64(21.5))).To(BeTrue())
			Expect(values[0].Quality().IsGood()).To(BeTrue())
			Expect(values[0].Timestamp()).To(BeTemporally("==", time.Date(2024, 2, 1, 10, 0, 0, 500_000_000, time.UTC)))

			Expect(values[1].Value().Equal(opc.Int32(42))).To(BeTrue())
			Expect(values[1].Quality().Status).To(Equal(opc.QualityUncertain))
			Expect(values[1].Quality().SubCode).To(Equal(uint32(0x44)))

			Expect(values[2].Quality().Status).To(Equal(opc.QualityBad))
			Expect(values[2].Value().IsNull()).To(BeTrue())

			Expect(values[3].Value().Equal(opc.Bytes([]byte{1, 2, 3}))).To(BeTrue())
			Expect(values[4].Value().Equal(opc.MustArray(opc.KindInt32, opc.Int32(1), opc.Int32(2), opc.Int32(3)))).To(BeTrue())
			Expect(values[5].Quality().Status).To(Equal(opc.QualityBad))

			req := srv.lastRequest("Read")
			Expect(req).To(ContainSubstring(`ItemName="Temp"`))
			Expect(req).To(ContainSubstring(`ReturnItemName="true"`))
		})

		It("fails the read with a ConversionError for unsupported xsi types", func() {
			srv.handle("Read", func(string) string {
				return envelope(`<ReadResponse xmlns="http://opcfoundation.org/webservices/XMLDA/1.0/"><RItemList>
<Items ItemName="Price"><Value xsi:type="xsd:decimal">1.25</Value></Items>
</RItemList></ReadResponse>`)
			})
			_, err := client.Read(ctx, []opc.NodeAddress{opc.NewNodeAddress("Price")})
			var convErr *opc.ConversionError
			Expect(errors.As(err, &convErr)).To(BeTrue())
			Expect(convErr.TypeName).To(Equal("decimal"))
			Expect(convErr.Node).NotTo(BeNil())
			Expect(convErr.Node.Identifier).To(Equal("Price"))
		})
	})

	Describe("Write", func() {
		BeforeEach(func() {
			_, err := client.Connect(ctx)
			Expect(err).NotTo(HaveOccurred())
		})

		values := func() []opc.DataValue {
			return []opc.DataValue{
				opc.NewDataValue(opc.NewNodeAddress("Temp"), opc.Float64(22.5), opc.Good, time.Time{}),
				opc.NewDataValue(opc.NewNodeAddress("Flags"), opc.MustArray(opc.KindBool, opc.Bool(true), opc.Bool(false)), opc.Good, time.Time{}),
			}
		}

		It("encodes typed values and reports success", func() {
			srv.handle("Write", func(string) string {
				return envelope(`<WriteResponse xmlns="http://opcfoundation.org/webservices/XMLDA/1.0/">
<WriteResult ServerState="running"/>
<RItemList><Items ItemName="Temp"/><Items ItemName="Flags"/></RItemList>
</WriteResponse>`)
			})
			ok, err := client.Write(ctx, values())
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())

			req := srv.lastRequest("Write")
			Expect(req).To(ContainSubstring(`xsi:type="xsd:double">22.5</Value>`))
			Expect(req).To(ContainSubstring(`xsi:type="ArrayOfBoolean"><boolean>true</boolean><boolean>false</boolean></Value>`))
			Expect(req).To(ContainSubstring(`xmlns="http://opcfoundation.org/webservices/XMLDA/1.0/"`))
		})

		It("reports false when the server rejects an item", func() {
			srv.handle("Write", func(string) string {
				return envelope(`<WriteResponse xmlns="http://opcfoundation.org/webservices/XMLDA/1.0/">
<RItemList><Items ItemName="Temp" ResultID="E_BADRIGHTS"/><Items ItemName="Flags"/></RItemList>
<Errors ID="E_BADRIGHTS"><Text>Item is read only</Text></Errors>
</WriteResponse>`)
			})
			ok, err := client.Write(ctx, values())
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
		})
	})

	Describe("Browse", func() {
		BeforeEach(func() {
			srv.handle("Browse", func(body string) string {
				var elements, extra string
				switch {
				case strings.Contains(body, `ItemName="Channel1"`) && strings.Contains(body, `ContinuationPoint="cp1"`):
					elements = `<Elements Name="Count" ItemName="Channel1.Count" IsItem="true" HasChildren="false"/>`
				case strings.Contains(body, `ItemName="Channel1"`):
					elements = `<Elements Name="Temp" ItemName="Channel1.Temp" IsItem="true" HasChildren="false"/>`
					extra = ` ContinuationPoint="cp1" MoreElements="true"`
				default:
					elements = `<Elements Name="Channel1" ItemName="Channel1" IsItem="false" HasChildren="true"/>` +
						`<Elements Name="Uptime" ItemName="Uptime" IsItem="true" HasChildren="false"/>`
				}
				return envelope(`<BrowseResponse xmlns="http://opcfoundation.org/webservices/XMLDA/1.0/"` + extra + `>` +
					elements + `</BrowseResponse>`)
			})
			_, err := client.Connect(ctx)
			Expect(err).NotTo(HaveOccurred())
		})

		It("walks branches and continuation points from the root", func() {
			nodes, err := client.Browse(ctx, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(nodes).To(ConsistOf(
				opc.NewNodeAddress("Uptime"),
				opc.NewNodeAddress("Channel1.Temp"),
				opc.NewNodeAddress("Channel1.Count"),
			))
		})

		It("starts at the given branch", func() {
			start := opc.NewNodeAddress("Channel1")
			nodes, err := client.Browse(ctx, &start)
			Expect(err).NotTo(HaveOccurred())
			Expect(nodes).To(ConsistOf(opc.NewNodeAddress("Channel1.Temp"), opc.NewNodeAddress("Channel1.Count")))
		})
	})
})

var _ = Describe("Session", func() {
	It("refuses calls before Connect and after Close", func() {
		srv := newSOAPServer()
		defer srv.Close()

		s := xmlda.NewSession(opc.XmlDAConfig{URL: srv.URL}, srv.Client())
		_, err := s.Read(context.Background(), []string{"Temp"})
		Expect(err).To(MatchError(xmlda.ErrNotConnected))

		Expect(s.Connect(context.Background())).To(Succeed())
		Expect(s.Close()).To(Succeed())
		_, err = s.Browse(context.Background(), "")
		Expect(err).To(MatchError(xmlda.ErrNotConnected))
	})

	It("sends the SOAPAction of the operation", func() {
		var action string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			action = r.Header.Get("SOAPAction")
			fmt.Fprint(w, statusResponse("running"))
		}))
		defer srv.Close()

		s := xmlda.NewSession(opc.XmlDAConfig{URL: srv.URL}, nil)
		Expect(s.Connect(context.Background())).To(Succeed())
		Expect(action).To(Equal(`"http://opcfoundation.org/webservices/XMLDA/1.0/GetStatus"`))
	})
})
