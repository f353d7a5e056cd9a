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

package da_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/opc-connector/pkg/opc"
	"github.com/united-manufacturing-hub/opc-connector/pkg/opc/com"
	"github.com/united-manufacturing-hub/opc-connector/pkg/opc/com/comtest"
	"github.com/united-manufacturing-hub/opc-connector/pkg/opc/da"
)

var daConfig = opc.ClientConfiguration{
	ServerID: "kepware",
	Protocol: opc.ProtocolDA,
	COM:      &opc.COMConfig{Host: "localhost", ProgID: "Kepware.KEPServerEX.V6"},
}

var _ = Describe("DA communicator", func() {
	var (
		session *comtest.DASession
		client  *da.Client
		ctx     context.Context
		ts      time.Time
	)

	BeforeEach(func() {
		ctx = context.Background()
		ts = time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)
		session = comtest.NewDASession()
		session.Items["Channel1.Device1.Temp"] = com.ItemValue{
			Value: com.Variant{Type: com.VTR8, Val: 21.5}, Quality: com.QualityGood, Timestamp: ts,
		}
		session.Items["Channel1.Device1.Count"] = com.ItemValue{
			Value: com.Variant{Type: com.VTI4, Val: int32(42)}, Quality: com.QualityUncertainLastUsable, Timestamp: ts,
		}
		session.Tree[""] = []string{"Channel1.Device1.Temp", "Channel1.Device1.Count"}

		client = da.New(comtest.DialDA(session), da.WithLogger(opc.NopLogger{}))
		Expect(client.Configure(daConfig)).To(Succeed())
	})

	It("fails every operation with NotConnectedError before Connect", func() {
		_, err := client.Read(ctx, []opc.NodeAddress{opc.NewNodeAddress("x")})
		Expect(errors.Is(err, opc.ErrNotConnected)).To(BeTrue())
		Expect(errors.Is(err, opc.ErrCommunication)).To(BeTrue())

		_, err = client.Write(ctx, nil)
		Expect(errors.Is(err, opc.ErrNotConnected)).To(BeTrue())

		_, err = client.Browse(ctx, nil)
		Expect(errors.Is(err, opc.ErrNotConnected)).To(BeTrue())
	})

	It("rejects a configuration for another protocol", func() {
		cfg := daConfig
		cfg.Protocol = opc.ProtocolHDA
		err := client.Configure(cfg)
		Expect(errors.Is(err, opc.ErrConfiguration)).To(BeTrue())
	})

	Describe("Connect", func() {
		It("reports the server status", func() {
			status, err := client.Connect(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(status.State).To(Equal(opc.StateRunning))
			Expect(status.ServerName).To(Equal("Fake OPC Server"))
			Expect(status.Version).To(Equal("1.0.0"))
			Expect(client.IsConnected()).To(BeTrue())
		})

		It("treats a server that is not running as a failure", func() {
			session.ServerStatus.State = com.ServerStateSuspended
			_, err := client.Connect(ctx)
			Expect(errors.Is(err, opc.ErrCommunication)).To(BeTrue())
			Expect(errors.Is(err, com.ErrServerNotRunning)).To(BeTrue())
			Expect(client.IsConnected()).To(BeFalse())
			Expect(session.Closed()).To(BeTrue())
		})

		It("rolls back when cancelled mid-flight", func() {
			session.BlockConnect = true
			session.ConnectStarted = make(chan struct{})
			cctx, cancel := context.WithCancel(ctx)
			go func() {
				<-session.ConnectStarted
				cancel()
			}()

			_, err := client.Connect(cctx)
			Expect(errors.Is(err, context.Canceled)).To(BeTrue())
			Expect(session.Closed()).To(BeTrue())

			_, err = client.Read(ctx, []opc.NodeAddress{opc.NewNodeAddress("Channel1.Device1.Temp")})
			var notConnected *opc.NotConnectedError
			Expect(errors.As(err, &notConnected)).To(BeTrue())
			Expect(notConnected.ServerID).To(Equal("kepware"))
		})

		It("fails with a ConfigurationError when not configured", func() {
			fresh := da.New(comtest.DialDA(session), da.WithLogger(opc.NopLogger{}))
			_, err := fresh.Connect(ctx)
			Expect(errors.Is(err, opc.ErrConfiguration)).To(BeTrue())
		})
	})

	Context("when connected", func() {
		BeforeEach(func() {
			_, err := client.Connect(ctx)
			Expect(err).NotTo(HaveOccurred())
		})

		It("browses the root for a nil or empty start node", func() {
			nodes, err := client.Browse(ctx, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(nodes).To(ConsistOf(opc.NewNodeAddress("Channel1.Device1.Temp"), opc.NewNodeAddress("Channel1.Device1.Count")))

			empty := opc.NewNodeAddress("")
			again, err := client.Browse(ctx, &empty)
			Expect(err).NotTo(HaveOccurred())
			Expect(again).To(Equal(nodes))
		})

		It("keeps request order although the server answers in its own order", func() {
			temp := opc.NewNodeAddress("Channel1.Device1.Temp")
			count := opc.NewNodeAddress("Channel1.Device1.Count")

			values, err := client.Read(ctx, []opc.NodeAddress{temp, count})
			Expect(err).NotTo(HaveOccurred())
			Expect(values).To(HaveLen(2))

			Expect(values[0].Node()).To(Equal(temp))
			Expect(values[0].Value().Equal(opc.Float64(21.5))).To(BeTrue())
			Expect(values[0].Quality().Status).To(Equal(opc.QualityGood))
			Expect(values[0].Timestamp()).To(Equal(ts))

			Expect(values[1].Node()).To(Equal(count))
			Expect(values[1].Value().Equal(opc.Int32(42))).To(BeTrue())
			Expect(values[1].Quality().Status).To(Equal(opc.QualityUncertain))
			Expect(values[1].Quality().SubCode).To(Equal(uint32(com.QualityUncertainLastUsable)))
		})

		It("reports unknown and missing items with bad quality", func() {
			session.Omit["Channel1.Device1.Count"] = true
			values, err := client.Read(ctx, []opc.NodeAddress{
				opc.NewNodeAddress("Nope"), opc.NewNodeAddress("Channel1.Device1.Count"),
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(values[0].Quality().Status).To(Equal(opc.QualityBad))
			Expect(values[0].Value().IsNull()).To(BeTrue())
			Expect(values[1].Quality().Status).To(Equal(opc.QualityBad))
		})

		It("fails the read with a ConversionError for unsupported item types", func() {
			session.Items["Channel1.Device1.Money"] = com.ItemValue{Value: com.Variant{Type: com.VTCY, Val: int64(1)}}
			_, err := client.Read(ctx, []opc.NodeAddress{opc.NewNodeAddress("Channel1.Device1.Money")})
			var convErr *opc.ConversionError
			Expect(errors.As(err, &convErr)).To(BeTrue())
			Expect(convErr.TypeName).To(Equal("VT_CY"))
			Expect(convErr.Node).NotTo(BeNil())
			Expect(convErr.Node.Identifier).To(Equal("Channel1.Device1.Money"))
		})

		It("wraps session failures as CommunicationError", func() {
			session.ReadErr = errors.New("RPC_E_DISCONNECTED")
			_, err := client.Read(ctx, []opc.NodeAddress{opc.NewNodeAddress("Channel1.Device1.Temp")})
			Expect(errors.Is(err, opc.ErrCommunication)).To(BeTrue())
			Expect(errors.Is(err, opc.ErrNotConnected)).To(BeFalse())
			Expect(err.Error()).To(ContainSubstring("server=kepware"))
		})

		Describe("Write", func() {
			It("reports true when every item is accepted", func() {
				ok, err := client.Write(ctx, []opc.DataValue{
					opc.NewDataValue(opc.NewNodeAddress("Channel1.Device1.Temp"), opc.Float64(22), opc.Good, time.Time{}),
				})
				Expect(err).NotTo(HaveOccurred())
				Expect(ok).To(BeTrue())
				Expect(session.Items["Channel1.Device1.Temp"].Value).To(Equal(com.Variant{Type: com.VTR8, Val: 22.0}))
			})

			It("reports false when a single item is rejected", func() {
				session.Rejects["Channel1.Device1.Count"] = errors.New("OPC_E_BADRIGHTS")
				ok, err := client.Write(ctx, []opc.DataValue{
					opc.NewDataValue(opc.NewNodeAddress("Channel1.Device1.Temp"), opc.Float64(22), opc.Good, time.Time{}),
					opc.NewDataValue(opc.NewNodeAddress("Channel1.Device1.Count"), opc.Int32(1), opc.Good, time.Time{}),
				})
				Expect(err).NotTo(HaveOccurred())
				Expect(ok).To(BeFalse())
			})

			It("reports false when the server leaves an item out", func() {
				session.Omit["Channel1.Device1.Temp"] = true
				ok, err := client.Write(ctx, []opc.DataValue{
					opc.NewDataValue(opc.NewNodeAddress("Channel1.Device1.Temp"), opc.Float64(22), opc.Good, time.Time{}),
				})
				Expect(err).NotTo(HaveOccurred())
				Expect(ok).To(BeFalse())
			})
		})

		It("refuses operations after Disconnect", func() {
			client.Disconnect(ctx)
			Expect(client.IsConnected()).To(BeFalse())
			Expect(session.Closed()).To(BeTrue())

			_, err := client.Read(ctx, []opc.NodeAddress{opc.NewNodeAddress("Channel1.Device1.Temp")})
			Expect(errors.Is(err, opc.ErrNotConnected)).To(BeTrue())
		})

		It("can reconnect after Disconnect", func() {
			client.Disconnect(ctx)
			_, err := client.Connect(ctx)
			Expect(err).NotTo(HaveOccurred())
			values, err := client.Read(ctx, []opc.NodeAddress{opc.NewNodeAddress("Channel1.Device1.Temp")})
			Expect(err).NotTo(HaveOccurred())
			Expect(values).To(HaveLen(1))
		})
	})
})
