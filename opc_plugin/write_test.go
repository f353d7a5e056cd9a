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
	"errors"

	"github.com/goccy/go-json"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redpanda-data/benthos/v4/public/service"

	"github.com/united-manufacturing-hub/opc-connector/pkg/opc"
	"github.com/united-manufacturing-hub/opc-connector/pkg/opc/com/comtest"
	"github.com/united-manufacturing-hub/opc-connector/pkg/opc/factory"
)

func newTestOutput(yaml string, fake *fakeClient) *OPCOutput {
	conf, err := opcOutputConfig().ParseYAML(yaml, nil)
	Expect(err).NotTo(HaveOccurred())
	out, err := newOPCOutput(conf, service.MockResources(), withFake(fake))
	Expect(err).NotTo(HaveOccurred())
	return out
}

var _ = Describe("OPC output", func() {
	const config = `
serverId: plc1
endpoint: opc.tcp://localhost:4840
nodeMappings:
  - nodeId: ns=2;s=Speed
    valueFrom: speed
    dataType: Int16
  - nodeId: ns=2;s=Name
    valueFrom: name
`
	var (
		ctx  context.Context
		fake *fakeClient
		out  *OPCOutput
	)

	BeforeEach(func() {
		ctx = context.Background()
		fake = newFakeClient(opc.ProtocolUA)
		out = newTestOutput(config, fake)
	})

	It("returns not connected before Connect", func() {
		Expect(out.Write(ctx, service.NewMessage([]byte(`{"speed": 1, "name": "x"}`)))).To(MatchError(service.ErrNotConnected))
	})

	It("writes every mapped field in one request", func() {
		Expect(out.Connect(ctx)).To(Succeed())
		Expect(out.Write(ctx, service.NewMessage([]byte(`{"speed": 12, "name": "pump", "other": 1}`)))).To(Succeed())

		Expect(fake.written).To(HaveLen(1))
		written := fake.written[0]
		Expect(written).To(HaveLen(2))
		Expect(written[0].Node()).To(Equal(opc.NewNodeAddress("ns=2;s=Speed")))
		Expect(written[0].Value().Equal(opc.Int16(12))).To(BeTrue())
		Expect(written[1].Value().Equal(opc.String("pump"))).To(BeTrue())
		Expect(written[1].Quality().IsGood()).To(BeTrue())
	})

	It("fails on a missing field", func() {
		Expect(out.Connect(ctx)).To(Succeed())
		err := out.Write(ctx, service.NewMessage([]byte(`{"speed": 12}`)))
		Expect(err).To(MatchError(ContainSubstring("field name not found")))
		Expect(fake.written).To(BeEmpty())
	})

	It("refuses values that do not fit the data type", func() {
		Expect(out.Connect(ctx)).To(Succeed())
		err := out.Write(ctx, service.NewMessage([]byte(`{"speed": 1.5, "name": "pump"}`)))
		Expect(errors.Is(err, opc.ErrConversion)).To(BeTrue())

		err = out.Write(ctx, service.NewMessage([]byte(`{"speed": 70000, "name": "pump"}`)))
		Expect(errors.Is(err, opc.ErrConversion)).To(BeTrue())
		Expect(fake.written).To(BeEmpty())
	})

	It("reports rejected writes", func() {
		Expect(out.Connect(ctx)).To(Succeed())
		fake.set(func(f *fakeClient) { f.writeOK = false })
		err := out.Write(ctx, service.NewMessage([]byte(`{"speed": 1, "name": "x"}`)))
		Expect(err).To(MatchError(ContainSubstring("rejected")))
	})

	It("reconnects after the session is lost", func() {
		Expect(out.Connect(ctx)).To(Succeed())
		fake.set(func(f *fakeClient) {
			f.writeErr = &opc.NotConnectedError{Protocol: opc.ProtocolUA, ServerID: "plc1", Op: "Write"}
		})
		err := out.Write(ctx, service.NewMessage([]byte(`{"speed": 1, "name": "x"}`)))
		Expect(err).To(MatchError(service.ErrNotConnected))
		Expect(out.Client).To(BeNil())
	})

	DescribeTable("rejects invalid configurations",
		func(yaml string, sentinel error, opts ...factory.Option) {
			conf, err := opcOutputConfig().ParseYAML(yaml, nil)
			Expect(err).NotTo(HaveOccurred())
			_, err = newOPCOutput(conf, service.MockResources(), opts...)
			Expect(err).To(HaveOccurred())
			if sentinel != nil {
				Expect(errors.Is(err, sentinel)).To(BeTrue())
			}
		},
		Entry("HDA cannot be written", "protocol: HDA\nprogId: X\nnodeMappings: [{nodeId: a, valueFrom: b}]",
			opc.ErrProtocolNotSupported, factory.WithHDADialer(comtest.DialHDA(comtest.NewHDASession()))),
		Entry("DA without a COM bridge", "protocol: DA\nprogId: X\nnodeMappings: [{nodeId: a, valueFrom: b}]", opc.ErrConfiguration),
		Entry("unknown data type", "endpoint: opc.tcp://h:4840\nnodeMappings: [{nodeId: a, valueFrom: b, dataType: Decimal}]", nil),
		Entry("no mappings", "endpoint: opc.tcp://h:4840\nnodeMappings: []", nil),
	)
})

var _ = Describe("toValue", func() {
	DescribeTable("converts structured message fields",
		func(raw any, want opc.Value) {
			got, err := toValue(raw)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Equal(want)).To(BeTrue(), "got %s", got)
		},
		Entry("integral float", 12.0, opc.Int64(12)),
		Entry("fraction", 1.25, opc.Float64(1.25)),
		Entry("json integer", json.Number("7"), opc.Int64(7)),
		Entry("json float", json.Number("7.5"), opc.Float64(7.5)),
		Entry("string", "abc", opc.String("abc")),
		Entry("bool", false, opc.Bool(false)),
		Entry("null", nil, opc.Null()),
		Entry("int array", []any{1.0, 2.0}, opc.MustArray(opc.KindInt64, opc.Int64(1), opc.Int64(2))),
		Entry("mixed numbers widen", []any{1.0, 2.5}, opc.MustArray(opc.KindFloat64, opc.Float64(1), opc.Float64(2.5))),
	)

	It("rejects objects and mixed arrays", func() {
		_, err := toValue(map[string]any{"a": 1})
		Expect(errors.Is(err, opc.ErrConversion)).To(BeTrue())

		_, err = toValue([]any{"a", true})
		Expect(err).To(HaveOccurred())
	})

	It("converts to an explicit kind", func() {
		v, err := toKind(opc.Int64(3), opc.KindUint8)
		Expect(err).NotTo(HaveOccurred())
		Expect(v.Equal(opc.Uint8(3))).To(BeTrue())

		v, err = toKind(opc.Int64(3), opc.KindFloat32)
		Expect(err).NotTo(HaveOccurred())
		Expect(v.Equal(opc.Float32(3))).To(BeTrue())

		_, err = toKind(opc.Float64(2.5), opc.KindInt32)
		Expect(errors.Is(err, opc.ErrConversion)).To(BeTrue())
	})
})
