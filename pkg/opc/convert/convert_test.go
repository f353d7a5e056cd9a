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

package convert_test

import (
	"errors"
	"time"

	"github.com/gopcua/opcua/ua"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/opc-connector/pkg/opc"
	"github.com/united-manufacturing-hub/opc-connector/pkg/opc/com"
	"github.com/united-manufacturing-hub/opc-connector/pkg/opc/convert"
)

var sampleTime = time.Date(2024, 5, 17, 8, 30, 15, 250_000_000, time.UTC)

// canonicalSamples covers every canonical kind, including nested arrays.
func canonicalSamples() []TableEntry {
	return []TableEntry{
		Entry("null", opc.Null()),
		Entry("bool", opc.Bool(true)),
		Entry("int8", opc.Int8(-12)),
		Entry("int16", opc.Int16(-1234)),
		Entry("int32", opc.Int32(-123456)),
		Entry("int64", opc.Int64(-1234567890123)),
		Entry("uint8", opc.Uint8(250)),
		Entry("uint16", opc.Uint16(65000)),
		Entry("uint32", opc.Uint32(4000000000)),
		Entry("uint64", opc.Uint64(18000000000000000000)),
		Entry("float32", opc.Float32(3.25)),
		Entry("float64", opc.Float64(-1.0e-9)),
		Entry("string", opc.String("Kessel 1")),
		Entry("empty string", opc.String("")),
		Entry("time", opc.Time(sampleTime)),
		Entry("bytes", opc.Bytes([]byte{0xDE, 0xAD, 0xBE, 0xEF})),
		Entry("int32 array", opc.MustArray(opc.KindInt32, opc.Int32(1), opc.Int32(-2), opc.Int32(3))),
		Entry("uint8 array", opc.MustArray(opc.KindUint8, opc.Uint8(1), opc.Uint8(2))),
		Entry("float64 array", opc.MustArray(opc.KindFloat64, opc.Float64(0.5), opc.Float64(1.5))),
		Entry("string array", opc.MustArray(opc.KindString, opc.String("a"), opc.String("b"))),
		Entry("bool array", opc.MustArray(opc.KindBool, opc.Bool(true), opc.Bool(false))),
		Entry("time array", opc.MustArray(opc.KindTime, opc.Time(sampleTime), opc.Time(sampleTime.Add(time.Second)))),
		Entry("empty int16 array", opc.MustArray(opc.KindInt16)),
		Entry("nested int16 array", opc.MustArray(opc.KindArray,
			opc.MustArray(opc.KindInt16, opc.Int16(1), opc.Int16(2)),
			opc.MustArray(opc.KindInt16, opc.Int16(3), opc.Int16(4)))),
	}
}

var _ = Describe("COM variant conversion", func() {
	DescribeTable("round-trips canonical values",
		func(v opc.Value) {
			native, err := convert.ToVariant(v)
			Expect(err).NotTo(HaveOccurred())
			back, err := convert.FromVariant(native)
			Expect(err).NotTo(HaveOccurred())
			Expect(back.Equal(v)).To(BeTrue(), "got %s, want %s", back, v)
		},
		append(canonicalSamples(),
			Entry("array of byte strings", opc.MustArray(opc.KindBytes, opc.Bytes([]byte{1}), opc.Bytes([]byte{2, 3}))),
			Entry("empty untyped array", opc.MustArray(opc.KindNull)),
		),
	)

	DescribeTable("rejects empty arrays whose element kind a VARIANT array cannot carry",
		func(v opc.Value) {
			_, err := convert.ToVariant(v)
			Expect(errors.Is(err, opc.ErrConversion)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("no element type"))
		},
		Entry("empty byte string array", opc.MustArray(opc.KindBytes)),
		Entry("empty nested array", opc.MustArray(opc.KindArray)),
		Entry("nested empty byte string array", opc.MustArray(opc.KindArray, opc.MustArray(opc.KindBytes))),
	)

	It("maps canonical kinds onto the expected VARTYPEs", func() {
		v, err := convert.ToVariant(opc.Int32(7))
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal(com.Variant{Type: com.VTI4, Val: int32(7)}))

		v, err = convert.ToVariant(opc.Bytes([]byte{1}))
		Expect(err).NotTo(HaveOccurred())
		Expect(v.Type).To(Equal(com.VTArray | com.VTUI1))

		v, err = convert.ToVariant(opc.MustArray(opc.KindArray, opc.MustArray(opc.KindBool, opc.Bool(true))))
		Expect(err).NotTo(HaveOccurred())
		Expect(v.Type).To(Equal(com.VTArray | com.VTVariant))
	})

	It("accepts OLE dates and VARIANT_BOOL", func() {
		v, err := convert.FromVariant(com.Variant{Type: com.VTDate, Val: com.ToOADate(sampleTime)})
		Expect(err).NotTo(HaveOccurred())
		t, _ := v.AsTime()
		Expect(t).To(BeTemporally("~", sampleTime, time.Millisecond))

		v, err = convert.FromVariant(com.Variant{Type: com.VTBool, Val: int16(-1)})
		Expect(err).NotTo(HaveOccurred())
		Expect(v.Equal(opc.Bool(true))).To(BeTrue())
	})

	It("treats VT_INT as a 32 bit integer", func() {
		v, err := convert.FromVariant(com.Variant{Type: com.VTInt, Val: 42})
		Expect(err).NotTo(HaveOccurred())
		Expect(v.Equal(opc.Int32(42))).To(BeTrue())
	})

	DescribeTable("fails with a ConversionError naming the type",
		func(v com.Variant, typeName string) {
			_, err := convert.FromVariant(v)
			var convErr *opc.ConversionError
			Expect(errors.As(err, &convErr)).To(BeTrue())
			Expect(convErr.TypeName).To(Equal(typeName))
			Expect(errors.Is(err, opc.ErrConversion)).To(BeTrue())
		},
		Entry("currency", com.Variant{Type: com.VTCY, Val: int64(10000)}, "VT_CY"),
		Entry("dispatch", com.Variant{Type: com.VTDispatch}, "VT_DISPATCH"),
		Entry("payload mismatch", com.Variant{Type: com.VTI4, Val: "12"}, "VT_I4"),
		Entry("mixed VARIANT array", com.Variant{Type: com.VTArray | com.VTVariant, Val: []com.Variant{
			{Type: com.VTI4, Val: int32(1)}, {Type: com.VTBSTR, Val: "x"},
		}}, "VT_ARRAY|VT_VARIANT"),
		Entry("wrong element type", com.Variant{Type: com.VTArray | com.VTI2, Val: []com.Variant{
			{Type: com.VTI4, Val: int32(1)},
		}}, "VT_ARRAY|VT_I2"),
	)

	Describe("ToVariantType", func() {
		It("widens to the item's declared type", func() {
			v, err := convert.ToVariantType(opc.Int16(5), com.VTR8)
			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(Equal(com.Variant{Type: com.VTR8, Val: float64(5)}))
		})

		It("refuses lossy conversions", func() {
			_, err := convert.ToVariantType(opc.Int32(70000), com.VTI2)
			Expect(errors.Is(err, opc.ErrConversion)).To(BeTrue())

			_, err = convert.ToVariantType(opc.Float64(1.5), com.VTI4)
			Expect(errors.Is(err, opc.ErrConversion)).To(BeTrue())

			_, err = convert.ToVariantType(opc.String("1"), com.VTI4)
			Expect(errors.Is(err, opc.ErrConversion)).To(BeTrue())
		})
	})
})

var _ = Describe("UA variant conversion", func() {
	DescribeTable("round-trips canonical values with their declared type",
		func(v opc.Value) {
			declared := convert.UATypeID(v)
			variant, err := convert.ToUAVariant(v, declared)
			Expect(err).NotTo(HaveOccurred())
			back, err := convert.FromUAVariant(variant, declared)
			Expect(err).NotTo(HaveOccurred())
			Expect(back.Equal(v)).To(BeTrue(), "got %s, want %s", back, v)
		},
		canonicalSamples(),
	)

	It("encodes Byte arrays as arrays of Byte and byte strings as ByteString", func() {
		arr := opc.MustArray(opc.KindUint8, opc.Uint8(1), opc.Uint8(2), opc.Uint8(3))
		variant, err := convert.ToUAVariant(arr, ua.TypeIDByte)
		Expect(err).NotTo(HaveOccurred())
		Expect(variant.Type()).To(Equal(ua.TypeIDByte))
		Expect(variant.Has(ua.VariantArrayValues)).To(BeTrue())
		Expect(variant.ArrayLength()).To(Equal(int32(3)))

		back, err := convert.FromUAVariant(variant, ua.TypeIDNull)
		Expect(err).NotTo(HaveOccurred())
		Expect(back.Equal(arr)).To(BeTrue(), "got %s", back)

		variant, err = convert.ToUAVariant(arr, ua.TypeIDNull)
		Expect(err).NotTo(HaveOccurred())
		Expect(variant.Type()).To(Equal(ua.TypeIDByte))

		empty, err := convert.ToUAVariant(opc.MustArray(opc.KindUint8), ua.TypeIDByte)
		Expect(err).NotTo(HaveOccurred())
		Expect(empty.Type()).To(Equal(ua.TypeIDByte))
		Expect(empty.Has(ua.VariantArrayValues)).To(BeTrue())
		Expect(empty.ArrayLength()).To(BeZero())

		raw, err := convert.ToUAVariant(opc.Bytes([]byte{1, 2}), ua.TypeIDNull)
		Expect(err).NotTo(HaveOccurred())
		Expect(raw.Type()).To(Equal(ua.TypeIDByteString))
		Expect(raw.Has(ua.VariantArrayValues)).To(BeFalse())
	})

	It("uses the declared type rather than the wire type", func() {
		variant := ua.MustVariant(int32(12))
		v, err := convert.FromUAVariant(variant, ua.TypeIDInt16)
		Expect(err).NotTo(HaveOccurred())
		Expect(v.Kind()).To(Equal(opc.KindInt16))

		_, err = convert.FromUAVariant(ua.MustVariant(int32(70000)), ua.TypeIDInt16)
		Expect(errors.Is(err, opc.ErrConversion)).To(BeTrue())

		_, err = convert.FromUAVariant(ua.MustVariant(int32(1)), ua.TypeIDBoolean)
		Expect(errors.Is(err, opc.ErrConversion)).To(BeTrue())
	})

	It("falls back to the wire type for unknown declared types", func() {
		v, err := convert.FromUAVariant(ua.MustVariant(float32(2.5)), ua.TypeIDNull)
		Expect(err).NotTo(HaveOccurred())
		Expect(v.Equal(opc.Float32(2.5))).To(BeTrue())
	})

	It("renders identifier types as strings", func() {
		v, err := convert.FromUAVariant(ua.MustVariant(ua.NewLocalizedText("Pumpe")), ua.TypeIDLocalizedText)
		Expect(err).NotTo(HaveOccurred())
		Expect(v.Equal(opc.String("Pumpe"))).To(BeTrue())

		v, err = convert.FromUAVariant(ua.MustVariant(ua.NewStringNodeID(2, "Tag")), ua.TypeIDNodeID)
		Expect(err).NotTo(HaveOccurred())
		Expect(v.Equal(opc.String("ns=2;s=Tag"))).To(BeTrue())
	})

	It("rejects structured values", func() {
		_, err := convert.FromUAVariant(ua.MustVariant(&ua.ExtensionObject{}), ua.TypeIDNull)
		var convErr *opc.ConversionError
		Expect(errors.As(err, &convErr)).To(BeTrue())
		Expect(convErr.TypeName).To(Equal("ExtensionObject"))
	})

	It("refuses to write a string to a numeric node", func() {
		_, err := convert.ToUAVariant(opc.String("12"), ua.TypeIDDouble)
		Expect(errors.Is(err, opc.ErrConversion)).To(BeTrue())
	})

	Describe("DeclaredTypeID", func() {
		DescribeTable("maps DataType attributes",
			func(dataType *ua.NodeID, want ua.TypeID) {
				Expect(convert.DeclaredTypeID(dataType)).To(Equal(want))
			},
			Entry("Double", ua.NewNumericNodeID(0, 11), ua.TypeIDDouble),
			Entry("Duration", ua.NewNumericNodeID(0, 290), ua.TypeIDDouble),
			Entry("UtcTime", ua.NewNumericNodeID(0, 294), ua.TypeIDDateTime),
			Entry("Enumeration", ua.NewNumericNodeID(0, 29), ua.TypeIDInt32),
			Entry("abstract Number", ua.NewNumericNodeID(0, 26), ua.TypeIDNull),
			Entry("vendor type", ua.NewNumericNodeID(3, 11), ua.TypeIDNull),
			Entry("missing", (*ua.NodeID)(nil), ua.TypeIDNull),
		)
	})
})

var _ = Describe("quality translation", func() {
	DescribeTable("DA quality words",
		func(word uint16, status opc.QualityStatus) {
			q := convert.DAQuality(word)
			Expect(q.Status).To(Equal(status))
			Expect(q.SubCode).To(Equal(uint32(word)))
			Expect(convert.DAQualityWord(q)).To(Equal(word))
		},
		Entry("good", com.QualityGood, opc.QualityGood),
		Entry("good local override", com.QualityGoodLocalOverride, opc.QualityGood),
		Entry("uncertain last usable", com.QualityUncertainLastUsable, opc.QualityUncertain),
		Entry("bad", com.QualityBad, opc.QualityBad),
		Entry("bad comm failure", com.QualityBadCommFailure, opc.QualityBad),
	)

	DescribeTable("UA status codes",
		func(code ua.StatusCode, status opc.QualityStatus) {
			q := convert.UAQuality(code)
			Expect(q.Status).To(Equal(status))
			Expect(q.SubCode).To(Equal(uint32(code)))
		},
		Entry("good", ua.StatusOK, opc.QualityGood),
		Entry("uncertain", ua.StatusUncertainLastUsableValue, opc.QualityUncertain),
		Entry("bad", ua.StatusBadNodeIDUnknown, opc.QualityBad),
	)
})
