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

package xmlda

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/united-manufacturing-hub/opc-connector/pkg/opc"
	"github.com/united-manufacturing-hub/opc-connector/pkg/opc/com"
)

// xsdTypes maps the schema types XML-DA uses for scalars onto VARIANT types.
var xsdTypes = map[string]com.VarType{
	"boolean":       com.VTBool,
	"byte":          com.VTI1,
	"unsignedByte":  com.VTUI1,
	"short":         com.VTI2,
	"unsignedShort": com.VTUI2,
	"int":           com.VTI4,
	"unsignedInt":   com.VTUI4,
	"long":          com.VTI8,
	"unsignedLong":  com.VTUI8,
	"float":         com.VTR4,
	"double":        com.VTR8,
	"string":        com.VTBSTR,
	"dateTime":      com.VTDate,
}

var xsdNames = func() map[com.VarType]string {
	m := make(map[com.VarType]string, len(xsdTypes))
	for name, vt := range xsdTypes {
		m[vt] = name
	}
	return m
}()

const (
	anyType    = "anyType"
	base64Type = "base64Binary"
	arrayOf    = "ArrayOf"
)

// localType strips the namespace prefix of an xsi:type value.
func localType(t string) string {
	if i := strings.LastIndexByte(t, ':'); i >= 0 {
		return t[i+1:]
	}
	return t
}

// arrayElemName is the child element name of an ArrayOfX type ("ArrayOfInt" has <int> children).
func arrayElemName(arrayType string) string {
	name := strings.TrimPrefix(arrayType, arrayOf)
	if name == "" {
		return ""
	}
	return strings.ToLower(name[:1]) + name[1:]
}

func conversionError(typeName string, cause error) error {
	return &opc.ConversionError{Protocol: opc.ProtocolXmlDA, TypeName: typeName, Err: cause}
}

// decodeValue turns a <Value> element into a VARIANT. A missing or nil value is VT_EMPTY.
func decodeValue(v *inValue) (com.Variant, error) {
	if v == nil || isNil(v) {
		return com.Variant{Type: com.VTEmpty}, nil
	}
	t := localType(v.Type)
	if t == "" {
		// untyped content is a string per the schema default
		t = "string"
	}
	return decodeTyped(t, v)
}

func isNil(v *inValue) bool {
	return v.Nil == "true" || v.Nil == "1"
}

func decodeTyped(t string, v *inValue) (com.Variant, error) {
	switch {
	case t == base64Type:
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(v.Text))
		if err != nil {
			return com.Variant{}, conversionError(t, err)
		}
		return com.Variant{Type: com.VTArray | com.VTUI1, Val: raw}, nil
	case strings.HasPrefix(t, arrayOf):
		return decodeArray(t, v)
	}
	vt, ok := xsdTypes[t]
	if !ok {
		return com.Variant{}, conversionError(t, nil)
	}
	val, err := parseScalar(vt, v.Text)
	if err != nil {
		return com.Variant{}, conversionError(t, err)
	}
	return com.Variant{Type: vt, Val: val}, nil
}

func decodeArray(t string, v *inValue) (com.Variant, error) {
	elemName := arrayElemName(t)
	if elemName == anyType {
		out := make([]com.Variant, 0, len(v.Elems))
		for i := range v.Elems {
			e, err := decodeValue(&v.Elems[i])
			if err != nil {
				return com.Variant{}, err
			}
			out = append(out, e)
		}
		return com.Variant{Type: com.VTArray | com.VTVariant, Val: out}, nil
	}
	vt, ok := xsdTypes[elemName]
	if !ok {
		return com.Variant{}, conversionError(t, nil)
	}
	out := make([]com.Variant, 0, len(v.Elems))
	for i, e := range v.Elems {
		if isNil(&e) {
			return com.Variant{}, conversionError(t, fmt.Errorf("element %d is nil", i))
		}
		val, err := parseScalar(vt, e.Text)
		if err != nil {
			return com.Variant{}, conversionError(t, fmt.Errorf("element %d: %w", i, err))
		}
		out = append(out, com.Variant{Type: vt, Val: val})
	}
	return com.Variant{Type: com.VTArray | vt, Val: out}, nil
}

func parseScalar(vt com.VarType, text string) (any, error) {
	s := strings.TrimSpace(text)
	switch vt {
	case com.VTBool:
		return strconv.ParseBool(s)
	case com.VTI1:
		i, err := strconv.ParseInt(s, 10, 8)
		return int8(i), err
	case com.VTI2:
		i, err := strconv.ParseInt(s, 10, 16)
		return int16(i), err
	case com.VTI4:
		i, err := strconv.ParseInt(s, 10, 32)
		return int32(i), err
	case com.VTI8:
		return strconv.ParseInt(s, 10, 64)
	case com.VTUI1:
		u, err := strconv.ParseUint(s, 10, 8)
		return uint8(u), err
	case com.VTUI2:
		u, err := strconv.ParseUint(s, 10, 16)
		return uint16(u), err
	case com.VTUI4:
		u, err := strconv.ParseUint(s, 10, 32)
		return uint32(u), err
	case com.VTUI8:
		return strconv.ParseUint(s, 10, 64)
	case com.VTR4:
		f, err := strconv.ParseFloat(s, 32)
		return float32(f), err
	case com.VTR8:
		return strconv.ParseFloat(s, 64)
	case com.VTBSTR:
		// strings keep their whitespace
		return text, nil
	case com.VTDate:
		return parseDateTime(s)
	}
	return nil, fmt.Errorf("no parser for %s", vt)
}

// parseDateTime accepts xsd:dateTime with or without a zone. Values without a
// zone are taken as UTC.
func parseDateTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.ParseInLocation("2006-01-02T15:04:05.999999999", s, time.UTC)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}

// encodeValue renders a VARIANT as the <Value> of a write item. name is the
// element name, empty for the top level value.
func encodeValue(v com.Variant, name string) (outValue, error) {
	out := outValue{}
	if name != "" {
		out.XMLName = xml.Name{Local: name}
	}
	switch {
	case v.Type == com.VTEmpty || v.Type == com.VTNull:
		out.Nil = "true"
		return out, nil
	case v.Type == com.VTArray|com.VTUI1:
		if raw, ok := v.Val.([]byte); ok {
			out.Type = "xsd:" + base64Type
			out.Text = base64.StdEncoding.EncodeToString(raw)
			return out, nil
		}
		return encodeArray(v, out)
	case v.Type.IsArray():
		return encodeArray(v, out)
	}
	xsdName, ok := xsdNames[v.Type]
	if v.Type == com.VTInt {
		xsdName, ok = "int", true
	} else if v.Type == com.VTUInt {
		xsdName, ok = "unsignedInt", true
	}
	if !ok {
		return outValue{}, conversionError(v.Type.String(), nil)
	}
	text, err := formatScalar(v)
	if err != nil {
		return outValue{}, conversionError(v.Type.String(), err)
	}
	out.Type = "xsd:" + xsdName
	out.Text = text
	return out, nil
}

func encodeArray(v com.Variant, out outValue) (outValue, error) {
	elems, ok := v.Val.([]com.Variant)
	if !ok {
		return outValue{}, conversionError(v.Type.String(), fmt.Errorf("payload %T is not an element list", v.Val))
	}
	elemVT := v.Type.Elem()
	elemName := anyType
	if elemVT != com.VTVariant {
		n, ok := xsdNames[elemVT]
		if !ok {
			return outValue{}, conversionError(v.Type.String(), nil)
		}
		elemName = n
	}
	out.Type = arrayOf + strings.ToUpper(elemName[:1]) + elemName[1:]
	out.Elems = make([]outValue, 0, len(elems))
	for _, e := range elems {
		if elemVT != com.VTVariant && e.Type == com.VTEmpty {
			e.Type = elemVT
		}
		child, err := encodeValue(e, elemName)
		if err != nil {
			return outValue{}, err
		}
		if elemVT != com.VTVariant {
			// typed arrays carry the type on the array only
			child.Type = ""
		}
		out.Elems = append(out.Elems, child)
	}
	return out, nil
}

func formatScalar(v com.Variant) (string, error) {
	switch x := v.Val.(type) {
	case bool:
		return strconv.FormatBool(x), nil
	case int16:
		if v.Type == com.VTBool {
			return strconv.FormatBool(x != 0), nil
		}
		return strconv.FormatInt(int64(x), 10), nil
	case int8:
		return strconv.FormatInt(int64(x), 10), nil
	case int32:
		return strconv.FormatInt(int64(x), 10), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case int:
		return strconv.Itoa(x), nil
	case uint8:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint16:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	case uint:
		return strconv.FormatUint(uint64(x), 10), nil
	case float32:
		return formatFloat(float64(x), 32), nil
	case float64:
		if v.Type == com.VTDate {
			return com.FromOADate(x).Format(time.RFC3339Nano), nil
		}
		return formatFloat(x, 64), nil
	case string:
		return x, nil
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano), nil
	}
	return "", fmt.Errorf("payload %T does not match", v.Val)
}

// formatFloat uses the xsd spellings of the special values.
func formatFloat(f float64, bits int) string {
	switch {
	case math.IsInf(f, 1):
		return "INF"
	case math.IsInf(f, -1):
		return "-INF"
	case math.IsNaN(f):
		return "NaN"
	}
	return strconv.FormatFloat(f, 'g', -1, bits)
}

// qualityFields maps the QualityField enumeration onto the DA quality word.
var qualityFields = map[string]uint16{
	"good":                       com.QualityGood,
	"goodLocalOverride":          com.QualityGoodLocalOverride,
	"bad":                        com.QualityBad,
	"badConfigurationError":      com.QualityBadConfigError,
	"badNotConnected":            com.QualityBadNotConnected,
	"badDeviceFailure":           com.QualityBadDeviceFailure,
	"badSensorFailure":           0x10,
	"badLastKnownValue":          0x14,
	"badCommFailure":             com.QualityBadCommFailure,
	"badOutOfService":            com.QualityBadOutOfService,
	"badWaitingForInitialData":   0x20,
	"uncertain":                  com.QualityUncertain,
	"uncertainLastUsableValue":   com.QualityUncertainLastUsable,
	"uncertainSensorNotAccurate": 0x50,
	"uncertainEUExceeded":        0x54,
	"uncertainSubNormal":         0x58,
}

var limitFields = map[string]uint16{
	"none":     0,
	"low":      1,
	"high":     2,
	"constant": 3,
}

// qualityWord folds a <Quality> element into the DA quality word. An omitted
// element or QualityField means good.
func qualityWord(q *quality) uint16 {
	if q == nil {
		return com.QualityGood
	}
	word := com.QualityGood
	if q.QualityField != "" {
		w, ok := qualityFields[q.QualityField]
		if !ok {
			w = com.QualityBad
		}
		word = w
	}
	word |= limitFields[q.LimitField]
	word |= uint16(q.VendorField&0xFF) << 8
	return word
}
