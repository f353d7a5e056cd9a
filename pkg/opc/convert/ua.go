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

package convert

import (
	"fmt"
	"reflect"
	"time"

	"github.com/gopcua/opcua/ua"

	"github.com/united-manufacturing-hub/opc-connector/pkg/opc"
)

var uaTypeNames = map[ua.TypeID]string{
	ua.TypeIDNull:            "Null",
	ua.TypeIDBoolean:         "Boolean",
	ua.TypeIDSByte:           "SByte",
	ua.TypeIDByte:            "Byte",
	ua.TypeIDInt16:           "Int16",
	ua.TypeIDUint16:          "UInt16",
	ua.TypeIDInt32:           "Int32",
	ua.TypeIDUint32:          "UInt32",
	ua.TypeIDInt64:           "Int64",
	ua.TypeIDUint64:          "UInt64",
	ua.TypeIDFloat:           "Float",
	ua.TypeIDDouble:          "Double",
	ua.TypeIDString:          "String",
	ua.TypeIDDateTime:        "DateTime",
	ua.TypeIDGUID:            "Guid",
	ua.TypeIDByteString:      "ByteString",
	ua.TypeIDXMLElement:      "XmlElement",
	ua.TypeIDNodeID:          "NodeId",
	ua.TypeIDExpandedNodeID:  "ExpandedNodeId",
	ua.TypeIDStatusCode:      "StatusCode",
	ua.TypeIDQualifiedName:   "QualifiedName",
	ua.TypeIDLocalizedText:   "LocalizedText",
	ua.TypeIDExtensionObject: "ExtensionObject",
	ua.TypeIDDataValue:       "DataValue",
	ua.TypeIDVariant:         "Variant",
	ua.TypeIDDiagnosticInfo:  "DiagnosticInfo",
}

// UATypeName returns the OPC UA name of a built-in type.
func UATypeName(id ua.TypeID) string {
	if name, ok := uaTypeNames[id]; ok {
		return name
	}
	return fmt.Sprintf("TypeID(%d)", uint8(id))
}

// uaKinds is the canonical kind each built-in type converts to. Identifier like
// types (Guid, NodeId, names, texts) become strings.
var uaKinds = map[ua.TypeID]opc.Kind{
	ua.TypeIDBoolean:        opc.KindBool,
	ua.TypeIDSByte:          opc.KindInt8,
	ua.TypeIDByte:           opc.KindUint8,
	ua.TypeIDInt16:          opc.KindInt16,
	ua.TypeIDUint16:         opc.KindUint16,
	ua.TypeIDInt32:          opc.KindInt32,
	ua.TypeIDUint32:         opc.KindUint32,
	ua.TypeIDInt64:          opc.KindInt64,
	ua.TypeIDUint64:         opc.KindUint64,
	ua.TypeIDFloat:          opc.KindFloat32,
	ua.TypeIDDouble:         opc.KindFloat64,
	ua.TypeIDString:         opc.KindString,
	ua.TypeIDDateTime:       opc.KindTime,
	ua.TypeIDGUID:           opc.KindString,
	ua.TypeIDByteString:     opc.KindBytes,
	ua.TypeIDXMLElement:     opc.KindString,
	ua.TypeIDNodeID:         opc.KindString,
	ua.TypeIDExpandedNodeID: opc.KindString,
	ua.TypeIDStatusCode:     opc.KindUint32,
	ua.TypeIDQualifiedName:  opc.KindString,
	ua.TypeIDLocalizedText:  opc.KindString,
}

var uaTypes = map[opc.Kind]ua.TypeID{
	opc.KindBool:    ua.TypeIDBoolean,
	opc.KindInt8:    ua.TypeIDSByte,
	opc.KindUint8:   ua.TypeIDByte,
	opc.KindInt16:   ua.TypeIDInt16,
	opc.KindUint16:  ua.TypeIDUint16,
	opc.KindInt32:   ua.TypeIDInt32,
	opc.KindUint32:  ua.TypeIDUint32,
	opc.KindInt64:   ua.TypeIDInt64,
	opc.KindUint64:  ua.TypeIDUint64,
	opc.KindFloat32: ua.TypeIDFloat,
	opc.KindFloat64: ua.TypeIDDouble,
	opc.KindString:  ua.TypeIDString,
	opc.KindTime:    ua.TypeIDDateTime,
	opc.KindBytes:   ua.TypeIDByteString,
}

// wellKnownDataTypes are namespace 0 subtypes of built-in types that servers
// commonly declare.
var wellKnownDataTypes = map[uint32]ua.TypeID{
	29:    ua.TypeIDInt32,    // Enumeration
	288:   ua.TypeIDUint32,   // IntegerId
	289:   ua.TypeIDUint32,   // Counter
	290:   ua.TypeIDDouble,   // Duration
	294:   ua.TypeIDDateTime, // UtcTime
	295:   ua.TypeIDString,   // LocaleId
	11737: ua.TypeIDUint64,   // BitFieldMaskDataType
	20998: ua.TypeIDUint32,   // VersionTime
}

// DeclaredTypeID maps the DataType attribute of a variable to the built-in type
// its values are encoded with. Abstract and vendor types yield TypeIDNull, which
// makes FromUAVariant trust the type on the wire.
func DeclaredTypeID(dataType *ua.NodeID) ua.TypeID {
	if dataType == nil || dataType.Namespace() != 0 {
		return ua.TypeIDNull
	}
	id := dataType.IntID()
	if id >= 1 && id <= 25 {
		return ua.TypeID(id)
	}
	if t, ok := wellKnownDataTypes[id]; ok {
		return t
	}
	return ua.TypeIDNull
}

// UATypeID returns the built-in type a canonical value is written as. For
// arrays it is the type of the innermost elements.
func UATypeID(v opc.Value) ua.TypeID {
	kind := v.Kind()
	for kind == opc.KindArray {
		elems, _ := v.Elements()
		if v.ElemKind() != opc.KindArray || len(elems) == 0 {
			kind = v.ElemKind()
			break
		}
		v = elems[0]
		kind = v.Kind()
	}
	return uaTypes[kind]
}

// FromUAVariant converts a variant using the declared built-in type of its node.
// With declared == TypeIDNull the type on the wire is used. Numeric values are
// converted to the declared width when that is lossless.
func FromUAVariant(v *ua.Variant, declared ua.TypeID) (opc.Value, error) {
	if v == nil || v.Value() == nil {
		return opc.Null(), nil
	}
	target := declared
	if target == ua.TypeIDNull || target == ua.TypeIDVariant {
		target = v.Type()
	}
	return fromUAGo(v.Value(), v.Type(), target)
}

func fromUAGo(val any, wire, target ua.TypeID) (opc.Value, error) {
	switch x := val.(type) {
	case nil:
		return opc.Null(), nil
	case []byte:
		if target == ua.TypeIDByte {
			elems := make([]opc.Value, len(x))
			for i, b := range x {
				elems[i] = opc.Uint8(b)
			}
			return opc.NewArray(opc.KindUint8, elems)
		}
		return expectKind(opc.Bytes(x), target, wire)
	case *ua.Variant:
		return FromUAVariant(x, ua.TypeIDNull)
	case []*ua.Variant:
		elems := make([]opc.Value, len(x))
		for i, e := range x {
			c, err := FromUAVariant(e, ua.TypeIDNull)
			if err != nil {
				return opc.Value{}, err
			}
			elems[i] = c
		}
		return homogeneous(elems, opc.KindNull, wire)
	case *ua.ExtensionObject:
		return opc.Value{}, uaError(ua.TypeIDExtensionObject, fmt.Errorf("structured values are not supported"))
	case *ua.DataValue:
		return opc.Value{}, uaError(ua.TypeIDDataValue, nil)
	case *ua.DiagnosticInfo:
		return opc.Value{}, uaError(ua.TypeIDDiagnosticInfo, nil)
	}

	if scalar, ok := uaScalar(val); ok {
		return expectKind(scalar, target, wire)
	}

	rv := reflect.ValueOf(val)
	if rv.Kind() != reflect.Slice {
		return opc.Value{}, uaError(wire, fmt.Errorf("unexpected payload %T", val))
	}
	elems := make([]opc.Value, rv.Len())
	for i := range elems {
		c, err := fromUAGo(rv.Index(i).Interface(), wire, target)
		if err != nil {
			return opc.Value{}, err
		}
		elems[i] = c
	}
	emptyKind := uaKinds[target]
	if rv.Type().Elem().Kind() == reflect.Slice && rv.Type().Elem() != reflect.TypeOf([]byte(nil)) {
		emptyKind = opc.KindArray
	}
	return homogeneous(elems, emptyKind, wire)
}

func uaScalar(val any) (opc.Value, bool) {
	switch x := val.(type) {
	case bool:
		return opc.Bool(x), true
	case int8:
		return opc.Int8(x), true
	case uint8:
		return opc.Uint8(x), true
	case int16:
		return opc.Int16(x), true
	case uint16:
		return opc.Uint16(x), true
	case int32:
		return opc.Int32(x), true
	case uint32:
		return opc.Uint32(x), true
	case int64:
		return opc.Int64(x), true
	case uint64:
		return opc.Uint64(x), true
	case float32:
		return opc.Float32(x), true
	case float64:
		return opc.Float64(x), true
	case string:
		return opc.String(x), true
	case time.Time:
		return opc.Time(x), true
	case ua.StatusCode:
		return opc.Uint32(uint32(x)), true
	case ua.XMLElement:
		return opc.String(string(x)), true
	case *ua.LocalizedText:
		if x == nil {
			return opc.Null(), true
		}
		return opc.String(x.Text), true
	case *ua.QualifiedName:
		if x == nil {
			return opc.Null(), true
		}
		if x.NamespaceIndex == 0 {
			return opc.String(x.Name), true
		}
		return opc.String(fmt.Sprintf("%d:%s", x.NamespaceIndex, x.Name)), true
	case *ua.NodeID:
		if x == nil {
			return opc.Null(), true
		}
		return opc.String(x.String()), true
	case *ua.ExpandedNodeID:
		if x == nil {
			return opc.Null(), true
		}
		return opc.String(x.String()), true
	case *ua.GUID:
		if x == nil {
			return opc.Null(), true
		}
		return opc.String(x.String()), true
	}
	return opc.Value{}, false
}

// expectKind converts a decoded scalar to the kind of the declared type.
func expectKind(v opc.Value, target, wire ua.TypeID) (opc.Value, error) {
	want, ok := uaKinds[target]
	if !ok {
		return opc.Value{}, uaError(target, nil)
	}
	if v.IsNull() || v.Kind() == want {
		return v, nil
	}
	c, err := Coerce(v, want)
	if err != nil {
		return opc.Value{}, uaError(wire, fmt.Errorf("declared %s: %w", UATypeName(target), err))
	}
	return c, nil
}

func homogeneous(elems []opc.Value, emptyKind opc.Kind, wire ua.TypeID) (opc.Value, error) {
	kind := emptyKind
	if len(elems) > 0 {
		kind = elems[0].Kind()
	}
	arr, err := opc.NewArray(kind, elems)
	if err != nil {
		return opc.Value{}, uaError(wire, err)
	}
	return arr, nil
}

// ToUAVariant converts a canonical value into a variant of the declared
// built-in type. With declared == TypeIDNull the type follows the value kind.
func ToUAVariant(v opc.Value, declared ua.TypeID) (*ua.Variant, error) {
	if v.IsNull() {
		return &ua.Variant{}, nil
	}
	target := declared
	if target == ua.TypeIDNull || target == ua.TypeIDVariant {
		target = UATypeID(v)
	}
	goVal, err := toUAGo(v, target)
	if err != nil {
		return nil, err
	}
	variant, err := ua.NewVariant(goVal)
	if err != nil {
		return nil, uaError(target, err)
	}
	return variant, nil
}

func toUAGo(v opc.Value, target ua.TypeID) (any, error) {
	if v.Kind() == opc.KindArray {
		return arrayToUAGo(v, target)
	}
	switch target {
	case ua.TypeIDByteString:
		if raw, ok := v.AsBytes(); ok {
			return raw, nil
		}
	case ua.TypeIDString:
		if s, ok := v.AsString(); ok {
			return s, nil
		}
	case ua.TypeIDLocalizedText:
		if s, ok := v.AsString(); ok {
			return ua.NewLocalizedText(s), nil
		}
	case ua.TypeIDXMLElement:
		if s, ok := v.AsString(); ok {
			return ua.XMLElement(s), nil
		}
	case ua.TypeIDQualifiedName:
		if s, ok := v.AsString(); ok {
			return &ua.QualifiedName{Name: s}, nil
		}
	case ua.TypeIDNodeID:
		if s, ok := v.AsString(); ok {
			id, err := ua.ParseNodeID(s)
			if err != nil {
				return nil, uaError(target, err)
			}
			return id, nil
		}
	case ua.TypeIDGUID:
		if s, ok := v.AsString(); ok {
			return ua.NewGUID(s), nil
		}
	case ua.TypeIDDateTime:
		if t, ok := v.AsTime(); ok {
			return t, nil
		}
	case ua.TypeIDBoolean:
		if b, ok := v.AsBool(); ok {
			return b, nil
		}
	case ua.TypeIDStatusCode:
		c, err := Coerce(v, opc.KindUint32)
		if err != nil {
			return nil, err
		}
		u, _ := c.AsUint64()
		return ua.StatusCode(uint32(u)), nil
	default:
		kind, ok := uaKinds[target]
		if _, writable := uaGoTypes[target]; !ok || !writable {
			return nil, uaError(target, nil)
		}
		c, err := Coerce(v, kind)
		if err != nil {
			return nil, err
		}
		return c.Interface(), nil
	}
	return nil, uaError(target, fmt.Errorf("cannot write %s", v.Kind()))
}

func arrayToUAGo(v opc.Value, target ua.TypeID) (any, error) {
	elemType, err := uaGoType(v, target)
	if err != nil {
		return nil, err
	}
	elems, _ := v.Elements()
	out := reflect.MakeSlice(uaSliceType(elemType), len(elems), len(elems))
	for i, e := range elems {
		g, err := toUAGo(e, target)
		if err != nil {
			return nil, err
		}
		rg := reflect.ValueOf(g)
		if rg.Type() != elemType {
			return nil, uaError(target, fmt.Errorf("ragged array: element %d is %s, expected %s", i, rg.Type(), elemType))
		}
		out.Index(i).Set(rg)
	}
	return out.Interface(), nil
}

// uaGoType is the Go element type of the slice an array value is encoded as.
func uaGoType(v opc.Value, target ua.TypeID) (reflect.Type, error) {
	if v.ElemKind() == opc.KindArray {
		elems, _ := v.Elements()
		if len(elems) == 0 {
			return nil, uaError(target, fmt.Errorf("empty nested array has no element type"))
		}
		inner, err := uaGoType(elems[0], target)
		if err != nil {
			return nil, err
		}
		return uaSliceType(inner), nil
	}
	t, ok := uaGoTypes[target]
	if !ok {
		return nil, uaError(target, nil)
	}
	return t, nil
}

var byteType = reflect.TypeOf(uint8(0))

// uaSliceType is the slice type holding elements of elem. A plain []byte is
// encoded as a ByteString scalar, so Byte arrays use ua.ByteArray.
func uaSliceType(elem reflect.Type) reflect.Type {
	if elem == byteType {
		return reflect.TypeOf(ua.ByteArray(nil))
	}
	return reflect.SliceOf(elem)
}

var uaGoTypes = map[ua.TypeID]reflect.Type{
	ua.TypeIDBoolean:       reflect.TypeOf(false),
	ua.TypeIDSByte:         reflect.TypeOf(int8(0)),
	ua.TypeIDByte:          byteType,
	ua.TypeIDInt16:         reflect.TypeOf(int16(0)),
	ua.TypeIDUint16:        reflect.TypeOf(uint16(0)),
	ua.TypeIDInt32:         reflect.TypeOf(int32(0)),
	ua.TypeIDUint32:        reflect.TypeOf(uint32(0)),
	ua.TypeIDInt64:         reflect.TypeOf(int64(0)),
	ua.TypeIDUint64:        reflect.TypeOf(uint64(0)),
	ua.TypeIDFloat:         reflect.TypeOf(float32(0)),
	ua.TypeIDDouble:        reflect.TypeOf(float64(0)),
	ua.TypeIDString:        reflect.TypeOf(""),
	ua.TypeIDDateTime:      reflect.TypeOf(time.Time{}),
	ua.TypeIDByteString:    reflect.TypeOf([]byte(nil)),
	ua.TypeIDStatusCode:    reflect.TypeOf(ua.StatusCode(0)),
	ua.TypeIDXMLElement:    reflect.TypeOf(ua.XMLElement("")),
	ua.TypeIDLocalizedText: reflect.TypeOf((*ua.LocalizedText)(nil)),
	ua.TypeIDQualifiedName: reflect.TypeOf((*ua.QualifiedName)(nil)),
	ua.TypeIDNodeID:        reflect.TypeOf((*ua.NodeID)(nil)),
	ua.TypeIDGUID:          reflect.TypeOf((*ua.GUID)(nil)),
}

func uaError(id ua.TypeID, cause error) error {
	return &opc.ConversionError{Protocol: opc.ProtocolUA, TypeName: UATypeName(id), Err: cause}
}
