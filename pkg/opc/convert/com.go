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
	"time"

	"github.com/united-manufacturing-hub/opc-connector/pkg/opc"
	"github.com/united-manufacturing-hub/opc-connector/pkg/opc/com"
)

var comKinds = map[com.VarType]opc.Kind{
	com.VTEmpty: opc.KindNull,
	com.VTNull:  opc.KindNull,
	com.VTBool:  opc.KindBool,
	com.VTI1:    opc.KindInt8,
	com.VTI2:    opc.KindInt16,
	com.VTI4:    opc.KindInt32,
	com.VTInt:   opc.KindInt32,
	com.VTI8:    opc.KindInt64,
	com.VTUI1:   opc.KindUint8,
	com.VTUI2:   opc.KindUint16,
	com.VTUI4:   opc.KindUint32,
	com.VTUInt:  opc.KindUint32,
	com.VTUI8:   opc.KindUint64,
	com.VTR4:    opc.KindFloat32,
	com.VTR8:    opc.KindFloat64,
	com.VTBSTR:  opc.KindString,
	com.VTDate:  opc.KindTime,
}

var comTypes = map[opc.Kind]com.VarType{
	opc.KindNull:    com.VTEmpty,
	opc.KindBool:    com.VTBool,
	opc.KindInt8:    com.VTI1,
	opc.KindInt16:   com.VTI2,
	opc.KindInt32:   com.VTI4,
	opc.KindInt64:   com.VTI8,
	opc.KindUint8:   com.VTUI1,
	opc.KindUint16:  com.VTUI2,
	opc.KindUint32:  com.VTUI4,
	opc.KindUint64:  com.VTUI8,
	opc.KindFloat32: com.VTR4,
	opc.KindFloat64: com.VTR8,
	opc.KindString:  com.VTBSTR,
	opc.KindTime:    com.VTDate,
}

// FromVariant converts a COM VARIANT to a canonical value.
func FromVariant(v com.Variant) (opc.Value, error) {
	if v.Type.IsArray() {
		return fromVariantArray(v)
	}
	kind, ok := comKinds[v.Type]
	if !ok {
		return opc.Value{}, comError(v.Type, nil)
	}
	return scalarFromVariant(v.Type, kind, v.Val)
}

func scalarFromVariant(vt com.VarType, kind opc.Kind, val any) (opc.Value, error) {
	mismatch := func() (opc.Value, error) {
		return opc.Value{}, comError(vt, fmt.Errorf("payload %T does not match", val))
	}
	switch kind {
	case opc.KindNull:
		return opc.Null(), nil
	case opc.KindBool:
		switch b := val.(type) {
		case bool:
			return opc.Bool(b), nil
		case int16:
			// VARIANT_BOOL: -1 is true, 0 is false
			return opc.Bool(b != 0), nil
		}
	case opc.KindInt8:
		if i, ok := val.(int8); ok {
			return opc.Int8(i), nil
		}
	case opc.KindInt16:
		if i, ok := val.(int16); ok {
			return opc.Int16(i), nil
		}
	case opc.KindInt32:
		switch i := val.(type) {
		case int32:
			return opc.Int32(i), nil
		case int:
			if vt == com.VTInt {
				return fromInt64(int64(i), opc.KindInt32)
			}
		}
	case opc.KindInt64:
		if i, ok := val.(int64); ok {
			return opc.Int64(i), nil
		}
	case opc.KindUint8:
		if u, ok := val.(uint8); ok {
			return opc.Uint8(u), nil
		}
	case opc.KindUint16:
		if u, ok := val.(uint16); ok {
			return opc.Uint16(u), nil
		}
	case opc.KindUint32:
		switch u := val.(type) {
		case uint32:
			return opc.Uint32(u), nil
		case uint:
			if vt == com.VTUInt {
				return fromUint64(uint64(u), opc.KindUint32)
			}
		}
	case opc.KindUint64:
		if u, ok := val.(uint64); ok {
			return opc.Uint64(u), nil
		}
	case opc.KindFloat32:
		if f, ok := val.(float32); ok {
			return opc.Float32(f), nil
		}
	case opc.KindFloat64:
		if f, ok := val.(float64); ok {
			return opc.Float64(f), nil
		}
	case opc.KindString:
		if s, ok := val.(string); ok {
			return opc.String(s), nil
		}
	case opc.KindTime:
		switch t := val.(type) {
		case time.Time:
			return opc.Time(t), nil
		case float64:
			return opc.Time(com.FromOADate(t)), nil
		}
	}
	return mismatch()
}

func fromVariantArray(v com.Variant) (opc.Value, error) {
	elemVT := v.Type.Elem()
	if elemVT == com.VTUI1 {
		if raw, ok := v.Val.([]byte); ok {
			return opc.Bytes(raw), nil
		}
	}
	elems, ok := v.Val.([]com.Variant)
	if !ok {
		return opc.Value{}, comError(v.Type, fmt.Errorf("payload %T is not an element list", v.Val))
	}
	out := make([]opc.Value, len(elems))
	for i, e := range elems {
		if elemVT != com.VTVariant && e.Type == com.VTEmpty {
			e.Type = elemVT
		}
		if elemVT != com.VTVariant && e.Type != elemVT {
			return opc.Value{}, comError(v.Type, fmt.Errorf("element %d is %s", i, e.Type))
		}
		c, err := FromVariant(e)
		if err != nil {
			return opc.Value{}, err
		}
		out[i] = c
	}

	var elemKind opc.Kind
	switch {
	case elemVT != com.VTVariant:
		k, ok := comKinds[elemVT]
		if !ok {
			return opc.Value{}, comError(v.Type, nil)
		}
		elemKind = k
	case len(out) > 0:
		elemKind = out[0].Kind()
	default:
		elemKind = opc.KindNull
	}
	arr, err := opc.NewArray(elemKind, out)
	if err != nil {
		return opc.Value{}, comError(v.Type, err)
	}
	return arr, nil
}

// ToVariant converts a canonical value to a COM VARIANT. Times are sent as
// time.Time under VT_DATE; arrays of arrays, byte strings and empty untyped
// arrays travel as VT_ARRAY|VT_VARIANT. A VARIANT array takes its element kind
// from its first element, so empty arrays of arrays or byte strings are
// rejected.
func ToVariant(v opc.Value) (com.Variant, error) {
	switch v.Kind() {
	case opc.KindBytes:
		raw, _ := v.AsBytes()
		return com.Variant{Type: com.VTArray | com.VTUI1, Val: raw}, nil
	case opc.KindArray:
		return arrayToVariant(v)
	}
	vt, ok := comTypes[v.Kind()]
	if !ok {
		return com.Variant{}, &opc.ConversionError{Protocol: opc.ProtocolDA, TypeName: v.Kind().String()}
	}
	return com.Variant{Type: vt, Val: v.Interface()}, nil
}

func arrayToVariant(v opc.Value) (com.Variant, error) {
	elems, _ := v.Elements()
	elemVT, typed := comTypes[v.ElemKind()]
	if !typed || v.ElemKind() == opc.KindNull {
		elemVT = com.VTVariant
		if len(elems) == 0 && v.ElemKind() != opc.KindNull {
			return com.Variant{}, &opc.ConversionError{
				Protocol: opc.ProtocolDA,
				TypeName: "VT_ARRAY|VT_VARIANT",
				Err:      fmt.Errorf("empty %s array has no element type", v.ElemKind()),
			}
		}
	}
	out := make([]com.Variant, len(elems))
	for i, e := range elems {
		c, err := ToVariant(e)
		if err != nil {
			return com.Variant{}, err
		}
		out[i] = c
	}
	return com.Variant{Type: com.VTArray | elemVT, Val: out}, nil
}

// ToVariantType converts v and then retypes it to vt, used when the server
// declares a canonical type for the item that differs from the written value.
func ToVariantType(v opc.Value, vt com.VarType) (com.Variant, error) {
	if vt.IsArray() {
		if vt.Elem() == com.VTVariant {
			return ToVariant(v)
		}
		kind, ok := comKinds[vt.Elem()]
		if !ok {
			return com.Variant{}, comError(vt, nil)
		}
		if vt.Elem() == com.VTUI1 && v.Kind() == opc.KindBytes {
			return ToVariant(v)
		}
		coerced, err := CoerceArray(v, kind)
		if err != nil {
			return com.Variant{}, err
		}
		return ToVariant(coerced)
	}
	kind, ok := comKinds[vt]
	if !ok {
		return com.Variant{}, comError(vt, nil)
	}
	coerced, err := Coerce(v, kind)
	if err != nil {
		return com.Variant{}, err
	}
	out, err := ToVariant(coerced)
	if err != nil {
		return com.Variant{}, err
	}
	if vt == com.VTInt || vt == com.VTUInt {
		out.Type = vt
	}
	return out, nil
}

func comError(vt com.VarType, cause error) error {
	return &opc.ConversionError{Protocol: opc.ProtocolDA, TypeName: vt.String(), Err: cause}
}
