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

// Package convert maps values between the canonical opc.Value and the native
// encodings of the COM based protocols and of OPC UA.
//
// Every function is stateless. A value that cannot be represented fails with
// an *opc.ConversionError naming the offending type; nothing is coerced to a
// default.
package convert

import (
	"fmt"
	"math"

	"github.com/united-manufacturing-hub/opc-connector/pkg/opc"
)

// Coerce converts a numeric value to kind when that can be done without loss.
// Integers are range checked, integers convert to floats only while they stay
// exact, floats never convert to integers. Non-numeric values must already be
// of kind.
func Coerce(v opc.Value, kind opc.Kind) (opc.Value, error) {
	if v.Kind() == kind {
		return v, nil
	}
	switch {
	case v.Kind().IsSigned():
		i, _ := v.AsInt64()
		return fromInt64(i, kind)
	case v.Kind().IsUnsigned():
		u, _ := v.AsUint64()
		return fromUint64(u, kind)
	case v.Kind() == opc.KindFloat32 && kind == opc.KindFloat64:
		f, _ := v.AsFloat64()
		return opc.Float64(f), nil
	case v.Kind() == opc.KindFloat64 && kind == opc.KindFloat32:
		f, _ := v.AsFloat64()
		if !math.IsInf(f, 0) && !math.IsNaN(f) && float64(float32(f)) != f {
			return opc.Value{}, coerceError(v, kind, fmt.Errorf("%v is not representable as float32", f))
		}
		return opc.Float32(float32(f)), nil
	}
	return opc.Value{}, coerceError(v, kind, nil)
}

func coerceError(v opc.Value, kind opc.Kind, cause error) error {
	if cause == nil {
		cause = fmt.Errorf("cannot convert %s to %s", v.Kind(), kind)
	}
	return &opc.ConversionError{TypeName: v.Kind().String(), Err: cause}
}

func fromInt64(i int64, kind opc.Kind) (opc.Value, error) {
	outOfRange := func() (opc.Value, error) {
		return opc.Value{}, &opc.ConversionError{TypeName: kind.String(), Err: fmt.Errorf("%d out of range", i)}
	}
	switch kind {
	case opc.KindInt8:
		if i < math.MinInt8 || i > math.MaxInt8 {
			return outOfRange()
		}
		return opc.Int8(int8(i)), nil
	case opc.KindInt16:
		if i < math.MinInt16 || i > math.MaxInt16 {
			return outOfRange()
		}
		return opc.Int16(int16(i)), nil
	case opc.KindInt32:
		if i < math.MinInt32 || i > math.MaxInt32 {
			return outOfRange()
		}
		return opc.Int32(int32(i)), nil
	case opc.KindInt64:
		return opc.Int64(i), nil
	case opc.KindUint8, opc.KindUint16, opc.KindUint32, opc.KindUint64:
		if i < 0 {
			return outOfRange()
		}
		return fromUint64(uint64(i), kind)
	case opc.KindFloat32:
		if i < -(1<<24) || i > 1<<24 {
			return outOfRange()
		}
		return opc.Float32(float32(i)), nil
	case opc.KindFloat64:
		if i < -(1<<53) || i > 1<<53 {
			return outOfRange()
		}
		return opc.Float64(float64(i)), nil
	}
	return opc.Value{}, &opc.ConversionError{TypeName: kind.String(), Err: fmt.Errorf("cannot convert integer to %s", kind)}
}

func fromUint64(u uint64, kind opc.Kind) (opc.Value, error) {
	outOfRange := func() (opc.Value, error) {
		return opc.Value{}, &opc.ConversionError{TypeName: kind.String(), Err: fmt.Errorf("%d out of range", u)}
	}
	switch kind {
	case opc.KindUint8:
		if u > math.MaxUint8 {
			return outOfRange()
		}
		return opc.Uint8(uint8(u)), nil
	case opc.KindUint16:
		if u > math.MaxUint16 {
			return outOfRange()
		}
		return opc.Uint16(uint16(u)), nil
	case opc.KindUint32:
		if u > math.MaxUint32 {
			return outOfRange()
		}
		return opc.Uint32(uint32(u)), nil
	case opc.KindUint64:
		return opc.Uint64(u), nil
	case opc.KindInt8, opc.KindInt16, opc.KindInt32, opc.KindInt64:
		if u > math.MaxInt64 {
			return outOfRange()
		}
		return fromInt64(int64(u), kind)
	case opc.KindFloat32:
		if u > 1<<24 {
			return outOfRange()
		}
		return opc.Float32(float32(u)), nil
	case opc.KindFloat64:
		if u > 1<<53 {
			return outOfRange()
		}
		return opc.Float64(float64(u)), nil
	}
	return opc.Value{}, &opc.ConversionError{TypeName: kind.String(), Err: fmt.Errorf("cannot convert integer to %s", kind)}
}

// CoerceArray applies Coerce to every leaf of an array so that its innermost
// element kind becomes kind.
func CoerceArray(v opc.Value, kind opc.Kind) (opc.Value, error) {
	elems, ok := v.Elements()
	if !ok {
		return Coerce(v, kind)
	}
	out := make([]opc.Value, len(elems))
	elemKind := kind
	for i, e := range elems {
		c, err := CoerceArray(e, kind)
		if err != nil {
			return opc.Value{}, err
		}
		out[i] = c
	}
	if v.ElemKind() == opc.KindArray {
		elemKind = opc.KindArray
	}
	return opc.NewArray(elemKind, out)
}
