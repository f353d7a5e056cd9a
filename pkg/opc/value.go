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

package opc

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind is the tag of a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt8
	KindInt16
	KindInt32
	KindInt64
	KindUint8
	KindUint16
	KindUint32
	KindUint64
	KindFloat32
	KindFloat64
	KindString
	KindBytes
	KindTime
	KindArray
)

var kindNames = map[Kind]string{
	KindNull:    "null",
	KindBool:    "bool",
	KindInt8:    "int8",
	KindInt16:   "int16",
	KindInt32:   "int32",
	KindInt64:   "int64",
	KindUint8:   "uint8",
	KindUint16:  "uint16",
	KindUint32:  "uint32",
	KindUint64:  "uint64",
	KindFloat32: "float32",
	KindFloat64: "float64",
	KindString:  "string",
	KindBytes:   "bytes",
	KindTime:    "time",
	KindArray:   "array",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// IsSigned reports whether k is a signed integer kind.
func (k Kind) IsSigned() bool {
	return k >= KindInt8 && k <= KindInt64
}

// IsUnsigned reports whether k is an unsigned integer kind.
func (k Kind) IsUnsigned() bool {
	return k >= KindUint8 && k <= KindUint64
}

// IsFloat reports whether k is a floating point kind.
func (k Kind) IsFloat() bool {
	return k == KindFloat32 || k == KindFloat64
}

// Value is the protocol-neutral typed value carried by a DataValue.
//
// Only one payload field is meaningful for a given kind. Values are built
// through the constructors below and never change afterwards: byte slices and
// array elements are copied on the way in and on the way out.
type Value struct {
	kind     Kind
	elemKind Kind
	i        int64
	u        uint64
	f        float64
	b        bool
	s        string
	raw      []byte
	t        time.Time
	elems    []Value
}

func Null() Value { return Value{} }
func Bool(v bool) Value { return Value{kind: KindBool, b: v} }
func Int8(v int8) Value { return Value{kind: KindInt8, i: int64(v)} }
func Int16(v int16) Value { return Value{kind: KindInt16, i: int64(v)} }
func Int32(v int32) Value { return Value{kind: KindInt32, i: int64(v)} }
func Int64(v int64) Value { return Value{kind: KindInt64, i: v} }
func Uint8(v uint8) Value { return Value{kind: KindUint8, u: uint64(v)} }
func Uint16(v uint16) Value { return Value{kind: KindUint16, u: uint64(v)} }
func Uint32(v uint32) Value { return Value{kind: KindUint32, u: uint64(v)} }
func Uint64(v uint64) Value { return Value{kind: KindUint64, u: v} }
func Float32(v float32) Value { return Value{kind: KindFloat32, f: float64(v)} }
func Float64(v float64) Value { return Value{kind: KindFloat64, f: v} }
func String(v string) Value { return Value{kind: KindString, s: v} }
func Time(v time.Time) Value { return Value{kind: KindTime, t: v.UTC()} }
func Bytes(v []byte) Value { return Value{kind: KindBytes, raw: bytes.Clone(nonNilBytes(v))} }

func nonNilBytes(v []byte) []byte {
	if v == nil {
		return []byte{}
	}
	return v
}

// NewArray builds an array of elemKind. Every element must be of elemKind, which
// may itself be KindArray for nested arrays.
func NewArray(elemKind Kind, elems []Value) (Value, error) {
	for i, e := range elems {
		if e.kind != elemKind {
			return Value{}, fmt.Errorf("array element %d is %s, expected %s", i, e.kind, elemKind)
		}
	}
	cp := make([]Value, len(elems))
	copy(cp, elems)
	return Value{kind: KindArray, elemKind: elemKind, elems: cp}, nil
}

// MustArray is NewArray for callers that already know the elements are homogeneous.
func MustArray(elemKind Kind, elems ...Value) Value {
	v, err := NewArray(elemKind, elems)
	if err != nil {
		panic(err)
	}
	return v
}

func (v Value) Kind() Kind { return v.kind }

// ElemKind returns the element kind of an array, KindNull for anything else.
func (v Value) ElemKind() Kind {
	if v.kind != KindArray {
		return KindNull
	}
	return v.elemKind
}

func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsInt64 returns the value of any signed integer kind.
func (v Value) AsInt64() (int64, bool) { return v.i, v.kind.IsSigned() }

// AsUint64 returns the value of any unsigned integer kind.
func (v Value) AsUint64() (uint64, bool) { return v.u, v.kind.IsUnsigned() }

// AsFloat64 returns the value of any floating point kind.
func (v Value) AsFloat64() (float64, bool) { return v.f, v.kind.IsFloat() }

func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

func (v Value) AsBytes() ([]byte, bool) {
	if v.kind != KindBytes {
		return nil, false
	}
	return bytes.Clone(v.raw), true
}

func (v Value) AsTime() (time.Time, bool) { return v.t, v.kind == KindTime }

// Elements returns a copy of the array elements.
func (v Value) Elements() ([]Value, bool) {
	if v.kind != KindArray {
		return nil, false
	}
	cp := make([]Value, len(v.elems))
	copy(cp, v.elems)
	return cp, true
}

// Len returns the number of array elements, 0 for scalars.
func (v Value) Len() int {
	return len(v.elems)
}

// Equal compares kind and payload. Times are compared with time.Time.Equal.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindInt8, KindInt16, KindInt32, KindInt64:
		return v.i == o.i
	case KindUint8, KindUint16, KindUint32, KindUint64:
		return v.u == o.u
	case KindFloat32, KindFloat64:
		return v.f == o.f
	case KindString:
		return v.s == o.s
	case KindBytes:
		return bytes.Equal(v.raw, o.raw)
	case KindTime:
		return v.t.Equal(o.t)
	case KindArray:
		if v.elemKind != o.elemKind || len(v.elems) != len(o.elems) {
			return false
		}
		for i := range v.elems {
			if !v.elems[i].Equal(o.elems[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Interface returns the value as a plain Go value, used for payload encoding.
// Arrays become []any, bytes are returned as a copy.
func (v Value) Interface() any {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindInt8:
		return int8(v.i)
	case KindInt16:
		return int16(v.i)
	case KindInt32:
		return int32(v.i)
	case KindInt64:
		return v.i
	case KindUint8:
		return uint8(v.u)
	case KindUint16:
		return uint16(v.u)
	case KindUint32:
		return uint32(v.u)
	case KindUint64:
		return v.u
	case KindFloat32:
		return float32(v.f)
	case KindFloat64:
		return v.f
	case KindString:
		return v.s
	case KindBytes:
		return bytes.Clone(v.raw)
	case KindTime:
		return v.t
	case KindArray:
		out := make([]any, len(v.elems))
		for i, e := range v.elems {
			out[i] = e.Interface()
		}
		return out
	default:
		return nil
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindInt8, KindInt16, KindInt32, KindInt64:
		return strconv.FormatInt(v.i, 10)
	case KindUint8, KindUint16, KindUint32, KindUint64:
		return strconv.FormatUint(v.u, 10)
	case KindFloat32:
		return strconv.FormatFloat(v.f, 'f', -1, 32)
	case KindFloat64:
		return strconv.FormatFloat(v.f, 'f', -1, 64)
	case KindString:
		return v.s
	case KindBytes:
		return base64.StdEncoding.EncodeToString(v.raw)
	case KindTime:
		return v.t.Format(time.RFC3339Nano)
	case KindArray:
		parts := make([]string, len(v.elems))
		for i, e := range v.elems {
			parts[i] = e.String()
		}
		return "[" + strings.Join(parts, ",") + "]"
	default:
		return ""
	}
}
