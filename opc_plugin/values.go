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
	"fmt"
	"math"
	"strings"

	"github.com/goccy/go-json"

	"github.com/united-manufacturing-hub/opc-connector/pkg/opc"
)

// kindsByName accepts the value kind names and the UA built-in type names.
var kindsByName = map[string]opc.Kind{
	"bool":    opc.KindBool,
	"boolean": opc.KindBool,
	"int8":    opc.KindInt8,
	"sbyte":   opc.KindInt8,
	"int16":   opc.KindInt16,
	"int32":   opc.KindInt32,
	"int64":   opc.KindInt64,
	"uint8":   opc.KindUint8,
	"byte":    opc.KindUint8,
	"uint16":  opc.KindUint16,
	"uint32":  opc.KindUint32,
	"uint64":  opc.KindUint64,
	"float32": opc.KindFloat32,
	"float":   opc.KindFloat32,
	"float64": opc.KindFloat64,
	"double":  opc.KindFloat64,
	"string":  opc.KindString,
}

func parseKind(name string) (opc.Kind, bool) {
	k, ok := kindsByName[strings.ToLower(strings.TrimSpace(name))]
	return k, ok
}

// integral reports f as an int64 when it has no fractional part and fits.
func integral(f float64) (int64, bool) {
	if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

// toValue converts a field of a structured message. JSON numbers become
// Int64 when integral and Float64 otherwise.
func toValue(raw any) (opc.Value, error) {
	switch v := raw.(type) {
	case nil:
		return opc.Null(), nil
	case bool:
		return opc.Bool(v), nil
	case string:
		return opc.String(v), nil
	case int:
		return opc.Int64(int64(v)), nil
	case int64:
		return opc.Int64(v), nil
	case uint64:
		return opc.Uint64(v), nil
	case float64:
		if i, ok := integral(v); ok {
			return opc.Int64(i), nil
		}
		return opc.Float64(v), nil
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return opc.Int64(i), nil
		}
		f, err := v.Float64()
		if err != nil {
			return opc.Value{}, &opc.ConversionError{TypeName: "json.Number", Err: err}
		}
		return opc.Float64(f), nil
	case []byte:
		return opc.Bytes(v), nil
	case []any:
		return arrayValue(v)
	default:
		return opc.Value{}, &opc.ConversionError{TypeName: fmt.Sprintf("%T", raw)}
	}
}

// arrayValue builds a homogeneous array. Mixed integer and float elements
// are widened to Float64.
func arrayValue(raw []any) (opc.Value, error) {
	elems := make([]opc.Value, len(raw))
	kind := opc.KindNull
	mixedNumbers := false
	for i, r := range raw {
		e, err := toValue(r)
		if err != nil {
			return opc.Value{}, err
		}
		elems[i] = e
		switch {
		case kind == opc.KindNull:
			kind = e.Kind()
		case kind != e.Kind() && isNumber(kind) && isNumber(e.Kind()):
			mixedNumbers = true
		}
	}
	if kind == opc.KindNull {
		// empty JSON arrays carry no type
		return opc.NewArray(opc.KindString, nil)
	}
	if mixedNumbers {
		for i, e := range elems {
			if n, ok := e.AsInt64(); ok {
				elems[i] = opc.Float64(float64(n))
			}
		}
		kind = opc.KindFloat64
	}
	return opc.NewArray(kind, elems)
}

func isNumber(k opc.Kind) bool {
	return k == opc.KindInt64 || k == opc.KindFloat64
}
