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

// Package com models the native object model of COM based OPC servers (DA, HDA,
// A&C): VARIANT values, the DA quality word, and the session interfaces a
// platform bridge implements. No COM marshaling happens in this package.
package com

import (
	"fmt"
	"math"
	"time"
)

// VarType is the VARTYPE tag of a VARIANT.
type VarType uint16

const (
	VTEmpty    VarType = 0
	VTNull     VarType = 1
	VTI2       VarType = 2
	VTI4       VarType = 3
	VTR4       VarType = 4
	VTR8       VarType = 5
	VTCY       VarType = 6
	VTDate     VarType = 7
	VTBSTR     VarType = 8
	VTDispatch VarType = 9
	VTError    VarType = 10
	VTBool     VarType = 11
	VTVariant  VarType = 12
	VTUnknown  VarType = 13
	VTDecimal  VarType = 14
	VTI1       VarType = 16
	VTUI1      VarType = 17
	VTUI2      VarType = 18
	VTUI4      VarType = 19
	VTI8       VarType = 20
	VTUI8      VarType = 21
	VTInt      VarType = 22
	VTUInt     VarType = 23

	VTArray VarType = 0x2000
)

var varTypeNames = map[VarType]string{
	VTEmpty:    "VT_EMPTY",
	VTNull:     "VT_NULL",
	VTI2:       "VT_I2",
	VTI4:       "VT_I4",
	VTR4:       "VT_R4",
	VTR8:       "VT_R8",
	VTCY:       "VT_CY",
	VTDate:     "VT_DATE",
	VTBSTR:     "VT_BSTR",
	VTDispatch: "VT_DISPATCH",
	VTError:    "VT_ERROR",
	VTBool:     "VT_BOOL",
	VTVariant:  "VT_VARIANT",
	VTUnknown:  "VT_UNKNOWN",
	VTDecimal:  "VT_DECIMAL",
	VTI1:       "VT_I1",
	VTUI1:      "VT_UI1",
	VTUI2:      "VT_UI2",
	VTUI4:      "VT_UI4",
	VTI8:       "VT_I8",
	VTUI8:      "VT_UI8",
	VTInt:      "VT_INT",
	VTUInt:     "VT_UINT",
}

// IsArray reports whether the VT_ARRAY flag is set.
func (t VarType) IsArray() bool { return t&VTArray != 0 }

// Elem strips the VT_ARRAY flag.
func (t VarType) Elem() VarType { return t &^ VTArray }

func (t VarType) String() string {
	if t.IsArray() {
		return "VT_ARRAY|" + t.Elem().String()
	}
	if name, ok := varTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("VT_0x%04X", uint16(t))
}

// Variant is a VARIANT as handed over by a session. Val holds the Go
// representation of the payload:
//
//	VT_I1..VT_I8, VT_INT    int8, int16, int32, int64, int32
//	VT_UI1..VT_UI8, VT_UINT uint8, uint16, uint32, uint64, uint32
//	VT_R4, VT_R8            float32, float64
//	VT_BSTR                 string
//	VT_BOOL                 bool
//	VT_DATE                 time.Time, or float64 as an OLE automation date
//	VT_ARRAY|VT_UI1         []byte or []Variant
//	VT_ARRAY|other          []Variant
type Variant struct {
	Type VarType
	Val  any
}

// oleEpoch is day zero of OLE automation dates.
var oleEpoch = time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC)

const msPerDay = 24 * 60 * 60 * 1000

// FromOADate converts an OLE automation date to UTC. The fractional part of a
// negative date counts forward from midnight, as in the OLE definition.
func FromOADate(d float64) time.Time {
	days := math.Trunc(d)
	frac := math.Abs(d - days)
	ms := int64(days)*msPerDay + int64(math.Round(frac*msPerDay))
	return oleEpoch.Add(time.Duration(ms) * time.Millisecond)
}

// ToOADate converts t to an OLE automation date with millisecond resolution.
func ToOADate(t time.Time) float64 {
	ms := t.UTC().Sub(oleEpoch).Milliseconds()
	days := ms / msPerDay
	rem := ms % msPerDay
	if rem < 0 {
		// before 1899-12-30 the time of day still counts forward
		days--
		rem += msPerDay
		return float64(days) - float64(rem)/msPerDay
	}
	return float64(days) + float64(rem)/msPerDay
}
