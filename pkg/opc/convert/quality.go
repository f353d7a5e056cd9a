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
	"github.com/gopcua/opcua/ua"

	"github.com/united-manufacturing-hub/opc-connector/pkg/opc"
	"github.com/united-manufacturing-hub/opc-connector/pkg/opc/com"
)

// DAQuality translates a DA quality word. The raw word is kept as SubCode.
func DAQuality(word uint16) opc.Quality {
	q := opc.Quality{SubCode: uint32(word)}
	switch word & com.QualityMask {
	case com.QualityGood:
		q.Status = opc.QualityGood
	case com.QualityUncertain:
		q.Status = opc.QualityUncertain
	default:
		q.Status = opc.QualityBad
	}
	return q
}

// DAQualityWord is the inverse of DAQuality. A SubCode that does not belong to
// the quality class is replaced by the plain class value.
func DAQualityWord(q opc.Quality) uint16 {
	var class uint16
	switch q.Status {
	case opc.QualityGood:
		class = com.QualityGood
	case opc.QualityUncertain:
		class = com.QualityUncertain
	default:
		class = com.QualityBad
	}
	if q.SubCode <= 0xFFFF && uint16(q.SubCode)&com.QualityMask == class {
		return uint16(q.SubCode)
	}
	return class
}

const (
	uaSeverityMask      = 0xC0000000
	uaSeverityUncertain = 0x40000000
)

// UAQuality translates a UA StatusCode using its severity bits. The full code
// is kept as SubCode.
func UAQuality(code ua.StatusCode) opc.Quality {
	q := opc.Quality{SubCode: uint32(code)}
	switch uint32(code) & uaSeverityMask {
	case 0:
		q.Status = opc.QualityGood
	case uaSeverityUncertain:
		q.Status = opc.QualityUncertain
	default:
		q.Status = opc.QualityBad
	}
	return q
}
