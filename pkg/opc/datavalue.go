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
	"fmt"
	"time"
)

// QualityStatus is the canonical quality class shared by all protocols.
type QualityStatus uint8

const (
	QualityBad QualityStatus = iota
	QualityUncertain
	QualityGood
)

func (q QualityStatus) String() string {
	switch q {
	case QualityGood:
		return "Good"
	case QualityUncertain:
		return "Uncertain"
	default:
		return "Bad"
	}
}

// Quality is the canonical quality plus the raw protocol code it was derived from
// (the DA quality word or the UA StatusCode).
type Quality struct {
	Status  QualityStatus
	SubCode uint32
}

// Good is the quality used when a protocol reports plain success.
var Good = Quality{Status: QualityGood}

func (q Quality) IsGood() bool { return q.Status == QualityGood }

func (q Quality) String() string {
	return fmt.Sprintf("%s(0x%08X)", q.Status, q.SubCode)
}

// DataValue is a single observation of a node. It is produced by Read and by
// subscription notifications and is not modified after construction.
type DataValue struct {
	node      NodeAddress
	value     Value
	quality   Quality
	timestamp time.Time
}

// NewDataValue builds a DataValue. The timestamp is stored in UTC; a zero
// timestamp stays zero.
func NewDataValue(node NodeAddress, value Value, quality Quality, timestamp time.Time) DataValue {
	if !timestamp.IsZero() {
		timestamp = timestamp.UTC()
	}
	return DataValue{node: node, value: value, quality: quality, timestamp: timestamp}
}

func (d DataValue) Node() NodeAddress { return d.node }
func (d DataValue) Value() Value { return d.value }
func (d DataValue) Quality() Quality { return d.quality }
func (d DataValue) Timestamp() time.Time { return d.timestamp }

func (d DataValue) String() string {
	return fmt.Sprintf("%s=%s [%s] @%s", d.node, d.value, d.quality, d.timestamp.Format(time.RFC3339Nano))
}
