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

package com

// DA quality word. The top two bits of the low byte carry the quality class,
// the remaining bits the substatus and limit flags.
const (
	QualityMask      uint16 = 0xC0
	QualityGood      uint16 = 0xC0
	QualityUncertain uint16 = 0x40
	QualityBad       uint16 = 0x00

	// Substatus values that sessions report often enough to name.
	QualityBadConfigError      uint16 = 0x04
	QualityBadNotConnected     uint16 = 0x08
	QualityBadDeviceFailure    uint16 = 0x0C
	QualityBadCommFailure      uint16 = 0x18
	QualityBadOutOfService     uint16 = 0x1C
	QualityUncertainLastUsable uint16 = 0x44
	QualityGoodLocalOverride   uint16 = 0xD8
)
