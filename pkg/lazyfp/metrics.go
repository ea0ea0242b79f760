// Copyright 2026 The gVisor Authors.
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

package lazyfp

import (
	"gvisor.dev/lazyfp/pkg/metric"
)

var (
	fpTraps = metric.MustCreateNewUint64Metric("/lazyfp/traps",
		"Number of FP/SIMD access traps handled, by outcome.",
		metric.NewField("kind", "first_use", "restore"))

	fpSnapshots = metric.MustCreateNewUint64Metric("/lazyfp/snapshots",
		"Number of live FP/SIMD register files saved at switch-out.")

	fpDestroyed = metric.MustCreateNewUint64Metric("/lazyfp/destroyed",
		"Number of FP entries released at thread exit.")

	fatalErrors = metric.MustCreateNewUint64Metric("/lazyfp/fatal",
		"Number of FP state consistency violations detected.")
)
