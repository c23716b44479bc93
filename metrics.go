// Copyright 2024-2026 Upstream Lab, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package httpgrid

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

//nolint:gochecknoglobals
var (
	// MetricStreamCount counts stream requests issued to the grid.
	MetricStreamCount = []string{"httpgrid", "stream", "count"}
	// MetricAttemptFailureCount counts per-tier connection failures,
	// including ones recovered by failing over to the next tier.
	MetricAttemptFailureCount = []string{"httpgrid", "attempt", "failure", "count"}
	// MetricFailoverCount counts attempts that moved on to a lower-priority
	// tier after a failure.
	MetricFailoverCount = []string{"httpgrid", "failover", "count"}
	// MetricExhaustedCount counts stream requests that failed on every tier.
	MetricExhaustedCount = []string{"httpgrid", "exhausted", "count"}
	// MetricCancelCount counts stream requests cancelled by the caller.
	MetricCancelCount = []string{"httpgrid", "cancel", "count"}
	// MetricDrainedCount counts completed grid-wide drains.
	MetricDrainedCount = []string{"httpgrid", "drained", "count"}
)

// TelemetryLabel names a label attached to metrics and log records emitted
// by the grid.
type TelemetryLabel string

//nolint:gochecknoglobals
var (
	LabelHost   TelemetryLabel = "host"
	LabelTier   TelemetryLabel = "tier"
	LabelReason TelemetryLabel = "reason"
)

// M builds a metrics label.
func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

// L builds a structured log attribute.
func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}
