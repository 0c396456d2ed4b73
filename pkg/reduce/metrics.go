/*
Copyright 2022 The Numaproj Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package reduce

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/numaproj/windmill/pkg/metrics"
)

// lateDroppedCount is used to indicate the number of late items dropped
var lateDroppedCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Subsystem: "reduce",
	Name:      "late_dropped_total",
	Help:      "Total number of late items dropped because their window already closed",
}, []string{metrics.LabelOperator})

// windowsClosedCount is used to indicate the number of windows closed and emitted
var windowsClosedCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Subsystem: "reduce",
	Name:      "windows_closed_total",
	Help:      "Total number of windows closed and emitted",
}, []string{metrics.LabelOperator})

// openWindowsGauge is used to indicate the number of currently open windows
var openWindowsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Subsystem: "reduce",
	Name:      "open_windows",
	Help:      "Number of currently open windows across all keys",
}, []string{metrics.LabelOperator})
