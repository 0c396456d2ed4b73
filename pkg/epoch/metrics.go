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

package epoch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/numaproj/windmill/pkg/metrics"
)

// snapshotsWrittenCount is used to indicate the number of snapshots written
var snapshotsWrittenCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Subsystem: "epoch",
	Name:      "snapshots_written_total",
	Help:      "Total number of snapshots written",
}, []string{metrics.LabelWorker})

// snapshotErrorsCount is used to indicate the number of snapshot write errors
var snapshotErrorsCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Subsystem: "epoch",
	Name:      "snapshot_errors_total",
	Help:      "Total number of snapshot write errors",
}, []string{metrics.LabelWorker, metrics.LabelReason})

// barrierWaitTime is used to indicate the time spent waiting on the epoch barrier
var barrierWaitTime = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Subsystem: "epoch",
	Name:      "barrier_wait_seconds",
	Help:      "Time spent blocked on the epoch barrier",
	Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
}, []string{metrics.LabelWorker})
