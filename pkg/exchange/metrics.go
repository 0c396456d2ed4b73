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

package exchange

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/numaproj/windmill/pkg/metrics"
)

// itemsSentCount is used to indicate the number of items handed to the exchange
var itemsSentCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Subsystem: "exchange",
	Name:      "items_sent_total",
	Help:      "Total number of items sent to peer workers",
}, []string{metrics.LabelWorker})

// decodeErrorsCount is used to indicate the number of inbound messages dropped as undecodable
var decodeErrorsCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Subsystem: "exchange",
	Name:      "decode_errors_total",
	Help:      "Total number of inbound exchange messages dropped as undecodable",
}, []string{metrics.LabelWorker})
