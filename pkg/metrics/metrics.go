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

// Package metrics holds the label names shared by the per-package metric
// definitions.
package metrics

const (
	// LabelOperator is the name of the stateful operator an engine serves.
	LabelOperator = "operator"
	// LabelWorker is the worker index within the cluster.
	LabelWorker = "worker"
	// LabelReason qualifies error counters.
	LabelReason = "reason"
)
