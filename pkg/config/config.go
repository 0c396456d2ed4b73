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

// Package config loads the cluster topology from the environment. The
// topology is static for a run: every process must be started with the
// same addresses and workers-per-process, differing only in its own
// process id. Changing the worker count invalidates the key partitioning
// and all snapshots with it, so a resized cluster is a new dataflow.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const envPrefix = "WINDMILL"

// Cluster describes one process's view of the worker topology.
type Cluster struct {
	// ProcessID is this process's index into Addresses.
	ProcessID int32
	// WorkersPerProcess is how many workers each process runs.
	WorkersPerProcess int32
	// Addresses lists every process's exchange address, in process id
	// order. Empty means a single-process run.
	Addresses []string
}

// Load reads the cluster topology from WINDMILL_* environment variables:
// WINDMILL_PROCESS_ID, WINDMILL_WORKERS_PER_PROCESS and
// WINDMILL_ADDRESSES (semicolon-separated).
func Load() (*Cluster, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetDefault("process_id", 0)
	v.SetDefault("workers_per_process", 1)
	v.SetDefault("addresses", "")

	c := &Cluster{
		ProcessID:         v.GetInt32("process_id"),
		WorkersPerProcess: v.GetInt32("workers_per_process"),
	}
	if raw := v.GetString("addresses"); raw != "" {
		for _, addr := range strings.Split(raw, ";") {
			addr = strings.TrimSpace(addr)
			if addr == "" {
				return nil, fmt.Errorf("empty address in %s_ADDRESSES", envPrefix)
			}
			c.Addresses = append(c.Addresses, addr)
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the topology for internal consistency.
func (c *Cluster) Validate() error {
	if c.WorkersPerProcess <= 0 {
		return fmt.Errorf("workers per process must be positive, got %d", c.WorkersPerProcess)
	}
	if c.ProcessID < 0 || c.ProcessID >= c.ProcessCount() {
		return fmt.Errorf("process id %d out of range [0, %d)", c.ProcessID, c.ProcessCount())
	}
	return nil
}

// ProcessCount returns the number of processes in the cluster.
func (c *Cluster) ProcessCount() int32 {
	if len(c.Addresses) == 0 {
		return 1
	}
	return int32(len(c.Addresses))
}

// WorkerCount returns the total number of workers across all processes.
func (c *Cluster) WorkerCount() int32 {
	return c.ProcessCount() * c.WorkersPerProcess
}

// LocalWorkerIDs returns the global worker ids this process runs.
func (c *Cluster) LocalWorkerIDs() []int32 {
	ids := make([]int32, 0, c.WorkersPerProcess)
	base := c.ProcessID * c.WorkersPerProcess
	for i := int32(0); i < c.WorkersPerProcess; i++ {
		ids = append(ids, base+i)
	}
	return ids
}

// ProcessFor returns the process id hosting the given global worker id.
func (c *Cluster) ProcessFor(workerID int32) int32 {
	return workerID / c.WorkersPerProcess
}
