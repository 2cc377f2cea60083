// Copyright 2020 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package util

import (
	"runtime"

	"github.com/grailbio/base/traverse"
)

// ForEachShard splits [0, n) into at most parallelism contiguous shards and
// calls fn(start, end) on each shard concurrently.  parallelism <= 0 means
// runtime.NumCPU().  Callers that write only to indices inside their shard
// get results that do not depend on parallelism.
func ForEachShard(n, parallelism int, fn func(start, end int) error) error {
	if n <= 0 {
		return nil
	}
	if parallelism <= 0 {
		parallelism = runtime.NumCPU()
	}
	if parallelism > n {
		parallelism = n
	}
	return traverse.Each(parallelism, func(jobIdx int) error {
		startIdx := (jobIdx * n) / parallelism
		endIdx := ((jobIdx + 1) * n) / parallelism
		return fn(startIdx, endIdx)
	})
}
