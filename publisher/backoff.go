/*
Copyright 2017 The Kubernetes Authors.

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

package publisher

import (
	"time"
)

// CalculateNextTryTime returns the earliest instant a run may be offered
// for publishing again: finish + base * 2^min(attempts, cap). Attempts
// counts prior non-transient publish rows, so a differ-unreachable blip
// never pushes the schedule out.
func CalculateNextTryTime(finish time.Time, attempts, cap int, base time.Duration) time.Time {
	if attempts > cap {
		attempts = cap
	}
	return finish.Add(base << uint(attempts))
}
