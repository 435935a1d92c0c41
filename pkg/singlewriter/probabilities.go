// Copyright 2023 The emqx-go Authors
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

package singlewriter

// MinProbability is the lowest selection probability, in percent, any
// domain gets regardless of its pending task count.
const MinProbability = 5.0

// ComputeProbabilities returns the selection probability in percent for each
// domain given its pending task count. A domain's probability is its share of
// all pending tasks, raised to MinProbability when lower; the domains above the
// floor share what is left so that the result always sums to 100. With nothing
// pending every domain is equally likely.
func ComputeProbabilities(pending []int64) []float64 {
	n := len(pending)
	probs := make([]float64, n)
	if n == 0 {
		return probs
	}

	var total int64
	for _, p := range pending {
		if p > 0 {
			total += p
		}
	}
	if total == 0 || float64(n)*MinProbability >= 100 {
		for i := range probs {
			probs[i] = 100 / float64(n)
		}
		return probs
	}

	floored := make([]bool, n)
	remaining := 100.0
	share := total
	// Flooring one domain shrinks the share left for the others, which may push
	// another one below the floor, so repeat until stable.
	for changed := true; changed; {
		changed = false
		for i, p := range pending {
			if floored[i] {
				continue
			}
			if share <= 0 || float64(max(p, 0))*remaining/float64(share) < MinProbability {
				floored[i] = true
				remaining -= MinProbability
				share -= max(p, 0)
				changed = true
			}
		}
	}

	for i, p := range pending {
		if floored[i] {
			probs[i] = MinProbability
			continue
		}
		probs[i] = float64(p) * remaining / float64(share)
	}
	return probs
}

// pickIndex returns the index whose cumulative probability range contains
// roll, a value in [0, 100).
func pickIndex(probs []float64, roll float64) int {
	var cumulative float64
	for i, p := range probs {
		cumulative += p
		if roll < cumulative {
			return i
		}
	}
	return len(probs) - 1
}
