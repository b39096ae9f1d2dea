// Copyright 2025 Tom Barlow
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

package activity

import (
	"math"
	"math/rand"
	"time"

	"github.com/doomervibe/fleuve/internal/config"
)

// Backoff computes the delay before retry number attempt (1-based: attempt
// 1 is the delay before the first retry, following the attempt that just
// failed). Exponential: clamp(min*factor^(attempt-1), min, max), scaled by
// uniform(1-jitter, 1+jitter). Linear: clamp(min*(1+factor*(attempt-1)),
// min, max), scaled the same way.
func Backoff(policy config.RetryPolicy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	k := float64(attempt - 1)

	var base float64
	switch policy.Strategy {
	case config.RetryLinear:
		base = float64(policy.Min) * (1 + policy.Factor*k)
	default:
		base = float64(policy.Min) * math.Pow(policy.Factor, k)
	}

	min := float64(policy.Min)
	max := float64(policy.Max)
	if base < min {
		base = min
	}
	if max > 0 && base > max {
		base = max
	}

	if policy.Jitter > 0 {
		spread := base * policy.Jitter
		base += (rand.Float64()*2 - 1) * spread
		if base < 0 {
			base = 0
		}
	}

	return time.Duration(base)
}
