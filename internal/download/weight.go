// Copyright 2025 CacheFS Authors
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

package download

import "strings"

// Transfer weights. Higher weight is served first; ties are FIFO.
const (
	// WeightWorld covers collision, map placement and archetype data
	// that the consumer cannot proceed without.
	WeightWorld = 255
	// WeightModel covers drawable and drawable-dictionary data.
	WeightModel = 128
	// WeightTexture covers texture dictionaries, nested archives and
	// UI movie data.
	WeightTexture = 64
	// WeightHighDetail covers high-detail variants, wanted late.
	WeightHighDetail = 16
	// WeightDefault applies to anything not otherwise classified.
	WeightDefault = 32

	// WeightActive is assigned when a consumer marks a transfer as
	// actively awaited. Above every class-based weight.
	WeightActive = 512
	// WeightIdle is assigned when a consumer marks a transfer as not
	// currently needed. Below every class-based weight.
	WeightIdle = -1
)

var weightByExt = map[string]int{
	".ybn":  WeightWorld,
	".ymap": WeightWorld,
	".ytyp": WeightWorld,
	".ydd":  WeightModel,
	".ydr":  WeightModel,
	".ytd":  WeightTexture,
	".rpf":  WeightTexture,
	".gfx":  WeightTexture,
}

// WeightFor classifies a file name into its initial transfer weight.
// Extension classes take precedence over the high-detail name check.
func WeightFor(name string) int {
	lower := strings.ToLower(name)
	if idx := strings.LastIndex(lower, "."); idx >= 0 {
		if w, ok := weightByExt[lower[idx:]]; ok {
			return w
		}
	}
	if strings.Contains(lower, "+hi") || strings.Contains(lower, "_hi") {
		return WeightHighDetail
	}
	return WeightDefault
}
