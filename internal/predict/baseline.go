// SPDX-License-Identifier: MIT

package predict

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
)

// Baseline is the frozen ridge-regression model extracted from
// profiling data. Output is log1p(seconds).
type Baseline struct {
	Intercept    float64            `json:"intercept"`
	Coefficients map[string]float64 `json:"coefficients"`
	Scaler       struct {
		Mean  map[string]float64 `json:"mean"`
		Scale map[string]float64 `json:"scale"`
	} `json:"scaler"`
	Metadata map[string]any `json:"metadata"`
}

//go:embed baseline.json
var embeddedBaseline []byte

// LoadBaseline reads a baseline artifact from path, or falls back to
// the embedded default when path is empty.
func LoadBaseline(path string) (*Baseline, error) {
	data := embeddedBaseline
	if path != "" {
		var err error
		data, err = os.ReadFile(path) // #nosec G304
		if err != nil {
			return nil, fmt.Errorf("read baseline: %w", err)
		}
	}
	var b Baseline
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse baseline: %w", err)
	}
	if b.Coefficients == nil {
		return nil, fmt.Errorf("baseline has no coefficients")
	}
	return &b, nil
}

// Predict evaluates the model for a feature vector and returns
// log-seconds. Features the model carries no coefficient for are
// ignored; numeric features are standardized with the training scaler,
// and features with scale 0 are skipped.
func (b *Baseline) Predict(features map[string]float64) float64 {
	sum := b.Intercept
	for name, coef := range b.Coefficients {
		v := features[name]
		if mean, ok := b.Scaler.Mean[name]; ok {
			scale := b.Scaler.Scale[name]
			if scale == 0 {
				continue
			}
			v = (v - mean) / scale
		}
		sum += coef * v
	}
	return sum
}
