package risk

import "math"

// Anomaly flags one metric whose current value exceeds the historical
// mean + sigma·stddev. All monitored metrics are higher-is-worse, so a
// one-sided upper test suffices.
type Anomaly struct {
	Metric    string  `json:"metric"`
	Value     float64 `json:"value"`
	Mean      float64 `json:"mean"`
	StdDev    float64 `json:"std_dev"`
	Threshold float64 `json:"threshold"`
}

// DetectAnomalies compares current per-metric samples against a trailing
// window of daily history. With fewer than 2 historical points no anomaly can
// be computed: the detector degrades to no alerts rather than failing.
func DetectAnomalies(current map[string]float64, history []map[string]float64, sigma float64) []Anomaly {
	if len(history) < 2 {
		return nil
	}
	if sigma <= 0 {
		sigma = 3
	}

	var out []Anomaly
	for metric, value := range current {
		samples := make([]float64, 0, len(history))
		for _, day := range history {
			if v, ok := day[metric]; ok {
				samples = append(samples, v)
			}
		}
		if len(samples) < 2 {
			continue
		}
		mean, stddev := meanStdDev(samples)
		threshold := mean + sigma*stddev
		if value > threshold {
			out = append(out, Anomaly{
				Metric:    metric,
				Value:     value,
				Mean:      mean,
				StdDev:    stddev,
				Threshold: threshold,
			})
		}
	}
	return out
}

func meanStdDev(samples []float64) (mean, stddev float64) {
	for _, v := range samples {
		mean += v
	}
	mean /= float64(len(samples))

	var sumSq float64
	for _, v := range samples {
		d := v - mean
		sumSq += d * d
	}
	return mean, math.Sqrt(sumSq / float64(len(samples)))
}
