package batch

import (
	"github.com/r3e-audit/forensic-engine/internal/models"
)

// Base batch sizes per data type.
var baseBatchSizes = map[string]int{
	"transaction":    500,
	"entity":         200,
	"embedding":      100,
	"reconciliation": 300,
	"document":       150,
}

const defaultBatchSize = 250

// computeBatchConfig derives the per-job batch size, worker concurrency
// and inter-batch pacing delay from the data type and the current system
// snapshot. Concurrency is capped so no worker is ever idle from the
// start (ceil(total/batch)).
func computeBatchConfig(dataType string, totalItems int, hs models.HealthStatus) models.BatchConfig {
	base, ok := baseBatchSizes[dataType]
	if !ok {
		base = defaultBatchSize
	}

	var (
		factor      float64
		concurrency int
		delayMs     int
	)
	switch {
	case hs.CPUPercent < 50:
		factor, concurrency, delayMs = 1.5, 4, 100
	case hs.CPUPercent > 80:
		factor, concurrency, delayMs = 0.5, 2, 500
	default:
		factor, concurrency, delayMs = 1.0, 3, 200
	}

	size := int(float64(base) * factor)
	if hs.MemAvailableGB > 0 && hs.MemAvailableGB < 2 {
		size /= 2
		concurrency--
	}
	if size < 1 {
		size = 1
	}
	if concurrency < 1 {
		concurrency = 1
	}

	batches := (totalItems + size - 1) / size
	if batches > 0 && concurrency > batches {
		concurrency = batches
	}

	return models.BatchConfig{Size: size, Concurrency: concurrency, InterBatchDelayMs: delayMs}
}
