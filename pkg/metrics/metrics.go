// Package metrics keeps lightweight local time-series for operational
// gauges and counters backed by an embedded tstorage partition under the
// application workdir.
package metrics

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/nakabonne/tstorage"
)

var (
	mu       sync.Mutex
	storage  tstorage.Storage
	counters = make(map[string]int64)
)

func InitMetrics(workdir string) error {
	mu.Lock()
	defer mu.Unlock()
	s, err := tstorage.NewStorage(
		tstorage.WithDataPath(filepath.Join(workdir, "metrics")),
		tstorage.WithTimestampPrecision(tstorage.Seconds),
		tstorage.WithPartitionDuration(6*time.Hour),
		tstorage.WithRetention(7*24*time.Hour),
	)
	if err != nil {
		return err
	}
	storage = s
	return nil
}

// SetGauge records an instantaneous value for the named metric.
func SetGauge(name string, value int64) {
	mu.Lock()
	defer mu.Unlock()
	insert(name, float64(value))
}

// IncrCounter adds delta to a named monotonic counter and records the total.
func IncrCounter(name string, delta int64) {
	mu.Lock()
	defer mu.Unlock()
	counters[name] += delta
	insert(name, float64(counters[name]))
}

// CounterValue returns the current in-memory counter total.
func CounterValue(name string) int64 {
	mu.Lock()
	defer mu.Unlock()
	return counters[name]
}

// Select returns data points for a metric within [start, end] unix seconds.
func Select(name string, start, end int64) ([]*tstorage.DataPoint, error) {
	mu.Lock()
	s := storage
	mu.Unlock()
	if s == nil {
		return nil, nil
	}
	return s.Select(name, nil, start, end)
}

func insert(name string, value float64) {
	if storage == nil {
		return
	}
	_ = storage.InsertRows([]tstorage.Row{
		{
			Metric:    name,
			DataPoint: tstorage.DataPoint{Timestamp: time.Now().Unix(), Value: value},
		},
	})
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if storage == nil {
		return nil
	}
	err := storage.Close()
	storage = nil
	return err
}
