package impl

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/geotrail/gtrd/config"
	"github.com/sirupsen/logrus"
)

type Metrics struct {
	ctx      context.Context
	wg       *sync.WaitGroup
	values   *persistentMetrics
	fileName string
}

type persistentMetrics struct {
	SentBytes          uint64
	ReceivedBytes      uint64
	SentPackages       uint64
	ReceivedPackages   uint64
	MalformedPackages  uint64
	RejectedPackages   uint64
	DecodedPositions   uint64
	FilteredPositions  uint64
	StoredPositions    uint64
	ForwardedPositions uint64
	DroppedForwards    uint64
	SentCommands       uint64
	QueuedCommands     uint64
}

func NewMetrics(ctx context.Context, wg *sync.WaitGroup, fileName string) *Metrics {
	metrics := &Metrics{
		ctx:      ctx,
		wg:       wg,
		fileName: fileName,
		values:   &persistentMetrics{},
	}

	ticker := time.NewTicker(60 * time.Second)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := metrics.save()
				if err != nil {
					logrus.Errorf("Failed to save metrics. %v", err)
				}
			}
		}
	}()

	err := metrics.load()
	if err != nil {
		logrus.Warnf("Failed to load previously saved metrics. %v", err)
	}

	return metrics
}

func (m *Metrics) Close() error {
	err := m.save()
	if err != nil {
		return fmt.Errorf("failed to save metrics data. %v", err)
	}

	return nil
}

func (m *Metrics) AddSentBytes(count uint64) {
	atomic.AddUint64(&m.values.SentBytes, count)
}

func (m *Metrics) GetSentBytes() uint64 {
	return atomic.LoadUint64(&m.values.SentBytes)
}

func (m *Metrics) AddReceivedBytes(count uint64) {
	atomic.AddUint64(&m.values.ReceivedBytes, count)
}

func (m *Metrics) GetReceivedBytes() uint64 {
	return atomic.LoadUint64(&m.values.ReceivedBytes)
}

func (m *Metrics) AddSentPackages(count uint64) {
	atomic.AddUint64(&m.values.SentPackages, count)
}

func (m *Metrics) GetSentPackages() uint64 {
	return atomic.LoadUint64(&m.values.SentPackages)
}

func (m *Metrics) AddReceivedPackages(count uint64) {
	atomic.AddUint64(&m.values.ReceivedPackages, count)
}

func (m *Metrics) GetReceivedPackages() uint64 {
	return atomic.LoadUint64(&m.values.ReceivedPackages)
}

func (m *Metrics) AddMalformedPackages(count uint64) {
	atomic.AddUint64(&m.values.MalformedPackages, count)
}

func (m *Metrics) GetMalformedPackages() uint64 {
	return atomic.LoadUint64(&m.values.MalformedPackages)
}

func (m *Metrics) AddRejectedPackages(count uint64) {
	atomic.AddUint64(&m.values.RejectedPackages, count)
}

func (m *Metrics) GetRejectedPackages() uint64 {
	return atomic.LoadUint64(&m.values.RejectedPackages)
}

func (m *Metrics) AddDecodedPositions(count uint64) {
	atomic.AddUint64(&m.values.DecodedPositions, count)
}

func (m *Metrics) GetDecodedPositions() uint64 {
	return atomic.LoadUint64(&m.values.DecodedPositions)
}

func (m *Metrics) AddFilteredPositions(count uint64) {
	atomic.AddUint64(&m.values.FilteredPositions, count)
}

func (m *Metrics) GetFilteredPositions() uint64 {
	return atomic.LoadUint64(&m.values.FilteredPositions)
}

func (m *Metrics) AddStoredPositions(count uint64) {
	atomic.AddUint64(&m.values.StoredPositions, count)
}

func (m *Metrics) GetStoredPositions() uint64 {
	return atomic.LoadUint64(&m.values.StoredPositions)
}

func (m *Metrics) AddForwardedPositions(count uint64) {
	atomic.AddUint64(&m.values.ForwardedPositions, count)
}

func (m *Metrics) GetForwardedPositions() uint64 {
	return atomic.LoadUint64(&m.values.ForwardedPositions)
}

func (m *Metrics) AddDroppedForwards(count uint64) {
	atomic.AddUint64(&m.values.DroppedForwards, count)
}

func (m *Metrics) GetDroppedForwards() uint64 {
	return atomic.LoadUint64(&m.values.DroppedForwards)
}

func (m *Metrics) AddSentCommands(count uint64) {
	atomic.AddUint64(&m.values.SentCommands, count)
}

func (m *Metrics) GetSentCommands() uint64 {
	return atomic.LoadUint64(&m.values.SentCommands)
}

func (m *Metrics) AddQueuedCommands(count uint64) {
	atomic.AddUint64(&m.values.QueuedCommands, count)
}

func (m *Metrics) GetQueuedCommands() uint64 {
	return atomic.LoadUint64(&m.values.QueuedCommands)
}

/*
Provides metrics in InfluxDB line protocol format
*/
func (m *Metrics) MetricRendererHandler() (string, map[string]uint64) {
	log := config.GetLogger(m.ctx)

	err := m.save()
	if err != nil {
		log.Errorf("Failed to persist metric counters! %v", err)
	}

	metricName := config.AppName
	metrics := map[string]uint64{
		"SentBytes":          m.GetSentBytes(),
		"SentPackages":       m.GetSentPackages(),
		"ReceivedBytes":      m.GetReceivedBytes(),
		"ReceivedPackages":   m.GetReceivedPackages(),
		"RejectedPackages":   m.GetRejectedPackages(),
		"MalformedPackages":  m.GetMalformedPackages(),
		"DecodedPositions":   m.GetDecodedPositions(),
		"FilteredPositions":  m.GetFilteredPositions(),
		"StoredPositions":    m.GetStoredPositions(),
		"ForwardedPositions": m.GetForwardedPositions(),
		"DroppedForwards":    m.GetDroppedForwards(),
		"SentCommands":       m.GetSentCommands(),
		"QueuedCommands":     m.GetQueuedCommands(),
	}

	return metricName, metrics
}

func (m *Metrics) save() error {
	if m.fileName == "" {
		return fmt.Errorf("filename must not be empty")
	}

	jsonData, err := json.MarshalIndent(m.values, "", " ")
	if err != nil {
		return fmt.Errorf("failed to serialize metric data into json format. %v", err)
	}

	err = os.WriteFile(m.fileName, jsonData, 0600)
	if err != nil {
		return fmt.Errorf("failed to write metric data into file. %v", err)
	}

	return nil
}

func (m *Metrics) load() error {
	if m.fileName == "" {
		return fmt.Errorf("filename must not be empty")
	}

	jsonData, err := os.ReadFile(m.fileName)
	if err != nil {
		return fmt.Errorf("failed to read metric data file. %v", err)
	}

	err = json.Unmarshal(jsonData, m.values)
	if err != nil {
		return fmt.Errorf("failed to unmarshal metric json. %v", err)
	}

	return nil
}
