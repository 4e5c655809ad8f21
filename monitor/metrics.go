package monitor

import (
	"time"

	"github.com/ethereum/go-ethereum/metrics"
)

// metrics
var (
	headGauge      = metrics.NewRegisteredGauge("monitor/chain/head", nil)
	processedGauge = metrics.NewRegisteredGauge("monitor/block/processed", nil)

	bundlesMeter = metrics.NewRegisteredMeter("monitor/bundles", nil)
	eventsMeter  = metrics.NewRegisteredMeter("monitor/events/decoded", nil)
	attacksMeter = metrics.NewRegisteredMeter("monitor/attacks", nil)

	blockTimer   = metrics.NewRegisteredTimer("monitor/block/process", nil)
	detectTimer  = metrics.NewRegisteredTimer("monitor/detect", nil)
	receiptTimer = metrics.NewRegisteredTimer("monitor/chain/receipts", nil)
	persistTimer = metrics.NewRegisteredTimer("monitor/store/persist", nil)
)

func metricsHead(number uint64) {
	headGauge.Update(int64(number))
}

func metricsBlockProcessed(number uint64, start time.Time) {
	processedGauge.Update(int64(number))
	blockTimer.Update(time.Since(start))
}

func metricsBundlesDetected(count int) {
	bundlesMeter.Mark(int64(count))
}

func metricsEventDecoded() {
	eventsMeter.Mark(1)
}

func metricsAttacks(count int) {
	attacksMeter.Mark(int64(count))
}

func metricsDetectCost(start time.Time) {
	detectTimer.Update(time.Since(start))
}

func metricsReceiptCost(start time.Time) {
	receiptTimer.Update(time.Since(start))
}

func metricsPersistCost(start time.Time) {
	persistTimer.Update(time.Since(start))
}
