// Package telemetry wires the Prometheus/OTel metrics pipeline and
// exposes the instruments the fetcher and commit engine observe into, grounded on the teacher's pkg/metrics.SetupInstrumentation
// and its per-component initMetrics functions.
package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/global"
	"go.opentelemetry.io/otel/metric/instrument"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/aggregation"
	"go.uber.org/atomic"

	"github.com/manusoman/hyperindex/internal/hyperindex"
)

// BaseAttrs is applied to every metric exported by this process.
var BaseAttrs []attribute.KeyValue

// Setup starts the Prometheus exporter HTTP endpoint and installs the
// global meter provider. Call once at process start.
func Setup(prometheusAddr, serviceName string) error {
	BaseAttrs = []attribute.KeyValue{attribute.String("service_name", serviceName)}

	exporter, err := otelprom.New(otelprom.WithAggregationSelector(aggregatorSelector))
	if err != nil {
		return fmt.Errorf("creating prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	global.SetMeterProvider(provider)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		_ = http.ListenAndServe(prometheusAddr, mux)
	}()

	return nil
}

func aggregatorSelector(ik sdkmetric.InstrumentKind) aggregation.Aggregation {
	switch ik {
	case sdkmetric.InstrumentKindCounter, sdkmetric.InstrumentKindUpDownCounter,
		sdkmetric.InstrumentKindObservableCounter, sdkmetric.InstrumentKindObservableUpDownCounter:
		return aggregation.Sum{}
	case sdkmetric.InstrumentKindObservableGauge:
		return aggregation.LastValue{}
	case sdkmetric.InstrumentKindHistogram:
		return aggregation.ExplicitBucketHistogram{
			Boundaries: []float64{0.5, 1, 2, 4, 10, 50, 100, 500, 1000, 5000},
		}
	}
	panic("unknown instrument kind")
}

// ChainMetrics holds the per-chain fetcher instruments: current block
// interval and backoff count as observable gauges/counters, fed by
// atomic counters the fetcher updates inline, mirroring the teacher's
// eventfeed initMetrics (mCurrentHeight -> Int64ObservableGauge).
type ChainMetrics struct {
	labels []attribute.KeyValue

	currentInterval atomic.Int64
	backoffCount    atomic.Int64
	latestBlock     atomic.Int64

	mDecodedEvents instrument.Int64Counter
	mSkippedTopics instrument.Int64Counter
}

// NewChainMetrics registers the async gauges and sync counters for one
// chain's fetcher.
func NewChainMetrics(chainID hyperindex.ChainID) (*ChainMetrics, error) {
	meter := global.MeterProvider().Meter("hyperindex")
	cm := &ChainMetrics{
		labels: append([]attribute.KeyValue{attribute.Int64("chain_id", int64(chainID))}, BaseAttrs...),
	}

	mInterval, err := meter.Int64ObservableGauge("hyperindex.fetcher.block_interval")
	if err != nil {
		return nil, fmt.Errorf("creating block interval gauge: %w", err)
	}
	mBackoff, err := meter.Int64ObservableCounter("hyperindex.fetcher.backoff.count")
	if err != nil {
		return nil, fmt.Errorf("creating backoff count gauge: %w", err)
	}
	mLatestBlock, err := meter.Int64ObservableGauge("hyperindex.fetcher.latest_fetched_block")
	if err != nil {
		return nil, fmt.Errorf("creating latest fetched block gauge: %w", err)
	}
	_, err = meter.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(mInterval, cm.currentInterval.Load(), cm.labels...)
			o.ObserveInt64(mBackoff, cm.backoffCount.Load(), cm.labels...)
			o.ObserveInt64(mLatestBlock, cm.latestBlock.Load(), cm.labels...)
			return nil
		}, []instrument.Asynchronous{mInterval, mBackoff, mLatestBlock}...)
	if err != nil {
		return nil, fmt.Errorf("registering fetcher metric callback: %w", err)
	}

	cm.mDecodedEvents, err = meter.Int64Counter("hyperindex.fetcher.decoded_events.count")
	if err != nil {
		return nil, fmt.Errorf("creating decoded events counter: %w", err)
	}
	cm.mSkippedTopics, err = meter.Int64Counter("hyperindex.fetcher.skipped_topics.count")
	if err != nil {
		return nil, fmt.Errorf("creating skipped topics counter: %w", err)
	}

	return cm, nil
}

// OnBackoff updates the interval/backoff gauges -- matches the
// fetcher.WithBackoffMetric callback signature.
func (cm *ChainMetrics) OnBackoff(chainID hyperindex.ChainID, interval int64) {
	cm.currentInterval.Store(interval)
	cm.backoffCount.Inc()
}

// OnAdvance updates the interval/latest-block gauges -- matches the
// fetcher.WithAdvanceMetric callback signature (chainID, fromBlock,
// interval), where fromBlock is the start of the next window, so the
// latest fetched block is the one before it.
func (cm *ChainMetrics) OnAdvance(chainID hyperindex.ChainID, fromBlock, interval int64) {
	cm.currentInterval.Store(interval)
	cm.latestBlock.Store(fromBlock - 1)
}

// DecodedEvent increments the decoded-events counter.
func (cm *ChainMetrics) DecodedEvent(ctx context.Context) {
	cm.mDecodedEvents.Add(ctx, 1, cm.labels...)
}

// SkippedTopic increments the skipped-topic counter (an address matched
// the filter but its log topic has no registered decoder).
func (cm *ChainMetrics) SkippedTopic(ctx context.Context) {
	cm.mSkippedTopics.Add(ctx, 1, cm.labels...)
}

// CommitMetrics holds the commit engine's retry/latency instruments.
type CommitMetrics struct {
	labels []attribute.KeyValue

	mRetries instrument.Int64Counter
	mLatency instrument.Int64Histogram
	mBatch   instrument.Int64Histogram
}

// NewCommitMetrics registers the commit engine's sync instruments.
func NewCommitMetrics() (*CommitMetrics, error) {
	meter := global.MeterProvider().Meter("hyperindex")
	m := &CommitMetrics{labels: BaseAttrs}

	var err error
	m.mRetries, err = meter.Int64Counter("hyperindex.commit.retries.count")
	if err != nil {
		return nil, fmt.Errorf("creating commit retries counter: %w", err)
	}
	m.mLatency, err = meter.Int64Histogram("hyperindex.commit.latency")
	if err != nil {
		return nil, fmt.Errorf("creating commit latency histogram: %w", err)
	}
	m.mBatch, err = meter.Int64Histogram("hyperindex.commit.batch_size")
	if err != nil {
		return nil, fmt.Errorf("creating commit batch size histogram: %w", err)
	}
	return m, nil
}

// Retry records one bounded-retry attempt.
func (m *CommitMetrics) Retry(ctx context.Context) {
	m.mRetries.Add(ctx, 1, m.labels...)
}

// Observe records a completed commit's latency (milliseconds) and the
// number of items in the batch it persisted.
func (m *CommitMetrics) Observe(ctx context.Context, latencyMs int64, batchSize int) {
	m.mLatency.Record(ctx, latencyMs, m.labels...)
	m.mBatch.Record(ctx, int64(batchSize), m.labels...)
}
