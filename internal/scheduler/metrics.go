package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"messaging/internal/types"
)

// DispatchResult is the Result dimension of the EventDispatched metric.
type DispatchResult string

const (
	DispatchSent   DispatchResult = "sent"
	DispatchFailed DispatchResult = "failed"
)

// Metrics receives engine telemetry. Implementations must not block on
// delivery failures.
type Metrics interface {
	RecordDispatch(ctx context.Context, domain string, contentType types.ContentType, result DispatchResult, latency time.Duration)
	RecordSkip(ctx context.Context, domain, metric string)
	RecordRefresh(ctx context.Context, domain string, result RefreshResult)
	RecordBacklog(ctx context.Context, due int)
}

// NoopMetrics discards everything.
type NoopMetrics struct{}

func (NoopMetrics) RecordDispatch(context.Context, string, types.ContentType, DispatchResult, time.Duration) {
}

func (NoopMetrics) RecordSkip(context.Context, string, string) {}

func (NoopMetrics) RecordRefresh(context.Context, string, RefreshResult) {}

func (NoopMetrics) RecordBacklog(context.Context, int) {}

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchMetrics publishes engine metrics to CloudWatch.
//
// Metrics emitted:
//   - EventDispatched: Dims {Domain, ContentType, Result}
//   - DispatchLatency: Dims {ContentType}
//   - RecipientNotFound, ChannelNotFound, ConcurrentModification: Dims {Domain}
//   - InstancesCreated, InstancesRemoved, InstancesRecalculated: Dims {Domain}
//   - DueBacklog: no dims
type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

var _ Metrics = (*CloudWatchMetrics)(nil)

// NewCloudWatchMetrics creates a CloudWatchMetrics. An empty namespace falls
// back to types.MetricNamespace.
func NewCloudWatchMetrics(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchMetrics {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchMetrics{client: client, namespace: namespace, logger: logger}
}

func dim(name, value string) cwtypes.Dimension {
	return cwtypes.Dimension{Name: aws.String(name), Value: aws.String(value)}
}

func count(name string, value int, dims ...cwtypes.Dimension) cwtypes.MetricDatum {
	return cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(float64(value)),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: dims,
	}
}

// RecordDispatch emits EventDispatched and DispatchLatency for one send.
func (m *CloudWatchMetrics) RecordDispatch(ctx context.Context, domain string, contentType types.ContentType, result DispatchResult, latency time.Duration) {
	m.put(ctx, "dispatch",
		count(types.MetricEventDispatched, 1,
			dim(types.DimDomain, domain),
			dim(types.DimContentType, string(contentType)),
			dim(types.DimResult, string(result)),
		),
		cwtypes.MetricDatum{
			MetricName: aws.String(types.MetricDispatchLatency),
			Value:      aws.Float64(float64(latency.Milliseconds())),
			Unit:       cwtypes.StandardUnitMilliseconds,
			Dimensions: []cwtypes.Dimension{dim(types.DimContentType, string(contentType))},
		},
	)
}

// RecordSkip emits a single count for metric, one of the not-found or
// conflict metric names.
func (m *CloudWatchMetrics) RecordSkip(ctx context.Context, domain, metric string) {
	m.put(ctx, metric, count(metric, 1, dim(types.DimDomain, domain)))
}

// RecordRefresh emits instance churn counters. Zero counters are omitted.
func (m *CloudWatchMetrics) RecordRefresh(ctx context.Context, domain string, result RefreshResult) {
	var data []cwtypes.MetricDatum
	for name, n := range map[string]int{
		types.MetricInstancesCreated:      result.Created,
		types.MetricInstancesRemoved:      result.Removed + result.Deactivated,
		types.MetricInstancesRecalculated: result.Recalculated,
	} {
		if n > 0 {
			data = append(data, count(name, n, dim(types.DimDomain, domain)))
		}
	}
	if len(data) == 0 {
		return
	}
	m.put(ctx, "refresh", data...)
}

// RecordBacklog emits the number of due instances seen by a dispatch run.
func (m *CloudWatchMetrics) RecordBacklog(ctx context.Context, due int) {
	m.put(ctx, "backlog", count(types.MetricDueBacklog, due))
}

func (m *CloudWatchMetrics) put(ctx context.Context, what string, data ...cwtypes.MetricDatum) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: data,
	}
	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.Error("failed to record metric",
			"error", err.Error(),
			"metric", what,
		)
	}
}
