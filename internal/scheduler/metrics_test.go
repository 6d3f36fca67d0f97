package scheduler

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"messaging/internal/types"
)

// mockCloudWatchClient records PutMetricData calls for verification.
type mockCloudWatchClient struct {
	calls     []*cloudwatch.PutMetricDataInput
	returnErr error
}

func (m *mockCloudWatchClient) PutMetricData(_ context.Context, params *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	m.calls = append(m.calls, params)
	if m.returnErr != nil {
		return nil, m.returnErr
	}
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func dimensions(d cwtypes.MetricDatum) map[string]string {
	out := make(map[string]string, len(d.Dimensions))
	for _, dim := range d.Dimensions {
		out[*dim.Name] = *dim.Value
	}
	return out
}

func TestCloudWatchMetrics_RecordDispatch(t *testing.T) {
	cw := &mockCloudWatchClient{}
	m := NewCloudWatchMetrics(cw, "", discardLogger())

	m.RecordDispatch(context.Background(), testDomain, types.ContentSMS, DispatchSent, 120*time.Millisecond)

	require.Len(t, cw.calls, 1)
	input := cw.calls[0]
	assert.Equal(t, types.MetricNamespace, *input.Namespace)
	require.Len(t, input.MetricData, 2)

	count := input.MetricData[0]
	assert.Equal(t, types.MetricEventDispatched, *count.MetricName)
	assert.Equal(t, 1.0, *count.Value)
	assert.Equal(t, map[string]string{
		types.DimDomain:      testDomain,
		types.DimContentType: "sms",
		types.DimResult:      "sent",
	}, dimensions(count))

	latency := input.MetricData[1]
	assert.Equal(t, types.MetricDispatchLatency, *latency.MetricName)
	assert.Equal(t, 120.0, *latency.Value)
	assert.Equal(t, cwtypes.StandardUnitMilliseconds, latency.Unit)
}

func TestCloudWatchMetrics_RecordRefreshOmitsZeroCounters(t *testing.T) {
	cw := &mockCloudWatchClient{}
	m := NewCloudWatchMetrics(cw, "Custom/Namespace", discardLogger())

	m.RecordRefresh(context.Background(), testDomain, RefreshResult{})
	require.Empty(t, cw.calls, "an empty refresh records nothing")

	m.RecordRefresh(context.Background(), testDomain, RefreshResult{Created: 3})
	require.Len(t, cw.calls, 1)
	input := cw.calls[0]
	assert.Equal(t, "Custom/Namespace", *input.Namespace)
	require.Len(t, input.MetricData, 1)
	assert.Equal(t, types.MetricInstancesCreated, *input.MetricData[0].MetricName)
	assert.Equal(t, 3.0, *input.MetricData[0].Value)
}

func TestCloudWatchMetrics_ErrorIsLogged(t *testing.T) {
	var buf bytes.Buffer
	cw := &mockCloudWatchClient{returnErr: errors.New("throttled")}
	m := NewCloudWatchMetrics(cw, "", slog.New(slog.NewTextHandler(&buf, nil)))

	m.RecordBacklog(context.Background(), 42)

	assert.Contains(t, buf.String(), "failed to record metric")
	assert.Contains(t, buf.String(), "throttled")
}
