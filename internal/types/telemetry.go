package types

// Telemetry metric names for CloudWatch.
// All components MUST use these constants.
const (
	// Metric Names
	MetricEventDispatched       = "EventDispatched"
	MetricDispatchLatency       = "DispatchLatency"
	MetricRecipientNotFound     = "RecipientNotFound"
	MetricChannelNotFound       = "ChannelNotFound"
	MetricConcurrentModified    = "ConcurrentModification"
	MetricInstancesCreated      = "InstancesCreated"
	MetricInstancesRemoved      = "InstancesRemoved"
	MetricInstancesRecalculated = "InstancesRecalculated"
	MetricDueBacklog            = "DueBacklog"

	// Dimension Keys
	DimContentType = "ContentType"
	DimResult      = "Result"
	DimDomain      = "Domain"

	// Metric Namespace
	MetricNamespace = "Messaging/Scheduling"
)
