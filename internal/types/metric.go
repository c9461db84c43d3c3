package types

// MetricType identifies what a telemetry event measures. The event name maps
// 1:1 to the metric type, so any unknown event name still lands on a valid
// metric with the default unit and aggregation.
type MetricType string

const (
	MetricAPICalls           MetricType = "api_calls"
	MetricStorageGBHours     MetricType = "storage_gb_hours"
	MetricStorageGBPeak      MetricType = "storage_gb_peak"
	MetricBandwidthMB        MetricType = "bandwidth_mb"
	MetricComputeHours       MetricType = "compute_hours"
	MetricConcurrentUsersMax MetricType = "concurrent_users_max"
)

// AggregationType represents different types of aggregations
type AggregationType string

const (
	AggregationSum AggregationType = "SUM"
	AggregationMax AggregationType = "MAX"
)

const DefaultUnit = "count"

// aggregationByMetric is a closed table. Metrics not listed here fall
// through to SUM, matching the behaviour for unknown event names.
var aggregationByMetric = map[MetricType]AggregationType{
	MetricAPICalls:           AggregationSum,
	MetricStorageGBHours:     AggregationSum,
	MetricBandwidthMB:        AggregationSum,
	MetricComputeHours:       AggregationSum,
	MetricStorageGBPeak:      AggregationMax,
	MetricConcurrentUsersMax: AggregationMax,
}

var unitByMetric = map[MetricType]string{
	MetricAPICalls:           "count",
	MetricStorageGBHours:     "gb_hours",
	MetricStorageGBPeak:      "gb",
	MetricBandwidthMB:        "megabytes",
	MetricComputeHours:       "hours",
	MetricConcurrentUsersMax: "count",
}

// ResolveMetricType maps an event name to its metric type
func ResolveMetricType(eventName string) MetricType {
	return MetricType(eventName)
}

// GetAggregationType returns the aggregation function for a metric
func (m MetricType) GetAggregationType() AggregationType {
	if agg, ok := aggregationByMetric[m]; ok {
		return agg
	}
	return AggregationSum
}

// GetUnit returns the billing unit for a metric
func (m MetricType) GetUnit() string {
	if unit, ok := unitByMetric[m]; ok {
		return unit
	}
	return DefaultUnit
}

func (m MetricType) String() string {
	return string(m)
}
