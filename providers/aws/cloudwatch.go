package aws

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"github.com/yairfalse/tuhlaus/pkg/resource"
)

// cloudwatchAPI is the subset of the CloudWatch client used here.
type cloudwatchAPI interface {
	GetMetricStatistics(ctx context.Context, params *cloudwatch.GetMetricStatisticsInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.GetMetricStatisticsOutput, error)
}

// metricDef maps an engine metric name to a CloudWatch metric.
type metricDef struct {
	namespace string
	name      string
	dimension string
	statistic cwtypes.Statistic
	scale     float64
}

var rdsMetrics = map[string]metricDef{
	"connections":     {"AWS/RDS", "DatabaseConnections", "DBInstanceIdentifier", cwtypes.StatisticMaximum, 1},
	"cpu_utilization": {"AWS/RDS", "CPUUtilization", "DBInstanceIdentifier", cwtypes.StatisticAverage, 1},
	"free_storage_gb": {"AWS/RDS", "FreeStorageSpace", "DBInstanceIdentifier", cwtypes.StatisticMinimum, 1.0 / (1 << 30)},
}

// CloudWatch serves RDS instance metrics from GetMetricStatistics.
type CloudWatch struct {
	client  cloudwatchAPI
	metrics map[string]metricDef
}

func newCloudWatch(client cloudwatchAPI) *CloudWatch {
	return &CloudWatch{client: client, metrics: rdsMetrics}
}

// maxDatapoints is the CloudWatch limit per GetMetricStatistics call.
const maxDatapoints = 1440

// period returns the smallest whole-minute period of at least an hour
// that keeps the window under the datapoint limit.
func period(window resource.TimeRange) int32 {
	p := time.Hour
	if need := window.Duration() / maxDatapoints; need > p {
		p = need.Truncate(time.Minute) + time.Minute
	}
	return int32(p / time.Second)
}

// QueryMetric returns one sample per period. Unknown metric names have
// no data.
func (c *CloudWatch) QueryMetric(ctx context.Context, resourceID, metricName string, window resource.TimeRange) ([]resource.Sample, error) {
	def, ok := c.metrics[metricName]
	if !ok {
		return nil, nil
	}

	output, err := c.client.GetMetricStatistics(ctx, &cloudwatch.GetMetricStatisticsInput{
		Namespace:  aws.String(def.namespace),
		MetricName: aws.String(def.name),
		Dimensions: []cwtypes.Dimension{{Name: aws.String(def.dimension), Value: aws.String(resourceID)}},
		StartTime:  aws.Time(window.Start),
		EndTime:    aws.Time(window.End),
		Period:     aws.Int32(period(window)),
		Statistics: []cwtypes.Statistic{def.statistic},
	})
	if err != nil {
		return nil, classify(fmt.Errorf("failed to get %s for %s: %w", def.name, resourceID, err))
	}

	var samples []resource.Sample
	for _, dp := range output.Datapoints {
		v, ok := datapointValue(dp, def.statistic)
		if !ok || dp.Timestamp == nil {
			continue
		}
		t := dp.Timestamp.UTC()
		if !window.Contains(t) {
			continue
		}
		samples = append(samples, resource.Sample{Timestamp: t, Value: v * def.scale})
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].Timestamp.Before(samples[j].Timestamp) })
	return samples, nil
}

func datapointValue(dp cwtypes.Datapoint, stat cwtypes.Statistic) (float64, bool) {
	var v *float64
	switch stat {
	case cwtypes.StatisticAverage:
		v = dp.Average
	case cwtypes.StatisticMaximum:
		v = dp.Maximum
	case cwtypes.StatisticMinimum:
		v = dp.Minimum
	case cwtypes.StatisticSum:
		v = dp.Sum
	case cwtypes.StatisticSampleCount:
		v = dp.SampleCount
	}
	if v == nil {
		return 0, false
	}
	return *v, true
}
