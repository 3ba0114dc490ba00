// Package aws collects RDS instances, EBS volumes and EBS snapshots and
// serves CloudWatch metrics for them.
package aws

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/yairfalse/tuhlaus/pkg/resource"
)

// Resource types listed by the collector.
const (
	TypeRDSInstance = "rds_instance"
	TypeEBSVolume   = "ebs_volume"
	TypeEBSSnapshot = "ebs_snapshot"
)

// ec2API is the subset of the EC2 client used by the collector.
type ec2API interface {
	ec2.DescribeVolumesAPIClient
	ec2.DescribeSnapshotsAPIClient
}

// Config selects the region and credentials profile.
type Config struct {
	Region  string
	Profile string
}

// Collector lists AWS resources of one region.
type Collector struct {
	ec2Client ec2API
	rdsClient rds.DescribeDBInstancesAPIClient
	cwClient  cloudwatchAPI
	region    string
}

// New loads the default credential chain for cfg.Region.
func New(ctx context.Context, cfg Config) (*Collector, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &Collector{
		ec2Client: ec2.NewFromConfig(awsCfg),
		rdsClient: rds.NewFromConfig(awsCfg),
		cwClient:  cloudwatch.NewFromConfig(awsCfg),
		region:    cfg.Region,
	}, nil
}

// Provider returns aws.
func (c *Collector) Provider() resource.Provider {
	return resource.ProviderAWS
}

// ResourceTypes returns the listed resource types.
func (c *Collector) ResourceTypes() []string {
	return []string{TypeRDSInstance, TypeEBSVolume, TypeEBSSnapshot}
}

// ListResources lists one resource type. On a pagination failure the
// resources of the pages already read are returned with the error.
func (c *Collector) ListResources(ctx context.Context, account, resourceType string) ([]resource.Snapshot, error) {
	var (
		snaps []resource.Snapshot
		err   error
	)
	switch resourceType {
	case TypeRDSInstance:
		snaps, err = c.listRDSInstances(ctx, account)
	case TypeEBSVolume:
		snaps, err = c.listEBSVolumes(ctx, account)
	case TypeEBSSnapshot:
		snaps, err = c.listEBSSnapshots(ctx, account)
	default:
		return nil, fmt.Errorf("unsupported resource type %q", resourceType)
	}
	return snaps, classify(err)
}

// Metrics returns the CloudWatch metrics provider for the collector's
// region.
func (c *Collector) Metrics() *CloudWatch {
	return newCloudWatch(c.cwClient)
}

// classify marks throttling and server errors as transient.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "Throttling", "ThrottlingException", "ThrottledException",
			"RequestLimitExceeded", "RequestThrottled", "RequestThrottledException",
			"TooManyRequestsException", "ServiceUnavailable", "InternalError":
			return resource.Transient(err)
		}
		if apiErr.ErrorFault() == smithy.FaultServer {
			return resource.Transient(err)
		}
	}

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() >= 500 {
		return resource.Transient(err)
	}
	return err
}

// tagMap converts key/value tag pointers into a map.
func tagMap[T any](tags []T, kv func(T) (*string, *string)) map[string]string {
	if len(tags) == 0 {
		return nil
	}
	out := make(map[string]string, len(tags))
	for _, t := range tags {
		k, v := kv(t)
		if k == nil {
			continue
		}
		out[aws.ToString(k)] = aws.ToString(v)
	}
	return out
}

// nameTag returns the Name tag, falling back to id.
func nameTag(tags map[string]string, id string) string {
	for k, v := range tags {
		if strings.EqualFold(k, "name") && v != "" {
			return v
		}
	}
	return id
}
