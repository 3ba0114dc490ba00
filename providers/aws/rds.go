package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"

	"github.com/yairfalse/tuhlaus/pkg/resource"
)

// listRDSInstances discovers RDS DB instances
func (c *Collector) listRDSInstances(ctx context.Context, account string) ([]resource.Snapshot, error) {
	var snaps []resource.Snapshot
	paginator := rds.NewDescribeDBInstancesPaginator(c.rdsClient, &rds.DescribeDBInstancesInput{})

	for paginator.HasMorePages() {
		output, err := paginator.NextPage(ctx)
		if err != nil {
			return snaps, fmt.Errorf("failed to describe RDS instances: %w", err)
		}

		for _, instance := range output.DBInstances {
			snaps = append(snaps, buildRDSInstanceSnapshot(instance, c.region, account))
		}
	}

	return snaps, nil
}

// buildRDSInstanceSnapshot converts an RDS instance. The SKU is
// aws:rds:<engine>:<class> and the storage SKU aws:rds:storage:<type>.
func buildRDSInstanceSnapshot(instance rdstypes.DBInstance, region, account string) resource.Snapshot {
	id := aws.ToString(instance.DBInstanceIdentifier)
	tags := tagMap(instance.TagList, func(t rdstypes.Tag) (*string, *string) { return t.Key, t.Value })
	engine := aws.ToString(instance.Engine)
	class := aws.ToString(instance.DBInstanceClass)
	status := aws.ToString(instance.DBInstanceStatus)

	snap := resource.Snapshot{
		ID:               id,
		Type:             TypeRDSInstance,
		Provider:         resource.ProviderAWS,
		Account:          account,
		Region:           region,
		Name:             nameTag(tags, id),
		CreatedAt:        aws.ToTime(instance.InstanceCreateTime),
		Tags:             tags,
		SKU:              fmt.Sprintf("aws:rds:%s:%s", engine, class),
		HighAvailability: aws.ToBool(instance.MultiAZ),
		Size: map[string]float64{
			resource.SizeStorageGB: float64(aws.ToInt32(instance.AllocatedStorage)),
		},
		State: rdsState(status),
		Raw: map[string]string{
			"engine":            engine,
			"engine_version":    aws.ToString(instance.EngineVersion),
			"instance_class":    class,
			"status":            status,
			"availability_zone": aws.ToString(instance.AvailabilityZone),
		},
	}
	if st := aws.ToString(instance.StorageType); st != "" {
		snap.StorageSKU = "aws:rds:storage:" + st
	}
	if len(instance.ReadReplicaDBInstanceIdentifiers) > 0 {
		snap.Raw["read_replicas"] = fmt.Sprint(len(instance.ReadReplicaDBInstanceIdentifiers))
	}
	if src := aws.ToString(instance.ReadReplicaSourceDBInstanceIdentifier); src != "" {
		snap.Raw["replica_source"] = src
	}
	return snap
}

// rdsState normalizes a DBInstanceStatus.
func rdsState(status string) resource.State {
	switch status {
	case "available", "backing-up", "modifying", "storage-optimization",
		"maintenance", "configuring-enhanced-monitoring", "upgrading":
		return resource.StateRunning
	case "stopped":
		return resource.StateStopped
	case "failed", "incompatible-network", "incompatible-parameters",
		"incompatible-restore", "inaccessible-encryption-credentials", "storage-full":
		return resource.StateFailed
	}
	return resource.StateUnknown
}
