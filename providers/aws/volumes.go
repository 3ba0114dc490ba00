package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/tuhlaus/pkg/resource"
)

// listEBSVolumes discovers EBS volumes
func (c *Collector) listEBSVolumes(ctx context.Context, account string) ([]resource.Snapshot, error) {
	var snaps []resource.Snapshot
	paginator := ec2.NewDescribeVolumesPaginator(c.ec2Client, &ec2.DescribeVolumesInput{})

	for paginator.HasMorePages() {
		output, err := paginator.NextPage(ctx)
		if err != nil {
			return snaps, fmt.Errorf("failed to list EBS volumes: %w", err)
		}

		for _, volume := range output.Volumes {
			snaps = append(snaps, buildEBSVolumeSnapshot(volume, c.region, account))
		}
	}

	return snaps, nil
}

// buildEBSVolumeSnapshot converts a volume. The SKU is aws:ebs:<type>.
func buildEBSVolumeSnapshot(volume ec2types.Volume, region, account string) resource.Snapshot {
	id := aws.ToString(volume.VolumeId)
	tags := tagMap(volume.Tags, func(t ec2types.Tag) (*string, *string) { return t.Key, t.Value })

	return resource.Snapshot{
		ID:        id,
		Type:      TypeEBSVolume,
		Provider:  resource.ProviderAWS,
		Account:   account,
		Region:    region,
		Name:      nameTag(tags, id),
		CreatedAt: aws.ToTime(volume.CreateTime),
		Tags:      tags,
		SKU:       "aws:ebs:" + string(volume.VolumeType),
		Size: map[string]float64{
			resource.SizeStorageGB:       float64(aws.ToInt32(volume.Size)),
			resource.SizeAttachmentCount: float64(len(volume.Attachments)),
		},
		State: volumeState(volume.State),
		Raw: map[string]string{
			"volume_type":       string(volume.VolumeType),
			"availability_zone": aws.ToString(volume.AvailabilityZone),
			"state":             string(volume.State),
			"encrypted":         fmt.Sprint(aws.ToBool(volume.Encrypted)),
		},
	}
}

func volumeState(s ec2types.VolumeState) resource.State {
	switch s {
	case ec2types.VolumeStateAvailable, ec2types.VolumeStateInUse:
		return resource.StateRunning
	case ec2types.VolumeStateError:
		return resource.StateFailed
	}
	return resource.StateUnknown
}

// listEBSSnapshots discovers snapshots owned by the account. The source
// volume check needs the current volume ids; when they cannot be listed
// the snapshots carry no source_disk_exists attribute.
func (c *Collector) listEBSSnapshots(ctx context.Context, account string) ([]resource.Snapshot, error) {
	volumeIDs, volErr := c.volumeIDs(ctx)
	if volErr != nil {
		log.Warn().Err(volErr).Str("region", c.region).Msg("source volume check skipped")
	}

	var snaps []resource.Snapshot
	paginator := ec2.NewDescribeSnapshotsPaginator(c.ec2Client, &ec2.DescribeSnapshotsInput{
		OwnerIds: []string{"self"},
	})

	for paginator.HasMorePages() {
		output, err := paginator.NextPage(ctx)
		if err != nil {
			return snaps, fmt.Errorf("failed to list EBS snapshots: %w", err)
		}

		for _, snapshot := range output.Snapshots {
			snaps = append(snaps, buildEBSSnapshot(snapshot, c.region, account, volumeIDs))
		}
	}

	return snaps, nil
}

func (c *Collector) volumeIDs(ctx context.Context) (map[string]bool, error) {
	ids := make(map[string]bool)
	paginator := ec2.NewDescribeVolumesPaginator(c.ec2Client, &ec2.DescribeVolumesInput{})
	for paginator.HasMorePages() {
		output, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list EBS volumes: %w", err)
		}
		for _, v := range output.Volumes {
			ids[aws.ToString(v.VolumeId)] = true
		}
	}
	return ids, nil
}

// buildEBSSnapshot converts a snapshot. The SKU is
// aws:ebs:snapshot:<tier>. A nil volumeIDs leaves the source unknown.
func buildEBSSnapshot(snapshot ec2types.Snapshot, region, account string, volumeIDs map[string]bool) resource.Snapshot {
	id := aws.ToString(snapshot.SnapshotId)
	tags := tagMap(snapshot.Tags, func(t ec2types.Tag) (*string, *string) { return t.Key, t.Value })
	tier := string(snapshot.StorageTier)
	if tier == "" {
		tier = string(ec2types.StorageTierStandard)
	}

	snap := resource.Snapshot{
		ID:        id,
		Type:      TypeEBSSnapshot,
		Provider:  resource.ProviderAWS,
		Account:   account,
		Region:    region,
		Name:      nameTag(tags, id),
		CreatedAt: aws.ToTime(snapshot.StartTime),
		Tags:      tags,
		SKU:       "aws:ebs:snapshot:" + tier,
		Size: map[string]float64{
			resource.SizeStorageGB: float64(aws.ToInt32(snapshot.VolumeSize)),
		},
		State: snapshotState(snapshot.State),
		Raw: map[string]string{
			"volume_id":    aws.ToString(snapshot.VolumeId),
			"state":        string(snapshot.State),
			"storage_tier": tier,
		},
	}
	if volumeIDs != nil {
		exists := 0.0
		if volumeIDs[aws.ToString(snapshot.VolumeId)] {
			exists = 1
		}
		snap.Size["source_disk_exists"] = exists
	}
	return snap
}

func snapshotState(s ec2types.SnapshotState) resource.State {
	switch s {
	case ec2types.SnapshotStateCompleted:
		return resource.StateRunning
	case ec2types.SnapshotStateError:
		return resource.StateFailed
	}
	return resource.StateUnknown
}
