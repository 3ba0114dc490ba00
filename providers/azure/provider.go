// Package azure collects managed disks and disk snapshots of one
// subscription.
package azure

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v5"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/tuhlaus/pkg/resource"
)

// Resource types listed by the collector.
const (
	TypeManagedDisk  = "managed_disk"
	TypeDiskSnapshot = "disk_snapshot"
)

// diskAPI lists managed disks and snapshots.
type diskAPI interface {
	ListDisks(ctx context.Context) ([]*armcompute.Disk, error)
	ListSnapshots(ctx context.Context) ([]*armcompute.Snapshot, error)
}

// Config selects the subscription.
type Config struct {
	SubscriptionID string
}

// Collector lists the resources of one subscription.
type Collector struct {
	client       diskAPI
	subscription string
}

// New authenticates with the default Azure credential chain.
func New(cfg Config) (*Collector, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure credential: %w", err)
	}

	disks, err := armcompute.NewDisksClient(cfg.SubscriptionID, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create disks client: %w", err)
	}
	snapshots, err := armcompute.NewSnapshotsClient(cfg.SubscriptionID, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshots client: %w", err)
	}

	return &Collector{
		client:       &sdkClient{disks: disks, snapshots: snapshots},
		subscription: cfg.SubscriptionID,
	}, nil
}

// Provider returns azure.
func (c *Collector) Provider() resource.Provider {
	return resource.ProviderAzure
}

// ResourceTypes returns the listed resource types.
func (c *Collector) ResourceTypes() []string {
	return []string{TypeManagedDisk, TypeDiskSnapshot}
}

// ListResources lists one resource type. Pages read before a failure are
// returned with the error.
func (c *Collector) ListResources(ctx context.Context, account, resourceType string) ([]resource.Snapshot, error) {
	var snaps []resource.Snapshot

	switch resourceType {
	case TypeManagedDisk:
		disks, err := c.client.ListDisks(ctx)
		for _, d := range disks {
			snaps = append(snaps, buildDiskSnapshot(d, account))
		}
		if err != nil {
			return snaps, classify(fmt.Errorf("failed to list disks: %w", err))
		}

	case TypeDiskSnapshot:
		diskIDs := c.diskIDs(ctx)
		snapshots, err := c.client.ListSnapshots(ctx)
		for _, s := range snapshots {
			snaps = append(snaps, buildSnapshot(s, account, diskIDs))
		}
		if err != nil {
			return snaps, classify(fmt.Errorf("failed to list snapshots: %w", err))
		}

	default:
		return nil, fmt.Errorf("unsupported resource type %q", resourceType)
	}

	return snaps, nil
}

// diskIDs returns the lower-cased ids of all disks, or nil when they
// cannot be listed completely.
func (c *Collector) diskIDs(ctx context.Context) map[string]bool {
	disks, err := c.client.ListDisks(ctx)
	if err != nil {
		log.Warn().Err(err).Str("subscription", c.subscription).Msg("source disk check skipped")
		return nil
	}
	ids := make(map[string]bool, len(disks))
	for _, d := range disks {
		ids[strings.ToLower(deref(d.ID))] = true
	}
	return ids
}

// classify marks throttling and server errors as transient.
func classify(err error) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		if respErr.StatusCode == http.StatusTooManyRequests || respErr.StatusCode >= 500 {
			return resource.Transient(err)
		}
	}
	return err
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

func tagMap(tags map[string]*string) map[string]string {
	if len(tags) == 0 {
		return nil
	}
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = deref(v)
	}
	return out
}

// sdkClient adapts the ARM compute clients.
type sdkClient struct {
	disks     *armcompute.DisksClient
	snapshots *armcompute.SnapshotsClient
}

func (s *sdkClient) ListDisks(ctx context.Context) ([]*armcompute.Disk, error) {
	var out []*armcompute.Disk
	pager := s.disks.NewListPager(nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return out, err
		}
		out = append(out, page.Value...)
	}
	return out, nil
}

func (s *sdkClient) ListSnapshots(ctx context.Context) ([]*armcompute.Snapshot, error) {
	var out []*armcompute.Snapshot
	pager := s.snapshots.NewListPager(nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return out, err
		}
		out = append(out, page.Value...)
	}
	return out, nil
}
