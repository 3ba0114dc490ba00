// Package gcp collects Cloud SQL instances, persistent disks and disk
// snapshots of one project.
package gcp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/api/compute/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	sqladmin "google.golang.org/api/sqladmin/v1beta4"

	"github.com/yairfalse/tuhlaus/pkg/resource"
)

// Resource types listed by the collector.
const (
	TypeCloudSQLInstance = "cloud_sql_instance"
	TypePersistentDisk   = "persistent_disk"
	TypeDiskSnapshot     = "disk_snapshot"
)

// sqlAPI lists Cloud SQL instances.
type sqlAPI interface {
	ListInstances(ctx context.Context, project string) ([]*sqladmin.DatabaseInstance, error)
}

// computeAPI lists disks and snapshots.
type computeAPI interface {
	ListDisks(ctx context.Context, project string) ([]*compute.Disk, error)
	ListSnapshots(ctx context.Context, project string) ([]*compute.Snapshot, error)
}

// Config selects the project and credentials.
type Config struct {
	Project         string
	CredentialsFile string
}

// Collector lists the resources of one GCP project.
type Collector struct {
	sql     sqlAPI
	compute computeAPI
	project string
}

// New creates the Cloud SQL Admin and Compute clients. Without a
// credentials file application default credentials are used.
func New(ctx context.Context, cfg Config) (*Collector, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	sqlService, err := sqladmin.NewService(ctx, append(opts, option.WithScopes(sqladmin.SqlserviceAdminScope))...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Cloud SQL client: %w", err)
	}
	computeService, err := compute.NewService(ctx, append(opts, option.WithScopes(compute.ComputeReadonlyScope))...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Compute client: %w", err)
	}

	client := &sdkClient{sql: sqlService, compute: computeService}
	return &Collector{sql: client, compute: client, project: cfg.Project}, nil
}

// Provider returns gcp.
func (c *Collector) Provider() resource.Provider {
	return resource.ProviderGCP
}

// ResourceTypes returns the listed resource types.
func (c *Collector) ResourceTypes() []string {
	return []string{TypeCloudSQLInstance, TypePersistentDisk, TypeDiskSnapshot}
}

// ListResources lists one resource type. Pages read before a failure are
// returned with the error.
func (c *Collector) ListResources(ctx context.Context, account, resourceType string) ([]resource.Snapshot, error) {
	var snaps []resource.Snapshot

	switch resourceType {
	case TypeCloudSQLInstance:
		instances, err := c.sql.ListInstances(ctx, c.project)
		for _, inst := range instances {
			snaps = append(snaps, buildCloudSQLSnapshot(inst, account))
		}
		if err != nil {
			return snaps, classify(fmt.Errorf("failed to list Cloud SQL instances: %w", err))
		}

	case TypePersistentDisk:
		disks, err := c.compute.ListDisks(ctx, c.project)
		for _, d := range disks {
			snaps = append(snaps, buildDiskSnapshot(d, account))
		}
		if err != nil {
			return snaps, classify(fmt.Errorf("failed to list disks: %w", err))
		}

	case TypeDiskSnapshot:
		diskIDs := c.diskIDs(ctx)
		snapshots, err := c.compute.ListSnapshots(ctx, c.project)
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

// diskIDs returns the ids of all disks, or nil when they cannot be
// listed completely.
func (c *Collector) diskIDs(ctx context.Context) map[uint64]bool {
	disks, err := c.compute.ListDisks(ctx, c.project)
	if err != nil {
		log.Warn().Err(err).Str("project", c.project).Msg("source disk check skipped")
		return nil
	}
	ids := make(map[uint64]bool, len(disks))
	for _, d := range disks {
		ids[d.Id] = true
	}
	return ids
}

// classify marks rate limiting and server errors as transient.
func classify(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500 {
			return resource.Transient(err)
		}
	}
	return err
}

// parseTime parses an RFC 3339 API timestamp. Empty or malformed values
// are unknown.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// lastSegment returns the last path segment of a resource URL.
func lastSegment(url string) string {
	if url == "" {
		return ""
	}
	return path.Base(url)
}

// sdkClient adapts the generated API services.
type sdkClient struct {
	sql     *sqladmin.Service
	compute *compute.Service
}

func (s *sdkClient) ListInstances(ctx context.Context, project string) ([]*sqladmin.DatabaseInstance, error) {
	var out []*sqladmin.DatabaseInstance
	err := s.sql.Instances.List(project).Pages(ctx, func(resp *sqladmin.InstancesListResponse) error {
		out = append(out, resp.Items...)
		return nil
	})
	return out, err
}

func (s *sdkClient) ListDisks(ctx context.Context, project string) ([]*compute.Disk, error) {
	var out []*compute.Disk
	err := s.compute.Disks.AggregatedList(project).Pages(ctx, func(resp *compute.DiskAggregatedList) error {
		for _, scoped := range resp.Items {
			out = append(out, scoped.Disks...)
		}
		return nil
	})
	return out, err
}

func (s *sdkClient) ListSnapshots(ctx context.Context, project string) ([]*compute.Snapshot, error) {
	var out []*compute.Snapshot
	err := s.compute.Snapshots.List(project).Pages(ctx, func(resp *compute.SnapshotList) error {
		out = append(out, resp.Items...)
		return nil
	})
	return out, err
}
