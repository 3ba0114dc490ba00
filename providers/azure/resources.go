package azure

import (
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v5"

	"github.com/yairfalse/tuhlaus/pkg/resource"
)

// buildDiskSnapshot converts a managed disk. The SKU is
// azure:disk:<sku name>; zone-redundant SKUs count as highly available.
// ARM does not report when a disk was detached, so unattached time is
// measured from creation.
func buildDiskSnapshot(d *armcompute.Disk, account string) resource.Snapshot {
	sku := ""
	if d.SKU != nil && d.SKU.Name != nil {
		sku = string(*d.SKU.Name)
	}

	snap := resource.Snapshot{
		ID:               deref(d.ID),
		Type:             TypeManagedDisk,
		Provider:         resource.ProviderAzure,
		Account:          account,
		Region:           deref(d.Location),
		Name:             deref(d.Name),
		Tags:             tagMap(d.Tags),
		SKU:              "azure:disk:" + sku,
		HighAvailability: strings.HasSuffix(sku, "_ZRS"),
		Size:             map[string]float64{},
		State:            resource.StateUnknown,
		Raw: map[string]string{
			"sku":        sku,
			"managed_by": deref(d.ManagedBy),
		},
	}

	p := d.Properties
	if p == nil {
		return snap
	}
	snap.CreatedAt = deref(p.TimeCreated)
	if p.DiskSizeGB != nil {
		snap.Size[resource.SizeStorageGB] = float64(*p.DiskSizeGB)
	}
	if p.DiskState != nil {
		state := *p.DiskState
		snap.Raw["disk_state"] = string(state)
		snap.State = resource.StateRunning

		attached := 1.0
		if state == armcompute.DiskStateUnattached {
			attached = 0
		}
		snap.Size[resource.SizeAttachmentCount] = attached
	}
	if len(d.ManagedByExtended) > 0 {
		snap.Size[resource.SizeAttachmentCount] = float64(len(d.ManagedByExtended))
	}

	return snap
}

// buildSnapshot converts a disk snapshot. The SKU is
// azure:snapshot:<sku name>. A nil diskIDs leaves the source unknown.
func buildSnapshot(s *armcompute.Snapshot, account string, diskIDs map[string]bool) resource.Snapshot {
	sku := string(armcompute.SnapshotStorageAccountTypesStandardLRS)
	if s.SKU != nil && s.SKU.Name != nil {
		sku = string(*s.SKU.Name)
	}

	snap := resource.Snapshot{
		ID:       deref(s.ID),
		Type:     TypeDiskSnapshot,
		Provider: resource.ProviderAzure,
		Account:  account,
		Region:   deref(s.Location),
		Name:     deref(s.Name),
		Tags:     tagMap(s.Tags),
		SKU:      "azure:snapshot:" + sku,
		Size:     map[string]float64{},
		State:    resource.StateRunning,
		Raw:      map[string]string{"sku": sku},
	}

	source := ""
	if p := s.Properties; p != nil {
		snap.CreatedAt = deref(p.TimeCreated)
		if p.DiskSizeGB != nil {
			snap.Size[resource.SizeStorageGB] = float64(*p.DiskSizeGB)
		}
		if p.CreationData != nil {
			source = deref(p.CreationData.SourceResourceID)
		}
		snap.Raw["incremental"] = fmt.Sprint(deref(p.Incremental))
	}
	snap.Raw["source_resource_id"] = source

	if diskIDs != nil {
		exists := 0.0
		if source != "" && diskIDs[strings.ToLower(source)] {
			exists = 1
		}
		snap.Size["source_disk_exists"] = exists
	}
	return snap
}
