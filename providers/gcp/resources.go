package gcp

import (
	"strconv"
	"strings"
	"time"

	"google.golang.org/api/compute/v1"
	sqladmin "google.golang.org/api/sqladmin/v1beta4"

	"github.com/yairfalse/tuhlaus/pkg/resource"
)

// buildCloudSQLSnapshot converts a Cloud SQL instance. The SKU is the
// machine tier and the storage SKU gcp:cloudsql:storage:<ssd|hdd>.
func buildCloudSQLSnapshot(inst *sqladmin.DatabaseInstance, account string) resource.Snapshot {
	snap := resource.Snapshot{
		ID:        inst.Name,
		Type:      TypeCloudSQLInstance,
		Provider:  resource.ProviderGCP,
		Account:   account,
		Region:    inst.Region,
		Name:      inst.Name,
		CreatedAt: parseTime(inst.CreateTime),
		Size:      map[string]float64{},
		Raw: map[string]string{
			"database_version": inst.DatabaseVersion,
			"state":            inst.State,
			"instance_type":    inst.InstanceType,
			"gce_zone":         inst.GceZone,
		},
	}

	activation := ""
	if s := inst.Settings; s != nil {
		activation = s.ActivationPolicy
		snap.Tags = s.UserLabels
		snap.SKU = s.Tier
		snap.HighAvailability = s.AvailabilityType == "REGIONAL"
		snap.Size[resource.SizeStorageGB] = float64(s.DataDiskSizeGb)
		switch s.DataDiskType {
		case "PD_SSD":
			snap.StorageSKU = "gcp:cloudsql:storage:ssd"
		case "PD_HDD":
			snap.StorageSKU = "gcp:cloudsql:storage:hdd"
		}
		if vcpu, mem, ok := parseTier(s.Tier); ok {
			snap.Size[resource.SizeVCPU] = vcpu
			if mem > 0 {
				snap.Size[resource.SizeMemoryGB] = mem
			}
		}
		snap.Raw["tier"] = s.Tier
		snap.Raw["activation_policy"] = activation
	}
	snap.State = cloudSQLState(inst.State, activation)

	return snap
}

// cloudSQLState normalizes the instance state. A runnable instance whose
// activation policy is NEVER has been stopped by its owner.
func cloudSQLState(state, activation string) resource.State {
	switch state {
	case "RUNNABLE":
		if activation == "NEVER" {
			return resource.StateStopped
		}
		return resource.StateRunning
	case "SUSPENDED":
		return resource.StatePaused
	case "FAILED":
		return resource.StateFailed
	}
	return resource.StateUnknown
}

// parseTier derives vCPU and memory from a Cloud SQL machine tier:
// db-custom-<vcpu>-<memory MB>, db-n1-standard-<vcpu>, db-n1-highmem-<vcpu>
// and the shared-core tiers.
func parseTier(tier string) (vcpu, memoryGB float64, ok bool) {
	parts := strings.Split(tier, "-")
	switch {
	case tier == "db-f1-micro":
		return 1, 0.6, true
	case tier == "db-g1-small":
		return 1, 1.7, true
	case len(parts) == 4 && parts[1] == "custom":
		cpu, err1 := strconv.Atoi(parts[2])
		mb, err2 := strconv.Atoi(parts[3])
		if err1 != nil || err2 != nil {
			return 0, 0, false
		}
		return float64(cpu), float64(mb) / 1024, true
	case len(parts) == 4 && parts[1] == "n1":
		cpu, err := strconv.Atoi(parts[3])
		if err != nil {
			return 0, 0, false
		}
		perCPU := 3.75
		if parts[2] == "highmem" {
			perCPU = 6.5
		}
		return float64(cpu), float64(cpu) * perCPU, true
	case len(parts) > 1:
		// Other families end in the vCPU count.
		cpu, err := strconv.Atoi(parts[len(parts)-1])
		if err != nil {
			return 0, 0, false
		}
		return float64(cpu), 0, true
	}
	return 0, 0, false
}

// buildDiskSnapshot converts a persistent disk. Ids are <zone>/<name>, or
// <region>/<name> for regional disks. The SKU is gcp:pd:<type> with the
// pd- prefix dropped.
func buildDiskSnapshot(d *compute.Disk, account string) resource.Snapshot {
	location := lastSegment(d.Zone)
	regional := location == ""
	if regional {
		location = lastSegment(d.Region)
	}
	diskType := lastSegment(d.Type)

	snap := resource.Snapshot{
		ID:               location + "/" + d.Name,
		Type:             TypePersistentDisk,
		Provider:         resource.ProviderGCP,
		Account:          account,
		Region:           location,
		Name:             d.Name,
		CreatedAt:        parseTime(d.CreationTimestamp),
		Tags:             d.Labels,
		SKU:              "gcp:pd:" + strings.TrimPrefix(diskType, "pd-"),
		HighAvailability: regional,
		Size: map[string]float64{
			resource.SizeStorageGB:       float64(d.SizeGb),
			resource.SizeAttachmentCount: float64(len(d.Users)),
		},
		State: diskState(d.Status),
		Raw: map[string]string{
			"disk_type": diskType,
			"status":    d.Status,
			"disk_id":   strconv.FormatUint(d.Id, 10),
		},
	}
	if len(d.Users) == 0 {
		if t := parseTime(d.LastDetachTimestamp); !t.IsZero() {
			snap.Timestamps = map[string]time.Time{resource.TimeDetachedAt: t}
		}
	}
	return snap
}

func diskState(status string) resource.State {
	switch status {
	case "READY":
		return resource.StateRunning
	case "FAILED":
		return resource.StateFailed
	}
	return resource.StateUnknown
}

// buildSnapshot converts a disk snapshot. The billed size is the stored
// bytes when reported. The SKU is gcp:snapshot:<standard|archive>. A nil
// diskIDs leaves the source disk unknown.
func buildSnapshot(s *compute.Snapshot, account string, diskIDs map[uint64]bool) resource.Snapshot {
	sizeGB := float64(s.DiskSizeGb)
	if s.StorageBytes > 0 {
		sizeGB = float64(s.StorageBytes) / (1 << 30)
	}
	kind := strings.ToLower(s.SnapshotType)
	if kind == "" {
		kind = "standard"
	}
	region := ""
	if len(s.StorageLocations) > 0 {
		region = s.StorageLocations[0]
	}

	snap := resource.Snapshot{
		ID:        s.Name,
		Type:      TypeDiskSnapshot,
		Provider:  resource.ProviderGCP,
		Account:   account,
		Region:    region,
		Name:      s.Name,
		CreatedAt: parseTime(s.CreationTimestamp),
		Tags:      s.Labels,
		SKU:       "gcp:snapshot:" + kind,
		Size:      map[string]float64{resource.SizeStorageGB: sizeGB},
		State:     diskState(s.Status),
		Raw: map[string]string{
			"source_disk":    s.SourceDisk,
			"source_disk_id": s.SourceDiskId,
			"status":         s.Status,
		},
	}
	if diskIDs != nil {
		exists := 0.0
		if id, err := strconv.ParseUint(s.SourceDiskId, 10, 64); err == nil && diskIDs[id] {
			exists = 1
		}
		snap.Size["source_disk_exists"] = exists
	}
	return snap
}
