package gateway

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

var rootDiskCandidates = []string{"scsi0", "virtio0", "sata0", "ide0"}

// detectRootDisk picks the boot disk key from a Proxmox VM config.
func detectRootDisk(config map[string]string) string {
	if v := strings.TrimSpace(config["bootdisk"]); v != "" {
		return v
	}
	if disk := detectBootOrderDisk(config["boot"]); disk != "" {
		return disk
	}
	for _, candidate := range rootDiskCandidates {
		if _, ok := config[candidate]; ok {
			return candidate
		}
	}
	return ""
}

// detectBootOrderDisk reads the first disk out of "order=scsi0;net0".
func detectBootOrderDisk(boot string) string {
	idx := strings.Index(boot, "order=")
	if idx == -1 {
		return ""
	}
	order := boot[idx+len("order="):]
	if comma := strings.Index(order, ","); comma != -1 {
		order = order[:comma]
	}
	for _, part := range strings.FieldsFunc(order, func(r rune) bool { return r == ';' || r == ' ' }) {
		for _, candidate := range rootDiskCandidates {
			if part == candidate {
				return part
			}
		}
	}
	return ""
}

func extractDiskSizeToken(diskConfig string) string {
	idx := strings.Index(diskConfig, "size=")
	if idx == -1 {
		return ""
	}
	rest := diskConfig[idx+len("size="):]
	if end := strings.IndexAny(rest, ", \t\r\n"); end != -1 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}

// parseSizeGB converts a Proxmox size token such as "32G" or "2.8G" to GiB.
func parseSizeGB(size string) (float64, error) {
	upper := strings.ToUpper(strings.TrimSpace(size))
	i := 0
	for i < len(upper) && ((upper[i] >= '0' && upper[i] <= '9') || upper[i] == '.') {
		i++
	}
	if i == 0 {
		return 0, fmt.Errorf("invalid size %q", size)
	}
	value, err := strconv.ParseFloat(upper[:i], 64)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", upper[:i], err)
	}
	switch strings.TrimSuffix(strings.TrimSpace(upper[i:]), "B") {
	case "":
		return value / (1 << 30), nil
	case "K":
		return value / (1 << 20), nil
	case "M":
		return value / (1 << 10), nil
	case "G":
		return value, nil
	case "T":
		return value * (1 << 10), nil
	default:
		return 0, fmt.Errorf("unknown unit in %q", size)
	}
}

// resizeDeltaGB returns how many whole GiB to grow a disk by so it reaches targetGB.
// Disks never shrink.
func resizeDeltaGB(currentGB float64, targetGB int) int {
	if targetGB <= 0 {
		return 0
	}
	delta := targetGB - int(math.Floor(math.Max(currentGB, 0)))
	if delta < 0 {
		return 0
	}
	return delta
}
