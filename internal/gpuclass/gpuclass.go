// Package gpuclass holds the read-only GPU class directory: id -> display
// name and VRAM size. It is loaded once at process start and safe for
// concurrent reads.
package gpuclass

import (
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Info is one directory entry. VRAMGB is nil when the catalog has no usable
// VRAM figure and none could be recovered from the display name.
type Info struct {
	GPUClassID  string
	Name        string
	VRAMGB      *int
	GPUType     string
	BatchPrice  *float64
	LowPrice    *float64
	MediumPrice *float64
	HighPrice   *float64
}

// TierUnknown is the VRAM tier assigned when a class has no parseable VRAM.
const TierUnknown = "Unknown"

type Directory struct {
	byID map[string]Info
	log  *zap.Logger
}

// NewDirectory builds an immutable lookup table from catalog entries.
func NewDirectory(infos []Info, log *zap.Logger) *Directory {
	if log == nil {
		log = zap.NewNop()
	}
	byID := make(map[string]Info, len(infos))
	for _, in := range infos {
		if in.VRAMGB == nil {
			if v, ok := ParseVRAMFromName(in.Name); ok {
				in.VRAMGB = &v
			}
		}
		byID[in.GPUClassID] = in
	}
	return &Directory{byID: byID, log: log}
}

func (d *Directory) Lookup(id string) (Info, bool) {
	in, ok := d.byID[id]
	return in, ok
}

func (d *Directory) Len() int { return len(d.byID) }

// Label returns the display name for a class id, falling back to the raw id
// when the directory has no entry. The fallback is a data-quality condition,
// not an error.
func (d *Directory) Label(id string) string {
	if in, ok := d.byID[id]; ok && in.Name != "" {
		return in.Name
	}
	d.log.Warn("gpu class not in directory, using raw id as label", zap.String("gpu_class_id", id))
	return id
}

// VRAMTier maps a class id to its VRAM tier label ("24 GB"); classes with no
// known VRAM land in the Unknown tier.
func (d *Directory) VRAMTier(id string) string {
	if in, ok := d.byID[id]; ok && in.VRAMGB != nil {
		return fmt.Sprintf("%d GB", *in.VRAMGB)
	}
	return TierUnknown
}

// ParseVRAMFromName recovers a VRAM size from display names like
// "RTX 4090 (24 GB)" or "A100 40GB". Returns false when no size is present.
func ParseVRAMFromName(name string) (int, bool) {
	s := name
	if i := strings.LastIndex(s, "("); i >= 0 {
		s = s[i+1:]
		if j := strings.Index(s, ")"); j >= 0 {
			s = s[:j]
		}
	}
	s = strings.TrimSpace(s)
	idx := strings.Index(strings.ToUpper(s), "GB")
	if idx < 0 {
		return 0, false
	}
	num := strings.TrimSpace(s[:idx])
	if i := strings.LastIndexByte(num, ' '); i >= 0 {
		num = num[i+1:]
	}
	v, err := strconv.Atoi(num)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}
