package sensor

import (
	"fmt"
	"sort"
	"time"
)

// Record is one accepted sensor state change. It is immutable once
// created; the classification fields are copied from the device's
// static configuration at ingestion time and never re-resolved.
type Record struct {
	// Timestamp is the device's own state-change time in epoch millis.
	Timestamp int64  `json:"timestamp"`
	SourceID  string `json:"id"`
	Name      string `json:"name"`
	Location  string `json:"location"`
	Type      string `json:"type"`
	Value     Value  `json:"value"`
}

// Time returns the record timestamp as a time.Time.
func (r Record) Time() time.Time {
	return time.UnixMilli(r.Timestamp)
}

// FormatSlot renders the record for a debug slot projection:
// "HH:MM:SS - name (location) -> value".
func FormatSlot(r Record, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return fmt.Sprintf("%s - %s (%s) -> %s", r.Time().In(loc).Format("15:04:05"), r.Name, r.Location, r.Value)
}

// DeviceConfig is the static configuration of one monitored sensor.
type DeviceConfig struct {
	ID            string `yaml:"id" json:"id"`
	Name          string `yaml:"name" json:"name"`
	Location      string `yaml:"location" json:"location"`
	Type          string `yaml:"type" json:"type"`
	LogDuplicates bool   `yaml:"log_duplicates" json:"logDuplicates"`

	// ValueType controls how raw state strings are interpreted; see
	// [ParseState]. Empty means auto.
	ValueType string `yaml:"value_type" json:"valueType,omitempty"`
}

// Registry indexes device configurations by source id. It is built once
// from configuration and read-only afterwards.
type Registry struct {
	devices map[string]DeviceConfig
}

// NewRegistry builds a registry. Later duplicates of the same id
// replace earlier ones; entries with an empty id are skipped.
func NewRegistry(devices []DeviceConfig) *Registry {
	r := &Registry{devices: make(map[string]DeviceConfig, len(devices))}
	for _, d := range devices {
		if d.ID == "" {
			continue
		}
		r.devices[d.ID] = d
	}
	return r
}

// Lookup returns the configuration for a source id.
func (r *Registry) Lookup(id string) (DeviceConfig, bool) {
	if r == nil {
		return DeviceConfig{}, false
	}
	d, ok := r.devices[id]
	return d, ok
}

// Len returns the number of configured devices.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.devices)
}

// IDs returns the configured source ids in sorted order.
func (r *Registry) IDs() []string {
	if r == nil {
		return nil
	}
	ids := make([]string, 0, len(r.devices))
	for id := range r.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
