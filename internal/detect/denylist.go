package detect

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Denylist flags device identifiers that are known bad, either by exact
// value or by pattern. It is immutable; config updates build a new one.
type Denylist struct {
	exact    map[string]struct{}
	patterns []*regexp.Regexp
}

func NewDenylist(exact []string, patterns []string) (*Denylist, error) {
	d := &Denylist{exact: buildDeviceSet(exact)}
	for _, p := range patterns {
		if strings.TrimSpace(p) == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("device pattern %q: %w", p, err)
		}
		d.patterns = append(d.patterns, re)
	}
	return d, nil
}

func buildDeviceSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		id := NormalizeDeviceID(v)
		if id == "" {
			continue
		}
		set[id] = struct{}{}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}

// Match reports whether deviceID is denied and why.
func (d *Denylist) Match(deviceID string) (string, bool) {
	if d == nil {
		return "", false
	}
	raw := strings.TrimSpace(deviceID)
	if d.exact != nil {
		if _, ok := d.exact[NormalizeDeviceID(raw)]; ok {
			return "device id is blocklisted", true
		}
	}
	for _, re := range d.patterns {
		if re.MatchString(raw) {
			return fmt.Sprintf("device id matches suspicious pattern %s", re.String()), true
		}
	}
	return "", false
}

// Blocklist returns the exact entries, sorted.
func (d *Denylist) Blocklist() []string {
	if d == nil {
		return nil
	}
	out := make([]string, 0, len(d.exact))
	for id := range d.exact {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func NormalizeDeviceID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
