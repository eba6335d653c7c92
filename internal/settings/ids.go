package settings

import (
	"sort"
	"strconv"
	"strings"

	"github.com/KevinKickass/OpenSolarCollector/internal/types"
)

// ParseDeviceIDs parses a comma separated list of ids and inclusive
// ranges, e.g. "1,2,5-7". Malformed tokens and ids outside 1..247 are
// dropped. The result is sorted and free of duplicates.
func ParseDeviceIDs(s string) []int {
	seen := make(map[int]struct{})
	add := func(id int) {
		if types.ValidDeviceID(id) {
			seen[id] = struct{}{}
		}
	}

	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if from, to, ok := strings.Cut(part, "-"); ok {
			start, err1 := strconv.Atoi(strings.TrimSpace(from))
			end, err2 := strconv.Atoi(strings.TrimSpace(to))
			if err1 != nil || err2 != nil {
				continue
			}
			if start < types.MinDeviceID {
				start = types.MinDeviceID
			}
			if end > types.MaxDeviceID {
				end = types.MaxDeviceID
			}
			for id := start; id <= end; id++ {
				add(id)
			}
			continue
		}

		id, err := strconv.Atoi(part)
		if err != nil {
			continue
		}
		add(id)
	}

	ids := make([]int, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// FormatDeviceIDs renders ids compactly, collapsing runs into ranges.
func FormatDeviceIDs(ids []int) string {
	if len(ids) == 0 {
		return ""
	}
	sorted := append([]int(nil), ids...)
	sort.Ints(sorted)

	var b strings.Builder
	writeRun := func(start, end int) {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(start))
		if end > start {
			b.WriteByte('-')
			b.WriteString(strconv.Itoa(end))
		}
	}

	start, prev := sorted[0], sorted[0]
	for _, id := range sorted[1:] {
		if id == prev {
			continue
		}
		if id == prev+1 {
			prev = id
			continue
		}
		writeRun(start, prev)
		start, prev = id, id
	}
	writeRun(start, prev)
	return b.String()
}
