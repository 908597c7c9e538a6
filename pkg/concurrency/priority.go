package concurrency

import (
	"fmt"
	"strings"
)

type SyncPriority int

const (
	PriorityIncremental SyncPriority = iota
	PriorityFirstSync
)

// priorityTable is the fixed numeric value persisted on runs. Higher runs first.
var priorityTable = map[SyncPriority]int{
	PriorityIncremental: 0,
	PriorityFirstSync:   100,
}

func (p SyncPriority) Value() int {
	return priorityTable[p]
}

func (p SyncPriority) String() string {
	switch p {
	case PriorityFirstSync:
		return "first_sync"
	default:
		return "incremental"
	}
}

// PriorityFromValue maps a persisted value back to the enum. Unknown values fall back to
// incremental.
func PriorityFromValue(v int) SyncPriority {
	for p, pv := range priorityTable {
		if pv == v {
			return p
		}
	}
	return PriorityIncremental
}

func ParsePriority(s string) (SyncPriority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "incremental":
		return PriorityIncremental, nil
	case "first_sync", "first-sync", "firstsync", "first":
		return PriorityFirstSync, nil
	default:
		return PriorityIncremental, fmt.Errorf("concurrency: unknown priority %q", s)
	}
}

func (p SyncPriority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *SyncPriority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}
