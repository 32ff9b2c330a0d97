// Package order gives rooms and messages a stable total order. Both feeds may
// deliver records in any order, and server timestamps may still be pending,
// so every ordering falls back to client time and finally to ids.
package order

import (
	"cmp"
	"slices"
	"strings"

	"github.com/npezzotti/go-chatsync/internal/types"
)

// TimeKey returns the ordering key in seconds for a dual timestamp: the
// server seconds when assigned, else the client milliseconds floored to
// seconds.
func TimeKey(ts *types.Timestamp, clientMillis int64) int64 {
	if ts != nil {
		return ts.Seconds
	}
	return floorDiv(clientMillis, 1000)
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// Rooms returns rooms deduplicated by id and ordered by most recent activity.
// Ties fall back to creation time (newest first), then case-insensitive name,
// then id.
func Rooms(rooms []types.Room) []types.Room {
	out := dedup(rooms, func(r types.Room) string { return r.Id })
	slices.SortFunc(out, compareRooms)
	return out
}

func compareRooms(a, b types.Room) int {
	if c := cmp.Compare(TimeKey(b.LastMessageAt, b.LastMessageAtClient), TimeKey(a.LastMessageAt, a.LastMessageAtClient)); c != 0 {
		return c
	}
	if c := cmp.Compare(TimeKey(b.CreatedAt, b.CreatedAtClient), TimeKey(a.CreatedAt, a.CreatedAtClient)); c != 0 {
		return c
	}
	if c := strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name)); c != 0 {
		return c
	}
	return strings.Compare(a.Id, b.Id)
}

// Messages returns messages deduplicated by id in chronological order, ties
// broken by id.
func Messages(messages []types.Message) []types.Message {
	out := dedup(messages, func(m types.Message) string { return m.Id })
	slices.SortFunc(out, compareMessages)
	return out
}

func compareMessages(a, b types.Message) int {
	if c := cmp.Compare(TimeKey(a.CreatedAt, a.CreatedAtClient), TimeKey(b.CreatedAt, b.CreatedAtClient)); c != 0 {
		return c
	}
	return strings.Compare(a.Id, b.Id)
}

// dedup keeps one record per id, the last occurrence winning. The input is
// not modified.
func dedup[T any](records []T, id func(T) string) []T {
	index := make(map[string]int, len(records))
	out := make([]T, 0, len(records))
	for _, r := range records {
		key := id(r)
		if i, ok := index[key]; ok {
			out[i] = r
			continue
		}
		index[key] = len(out)
		out = append(out, r)
	}
	return out
}
