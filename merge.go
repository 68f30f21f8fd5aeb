package worldsync

import (
	"sort"
	"time"
)

// Source says which side a merged entry came from.
type Source string

const (
	SourceLocal  Source = "local"
	SourceRemote Source = "remote"
)

// mergeByRecency reconciles two keyed sets. An entry present on one side is
// kept as is; for entries on both sides the strictly later timestamp wins and
// an exact tie goes to remote. The result is ordered by key and the inputs
// are not modified.
func mergeByRecency[T any](local, remote []T, key func(T) string, stamp func(T) time.Time) ([]T, map[string]Source) {
	byKey := make(map[string]T, len(local)+len(remote))
	from := make(map[string]Source, len(local)+len(remote))

	for _, l := range local {
		k := key(l)
		if prev, ok := byKey[k]; ok && !stamp(l).After(stamp(prev)) {
			continue
		}
		byKey[k] = l
		from[k] = SourceLocal
	}
	for _, r := range remote {
		k := key(r)
		if prev, ok := byKey[k]; ok {
			if from[k] == SourceRemote && !stamp(r).After(stamp(prev)) {
				continue
			}
			if from[k] == SourceLocal && stamp(prev).After(stamp(r)) {
				continue
			}
		}
		byKey[k] = r
		from[k] = SourceRemote
	}

	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]T, 0, len(keys))
	for _, k := range keys {
		out = append(out, byKey[k])
	}
	return out, from
}

// MergeWorlds reconciles local and remote worlds by id and lastModified.
func MergeWorlds(local, remote []World) []World {
	merged, _ := mergeWorlds(local, remote)
	return merged
}

func mergeWorlds(local, remote []World) ([]World, map[string]Source) {
	merged, from := mergeByRecency(local, remote,
		func(w World) string { return w.ID },
		func(w World) time.Time { return w.LastModified })
	for i := range merged {
		merged[i] = merged[i].Clone()
	}
	return merged, from
}

// MergeSettings reconciles settings per key with the same rule as worlds.
func MergeSettings(local, remote []Setting) []Setting {
	merged, _ := mergeSettings(local, remote)
	return merged
}

func mergeSettings(local, remote []Setting) ([]Setting, map[string]Source) {
	return mergeByRecency(local, remote,
		func(s Setting) string { return s.Key },
		func(s Setting) time.Time { return s.LastModified })
}
