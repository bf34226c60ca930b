package mergetrain

import "sort"

// SortForMerge sorts changes in the order they are merged:
// non-draft changes before drafts, changes with the includeLabel before
// others, then by ascending number.
func SortForMerge(changes []*Change, includeLabel string) {
	sort.SliceStable(changes, func(i, j int) bool {
		a, b := changes[i], changes[j]

		if a.Draft != b.Draft {
			return !a.Draft
		}

		aIncl, bIncl := a.HasLabel(includeLabel), b.HasLabel(includeLabel)
		if aIncl != bIncl {
			return aIncl
		}

		return a.Number < b.Number
	})
}
