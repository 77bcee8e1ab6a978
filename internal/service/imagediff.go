package service

// ImageAddition is one image the pipeline must upload and embed: the URL
// and the index it now occupies.
type ImageAddition struct {
	URL   string
	Index int
}

// ImageDiff is the reconciliation plan between a product's current image
// list and its previously stored one. Removed holds previous indices whose
// tracking rows and index entries must be pruned; Unchanged holds current
// indices whose (URL, index) pair survived as-is.
type ImageDiff struct {
	Added     []ImageAddition
	Removed   []int
	Unchanged []int
}

// DiffImages computes the additions and removals between image lists.
//
// Identity is position-dependent, not content-addressed: an image present
// in both lists at different positions counts as a removal of the old index
// and an addition at the new one, so a reorder re-embeds. Only an identical
// (URL, index) pair is unchanged.
func DiffImages(current, previous []string) ImageDiff {
	var diff ImageDiff

	for i, img := range current {
		if i < len(previous) && previous[i] == img {
			diff.Unchanged = append(diff.Unchanged, i)
			continue
		}
		diff.Added = append(diff.Added, ImageAddition{URL: img, Index: i})
	}

	for j := range previous {
		if j < len(current) && current[j] == previous[j] {
			continue
		}
		diff.Removed = append(diff.Removed, j)
	}

	return diff
}
