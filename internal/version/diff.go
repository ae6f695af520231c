package version

import (
	"sort"

	"atelier/api/internal/store"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// diffChangeSets computes the path-keyed difference between two versions'
// change sets. Paths only in b become adds, paths only in a become deletes,
// and paths whose content differs become modifies carrying a fine-grained
// text diff under metadata["diffs"].
func diffChangeSets(a, b []store.Change) []store.Change {
	fromPaths := indexByPath(a)
	toPaths := indexByPath(b)

	paths := make([]string, 0, len(fromPaths)+len(toPaths))
	seen := make(map[string]struct{}, len(fromPaths)+len(toPaths))
	for _, change := range a {
		if _, ok := seen[change.Path]; !ok {
			seen[change.Path] = struct{}{}
			paths = append(paths, change.Path)
		}
	}
	for _, change := range b {
		if _, ok := seen[change.Path]; !ok {
			seen[change.Path] = struct{}{}
			paths = append(paths, change.Path)
		}
	}
	sort.Strings(paths)

	result := make([]store.Change, 0)
	for _, path := range paths {
		from, inFrom := fromPaths[path]
		to, inTo := toPaths[path]
		switch {
		case !inFrom:
			result = append(result, store.Change{Type: "add", Path: path, Content: to.Content})
		case !inTo:
			result = append(result, store.Change{Type: "delete", Path: path, PreviousContent: from.Content})
		case from.Content != to.Content:
			result = append(result, store.Change{
				Type:            "modify",
				Path:            path,
				Content:         to.Content,
				PreviousContent: from.Content,
				Metadata:        map[string]any{"diffs": textDiff(from.Content, to.Content)},
			})
		}
	}
	return result
}

func indexByPath(changes []store.Change) map[string]store.Change {
	index := make(map[string]store.Change, len(changes))
	for _, change := range changes {
		index[change.Path] = change
	}
	return index
}

// textDiff produces equal/insert/delete spans cleaned up for human
// readability rather than minimal edit distance. The shape is an opaque
// payload; nothing downstream validates it structurally.
func textDiff(before, after string) []map[string]string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(before, after, false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	spans := make([]map[string]string, 0, len(diffs))
	for _, diff := range diffs {
		var op string
		switch diff.Type {
		case diffmatchpatch.DiffInsert:
			op = "insert"
		case diffmatchpatch.DiffDelete:
			op = "delete"
		default:
			op = "equal"
		}
		spans = append(spans, map[string]string{"op": op, "text": diff.Text})
	}
	return spans
}
