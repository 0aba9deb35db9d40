package unpack

import (
	"bytes"
	"fmt"

	"github.com/cuemby/repoengine/internal/objstore"
)

// ConflictSuffix is appended to the remote side's copy of a binary
// conflict, keeping both versions in the merged tree under distinct
// names.
const ConflictSuffix = ".conflict"

// MergedPath is one path's outcome in a 3-way merge.
type MergedPath struct {
	Path       string
	Entry      FlatEntry
	Conflicted bool
}

// ThreewayMerge merges theirsTree into oursTree relative to their
// common ancestor baseTree. The result is a complete
// path -> entry map for the merged tree:
//   - a path only one side changed takes that side's version,
//   - a path both sides changed identically is kept as-is,
//   - a text file both sides changed gets inline conflict markers
//     (the merged content is stored as a new blob),
//   - a binary file both sides changed keeps ours at the original
//     path and theirs under a ConflictSuffix name,
//   - a modify-vs-delete keeps the modified side.
//
// The returned paths slice reports which paths conflicted; callers
// record them in the merge commit's description.
func ThreewayMerge(store *objstore.Store, baseTree, oursTree, theirsTree objstore.ID) (map[string]FlatEntry, []string, error) {
	base, err := Flatten(store, baseTree)
	if err != nil {
		return nil, nil, err
	}
	ours, err := Flatten(store, oursTree)
	if err != nil {
		return nil, nil, err
	}
	theirs, err := Flatten(store, theirsTree)
	if err != nil {
		return nil, nil, err
	}

	union := make(map[string]bool)
	for p := range base {
		union[p] = true
	}
	for p := range ours {
		union[p] = true
	}
	for p := range theirs {
		union[p] = true
	}

	merged := make(map[string]FlatEntry)
	var conflicts []string

	for p := range union {
		b, hadBase := base[p]
		o, hadOurs := ours[p]
		t, hadTheirs := theirs[p]

		switch {
		case hadOurs == hadTheirs && o == t:
			// Both sides agree, present or absent.
			if hadOurs {
				merged[p] = o
			}
		case hadBase == hadOurs && b == o:
			// Ours untouched since base: take theirs (which may be a delete).
			if hadTheirs {
				merged[p] = t
			}
		case hadBase == hadTheirs && b == t:
			// Theirs untouched since base: keep ours.
			if hadOurs {
				merged[p] = o
			}
		case !hadOurs || !hadTheirs:
			// Modify vs delete: keep whichever side still has content.
			if hadOurs {
				merged[p] = o
			} else {
				merged[p] = t
			}
			conflicts = append(conflicts, p)
		default:
			// Both sides changed the same path to different content.
			entry, extra, err := resolveContentConflict(store, p, o, t)
			if err != nil {
				return nil, nil, err
			}
			merged[p] = entry
			if extra != nil {
				merged[p+ConflictSuffix] = *extra
			}
			conflicts = append(conflicts, p)
		}
	}
	return merged, conflicts, nil
}

// resolveContentConflict produces the merged entry for a path both
// sides rewrote. Text files get inline markers; binary files keep both
// versions, with the extra return naming theirs' suffixed copy.
func resolveContentConflict(store *objstore.Store, path string, ours, theirs FlatEntry) (FlatEntry, *FlatEntry, error) {
	if ours.Mode == objstore.ModeDir || theirs.Mode == objstore.ModeDir {
		// Directory vs file collision: keep ours, park theirs aside.
		return ours, &theirs, nil
	}

	ourData, err := store.GetBlob(ours.Blob)
	if err != nil {
		return FlatEntry{}, nil, fmt.Errorf("unpack: merge %s: load ours: %w", path, err)
	}
	theirData, err := store.GetBlob(theirs.Blob)
	if err != nil {
		return FlatEntry{}, nil, fmt.Errorf("unpack: merge %s: load theirs: %w", path, err)
	}

	if !isText(ourData) || !isText(theirData) {
		return ours, &theirs, nil
	}

	mergedData := mergeTextWithMarkers(ourData, theirData)
	blobID, err := store.PutBlob(mergedData)
	if err != nil {
		return FlatEntry{}, nil, fmt.Errorf("unpack: merge %s: store merged blob: %w", path, err)
	}
	return FlatEntry{Mode: ours.Mode, Blob: blobID}, nil, nil
}

// mergeTextWithMarkers produces a line-based merge of ours and theirs:
// lines both sides agree on at the head and tail of the file pass
// through untouched, and the diverging middle is wrapped in standard
// conflict markers.
func mergeTextWithMarkers(ours, theirs []byte) []byte {
	ourLines := splitLines(ours)
	theirLines := splitLines(theirs)

	prefix := 0
	for prefix < len(ourLines) && prefix < len(theirLines) && ourLines[prefix] == theirLines[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(ourLines)-prefix && suffix < len(theirLines)-prefix &&
		ourLines[len(ourLines)-1-suffix] == theirLines[len(theirLines)-1-suffix] {
		suffix++
	}

	var buf bytes.Buffer
	for _, l := range ourLines[:prefix] {
		buf.WriteString(l)
	}
	buf.WriteString("<<<<<<< HEAD\n")
	for _, l := range ourLines[prefix : len(ourLines)-suffix] {
		buf.WriteString(l)
	}
	buf.WriteString("=======\n")
	for _, l := range theirLines[prefix : len(theirLines)-suffix] {
		buf.WriteString(l)
	}
	buf.WriteString(">>>>>>> remote\n")
	for _, l := range ourLines[len(ourLines)-suffix:] {
		buf.WriteString(l)
	}
	return buf.Bytes()
}

// splitLines splits data into lines, each keeping its trailing
// newline; a final unterminated line gets one added so marker lines
// never glue onto content.
func splitLines(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	var out []string
	for len(data) > 0 {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			out = append(out, string(data)+"\n")
			break
		}
		out = append(out, string(data[:i+1]))
		data = data[i+1:]
	}
	return out
}

// isText reports whether data looks like text: no NUL byte in the
// first 8000 bytes, the same heuristic git uses.
func isText(data []byte) bool {
	probe := data
	if len(probe) > 8000 {
		probe = probe[:8000]
	}
	return !bytes.Contains(probe, []byte{0})
}
