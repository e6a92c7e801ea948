package teemo

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
)

// indexSchemaVersion is the leading version line of the sidecar format.
// Bumping it is backward compatible as long as decode keeps tolerating
// older lines; unknown trailing fields are ignored, not rejected.
const indexSchemaVersion = 1

// sliceRecord is one slice's on-disk representation: begin, end, and bytes
// captured so far. It mirrors Slice but drops everything that isn't
// resumption state (status, in-memory buffer).
type sliceRecord struct {
	Begin    int64
	End      int64
	Captured int64
}

// IndexRecord is the sidecar index's logical content: the single source of
// truth for resumption (spec.md §3). Grounded in rain's Breakpoint
// (breakpoint.go), re-encoded to the textual line format spec.md §6
// mandates instead of JSON, since the spec is explicit about a stable,
// forward-compatible, line-oriented layout.
type IndexRecord struct {
	SchemaVersion int
	URL           string
	TotalSize     int64 // -1 when unknown at save time
	SavedAtUnix   int64
	Slices        []sliceRecord
}

// EncodeIndex serializes an IndexRecord to the sidecar's textual format:
// a version line, then url/total_size/saved_at_unix, then one
// "begin,end,captured" line per slice. LF line endings, UTF-8.
func EncodeIndex(rec *IndexRecord) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "teemo-index-v%d\n", indexSchemaVersion)
	fmt.Fprintf(&b, "url=%s\n", rec.URL)
	fmt.Fprintf(&b, "total_size=%d\n", rec.TotalSize)
	fmt.Fprintf(&b, "saved_at_unix=%d\n", rec.SavedAtUnix)
	for _, s := range rec.Slices {
		fmt.Fprintf(&b, "%d,%d,%d\n", s.Begin, s.End, s.Captured)
	}
	return []byte(b.String())
}

// DecodeIndex parses the sidecar format produced by EncodeIndex. Missing
// required fields (url/total_size/saved_at_unix) fail with
// INVALID_INDEX_FORMAT; unknown trailing fields before the slice lines are
// ignored, and a malformed slice line is likewise fatal per spec.md §4.1 —
// the codec never silently drops or mutates a well-formed record.
func DecodeIndex(data []byte) (*IndexRecord, error) {
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	if !scanner.Scan() {
		return nil, wrapResult(INVALID_INDEX_FORMAT, fmt.Errorf("empty index"))
	}
	versionLine := scanner.Text()
	if !strings.HasPrefix(versionLine, "teemo-index-v") {
		return nil, wrapResult(INVALID_INDEX_FORMAT, fmt.Errorf("missing version line"))
	}

	rec := &IndexRecord{}
	haveURL, haveSize, haveSaved := false, false, false

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			// Not a key=value line: either a slice record or trailing
			// garbage. Once url/total_size/saved_at_unix are all seen,
			// treat every remaining non-empty line as a slice record.
			if haveURL && haveSize && haveSaved {
				sr, err := parseSliceLine(line)
				if err != nil {
					return nil, wrapResult(INVALID_INDEX_FORMAT, err)
				}
				rec.Slices = append(rec.Slices, sr)
				continue
			}
			return nil, wrapResult(INVALID_INDEX_FORMAT, fmt.Errorf("malformed line: %q", line))
		}
		switch key {
		case "url":
			rec.URL = val
			haveURL = true
		case "total_size":
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return nil, wrapResult(INVALID_INDEX_FORMAT, err)
			}
			rec.TotalSize = n
			haveSize = true
		case "saved_at_unix":
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return nil, wrapResult(INVALID_INDEX_FORMAT, err)
			}
			rec.SavedAtUnix = n
			haveSaved = true
		default:
			// Unknown field: forward-compatible, ignore.
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, wrapResult(INVALID_INDEX_FORMAT, err)
	}
	if !haveURL || !haveSize || !haveSaved {
		return nil, wrapResult(INVALID_INDEX_FORMAT, fmt.Errorf("missing required field"))
	}
	rec.SchemaVersion = indexSchemaVersion
	return rec, nil
}

func parseSliceLine(line string) (sliceRecord, error) {
	parts := strings.Split(line, ",")
	if len(parts) != 3 {
		return sliceRecord{}, fmt.Errorf("malformed slice line: %q", line)
	}
	begin, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return sliceRecord{}, err
	}
	end, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return sliceRecord{}, err
	}
	captured, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return sliceRecord{}, err
	}
	return sliceRecord{Begin: begin, End: end, Captured: captured}, nil
}

// mergeAdjacentDone collapses adjacent slices that are both fully captured
// into a single record. Purely cosmetic per spec.md §4.5.7 — it never
// changes the set of bytes considered captured.
func mergeAdjacentDone(slices []sliceRecord) []sliceRecord {
	if len(slices) < 2 {
		return slices
	}
	merged := make([]sliceRecord, 0, len(slices))
	cur := slices[0]
	isDone := func(s sliceRecord) bool { return s.Captured == s.End-s.Begin+1 }
	for _, next := range slices[1:] {
		if isDone(cur) && isDone(next) && next.Begin == cur.End+1 {
			cur = sliceRecord{Begin: cur.Begin, End: next.End, Captured: next.End - cur.Begin + 1}
			continue
		}
		merged = append(merged, cur)
		cur = next
	}
	merged = append(merged, cur)
	return merged
}
