package go115

import (
	"strings"
	"time"

	"github.com/yunkit/go115/api"
)

// Node is a file or directory in the remote tree. The service permits
// siblings with identical names, so (ParentID, Name) does not identify
// a node; ID does.
type Node struct {
	ID        uint64
	ParentID  uint64
	Name      string
	IsDir     bool
	Size      int64     // files only
	SHA1      string    // uppercase hex, files only
	PickCode  string    // opaque content handle
	CTime     time.Time // creation (server "ptime")
	MTime     time.Time // modification
	ATime     time.Time // last open
	Star      bool
	Hidden    bool
	Described bool
	Violated  bool
	Score     int
	Thumb     string
	PlayLong  float64
	Labels    []*api.Label
}

func unixTime(v api.Int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(int64(v), 0)
}

// nodeFromEntry converts a listing entry
func nodeFromEntry(e *api.FileEntry) *Node {
	return &Node{
		ID:        e.ID(),
		ParentID:  e.ParentID(),
		Name:      e.Name,
		IsDir:     e.IsDir(),
		Size:      int64(e.Size),
		SHA1:      strings.ToUpper(e.SHA1),
		PickCode:  e.PickCode,
		CTime:     unixTime(e.PTime),
		MTime:     unixTime(e.MTime),
		ATime:     unixTime(e.OTime),
		Star:      bool(e.Star),
		Hidden:    bool(e.Hidden),
		Described: bool(e.Desc),
		Violated:  bool(e.Violated),
		Score:     int(e.Score),
		Thumb:     e.Thumb,
		PlayLong:  e.PlayLong,
		Labels:    e.Labels,
	}
}

// nodeFromInfo converts a get_info element
func nodeFromInfo(i *api.FileInfo) *Node {
	id := uint64(i.FileID)
	isDir := int(i.FileCategory) == 0
	if isDir && id == 0 {
		id = uint64(i.CategoryID)
	}
	return &Node{
		ID:       id,
		ParentID: uint64(i.ParentID),
		Name:     i.FileName,
		IsDir:    isDir,
		Size:     int64(i.Size),
		SHA1:     strings.ToUpper(i.SHA1),
		PickCode: i.PickCode,
		CTime:    unixTime(i.PTime),
		MTime:    unixTime(i.UTime),
		ATime:    unixTime(i.OpenTime),
		Star:     bool(i.Star),
	}
}

// nodeFromCallback converts the node the service books after an OSS
// upload completes.
func nodeFromCallback(f *api.CallbackFile) *Node {
	return &Node{
		ID:       uint64(f.FileID),
		ParentID: uint64(f.CID),
		Name:     f.FileName,
		Size:     int64(f.FileSize),
		SHA1:     strings.ToUpper(f.SHA1),
		PickCode: f.PickCode,
		Thumb:    f.ThumbURL,
	}
}

// Name escaping. A literal "/" may appear in a node's display name;
// inside a path string it is written "\/" so that "/" stays the
// separator.

// EscapeName makes a display name safe for inclusion in a path
func EscapeName(name string) string {
	return strings.ReplaceAll(name, "/", `\/`)
}

// UnescapeName reverses EscapeName
func UnescapeName(segment string) string {
	return strings.ReplaceAll(segment, `\/`, "/")
}

// splitPath splits a path on unescaped separators and unescapes each
// segment. Leading and trailing separators and empty segments are
// dropped.
func splitPath(path string) []string {
	var segments []string
	var cur strings.Builder
	escaped := false
	for _, r := range path {
		switch {
		case escaped:
			if r != '/' {
				cur.WriteByte('\\')
			}
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == '/':
			if cur.Len() > 0 {
				segments = append(segments, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if escaped {
		cur.WriteByte('\\')
	}
	if cur.Len() > 0 {
		segments = append(segments, cur.String())
	}
	return segments
}
