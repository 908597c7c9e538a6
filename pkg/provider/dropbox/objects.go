package dropbox

import (
	"path"
	"strconv"
	"time"

	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox/files"

	"github.com/conductorone/tenantsync/pkg/sink"
)

// toObject converts listing metadata. Deleted entries have no object.
func toObject(md files.IsMetadata) (sink.Object, bool) {
	switch m := md.(type) {
	case *files.FileMetadata:
		return sink.Object{
			ID:       m.Id,
			Type:     sink.TypeFile,
			ParentID: parentPath(m.PathLower),
			Name:     m.Name,
			Attributes: map[string]string{
				"kind":          "file",
				"path":          m.PathDisplay,
				"size":          strconv.FormatUint(m.Size, 10),
				"rev":           m.Rev,
				"content_hash":  m.ContentHash,
				"modified_time": m.ServerModified.UTC().Format(time.RFC3339),
			},
		}, true
	case *files.FolderMetadata:
		return sink.Object{
			ID:       m.Id,
			Type:     sink.TypeFile,
			ParentID: parentPath(m.PathLower),
			Name:     m.Name,
			Attributes: map[string]string{
				"kind": "folder",
				"path": m.PathDisplay,
			},
		}, true
	default:
		return sink.Object{}, false
	}
}

func parentPath(p string) string {
	if p == "" {
		return ""
	}
	dir := path.Dir(p)
	if dir == "/" || dir == "." {
		return ""
	}
	return dir
}
