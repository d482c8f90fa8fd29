package ftps

import (
	"time"
	"unicode/utf8"

	"github.com/jlaffaye/ftp"
	"github.com/paulrosania/go-charset/charset"
)

// DirectoryEntry is one line of directory listing.
// Produced per listing call, never cached.
type DirectoryEntry struct {
	Name  string    `json:"name"`
	Size  int64     `json:"size"`
	Time  time.Time `json:"time"`
	IsDir bool      `json:"is_dir"`
	// Link is symlink target, empty for regular files and directories.
	Link string `json:"link,omitempty"`
}

func (e DirectoryEntry) IsLink() bool { return e.Link != "" }

// entries converts parsed listing, "." and ".." are omitted.
// Names that are not valid UTF8 are decoded with legacy charset.
func entries(list []*ftp.Entry, legacy string) []DirectoryEntry {
	result := make([]DirectoryEntry, 0, len(list))
	for _, e := range list {
		if e == nil || e.Name == "." || e.Name == ".." {
			continue
		}
		de := DirectoryEntry{
			Name:  decodeName(e.Name, legacy),
			Size:  int64(e.Size),
			Time:  e.Time,
			IsDir: e.Type == ftp.EntryTypeFolder,
		}
		if e.Type == ftp.EntryTypeLink {
			de.Link = decodeName(e.Target, legacy)
		}
		result = append(result, de)
	}
	return result
}

func decodeName(s, legacy string) string {
	if utf8.ValidString(s) {
		return s
	}
	tr, err := charset.TranslatorFrom(legacy)
	if err != nil {
		return s
	}
	_, out, err := tr.Translate([]byte(s), true)
	if err != nil {
		return s
	}
	return string(out)
}
