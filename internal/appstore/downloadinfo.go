package appstore

import "fmt"

// Sinf is one per-account signature fragment. Slot 0 is the one the signer
// embeds into the package.
type Sinf struct {
	ID   int64
	Data []byte
}

// DownloadInfo is the download descriptor for one purchasable item:
// where to fetch the binary, the metadata the installer expects, and the
// account's signature fragments. Immutable once returned.
type DownloadInfo struct {
	URL      string
	Metadata map[string]interface{}
	Sinfs    []Sinf
}

// Sinf returns the fragment with the given slot id.
func (d *DownloadInfo) Sinf(id int64) ([]byte, bool) {
	for _, s := range d.Sinfs {
		if s.ID == id {
			return s.Data, true
		}
	}

	return nil, false
}

func (d *DownloadInfo) BundleDisplayName() string {
	return firstString(d.Metadata, []string{"bundleDisplayName", "itemName"})
}

func (d *DownloadInfo) BundleShortVersion() string {
	return stringField(d.Metadata, "bundleShortVersionString")
}

func (d *DownloadInfo) BundleID() string {
	return firstString(d.Metadata, []string{"softwareVersionBundleId", "bundleId"})
}

func (d *DownloadInfo) ArtworkURL() string {
	return firstString(d.Metadata, []string{"artworkURL", "artworkUrl"})
}

func (d *DownloadInfo) ArtistName() string {
	return stringField(d.Metadata, "artistName")
}

// FileName is the conventional <name>_<version>.ipa artifact name.
func (d *DownloadInfo) FileName() string {
	return fmt.Sprintf("%s_%s.ipa", d.BundleDisplayName(), d.BundleShortVersion())
}

// parseDownloadInfo extracts songList[0] out of a successful download
// response.
func parseDownloadInfo(doc map[string]interface{}) (*DownloadInfo, error) {
	songList, ok := doc["songList"].([]interface{})
	if !ok || len(songList) == 0 {
		return nil, &ProtocolError{Message: "download response has no song list"}
	}

	item, ok := songList[0].(map[string]interface{})
	if !ok {
		return nil, &ProtocolError{Message: "malformed song list entry"}
	}

	info := &DownloadInfo{
		URL:      stringField(item, "URL"),
		Metadata: map[string]interface{}{},
	}

	if info.URL == "" {
		return nil, &ProtocolError{Message: "song list entry has no download URL"}
	}

	if md, ok := item["metadata"].(map[string]interface{}); ok {
		info.Metadata = md
	}

	if sinfs, ok := item["sinfs"].([]interface{}); ok {
		for _, raw := range sinfs {
			entry, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}

			id, ok := intField(entry, "id")
			if !ok {
				continue
			}

			data, ok := entry["sinf"].([]byte)
			if !ok {
				continue
			}

			info.Sinfs = append(info.Sinfs, Sinf{ID: id, Data: data})
		}
	}

	return info, nil
}
