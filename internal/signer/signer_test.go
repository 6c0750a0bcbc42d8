package signer

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/appfetch/appfetch/internal/appstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"howett.net/plist"
)

func writeFixture(t *testing.T, entries map[string][]byte) string {
	t.Helper()

	ipaPath := filepath.Join(t.TempDir(), "app.ipa")

	f, err := os.Create(ipaPath)
	require.NoError(t, err)

	zw := zip.NewWriter(f)

	for name, data := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)

		_, err = w.Write(data)
		require.NoError(t, err)
	}

	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	return ipaPath
}

func manifestPlist(t *testing.T, sinfPaths []string) []byte {
	t.Helper()

	raw, err := plist.Marshal(map[string]interface{}{"SinfPaths": sinfPaths}, plist.XMLFormat)
	require.NoError(t, err)

	return raw
}

func readArchive(t *testing.T, ipaPath string) map[string][]byte {
	t.Helper()

	zr, err := zip.OpenReader(ipaPath)
	require.NoError(t, err)

	defer zr.Close()

	out := make(map[string][]byte, len(zr.File))

	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)

		data, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)

		out[f.Name] = data
	}

	return out
}

func TestSign(t *testing.T) {
	ipaPath := writeFixture(t, map[string][]byte{
		"Payload/Demo.app/Info.plist":             []byte("info"),
		"Payload/Demo.app/Demo":                   []byte("binary"),
		"Payload/Demo.app/SC_Info/Manifest.plist": manifestPlist(t, []string{"SC_Info/Demo.sinf"}),
	})

	info := &appstore.DownloadInfo{
		Metadata: map[string]interface{}{
			"bundleDisplayName": "Demo",
			"itemId":            int64(42),
		},
		Sinfs: []appstore.Sinf{{ID: 0, Data: []byte("sinf-bytes")}},
	}

	require.NoError(t, New().Sign(ipaPath, info, "user@example.com"))

	entries := readArchive(t, ipaPath)

	assert.Equal(t, []byte("sinf-bytes"), entries["Payload/Demo.app/SC_Info/Demo.sinf"])
	assert.Equal(t, []byte("info"), entries["Payload/Demo.app/Info.plist"])
	assert.Equal(t, []byte("binary"), entries["Payload/Demo.app/Demo"])

	var metadata map[string]interface{}

	_, err := plist.Unmarshal(entries["iTunesMetadata.plist"], &metadata)
	require.NoError(t, err)
	assert.Equal(t, "Demo", metadata["bundleDisplayName"])
	assert.Equal(t, "user@example.com", metadata["apple-id"])
	assert.Equal(t, "user@example.com", metadata["userName"])
	assert.Equal(t, "user@example.com", metadata["appleId"])
}

func TestSignStampsAccountIdentity(t *testing.T) {
	ipaPath := writeFixture(t, map[string][]byte{
		"Payload/Demo.app/SC_Info/Manifest.plist": manifestPlist(t, []string{"SC_Info/Demo.sinf"}),
	})

	info := &appstore.DownloadInfo{
		Metadata: map[string]interface{}{"bundleDisplayName": "Demo"},
		Sinfs:    []appstore.Sinf{{ID: 0, Data: []byte("sinf")}},
	}

	require.NoError(t, New().Sign(ipaPath, info, "buyer@example.com"))

	var metadata map[string]interface{}

	entries := readArchive(t, ipaPath)
	_, err := plist.Unmarshal(entries["iTunesMetadata.plist"], &metadata)
	require.NoError(t, err)

	for _, key := range []string{"apple-id", "userName", "appleId"} {
		assert.Equal(t, "buyer@example.com", metadata[key], key)
	}

	// The descriptor's own metadata map stays clean.
	assert.NotContains(t, info.Metadata, "apple-id")
}

func TestSignOverwritesExistingMetadata(t *testing.T) {
	ipaPath := writeFixture(t, map[string][]byte{
		"iTunesMetadata.plist":                    []byte("stale"),
		"Payload/Demo.app/SC_Info/Manifest.plist": manifestPlist(t, []string{"SC_Info/Demo.sinf"}),
	})

	info := &appstore.DownloadInfo{
		Metadata: map[string]interface{}{"bundleDisplayName": "Demo"},
		Sinfs:    []appstore.Sinf{{ID: 0, Data: []byte("sinf")}},
	}

	require.NoError(t, New().Sign(ipaPath, info, "user@example.com"))

	entries := readArchive(t, ipaPath)
	assert.NotEqual(t, []byte("stale"), entries["iTunesMetadata.plist"])
}

func TestSignMissingSlotZeroSinf(t *testing.T) {
	ipaPath := writeFixture(t, map[string][]byte{
		"Payload/Demo.app/SC_Info/Manifest.plist": manifestPlist(t, []string{"SC_Info/Demo.sinf"}),
	})

	before, err := os.ReadFile(ipaPath)
	require.NoError(t, err)

	info := &appstore.DownloadInfo{
		Metadata: map[string]interface{}{},
		Sinfs:    []appstore.Sinf{{ID: 1, Data: []byte("wrong slot")}},
	}

	var archiveErr *ArchiveError

	err = New().Sign(ipaPath, info, "user@example.com")
	require.ErrorAs(t, err, &archiveErr)
	assert.Contains(t, archiveErr.Message, "slot 0")

	// The package must be untouched after a failed activation.
	after, err := os.ReadFile(ipaPath)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestSignNoManifest(t *testing.T) {
	ipaPath := writeFixture(t, map[string][]byte{
		"Payload/Demo.app/Info.plist": []byte("info"),
	})

	info := &appstore.DownloadInfo{
		Metadata: map[string]interface{}{},
		Sinfs:    []appstore.Sinf{{ID: 0, Data: []byte("sinf")}},
	}

	var archiveErr *ArchiveError

	require.ErrorAs(t, New().Sign(ipaPath, info, "user@example.com"), &archiveErr)
	assert.Contains(t, archiveErr.Message, "no SC_Info manifest")
}

func TestSignMultipleManifests(t *testing.T) {
	ipaPath := writeFixture(t, map[string][]byte{
		"Payload/Demo.app/SC_Info/Manifest.plist":  manifestPlist(t, []string{"SC_Info/Demo.sinf"}),
		"Payload/Other.app/SC_Info/Manifest.plist": manifestPlist(t, []string{"SC_Info/Other.sinf"}),
	})

	info := &appstore.DownloadInfo{
		Metadata: map[string]interface{}{},
		Sinfs:    []appstore.Sinf{{ID: 0, Data: []byte("sinf")}},
	}

	var archiveErr *ArchiveError

	require.ErrorAs(t, New().Sign(ipaPath, info, "user@example.com"), &archiveErr)
	assert.Contains(t, archiveErr.Message, "multiple")
}

func TestSignNestedManifestIgnored(t *testing.T) {
	// Only a top-level Payload/<bundle>.app manifest counts. Manifests
	// inside frameworks or nested directories are not activation targets.
	ipaPath := writeFixture(t, map[string][]byte{
		"Payload/Demo.app/SC_Info/Manifest.plist":                  manifestPlist(t, []string{"SC_Info/Demo.sinf"}),
		"Payload/Demo.app/Frameworks/X.app/SC_Info/Manifest.plist": manifestPlist(t, []string{"SC_Info/X.sinf"}),
	})

	info := &appstore.DownloadInfo{
		Metadata: map[string]interface{}{},
		Sinfs:    []appstore.Sinf{{ID: 0, Data: []byte("sinf")}},
	}

	require.NoError(t, New().Sign(ipaPath, info, "user@example.com"))

	entries := readArchive(t, ipaPath)
	assert.Equal(t, []byte("sinf"), entries["Payload/Demo.app/SC_Info/Demo.sinf"])
}
