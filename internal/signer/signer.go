package signer

import (
	"archive/zip"
	"compress/flate"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"

	"github.com/appfetch/appfetch/internal/appstore"
	"howett.net/plist"
)

const metadataName = "iTunesMetadata.plist"

var manifestRe = regexp.MustCompile(`^Payload/[^/]+\.app/SC_Info/Manifest\.plist$`)

// ArchiveError reports a package whose layout does not match what a store
// build must contain.
type ArchiveError struct {
	Path    string
	Message string
}

func (e *ArchiveError) Error() string {
	return fmt.Sprintf("invalid package %s: %s", e.Path, e.Message)
}

// manifest is the SC_Info manifest listing where sinf blobs belong,
// relative to the .app bundle directory.
type manifest struct {
	SinfPaths []string `plist:"SinfPaths"`
}

// Signer activates a downloaded package for an account by embedding the
// purchase sinf and the store metadata document.
type Signer struct{}

func New() *Signer {
	return &Signer{}
}

// Sign rewrites the package at ipaPath in place. It injects
// iTunesMetadata.plist at the archive root, stamped with the purchasing
// account's identity, and places the slot-0 sinf at the path the bundle's
// SC_Info manifest names. The rewrite is atomic: a sibling temp file is
// built first and renamed over the original, so a failure never leaves a
// half-written package behind.
func (s *Signer) Sign(ipaPath string, info *appstore.DownloadInfo, accountEmail string) error {
	sinf, ok := info.Sinf(0)
	if !ok {
		return &ArchiveError{Path: ipaPath, Message: "no sinf for slot 0 in download descriptor"}
	}

	src, err := zip.OpenReader(ipaPath)
	if err != nil {
		return fmt.Errorf("failed to open package: %w", err)
	}

	defer src.Close()

	bundleName, sinfPath, err := locateManifest(ipaPath, &src.Reader)
	if err != nil {
		return err
	}

	metadata, err := plist.Marshal(accountMetadata(info.Metadata, accountEmail), plist.XMLFormat)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(ipaPath), ".signing-")
	if err != nil {
		return fmt.Errorf("failed to create temp package: %w", err)
	}

	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := writeSigned(tmp, &src.Reader, metadata, path.Join("Payload", bundleName, sinfPath), sinf); err != nil {
		tmp.Close()

		return err
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to finish temp package: %w", err)
	}

	if err := os.Rename(tmpPath, ipaPath); err != nil {
		return fmt.Errorf("failed to replace package: %w", err)
	}

	return nil
}

// accountMetadata copies the descriptor metadata and stamps the purchasing
// account's email under the key spellings installers look for. The
// descriptor map itself is never mutated.
func accountMetadata(md map[string]interface{}, email string) map[string]interface{} {
	out := make(map[string]interface{}, len(md)+3)
	for k, v := range md {
		out[k] = v
	}

	out["apple-id"] = email
	out["userName"] = email
	out["appleId"] = email

	return out
}

// locateManifest finds the single SC_Info manifest, returning the bundle
// directory name and the manifest's first sinf path. Zero or multiple
// matches mean the archive is not a valid store package.
func locateManifest(ipaPath string, src *zip.Reader) (string, string, error) {
	var found *zip.File

	for _, f := range src.File {
		if !manifestRe.MatchString(f.Name) {
			continue
		}

		if found != nil {
			return "", "", &ArchiveError{Path: ipaPath, Message: "multiple SC_Info manifests"}
		}

		found = f
	}

	if found == nil {
		return "", "", &ArchiveError{Path: ipaPath, Message: "no SC_Info manifest"}
	}

	rc, err := found.Open()
	if err != nil {
		return "", "", fmt.Errorf("failed to open manifest: %w", err)
	}

	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return "", "", fmt.Errorf("failed to read manifest: %w", err)
	}

	var m manifest
	if _, err := plist.Unmarshal(raw, &m); err != nil {
		return "", "", fmt.Errorf("failed to parse manifest: %w", err)
	}

	if len(m.SinfPaths) == 0 {
		return "", "", &ArchiveError{Path: ipaPath, Message: "manifest names no sinf paths"}
	}

	// Payload/<bundle>.app/SC_Info/Manifest.plist
	bundleName := path.Base(path.Dir(path.Dir(found.Name)))

	return bundleName, m.SinfPaths[0], nil
}

// writeSigned copies every original entry into the new archive and appends
// the metadata and sinf entries.
func writeSigned(w io.Writer, src *zip.Reader, metadata []byte, sinfName string, sinfData []byte) error {
	zw := zip.NewWriter(w)

	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestCompression)
	})

	for _, f := range src.File {
		// The store occasionally ships packages that already carry
		// metadata. The injected copy wins.
		if f.Name == metadataName || f.Name == sinfName {
			continue
		}

		if err := copyEntry(zw, f); err != nil {
			return err
		}
	}

	if err := writeEntry(zw, metadataName, metadata); err != nil {
		return err
	}

	if err := writeEntry(zw, sinfName, sinfData); err != nil {
		return err
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finish archive: %w", err)
	}

	return nil
}

func copyEntry(zw *zip.Writer, f *zip.File) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("failed to open entry %s: %w", f.Name, err)
	}

	defer rc.Close()

	header := f.FileHeader

	out, err := zw.CreateHeader(&header)
	if err != nil {
		return fmt.Errorf("failed to create entry %s: %w", f.Name, err)
	}

	if _, err := io.Copy(out, rc); err != nil {
		return fmt.Errorf("failed to copy entry %s: %w", f.Name, err)
	}

	return nil
}

func writeEntry(zw *zip.Writer, name string, data []byte) error {
	out, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("failed to create entry %s: %w", name, err)
	}

	if _, err := out.Write(data); err != nil {
		return fmt.Errorf("failed to write entry %s: %w", name, err)
	}

	return nil
}
