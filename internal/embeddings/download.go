package embeddings

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// downloadChunkSize is the copy buffer size for model archive downloads.
const downloadChunkSize = 1 << 20

// ModelCached reports whether destDir already holds a complete model
// (both the inference graph and the tokenizer definition).
func ModelCached(destDir string) bool {
	for _, name := range []string{modelFile, tokenizerFile} {
		if _, err := os.Stat(filepath.Join(destDir, name)); err != nil {
			return false
		}
	}
	return true
}

// DownloadModel fetches a model artifact archive (a single .tar.gz
// containing model.onnx and tokenizer.json) and unpacks it into destDir.
// Already-cached models are left untouched.
//
// A failed download or unpack never leaves a partially-written cache: the
// temp archive and any partial destDir content are removed so a retry
// starts clean.
func DownloadModel(ctx context.Context, url, destDir string) (err error) {
	if ModelCached(destDir) {
		return nil
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("embeddings: create model dir: %w", err)
	}

	// Clean up the destination on any failure so retries start clean.
	defer func() {
		if err != nil {
			_ = os.RemoveAll(destDir)
		}
	}()

	tmpPath := filepath.Join(os.TempDir(), "engram-model-"+uuid.NewString()+".tar.gz")
	defer func() { _ = os.Remove(tmpPath) }()

	if err := fetchArchive(ctx, url, tmpPath); err != nil {
		return err
	}

	log.Printf("embeddings: unpacking model archive into %s", destDir)
	if err := unpackArchive(tmpPath, destDir); err != nil {
		return err
	}

	if !ModelCached(destDir) {
		return fmt.Errorf("embeddings: archive %s did not contain %s and %s", url, modelFile, tokenizerFile)
	}
	return nil
}

// fetchArchive streams the archive at url into path in chunks.
func fetchArchive(ctx context.Context, url, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("embeddings: build download request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("embeddings: download model: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("embeddings: download model: status %d from %s", resp.StatusCode, url)
	}

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("embeddings: create temp archive: %w", err)
	}

	buf := make([]byte, downloadChunkSize)
	_, copyErr := io.CopyBuffer(out, resp.Body, buf)
	closeErr := out.Close()
	if copyErr != nil {
		return fmt.Errorf("embeddings: write model archive: %w", copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("embeddings: close model archive: %w", closeErr)
	}
	return nil
}

// unpackArchive extracts a .tar.gz archive into destDir. Entry paths are
// flattened to their base name; only regular files are extracted.
func unpackArchive(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("embeddings: open archive: %w", err)
	}
	defer func() { _ = f.Close() }()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("embeddings: read archive: %w", err)
	}
	defer func() { _ = gz.Close() }()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("embeddings: read archive entry: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		name := filepath.Base(hdr.Name)
		if name == "." || strings.HasPrefix(name, "..") {
			continue
		}

		dest, err := os.Create(filepath.Join(destDir, name))
		if err != nil {
			return fmt.Errorf("embeddings: create %s: %w", name, err)
		}
		_, copyErr := io.Copy(dest, tr)
		closeErr := dest.Close()
		if copyErr != nil {
			return fmt.Errorf("embeddings: extract %s: %w", name, copyErr)
		}
		if closeErr != nil {
			return fmt.Errorf("embeddings: close %s: %w", name, closeErr)
		}
	}
}
