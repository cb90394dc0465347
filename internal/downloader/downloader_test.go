// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package downloader

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildTarGz returns a tar.gz with the given files (name -> contents), and their directories.
func buildTarGz(t *testing.T, files map[string]string, dirs ...string) []byte {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, dir := range dirs {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: dir + "/", Typeflag: tar.TypeDir, Mode: 0755}))
	}
	for name, contents := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name, Typeflag: tar.TypeReg, Mode: 0644, Size: int64(len(contents))}))
		_, err := tw.Write([]byte(contents))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestDownloadAndUntarIfMissing(t *testing.T) {
	archive := buildTarGz(t, map[string]string{
		"data/batch_1.bin": "first batch",
		"data/batch_2.bin": "second batch",
	}, "data")
	var numRequests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		numRequests++
		_, _ = w.Write(archive)
	}))
	defer server.Close()

	baseDir := t.TempDir()
	err := DownloadAndUntarIfMissing(server.URL+"/data.tar.gz", baseDir, "data.tar.gz", "data", sha256Hex(archive))
	require.NoError(t, err)
	assert.Equal(t, 1, numRequests)
	contents, err := os.ReadFile(path.Join(baseDir, "data", "batch_2.bin"))
	require.NoError(t, err)
	assert.Equal(t, "second batch", string(contents))

	// Second time nothing is downloaded.
	err = DownloadAndUntarIfMissing(server.URL+"/data.tar.gz", baseDir, "data.tar.gz", "data", sha256Hex(archive))
	require.NoError(t, err)
	assert.Equal(t, 1, numRequests)

	// Target directory missing from the archive.
	otherDir := t.TempDir()
	err = DownloadAndUntarIfMissing(server.URL+"/data.tar.gz", otherDir, "data.tar.gz", "missing", "")
	assert.Error(t, err)
}

func TestValidateChecksum(t *testing.T) {
	filePath := path.Join(t.TempDir(), "file.bin")
	data := []byte("some contents")
	require.NoError(t, os.WriteFile(filePath, data, 0644))
	assert.NoError(t, ValidateChecksum(filePath, sha256Hex(data)))
	assert.Error(t, ValidateChecksum(filePath, sha256Hex([]byte("other contents"))))
	assert.Error(t, ValidateChecksum(path.Join(t.TempDir(), "missing"), sha256Hex(data)))
}

func TestDownloadErrors(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()
	filePath := path.Join(t.TempDir(), "sub", "file.bin")
	_, err := Download(server.URL+"/file.bin", filePath, false)
	assert.Error(t, err)
	_, statErr := os.Stat(filePath)
	assert.True(t, os.IsNotExist(statErr), "no file should be left behind")
}

func TestUntarRejectsEscapingPaths(t *testing.T) {
	baseDir := t.TempDir()
	tarFile := path.Join(baseDir, "evil.tar.gz")
	require.NoError(t, os.WriteFile(tarFile, buildTarGz(t, map[string]string{"../escaped.txt": "x"}), 0644))
	assert.Error(t, Untar(baseDir, tarFile))
}
