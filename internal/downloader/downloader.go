// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package downloader provides functions for downloading and extracting dataset files.
package downloader

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// copyBytesBar copies bytes from an io.Reader to an io.Writer while displaying a progressbar.
// It requires knowing the contentLength.
type copyBytesBar struct {
	w                             io.Writer
	bar                           *progressbar.ProgressBar
	amountWritten                 int64
	barUnit, numUnits, addedUnits int64
}

// newCopyBytesBar creates a new copyBytesBar. It requires knowing the contentLength.
func newCopyBytesBar(w io.Writer, contentLength int64) *copyBytesBar {
	bar := &copyBytesBar{w: w}
	bar.barUnit = 1
	for contentLength > bar.barUnit*1024*1024 {
		bar.barUnit *= 1024
	}
	bar.numUnits = (contentLength + bar.barUnit - 1) / bar.barUnit
	bar.bar = progressbar.NewOptions(int(bar.numUnits),
		progressbar.OptionSetDescription(humanize.IBytes(uint64(contentLength))),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
	)
	return bar
}

// Write implements io.Write, while updating the progress bar.
func (bar *copyBytesBar) Write(p []byte) (n int, err error) {
	n, err = bar.w.Write(p)
	bar.amountWritten += int64(n)
	toUnits := bar.amountWritten / bar.barUnit
	if toUnits > bar.addedUnits {
		_ = bar.bar.Add(int(toUnits - bar.addedUnits))
		bar.addedUnits = toUnits
	}
	return
}

// CopyWithProgressBar is similar to io.Copy, but updates the progress bar with the amount
// of data copied.
//
// It requires knowing the amount of data to copy up-front.
func CopyWithProgressBar(dst io.Writer, src io.Reader, contentLength int64) (n int64, err error) {
	bar := newCopyBytesBar(dst, contentLength)
	n, err = io.Copy(bar, src)
	if bar.addedUnits < bar.numUnits {
		_ = bar.bar.Add(int(bar.numUnits - bar.addedUnits))
	}
	_ = bar.bar.Close()
	fmt.Println()
	return
}

// Download file from url and save it at the given path.
// It attempts to create the directory if it doesn't yet exist.
//
// The progress bar is only displayed if showProgressBar is set and the server reports the content length.
func Download(url, filePath string, showProgressBar bool) (size int64, err error) {
	filePath, err = fsutil.ReplaceTildeInDir(filePath)
	if err != nil {
		return 0, err
	}
	err = os.MkdirAll(path.Dir(filePath), 0777)
	if err != nil && !os.IsExist(err) {
		return 0, errors.Wrapf(err, "failed to create the directory for the path: %q", path.Dir(filePath))
	}
	resp, err := http.Get(url)
	if err != nil {
		return 0, errors.Wrapf(err, "failed downloading %q", url)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return 0, errors.Errorf("failed downloading %q: status %q", url, resp.Status)
	}

	// Download to a temporary file, so an interrupted download doesn't leave a partial file behind.
	tmpPath := filePath + ".downloading"
	file, err := os.Create(tmpPath)
	if err != nil {
		return 0, errors.Wrapf(err, "failed creating file %q", tmpPath)
	}
	if showProgressBar && resp.ContentLength > 0 {
		size, err = CopyWithProgressBar(file, resp.Body, resp.ContentLength)
	} else {
		size, err = io.Copy(file, resp.Body)
	}
	if err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return 0, errors.Wrapf(err, "downloading %q to %q", url, filePath)
	}
	if err = file.Close(); err != nil {
		return 0, errors.Wrapf(err, "failed closing %q", tmpPath)
	}
	if err = os.Rename(tmpPath, filePath); err != nil {
		return 0, errors.Wrapf(err, "failed moving %q to %q", tmpPath, filePath)
	}
	return size, nil
}

// ValidateChecksum returns an error if the SHA256 hash of the file in filePath is not the given hexadecimal
// hash.
func ValidateChecksum(filePath, checkHash string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to open %q to verify its checksum", filePath)
	}
	defer func() { _ = f.Close() }()
	hasher := sha256.New()
	if _, err = io.Copy(hasher, f); err != nil {
		return errors.Wrapf(err, "failed to read %q to verify its checksum", filePath)
	}
	got := hex.EncodeToString(hasher.Sum(nil))
	if !strings.EqualFold(got, checkHash) {
		return errors.Errorf("file %q has SHA256 hash %q, but %q was expected -- delete it and download it again",
			filePath, got, checkHash)
	}
	return nil
}

// DownloadIfMissing will check if the path exists already, and if not it will download the file
// from the given URL.
//
// If checkHash is provided, it checks that the file has the SHA256 hash or fail.
func DownloadIfMissing(url, filePath, checkHash string) error {
	filePath, err := fsutil.ReplaceTildeInDir(filePath)
	if err != nil {
		return err
	}
	exists, err := fsutil.FileExists(filePath)
	if err != nil {
		return err
	}
	if !exists {
		klog.Infof("Downloading %s ...", url)
		size, err := Download(url, filePath, true)
		if err != nil {
			return err
		}
		klog.V(1).Infof("Downloaded %s to %q", humanize.Bytes(uint64(size)), filePath)
	}
	if checkHash == "" {
		return nil
	}
	return ValidateChecksum(filePath, checkHash)
}

// Untar extracts the tar file into baseDir. Files ending in ".gz" or ".tgz" are decompressed with gzip.
// Entries pointing outside baseDir are rejected.
func Untar(baseDir, tarFile string) error {
	baseDir, err := fsutil.ReplaceTildeInDir(baseDir)
	if err != nil {
		return err
	}
	f, err := os.Open(tarFile)
	if err != nil {
		return errors.Wrapf(err, "failed to open %q", tarFile)
	}
	defer func() { _ = f.Close() }()
	var r io.Reader = f
	if strings.HasSuffix(tarFile, ".gz") || strings.HasSuffix(tarFile, ".tgz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return errors.Wrapf(err, "failed to un-gzip %q", tarFile)
		}
		defer func() { _ = gz.Close() }()
		r = gz
	}

	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrapf(err, "while reading %q", tarFile)
		}
		target := filepath.Join(baseDir, header.Name)
		if target == filepath.Clean(baseDir) {
			continue
		}
		if !strings.HasPrefix(target, filepath.Clean(baseDir)+string(os.PathSeparator)) {
			return errors.Errorf("%q: entry %q points outside of %q", tarFile, header.Name, baseDir)
		}
		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0777); err != nil {
				return errors.Wrapf(err, "failed to create directory %q", target)
			}
		case tar.TypeReg:
			if err := extractFile(tr, target, header.FileInfo().Mode()); err != nil {
				return err
			}
		default:
			klog.V(2).Infof("Untar %q: skipping %q of type %c", tarFile, header.Name, header.Typeflag)
		}
	}
	return nil
}

// extractFile writes the contents of r to filePath.
func extractFile(r io.Reader, filePath string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(filePath), 0777); err != nil {
		return errors.Wrapf(err, "failed to create directory for %q", filePath)
	}
	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm()|0600)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", filePath)
	}
	if _, err = io.Copy(f, r); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to extract %q", filePath)
	}
	return errors.Wrapf(f.Close(), "failed closing %q", filePath)
}

// DownloadAndUntarIfMissing downloads tarFile from given url, if file not there yet, and then untar it
// if the target directory is missing.
//
// If checkHash is provided, it checks that the file has the SHA256 hash or fail.
func DownloadAndUntarIfMissing(url, baseDir, tarFile, targetUntarDir, checkHash string) error {
	baseDir, err := fsutil.ReplaceTildeInDir(baseDir)
	if err != nil {
		return err
	}
	if !path.IsAbs(tarFile) {
		tarFile = path.Join(baseDir, tarFile)
	}
	if !path.IsAbs(targetUntarDir) {
		targetUntarDir = path.Join(baseDir, targetUntarDir)
	}
	if fsutil.MustFileExists(targetUntarDir) {
		return nil
	}
	if err = DownloadIfMissing(url, tarFile, checkHash); err != nil {
		return err
	}
	if err = Untar(baseDir, tarFile); err != nil {
		return err
	}
	if !fsutil.MustFileExists(targetUntarDir) {
		return errors.Errorf("downloaded from %q and untar'ed %q, but didn't get directory %q", url, tarFile, targetUntarDir)
	}
	return nil
}
