/*
 *	Copyright 2025 The distrain authors
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package cifar

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"os"
	"path"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// downloadAndUntarIfMissing downloads url to baseDir/tarFile and unpacks it,
// skipping whatever already exists. The downloaded archive is checked
// against the given sha256 hex digest before unpacking.
func downloadAndUntarIfMissing(url, baseDir, tarFile, targetUntarDir, checkHash string) error {
	untarPath := path.Join(baseDir, targetUntarDir)
	if fileExists(untarPath) {
		return nil
	}
	tarPath := path.Join(baseDir, tarFile)
	if !fileExists(tarPath) {
		if err := download(url, tarPath); err != nil {
			return err
		}
	}
	if err := verifySha256(tarPath, checkHash); err != nil {
		return err
	}
	if err := untar(tarPath, baseDir); err != nil {
		return err
	}
	if !fileExists(untarPath) {
		return errors.Errorf("unpacked %q but %q still does not exist", tarPath, untarPath)
	}
	return nil
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func download(url, filePath string) error {
	if err := os.MkdirAll(path.Dir(filePath), 0777); err != nil {
		return errors.Wrapf(err, "creating directory for %q", filePath)
	}
	resp, err := http.Get(url)
	if err != nil {
		return errors.Wrapf(err, "fetching %q", url)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("fetching %q: %s", url, resp.Status)
	}

	partPath := filePath + ".part"
	f, err := os.Create(partPath)
	if err != nil {
		return errors.Wrapf(err, "creating %q", partPath)
	}
	klog.Infof("downloading %s (%s)", url, humanize.Bytes(uint64(max(resp.ContentLength, 0))))
	bar := progressbar.DefaultBytes(resp.ContentLength, "downloading")
	_, err = io.Copy(io.MultiWriter(f, bar), resp.Body)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(partPath)
		return errors.Wrapf(err, "downloading %q", url)
	}
	return errors.Wrapf(os.Rename(partPath, filePath), "renaming %q", partPath)
}

func verifySha256(filePath, checkHash string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return errors.Wrapf(err, "opening %q for hashing", filePath)
	}
	defer func() { _ = f.Close() }()
	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return errors.Wrapf(err, "hashing %q", filePath)
	}
	got := hex.EncodeToString(hasher.Sum(nil))
	if got != checkHash {
		return errors.Errorf("%q has sha256 %s, expected %s -- delete the file to re-download",
			filePath, got, checkHash)
	}
	return nil
}

func untar(tarPath, baseDir string) error {
	f, err := os.Open(tarPath)
	if err != nil {
		return errors.Wrapf(err, "opening %q", tarPath)
	}
	defer func() { _ = f.Close() }()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "reading gzip header of %q", tarPath)
	}
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "reading tar entry of %q", tarPath)
		}
		name := path.Clean(hdr.Name)
		if strings.HasPrefix(name, "..") || path.IsAbs(name) {
			return errors.Errorf("%q holds entry %q escaping the target directory", tarPath, hdr.Name)
		}
		target := path.Join(baseDir, name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0777); err != nil {
				return errors.Wrapf(err, "creating directory %q", target)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(path.Dir(target), 0777); err != nil {
				return errors.Wrapf(err, "creating directory for %q", target)
			}
			out, err := os.Create(target)
			if err != nil {
				return errors.Wrapf(err, "creating %q", target)
			}
			_, err = io.Copy(out, tr)
			if closeErr := out.Close(); err == nil {
				err = closeErr
			}
			if err != nil {
				return errors.Wrapf(err, "unpacking %q", target)
			}
		default:
			// Symlinks and special files are not expected in these archives.
			klog.Warningf("skipping tar entry %q with unsupported type %d", hdr.Name, hdr.Typeflag)
		}
	}
}
