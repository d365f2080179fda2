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

// Package cifar loads the CIFAR-10 and CIFAR-100 datasets in their binary
// distribution format, downloading them if missing.
package cifar

import (
	"fmt"
	"io"
	"os"
	"path"

	"github.com/pkg/errors"

	"github.com/skeleton-ml/distrain/pkg/core/tensors"
)

const (
	C10Url     = "https://www.cs.toronto.edu/~kriz/cifar-10-binary.tar.gz"
	C10TarName = "cifar-10-binary.tar.gz"
	C10SubDir  = "cifar-10-batches-bin"
	C10Sha256  = "c4a38c50a1bc5f3a1c5537f2155ab9d68f9f25eb1ed8d9ddda3db29a59bca1dd"

	C100Url     = "https://www.cs.toronto.edu/~kriz/cifar-100-binary.tar.gz"
	C100TarName = "cifar-100-binary.tar.gz"
	C100SubDir  = "cifar-100-binary"
	C100Sha256  = "58a81ae192c23a4be8b1804d68e518ed807d710a4eb253b1f2a199162a40d8ec"

	// NumTrainExamples is the number of examples reserved for training; the
	// remaining NumTestExamples are the held-out set. Same split for
	// CIFAR-10 and CIFAR-100.
	NumTrainExamples = 50000
	NumTestExamples  = 10000
	NumExamples      = NumTrainExamples + NumTestExamples
)

// Width, Height and Depth are the dimensions of the images, the same for
// CIFAR-10 and CIFAR-100.
const (
	Width  = 32
	Height = 32
	Depth  = 3
)

const imageSizeBytes = Height * Width * Depth

const c10ExamplesPerFile = 10000

// DownloadCifar10 fetches and unpacks the CIFAR-10 binary archive under
// baseDir, if not already there.
func DownloadCifar10(baseDir string) error {
	return downloadAndUntarIfMissing(C10Url, baseDir, C10TarName, C10SubDir, C10Sha256)
}

// DownloadCifar100 fetches and unpacks the CIFAR-100 binary archive under
// baseDir, if not already there.
func DownloadCifar100(baseDir string) error {
	return downloadAndUntarIfMissing(C100Url, baseDir, C100TarName, C100SubDir, C100Sha256)
}

// Images returns image examples as flat feature vectors, shaped
// [numExamples, Height*Width*Depth], with byte values scaled to [0, 1].
type Images struct {
	Inputs *tensors.Tensor
	Labels []int32
}

// Split returns the training and test partitions.
func (im *Images) Split() (train, test *Images) {
	train = &Images{
		Inputs: im.Inputs.Rows(0, NumTrainExamples),
		Labels: im.Labels[:NumTrainExamples],
	}
	test = &Images{
		Inputs: im.Inputs.Rows(NumTrainExamples, NumExamples),
		Labels: im.Labels[NumTrainExamples:],
	}
	return
}

// LoadCifar10 reads the 6 binary batch files under baseDir into memory. The
// first 50k examples are for training, the last 10k for testing.
func LoadCifar10(baseDir string) (*Images, error) {
	im := &Images{
		Inputs: tensors.FromShape(NumExamples, imageSizeBytes),
		Labels: make([]int32, NumExamples),
	}
	var labelImageBytes [imageSizeBytes + 1]byte
	for fileIdx := 0; fileIdx < 6; fileIdx++ {
		dataFile := path.Join(baseDir, C10SubDir, fmt.Sprintf("data_batch_%d.bin", fileIdx+1))
		if fileIdx == 5 {
			dataFile = path.Join(baseDir, C10SubDir, "test_batch.bin")
		}
		f, err := os.Open(dataFile)
		if err != nil {
			return nil, errors.Wrapf(err, "opening data file %q", dataFile)
		}
		for inFileIdx := 0; inFileIdx < c10ExamplesPerFile; inFileIdx++ {
			exampleIdx := fileIdx*c10ExamplesPerFile + inFileIdx
			if _, err := io.ReadFull(f, labelImageBytes[:]); err != nil {
				_ = f.Close()
				return nil, errors.Wrapf(err, "reading example %d (out of %d) from %q",
					inFileIdx, c10ExamplesPerFile, dataFile)
			}
			im.Labels[exampleIdx] = int32(labelImageBytes[0])
			convertImageBytes(labelImageBytes[1:], im.Inputs.Row(exampleIdx))
		}
		_ = f.Close()
	}
	return im, nil
}

// LoadCifar100 reads the two binary files (train.bin, test.bin) under
// baseDir into memory, keeping the fine labels and discarding the coarse
// ones.
func LoadCifar100(baseDir string) (*Images, error) {
	im := &Images{
		Inputs: tensors.FromShape(NumExamples, imageSizeBytes),
		Labels: make([]int32, NumExamples),
	}
	var labelImageBytes [imageSizeBytes + 2]byte
	exampleIdx := 0
	for _, fileName := range []string{"train.bin", "test.bin"} {
		dataFile := path.Join(baseDir, C100SubDir, fileName)
		f, err := os.Open(dataFile)
		if err != nil {
			return nil, errors.Wrapf(err, "opening data file %q", dataFile)
		}
		for {
			_, err := io.ReadFull(f, labelImageBytes[:])
			if err == io.EOF {
				break
			}
			if err != nil {
				_ = f.Close()
				return nil, errors.Wrapf(err, "reading example %d from %q", exampleIdx, dataFile)
			}
			if exampleIdx >= NumExamples {
				_ = f.Close()
				return nil, errors.Errorf("%q holds more than the expected %d examples",
					dataFile, NumExamples)
			}
			im.Labels[exampleIdx] = int32(labelImageBytes[1]) // Fine label.
			convertImageBytes(labelImageBytes[2:], im.Inputs.Row(exampleIdx))
			exampleIdx++
		}
		_ = f.Close()
	}
	if exampleIdx != NumExamples {
		return nil, errors.Errorf("read %d examples, expected %d", exampleIdx, NumExamples)
	}
	return im, nil
}

func convertImageBytes(raw []byte, out []float32) {
	for i, b := range raw {
		out[i] = float32(b) / 255.0
	}
}

// NumClasses returns the number of classes of the named variant, "cifar10"
// or "cifar100".
func NumClasses(name string) (int, error) {
	switch name {
	case "cifar10":
		return 10, nil
	case "cifar100":
		return 100, nil
	}
	return 0, errors.Errorf("unknown CIFAR variant %q", name)
}
