package safetensors

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// Write saves the tensors to a .safetensors file at path, with the given (optional) metadata.
//
// Tensors are laid out in the order given, and the file is first written to a temporary file and then
// renamed, so readers never see a partially written file.
func Write(path string, tensorsAndNames []TensorAndName, metadata map[string]string) error {
	header := make(map[string]any, len(tensorsAndNames)+1)
	if len(metadata) > 0 {
		header["__metadata__"] = metadata
	}
	buffers := make([][]byte, len(tensorsAndNames))
	var offset int64
	for i, tn := range tensorsAndNames {
		if _, found := header[tn.Name]; found || tn.Name == "" || tn.Name == "__metadata__" {
			return errors.Errorf("invalid or duplicate tensor name %q", tn.Name)
		}
		dtypeName, err := dtypeFromGoMLX(tn.Tensor.Shape().DType)
		if err != nil {
			return errors.WithMessagef(err, "tensor %s", tn.Name)
		}
		err = tn.Tensor.ConstBytes(func(data []byte) {
			buffers[i] = slices.Clone(data)
		})
		if err != nil {
			return errors.WithMessagef(err, "reading tensor %s", tn.Name)
		}
		shape := tn.Tensor.Shape().Dimensions
		if shape == nil {
			shape = []int{}
		}
		header[tn.Name] = &TensorMetadata{
			Dtype:       dtypeName,
			Shape:       shape,
			DataOffsets: [2]int64{offset, offset + int64(len(buffers[i]))},
		}
		offset += int64(len(buffers[i]))
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "failed to encode safetensors header")
	}
	// The data section is aligned to 8 bytes, padding the header with spaces.
	if pad := len(headerJSON) % 8; pad != 0 {
		headerJSON = append(headerJSON, []byte(strings.Repeat(" ", 8-pad))...)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrapf(err, "failed to create directory for %s", path)
	}
	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", tmpPath)
	}
	w := bufio.NewWriter(f)
	writeErr := binary.Write(w, binary.LittleEndian, uint64(len(headerJSON)))
	if writeErr == nil {
		_, writeErr = w.Write(headerJSON)
	}
	for _, buf := range buffers {
		if writeErr != nil {
			break
		}
		_, writeErr = w.Write(buf)
	}
	if writeErr == nil {
		writeErr = w.Flush()
	}
	if closeErr := f.Close(); writeErr == nil {
		writeErr = closeErr
	}
	if writeErr != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(writeErr, "failed to write %s", tmpPath)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errors.Wrapf(err, "failed to move %s to %s", tmpPath, path)
	}
	return nil
}
