package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// maxHeaderSize is a sanity check on the header size read from a file.
const maxHeaderSize = 100 * 1024 * 1024

// Header represents the JSON header of a safetensors file.
type Header struct {
	Tensors  map[string]*TensorMetadata // Tensor name -> metadata
	Metadata map[string]string          // Optional __metadata__ field
}

// TensorMetadata represents metadata for a single tensor in a safetensors file.
type TensorMetadata struct {
	Name        string   `json:"-"`            // Tensor name (from map key)
	Dtype       string   `json:"dtype"`        // Data type: F32, F64, I32, I64, etc.
	Shape       []int    `json:"shape"`        // Tensor dimensions
	DataOffsets [2]int64 `json:"data_offsets"` // [start, end] byte offsets, relative to the data section
}

// ParseHeader reads and parses the header from a safetensors file.
// It returns the header and the offset in the file where the tensor data starts.
//
// Safetensors format:
//
//	[8 bytes: header size as little-endian u64]
//	[header_size bytes: JSON header]
//	[remaining bytes: tensor data]
func ParseHeader(path string) (*Header, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "failed to open file %s", path)
	}
	defer func() { _ = f.Close() }()
	header, dataOffset, err := readHeader(f)
	if err != nil {
		return nil, 0, errors.WithMessagef(err, "file %s", path)
	}
	return header, dataOffset, nil
}

func readHeader(r io.Reader) (*Header, int64, error) {
	var headerSize uint64
	if err := binary.Read(r, binary.LittleEndian, &headerSize); err != nil {
		return nil, 0, errors.Wrap(err, "failed to read header size")
	}
	if headerSize > maxHeaderSize {
		return nil, 0, errors.Errorf("header size too large: %d bytes", headerSize)
	}

	headerBytes := make([]byte, headerSize)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, 0, errors.Wrap(err, "failed to read header JSON")
	}
	var rawHeader map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &rawHeader); err != nil {
		return nil, 0, errors.Wrap(err, "failed to parse header JSON")
	}

	header := &Header{
		Tensors:  make(map[string]*TensorMetadata),
		Metadata: make(map[string]string),
	}
	for key, value := range rawHeader {
		if key == "__metadata__" {
			if err := json.Unmarshal(value, &header.Metadata); err != nil {
				return nil, 0, errors.Wrap(err, "failed to parse __metadata__")
			}
			continue
		}
		var tm TensorMetadata
		if err := json.Unmarshal(value, &tm); err != nil {
			return nil, 0, errors.Wrapf(err, "failed to parse tensor metadata for %s", key)
		}
		if tm.DataOffsets[1] < tm.DataOffsets[0] {
			return nil, 0, errors.Errorf("tensor %s has invalid data offsets %v", key, tm.DataOffsets)
		}
		tm.Name = key
		header.Tensors[key] = &tm
	}

	// Data offset is after the 8-byte size + header
	return header, int64(8 + headerSize), nil
}

var dtypeNames = map[dtypes.DType]string{
	dtypes.Float64:  "F64",
	dtypes.Float32:  "F32",
	dtypes.Float16:  "F16",
	dtypes.BFloat16: "BF16",
	dtypes.Int64:    "I64",
	dtypes.Int32:    "I32",
	dtypes.Int16:    "I16",
	dtypes.Int8:     "I8",
	dtypes.Uint64:   "U64",
	dtypes.Uint32:   "U32",
	dtypes.Uint16:   "U16",
	dtypes.Uint8:    "U8",
	dtypes.Bool:     "BOOL",
}

func dtypeToGoMLX(stDtype string) (dtypes.DType, error) {
	for dtype, name := range dtypeNames {
		if name == stDtype {
			return dtype, nil
		}
	}
	dtype, found := dtypes.MapOfNames[strings.ToLower(stDtype)]
	if !found {
		return dtypes.InvalidDType, errors.Errorf("dtype %q not supported", stDtype)
	}
	return dtype, nil
}

func dtypeFromGoMLX(dtype dtypes.DType) (string, error) {
	name, found := dtypeNames[dtype]
	if !found {
		return "", errors.Errorf("dtype %s cannot be stored in safetensors", dtype)
	}
	return name, nil
}
