package safetensors

import (
	"iter"
	"os"
	"slices"

	"github.com/edsrzf/mmap-go"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// File is a memory-mapped .safetensors file. Tensors are copied out of the mapping when read,
// so they remain valid after Close.
type File struct {
	Path   string
	Header *Header

	f          *os.File
	data       mmap.MMap
	dataOffset int64
}

// Open parses the header of the .safetensors file at path and memory-maps it for reading.
func Open(path string) (*File, error) {
	header, dataOffset, err := ParseHeader(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", path)
	}
	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "failed to mmap %s", path)
	}
	return &File{Path: path, Header: header, f: f, data: data, dataOffset: dataOffset}, nil
}

// Close unmaps and closes the file.
func (sf *File) Close() error {
	err := sf.data.Unmap()
	if closeErr := sf.f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return errors.Wrapf(err, "failed to close %s", sf.Path)
	}
	return nil
}

// ReadTensor reads a tensor by name.
func (sf *File) ReadTensor(tensorName string) (*tensors.Tensor, error) {
	meta, ok := sf.Header.Tensors[tensorName]
	if !ok {
		return nil, errors.Errorf("tensor %s not found in %s", tensorName, sf.Path)
	}
	dtype, err := dtypeToGoMLX(meta.Dtype)
	if err != nil {
		return nil, errors.WithMessagef(err, "tensor %s", tensorName)
	}

	t := tensors.FromShape(shapes.Make(dtype, meta.Shape...))
	start := sf.dataOffset + meta.DataOffsets[0]
	end := sf.dataOffset + meta.DataOffsets[1]
	if end > int64(len(sf.data)) {
		return nil, errors.Errorf("tensor %s data [%d, %d) goes beyond the end of %s (%d bytes)",
			tensorName, start, end, sf.Path, len(sf.data))
	}
	var readErr error
	err = t.MutableBytes(func(data []byte) {
		if int64(len(data)) != end-start {
			readErr = errors.Errorf("tensor %s with shape %s expected %d bytes, but file has %d bytes",
				tensorName, t.Shape(), len(data), end-start)
			return
		}
		copy(data, sf.data[start:end])
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "tensor %s", tensorName)
	}
	if readErr != nil {
		return nil, readErr
	}
	return t, nil
}

// TensorNames returns the names of the tensors in the file, sorted by their position in the file.
func (sf *File) TensorNames() []string {
	names := make([]string, 0, len(sf.Header.Tensors))
	for name := range sf.Header.Tensors {
		names = append(names, name)
	}
	slices.SortFunc(names, func(a, b string) int {
		return int(sf.Header.Tensors[a].DataOffsets[0] - sf.Header.Tensors[b].DataOffsets[0])
	})
	return names
}

// IterTensors iterates over all tensors of the file, in file order.
func (sf *File) IterTensors() iter.Seq2[TensorAndName, error] {
	return func(yield func(TensorAndName, error) bool) {
		for _, name := range sf.TensorNames() {
			tensor, err := sf.ReadTensor(name)
			if err != nil {
				yield(TensorAndName{}, err)
				return
			}
			if !yield(TensorAndName{Name: name, Tensor: tensor}, nil) {
				return
			}
		}
	}
}

// TensorAndName holds a tensor name and its GoMLX tensor data.
type TensorAndName struct {
	Name   string
	Tensor *tensors.Tensor
}

// Load reads all tensors of the .safetensors file at path, along with its metadata.
func Load(path string) (map[string]*tensors.Tensor, map[string]string, error) {
	sf, err := Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = sf.Close() }()
	all := make(map[string]*tensors.Tensor, len(sf.Header.Tensors))
	for tn, err := range sf.IterTensors() {
		if err != nil {
			return nil, nil, err
		}
		all[tn.Name] = tn.Tensor
	}
	return all, sf.Header.Metadata, nil
}
