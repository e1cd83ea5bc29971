package checkpoint

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"math/rand"
	"os"
	"sort"
	"time"

	"github.com/gofrs/flock"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"golang.org/x/exp/mmap"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"
)

// Snapshots use the safetensors layout:
//
//	[8 bytes: header size as little-endian u64]
//	[header_size bytes: JSON header]
//	[remaining bytes: tensor data]
//
// Variables are stored as F32 row-major tensors. Concurrent writers are
// serialized with an advisory lock file next to the snapshot, and writes go
// through a temporary file renamed into place, so readers never observe a
// half-written snapshot.

// TensorMetadata describes one tensor in a snapshot header.
type TensorMetadata struct {
	Name        string   `json:"-"`            // Tensor name (from map key)
	Dtype       string   `json:"dtype"`        // Data type: F32, F64, I32, I64
	Shape       []int    `json:"shape"`        // Tensor dimensions
	DataOffsets [2]int64 `json:"data_offsets"` // [start, end] byte offsets in file
}

// SizeBytes returns the size of the tensor data in bytes.
func (tm *TensorMetadata) SizeBytes() int64 {
	return tm.DataOffsets[1] - tm.DataOffsets[0]
}

// NumElements returns the number of elements in the tensor.
func (tm *TensorMetadata) NumElements() int64 {
	n := int64(1)
	for _, d := range tm.Shape {
		n *= int64(d)
	}
	return n
}

var safetensorDtypes = map[string]dtypes.DType{
	"F32": dtypes.Float32,
	"F64": dtypes.Float64,
	"I32": dtypes.Int32,
	"I64": dtypes.Int64,
}

func parseDtype(s string) (dtypes.DType, error) {
	if dtype, ok := safetensorDtypes[s]; ok {
		return dtype, nil
	}
	// Accept GoMLX-style names as aliases, but only for dtypes the snapshot
	// reader can decode.
	if dtype, ok := dtypes.MapOfNames[s]; ok {
		for _, supported := range safetensorDtypes {
			if dtype == supported {
				return dtype, nil
			}
		}
	}
	return dtypes.InvalidDType, errors.Errorf("unsupported snapshot dtype %q", s)
}

// Save writes every variable of the store to a safetensors snapshot at
// path, as F32, with the extra metadata recorded in the header's
// __metadata__ section. The write is guarded by an advisory lock and is
// atomic via a temporary file and rename.
func Save(store *Store, path string, metadata map[string]string) error {
	if store.Len() == 0 {
		return errors.New("refusing to save an empty variable store")
	}

	names := store.Names()
	sort.Strings(names)

	header := make(map[string]interface{}, len(names)+1)
	meta := map[string]string{"format": "lasertagger"}
	for k, v := range metadata {
		meta[k] = v
	}
	header["__metadata__"] = meta

	offset := int64(0)
	data := make([][]byte, 0, len(names))
	for _, name := range names {
		v, _ := store.Get(name)
		rows, cols := v.Value.Dims()
		buf := make([]byte, rows*cols*4)
		i := 0
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(float32(v.Value.At(r, c))))
				i++
			}
		}
		header[name] = &TensorMetadata{
			Dtype:       "F32",
			Shape:       []int{rows, cols},
			DataOffsets: [2]int64{offset, offset + int64(len(buf))},
		}
		offset += int64(len(buf))
		data = append(data, buf)
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "failed to encode snapshot header")
	}

	var saveErr error
	errLock := withFileLock(path+".lock", func() {
		tmpPath := path + ".saving"
		f, err := os.Create(tmpPath)
		if err != nil {
			saveErr = errors.Wrapf(err, "failed to create temporary snapshot %q", tmpPath)
			return
		}
		var closed bool
		defer func() {
			if !closed {
				if err := f.Close(); err != nil {
					klog.Warningf("Failed closing temporary snapshot %q: %v", tmpPath, err)
				}
				if err := os.Remove(tmpPath); err != nil {
					klog.Warningf("Failed removing temporary snapshot %q: %v", tmpPath, err)
				}
			}
		}()

		if err := binary.Write(f, binary.LittleEndian, uint64(len(headerBytes))); err != nil {
			saveErr = errors.Wrap(err, "failed to write header size")
			return
		}
		if _, err := f.Write(headerBytes); err != nil {
			saveErr = errors.Wrap(err, "failed to write header JSON")
			return
		}
		for _, buf := range data {
			if _, err := f.Write(buf); err != nil {
				saveErr = errors.Wrap(err, "failed to write tensor data")
				return
			}
		}

		closed = true
		if err := f.Close(); err != nil {
			saveErr = errors.Wrapf(err, "failed to close temporary snapshot %q", tmpPath)
			return
		}
		if err := os.Rename(tmpPath, path); err != nil {
			saveErr = errors.Wrapf(err, "failed to move snapshot into place at %q", path)
			return
		}
	})
	if errLock != nil {
		return errors.WithMessagef(errLock, "while locking %q to save snapshot", path+".lock")
	}
	return saveErr
}

// Snapshot is an open, memory-mapped safetensors file.
type Snapshot struct {
	path       string
	reader     *mmap.ReaderAt
	dataOffset int64
	entries    map[string]*Entry
	names      []string // sorted by data offset
	metadata   map[string]string
}

// Entry is one tensor of a snapshot. Data is read lazily from the mmap.
type Entry struct {
	Name  string
	DType dtypes.DType
	Shape []int

	snap *Snapshot
	meta *TensorMetadata
}

// Open opens a snapshot for reading.
func Open(path string) (*Snapshot, error) {
	header, metadata, dataOffset, err := parseSnapshotHeader(path)
	if err != nil {
		return nil, err
	}

	reader, err := mmap.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to mmap %s", path)
	}

	snap := &Snapshot{
		path:       path,
		reader:     reader,
		dataOffset: dataOffset,
		entries:    make(map[string]*Entry, len(header)),
		metadata:   metadata,
	}
	for name, meta := range header {
		dtype, err := parseDtype(meta.Dtype)
		if err != nil {
			reader.Close()
			return nil, errors.WithMessagef(err, "tensor %q in %s", name, path)
		}
		shape := make([]int, len(meta.Shape))
		copy(shape, meta.Shape)
		snap.entries[name] = &Entry{
			Name:  name,
			DType: dtype,
			Shape: shape,
			snap:  snap,
			meta:  meta,
		}
		snap.names = append(snap.names, name)
	}

	// Order entries by file offset for sequential reads.
	sort.Slice(snap.names, func(i, j int) bool {
		a, b := snap.entries[snap.names[i]].meta, snap.entries[snap.names[j]].meta
		if a.DataOffsets[0] != b.DataOffsets[0] {
			return a.DataOffsets[0] < b.DataOffsets[0]
		}
		return snap.names[i] < snap.names[j]
	})
	return snap, nil
}

// Close releases the underlying memory map.
func (s *Snapshot) Close() error {
	return s.reader.Close()
}

// Names returns the tensor names ordered by their position in the file.
func (s *Snapshot) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// Metadata returns the __metadata__ section of the snapshot header.
func (s *Snapshot) Metadata() map[string]string { return s.metadata }

// Entry looks a tensor up by name.
func (s *Snapshot) Entry(name string) (*Entry, bool) {
	e, ok := s.entries[name]
	return e, ok
}

// Entries returns an iterator over all tensors in file order.
func (s *Snapshot) Entries() func(yield func(*Entry) bool) {
	return func(yield func(*Entry) bool) {
		for _, name := range s.names {
			if !yield(s.entries[name]) {
				return
			}
		}
	}
}

func (e *Entry) bytes() ([]byte, error) {
	data := make([]byte, e.meta.SizeBytes())
	if _, err := e.snap.reader.ReadAt(data, e.snap.dataOffset+e.meta.DataOffsets[0]); err != nil && err != io.EOF {
		return nil, errors.Wrapf(err, "failed to read tensor %q", e.Name)
	}
	return data, nil
}

// Matrix decodes the entry into a dense float64 matrix. One-dimensional
// tensors become single-row matrices. Only float dtypes are supported.
func (e *Entry) Matrix() (*mat.Dense, error) {
	var rows, cols int
	switch len(e.Shape) {
	case 1:
		rows, cols = 1, e.Shape[0]
	case 2:
		rows, cols = e.Shape[0], e.Shape[1]
	default:
		return nil, errors.Errorf("tensor %q has rank %d, only vectors and matrices convert to mat.Dense", e.Name, len(e.Shape))
	}

	data, err := e.bytes()
	if err != nil {
		return nil, err
	}
	n := rows * cols
	values := make([]float64, n)
	switch e.DType {
	case dtypes.Float32:
		if len(data) != n*4 {
			return nil, errors.Errorf("tensor %q: got %d bytes, expected %d", e.Name, len(data), n*4)
		}
		for i := 0; i < n; i++ {
			values[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(data[i*4 : (i+1)*4])))
		}
	case dtypes.Float64:
		if len(data) != n*8 {
			return nil, errors.Errorf("tensor %q: got %d bytes, expected %d", e.Name, len(data), n*8)
		}
		for i := 0; i < n; i++ {
			values[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[i*8 : (i+1)*8]))
		}
	default:
		return nil, errors.Errorf("tensor %q has dtype %s, only F32/F64 convert to mat.Dense", e.Name, e.DType)
	}
	return mat.NewDense(rows, cols, values), nil
}

// Tensor decodes the entry into a GoMLX tensor of its stored dtype.
func (e *Entry) Tensor() (*tensors.Tensor, error) {
	t := tensors.FromShape(shapes.Make(e.DType, e.Shape...))

	tensorOffset := e.snap.dataOffset + e.meta.DataOffsets[0]
	var readErr error
	t.MutableBytes(func(data []byte) {
		expectedBytes := int64(t.Shape().Size()) * int64(e.DType.Size())
		if int64(len(data)) != expectedBytes {
			readErr = errors.Errorf("tensor shape %s expected %d bytes, but got %d bytes", t.Shape(), expectedBytes, len(data))
			return
		}
		_, readErr = e.snap.reader.ReadAt(data, tensorOffset)
		if readErr != nil && readErr != io.EOF {
			readErr = errors.Wrapf(readErr, "failed to read tensor %q", e.Name)
			return
		}
		readErr = nil
	})
	if readErr != nil {
		return nil, readErr
	}
	return t, nil
}

// parseSnapshotHeader reads and parses the header of a safetensors file.
func parseSnapshotHeader(path string) (map[string]*TensorMetadata, map[string]string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, 0, errors.Wrapf(err, "failed to open snapshot %s", path)
	}
	defer f.Close()

	// Read header size (8 bytes, little-endian)
	var headerSize uint64
	if err := binary.Read(f, binary.LittleEndian, &headerSize); err != nil {
		return nil, nil, 0, errors.Wrap(err, "failed to read header size")
	}
	if headerSize > 100*1024*1024 { // Sanity check: 100MB max header
		return nil, nil, 0, errors.Errorf("header size too large: %d bytes", headerSize)
	}

	headerBytes := make([]byte, headerSize)
	if _, err := io.ReadFull(f, headerBytes); err != nil {
		return nil, nil, 0, errors.Wrap(err, "failed to read header JSON")
	}

	var rawHeader map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &rawHeader); err != nil {
		return nil, nil, 0, errors.Wrap(err, "failed to parse header JSON")
	}

	header := make(map[string]*TensorMetadata)
	metadata := make(map[string]string)
	for key, value := range rawHeader {
		if key == "__metadata__" {
			if err := json.Unmarshal(value, &metadata); err != nil {
				return nil, nil, 0, errors.Wrap(err, "failed to parse __metadata__")
			}
			continue
		}
		var tm TensorMetadata
		if err := json.Unmarshal(value, &tm); err != nil {
			return nil, nil, 0, errors.Wrapf(err, "failed to parse tensor metadata for %s", key)
		}
		tm.Name = key
		header[key] = &tm
	}

	dataOffset := int64(8 + headerSize)
	return header, metadata, dataOffset, nil
}

// withFileLock opens the lockPath file (or creates it if missing), locks it,
// and executes fn. If the lock is held elsewhere it polls with a 1 to 2
// second random period until acquired. The lock file is not removed.
func withFileLock(lockPath string, fn func()) (err error) {
	fileLock := flock.New(lockPath)
	for {
		locked, err := fileLock.TryLock()
		if err != nil {
			return errors.Wrapf(err, "while trying to lock %q", lockPath)
		}
		if locked {
			break
		}
		time.Sleep(time.Millisecond * time.Duration(1000+rand.Intn(1000)))
	}
	defer func() {
		unlockErr := fileLock.Unlock()
		if unlockErr != nil && err == nil {
			err = errors.Wrapf(unlockErr, "unlocking file %q", lockPath)
		}
	}()

	fn()
	return
}
