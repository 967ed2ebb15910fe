// Package weights parses the binary weight container spec §4.8
// describes: a magic/version header, tensor and key-value counts, a
// run of KV metadata entries (scalar values kept for GetConfig, the
// rest skipped), a run of tensor info records,
// and a 32-byte-aligned data section. The layout and magic number are
// those of the teacher's own GGUF reader (gguf-parser-go's file.go /
// file_metadata.go, since superseded here); this package narrows that
// reader to read-path tensor loading only, since the runtime never
// writes weight files.
package weights

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gretacore/gretacore/buffer"
	"github.com/gretacore/gretacore/dtype"
	"github.com/gretacore/gretacore/util/anyx"
	"github.com/gretacore/gretacore/util/bytex"
	"github.com/gretacore/gretacore/util/osx"
	"github.com/gretacore/gretacore/util/stringx"
	"github.com/gretacore/gretacore/gpu"
)

const (
	magic = 0x46554747 // ASCII "GGUF"

	dataAlignment = 32
)

// kvType tags a key-value metadata entry's value shape; the loader
// only needs enough of this to skip entries it does not parse.
type kvType uint32

const (
	kvUint8 kvType = iota
	kvInt8
	kvUint16
	kvInt16
	kvUint32
	kvInt32
	kvFloat32
	kvBool
	kvString
	kvArray
	kvUint64
	kvInt64
	kvFloat64
)

// FileDType is the on-disk tensor element tag (spec §4.8 table); it is
// distinct from dtype.ElementType because the container format
// predates and outlives this runtime's in-memory type set. Numeric
// values match the tag each dtype carries in the file format.
type FileDType uint32

const (
	FileF32  FileDType = 0
	FileF16  FileDType = 1
	FileQ4_0 FileDType = 2
	FileQ8_0 FileDType = 8
	FileQ4_K FileDType = 12
	FileQ5_K FileDType = 13
	FileQ6_K FileDType = 14
)

// String renders the on-disk dtype tag the way the inspector CLI
// displays it.
func (dt FileDType) String() string {
	switch dt {
	case FileF32:
		return "f32"
	case FileF16:
		return "f16"
	case FileQ4_0:
		return "q4_0"
	case FileQ8_0:
		return "q8_0"
	case FileQ4_K:
		return "q4_k"
	case FileQ5_K:
		return "q5_k"
	case FileQ6_K:
		return "q6_k"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(dt))
	}
}

type blockShape struct {
	blockSize  uint64
	blockBytes uint64
}

var blockTable = map[FileDType]blockShape{
	FileF32:  {1, 4},
	FileF16:  {1, 2},
	FileQ4_0: {32, 18},
	FileQ8_0: {32, 34},
	FileQ4_K: {256, 144},
	FileQ5_K: {256, 176},
	FileQ6_K: {256, 210},
}

// TensorSize returns the byte size of a tensor with nElements elements
// of the given on-disk dtype (spec §4.8 "Tensor size calculation").
func TensorSize(dt FileDType, nElements uint64) (uint64, error) {
	bs, ok := blockTable[dt]
	if !ok {
		return 0, fmt.Errorf("weights: unknown on-disk dtype %d", dt)
	}
	blocks := (nElements + bs.blockSize - 1) / bs.blockSize
	return blocks * bs.blockBytes, nil
}

// TensorRecord is one parsed tensor info entry.
type TensorRecord struct {
	Name       string
	Dims       []uint64
	DType      FileDType
	RelOffset  uint64 // byte offset relative to the data section, as stored
	AbsOffset  uint64 // absolute file offset, computed during parse
	Size       uint64
	NElements  uint64
}

// Container is a parsed weight file: its tensor index and the open
// file handle tensors are streamed from.
type Container struct {
	f            *os.File
	Version      uint32
	Tensors      []TensorRecord
	byName       map[string]int
	dataSection  uint64
	kv           map[string]float64
}

// Open parses path's header, KV metadata (scalar values retained for
// GetConfig) and tensor index,
// and computes each tensor's absolute file offset (spec §4.8).
func Open(path string) (*Container, error) {
	f, err := osx.Open(path)
	if err != nil {
		return nil, err
	}
	c, err := parse(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return c, nil
}

func parse(f *os.File) (*Container, error) {
	r := bufio.NewReader(f)

	var hdrMagic uint32
	if err := binary.Read(r, binary.LittleEndian, &hdrMagic); err != nil {
		return nil, fmt.Errorf("weights: reading magic: %w", err)
	}
	if hdrMagic != magic {
		return nil, fmt.Errorf("weights: bad magic %#x, want %#x", hdrMagic, uint32(magic))
	}

	var version uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, err
	}
	if version != 2 && version != 3 {
		return nil, fmt.Errorf("weights: unsupported version %d (want 2 or 3)", version)
	}

	var tensorCount, kvCount uint64
	if err := binary.Read(r, binary.LittleEndian, &tensorCount); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &kvCount); err != nil {
		return nil, err
	}

	read := uint64(4 + 4 + 8 + 8)
	kv := make(map[string]float64)
	for i := uint64(0); i < kvCount; i++ {
		key, val, isScalar, n, err := readKVEntry(r)
		if err != nil {
			return nil, fmt.Errorf("weights: reading kv entry %d: %w", i, err)
		}
		if isScalar {
			kv[key] = val
		}
		read += n
	}

	tensors := make([]TensorRecord, 0, tensorCount)
	for i := uint64(0); i < tensorCount; i++ {
		rec, n, err := readTensorRecord(r)
		if err != nil {
			return nil, fmt.Errorf("weights: reading tensor record %d: %w", i, err)
		}
		tensors = append(tensors, rec)
		read += n
	}

	dataSection := xAlignUp(read, dataAlignment)

	byName := make(map[string]int, len(tensors))
	cursor := uint64(0)
	for i := range tensors {
		nElements := uint64(1)
		for _, d := range tensors[i].Dims {
			nElements *= d
		}
		size, err := TensorSize(tensors[i].DType, nElements)
		if err != nil {
			return nil, fmt.Errorf("weights: tensor %q: %w", tensors[i].Name, err)
		}
		tensors[i].NElements = nElements
		tensors[i].Size = size
		tensors[i].AbsOffset = dataSection + xAlignUp(cursor, dataAlignment)
		cursor = xAlignUp(cursor, dataAlignment) + size
		byName[tensors[i].Name] = i
	}

	return &Container{f: f, Version: version, Tensors: tensors, byName: byName, dataSection: dataSection, kv: kv}, nil
}

func xAlignUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return (v + align - 1) / align * align
}

// readKVEntry reads one key-value metadata entry, returning the key,
// its value as a float64 when the value is a scalar numeric type, and
// the total bytes consumed. Non-scalar values (strings, arrays) are
// consumed but not retained: spec §4.8 only requires these entries be
// skippable, but recognized scalar keys feed GetConfig (§12).
func readKVEntry(r *bufio.Reader) (key string, val float64, isScalar bool, n uint64, err error) {
	keyLen, err := readU64(r)
	if err != nil {
		return "", 0, false, 0, err
	}
	keyBytes := make([]byte, keyLen)
	if _, err := io.ReadFull(r, keyBytes); err != nil {
		return "", 0, false, 0, err
	}
	n = uint64(8) + keyLen
	key = string(keyBytes)

	var tag uint32
	if err := binary.Read(r, binary.LittleEndian, &tag); err != nil {
		return "", 0, false, 0, err
	}
	n += 4

	val, isScalar, vn, err := readValue(r, kvType(tag))
	if err != nil {
		return "", 0, false, 0, err
	}
	return key, val, isScalar, n + vn, nil
}

// readValue consumes one KV value of type t, returning it as a float64
// when t is a scalar numeric type (bool and every integer/float kind),
// and the number of bytes consumed.
func readValue(r *bufio.Reader, t kvType) (val float64, isScalar bool, n uint64, err error) {
	switch t {
	case kvUint8:
		var v uint8
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return 0, false, 0, err
		}
		return float64(v), true, 1, nil
	case kvInt8:
		var v int8
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return 0, false, 0, err
		}
		return float64(v), true, 1, nil
	case kvBool:
		var v uint8
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return 0, false, 0, err
		}
		return float64(v), true, 1, nil
	case kvUint16:
		var v uint16
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return 0, false, 0, err
		}
		return float64(v), true, 2, nil
	case kvInt16:
		var v int16
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return 0, false, 0, err
		}
		return float64(v), true, 2, nil
	case kvUint32:
		var v uint32
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return 0, false, 0, err
		}
		return float64(v), true, 4, nil
	case kvInt32:
		var v int32
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return 0, false, 0, err
		}
		return float64(v), true, 4, nil
	case kvFloat32:
		var v float32
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return 0, false, 0, err
		}
		return float64(v), true, 4, nil
	case kvUint64:
		var v uint64
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return 0, false, 0, err
		}
		return float64(v), true, 8, nil
	case kvInt64:
		var v int64
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return 0, false, 0, err
		}
		return float64(v), true, 8, nil
	case kvFloat64:
		var v float64
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return 0, false, 0, err
		}
		return v, true, 8, nil
	case kvString:
		l, err := readU64(r)
		if err != nil {
			return 0, false, 0, err
		}
		if _, err := io.CopyN(io.Discard, r, int64(l)); err != nil {
			return 0, false, 0, err
		}
		return 0, false, 8 + l, nil
	case kvArray:
		var elemTag uint32
		if err := binary.Read(r, binary.LittleEndian, &elemTag); err != nil {
			return 0, false, 0, err
		}
		count, err := readU64(r)
		if err != nil {
			return 0, false, 0, err
		}
		n := uint64(4 + 8)
		for i := uint64(0); i < count; i++ {
			_, _, vn, err := readValue(r, kvType(elemTag))
			if err != nil {
				return 0, false, 0, err
			}
			n += vn
		}
		return 0, false, n, nil
	default:
		return 0, false, 0, fmt.Errorf("weights: unknown kv value type tag %d", t)
	}
}

func readU64(r *bufio.Reader) (uint64, error) {
	var v uint64
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}

func readTensorRecord(r *bufio.Reader) (TensorRecord, uint64, error) {
	nameLen, err := readU64(r)
	if err != nil {
		return TensorRecord{}, 0, err
	}
	nameBytes := make([]byte, nameLen)
	if _, err := io.ReadFull(r, nameBytes); err != nil {
		return TensorRecord{}, 0, err
	}
	n := uint64(8) + nameLen

	var nDims uint32
	if err := binary.Read(r, binary.LittleEndian, &nDims); err != nil {
		return TensorRecord{}, 0, err
	}
	n += 4

	dims := make([]uint64, nDims)
	for i := range dims {
		d, err := readU64(r)
		if err != nil {
			return TensorRecord{}, 0, err
		}
		dims[i] = d
		n += 8
	}

	var dtypeTag uint32
	if err := binary.Read(r, binary.LittleEndian, &dtypeTag); err != nil {
		return TensorRecord{}, 0, err
	}
	n += 4

	relOffset, err := readU64(r)
	if err != nil {
		return TensorRecord{}, 0, err
	}
	n += 8

	return TensorRecord{Name: string(nameBytes), Dims: dims, DType: FileDType(dtypeTag), RelOffset: relOffset}, n, nil
}

// Find returns the tensor record named name, if present.
func (c *Container) Find(name string) (TensorRecord, bool) {
	i, ok := c.byName[name]
	if !ok {
		return TensorRecord{}, false
	}
	return c.Tensors[i], true
}

// DeviceAllocator is the minimal allocation surface LoadTensor needs;
// buffer.Allocator is the production implementation.
type DeviceAllocator = buffer.Allocator

// CopyToDevice performs the host-staging-buffer-to-device-buffer copy;
// the backend supplies the real transfer-queue implementation.
type CopyToDevice func(stream *gpu.Stream, dst *buffer.Buffer, staging []byte) error

// LoadTensor stages name's bytes from disk into a host buffer, then
// copies it into a freshly-allocated DeviceOnly buffer (spec §4.8
// "load_tensor").
func (c *Container) LoadTensor(name string, alloc DeviceAllocator, elem dtype.ElementType, stream *gpu.Stream, copyToDevice CopyToDevice) (*buffer.Buffer, error) {
	rec, ok := c.Find(name)
	if !ok {
		return nil, fmt.Errorf("weights: no tensor named %q", name)
	}

	var buf *buffer.Buffer
	err := bytex.WithBytes(func(staging bytex.Bytes) error {
		if _, err := c.f.ReadAt(staging, int64(rec.AbsOffset)); err != nil {
			return fmt.Errorf("weights: reading tensor %q: %w", name, err)
		}

		var err error
		if buf, err = buffer.Allocate(alloc, rec.Size, buffer.UsageDeviceOnly, elem); err != nil {
			return fmt.Errorf("weights: allocating device buffer for %q: %w", name, err)
		}

		if err := copyToDevice(stream, buf, staging); err != nil {
			return fmt.Errorf("weights: copying tensor %q to device: %w", name, err)
		}
		stream.Flush()
		return nil
	}, rec.Size)
	if err != nil {
		return nil, err
	}

	return buf, nil
}

// Close releases the underlying file handle.
func (c *Container) Close() error {
	return c.f.Close()
}

// ModelConfig is the subset of architecture metadata the scheduler
// needs to size its buffers (spec §4.8 "get_config").
type ModelConfig struct {
	VocabSize   uint32
	Dim         uint32
	NumLayers   uint32
	NumHeads    uint32
	NumHeadsKV  uint32
	HeadDim     uint32
	HiddenDim   uint32
	RopeBase    float32
	NormEps     float32
	MaxSeqLen   uint32
}

// llama2_7B is the hard-coded fallback config returned when KV parsing
// is skipped (spec §4.8 "a minimal implementation returns a hard-coded
// Llama-2-7B shape").
var llama2_7B = ModelConfig{
	VocabSize: 32000,
	Dim:       4096,
	NumLayers: 32,
	NumHeads:  32,
	NumHeadsKV: 32,
	HeadDim:   128,
	HiddenDim: 11008,
	RopeBase:  10000.0,
	NormEps:   1e-5,
	MaxSeqLen: 4096,
}

// llamaConfigKeys maps ModelConfig fields to the KV metadata key
// suffixes llama.cpp-family GGUF files carry (e.g. full key
// "llama.embedding_length"); matched by suffix since the architecture
// name prefix varies.
var llamaConfigKeys = map[string]string{
	"embedding_length":                "Dim",
	"block_count":                     "NumLayers",
	"attention.head_count":            "NumHeads",
	"attention.head_count_kv":         "NumHeadsKV",
	"feed_forward_length":             "HiddenDim",
	"attention.layer_norm_rms_epsilon": "NormEps",
	"rope.freq_base":                  "RopeBase",
	"context_length":                  "MaxSeqLen",
}

// GetConfig returns the model's architecture config, derived from the
// file's KV metadata where recognized keys are present (spec §12
// supplement), falling back field-by-field to the hard-coded
// Llama-2-7B shape when a key is absent (spec §4.8's degenerate case).
func (c *Container) GetConfig() ModelConfig {
	cfg := llama2_7B
	for key, val := range c.kv {
		for suffix, field := range llamaConfigKeys {
			if !strings.HasSuffix(key, suffix) {
				continue
			}
			switch field {
			case "Dim":
				cfg.Dim = anyx.Number[uint32](val)
			case "NumLayers":
				cfg.NumLayers = anyx.Number[uint32](val)
			case "NumHeads":
				cfg.NumHeads = anyx.Number[uint32](val)
			case "NumHeadsKV":
				cfg.NumHeadsKV = anyx.Number[uint32](val)
			case "HiddenDim":
				cfg.HiddenDim = anyx.Number[uint32](val)
			case "NormEps":
				cfg.NormEps = anyx.Number[float32](val)
			case "RopeBase":
				cfg.RopeBase = anyx.Number[float32](val)
			case "MaxSeqLen":
				cfg.MaxSeqLen = anyx.Number[uint32](val)
			}
		}
	}
	if cfg.NumHeads > 0 && cfg.Dim > 0 {
		cfg.HeadDim = cfg.Dim / cfg.NumHeads
	}
	if cfg.NumHeadsKV == 0 {
		cfg.NumHeadsKV = cfg.NumHeads
	}
	return cfg
}

// Loader is the interface the scheduler depends on, letting tests
// substitute a fake reader without a real weight file.
type Loader interface {
	Find(name string) (TensorRecord, bool)
	LoadTensor(name string, alloc DeviceAllocator, elem dtype.ElementType, stream *gpu.Stream, copyToDevice CopyToDevice) (*buffer.Buffer, error)
	GetConfig() ModelConfig
	Close() error
}

var _ Loader = (*Container)(nil)

// CreateWeightLoader selects a reader by file-extension substring
// (spec §4.8 "Factory create_weight_loader"). Only the GGUF-style
// container this package parses is currently recognized.
func CreateWeightLoader(path string) (Loader, error) {
	_, ext, found := stringx.CutFromRight(strings.ToLower(path), ".")
	switch {
	case found && ext == "gguf":
		return Open(path)
	default:
		return nil, fmt.Errorf("weights: unrecognized weight file extension for %q", path)
	}
}
