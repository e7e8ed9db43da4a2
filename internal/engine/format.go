package engine

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/born-ml/stereodepth/internal/plugin"
	"github.com/born-ml/stereodepth/internal/tensor"
)

// Format constants.
const (
	MagicBytes      = "SDNE"
	FormatVersion   = 1
	FixedHeaderSize = 64
	HeaderAlignment = 64
	ChecksumOffset  = 0x20
	ChecksumSize    = 32

	// MaxHeaderSize bounds the JSON header read from untrusted files.
	MaxHeaderSize = 16 * 1024 * 1024
)

// Flags.
const (
	FlagHalf uint32 = 1 << 0 // weights stored as fp16
)

// header is the JSON header of a plan file.
type header struct {
	FormatVersion int              `json:"format_version"`
	Topology      string           `json:"topology"`
	Precision     tensor.Precision `json:"precision"`
	Hardware      string           `json:"hardware"`
	MaxBatchSize  int              `json:"max_batch_size"`
	Bindings      []Binding        `json:"bindings"`
	Tensors       []Tensor         `json:"tensors"`
	Steps         []Step           `json:"steps"`
	Plugins       []PluginRef      `json:"plugins"`
	Slots         []int            `json:"slots"`
	Weights       []weightMeta     `json:"weights"`
}

type weightMeta struct {
	Name   string `json:"name"`
	Count  int    `json:"count"`
	Offset int64  `json:"offset"`
	Size   int64  `json:"size"`
}

// Expect names the build parameters a plan must match. Empty strings are
// not checked; Precision always is.
type Expect struct {
	Topology  string
	Precision tensor.Precision
	Hardware  string
}

// Serialize encodes e as a plan file.
func Serialize(e *Engine) ([]byte, error) {
	h := header{
		FormatVersion: FormatVersion,
		Topology:      e.topology,
		Precision:     e.precision,
		Hardware:      e.hardware,
		MaxBatchSize:  e.maxBatchSize,
		Bindings:      e.bindings,
		Tensors:       e.tensors,
		Steps:         e.steps,
		Plugins:       e.plugins,
		Slots:         e.slots,
		Weights:       make([]weightMeta, 0, len(e.weights)),
	}

	var data []byte
	for _, w := range e.weights {
		raw := tensor.EncodeFloats(w.Values, e.precision)
		h.Weights = append(h.Weights, weightMeta{
			Name:   w.Name,
			Count:  len(w.Values),
			Offset: int64(len(data)),
			Size:   int64(len(raw)),
		})
		data = append(data, raw...)
	}

	headerJSON, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal header: %w", err)
	}

	var flags uint32
	if e.precision == tensor.Float16 {
		flags |= FlagHalf
	}

	fixed := make([]byte, FixedHeaderSize)
	copy(fixed[0:4], MagicBytes)
	binary.LittleEndian.PutUint32(fixed[4:8], FormatVersion)
	binary.LittleEndian.PutUint32(fixed[8:12], flags)
	binary.LittleEndian.PutUint64(fixed[16:24], uint64(len(headerJSON)))
	binary.LittleEndian.PutUint64(fixed[24:32], uint64(len(data)))
	sum := checksum(headerJSON, data)
	copy(fixed[ChecksumOffset:ChecksumOffset+ChecksumSize], sum[:])

	pos := FixedHeaderSize + len(headerJSON)
	padding := (HeaderAlignment - pos%HeaderAlignment) % HeaderAlignment

	var buf bytes.Buffer
	buf.Grow(pos + padding + len(data))
	buf.Write(fixed)
	buf.Write(headerJSON)
	buf.Write(make([]byte, padding))
	buf.Write(data)
	return buf.Bytes(), nil
}

func checksum(headerJSON, data []byte) [32]byte {
	h := sha256.New()
	h.Write(headerJSON)
	h.Write(data)
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

// Deserialize decodes a plan file and resolves its custom layers through reg.
// Every failure is a *DeserializationError.
func Deserialize(data []byte, reg *plugin.Registry, want Expect) (*Engine, error) {
	if len(data) < FixedHeaderSize {
		return nil, corrupt("", fmt.Errorf("%w: %d bytes", ErrTruncated, len(data)))
	}
	if string(data[0:4]) != MagicBytes {
		return nil, corrupt("magic", ErrInvalidMagic)
	}
	if v := binary.LittleEndian.Uint32(data[4:8]); v != FormatVersion {
		return nil, mismatch("format_version", v, FormatVersion)
	}
	flags := binary.LittleEndian.Uint32(data[8:12])
	headerSize := binary.LittleEndian.Uint64(data[16:24])
	dataSize := binary.LittleEndian.Uint64(data[24:32])
	if headerSize > MaxHeaderSize {
		return nil, corrupt("header_size", ErrHeaderTooLarge)
	}

	pos := uint64(FixedHeaderSize) + headerSize
	dataOffset := pos + (HeaderAlignment-pos%HeaderAlignment)%HeaderAlignment
	if dataSize > uint64(len(data)) || dataOffset+dataSize != uint64(len(data)) {
		return nil, corrupt("data_size", fmt.Errorf("%w: have %d bytes, header declares %d", ErrTruncated, len(data), dataOffset+dataSize))
	}
	headerJSON := data[FixedHeaderSize:pos]
	weightData := data[dataOffset:]

	var stored [32]byte
	copy(stored[:], data[ChecksumOffset:ChecksumOffset+ChecksumSize])
	if checksum(headerJSON, weightData) != stored {
		return nil, corrupt("checksum", ErrChecksumMismatch)
	}

	var h header
	if err := json.Unmarshal(headerJSON, &h); err != nil {
		return nil, corrupt("header", err)
	}
	if h.FormatVersion != FormatVersion {
		return nil, mismatch("format_version", h.FormatVersion, FormatVersion)
	}
	if (flags&FlagHalf != 0) != (h.Precision == tensor.Float16) {
		return nil, corrupt("flags", fmt.Errorf("flags %#x disagree with precision %v", flags, h.Precision))
	}
	if err := h.check(want); err != nil {
		return nil, err
	}
	if err := h.validate(int64(len(weightData))); err != nil {
		return nil, corrupt("", err)
	}

	e := &Engine{
		topology:     h.Topology,
		precision:    h.Precision,
		hardware:     h.Hardware,
		maxBatchSize: h.MaxBatchSize,
		bindings:     h.Bindings,
		tensors:      h.Tensors,
		steps:        h.Steps,
		plugins:      h.Plugins,
		slots:        h.Slots,
		weights:      make([]Weight, len(h.Weights)),
		layers:       make([]plugin.Layer, len(h.Plugins)),
	}
	for i, m := range h.Weights {
		e.weights[i] = Weight{
			Name:   m.Name,
			Values: tensor.DecodeFloats(weightData[m.Offset:m.Offset+m.Size], h.Precision),
		}
	}
	for i, ref := range h.Plugins {
		l, err := reg.Lookup(ref.Type, ref.Config)
		if err != nil {
			return nil, corrupt("plugins", err)
		}
		e.layers[i] = l
	}
	for _, s := range e.steps {
		if s.Op == OpPlugin && len(s.Inputs) != e.layers[s.Plugin].NumInputs() {
			return nil, corrupt("steps", fmt.Errorf("step %s: %d inputs for %s", s.Name, len(s.Inputs), e.layers[s.Plugin].Type()))
		}
	}
	return e, nil
}

// check compares the plan's build parameters with want.
func (h *header) check(want Expect) error {
	if !h.Precision.Valid() {
		return corrupt("precision", fmt.Errorf("unknown precision %v", h.Precision))
	}
	if want.Topology != "" && h.Topology != want.Topology {
		return mismatch("topology", h.Topology, want.Topology)
	}
	if want.Precision.Valid() && h.Precision != want.Precision {
		return mismatch("precision", h.Precision, want.Precision)
	}
	if want.Hardware != "" && h.Hardware != want.Hardware {
		return mismatch("hardware", h.Hardware, want.Hardware)
	}
	return nil
}

// validate checks that every index in the header is in range and that
// weight regions lie inside the data section without overlapping.
func (h *header) validate(dataSize int64) error {
	if h.MaxBatchSize != 1 {
		return fmt.Errorf("%w: %d", ErrBatchSize, h.MaxBatchSize)
	}
	if len(h.Bindings) == 0 {
		return fmt.Errorf("%w: none declared", ErrBindings)
	}
	inRange := func(i, n int) bool { return i >= 0 && i < n }

	for i, b := range h.Bindings {
		if !inRange(b.Tensor, len(h.Tensors)) || h.Tensors[b.Tensor].Binding != i {
			return fmt.Errorf("%w: binding %s does not match the tensor table", ErrBindings, b.Name)
		}
	}
	for _, t := range h.Tensors {
		if err := t.Dims.Validate(); err != nil {
			return fmt.Errorf("tensor %s: %w", t.Name, err)
		}
		switch {
		case t.Binding != noRef && !inRange(t.Binding, len(h.Bindings)):
			return fmt.Errorf("tensor %s: binding %d out of range", t.Name, t.Binding)
		case t.Slot != noRef && !inRange(t.Slot, len(h.Slots)):
			return fmt.Errorf("tensor %s: slot %d out of range", t.Name, t.Slot)
		case t.Slot != noRef && h.Slots[t.Slot] < t.Dims.NumElements():
			return fmt.Errorf("tensor %s: slot %d too small", t.Name, t.Slot)
		}
	}
	for _, s := range h.Steps {
		if !inRange(s.Output, len(h.Tensors)) {
			return fmt.Errorf("step %s: output %d out of range", s.Name, s.Output)
		}
		for _, in := range s.Inputs {
			if !inRange(in, len(h.Tensors)) {
				return fmt.Errorf("step %s: input %d out of range", s.Name, in)
			}
		}
		if err := s.validateRefs(len(h.Weights), len(h.Plugins)); err != nil {
			return err
		}
		if err := h.validateStep(&s); err != nil {
			return err
		}
	}
	if err := checkCount(h.Weights, h.Precision); err != nil {
		return err
	}
	return validateWeights(h.Weights, dataSize)
}

func (s *Step) validateRefs(weights, plugins int) error {
	arity := map[Op]int{OpConv: 1, OpDeconv: 1, OpScale: 1, OpActivate: 1, OpAdd: 2, OpPlugin: -1}
	n, ok := arity[s.Op]
	if !ok {
		return fmt.Errorf("step %s: unknown op %q", s.Name, s.Op)
	}
	if n > 0 && len(s.Inputs) != n {
		return fmt.Errorf("step %s: %d inputs for %s", s.Name, len(s.Inputs), s.Op)
	}
	switch s.Op {
	case OpConv, OpDeconv, OpScale:
		if len(s.Weights) != 2 {
			return fmt.Errorf("step %s: expected 2 weight refs, got %d", s.Name, len(s.Weights))
		}
		for i, w := range s.Weights {
			optional := i == 1 && s.Op != OpScale
			if (w == noRef && !optional) || w < noRef || w >= weights {
				return fmt.Errorf("step %s: weight ref %d out of range", s.Name, w)
			}
		}
	case OpPlugin:
		if s.Plugin < 0 || s.Plugin >= plugins {
			return fmt.Errorf("step %s: plugin ref %d out of range", s.Name, s.Plugin)
		}
	}
	return nil
}

// validateStep checks that a step's tensors have storage and that its
// weights match the shapes it runs on.
func (h *header) validateStep(s *Step) error {
	for _, id := range append([]int{s.Output}, s.Inputs...) {
		t := h.Tensors[id]
		if (t.Binding == noRef) == (t.Slot == noRef) {
			return fmt.Errorf("step %s: tensor %s must be either bound or slotted", s.Name, t.Name)
		}
	}
	out := h.Tensors[s.Output].Dims
	count := func(ref int) int {
		if ref == noRef {
			return noRef
		}
		return h.Weights[ref].Count
	}

	switch s.Op {
	case OpConv, OpDeconv:
		if s.Kernel < 1 || s.Stride < 1 || s.Pad < 0 {
			return fmt.Errorf("step %s: invalid kernel %d, stride %d, pad %d", s.Name, s.Kernel, s.Stride, s.Pad)
		}
		in := h.Tensors[s.Inputs[0]].Dims
		if n, want := count(s.Weights[0]), out.C*in.C*s.Kernel*s.Kernel; n != want {
			return fmt.Errorf("step %s: kernel has %d elements, want %d", s.Name, n, want)
		}
		if n := count(s.Weights[1]); n != noRef && n != out.C {
			return fmt.Errorf("step %s: bias has %d elements, want %d", s.Name, n, out.C)
		}
	case OpScale:
		for _, ref := range s.Weights {
			if n := count(ref); n != noRef && n != out.C {
				return fmt.Errorf("step %s: %s has %d elements, want %d", s.Name, h.Weights[ref].Name, n, out.C)
			}
		}
		fallthrough
	case OpActivate, OpAdd:
		for _, id := range s.Inputs {
			if in := h.Tensors[id].Dims; in != out {
				return fmt.Errorf("step %s: input %v does not match output %v", s.Name, in, out)
			}
		}
	}
	return nil
}

// validateWeights rejects regions that are negative, out of bounds or overlap.
func validateWeights(weights []weightMeta, dataSize int64) error {
	sorted := append([]weightMeta(nil), weights...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })

	for i, w := range sorted {
		if w.Offset < 0 || w.Size < 0 || w.Count < 0 {
			return fmt.Errorf("weight %q: negative offset, size or count", w.Name)
		}
		if w.Offset+w.Size > dataSize {
			return fmt.Errorf("weight %q: offset %d + size %d > data size %d", w.Name, w.Offset, w.Size, dataSize)
		}
		if i < len(sorted)-1 && w.Offset+w.Size > sorted[i+1].Offset {
			return fmt.Errorf("weights %q and %q overlap", w.Name, sorted[i+1].Name)
		}
	}
	return nil
}

// checkCount verifies each region holds exactly count elements of p.
func checkCount(weights []weightMeta, p tensor.Precision) error {
	var errs []error
	for _, w := range weights {
		if int64(w.Count)*int64(p.Size()) != w.Size {
			errs = append(errs, fmt.Errorf("weight %q: %d bytes for %d %v elements", w.Name, w.Size, w.Count, p))
		}
	}
	return errors.Join(errs...)
}
