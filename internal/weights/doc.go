// Package weights loads the binary weight archive produced by the model
// exporter into a Store of named tensors.
//
// The archive is a plain sequence of records, read until end of file:
//
//	[name bytes][0x00]                 null-terminated tensor name
//	[4 bytes: count (uint32 LE)]       number of elements
//	[count * elem_size bytes]          raw little-endian values
//
// elem_size is 4 for fp32 archives and 2 for fp16 archives. The precision is
// not recorded in the file; the caller states it when loading. The format has
// no checksum, so the loader rejects anything structurally wrong (truncated
// records, duplicate names) and otherwise trusts the file's provenance.
//
// Example:
//
//	store, err := weights.Load("trt_weights_fp16.bin", tensor.Float16)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	kernel, ok := store.Get("conv1/kernel")
package weights
