// Package engine compiles a graph.Network into an executable Engine, runs it
// on an accelerator and persists it as a versioned plan file.
//
// Compilation orders the layers, infers shapes, fuses convolution with a
// following batch-norm scale and activation, rounds weights to the target
// precision and assigns every intermediate tensor to a reusable workspace
// slot.
//
// # Plan file layout
//
//	0x00  magic "SDNE"
//	0x04  u32 format version
//	0x08  u32 flags
//	0x0C  reserved
//	0x10  u64 header size
//	0x18  u64 data size
//	0x20  SHA-256 over header JSON and weight data
//	0x40  header JSON
//	....  zero padding to a 64-byte boundary
//	....  weight data in engine precision
//
// A plan is only valid for the topology, precision and hardware class it was
// built for; Deserialize reports anything else as a Mismatch.
package engine
