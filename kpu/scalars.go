// Package kpu holds the scalar types and data-type model shared by every
// component of the Knowledge Processing Unit simulator: the address space,
// the buffer hierarchy, the allocators, the ISA, and the executors.
package kpu

// Address is a 64-bit byte address in the simulator's flat global address
// space. The address decoder (package addr) routes an Address to a
// concrete memory instance and local offset.
type Address uint64

// Size is a 64-bit byte count.
type Size uint64

// Cycle is a monotonic simulation tick. Cycle 0 is the start of a run.
type Cycle uint64

// InstanceID identifies one instance of a memory or compute kind, e.g.
// L2 bank 3 or systolic array 0.
type InstanceID uint32
