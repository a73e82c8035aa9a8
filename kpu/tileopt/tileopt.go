// Package tileopt chooses a tile shape for a matmul problem against a
// memory hierarchy's capacities (spec §4.11). The default strategy is a
// closed-form analytical cost model; "exhaustive" and "heuristic" are
// reserved strategy names that currently return the analytical result.
//
// Grounded on src/isa/tile_optimizer.cpp's capacity-driven greedy search in
// original_source/, rendered in the teacher's small-pure-function style
// (compare sim/scheduler's cost-estimate helpers: no state, just inputs to
// outputs).
package tileopt

import (
	"fmt"

	"github.com/stillwater-sc/kpusim/kpu"
)

// Hierarchy describes the capacities and instance counts of the memory
// levels a tile configuration must fit within.
type Hierarchy struct {
	L3TileCapacity kpu.Size
	L2BankCapacity kpu.Size
	L1BufferCap    kpu.Size
	NumL3, NumL2, NumL1 int
}

// TileConfig is the chosen tile shape.
type TileConfig struct {
	Ti, Tj, Tk kpu.Size
	L1Ki       kpu.Size
}

// Strategy names a tile-search approach. Exhaustive and Heuristic are
// reserved: they currently alias Analytical (spec §4.11 "reserved, may
// return the analytical result").
type Strategy int

const (
	Analytical Strategy = iota
	Exhaustive
	Heuristic
)

func (s Strategy) String() string {
	switch s {
	case Analytical:
		return "analytical"
	case Exhaustive:
		return "exhaustive"
	case Heuristic:
		return "heuristic"
	default:
		return "unknown"
	}
}

// minTileDim and maxTileDim bound every tile dimension to a power of two
// in [8,256] (spec §4.11 "Constraints").
const (
	minTileDim = kpu.Size(8)
	maxTileDim = kpu.Size(256)
)

// DefaultSystolicSize is the PE-grid edge length tile dims clamp to when
// the problem is smaller than the minimum tile, matching
// engine.DefaultSystolicRows/Cols without introducing a dependency on
// package engine.
const DefaultSystolicSize = kpu.Size(16)

// Optimize chooses a TileConfig for an MxNxK problem against h, using the
// strategy named by s (spec §4.11).
func Optimize(m, n, k kpu.Size, dtype kpu.DataType, h Hierarchy, s Strategy) (TileConfig, error) {
	switch s {
	case Analytical, Exhaustive, Heuristic:
		return analytical(m, n, k, dtype, h, DefaultSystolicSize)
	default:
		return TileConfig{}, fmt.Errorf("tileopt: unknown strategy %v", s)
	}
}

// clampDim rounds dim up to a power of two in [minTileDim,maxTileDim],
// then, if the problem itself is smaller than minTileDim, clamps to the
// problem size rounded up to the next multiple of systolicSize instead
// (spec §4.11 "if the problem is smaller, clamp to the problem dimension
// rounded up to the next multiple of the systolic array size").
func clampDim(candidate, problemDim, systolicSize kpu.Size) kpu.Size {
	if problemDim < minTileDim {
		return roundUpToMultiple(problemDim, systolicSize)
	}
	dim := nextPowerOfTwo(candidate)
	if dim < minTileDim {
		dim = minTileDim
	}
	if dim > maxTileDim {
		dim = maxTileDim
	}
	if dim > problemDim {
		dim = nextPowerOfTwo(problemDim)
		if dim > maxTileDim {
			dim = maxTileDim
		}
	}
	return dim
}

func roundUpToMultiple(v, multiple kpu.Size) kpu.Size {
	if multiple == 0 {
		return v
	}
	if v == 0 {
		return multiple
	}
	rem := v % multiple
	if rem == 0 {
		return v
	}
	return v + (multiple - rem)
}

func nextPowerOfTwo(v kpu.Size) kpu.Size {
	if v == 0 {
		return 1
	}
	p := kpu.Size(1)
	for p < v {
		p <<= 1
	}
	return p
}

// analytical implements spec §4.11's default strategy: the largest square
// Ti,Tj such that one A-tile + one B-tile + one C-tile fit in an L2 bank,
// then the largest Tk that keeps one A-tile's K-chunk in half of L1
// (reserving the other half for double buffering). L1Ki defaults to Tk.
func analytical(m, n, k kpu.Size, dtype kpu.DataType, h Hierarchy, systolicSize kpu.Size) (TileConfig, error) {
	elem := dtype.Bytes()
	if elem == 0 {
		return TileConfig{}, fmt.Errorf("tileopt: dtype %v has zero element size", dtype)
	}

	ti, tj := largestSquareTileForL2(h.L2BankCapacity, elem)
	if ti == 0 || tj == 0 {
		return TileConfig{}, fmt.Errorf("tileopt: L2 bank capacity %d too small to fit even a %dx%d tile", h.L2BankCapacity, minTileDim, minTileDim)
	}
	ti = clampDim(ti, m, systolicSize)
	tj = clampDim(tj, n, systolicSize)

	tk := largestTkForL1(h.L1BufferCap, ti, elem)
	if tk == 0 {
		return TileConfig{}, fmt.Errorf("tileopt: L1 buffer capacity %d too small for a Tk=%d K-chunk", h.L1BufferCap, minTileDim)
	}
	tk = clampDim(tk, k, systolicSize)

	return TileConfig{Ti: ti, Tj: tj, Tk: tk, L1Ki: tk}, nil
}

// largestSquareTileForL2 searches power-of-two tile sizes downward from
// maxTileDim for the largest Ti==Tj satisfying
// (Ti*Tk + Tk*Tj + Ti*Tj)*elem <= capacity, approximating Tk with the
// candidate Ti itself (a conservative assumption later refined once Tk is
// chosen), preferring square tiles per spec §4.11.
func largestSquareTileForL2(capacity kpu.Size, elem kpu.Size) (ti, tj kpu.Size) {
	for dim := maxTileDim; dim >= minTileDim; dim >>= 1 {
		bytes := (dim*dim + dim*dim + dim*dim) * elem
		if bytes <= capacity {
			return dim, dim
		}
	}
	return 0, 0
}

// largestTkForL1 returns the largest power-of-two Tk with
// Tk*Ti*elem <= capacity/2 (spec §4.11 "leave room for double buffering"),
// or 0 if even the smallest tile doesn't fit.
func largestTkForL1(capacity kpu.Size, ti kpu.Size, elem kpu.Size) kpu.Size {
	budget := capacity / 2
	for dim := maxTileDim; dim >= minTileDim; dim >>= 1 {
		if dim*ti*elem <= budget {
			return dim
		}
	}
	return 0
}
