// Copyright (C) The Impute Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package impute

type reducedHaplotypes struct {
	blockOffsets []int
	blocks       []*uniqueHaplotypeBlock
	variantCount int

	minBlockSize int
	maxBlockSize int
	flushBlock   bool

	// compression-ratio flushing heuristic state
	lastCR        float64
	sinceLastEval int
	slopeUnit     int
}

// newReducedHaplotypes returns a collection whose compression heuristic
// flushes blocks between minBlockSize and maxBlockSize variants.
func newReducedHaplotypes(minBlockSize, maxBlockSize int) *reducedHaplotypes {
	if minBlockSize < 1 {
		minBlockSize = 1
	}
	if maxBlockSize < 1 {
		maxBlockSize = 1
	}
	return &reducedHaplotypes{
		minBlockSize: minBlockSize,
		maxBlockSize: maxBlockSize,
		flushBlock:   true,
		slopeUnit:    10,
	}
}

func (r *reducedHaplotypes) Blocks() []*uniqueHaplotypeBlock { return r.blocks }
func (r *reducedHaplotypes) VariantSize() int                { return r.variantCount }

// SetSlopeUnit overrides how often the compression ratio is re-evaluated.
func (r *reducedHaplotypes) SetSlopeUnit(n int) {
	if n > 0 {
		r.slopeUnit = n
	}
}

// CompressVariant adds a variant to the tail block, starting a new block when
// the flushing heuristic (or the caller, via flush) says the current block is
// done: once a block has minBlockSize variants, the compression ratio is
// re-checked every slopeUnit variants and the block is flushed as soon as the
// ratio stops improving, or unconditionally at maxBlockSize.
func (r *reducedHaplotypes) CompressVariant(site referenceSiteInfo, alleles []int8, flush bool) bool {
	if r.flushBlock || len(r.blocks) == 0 {
		r.blocks = append(r.blocks, &uniqueHaplotypeBlock{})
		r.blockOffsets = append(r.blockOffsets, r.variantCount)
		r.flushBlock = false
		r.lastCR = 1
		r.sinceLastEval = 0
	}
	tail := r.blocks[len(r.blocks)-1]
	if !tail.CompressVariant(site, alleles) {
		return false
	}
	r.variantCount++

	v := tail.VariantSize()
	switch {
	case flush, v >= r.maxBlockSize:
		r.flushBlock = true
	case v >= r.minBlockSize:
		r.sinceLastEval++
		if r.sinceLastEval >= r.slopeUnit {
			r.sinceLastEval = 0
			cr := tail.CompressionRatio()
			if cr >= r.lastCR {
				r.flushBlock = true
			}
			r.lastCR = cr
		}
	}
	return true
}

// AppendBlock concatenates a pre-built block. When the incoming block's first
// variant repeats the previous block's last variant (same pos, ref, alt), the
// duplicate is popped from the previous block first.
func (r *reducedHaplotypes) AppendBlock(block *uniqueHaplotypeBlock) {
	if block.VariantSize() == 0 {
		return
	}
	if n := len(r.blocks); n > 0 {
		prev := r.blocks[n-1]
		if pv := prev.VariantSize(); pv > 0 {
			last := prev.Variants()[pv-1]
			first := block.Variants()[0]
			if last.Pos == first.Pos && last.Ref == first.Ref && last.Alt == first.Alt {
				prev.PopVariant()
				r.variantCount--
				if prev.VariantSize() == 0 {
					r.blocks = r.blocks[:n-1]
					r.blockOffsets = r.blockOffsets[:n-1]
				}
			}
		}
	}
	r.blocks = append(r.blocks, block)
	r.blockOffsets = append(r.blockOffsets, r.variantCount)
	r.variantCount += block.VariantSize()
	r.flushBlock = true
}

// FillCM interpolates missing centimorgan values across all blocks.
func (r *reducedHaplotypes) FillCM(mf *geneticMapFile) {
	for _, b := range r.blocks {
		b.FillCM(mf)
	}
}

// CompressionRatio aggregates (ΣH + ΣU·V) / (ΣH·V) over all blocks.
func (r *reducedHaplotypes) CompressionRatio() float64 {
	num, den := 0.0, 0.0
	for _, b := range r.blocks {
		h := float64(b.ExpandedHaplotypeSize())
		v := float64(b.VariantSize())
		num += h + float64(b.UniqueHaplotypeSize())*v
		den += h * v
	}
	if den == 0 {
		return 1
	}
	return num / den
}

// haplotypeIterator walks variants across blocks in either direction. It
// holds a non-owning reference to its parent; mutating the parent
// invalidates it.
type haplotypeIterator struct {
	parent   *reducedHaplotypes
	blockIdx int
	localIdx int
}

func (r *reducedHaplotypes) Begin() haplotypeIterator {
	return haplotypeIterator{parent: r}
}

func (r *reducedHaplotypes) End() haplotypeIterator {
	return haplotypeIterator{parent: r, blockIdx: len(r.blocks)}
}

// Last positions the iterator on the final variant; with no variants it
// returns End().
func (r *reducedHaplotypes) Last() haplotypeIterator {
	if len(r.blocks) == 0 {
		return r.End()
	}
	b := len(r.blocks) - 1
	return haplotypeIterator{parent: r, blockIdx: b, localIdx: r.blocks[b].VariantSize() - 1}
}

func (it haplotypeIterator) Valid() bool {
	return it.blockIdx >= 0 && it.blockIdx < len(it.parent.blocks) && it.localIdx >= 0
}

func (it haplotypeIterator) Equal(other haplotypeIterator) bool {
	return it.blockIdx == other.blockIdx && it.localIdx == other.localIdx
}

func (it haplotypeIterator) Next() haplotypeIterator {
	it.localIdx++
	if it.localIdx >= it.parent.blocks[it.blockIdx].VariantSize() {
		it.blockIdx++
		it.localIdx = 0
	}
	return it
}

func (it haplotypeIterator) Prev() haplotypeIterator {
	if it.localIdx == 0 {
		it.blockIdx--
		if it.blockIdx >= 0 {
			it.localIdx = it.parent.blocks[it.blockIdx].VariantSize() - 1
		}
		return it
	}
	it.localIdx--
	return it
}

func (it haplotypeIterator) Variant() *referenceVariant {
	return &it.parent.blocks[it.blockIdx].variants[it.localIdx]
}

func (it haplotypeIterator) BlockIdx() int      { return it.blockIdx }
func (it haplotypeIterator) BlockLocalIdx() int { return it.localIdx }

func (it haplotypeIterator) GlobalIdx() int {
	return it.parent.blockOffsets[it.blockIdx] + it.localIdx
}

func (it haplotypeIterator) Block() *uniqueHaplotypeBlock {
	return it.parent.blocks[it.blockIdx]
}

func (it haplotypeIterator) UniqueMap() []int64   { return it.Block().UniqueMap() }
func (it haplotypeIterator) Cardinalities() []int { return it.Block().Cardinalities() }
