// Copyright (C) The Impute Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package impute

import (
	"math"
)

// uniqueMapEOV marks an expanded haplotype slot that is ploidy padding
// rather than a real haplotype.
const uniqueMapEOV int64 = -1

// uniqueHaplotypeBlock is the column-compressed representation of a window
// of reference variants. Haplotypes that are identical across the window
// share one "unique column"; uniqueMap sends each expanded haplotype slot to
// its column and cardinalities counts the occupancy of each column. Every
// variant stores one allele per column.
type uniqueHaplotypeBlock struct {
	uniqueMap     []int64
	cardinalities []int
	variants      []referenceVariant
}

func (b *uniqueHaplotypeBlock) Variants() []referenceVariant { return b.variants }
func (b *uniqueHaplotypeBlock) UniqueMap() []int64           { return b.uniqueMap }
func (b *uniqueHaplotypeBlock) Cardinalities() []int         { return b.cardinalities }

// ExpandedHaplotypeSize is the number of expanded haplotype slots, padding
// included.
func (b *uniqueHaplotypeBlock) ExpandedHaplotypeSize() int { return len(b.uniqueMap) }

// UniqueHaplotypeSize is the number of unique columns.
func (b *uniqueHaplotypeBlock) UniqueHaplotypeSize() int {
	if len(b.variants) == 0 {
		return 0
	}
	return len(b.variants[0].GT)
}

func (b *uniqueHaplotypeBlock) VariantSize() int { return len(b.variants) }

// CompressVariant absorbs one more variant into the block. The first variant
// establishes the column set; later variants either agree with their current
// column, land in a column already split off for the same source column and
// allele, or force a new split (which back-fills the new column across all
// earlier variants from the split source). Returns false on empty input, a
// size mismatch, or a ploidy inconsistency (an end-of-vector allele must
// appear at the same slot in every variant).
func (b *uniqueHaplotypeBlock) CompressVariant(site referenceSiteInfo, alleles []int8) bool {
	if len(alleles) == 0 {
		return false
	}

	if len(b.uniqueMap) == 0 {
		// First variant: one column per distinct allele.
		b.uniqueMap = make([]int64, len(alleles))
		var gt []int8
		colOf := map[int8]int64{}
		for h, a := range alleles {
			if a == int8EOV {
				b.uniqueMap[h] = uniqueMapEOV
				continue
			}
			col, ok := colOf[a]
			if !ok {
				col = int64(len(gt))
				colOf[a] = col
				gt = append(gt, a)
				b.cardinalities = append(b.cardinalities, 0)
			}
			b.uniqueMap[h] = col
			b.cardinalities[col]++
		}
		if len(gt) == 0 {
			b.clearState()
			return false
		}
		b.variants = append(b.variants, referenceVariant{
			referenceSiteInfo: site,
			AC:                b.alleleCount(gt),
			GT:                gt,
		})
		return true
	}

	if len(alleles) != len(b.uniqueMap) {
		return false
	}

	gt := make([]int8, len(b.cardinalities))
	claimed := make([]bool, len(b.cardinalities))
	type splitKey struct {
		src    int64
		allele int8
	}
	splits := map[splitKey]int64{}

	for h, a := range alleles {
		col := b.uniqueMap[h]
		if a == int8EOV {
			if col != uniqueMapEOV {
				return false // sample ploidy changed mid-block
			}
			continue
		}
		if col == uniqueMapEOV {
			return false
		}
		if !claimed[col] {
			claimed[col] = true
			gt[col] = a
			continue
		}
		if gt[col] == a {
			continue
		}
		// Mismatch against the claimed allele for this column.
		key := splitKey{src: col, allele: a}
		if newCol, ok := splits[key]; ok {
			b.uniqueMap[h] = newCol
			b.cardinalities[col]--
			b.cardinalities[newCol]++
			continue
		}
		newCol := int64(len(gt))
		splits[key] = newCol
		gt = append(gt, a)
		claimed = append(claimed, true)
		b.cardinalities = append(b.cardinalities, 1)
		b.cardinalities[col]--
		b.uniqueMap[h] = newCol
		// Back-fill the new column for all earlier variants from the
		// split source.
		for i := range b.variants {
			b.variants[i].GT = append(b.variants[i].GT, b.variants[i].GT[col])
		}
	}

	if len(splits) > 0 {
		for i := range b.variants {
			b.variants[i].AC = b.alleleCount(b.variants[i].GT)
		}
	}
	b.variants = append(b.variants, referenceVariant{
		referenceSiteInfo: site,
		AC:                b.alleleCount(gt),
		GT:                gt,
	})
	return true
}

func (b *uniqueHaplotypeBlock) alleleCount(gt []int8) int {
	ac := 0
	for c, a := range gt {
		if a > 0 {
			b.assertColumn(c)
			ac += b.cardinalities[c]
		}
	}
	return ac
}

func (b *uniqueHaplotypeBlock) assertColumn(c int) {
	if c >= len(b.cardinalities) {
		panic("unique haplotype column out of range")
	}
}

// Trim drops variants outside the inclusive position window. The column
// structure is left alone, so a trimmed block may carry more columns than a
// freshly compressed one would.
func (b *uniqueHaplotypeBlock) Trim(minPos, maxPos int) {
	if len(b.variants) == 0 {
		return
	}
	lo := 0
	for lo < len(b.variants) && b.variants[lo].Pos < minPos {
		lo++
	}
	hi := len(b.variants)
	for hi > lo && b.variants[hi-1].Pos > maxPos {
		hi--
	}
	if lo == hi {
		b.clearState()
		return
	}
	b.variants = b.variants[lo:hi:hi]
}

// PopVariant removes the most recently added variant.
func (b *uniqueHaplotypeBlock) PopVariant() {
	if n := len(b.variants); n > 0 {
		b.variants = b.variants[:n-1]
	}
}

func (b *uniqueHaplotypeBlock) clearState() {
	b.variants = nil
	b.uniqueMap = nil
	b.cardinalities = nil
}

// Clear resets the block to its empty state.
func (b *uniqueHaplotypeBlock) Clear() { b.clearState() }

// RemoveEOV strips padding slots from the unique map.
func (b *uniqueHaplotypeBlock) RemoveEOV() {
	kept := b.uniqueMap[:0]
	for _, c := range b.uniqueMap {
		if c != uniqueMapEOV {
			kept = append(kept, c)
		}
	}
	b.uniqueMap = kept
}

// FillCM interpolates missing centimorgan values from a genetic map.
func (b *uniqueHaplotypeBlock) FillCM(mf *geneticMapFile) {
	for i := range b.variants {
		if math.IsNaN(b.variants[i].CM) {
			b.variants[i].CM = mf.InterpolateCentimorgan(b.variants[i].Pos)
		}
	}
}

// FillCMFromRecom fills missing centimorgan values by accumulating the
// per-site switch probabilities, starting (and continuing) from *startCM.
func (b *uniqueHaplotypeBlock) FillCMFromRecom(startCM *float64) {
	for i := range b.variants {
		if math.IsNaN(b.variants[i].CM) {
			b.variants[i].CM = *startCM
		}
		if r := b.variants[i].Recom; !math.IsNaN(float64(r)) {
			*startCM += switchProbToCM(float64(r))
		}
	}
}

// CompressionRatio is (H + U·V) / (H·V): the cost of the map plus the column
// matrix relative to the dense matrix.
func (b *uniqueHaplotypeBlock) CompressionRatio() float64 {
	h := float64(len(b.uniqueMap))
	u := float64(b.UniqueHaplotypeSize())
	v := float64(len(b.variants))
	if h == 0 || v == 0 {
		return 1
	}
	return (h + u*v) / (h * v)
}

// ExpandAllele reconstructs the allele of expanded haplotype slot h at
// variant v. Padding slots return int8EOV.
func (b *uniqueHaplotypeBlock) ExpandAllele(v, h int) int8 {
	col := b.uniqueMap[h]
	if col == uniqueMapEOV {
		return int8EOV
	}
	return b.variants[v].GT[col]
}
