// Copyright (C) The Impute Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package impute

import (
	"math"

	"gopkg.in/check.v1"
)

type hmmSuite struct{}

var _ = check.Suite(&hmmSuite{})

// buildTestPanel compresses the same variants into a typed-only form (typed
// positions) and a full form (all positions). alleles gives the expanded
// haplotype alleles per position.
func buildTestPanel(c *check.C, positions []int, typed map[int]bool, alleles func(pos int) []int8, recom float32, err float32) (*reducedHaplotypes, *reducedHaplotypes, []targetVariant) {
	typedOnly := newReducedHaplotypes(16, 512)
	full := newReducedHaplotypes(1, maxRegionPos)
	var tar []targetVariant

	var typedPos []int
	for _, pos := range positions {
		if typed[pos] {
			typedPos = append(typedPos, pos)
		}
	}

	for _, pos := range positions {
		a := alleles(pos)
		si := newReferenceSiteInfo("20", pos, "", "A", "C")
		c.Assert(full.CompressVariant(si, a, false), check.Equals, true)
		if !typed[pos] {
			continue
		}
		ac := 0
		for _, x := range a {
			if x > 0 {
				ac++
			}
		}
		af := float32(ac) / float32(len(a))
		si.Err = err
		c.Assert(typedOnly.CompressVariant(si, a, false), check.Equals, true)
		tv := targetVariant{
			Chrom: "20", Pos: pos, Ref: "A", Alt: "C",
			InTarget: true, InReference: true,
			AF: af, Err: err, Recom: recom, CM: math.NaN(),
		}
		tar = append(tar, tv)
	}
	tar[len(tar)-1].Recom = 0
	return typedOnly, full, tar
}

func runHMM(c *check.C, typedOnly, full *reducedHaplotypes, tar []targetVariant, results *fullDosagesResults) *hiddenMarkovModel {
	hmm := newHiddenMarkovModel(0.01, -1, 0.01, 1e-5, 0)
	maps := generateReverseMaps(typedOnly)
	hmm.TraverseForward(typedOnly.Blocks(), tar, 0)
	hmm.TraverseBackward(typedOnly.Blocks(), tar, 0, 0, maps, results, full)
	return hmm
}

// A haplotype matching one reference haplotype at every typed site should
// get dosages tracking that haplotype, both at typed and untyped sites.
func (s *hmmSuite) TestPassThroughTypedSites(c *check.C) {
	positions := []int{100, 150, 200, 250, 300}
	typed := map[int]bool{100: true, 200: true, 300: true}
	alleles := func(pos int) []int8 {
		switch pos {
		case 250:
			return []int8{0, 1, 1, 1} // anti-correlated with haplotype 0
		default:
			return []int8{1, 0, 0, 0}
		}
	}
	typedOnly, full, tar := buildTestPanel(c, positions, typed, alleles, 0.01, 0.01)
	for i := range tar {
		tar[i].GT = []int8{1}
	}

	var results fullDosagesResults
	results.Resize(full.VariantSize(), len(tar), 1)
	runHMM(c, typedOnly, full, tar, &results)

	// typed sites: rows 0, 2, 4
	c.Check(results.Dosage(0, 0) >= 0.98, check.Equals, true, check.Commentf("dose=%v", results.Dosage(0, 0)))
	c.Check(results.Dosage(2, 0) >= 0.98, check.Equals, true)
	c.Check(results.Dosage(4, 0) >= 0.98, check.Equals, true)
	// untyped correlated site tracks the matched haplotype
	c.Check(results.Dosage(1, 0) >= 0.9, check.Equals, true, check.Commentf("dose=%v", results.Dosage(1, 0)))
	// untyped anti-correlated site goes the other way
	c.Check(results.Dosage(3, 0) <= 0.1, check.Equals, true, check.Commentf("dose=%v", results.Dosage(3, 0)))

	// leave-one-out at the middle typed site is still confident thanks to
	// its neighbors
	c.Check(results.LooDosage(1, 0) >= 0.95, check.Equals, true, check.Commentf("loo=%v", results.LooDosage(1, 0)))

	for row := 0; row < full.VariantSize(); row++ {
		d := float64(results.Dosage(row, 0))
		c.Assert(d >= 0 && d <= 1, check.Equals, true)
	}
}

// With the only observation missing, the posterior falls back to the
// reference allele frequency.
func (s *hmmSuite) TestMissingTypedSite(c *check.C) {
	positions := []int{100}
	typed := map[int]bool{100: true}
	alleles := func(pos int) []int8 { return []int8{1, 0, 0, 0} }
	typedOnly, full, tar := buildTestPanel(c, positions, typed, alleles, 0.01, 0.01)
	tar[0].GT = []int8{int8Missing}

	var results fullDosagesResults
	results.Resize(full.VariantSize(), len(tar), 1)
	runHMM(c, typedOnly, full, tar, &results)

	c.Check(math.Abs(float64(results.Dosage(0, 0))-0.25) < 0.005, check.Equals, true,
		check.Commentf("dose=%v", results.Dosage(0, 0)))
}

// Repeated conditioning drives forward sums below the jump threshold; the
// rescale must be recorded and dosages must stay in [0,1].
func (s *hmmSuite) TestPrecisionJumpRecovery(c *check.C) {
	var positions []int
	typed := map[int]bool{}
	for pos := 100; pos < 100+5000*10; pos += 10 {
		positions = append(positions, pos)
		typed[pos] = true
	}
	alleles := func(pos int) []int8 { return []int8{1, 0, 0, 0} }
	typedOnly, full, tar := buildTestPanel(c, positions, typed, alleles, 0.01, 0.01)
	for i := range tar {
		tar[i].GT = []int8{1}
	}

	var results fullDosagesResults
	results.Resize(full.VariantSize(), len(tar), 1)
	hmm := runHMM(c, typedOnly, full, tar, &results)

	jumped := false
	for _, j := range hmm.PrecisionJumps() {
		jumped = jumped || j
	}
	c.Check(jumped, check.Equals, true)

	for row := 0; row < full.VariantSize(); row++ {
		d := float64(results.Dosage(row, 0))
		c.Assert(d >= 0 && d <= 1, check.Equals, true, check.Commentf("row=%d d=%v", row, d))
		c.Check(d >= 0.9, check.Equals, true, check.Commentf("row=%d d=%v", row, d))
	}
}

// Reusing one HMM instance across haplotypes must not leak state between
// traversals.
func (s *hmmSuite) TestRepeatTraversalIsIdempotent(c *check.C) {
	positions := []int{100, 150, 200, 250, 300, 350, 400}
	typed := map[int]bool{100: true, 200: true, 300: true, 400: true}
	alleles := func(pos int) []int8 {
		return []int8{int8((pos / 50) % 2), 0, 1, int8((pos / 100) % 2)}
	}
	typedOnly, full, tar := buildTestPanel(c, positions, typed, alleles, 0.02, 0.01)
	for i := range tar {
		tar[i].GT = []int8{int8(i % 2)}
	}

	var first, second fullDosagesResults
	first.Resize(full.VariantSize(), len(tar), 1)
	second.Resize(full.VariantSize(), len(tar), 1)

	hmm := newHiddenMarkovModel(0.01, -1, 0.01, 1e-5, 0)
	maps := generateReverseMaps(typedOnly)
	hmm.TraverseForward(typedOnly.Blocks(), tar, 0)
	hmm.TraverseBackward(typedOnly.Blocks(), tar, 0, 0, maps, &first, full)
	hmm.TraverseForward(typedOnly.Blocks(), tar, 0)
	hmm.TraverseBackward(typedOnly.Blocks(), tar, 0, 0, maps, &second, full)

	c.Check(first.dosages, check.DeepEquals, second.dosages)
	c.Check(first.looDosages, check.DeepEquals, second.looDosages)
}

// Block boundaries must conserve probability: a chunk compressed into many
// small blocks imputes the same dosages as a single block.
func (s *hmmSuite) TestBlockBoundaryConsistency(c *check.C) {
	var positions []int
	typed := map[int]bool{}
	for pos := 100; pos < 100+20*10; pos += 10 {
		positions = append(positions, pos)
		typed[pos] = true
	}
	alleles := func(pos int) []int8 {
		return []int8{1, 0, int8((pos / 10) % 2), 0}
	}

	build := func(minBlock, maxBlock int) *fullDosagesResults {
		typedOnly := newReducedHaplotypes(minBlock, maxBlock)
		full := newReducedHaplotypes(1, maxRegionPos)
		var tar []targetVariant
		for _, pos := range positions {
			a := alleles(pos)
			si := newReferenceSiteInfo("20", pos, "", "A", "C")
			si.Err = 0.01
			c.Assert(full.CompressVariant(si, a, false), check.Equals, true)
			c.Assert(typedOnly.CompressVariant(si, a, false), check.Equals, true)
			tar = append(tar, targetVariant{
				Chrom: "20", Pos: pos, Ref: "A", Alt: "C", InTarget: true, InReference: true,
				AF: 0.25, Err: 0.01, Recom: 0.01, CM: math.NaN(), GT: []int8{1},
			})
		}
		tar[len(tar)-1].Recom = 0
		var results fullDosagesResults
		results.Resize(full.VariantSize(), len(tar), 1)
		runHMM(c, typedOnly, full, tar, &results)
		return &results
	}

	oneBlock := build(1000, 1000)
	manyBlocks := build(2, 4)
	for row := range oneBlock.dosages {
		d1 := float64(oneBlock.Dosage(row, 0))
		d2 := float64(manyBlocks.Dosage(row, 0))
		c.Check(math.Abs(d1-d2) <= 0.002, check.Equals, true, check.Commentf("row=%d %v vs %v", row, d1, d2))
	}
}

func (s *hmmSuite) TestDimensions(c *check.C) {
	var r fullDosagesResults
	r.Resize(5, 3, 2)
	c.Check(r.Dimensions(), check.Equals, [2]int{5, 2})
	c.Check(r.DimensionsLOO(), check.Equals, [2]int{3, 2})
	c.Check(isFloat32EOV(r.Dosage(0, 0)), check.Equals, true)
	r.SetDosage(0, 0, 0.5)
	r.FillEOV()
	c.Check(isFloat32EOV(r.Dosage(0, 0)), check.Equals, true)
	r.ResizeColumns(1)
	c.Check(r.Dimensions(), check.Equals, [2]int{5, 1})
}
