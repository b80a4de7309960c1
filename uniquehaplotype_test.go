// Copyright (C) The Impute Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package impute

import (
	"math"

	"gopkg.in/check.v1"
)

type uniqueHaplotypeSuite struct{}

var _ = check.Suite(&uniqueHaplotypeSuite{})

func site(pos int) referenceSiteInfo {
	return newReferenceSiteInfo("20", pos, "", "A", "C")
}

// checkBlockInvariants verifies the core block contract: cardinalities sum
// to the non-padding haplotype count, genotype vectors match the column
// count, allele counts agree with the cardinalities, and the unique map
// stays in range.
func checkBlockInvariants(c *check.C, b *uniqueHaplotypeBlock) {
	sum := 0
	for _, card := range b.Cardinalities() {
		sum += card
	}
	nonEOV := 0
	for _, u := range b.UniqueMap() {
		if u != uniqueMapEOV {
			nonEOV++
			c.Assert(int(u) < len(b.Cardinalities()), check.Equals, true)
		}
	}
	c.Check(sum, check.Equals, nonEOV)
	for _, v := range b.Variants() {
		c.Check(len(v.GT), check.Equals, len(b.Cardinalities()))
		ac := 0
		for col, a := range v.GT {
			if a > 0 {
				ac += b.Cardinalities()[col]
			}
		}
		c.Check(v.AC, check.Equals, ac)
	}
}

// Three distinct haplotype patterns across 50 variants compress to three
// unique columns, and expansion reproduces the original matrix.
func (s *uniqueHaplotypeSuite) TestCompressDecompressIdentity(c *check.C) {
	const nHaps = 200 // 100 diploid samples
	const nVariants = 50
	patterns := [3][]int8{}
	for i := range patterns {
		patterns[i] = make([]int8, nVariants)
		for v := 0; v < nVariants; v++ {
			if (v+i)%3 == 0 {
				patterns[i][v] = 1
			}
		}
	}
	hapPattern := make([]int, nHaps)
	for h := range hapPattern {
		hapPattern[h] = h % 3
	}

	var block uniqueHaplotypeBlock
	for v := 0; v < nVariants; v++ {
		alleles := make([]int8, nHaps)
		for h := 0; h < nHaps; h++ {
			alleles[h] = patterns[hapPattern[h]][v]
		}
		c.Assert(block.CompressVariant(site(100+v), alleles), check.Equals, true)
	}

	c.Check(block.VariantSize(), check.Equals, nVariants)
	c.Check(block.UniqueHaplotypeSize(), check.Equals, 3)
	sum := 0
	for _, card := range block.Cardinalities() {
		sum += card
	}
	c.Check(sum, check.Equals, nHaps)
	checkBlockInvariants(c, &block)

	for v := 0; v < nVariants; v++ {
		for h := 0; h < nHaps; h++ {
			c.Assert(block.ExpandAllele(v, h), check.Equals, patterns[hapPattern[h]][v])
		}
	}
}

// A split must back-fill earlier variants so expansion stays exact.
func (s *uniqueHaplotypeSuite) TestColumnSplitBackfill(c *check.C) {
	rows := [][]int8{
		{0, 0, 1, 1},
		{0, 0, 1, 1},
		{0, 1, 1, 0}, // splits both columns
		{1, 0, 0, 1},
	}
	var block uniqueHaplotypeBlock
	for v, alleles := range rows {
		c.Assert(block.CompressVariant(site(100+v), alleles), check.Equals, true)
		checkBlockInvariants(c, &block)
	}
	c.Check(block.UniqueHaplotypeSize(), check.Equals, 4)
	for v := range rows {
		for h := range rows[v] {
			c.Assert(block.ExpandAllele(v, h), check.Equals, rows[v][h], check.Commentf("v=%d h=%d", v, h))
		}
	}
}

func (s *uniqueHaplotypeSuite) TestCompressVariantFailures(c *check.C) {
	var block uniqueHaplotypeBlock
	c.Check(block.CompressVariant(site(1), nil), check.Equals, false)
	c.Assert(block.CompressVariant(site(1), []int8{0, 1, 0}), check.Equals, true)
	// size mismatch
	c.Check(block.CompressVariant(site(2), []int8{0, 1}), check.Equals, false)
	// ploidy inconsistency: EOV appears at a slot that had an allele
	c.Check(block.CompressVariant(site(3), []int8{0, 1, int8EOV}), check.Equals, false)
}

func (s *uniqueHaplotypeSuite) TestPloidyPadding(c *check.C) {
	var block uniqueHaplotypeBlock
	c.Assert(block.CompressVariant(site(1), []int8{0, 1, int8EOV, 1}), check.Equals, true)
	c.Assert(block.CompressVariant(site(2), []int8{1, 1, int8EOV, 0}), check.Equals, true)
	checkBlockInvariants(c, &block)
	c.Check(block.ExpandAllele(0, 2), check.Equals, int8EOV)

	block.RemoveEOV()
	c.Check(block.ExpandedHaplotypeSize(), check.Equals, 3)
}

func (s *uniqueHaplotypeSuite) TestTrimPopClear(c *check.C) {
	var block uniqueHaplotypeBlock
	for pos := 100; pos <= 500; pos += 100 {
		c.Assert(block.CompressVariant(site(pos), []int8{0, 1}), check.Equals, true)
	}
	block.Trim(200, 400)
	c.Check(block.VariantSize(), check.Equals, 3)
	c.Check(block.Variants()[0].Pos, check.Equals, 200)
	c.Check(block.Variants()[2].Pos, check.Equals, 400)

	block.PopVariant()
	c.Check(block.VariantSize(), check.Equals, 2)

	block.Trim(1000, 2000)
	c.Check(block.VariantSize(), check.Equals, 0)
	c.Check(block.ExpandedHaplotypeSize(), check.Equals, 0)

	block.Clear()
	c.Check(block.VariantSize(), check.Equals, 0)
}

func (s *uniqueHaplotypeSuite) TestFillCMFromRecom(c *check.C) {
	var block uniqueHaplotypeBlock
	for pos := 100; pos <= 300; pos += 100 {
		c.Assert(block.CompressVariant(site(pos), []int8{0, 1}), check.Equals, true)
	}
	for i := range block.variants {
		block.variants[i].Recom = 0.01
	}
	start := 0.0
	block.FillCMFromRecom(&start)
	c.Check(block.Variants()[0].CM, check.Equals, 0.0)
	step := switchProbToCM(float64(float32(0.01)))
	c.Check(math.Abs(block.Variants()[1].CM-step) < 1e-12, check.Equals, true)
	c.Check(math.Abs(block.Variants()[2].CM-2*step) < 1e-12, check.Equals, true)
	c.Check(math.Abs(start-3*step) < 1e-12, check.Equals, true)
}

type reducedHaplotypesSuite struct{}

var _ = check.Suite(&reducedHaplotypesSuite{})

func (s *reducedHaplotypesSuite) TestMaxBlockSizeFlush(c *check.C) {
	r := newReducedHaplotypes(1, 4)
	for pos := 1; pos <= 10; pos++ {
		c.Assert(r.CompressVariant(site(pos), []int8{0, 1}, false), check.Equals, true)
	}
	c.Check(r.VariantSize(), check.Equals, 10)
	for _, b := range r.Blocks() {
		c.Check(b.VariantSize() <= 4, check.Equals, true)
	}
	c.Check(len(r.Blocks()), check.Equals, 3)
}

func (s *reducedHaplotypesSuite) TestExplicitFlush(c *check.C) {
	r := newReducedHaplotypes(1, 100)
	c.Assert(r.CompressVariant(site(1), []int8{0, 1}, false), check.Equals, true)
	c.Assert(r.CompressVariant(site(2), []int8{0, 1}, true), check.Equals, true)
	c.Assert(r.CompressVariant(site(3), []int8{0, 1}, false), check.Equals, true)
	c.Check(len(r.Blocks()), check.Equals, 2)
}

func (s *reducedHaplotypesSuite) TestAppendBlockDedup(c *check.C) {
	r := newReducedHaplotypes(1, 100)
	b1 := &uniqueHaplotypeBlock{}
	c.Assert(b1.CompressVariant(site(100), []int8{0, 1}), check.Equals, true)
	c.Assert(b1.CompressVariant(site(200), []int8{1, 1}), check.Equals, true)
	b2 := &uniqueHaplotypeBlock{}
	c.Assert(b2.CompressVariant(site(200), []int8{1, 1}), check.Equals, true)
	c.Assert(b2.CompressVariant(site(300), []int8{0, 0}), check.Equals, true)

	r.AppendBlock(b1)
	r.AppendBlock(b2)
	c.Check(r.VariantSize(), check.Equals, 3)

	var positions []int
	for it := r.Begin(); it.Valid(); it = it.Next() {
		positions = append(positions, it.Variant().Pos)
	}
	c.Check(positions, check.DeepEquals, []int{100, 200, 300})
}

func (s *reducedHaplotypesSuite) TestIterator(c *check.C) {
	r := newReducedHaplotypes(1, 2)
	for pos := 1; pos <= 5; pos++ {
		c.Assert(r.CompressVariant(site(pos), []int8{0, 1}, false), check.Equals, true)
	}
	it := r.Begin()
	for g := 0; g < 5; g++ {
		c.Assert(it.Valid(), check.Equals, true)
		c.Check(it.GlobalIdx(), check.Equals, g)
		c.Check(it.Variant().Pos, check.Equals, g+1)
		it = it.Next()
	}
	c.Check(it.Equal(r.End()), check.Equals, true)

	it = r.Last()
	for g := 4; g >= 0; g-- {
		c.Assert(it.Valid(), check.Equals, true)
		c.Check(it.GlobalIdx(), check.Equals, g)
		it = it.Prev()
	}
	c.Check(it.Valid(), check.Equals, false)
}

func (s *reducedHaplotypesSuite) TestCompressionRatio(c *check.C) {
	r := newReducedHaplotypes(1, 100)
	for pos := 1; pos <= 10; pos++ {
		c.Assert(r.CompressVariant(site(pos), []int8{0, 0, 0, 1}, false), check.Equals, true)
	}
	// one block: H=4, U=2, V=10 -> (4 + 2*10) / (4*10)
	c.Check(math.Abs(r.CompressionRatio()-24.0/40.0) < 1e-12, check.Equals, true)
}
