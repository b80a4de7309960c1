// Copyright (C) The Impute Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package impute

import (
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/pgzip"
	"gopkg.in/check.v1"
)

type inputPrepSuite struct{}

var _ = check.Suite(&inputPrepSuite{})

func writeTestFile(c *check.C, path, content string) {
	c.Assert(os.WriteFile(path, []byte(content), 0666), check.IsNil)
}

func writeTestFileGz(c *check.C, path, content string) {
	f, err := os.Create(path)
	c.Assert(err, check.IsNil)
	gz := pgzip.NewWriter(f)
	_, err = gz.Write([]byte(content))
	c.Assert(err, check.IsNil)
	c.Assert(gz.Close(), check.IsNil)
	c.Assert(f.Close(), check.IsNil)
}

const targetVCFText = `##fileformat=VCFv4.2
##FORMAT=<ID=GT,Number=1,Type=String,Description="Genotype">
#CHROM	POS	ID	REF	ALT	QUAL	FILTER	INFO	FORMAT	NA1	NA2
20	100	rs1	A	C	.	PASS	.	GT	0|1	0|0
20	200	rs2	G	T,C	.	PASS	.	GT	1|2	0|1
20	300	rs3	T	A	.	PASS	.	GT	.|0	1|1
20	900	rs4	C	G	.	PASS	.	GT	0|0	0|1
`

func (s *inputPrepSuite) TestLoadTargetHaplotypes(c *check.C) {
	path := filepath.Join(c.MkDir(), "target.vcf.gz")
	writeTestFileGz(c, path, targetVCFText)

	var sites []targetVariant
	var samples []string
	err := loadTargetHaplotypes(path, genomicRegion{Chrom: "20", From: 1, To: 500}, &sites, &samples)
	c.Assert(err, check.IsNil)
	c.Check(samples, check.DeepEquals, []string{"NA1", "NA2"})

	// rs2 is multiallelic: one site per ALT; rs4 is outside the region.
	c.Assert(sites, check.HasLen, 4)
	c.Check(sites[0].GT, check.DeepEquals, []int8{0, 1, 0, 0})
	c.Check(sites[1].Alt, check.Equals, "T")
	c.Check(sites[1].GT, check.DeepEquals, []int8{1, 0, 0, 1})
	c.Check(sites[2].Alt, check.Equals, "C")
	c.Check(sites[2].GT, check.DeepEquals, []int8{0, 1, 0, 0})
	c.Check(sites[3].GT, check.DeepEquals, []int8{int8Missing, 0, 1, 1})
	for _, tv := range sites {
		c.Check(tv.InTarget, check.Equals, true)
		c.Check(tv.InReference, check.Equals, false)
	}
}

func (s *inputPrepSuite) TestPloidyInconsistency(c *check.C) {
	path := filepath.Join(c.MkDir(), "target.vcf")
	writeTestFile(c, path, `##fileformat=VCFv4.2
#CHROM	POS	ID	REF	ALT	QUAL	FILTER	INFO	FORMAT	NA1	NA2
20	100	.	A	C	.	PASS	.	GT	0|1	0
20	200	.	G	T	.	PASS	.	GT	0|1	0|1
`)
	var sites []targetVariant
	var samples []string
	err := loadTargetHaplotypes(path, wholeChromosome("20"), &sites, &samples)
	c.Assert(err, check.NotNil)
	c.Check(strings.Contains(err.Error(), "ploidy"), check.Equals, true)
}

func (s *inputPrepSuite) TestSeparateTargetOnlyVariants(c *check.C) {
	sites := []targetVariant{
		{Pos: 1, InReference: true},
		{Pos: 2, InReference: false},
		{Pos: 3, InReference: true},
		{Pos: 4, InReference: false},
	}
	only := separateTargetOnlyVariants(&sites)
	c.Assert(sites, check.HasLen, 2)
	c.Check(sites[0].Pos, check.Equals, 1)
	c.Check(sites[1].Pos, check.Equals, 3)
	c.Assert(only, check.HasLen, 2)
	c.Check(only[0].Pos, check.Equals, 2)
	c.Check(only[1].Pos, check.Equals, 4)
}

func (s *inputPrepSuite) TestGenerateReverseMaps(c *check.C) {
	r := newReducedHaplotypes(1, 100)
	c.Assert(r.CompressVariant(site(1), []int8{0, 1, 0, 1}, false), check.Equals, true)
	maps := generateReverseMaps(r)
	c.Assert(maps, check.HasLen, 1)
	c.Assert(maps[0], check.HasLen, 2)
	c.Check(maps[0][0], check.DeepEquals, []int{0, 2})
	c.Check(maps[0][1], check.DeepEquals, []int{1, 3})
}

// referenceVCFText builds a phased panel of 8 haplotypes over positions
// 100..100+10(n-1), where haplotype h carries the alt allele at variant v
// when (v+h)%4 == 0.
func referenceVCFText(nVariants int) string {
	var sb strings.Builder
	sb.WriteString("##fileformat=VCFv4.2\n")
	sb.WriteString("#CHROM\tPOS\tID\tREF\tALT\tQUAL\tFILTER\tINFO\tFORMAT\tR1\tR2\tR3\tR4\n")
	for v := 0; v < nVariants; v++ {
		sb.WriteString("20\t")
		sb.WriteString(itoa(100 + v*10))
		sb.WriteString("\t.\tA\tC\t.\tPASS\t.\tGT")
		for hPair := 0; hPair < 4; hPair++ {
			a1 := btoi((v+hPair*2)%4 == 0)
			a2 := btoi((v+hPair*2+1)%4 == 0)
			sb.WriteString("\t")
			sb.WriteString(itoa(a1))
			sb.WriteString("|")
			sb.WriteString(itoa(a2))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func itoa(i int) string { return strconv.Itoa(i) }

func (s *inputPrepSuite) compressedReference(c *check.C, nVariants int) string {
	dir := c.MkDir()
	refVCF := filepath.Join(dir, "ref.vcf")
	writeTestFile(c, refVCF, referenceVCFText(nVariants))
	refMsav := filepath.Join(dir, "ref.msav")
	c.Assert(compressReferencePanel(refVCF, refMsav, 5, 64, 10, ""), check.IsNil)
	return refMsav
}

func (s *inputPrepSuite) TestCompressReferencePanelAndStat(c *check.C) {
	refMsav := s.compressedReference(c, 30)

	chrom := ""
	endPos := maxRegionPos
	c.Assert(statRefPanel(refMsav, &chrom, &endPos), check.IsNil)
	c.Check(chrom, check.Equals, "20")
	c.Check(endPos, check.Equals, 100+29*10)

	// verify contents by expanding every block
	rdr, err := openM4sav(refMsav)
	c.Assert(err, check.IsNil)
	defer rdr.Close()
	c.Check(rdr.Header().Ploidy, check.Equals, 2)
	total := 0
	for {
		b, err := rdr.NextBlock()
		c.Assert(err, check.IsNil)
		if b == nil {
			break
		}
		c.Assert(b.ExpandedHaplotypeSize(), check.Equals, 8)
		for v, rv := range b.Variants() {
			globalV := (rv.Pos - 100) / 10
			for h := 0; h < 8; h++ {
				want := int8(btoi((globalV + h) % 4 == 0))
				c.Assert(b.ExpandAllele(v, h), check.Equals, want)
			}
			total++
		}
	}
	c.Check(total, check.Equals, 30)
}

func btoi(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *inputPrepSuite) TestStatRefPanelMissingIndex(c *check.C) {
	path := filepath.Join(c.MkDir(), "ref.msav")
	writeTestFile(c, path, "not an index")
	chrom := ""
	endPos := maxRegionPos
	err := statRefPanel(path, &chrom, &endPos)
	c.Assert(err, check.NotNil)
	c.Check(strings.Contains(err.Error(), "indexed"), check.Equals, true)
}

func (s *inputPrepSuite) TestLoadReferenceHaplotypes(c *check.C) {
	refMsav := s.compressedReference(c, 30)

	// Target sites at every third reference position, plus one
	// target-only site.
	var sites []targetVariant
	for v := 0; v < 30; v += 3 {
		sites = append(sites, targetVariant{
			Chrom: "20", Pos: 100 + v*10, Ref: "A", Alt: "C", InTarget: true,
			GT:  []int8{0, 1},
			Err: float32(math.NaN()), AF: float32(math.NaN()), Recom: float32(math.NaN()), CM: math.NaN(),
		})
	}
	sites = append(sites, targetVariant{
		Chrom: "20", Pos: 105, Ref: "G", Alt: "T", InTarget: true, GT: []int8{0, 0},
		Err: float32(math.NaN()), AF: float32(math.NaN()), Recom: float32(math.NaN()), CM: math.NaN(),
	})
	sortTargetSites(sites)

	typedOnly := newReducedHaplotypes(16, 512)
	full := newReducedHaplotypes(1, maxRegionPos)
	reg := genomicRegion{Chrom: "20", From: 1, To: 1000}
	imputeReg := genomicRegion{Chrom: "20", From: 1, To: 300}
	err := loadReferenceHaplotypes(refMsav, reg, imputeReg, nil, sites, typedOnly, full, nil, 1e-5, 0.01, false)
	c.Assert(err, check.IsNil)

	c.Check(typedOnly.VariantSize(), check.Equals, 10)
	// full holds only variants within the impute region (pos 100..300)
	c.Check(full.VariantSize(), check.Equals, 21)

	nTyped := 0
	for i := range sites {
		if sites[i].Pos == 105 {
			c.Check(sites[i].InReference, check.Equals, false)
			continue
		}
		c.Check(sites[i].InReference, check.Equals, true)
		c.Check(sites[i].AF, check.Equals, float32(0.25))
		c.Check(sites[i].Err, check.Equals, float32(0.01))
		nTyped++
	}
	c.Check(nTyped, check.Equals, 10)

	// last typed anchor has recom forced to zero; earlier anchors are
	// clamped to at least minRecom
	var typed []*targetVariant
	for i := range sites {
		if sites[i].InReference {
			typed = append(typed, &sites[i])
		}
	}
	for i, tv := range typed {
		if i == len(typed)-1 {
			c.Check(float64(tv.Recom), check.Equals, 0.0)
		} else {
			c.Check(tv.Recom >= float32(1e-5), check.Equals, true)
			c.Check(float64(tv.Recom) <= 0.5, check.Equals, true)
		}
	}
}

func (s *inputPrepSuite) TestSampleSubset(c *check.C) {
	refMsav := s.compressedReference(c, 12)
	typedOnly := newReducedHaplotypes(16, 512)
	full := newReducedHaplotypes(1, maxRegionPos)
	reg := genomicRegion{Chrom: "20", From: 1, To: 1000}

	err := loadReferenceHaplotypes(refMsav, reg, reg, map[string]bool{"R1": true, "R3": true}, nil, typedOnly, full, nil, 1e-5, 0.01, false)
	c.Assert(err, check.IsNil)
	c.Assert(len(full.Blocks()) > 0, check.Equals, true)
	c.Check(full.Blocks()[0].ExpandedHaplotypeSize(), check.Equals, 4)

	err = loadReferenceHaplotypes(refMsav, reg, reg, map[string]bool{"NOPE": true}, nil, typedOnly, full, nil, 1e-5, 0.01, false)
	c.Check(err, check.Equals, errSampleSubsetEmpty)
}
