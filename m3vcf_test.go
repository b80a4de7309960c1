// Copyright (C) The Impute Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package impute

import (
	"path/filepath"

	"gopkg.in/check.v1"
)

type m3vcfSuite struct{}

var _ = check.Suite(&m3vcfSuite{})

const m3vcfV1Text = `##fileformat=M3VCF
##n_blocks=2
#CHROM	POS	ID	REF	ALT	QUAL	FILTER	INFO	FORMAT	H1	H2	H3	H4
20	100	.	A	C	.	.	B1;VARIANTS=3;REPS=2	.	0	0	1	1
20	100	.	A	C	.	.	ERR=0.01;RECOM=0.001	01
20	200	.	G	T	.	.	ERR=0.01;RECOM=0.002	10
20	300	.	T	A	.	.	ERR=0.01;RECOM=0	01
20	300	.	T	A	.	.	B2;VARIANTS=2;REPS=3	.	0	1	2	2
20	300	.	T	A	.	.	ERR=0.01;RECOM=0.001	010
20	400	.	C	G	.	.	ERR=0.01;RECOM=0	110
`

func (s *m3vcfSuite) TestParseV1(c *check.C) {
	path := filepath.Join(c.MkDir(), "ref.m3vcf")
	writeTestFile(c, path, m3vcfV1Text)

	rdr, err := newM3vcfReader(path)
	c.Assert(err, check.IsNil)
	defer rdr.Close()
	c.Check(rdr.Version(), check.Equals, 1)
	c.Check(rdr.Samples(), check.DeepEquals, []string{"H1", "H2", "H3", "H4"})

	b1, err := rdr.NextBlock()
	c.Assert(err, check.IsNil)
	c.Assert(b1, check.NotNil)
	c.Check(b1.UniqueMap(), check.DeepEquals, []int64{0, 0, 1, 1})
	c.Check(b1.Cardinalities(), check.DeepEquals, []int{2, 2})
	c.Assert(b1.VariantSize(), check.Equals, 3)
	c.Check(b1.Variants()[0].GT, check.DeepEquals, []int8{0, 1})
	c.Check(b1.Variants()[0].AC, check.Equals, 2)
	c.Check(b1.Variants()[1].GT, check.DeepEquals, []int8{1, 0})
	c.Check(b1.Variants()[1].Recom, check.Equals, float32(0.002))

	b2, err := rdr.NextBlock()
	c.Assert(err, check.IsNil)
	c.Assert(b2, check.NotNil)
	c.Check(b2.UniqueMap(), check.DeepEquals, []int64{0, 1, 2, 2})
	c.Check(b2.Cardinalities(), check.DeepEquals, []int{1, 1, 2})
	c.Check(b2.Variants()[1].AC, check.Equals, 2)

	end, err := rdr.NextBlock()
	c.Assert(err, check.IsNil)
	c.Check(end, check.IsNil)
}

const m3vcfV2Text = `##fileformat=M3VCFv2.0
#CHROM	POS	ID	REF	ALT	QUAL	FILTER	INFO	FORMAT	S1	S2
20	100	.	A	C	.	.	VARIANTS=2;REPS=3	.	0|1	1|2
20	100	.	A	C	.	.	ERR=0.01;RECOM=0.001	0
20	200	.	G	T	.	.	ERR=0.01;RECOM=0	1-2
`

func (s *m3vcfSuite) TestParseV2(c *check.C) {
	path := filepath.Join(c.MkDir(), "ref.m3vcf")
	writeTestFile(c, path, m3vcfV2Text)

	rdr, err := newM3vcfReader(path)
	c.Assert(err, check.IsNil)
	defer rdr.Close()
	c.Check(rdr.Version(), check.Equals, 2)

	b, err := rdr.NextBlock()
	c.Assert(err, check.IsNil)
	c.Assert(b, check.NotNil)
	c.Check(b.UniqueMap(), check.DeepEquals, []int64{0, 1, 1, 2})
	c.Check(b.Cardinalities(), check.DeepEquals, []int{1, 2, 1})
	c.Assert(b.VariantSize(), check.Equals, 2)
	// v2 genotype columns are alt lists over representative indices
	c.Check(b.Variants()[0].GT, check.DeepEquals, []int8{1, 0, 0})
	c.Check(b.Variants()[0].AC, check.Equals, 1)
	c.Check(b.Variants()[1].GT, check.DeepEquals, []int8{0, 1, 1})
	c.Check(b.Variants()[1].AC, check.Equals, 3)
}

func (s *m3vcfSuite) TestMalformedHeader(c *check.C) {
	path := filepath.Join(c.MkDir(), "ref.m3vcf")
	writeTestFile(c, path, "##fileformat=M3VCF\n20\t100\t.\tA\tC\t.\t.\tB1\n")
	_, err := newM3vcfReader(path)
	c.Check(err, check.NotNil)

	path2 := filepath.Join(c.MkDir(), "ref2.m3vcf")
	writeTestFile(c, path2, `##fileformat=M3VCF
#CHROM	POS	ID	REF	ALT	QUAL	FILTER	INFO	FORMAT	H1	H2
20	100	.	A	C	.	.	B1;NOTHING=1	.	0	0
`)
	rdr, err := newM3vcfReader(path2)
	c.Assert(err, check.IsNil)
	defer rdr.Close()
	_, err = rdr.NextBlock()
	c.Check(err, check.NotNil)
}
