// Copyright (C) The Impute Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package impute

import (
	"math"
	"strings"

	"gopkg.in/check.v1"
)

type dosageWriterSuite struct{}

var _ = check.Suite(&dosageWriterSuite{})

func (s *dosageWriterSuite) TestSampleFields(c *check.C) {
	var sb strings.Builder
	hds := []float32{0.25, 1}

	writeSampleField(&sb, "GT", hds, nil)
	c.Check(sb.String(), check.Equals, "0|1")

	sb.Reset()
	writeSampleField(&sb, "HDS", hds, nil)
	c.Check(sb.String(), check.Equals, "0.250,1.000")

	sb.Reset()
	writeSampleField(&sb, "DS", hds, nil)
	c.Check(sb.String(), check.Equals, "1.250")

	sb.Reset()
	writeSampleField(&sb, "GP", hds, nil)
	c.Check(sb.String(), check.Equals, "0.000,0.750,0.250")

	sb.Reset()
	writeSampleField(&sb, "SD", hds, nil)
	c.Check(sb.String(), check.Equals, "0.188")

	// ploidy padding collapses to the live haplotypes
	sb.Reset()
	writeSampleField(&sb, "GT", []float32{1, float32EOV()}, nil)
	c.Check(sb.String(), check.Equals, "1")

	sb.Reset()
	writeSampleField(&sb, "GP", []float32{0.5, float32EOV()}, nil)
	c.Check(sb.String(), check.Equals, "0.500,0.500")
}

func (s *dosageWriterSuite) TestAnnotate(c *check.C) {
	dw := &dosageWriter{ploidy: 2}
	rec := &dosageRecord{
		Imputed: true,
		HDS:     []float32{1, 0, 1, 0},
	}
	dw.annotate(rec)
	c.Check(rec.AF, check.Equals, float32(0.5))
	c.Check(rec.MAF, check.Equals, float32(0.5))
	c.Check(rec.AvgCS, check.Equals, float32(1.0))
	// maximally informative dosages: R2 is the sample-variance estimate
	// over af(1-af)
	c.Check(float64(rec.R2) > 0.9, check.Equals, true)
	c.Check(math.IsNaN(float64(rec.ER2)), check.Equals, true)
}

func (s *dosageWriterSuite) TestAnnotateER2(c *check.C) {
	dw := &dosageWriter{ploidy: 2}
	rec := &dosageRecord{
		Typed:  true,
		HDS:    []float32{0.9, 0.1, 0.8, 0.2},
		LooHDS: []float32{0.9, 0.1, 0.8, 0.2},
		GT:     []int8{1, 0, 1, 0},
	}
	dw.annotate(rec)
	c.Check(float64(rec.ER2) > 0.95, check.Equals, true)
	mean, n := dw.MeanEmpiricalR2()
	c.Check(n, check.Equals, 1)
	c.Check(mean > 0.95, check.Equals, true)
	_, n = dw.MeanEmpiricalR2()
	c.Check(n, check.Equals, 0)
}

func (s *dosageWriterSuite) TestInfoString(c *check.C) {
	rec := &dosageRecord{
		Imputed: true,
		AF:      0.25, MAF: 0.25, AvgCS: 0.9, R2: 0.5,
		ER2: float32(math.NaN()),
	}
	info := infoString(rec)
	c.Check(strings.HasPrefix(info, "IMPUTED;"), check.Equals, true)
	c.Check(strings.Contains(info, "AF=0.25"), check.Equals, true)
	c.Check(strings.Contains(info, "R2=0.5"), check.Equals, true)
	c.Check(strings.Contains(info, "ER2="), check.Equals, false)

	rec.Typed = true
	rec.ER2 = 0.75
	info = infoString(rec)
	c.Check(strings.Contains(info, "TYPED;"), check.Equals, true)
	c.Check(strings.Contains(info, "ER2=0.75"), check.Equals, true)
}

func (s *dosageWriterSuite) TestMinR2Filter(c *check.C) {
	var out strings.Builder
	sink, err := newVCFDosageSink(&out, false, "20", []string{"s1"}, []string{"HDS"}, 2)
	c.Assert(err, check.IsNil)
	dw := &dosageWriter{out: sink, ploidy: 2, minR2: 0.5}

	// constant dosage: R2 == 0 -> dropped
	c.Assert(dw.writeRecord(&dosageRecord{
		Chrom: "20", Pos: 100, Ref: "A", Alt: "C", Imputed: true,
		HDS: []float32{0.5, 0.5},
	}), check.IsNil)
	// informative dosage: kept
	c.Assert(dw.writeRecord(&dosageRecord{
		Chrom: "20", Pos: 200, Ref: "A", Alt: "C", Imputed: true,
		HDS: []float32{1, 0},
	}), check.IsNil)
	c.Assert(sink.w.Err(), check.IsNil)

	var dataLines []string
	for _, line := range strings.Split(out.String(), "\n") {
		if line != "" && line[0] != '#' {
			dataLines = append(dataLines, line)
		}
	}
	c.Assert(dataLines, check.HasLen, 1)
	c.Check(strings.HasPrefix(dataLines[0], "20\t200"), check.Equals, true)
}
