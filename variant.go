// Copyright (C) The Impute Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package impute

import "math"

// Allele vectors use signed bytes: 0/1 are alleles, negative values are
// missing calls, and int8EOV pads samples whose ploidy is smaller than the
// widest sample in the file.
const (
	int8Missing int8 = -128
	int8EOV     int8 = -127
)

// Float sentinels are distinct quiet-NaN payloads so that dosage vectors
// round-trip through the container formats without a side channel. Quiet
// payloads survive the float32↔float64 conversions gob performs; signaling
// ones would not.
const (
	float32MissingBits uint32 = 0x7fc00001
	float32EOVBits     uint32 = 0x7fc00002
)

func float32Missing() float32 { return math.Float32frombits(float32MissingBits) }
func float32EOV() float32     { return math.Float32frombits(float32EOVBits) }

func isFloat32EOV(v float32) bool     { return math.Float32bits(v) == float32EOVBits }
func isFloat32Missing(v float32) bool { return math.Float32bits(v) == float32MissingBits }

// targetVariant is one ALT allele at one site of the study cohort, with the
// per-haplotype genotype vector recoded to presence/absence of that ALT.
type targetVariant struct {
	Chrom string
	Pos   int // 1-based
	ID    string
	Ref   string
	Alt   string

	InTarget    bool
	InReference bool

	AF    float32 // alt allele frequency (from the reference when matched)
	Err   float32 // HMM error parameter
	Recom float32 // switch probability to the next typed variant
	CM    float64 // centimorgan position, NaN when no map information exists

	GT []int8 // length n_haplotypes (samples × max ploidy, int8EOV padded)
}

// referenceSiteInfo is the site-level portion of a reference panel record.
type referenceSiteInfo struct {
	Chrom string
	Pos   int
	ID    string
	Ref   string
	Alt   string
	Err   float32
	Recom float32
	CM    float64 // NaN until filled from a map or recom accumulation
}

func newReferenceSiteInfo(chrom string, pos int, id, ref, alt string) referenceSiteInfo {
	return referenceSiteInfo{
		Chrom: chrom,
		Pos:   pos,
		ID:    id,
		Ref:   ref,
		Alt:   alt,
		Err:   float32(math.NaN()),
		Recom: float32(math.NaN()),
		CM:    math.NaN(),
	}
}

// referenceVariant adds the per-unique-column genotype vector. GT is indexed
// by unique-column position within the enclosing block, not by haplotype.
type referenceVariant struct {
	referenceSiteInfo
	AC int
	GT []int8
}

// genomicRegion is a 1-based inclusive interval, To == maxInt meaning "to the
// end of the chromosome".
type genomicRegion struct {
	Chrom string
	From  int
	To    int
}

const maxRegionPos = int(^uint(0) >> 1)

func wholeChromosome(chrom string) genomicRegion {
	return genomicRegion{Chrom: chrom, From: 1, To: maxRegionPos}
}

func (r genomicRegion) contains(pos int) bool { return pos >= r.From && pos <= r.To }
