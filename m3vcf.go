// Copyright (C) The Impute Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package impute

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// Legacy m3vcf (v1 and v2) block parser. The file is VCF-shaped: ## meta
// lines, a #CHROM line with sample columns, then alternating block header
// rows (INFO carrying VARIANTS=N;REPS=M, genotype columns carrying the
// unique map) and N variant rows (INFO carrying ERR= and RECOM=, ninth
// column carrying per-representative alleles).

type m3vcfReader struct {
	scanner  *bufio.Scanner
	closer   io.Closer
	version  int
	samples  []string
	nHaps    int
	metaHdrs []string
}

func newM3vcfReader(path string) (*m3vcfReader, error) {
	rdr, err := openInput(path)
	if err != nil {
		return nil, err
	}
	r := &m3vcfReader{scanner: bufio.NewScanner(rdr), closer: rdr, version: 1}
	r.scanner.Buffer(make([]byte, 0, 1<<20), 1<<28)
	for r.scanner.Scan() {
		line := r.scanner.Text()
		if strings.HasPrefix(line, "##") {
			r.metaHdrs = append(r.metaHdrs, line)
			if strings.Contains(line, "fileformat=M3VCF") && strings.Contains(line, "v2") {
				r.version = 2
			}
			continue
		}
		if strings.HasPrefix(line, "#CHROM") {
			cols := strings.Split(line, "\t")
			if len(cols) > 9 {
				r.samples = append(r.samples, cols[9:]...)
			}
			if len(r.samples) == 0 {
				rdr.Close()
				return nil, fmt.Errorf("%s: no sample columns", path)
			}
			if r.version == 2 {
				r.nHaps = 2 * len(r.samples)
			} else {
				r.nHaps = len(r.samples)
			}
			return r, nil
		}
		rdr.Close()
		return nil, fmt.Errorf("%s: first sample line not found", path)
	}
	rdr.Close()
	return nil, fmt.Errorf("%s: first sample line not found", path)
}

func (r *m3vcfReader) Close() error {
	if r.closer == nil {
		return nil
	}
	err := r.closer.Close()
	r.closer = nil
	return err
}

func (r *m3vcfReader) Samples() []string { return r.samples }
func (r *m3vcfReader) Version() int      { return r.version }

// NextBlock parses one block, or returns nil at EOF.
func (r *m3vcfReader) NextBlock() (*uniqueHaplotypeBlock, error) {
	var headerLine string
	for r.scanner.Scan() {
		line := r.scanner.Text()
		if len(line) == 0 {
			continue
		}
		headerLine = line
		break
	}
	if headerLine == "" {
		return nil, r.scanner.Err()
	}

	cols := strings.Split(headerLine, "\t")
	if len(cols) < 9 {
		return nil, fmt.Errorf("m3vcf block header has %d columns", len(cols))
	}
	nVariants, nReps := -1, -1
	for _, kv := range strings.Split(cols[7], ";") {
		if v, ok := strings.CutPrefix(kv, "VARIANTS="); ok {
			nVariants, _ = strconv.Atoi(v)
		} else if v, ok := strings.CutPrefix(kv, "REPS="); ok {
			nReps, _ = strconv.Atoi(v)
		}
	}
	if nVariants < 0 || nReps < 0 {
		return nil, fmt.Errorf("m3vcf block header lacks VARIANTS=/REPS=")
	}

	block := &uniqueHaplotypeBlock{}
	for _, col := range cols[9:] {
		if r.version == 2 {
			// One pipe-separated pair per sample column; a lone index
			// means a haploid sample, padded with an EOV slot.
			parts := strings.Split(col, "|")
			for _, p := range parts {
				idx, err := strconv.ParseInt(p, 10, 64)
				if err != nil {
					return nil, fmt.Errorf("m3vcf unique map entry %q is not numeric", p)
				}
				block.uniqueMap = append(block.uniqueMap, idx)
			}
			for j := len(parts); j < 2; j++ {
				block.uniqueMap = append(block.uniqueMap, uniqueMapEOV)
			}
		} else {
			idx, err := strconv.ParseInt(col, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("m3vcf unique map entry %q is not numeric", col)
			}
			block.uniqueMap = append(block.uniqueMap, idx)
		}
	}
	if len(block.uniqueMap) != r.nHaps {
		return nil, fmt.Errorf("m3vcf block has %d haplotypes, expected %d", len(block.uniqueMap), r.nHaps)
	}
	block.cardinalities = make([]int, nReps)
	for _, u := range block.uniqueMap {
		if u == uniqueMapEOV {
			continue
		}
		if u < 0 || int(u) >= nReps {
			return nil, fmt.Errorf("m3vcf unique map index %d out of range (REPS=%d)", u, nReps)
		}
		block.cardinalities[u]++
	}

	for i := 0; i < nVariants; i++ {
		if !r.scanner.Scan() {
			return nil, fmt.Errorf("truncated m3vcf block: %d of %d variant lines", i, nVariants)
		}
		vcols := strings.Split(r.scanner.Text(), "\t")
		if len(vcols) < 9 {
			return nil, fmt.Errorf("m3vcf variant line has %d columns", len(vcols))
		}
		pos, err := strconv.Atoi(vcols[1])
		if err != nil {
			return nil, fmt.Errorf("m3vcf variant has non-numeric position %q", vcols[1])
		}
		site := newReferenceSiteInfo(vcols[0], pos, vcols[2], vcols[3], vcols[4])
		for _, kv := range strings.Split(vcols[7], ";") {
			if v, ok := strings.CutPrefix(kv, "ERR="); ok {
				if f, err := strconv.ParseFloat(v, 32); err == nil {
					site.Err = float32(f)
				}
			} else if v, ok := strings.CutPrefix(kv, "RECOM="); ok {
				if f, err := strconv.ParseFloat(v, 32); err == nil {
					site.Recom = float32(f)
				}
			}
		}
		gt := make([]int8, nReps)
		if r.version == 2 {
			// Run-length coded alt list: comma-separated representative
			// indices, ranges as lo-hi.
			if vcols[8] != "" && vcols[8] != "." {
				for _, tok := range strings.Split(vcols[8], ",") {
					lo, hi := tok, tok
					if d := strings.IndexByte(tok, '-'); d > 0 {
						lo, hi = tok[:d], tok[d+1:]
					}
					a, err1 := strconv.Atoi(lo)
					b, err2 := strconv.Atoi(hi)
					if err1 != nil || err2 != nil || a > b || b >= nReps {
						return nil, fmt.Errorf("m3vcf alt list entry %q invalid", tok)
					}
					for j := a; j <= b; j++ {
						gt[j] = 1
					}
				}
			}
		} else {
			if len(vcols[8]) != nReps {
				return nil, fmt.Errorf("m3vcf genotype column has %d entries, expected %d", len(vcols[8]), nReps)
			}
			for j := 0; j < nReps; j++ {
				switch vcols[8][j] {
				case '0':
				case '1':
					gt[j] = 1
				default:
					return nil, fmt.Errorf("m3vcf genotype column has invalid allele %q", vcols[8][j:j+1])
				}
			}
		}
		ac := 0
		for c, a := range gt {
			if a > 0 {
				ac += block.cardinalities[c]
			}
		}
		block.variants = append(block.variants, referenceVariant{
			referenceSiteInfo: site,
			AC:                ac,
			GT:                gt,
		})
	}
	return block, nil
}

// isNaN32 reports whether a float32 is NaN.
func isNaN32(f float32) bool { return math.IsNaN(float64(f)) }
