// Copyright (C) The Impute Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package impute

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/pgzip"
)

// openInput opens path for reading, transparently decompressing gzip input.
// "-" means stdin.
func openInput(path string) (io.ReadCloser, error) {
	var f io.ReadCloser
	if path == "-" || path == "/dev/stdin" {
		f = io.NopCloser(os.Stdin)
	} else {
		var err error
		f, err = os.Open(path)
		if err != nil {
			return nil, err
		}
	}
	if strings.HasSuffix(path, ".gz") {
		gz, err := pgzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, err
		}
		return &stackedCloser{Reader: gz, closers: []io.Closer{gz, f}}, nil
	}
	return f, nil
}

type stackedCloser struct {
	io.Reader
	closers []io.Closer
}

func (sc *stackedCloser) Close() error {
	var err error
	for _, c := range sc.closers {
		if e := c.Close(); err == nil {
			err = e
		}
	}
	return err
}

// vcfRecord is one parsed data line. GT holds allele indices per expanded
// haplotype slot (samples × max ploidy), int8Missing for "." and int8EOV
// padding for samples below the maximum ploidy.
type vcfRecord struct {
	Chrom  string
	Pos    int
	ID     string
	Ref    string
	Alts   []string
	Info   string
	GT     []int8
	Phased bool
}

type vcfReader struct {
	scanner *bufio.Scanner
	closer  io.Closer
	samples []string
	err     error

	maxPloidy int
	peeked    *vcfRecord
}

// newVCFReader opens a VCF (optionally gzipped) and parses its header
// through the #CHROM line.
func newVCFReader(path string) (*vcfReader, error) {
	rdr, err := openInput(path)
	if err != nil {
		return nil, err
	}
	r := &vcfReader{scanner: bufio.NewScanner(rdr), closer: rdr}
	r.scanner.Buffer(make([]byte, 0, 1<<20), 1<<28)
	for r.scanner.Scan() {
		line := r.scanner.Text()
		if strings.HasPrefix(line, "##") {
			continue
		}
		if strings.HasPrefix(line, "#CHROM") {
			cols := strings.Split(line, "\t")
			if len(cols) > 9 {
				r.samples = append(r.samples, cols[9:]...)
			}
			return r, nil
		}
		rdr.Close()
		return nil, fmt.Errorf("%s: first sample line not found", path)
	}
	rdr.Close()
	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%s: first sample line not found", path)
}

func (r *vcfReader) Samples() []string { return r.samples }
func (r *vcfReader) Err() error        { return r.err }

func (r *vcfReader) Close() error {
	if r.closer == nil {
		return nil
	}
	err := r.closer.Close()
	r.closer = nil
	return err
}

// Next parses the next data line, or returns nil at EOF or on error.
func (r *vcfReader) Next() *vcfRecord {
	if r.peeked != nil {
		rec := r.peeked
		r.peeked = nil
		return rec
	}
	for r.scanner.Scan() {
		line := r.scanner.Text()
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		rec, err := r.parseLine(line)
		if err != nil {
			r.err = err
			return nil
		}
		return rec
	}
	r.err = r.scanner.Err()
	return nil
}

// NextInRegion returns the next record inside reg, skipping earlier records
// and stopping (with pushback) at the first record past reg. Input must be
// position sorted.
func (r *vcfReader) NextInRegion(reg genomicRegion) *vcfRecord {
	for {
		rec := r.Next()
		if rec == nil {
			return nil
		}
		if rec.Chrom != reg.Chrom {
			continue
		}
		if rec.Pos < reg.From {
			continue
		}
		if rec.Pos > reg.To {
			r.peeked = rec
			return nil
		}
		return rec
	}
}

func (r *vcfReader) parseLine(line string) (*vcfRecord, error) {
	cols := strings.Split(line, "\t")
	if len(cols) < 8 {
		return nil, fmt.Errorf("malformed VCF record: %d columns", len(cols))
	}
	pos, err := strconv.Atoi(cols[1])
	if err != nil {
		return nil, fmt.Errorf("malformed VCF record: non-numeric position %q", cols[1])
	}
	rec := &vcfRecord{
		Chrom:  cols[0],
		Pos:    pos,
		ID:     cols[2],
		Ref:    cols[3],
		Alts:   strings.Split(cols[4], ","),
		Phased: true,
	}
	if len(cols) > 7 {
		rec.Info = cols[7]
	}
	if len(cols) < 10 || len(r.samples) == 0 {
		return rec, nil
	}
	format := strings.Split(cols[8], ":")
	gtIdx := -1
	for i, f := range format {
		if f == "GT" {
			gtIdx = i
			break
		}
	}
	if gtIdx < 0 {
		return nil, fmt.Errorf("missing GT in FORMAT at %s:%d", rec.Chrom, rec.Pos)
	}
	if len(cols)-9 != len(r.samples) {
		return nil, fmt.Errorf("wrong sample column count at %s:%d", rec.Chrom, rec.Pos)
	}

	type sampleGT struct {
		alleles []int8
	}
	parsed := make([]sampleGT, len(r.samples))
	maxPloidy := r.maxPloidy
	for i, col := range cols[9:] {
		gtStr := col
		if gtIdx > 0 || strings.ContainsRune(col, ':') {
			parts := strings.Split(col, ":")
			if gtIdx >= len(parts) {
				return nil, fmt.Errorf("short sample column at %s:%d", rec.Chrom, rec.Pos)
			}
			gtStr = parts[gtIdx]
		}
		var alleles []int8
		for len(gtStr) > 0 {
			sep := strings.IndexAny(gtStr, "|/")
			tok := gtStr
			if sep >= 0 {
				tok = gtStr[:sep]
				if gtStr[sep] == '/' {
					rec.Phased = false
				}
				gtStr = gtStr[sep+1:]
			} else {
				gtStr = ""
			}
			if tok == "." || tok == "" {
				alleles = append(alleles, int8Missing)
			} else {
				v, err := strconv.Atoi(tok)
				if err != nil {
					return nil, fmt.Errorf("bad GT %q at %s:%d", col, rec.Chrom, rec.Pos)
				}
				alleles = append(alleles, int8(v))
			}
		}
		parsed[i].alleles = alleles
		if len(alleles) > maxPloidy {
			maxPloidy = len(alleles)
		}
	}
	r.maxPloidy = maxPloidy

	rec.GT = make([]int8, len(r.samples)*maxPloidy)
	for i, s := range parsed {
		for j := 0; j < maxPloidy; j++ {
			if j < len(s.alleles) {
				rec.GT[i*maxPloidy+j] = s.alleles[j]
			} else {
				rec.GT[i*maxPloidy+j] = int8EOV
			}
		}
	}
	return rec, nil
}

// vcfWriter writes VCF text, optionally gzipped via pgzip.
type vcfWriter struct {
	w       *bufio.Writer
	gz      *pgzip.Writer
	closers []io.Closer
	samples []string
}

func newVCFWriter(w io.Writer, gzip bool, samples []string) *vcfWriter {
	vw := &vcfWriter{samples: samples}
	if gzip {
		vw.gz = pgzip.NewWriter(w)
		vw.w = bufio.NewWriterSize(vw.gz, 1<<20)
		vw.closers = append(vw.closers, vw.gz)
	} else {
		vw.w = bufio.NewWriterSize(w, 1<<20)
	}
	return vw
}

func (w *vcfWriter) WriteHeader(chrom string, metaLines []string) error {
	fmt.Fprintln(w.w, "##fileformat=VCFv4.2")
	for _, l := range metaLines {
		fmt.Fprintln(w.w, l)
	}
	if chrom != "" {
		fmt.Fprintf(w.w, "##contig=<ID=%s>\n", chrom)
	}
	cols := []string{"#CHROM", "POS", "ID", "REF", "ALT", "QUAL", "FILTER", "INFO"}
	if len(w.samples) > 0 {
		cols = append(cols, "FORMAT")
		cols = append(cols, w.samples...)
	}
	fmt.Fprintln(w.w, strings.Join(cols, "\t"))
	return w.Err()
}

func (w *vcfWriter) WriteLine(fields ...string) error {
	_, err := fmt.Fprintln(w.w, strings.Join(fields, "\t"))
	return err
}

func (w *vcfWriter) Err() error {
	return w.w.Flush()
}

func (w *vcfWriter) Close() error {
	err := w.w.Flush()
	for _, c := range w.closers {
		if e := c.Close(); err == nil {
			err = e
		}
	}
	return err
}
