// Copyright (C) The Impute Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package impute

import (
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/stat"
)

type outputFormat struct {
	name        string
	vcf         bool
	compression uint8
}

func parseOutputFormat(name string) (outputFormat, error) {
	switch name {
	case "vcf":
		return outputFormat{name: name, vcf: true, compression: 0}, nil
	case "vcf.gz":
		return outputFormat{name: name, vcf: true, compression: 6}, nil
	case "bcf", "sav":
		return outputFormat{name: name, compression: 6}, nil
	case "ubcf", "usav":
		return outputFormat{name: name, compression: 0}, nil
	}
	return outputFormat{}, fmt.Errorf("invalid output format %q", name)
}

// dosageSink writes fully annotated dosage records in one container format.
type dosageSink interface {
	Write(rec *dosageRecord) error
	Close() error
}

type vcfDosageSink struct {
	w         *vcfWriter
	fmtFields []string
	ploidy    int
	sitesOnly bool
}

var vcfInfoMeta = []string{
	`##INFO=<ID=AF,Number=1,Type=Float,Description="Estimated Alternate Allele Frequency">`,
	`##INFO=<ID=MAF,Number=1,Type=Float,Description="Estimated Minor Allele Frequency">`,
	`##INFO=<ID=AVG_CS,Number=1,Type=Float,Description="Average Call Score">`,
	`##INFO=<ID=R2,Number=1,Type=Float,Description="Estimated Imputation Accuracy (R-square)">`,
	`##INFO=<ID=ER2,Number=1,Type=Float,Description="Empirical (Leave-One-Out) R-square">`,
	`##INFO=<ID=IMPUTED,Number=0,Type=Flag,Description="Marker was imputed">`,
	`##INFO=<ID=TYPED,Number=0,Type=Flag,Description="Marker was genotyped">`,
	`##INFO=<ID=TYPED_ONLY,Number=0,Type=Flag,Description="Marker was genotyped but is not in the reference panel">`,
}

var vcfFormatMeta = map[string]string{
	"GT":  `##FORMAT=<ID=GT,Number=1,Type=String,Description="Genotype">`,
	"DS":  `##FORMAT=<ID=DS,Number=1,Type=Float,Description="Estimated Alternate Allele Dosage">`,
	"HDS": `##FORMAT=<ID=HDS,Number=.,Type=Float,Description="Estimated Haploid Alternate Allele Dosage">`,
	"GP":  `##FORMAT=<ID=GP,Number=G,Type=Float,Description="Estimated Posterior Genotype Probabilities">`,
	"SD":  `##FORMAT=<ID=SD,Number=1,Type=Float,Description="Variance of Posterior Genotype Probabilities">`,
	"LDS": `##FORMAT=<ID=LDS,Number=.,Type=Float,Description="Leave-One-Out Haploid Alternate Allele Dosage">`,
}

func newVCFDosageSink(w io.Writer, gz bool, chrom string, samples []string, fmtFields []string, ploidy int) (*vcfDosageSink, error) {
	sink := &vcfDosageSink{
		w:         newVCFWriter(w, gz, samples),
		fmtFields: fmtFields,
		ploidy:    ploidy,
		sitesOnly: len(samples) == 0,
	}
	meta := append([]string(nil), vcfInfoMeta...)
	if !sink.sitesOnly {
		for _, f := range fmtFields {
			if m, ok := vcfFormatMeta[f]; ok {
				meta = append(meta, m)
			}
		}
	}
	if err := sink.w.WriteHeader(chrom, meta); err != nil {
		return nil, err
	}
	return sink, nil
}

func formatDosage(d float32) string {
	if isFloat32EOV(d) || math.IsNaN(float64(d)) {
		return "."
	}
	return strconv.FormatFloat(float64(d), 'f', 3, 32)
}

func (s *vcfDosageSink) Write(rec *dosageRecord) error {
	fields := []string{rec.Chrom, strconv.Itoa(rec.Pos), orDot(rec.ID), rec.Ref, rec.Alt, ".", "PASS", infoString(rec)}
	if !s.sitesOnly {
		fields = append(fields, strings.Join(s.fmtFields, ":"))
		var sb strings.Builder
		for i := 0; i < len(rec.HDS); i += s.ploidy {
			hds := rec.HDS[i : i+s.ploidy]
			var loo []float32
			if rec.LooHDS != nil {
				loo = rec.LooHDS[i : i+s.ploidy]
			}
			sb.Reset()
			for fi, f := range s.fmtFields {
				if fi > 0 {
					sb.WriteByte(':')
				}
				writeSampleField(&sb, f, hds, loo)
			}
			fields = append(fields, sb.String())
		}
	}
	return s.w.WriteLine(fields...)
}

func (s *vcfDosageSink) Close() error { return s.w.Close() }

func orDot(s string) string {
	if s == "" {
		return "."
	}
	return s
}

func writeSampleField(sb *strings.Builder, field string, hds, loo []float32) {
	live := hds[:0:0]
	for _, d := range hds {
		if !isFloat32EOV(d) {
			live = append(live, d)
		}
	}
	switch field {
	case "GT":
		for i, d := range live {
			if i > 0 {
				sb.WriteByte('|')
			}
			if math.IsNaN(float64(d)) {
				sb.WriteByte('.')
			} else if d > 0.5 {
				sb.WriteByte('1')
			} else {
				sb.WriteByte('0')
			}
		}
		if len(live) == 0 {
			sb.WriteByte('.')
		}
	case "HDS":
		for i, d := range live {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(formatDosage(d))
		}
		if len(live) == 0 {
			sb.WriteByte('.')
		}
	case "LDS":
		n := 0
		for _, d := range loo {
			if isFloat32EOV(d) {
				continue
			}
			if n > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(formatDosage(d))
			n++
		}
		if n == 0 {
			sb.WriteByte('.')
		}
	case "DS":
		sum := float32(0)
		ok := true
		for _, d := range live {
			if math.IsNaN(float64(d)) {
				ok = false
				break
			}
			sum += d
		}
		if !ok || len(live) == 0 {
			sb.WriteByte('.')
		} else {
			sb.WriteString(strconv.FormatFloat(float64(sum), 'f', 3, 32))
		}
	case "GP":
		switch len(live) {
		case 1:
			d := float64(live[0])
			fmt.Fprintf(sb, "%.3f,%.3f", 1-d, d)
		case 2:
			d1, d2 := float64(live[0]), float64(live[1])
			fmt.Fprintf(sb, "%.3f,%.3f,%.3f", (1-d1)*(1-d2), d1*(1-d2)+d2*(1-d1), d1*d2)
		default:
			sb.WriteByte('.')
		}
	case "SD":
		sd := 0.0
		ok := len(live) > 0
		for _, d := range live {
			if math.IsNaN(float64(d)) {
				ok = false
				break
			}
			sd += float64(d) * (1 - float64(d))
		}
		if ok {
			fmt.Fprintf(sb, "%.3f", sd)
		} else {
			sb.WriteByte('.')
		}
	default:
		sb.WriteByte('.')
	}
}

func infoString(rec *dosageRecord) string {
	var parts []string
	if rec.Imputed {
		parts = append(parts, "IMPUTED")
	}
	if rec.Typed {
		parts = append(parts, "TYPED")
	}
	if rec.TypedOnly {
		parts = append(parts, "TYPED_ONLY")
	}
	parts = append(parts,
		"AF="+formatInfoFloat(rec.AF),
		"MAF="+formatInfoFloat(rec.MAF),
		"AVG_CS="+formatInfoFloat(rec.AvgCS),
		"R2="+formatInfoFloat(rec.R2))
	if !math.IsNaN(float64(rec.ER2)) {
		parts = append(parts, "ER2="+formatInfoFloat(rec.ER2))
	}
	return strings.Join(parts, ";")
}

func formatInfoFloat(f float32) string {
	if math.IsNaN(float64(f)) {
		return "."
	}
	return strconv.FormatFloat(float64(f), 'g', 6, 32)
}

type m4savDosageSink struct{ w *m4savWriter }

func (s *m4savDosageSink) Write(rec *dosageRecord) error { return s.w.WriteDosage(*rec) }
func (s *m4savDosageSink) Close() error                  { return s.w.Close() }

// dosageWriter emits one record per full-reference variant in the impute
// region (interleaving target-only passthrough sites by position), plus
// optional empirical (leave-one-out) and sites-only companions.
type dosageWriter struct {
	out       dosageSink
	empOut    dosageSink
	sitesOut  dosageSink
	outCloser io.Closer

	fmtFields []string
	ploidy    int
	nHaps     int
	minR2     float32
	isTemp    bool

	er2Sum float64
	er2N   int

	scratchA []float64
	scratchB []float64
}

// newDosageWriter opens the final output (and optional empirical and
// sites-only companions). An empty or "-" path writes to stdout.
func newDosageWriter(outPath, empOutPath, sitesOutPath string, format outputFormat, sampleIDs, fmtFields []string, chrom string, minR2 float32, ploidy int) (*dosageWriter, error) {
	dw := &dosageWriter{
		fmtFields: fmtFields,
		ploidy:    ploidy,
		nHaps:     len(sampleIDs) * ploidy,
		minR2:     minR2,
	}
	w, closer, err := openOutputFile(outPath)
	if err != nil {
		return nil, err
	}
	dw.outCloser = closer
	dw.out, err = newSink(w, format, chrom, sampleIDs, fmtFields, ploidy)
	if err != nil {
		dw.Close()
		return nil, err
	}
	if empOutPath != "" {
		ew, closer, err := openOutputFile(empOutPath)
		if err != nil {
			dw.Close()
			return nil, err
		}
		dw.empOut, err = newSink(ew, format, chrom, sampleIDs, []string{"HDS", "LDS"}, ploidy)
		if err != nil {
			closer.Close()
			dw.Close()
			return nil, err
		}
		dw.empOut = &closerSink{dosageSink: dw.empOut, closer: closer}
	}
	if sitesOutPath != "" {
		sw, closer, err := openOutputFile(sitesOutPath)
		if err != nil {
			dw.Close()
			return nil, err
		}
		dw.sitesOut, err = newSink(sw, format, chrom, nil, nil, ploidy)
		if err != nil {
			closer.Close()
			dw.Close()
			return nil, err
		}
		dw.sitesOut = &closerSink{dosageSink: dw.sitesOut, closer: closer}
	}
	return dw, nil
}

// newTempDosageWriter wraps already-open (and already unlinked) temp files.
// Temp output is always the binary container: main records carry HDS plus
// the observed GT of typed sites, empirical records carry the leave-one-out
// dosages.
func newTempDosageWriter(f, empF io.Writer, sampleIDs []string, chrom string, ploidy int) (*dosageWriter, error) {
	dw := &dosageWriter{isTemp: true, ploidy: ploidy, nHaps: len(sampleIDs) * ploidy, minR2: -1}
	w, err := newM4savWriter(f, m4savFileHeader{
		Chrom: chrom, SampleIDs: sampleIDs, Ploidy: ploidy, Kind: "dosage", Compression: 3,
	})
	if err != nil {
		return nil, err
	}
	dw.out = &m4savDosageSink{w: w}
	if empF != nil {
		ew, err := newM4savWriter(empF, m4savFileHeader{
			Chrom: chrom, SampleIDs: sampleIDs, Ploidy: ploidy, Kind: "dosage", Compression: 3,
		})
		if err != nil {
			return nil, err
		}
		dw.empOut = &m4savDosageSink{w: ew}
	}
	return dw, nil
}

func newSink(w io.Writer, format outputFormat, chrom string, sampleIDs, fmtFields []string, ploidy int) (dosageSink, error) {
	if format.vcf {
		return newVCFDosageSink(w, format.compression > 0, chrom, sampleIDs, fmtFields, ploidy)
	}
	mw, err := newM4savWriter(w, m4savFileHeader{
		Chrom: chrom, SampleIDs: sampleIDs, Ploidy: ploidy, Kind: "dosage", Compression: format.compression,
	})
	if err != nil {
		return nil, err
	}
	return &m4savDosageSink{w: mw}, nil
}

type closerSink struct {
	dosageSink
	closer io.Closer
}

func (s *closerSink) Close() error {
	err := s.dosageSink.Close()
	if e := s.closer.Close(); err == nil {
		err = e
	}
	return err
}

func openOutputFile(path string) (io.Writer, io.Closer, error) {
	if path == "" || path == "-" || path == "/dev/stdout" {
		return os.Stdout, nopCloser{}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, f, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func (dw *dosageWriter) Close() error {
	var err error
	if dw.out != nil {
		err = dw.out.Close()
	}
	if dw.empOut != nil {
		if e := dw.empOut.Close(); err == nil {
			err = e
		}
	}
	if dw.sitesOut != nil {
		if e := dw.sitesOut.Close(); err == nil {
			err = e
		}
	}
	if dw.outCloser != nil {
		if e := dw.outCloser.Close(); err == nil {
			err = e
		}
	}
	return err
}

// MeanEmpiricalR2 returns the running mean ER2 across typed variants
// written since the last call, for per-chunk logging.
func (dw *dosageWriter) MeanEmpiricalR2() (float64, int) {
	if dw.er2N == 0 {
		return math.NaN(), 0
	}
	mean, n := dw.er2Sum/float64(dw.er2N), dw.er2N
	dw.er2Sum, dw.er2N = 0, 0
	return mean, n
}

// annotate fills the summary INFO fields from the record's dosages (and
// observed genotypes for ER2).
func (dw *dosageWriter) annotate(rec *dosageRecord) {
	dw.scratchA = dw.scratchA[:0]
	for _, d := range rec.HDS {
		if isFloat32EOV(d) || math.IsNaN(float64(d)) {
			continue
		}
		dw.scratchA = append(dw.scratchA, float64(d))
	}
	nan := float32(math.NaN())
	rec.AF, rec.MAF, rec.AvgCS, rec.R2, rec.ER2 = nan, nan, nan, nan, nan
	if len(dw.scratchA) == 0 {
		return
	}
	af := stat.Mean(dw.scratchA, nil)
	rec.AF = float32(af)
	if af > 0.5 {
		rec.MAF = float32(1 - af)
	} else {
		rec.MAF = float32(af)
	}
	cs := 0.0
	for _, d := range dw.scratchA {
		if d > 0.5 {
			cs += d
		} else {
			cs += 1 - d
		}
	}
	rec.AvgCS = float32(cs / float64(len(dw.scratchA)))
	if af > 0 && af < 1 {
		rec.R2 = float32(stat.Variance(dw.scratchA, nil) / (af * (1 - af)))
	} else {
		rec.R2 = 0
	}

	if rec.Typed && rec.LooHDS != nil && rec.GT != nil {
		dw.scratchA = dw.scratchA[:0]
		dw.scratchB = dw.scratchB[:0]
		for i, d := range rec.LooHDS {
			if i >= len(rec.GT) || isFloat32EOV(d) || math.IsNaN(float64(d)) || rec.GT[i] < 0 {
				continue
			}
			dw.scratchA = append(dw.scratchA, float64(d))
			dw.scratchB = append(dw.scratchB, float64(rec.GT[i]))
		}
		if len(dw.scratchA) > 1 {
			r := stat.Correlation(dw.scratchA, dw.scratchB, nil)
			if !math.IsNaN(r) {
				rec.ER2 = float32(r * r)
				dw.er2Sum += float64(rec.ER2)
				dw.er2N++
			}
		}
	}
}

// writeRecord annotates, filters, and routes one record to the main,
// empirical, and sites outputs. Leave-one-out dosages travel only through
// the empirical channel: without an empirical output there is no ER2.
func (dw *dosageWriter) writeRecord(rec *dosageRecord) error {
	if dw.empOut == nil {
		rec.LooHDS = nil
	}
	if !dw.isTemp {
		dw.annotate(rec)
		if dw.minR2 >= 0 && !rec.TypedOnly && !math.IsNaN(float64(rec.R2)) && rec.R2 < dw.minR2 {
			return nil
		}
	}
	if dw.empOut != nil && rec.Typed {
		if err := dw.empOut.Write(rec); err != nil {
			return err
		}
	}
	if dw.isTemp {
		main := *rec
		main.LooHDS = nil
		if err := dw.out.Write(&main); err != nil {
			return err
		}
	} else if err := dw.out.Write(rec); err != nil {
		return err
	}
	if dw.sitesOut != nil {
		if err := dw.sitesOut.Write(rec); err != nil {
			return err
		}
	}
	return nil
}

// WriteDosages streams the imputed dosage matrix for haplotype columns
// [hapRange[0], hapRange[1]) as output records.
func (dw *dosageWriter) WriteDosages(results *fullDosagesResults, tarVariants, tarOnlyVariants []targetVariant, hapRange [2]int, fullRef *reducedHaplotypes, imputeRegion genomicRegion) error {
	lo, hi := hapRange[0], hapRange[1]
	n := hi - lo
	typedIdx := 0
	onlyIdx := 0

	emit := func(rec *dosageRecord) error { return dw.writeRecord(rec) }

	flushTargetOnly := func(beforePos int) error {
		for onlyIdx < len(tarOnlyVariants) {
			tv := &tarOnlyVariants[onlyIdx]
			if tv.Pos >= beforePos {
				return nil
			}
			if !imputeRegion.contains(tv.Pos) {
				onlyIdx++
				continue
			}
			rec := &dosageRecord{
				Chrom: tv.Chrom, Pos: tv.Pos, ID: tv.ID, Ref: tv.Ref, Alt: tv.Alt,
				TypedOnly: true,
				HDS:       make([]float32, n),
				GT:        append([]int8(nil), tv.GT[lo:hi]...),
			}
			for i := 0; i < n; i++ {
				switch {
				case tv.GT[lo+i] == int8EOV:
					rec.HDS[i] = float32EOV()
				case tv.GT[lo+i] < 0:
					rec.HDS[i] = float32(math.NaN())
				default:
					rec.HDS[i] = float32(tv.GT[lo+i])
				}
			}
			if err := emit(rec); err != nil {
				return err
			}
			onlyIdx++
		}
		return nil
	}

	for it := fullRef.Begin(); it.Valid(); it = it.Next() {
		rv := it.Variant()
		if !imputeRegion.contains(rv.Pos) {
			continue
		}
		if err := flushTargetOnly(rv.Pos); err != nil {
			return err
		}
		row := it.GlobalIdx()
		rec := &dosageRecord{
			Chrom: rv.Chrom, Pos: rv.Pos, ID: rv.ID, Ref: rv.Ref, Alt: rv.Alt,
			Imputed: true,
			HDS:     append([]float32(nil), results.dosages[row][:n]...),
		}
		for typedIdx < len(tarVariants) && tarVariants[typedIdx].Pos < rv.Pos {
			typedIdx++
		}
		for j := typedIdx; j < len(tarVariants) && tarVariants[j].Pos == rv.Pos; j++ {
			if tarVariants[j].Ref == rv.Ref && tarVariants[j].Alt == rv.Alt {
				rec.Typed = true
				rec.GT = append([]int8(nil), tarVariants[j].GT[lo:hi]...)
				rec.LooHDS = append([]float32(nil), results.looDosages[j][:n]...)
				break
			}
		}
		if err := emit(rec); err != nil {
			return err
		}
	}
	return flushTargetOnly(maxRegionPos)
}

// MergeTempFiles interleaves per-variant records across the temp spill
// files (all temps share one variant order), concatenating per-haplotype
// fields in file order and writing final annotated records.
func (dw *dosageWriter) MergeTempFiles(files, empFiles []*m4savReader) error {
	for {
		var merged *dosageRecord
		for fi, f := range files {
			rec, err := f.NextDosage()
			if err != nil {
				return err
			}
			if rec == nil {
				if fi == 0 {
					return nil
				}
				return fmt.Errorf("temp file %d ended before temp file 0", fi)
			}
			if merged == nil {
				cp := *rec
				merged = &cp
				merged.HDS = append([]float32(nil), rec.HDS...)
				merged.GT = append([]int8(nil), rec.GT...)
			} else {
				if rec.Pos != merged.Pos || rec.Ref != merged.Ref || rec.Alt != merged.Alt {
					return fmt.Errorf("temp files disagree at %s:%d", merged.Chrom, merged.Pos)
				}
				merged.HDS = append(merged.HDS, rec.HDS...)
				merged.GT = append(merged.GT, rec.GT...)
			}
		}
		if merged.Typed && len(empFiles) > 0 {
			merged.LooHDS = merged.LooHDS[:0]
			for _, f := range empFiles {
				rec, err := f.NextDosage()
				if err != nil {
					return err
				}
				if rec == nil || rec.Pos != merged.Pos {
					return fmt.Errorf("empirical temp files out of step at %s:%d", merged.Chrom, merged.Pos)
				}
				merged.LooHDS = append(merged.LooHDS, rec.LooHDS...)
			}
		}
		if err := dw.writeRecord(merged); err != nil {
			return err
		}
	}
}
