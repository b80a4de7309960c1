// Copyright (C) The Impute Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package impute

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sort"

	log "github.com/sirupsen/logrus"
)

var (
	errRegionAmbiguous    = errors.New("reference panel contains multiple chromosomes; --region is required")
	errPloidyInconsistent = errors.New("sample ploidy changed between variants")
	errSampleSubsetEmpty  = errors.New("sample subset does not overlap reference panel")
)

// statTarPanel opens the target panel and returns its sample IDs.
func statTarPanel(tarPath string) ([]string, error) {
	rdr, err := newVCFReader(tarPath)
	if err != nil {
		return nil, err
	}
	defer rdr.Close()
	return rdr.Samples(), nil
}

// statRefPanel resolves the chromosome and end position to impute from the
// reference panel's .s1x index. With an empty chrom and a multi-contig
// reference it fails; otherwise chrom is set or verified and endPos is
// tightened to the contig's extent.
func statRefPanel(refPath string, chrom *string, endPos *int) error {
	ix, err := openS1X(s1xPath(refPath))
	if err != nil {
		return fmt.Errorf("%s: reference panels must be indexed; legacy m3vcf files must be converted with --update-m3vcf first (%s)", refPath, err)
	}
	defer ix.Close()
	contigs, err := ix.Contigs()
	if err != nil {
		return err
	}
	if len(contigs) == 0 {
		return fmt.Errorf("%s: reference index lists no contigs", refPath)
	}
	if *chrom == "" {
		if len(contigs) > 1 {
			return fmt.Errorf("%w (found %s)", errRegionAmbiguous, describeContigs(contigs))
		}
		*chrom = contigs[0].Chrom
		if contigs[0].MaxPos < *endPos {
			*endPos = contigs[0].MaxPos
		}
		return nil
	}
	for _, c := range contigs {
		if c.Chrom == *chrom {
			if c.MaxPos < *endPos {
				*endPos = c.MaxPos
			}
			return nil
		}
	}
	return fmt.Errorf("%s: chromosome %s not present in reference panel", refPath, *chrom)
}

// loadTargetHaplotypes reads target variants intersecting reg. Multiallelic
// sites emit one targetVariant per ALT with genotypes recoded to
// presence/absence of that ALT. Ploidy must stay constant per sample.
func loadTargetHaplotypes(tarPath string, reg genomicRegion, targetSites *[]targetVariant, sampleIDs *[]string) error {
	rdr, err := newVCFReader(tarPath)
	if err != nil {
		return err
	}
	defer rdr.Close()
	*sampleIDs = rdr.Samples()
	nSamples := len(*sampleIDs)
	if nSamples == 0 {
		return fmt.Errorf("%s: no samples in target file", tarPath)
	}

	var ploidies []int
	warnedChrX := false
	for {
		rec := rdr.NextInRegion(reg)
		if rec == nil {
			break
		}
		if !warnedChrX && (rec.Chrom == "X" || rec.Chrom == "chrX") {
			log.Warn("PAR and non-PAR regions of chromosome X must be imputed separately")
			warnedChrX = true
		}
		maxPloidy := len(rec.GT) / nSamples
		if ploidies == nil {
			ploidies = make([]int, nSamples)
			for s := 0; s < nSamples; s++ {
				n := 0
				for j := 0; j < maxPloidy; j++ {
					if rec.GT[s*maxPloidy+j] != int8EOV {
						n++
					}
				}
				ploidies[s] = n
			}
		} else {
			for s := 0; s < nSamples; s++ {
				n := 0
				for j := 0; j < maxPloidy; j++ {
					if s*maxPloidy+j < len(rec.GT) && rec.GT[s*maxPloidy+j] != int8EOV {
						n++
					}
				}
				if n != ploidies[s] {
					return fmt.Errorf("%w: sample %s at %s:%d", errPloidyInconsistent, (*sampleIDs)[s], rec.Chrom, rec.Pos)
				}
			}
		}

		for k, alt := range rec.Alts {
			if alt == "" || alt == "." || alt == "<NON_REF>" {
				continue
			}
			tv := targetVariant{
				Chrom:    rec.Chrom,
				Pos:      rec.Pos,
				ID:       rec.ID,
				Ref:      rec.Ref,
				Alt:      alt,
				InTarget: true,
				AF:       float32(math.NaN()),
				Err:      float32(math.NaN()),
				Recom:    float32(math.NaN()),
				CM:       math.NaN(),
				GT:       make([]int8, len(rec.GT)),
			}
			for i, a := range rec.GT {
				switch {
				case a == int8EOV:
					tv.GT[i] = int8EOV
				case a < 0:
					tv.GT[i] = int8Missing
				case int(a) == k+1:
					tv.GT[i] = 1
				default:
					tv.GT[i] = 0
				}
			}
			*targetSites = append(*targetSites, tv)
		}
	}
	sortTargetSites(*targetSites)
	return rdr.Err()
}

// subsetBlock rebuilds a block over the expanded haplotype slots listed in
// keep, dropping unique columns that lose all of their occupants.
func subsetBlock(b *uniqueHaplotypeBlock, keep []int) *uniqueHaplotypeBlock {
	out := &uniqueHaplotypeBlock{
		uniqueMap: make([]int64, len(keep)),
	}
	colRemap := make([]int64, len(b.cardinalities))
	for i := range colRemap {
		colRemap[i] = -1
	}
	nCols := int64(0)
	for i, h := range keep {
		u := b.uniqueMap[h]
		if u == uniqueMapEOV {
			out.uniqueMap[i] = uniqueMapEOV
			continue
		}
		if colRemap[u] < 0 {
			colRemap[u] = nCols
			nCols++
			out.cardinalities = append(out.cardinalities, 0)
		}
		out.uniqueMap[i] = colRemap[u]
		out.cardinalities[colRemap[u]]++
	}
	for _, v := range b.variants {
		gt := make([]int8, nCols)
		for u, nu := range colRemap {
			if nu >= 0 {
				gt[nu] = v.GT[u]
			}
		}
		ac := 0
		for c, a := range gt {
			if a > 0 {
				ac += out.cardinalities[c]
			}
		}
		out.variants = append(out.variants, referenceVariant{
			referenceSiteInfo: v.referenceSiteInfo,
			AC:                ac,
			GT:                gt,
		})
	}
	return out
}

func cloneBlockVariants(b *uniqueHaplotypeBlock) *uniqueHaplotypeBlock {
	out := &uniqueHaplotypeBlock{
		uniqueMap:     b.uniqueMap,
		cardinalities: b.cardinalities,
		variants:      append([]referenceVariant(nil), b.variants...),
	}
	return out
}

// loadReferenceHaplotypes streams reference blocks intersecting extendedReg,
// aligns typed sites against targetSites (filling AF, Err, CM, and the
// InReference flag), collects the typed-only reduced form, and appends every
// block clipped to imputeReg to the full reduced form. Recombination
// probabilities between adjacent typed sites come from centimorgan
// differences (interpolated from mapFile when given, otherwise from the
// reference's own cM/recom annotations); legacyRecom instead sums the
// per-site recom fields between anchors.
func loadReferenceHaplotypes(refPath string, extendedReg, imputeReg genomicRegion, subsetIDs map[string]bool, targetSites []targetVariant, typedOnly, full *reducedHaplotypes, mapFile *geneticMapFile, minRecom, defaultMatchError float32, legacyRecom bool) error {
	rdr, err := openM4sav(refPath)
	if err != nil {
		return err
	}
	defer rdr.Close()
	ix, err := openS1X(s1xPath(refPath))
	if err != nil {
		return fmt.Errorf("%s: reference panels must be indexed; legacy m3vcf files must be converted with --update-m3vcf first (%s)", refPath, err)
	}
	blocks, err := ix.BlocksOverlapping(extendedReg)
	ix.Close()
	if err != nil {
		return err
	}
	if len(blocks) == 0 {
		return nil
	}
	if err := rdr.SeekToFrame(blocks[0].FileOffset); err != nil {
		return err
	}

	hdr := rdr.Header()
	var keep []int
	if len(subsetIDs) > 0 {
		for i, id := range hdr.SampleIDs {
			if subsetIDs[id] {
				for j := 0; j < hdr.Ploidy; j++ {
					keep = append(keep, i*hdr.Ploidy+j)
				}
			}
		}
		if len(keep) == 0 {
			return errSampleSubsetEmpty
		}
	}

	// Typed anchors are recorded during the scan; cumulative centimorgans
	// and per-site recom sums across the extended region drive the
	// inter-anchor switch probabilities afterwards.
	type typedAnchor struct {
		targetIdx int
		cm        float64
		recomSum  float64
	}
	var anchors []typedAnchor
	cumCM := 0.0
	recomSum := 0.0
	useMap := mapFile != nil && mapFile.Good()

	ti := 0
	nTemplates := 0
	matched := 0
	for range blocks {
		block, err := rdr.NextBlock()
		if err != nil {
			return err
		}
		if block == nil {
			break
		}
		if keep != nil {
			block = subsetBlock(block, keep)
		}
		block.Trim(extendedReg.From, extendedReg.To)
		if block.VariantSize() == 0 {
			continue
		}
		if nTemplates == 0 {
			nTemplates = expandedCount(block)
		}

		for v := range block.Variants() {
			rv := &block.variants[v]
			switch {
			case useMap:
				cumCM = mapFile.InterpolateCentimorgan(rv.Pos)
			case !math.IsNaN(rv.CM):
				cumCM = rv.CM
			case !isNaN32(rv.Recom):
				cumCM += switchProbToCM(float64(rv.Recom))
			}
			if !isNaN32(rv.Recom) {
				recomSum += float64(rv.Recom)
			}

			for ti < len(targetSites) && targetSites[ti].Pos < rv.Pos {
				ti++
			}
			for j := ti; j < len(targetSites) && targetSites[j].Pos == rv.Pos; j++ {
				tv := &targetSites[j]
				if tv.InReference || tv.Ref != rv.Ref || tv.Alt != rv.Alt {
					continue
				}
				tv.InReference = true
				tv.AF = float32(float64(rv.AC) / float64(nTemplates))
				tv.Err = rv.Err
				if isNaN32(tv.Err) {
					tv.Err = defaultMatchError
				}
				tv.CM = cumCM
				site := rv.referenceSiteInfo
				site.Err = tv.Err
				site.CM = cumCM
				alleles := make([]int8, block.ExpandedHaplotypeSize())
				for h := range alleles {
					alleles[h] = block.ExpandAllele(v, h)
				}
				typedOnly.CompressVariant(site, alleles, false)
				anchors = append(anchors, typedAnchor{targetIdx: j, cm: cumCM, recomSum: recomSum})
				matched++
				break
			}
		}

		clipped := cloneBlockVariants(block)
		clipped.Trim(imputeReg.From, imputeReg.To)
		if clipped.VariantSize() > 0 {
			full.AppendBlock(clipped)
		}
	}
	log.Infof("matched %d of %d target variants against the reference panel", matched, len(targetSites))

	for k, a := range anchors {
		tv := &targetSites[a.targetIdx]
		if k == len(anchors)-1 {
			tv.Recom = 0
			continue
		}
		var p float64
		if legacyRecom {
			p = anchors[k+1].recomSum - a.recomSum
		} else {
			p = cmToSwitchProb(anchors[k+1].cm - a.cm)
		}
		if math.IsNaN(p) || p < float64(minRecom) {
			p = float64(minRecom)
		} else if p > 0.5 {
			p = 0.5
		}
		tv.Recom = float32(p)
	}

	// The typed-only rows were built in reference scan order. Put the
	// matched target sites into the same order (equal-position sites can
	// differ), so that typed row g always pairs with target variant g
	// after target-only separation.
	typedIdxs := make([]int, len(anchors))
	for k, a := range anchors {
		typedIdxs[k] = a.targetIdx
	}
	sortedIdxs := append([]int(nil), typedIdxs...)
	sort.Ints(sortedIdxs)
	for k := range typedIdxs {
		if typedIdxs[k] != sortedIdxs[k] {
			vals := make([]targetVariant, len(anchors))
			for j, idx := range typedIdxs {
				vals[j] = targetSites[idx]
			}
			for j, idx := range sortedIdxs {
				targetSites[idx] = vals[j]
			}
			break
		}
	}
	return nil
}

// separateTargetOnlyVariants stable-partitions target sites by the
// InReference flag, leaving reference-matching sites in targetSites and
// returning the rest.
func separateTargetOnlyVariants(targetSites *[]targetVariant) []targetVariant {
	var targetOnly []targetVariant
	kept := (*targetSites)[:0]
	for _, tv := range *targetSites {
		if tv.InReference {
			kept = append(kept, tv)
		} else {
			targetOnly = append(targetOnly, tv)
		}
	}
	*targetSites = kept
	return targetOnly
}

// generateReverseMaps inverts each block's unique map:
// reverseMaps[block][column] lists the expanded haplotypes in that column.
func generateReverseMaps(typedOnly *reducedHaplotypes) [][][]int {
	out := make([][][]int, len(typedOnly.Blocks()))
	for b, block := range typedOnly.Blocks() {
		out[b] = make([][]int, b2max(block))
		for h, u := range block.UniqueMap() {
			if u == uniqueMapEOV {
				continue
			}
			out[b][u] = append(out[b][u], h)
		}
	}
	return out
}

func b2max(b *uniqueHaplotypeBlock) int {
	n := b.UniqueHaplotypeSize()
	if n == 0 {
		n = len(b.Cardinalities())
	}
	return n
}

// convertOldM3vcf converts a legacy m3vcf (v1/v2) file into the modern
// blocked container, annotating centimorgans when a map is supplied.
func convertOldM3vcf(inputPath, outputPath, mapPath string) error {
	rdr, err := newM3vcfReader(inputPath)
	if err != nil {
		return err
	}
	defer rdr.Close()

	var out *os.File
	toStdout := outputPath == "" || outputPath == "-" || outputPath == "/dev/stdout"
	if toStdout {
		out = os.Stdout
	} else {
		out, err = os.Create(outputPath)
		if err != nil {
			return err
		}
		defer out.Close()
	}

	first, err := rdr.NextBlock()
	if err != nil {
		return err
	}
	if first == nil {
		return fmt.Errorf("%s: no haplotype blocks", inputPath)
	}
	chrom := first.Variants()[0].Chrom

	var mf *geneticMapFile
	if mapPath != "" {
		mf, err = newGeneticMapFile(mapPath, chrom)
		if err != nil {
			return err
		}
		defer mf.Close()
	}

	ploidy := 1
	if rdr.Version() == 2 {
		ploidy = 2
	}
	w, err := newM4savWriter(out, m4savFileHeader{
		Chrom:       chrom,
		SampleIDs:   rdr.Samples(),
		Ploidy:      ploidy,
		Kind:        "reference",
		Compression: 6,
	})
	if err != nil {
		return err
	}

	// Adjacent m3vcf blocks repeat the boundary variant; pop it from the
	// pending block before writing.
	pending := first
	nBlocks, nVariants := 0, 0
	flush := func(next *uniqueHaplotypeBlock) error {
		if next != nil {
			pv := pending.Variants()
			fv := next.Variants()[0]
			if n := len(pv); n > 0 {
				last := pv[n-1]
				if last.Pos == fv.Pos && last.Ref == fv.Ref && last.Alt == fv.Alt {
					pending.PopVariant()
				}
			}
		}
		if pending.VariantSize() == 0 {
			pending = next
			return nil
		}
		if mf != nil {
			pending.FillCM(mf)
		}
		nBlocks++
		nVariants += pending.VariantSize()
		err := w.WriteBlock(pending)
		pending = next
		return err
	}
	for {
		block, err := rdr.NextBlock()
		if err != nil {
			return err
		}
		if block == nil {
			break
		}
		if err := flush(block); err != nil {
			return err
		}
	}
	if err := flush(nil); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	log.Infof("converted %d blocks (%d variants)", nBlocks, nVariants)
	if !toStdout {
		if err := writeS1X(s1xPath(outputPath), w.BlockIndex()); err != nil {
			return err
		}
	}
	return nil
}

// compressReferencePanel compresses a phased VCF reference panel into the
// blocked container, flushing blocks with the compression-ratio heuristic.
func compressReferencePanel(inputPath, outputPath string, minBlockSize, maxBlockSize, slopeUnit int, mapPath string) error {
	rdr, err := newVCFReader(inputPath)
	if err != nil {
		return err
	}
	defer rdr.Close()
	if len(rdr.Samples()) == 0 {
		return fmt.Errorf("%s: no samples in reference panel", inputPath)
	}

	var out *os.File
	toStdout := outputPath == "" || outputPath == "-" || outputPath == "/dev/stdout"
	if toStdout {
		out = os.Stdout
	} else {
		out, err = os.Create(outputPath)
		if err != nil {
			return err
		}
		defer out.Close()
	}

	reduced := newReducedHaplotypes(minBlockSize, maxBlockSize)
	reduced.SetSlopeUnit(slopeUnit)

	var w *m4savWriter
	var mf *geneticMapFile
	chrom := ""
	nVariants := 0
	for {
		rec := rdr.Next()
		if rec == nil {
			break
		}
		if !rec.Phased {
			return fmt.Errorf("%s: reference panel must be fully phased", inputPath)
		}
		if w == nil {
			chrom = rec.Chrom
			if mapPath != "" {
				mf, err = newGeneticMapFile(mapPath, chrom)
				if err != nil {
					return err
				}
				defer mf.Close()
			}
			w, err = newM4savWriter(out, m4savFileHeader{
				Chrom:       chrom,
				SampleIDs:   rdr.Samples(),
				Ploidy:      len(rec.GT) / len(rdr.Samples()),
				Kind:        "reference",
				Compression: 6,
			})
			if err != nil {
				return err
			}
		}
		for k, alt := range rec.Alts {
			if alt == "" || alt == "." {
				continue
			}
			site := newReferenceSiteInfo(rec.Chrom, rec.Pos, rec.ID, rec.Ref, alt)
			if mf != nil && mf.Good() {
				site.CM = mf.InterpolateCentimorgan(rec.Pos)
			}
			alleles := make([]int8, len(rec.GT))
			for i, a := range rec.GT {
				switch {
				case a == int8EOV:
					alleles[i] = int8EOV
				case int(a) == k+1:
					alleles[i] = 1
				default:
					alleles[i] = 0
				}
			}
			if !reduced.CompressVariant(site, alleles, false) {
				return fmt.Errorf("%s: could not compress variant at %s:%d", inputPath, rec.Chrom, rec.Pos)
			}
			nVariants++
		}
		// Completed blocks can be written out and dropped immediately.
		for len(reduced.blocks) > 1 {
			if err := w.WriteBlock(reduced.blocks[0]); err != nil {
				return err
			}
			reduced.blocks = reduced.blocks[1:]
			reduced.blockOffsets = reduced.blockOffsets[1:]
		}
	}
	if err := rdr.Err(); err != nil {
		return err
	}
	if w == nil {
		return fmt.Errorf("%s: no variants in reference panel", inputPath)
	}
	for _, b := range reduced.blocks {
		if err := w.WriteBlock(b); err != nil {
			return err
		}
	}
	if err := w.Close(); err != nil {
		return err
	}
	log.Infof("compressed %d variants into %d blocks", nVariants, len(w.BlockIndex()))
	if !toStdout {
		if err := writeS1X(s1xPath(outputPath), w.BlockIndex()); err != nil {
			return err
		}
	}
	return nil
}

// sortTargetSites keeps target sites in position order; multiallelic
// decomposition preserves input order at equal positions.
func sortTargetSites(sites []targetVariant) {
	sort.SliceStable(sites, func(i, j int) bool { return sites[i].Pos < sites[j].Pos })
}
