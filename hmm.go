// Copyright (C) The Impute Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package impute

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// fullDosagesResults holds per-haplotype dosages for one buffer group: one
// row per full-reference variant (dosages) and one row per typed variant
// (leave-one-out dosages). Cells start as end-of-vector sentinels so that
// samples with fewer haplotypes stay distinguishable from dosage 0.
type fullDosagesResults struct {
	dosages    [][]float32
	looDosages [][]float32
}

func (r *fullDosagesResults) Resize(nRows, nLooRows, nColumns int) {
	r.dosages = make([][]float32, nRows)
	for i := range r.dosages {
		r.dosages[i] = newEOVRow(nColumns)
	}
	r.looDosages = make([][]float32, nLooRows)
	for i := range r.looDosages {
		r.looDosages[i] = newEOVRow(nColumns)
	}
}

func newEOVRow(n int) []float32 {
	row := make([]float32, n)
	eov := float32EOV()
	for i := range row {
		row[i] = eov
	}
	return row
}

// ResizeColumns narrows both matrices for a final, smaller haplotype group.
func (r *fullDosagesResults) ResizeColumns(n int) {
	for i := range r.dosages {
		r.dosages[i] = r.dosages[i][:n]
	}
	for i := range r.looDosages {
		r.looDosages[i] = r.looDosages[i][:n]
	}
}

// FillEOV resets every cell to the end-of-vector sentinel between groups.
func (r *fullDosagesResults) FillEOV() {
	eov := float32EOV()
	for _, row := range r.dosages {
		for i := range row {
			row[i] = eov
		}
	}
	for _, row := range r.looDosages {
		for i := range row {
			row[i] = eov
		}
	}
}

func (r *fullDosagesResults) Dimensions() [2]int {
	if len(r.dosages) == 0 {
		return [2]int{0, 0}
	}
	return [2]int{len(r.dosages), len(r.dosages[0])}
}

func (r *fullDosagesResults) DimensionsLOO() [2]int {
	if len(r.looDosages) == 0 {
		return [2]int{0, 0}
	}
	return [2]int{len(r.looDosages), len(r.looDosages[0])}
}

func (r *fullDosagesResults) Dosage(i, j int) float32 { return r.dosages[i][j] }

func (r *fullDosagesResults) SetDosage(i, j int, v float32) { r.dosages[i][j] = v }

func (r *fullDosagesResults) LooDosage(i, j int) float32 { return r.looDosages[i][j] }

func (r *fullDosagesResults) SetLooDosage(i, j int, v float32) { r.looDosages[i][j] = v }

const (
	hmmJumpFix       = 1e15
	hmmJumpThreshold = 1e-10
	hmmBinScalar     = 1000 // discretizes dosages for stable accumulation
)

// hiddenMarkovModel runs the Li–Stephens forward/backward traversal for one
// target haplotype over the compressed reference. All state is owned by one
// worker and reused across haplotypes.
type hiddenMarkovModel struct {
	probThreshold   float64
	s1ProbThreshold float64
	diffThreshold   float64
	backgroundError float64
	decay           float64

	forwardProbs            [][][]float64 // [block][variant][unique column]
	forwardNorecomProbs     [][][]float64
	junctionProbProportions [][]float64 // [block][expanded haplotype]
	precisionJumps          []bool

	// scratch reused across variants
	entry            []float64
	entryNorecom     []float64
	backward         []float64
	backwardNorecom  []float64
	backwardJunction []float64
	constants        []float64
	cardScratch      []float64
	posterior        []float64

	backScratch        []float64
	backScratchNorecom []float64

	// S3→S1→S2 working set for untyped sites
	bestS3Haps      []int
	bestS3Probs     []float64
	prevS3Haps      []int
	prevS3Probs     []float64
	prevS3Block     int
	s1Valid         bool
	bestS1Haps      []int
	bestS1Probs     []float64
	s2Probs         []float64
	s2Cardinalities []int
	s2BlockIdx      int
	s2CoveredProb   float64
	s2CoveredCnt    int
}

func newHiddenMarkovModel(probThreshold, s1ProbThreshold, diffThreshold, backgroundError float32, decay float64) *hiddenMarkovModel {
	return &hiddenMarkovModel{
		probThreshold:   float64(probThreshold),
		s1ProbThreshold: float64(s1ProbThreshold),
		diffThreshold:   float64(diffThreshold),
		backgroundError: float64(backgroundError),
		decay:           decay,
		s2BlockIdx:      -1,
	}
}

// PrecisionJumps exposes which variants required an underflow rescale.
func (hmm *hiddenMarkovModel) PrecisionJumps() []bool { return hmm.precisionJumps }

func (hmm *hiddenMarkovModel) initializeLikelihoods(probs, probsNorecom, proportions []float64, block *uniqueHaplotypeBlock) {
	cards := block.Cardinalities()
	h := float64(expandedCount(block))
	for u, c := range cards {
		probs[u] = float64(c) / h
	}
	copy(probsNorecom, probs)
	for i, u := range block.UniqueMap() {
		if u == uniqueMapEOV {
			proportions[i] = 0
			continue
		}
		proportions[i] = 1 / float64(cards[u])
	}
}

func expandedCount(block *uniqueHaplotypeBlock) int {
	n := 0
	for _, u := range block.UniqueMap() {
		if u != uniqueMapEOV {
			n++
		}
	}
	return n
}

// condition multiplies each column's probability by the match or mismatch
// emission for the observed allele: a bulk rescale by the mismatch factor,
// then the matching columns lifted to the match factor. Missing
// observations skip conditioning.
func (hmm *hiddenMarkovModel) condition(probs, probsNorecom []float64, templateHaps []int8, observed int8, err, af float32) {
	freq := float64(af)
	if observed == 0 {
		freq = 1 - float64(af)
	}
	prandom := float64(err)*freq + hmm.backgroundError
	pmatch := (1 - float64(err)) + prandom
	floats.Scale(prandom, probs)
	floats.Scale(prandom, probsNorecom)
	lift := pmatch / prandom
	for u, a := range templateHaps {
		if a == observed {
			probs[u] *= lift
			probsNorecom[u] *= lift
		}
	}
}

// transpose advances probabilities across one recombination interval:
// to = (1-r)·from + cardinality·(r·Σfrom / nTemplates), rescaled by
// hmmJumpFix when the running sum would underflow. Returns whether a
// rescale (precision jump) was applied.
func (hmm *hiddenMarkovModel) transpose(from, to, fromNorecom, toNorecom, cardinalities []float64, recom float64, nTemplates int) bool {
	sum := floats.Sum(from)
	jumped := false
	scale := 1.0
	if sum < hmmJumpThreshold {
		scale = hmmJumpFix
		jumped = true
	}
	perTemplate := sum * recom / float64(nTemplates)
	complement := 1 - recom
	floats.ScaleTo(to, perTemplate, cardinalities)
	floats.AddScaled(to, complement, from)
	if jumped {
		floats.Scale(scale, to)
	}
	floats.ScaleTo(toNorecom, scale*complement, fromNorecom)
	return jumped
}

// TraverseForward runs the forward pass for target haplotype hapIdx,
// filling the per-block forward arrays and junction proportions.
func (hmm *hiddenMarkovModel) TraverseForward(refBlocks []*uniqueHaplotypeBlock, tarVariants []targetVariant, hapIdx int) {
	nBlocks := len(refBlocks)
	hmm.forwardProbs = allocBlockMatrices(hmm.forwardProbs, refBlocks)
	hmm.forwardNorecomProbs = allocBlockMatrices(hmm.forwardNorecomProbs, refBlocks)
	if cap(hmm.junctionProbProportions) < nBlocks {
		hmm.junctionProbProportions = make([][]float64, nBlocks)
	}
	hmm.junctionProbProportions = hmm.junctionProbProportions[:nBlocks]
	hmm.precisionJumps = resizeBools(hmm.precisionJumps, len(tarVariants))

	nHapSlots := refBlocks[0].ExpandedHaplotypeSize()
	nTemplates := expandedCount(refBlocks[0])

	g := 0
	for b, block := range refBlocks {
		nVariants := block.VariantSize()
		nUniq := block.UniqueHaplotypeSize()
		hmm.junctionProbProportions[b] = resizeFloats(hmm.junctionProbProportions[b], nHapSlots)
		cards := hmm.blockCardinalities(block)

		if b == 0 {
			hmm.initializeLikelihoods(hmm.forwardProbs[0][0], hmm.forwardNorecomProbs[0][0], hmm.junctionProbProportions[0], block)
		} else {
			prevBlock := refBlocks[b-1]
			prevLast := prevBlock.VariantSize() - 1
			prevFwd := hmm.forwardProbs[b-1][prevLast]
			prevNorecom := hmm.forwardNorecomProbs[b-1][prevLast]
			prevJunction := hmm.junctionProbProportions[b-1]
			junction := hmm.junctionProbProportions[b]

			hmm.entry = resizeFloats(hmm.entry, nUniq)
			hmm.entryNorecom = resizeFloats(hmm.entryNorecom, nUniq)
			zeroFloats(hmm.entry)
			zeroFloats(hmm.entryNorecom)

			uniqMap := block.UniqueMap()
			prevMap := prevBlock.UniqueMap()
			for i := 0; i < nHapSlots; i++ {
				pu, cu := prevMap[i], uniqMap[i]
				if pu == uniqueMapEOV || cu == uniqueMapEOV {
					junction[i] = 0
					continue
				}
				p := prevFwd[pu] * prevJunction[i]
				hmm.entry[cu] += p
				hmm.entryNorecom[cu] += prevNorecom[pu] * prevJunction[i]
				junction[i] = p
			}
			for i := 0; i < nHapSlots; i++ {
				cu := uniqMap[i]
				if cu == uniqueMapEOV {
					continue
				}
				if hmm.entry[cu] > 0 {
					junction[i] /= hmm.entry[cu]
				} else {
					junction[i] = 1 / float64(block.Cardinalities()[cu])
				}
			}
			hmm.precisionJumps[g] = hmm.transpose(
				hmm.entry, hmm.forwardProbs[b][0],
				hmm.entryNorecom, hmm.forwardNorecomProbs[b][0],
				cards, float64(tarVariants[g-1].Recom), nTemplates)
		}

		for v := 0; v < nVariants; v++ {
			tv := &tarVariants[g]
			if observed := tv.GT[hapIdx]; observed >= 0 {
				hmm.condition(hmm.forwardProbs[b][v], hmm.forwardNorecomProbs[b][v], block.Variants()[v].GT, observed, tv.Err, tv.AF)
			}
			if v+1 < nVariants {
				hmm.precisionJumps[g+1] = hmm.transpose(
					hmm.forwardProbs[b][v], hmm.forwardProbs[b][v+1],
					hmm.forwardNorecomProbs[b][v], hmm.forwardNorecomProbs[b][v+1],
					cards, float64(tv.Recom), nTemplates)
			}
			g++
		}
	}
	if g != len(tarVariants) {
		panic(fmt.Sprintf("forward traversal consumed %d of %d typed variants", g, len(tarVariants)))
	}
}

// blockCardinalities exposes a block's column occupancy as floats for the
// vectorized transpose.
func (hmm *hiddenMarkovModel) blockCardinalities(block *uniqueHaplotypeBlock) []float64 {
	cards := block.Cardinalities()
	hmm.cardScratch = resizeFloats(hmm.cardScratch, len(cards))
	for u, c := range cards {
		hmm.cardScratch[u] = float64(c)
	}
	return hmm.cardScratch
}

func allocBlockMatrices(dst [][][]float64, blocks []*uniqueHaplotypeBlock) [][][]float64 {
	if cap(dst) < len(blocks) {
		dst = make([][][]float64, len(blocks))
	}
	dst = dst[:len(blocks)]
	for b, block := range blocks {
		nV, nU := block.VariantSize(), block.UniqueHaplotypeSize()
		if cap(dst[b]) < nV {
			dst[b] = make([][]float64, nV)
		}
		dst[b] = dst[b][:nV]
		for v := 0; v < nV; v++ {
			dst[b][v] = resizeFloats(dst[b][v], nU)
		}
	}
	return dst
}

func resizeFloats(s []float64, n int) []float64 {
	if cap(s) < n {
		return make([]float64, n)
	}
	return s[:n]
}

func resizeBools(s []bool, n int) []bool {
	if cap(s) < n {
		s = make([]bool, n)
	}
	s = s[:n]
	for i := range s {
		s[i] = false
	}
	return s
}

func zeroFloats(s []float64) {
	for i := range s {
		s[i] = 0
	}
}

// TraverseBackward runs the backward pass, imputing dosages at every
// full-reference variant and leave-one-out dosages at every typed variant,
// writing into column outIdx of output.
func (hmm *hiddenMarkovModel) TraverseBackward(refBlocks []*uniqueHaplotypeBlock, tarVariants []targetVariant, hapIdx, outIdx int, reverseMaps [][][]int, output *fullDosagesResults, fullRef *reducedHaplotypes) {
	nHapSlots := refBlocks[0].ExpandedHaplotypeSize()
	nTemplates := expandedCount(refBlocks[0])

	fullItr := fullRef.Last()
	g := len(tarVariants) - 1
	hmm.s2BlockIdx = -1
	hmm.s1Valid = false

	var next []float64

	for b := len(refBlocks) - 1; b >= 0; b-- {
		block := refBlocks[b]
		nVariants := block.VariantSize()
		nUniq := block.UniqueHaplotypeSize()
		hmm.backwardJunction = resizeFloats(hmm.backwardJunction, nHapSlots)
		cards := hmm.blockCardinalities(block)

		if b == len(refBlocks)-1 {
			hmm.backward = resizeFloats(hmm.backward, nUniq)
			hmm.backwardNorecom = resizeFloats(hmm.backwardNorecom, nUniq)
			hmm.initializeLikelihoods(hmm.backward, hmm.backwardNorecom, hmm.backwardJunction, block)
		} else {
			// Project the exiting backward distribution onto this
			// block's unique-column basis, then cross the
			// recombination interval between the blocks.
			nextBlock := refBlocks[b+1]
			hmm.entry = resizeFloats(hmm.entry, nUniq)
			hmm.entryNorecom = resizeFloats(hmm.entryNorecom, nUniq)
			zeroFloats(hmm.entry)
			zeroFloats(hmm.entryNorecom)
			uniqMap := block.UniqueMap()
			nextMap := nextBlock.UniqueMap()
			for i := 0; i < nHapSlots; i++ {
				nu, cu := nextMap[i], uniqMap[i]
				if nu == uniqueMapEOV || cu == uniqueMapEOV {
					hmm.backwardJunction[i] = 0
					continue
				}
				p := hmm.backward[nu] * next[i]
				hmm.entry[cu] += p
				hmm.entryNorecom[cu] += hmm.backwardNorecom[nu] * next[i]
				hmm.backwardJunction[i] = p
			}
			for i := 0; i < nHapSlots; i++ {
				cu := uniqMap[i]
				if cu == uniqueMapEOV {
					continue
				}
				if hmm.entry[cu] > 0 {
					hmm.backwardJunction[i] /= hmm.entry[cu]
				} else {
					hmm.backwardJunction[i] = 1 / float64(block.Cardinalities()[cu])
				}
			}
			hmm.backward = resizeFloats(hmm.backward, nUniq)
			hmm.backwardNorecom = resizeFloats(hmm.backwardNorecom, nUniq)
			hmm.transpose(hmm.entry, hmm.backward, hmm.entryNorecom, hmm.backwardNorecom,
				cards, float64(tarVariants[g].Recom), nTemplates)
		}
		// Stash this block's entry-side proportions for the next
		// (leftward) projection before they are reused.
		next = resizeFloats(next, nHapSlots)
		copy(next, hmm.backwardJunction)

		// Per-block constants combining the two junction proportion sets.
		hmm.constants = resizeFloats(hmm.constants, nUniq)
		zeroFloats(hmm.constants)
		leftJ := hmm.junctionProbProportions[b]
		uniqMap := block.UniqueMap()
		for i := 0; i < nHapSlots; i++ {
			cu := uniqMap[i]
			if cu == uniqueMapEOV {
				continue
			}
			hmm.constants[cu] += leftJ[i] * hmm.backwardJunction[i]
		}

		for v := nVariants - 1; v >= 0; v-- {
			tv := &tarVariants[g]
			hmm.impute(tarVariants, g, b, v, hapIdx, outIdx, reverseMaps, output, &fullItr, block)
			if observed := tv.GT[hapIdx]; observed >= 0 {
				hmm.condition(hmm.backward, hmm.backwardNorecom, block.Variants()[v].GT, observed, tv.Err, tv.AF)
			}
			if v > 0 {
				hmm.backScratch = resizeFloats(hmm.backScratch, nUniq)
				hmm.backScratchNorecom = resizeFloats(hmm.backScratchNorecom, nUniq)
				hmm.transpose(hmm.backward, hmm.backScratch, hmm.backwardNorecom, hmm.backScratchNorecom,
					cards, float64(tarVariants[g-1].Recom), nTemplates)
				hmm.backward, hmm.backScratch = hmm.backScratch, hmm.backward
				hmm.backwardNorecom, hmm.backScratchNorecom = hmm.backScratchNorecom, hmm.backwardNorecom
			}
			g--
		}
	}
	if g != -1 {
		panic(fmt.Sprintf("backward traversal stopped at typed variant %d", g))
	}
	// Everything left of the first typed variant was handled by the final
	// impute call; the iterator must be exhausted.
	if fullItr.Valid() {
		panic("full reference variants remained unimputed")
	}
}

// binDosage discretizes a dosage into 1/hmmBinScalar steps and clamps it
// into [0,1].
func binDosage(d float64) float32 {
	if math.IsNaN(d) {
		return float32(math.NaN())
	}
	if d < 0 {
		d = 0
	} else if d > 1 {
		d = 1
	}
	return float32(math.Round(d*hmmBinScalar)) / hmmBinScalar
}

// impute handles one typed site: the typed-site dosage and leave-one-out
// dosage, plus every untyped full-reference variant between this typed
// anchor and the one already processed to its right.
func (hmm *hiddenMarkovModel) impute(tarVariants []targetVariant, g, b, v, hapIdx, outIdx int, reverseMaps [][][]int, output *fullDosagesResults, fullItr *haplotypeIterator, block *uniqueHaplotypeBlock) {
	tv := &tarVariants[g]
	left := hmm.forwardProbs[b][v]
	right := hmm.backward
	templateGT := block.Variants()[v].GT

	// Posterior per unique column: left · right · constants.
	hmm.posterior = resizeFloats(hmm.posterior, len(left))
	floats.MulTo(hmm.posterior, left, right)
	floats.Mul(hmm.posterior, hmm.constants)
	probSum := floats.Sum(hmm.posterior)
	bestU := floats.MaxIdx(hmm.posterior)
	altSum := 0.0
	for u, a := range templateGT {
		if a == 1 {
			altSum += hmm.posterior[u]
		}
	}
	if probSum <= 0 {
		// Complete underflow even after precision jumps would be an
		// internal inconsistency.
		panic(fmt.Sprintf("posterior probability sum vanished at typed site %d", g))
	}
	dose := altSum / probSum

	// Leave-one-out dosage: divide this site's emission factor back out of
	// the forward contribution before renormalizing.
	looDose := dose
	if observed := tv.GT[hapIdx]; observed >= 0 {
		freq := float64(tv.AF)
		if observed == 0 {
			freq = 1 - float64(tv.AF)
		}
		prandom := float64(tv.Err)*freq + hmm.backgroundError
		pmatch := (1 - float64(tv.Err)) + prandom
		looProbSum, looAltSum := 0.0, 0.0
		for u, a := range templateGT {
			f := prandom
			if a == observed {
				f = pmatch
			}
			p := hmm.posterior[u] / f
			looProbSum += p
			if a == 1 {
				looAltSum += p
			}
		}
		if looProbSum > 0 {
			looDose = looAltSum / looProbSum
		}
	}
	if dose < -1e-3 || dose > 1+1e-3 {
		panic(fmt.Sprintf("typed-site dosage %f outside [0,1]", dose))
	}
	output.SetLooDosage(g, outIdx, binDosage(looDose))

	// Select the S3 state set for untyped-site imputation: columns holding
	// at least probThreshold of the posterior mass, always including the
	// best column.
	hmm.bestS3Haps = hmm.bestS3Haps[:0]
	hmm.bestS3Probs = hmm.bestS3Probs[:0]
	for u := range hmm.posterior {
		p := hmm.posterior[u] / probSum
		if p >= hmm.probThreshold || u == bestU {
			hmm.bestS3Haps = append(hmm.bestS3Haps, u)
			hmm.bestS3Probs = append(hmm.bestS3Probs, p)
		}
	}

	// When the state set matches the previous anchor's within
	// diffThreshold, the expanded S1 set (and any S2 projection built from
	// it) is still usable; otherwise rebuild it.
	if !hmm.s1Valid || b != hmm.prevS3Block || !sameStateSet(hmm.bestS3Haps, hmm.bestS3Probs, hmm.prevS3Haps, hmm.prevS3Probs, hmm.diffThreshold) {
		hmm.prevS3Block = b
		hmm.prevS3Haps = append(hmm.prevS3Haps[:0], hmm.bestS3Haps...)
		hmm.prevS3Probs = append(hmm.prevS3Probs[:0], hmm.bestS3Probs...)

		// S3 → S1: expand the selected columns to expanded haplotypes.
		leftJ := hmm.junctionProbProportions[b]
		rightJ := hmm.backwardJunction
		hmm.bestS1Haps = hmm.bestS1Haps[:0]
		hmm.bestS1Probs = hmm.bestS1Probs[:0]
		for k, u := range hmm.bestS3Haps {
			if hmm.constants[u] == 0 {
				continue
			}
			colP := hmm.bestS3Probs[k] / hmm.constants[u]
			for _, i := range reverseMaps[b][u] {
				p := colP * leftJ[i] * rightJ[i]
				if hmm.s1ProbThreshold > 0 && p < hmm.s1ProbThreshold {
					continue
				}
				hmm.bestS1Haps = append(hmm.bestS1Haps, i)
				hmm.bestS1Probs = append(hmm.bestS1Probs, p)
			}
		}
		hmm.s1Valid = true
		hmm.s2BlockIdx = -1 // state set changed; invalidate the S2 cache
	}

	typedDose := binDosage(dose)

	// Walk the full reference backward: untyped variants right of this
	// typed site are imputed from this anchor's state; the typed site
	// itself gets the direct dosage.
	for fullItr.Valid() {
		fv := fullItr.Variant()
		if fv.Pos < tv.Pos {
			break
		}
		if fv.Pos == tv.Pos && fv.Ref == tv.Ref && fv.Alt == tv.Alt {
			output.SetDosage(fullItr.GlobalIdx(), outIdx, typedDose)
			*fullItr = fullItr.Prev()
			break
		}
		hmm.imputeUntyped(fv, *fullItr, tv, outIdx, output)
		*fullItr = fullItr.Prev()
	}
	if g == 0 {
		for fullItr.Valid() {
			hmm.imputeUntyped(fullItr.Variant(), *fullItr, tv, outIdx, output)
			*fullItr = fullItr.Prev()
		}
	}
}

// sameStateSet reports whether two S3 state sets select the same columns
// with probabilities differing by less than diffThreshold.
func sameStateSet(haps []int, probs []float64, prevHaps []int, prevProbs []float64, diffThreshold float64) bool {
	if len(haps) != len(prevHaps) {
		return false
	}
	for i := range haps {
		if haps[i] != prevHaps[i] {
			return false
		}
		if math.Abs(probs[i]-prevProbs[i]) >= diffThreshold {
			return false
		}
	}
	return true
}

// imputeUntyped maps the anchor's S1 state set through the full-reference
// block's unique map (S1 → S2) and doses the untyped variant, spreading any
// probability mass not covered by the state set according to the reference
// allele frequency.
func (hmm *hiddenMarkovModel) imputeUntyped(fv *referenceVariant, fullItr haplotypeIterator, anchor *targetVariant, outIdx int, output *fullDosagesResults) {
	fullBlock := fullItr.Block()
	if fullItr.BlockIdx() != hmm.s2BlockIdx {
		uniqMap := fullBlock.UniqueMap()
		hmm.s2Probs = resizeFloats(hmm.s2Probs, fullBlock.UniqueHaplotypeSize())
		zeroFloats(hmm.s2Probs)
		if cap(hmm.s2Cardinalities) < len(hmm.s2Probs) {
			hmm.s2Cardinalities = make([]int, len(hmm.s2Probs))
		}
		hmm.s2Cardinalities = hmm.s2Cardinalities[:len(hmm.s2Probs)]
		for i := range hmm.s2Cardinalities {
			hmm.s2Cardinalities[i] = 0
		}
		covered := 0.0
		coveredCnt := 0
		for k, i := range hmm.bestS1Haps {
			c := uniqMap[i]
			if c == uniqueMapEOV {
				continue
			}
			hmm.s2Probs[c] += hmm.bestS1Probs[k]
			hmm.s2Cardinalities[c]++
			covered += hmm.bestS1Probs[k]
			coveredCnt++
		}
		hmm.s2CoveredProb = covered
		hmm.s2CoveredCnt = coveredCnt
		hmm.s2BlockIdx = fullItr.BlockIdx()
	}

	nTemplates := expandedCount(fullBlock)
	coveredAlt := 0
	altProb := 0.0
	for c, p := range hmm.s2Probs {
		if fv.GT[c] == 1 {
			altProb += p
			coveredAlt += hmm.s2Cardinalities[c]
		}
	}
	dose := altProb
	if rem := 1 - hmm.s2CoveredProb; rem > 0 && nTemplates > hmm.s2CoveredCnt {
		af := float64(fv.AC-coveredAlt) / float64(nTemplates-hmm.s2CoveredCnt)
		if af < 0 {
			af = 0
		}
		dose += rem * af
	}
	if hmm.decay > 0 && !math.IsNaN(fv.CM) && !math.IsNaN(anchor.CM) {
		dist := math.Abs(fv.CM - anchor.CM)
		factor := math.Exp(-hmm.decay * dist)
		af := float64(fv.AC) / float64(nTemplates)
		dose = af + (dose-af)*factor
	}
	output.SetDosage(fullItr.GlobalIdx(), outIdx, binDosage(dose))
}
