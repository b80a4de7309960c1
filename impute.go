// Copyright (C) The Impute Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package impute

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
)

// imputation orchestrates per-chunk work: load, HMM fan-out, spill, merge.
type imputation struct {
	totalInputTime  time.Duration
	totalImputeTime time.Duration
	totalOutputTime time.Duration
}

func (im *imputation) recordInput(d time.Duration) time.Duration {
	im.totalInputTime += d
	return d
}

func (im *imputation) recordImpute(d time.Duration) time.Duration {
	im.totalImputeTime += d
	return d
}

func (im *imputation) recordOutput(d time.Duration) time.Duration {
	im.totalOutputTime += d
	return d
}

// ImputeChunk runs the full pipeline for one impute region. Only the
// per-haplotype HMM loop is parallel; everything else stays on the calling
// goroutine.
func (im *imputation) ImputeChunk(imputeRegion genomicRegion, args *progArgs, output *dosageWriter) error {
	extendedFrom := imputeRegion.From - args.overlap
	if extendedFrom < 1 {
		extendedFrom = 1
	}
	extendedRegion := genomicRegion{Chrom: imputeRegion.Chrom, From: extendedFrom, To: imputeRegion.To + args.overlap}

	log.Infof("Imputing %s:%d-%d ...", imputeRegion.Chrom, imputeRegion.From, imputeRegion.To)

	log.Info("Loading target haplotypes ...")
	start := time.Now()
	var sampleIDs []string
	var targetSites []targetVariant
	if err := loadTargetHaplotypes(args.tarPath, extendedRegion, &targetSites, &sampleIDs); err != nil {
		return fmt.Errorf("failed loading target haplotypes: %w", err)
	}
	log.Infof("Loading target haplotypes took %v", im.recordInput(time.Since(start)))

	log.Info("Loading reference haplotypes ...")
	start = time.Now()
	typedOnly := newReducedHaplotypes(16, 512)
	full := newReducedHaplotypes(1, maxRegionPos)
	var mf *geneticMapFile
	if args.mapPath != "" {
		var err error
		mf, err = newGeneticMapFile(args.mapPath, imputeRegion.Chrom)
		if err != nil {
			return err
		}
		defer mf.Close()
	}
	if err := loadReferenceHaplotypes(args.refPath, extendedRegion, imputeRegion, args.sampleIDs, targetSites, typedOnly, full, mf, args.minRecom, args.errorParam, args.legacyRecom); err != nil {
		return fmt.Errorf("failed loading reference haplotypes: %w", err)
	}
	log.Infof("Loading reference haplotypes took %v", im.recordInput(time.Since(start)))

	targetOnlySites := separateTargetOnlyVariants(&targetSites)

	if full.VariantSize() == 0 {
		log.Infof("Notice: skipping empty region in reference (%s:%d-%d)", imputeRegion.Chrom, imputeRegion.From, imputeRegion.To)
		if args.allTypedSites && len(targetOnlySites) > 0 {
			nTarHaps := len(targetOnlySites[0].GT)
			if err := output.WriteDosages(&fullDosagesResults{}, nil, targetOnlySites, [2]int{0, nTarHaps}, full, imputeRegion); err != nil {
				return fmt.Errorf("failed writing output: %w", err)
			}
		}
		return nil
	}

	tarRefRatio := float64(typedOnly.VariantSize()) / float64(full.VariantSize())
	log.Infof("Typed sites to imputed sites ratio: %g (%d/%d)", tarRefRatio, typedOnly.VariantSize(), full.VariantSize())
	if tarRefRatio < float64(args.minRatio) {
		if args.failMinRatio {
			return fmt.Errorf("not enough target variants are available to impute this chunk; the --min-ratio, --chunk, or --region options may need to be altered")
		}
		log.Warn("not enough target variants are available to impute this chunk. The --min-ratio, --chunk, or --region options may need to be altered.")
		log.Warnf("skipping chunk %s:%d-%d", imputeRegion.Chrom, imputeRegion.From, imputeRegion.To)
		return nil
	}

	if len(targetOnlySites) > 0 {
		cnt := 0
		for i := range targetOnlySites {
			if imputeRegion.contains(targetOnlySites[i].Pos) {
				cnt++
			}
		}
		if args.allTypedSites {
			log.Infof("%d variants are exclusive to target file and will be included in output", cnt)
		} else {
			log.Infof("%d variants are exclusive to target file and will be excluded from output", cnt)
			targetOnlySites = nil
		}
	}

	if len(targetSites) == 0 {
		return fmt.Errorf("no target variants")
	}

	reverseMaps := generateReverseMaps(typedOnly)

	log.Infof("Running HMM with %d threads ...", args.threads)
	hmms := make([]*hiddenMarkovModel, args.threads)
	for i := range hmms {
		hmms[i] = newHiddenMarkovModel(args.probThreshold, args.probThresholdS1, args.diffThreshold, 1e-5, float64(args.decay))
	}

	nHaps := len(targetSites[0].GT)
	ploidy := nHaps / len(sampleIDs)
	if ploidy == 0 || nHaps%len(sampleIDs) != 0 {
		return fmt.Errorf("target genotype vector (%d) is not divisible by sample count (%d)", nHaps, len(sampleIDs))
	}
	bufferSize := args.tempBuffer * ploidy

	var results fullDosagesResults
	groupCols := bufferSize
	if nHaps < groupCols {
		groupCols = nHaps
	}
	results.Resize(full.VariantSize(), len(targetSites), groupCols)

	var tempFiles, tempEmpFiles []*os.File
	var imputeTime, tempWriteTime time.Duration

	for i := 0; i < nHaps; i += bufferSize {
		groupSize := bufferSize
		if nHaps-i < groupSize {
			groupSize = nHaps - i
			results.ResizeColumns(groupSize)
		}
		if i > 0 {
			results.FillEOV()
		}

		start = time.Now()
		err := parallelFor(i, i+groupSize, args.threads, func(thread, h int) {
			if targetSites[0].GT[h] == int8EOV {
				return // sample has fewer haplotypes
			}
			hmms[thread].TraverseForward(typedOnly.Blocks(), targetSites, h)
			hmms[thread].TraverseBackward(typedOnly.Blocks(), targetSites, h, h%bufferSize, reverseMaps, &results, full)
		})
		imputeTime += time.Since(start)
		if err != nil {
			return err
		}

		if args.numpyPrefix != "" {
			path := fmt.Sprintf("%s%s_%d_%d.npy", args.numpyPrefix, imputeRegion.Chrom, imputeRegion.From, i/bufferSize)
			if err := writeNumpyDosages(path, &results); err != nil {
				return err
			}
		}

		if nHaps > bufferSize {
			start = time.Now()
			group := i / bufferSize
			f, rd, err := createUnlinkedTemp(args.tempPrefix, group, "")
			if err != nil {
				return err
			}
			tempFiles = append(tempFiles, rd)
			var empF *os.File
			if args.empOutPath != "" {
				var empRd *os.File
				empF, empRd, err = createUnlinkedTemp(args.tempPrefix, group, "_emp")
				if err != nil {
					f.Close()
					return err
				}
				tempEmpFiles = append(tempEmpFiles, empRd)
			}
			groupSamples := sampleIDs[i/ploidy : (i+groupSize)/ploidy]
			var tempOut *dosageWriter
			if empF != nil {
				tempOut, err = newTempDosageWriter(f, empF, groupSamples, imputeRegion.Chrom, ploidy)
			} else {
				tempOut, err = newTempDosageWriter(f, nil, groupSamples, imputeRegion.Chrom, ploidy)
			}
			if err != nil {
				return err
			}
			if err := tempOut.WriteDosages(&results, targetSites, targetOnlySites, [2]int{i, i + groupSize}, full, imputeRegion); err != nil {
				return fmt.Errorf("failed writing temp output: %w", err)
			}
			if err := tempOut.Close(); err != nil {
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			if empF != nil {
				if err := empF.Close(); err != nil {
					return err
				}
			}
			tempWriteTime += time.Since(start)
			log.Infof("Completed %d of %d samples", (i+groupSize)/ploidy, len(sampleIDs))
		}
	}
	log.Infof("Running HMM took %v", im.recordImpute(imputeTime))

	if len(tempFiles) > 0 {
		log.Infof("Writing temp files took %v", im.recordOutput(tempWriteTime))
		log.Info("Merging temp files ...")
		start = time.Now()
		readers := make([]*m4savReader, len(tempFiles))
		for i, f := range tempFiles {
			var err error
			readers[i], err = newM4savReader(f)
			if err != nil {
				return fmt.Errorf("failed reopening temp file: %w", err)
			}
		}
		empReaders := make([]*m4savReader, len(tempEmpFiles))
		for i, f := range tempEmpFiles {
			var err error
			empReaders[i], err = newM4savReader(f)
			if err != nil {
				return fmt.Errorf("failed reopening temp file: %w", err)
			}
		}
		if err := output.MergeTempFiles(readers, empReaders); err != nil {
			return fmt.Errorf("failed merging temp files: %w", err)
		}
		for _, f := range tempFiles {
			f.Close()
		}
		for _, f := range tempEmpFiles {
			f.Close()
		}
		log.Infof("Merging temp files took %v", im.recordOutput(time.Since(start)))
	} else {
		log.Info("Writing output ...")
		start = time.Now()
		if err := output.WriteDosages(&results, targetSites, targetOnlySites, [2]int{0, nHaps}, full, imputeRegion); err != nil {
			return fmt.Errorf("failed writing output: %w", err)
		}
		log.Infof("Writing output took %v", im.recordOutput(time.Since(start)))
	}

	if mean, n := output.MeanEmpiricalR2(); n > 0 && !math.IsNaN(mean) {
		log.Infof("Mean empirical R-square over %d typed variants: %f", n, mean)
	}
	return nil
}

// createUnlinkedTemp creates a spill file plus a second read handle on the
// same inode, then unlinks the path so the file vanishes on any exit path.
func createUnlinkedTemp(tempPrefix string, group int, tag string) (w, r *os.File, err error) {
	dir := filepath.Dir(tempPrefix + "x")
	base := filepath.Base(tempPrefix + "x")
	base = base[:len(base)-1]
	f, err := os.CreateTemp(dir, base+strconv.Itoa(group)+tag+"_*")
	if err != nil {
		return nil, nil, fmt.Errorf("could not open temp file (%s): %w", tempPrefix, err)
	}
	rd, err := os.Open(f.Name())
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, nil, err
	}
	if err := os.Remove(f.Name()); err != nil {
		f.Close()
		rd.Close()
		return nil, nil, err
	}
	return f, rd, nil
}
