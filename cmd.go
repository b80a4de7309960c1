// Copyright (C) The Impute Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package impute

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
	log "github.com/sirupsen/logrus"
)

const progVersion = "1.0.0"

func Main() {
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		log.StandardLogger().Formatter = &log.TextFormatter{DisableTimestamp: true}
	}
	os.Exit((&runner{}).RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

type runner struct{}

func (cmd *runner) RunCommand(prog string, argv []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()

	args := newProgArgs()
	if perr := args.Parse(argv, stderr); perr == flag.ErrHelp {
		return 0
	} else if perr != nil {
		if !args.parsePrinted {
			fmt.Fprintf(stderr, "%s\n", perr)
		}
		return 2
	}
	if args.version {
		fmt.Fprintf(stdout, "impute v%s\n", progVersion)
		return 0
	}

	lvl, lerr := log.ParseLevel(args.loglevel)
	if lerr != nil {
		err = lerr
		return 2
	}
	log.SetLevel(lvl)

	log.Infof("impute v%s", progVersion)

	if args.updateM3vcf {
		if err = convertOldM3vcf(args.refPath, args.outPath, args.mapPath); err != nil {
			return 1
		}
		return 0
	}
	if args.compressReference {
		if err = compressReferencePanel(args.refPath, args.outPath, args.minBlockSize, args.maxBlockSize, args.slopeUnit, args.mapPath); err != nil {
			return 1
		}
		return 0
	}

	if err = cmd.impute(args); err != nil {
		return 1
	}
	return 0
}

func (cmd *runner) impute(args *progArgs) error {
	chrom := args.region.Chrom
	endPos := args.region.To
	if err := statRefPanel(args.refPath, &chrom, &endPos); err != nil {
		return fmt.Errorf("could not stat reference file: %w", err)
	}

	sampleIDs, err := statTarPanel(args.tarPath)
	if err != nil {
		return fmt.Errorf("could not stat target file: %w", err)
	}

	ploidy, err := targetPloidy(args.tarPath, len(sampleIDs))
	if err != nil {
		return err
	}

	output, err := newDosageWriter(args.outPath, args.empOutPath, args.sitesOutPath, args.outFormat, sampleIDs, args.fmtFields, chrom, args.minR2, ploidy)
	if err != nil {
		return err
	}
	defer output.Close()

	im := imputation{}
	from := args.region.From
	if from < 1 {
		from = 1
	}
	for chunkStart := from; chunkStart <= endPos; chunkStart += args.chunkSize {
		chunkEnd := chunkStart + args.chunkSize - 1
		if chunkEnd > endPos {
			chunkEnd = endPos
		}
		reg := genomicRegion{Chrom: chrom, From: chunkStart, To: chunkEnd}
		if err := im.ImputeChunk(reg, args, output); err != nil {
			return err
		}
	}
	if err := output.Close(); err != nil {
		return err
	}

	log.Infof("Total time spent loading input: %v", im.totalInputTime)
	log.Infof("Total time spent imputing: %v", im.totalImputeTime)
	log.Infof("Total time spent writing output: %v", im.totalOutputTime)
	return nil
}

// targetPloidy peeks at the first target record to size per-sample dosage
// vectors; an empty target defaults to diploid.
func targetPloidy(tarPath string, nSamples int) (int, error) {
	rdr, err := newVCFReader(tarPath)
	if err != nil {
		return 0, err
	}
	defer rdr.Close()
	rec := rdr.Next()
	if rec == nil {
		if err := rdr.Err(); err != nil {
			return 0, err
		}
		return 2, nil
	}
	if nSamples == 0 || len(rec.GT)%nSamples != 0 {
		return 0, fmt.Errorf("%s: genotype vector is not divisible by sample count", tarPath)
	}
	return len(rec.GT) / nSamples, nil
}
