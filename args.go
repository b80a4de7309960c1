// Copyright (C) The Impute Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package impute

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

type progArgs struct {
	refPath      string
	tarPath      string
	mapPath      string
	outPath      string
	tempPrefix   string
	prefix       string
	empOutPath   string
	sitesOutPath string
	numpyPrefix  string

	outFormatName string
	outFormat     outputFormat

	fmtFieldsArg string
	fmtFields    []string

	sampleIDsArg  string
	sampleIDsFile string
	sampleIDs     map[string]bool

	regionArg string
	region    genomicRegion

	tempBuffer   int
	minBlockSize int
	maxBlockSize int
	slopeUnit    int
	chunkSize    int
	overlap      int
	threads      int

	decay           float32
	minR2           float32
	minRatio        float32
	minRatioArg     string
	probThreshold   float32
	probThresholdS1 float32
	diffThreshold   float32
	minRecom        float32
	errorParam      float32

	allTypedSites     bool
	updateM3vcf       bool
	compressReference bool
	failMinRatio      bool
	legacyRecom       bool
	loglevel          string

	help    bool
	version bool

	// bound during registerFlags; applies clamped numeric options
	postParse func(io.Writer) error

	// true when the flag package already reported the parse error
	parsePrinted bool

	// deprecated option landing zones
	depAllTypedSites bool
	depRSID          bool
	depMeta          bool
	depNoPhoneHome   bool
	depRefEstimates  bool
	depHaps          string
	depRefHaps       string
	depChr           string
	depStart         int
	depEnd           int
	depWindow        int
	depChunkLenMb    int
	depChunkOvlMb    int
	depCPUs          int
	depMinRatio      string
	depMapFile       string
}

func newProgArgs() *progArgs {
	return &progArgs{
		outPath:         "/dev/stdout",
		outFormatName:   "sav",
		fmtFieldsArg:    "HDS",
		tempBuffer:      200,
		minBlockSize:    10,
		maxBlockSize:    0xFFFF,
		slopeUnit:       10,
		chunkSize:       20000000,
		overlap:         3000000,
		threads:         1,
		minR2:           -1,
		minRatio:        1e-4,
		probThreshold:   0.01,
		probThresholdS1: -1,
		diffThreshold:   0.01,
		minRecom:        1e-5,
		errorParam:      0.01,
		failMinRatio:    true,
		loglevel:        "info",
	}
}

func (a *progArgs) registerFlags(flags *flag.FlagSet) {
	flags.BoolVar(&a.allTypedSites, "a", false, "include sites that exist only in the target VCF in the output")
	flags.BoolVar(&a.allTypedSites, "all-typed-sites", false, "include sites that exist only in the target VCF in the output")
	flags.IntVar(&a.tempBuffer, "b", 200, "number of samples to impute before writing to temporary files")
	flags.IntVar(&a.tempBuffer, "temp-buffer", 200, "number of samples to impute before writing to temporary files")
	flags.IntVar(&a.chunkSize, "c", 20000000, "maximum chunk length in base pairs to impute at once")
	flags.IntVar(&a.chunkSize, "chunk", 20000000, "maximum chunk length in base pairs to impute at once")
	flags.StringVar(&a.empOutPath, "e", "", "output path for empirical dosages")
	flags.StringVar(&a.empOutPath, "empirical-output", "", "output path for empirical dosages")
	flags.StringVar(&a.fmtFieldsArg, "f", "HDS", "comma-separated list of format fields to generate (GT, HDS, DS, GP, or SD)")
	flags.StringVar(&a.fmtFieldsArg, "format", "HDS", "comma-separated list of format fields to generate (GT, HDS, DS, GP, or SD)")
	flags.StringVar(&a.mapPath, "m", "", "genetic map file")
	flags.StringVar(&a.mapPath, "map", "", "genetic map file")
	flags.StringVar(&a.outPath, "o", "/dev/stdout", "output path")
	flags.StringVar(&a.outPath, "output", "/dev/stdout", "output path")
	flags.StringVar(&a.outFormatName, "O", "sav", "output file format (bcf, sav, vcf.gz, ubcf, usav, or vcf)")
	flags.StringVar(&a.outFormatName, "output-format", "sav", "output file format (bcf, sav, vcf.gz, ubcf, usav, or vcf)")
	flags.StringVar(&a.regionArg, "r", "", "genomic region to impute (chrom or chrom:begin-end)")
	flags.StringVar(&a.regionArg, "region", "", "genomic region to impute (chrom or chrom:begin-end)")
	flags.StringVar(&a.sitesOutPath, "s", "", "output path for sites-only file")
	flags.StringVar(&a.sitesOutPath, "sites", "", "output path for sites-only file")
	flags.IntVar(&a.threads, "t", 1, "number of threads")
	flags.IntVar(&a.threads, "threads", 1, "number of threads")
	flags.IntVar(&a.overlap, "w", 3000000, "size (in base pairs) of overlap before and after the impute region to use as input to the HMM")
	flags.IntVar(&a.overlap, "overlap", 3000000, "size (in base pairs) of overlap before and after the impute region to use as input to the HMM")
	flags.BoolVar(&a.help, "h", false, "print usage")
	flags.BoolVar(&a.help, "help", false, "print usage")
	flags.BoolVar(&a.version, "v", false, "print version")
	flags.BoolVar(&a.version, "version", false, "print version")

	var decay, minR2, probThreshold, probThresholdS1, diffThreshold, minRecom, matchError float64
	flags.Float64Var(&decay, "decay", 0, "decay rate for dosages in flanking regions (default: disabled with 0)")
	flags.Float64Var(&minR2, "min-r2", -1, "minimum estimated r-square for output variants")
	flags.StringVar(&a.minRatioArg, "min-ratio", "1e-4", "minimum ratio of number of target sites to reference sites")
	minRatioBehavior := "fail"
	flags.StringVar(&minRatioBehavior, "min-ratio-behavior", "fail", `behavior for when --min-ratio is not met ("skip" or "fail")`)
	flags.Float64Var(&matchError, "match-error", 0.01, "error parameter for HMM match probabilities")
	flags.Float64Var(&minRecom, "min-recom", 1e-5, "minimum recombination probability")
	flags.Float64Var(&probThreshold, "prob-threshold", 0.01, "probability threshold used for template selection")
	flags.Float64Var(&probThresholdS1, "prob-threshold-s1", -1, "probability threshold used for template selection in original state space")
	flags.Float64Var(&diffThreshold, "diff-threshold", 0.01, "probability diff threshold used in template selection")
	flags.StringVar(&a.sampleIDsArg, "sample-ids", "", "comma-separated list of sample IDs to subset from reference panel")
	flags.StringVar(&a.sampleIDsFile, "sample-ids-file", "", "text file containing sample IDs to subset from reference panel (one per line)")
	flags.StringVar(&a.tempPrefix, "temp-prefix", "", "prefix path for temporary output files (default: ${TMPDIR}/m4_)")
	flags.BoolVar(&a.updateM3vcf, "update-m3vcf", false, "convert M3VCF to MVCF (default output: /dev/stdout)")
	flags.BoolVar(&a.compressReference, "compress-reference", false, "compress VCF to MVCF (default output: /dev/stdout)")
	flags.IntVar(&a.minBlockSize, "min-block-size", 10, "minimum block size for unique haplotype compression")
	flags.IntVar(&a.maxBlockSize, "max-block-size", 0xFFFF, "maximum block size for unique haplotype compression")
	flags.IntVar(&a.slopeUnit, "slope-unit", 10, "parameter for unique haplotype compression heuristic")
	flags.BoolVar(&a.legacyRecom, "legacy-recom", false, "aggregate recombination across untyped sites by per-site sums instead of cM differences")
	flags.StringVar(&a.numpyPrefix, "numpy-prefix", "", "also write per-group haplotype dosage matrices as <prefix><chunk>_<group>.npy")
	flags.StringVar(&a.loglevel, "loglevel", "info", "logging threshold (trace, debug, info, warn, error, fatal, or panic)")

	// Deprecated spellings, accepted with a warning.
	flags.BoolVar(&a.depAllTypedSites, "allTypedSites", false, "")
	flags.BoolVar(&a.depRSID, "rsid", false, "")
	flags.BoolVar(&a.depMeta, "meta", false, "")
	flags.BoolVar(&a.depNoPhoneHome, "noPhoneHome", false, "")
	flags.BoolVar(&a.depRefEstimates, "referenceEstimates", false, "")
	flags.StringVar(&a.depHaps, "haps", "", "")
	flags.StringVar(&a.depRefHaps, "refHaps", "", "")
	flags.StringVar(&a.prefix, "prefix", "", "")
	flags.StringVar(&a.depMapFile, "mapFile", "", "")
	flags.StringVar(&a.depChr, "chr", "", "")
	flags.IntVar(&a.depStart, "start", 0, "")
	flags.IntVar(&a.depEnd, "end", 0, "")
	flags.IntVar(&a.depWindow, "window", 0, "")
	flags.IntVar(&a.depChunkLenMb, "ChunkLengthMb", 0, "")
	flags.IntVar(&a.depChunkOvlMb, "ChunkOverlapMb", 0, "")
	flags.IntVar(&a.depCPUs, "cpus", 0, "")
	flags.StringVar(&a.depMinRatio, "minRatio", "", "")

	a.postParse = func(stderr io.Writer) error {
		a.decay = float32(decay)
		a.minR2 = float32(minR2)
		a.errorParam = float32(clampFloat(matchError, 0, 0.5))
		a.minRecom = float32(clampFloat(minRecom, 0, 0.5))
		a.probThreshold = float32(clampFloat(probThreshold, 0, 1))
		if probThresholdS1 > 1 {
			probThresholdS1 = 1
		}
		a.probThresholdS1 = float32(probThresholdS1)
		if diffThreshold < 0 {
			diffThreshold = 0
		}
		a.diffThreshold = float32(diffThreshold)
		a.failMinRatio = minRatioBehavior == "fail"
		return nil
	}
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Parse processes the command line, applying deprecated-option remaps and
// defaults. It returns flag.ErrHelp when usage was requested.
func (a *progArgs) Parse(arguments []string, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.Usage = func() {
		fmt.Fprintln(stderr, "Usage: impute [opts ...] <reference.msav> <target.{sav,bcf,vcf.gz}>")
		fmt.Fprintln(stderr, "       impute [opts ...] --update-m3vcf <reference.m3vcf.gz>")
		fmt.Fprintln(stderr, "       impute [opts ...] --compress-reference <reference.{sav,bcf,vcf.gz}>")
		flags.PrintDefaults()
	}
	a.registerFlags(flags)
	if err := flags.Parse(arguments); err != nil {
		a.parsePrinted = true
		return err
	}
	if err := a.postParse(stderr); err != nil {
		return err
	}
	if a.help {
		flags.Usage()
		return flag.ErrHelp
	}
	if a.version {
		return nil
	}

	if err := a.applyDeprecated(flags, stderr); err != nil {
		return err
	}

	var err error
	a.outFormat, err = parseOutputFormat(a.outFormatName)
	if err != nil {
		return err
	}

	a.fmtFields = nil
	for _, f := range strings.Split(a.fmtFieldsArg, ",") {
		switch f {
		case "GT", "GP", "DS", "HDS", "SD":
			a.fmtFields = append(a.fmtFields, f)
		default:
			return fmt.Errorf("invalid --format option (%s)", f)
		}
	}

	mr, err := strconv.ParseFloat(a.minRatioArg, 64)
	if err != nil {
		return fmt.Errorf("invalid --min-ratio (%s)", a.minRatioArg)
	}
	a.minRatio = float32(clampFloat(mr, 0, 1))

	a.sampleIDs = map[string]bool{}
	if a.sampleIDsArg != "" {
		for _, id := range strings.Split(a.sampleIDsArg, ",") {
			a.sampleIDs[id] = true
		}
	}
	if a.sampleIDsFile != "" {
		data, err := os.ReadFile(a.sampleIDsFile)
		if err != nil {
			return err
		}
		for _, id := range strings.Fields(string(data)) {
			a.sampleIDs[id] = true
		}
	}

	a.region, err = parseRegion(a.regionArg)
	if err != nil {
		return err
	}

	remaining := flags.Args()
	switch {
	case len(remaining) == 2:
		a.refPath = remaining[0]
		a.tarPath = remaining[1]
	case (a.updateM3vcf || a.compressReference) && len(remaining) == 1:
		a.refPath = remaining[0]
	case len(remaining) < 2:
		if a.refPath == "" || (a.tarPath == "" && !a.updateM3vcf && !a.compressReference) {
			return fmt.Errorf("too few arguments")
		}
	default:
		return fmt.Errorf("too many arguments")
	}

	if a.prefix != "" {
		suffix := "sav"
		switch {
		case a.outFormat.name == "bcf" || a.outFormat.name == "ubcf":
			suffix = "bcf"
		case a.outFormat.vcf:
			suffix = "vcf"
			if a.outFormat.compression > 0 {
				suffix += ".gz"
			}
		}
		a.outPath = a.prefix + ".dose." + suffix
		a.sitesOutPath = a.prefix + ".sites." + suffix
		if a.depMeta {
			a.empOutPath = a.prefix + ".empiricalDose." + suffix
		}
	}

	if a.tempPrefix == "" {
		if tmpdir := os.Getenv("TMPDIR"); tmpdir != "" {
			if !strings.HasSuffix(tmpdir, "/") {
				tmpdir += "/"
			}
			a.tempPrefix = tmpdir + "m4_"
		} else {
			a.tempPrefix = "/tmp/m4_"
		}
	}

	if a.empOutPath != "" && !containsString(a.fmtFields, "HDS") {
		a.fmtFields = append(a.fmtFields, "HDS")
	}
	if a.overlap < 1 {
		a.overlap = 1
	}
	if a.threads < 1 {
		a.threads = 1
	}
	return nil
}

func (a *progArgs) applyDeprecated(flags *flag.FlagSet, stderr io.Writer) error {
	set := map[string]bool{}
	flags.Visit(func(f *flag.Flag) { set[f.Name] = true })
	warn := func(old, new string) {
		if new == "" {
			fmt.Fprintf(stderr, "Warning: --%s is deprecated and ignored\n", old)
		} else {
			fmt.Fprintf(stderr, "Warning: --%s is deprecated in favor of %s\n", old, new)
		}
	}
	if set["allTypedSites"] {
		warn("allTypedSites", "--all-typed-sites")
		a.allTypedSites = true
	}
	if set["rsid"] {
		fmt.Fprintln(stderr, "Warning: --rsid is deprecated (on by default)")
	}
	if set["meta"] {
		warn("meta", "--empirical-output")
	}
	if set["noPhoneHome"] {
		warn("noPhoneHome", "")
	}
	if set["referenceEstimates"] {
		warn("referenceEstimates", "")
	}
	if set["haps"] {
		warn("haps", "positional target argument")
		a.tarPath = a.depHaps
	}
	if set["refHaps"] {
		warn("refHaps", "positional reference argument")
		a.refPath = a.depRefHaps
	}
	if set["prefix"] {
		warn("prefix", "--output, --empirical-output, and --sites")
		// Default to vcf.gz for consistency with previous behavior.
		if !set["O"] && !set["output-format"] {
			a.outFormatName = "vcf.gz"
		}
	}
	if set["mapFile"] {
		warn("mapFile", "--map")
		a.mapPath = a.depMapFile
	}
	if set["chr"] {
		warn("chr", "--region")
		a.regionArg = a.depChr + regionSuffix(a.depStart, a.depEnd)
	}
	if set["start"] || set["end"] {
		if !set["chr"] {
			return fmt.Errorf("--start/--end require --chr")
		}
		warn("start/end", "--region")
	}
	if set["window"] {
		warn("window", "--overlap")
		a.overlap = a.depWindow
	}
	if set["ChunkLengthMb"] {
		warn("ChunkLengthMb", "--chunk")
		a.chunkSize = a.depChunkLenMb * 1000000
	}
	if set["ChunkOverlapMb"] {
		warn("ChunkOverlapMb", "--overlap")
		a.overlap = a.depChunkOvlMb * 1000000
	}
	if set["cpus"] {
		warn("cpus", "--threads")
		a.threads = a.depCPUs
	}
	if set["minRatio"] {
		warn("minRatio", "--min-ratio")
		a.minRatioArg = a.depMinRatio
	}
	return nil
}

func regionSuffix(start, end int) string {
	if start == 0 && end == 0 {
		return ""
	}
	if end == 0 {
		return fmt.Sprintf(":%d-", start)
	}
	if start == 0 {
		start = 1
	}
	return fmt.Sprintf(":%d-%d", start, end)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// parseRegion parses chr, chr:pos, chr:from-to, and chr:from- forms.
func parseRegion(s string) (genomicRegion, error) {
	if s == "" {
		return genomicRegion{From: 1, To: maxRegionPos}, nil
	}
	colon := strings.IndexByte(s, ':')
	if colon < 0 {
		return wholeChromosome(s), nil
	}
	reg := wholeChromosome(s[:colon])
	rest := s[colon+1:]
	hyphen := strings.IndexByte(rest, '-')
	if hyphen < 0 {
		pos, err := strconv.Atoi(rest)
		if err != nil {
			return reg, fmt.Errorf("invalid region %q", s)
		}
		reg.From, reg.To = pos, pos
		return reg, nil
	}
	from, err := strconv.Atoi(rest[:hyphen])
	if err != nil {
		return reg, fmt.Errorf("invalid region %q", s)
	}
	reg.From = from
	if rest[hyphen+1:] != "" {
		to, err := strconv.Atoi(rest[hyphen+1:])
		if err != nil {
			return reg, fmt.Errorf("invalid region %q", s)
		}
		reg.To = to
	}
	return reg, nil
}
