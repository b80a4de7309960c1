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

	log "github.com/sirupsen/logrus"
)

// haldane converts a genetic distance in centimorgans into a meiotic
// recombination fraction.
func haldane(cm float64) float64 { return (1 - math.Exp(-cm/50)) / 2 }

// haldaneInverse converts a recombination fraction back into centimorgans.
func haldaneInverse(recomProb float64) float64 { return 50 * math.Log(1/(1-2*recomProb)) }

// cmToSwitchProb converts a genetic distance into the probability that the
// hidden template switches between two adjacent positions.
func cmToSwitchProb(cm float64) float64 { return 1 - math.Exp(-cm/100) }

// cmToSwitchProbDecay is cmToSwitchProb scaled by a decay rate λ.
func cmToSwitchProbDecay(cm, decayRate float64) float64 {
	return 1 - math.Exp(-decayRate*cm/100)
}

func switchProbToCM(recomProb float64) float64 { return 100 * math.Log(1/(1-recomProb)) }

type mapRecord struct {
	chrom    string
	pos      int
	mapValue float64
}

// geneticMapFile is a forward-only centimorgan interpolator bound to one
// chromosome. Queries must arrive in nondecreasing position order; the two
// buffered records advance as queries advance. An unusable file (missing
// chromosome, fewer than two records, malformed header) still yields a valid
// object whose InterpolateCentimorgan returns NaN.
type geneticMapFile struct {
	scanner     *bufio.Scanner
	closer      io.Closer
	targetChrom string
	prevRec     mapRecord
	curRec      mapRecord
	good        bool
	newFormat   bool
}

// newGeneticMapFile opens a genetic map file and buffers the first two
// records for chrom. The three-column format (chrom pos cM) is detected from
// a #-prefixed header line; otherwise the legacy four-column format
// (chrom _ cM pos) is assumed.
func newGeneticMapFile(path, chrom string) (*geneticMapFile, error) {
	rdr, err := openInput(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %s", path, err)
	}
	m := &geneticMapFile{
		scanner:     bufio.NewScanner(rdr),
		closer:      rdr,
		targetChrom: chrom,
	}
	m.scanner.Buffer(make([]byte, 0, 1<<16), 1<<20)

	first := true
	for m.scanner.Scan() {
		line := m.scanner.Text()
		if len(line) == 0 {
			continue
		}
		if line[0] == '#' {
			if first {
				m.newFormat = true
			}
			first = false
			continue
		}
		first = false
		var rec mapRecord
		if !m.parseLine(line, &rec) {
			return m, nil // malformed file: good stays false
		}
		if rec.chrom != chrom {
			continue
		}
		if !m.good && m.prevRec.chrom == "" {
			m.prevRec = rec
			continue
		}
		m.curRec = rec
		m.good = true
		break
	}
	if !m.good {
		log.Warnf("%s: no usable records for chromosome %s; centimorgan interpolation disabled", path, chrom)
	}
	return m, nil
}

func (m *geneticMapFile) Close() error {
	if m.closer == nil {
		return nil
	}
	err := m.closer.Close()
	m.closer = nil
	return err
}

func (m *geneticMapFile) Good() bool { return m.good }

func (m *geneticMapFile) parseLine(line string, rec *mapRecord) bool {
	fields := strings.Fields(line)
	var err error
	if m.newFormat {
		if len(fields) < 3 {
			return false
		}
		rec.chrom = fields[0]
		if rec.pos, err = strconv.Atoi(fields[1]); err != nil {
			return false
		}
		if rec.mapValue, err = strconv.ParseFloat(fields[2], 64); err != nil {
			return false
		}
	} else {
		if len(fields) < 4 {
			return false
		}
		rec.chrom = fields[0]
		if rec.mapValue, err = strconv.ParseFloat(fields[2], 64); err != nil {
			return false
		}
		if rec.pos, err = strconv.Atoi(fields[3]); err != nil {
			return false
		}
	}
	return rec.chrom != ""
}

func (m *geneticMapFile) readRecord(rec *mapRecord) bool {
	for m.scanner.Scan() {
		line := m.scanner.Text()
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		if !m.parseLine(line, rec) {
			return false
		}
		if rec.chrom != m.targetChrom {
			return false // past the target chromosome's records
		}
		return true
	}
	return false
}

// InterpolateCentimorgan returns the cM value at pos by linear interpolation
// between the two buffered records, advancing the buffer forward as needed.
// Positions before the first record extrapolate from the first record's
// average rate; positions after the last record extrapolate with the last
// observed local rate.
func (m *geneticMapFile) InterpolateCentimorgan(pos int) float64 {
	if !m.good {
		return math.NaN()
	}
	if pos < m.prevRec.pos {
		if m.prevRec.pos == 0 {
			return m.prevRec.mapValue
		}
		basepairCM := m.prevRec.mapValue / float64(m.prevRec.pos)
		return float64(pos) * basepairCM
	}
	for pos > m.curRec.pos {
		var rec mapRecord
		if !m.readRecord(&rec) {
			// Off the end of the map: extend with the last local rate.
			basepairCM := (m.curRec.mapValue - m.prevRec.mapValue) / float64(m.curRec.pos-m.prevRec.pos)
			return m.curRec.mapValue + float64(pos-m.curRec.pos)*basepairCM
		}
		m.prevRec, m.curRec = m.curRec, rec
	}
	if m.curRec.pos == m.prevRec.pos {
		return m.curRec.mapValue
	}
	frac := float64(pos-m.prevRec.pos) / float64(m.curRec.pos-m.prevRec.pos)
	return m.prevRec.mapValue + frac*(m.curRec.mapValue-m.prevRec.mapValue)
}
