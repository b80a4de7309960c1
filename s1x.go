// Copyright (C) The Impute Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package impute

import (
	"os"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// The .s1x sidecar index is a small SQLite database next to an m4sav
// reference panel: one row per contig with its extent, and one row per
// haplotype block with the byte offset of its frame, so region queries can
// seek straight to the first overlapping block.

var s1xSchema = []string{
	`CREATE TABLE contigs (
	chrom TEXT PRIMARY KEY,
	min_pos INTEGER NOT NULL,
	max_pos INTEGER NOT NULL,
	n_variants INTEGER NOT NULL
)`,
	`CREATE TABLE blocks (
	chrom TEXT NOT NULL,
	start_pos INTEGER NOT NULL,
	end_pos INTEGER NOT NULL,
	n_variants INTEGER NOT NULL,
	n_reps INTEGER NOT NULL,
	file_offset INTEGER NOT NULL
)`,
	`CREATE INDEX blocks_region ON blocks (chrom, start_pos, end_pos)`,
}

type s1xContig struct {
	Chrom     string `db:"chrom"`
	MinPos    int    `db:"min_pos"`
	MaxPos    int    `db:"max_pos"`
	NVariants int    `db:"n_variants"`
}

type s1xBlock struct {
	Chrom      string `db:"chrom"`
	StartPos   int    `db:"start_pos"`
	EndPos     int    `db:"end_pos"`
	NVariants  int    `db:"n_variants"`
	NReps      int    `db:"n_reps"`
	FileOffset int64  `db:"file_offset"`
}

func s1xPath(refPath string) string { return refPath + ".s1x" }

// writeS1X (re)creates the index file for the given block entries.
func writeS1X(path string, entries []blockIndexEntry) error {
	_ = os.Remove(path)
	db, err := sqlx.Connect("sqlite", "file:"+path)
	if err != nil {
		return err
	}
	defer db.Close()
	for _, stmt := range s1xSchema {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	tx, err := db.Beginx()
	if err != nil {
		return err
	}
	contigs := map[string]*s1xContig{}
	var order []string
	for _, e := range entries {
		if _, err := tx.Exec(
			`INSERT INTO blocks (chrom, start_pos, end_pos, n_variants, n_reps, file_offset) VALUES (?, ?, ?, ?, ?, ?)`,
			e.Chrom, e.StartPos, e.EndPos, e.NVariants, e.NReps, e.FileOffset); err != nil {
			tx.Rollback()
			return err
		}
		c := contigs[e.Chrom]
		if c == nil {
			c = &s1xContig{Chrom: e.Chrom, MinPos: e.StartPos, MaxPos: e.EndPos}
			contigs[e.Chrom] = c
			order = append(order, e.Chrom)
		}
		if e.StartPos < c.MinPos {
			c.MinPos = e.StartPos
		}
		if e.EndPos > c.MaxPos {
			c.MaxPos = e.EndPos
		}
		c.NVariants += e.NVariants
	}
	for _, chrom := range order {
		c := contigs[chrom]
		if _, err := tx.Exec(
			`INSERT INTO contigs (chrom, min_pos, max_pos, n_variants) VALUES (?, ?, ?, ?)`,
			c.Chrom, c.MinPos, c.MaxPos, c.NVariants); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

type s1xIndex struct {
	db *sqlx.DB
}

func openS1X(path string) (*s1xIndex, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	db, err := sqlx.Connect("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, err
	}
	return &s1xIndex{db: db}, nil
}

func (ix *s1xIndex) Close() error { return ix.db.Close() }

func (ix *s1xIndex) Contigs() ([]s1xContig, error) {
	var out []s1xContig
	err := ix.db.Select(&out, `SELECT * FROM contigs ORDER BY rowid`)
	return out, err
}

// BlocksOverlapping returns index entries for blocks intersecting the
// region, in file order.
func (ix *s1xIndex) BlocksOverlapping(reg genomicRegion) ([]s1xBlock, error) {
	var out []s1xBlock
	err := ix.db.Select(&out,
		`SELECT * FROM blocks WHERE chrom = ? AND start_pos <= ? AND end_pos >= ? ORDER BY file_offset`,
		reg.Chrom, reg.To, reg.From)
	return out, err
}

// describeContigs is used in "requires --region" error messages.
func describeContigs(contigs []s1xContig) string {
	names := make([]string, 0, len(contigs))
	for _, c := range contigs {
		names = append(names, c.Chrom)
	}
	return strings.Join(names, ", ")
}
