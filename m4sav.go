// Copyright (C) The Impute Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package impute

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/blake2b"
)

// m4sav is the blocked container format. After a magic string and a
// gob-encoded file header, the file is a sequence of self-contained frames,
// one frame per haplotype block (reference panels) or per batch of dosage
// records (dosage output and temp spill). Each frame carries a blake2b-256
// checksum of its payload and is compressed independently, so physical
// compression boundaries coincide with block boundaries and frames can be
// entered by byte offset from the .s1x index.
var m4savMagic = []byte("m4sav\x01")

const (
	frameKindBlock  = byte(1)
	frameKindDosage = byte(2)

	dosageBatchSize = 1024
)

type m4savFileHeader struct {
	Chrom       string
	SampleIDs   []string
	Ploidy      int
	Kind        string // "reference" or "dosage"
	Compression uint8  // 0 = stored, otherwise zstd level
}

type m4savBlockRecord struct {
	UniqueMap     []int64
	Cardinalities []int
	Variants      []m4savVariantRecord
}

type m4savVariantRecord struct {
	Chrom string
	Pos   int
	ID    string
	Ref   string
	Alt   string
	Err   float32
	Recom float32
	CM    float64
	AC    int
	GT    []int8
}

// dosageRecord is one output variant with per-haplotype dosages. Main temp
// spill records carry HDS plus the observed GT of typed sites; leave-one-out
// dosages go only to the empirical temp files. The merge recomputes summary
// fields over the full sample set.
type dosageRecord struct {
	Chrom     string
	Pos       int
	ID        string
	Ref       string
	Alt       string
	Imputed   bool
	Typed     bool
	TypedOnly bool

	// summary INFO fields, NaN until annotated by the final writer
	AF    float32
	MAF   float32
	AvgCS float32
	R2    float32
	ER2   float32

	HDS    []float32
	LooHDS []float32 // empirical output only
	GT     []int8    // observed alleles at typed and target-only sites
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

type m4savWriter struct {
	cw     *countingWriter
	hdr    m4savFileHeader
	enc    *zstd.Encoder
	batch  []dosageRecord
	offset []blockIndexEntry // accumulated for the .s1x index
}

type blockIndexEntry struct {
	Chrom      string
	StartPos   int
	EndPos     int
	NVariants  int
	NReps      int
	FileOffset int64
}

func newM4savWriter(w io.Writer, hdr m4savFileHeader) (*m4savWriter, error) {
	mw := &m4savWriter{cw: &countingWriter{w: w}, hdr: hdr}
	if hdr.Compression > 0 {
		var err error
		mw.enc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(int(hdr.Compression))))
		if err != nil {
			return nil, err
		}
	}
	if _, err := mw.cw.Write(m4savMagic); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(hdr); err != nil {
		return nil, err
	}
	var lenbuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenbuf[:], uint64(buf.Len()))
	if _, err := mw.cw.Write(lenbuf[:n]); err != nil {
		return nil, err
	}
	if _, err := mw.cw.Write(buf.Bytes()); err != nil {
		return nil, err
	}
	return mw, nil
}

func (mw *m4savWriter) writeFrame(kind byte, payload []byte) (int64, error) {
	offset := mw.cw.n
	sum := blake2b.Sum256(payload)
	data := payload
	if mw.enc != nil {
		data = mw.enc.EncodeAll(payload, nil)
	}
	var head [1 + 2*binary.MaxVarintLen64]byte
	head[0] = kind
	n := 1
	n += binary.PutUvarint(head[n:], uint64(len(data)))
	if _, err := mw.cw.Write(head[:n]); err != nil {
		return 0, err
	}
	if _, err := mw.cw.Write(sum[:]); err != nil {
		return 0, err
	}
	if _, err := mw.cw.Write(data); err != nil {
		return 0, err
	}
	return offset, nil
}

// WriteBlock writes one haplotype block as its own frame and records its
// index entry.
func (mw *m4savWriter) WriteBlock(b *uniqueHaplotypeBlock) error {
	if b.VariantSize() == 0 {
		return nil
	}
	rec := m4savBlockRecord{
		UniqueMap:     b.UniqueMap(),
		Cardinalities: b.Cardinalities(),
	}
	for _, v := range b.Variants() {
		rec.Variants = append(rec.Variants, m4savVariantRecord{
			Chrom: v.Chrom, Pos: v.Pos, ID: v.ID, Ref: v.Ref, Alt: v.Alt,
			Err: v.Err, Recom: v.Recom, CM: v.CM, AC: v.AC, GT: v.GT,
		})
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return err
	}
	offset, err := mw.writeFrame(frameKindBlock, buf.Bytes())
	if err != nil {
		return err
	}
	vars := b.Variants()
	mw.offset = append(mw.offset, blockIndexEntry{
		Chrom:      vars[0].Chrom,
		StartPos:   vars[0].Pos,
		EndPos:     vars[len(vars)-1].Pos,
		NVariants:  len(vars),
		NReps:      b.UniqueHaplotypeSize(),
		FileOffset: offset,
	})
	return nil
}

// WriteDosage appends one dosage record, flushing a frame per batch.
func (mw *m4savWriter) WriteDosage(rec dosageRecord) error {
	mw.batch = append(mw.batch, rec)
	if len(mw.batch) >= dosageBatchSize {
		return mw.flushBatch()
	}
	return nil
}

func (mw *m4savWriter) flushBatch() error {
	if len(mw.batch) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(mw.batch); err != nil {
		return err
	}
	mw.batch = mw.batch[:0]
	_, err := mw.writeFrame(frameKindDosage, buf.Bytes())
	return err
}

// BlockIndex returns the per-block index entries accumulated so far.
func (mw *m4savWriter) BlockIndex() []blockIndexEntry { return mw.offset }

func (mw *m4savWriter) Close() error {
	if err := mw.flushBatch(); err != nil {
		return err
	}
	if mw.enc != nil {
		mw.enc.Close()
	}
	return nil
}

type m4savReader struct {
	r      io.ReadSeeker
	closer io.Closer
	hdr    m4savFileHeader
	dec    *zstd.Decoder
	br     *bufio2

	dosageBuf []dosageRecord
	dosagePos int
}

// bufio2 is an unbuffered io.ByteReader: it reads one byte at a time from the
// underlying reader, so that reader's position stays exact for a Seek to a
// frame boundary from the index.
type bufio2 struct {
	r   io.Reader
	buf [1]byte
}

func (b *bufio2) ReadByte() (byte, error) {
	_, err := io.ReadFull(b.r, b.buf[:])
	return b.buf[0], err
}

func openM4sav(path string) (*m4savReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, err := newM4savReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.closer = f
	return r, nil
}

func newM4savReader(rs io.ReadSeeker) (*m4savReader, error) {
	r := &m4savReader{r: rs, br: &bufio2{r: rs}}
	magic := make([]byte, len(m4savMagic))
	if _, err := io.ReadFull(rs, magic); err != nil {
		return nil, err
	}
	if !bytes.Equal(magic, m4savMagic) {
		return nil, fmt.Errorf("not an m4sav file")
	}
	hlen, err := binary.ReadUvarint(r.br)
	if err != nil {
		return nil, err
	}
	hbuf := make([]byte, hlen)
	if _, err := io.ReadFull(rs, hbuf); err != nil {
		return nil, err
	}
	if err := gob.NewDecoder(bytes.NewReader(hbuf)).Decode(&r.hdr); err != nil {
		return nil, err
	}
	if r.hdr.Compression > 0 {
		r.dec, err = zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *m4savReader) Header() m4savFileHeader { return r.hdr }

func (r *m4savReader) Close() error {
	if r.dec != nil {
		r.dec.Close()
	}
	if r.closer != nil {
		err := r.closer.Close()
		r.closer = nil
		return err
	}
	return nil
}

// SeekToFrame positions the reader at a frame boundary (an offset from the
// .s1x index).
func (r *m4savReader) SeekToFrame(offset int64) error {
	_, err := r.r.Seek(offset, io.SeekStart)
	r.dosageBuf = nil
	r.dosagePos = 0
	return err
}

func (r *m4savReader) readFrame() (byte, []byte, error) {
	kind, err := r.br.ReadByte()
	if err == io.EOF {
		return 0, nil, io.EOF
	} else if err != nil {
		return 0, nil, err
	}
	dlen, err := binary.ReadUvarint(r.br)
	if err != nil {
		return 0, nil, err
	}
	var sum [32]byte
	if _, err := io.ReadFull(r.r, sum[:]); err != nil {
		return 0, nil, err
	}
	data := make([]byte, dlen)
	if _, err := io.ReadFull(r.r, data); err != nil {
		return 0, nil, err
	}
	payload := data
	if r.dec != nil {
		payload, err = r.dec.DecodeAll(data, nil)
		if err != nil {
			return 0, nil, err
		}
	}
	if blake2b.Sum256(payload) != sum {
		return 0, nil, fmt.Errorf("m4sav frame checksum mismatch")
	}
	return kind, payload, nil
}

// NextBlock returns the next haplotype block, or nil at EOF.
func (r *m4savReader) NextBlock() (*uniqueHaplotypeBlock, error) {
	kind, payload, err := r.readFrame()
	if err == io.EOF {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	if kind != frameKindBlock {
		return nil, fmt.Errorf("unexpected frame kind %d in reference container", kind)
	}
	var rec m4savBlockRecord
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&rec); err != nil {
		return nil, err
	}
	b := &uniqueHaplotypeBlock{
		uniqueMap:     rec.UniqueMap,
		cardinalities: rec.Cardinalities,
	}
	for _, v := range rec.Variants {
		if len(v.GT) != len(rec.Cardinalities) {
			return nil, fmt.Errorf("m4sav block variant %s:%d genotype size mismatch", v.Chrom, v.Pos)
		}
		b.variants = append(b.variants, referenceVariant{
			referenceSiteInfo: referenceSiteInfo{
				Chrom: v.Chrom, Pos: v.Pos, ID: v.ID, Ref: v.Ref, Alt: v.Alt,
				Err: v.Err, Recom: v.Recom, CM: v.CM,
			},
			AC: v.AC,
			GT: v.GT,
		})
	}
	return b, nil
}

// NextDosage returns the next dosage record, or nil at EOF.
func (r *m4savReader) NextDosage() (*dosageRecord, error) {
	for r.dosagePos >= len(r.dosageBuf) {
		kind, payload, err := r.readFrame()
		if err == io.EOF {
			return nil, nil
		} else if err != nil {
			return nil, err
		}
		if kind != frameKindDosage {
			return nil, fmt.Errorf("unexpected frame kind %d in dosage container", kind)
		}
		// Decode into a fresh slice: gob leaves fields it omitted (zero at
		// encode time) untouched in reused backing memory.
		r.dosageBuf = nil
		if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&r.dosageBuf); err != nil {
			return nil, err
		}
		r.dosagePos = 0
	}
	rec := &r.dosageBuf[r.dosagePos]
	r.dosagePos++
	return rec, nil
}
