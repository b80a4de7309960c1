// Copyright (C) The Impute Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package impute

import (
	"bufio"
	"io"
	"math"
	"os"

	"github.com/kshedden/gonpy"
)

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// writeNumpyDosages dumps one group's haplotype dosage matrix
// (n_ref_variants × group_haplotypes, float32, end-of-vector cells as NaN)
// for downstream numpy tooling.
func writeNumpyDosages(path string, results *fullDosagesResults) error {
	dims := results.Dimensions()
	rows, cols := dims[0], dims[1]
	data := make([]float32, 0, rows*cols)
	for _, row := range results.dosages {
		for _, d := range row {
			if isFloat32EOV(d) {
				d = float32(math.NaN())
			}
			data = append(data, d)
		}
	}

	output, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	defer output.Close()
	bufw := bufio.NewWriter(output)
	npw, err := gonpy.NewWriter(nopWriteCloser{bufw})
	if err != nil {
		return err
	}
	npw.Shape = []int{rows, cols}
	if err := npw.WriteFloat32(data); err != nil {
		return err
	}
	if err := bufw.Flush(); err != nil {
		return err
	}
	return output.Close()
}
