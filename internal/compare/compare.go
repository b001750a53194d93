// Package compare implements the Trace Comparator (spec.md §4.8):
// aligning the RTL commit stream with the ISA commit stream and
// identifying the first architecturally observable divergence.
package compare

import (
	"github.com/spf13/afero"

	"github.com/amyuch/processorfuzz/internal/trace"
)

// Result reports whether a comparison matched, and if not, where and
// why it diverged.
type Result struct {
	Mismatch bool
	Index    int // commit index of the first divergence, -1 if none
	Reason   string
}

// Code mirrors spec.md §4.8's `compare` return convention: -1 on
// mismatch, 0 on match.
func (r Result) Code() int {
	if r.Mismatch {
		return -1
	}
	return 0
}

// Compare aligns isaPath and rtlPath (both trace.Record CSVs) and
// returns the first divergence. Two records match iff pc and rd_val
// are equal when rd != x0; writes to x0 are ignored. Early
// termination on either side is itself a mismatch (spec.md §4.8).
func Compare(fs afero.Fs, isaPath, rtlPath, toplevel string) (Result, error) {
	isaRecords, err := trace.ReadCSV(fs, isaPath)
	if err != nil {
		return Result{}, err
	}
	rtlRecords, err := trace.ReadCSV(fs, rtlPath)
	if err != nil {
		return Result{}, err
	}

	n := len(isaRecords)
	if len(rtlRecords) < n {
		n = len(rtlRecords)
	}

	for i := 0; i < n; i++ {
		a, b := isaRecords[i], rtlRecords[i]
		if a.PC != b.PC {
			return Result{Mismatch: true, Index: i, Reason: "pc diverged"}, nil
		}
		if a.Rd == "x0" && b.Rd == "x0" {
			continue
		}
		if a.Rd != b.Rd || a.RdVal != b.RdVal {
			return Result{Mismatch: true, Index: i, Reason: "rd/rd_val diverged"}, nil
		}
	}

	if len(isaRecords) != len(rtlRecords) {
		return Result{Mismatch: true, Index: n, Reason: "one trace terminated early"}, nil
	}

	return Result{Mismatch: false, Index: -1}, nil
}
