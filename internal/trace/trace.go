// Package trace defines the canonical per-commit record both the ISA
// Runner and the RTL Runner normalize their output into (spec.md §3,
// "Trace Record"), and its CSV encoding (spec.md §6, header
// `pc,inst,rd,rd_val`).
package trace

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

// Record is one architecturally observable commit.
type Record struct {
	PC    uint64
	Inst  string // rendered as the simulator logged it, e.g. "(0x00108093)"
	Rd    string // register name, "x0" when the instruction writes nothing observable
	RdVal uint64
}

const Header = "pc,inst,rd,rd_val"

// WriteCSV renders records in commit order with the canonical header.
func WriteCSV(fs afero.Fs, path string, records []Record) error {
	f, err := fs.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if _, err := fmt.Fprintln(w, Header); err != nil {
		return err
	}
	for _, r := range records {
		if _, err := fmt.Fprintf(w, "0x%016x,%s,%s,0x%016x\n", r.PC, r.Inst, r.Rd, r.RdVal); err != nil {
			return err
		}
	}
	return w.Flush()
}

// ReadCSV parses a trace file written by WriteCSV back into records,
// preserving commit order.
func ReadCSV(fs afero.Fs, path string) ([]Record, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var records []Record
	first := true
	for scanner.Scan() {
		line := scanner.Text()
		if first {
			first = false
			if strings.TrimSpace(line) == Header {
				continue
			}
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		rec, err := parseLine(line)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return nil, err
	}
	return records, nil
}

func parseLine(line string) (Record, error) {
	parts := strings.SplitN(line, ",", 4)
	if len(parts) != 4 {
		return Record{}, fmt.Errorf("trace: malformed line %q", line)
	}
	pc, err := strconv.ParseUint(strings.TrimPrefix(parts[0], "0x"), 16, 64)
	if err != nil {
		return Record{}, fmt.Errorf("trace: bad pc in %q: %w", line, err)
	}
	rdVal, err := strconv.ParseUint(strings.TrimPrefix(strings.TrimSpace(parts[3]), "0x"), 16, 64)
	if err != nil {
		return Record{}, fmt.Errorf("trace: bad rd_val in %q: %w", line, err)
	}
	return Record{PC: pc, Inst: parts[1], Rd: parts[2], RdVal: rdVal}, nil
}
