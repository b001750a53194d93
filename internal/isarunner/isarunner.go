// Package isarunner implements the ISA Runner (spec.md §4.6): invoking
// the reference simulator on a compiled ELF, then normalizing its
// commit log into the canonical trace format both runners share.
package isarunner

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/amyuch/processorfuzz/internal/preprocess"
	"github.com/amyuch/processorfuzz/internal/riscvconst"
	"github.com/amyuch/processorfuzz/internal/trace"
)

// Invoker is the subprocess boundary (spec.md §9): the reference
// simulator is modeled as a pure function from an ELF to a log file
// plus an exit status, so tests can substitute a fake that writes a
// canned log instead of shelling out to a real simulator binary.
type Invoker interface {
	Invoke(ctx context.Context, elfPath, logPath string, interruptFile string) error
}

// ExecInvoker shells out to a real reference-simulator binary.
type ExecInvoker struct {
	SimulatorPath string
}

func (e ExecInvoker) Invoke(ctx context.Context, elfPath, logPath, interruptFile string) error {
	args := []string{"--log", logPath, "--isa=rv64g"}
	if interruptFile != "" {
		args = append(args, "--interrupt", interruptFile)
	}
	args = append(args, elfPath)
	cmd := exec.CommandContext(ctx, e.SimulatorPath, args...)
	return cmd.Run()
}

// commitLineRe matches the simulator's commit-log line shape, e.g.
// "core   0: 0x0000000080000004 (0x00108093) x1 0x0000000000000001"
// (spec.md §6 scenario 5). The register/value pair is optional: an
// instruction that writes nothing observable omits it, defaulting to
// x0/0.
var commitLineRe = regexp.MustCompile(`core\s+\d+:\s+0x([0-9a-fA-F]+)\s+\(0x([0-9a-fA-F]+)\)(?:\s+(x\d+)\s+0x([0-9a-fA-F]+))?`)

// Runner drives the reference simulator.
type Runner struct {
	fs      afero.Fs
	invoker Invoker
	log     zerolog.Logger
}

// New builds a Runner.
func New(fs afero.Fs, invoker Invoker, log zerolog.Logger) *Runner {
	return &Runner{fs: fs, invoker: invoker, log: log}
}

// RunTest is spec.md §4.6's `run_test` operation: a 30-second
// wall-clock timeout yields StatusTimeOut with no trace; a non-zero
// exit yields a Status equal to the exit code (treated as CRASH,
// spec.md §6 "Exit / status codes"); on success the log is normalized
// into a trace CSV.
func (r *Runner) RunTest(ctx context.Context, isaIn preprocess.ISAInput, outDir string, iteration int, assertIntr bool) (riscvconst.Status, string, error) {
	runCtx, cancel := context.WithTimeout(ctx, riscvconst.ISATimeoutSeconds*time.Second)
	defer cancel()

	logPath := filepath.Join(outDir, fmt.Sprintf("isa_%d.log", iteration))
	intrFile := ""
	if assertIntr {
		intrFile = isaIn.InterruptFilePath
	}

	err := r.invoker.Invoke(runCtx, isaIn.ELFPath, logPath, intrFile)
	if runCtx.Err() == context.DeadlineExceeded {
		return riscvconst.StatusTimeOut, "", nil
	}
	if err != nil {
		exitCode := extractExitCode(err)
		r.log.Warn().Err(err).Int("exit_code", exitCode).Msg("isarunner: simulator exited non-zero")
		return riscvconst.Status(exitCode), "", nil
	}

	tracePath := filepath.Join(outDir, fmt.Sprintf("isa_%d.csv", iteration))
	if err := r.normalize(logPath, tracePath); err != nil {
		return riscvconst.StatusSuccess, "", errors.Wrap(err, "isarunner: normalizing log")
	}
	return riscvconst.StatusSuccess, tracePath, nil
}

func extractExitCode(err error) int {
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

func (r *Runner) normalize(logPath, tracePath string) error {
	f, err := r.fs.Open(logPath)
	if err != nil {
		return err
	}
	defer f.Close()

	var records []trace.Record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		m := commitLineRe.FindStringSubmatch(scanner.Text())
		if m == nil {
			continue
		}
		pc, err := strconv.ParseUint(m[1], 16, 64)
		if err != nil {
			continue
		}
		instWord, err := strconv.ParseUint(m[2], 16, 32)
		if err != nil {
			continue
		}
		rd := "x0"
		if m[3] != "" {
			rd = m[3]
		}
		var rdVal uint64
		if m[4] != "" {
			rdVal, _ = strconv.ParseUint(m[4], 16, 64)
		}
		records = append(records, trace.Record{
			PC:    pc,
			Inst:  fmt.Sprintf("(0x%08x)", instWord),
			Rd:    rd,
			RdVal: rdVal,
		})
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return trace.WriteCSV(r.fs, tracePath, records)
}
