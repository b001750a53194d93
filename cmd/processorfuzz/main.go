// Command processorfuzz is the thin CLI entry point (spec.md §6
// "Fuzzing Driver CLI"). Flag parsing and config loading are an
// external collaborator per spec.md §1 Non-goals; this file only
// binds flags/environment to a Config and calls into internal/fuzzer.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/amyuch/processorfuzz/internal/corpus"
	"github.com/amyuch/processorfuzz/internal/coverage"
	"github.com/amyuch/processorfuzz/internal/fuzzer"
	"github.com/amyuch/processorfuzz/internal/isarunner"
	"github.com/amyuch/processorfuzz/internal/mutator"
	"github.com/amyuch/processorfuzz/internal/preprocess"
	"github.com/amyuch/processorfuzz/internal/riscvconst"
	"github.com/amyuch/processorfuzz/internal/rtlrunner"
	"github.com/amyuch/processorfuzz/internal/simadapter"
	"github.com/amyuch/processorfuzz/internal/word"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "processorfuzz",
		Short: "Differential RISC-V processor fuzzer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(v)
		},
	}

	flags := cmd.Flags()
	flags.String("out", "out", "output directory for corpus, coverage, and bug reports")
	flags.String("toplevel", "chiptop", "RTL toplevel module name passed to the Trace Comparator")
	flags.Int("num-iter", 1000, "iterations per worker")
	flags.Int("corpus-size", 256, "maximum number of corpus entries retained")
	flags.Int("max-data", 64, "maximum number of data-pool seeds retained")
	flags.Int("multicore", 1, "number of fuzz workers to run concurrently")
	flags.Bool("no-guide", false, "force GENERATION every iteration, ignoring the corpus")
	flags.Bool("debug", false, "enable debug-level logging")
	flags.String("template-dir", "templates", "directory of rv64-<tag>.S assembly templates")
	flags.String("compiler-path", "riscv64-unknown-elf-gcc", "external cross-compiler binary")
	flags.String("elf-to-hex-path", "elf2hex", "external ELF-to-hex conversion binary")
	flags.String("symbol-dumper-path", "riscv64-unknown-elf-nm", "external symbol-dumper binary")
	flags.String("simulator-path", "spike", "reference ISA simulator binary")

	if err := v.BindPFlags(flags); err != nil {
		panic(err)
	}
	v.SetEnvPrefix("PROCESSORFUZZ")
	v.AutomaticEnv()
	return cmd
}

// Config is the Fuzzing Driver's fully resolved configuration
// (spec.md §6 CLI surface).
type Config struct {
	Out              string
	Toplevel         string
	NumIter          int
	CorpusSize       int
	MaxData          int
	Multicore        int
	NoGuide          bool
	Debug            bool
	TemplateDir      string
	CompilerPath     string
	ElfToHexPath     string
	SymbolDumperPath string
	SimulatorPath    string
}

func loadConfig(v *viper.Viper) Config {
	return Config{
		Out:              v.GetString("out"),
		Toplevel:         v.GetString("toplevel"),
		NumIter:          v.GetInt("num-iter"),
		CorpusSize:       v.GetInt("corpus-size"),
		MaxData:          v.GetInt("max-data"),
		Multicore:        v.GetInt("multicore"),
		NoGuide:          v.GetBool("no-guide"),
		Debug:            v.GetBool("debug"),
		TemplateDir:      v.GetString("template-dir"),
		CompilerPath:     v.GetString("compiler-path"),
		ElfToHexPath:     v.GetString("elf-to-hex-path"),
		SymbolDumperPath: v.GetString("symbol-dumper-path"),
		SimulatorPath:    v.GetString("simulator-path"),
	}
}

func run(v *viper.Viper) error {
	cfg := loadConfig(v)

	level := zerolog.InfoLevel
	if cfg.Debug {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	fs := afero.NewOsFs()
	if err := fs.MkdirAll(cfg.Out, 0o755); err != nil {
		return fmt.Errorf("processorfuzz: creating out dir: %w", err)
	}

	cov := coverage.New(fs, cfg.Out, cfg.Multicore > 1, log, nil)
	// One shared Corpus Manager across every worker goroutine, not one
	// per worker: spec.md §5 describes a single `out/corpus/id_*.si`
	// directory with monotonic ids, which only holds if one in-process
	// Manager owns id allocation. Manager is already mutex-guarded, so
	// sharing it across goroutines needs no further synchronization.
	cm := corpus.New(fs, cfg.Out+"/corpus", cfg.CorpusSize, rand.New(rand.NewSource(1)), log)

	newWorker := func(workerID int, rng *rand.Rand) (*fuzzer.Worker, error) {
		gen := word.NewGenerator()
		mut := mutator.New(fs, rng, gen, mutator.Config{
			MaxDataSeeds: cfg.MaxData,
			NoGuide:      cfg.NoGuide,
		})

		tc := preprocess.ExecToolchain{}
		pre := preprocess.New(fs, workerWorkDir(cfg.Out, workerID), preprocess.Config{
			TemplateDir:      cfg.TemplateDir,
			CompilerPath:     cfg.CompilerPath,
			ElfToHexPath:     cfg.ElfToHexPath,
			SymbolDumperPath: cfg.SymbolDumperPath,
		}, tc, rng, log)

		isaR := isarunner.New(fs, isarunner.ExecInvoker{SimulatorPath: cfg.SimulatorPath}, log)
		rtlR := rtlrunner.New(fs, simadapter.New(), rtlrunner.Config{}, log)

		workerCfg := fuzzer.Config{
			OutDir:          cfg.Out,
			Toplevel:        cfg.Toplevel,
			NumIter:         cfg.NumIter,
			NumDataSections: riscvconst.NumDataSections,
			WorkerID:        workerID,
			Multicore:       cfg.Multicore > 1,
		}
		return fuzzer.NewWorker(workerCfg, fs, mut, cm, pre, isaR, rtlR, cov, log), nil
	}

	return fuzzer.Orchestrate(context.Background(), cfg.Multicore, newWorker, cov)
}

func workerWorkDir(out string, workerID int) string {
	return fmt.Sprintf("%s/work-%d", out, workerID)
}
