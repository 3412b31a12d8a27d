// elstr: EM-based genotyping of short tandem repeats.
// Copyright (c) 2021 imec vzw.

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version, and Additional Terms
// (see below).

// This program is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.

// You should have received a copy of the GNU Affero General Public
// License and Additional Terms along with this program. If not, see
// <https://github.com/ExaScience/elstr/blob/master/LICENSE.txt>.

package cmd

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"runtime"
	"strconv"

	"github.com/exascience/pargo/pipeline"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/exascience/elstr/callstore"
	"github.com/exascience/elstr/config"
	"github.com/exascience/elstr/genotyper"
	"github.com/exascience/elstr/internal"
	"github.com/exascience/elstr/reads"
	"github.com/exascience/elstr/stutter"
	"github.com/exascience/elstr/vcf"
)

// GenotypeHelp is the help string for this command.
const GenotypeHelp = "Genotype parameters:\n" +
	"elstr genotype reads-file vcf-output-file\n" +
	"[--config yaml-file]\n" +
	"[--stutter-in stutter-model-file]\n" +
	"[--stutter-out stutter-model-file]\n" +
	"[--allele-priors vcf-file]\n" +
	"[--use-pop-freqs]\n" +
	"[--max-iter nr]\n" +
	"[--min-ll-abs-change value]\n" +
	"[--min-ll-frac-change value]\n" +
	"[--keep-unconverged]\n" +
	"[--calls-db sqlite-file]\n" +
	"[--nr-of-threads nr]\n" +
	"[--log-path path]\n" +
	"[--timed]\n" +
	"[--profile file]\n"

const (
	minLociBatchSize = 1
	maxLociBatchSize = 64
)

type priorKey struct {
	chrom string
	pos   int32
}

// genotypeRun holds everything shared by the loci of one run.
type genotypeRun struct {
	cfg          *config.Config
	runID        string
	models       map[stutter.Key]stutter.GeomParams
	priorsHeader *vcf.Header
	priors       map[priorKey]*vcf.Variant
	store        *callstore.Store
}

type locusResult struct {
	locus      *reads.Locus
	skipped    bool
	converged  bool
	iterations int
	calls      []genotyper.Call
	model      stutter.Model
	record     []byte // formatted VCF line
}

func loadStutterModels(ctx context.Context, filename string) (map[stutter.Key]stutter.GeomParams, error) {
	file, err := internal.Open(ctx, filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	models, err := stutter.ReadModels(file)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", filename, err)
	}
	return models, nil
}

func loadAllelePriors(ctx context.Context, filename string) (*vcf.Header, map[priorKey]*vcf.Variant, error) {
	input, err := vcf.Open(ctx, filename)
	if err != nil {
		return nil, nil, err
	}
	defer input.Close()
	header, err := input.ParseHeader()
	if err != nil {
		return nil, nil, fmt.Errorf("%v: %w", filename, err)
	}
	priors := make(map[priorKey]*vcf.Variant)
	for {
		variant, err := input.ParseVariant()
		if err == io.EOF {
			return header, priors, nil
		} else if err != nil {
			return nil, nil, fmt.Errorf("%v: %w", filename, err)
		}
		priors[priorKey{variant.Chrom, variant.Pos}] = variant
	}
}

// setup loads the supplementary inputs of a run concurrently.
func (run *genotypeRun) setup(ctx context.Context, readsFile string) error {
	g, gctx := errgroup.WithContext(ctx)
	if run.cfg.StutterIn != "" {
		g.Go(func() (err error) {
			run.models, err = loadStutterModels(gctx, run.cfg.StutterIn)
			if err == nil {
				log.Printf("Loaded stutter models for %v loci from %v.\n", len(run.models), run.cfg.StutterIn)
			}
			return err
		})
	}
	if run.cfg.AllelePriors != "" {
		g.Go(func() (err error) {
			run.priorsHeader, run.priors, err = loadAllelePriors(gctx, run.cfg.AllelePriors)
			if err == nil {
				log.Printf("Loaded allele priors for %v loci from %v.\n", len(run.priors), run.cfg.AllelePriors)
			}
			return err
		})
	}
	if run.cfg.CallsDB != "" {
		g.Go(func() error {
			store, err := callstore.Open(run.cfg.CallsDB)
			if err != nil {
				return err
			}
			if err = store.BeginRun(run.runID, readsFile); err != nil {
				_ = store.Close()
				return err
			}
			run.store = store
			return nil
		})
	}
	return g.Wait()
}

// genotypeLocus trains and genotypes one locus. Errors that concern
// only this locus are logged, and the locus is skipped.
func (run *genotypeRun) genotypeLocus(locus *reads.Locus) (result locusResult, err error) {
	result.locus = locus
	skip := func(err error) (locusResult, error) {
		log.Printf("Skipping locus %v:%v: %v\n", locus.Chrom, locus.Start, err)
		result.skipped = true
		return result, nil
	}
	g, err := locus.NewGenotyper()
	if err != nil {
		return skip(err)
	}
	if params, ok := run.models[locus.Key()]; ok {
		model, err := stutter.NewGeomModel(params, locus.MotifLen)
		if err != nil {
			return skip(err)
		}
		g.SetModel(model)
	}
	if variant, ok := run.priors[priorKey{locus.Chrom, locus.Start}]; ok {
		if err = g.SetAllelePriors(run.priorsHeader, variant); err != nil {
			return skip(err)
		}
	}
	cfg := run.cfg
	result.converged, err = g.Train(cfg.MaxIter, cfg.MinLLAbsChange, cfg.MinLLFracChange)
	if err != nil {
		return result, err
	}
	result.iterations = len(g.LogLikelihoods())
	if cfg.MaxIter > 0 && !result.converged && !cfg.KeepUnconverged {
		log.Printf("Skipping locus %v:%v: EM did not converge in %v iterations\n", locus.Chrom, locus.Start, cfg.MaxIter)
		result.skipped = true
		return result, nil
	}
	if result.calls, err = g.Genotype(cfg.UsePopFreqs); err != nil {
		return result, err
	}
	if result.model, err = g.StutterModel(); err != nil {
		return result, err
	}
	variant, err := g.VcfRecord(result.calls)
	if err != nil {
		return skip(err)
	}
	if result.record, err = variant.Format(internal.ReserveByteBuffer()); err != nil {
		return result, err
	}
	return result, nil
}

// writeLocus writes the results of one locus. It is called in input
// order.
func (run *genotypeRun) writeLocus(result *locusResult, output *vcf.OutputFile, stutterOut io.Writer) error {
	if result.skipped {
		return nil
	}
	_, err := output.Write(result.record)
	internal.ReleaseByteBuffer(result.record)
	result.record = nil
	if err != nil {
		return err
	}
	if stutterOut != nil {
		if geom, ok := result.model.(*stutter.GeomModel); ok {
			line := stutter.AppendModel(internal.ReserveByteBuffer(), result.locus.Key(), geom.GeomParams)
			_, err = stutterOut.Write(line)
			internal.ReleaseByteBuffer(line)
			if err != nil {
				return err
			}
		}
	}
	if run.store != nil {
		if err = run.store.AddCalls(run.runID, result.locus.Locus, result.calls); err != nil {
			return err
		}
		if err = run.store.AddStutterModel(run.runID, result.locus.Locus, result.model, result.converged, result.iterations); err != nil {
			return err
		}
	}
	return nil
}

func (run *genotypeRun) genotypeFile(ctx context.Context, readsFile, vcfFile string) (err error) {
	reader, err := reads.Open(ctx, readsFile)
	if err != nil {
		return err
	}
	defer reader.Close()

	output, err := vcf.Create(vcfFile)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := output.Close(); err == nil {
			err = cerr
		}
	}()
	if err = genotyper.NewVcfHeader(reader.SampleNames(), run.runID).Format(output.Writer); err != nil {
		return err
	}

	var stutterOut io.Writer
	if run.cfg.StutterOut != "" {
		file, ferr := internal.Create(run.cfg.StutterOut)
		if ferr != nil {
			return ferr
		}
		defer func() {
			if cerr := file.Close(); err == nil {
				err = cerr
			}
		}()
		stutterOut = file
	}

	var nofLoci, nofSkipped int
	var p pipeline.Pipeline
	p.Source(reader)
	p.SetVariableBatchSize(minLociBatchSize, maxLociBatchSize)
	p.Add(
		pipeline.LimitedPar(0, pipeline.Receive(func(_ int, data interface{}) interface{} {
			loci := data.([]*reads.Locus)
			results := make([]locusResult, 0, len(loci))
			for _, locus := range loci {
				result, err := run.genotypeLocus(locus)
				if err != nil {
					p.SetErr(fmt.Errorf("locus %v:%v: %w", locus.Chrom, locus.Start, err))
					return results
				}
				results = append(results, result)
			}
			return results
		})),
		pipeline.StrictOrd(pipeline.Receive(func(_ int, data interface{}) interface{} {
			results := data.([]locusResult)
			for i := range results {
				nofLoci++
				if results[i].skipped {
					nofSkipped++
				}
				if err := run.writeLocus(&results[i], output, stutterOut); err != nil {
					p.SetErr(err)
					return nil
				}
			}
			return nil
		})),
	)
	p.Run()
	if err = p.Err(); err != nil {
		return err
	}
	log.Printf("Genotyped %v loci, skipped %v.\n", nofLoci-nofSkipped, nofSkipped)
	return nil
}

// genotypeFlags binds the genotype flags to flagCfg, which starts out
// as config.Default so that the help text shows the effective
// defaults.
func genotypeFlags(flagCfg *config.Config, configFile, profile *string) *flag.FlagSet {
	flags := new(flag.FlagSet)

	flags.StringVar(configFile, "config", "", "YAML configuration file")
	flags.StringVar(&flagCfg.StutterIn, "stutter-in", flagCfg.StutterIn, "file with fixed stutter models per locus")
	flags.StringVar(&flagCfg.StutterOut, "stutter-out", flagCfg.StutterOut, "file for the learned stutter models")
	flags.StringVar(&flagCfg.AllelePriors, "allele-priors", flagCfg.AllelePriors, "VCF file with AP1/AP2 allele priors per sample")
	flags.BoolVar(&flagCfg.UsePopFreqs, "use-pop-freqs", flagCfg.UsePopFreqs, "genotype with the learned population priors instead of the allele priors")
	flags.IntVar(&flagCfg.MaxIter, "max-iter", flagCfg.MaxIter, "maximum number of EM iterations")
	flags.Float64Var(&flagCfg.MinLLAbsChange, "min-ll-abs-change", flagCfg.MinLLAbsChange, "EM convergence threshold for the absolute log-likelihood change")
	flags.Float64Var(&flagCfg.MinLLFracChange, "min-ll-frac-change", flagCfg.MinLLFracChange, "EM convergence threshold for the fractional log-likelihood change")
	flags.BoolVar(&flagCfg.KeepUnconverged, "keep-unconverged", flagCfg.KeepUnconverged, "also report loci whose EM did not converge")
	flags.StringVar(&flagCfg.CallsDB, "calls-db", flagCfg.CallsDB, "SQLite database for the calls")
	flags.IntVar(&flagCfg.NrOfThreads, "nr-of-threads", flagCfg.NrOfThreads, "number of worker threads")
	flags.StringVar(&flagCfg.LogPath, "log-path", flagCfg.LogPath, "write log files to the specified directory")
	flags.BoolVar(&flagCfg.Timed, "timed", flagCfg.Timed, "measure the runtime")
	flags.StringVar(profile, "profile", "", "write a CPU profile to the specified file")

	return flags
}

// applySetFlags copies the flags given on the command line from
// flagCfg to cfg.
func applySetFlags(flags *flag.FlagSet, flagCfg, cfg *config.Config) {
	flags.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "stutter-in":
			cfg.StutterIn = flagCfg.StutterIn
		case "stutter-out":
			cfg.StutterOut = flagCfg.StutterOut
		case "allele-priors":
			cfg.AllelePriors = flagCfg.AllelePriors
		case "use-pop-freqs":
			cfg.UsePopFreqs = flagCfg.UsePopFreqs
		case "max-iter":
			cfg.MaxIter = flagCfg.MaxIter
		case "min-ll-abs-change":
			cfg.MinLLAbsChange = flagCfg.MinLLAbsChange
		case "min-ll-frac-change":
			cfg.MinLLFracChange = flagCfg.MinLLFracChange
		case "keep-unconverged":
			cfg.KeepUnconverged = flagCfg.KeepUnconverged
		case "calls-db":
			cfg.CallsDB = flagCfg.CallsDB
		case "nr-of-threads":
			cfg.NrOfThreads = flagCfg.NrOfThreads
		case "log-path":
			cfg.LogPath = flagCfg.LogPath
		case "timed":
			cfg.Timed = flagCfg.Timed
		}
	})
}

// Genotype implements the elstr genotype command.
func Genotype() error {
	var configFile, profile string
	flagCfg := config.Default()
	flags := genotypeFlags(flagCfg, &configFile, &profile)

	if len(os.Args) < 4 {
		fmt.Fprintln(os.Stderr, "Incorrect number of parameters.")
		fmt.Fprint(os.Stderr, GenotypeHelp)
		os.Exit(1)
	}

	input := getFilename(os.Args[2], GenotypeHelp)
	output := getFilename(os.Args[3], GenotypeHelp)

	parseFlags(flags, 4, GenotypeHelp)

	ctx := context.Background()

	cfg, err := config.Load(ctx, configFile)
	if err != nil {
		return err
	}
	applySetFlags(flags, flagCfg, cfg)

	setLogOutput(cfg.LogPath)

	// sanity checks

	sanityChecksFailed := !checkExist("", input) || !checkCreate("", output)

	if cfg.StutterIn != "" && !checkExist("--stutter-in", cfg.StutterIn) {
		sanityChecksFailed = true
	}
	if cfg.StutterOut != "" && !checkCreate("--stutter-out", cfg.StutterOut) {
		sanityChecksFailed = true
	}
	if cfg.AllelePriors != "" && !checkExist("--allele-priors", cfg.AllelePriors) {
		sanityChecksFailed = true
	}
	if cfg.CallsDB != "" && !checkCreate("--calls-db", cfg.CallsDB) {
		sanityChecksFailed = true
	}
	if err := cfg.Validate(); err != nil {
		log.Println("Error:", err)
		sanityChecksFailed = true
	}
	if !cfg.UsePopFreqs && cfg.AllelePriors == "" {
		log.Println("Warning: --use-pop-freqs=false without --allele-priors. All samples use the population priors.")
	}

	if sanityChecksFailed {
		fmt.Fprint(os.Stderr, GenotypeHelp)
		os.Exit(1)
	}

	// building output command line

	var command bytes.Buffer
	fmt.Fprint(&command, os.Args[0], " genotype ", input, " ", output)
	if configFile != "" {
		fmt.Fprint(&command, " --config ", configFile)
	}
	if cfg.StutterIn != "" {
		fmt.Fprint(&command, " --stutter-in ", cfg.StutterIn)
	}
	if cfg.StutterOut != "" {
		fmt.Fprint(&command, " --stutter-out ", cfg.StutterOut)
	}
	if cfg.AllelePriors != "" {
		fmt.Fprint(&command, " --allele-priors ", cfg.AllelePriors)
	}
	fmt.Fprint(&command, " --use-pop-freqs=", strconv.FormatBool(cfg.UsePopFreqs))
	fmt.Fprint(&command, " --max-iter ", cfg.MaxIter)
	fmt.Fprint(&command, " --min-ll-abs-change ", cfg.MinLLAbsChange)
	fmt.Fprint(&command, " --min-ll-frac-change ", cfg.MinLLFracChange)
	if cfg.KeepUnconverged {
		fmt.Fprint(&command, " --keep-unconverged")
	}
	if cfg.CallsDB != "" {
		fmt.Fprint(&command, " --calls-db ", cfg.CallsDB)
	}
	if cfg.NrOfThreads > 0 {
		runtime.GOMAXPROCS(cfg.NrOfThreads)
		fmt.Fprint(&command, " --nr-of-threads ", cfg.NrOfThreads)
	}
	if cfg.LogPath != "" {
		fmt.Fprint(&command, " --log-path ", cfg.LogPath)
	}
	if cfg.Timed {
		fmt.Fprint(&command, " --timed")
	}
	if profile != "" {
		fmt.Fprint(&command, " --profile ", profile)
	}

	// executing command

	log.Println("Executing command:\n", command.String())

	run := &genotypeRun{cfg: cfg, runID: uuid.New().String()}
	log.Println("Run id:", run.runID)

	fullInput, err := internal.FullPathname(input)
	if err != nil {
		return err
	}

	if err = timedRun(cfg.Timed, "", "Loading stutter models, allele priors and call database.", func() error {
		return run.setup(ctx, fullInput)
	}); err != nil {
		if run.store != nil {
			_ = run.store.Close()
		}
		return err
	}
	if run.store != nil {
		defer func() {
			if cerr := run.store.Close(); cerr != nil {
				log.Println("Error closing call database:", cerr)
			}
		}()
	}

	err = timedRun(cfg.Timed, profile, "Genotyping loci.", func() error {
		return run.genotypeFile(ctx, input, output)
	})
	if errors.Is(err, genotyper.ErrNoStutterModel) {
		return fmt.Errorf("configuration error: %w", err)
	}
	return err
}
