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

// Package config holds the run configuration of elstr. Values come from
// Default, then an optional YAML file, then ELSTR_* environment
// variables; the command line applies explicitly set flags last.
package config

import (
	"context"
	"fmt"
	"io"

	"github.com/carbocation/pfx"
	"github.com/kelseyhightower/envconfig"
	yaml "gopkg.in/yaml.v2"

	"github.com/exascience/elstr/internal"
)

// EnvPrefix is the prefix of environment variables read by Load.
const EnvPrefix = "elstr"

// Config is the configuration of a genotyping run.
type Config struct {
	MaxIter         int     `yaml:"max_iter" envconfig:"MAX_ITER"`
	MinLLAbsChange  float64 `yaml:"min_ll_abs_change" envconfig:"MIN_LL_ABS_CHANGE"`
	MinLLFracChange float64 `yaml:"min_ll_frac_change" envconfig:"MIN_LL_FRAC_CHANGE"`
	KeepUnconverged bool    `yaml:"keep_unconverged" envconfig:"KEEP_UNCONVERGED"`
	UsePopFreqs     bool    `yaml:"use_pop_freqs" envconfig:"USE_POP_FREQS"`

	StutterIn    string `yaml:"stutter_in" envconfig:"STUTTER_IN"`
	StutterOut   string `yaml:"stutter_out" envconfig:"STUTTER_OUT"`
	AllelePriors string `yaml:"allele_priors" envconfig:"ALLELE_PRIORS"`
	CallsDB      string `yaml:"calls_db" envconfig:"CALLS_DB"`

	NrOfThreads int    `yaml:"nr_of_threads" envconfig:"NR_OF_THREADS"`
	LogPath     string `yaml:"log_path" envconfig:"LOG_PATH"`
	Timed       bool   `yaml:"timed" envconfig:"TIMED"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		MaxIter:         100,
		MinLLAbsChange:  0.01,
		MinLLFracChange: 0.001,
		UsePopFreqs:     true,
	}
}

// Decode overrides cfg with the entries of a YAML document. An empty
// document changes nothing.
func (cfg *Config) Decode(r io.Reader) error {
	decoder := yaml.NewDecoder(r)
	decoder.SetStrict(true)
	if err := decoder.Decode(cfg); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// Load returns the default configuration, overridden by the YAML file
// at path when path is not empty, and then by the environment.
func Load(ctx context.Context, path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		file, err := internal.Open(ctx, path)
		if err != nil {
			return nil, err
		}
		err = cfg.Decode(file)
		_ = file.Close()
		if err != nil {
			return nil, pfx.Err(fmt.Errorf("%v: %w", path, err))
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, pfx.Err(err)
	}
	return cfg, nil
}

// Validate checks the numeric settings.
func (cfg *Config) Validate() error {
	switch {
	case cfg.MaxIter < 0:
		return fmt.Errorf("max_iter must not be negative: %v", cfg.MaxIter)
	case cfg.MinLLAbsChange < 0:
		return fmt.Errorf("min_ll_abs_change must not be negative: %v", cfg.MinLLAbsChange)
	case cfg.MinLLFracChange < 0:
		return fmt.Errorf("min_ll_frac_change must not be negative: %v", cfg.MinLLFracChange)
	case cfg.NrOfThreads < 0:
		return fmt.Errorf("nr_of_threads must not be negative: %v", cfg.NrOfThreads)
	}
	return nil
}
