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

// Package callstore keeps genotype calls and learned stutter models in
// an SQLite database, one row per sample call and one row per stutter
// parameter, tagged with the run that produced them.
package callstore

import (
	"fmt"
	"strings"
	"time"

	"github.com/carbocation/pfx"
	"github.com/jmoiron/sqlx"

	"github.com/exascience/elstr/genotyper"
	"github.com/exascience/elstr/stutter"
	"github.com/exascience/elstr/utils"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id     TEXT PRIMARY KEY,
	program    TEXT NOT NULL,
	version    TEXT NOT NULL,
	reads_file TEXT NOT NULL,
	started    TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS calls (
	run_id             TEXT NOT NULL REFERENCES runs(run_id),
	chrom              TEXT NOT NULL,
	start_pos          INTEGER NOT NULL,
	end_pos            INTEGER NOT NULL,
	sample             TEXT NOT NULL,
	allele1            INTEGER NOT NULL,
	allele2            INTEGER NOT NULL,
	bp1                INTEGER NOT NULL,
	bp2                INTEGER NOT NULL,
	posterior          REAL NOT NULL,
	unphased_posterior REAL NOT NULL,
	reads              INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS calls_run ON calls (run_id, chrom, start_pos);
CREATE TABLE IF NOT EXISTS stutter_models (
	run_id     TEXT NOT NULL REFERENCES runs(run_id),
	chrom      TEXT NOT NULL,
	start_pos  INTEGER NOT NULL,
	end_pos    INTEGER NOT NULL,
	converged  INTEGER NOT NULL,
	iterations INTEGER NOT NULL,
	name       TEXT NOT NULL,
	value      REAL NOT NULL
);
`

// Run describes one invocation of the genotyper.
type Run struct {
	ID        string `db:"run_id"`
	Program   string `db:"program"`
	Version   string `db:"version"`
	ReadsFile string `db:"reads_file"`
	Started   string `db:"started"`
}

// Call is a stored genotype call.
type Call struct {
	RunID             string  `db:"run_id"`
	Chrom             string  `db:"chrom"`
	Start             int32   `db:"start_pos"`
	End               int32   `db:"end_pos"`
	Sample            string  `db:"sample"`
	Allele1           int     `db:"allele1"`
	Allele2           int     `db:"allele2"`
	Bp1               int     `db:"bp1"`
	Bp2               int     `db:"bp2"`
	Posterior         float64 `db:"posterior"`
	UnphasedPosterior float64 `db:"unphased_posterior"`
	Reads             int     `db:"reads"`
}

// StutterParam is a stored stutter model parameter of one locus.
type StutterParam struct {
	RunID      string  `db:"run_id"`
	Chrom      string  `db:"chrom"`
	Start      int32   `db:"start_pos"`
	End        int32   `db:"end_pos"`
	Converged  bool    `db:"converged"`
	Iterations int     `db:"iterations"`
	Name       string  `db:"name"`
	Value      float64 `db:"value"`
}

// Store is an open call database.
type Store struct {
	DB *sqlx.DB
}

// Open opens or creates the call database at path.
func Open(path string) (*Store, error) {
	if !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}
	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		return nil, pfx.Err(err)
	}
	// the writing stage of the pipeline is the only client
	db.SetMaxOpenConns(1)
	if _, err = db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, pfx.Err(fmt.Errorf("unable to create tables: %w", err))
	}
	return &Store{DB: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.DB.Close()
}

// BeginRun records the start of a run.
func (s *Store) BeginRun(runID, readsFile string) error {
	run := Run{
		ID:        runID,
		Program:   utils.ProgramName,
		Version:   utils.ProgramVersion,
		ReadsFile: readsFile,
		Started:   time.Now().UTC().Format(time.RFC3339),
	}
	_, err := s.DB.NamedExec(`INSERT INTO runs (run_id, program, version, reads_file, started)
		VALUES (:run_id, :program, :version, :reads_file, :started)`, run)
	if err != nil {
		return pfx.Err(err)
	}
	return nil
}

// Runs returns all recorded runs, oldest first.
func (s *Store) Runs() (runs []Run, err error) {
	err = s.DB.Select(&runs, "SELECT * FROM runs ORDER BY rowid")
	if err != nil {
		return nil, pfx.Err(err)
	}
	return runs, nil
}

// AddCalls stores the calls of one locus in a single transaction.
func (s *Store) AddCalls(runID string, locus genotyper.Locus, calls []genotyper.Call) (err error) {
	tx, err := s.DB.Beginx()
	if err != nil {
		return pfx.Err(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	stmt, err := tx.PrepareNamed(`INSERT INTO calls
		(run_id, chrom, start_pos, end_pos, sample, allele1, allele2, bp1, bp2, posterior, unphased_posterior, reads)
		VALUES (:run_id, :chrom, :start_pos, :end_pos, :sample, :allele1, :allele2, :bp1, :bp2, :posterior, :unphased_posterior, :reads)`)
	if err != nil {
		return pfx.Err(err)
	}
	defer stmt.Close()
	for _, call := range calls {
		if _, err = stmt.Exec(Call{
			RunID:             runID,
			Chrom:             locus.Chrom,
			Start:             locus.Start,
			End:               locus.End,
			Sample:            call.Sample,
			Allele1:           call.Alleles[0],
			Allele2:           call.Alleles[1],
			Bp1:               call.Bps[0],
			Bp2:               call.Bps[1],
			Posterior:         call.Posterior,
			UnphasedPosterior: call.UnphasedPosterior,
			Reads:             call.Reads,
		}); err != nil {
			return pfx.Err(err)
		}
	}
	if err = tx.Commit(); err != nil {
		return pfx.Err(err)
	}
	return nil
}

// Calls returns the calls of a run in the order they were stored.
func (s *Store) Calls(runID string) (calls []Call, err error) {
	err = s.DB.Select(&calls, "SELECT * FROM calls WHERE run_id = ? ORDER BY rowid", runID)
	if err != nil {
		return nil, pfx.Err(err)
	}
	return calls, nil
}

// AddStutterModel stores the parameters of the stutter model of one
// locus, with the outcome of its training.
func (s *Store) AddStutterModel(runID string, locus genotyper.Locus, model stutter.Model, converged bool, iterations int) (err error) {
	tx, err := s.DB.Beginx()
	if err != nil {
		return pfx.Err(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, param := range model.Params() {
		if _, err = tx.NamedExec(`INSERT INTO stutter_models
			(run_id, chrom, start_pos, end_pos, converged, iterations, name, value)
			VALUES (:run_id, :chrom, :start_pos, :end_pos, :converged, :iterations, :name, :value)`, StutterParam{
			RunID:      runID,
			Chrom:      locus.Chrom,
			Start:      locus.Start,
			End:        locus.End,
			Converged:  converged,
			Iterations: iterations,
			Name:       param.Name,
			Value:      param.Value,
		}); err != nil {
			return pfx.Err(err)
		}
	}
	if err = tx.Commit(); err != nil {
		return pfx.Err(err)
	}
	return nil
}

// StutterModels returns the stored stutter parameters of a run.
func (s *Store) StutterModels(runID string) (params []StutterParam, err error) {
	err = s.DB.Select(&params, "SELECT * FROM stutter_models WHERE run_id = ? ORDER BY rowid", runID)
	if err != nil {
		return nil, pfx.Err(err)
	}
	return params, nil
}
