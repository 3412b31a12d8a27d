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

package internal

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/carbocation/pfx"
	"github.com/klauspost/compress/gzip"
)

// GzExt is the filename extension of gzip-compressed files.
const GzExt = ".gz"

// GCSPrefix marks Google Cloud Storage object names.
const GCSPrefix = "gs://"

type multiCloser struct {
	io.Reader
	closers []io.Closer
}

func (m *multiCloser) Close() (err error) {
	for _, c := range m.closers {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	return
}

func splitGCSName(name string) (bucket, object string, err error) {
	path := strings.TrimPrefix(name, GCSPrefix)
	slash := strings.IndexByte(path, '/')
	if slash <= 0 || slash == len(path)-1 {
		return "", "", fmt.Errorf("invalid Google Cloud Storage object name %v", name)
	}
	return path[:slash], path[slash+1:], nil
}

func openGCS(ctx context.Context, name string) (io.ReadCloser, error) {
	bucket, object, err := splitGCSName(name)
	if err != nil {
		return nil, pfx.Err(err)
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, pfx.Err(err)
	}
	reader, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		_ = client.Close()
		return nil, pfx.Err(fmt.Errorf("%v: %w", name, err))
	}
	return &multiCloser{reader, []io.Closer{reader, client}}, nil
}

// Open opens a local file, "/dev/stdin", or a gs://bucket/object for
// reading. Files ending in .gz are decompressed on the fly.
func Open(ctx context.Context, name string) (io.ReadCloser, error) {
	var raw io.ReadCloser
	switch {
	case strings.HasPrefix(name, GCSPrefix):
		r, err := openGCS(ctx, name)
		if err != nil {
			return nil, err
		}
		raw = r
	case name == "/dev/stdin":
		raw = io.NopCloser(os.Stdin)
	default:
		file, err := os.Open(name)
		if err != nil {
			return nil, pfx.Err(err)
		}
		raw = file
	}
	if filepath.Ext(name) != GzExt {
		return raw, nil
	}
	gz, err := gzip.NewReader(raw)
	if err != nil {
		_ = raw.Close()
		return nil, pfx.Err(fmt.Errorf("%v: %w", name, err))
	}
	return &multiCloser{gz, []io.Closer{gz, raw}}, nil
}

type gzipFile struct {
	*gzip.Writer
	file io.Closer
}

func (g gzipFile) Close() error {
	if err := g.Writer.Close(); err != nil {
		_ = g.file.Close()
		return err
	}
	return g.file.Close()
}

// Create creates a local file or writes to "/dev/stdout". Files ending
// in .gz are compressed on the fly.
func Create(name string) (io.WriteCloser, error) {
	var file io.WriteCloser
	if name == "/dev/stdout" {
		file = nopWriteCloser{os.Stdout}
	} else {
		f, err := os.Create(name)
		if err != nil {
			return nil, pfx.Err(err)
		}
		file = f
	}
	if filepath.Ext(name) != GzExt {
		return file, nil
	}
	return gzipFile{gzip.NewWriter(file), file}, nil
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// FullPathname returns an absolute version of a local filename.
func FullPathname(filename string) (string, error) {
	if strings.HasPrefix(filename, GCSPrefix) || filepath.IsAbs(filename) {
		return filename, nil
	}
	wd, err := os.Getwd()
	return filepath.Join(wd, filename), err
}

// MkdirAll is os.MkdirAll with panics in place of errors.
func MkdirAll(path string, perm os.FileMode) {
	if err := os.MkdirAll(path, perm); err != nil {
		log.Panic(err)
	}
}

// FileCreate is os.Create with panics in place of errors.
func FileCreate(name string) *os.File {
	f, err := os.Create(name)
	if err != nil {
		log.Panic(err)
	}
	return f
}

// Close is c.Close() with panics in place of errors.
func Close(c io.Closer) {
	if err := c.Close(); err != nil {
		log.Panic(err)
	}
}
