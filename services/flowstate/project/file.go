// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package project

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/flowstate/services/flowstate/store"
)

var (
	fileDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flowstate_project_file_duration_seconds",
		Help:    "Time to read or write a project file",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"operation", "format", "status"})

	fileBytes = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flowstate_project_file_bytes",
		Help:    "Size of project files read or written",
		Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
	}, []string{"operation", "format"})
)

var tracer = otel.Tracer("flowstate.project")

// Document is the decoded content of a project file. Exactly one of State
// and Replay is set, according to Format.
type Document struct {
	Format Format
	State  *store.Store
	Replay Replay
}

// Read loads and fully decodes the file at name.
//
// Outputs:
//   - Document: The decoded content.
//   - error: ErrUnknownFormat for an unrecognized extension, ErrMalformed
//     for content that does not decode, or the underlying I/O error.
func Read(ctx context.Context, name string) (Document, error) {
	format, err := FormatFor(name)
	if err != nil {
		return Document{}, err
	}

	start := time.Now()
	_, span := tracer.Start(ctx, "project.Read",
		trace.WithAttributes(
			attribute.String("path", name),
			attribute.String("format", format.String()),
		),
	)
	defer span.End()

	doc, size, err := read(name, format)
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, "read failed")
	}
	fileDuration.WithLabelValues("read", format.String(), status).Observe(time.Since(start).Seconds())
	if err == nil {
		fileBytes.WithLabelValues("read", format.String()).Observe(float64(size))
	}
	return doc, err
}

func read(name string, format Format) (Document, int, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return Document{}, 0, fmt.Errorf("read %s: %w", name, err)
	}
	doc := Document{Format: format}
	switch format {
	case FormatState:
		doc.State, err = DecodeState(data)
	case FormatReplay:
		doc.Replay, err = DecodeReplay(data)
	}
	if err != nil {
		return Document{}, len(data), fmt.Errorf("read %s: %w", name, err)
	}
	return doc, len(data), nil
}

// Write encodes doc and atomically replaces the file at name.
//
// Description:
//
//	The extension of name must match doc.Format. Content goes to a temp
//	file in the same directory, is synced, then renamed over name, so an
//	existing file is either left intact or fully replaced.
func Write(ctx context.Context, name string, doc Document) error {
	format, err := FormatFor(name)
	if err != nil {
		return err
	}
	if format != doc.Format {
		return fmt.Errorf("%w: %s file for %s content", ErrUnknownFormat, format, doc.Format)
	}

	start := time.Now()
	_, span := tracer.Start(ctx, "project.Write",
		trace.WithAttributes(
			attribute.String("path", name),
			attribute.String("format", format.String()),
		),
	)
	defer span.End()

	var data []byte
	switch format {
	case FormatState:
		data, err = EncodeState(doc.State)
	case FormatReplay:
		data, err = EncodeReplay(doc.Replay)
	}
	if err == nil {
		err = WriteFileAtomic(name, data, 0o644)
	}

	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, "write failed")
	} else {
		fileBytes.WithLabelValues("write", format.String()).Observe(float64(len(data)))
	}
	fileDuration.WithLabelValues("write", format.String(), status).Observe(time.Since(start).Seconds())
	return err
}

// WriteFileAtomic writes data to a temp file next to name and renames it
// into place.
func WriteFileAtomic(name string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(name)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(name)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	cleanup := true
	defer func() {
		if cleanup {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, name); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	cleanup = false
	return syncDir(dir)
}

// syncDir makes the rename durable on filesystems that need it.
func syncDir(dirPath string) error {
	dir, err := os.Open(dirPath)
	if err != nil {
		return fmt.Errorf("open dir for sync: %w", err)
	}
	defer dir.Close()

	if err := dir.Sync(); err != nil {
		return fmt.Errorf("sync dir: %w", err)
	}
	return nil
}
