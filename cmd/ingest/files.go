package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/WessleyAI/faultgraph/engine/domain"
	"github.com/WessleyAI/faultgraph/engine/ingest"
	"github.com/WessleyAI/faultgraph/pkg/fn"
	"github.com/WessleyAI/faultgraph/pkg/natsutil"
	"github.com/nats-io/nats.go"
)

// sink receives one batch of decoded relations and reports how many items
// failed. A returned error aborts the file.
type sink interface {
	send(ctx context.Context, batch []domain.RelationInput) (failed int, err error)
}

type storeSink struct{ svc *ingest.Service }

func (s storeSink) send(ctx context.Context, batch []domain.RelationInput) (int, error) {
	res, err := s.svc.BatchUpsertRelations(ctx, batch)
	if err != nil {
		return res.Failed, err
	}
	// duplicates are expected on re-scans; only rejections count as failures
	failed := 0
	for _, e := range res.Errors {
		if !strings.HasSuffix(e, ": already exists") {
			failed++
		}
	}
	return failed, nil
}

type natsSink struct{ nc *nats.Conn }

func (s natsSink) send(ctx context.Context, batch []domain.RelationInput) (int, error) {
	for _, in := range batch {
		if err := natsutil.Publish(ctx, s.nc, ingest.IngestSubject, in); err != nil {
			return 0, err
		}
	}
	return 0, s.nc.Flush()
}

// decodeRelations reads either a JSON array of relations or a stream of
// relation objects (JSON lines).
func decodeRelations(r io.Reader) ([]domain.RelationInput, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(br)
	if first == '[' {
		var out []domain.RelationInput
		if err := dec.Decode(&out); err != nil {
			return nil, err
		}
		return out, nil
	}
	var out []domain.RelationInput
	for {
		var in domain.RelationInput
		err := dec.Decode(&in)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("relation %d: %w", len(out)+1, err)
		}
		out = append(out, in)
	}
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b, br.UnreadByte()
	}
}

// watcher scans a directory and forwards new or changed files to a sink.
type watcher struct {
	dir       string
	stateFile string
	batchSize int
	workers   int
	sink      sink
	log       *slog.Logger
}

type pendingFile struct {
	name string
	key  string
	path string
}

type decodedFile struct {
	pendingFile
	relations []domain.RelationInput
}

func (w *watcher) pending(processed map[string]bool) ([]pendingFile, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, err
	}
	var out []pendingFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		if ext := filepath.Ext(name); ext != ".json" && ext != ".jsonl" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		key := fmt.Sprintf("%s:%d:%d", name, info.Size(), info.ModTime().Unix())
		if processed[key] {
			continue
		}
		out = append(out, pendingFile{name: name, key: key, path: filepath.Join(w.dir, name)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out, nil
}

// scan processes every pending file. Files are decoded in parallel and
// written in name order. A file is only marked processed when all of its
// relations were accepted or already stored, so it is retried next scan.
func (w *watcher) scan(ctx context.Context) (files, failed int) {
	processed := loadState(w.stateFile)
	todo, err := w.pending(processed)
	if err != nil {
		w.log.Error("readdir failed", "error", err)
		return 0, 0
	}

	decoded := fn.ParMapResult(todo, w.workers, func(p pendingFile) fn.Result[decodedFile] {
		f, err := os.Open(p.path)
		if err != nil {
			return fn.Err[decodedFile](err)
		}
		defer f.Close()
		rels, err := decodeRelations(f)
		if err != nil {
			return fn.Err[decodedFile](fmt.Errorf("%s: %w", p.name, err))
		}
		return fn.Ok(decodedFile{pendingFile: p, relations: rels})
	})

	for _, r := range decoded {
		if ctx.Err() != nil {
			break
		}
		f, err := r.Unwrap()
		if err != nil {
			w.log.Error("decode failed", "error", err)
			failed++
			continue
		}
		errs := w.process(ctx, f)
		w.log.Info("file done", "file", f.name, "relations", len(f.relations), "errors", errs)
		files++
		if errs > 0 {
			w.log.Warn("file had errors, will retry on next scan", "file", f.name, "errors", errs)
			failed++
			continue
		}
		processed[f.key] = true
		if err := saveState(w.stateFile, processed); err != nil {
			w.log.Error("save state failed", "error", err)
		}
	}
	return files, failed
}

func (w *watcher) process(ctx context.Context, f decodedFile) int {
	errs := 0
	for _, batch := range fn.Chunk(f.relations, w.batchSize) {
		n, err := w.sink.send(ctx, batch)
		errs += n
		if err != nil {
			w.log.Error("batch failed", "file", f.name, "error", err)
			return errs + 1
		}
	}
	return errs
}

func loadState(path string) map[string]bool {
	m := make(map[string]bool)
	data, err := os.ReadFile(path)
	if err != nil {
		return m
	}
	json.Unmarshal(data, &m)
	return m
}

func saveState(path string, m map[string]bool) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
