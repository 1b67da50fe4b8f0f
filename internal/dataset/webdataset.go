package dataset

import (
	"archive/tar"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Sample is one image paired with its class label from a WebDataset shard.
type Sample struct {
	Key   string
	Shard string
	Image []byte
	Label int
}

// ErrPendingOverflow indicates the pairing map exceeded the configured bound.
var ErrPendingOverflow = errors.New("webdataset: pending pair buffer exceeded")

const defaultPendingCap = 1024

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".webp": true, ".bmp": true,
}

var labelExts = map[string]bool{".cls": true, ".label": true}

// StreamShard streams paired samples from the shard at path. Members are
// paired by basename without extension; an image and a label must both
// arrive before the sample is emitted.
func StreamShard(ctx context.Context, path string, pendingCap int) (<-chan Sample, <-chan error) {
	if pendingCap <= 0 {
		pendingCap = defaultPendingCap
	}
	out := make(chan Sample)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)
		if err := streamShard(ctx, path, pendingCap, out); err != nil {
			errCh <- err
		}
	}()

	return out, errCh
}

func streamShard(ctx context.Context, path string, pendingCap int, out chan<- Sample) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open shard: %w", err)
	}
	defer f.Close()

	tr := tar.NewReader(bufio.NewReader(f))
	pending := make(map[string]*partial)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar %s: %w", filepath.Base(path), err)
		}
		if hdr.FileInfo().IsDir() {
			continue
		}
		name := filepath.Base(hdr.Name)
		ext := strings.ToLower(filepath.Ext(name))
		key := strings.TrimSuffix(name, filepath.Ext(name))
		if !imageExts[ext] && !labelExts[ext] {
			continue
		}

		payload, err := io.ReadAll(tr)
		if err != nil {
			return fmt.Errorf("read member %s: %w", name, err)
		}
		part := pending[key]
		if part == nil {
			part = &partial{}
			pending[key] = part
		}
		if imageExts[ext] {
			part.image = payload
		} else {
			label, err := strconv.Atoi(strings.TrimSpace(string(payload)))
			if err != nil {
				return fmt.Errorf("parse label %s: %w", name, err)
			}
			if label < 0 {
				return fmt.Errorf("label %s: negative class id %d", name, label)
			}
			part.label = &label
		}

		if len(pending) > pendingCap {
			return ErrPendingOverflow
		}
		if !part.ready() {
			continue
		}
		delete(pending, key)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- Sample{Key: key, Shard: path, Image: part.image, Label: *part.label}:
		}
	}

	if len(pending) > 0 {
		return fmt.Errorf("%s: %d samples incomplete", filepath.Base(path), len(pending))
	}
	return nil
}

// CountSamples counts labelled members across every shard without reading
// image payloads.
func CountSamples(roots map[string][]string) (int, error) {
	total := 0
	for _, shards := range roots {
		for _, path := range shards {
			n, err := countShard(path)
			if err != nil {
				return 0, err
			}
			total += n
		}
	}
	return total, nil
}

func countShard(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open shard: %w", err)
	}
	defer f.Close()

	tr := tar.NewReader(bufio.NewReader(f))
	n := 0
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return 0, fmt.Errorf("read tar %s: %w", filepath.Base(path), err)
		}
		if !hdr.FileInfo().IsDir() && labelExts[strings.ToLower(filepath.Ext(hdr.Name))] {
			n++
		}
	}
}

type partial struct {
	image []byte
	label *int
}

func (p *partial) ready() bool {
	return len(p.image) > 0 && p.label != nil
}
