// Copyright 2025-2026 The Serac Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoints implements weights-only directory checkpoints for a model.
//
// Unlike the full .serac archive (pkg/ml/model/saving), a checkpoint holds only variable
// values, so the model structure must already exist (and be built) to load one. That makes
// checkpoints cheap enough to write every few hundred training steps.
//
// The Handler is created with Build, followed by option setting and a final Done:
//
//	checkpoint, err := checkpoints.Build(m).Dir(*flagCheckpointDir).Keep(3).Done()
//	...
//	loop := train.NewLoop(m)
//	checkpoint.AttachTo(loop, 100) // Save every 100 steps and at the end of training.
//
// Each Save writes one "weights-<seq>.srwt" file (the same blob format the archive embeds)
// and refreshes a "checkpoint.json" directory index. Older checkpoints beyond the
// configured Keep count are garbage collected.
package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/seracml/serac/pkg/core/dtypes"
	"github.com/seracml/serac/pkg/core/tensors"
	"github.com/seracml/serac/pkg/ml/model"
	"github.com/seracml/serac/pkg/ml/model/encoding"
	"github.com/seracml/serac/pkg/ml/train"
)

// DirPermMode is the directory creation permission (before umask) used for checkpoint
// directories.
var DirPermMode = os.FileMode(0o770)

const (
	weightsPrefix = "weights-"
	weightsSuffix = ".srwt"

	// IndexFileName is the directory index refreshed on every save.
	IndexFileName = "checkpoint.json"
)

var weightsFileRegex = regexp.MustCompile(`^weights-(\d+)\.srwt$`)

// Config for the checkpoints Handler to be created. It is created with Build and
// configured with the various methods; once finished, call Done to get the Handler.
type Config struct {
	m   *model.Sequential
	err error

	dir      string
	keep     int
	checksum bool
}

// Build a configuration for a checkpoints.Handler saving and loading the given model's
// weights. After configuring the returned Config, call Done.
func Build(m *model.Sequential) *Config {
	c := &Config{
		m:        m,
		keep:     1,
		checksum: true,
	}
	if m == nil {
		c.setError(errors.Errorf("checkpoints.Build: model is nil"))
	}
	return c
}

func (c *Config) setError(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Dir sets the directory where checkpoints are saved and loaded. It is created if
// missing. Must be set before calling Done.
func (c *Config) Dir(dir string) *Config {
	c.dir = dir
	fi, err := os.Stat(dir)
	if err != nil && !os.IsNotExist(err) {
		c.setError(errors.Wrapf(err, "failed to os.Stat(%q)", dir))
		return c
	}
	if err == nil {
		if !fi.IsDir() {
			c.setError(errors.Errorf("checkpoint directory %q exists but is a regular file", dir))
		}
		return c
	}
	if err := os.MkdirAll(dir, DirPermMode); err != nil {
		c.setError(errors.Wrapf(err, "failed to create checkpoint directory %q", dir))
	}
	return c
}

// TempDir creates a temporary directory under dir with the given pattern and uses it for
// checkpoints. A convenience wrapper around os.MkdirTemp; handy in tests and experiments.
func (c *Config) TempDir(dir, pattern string) *Config {
	newDir, err := os.MkdirTemp(dir, pattern)
	if err != nil {
		c.setError(errors.Wrapf(err, "failed to os.MkdirTemp(%q, %q)", dir, pattern))
		return c
	}
	c.dir = newDir
	return c
}

// Keep configures how many checkpoints to retain; older ones are removed after each save.
// Set to -1 to never remove checkpoints. The default is 1.
func (c *Config) Keep(n int) *Config {
	c.keep = n
	return c
}

// WithChecksum controls whether checkpoint files carry a trailing checksum.
// The default is true.
func (c *Config) WithChecksum(enabled bool) *Config {
	c.checksum = enabled
	return c
}

// Done creates a Handler with the current configuration. It returns an error if the
// configuration is invalid or incomplete.
func (c *Config) Done() (*Handler, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.dir == "" {
		return nil, errors.Errorf("checkpoint directory not configured, set it with Dir() or TempDir()")
	}
	h := &Handler{config: c}
	list, err := h.ListCheckpoints()
	if err != nil {
		return nil, err
	}
	if len(list) > 0 {
		h.nextSeq = list[len(list)-1].Seq + 1
	}
	return h, nil
}

// Handler saves and loads weights-only checkpoints of one model in one directory.
// Create it with Build(...).Dir(...).Done().
type Handler struct {
	config  *Config
	nextSeq int
}

// Checkpoint identifies one saved checkpoint in the handler's directory.
type Checkpoint struct {
	// Seq is the monotonically increasing sequence number, taken from the file name.
	Seq int

	// Path of the weights file.
	Path string
}

// indexEntry is one checkpoint in the checkpoint.json directory index.
type indexEntry struct {
	Seq     int       `json:"seq"`
	File    string    `json:"file"`
	SavedAt time.Time `json:"saved_at"`
	Bytes   int64     `json:"bytes"`
}

// indexFile is the content of checkpoint.json.
type indexFile struct {
	Model       string       `json:"model"`
	Checkpoints []indexEntry `json:"checkpoints"`
}

// String implements fmt.Stringer.
func (h *Handler) String() string {
	return fmt.Sprintf("checkpoints.Handler(%q)", h.config.dir)
}

// Dir returns the directory the Handler is configured to. It returns "" if h is nil.
func (h *Handler) Dir() string {
	if h == nil {
		return ""
	}
	return h.config.dir
}

// ListCheckpoints returns the checkpoints present in the directory, oldest first.
func (h *Handler) ListCheckpoints() ([]Checkpoint, error) {
	entries, err := os.ReadDir(h.config.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "%s failed to list checkpoints", h)
	}
	var list []Checkpoint
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		matches := weightsFileRegex.FindStringSubmatch(entry.Name())
		if matches == nil {
			continue
		}
		seq, err := strconv.Atoi(matches[1])
		if err != nil {
			continue
		}
		list = append(list, Checkpoint{Seq: seq, Path: filepath.Join(h.config.dir, entry.Name())})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Seq < list[j].Seq })
	return list, nil
}

// HasCheckpoints returns whether there are any checkpoints saved.
func (h *Handler) HasCheckpoints() (bool, error) {
	list, err := h.ListCheckpoints()
	return len(list) > 0, err
}

// Save writes a new checkpoint with the model's current variable values, refreshes the
// directory index and garbage-collects checkpoints beyond the configured Keep count.
//
// The weights file is assembled under a temporary name and renamed into place, so a crash
// mid-save never leaves a partial checkpoint behind.
func (h *Handler) Save() error {
	m := h.config.m
	if !m.Built() {
		return errors.Errorf("%s cannot save model %q before it is built", h, m.Name())
	}
	var entries []encoding.Entry
	for path, v := range m.IterVariables() {
		entries = append(entries, encoding.Entry{
			Name:      path,
			Tensor:    v.Value(),
			Trainable: v.Trainable(),
		})
	}

	seq := h.nextSeq
	tmpPath := filepath.Join(h.config.dir, ".tmp-"+uuid.NewString())
	err := encoding.WriteFile(tmpPath, entries,
		encoding.WithChecksum(h.config.checksum),
		encoding.WithExtra(map[string]string{"model": m.Name()}))
	if err != nil {
		_ = os.Remove(tmpPath)
		return errors.WithMessagef(err, "%s failed to save checkpoint %d", h, seq)
	}
	finalPath := filepath.Join(h.config.dir, fmt.Sprintf("%s%07d%s", weightsPrefix, seq, weightsSuffix))
	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "%s failed to move checkpoint %d into place", h, seq)
	}
	h.nextSeq++
	klog.V(1).Infof("%s saved checkpoint %d (%d tensors)", h, seq, len(entries))

	h.gcCheckpoints()
	if err := h.writeIndex(); err != nil {
		klog.Warningf("%s failed to refresh %s: %v", h, IndexFileName, err)
	}
	return nil
}

// OnStepFn implements train.OnStepFn, making the Handler convenient to attach to a
// training loop via train.EveryNSteps. It simply calls Save.
func (h *Handler) OnStepFn(_ *train.Loop, _ float32) error {
	return h.Save()
}

// AttachTo attaches the Handler to a training loop: Save every everyNSteps steps (skipped
// when everyNSteps <= 0) and once more at the end of training. The hooks run at a high
// priority value, after the regular per-step instrumentation.
func (h *Handler) AttachTo(loop *train.Loop, everyNSteps int) {
	const priority = 100
	if everyNSteps > 0 {
		train.EveryNSteps(loop, everyNSteps, "checkpointing", priority, h.OnStepFn)
	}
	loop.OnEnd("checkpointing", priority, func(*train.Loop) error {
		return h.Save()
	})
}

// LoadLatest restores the model's variable values from the most recent checkpoint.
func (h *Handler) LoadLatest() error {
	list, err := h.ListCheckpoints()
	if err != nil {
		return err
	}
	if len(list) == 0 {
		return errors.Errorf("%s has no checkpoints to load", h)
	}
	return h.Load(list[len(list)-1].Seq)
}

// Load restores the model's variable values from the checkpoint with the given sequence
// number. The model must be built, and every model variable must be present in the
// checkpoint with a matching shape.
func (h *Handler) Load(seq int) error {
	m := h.config.m
	if !m.Built() {
		return errors.Errorf("%s cannot load into model %q before it is built", h, m.Name())
	}
	f, err := h.readCheckpoint(seq)
	if err != nil {
		return err
	}
	matched := 0
	for path, v := range m.IterVariables() {
		t, err := f.Tensor(path)
		if err != nil {
			return errors.WithMessagef(err, "%s loading checkpoint %d for variable %q", h, seq, path)
		}
		if !t.Shape().Equal(v.Shape()) {
			return errors.Errorf("%s checkpoint %d holds %q with shape %s, the model needs %s",
				h, seq, path, t.Shape(), v.Shape())
		}
		v.SetValue(t)
		matched++
	}
	if extra := len(f.Names()) - matched; extra > 0 {
		klog.Warningf("%s checkpoint %d holds %d tensors with no matching model variable, ignored",
			h, seq, extra)
	}
	return nil
}

// TakeMean restores the element-wise mean of the last n checkpoints into the model.
// If n <= 0 (or exceeds the available checkpoints), all checkpoints are averaged.
//
// Only trainable float variables are averaged; everything else is taken from the most
// recent checkpoint. The mean is computed one checkpoint at a time, so at most one extra
// copy of the weights is in memory.
func (h *Handler) TakeMean(n int) error {
	list, err := h.ListCheckpoints()
	if err != nil {
		return err
	}
	if len(list) == 0 {
		return errors.Errorf("%s has no checkpoints to average", h)
	}
	if n <= 0 || n > len(list) {
		n = len(list)
	}
	window := list[len(list)-n:]
	if err := h.Load(window[len(window)-1].Seq); err != nil {
		return err
	}
	// Fold the older checkpoints in one at a time: after merging ii of them the model
	// holds the mean of ii+1 checkpoints, so the next one enters with weight 1/(ii+2).
	for ii, ckpt := range window[:len(window)-1] {
		mergeWeight := float32(1.0 / (float64(ii) + 2.0))
		if err := h.merge(ckpt.Seq, mergeWeight); err != nil {
			return err
		}
	}
	return nil
}

// merge folds one checkpoint into the model's current values:
// value = (1-weight)*value + weight*checkpoint, for trainable float variables only.
func (h *Handler) merge(seq int, weight float32) error {
	f, err := h.readCheckpoint(seq)
	if err != nil {
		return err
	}
	for path, v := range h.config.m.IterVariables() {
		if !v.Trainable() || v.DType() != dtypes.Float32 {
			continue
		}
		other, err := f.Tensor(path)
		if err != nil {
			// Variable absent from the older checkpoint, keep the current value.
			continue
		}
		if !other.Shape().Equal(v.Shape()) {
			return errors.Errorf("%s checkpoint %d holds %q with shape %s, the model needs %s",
				h, seq, path, other.Shape(), v.Shape())
		}
		merged := tensors.FromShape(v.Shape())
		tensors.MustConstFlatData(v.Value(), func(current []float32) {
			tensors.MustConstFlatData(other, func(incoming []float32) {
				tensors.MustMutableFlatData(merged, func(out []float32) {
					for ii := range out {
						out[ii] = (1-weight)*current[ii] + weight*incoming[ii]
					}
				})
			})
		})
		v.SetValue(merged)
	}
	return nil
}

// readCheckpoint opens and decodes one checkpoint file.
func (h *Handler) readCheckpoint(seq int) (*encoding.File, error) {
	path := filepath.Join(h.config.dir, fmt.Sprintf("%s%07d%s", weightsPrefix, seq, weightsSuffix))
	f, err := encoding.ReadFile(path)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s reading checkpoint %d", h, seq)
	}
	return f, nil
}

// gcCheckpoints removes checkpoints beyond the configured Keep count, oldest first.
// Failures are logged and otherwise ignored.
func (h *Handler) gcCheckpoints() {
	if h.config.keep < 0 {
		return
	}
	list, err := h.ListCheckpoints()
	if err != nil {
		klog.Warningf("%s failed to list checkpoints for garbage collection: %v", h, err)
		return
	}
	if len(list) <= h.config.keep {
		return
	}
	for _, ckpt := range list[:len(list)-h.config.keep] {
		if err := os.Remove(ckpt.Path); err != nil && !os.IsNotExist(err) {
			klog.Warningf("%s failed to remove old checkpoint %q: %v", h, ckpt.Path, err)
		}
	}
}

// writeIndex refreshes checkpoint.json from the current directory content,
// temp-file-then-rename like the checkpoints themselves.
func (h *Handler) writeIndex() error {
	list, err := h.ListCheckpoints()
	if err != nil {
		return err
	}
	index := indexFile{Model: h.config.m.Name()}
	for _, ckpt := range list {
		entry := indexEntry{Seq: ckpt.Seq, File: filepath.Base(ckpt.Path)}
		if fi, err := os.Stat(ckpt.Path); err == nil {
			entry.SavedAt = fi.ModTime().UTC()
			entry.Bytes = fi.Size()
		}
		index.Checkpoints = append(index.Checkpoints, entry)
	}

	tmpPath := filepath.Join(h.config.dir, ".tmp-"+uuid.NewString())
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", tmpPath)
	}
	enc := json.NewEncoder(tmpFile)
	enc.SetIndent("", "\t")
	if err := enc.Encode(&index); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to encode %s", IndexFileName)
	}
	if err := tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to close %q", tmpPath)
	}
	finalPath := filepath.Join(h.config.dir, IndexFileName)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to move %s into place", IndexFileName)
	}
	return nil
}
