// Copyright 2025-2026 The Serac Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline attaches terminal progress reporting to a training
// loop.
package commandline

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/seracml/serac/pkg/ml/train"
)

// RefreshPeriod is the minimum time between terminal updates, on top of the
// step-driven updates.
var RefreshPeriod = 3 * time.Second

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version, if the needed
// graphical symbols are supported by the terminal.
var ProgressbarStyle = progressbar.ThemeASCII

// ProgressBarName is the hook name under which AttachProgressBar registers
// itself on the loop.
const ProgressBarName = "serac.train.commandline.progressBar"

// progressBar holds a progress bar being displayed.
type progressBar struct {
	out              io.Writer
	numSteps         int
	lastStepReported int
	bar              *progressbar.ProgressBar
	suffix           string
}

// Write implements io.Writer, appending the current metrics suffix to each
// write of the enclosed progressbar.ProgressBar. Emitting the bar and its
// suffix in the same write keeps them on one line on writers that are
// line-buffered or that render per write (Jupyter-style consoles).
func (pBar *progressBar) Write(data []byte) (n int, err error) {
	n, err = pBar.out.Write(data)
	if err != nil {
		return n, err
	}
	_, err = pBar.out.Write([]byte(pBar.suffix))
	if err != nil {
		return 0, err
	}
	return
}

func (pBar *progressBar) onStart(loop *train.Loop, _ train.Dataset) error {
	pBar.lastStepReported = loop.LoopStep
	if loop.EndStep < 0 {
		pBar.numSteps = 1000 // Guess for now, adjusted as soon as the loop knows better.
	} else {
		pBar.numSteps = loop.EndStep - loop.StartStep
	}
	pBar.bar = progressbar.NewOptions(pBar.numSteps,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(pBar), // So the metrics suffix rides along, see progressBar.Write.
	)
	return nil
}

func (pBar *progressBar) onStep(loop *train.Loop, _ float32) error {
	if pBar.bar.IsFinished() {
		return nil
	}
	amount := loop.LoopStep + 1 - pBar.lastStepReported // +1 because the current LoopStep is finished.
	if amount <= 0 {
		return nil
	}
	if loop.EndStep >= 0 && loop.EndStep-loop.StartStep != pBar.numSteps {
		// Loop.RunEpochs only discovers the total number of steps after the
		// first epoch.
		pBar.numSteps = loop.EndStep - loop.StartStep
		pBar.bar.ChangeMax(pBar.numSteps)
	}

	trainMetrics := loop.Trainer.TrainMetrics()
	parts := make([]string, 0, len(trainMetrics)+2)
	parts = append(parts, fmt.Sprintf(" [step=%d]", loop.LoopStep))
	for _, metric := range trainMetrics {
		parts = append(parts, fmt.Sprintf(" [%s=%.4g]", metric.ShortName(), metric.Result()))
	}
	// Trailing spaces erase leftovers of longer previous suffixes.
	parts = append(parts, "        ")
	pBar.suffix = strings.Join(parts, "")
	_ = pBar.bar.Add(amount) // Triggers the print, see progressBar.Write.

	pBar.lastStepReported = loop.LoopStep + 1
	return nil
}

func (pBar *progressBar) onEnd(loop *train.Loop) error {
	if !pBar.bar.IsFinished() {
		_ = pBar.bar.Finish()
	}
	_, err := fmt.Fprintln(pBar.out)
	return err
}

// AttachProgressBar creates a command-line progress bar and attaches it to
// the Loop, so that every time the Loop runs it displays the progression and
// the current training metrics.
//
// The associated state lives in the loop's hooks, so nothing is returned.
func AttachProgressBar(loop *train.Loop) {
	attachProgressBar(loop, os.Stdout)
}

func attachProgressBar(loop *train.Loop, out io.Writer) {
	pBar := &progressBar{out: out}
	loop.OnStart(ProgressBarName, 0, pBar.onStart)
	// Update at most 1000 times during the loop, and at least every RefreshPeriod.
	train.NTimesDuringLoop(loop, 1000, ProgressBarName, 0, pBar.onStep)
	train.PeriodicCallback(loop, RefreshPeriod, false, ProgressBarName, 0, pBar.onStep)
	loop.OnEnd(ProgressBarName, 0, pBar.onEnd)
}
