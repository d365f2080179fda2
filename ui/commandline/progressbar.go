// Package commandline implements terminal UI for training runs: a per-epoch
// progress bar and an end-of-run summary table. Attach it only on the
// leader worker; on the others it would interleave garbage output.
package commandline

import (
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"

	"github.com/skeleton-ml/distrain/pkg/ml/train"
)

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version, it requires
// some of the graphical symbols to be supported by the terminal.
var ProgressbarStyle = progressbar.ThemeASCII

// AttachProgressBar displays a progress bar following the loop's training
// steps, restarted at each epoch, plus a summary table at the end of the
// run.
func AttachProgressBar(loop *train.Loop) {
	pBar := &progressBar{}
	loop.OnStart("distrain.commandline.progressBar", 100, pBar.onStart)
	loop.OnStep("distrain.commandline.progressBar", 100, pBar.onStep)
	loop.OnEpochEnd("distrain.commandline.progressBar", 100, pBar.onEpochEnd)
	loop.OnEnd("distrain.commandline.progressBar", 100, pBar.onEnd)
}

type progressBar struct {
	bar      *progressbar.ProgressBar
	epoch    int
	runStart time.Time
}

func (pBar *progressBar) onStart(loop *train.Loop) error {
	pBar.runStart = time.Now()
	pBar.newEpochBar(loop)
	return nil
}

func (pBar *progressBar) newEpochBar(loop *train.Loop) {
	numSteps := loop.StepsPerEpoch
	if numSteps == 0 {
		numSteps = -1 // Unknown until the first epoch finishes.
	}
	pBar.epoch = loop.Epoch
	pBar.bar = progressbar.NewOptions(numSteps,
		progressbar.OptionSetDescription(
			fmt.Sprintf("epoch %d/%d", loop.Epoch+1, loop.Trainer.Config().EpochCount)),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(os.Stderr),
	)
}

func (pBar *progressBar) onStep(loop *train.Loop, _ train.StepMetrics) error {
	if loop.Epoch != pBar.epoch {
		pBar.newEpochBar(loop)
	}
	return pBar.bar.Add(1)
}

func (pBar *progressBar) onEpochEnd(loop *train.Loop, eval train.EvalMetrics) error {
	_ = pBar.bar.Finish()
	fmt.Fprintf(os.Stderr, "\n\tvalid accuracy=%.2f%%, valid loss=%.5f, median step=%s\n",
		eval.WorldAccuracy*100, eval.LocalLoss, loop.MedianTrainStepDuration())
	return nil
}

func (pBar *progressBar) onEnd(loop *train.Loop) error {
	style := lipgloss.NewStyle().Padding(0, 1)
	table := lgtable.New().
		Border(lipgloss.NormalBorder()).
		StyleFunc(func(int, int) lipgloss.Style { return style }).
		Headers("metric", "value").
		Row("epochs", humanize.Comma(int64(loop.Trainer.Config().EpochCount))).
		Row("global steps", humanize.Comma(int64(loop.GlobalStep))).
		Row("world accuracy", fmt.Sprintf("%.2f%%", loop.LastEval.WorldAccuracy*100)).
		Row("local valid loss", fmt.Sprintf("%.5f", loop.LastEval.LocalLoss)).
		Row("wall time", time.Since(pBar.runStart).Round(time.Second).String())
	fmt.Fprintln(os.Stderr, table.Render())
	return nil
}
