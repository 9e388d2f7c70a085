package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/schollz/progressbar/v3"

	"cpuload/pkg/lifecycle"
)

// console writes the human-facing lines of a run. Signal callbacks and the
// recorder may call it from different goroutines.
type console struct {
	mu  sync.Mutex
	out io.Writer

	bold   *color.Color
	value  *color.Color
	green  *color.Color
	yellow *color.Color
}

func newConsole(out io.Writer, colored bool) *console {
	c := &console{
		out:    out,
		bold:   color.New(color.Bold),
		value:  color.New(color.FgCyan),
		green:  color.New(color.FgGreen),
		yellow: color.New(color.FgYellow),
	}

	for _, palette := range []*color.Color{c.bold, c.value, c.green, c.yellow} {
		if colored {
			palette.EnableColor()
		} else {
			palette.DisableColor()
		}
	}

	return c
}

func (c *console) summary(percent float64, cores int, durationSeconds float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, _ = c.bold.Fprintln(c.out, "Starting CPU load generator:")
	_, _ = fmt.Fprintf(c.out, "  Target CPU usage: %s\n", c.value.Sprintf("%s%%", formatNumber(percent)))
	_, _ = fmt.Fprintf(c.out, "  Number of cores: %s\n", c.value.Sprint(cores))

	if durationSeconds > 0 {
		_, _ = fmt.Fprintf(c.out, "  Duration: %s\n", c.value.Sprintf("%s seconds", formatNumber(durationSeconds)))
	} else {
		_, _ = fmt.Fprintf(c.out, "  Duration: %s\n", c.value.Sprint("Until Ctrl+C"))
	}

	_, _ = fmt.Fprintln(c.out)
}

func (c *console) running(cores int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, _ = c.green.Fprintf(c.out, "Running on %d cores. Press Ctrl+C to stop.\n", cores)
}

func (c *console) stopping() {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, _ = c.yellow.Fprintln(c.out, "\nStopping CPU load generator...")
}

func (c *console) stopped() {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, _ = c.bold.Fprintln(c.out, "CPU load generator stopped.")
}

// report renders one row per worker with its outcome and scheduled totals.
func (c *console) report(report lifecycle.Report) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, _ = fmt.Fprintln(c.out)
	_, _ = c.bold.Fprintf(
		c.out,
		"Stopped after %s (%s)\n",
		report.Elapsed().Round(time.Millisecond),
		report.Reason,
	)

	table := tablewriter.NewWriter(c.out)
	table.Header("Worker", "Outcome", "Cycles", "Invocations", "Busy", "Idle")

	for _, worker := range report.Workers {
		_ = table.Append(
			strconv.Itoa(worker.Index),
			string(worker.Outcome),
			humanize.Comma(int64(worker.Stats.Cycles)),      //nolint:gosec // cycle counts stay far below MaxInt64
			humanize.Comma(int64(worker.Stats.Invocations)), //nolint:gosec // same as above
			worker.Stats.Busy.Round(time.Millisecond).String(),
			worker.Stats.Idle.Round(time.Millisecond).String(),
		)
	}

	_ = table.Render()
}

// formatNumber prints whole numbers with a trailing ".0", matching how the
// summary has always shown percentages and durations.
func formatNumber(value float64) string {
	formatted := strconv.FormatFloat(value, 'f', -1, 64)
	if !strings.ContainsAny(formatted, ".eEnN") {
		formatted += ".0"
	}

	return formatted
}

// durationBar tracks elapsed run time against the configured duration.
type durationBar struct {
	bar      *progressbar.ProgressBar
	total    time.Duration
	interval time.Duration
}

func newDurationBar(out io.Writer, total time.Duration, colored bool) *durationBar {
	bar := progressbar.NewOptions64(
		total.Milliseconds(),
		progressbar.OptionSetWriter(out),
		progressbar.OptionSetDescription("Generating load"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetElapsedTime(true),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionEnableColorCodes(colored),
	)

	return &durationBar{bar: bar, total: total, interval: 100 * time.Millisecond}
}

// run advances the bar until done is closed.
func (d *durationBar) run(started time.Time, done <-chan struct{}) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			_ = d.bar.Finish()

			return
		case now := <-ticker.C:
			elapsed := min(now.Sub(started), d.total)
			_ = d.bar.Set64(elapsed.Milliseconds())
		}
	}
}
