package output

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/tanq16/pullguard/internal/controller"
	"github.com/tanq16/pullguard/internal/resources"
	"github.com/tanq16/pullguard/internal/utils"
)

// Banner is the session header shown before the first attempt.
type Banner struct {
	Model         string
	SpeedFloor    float64
	CheckInterval time.Duration
	MaxRetries    int
	Gated         bool
	CPUCeiling    float64
	MemoryCeiling float64
	PauseDuration time.Duration
	LogPath       string
}

// Console echoes the user-facing subset of session events. Everything else
// goes only to the session log.
type Console struct {
	controller.NopObserver

	mu     sync.Mutex
	w      io.Writer
	tty    bool
	banner Banner
	// a countdown line is on screen and has not been terminated
	openLine bool
}

func NewConsole(w io.Writer) *Console {
	if w == nil {
		w = os.Stdout
	}
	return &Console{w: w, tty: isTerminal(w)}
}

func (c *Console) println(text string) {
	if c.openLine {
		fmt.Fprintln(c.w)
		c.openLine = false
	}
	fmt.Fprintln(c.w, text)
}

func (c *Console) Banner(b Banner) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.banner = b
	c.println(FHeader(fmt.Sprintf("%s pull %s", utils.AppName, b.Model)))
	c.println(fmt.Sprintf("  %s speed threshold %s, check interval %s, max retries %d",
		FDebug(StyleSymbols["bullet"]), utils.FormatSpeed(b.SpeedFloor), b.CheckInterval, b.MaxRetries))
	if b.Gated {
		c.println(fmt.Sprintf("  %s CPU threshold %.0f%%, memory threshold %.0f%%, pause %s",
			FDebug(StyleSymbols["bullet"]), b.CPUCeiling, b.MemoryCeiling, b.PauseDuration))
	}
	if b.LogPath != "" {
		c.println(fmt.Sprintf("  %s detailed log: %s", FDebug(StyleSymbols["bullet"]), FDetail(b.LogPath)))
	}
}

func (c *Console) SessionStarted(s *controller.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.println("")
	c.println(FInfo("Starting download, ollama progress follows...") + "\n")
}

func (c *Console) AttemptStarted(s *controller.Session, a *controller.Attempt) {
	if a.Number == 1 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.println("\n" + FInfo("Restarting download, progress follows below...") + "\n")
}

func (c *Console) AttemptEnded(s *controller.Session, a *controller.Attempt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch a.Reason {
	case controller.ReasonCompleted:
		c.println("\n" + FSuccess(fmt.Sprintf("%s Model %s downloaded!", StyleSymbols["pass"], s.Model)))
	case controller.ReasonStall:
		c.println("\n" + FWarning(fmt.Sprintf("%s Download speed stayed below threshold (%s < %s), restarting download...",
			StyleSymbols["warning"], utils.FormatSpeed(a.LastSpeed), utils.FormatSpeed(s.Config.SpeedFloor))))
	case controller.ReasonExitError:
		c.println("\n" + FWarning(fmt.Sprintf("%s Download ended abnormally, exit code %d, retrying...", StyleSymbols["warning"], a.ExitCode)))
	case controller.ReasonSpawnError, controller.ReasonError:
		c.println("\n" + FError(fmt.Sprintf("%s Error during download: %v", StyleSymbols["fail"], a.Err)))
	case controller.ReasonPressure:
		if p := a.Pressure; p != nil {
			if p.CPUOver {
				c.println("\n" + FWarning(fmt.Sprintf("CPU usage (%.1f%%) over threshold (%.0f%%)", p.CPU, c.banner.CPUCeiling)))
			}
			if p.MemoryOver {
				c.println("\n" + FWarning(fmt.Sprintf("Memory usage (%.1f%%) over threshold (%.0f%%)", p.Memory, c.banner.MemoryCeiling)))
			}
		}
	case controller.ReasonInterrupted:
		c.println("\n" + FWarning("Download interrupted by user"))
	}
}

func (c *Console) Retrying(s *controller.Session, a *controller.Attempt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.println(FPending(fmt.Sprintf("Retry %d/%d", s.Retries, s.Config.MaxRetries)))
}

func (c *Console) Paused(s *controller.Session, p resources.Pressure, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.println(FWarning(fmt.Sprintf("%s System resource usage too high, pausing download for %s", StyleSymbols["pause"], utils.FormatCountdown(d))))
}

func (c *Console) PauseTick(s *controller.Session, remaining time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	line := FDebug(fmt.Sprintf("Paused... %s remaining", utils.FormatCountdown(remaining)))
	if c.tty {
		fmt.Fprintf(c.w, "\r\033[K%s", line)
		c.openLine = true
		return
	}
	c.println(line)
}

func (c *Console) Resumed(s *controller.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.println(FInfo("Resuming download"))
}

func (c *Console) SessionEnded(s *controller.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.println("")
	c.println(Summary(s))
}

// Summary renders the end-of-session totals.
func Summary(s *controller.Session) string {
	var b strings.Builder
	status := FSuccess(StyleSymbols["pass"] + " " + s.Outcome.String())
	switch s.Outcome {
	case controller.OutcomeFailed:
		status = FError(StyleSymbols["fail"] + " " + s.Outcome.String())
	case controller.OutcomeCancelled:
		status = FWarning(StyleSymbols["warning"] + " " + s.Outcome.String())
	}
	b.WriteString(rule() + "\n")
	fmt.Fprintf(&b, "  %s %s\n", FHeader(s.Model), status)
	fmt.Fprintf(&b, "  Total download time: %s\n", utils.FormatSeconds(s.Elapsed()))
	fmt.Fprintf(&b, "  Total retries: %d\n", s.Retries)
	fmt.Fprintf(&b, "  Total pauses: %d\n", s.Pauses)
	b.WriteString(rule())
	return b.String()
}
