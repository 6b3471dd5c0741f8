package msg

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// ProgressBar renders a step-counted bar, used while the initial include scan
// resolves a large project.
type ProgressBar struct {
	Total      int
	Current    int
	Start      time.Time
	W          io.Writer
	lastPrint  time.Time
	throbIndex int
}

var throbbers = []rune{'|', '/', '-', '\\'}

func NewProgressBar(total int, w io.Writer) *ProgressBar {
	return &ProgressBar{
		Total:     total,
		Start:     time.Now(),
		W:         w,
		lastPrint: time.Now(),
	}
}

// Step advances the bar by n completed items.
func (pb *ProgressBar) Step(n int) {
	pb.Current += n
	if time.Since(pb.lastPrint) > 40*time.Millisecond {
		pb.print(false)
		pb.lastPrint = time.Now()
	}
}

func (pb *ProgressBar) print(finish bool) {
	width := 40
	percent := float64(pb.Current) / float64(max(pb.Total, 1))
	if finish {
		percent = 1
	}

	filled := min(int(percent*float64(width)), width)
	bar := strings.Repeat("█", filled) + strings.Repeat("-", width-filled)

	throb := throbbers[pb.throbIndex%len(throbbers)]
	pb.throbIndex++
	if finish {
		throb = ' '
	}

	fmt.Fprintf(pb.W, "\r%6.f%% [%s] %c", percent*100, bar, throb)
}

func (pb *ProgressBar) Finish() {
	pb.print(true)
	fmt.Fprintln(pb.W)
}
