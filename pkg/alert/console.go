package alert

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

const rule = "═══════════════════════════════════════════════════════════════\n"

// Console prints notifications as a text report.
type Console struct {
	out io.Writer
}

// NewConsole creates a console notifier writing to out, or stdout when nil.
func NewConsole(out io.Writer) *Console {
	if out == nil {
		out = os.Stdout
	}
	return &Console{out: out}
}

func (c *Console) Name() string { return "console" }

func (c *Console) Send(ctx context.Context, n *Notification) error {
	var sb strings.Builder

	sb.WriteString("\n")
	sb.WriteString(rule)
	sb.WriteString(fmt.Sprintf("  %s\n", strings.ToUpper(n.Title)))
	sb.WriteString(rule)
	sb.WriteString(fmt.Sprintf("Week:    %s\n", n.Week.Format(time.DateOnly)))
	sb.WriteString(fmt.Sprintf("Alerts:  %d\n", len(n.Alerts)))
	sb.WriteString(fmt.Sprintf("Levels:  %s\n", n.CountsLine()))

	if n.AllClear() {
		sb.WriteString("\n✅ All OTA listings are performing within normal parameters.\n")
	}

	if n.Summary != "" {
		sb.WriteString("\n🤖 AI ANALYSIS\n")
		for _, line := range strings.Split(n.Summary, "\n") {
			sb.WriteString("  " + line + "\n")
		}
	}

	if len(n.Alerts) > 0 {
		sb.WriteString("\n📉 LISTINGS\n")
		for i, a := range n.Alerts {
			sb.WriteString(fmt.Sprintf("  %d. [%s] %s score %d  (%d appearances, %d views, %d bookings)\n",
				i+1, a.Level, a.ListingID, a.Score, a.Current.Appearances, a.Current.Views, a.Current.Bookings))
			for _, issue := range a.Issues {
				sb.WriteString("      - " + issue + "\n")
			}
		}
	}

	sb.WriteString(rule)

	_, err := io.WriteString(c.out, sb.String())
	return err
}
