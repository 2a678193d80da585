package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/srg/blesession/internal/bledb"
	"github.com/srg/blesession/internal/device"
	"github.com/srg/blesession/internal/session"
	"golang.org/x/term"
)

const clearLineSequence = "\r\033[K"

var (
	stateColors = map[session.State]*color.Color{
		session.Connecting:          color.New(color.FgYellow),
		session.DiscoveringServices: color.New(color.FgYellow),
		session.Streaming:           color.New(color.FgGreen, color.Bold),
		session.Disconnecting:       color.New(color.FgCyan),
		session.Failed:              color.New(color.FgRed, color.Bold),
		session.Disconnected:        color.New(color.FgHiBlack),
	}
	headerColor = color.New(color.Bold)
)

// isTerminal reports whether w is an interactive terminal; live progress lines are drawn only there.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// renderState writes one line per state change, e.g. "● streaming".
func renderState(w io.Writer, st session.Status) {
	c, ok := stateColors[st.State]
	if !ok {
		c = color.New(color.Reset)
	}
	line := "● " + st.State.String()
	if st.State == session.Failed && st.Reason != nil {
		line += ": " + st.Reason.Error()
	}
	c.Fprintln(w, line)
}

// renderReadable lists the readable characteristics of the enumerated profile, one service per line.
func renderReadable(w io.Writer, st session.Status) {
	services := st.ReadableCharacteristics()
	if len(services) == 0 {
		return
	}
	fmt.Fprintln(w, "Readable characteristics:")
	for _, svc := range services {
		names := make([]string, 0, len(svc.Characteristics))
		for _, c := range svc.Characteristics {
			names = append(names, uuidLabel(bledb.LookupCharacteristic(c.UUID), c.UUID))
		}
		fmt.Fprintf(w, "  %s: %s\n", uuidLabel(bledb.LookupService(svc.UUID), svc.UUID), strings.Join(names, ", "))
	}
}

// uuidLabel renders "Battery Level (2a19)", or the bare short UUID when the name is unknown.
func uuidLabel(name, uuid string) string {
	short := device.ShortenUUID(uuid)
	if name == "" {
		return short
	}
	return fmt.Sprintf("%s (%s)", name, short)
}

// characteristicLabel names a characteristic like "Heart Rate Measurement (fff0/2a37)".
func characteristicLabel(ref device.CharacteristicRef) string {
	if name := bledb.LookupCharacteristic(ref.CharacteristicUUID); name != "" {
		return fmt.Sprintf("%s (%s)", name, ref)
	}
	if name := bledb.LookupService(ref.ServiceUUID); name != "" {
		return fmt.Sprintf("%s characteristic %s (%s)", name, device.ShortenUUID(ref.CharacteristicUUID), ref)
	}
	return ref.String()
}

// formatSampleData renders a payload as spaced hex, e.g. "06 48".
func formatSampleData(data []byte) string {
	return strings.TrimSpace(fmt.Sprintf("% x", data))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func printHeader(w io.Writer, format string, args ...interface{}) {
	headerColor.Fprintf(w, format+"\n", args...)
}
