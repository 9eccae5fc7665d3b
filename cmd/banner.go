package cmd

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

var (
	bannerTitleColor = lipgloss.AdaptiveColor{Light: "#1A5276", Dark: "#54A0FF"}
	bannerMutedColor = lipgloss.AdaptiveColor{Light: "#666666", Dark: "#696969"}
)

// printBanner writes a short startup line describing the running server to
// stderr. Stdout is reserved for the stdio JSON-RPC transport, so the banner
// must never be written there.
//
// termenv resolves stderr's own color profile and background rather than
// lipgloss's process-wide default (which probes stdout), since stdout here
// is the JSON-RPC stream, not a terminal. A plain, unstyled line is printed
// when stderr isn't a color-capable terminal at all (piped to a file, CI
// log capture, etc.).
func printBanner(version string) {
	out := termenv.NewOutput(os.Stderr)
	if out.Profile == termenv.Ascii {
		fmt.Fprintf(os.Stderr, "mcp-nexus version %s\n", version)
		return
	}

	lipgloss.SetColorProfile(out.Profile)
	lipgloss.SetHasDarkBackground(out.HasDarkBackground())

	title := lipgloss.NewStyle().Foreground(bannerTitleColor).Bold(true).Render("mcp-nexus")
	meta := lipgloss.NewStyle().Foreground(bannerMutedColor).Render(fmt.Sprintf("version %s", version))
	fmt.Fprintf(os.Stderr, "%s %s\n", title, meta)
}
