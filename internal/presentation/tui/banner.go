package tui

import (
	"fmt"

	"github.com/muesli/termenv"
)

// PrintBanner outputs the ASCII art banner for Espalier.
func PrintBanner() {
	p := termenv.ColorProfile()
	// Using a subtle gradient-like color scheme (green/teal)
	s1 := termenv.String("  ___  ___ _ __   __ _| (_) ___ _ __ ").Foreground(p.Color("#34d399"))
	s2 := termenv.String(" / _ \\/ __| '_ \\ / _` | | |/ _ \\ '__|").Foreground(p.Color("#2dd4bf"))
	s3 := termenv.String("|  __/\\__ \\ |_) | (_| | | |  __/ |   ").Foreground(p.Color("#22d3ee"))
	s4 := termenv.String(" \\___||___/ .__/ \\__,_|_|_|\\___|_|   ").Foreground(p.Color("#38bdf8"))
	s5 := termenv.String("          |_|                        ").Foreground(p.Color("#60a5fa"))

	fmt.Println()
	fmt.Println(s1)
	fmt.Println(s2)
	fmt.Println(s3)
	fmt.Println(s4)
	fmt.Println(s5)
	fmt.Println()
}
