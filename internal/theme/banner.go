package theme

import (
	"fmt"
)

// Banner returns a late-night ramen-stand themed banner.
func Banner() string {
	// ANSI colors for a neon noodle-bar feel
	const red = "\033[31m"
	const yellow = "\033[33m"
	const cyan = "\033[36m"
	const reset = "\033[0m"

	art := "" +
		"  ~~~   " + red + "BOORU RAMEN" + reset + "   ~~~\n" +
		yellow + "      (  (   (  (\n" + reset +
		yellow + "       )  )   )  )\n" + reset +
		cyan + "    ┌─────────────────┐\n" + reset +
		cyan + "    │  ≋≋≋≋≋≋≋≋≋≋≋≋≋  │\n" + reset +
		cyan + "    └──╥───────────╥──┘\n" + reset +
		"   a personal feed ladled to taste 🍜\n"

	return art
}

// PrintBanner prints the banner to stdout.
func PrintBanner() {
	fmt.Print(Banner())
}
