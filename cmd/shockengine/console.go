package main

import "fmt"

// Console banner helpers, grounded on teacher's examples/demos/helpers
// print functions. Kept at the CLI entry point since the rest of the
// engine talks through zerolog, not stdout.

func printSection(title string) {
	fmt.Println()
	fmt.Println("╔══════════════════════════════════════════════════════════════════╗")
	fmt.Printf("║ %-68s ║\n", title)
	fmt.Println("╚══════════════════════════════════════════════════════════════════╝")
}

func printSuccess(msg string) {
	fmt.Printf("\033[32m%s\033[0m\n", msg)
}

func printError(msg string) {
	fmt.Printf("\033[31m%s\033[0m\n", msg)
}

func printWarning(msg string) {
	fmt.Printf("\033[33m%s\033[0m\n", msg)
}
