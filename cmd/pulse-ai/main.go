package main

import "github.com/teampulse/pulse-ai/internal/cli"

func main() {
	cli.Execute()
}
