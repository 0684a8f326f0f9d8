package main

import "lof-monitor/internal/cli"

func main() {
	cli.Execute()
}
