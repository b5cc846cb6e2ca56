package main

import (
	"position-alerts/internal/cli"
)

func main() {
	cli.Execute()
}
