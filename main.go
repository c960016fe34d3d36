package main

import "ProctorStream/internal/cli"

func main() {
	cli.Execute()
}
