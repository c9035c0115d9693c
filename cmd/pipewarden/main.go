package main

import "github.com/vietddude/pipewarden/internal/cli"

func main() {
	cli.Execute()
}
