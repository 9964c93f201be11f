package main

import "github.com/filemirror/mirror/cmd"

func main() {
	cmd.Execute()
}
