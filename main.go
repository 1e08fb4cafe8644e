package main

import "github.com/audiolibrelab/speakcheck/cmd"

func main() {
	cmd.Execute()
}
