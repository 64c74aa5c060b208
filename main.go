package main

import "github.com/audiolibrelab/spatialcapture/cmd"

func main() {
	cmd.Execute()
}
