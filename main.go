package main

import "github.com/Seklfreak/bluesky-topic-feed/cmd"

func main() {
	cmd.Execute()
}
