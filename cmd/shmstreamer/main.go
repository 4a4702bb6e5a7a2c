package main

import "github.com/bryanchriswhite/ShmStreamer/cmd/shmstreamer/commands"

func main() {
	commands.Execute()
}
