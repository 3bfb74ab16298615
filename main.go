package main

import "speakerd/cmd"

func main() {
	cmd.Execute()
}
