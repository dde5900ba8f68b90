package main

import "auto-upload/cmd"

func main() {
	cmd.Execute()
}
