package main

import "jobcast/internal/cmd"

func main() {
	cmd.Execute()
}
