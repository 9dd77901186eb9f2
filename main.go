package main

import "stresslab/cmd"

func main() {
	cmd.Execute()
}
