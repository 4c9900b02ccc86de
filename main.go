package main

import "github.com/strandlabs/strand/cmd"

func main() {
	cmd.Execute()
}
