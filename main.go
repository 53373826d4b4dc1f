package main

import "github.com/rcslab/aurora-sub001/cmd"

func main() {
	cmd.Execute()
}
