package main

import "github.com/fornjot/matrixbuild/cmd"

func main() {
	cmd.Execute()
}
