package main

import "github.com/tokenwatch/indexer/cmd"

func main() {
	cmd.Execute()
}
