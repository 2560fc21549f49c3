package main

import "github.com/satya-market/access-go/cmd"

func main() {
	cmd.Execute()
}
