package main

import "github.com/lexcodex/goalloop/app/cmd"

func main() {
	cmd.Execute()
}
