package main

import (
	"rosfleet.sh/cmd/rosfleetd/cmd"
)

func main() {
	cmd.Execute()
}
