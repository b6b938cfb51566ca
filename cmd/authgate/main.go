package main

import "github.com/mnehpets/authgate/cmd/authgate/cmd"

var version = "dev"

func main() {
	cmd.SetVersion(version)
	cmd.Execute()
}
