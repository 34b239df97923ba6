package main

import "netherealmstudio.com/toolbroker/cmd"

var version = "dev"

func main() {
	cmd.SetVersion(version)
	cmd.Execute()
}
