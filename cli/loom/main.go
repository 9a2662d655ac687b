package main

import (
	"gopkg.in/src-d/go-cli.v0"
)

const (
	loomName        string = "loom"
	loomDescription string = "Stitches epoch-split mailing list archives into a single linear history."
)

var (
	version string
	build   string
)

var app = cli.New(loomName, version, build, loomDescription)

func main() {
	app.RunMain()
}
