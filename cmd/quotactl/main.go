package main

import "github.com/aiox-platform/quotaengine/internal/cli"

func main() {
	cli.Execute()
}
