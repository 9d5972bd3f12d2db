package main

import "github.com/open-codex/agentd/cmd"

func main() {
	cmd.Execute()
}
