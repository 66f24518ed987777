package main

import "gmail-webhook-relay/internal/cli"

func main() {
	cli.Execute()
}
