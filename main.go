package main

import "github.com/Martian-dev/mailsync/internal/cli"

func main() {
	cli.Execute()
}
