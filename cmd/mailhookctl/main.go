package main

import (
	"log"

	"github.com/austindbirch/mailhook/cmd/mailhookctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
