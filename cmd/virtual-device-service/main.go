// Package main is the virtual-device-service entry point (HTTP API, scheduler
// callback and one-shot maintenance commands).
package main

import (
	"log"

	"github.com/psds-microservice/virtual-device-service/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
