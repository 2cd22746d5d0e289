package main

import (
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/chmdznr/batchsync/internal/app"
)

func main() {
	if err := app.New().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
