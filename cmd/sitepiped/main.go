// Command sitepiped runs the sitepipe daemon with the default configuration
// lookup, for service managers that want a dedicated binary.
package main

import (
	"context"
	"log"
	"os"

	"sitepipe/internal/config"
	"sitepipe/internal/daemonrun"
)

func main() {
	cfg, _, _, err := config.Load(os.Getenv("SITEPIPE_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := daemonrun.Run(context.Background(), cfg, daemonrun.Options{}); err != nil {
		log.Fatalf("sitepiped: %v", err)
	}
}
