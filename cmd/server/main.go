/*
main.go - Application entry point

EXAMPLES:
  # Run the API with a config file
  ./server serve --config ./buvle.toml

  # Load the slot catalog
  ./server seed --config ./buvle.toml

  # Monthly refill from cron
  ./server refill --period 2025-10

ENVIRONMENT:
  BUVLE_* variables override the config file, see config/config.go.

SEE ALSO:
  - cli/: Command definitions
  - api/server.go: Router configuration
*/
package main

import (
	"os"

	"github.com/danitaetsu/buvle/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
