// Command chefmeal runs the chef meal order and payment-capture service.
//
//	@title						Chef Meal Orders API
//	@version					1.0
//	@description				Orders for scheduled chef meal events, with card holds captured once an event closes.
//	@BasePath					/api/v1
//	@schemes					http https
//	@securityDefinitions.apikey	CustomerID
//	@in							header
//	@name						X-Customer-ID
//	@securityDefinitions.apikey	ChefID
//	@in							header
//	@name						X-Chef-ID
package main

import (
	"os"

	"github.com/rs/zerolog/log"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("chefmeal")
		os.Exit(1)
	}
}
