// Command pocketbase runs an embedded PocketBase with the bridge collections migrated in.
//
//	go run ./scripts/pocketbase serve --http 0.0.0.0:8090
//	go run ./scripts/pocketbase migrate up
package main

import (
	"log"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/plugins/migratecmd"

	_ "zk-bridge/migrations"
)

func main() {
	app := pocketbase.New()

	migratecmd.MustRegister(app, app.RootCmd, migratecmd.Config{
		// migrations are written by hand in ./migrations
		Automigrate: false,
	})

	if err := app.Start(); err != nil {
		log.Fatal(err)
	}
}
