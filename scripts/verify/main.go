// Command verify replays every stock position against the movement log once
// and exits non-zero when any position drifted. It never repairs.
package main

import (
	"context"
	"encoding/json"
	"log"
	"os"

	"github.com/odyssey-erp/floorops/internal/app"
)

func main() {
	ctx := context.Background()
	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	cfg.StoreDriver = app.DriverPostgres

	components, err := app.NewComponents(ctx, cfg, app.NewLogger(cfg), nil)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer components.Close()

	report, err := components.Ledger.Projection().Verify(ctx)
	if err != nil {
		log.Fatalf("verify: %v", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		log.Fatalf("encode report: %v", err)
	}
	if len(report.Drifts) > 0 {
		components.Close()
		os.Exit(2)
	}
}
