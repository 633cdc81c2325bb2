package main

import (
	"context"
	"log"
	"os"

	"curio/internal/config"
	"curio/internal/reconcile"
	"curio/internal/store"
)

func main() {
	cfg, err := config.Load(os.Getenv("CURIO_CONFIG"))
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	st, err := store.Open(cfg.Database.DSN)
	if err != nil {
		log.Fatalf("store error: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	if err := store.Migrate(ctx, st.DB()); err != nil {
		log.Fatalf("migration error: %v", err)
	}

	svc := reconcile.NewService(st, log.Default())
	report, err := svc.Run(ctx)
	if err != nil {
		log.Fatalf("audit failed: %v", err)
	}
	log.Printf("audit complete: scanned=%d tier_status_conflicts=%d dangling_refs=%d stale_anchors=%d",
		report.RecordsScanned, report.TierStatusConflict, report.DanglingBillingRef, report.StaleUsageAnchors)
}
