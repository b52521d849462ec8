package main

import (
	"context"
	"encoding/json"
	"log"
	"os/signal"
	"syscall"
	"time"

	"agentmarket/agents"
	"agentmarket/config"
	"agentmarket/db"
	"agentmarket/escrow"
	"agentmarket/events"
	"agentmarket/fees"
	"agentmarket/market"
	"agentmarket/registry"
	"agentmarket/reputation"
	"agentmarket/token"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("bootstrap config: %v", err)
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	timeline := events.Timeline{}
	outbox := events.Outbox{}

	modules := registry.NewService(pool)
	tokens := token.NewLedger(pool)
	policies := fees.NewService(pool)
	reg := agents.NewService(pool, tokens, outbox)
	rep := reputation.NewService(pool, outbox)

	engine := escrow.NewEngine(pool, modules, reg, policies, rep, tokens, timeline, outbox,
		cfg.EngineAddress, cfg.NetworkID)
	marketplace := market.NewService(pool, modules, reg, engine, timeline, outbox)

	if err := modules.Init(ctx, cfg.OwnerAddress); err != nil {
		log.Fatalf("bootstrap registry: %v", err)
	}
	if err := reg.Init(ctx, cfg.OwnerAddress, cfg.EngineAddress, cfg.PaymentAsset); err != nil {
		log.Fatalf("bootstrap agent registry: %v", err)
	}
	if err := rep.Init(ctx, cfg.OwnerAddress); err != nil {
		log.Fatalf("bootstrap reputation ledger: %v", err)
	}

	dispatcher := events.NewDispatcher(pool, logSink)
	log.Printf("marketd ready: engine=%s network=%d marketplace=%+v",
		cfg.EngineAddress, cfg.NetworkID, marketplace != nil)

	ticker := time.NewTicker(cfg.OutboxInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Print("marketd shutting down")
			return
		case <-ticker.C:
			n, err := dispatcher.DispatchPending(ctx, cfg.OutboxBatch)
			if err != nil {
				log.Printf("outbox dispatch: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("outbox dispatched %d notifications", n)
			}
		}
	}
}

// logSink is the default notification sink. Deployments swap in a real
// broker by providing their own events.Sink.
func logSink(topic string, payload []byte) error {
	var pretty json.RawMessage = payload
	log.Printf("notify %s %s", topic, pretty)
	return nil
}
