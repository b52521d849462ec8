package test

import (
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"agentmarket/agents"
	"agentmarket/arbitration"
	"agentmarket/escrow"
	"agentmarket/events"
	"agentmarket/fees"
	"agentmarket/market"
	"agentmarket/registry"
	"agentmarket/reputation"
	"agentmarket/test/infra"
	"agentmarket/token"
)

const (
	ownerAddr    = "0x1000000000000000000000000000000000000001"
	engineAddr   = "0x2000000000000000000000000000000000000002"
	treasuryAddr = "0x3000000000000000000000000000000000000003"
	feePolicy    = "0x4000000000000000000000000000000000000004"
	arbAddr      = "0x5000000000000000000000000000000000000005"
	repAddr      = "0x6000000000000000000000000000000000000006"
	buyerAddr    = "0x7000000000000000000000000000000000000007"
	agentRegAddr = "0x8000000000000000000000000000000000000008"
	asset        = "USDM"
	networkID    = uint64(31337)
)

var (
	bootOnce sync.Once
	bootDSN  string
	bootErr  error
)

// sharedDSN boots one Postgres for the whole package; each test isolates
// itself in its own schema via ApplyMigrations.
func sharedDSN(t *testing.T) string {
	t.Helper()
	bootOnce.Do(func() {
		ctx := context.Background()
		if dsn := os.Getenv("MARKET_TEST_PG_DSN"); dsn != "" {
			bootDSN = dsn
			return
		}
		if dockerAvailable(ctx) {
			_, dsn, err := infra.StartPostgres16(ctx, "")
			bootDSN, bootErr = dsn, err
			return
		}
		bootDSN, bootErr = infra.InitLocalDatabase(ctx)
	})
	if bootErr != nil {
		t.Fatalf("boot postgres: %v", bootErr)
	}
	return bootDSN
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

type env struct {
	pool       *pgxpool.Pool
	modules    *registry.Service
	tokens     *token.Ledger
	policies   *fees.Service
	agents     *agents.Service
	reputation *reputation.Service
	engine     *escrow.Engine
	market     *market.Service
	repo       *market.Repository
	arb        *arbitration.Service
	dispatcher *events.Dispatcher
}

// newEnv wires the full protocol stack against a fresh schema with every
// module role bound and a 250 bps fee policy in place.
func newEnv(t *testing.T) *env {
	t.Helper()
	return newEnvWith(t, map[string]string{
		registry.RoleAgentRegistry: agentRegAddr,
		registry.RoleFeeManager:    feePolicy,
		registry.RoleTreasury:      treasuryAddr,
		registry.RoleReputation:    repAddr,
		registry.RoleArbitration:   arbAddr,
		registry.RoleTokenEscrow:   engineAddr,
	})
}

// newEnvWith binds only the given roles, for exercising how the protocol
// degrades when optional modules are unbound.
func newEnvWith(t *testing.T, bindings map[string]string) *env {
	t.Helper()
	ctx := context.Background()

	pool, teardown, err := infra.ApplyMigrations(ctx, sharedDSN(t), true)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	t.Cleanup(func() {
		pool.Close()
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	})

	timeline := events.Timeline{}
	outbox := events.Outbox{}

	e := &env{pool: pool}
	e.modules = registry.NewService(pool)
	e.tokens = token.NewLedger(pool)
	e.policies = fees.NewService(pool)
	e.agents = agents.NewService(pool, e.tokens, outbox)
	e.reputation = reputation.NewService(pool, outbox)
	e.engine = escrow.NewEngine(pool, e.modules, e.agents, e.policies, e.reputation,
		e.tokens, timeline, outbox, engineAddr, networkID)
	e.market = market.NewService(pool, e.modules, e.agents, e.engine, timeline, outbox)
	e.repo = market.NewRepository(pool)
	e.arb = arbitration.NewService(pool, e.engine, arbAddr)
	e.dispatcher = events.NewDispatcher(pool, func(string, []byte) error { return nil })

	if err := e.modules.Init(ctx, ownerAddr); err != nil {
		t.Fatalf("init registry: %v", err)
	}
	if err := e.agents.Init(ctx, ownerAddr, engineAddr, asset); err != nil {
		t.Fatalf("init agent registry: %v", err)
	}
	if err := e.reputation.Init(ctx, ownerAddr); err != nil {
		t.Fatalf("init reputation: %v", err)
	}
	if err := e.reputation.SetUpdater(ctx, ownerAddr, engineAddr); err != nil {
		t.Fatalf("set reputation updater: %v", err)
	}
	if err := e.arb.Init(ctx, ownerAddr); err != nil {
		t.Fatalf("init arbitration: %v", err)
	}

	for role, addr := range bindings {
		if err := e.modules.SetModule(ctx, ownerAddr, role, addr); err != nil {
			t.Fatalf("bind %s: %v", role, err)
		}
	}

	if err := e.policies.Create(ctx, fees.Policy{
		Address:  feePolicy,
		Kind:     fees.KindBps,
		FeeBps:   250,
		Treasury: treasuryAddr,
	}); err != nil {
		t.Fatalf("create fee policy: %v", err)
	}

	return e
}

func (e *env) mint(t *testing.T, holder string, amount int64) {
	t.Helper()
	if err := e.tokens.Mint(context.Background(), asset, holder, amount); err != nil {
		t.Fatalf("mint %d to %s: %v", amount, holder, err)
	}
}

func (e *env) balance(t *testing.T, holder string) int64 {
	t.Helper()
	bal, err := e.tokens.BalanceOf(context.Background(), asset, holder)
	if err != nil {
		t.Fatalf("balance of %s: %v", holder, err)
	}
	return bal
}

func (e *env) registerAgent(t *testing.T, address string) {
	t.Helper()
	if err := e.agents.Register(context.Background(), address, "ipfs://manifest", 0); err != nil {
		t.Fatalf("register agent %s: %v", address, err)
	}
}
