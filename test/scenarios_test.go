package test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentmarket/agents"
	"agentmarket/arbitration"
	"agentmarket/escrow"
	"agentmarket/fees"
	"agentmarket/identity"
	"agentmarket/market"
	"agentmarket/registry"
)

func newAgentKey(t *testing.T, fill byte) *identity.KeyPair {
	t.Helper()
	key, err := identity.FromSeed(bytes.Repeat([]byte{fill}, 32))
	require.NoError(t, err)
	return key
}

func signedReceipt(e *env, key *identity.KeyPair, escrowID, jobID int64, nonce uint64) (escrow.DeliveryReceipt, []byte) {
	receipt := escrow.DeliveryReceipt{
		EscrowID:     escrowID,
		JobID:        jobID,
		Agent:        key.Address(),
		DeliveryRef:  "ipfs://delivery",
		DeliveryHash: [32]byte{0xde, 0xad, 0xbe, 0xef},
		Timestamp:    time.Now().Unix(),
		Nonce:        nonce,
		Deadline:     time.Now().Add(time.Minute).Unix(),
	}
	return receipt, key.SignDigest(escrow.ReceiptDigest(e.engine.NetworkID(), e.engine.Address(), receipt))
}

// Full happy path: publish, bid, select, deliver, accept. The fee split and
// the reputation credit land atomically with the settlement.
func TestLifecycleAcceptPaysOut(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	key := newAgentKey(t, 7)
	agent := key.Address()
	e.registerAgent(t, agent)
	e.mint(t, buyerAddr, 1000_000000)

	job, err := e.market.PublishJob(ctx, buyerAddr, market.PublishParams{
		SpecRef:  "ipfs://spec",
		Category: market.CategoryEcomHero,
		Budget:   1000_000000,
		Asset:    asset,
		Deadline: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	bid, err := e.market.PlaceBid(ctx, agent, job.ID, market.BidParams{
		ProposalRef:  "ipfs://proposal",
		Price:        900_000000,
		EtaSeconds:   3600,
		MaxRevisions: 1,
	})
	require.NoError(t, err)

	escrowID, err := e.market.SelectBid(ctx, buyerAddr, job.ID, bid.ID)
	require.NoError(t, err)

	assert.EqualValues(t, 100_000000, e.balance(t, buyerAddr))
	assert.EqualValues(t, 900_000000, e.balance(t, engineAddr))

	got, err := e.repo.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, market.StatusSelected, got.Status)
	assert.Equal(t, bid.ID, got.SelectedBidID)
	assert.Equal(t, escrowID, got.EscrowID)

	nonce, err := e.engine.Nonce(ctx, agent)
	require.NoError(t, err)
	receipt, sig := signedReceipt(e, key, escrowID, job.ID, nonce)
	require.NoError(t, e.engine.SubmitDelivery(ctx, receipt, sig))

	require.NoError(t, e.engine.Accept(ctx, buyerAddr, escrowID))

	// 2.5% of 900 goes to the treasury, the rest to the agent.
	assert.EqualValues(t, 877_500000, e.balance(t, agent))
	assert.EqualValues(t, 22_500000, e.balance(t, treasuryAddr))
	assert.EqualValues(t, 0, e.balance(t, engineAddr))

	score, err := e.reputation.ScoreOf(ctx, agent)
	require.NoError(t, err)
	assert.EqualValues(t, 1, score)
	history, err := e.reputation.History(ctx, agent, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "accept", history[0].Reason)
	assert.Equal(t, escrowID, history[0].RelatedID)

	// Settlement fires exactly once.
	assert.ErrorIs(t, e.engine.Accept(ctx, buyerAddr, escrowID), escrow.ErrSettled)
	assert.ErrorIs(t, e.engine.RefundOnTimeout(ctx, buyerAddr, escrowID), escrow.ErrSettled)
}

// One revision is negotiated, a second request is rejected, and the
// redelivery settles normally.
func TestRevisionRoundThenAccept(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	key := newAgentKey(t, 9)
	agent := key.Address()
	e.registerAgent(t, agent)
	e.mint(t, buyerAddr, 800_000000)

	job, err := e.market.PublishJob(ctx, buyerAddr, market.PublishParams{
		SpecRef:  "ipfs://spec",
		Category: market.CategorySocialPack,
		Budget:   800_000000,
		Asset:    asset,
		Deadline: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	bid, err := e.market.PlaceBid(ctx, agent, job.ID, market.BidParams{
		ProposalRef:  "ipfs://proposal",
		Price:        700_000000,
		MaxRevisions: 1,
	})
	require.NoError(t, err)
	escrowID, err := e.market.SelectBid(ctx, buyerAddr, job.ID, bid.ID)
	require.NoError(t, err)

	// Accept before any delivery is rejected.
	assert.ErrorIs(t, e.engine.Accept(ctx, buyerAddr, escrowID), escrow.ErrNotDelivered)

	receipt, sig := signedReceipt(e, key, escrowID, job.ID, 0)
	require.NoError(t, e.engine.SubmitDelivery(ctx, receipt, sig))

	require.NoError(t, e.engine.RequestRevision(ctx, buyerAddr, escrowID, "ipfs://note"))
	assert.ErrorIs(t, e.engine.Accept(ctx, buyerAddr, escrowID), escrow.ErrRevisionPending)
	assert.ErrorIs(t, e.engine.RequestRevision(ctx, buyerAddr, escrowID, "ipfs://note2"),
		escrow.ErrRevisionLimit)

	// Redelivery clears the pending flag and consumes the next nonce.
	receipt2, sig2 := signedReceipt(e, key, escrowID, job.ID, 1)
	require.NoError(t, e.engine.SubmitDelivery(ctx, receipt2, sig2))
	require.NoError(t, e.engine.Accept(ctx, buyerAddr, escrowID))

	assert.EqualValues(t, 682_500000, e.balance(t, agent))
	assert.EqualValues(t, 17_500000, e.balance(t, treasuryAddr))
	assert.EqualValues(t, 100_000000, e.balance(t, buyerAddr))
}

// Cancelling an open job moves no funds and blocks further bids.
func TestCancelOpenJob(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	key := newAgentKey(t, 11)
	e.registerAgent(t, key.Address())
	e.mint(t, buyerAddr, 500_000000)

	job, err := e.market.PublishJob(ctx, buyerAddr, market.PublishParams{
		SpecRef:  "ipfs://spec",
		Category: market.CategoryLandingPage,
		Budget:   500_000000,
		Asset:    asset,
		Deadline: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	assert.ErrorIs(t, e.market.CancelJob(ctx, key.Address(), job.ID), market.ErrNotBuyer)
	require.NoError(t, e.market.CancelJob(ctx, buyerAddr, job.ID))

	_, err = e.market.PlaceBid(ctx, key.Address(), job.ID, market.BidParams{
		ProposalRef: "ipfs://proposal",
		Price:       400_000000,
	})
	assert.ErrorIs(t, err, market.ErrNotOpen)

	got, err := e.repo.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, market.StatusCancelled, got.Status)
	assert.EqualValues(t, 500_000000, e.balance(t, buyerAddr))
	assert.EqualValues(t, 0, e.balance(t, engineAddr))
}

// A bid arriving after the deadline commits the expiry and is rejected.
func TestJobExpiresLazily(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	key := newAgentKey(t, 13)
	e.registerAgent(t, key.Address())

	now := time.Now()
	job, err := e.market.PublishJob(ctx, buyerAddr, market.PublishParams{
		SpecRef:  "ipfs://spec",
		Category: market.CategoryEcomHero,
		Budget:   300_000000,
		Asset:    asset,
		Deadline: now.Add(5 * time.Second),
	})
	require.NoError(t, err)

	// Advance the market clock past the deadline instead of sleeping.
	e.market.WithClock(func() time.Time { return now.Add(10 * time.Second) })

	_, err = e.market.PlaceBid(ctx, key.Address(), job.ID, market.BidParams{
		ProposalRef: "ipfs://proposal",
		Price:       200_000000,
	})
	assert.ErrorIs(t, err, market.ErrJobExpired)

	got, err := e.repo.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, market.StatusExpired, got.Status)

	n, err := e.repo.CountBids(ctx, job.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// A disputed escrow cannot settle until the arbitrator rules; a buyer win
// refunds in full and debits the agent's reputation.
func TestDisputeBuyerWins(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	key := newAgentKey(t, 17)
	agent := key.Address()
	e.registerAgent(t, agent)
	e.mint(t, buyerAddr, 250_000000)

	job, err := e.market.PublishJob(ctx, buyerAddr, market.PublishParams{
		SpecRef:  "ipfs://spec",
		Category: market.CategoryCustom,
		Budget:   250_000000,
		Asset:    asset,
		Deadline: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	bid, err := e.market.PlaceBid(ctx, agent, job.ID, market.BidParams{
		ProposalRef: "ipfs://proposal",
		Price:       250_000000,
	})
	require.NoError(t, err)
	escrowID, err := e.market.SelectBid(ctx, buyerAddr, job.ID, bid.ID)
	require.NoError(t, err)

	receipt, sig := signedReceipt(e, key, escrowID, job.ID, 0)
	require.NoError(t, e.engine.SubmitDelivery(ctx, receipt, sig))

	// Outsiders cannot open a dispute.
	_, err = e.engine.OpenDispute(ctx, treasuryAddr, escrowID, "ipfs://evidence")
	assert.ErrorIs(t, err, escrow.ErrNotParty)

	disputeID, err := e.engine.OpenDispute(ctx, buyerAddr, escrowID, "ipfs://evidence")
	require.NoError(t, err)
	require.NotZero(t, disputeID)

	_, err = e.engine.OpenDispute(ctx, agent, escrowID, "ipfs://counter")
	assert.ErrorIs(t, err, escrow.ErrDisputeExists)
	assert.ErrorIs(t, e.engine.Accept(ctx, buyerAddr, escrowID), escrow.ErrDisputed)

	// Only the appointed arbitrator can rule, only the bound module can execute.
	assert.ErrorIs(t, e.arb.Rule(ctx, buyerAddr, disputeID, escrow.RulingBuyerWins),
		arbitration.ErrNotArbitrator)
	assert.ErrorIs(t, e.engine.ExecuteRuling(ctx, buyerAddr, disputeID, escrow.RulingBuyerWins),
		escrow.ErrNotArbitration)

	require.NoError(t, e.arb.Rule(ctx, ownerAddr, disputeID, escrow.RulingBuyerWins))
	assert.ErrorIs(t, e.arb.Execute(ctx, buyerAddr, disputeID), arbitration.ErrNotArbitrator)
	require.NoError(t, e.arb.Execute(ctx, ownerAddr, disputeID))

	assert.EqualValues(t, 250_000000, e.balance(t, buyerAddr))
	assert.EqualValues(t, 0, e.balance(t, engineAddr))
	assert.EqualValues(t, 0, e.balance(t, agent))

	score, err := e.reputation.ScoreOf(ctx, agent)
	require.NoError(t, err)
	assert.EqualValues(t, -1, score)

	d, err := e.engine.GetDispute(ctx, disputeID)
	require.NoError(t, err)
	assert.True(t, d.Resolved)
	assert.Equal(t, escrow.RulingBuyerWins, d.Ruling)

	// The ruling fires once and cannot be amended afterwards.
	err = e.arb.Execute(ctx, ownerAddr, disputeID)
	assert.ErrorIs(t, err, escrow.ErrAlreadyResolved)
	err = e.arb.Rule(ctx, ownerAddr, disputeID, escrow.RulingAgentWins)
	assert.ErrorIs(t, err, arbitration.ErrDisputeResolved)
}

// An agent win pays out through the fee split, same as an acceptance.
func TestDisputeAgentWins(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	key := newAgentKey(t, 19)
	agent := key.Address()
	e.registerAgent(t, agent)
	e.mint(t, buyerAddr, 400_000000)

	id, err := e.engine.Create(ctx, buyerAddr, agent, 400_000000, asset, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, e.engine.Fund(ctx, buyerAddr, id))
	assert.ErrorIs(t, e.engine.Fund(ctx, buyerAddr, id), escrow.ErrAlreadyFunded)

	receipt, sig := signedReceipt(e, key, id, 0, 0)
	require.NoError(t, e.engine.SubmitDelivery(ctx, receipt, sig))

	disputeID, err := e.engine.OpenDispute(ctx, agent, id, "ipfs://evidence")
	require.NoError(t, err)

	require.NoError(t, e.arb.Rule(ctx, ownerAddr, disputeID, escrow.RulingAgentWins))
	require.NoError(t, e.arb.Execute(ctx, ownerAddr, disputeID))

	assert.EqualValues(t, 390_000000, e.balance(t, agent))
	assert.EqualValues(t, 10_000000, e.balance(t, treasuryAddr))
	assert.EqualValues(t, 0, e.balance(t, engineAddr))

	score, err := e.reputation.ScoreOf(ctx, agent)
	require.NoError(t, err)
	assert.EqualValues(t, 1, score)
}

// Receipts bind to the agent's nonce: reuse and skips are rejected, and
// foreign signatures never pass.
func TestReceiptNonceAndSignature(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	key := newAgentKey(t, 23)
	stranger := newAgentKey(t, 29)
	agent := key.Address()
	e.registerAgent(t, agent)
	e.mint(t, buyerAddr, 600_000000)

	first, err := e.engine.Create(ctx, buyerAddr, agent, 300_000000, asset, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, e.engine.Fund(ctx, buyerAddr, first))
	second, err := e.engine.Create(ctx, buyerAddr, agent, 300_000000, asset, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, e.engine.Fund(ctx, buyerAddr, second))

	// Wrong signer is rejected before the nonce is touched.
	receipt, _ := signedReceipt(e, key, first, 0, 0)
	forged := stranger.SignDigest(escrow.ReceiptDigest(e.engine.NetworkID(), e.engine.Address(), receipt))
	assert.ErrorIs(t, e.engine.SubmitDelivery(ctx, receipt, forged), escrow.ErrBadSignature)

	// Skipping ahead is rejected.
	skipped, skippedSig := signedReceipt(e, key, first, 0, 5)
	assert.ErrorIs(t, e.engine.SubmitDelivery(ctx, skipped, skippedSig), escrow.ErrBadNonce)

	// A receipt past its own deadline is rejected without consuming the nonce.
	stale := escrow.DeliveryReceipt{
		EscrowID:     first,
		Agent:        agent,
		DeliveryRef:  "ipfs://delivery",
		DeliveryHash: [32]byte{0xde, 0xad, 0xbe, 0xef},
		Timestamp:    time.Now().Unix(),
		Nonce:        0,
		Deadline:     time.Now().Add(-time.Minute).Unix(),
	}
	staleSig := key.SignDigest(escrow.ReceiptDigest(e.engine.NetworkID(), e.engine.Address(), stale))
	assert.ErrorIs(t, e.engine.SubmitDelivery(ctx, stale, staleSig), escrow.ErrReceiptExpired)

	// Nonce 0 is still live after the expired attempt.
	receipt, sig := signedReceipt(e, key, first, 0, 0)
	require.NoError(t, e.engine.SubmitDelivery(ctx, receipt, sig))

	// Replaying the consumed nonce on another escrow fails.
	replay, replaySig := signedReceipt(e, key, second, 0, 0)
	assert.ErrorIs(t, e.engine.SubmitDelivery(ctx, replay, replaySig), escrow.ErrBadNonce)

	next, nextSig := signedReceipt(e, key, second, 0, 1)
	require.NoError(t, e.engine.SubmitDelivery(ctx, next, nextSig))

	nonce, err := e.engine.Nonce(ctx, agent)
	require.NoError(t, err)
	assert.EqualValues(t, 2, nonce)
}

// Anyone may trigger a refund once the deadline passes, and the buyer is
// made whole.
func TestRefundOnTimeout(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	key := newAgentKey(t, 31)
	agent := key.Address()
	e.registerAgent(t, agent)
	e.mint(t, buyerAddr, 200_000000)

	id, err := e.engine.Create(ctx, buyerAddr, agent, 200_000000, asset, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, e.engine.Fund(ctx, buyerAddr, id))

	assert.ErrorIs(t, e.engine.RefundOnTimeout(ctx, treasuryAddr, id), escrow.ErrNotExpired)

	e.engine.WithClock(func() time.Time { return time.Now().Add(2 * time.Hour) })
	require.NoError(t, e.engine.RefundOnTimeout(ctx, treasuryAddr, id))

	assert.EqualValues(t, 200_000000, e.balance(t, buyerAddr))
	assert.EqualValues(t, 0, e.balance(t, engineAddr))

	got, err := e.engine.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, escrow.SettlementRefunded, got.Settlement)
}

// Suspending an agent blocks new bids and blocks acceptance of pending work.
func TestSuspendedAgentBlocked(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	key := newAgentKey(t, 37)
	agent := key.Address()
	e.registerAgent(t, agent)
	e.mint(t, buyerAddr, 500_000000)

	job, err := e.market.PublishJob(ctx, buyerAddr, market.PublishParams{
		SpecRef:  "ipfs://spec",
		Category: market.CategoryEcomHero,
		Budget:   500_000000,
		Asset:    asset,
		Deadline: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	bid, err := e.market.PlaceBid(ctx, agent, job.ID, market.BidParams{
		ProposalRef: "ipfs://proposal",
		Price:       500_000000,
	})
	require.NoError(t, err)
	escrowID, err := e.market.SelectBid(ctx, buyerAddr, job.ID, bid.ID)
	require.NoError(t, err)

	receipt, sig := signedReceipt(e, key, escrowID, job.ID, 0)
	require.NoError(t, e.engine.SubmitDelivery(ctx, receipt, sig))

	require.NoError(t, e.agents.SetStatus(ctx, ownerAddr, agent, agents.StatusSuspended))

	assert.ErrorIs(t, e.engine.Accept(ctx, buyerAddr, escrowID), escrow.ErrAgentNotActive)

	job2, err := e.market.PublishJob(ctx, buyerAddr, market.PublishParams{
		SpecRef:  "ipfs://spec2",
		Category: market.CategoryEcomHero,
		Budget:   100_000000,
		Asset:    asset,
		Deadline: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	_, err = e.market.PlaceBid(ctx, agent, job2.ID, market.BidParams{
		ProposalRef: "ipfs://proposal2",
		Price:       100_000000,
	})
	assert.ErrorIs(t, err, market.ErrAgentNotActive)
}

// Settlement reads the fee policy and treasury bound at settlement time,
// not the ones in place when the escrow was created.
func TestSettlementUsesLiveBindings(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	const (
		nextPolicy   = "0x9100000000000000000000000000000000000091"
		nextTreasury = "0x9200000000000000000000000000000000000092"
	)

	key := newAgentKey(t, 41)
	agent := key.Address()
	e.registerAgent(t, agent)
	e.mint(t, buyerAddr, 800_000000)

	first, err := e.engine.Create(ctx, buyerAddr, agent, 400_000000, asset, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, e.engine.Fund(ctx, buyerAddr, first))
	second, err := e.engine.Create(ctx, buyerAddr, agent, 400_000000, asset, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, e.engine.Fund(ctx, buyerAddr, second))

	receipt, sig := signedReceipt(e, key, first, 0, 0)
	require.NoError(t, e.engine.SubmitDelivery(ctx, receipt, sig))
	require.NoError(t, e.engine.Accept(ctx, buyerAddr, first))

	// 250 bps into the original treasury.
	assert.EqualValues(t, 10_000000, e.balance(t, treasuryAddr))
	assert.EqualValues(t, 390_000000, e.balance(t, agent))

	// Rebind the fee policy and treasury between the two settlements.
	require.NoError(t, e.policies.Create(ctx, fees.Policy{
		Address:  nextPolicy,
		Kind:     fees.KindBps,
		FeeBps:   500,
		Treasury: nextTreasury,
	}))
	require.NoError(t, e.modules.SetModule(ctx, ownerAddr, registry.RoleFeeManager, nextPolicy))
	require.NoError(t, e.modules.SetModule(ctx, ownerAddr, registry.RoleTreasury, nextTreasury))

	receipt2, sig2 := signedReceipt(e, key, second, 0, 1)
	require.NoError(t, e.engine.SubmitDelivery(ctx, receipt2, sig2))
	require.NoError(t, e.engine.Accept(ctx, buyerAddr, second))

	// The second settlement pays 500 bps into the new treasury; the first
	// split is untouched.
	assert.EqualValues(t, 10_000000, e.balance(t, treasuryAddr))
	assert.EqualValues(t, 20_000000, e.balance(t, nextTreasury))
	assert.EqualValues(t, 770_000000, e.balance(t, agent))
	assert.EqualValues(t, 0, e.balance(t, engineAddr))
}

// With optional modules unbound the engine degrades gracefully: no agent
// gate, no fee split, no reputation, and disputes are a recorded no-op.
func TestUnboundOptionalModules(t *testing.T) {
	e := newEnvWith(t, map[string]string{registry.RoleTokenEscrow: engineAddr})
	ctx := context.Background()

	key := newAgentKey(t, 59)
	agent := key.Address()
	e.mint(t, buyerAddr, 300_000000)

	// The agent was never registered; creation passes with no registry bound.
	id, err := e.engine.Create(ctx, buyerAddr, agent, 300_000000, asset, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, e.engine.Fund(ctx, buyerAddr, id))

	receipt, sig := signedReceipt(e, key, id, 0, 0)
	require.NoError(t, e.engine.SubmitDelivery(ctx, receipt, sig))

	disputeID, err := e.engine.OpenDispute(ctx, buyerAddr, id, "ipfs://evidence")
	require.NoError(t, err)
	assert.Zero(t, disputeID)
	require.NoError(t, e.engine.ExecuteRuling(ctx, buyerAddr, 99, escrow.RulingBuyerWins))

	require.NoError(t, e.engine.Accept(ctx, buyerAddr, id))

	assert.EqualValues(t, 300_000000, e.balance(t, agent))
	assert.EqualValues(t, 0, e.balance(t, treasuryAddr))

	score, err := e.reputation.ScoreOf(ctx, agent)
	require.NoError(t, err)
	assert.Zero(t, score)

	// Bidding is open to anyone while no agent registry is bound.
	job, err := e.market.PublishJob(ctx, buyerAddr, market.PublishParams{
		SpecRef:  "ipfs://spec",
		Category: market.CategoryEcomHero,
		Budget:   100_000000,
		Asset:    asset,
		Deadline: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	_, err = e.market.PlaceBid(ctx, agent, job.ID, market.BidParams{
		ProposalRef: "ipfs://proposal",
		Price:       100_000000,
	})
	require.NoError(t, err)
}

// Closing a job is buyer-only bookkeeping on top of a settled escrow.
func TestCloseJobAfterAccept(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	key := newAgentKey(t, 61)
	agent := key.Address()
	e.registerAgent(t, agent)
	e.mint(t, buyerAddr, 300_000000)

	job, err := e.market.PublishJob(ctx, buyerAddr, market.PublishParams{
		SpecRef:  "ipfs://spec",
		Category: market.CategorySocialPack,
		Budget:   300_000000,
		Asset:    asset,
		Deadline: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	// A job without a selected bid cannot be closed.
	assert.ErrorIs(t, e.market.CloseJob(ctx, buyerAddr, job.ID), market.ErrNotSelected)

	bid, err := e.market.PlaceBid(ctx, agent, job.ID, market.BidParams{
		ProposalRef: "ipfs://proposal",
		Price:       300_000000,
	})
	require.NoError(t, err)
	escrowID, err := e.market.SelectBid(ctx, buyerAddr, job.ID, bid.ID)
	require.NoError(t, err)

	receipt, sig := signedReceipt(e, key, escrowID, job.ID, 0)
	require.NoError(t, e.engine.SubmitDelivery(ctx, receipt, sig))
	require.NoError(t, e.engine.Accept(ctx, buyerAddr, escrowID))

	assert.ErrorIs(t, e.market.CloseJob(ctx, agent, job.ID), market.ErrNotBuyer)
	require.NoError(t, e.market.CloseJob(ctx, buyerAddr, job.ID))

	got, err := e.repo.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, market.StatusClosed, got.Status)

	// Closed is terminal.
	assert.ErrorIs(t, e.market.CloseJob(ctx, buyerAddr, job.ID), market.ErrNotSelected)
	assert.ErrorIs(t, e.market.CancelJob(ctx, buyerAddr, job.ID), market.ErrNotOpen)
}

// Custom jobs enforce the budget floor.
func TestCustomBudgetFloor(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.market.PublishJob(ctx, buyerAddr, market.PublishParams{
		SpecRef:  "ipfs://spec",
		Category: market.CategoryCustom,
		Budget:   market.CustomBudgetFloor - 1,
		Asset:    asset,
		Deadline: time.Now().Add(time.Hour),
	})
	assert.ErrorIs(t, err, market.ErrCustomBudgetTooLow)

	_, err = e.market.PublishJob(ctx, buyerAddr, market.PublishParams{
		SpecRef:  "ipfs://spec",
		Category: market.CategoryCustom,
		Budget:   market.CustomBudgetFloor,
		Asset:    asset,
		Deadline: time.Now().Add(time.Hour),
	})
	assert.NoError(t, err)
}
