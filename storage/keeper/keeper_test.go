package keeper

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"custodia/native/escrow"
	"custodia/native/fees"
	"custodia/native/operator"
	"custodia/storage"
)

func testAddr(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

func testRecord() *operator.AuthorizationRecord {
	info := escrow.PaymentInfo{
		Operator:            testAddr(0x01),
		Payer:               testAddr(0x02),
		Receiver:            testAddr(0x03),
		Token:               "USDC",
		MaxAmount:           big.NewInt(1000),
		PreApprovalExpiry:   100,
		AuthorizationExpiry: 200,
		RefundExpiry:        300,
		MinFeeBps:           50,
		MaxFeeBps:           50,
		FeeReceiver:         testAddr(0x01),
	}
	info.Salt[0] = 0x42
	return &operator.AuthorizationRecord{
		Info:                info,
		Hash:                escrow.Hash(info, 1),
		AuthorizedAt:        150,
		Authorized:          big.NewInt(1000),
		Captured:            big.NewInt(600),
		Refunded:            big.NewInt(400),
		RefundedPostCapture: big.NewInt(50),
	}
}

func TestPaymentRoundTrip(t *testing.T) {
	k := New(storage.NewMemDB())
	record := testRecord()
	require.NoError(t, k.PaymentPut(record))

	loaded, ok, err := k.PaymentGet(record.Hash)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, record, loaded)

	_, ok, err = k.PaymentGet([32]byte{0xFF})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAuthorizationRoundTrip(t *testing.T) {
	k := New(storage.NewMemDB())
	auth := &escrow.Authorization{
		Hash:                [32]byte{0x01},
		Operator:            testAddr(0x01),
		Payer:               testAddr(0x02),
		Receiver:            testAddr(0x03),
		Token:               "USDC",
		Capturable:          big.NewInt(400),
		Refundable:          big.NewInt(600),
		Collected:           true,
		Collector:           testAddr(0x04),
		CollectorData:       []byte{0xDE, 0xAD},
		AuthorizedAt:        150,
		AuthorizationExpiry: 200,
		RefundExpiry:        300,
	}
	require.NoError(t, k.AuthorizationPut(auth))

	loaded, ok, err := k.AuthorizationGet(auth.Hash)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, auth, loaded)
}

func TestAccountRoundTrip(t *testing.T) {
	k := New(storage.NewMemDB())
	addr := testAddr(0x07)

	empty, err := k.GetAccount(addr)
	require.NoError(t, err)
	require.Zero(t, empty.Balance("USDC").Sign())

	empty.SetBalance("USDC", big.NewInt(12345))
	require.NoError(t, k.PutAccount(addr, empty))

	loaded, err := k.GetAccount(addr)
	require.NoError(t, err)
	require.Equal(t, int64(12345), loaded.Balance("USDC").Int64())
}

func TestIndexAppendPreservesOrder(t *testing.T) {
	k := New(storage.NewMemDB())
	party := testAddr(0x08)
	first := [32]byte{0x01}
	second := [32]byte{0x02}

	require.NoError(t, k.PaymentIndexAppend(operator.IndexPayer, party, first))
	require.NoError(t, k.PaymentIndexAppend(operator.IndexPayer, party, second))

	hashes, err := k.PaymentIndexList(operator.IndexPayer, party)
	require.NoError(t, err)
	require.Equal(t, [][32]byte{first, second}, hashes)

	other, err := k.PaymentIndexList(operator.IndexReceiver, party)
	require.NoError(t, err)
	require.Empty(t, other)
}

func TestFeeStateRoundTrip(t *testing.T) {
	k := New(storage.NewMemDB())
	addr := testAddr(0x0B)

	_, ok, err := k.FeeStateGet(addr)
	require.NoError(t, err)
	require.False(t, ok)

	state := operator.FeeState{FeesEnabled: true, ToggleQueued: true, ToggleQueuedAt: 1234}
	require.NoError(t, k.FeeStatePut(addr, state))

	loaded, ok, err := k.FeeStateGet(addr)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, state, loaded)
}

func TestOperatorRegistrations(t *testing.T) {
	k := New(storage.NewMemDB())
	deployed := &operator.DeployedOperator{
		Address: testAddr(0x09),
		Policy: operator.Policy{
			Arbiter:             testAddr(0x0A),
			EscrowDelay:         3600,
			AuthorizationWindow: 86400,
			RefundWindow:        604800,
		},
		DeployedAt: 1234,
	}
	require.NoError(t, k.OperatorPut(deployed))

	listed, err := k.OperatorList()
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.Equal(t, deployed, listed[0])
}

// The keeper must be usable as the shared state backend for a factory, its
// engines, and the ledger at once.
func TestKeeperBacksFullFlow(t *testing.T) {
	k := New(storage.NewMemDB())
	now := int64(1_000_000)
	clock := func() int64 { return now }

	ledger := escrow.NewLedger(1)
	ledger.SetState(k)
	ledger.SetNowFunc(clock)

	payer := testAddr(0x02)
	receiver := testAddr(0x03)
	require.NoError(t, ledger.Mint(payer, "USDC", big.NewInt(2_000)))

	factory, err := operator.NewFactory(testAddr(0xF0), testAddr(0x0F), testFeeConfig(), 3_600)
	require.NoError(t, err)
	factory.SetState(k)
	factory.SetLedger(ledger)
	factory.SetNowFunc(clock)

	policy := operator.Policy{
		Arbiter:             testAddr(0x0A),
		EscrowDelay:         3_600,
		AuthorizationWindow: 86_400,
		RefundWindow:        604_800,
	}
	engine, err := factory.Deploy(policy)
	require.NoError(t, err)

	info := escrow.PaymentInfo{
		Operator:          engine.Address(),
		Payer:             payer,
		Receiver:          receiver,
		Token:             "USDC",
		MaxAmount:         big.NewInt(1_000),
		PreApprovalExpiry: now + 600,
	}
	record, err := engine.Authorize(info, big.NewInt(1_000), [20]byte{}, nil)
	require.NoError(t, err)

	now += policy.EscrowDelay
	require.NoError(t, engine.Release(receiver, record.Hash, big.NewInt(1_000)))

	receiverBal, err := ledger.BalanceOf(receiver, "USDC")
	require.NoError(t, err)
	require.Equal(t, int64(995), receiverBal.Int64())

	// A fresh factory over the same keeper restores the deployed instance.
	restored, err := operator.NewFactory(testAddr(0xF0), testAddr(0x0F), testFeeConfig(), 3_600)
	require.NoError(t, err)
	restored.SetState(k)
	restored.SetLedger(ledger)
	require.NoError(t, restored.Restore())
	again, err := restored.InstanceAt(engine.Address())
	require.NoError(t, err)

	loaded, err := again.GetPayment(record.Hash)
	require.NoError(t, err)
	require.Equal(t, int64(1_000), loaded.Captured.Int64())
}

func testFeeConfig() fees.Config {
	return fees.Config{
		MaxTotalFeeRate:       50,
		ProtocolFeePercentage: 25,
		ProtocolFeeRecipient:  testAddr(0x0C),
	}
}
