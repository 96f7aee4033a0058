package ledger

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	tb "github.com/tigerbeetle/tigerbeetle-go"
	tbtypes "github.com/tigerbeetle/tigerbeetle-go/pkg/types"

	"covtrack/internal/config"
)

// Client wraps the TigerBeetle client with cure-ledger operations. Every
// equity cure contribution is mirrored here as a double-entry transfer
// from the borrower's equity account into the facility's cure escrow.
type Client struct {
	tb        tb.Client
	clusterID uint64
}

// NewClient creates a new TigerBeetle client.
func NewClient(cfg config.TigerBeetleConfig) (*Client, error) {
	addresses := make([]string, len(cfg.Addresses))
	copy(addresses, cfg.Addresses)

	client, err := tb.NewClient(tbtypes.ToUint128(cfg.ClusterID), addresses)
	if err != nil {
		return nil, fmt.Errorf("create TigerBeetle client: %w", err)
	}

	return &Client{
		tb:        client,
		clusterID: cfg.ClusterID,
	}, nil
}

// Close closes the TigerBeetle client connection.
func (c *Client) Close() {
	c.tb.Close()
}

// EnsureFacilityAccounts creates the equity and escrow accounts for a
// facility if they do not exist yet. Safe to call repeatedly: an existing
// account is not an error.
func (c *Client) EnsureFacilityAccounts(facilityID uuid.UUID, currency string) error {
	cur := CurrencyFromString(currency)
	if cur == 0 {
		return fmt.Errorf("unsupported ledger currency %q", currency)
	}

	accounts := []tbtypes.Account{
		{
			ID:     tbtypes.BytesToUint128([16]byte(NewAccountIDFromUUID(facilityID, AccountKindBorrowerEquity, cur))),
			Ledger: uint32(cur),
			Code:   uint16(AccountKindBorrowerEquity),
		},
		{
			ID:     tbtypes.BytesToUint128([16]byte(NewAccountIDFromUUID(facilityID, AccountKindCureEscrow, cur))),
			Ledger: uint32(cur),
			Code:   uint16(AccountKindCureEscrow),
		},
	}

	results, err := c.tb.CreateAccounts(accounts)
	if err != nil {
		return fmt.Errorf("create facility accounts: %w", err)
	}
	for _, result := range results {
		if result.Result != tbtypes.AccountOK && result.Result != tbtypes.AccountExists {
			return fmt.Errorf("create facility account failed: %s", result.Result.String())
		}
	}
	return nil
}

// RecordCureContribution posts a cure contribution as a transfer from the
// borrower equity account to the facility's cure escrow. Amounts are
// carried in minor units. Returns the posted transfer ID for storage
// alongside the contribution row.
func (c *Client) RecordCureContribution(facilityID uuid.UUID, amount decimal.Decimal, currency string) (*big.Int, error) {
	cur := CurrencyFromString(currency)
	if cur == 0 {
		return nil, fmt.Errorf("unsupported ledger currency %q", currency)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("cure contribution amount must be positive, got %s", amount)
	}

	minor := amount.Shift(2).IntPart()
	id := uuid.New()
	idBytes := [16]byte(id)

	transfers := []tbtypes.Transfer{{
		ID:              tbtypes.BytesToUint128(idBytes),
		DebitAccountID:  tbtypes.BytesToUint128([16]byte(NewAccountIDFromUUID(facilityID, AccountKindBorrowerEquity, cur))),
		CreditAccountID: tbtypes.BytesToUint128([16]byte(NewAccountIDFromUUID(facilityID, AccountKindCureEscrow, cur))),
		Amount:          tbtypes.ToUint128(uint64(minor)),
		Ledger:          uint32(cur),
		Code:            transferCodeCure,
	}}

	results, err := c.tb.CreateTransfers(transfers)
	if err != nil {
		return nil, fmt.Errorf("record cure contribution: %w", err)
	}
	for _, result := range results {
		if result.Result != tbtypes.TransferOK {
			return nil, fmt.Errorf("record cure contribution failed: %s", result.Result.String())
		}
	}

	return new(big.Int).SetBytes(idBytes[:]), nil
}

// EscrowBalance returns the posted cure escrow balance for a facility in
// minor units.
func (c *Client) EscrowBalance(facilityID uuid.UUID, currency string) (uint64, error) {
	cur := CurrencyFromString(currency)
	if cur == 0 {
		return 0, fmt.Errorf("unsupported ledger currency %q", currency)
	}

	accountID := NewAccountIDFromUUID(facilityID, AccountKindCureEscrow, cur)
	accounts, err := c.tb.LookupAccounts([]tbtypes.Uint128{tbtypes.BytesToUint128([16]byte(accountID))})
	if err != nil {
		return 0, fmt.Errorf("lookup escrow account: %w", err)
	}
	if len(accounts) == 0 {
		return 0, nil
	}
	posted := accounts[0].CreditsPosted.BigInt()
	return posted.Uint64(), nil
}
