package ledger

// AccountKind represents the type of TigerBeetle account.
type AccountKind uint8

const (
	// AccountKindBorrowerEquity is the source of a borrower's equity cure capital.
	AccountKindBorrowerEquity AccountKind = 0x01

	// AccountKindCureEscrow holds cure contributions applied against covenant breaches.
	AccountKindCureEscrow AccountKind = 0x02
)

// String returns a human-readable name for the account kind.
func (k AccountKind) String() string {
	switch k {
	case AccountKindBorrowerEquity:
		return "BORROWER_EQUITY"
	case AccountKindCureEscrow:
		return "CURE_ESCROW"
	default:
		return "UNKNOWN"
	}
}

// Currency represents ISO 4217 currency codes as ledger IDs.
type Currency uint32

const (
	CurrencyEUR Currency = 978
	CurrencyGBP Currency = 826
	CurrencyUSD Currency = 840
	CurrencyCHF Currency = 756
	CurrencySEK Currency = 752
)

// String returns the ISO 4217 code for the currency.
func (c Currency) String() string {
	switch c {
	case CurrencyEUR:
		return "EUR"
	case CurrencyGBP:
		return "GBP"
	case CurrencyUSD:
		return "USD"
	case CurrencyCHF:
		return "CHF"
	case CurrencySEK:
		return "SEK"
	default:
		return "UNKNOWN"
	}
}

// CurrencyFromString converts a currency code string to Currency.
func CurrencyFromString(s string) Currency {
	switch s {
	case "EUR":
		return CurrencyEUR
	case "GBP":
		return CurrencyGBP
	case "USD":
		return CurrencyUSD
	case "CHF":
		return CurrencyCHF
	case "SEK":
		return CurrencySEK
	default:
		return 0
	}
}

// transferCodeCure tags cure contribution transfers in the ledger.
const transferCodeCure uint16 = 0x10
