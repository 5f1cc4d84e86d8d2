// Package ledger implements the balance ledger: priced fungible token
// balances keyed by wallet, with decimal arithmetic throughout.
package ledger

import (
	"encoding/hex"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/sha3"

	walleterrors "github.com/c360/walletvault/errors"
)

// Supported token networks.
const (
	NetworkERC20 = "ERC20"
	NetworkTRC20 = "TRC20"
)

// Official USDT contract addresses per network. Injection of a token named
// USDT on a different contract is allowed but flagged in the record.
var officialUSDTContracts = map[string]string{
	NetworkERC20: "0xdAC17F958D2ee523a2206206994597C13D831ec7",
	NetworkTRC20: "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t",
}

// Key identifies a balance record. A wallet may hold the same symbol on
// several contracts or networks; each combination is a separate record.
type Key struct {
	Wallet   string `json:"wallet"`
	Symbol   string `json:"symbol"`
	Contract string `json:"contract"`
	Network  string `json:"network"`
}

// NormalizeKey uppercases symbol and network, matching ingest rules.
func NormalizeKey(k Key) Key {
	k.Symbol = strings.ToUpper(strings.TrimSpace(k.Symbol))
	k.Network = strings.ToUpper(strings.TrimSpace(k.Network))
	k.Wallet = strings.TrimSpace(k.Wallet)
	k.Contract = strings.TrimSpace(k.Contract)
	return k
}

// Record is one wallet's balance of one token. TotalValue is always derived
// as Quantity * Price and never stored independently.
type Record struct {
	Key         Key             `json:"key"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	TotalValue  decimal.Decimal `json:"total_value"`
	Official    bool            `json:"official"`
	Active      bool            `json:"active"`
	LastUpdated time.Time       `json:"last_updated"`
}

// Recalculate refreshes the derived total value and the update timestamp.
func (r *Record) Recalculate(now time.Time) {
	r.TotalValue = r.Quantity.Mul(r.Price)
	r.LastUpdated = now
}

var (
	symbolPattern = regexp.MustCompile(`^[A-Z0-9]{1,10}$`)
	hexAddrBody   = regexp.MustCompile(`^[0-9a-fA-F]{40}$`)
	trc20Pattern  = regexp.MustCompile(`^T[1-9A-HJ-NP-Za-km-z]{33}$`)
)

// ValidateKey checks the key parts. The wallet is an opaque owner
// identifier and only needs to be present; address-format rules apply to
// transfer counterparties, not to issuance targets. The key must already be
// normalized.
func ValidateKey(k Key) error {
	if k.Wallet == "" {
		return walleterrors.New(walleterrors.KindValidation, "wallet is required")
	}
	return ValidateToken(k.Symbol, k.Network, k.Contract)
}

// ValidateToken checks the token identity parts of a key.
func ValidateToken(symbol, network, contract string) error {
	if !symbolPattern.MatchString(symbol) {
		return walleterrors.Newf(walleterrors.KindValidation, "invalid token symbol %q", symbol)
	}
	return ValidateAddress(network, contract)
}

// ValidateAddress checks an address against its network's format. ERC20
// addresses with mixed case must carry a valid EIP-55 checksum.
func ValidateAddress(network, addr string) error {
	switch network {
	case NetworkERC20:
		if !strings.HasPrefix(addr, "0x") || !hexAddrBody.MatchString(addr[2:]) {
			return walleterrors.Newf(walleterrors.KindValidation, "invalid ERC20 address %q", addr)
		}
		if !validChecksum(addr[2:]) {
			return walleterrors.Newf(walleterrors.KindValidation, "ERC20 address %q fails checksum", addr)
		}
		return nil
	case NetworkTRC20:
		if !trc20Pattern.MatchString(addr) {
			return walleterrors.Newf(walleterrors.KindValidation, "invalid TRC20 address %q", addr)
		}
		return nil
	default:
		return walleterrors.Newf(walleterrors.KindValidation, "unsupported network %q", network)
	}
}

// validChecksum implements the EIP-55 mixed-case check. All-lower and
// all-upper bodies are accepted as checksum-less.
func validChecksum(body string) bool {
	lower := strings.ToLower(body)
	if body == lower || body == strings.ToUpper(body) {
		return true
	}
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(lower))
	digest := hex.EncodeToString(h.Sum(nil))
	for i := 0; i < len(body); i++ {
		c := body[i]
		if c >= '0' && c <= '9' {
			continue
		}
		if digest[i] >= '8' {
			if c != lower[i]-'a'+'A' {
				return false
			}
		} else if c != lower[i] {
			return false
		}
	}
	return true
}

// IsOfficialContract reports whether contract is the canonical USDT
// deployment for the network.
func IsOfficialContract(symbol, network, contract string) bool {
	if symbol != "USDT" {
		return false
	}
	official, ok := officialUSDTContracts[network]
	return ok && strings.EqualFold(official, contract)
}

// ValidateAmount rejects non-positive quantities.
func ValidateAmount(amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return walleterrors.Newf(walleterrors.KindValidation, "amount must be positive, got %s", amount)
	}
	return nil
}

// ValidatePrice rejects non-positive prices.
func ValidatePrice(price decimal.Decimal) error {
	if price.Sign() <= 0 {
		return walleterrors.Newf(walleterrors.KindValidation, "price must be positive, got %s", price)
	}
	return nil
}
