package ledger

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	walleterrors "github.com/c360/walletvault/errors"
)

func TestNormalizeKey(t *testing.T) {
	key := NormalizeKey(Key{
		Wallet:   "  0x1111111111111111111111111111111111111111 ",
		Symbol:   "usdt",
		Contract: "0xdAC17F958D2ee523a2206206994597C13D831ec7",
		Network:  "erc20",
	})
	assert.Equal(t, "USDT", key.Symbol)
	assert.Equal(t, "ERC20", key.Network)
	assert.Equal(t, "0x1111111111111111111111111111111111111111", key.Wallet)
}

func TestValidateAddress(t *testing.T) {
	tests := []struct {
		name    string
		network string
		addr    string
		wantErr bool
	}{
		{"erc20 lowercase", NetworkERC20, "0xabcdefabcdefabcdefabcdefabcdefabcdefabcd", false},
		{"erc20 checksummed", NetworkERC20, "0xdAC17F958D2ee523a2206206994597C13D831ec7", false},
		{"erc20 bad checksum", NetworkERC20, "0xDAC17F958D2ee523a2206206994597C13D831ec7", true},
		{"erc20 missing prefix", NetworkERC20, "dAC17F958D2ee523a2206206994597C13D831ec7", true},
		{"erc20 too short", NetworkERC20, "0xdAC17F", true},
		{"trc20 valid", NetworkTRC20, "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t", false},
		{"trc20 wrong prefix", NetworkTRC20, "XR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t", true},
		{"trc20 forbidden char", NetworkTRC20, "TR0NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t", true},
		{"unsupported network", "BEP20", "0xabcdefabcdefabcdefabcdefabcdefabcdefabcd", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAddress(tt.network, tt.addr)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, walleterrors.IsValidation(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateKey(t *testing.T) {
	valid := Key{
		Wallet:   "0x1111111111111111111111111111111111111111",
		Symbol:   "USDT",
		Contract: "0xdAC17F958D2ee523a2206206994597C13D831ec7",
		Network:  NetworkERC20,
	}
	assert.NoError(t, ValidateKey(valid))

	// The owner is an opaque id; any non-empty value is a valid key part.
	opaque := valid
	opaque.Wallet = "wallet1"
	assert.NoError(t, ValidateKey(opaque))

	noWallet := valid
	noWallet.Wallet = ""
	assert.Error(t, ValidateKey(noWallet))

	badSymbol := valid
	badSymbol.Symbol = "usdt token"
	assert.Error(t, ValidateKey(badSymbol))
}

func TestIsOfficialContract(t *testing.T) {
	assert.True(t, IsOfficialContract("USDT", NetworkERC20, "0xdAC17F958D2ee523a2206206994597C13D831ec7"))
	assert.True(t, IsOfficialContract("USDT", NetworkTRC20, "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"))
	assert.False(t, IsOfficialContract("USDT", NetworkERC20, "0xabcdefabcdefabcdefabcdefabcdefabcdefabcd"))
	assert.False(t, IsOfficialContract("DAI", NetworkERC20, "0xdAC17F958D2ee523a2206206994597C13D831ec7"))
}

func TestRecalculateDerivesTotal(t *testing.T) {
	rec := Record{
		Quantity: decimal.RequireFromString("12.5"),
		Price:    decimal.RequireFromString("0.8"),
	}
	now := time.Now()
	rec.Recalculate(now)
	assert.True(t, rec.TotalValue.Equal(decimal.RequireFromString("10")))
	assert.Equal(t, now, rec.LastUpdated)
}

func TestAmountAndPriceValidation(t *testing.T) {
	assert.Error(t, ValidateAmount(decimal.Zero))
	assert.Error(t, ValidateAmount(decimal.RequireFromString("-1")))
	assert.NoError(t, ValidateAmount(decimal.RequireFromString("0.0001")))

	assert.Error(t, ValidatePrice(decimal.RequireFromString("-0.01")))
	assert.Error(t, ValidatePrice(decimal.Zero))
	assert.NoError(t, ValidatePrice(decimal.RequireFromString("1.05")))
}

func TestFilterMatches(t *testing.T) {
	rec := Record{
		Key: Key{
			Wallet:   "0x1111111111111111111111111111111111111111",
			Symbol:   "USDT",
			Contract: "0xdAC17F958D2ee523a2206206994597C13D831ec7",
			Network:  NetworkERC20,
		},
		Active: false,
	}
	assert.True(t, Filter{}.Matches(rec))
	assert.True(t, Filter{Symbol: "USDT"}.Matches(rec))
	assert.False(t, Filter{Symbol: "DAI"}.Matches(rec))
	assert.False(t, Filter{ActiveOnly: true}.Matches(rec))
	assert.False(t, Filter{Wallet: "0x2222222222222222222222222222222222222222"}.Matches(rec))
}
