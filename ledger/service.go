package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	walleterrors "github.com/c360/walletvault/errors"
	"github.com/c360/walletvault/notify"
	"github.com/c360/walletvault/pkg/retry"
)

// Publisher receives wallet events emitted by ledger operations. The
// dispatcher implements it; a nil publisher disables notification.
type Publisher interface {
	Publish(event notify.Event)
}

// Service executes balance operations against a Store and emits one event
// per affected wallet. Events are emitted after the store write commits.
type Service struct {
	store     Store
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewService wires the ledger over a store. publisher may be nil.
func NewService(store Store, publisher Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{
		store:     store,
		publisher: publisher,
		logger:    logger.With("component", "ledger"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Failure records why one wallet was skipped by a multi-wallet operation.
type Failure struct {
	Wallet string `json:"wallet"`
	Reason string `json:"reason"`
	Err    error  `json:"-"`
}

// InjectRequest issues tokens to one or more wallets at a unit price.
// Amount is optional: when omitted an existing balance keeps its quantity
// and only the price (and symbol metadata) is refreshed.
type InjectRequest struct {
	Wallets  []string        `json:"wallets"`
	Symbol   string          `json:"symbol"`
	Contract string          `json:"contract"`
	Network  string          `json:"network"`
	Amount   decimal.Decimal `json:"amount"`
	Price    decimal.Decimal `json:"price"`
}

// Inject issues the token to every wallet in the request. A supplied amount
// overwrites the stored quantity; an absent amount leaves it untouched. A
// missing record is created. Wallets that fail validation or persistence
// are reported in the failure list; the operation errors only when no
// wallet succeeded.
func (s *Service) Inject(ctx context.Context, req InjectRequest) ([]Record, []Failure, error) {
	if len(req.Wallets) == 0 {
		return nil, nil, walleterrors.New(walleterrors.KindValidation, "at least one wallet is required")
	}
	if req.Amount.Sign() < 0 {
		return nil, nil, walleterrors.Newf(walleterrors.KindValidation,
			"amount must not be negative, got %s", req.Amount)
	}
	if err := ValidatePrice(req.Price); err != nil {
		return nil, nil, err
	}

	var (
		updated  []Record
		failures []Failure
	)
	for _, wallet := range req.Wallets {
		key := NormalizeKey(Key{
			Wallet:   wallet,
			Symbol:   req.Symbol,
			Contract: req.Contract,
			Network:  req.Network,
		})
		if err := ValidateKey(key); err != nil {
			failures = append(failures, Failure{Wallet: wallet, Reason: err.Error(), Err: err})
			continue
		}

		rec, err := s.store.Upsert(ctx, key, func(rec *Record, exists bool) error {
			if !exists {
				rec.Key = key
				rec.Quantity = decimal.Zero
				rec.Official = IsOfficialContract(key.Symbol, key.Network, key.Contract)
			}
			if req.Amount.Sign() > 0 {
				rec.Quantity = req.Amount
			}
			rec.Price = req.Price
			rec.Active = true
			rec.Recalculate(s.now())
			return nil
		})
		if err != nil {
			failures = append(failures, Failure{Wallet: wallet, Reason: err.Error(), Err: err})
			continue
		}

		updated = append(updated, rec)
		s.publish(notify.EventTokenInjected, key.Wallet, injectionPayload{
			Record: rec,
			Amount: req.Amount,
		})
	}

	if len(updated) == 0 {
		return nil, failures, walleterrors.Wrap(failures[0].Err, "ledger", "Inject", "crediting all wallets")
	}
	s.logger.Info("tokens injected",
		"symbol", req.Symbol, "network", req.Network,
		"wallets", len(updated), "failed", len(failures), "amount", req.Amount)
	return updated, failures, nil
}

// SetPriceRequest reprices a token across every wallet holding it.
type SetPriceRequest struct {
	Symbol   string          `json:"symbol"`
	Contract string          `json:"contract"`
	Network  string          `json:"network"`
	Price    decimal.Decimal `json:"price"`
}

// SetPrice updates the unit price on all active records of the token and
// recomputes their total values. Errors when no matching record exists or
// when every update failed.
func (s *Service) SetPrice(ctx context.Context, req SetPriceRequest) ([]Record, []Failure, error) {
	if err := ValidatePrice(req.Price); err != nil {
		return nil, nil, err
	}
	tokenKey := NormalizeKey(Key{Symbol: req.Symbol, Contract: req.Contract, Network: req.Network})
	if err := ValidateToken(tokenKey.Symbol, tokenKey.Network, tokenKey.Contract); err != nil {
		return nil, nil, err
	}

	holders, err := s.store.Find(ctx, Filter{
		Symbol:     tokenKey.Symbol,
		Contract:   tokenKey.Contract,
		Network:    tokenKey.Network,
		ActiveOnly: true,
	})
	if err != nil {
		return nil, nil, walleterrors.Wrap(err, "ledger", "SetPrice", "listing holders")
	}
	if len(holders) == 0 {
		return nil, nil, walleterrors.WrapKind(walleterrors.KindNotFound,
			walleterrors.ErrRecordNotFound, "ledger", "SetPrice", "locating token holders")
	}

	var (
		updated  []Record
		failures []Failure
	)
	for _, holder := range holders {
		previous := holder.Price
		rec, err := s.store.Upsert(ctx, holder.Key, func(rec *Record, exists bool) error {
			if !exists || !rec.Active {
				return retry.NonRetryable(walleterrors.ErrRecordNotFound)
			}
			previous = rec.Price
			rec.Price = req.Price
			rec.Recalculate(s.now())
			return nil
		})
		if err != nil {
			failures = append(failures, Failure{Wallet: holder.Key.Wallet, Reason: err.Error(), Err: err})
			continue
		}

		updated = append(updated, rec)
		s.publish(notify.EventPriceUpdated, rec.Key.Wallet, repricePayload{
			Record:        rec,
			PreviousPrice: previous,
		})
	}

	if len(updated) == 0 {
		return nil, failures, walleterrors.Wrap(failures[0].Err, "ledger", "SetPrice", "repricing all holders")
	}
	s.logger.Info("price updated",
		"symbol", tokenKey.Symbol, "network", tokenKey.Network,
		"price", req.Price, "wallets", len(updated), "failed", len(failures))
	return updated, failures, nil
}

// BurnRequest destroys balance. With no wallets listed the burn applies to
// every active holder of the token.
type BurnRequest struct {
	Wallets  []string        `json:"wallets"`
	Symbol   string          `json:"symbol"`
	Contract string          `json:"contract"`
	Network  string          `json:"network"`
	Amount   decimal.Decimal `json:"amount"`
}

// Burn debits Amount from each targeted wallet. A wallet with insufficient
// balance fails individually without affecting the others; a balance burned
// to zero stays active and holds the token at quantity zero. The operation
// errors only when no wallet succeeded.
func (s *Service) Burn(ctx context.Context, req BurnRequest) ([]Record, []Failure, error) {
	if err := ValidateAmount(req.Amount); err != nil {
		return nil, nil, err
	}
	tokenKey := NormalizeKey(Key{Symbol: req.Symbol, Contract: req.Contract, Network: req.Network})
	if err := ValidateToken(tokenKey.Symbol, tokenKey.Network, tokenKey.Contract); err != nil {
		return nil, nil, err
	}

	wallets := req.Wallets
	if len(wallets) == 0 {
		holders, err := s.store.Find(ctx, Filter{
			Symbol:     tokenKey.Symbol,
			Contract:   tokenKey.Contract,
			Network:    tokenKey.Network,
			ActiveOnly: true,
		})
		if err != nil {
			return nil, nil, walleterrors.Wrap(err, "ledger", "Burn", "listing holders")
		}
		if len(holders) == 0 {
			return nil, nil, walleterrors.WrapKind(walleterrors.KindNotFound,
				walleterrors.ErrRecordNotFound, "ledger", "Burn", "locating token holders")
		}
		for _, holder := range holders {
			wallets = append(wallets, holder.Key.Wallet)
		}
	}

	var (
		updated  []Record
		failures []Failure
	)
	for _, wallet := range wallets {
		key := NormalizeKey(Key{Wallet: wallet, Symbol: req.Symbol, Contract: req.Contract, Network: req.Network})
		if key.Wallet == "" {
			err := walleterrors.New(walleterrors.KindValidation, "wallet is required")
			failures = append(failures, Failure{Wallet: wallet, Reason: err.Error(), Err: err})
			continue
		}
		rec, err := s.store.Upsert(ctx, key, func(rec *Record, exists bool) error {
			if !exists || !rec.Active {
				return retry.NonRetryable(walleterrors.ErrRecordNotFound)
			}
			if rec.Quantity.LessThan(req.Amount) {
				return retry.NonRetryable(walleterrors.ErrInsufficientBalance)
			}
			rec.Quantity = rec.Quantity.Sub(req.Amount)
			rec.Recalculate(s.now())
			return nil
		})
		if err != nil {
			failures = append(failures, Failure{Wallet: wallet, Reason: err.Error(), Err: err})
			continue
		}

		updated = append(updated, rec)
		s.publish(notify.EventTokenBurned, key.Wallet, burnPayload{
			Record: rec,
			Amount: req.Amount,
		})
	}

	if len(updated) == 0 {
		return nil, failures, walleterrors.Wrap(failures[0].Err, "ledger", "Burn", "debiting all wallets")
	}
	s.logger.Info("tokens burned",
		"symbol", tokenKey.Symbol, "network", tokenKey.Network,
		"amount", req.Amount, "wallets", len(updated), "failed", len(failures))
	return updated, failures, nil
}

// TransferRequest moves balance between two wallets.
type TransferRequest struct {
	Source   string          `json:"source"`
	Dest     string          `json:"destination"`
	Symbol   string          `json:"symbol"`
	Contract string          `json:"contract"`
	Network  string          `json:"network"`
	Amount   decimal.Decimal `json:"amount"`
}

// TransferResult reports a completed transfer.
type TransferResult struct {
	Source      Record          `json:"source"`
	Destination Record          `json:"destination"`
	Amount      decimal.Decimal `json:"amount"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Transfer debits the source wallet and credits the destination, carrying
// the source's unit price onto the destination record. The two writes are
// not atomic as a pair: if the credit fails after the debit committed the
// call returns a partial-transfer error and the debit stands, so operators
// can reconcile instead of silently double-spending.
func (s *Service) Transfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
	if err := ValidateAmount(req.Amount); err != nil {
		return TransferResult{}, err
	}
	srcKey := NormalizeKey(Key{Wallet: req.Source, Symbol: req.Symbol, Contract: req.Contract, Network: req.Network})
	dstKey := NormalizeKey(Key{Wallet: req.Dest, Symbol: req.Symbol, Contract: req.Contract, Network: req.Network})
	if srcKey.Wallet == dstKey.Wallet {
		return TransferResult{}, walleterrors.New(walleterrors.KindInvalidOperation,
			"source and destination wallets must differ")
	}
	// Transfers move balance between on-chain addresses, so both sides must
	// be well-formed for the token's network.
	if err := ValidateKey(srcKey); err != nil {
		return TransferResult{}, err
	}
	if err := ValidateAddress(srcKey.Network, srcKey.Wallet); err != nil {
		return TransferResult{}, err
	}
	if err := ValidateAddress(dstKey.Network, dstKey.Wallet); err != nil {
		return TransferResult{}, err
	}

	var transferPrice decimal.Decimal
	source, err := s.store.Upsert(ctx, srcKey, func(rec *Record, exists bool) error {
		if !exists || !rec.Active {
			return retry.NonRetryable(walleterrors.ErrRecordNotFound)
		}
		if rec.Quantity.LessThan(req.Amount) {
			return retry.NonRetryable(walleterrors.ErrInsufficientBalance)
		}
		transferPrice = rec.Price
		rec.Quantity = rec.Quantity.Sub(req.Amount)
		rec.Recalculate(s.now())
		return nil
	})
	if err != nil {
		return TransferResult{}, walleterrors.Wrap(err, "ledger", "Transfer", "debiting source wallet")
	}

	dest, err := s.store.Upsert(ctx, dstKey, func(rec *Record, exists bool) error {
		if !exists {
			rec.Key = dstKey
			rec.Quantity = decimal.Zero
			rec.Official = IsOfficialContract(dstKey.Symbol, dstKey.Network, dstKey.Contract)
		}
		rec.Quantity = rec.Quantity.Add(req.Amount)
		rec.Price = transferPrice
		rec.Active = true
		rec.Recalculate(s.now())
		return nil
	})
	if err != nil {
		s.logger.Error("transfer credit failed after debit committed",
			"source", srcKey.Wallet, "destination", dstKey.Wallet,
			"symbol", srcKey.Symbol, "amount", req.Amount, "error", err)
		return TransferResult{}, walleterrors.WrapKind(walleterrors.KindPartialTransfer,
			err, "ledger", "Transfer", "crediting destination after source debit")
	}

	result := TransferResult{
		Source:      source,
		Destination: dest,
		Amount:      req.Amount,
		Timestamp:   s.now(),
	}
	s.publish(notify.EventTokenTransferred, srcKey.Wallet, transferPayload{
		Record:       source,
		Amount:       req.Amount,
		Counterparty: dstKey.Wallet,
		Direction:    "sent",
	})
	s.publish(notify.EventTokenTransferred, dstKey.Wallet, transferPayload{
		Record:       dest,
		Amount:       req.Amount,
		Counterparty: srcKey.Wallet,
		Direction:    "received",
	})
	s.logger.Info("tokens transferred",
		"symbol", srcKey.Symbol, "network", srcKey.Network,
		"source", srcKey.Wallet, "destination", dstKey.Wallet, "amount", req.Amount)
	return result, nil
}

// WalletTokens returns the active balance records for one wallet.
func (s *Service) WalletTokens(ctx context.Context, wallet string) ([]Record, error) {
	if wallet == "" {
		return nil, walleterrors.New(walleterrors.KindValidation, "wallet address is required")
	}
	records, err := s.store.Find(ctx, Filter{Wallet: wallet, ActiveOnly: true})
	if err != nil {
		return nil, walleterrors.Wrap(err, "ledger", "WalletTokens", "listing wallet balances")
	}
	return records, nil
}

func (s *Service) publish(t notify.EventType, wallet string, payload any) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(notify.NewEvent(t, wallet, payload))
}

type injectionPayload struct {
	Record Record          `json:"record"`
	Amount decimal.Decimal `json:"amount"`
}

type repricePayload struct {
	Record        Record          `json:"record"`
	PreviousPrice decimal.Decimal `json:"previous_price"`
}

type burnPayload struct {
	Record Record          `json:"record"`
	Amount decimal.Decimal `json:"amount"`
}

type transferPayload struct {
	Record       Record          `json:"record"`
	Amount       decimal.Decimal `json:"amount"`
	Counterparty string          `json:"counterparty"`
	Direction    string          `json:"direction"`
}
