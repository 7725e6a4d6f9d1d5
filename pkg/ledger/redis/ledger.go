// Package redis implements the credit ledger on Redis. Balance changes and
// their log entries are applied by Lua scripts so each operation is atomic.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	goredis "github.com/redis/go-redis/v9"

	"github.com/creovision/governor/pkg/ledger"
	"github.com/creovision/governor/pkg/models"
)

const (
	defaultKeyPrefix = "governor"
	maxLogEntries    = 1000
)

// Compile-time interface check.
var _ ledger.Ledger = (*Ledger)(nil)

// Ledger implements ledger.Ledger using Redis hashes and lists.
type Ledger struct {
	client    goredis.UniversalClient
	keyPrefix string
}

// NewFromClient wraps an existing client. Close is a no-op because the
// caller retains ownership of the client.
func NewFromClient(client goredis.UniversalClient, keyPrefix string) *Ledger {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &Ledger{client: client, keyPrefix: keyPrefix}
}

func (l *Ledger) accountKey(identity string) string {
	return l.keyPrefix + ":credits:{" + identity + "}"
}

func (l *Ledger) logKey(identity string) string {
	return l.keyPrefix + ":credits:{" + identity + "}:log"
}

// consumeLua debits ARGV[1] only if the balance covers it.
// Returns {status, balance}: -1 unknown identity, 0 insufficient, 1 applied.
var consumeLua = goredis.NewScript(`
local bal = redis.call('HGET', KEYS[1], 'balance')
if not bal then
	return {-1, 0}
end
bal = tonumber(bal)
local amount = tonumber(ARGV[1])
if bal < amount then
	return {0, bal}
end
local nb = redis.call('HINCRBY', KEYS[1], 'balance', -amount)
local tx = cjson.decode(ARGV[2])
tx['balance_after'] = nb
redis.call('LPUSH', KEYS[2], cjson.encode(tx))
redis.call('LTRIM', KEYS[2], 0, tonumber(ARGV[3]) - 1)
return {1, nb}
`)

// creditLua adds ARGV[1]. When ARGV[4] is "1" the account is created if missing.
var creditLua = goredis.NewScript(`
if ARGV[4] ~= '1' and redis.call('EXISTS', KEYS[1]) == 0 then
	return {-1, 0}
end
local nb = redis.call('HINCRBY', KEYS[1], 'balance', tonumber(ARGV[1]))
local tx = cjson.decode(ARGV[2])
tx['balance_after'] = nb
redis.call('LPUSH', KEYS[2], cjson.encode(tx))
redis.call('LTRIM', KEYS[2], 0, tonumber(ARGV[3]) - 1)
return {1, nb}
`)

// CheckSufficient reports whether identity can cover amount.
func (l *Ledger) CheckSufficient(ctx context.Context, identity string, amount int64) (ledger.Check, error) {
	bal, err := l.Balance(ctx, identity)
	if err != nil {
		return ledger.Check{}, err
	}
	return ledger.CheckFromBalance(bal, amount), nil
}

// Consume atomically debits amount if the balance covers it.
func (l *Ledger) Consume(ctx context.Context, identity string, amount int64, reason, note string) (ledger.Receipt, error) {
	if err := ledger.ValidateAmount(amount); err != nil {
		return ledger.Receipt{}, err
	}
	txn := ledger.NewTransaction(identity, models.TxDebit, amount, reason, note)
	status, balance, err := l.run(ctx, consumeLua, identity, txn, amount, "0")
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("redis: consume credits: %w", err)
	}
	switch status {
	case -1:
		return ledger.Receipt{}, ledger.ErrUnknownIdentity
	case 0:
		return ledger.Receipt{Remaining: balance}, ledger.ErrInsufficientBalance
	}
	txn.BalanceAfter = balance
	return ledger.Receipt{Remaining: balance, Transaction: txn}, nil
}

// Refund credits amount back to an existing account.
func (l *Ledger) Refund(ctx context.Context, identity string, amount int64, reason string) (ledger.Receipt, error) {
	if err := ledger.ValidateAmount(amount); err != nil {
		return ledger.Receipt{}, err
	}
	return l.credit(ctx, ledger.NewTransaction(identity, models.TxRefund, amount, reason, ""), amount, "0")
}

// Deposit credits amount, opening the account if it does not exist.
func (l *Ledger) Deposit(ctx context.Context, identity string, amount int64, reason string) (ledger.Receipt, error) {
	if err := ledger.ValidateAmount(amount); err != nil {
		return ledger.Receipt{}, err
	}
	return l.credit(ctx, ledger.NewTransaction(identity, models.TxDeposit, amount, reason, ""), amount, "1")
}

func (l *Ledger) credit(ctx context.Context, txn models.Transaction, amount int64, create string) (ledger.Receipt, error) {
	status, balance, err := l.run(ctx, creditLua, txn.Identity, txn, amount, create)
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("redis: %s credits: %w", txn.Kind, err)
	}
	if status == -1 {
		return ledger.Receipt{}, ledger.ErrUnknownIdentity
	}
	txn.BalanceAfter = balance
	return ledger.Receipt{Remaining: balance, Transaction: txn}, nil
}

func (l *Ledger) run(ctx context.Context, script *goredis.Script, identity string, txn models.Transaction, amount int64, create string) (int64, int64, error) {
	data, err := json.Marshal(txn)
	if err != nil {
		return 0, 0, fmt.Errorf("marshal transaction: %w", err)
	}
	res, err := script.Run(ctx, l.client,
		[]string{l.accountKey(identity), l.logKey(identity)},
		amount, string(data), maxLogEntries, create,
	).Int64Slice()
	if err != nil {
		return 0, 0, err
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("unexpected script result %v", res)
	}
	return res[0], res[1], nil
}

// Balance returns the current balance for identity.
func (l *Ledger) Balance(ctx context.Context, identity string) (int64, error) {
	val, err := l.client.HGet(ctx, l.accountKey(identity), "balance").Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return 0, ledger.ErrUnknownIdentity
		}
		return 0, fmt.Errorf("redis: get balance: %w", err)
	}
	bal, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("redis: parse balance: %w", err)
	}
	return bal, nil
}

// History returns the most recent transactions for identity, newest first.
func (l *Ledger) History(ctx context.Context, identity string, limit int) ([]models.Transaction, error) {
	if limit <= 0 {
		limit = ledger.DefaultHistoryLimit
	}
	raw, err := l.client.LRange(ctx, l.logKey(identity), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: read history: %w", err)
	}
	txs := make([]models.Transaction, 0, len(raw))
	for _, r := range raw {
		var t models.Transaction
		if err := json.Unmarshal([]byte(r), &t); err != nil {
			return nil, fmt.Errorf("redis: unmarshal transaction: %w", err)
		}
		txs = append(txs, t)
	}
	return txs, nil
}

// Close is a no-op; the client belongs to the caller.
func (l *Ledger) Close() error {
	return nil
}
