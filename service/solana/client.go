package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/quietsend/service/metrics"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"golang.org/x/time/rate"
)

// ClientOptions tunes a Client. Zero values fall back to defaults.
type ClientOptions struct {
	// RateLimit caps RPC calls per second across all endpoints. <= 0
	// disables limiting.
	RateLimit           float64
	ConfirmTimeout      time.Duration
	ConfirmPollInterval time.Duration
}

const (
	defaultConfirmTimeout      = 60 * time.Second
	defaultConfirmPollInterval = 2 * time.Second
)

// Client is the ledger client. Every call tries the primary endpoint first
// and moves down the fallback list on transport or decode errors.
type Client struct {
	network   Network
	endpoints []Endpoint
	limiter   *rate.Limiter
	metrics   *metrics.Metrics
	logger    *slog.Logger

	confirmTimeout      time.Duration
	confirmPollInterval time.Duration
}

// NewClient creates a ledger client for network. endpoints must hold the
// primary followed by at least one fallback. If m is nil, no metrics are
// recorded.
func NewClient(network Network, endpoints []Endpoint, opts ClientOptions, m *metrics.Metrics, logger *slog.Logger) (*Client, error) {
	if len(endpoints) < 2 {
		return nil, fmt.Errorf("ledger client for %s needs a primary and at least one fallback endpoint, got %d", network, len(endpoints))
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), 1)
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = defaultConfirmTimeout
	}
	if opts.ConfirmPollInterval <= 0 {
		opts.ConfirmPollInterval = defaultConfirmPollInterval
	}

	return &Client{
		network:             network,
		endpoints:           endpoints,
		limiter:             limiter,
		metrics:             m,
		logger:              logger,
		confirmTimeout:      opts.ConfirmTimeout,
		confirmPollInterval: opts.ConfirmPollInterval,
	}, nil
}

// Network returns the cluster this client talks to.
func (c *Client) Network() Network {
	return c.network
}

// call runs fn against each endpoint in order until one succeeds. final, when
// non-nil, marks errors that must not be retried on the next endpoint.
func call[T any](ctx context.Context, c *Client, method string, final func(error) bool, fn func(RPCClient) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for i, ep := range c.endpoints {
		if i > 0 {
			c.logger.WarnContext(ctx, "ledger call failed, trying fallback endpoint",
				"method", method,
				"failed_endpoint", c.endpoints[i-1].Name(),
				"fallback_endpoint", ep.Name(),
				"error", lastErr,
			)
			if c.metrics != nil {
				c.metrics.RecordRPCFallback(method)
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return zero, err
		}

		start := time.Now()
		out, err := fn(ep.RPC)
		status := "success"
		if err != nil {
			status = "error"
		}
		if c.metrics != nil {
			c.metrics.RecordRPCCall(method, status, ep.Name(), time.Since(start).Seconds())
		}

		if err == nil {
			return out, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}
		if final != nil && final(err) {
			return zero, err
		}
		lastErr = err
	}

	return zero, fmt.Errorf("%w: %s failed on %d endpoints: %v", ErrNetworkUnavailable, method, len(c.endpoints), lastErr)
}

// isRPCError reports whether err is a JSON-RPC error object, meaning the
// node processed the request and refused it.
func isRPCError(err error) bool {
	var rpcErr *jsonrpc.RPCError
	return errors.As(err, &rpcErr)
}

// GetBalance returns the balance of account in lamports.
func (c *Client) GetBalance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	return call(ctx, c, "getBalance", nil, func(r RPCClient) (uint64, error) {
		out, err := r.GetBalance(ctx, account, rpc.CommitmentConfirmed)
		if err != nil {
			return 0, err
		}
		if out == nil {
			return 0, fmt.Errorf("empty getBalance response")
		}
		return out.Value, nil
	})
}

// GetRecentBlockhash returns a finalized blockhash to sign against.
func (c *Client) GetRecentBlockhash(ctx context.Context) (solana.Hash, error) {
	return call(ctx, c, "getLatestBlockhash", nil, func(r RPCClient) (solana.Hash, error) {
		out, err := r.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
		if err != nil {
			return solana.Hash{}, err
		}
		if out == nil || out.Value == nil {
			return solana.Hash{}, fmt.Errorf("empty getLatestBlockhash response")
		}
		return out.Value.Blockhash, nil
	})
}

// SubmitSignedTransaction sends an already signed transaction. A refusal
// by the node is returned as ErrSubmissionRejected right away; only
// transport failures move on to the fallback endpoint, which receives the
// same signed bytes.
func (c *Client) SubmitSignedTransaction(ctx context.Context, raw []byte) (solana.Signature, error) {
	sig, err := call(ctx, c, "sendTransaction", isRPCError, func(r RPCClient) (solana.Signature, error) {
		return r.SendRawTransaction(ctx, raw)
	})
	if err != nil && isRPCError(err) {
		return solana.Signature{}, fmt.Errorf("%w: %v", ErrSubmissionRejected, err)
	}
	return sig, err
}

// ConfirmTransaction polls the signature status until the ledger reports
// it finalized. It returns ErrConfirmationTimeout when the configured
// timeout passes first and ErrSubmissionRejected when the transaction
// landed with an error.
func (c *Client) ConfirmTransaction(ctx context.Context, sig solana.Signature) error {
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(c.confirmPollInterval)
	defer ticker.Stop()

	for {
		finalized, err := c.signatureFinalized(ctx, sig)
		if err != nil {
			return err
		}
		if finalized {
			c.logger.DebugContext(ctx, "transaction finalized", "signature", sig.String())
			return nil
		}

		select {
		case <-ctx.Done():
			if parent.Err() != nil {
				return parent.Err()
			}
			return fmt.Errorf("%w after %s (signature %s)", ErrConfirmationTimeout, c.confirmTimeout, sig)
		case <-ticker.C:
		}
	}
}

// signatureFinalized performs one status check. Poll errors are logged and
// treated as "not yet".
func (c *Client) signatureFinalized(ctx context.Context, sig solana.Signature) (bool, error) {
	res, err := call(ctx, c, "getSignatureStatuses", nil, func(r RPCClient) (*rpc.GetSignatureStatusesResult, error) {
		out, err := r.GetSignatureStatuses(ctx, true, sig)
		if err != nil {
			return nil, err
		}
		if out == nil {
			return nil, fmt.Errorf("empty getSignatureStatuses response")
		}
		return out, nil
	})
	if err != nil {
		if ctx.Err() == nil {
			c.logger.WarnContext(ctx, "signature status poll failed", "signature", sig.String(), "error", err)
		}
		return false, nil
	}
	if len(res.Value) == 0 || res.Value[0] == nil {
		return false, nil
	}

	st := res.Value[0]
	if st.Err != nil {
		return false, fmt.Errorf("%w: transaction %s failed on-chain: %v", ErrSubmissionRejected, sig, st.Err)
	}
	return st.ConfirmationStatus == rpc.ConfirmationStatusFinalized, nil
}

// ListRecentSignatures returns up to limit signatures touching account,
// newest first.
func (c *Client) ListRecentSignatures(ctx context.Context, account solana.PublicKey, limit int) ([]*rpc.TransactionSignature, error) {
	return call(ctx, c, "getSignaturesForAddress", nil, func(r RPCClient) ([]*rpc.TransactionSignature, error) {
		return r.GetSignaturesForAddress(ctx, account, &rpc.GetSignaturesForAddressOpts{
			Limit:      &limit,
			Commitment: rpc.CommitmentConfirmed,
		})
	})
}

// GetTransactionDetails fetches one transaction and computes the balance
// change it caused for owner.
func (c *Client) GetTransactionDetails(ctx context.Context, owner solana.PublicKey, sig solana.Signature) (*TransactionDetails, error) {
	maxVersion := uint64(0)
	result, err := call(ctx, c, "getTransaction", nil, func(r RPCClient) (*rpc.GetTransactionResult, error) {
		return r.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
			Encoding:                       solana.EncodingBase64,
			Commitment:                     rpc.CommitmentConfirmed,
			MaxSupportedTransactionVersion: &maxVersion,
		})
	})
	if err != nil {
		return nil, err
	}
	return detailsFromResult(owner, result)
}

// RecentTransactions materializes the newest limit history records for
// owner. A failed detail lookup degrades only that record to Unknown.
func (c *Client) RecentTransactions(ctx context.Context, owner solana.PublicKey, limit int) ([]TransactionRecord, error) {
	sigs, err := c.ListRecentSignatures(ctx, owner, limit)
	if err != nil {
		return nil, err
	}

	records := make([]TransactionRecord, 0, len(sigs))
	for _, sig := range sigs {
		if sig == nil {
			continue
		}
		details, err := c.GetTransactionDetails(ctx, owner, sig.Signature)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.WarnContext(ctx, "failed to load transaction details, recording as unknown",
				"signature", sig.Signature.String(),
				"error", err,
			)
			records = append(records, unknownRecord(sig))
			continue
		}
		records = append(records, recordFromDetails(sig, details))
	}

	c.logger.DebugContext(ctx, "loaded transaction history",
		"owner", owner.String(),
		"count", len(records),
	)
	return records, nil
}

// RequestAirdrop asks the cluster faucet for lamports.
func (c *Client) RequestAirdrop(ctx context.Context, account solana.PublicKey, lamports uint64) (solana.Signature, error) {
	if !c.network.SupportsAirdrop() {
		return solana.Signature{}, ErrAirdropUnsupported
	}
	if lamports == 0 {
		return solana.Signature{}, fmt.Errorf("%w: airdrop amount must be greater than zero", ErrInvalidAmount)
	}
	sig, err := call(ctx, c, "requestAirdrop", isRPCError, func(r RPCClient) (solana.Signature, error) {
		return r.RequestAirdrop(ctx, account, lamports, rpc.CommitmentConfirmed)
	})
	if err != nil && isRPCError(err) {
		return solana.Signature{}, fmt.Errorf("%w: %v", ErrSubmissionRejected, err)
	}
	return sig, err
}
