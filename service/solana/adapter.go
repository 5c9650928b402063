package solana

import (
	"context"
	"fmt"
	"net/url"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// RPCClient is the slice of the ledger JSON-RPC surface we use. Tests
// substitute it so nothing talks to a real cluster.
type RPCClient interface {
	GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	SendRawTransaction(ctx context.Context, rawTx []byte) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, signatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	GetSignaturesForAddress(ctx context.Context, address solana.PublicKey, opts *rpc.GetSignaturesForAddressOpts) ([]*rpc.TransactionSignature, error)
	GetTransaction(ctx context.Context, signature solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
	RequestAirdrop(ctx context.Context, account solana.PublicKey, lamports uint64, commitment rpc.CommitmentType) (solana.Signature, error)
}

// realRPCClient adapts the solana-go RPC client to RPCClient.
type realRPCClient struct {
	client *rpc.Client
}

// NewRPCClient wraps the solana-go RPC client for one URL.
// For keyed providers include the key in the URL, e.g.
// https://solana-mainnet.g.alchemy.com/v2/YOUR-KEY
func NewRPCClient(rpcURL string) RPCClient {
	return &realRPCClient{client: rpc.New(rpcURL)}
}

func (r *realRPCClient) GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error) {
	return r.client.GetBalance(ctx, account, commitment)
}

func (r *realRPCClient) GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	return r.client.GetLatestBlockhash(ctx, commitment)
}

func (r *realRPCClient) SendRawTransaction(ctx context.Context, rawTx []byte) (solana.Signature, error) {
	return r.client.SendRawTransaction(ctx, rawTx)
}

func (r *realRPCClient) GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, signatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	return r.client.GetSignatureStatuses(ctx, searchTransactionHistory, signatures...)
}

func (r *realRPCClient) GetSignaturesForAddress(ctx context.Context, address solana.PublicKey, opts *rpc.GetSignaturesForAddressOpts) ([]*rpc.TransactionSignature, error) {
	return r.client.GetSignaturesForAddressWithOpts(ctx, address, opts)
}

func (r *realRPCClient) GetTransaction(ctx context.Context, signature solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error) {
	return r.client.GetTransaction(ctx, signature, opts)
}

func (r *realRPCClient) RequestAirdrop(ctx context.Context, account solana.PublicKey, lamports uint64, commitment rpc.CommitmentType) (solana.Signature, error) {
	return r.client.RequestAirdrop(ctx, account, lamports, commitment)
}

// Endpoint is one RPC URL and the client talking to it.
type Endpoint struct {
	URL string
	RPC RPCClient
}

// Name is the metrics/log label for the endpoint: its host.
func (e Endpoint) Name() string {
	u, err := url.Parse(e.URL)
	if err != nil || u.Host == "" {
		return e.URL
	}
	return u.Host
}

// DefaultEndpoints lists primary then fallback RPC URLs per network.
func DefaultEndpoints(network Network) []string {
	switch network {
	case Mainnet:
		return []string{"https://api.mainnet-beta.solana.com", "https://solana-mainnet.g.alchemy.com/v2/demo"}
	case Testnet:
		return []string{"https://api.testnet.solana.com", "https://api.devnet.solana.com"}
	default:
		return []string{"https://api.devnet.solana.com", "https://api.testnet.solana.com"}
	}
}

// NewEndpoints builds real RPC clients for urls, preserving order.
func NewEndpoints(urls []string) ([]Endpoint, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("no RPC endpoints configured")
	}
	endpoints := make([]Endpoint, 0, len(urls))
	for _, raw := range urls {
		if _, err := url.ParseRequestURI(raw); err != nil {
			return nil, fmt.Errorf("invalid RPC endpoint %q: %w", raw, err)
		}
		endpoints = append(endpoints, Endpoint{URL: raw, RPC: NewRPCClient(raw)})
	}
	return endpoints, nil
}
