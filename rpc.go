package regtest

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/btcsuite/btcd/rpcclient"
)

const readyPollInterval = 250 * time.Millisecond

// ConnConfig builds a btcd RPC connection config from the credentials.
// The URL's host:port is used as-is; https enables TLS.
func (c RPCConfig) ConnConfig() (*rpcclient.ConnConfig, error) {
	u, err := url.Parse(c.URL.Expose())
	if err != nil {
		return nil, errConfig(err, "invalid rpc url")
	}
	if u.Host == "" {
		return nil, errOther("rpc url has no host")
	}
	params, err := c.Network.Params()
	if err != nil {
		return nil, err
	}

	return &rpcclient.ConnConfig{
		Host:         u.Host,
		User:         c.Username.Expose(),
		Pass:         c.Password.Expose(),
		Params:       params.Name,
		HTTPPostMode: true,
		DisableTLS:   !strings.EqualFold(u.Scheme, "https"),
	}, nil
}

// WalletConnConfig is ConnConfig scoped to the configured wallet's endpoint.
func (c RPCConfig) WalletConnConfig() (*rpcclient.ConnConfig, error) {
	cfg, err := c.ConnConfig()
	if err != nil {
		return nil, err
	}
	if c.Wallet != "" {
		cfg.Host += "/wallet/" + url.PathEscape(c.Wallet)
	}
	return cfg, nil
}

// ConnConfig returns the RPC connection config for the managed node.
func (b *Bitcoind) ConnConfig() (*rpcclient.ConnConfig, error) {
	return b.rpc.ConnConfig()
}

// RPCClient returns a new HTTP POST mode client for the node. The caller
// must call Shutdown on it.
func (b *Bitcoind) RPCClient() (*rpcclient.Client, error) {
	cfg, err := b.rpc.ConnConfig()
	if err != nil {
		return nil, err
	}
	client, err := rpcclient.New(cfg, nil)
	if err != nil {
		return nil, &Error{Kind: KindOther, Op: "rpc", Err: err, Message: "failed to create rpc client"}
	}
	return client, nil
}

// HealthCheck calls getblockcount on the node.
func (b *Bitcoind) HealthCheck() error {
	client, err := b.RPCClient()
	if err != nil {
		return err
	}
	defer client.Shutdown()

	if _, err := client.GetBlockCount(); err != nil {
		return &Error{Kind: KindOther, Op: "rpc", Err: err, Message: "health check failed"}
	}
	return nil
}

// WaitReady polls HealthCheck until it succeeds or ctx is done. bitcoind
// answers RPC only after it has loaded the chain, which can outlast the
// fixed delay Start waits for.
func (b *Bitcoind) WaitReady(ctx context.Context) error {
	for {
		err := b.HealthCheck()
		if err == nil {
			return nil
		}
		b.log.Debug().Err(err).Msg("waiting for bitcoind rpc")
		if serr := sleep(ctx, readyPollInterval); serr != nil {
			return err
		}
	}
}
