/*
Package regtest provides a lightweight Go library for running a Bitcoin Core regtest node in Docker
for integration tests.

Regtest mode creates a private blockchain for testing and development. This package starts the node
in a named container, exposes its RPC port on the host, and tears it down again, so a test suite only
needs a running Docker daemon.

Quick Start

	node, err := regtest.New(regtest.DefaultConfig())
	if err != nil {
		log.Fatal(err)
	}
	defer node.Close()

	ctx := context.Background()
	if err := node.Start(ctx); err != nil {
		log.Fatal(err)
	}
	defer node.Stop(ctx)

	client, _ := node.RPCClient()
	defer client.Shutdown()
	height, _ := client.GetBlockCount()
	fmt.Printf("Block height: %d\n", height)

# Lifecycle

Start is idempotent: any container already registered under the configured name is force-removed
before a fresh one is created, so a test run that crashed without cleaning up does not block the next
one. If the image is not present locally it is pulled and creation is retried exactly once. Any other
failure is returned as is.

Stop force-removes the container and waits up to ten seconds for the daemon to forget the name.
Calling Stop when nothing is running succeeds.

Calls on one Bitcoind are serialized. Different Bitcoind values that share a container name are not
coordinated; use WithLockFile to serialize them across processes (for example parallel go test
package binaries).

# Configuration

Default settings:
  - Container name: bitcoin-regtest
  - Image: bitcoin/bitcoin:29.1
  - RPC user: foo
  - RPC pass: rpcpassword
  - RPC URL: http://localhost:18443
  - Published port: 18443/tcp on 0.0.0.0

The node always runs with -regtest=1 -printtoconsole -rpcallowip=0.0.0.0/0 -rpcbind=0.0.0.0
-server=1 -txindex=1 plus the fee and debug settings in Flags. LoadConfig reads the same settings from
a file and REGTEST_* environment variables.

# Pinned Images

Setting Config.Digest (sha256:<hex>) launches the container from repository@digest. When the image is
pulled, the digest is checked against the image's repo digests and Start fails with
ErrDigestMismatch if it is absent:

	cfg := regtest.DefaultConfig()
	cfg.Digest = "sha256:..."
	node := regtest.MustNew(cfg)
	if err := node.Start(ctx); errors.Is(err, regtest.ErrDigestMismatch) {
		// the registry served different content
	}

# Package Helpers

StartBitcoinRegtest, StopBitcoinRegtest and IsBitcoindRunning manage one node built from GetConfig.
SetConfig and ResetConfig change it; DefaultRegtestConfig returns the matching btcd connection config.

# Error Handling

Every error is an *Error with a Kind:
  - ErrRuntimeUnavailable: the Docker daemon did not answer a ping
  - ErrRuntime: a Docker API call failed (create, start, remove, list, pull, inspect)
  - ErrDigestMismatch: the pinned digest is not among the pulled image's digests
  - ErrOther: invalid configuration and everything else

# Secrets

RPC credentials are held as Secret values. They print as [REDACTED] in logs and formatted output and
are only unwrapped to build the node's command line and RPC clients.

# Prerequisites

A running Docker daemon reachable through DOCKER_HOST or the default socket.

NOT for production use.
*/
package regtest
