package regtest

import (
	"context"
	"sync"

	"github.com/btcsuite/btcd/rpcclient"
)

// ---------------------------------------------------------------
//  Package-level node management
// ---------------------------------------------------------------

var (
	// packageMutex serializes the package-level helpers. It prevents two
	// goroutines from interleaving remove/create on the package node.
	packageMutex sync.Mutex

	// packageNode is the manager behind StartBitcoinRegtest. It is created
	// on first use from GetConfig and dropped by StopBitcoinRegtest so the
	// next start picks up a changed config.
	packageNode *Bitcoind
)

// DefaultRegtestConfig returns the RPC connection config for the package
// configuration (see GetConfig).
//
// Configuration details:
//   - Host: taken from the RPC URL (127.0.0.1:18443 style)
//   - Authentication: the configured RPC user and password
//   - HTTP POST mode enabled for JSON-RPC communication
//   - TLS disabled unless the URL scheme is https
//
// It returns nil if the configured URL cannot be parsed.
func DefaultRegtestConfig() *rpcclient.ConnConfig {
	cfg, err := GetConfig().RPC.ConnConfig()
	if err != nil {
		return nil
	}
	return cfg
}

// StartBitcoinRegtest starts the package node in a docker container.
// It is safe for concurrent use and idempotent: an existing container with
// the same name is replaced.
//
// Example:
//
//	if err := StartBitcoinRegtest(); err != nil {
//	    log.Fatalf("Failed to start Bitcoin node: %v", err)
//	}
//	defer StopBitcoinRegtest() // Always clean up
func StartBitcoinRegtest() error {
	packageMutex.Lock()
	defer packageMutex.Unlock()

	if packageNode == nil {
		node, err := New(GetConfig())
		if err != nil {
			return err
		}
		packageNode = node
	}
	return packageNode.Start(context.Background())
}

// StopBitcoinRegtest removes the package node's container. Calling it when
// nothing is running is not an error.
func StopBitcoinRegtest() error {
	packageMutex.Lock()
	defer packageMutex.Unlock()

	node := packageNode
	if node == nil {
		var err error
		if node, err = New(GetConfig()); err != nil {
			return err
		}
	}
	packageNode = nil
	defer node.Close()

	return node.Stop(context.Background())
}

// IsBitcoindRunning reports whether the package node's container exists.
//
// Example:
//
//	running, err := IsBitcoindRunning()
//	if err != nil {
//	    return fmt.Errorf("failed to check node status: %w", err)
//	}
//	if !running {
//	    if err := StartBitcoinRegtest(); err != nil {
//	        return fmt.Errorf("failed to start node: %w", err)
//	    }
//	}
func IsBitcoindRunning() (bool, error) {
	packageMutex.Lock()
	defer packageMutex.Unlock()

	node := packageNode
	if node == nil {
		var err error
		if node, err = New(GetConfig()); err != nil {
			return false, err
		}
		defer node.Close()
	}
	return node.IsRunning(context.Background())
}
