package regtest

import (
	"context"
	"net/url"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/go-connections/nat"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// RPCPort is the regtest RPC port published from the container.
	RPCPort = "18443"

	// LabelManaged marks containers created by this package.
	LabelManaged = "io.regtest.managed"
	// LabelSession carries the id of the Bitcoind that created the container.
	LabelSession = "io.regtest.session"

	stopPollAttempts = 10
	stopPollInterval = time.Second
	startDelay       = time.Second
	lockRetryDelay   = 250 * time.Millisecond
)

// fixedArgs are passed to every node ahead of the credentials and Flags.
var fixedArgs = []string{
	"-regtest=1",
	"-printtoconsole",
	"-rpcallowip=0.0.0.0/0",
	"-rpcbind=0.0.0.0",
}

// Bitcoind manages a single named bitcoind regtest container.
//
// Calls on one Bitcoind are serialized and each returns only after every
// docker call it made has finished. Two Bitcoind values (or processes)
// targeting the same container name are not coordinated unless both use
// WithLockFile with the same path.
type Bitcoind struct {
	mu sync.Mutex

	docker     DockerAPI
	ownsDocker bool
	closed     bool

	containerName string
	image         string
	digest        string // repository@digest, empty when no digest is pinned
	rpc           RPCConfig
	flags         Flags
	session       string
	lock          *flock.Flock
	log           zerolog.Logger
	logSet        bool

	startDelay   time.Duration
	pollInterval time.Duration
}

// Option configures a Bitcoind.
type Option func(*Bitcoind)

// WithFlags overrides DefaultFlags.
func WithFlags(f Flags) Option {
	return func(b *Bitcoind) {
		b.flags = f
	}
}

// WithLogger sets the logger used by the manager.
func WithLogger(l zerolog.Logger) Option {
	return func(b *Bitcoind) {
		b.log = l
		b.logSet = true
	}
}

// WithDockerClient uses c instead of connecting from the environment.
// The caller keeps ownership; Close will not close it.
func WithDockerClient(c DockerAPI) Option {
	return func(b *Bitcoind) {
		b.docker = c
	}
}

// WithLockFile serializes Start and Stop across processes with an exclusive
// file lock at path.
func WithLockFile(path string) Option {
	return func(b *Bitcoind) {
		b.lock = flock.New(path)
	}
}

// New creates a Bitcoind for cfg. Unless WithDockerClient is given it
// connects to the local docker daemon.
func New(cfg Config, opts ...Option) (*Bitcoind, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	qualified, err := qualifyDigest(cfg.Image, cfg.Digest)
	if err != nil {
		return nil, err
	}

	b := &Bitcoind{
		containerName: cfg.ContainerName,
		image:         cfg.Image,
		digest:        qualified,
		rpc:           cfg.RPC,
		flags:         DefaultFlags(),
		session:       uuid.NewString(),
		startDelay:    startDelay,
		pollInterval:  stopPollInterval,
	}
	for _, opt := range opts {
		opt(b)
	}
	if err := b.flags.Validate(); err != nil {
		return nil, err
	}
	if !b.logSet {
		b.log = packageLogger()
	}
	b.log = b.log.With().Str("container", b.containerName).Logger()

	if b.docker == nil {
		cli, err := newDockerClient()
		if err != nil {
			return nil, err
		}
		b.docker = cli
		b.ownsDocker = true
	}

	b.checkRPCPort()
	return b, nil
}

// NewWithFlags is shorthand for New(cfg, WithFlags(flags)).
func NewWithFlags(cfg Config, flags Flags, opts ...Option) (*Bitcoind, error) {
	return New(cfg, append([]Option{WithFlags(flags)}, opts...)...)
}

// MustNew is like New but panics on error. Test fixtures cannot continue
// without a docker connection.
func MustNew(cfg Config, opts ...Option) *Bitcoind {
	b, err := New(cfg, opts...)
	if err != nil {
		panic(err)
	}
	return b
}

// Close releases the docker client if New created it. Later calls on b
// return an error.
func (b *Bitcoind) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	if !b.ownsDocker {
		return nil
	}
	return b.docker.Close()
}

func (b *Bitcoind) checkOpen() error {
	if b.closed {
		return errOther("bitcoind %s is closed", b.containerName)
	}
	return nil
}

// ContainerName returns the docker container name.
func (b *Bitcoind) ContainerName() string { return b.containerName }

// ImageRef returns the image reference the container is launched from:
// repository@digest when a digest is pinned, otherwise the configured image.
func (b *Bitcoind) ImageRef() string {
	if b.digest != "" {
		return b.digest
	}
	return b.image
}

// QualifiedDigest returns the pinned repository@digest, or "".
func (b *Bitcoind) QualifiedDigest() string { return b.digest }

// Start removes any container with the configured name and launches a fresh
// node. A missing image is pulled (and its digest verified when pinned) and
// creation is retried once.
func (b *Bitcoind) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkOpen(); err != nil {
		return err
	}
	unlock, err := b.acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	b.log.Info().Msg("checking if docker daemon is active")
	if _, err := b.docker.Ping(ctx); err != nil {
		return errDockerNotRunning(err)
	}

	b.log.Info().Str("image", b.ImageRef()).Msg("starting bitcoind container")
	if err := b.internalStop(ctx); err != nil {
		return err
	}

	id, err := b.createContainer(ctx)
	if err != nil {
		// Only a create that could not resolve the image is retried.
		if !isImageNotFound(err) {
			return err
		}
		if err := b.pullImage(ctx); err != nil {
			return err
		}
		if id, err = b.createContainer(ctx); err != nil {
			return err
		}
	}
	return b.startContainer(ctx, id)
}

// Stop removes the container. It succeeds when no container exists.
func (b *Bitcoind) Stop(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkOpen(); err != nil {
		return err
	}
	unlock, err := b.acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	b.log.Info().Msg("stopping bitcoind container")
	return b.internalStop(ctx)
}

// IsRunning reports whether a container with the configured name is
// registered with the daemon, in any state.
func (b *Bitcoind) IsRunning(ctx context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkOpen(); err != nil {
		return false, err
	}
	return b.isRunning(ctx)
}

// Args returns the bitcoind command line the container is started with.
func (b *Bitcoind) Args() []string {
	args := make([]string, 0, len(fixedArgs)+8)
	args = append(args, fixedArgs...)
	args = append(args,
		"-rpcuser="+b.rpc.Username.Expose(),
		"-rpcpassword="+b.rpc.Password.Expose(),
		"-server=1",
		"-txindex=1",
	)
	return append(args, b.flags.Args()...)
}

// internalStop force-removes the container if it exists and waits up to
// stopPollAttempts intervals for the name to disappear. Running out of
// attempts is not an error.
func (b *Bitcoind) internalStop(ctx context.Context) error {
	running, err := b.isRunning(ctx)
	if err != nil {
		return err
	}
	if !running {
		return nil
	}

	b.log.Info().Msg("container was running, removing bitcoind container")
	err = b.docker.ContainerRemove(ctx, b.containerName, container.RemoveOptions{Force: true})
	if err != nil && !cerrdefs.IsNotFound(err) && !cerrdefs.IsConflict(err) {
		// Conflict is "removal already in progress" from AutoRemove.
		return errRuntime("remove", "container "+b.containerName, err)
	}

	for attempt := 0; attempt < stopPollAttempts; attempt++ {
		running, err := b.isRunning(ctx)
		if err != nil {
			return err
		}
		if !running {
			return nil
		}
		b.log.Info().Int("attempt", attempt+1).Msg("waiting for bitcoind container to stop")
		if err := sleep(ctx, b.pollInterval); err != nil {
			return err
		}
	}

	b.log.Warn().Msg("container still listed after removal, continuing")
	return nil
}

// isRunning lists containers by name. The name filter matches substrings,
// so the result is checked for an exact match.
func (b *Bitcoind) isRunning(ctx context.Context) (bool, error) {
	containers, err := b.docker.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", b.containerName)),
	})
	if err != nil {
		return false, errRuntime("list", "containers", err)
	}

	want := "/" + b.containerName
	for _, c := range containers {
		for _, name := range c.Names {
			if name == want {
				return true, nil
			}
		}
	}
	return false, nil
}

func (b *Bitcoind) createContainer(ctx context.Context) (string, error) {
	b.log.Info().Msg("creating bitcoind container")

	config, hostConfig := b.containerConfig()
	resp, err := b.docker.ContainerCreate(ctx, config, hostConfig, nil, nil, b.containerName)
	if err != nil {
		return "", errRuntime("create", "container "+b.containerName, err)
	}
	for _, w := range resp.Warnings {
		b.log.Warn().Str("warning", w).Msg("container create warning")
	}
	return resp.ID, nil
}

func (b *Bitcoind) startContainer(ctx context.Context, id string) error {
	if err := b.docker.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		// AutoRemove only applies once started; drop the created container.
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if rmErr := b.docker.ContainerRemove(cleanupCtx, id, container.RemoveOptions{Force: true}); rmErr != nil {
			b.log.Warn().Err(rmErr).Str("id", id).Msg("failed to remove container after start failure")
		}
		return errRuntime("start", "container "+b.containerName, err)
	}

	b.log.Info().Str("id", id).Msg("bitcoind container started")
	return sleep(ctx, b.startDelay)
}

func (b *Bitcoind) containerConfig() (*container.Config, *container.HostConfig) {
	port := nat.Port(RPCPort + "/tcp")

	config := &container.Config{
		Image:        b.ImageRef(),
		Env:          []string{"BITCOIN_DATA=/data"},
		Cmd:          b.Args(),
		ExposedPorts: nat.PortSet{port: struct{}{}},
		Labels: map[string]string{
			LabelManaged: "true",
			LabelSession: b.session,
		},
	}
	hostConfig := &container.HostConfig{
		AutoRemove: true,
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: RPCPort}},
		},
	}
	return config, hostConfig
}

// checkRPCPort warns when the RPC URL points somewhere other than the
// published port. The binding itself is not derived from the URL.
func (b *Bitcoind) checkRPCPort() {
	raw := b.rpc.URL.Expose()
	if raw == "" {
		return
	}
	u, err := url.Parse(raw)
	if err != nil {
		return
	}
	if p := u.Port(); p != "" && p != RPCPort {
		b.log.Warn().
			Str("url_port", p).
			Str("published_port", RPCPort).
			Msg("rpc url port differs from the published container port")
	}
}

// acquire takes the cross-process lock when one is configured.
func (b *Bitcoind) acquire(ctx context.Context) (func(), error) {
	if b.lock == nil {
		return func() {}, nil
	}
	ok, err := b.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, &Error{Kind: KindOther, Op: "lock", Err: err, Message: "failed to lock " + b.lock.Path()}
	}
	if !ok {
		return nil, errOther("could not lock %s", b.lock.Path())
	}
	return func() {
		if err := b.lock.Unlock(); err != nil {
			b.log.Warn().Err(err).Msg("failed to release lock")
		}
	}, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
