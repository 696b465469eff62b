package regtest

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog"
)

// fakeDocker is a DockerAPI test double using the function-field pattern.
// A nil Fn field panics with "not implemented: Method".
type fakeDocker struct {
	mu    sync.Mutex
	Calls []string

	PingFn            func(ctx context.Context) (types.Ping, error)
	ContainerListFn   func(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerCreateFn func(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, name string) (container.CreateResponse, error)
	ContainerStartFn  func(ctx context.Context, id string) error
	ContainerRemoveFn func(ctx context.Context, id string, options container.RemoveOptions) error
	ImagePullFn       func(ctx context.Context, ref string) (io.ReadCloser, error)
	ImageInspectFn    func(ctx context.Context, ref string) (image.InspectResponse, error)
	CloseFn           func() error
}

func (f *fakeDocker) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, name)
}

func (f *fakeDocker) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if c == name {
			n++
		}
	}
	return n
}

func (f *fakeDocker) Ping(ctx context.Context) (types.Ping, error) {
	f.record("Ping")
	if f.PingFn == nil {
		panic("not implemented: Ping")
	}
	return f.PingFn(ctx)
}

func (f *fakeDocker) ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error) {
	f.record("ContainerList")
	if f.ContainerListFn == nil {
		panic("not implemented: ContainerList")
	}
	return f.ContainerListFn(ctx, options)
}

func (f *fakeDocker) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.record("ContainerCreate")
	if f.ContainerCreateFn == nil {
		panic("not implemented: ContainerCreate")
	}
	return f.ContainerCreateFn(ctx, config, hostConfig, name)
}

func (f *fakeDocker) ContainerStart(ctx context.Context, id string, _ container.StartOptions) error {
	f.record("ContainerStart")
	if f.ContainerStartFn == nil {
		panic("not implemented: ContainerStart")
	}
	return f.ContainerStartFn(ctx, id)
}

func (f *fakeDocker) ContainerRemove(ctx context.Context, id string, options container.RemoveOptions) error {
	f.record("ContainerRemove")
	if f.ContainerRemoveFn == nil {
		panic("not implemented: ContainerRemove")
	}
	return f.ContainerRemoveFn(ctx, id, options)
}

func (f *fakeDocker) ImagePull(ctx context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	f.record("ImagePull")
	if f.ImagePullFn == nil {
		panic("not implemented: ImagePull")
	}
	return f.ImagePullFn(ctx, ref)
}

func (f *fakeDocker) ImageInspect(ctx context.Context, ref string, _ ...client.ImageInspectOption) (image.InspectResponse, error) {
	f.record("ImageInspect")
	if f.ImageInspectFn == nil {
		panic("not implemented: ImageInspect")
	}
	return f.ImageInspectFn(ctx, ref)
}

func (f *fakeDocker) Close() error {
	f.record("Close")
	if f.CloseFn == nil {
		return nil
	}
	return f.CloseFn()
}

// fakeDaemon simulates the container registry and image store of a daemon
// so lifecycle tests can assert on end state.
type fakeDaemon struct {
	mu         sync.Mutex
	containers map[string]string   // name -> id
	images     map[string][]string // pull ref -> repo digests
	local      map[string]bool     // refs resolvable without a pull
	nextID     int

	// linger keeps a removed container listed for this many list calls.
	linger   int
	removing map[string]int

	lastConfig *container.Config
	lastHost   *container.HostConfig
}

func newFakeDaemon() *fakeDaemon {
	return &fakeDaemon{
		containers: map[string]string{},
		images:     map[string][]string{},
		local:      map[string]bool{},
		removing:   map[string]int{},
	}
}

// notFoundError mimics the daemon's "No such image" response.
type notFoundError struct{ msg string }

func (e notFoundError) Error() string { return e.msg }
func (e notFoundError) NotFound()     {}

func (d *fakeDaemon) api() *fakeDocker {
	return &fakeDocker{
		PingFn: func(context.Context) (types.Ping, error) {
			return types.Ping{APIVersion: "1.47"}, nil
		},
		ContainerListFn: func(_ context.Context, opts container.ListOptions) ([]container.Summary, error) {
			d.mu.Lock()
			defer d.mu.Unlock()
			filter := opts.Filters.Get("name")
			var out []container.Summary
			for name, id := range d.containers {
				if n, ok := d.removing[name]; ok {
					if n == 0 {
						delete(d.containers, name)
						delete(d.removing, name)
						continue
					}
					d.removing[name] = n - 1
				}
				for _, f := range filter {
					if strings.Contains(name, f) {
						out = append(out, container.Summary{ID: id, Names: []string{"/" + name}})
					}
				}
			}
			return out, nil
		},
		ContainerCreateFn: func(_ context.Context, cfg *container.Config, host *container.HostConfig, name string) (container.CreateResponse, error) {
			d.mu.Lock()
			defer d.mu.Unlock()
			if !d.local[cfg.Image] {
				return container.CreateResponse{}, notFoundError{"No such image: " + cfg.Image}
			}
			if _, ok := d.containers[name]; ok {
				return container.CreateResponse{}, &conflictError{"name already in use: " + name}
			}
			d.nextID++
			id := fmt.Sprintf("c%d", d.nextID)
			d.containers[name] = id
			d.lastConfig = cfg
			d.lastHost = host
			return container.CreateResponse{ID: id}, nil
		},
		ContainerStartFn: func(context.Context, string) error { return nil },
		ContainerRemoveFn: func(_ context.Context, id string, _ container.RemoveOptions) error {
			d.mu.Lock()
			defer d.mu.Unlock()
			for name, cid := range d.containers {
				if name == id || cid == id {
					if d.linger > 0 {
						d.removing[name] = d.linger
						return nil
					}
					delete(d.containers, name)
					return nil
				}
			}
			return notFoundError{"No such container: " + id}
		},
		ImagePullFn: func(_ context.Context, ref string) (io.ReadCloser, error) {
			d.mu.Lock()
			defer d.mu.Unlock()
			digests, ok := d.images[ref]
			if !ok {
				return nil, notFoundError{"manifest unknown"}
			}
			d.local[ref] = true
			for _, rd := range digests {
				d.local[rd] = true
			}
			return io.NopCloser(strings.NewReader(
				`{"status":"Pulling from bitcoin/bitcoin","id":"29.1"}` + "\n" +
					`{"status":"Downloading","id":"abc","progressDetail":{"current":10,"total":100}}` + "\n" +
					`{"status":"Status: Downloaded newer image for ` + ref + `"}` + "\n",
			)), nil
		},
		ImageInspectFn: func(_ context.Context, ref string) (image.InspectResponse, error) {
			d.mu.Lock()
			defer d.mu.Unlock()
			if !d.local[ref] {
				return image.InspectResponse{}, notFoundError{"No such image: " + ref}
			}
			return image.InspectResponse{ID: "sha256:img", RepoDigests: d.images[ref]}, nil
		},
	}
}

func (d *fakeDaemon) has(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.containers[name]
	return ok
}

type conflictError struct{ msg string }

func (e *conflictError) Error() string { return e.msg }
func (e *conflictError) Conflict()     {}

// newTestBitcoind builds a Bitcoind on api with no sleeps and a silent logger.
func newTestBitcoind(cfg Config, api DockerAPI, opts ...Option) (*Bitcoind, error) {
	opts = append([]Option{WithDockerClient(api), WithLogger(zerolog.Nop())}, opts...)
	b, err := New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	b.startDelay = 0
	b.pollInterval = 0
	return b, nil
}
