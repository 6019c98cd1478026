package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"
)

type Client struct {
	cli *client.Client
}

type ContainerConfig struct {
	Name        string
	Image       string
	Cmd         []string
	WorkingDir  string
	Env         map[string]string
	Ports       []PortMapping
	Volumes     map[string]string
	MemoryLimit int64
	CPULimit    float64
}

type PortMapping struct {
	Host      string `json:"host"`
	Container string `json:"container"`
	Protocol  string `json:"protocol"`
}

func NewClient() (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

func (c *Client) PullImage(ctx context.Context, ref string) error {
	reader, err := c.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image: %w", err)
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

// CreateContainer creates a container whose main process keeps stdin open
// and runs without a TTY, so stdout and stderr arrive multiplexed on attach
// and can be split again. A missing image is pulled once.
func (c *Client) CreateContainer(ctx context.Context, cfg ContainerConfig) (string, error) {
	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}

	exposedPorts := nat.PortSet{}
	portBindings := nat.PortMap{}
	for _, p := range cfg.Ports {
		proto := p.Protocol
		if proto == "" {
			proto = "tcp"
		}
		containerPort := nat.Port(p.Container + "/" + proto)
		exposedPorts[containerPort] = struct{}{}
		portBindings[containerPort] = []nat.PortBinding{{HostPort: p.Host}}
	}

	mounts := make([]mount.Mount, 0, len(cfg.Volumes))
	for hostPath, containerPath := range cfg.Volumes {
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: hostPath,
			Target: containerPath,
		})
	}

	// The supervisor owns restarts; docker must not race it.
	hostCfg := &container.HostConfig{
		PortBindings:  portBindings,
		Mounts:        mounts,
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyDisabled},
	}
	if cfg.MemoryLimit > 0 {
		hostCfg.Memory = cfg.MemoryLimit
	}
	if cfg.CPULimit > 0 {
		hostCfg.NanoCPUs = int64(cfg.CPULimit * 1e9)
	}

	containerCfg := &container.Config{
		Image:        cfg.Image,
		Cmd:          cfg.Cmd,
		WorkingDir:   cfg.WorkingDir,
		Env:          env,
		ExposedPorts: exposedPorts,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}

	resp, err := c.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, cfg.Name)
	if errdefs.IsNotFound(err) {
		if pullErr := c.PullImage(ctx, cfg.Image); pullErr != nil {
			return "", pullErr
		}
		resp, err = c.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, cfg.Name)
	}
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	return resp.ID, nil
}

func (c *Client) StartContainer(ctx context.Context, id string) error {
	return c.cli.ContainerStart(ctx, id, container.StartOptions{})
}

func (c *Client) KillContainer(ctx context.Context, id, signal string) error {
	return c.cli.ContainerKill(ctx, id, signal)
}

func (c *Client) RemoveContainer(ctx context.Context, id string) error {
	err := c.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if errdefs.IsNotFound(err) {
		return nil
	}
	return err
}

// WaitContainer blocks until the container stops and returns its exit code.
func (c *Client) WaitContainer(ctx context.Context, id string) (int, error) {
	statusCh, errCh := c.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case resp := <-statusCh:
		if resp.Error != nil {
			return int(resp.StatusCode), fmt.Errorf("wait container: %s", resp.Error.Message)
		}
		return int(resp.StatusCode), nil
	case err := <-errCh:
		return -1, fmt.Errorf("wait container: %w", err)
	}
}

// Attach to the container's main process stdin/stdout
func (c *Client) ContainerAttach(ctx context.Context, id string) (types.HijackedResponse, error) {
	return c.cli.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
}

// ContainerStatsOnce takes a single stats sample without streaming.
func (c *Client) ContainerStatsOnce(ctx context.Context, id string) (*container.StatsResponse, error) {
	resp, err := c.cli.ContainerStatsOneShot(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("container stats: %w", err)
	}
	defer resp.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("decode container stats: %w", err)
	}
	return &stats, nil
}

// ParsePortMappings parses port strings like "25565:25565/tcp"
func ParsePortMappings(ports []string) []PortMapping {
	var result []PortMapping
	for _, p := range ports {
		proto := "tcp"
		if idx := strings.Index(p, "/"); idx != -1 {
			proto = p[idx+1:]
			p = p[:idx]
		}
		parts := strings.SplitN(p, ":", 2)
		if len(parts) == 2 {
			result = append(result, PortMapping{Host: parts[0], Container: parts[1], Protocol: proto})
		}
	}
	return result
}

// ParseMemory parses a memory string like "2G" or "512M" to bytes. Invalid
// or empty input yields 0 (no limit).
func ParseMemory(s string) int64 {
	n, err := units.RAMInBytes(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}
