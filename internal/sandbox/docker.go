package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerSandbox is a Sandbox backed by one Docker container. The
// session workspace is bind-mounted at /workspace.
type DockerSandbox struct {
	cli         *client.Client
	containerID string
	logger      *slog.Logger
}

// DockerOptions configures container creation.
type DockerOptions struct {
	Image    string
	HostDir  string // host path mounted at /workspace
	MemoryMB int
	CPUs     float64
	Network  bool
}

// NewDockerClient connects to the local Docker daemon.
func NewDockerClient() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return cli, nil
}

// CreateDockerSandbox creates and starts a hardened container for a
// session.
func CreateDockerSandbox(ctx context.Context, cli *client.Client, name string, opts DockerOptions, logger *slog.Logger) (*DockerSandbox, error) {
	networkMode := "none"
	if opts.Network {
		networkMode = "bridge"
	}

	cfg := &container.Config{
		Image:      opts.Image,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: "/workspace",
		Labels:     map[string]string{"managed-by": "agentd"},
	}
	hostCfg := &container.HostConfig{
		Binds:       []string{opts.HostDir + ":/workspace"},
		NetworkMode: container.NetworkMode(networkMode),
		SecurityOpt: []string{"no-new-privileges"},
		CapDrop:     []string{"ALL"},
		Resources: container.Resources{
			Memory:   int64(opts.MemoryMB) * 1024 * 1024,
			NanoCPUs: int64(opts.CPUs * 1e9),
		},
	}

	created, err := cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	if err := cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("start container: %w", err)
	}

	logger.Info("sandbox created", "container_id", created.ID[:12], "image", opts.Image)
	return &DockerSandbox{cli: cli, containerID: created.ID, logger: logger}, nil
}

func (s *DockerSandbox) ID() string { return s.containerID }

func (s *DockerSandbox) Exec(ctx context.Context, cmd []string, cwd string, timeout time.Duration) (*ExecResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	execOpts := container.ExecOptions{
		Cmd:          cmd,
		WorkingDir:   cwd,
		AttachStdout: true,
		AttachStderr: true,
	}
	created, err := s.cli.ContainerExecCreate(ctx, s.containerID, execOpts)
	if err != nil {
		return nil, fmt.Errorf("exec create: %w", err)
	}

	attach, err := s.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("exec attach: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		done <- copyErr
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-done:
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("exec read: %w", err)
		}
	}

	inspect, err := s.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("exec inspect: %w", err)
	}

	return &ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

func (s *DockerSandbox) ReadFile(ctx context.Context, p string) ([]byte, error) {
	reader, _, err := s.cli.CopyFromContainer(ctx, s.containerID, p)
	if err != nil {
		return nil, fmt.Errorf("copy from container: %w", err)
	}
	defer reader.Close()

	tr := tar.NewReader(reader)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read archive: %w", err)
		}
		if hdr.Typeflag == tar.TypeReg {
			return io.ReadAll(tr)
		}
	}
	return nil, fmt.Errorf("no regular file at %s", p)
}

func (s *DockerSandbox) WriteFile(ctx context.Context, p string, data []byte) error {
	dir := path.Dir(p)
	if dir != "/" {
		mkdir, err := s.Exec(ctx, []string{"mkdir", "-p", dir}, "/", 10*time.Second)
		if err != nil {
			return fmt.Errorf("create parent dir: %w", err)
		}
		if mkdir.ExitCode != 0 {
			return fmt.Errorf("create parent dir: %s", strings.TrimSpace(mkdir.Stderr))
		}
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{
		Name: path.Base(p),
		Mode: 0o644,
		Size: int64(len(data)),
	}); err != nil {
		return fmt.Errorf("write archive header: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("write archive: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}

	if err := s.cli.CopyToContainer(ctx, s.containerID, dir, &buf, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copy to container: %w", err)
	}
	return nil
}

func (s *DockerSandbox) Close(ctx context.Context) error {
	err := s.cli.ContainerRemove(ctx, s.containerID, container.RemoveOptions{Force: true})
	if err != nil {
		return fmt.Errorf("remove container: %w", err)
	}
	s.logger.Info("sandbox removed", "container_id", s.containerID[:12])
	return nil
}
