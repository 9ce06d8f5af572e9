package docker

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

// Runner executes a host command and returns its combined output. Injected in
// tests.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s %s: %w (%s)", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

var vethIndexPattern = regexp.MustCompile(`eth0@if(\d+)`)

// vethName resolves the host-side veth interface paired with the container's
// eth0: the peer index is read inside the container's network namespace, then
// matched against the host interface list.
func vethName(ctx context.Context, runner Runner, pid int) (string, error) {
	out, err := runner(ctx, "nsenter", "-t", strconv.Itoa(pid), "-n", "ip", "link", "show", "eth0")
	if err != nil {
		return "", fmt.Errorf("failed to inspect container eth0: %w", err)
	}
	match := vethIndexPattern.FindSubmatch(out)
	if match == nil {
		return "", fmt.Errorf("no veth peer index in eth0 link output")
	}
	index := string(match[1])

	out, err = runner(ctx, "ip", "link")
	if err != nil {
		return "", fmt.Errorf("failed to list host interfaces: %w", err)
	}
	for _, line := range strings.Split(string(out), "\n") {
		if !strings.HasPrefix(line, index+":") {
			continue
		}
		fields := strings.SplitN(line, ":", 3)
		if len(fields) < 2 {
			continue
		}
		name := strings.TrimSpace(fields[1])
		// veth names carry an @ifN suffix in ip link output.
		name, _, _ = strings.Cut(name, "@")
		return name, nil
	}
	return "", fmt.Errorf("no host interface with index %s", index)
}

// LimitBandwidth shapes traffic on the container's host-side veth with an HTB
// qdisc: one class for download and one for upload, rates in tc notation
// ("50mbit"). Any existing qdisc on the interface is replaced.
func (o *Orchestrator) LimitBandwidth(ctx context.Context, containerName, download, upload string) error {
	return o.limitBandwidth(ctx, execRunner, containerName, download, upload)
}

func (o *Orchestrator) limitBandwidth(ctx context.Context, runner Runner, containerName, download, upload string) error {
	info, err := o.cli.ContainerInspect(ctx, containerName)
	if err != nil {
		return fmt.Errorf("failed to inspect container %s: %w", containerName, err)
	}
	return applyBandwidthLimits(ctx, runner, info.State.Pid, download, upload)
}

func applyBandwidthLimits(ctx context.Context, runner Runner, pid int, download, upload string) error {
	veth, err := vethName(ctx, runner, pid)
	if err != nil {
		return err
	}

	// A leftover qdisc from a previous run would reject the add below.
	runner(ctx, "tc", "qdisc", "del", "dev", veth, "root") //nolint:errcheck

	steps := [][]string{
		{"tc", "qdisc", "add", "dev", veth, "root", "handle", "1:", "htb", "default", "30"},
		{"tc", "class", "add", "dev", veth, "parent", "1:", "classid", "1:1", "htb", "rate", download},
		{"tc", "class", "add", "dev", veth, "parent", "1:", "classid", "1:2", "htb", "rate", upload},
	}
	for _, step := range steps {
		if _, err := runner(ctx, step[0], step[1:]...); err != nil {
			return fmt.Errorf("failed to apply bandwidth limit on %s: %w", veth, err)
		}
	}
	return nil
}
