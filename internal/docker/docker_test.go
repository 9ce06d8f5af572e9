package docker

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/docker/go-connections/nat"
)

func TestEnvList(t *testing.T) {
	got := envList(map[string]string{
		"PYROSCOPE_SERVER_ADDRESS": "http://alloy:9999",
		"K6_OUT":                   "experimental-prometheus-rw",
	})
	want := []string{
		"K6_OUT=experimental-prometheus-rw",
		"PYROSCOPE_SERVER_ADDRESS=http://alloy:9999",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("envList = %v, want %v", got, want)
	}
	if envList(nil) != nil {
		t.Error("envList(nil) should be nil")
	}
}

func TestPortBindings(t *testing.T) {
	set, bindings := portBindings([]int{8545, 8551})
	for _, p := range []string{"8545/tcp", "8551/tcp"} {
		if _, ok := set[nat.Port(p)]; !ok {
			t.Errorf("port %s not exposed", p)
		}
	}
	binding := bindings[nat.Port("8551/tcp")]
	if len(binding) != 1 || binding[0].HostPort != "8551" {
		t.Errorf("8551 binding = %v, want same host port", binding)
	}

	set, bindings = portBindings(nil)
	if set != nil || bindings != nil {
		t.Error("no ports should produce nil bindings")
	}
}

func TestVolumeName(t *testing.T) {
	if got := volumeName("expb-executor-bench-execution-client", 0); got != "expb-executor-bench-execution-client-vol-0" {
		t.Errorf("volumeName = %q", got)
	}
}

type fakeRunner struct {
	calls    []string
	outputs  map[string]string
	failures map[string]error
}

func (r *fakeRunner) run(_ context.Context, name string, args ...string) ([]byte, error) {
	call := name + " " + strings.Join(args, " ")
	r.calls = append(r.calls, call)
	for prefix, err := range r.failures {
		if strings.HasPrefix(call, prefix) {
			return nil, err
		}
	}
	for prefix, out := range r.outputs {
		if strings.HasPrefix(call, prefix) {
			return []byte(out), nil
		}
	}
	return nil, nil
}

const eth0Link = `2: eth0@if47: <BROADCAST,MULTICAST,UP,LOWER_UP> mtu 1500 qdisc noqueue state UP mode DEFAULT group default
    link/ether 02:42:ac:11:00:02 brd ff:ff:ff:ff:ff:ff link-netnsid 0`

const hostLinks = `1: lo: <LOOPBACK,UP,LOWER_UP> mtu 65536 qdisc noqueue state UNKNOWN mode DEFAULT group default qlen 1000
46: br-f00: <BROADCAST,MULTICAST,UP,LOWER_UP> mtu 1500 qdisc noqueue state UP mode DEFAULT group default
47: veth8a1b2c3@if2: <BROADCAST,MULTICAST,UP,LOWER_UP> mtu 1500 qdisc noqueue master br-f00 state UP mode DEFAULT group default`

func TestVethName(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{
		"nsenter": eth0Link,
		"ip link": hostLinks,
	}}
	got, err := vethName(context.Background(), runner.run, 4242)
	if err != nil {
		t.Fatal(err)
	}
	if got != "veth8a1b2c3" {
		t.Errorf("vethName = %q, want veth8a1b2c3", got)
	}
	if !strings.HasPrefix(runner.calls[0], "nsenter -t 4242 -n ip link show eth0") {
		t.Errorf("namespace not entered for the container pid: %v", runner.calls)
	}
}

func TestVethNameNoPeerIndex(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{
		"nsenter": "2: eth0: <BROADCAST> mtu 1500",
	}}
	if _, err := vethName(context.Background(), runner.run, 1); err == nil {
		t.Fatal("expected error when eth0 has no peer index")
	}
}

func TestApplyBandwidthLimits(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{
		"nsenter": eth0Link,
		"ip link": hostLinks,
	}}
	if err := applyBandwidthLimits(context.Background(), runner.run, 4242, "50mbit", "15mbit"); err != nil {
		t.Fatal(err)
	}

	want := []string{
		"tc qdisc del dev veth8a1b2c3 root",
		"tc qdisc add dev veth8a1b2c3 root handle 1: htb default 30",
		"tc class add dev veth8a1b2c3 parent 1: classid 1:1 htb rate 50mbit",
		"tc class add dev veth8a1b2c3 parent 1: classid 1:2 htb rate 15mbit",
	}
	var tcCalls []string
	for _, call := range runner.calls {
		if strings.HasPrefix(call, "tc ") {
			tcCalls = append(tcCalls, call)
		}
	}
	if !reflect.DeepEqual(tcCalls, want) {
		t.Errorf("tc calls = %v, want %v", tcCalls, want)
	}
}

func TestApplyBandwidthLimitsToleratesMissingQdisc(t *testing.T) {
	runner := &fakeRunner{
		outputs: map[string]string{
			"nsenter": eth0Link,
			"ip link": hostLinks,
		},
		failures: map[string]error{
			"tc qdisc del": fmt.Errorf("RTNETLINK answers: no such file or directory"),
		},
	}
	if err := applyBandwidthLimits(context.Background(), runner.run, 4242, "50mbit", "15mbit"); err != nil {
		t.Fatalf("deleting an absent qdisc must not fail the limit setup: %v", err)
	}
}
