package client

import (
	"context"
	"encoding/json"
	"os"
	"serial-rpc/loadbalance"
	"serial-rpc/registry"
	"serial-rpc/server"
	"strings"
	"testing"
	"time"
)

// TestMultiDeviceWithEtcd 多设备 + 负载均衡 + etcd
func TestMultiDeviceWithEtcd(t *testing.T) {
	endpoints := os.Getenv("SERIAL_RPC_ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("SERIAL_RPC_ETCD_ENDPOINTS not set")
	}

	logger := newTestLogger(t)

	// 1. 连接 etcd
	reg, err := registry.NewEtcdRegistry(logger, strings.Split(endpoints, ","))
	if err != nil {
		t.Fatalf("failed to connect etcd: %v", err)
	}
	defer reg.Close()

	// 2. 启动 2 台设备，各自注册
	handlers := []*idRecorder{{}, {}}
	servers := make([]*server.Server, len(handlers))
	for i, handler := range handlers {
		svr, err := server.NewServer(logger, handler, server.Options{ServiceName: "etcd-it"})
		if err != nil {
			t.Fatal(err)
		}
		servers[i] = svr
		go svr.ListenAndServe("tcp", "127.0.0.1:0", "", reg) // nolint: errcheck
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		instances, err := reg.Discover("etcd-it")
		if err == nil && len(instances) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("devices did not register: %v", instances)
		}
		time.Sleep(20 * time.Millisecond)
	}

	// 3. 发 10 个请求，验证全部正确且两台设备都收到了请求
	cli := NewDiscovery(logger, reg, &loadbalance.RoundRobinBalancer{}, "etcd-it", Options{})
	defer cli.Close()

	for i := 0; i < 10; i++ {
		result, err := cli.Call(context.Background(), "echo", i, i*10)
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		if string(result) != `"2"` {
			t.Fatalf("request %d: unexpected result %s", i, json.RawMessage(result))
		}
	}
	for i, handler := range handlers {
		handler.mu.Lock()
		seen := len(handler.ids)
		handler.mu.Unlock()
		if seen == 0 {
			t.Fatalf("device %d received no request", i)
		}
	}

	// 4. 清理
	for _, svr := range servers {
		if err := svr.Shutdown(3 * time.Second); err != nil {
			t.Fatal(err)
		}
	}
}
