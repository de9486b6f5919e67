package main

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/grandcat/zeroconf"
)

const mdnsServiceType = "_can-control._tcp"

// startMDNS advertises the monitor port and returns a cleanup function.
// It is a no-op when disabled.
func startMDNS(ctx context.Context, cfg *appConfig, port int) (func(), error) {
	if !cfg.mdnsEnable {
		return func() {}, nil
	}
	instance := cfg.mdnsName
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("can-control-%s", host)
	}
	meta := []string{
		"backend=" + cfg.backend,
		"interface=" + cfg.busConfig().Interface,
		fmt.Sprintf("bitrate=%d", cfg.bitrate),
		fmt.Sprintf("read_only=%t", cfg.monitorReadOnly),
		"version=" + version,
		"commit=" + commit,
	}
	svc, err := zeroconf.Register(instance, mdnsServiceType, "local.", port, meta, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	var once sync.Once
	stop := func() { once.Do(svc.Shutdown) }
	context.AfterFunc(ctx, stop)
	return stop, nil
}
