package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/3cpo-dev/fleetd/pkg/api"
	"github.com/rs/zerolog/log"
)

// Bootstrap brings the fleet up before the loop takes over:
//
//  1. run the build commands locally;
//  2. seed and launch the first worker that accepts it;
//  3. persist a single-host file so the proxy starts with one host;
//  4. launch the proxy;
//  5. provision and launch the remaining workers;
//  6. persist every confirmed host, which the proxy sees as hosts added.
type Bootstrap struct {
	Hosts    HostStore
	Executor Executor
	Launcher ProxyLauncher
	Commands *Commands
	// Build runs one build command locally.
	Build func(ctx context.Context, command string) error

	Settle      time.Duration
	ProxyWarmup time.Duration
	MigrateWait time.Duration
}

// Run returns the confirmed hosts and the proxy pid.
func (b *Bootstrap) Run(ctx context.Context) ([]string, int, error) {
	hosts, err := b.Hosts.Load()
	if err != nil {
		return nil, 0, err
	}
	hosts = minus(hosts)
	if len(hosts) == 0 {
		return nil, 0, fmt.Errorf("hosts file is empty: %w", api.ErrNoWorker)
	}

	for _, cmd := range b.Commands.Build() {
		if b.Build == nil {
			break
		}
		if err := b.Build(ctx, cmd); err != nil {
			return nil, 0, fmt.Errorf("build: %w", err)
		}
		log.Info().Str("command", cmd).Msg("Compiled")
	}

	log.Info().Strs("hosts", hosts).Msg("Start initialization")
	prov := NewProvisioner(b.Executor, b.Commands)
	failed := hostSet{}

	first := -1
	for i, host := range hosts {
		if err := prov.Provision(ctx, host, true); err != nil {
			log.Error().Err(err).Str("host", host).Msg("Installing seed database failed")
			failed[host] = struct{}{}
			continue
		}
		if err := sleepCtx(ctx, b.Settle); err != nil {
			return nil, 0, err
		}
		if err := launchWorker(ctx, b.Executor, b.Commands, host); err != nil {
			log.Error().Err(err).Str("host", host).Msg("Launching first worker failed")
			failed[host] = struct{}{}
			continue
		}
		log.Info().Str("host", host).Msg("First worker launched")
		first = i
		break
	}
	if first < 0 {
		return nil, 0, api.ErrNoWorker
	}
	if err := sleepCtx(ctx, b.Settle); err != nil {
		return nil, 0, err
	}
	if err := b.Hosts.Save([]string{hosts[first]}); err != nil {
		return nil, 0, fmt.Errorf("save first host: %w", err)
	}

	cmd, err := b.Commands.Proxy()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", api.ErrProxyLaunch, err)
	}
	proxyPID, err := b.Launcher.LaunchProxy(ctx, cmd)
	if err != nil {
		if !errors.Is(err, api.ErrProxyLaunch) {
			err = fmt.Errorf("%w: %v", api.ErrProxyLaunch, err)
		}
		return nil, 0, err
	}
	log.Info().Int("pid", proxyPID).Msg("Reverse proxy server launched")
	if err := sleepCtx(ctx, b.ProxyWarmup); err != nil {
		return nil, 0, err
	}

	for _, host := range hosts[first+1:] {
		if err := prov.Provision(ctx, host, false); err != nil {
			log.Error().Err(err).Str("host", host).Msg("Installing database failed")
			failed[host] = struct{}{}
			continue
		}
		if err := launchWorker(ctx, b.Executor, b.Commands, host); err != nil {
			log.Error().Err(err).Str("host", host).Msg("Launching worker failed")
			failed[host] = struct{}{}
			continue
		}
		log.Info().Str("host", host).Msg("Worker launched")
	}

	confirmed := minus(hosts, failed)
	if len(failed) > 0 {
		log.Warn().Strs("hosts", minus(hosts, setOf(confirmed))).Msg("Unreachable hosts have been eliminated from the hosts file")
	}
	if err := b.Hosts.Save(confirmed); err != nil {
		return nil, 0, fmt.Errorf("save confirmed hosts: %w", err)
	}
	if err := sleepCtx(ctx, b.MigrateWait); err != nil {
		return nil, 0, err
	}
	log.Info().Strs("hosts", confirmed).Msg("Initialization finished")
	return confirmed, proxyPID, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
