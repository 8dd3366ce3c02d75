// Package controller wires every manager and the RPC/metrics/CA glue
// into one value and drives the fixed-cadence tick loop that keeps
// staged server lifecycles and group scaling moving forward. There is no
// package-level mutable state: Controller is an ordinary struct threaded
// explicitly into the dispatcher and tick loop rather than a singleton —
// tests build one directly instead of reaching through globals.
//
// The shape (one struct owning every subsystem, with explicit
// lifecycle methods rather than package-level state) and the
// start-subsystems-then-wait-for-signal run loop generalize from a
// Raft-backed cluster bootstrap to loading the Node and Group Managers'
// persisted state and starting the dispatcher/tick loop.
package controller

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/nimbus/pkg/auth"
	"github.com/cuemby/nimbus/pkg/bus"
	"github.com/cuemby/nimbus/pkg/config"
	"github.com/cuemby/nimbus/pkg/dispatch"
	"github.com/cuemby/nimbus/pkg/group"
	"github.com/cuemby/nimbus/pkg/log"
	"github.com/cuemby/nimbus/pkg/metrics"
	"github.com/cuemby/nimbus/pkg/node"
	"github.com/cuemby/nimbus/pkg/plugin"
	"github.com/cuemby/nimbus/pkg/rpc"
	"github.com/cuemby/nimbus/pkg/security"
	"github.com/cuemby/nimbus/pkg/server"
	"github.com/cuemby/nimbus/pkg/storage"
	"github.com/cuemby/nimbus/pkg/types"
	"github.com/cuemby/nimbus/pkg/user"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// ErrPluginLoadFailed and ErrStorageInit classify New's startup errors for
// the host binary's exit-code mapping (§6): a plugin failure is fatal but
// distinct from a storage failure, which is distinct from everything else
// being treated as a configuration error.
var (
	ErrPluginLoadFailed = errors.New("plugin load failed")
	ErrStorageInit      = errors.New("storage initialization failed")
)

// Controller owns every manager plus the glue (dispatcher, bus, RPC
// transport, metrics collector, CA) that turns them into a running
// service.
type Controller struct {
	cfg config.Config
	log zerolog.Logger

	store   *storage.Store
	ca      *security.CertAuthority
	plugins *plugin.Registry

	nodes   *node.Manager
	servers *server.Manager
	groups  *group.Manager
	users   *user.Manager
	authReg *auth.Registry
	bus     *bus.Bus

	dispatcher *dispatch.Dispatcher
	gateway    *rpc.Gateway
	transport  *rpc.Transport
	collector  *metrics.Collector
	tlsCreds   credentials.TransportCredentials

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New constructs every component and loads persisted nodes/groups and the
// auth registry, but does not yet start the dispatcher, tick loop, or
// transport — call Run for that. A storage error while loading persisted
// state is returned so the caller can map it to the host binary's exit
// code 3.
func New(ctx context.Context, cfg config.Config) (*Controller, error) {
	c := &Controller{
		cfg:        cfg,
		log:        log.WithComponent("controller"),
		store:      storage.New(cfg.DataDir),
		ca:         security.NewCertAuthority(),
		plugins:    plugin.NewRegistry(),
		bus:        bus.New(),
		dispatcher: dispatch.New(cfg.DispatchQueueSize),
		shutdownCh: make(chan struct{}),
	}

	metrics.SetVersion(cfg.ControllerVersion)

	if err := c.loadOrInitCA(); err != nil {
		return nil, fmt.Errorf("failed to initialize certificate authority: %w: %w", ErrStorageInit, err)
	}
	creds, err := c.buildServerCredentials(cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to issue controller server certificate: %w: %w", ErrStorageInit, err)
	}
	c.tlsCreds = creds

	if err := c.plugins.LoadDir(ctx, cfg.PluginDir, cfg.PluginCallEpoch(), cfg.PluginRoot); err != nil {
		metrics.RegisterComponent("plugin", false, err.Error())
		return nil, fmt.Errorf("failed to load plugins: %w: %w", ErrPluginLoadFailed, err)
	}
	metrics.RegisterComponent("plugin", true, "")

	c.nodes = node.New(c.store, c.plugins)
	c.authReg = auth.New(c.store, cfg.DefaultAdminName)

	serverCfg := server.Config{
		StartupTimeout:   cfg.StartupTimeout(),
		HeartbeatTimeout: cfg.HeartbeatTimeout(),
	}
	groupCfg := group.Config{EmptyServerTimeout: cfg.EmptyServerTimeout()}

	// servers, groups, and users close over each other's narrow
	// interfaces; group.Manager needs Servers before server.Manager can
	// be built with Groups, so server.Manager is constructed with a
	// forwarding shim that's rebound once groups exists.
	groupsShim := &groupsForwarder{}
	usersShim := &usersForwarder{}
	c.servers = server.New(serverCfg, c.nodes, c.authReg, c.bus, groupsShim, usersShim)
	c.groups = group.New(groupCfg, c.store, c.servers)
	groupsShim.target = c.groups
	c.users = user.New(c.servers, c.groups, c.servers, c.bus)
	usersShim.target = c.users

	if err := c.nodes.LoadAll(ctx); err != nil {
		metrics.RegisterComponent("storage", false, err.Error())
		return nil, fmt.Errorf("failed to load persisted nodes: %w: %w", ErrStorageInit, err)
	}
	if err := c.groups.LoadAll(); err != nil {
		metrics.RegisterComponent("storage", false, err.Error())
		return nil, fmt.Errorf("failed to load persisted groups: %w: %w", ErrStorageInit, err)
	}
	if err := c.authReg.Bootstrap(); err != nil {
		metrics.RegisterComponent("storage", false, err.Error())
		return nil, fmt.Errorf("failed to bootstrap auth registry: %w: %w", ErrStorageInit, err)
	}
	metrics.RegisterComponent("storage", true, "")

	c.gateway = rpc.New(c.dispatcher, c.nodes, c.servers, c.groups, c.users, c.authReg, c.bus,
		cfg.ProtocolVersion, cfg.ControllerVersion, c.RequestShutdown)
	c.collector = metrics.NewCollector(c.nodes, c.servers, c.groups, c.users, c.dispatcher)

	return c, nil
}

// groupsForwarder and usersForwarder break the three-way construction
// cycle among server.Manager, group.Manager, and user.Manager: each
// manager's constructor takes the others as narrow interfaces, so
// server.Manager (built first) is given a forwarder whose target field is
// filled in once group.Manager and user.Manager exist — before the
// dispatcher is marked ready, so no call can reach a nil target.
type groupsForwarder struct{ target server.Groups }

func (f *groupsForwarder) Attach(group string, s types.NameAndUuid)  { f.target.Attach(group, s) }
func (f *groupsForwarder) Detach(group string, s uuid.UUID)          { f.target.Detach(group, s) }
func (f *groupsForwarder) StartFailed(group string, reqID uuid.UUID) { f.target.StartFailed(group, reqID) }

type usersForwarder struct{ target server.Users }

func (f *usersForwarder) RemoveUsersOfServer(s uuid.UUID) { f.target.RemoveUsersOfServer(s) }

func (c *Controller) loadOrInitCA() error {
	if err := c.ca.LoadFromDir(c.cfg.CertDir); err == nil {
		return nil
	}
	if err := c.ca.Initialize(); err != nil {
		return err
	}
	return c.ca.SaveToDir(c.cfg.CertDir)
}

// buildServerCredentials issues the gRPC transport's server certificate
// from c.ca and builds mTLS credentials requiring every client (node or
// operator) to present a certificate signed by the same root.
func (c *Controller) buildServerCredentials(listenAddr string) (credentials.TransportCredentials, error) {
	dnsNames := []string{"localhost"}
	ips := []net.IP{net.ParseIP("127.0.0.1")}
	if host, _, err := net.SplitHostPort(listenAddr); err == nil && host != "" {
		if ip := net.ParseIP(host); ip != nil {
			ips = append(ips, ip)
		} else {
			dnsNames = append(dnsNames, host)
		}
	}

	cert, err := c.ca.IssueNodeCertificate("controller", "controller", dnsNames, ips)
	if err != nil {
		return nil, fmt.Errorf("failed to issue server certificate: %w", err)
	}

	// Persist the issued leaf alongside the root so an operator can inspect
	// it with the same node.crt/ca.crt layout security.GetCertDir expects,
	// then reload and validate the chain rather than trusting the
	// in-memory issuance blindly.
	certDir := filepath.Join(c.cfg.CertDir, "controller")
	if err := security.SaveCertToFile(cert, certDir); err != nil {
		return nil, fmt.Errorf("failed to persist server certificate: %w", err)
	}
	if err := security.SaveCACertToFile(c.ca.GetRootCACert(), certDir); err != nil {
		return nil, fmt.Errorf("failed to persist root certificate: %w", err)
	}
	rootCert, err := security.LoadCACertFromFile(certDir)
	if err != nil {
		return nil, fmt.Errorf("failed to reload persisted root certificate: %w", err)
	}
	if err := security.ValidateCertChain(cert.Leaf, rootCert); err != nil {
		return nil, fmt.Errorf("issued server certificate failed chain validation: %w", err)
	}
	if security.CertNeedsRotation(cert.Leaf) {
		c.log.Warn().Msg("controller server certificate is already within its rotation window")
	}

	pool := x509.NewCertPool()
	pool.AddCert(rootCert)

	return credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{*cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
	}), nil
}

// RequestShutdown is passed to the Gateway as the operator-auth
// request_stop callback (§6). It is safe to call more than once or
// concurrently; only the first call has any effect.
func (c *Controller) RequestShutdown() {
	c.shutdownOnce.Do(func() { close(c.shutdownCh) })
}

// Run starts the dispatcher, tick loop, metrics collector, and gRPC
// transport, and blocks until ctx is canceled or a request_stop RPC
// arrives. On return, every live server has been sent a Stop and the
// dispatcher has drained, per §6 scenario S6.
func (c *Controller) Run(ctx context.Context, listener net.Listener) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	tickCtx, tickCancel := context.WithCancel(runCtx)
	defer tickCancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.dispatcher.Run(runCtx)
	}()

	c.dispatcher.MarkReady()
	c.collector.Start()
	defer c.collector.Stop()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.tickLoop(tickCtx)
	}()

	c.transport = rpc.NewTransport(c.gateway, c.authReg, grpc.Creds(c.tlsCreds))
	metrics.RegisterComponent("rpc", true, "")
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := c.transport.Server().Serve(listener); err != nil {
			c.log.Warn().Err(err).Msg("rpc transport stopped serving")
		}
	}()

	select {
	case <-ctx.Done():
	case <-c.shutdownCh:
	}

	c.log.Info().Msg("shutdown requested, draining")

	// Stop ticking before draining so the scheduled-start/restart logic
	// doesn't race the Shutdown drain's own stop scheduling; the
	// dispatcher itself stays ready until the drain task below, running
	// on the dispatcher's own goroutine, completes.
	tickCancel()
	c.transport.Server().GracefulStop()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), c.cfg.StartupTimeout())
	defer drainCancel()
	if _, err := dispatch.Call(drainCtx, c.dispatcher, func(ctx context.Context) (bool, error) {
		return true, c.servers.Shutdown(ctx, func() { c.servers.Tick(ctx, time.Now()) })
	}); err != nil {
		c.log.Warn().Err(err).Msg("server drain did not complete cleanly")
	}

	c.dispatcher.BeginShutdown()
	cancel()
	wg.Wait()
	c.plugins.CloseAll(context.Background())
	return nil
}

func (c *Controller) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.TickInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.tick(ctx, now)
		}
	}
}

func (c *Controller) tick(ctx context.Context, now time.Time) {
	timer := metrics.NewTimer()
	_, err := dispatch.Call(ctx, c.dispatcher, func(ctx context.Context) (bool, error) {
		c.servers.Tick(ctx, now)
		c.groups.Tick(now)
		return true, nil
	})
	metrics.TicksTotal.Inc()
	timer.ObserveDuration(metrics.TickDuration)
	if err != nil {
		c.log.Warn().Err(err).Msg("tick dispatch rejected")
	}
}
