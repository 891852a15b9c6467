package holdd

import (
	"fmt"

	"github.com/matheusd/holdd/channeldb"
	"github.com/matheusd/holdd/holdrpc"
	"github.com/matheusd/holdd/invoices"
	"github.com/matheusd/holdd/lndclient"
)

// Main is the true entry point for holdd. It opens the invoice database,
// connects to the host node, starts the settlement engine, the htlc
// interceptor and the RPC server, and blocks until shutdownChan is signaled.
// The subsystems are torn down in reverse start order, waiting for in-flight
// work to finish.
func Main(cfg *Config, shutdownChan <-chan struct{}) error {
	defer logWriter.Close()

	log.Infof("Version: %s", Version())

	cdb, err := channeldb.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("unable to open channeldb: %v", err)
	}
	defer cdb.Close()

	lnd, err := lndclient.NewClient(lndclient.Config{
		Host:         cfg.Lnd.Host,
		TLSCertPath:  cfg.Lnd.TLSCertPath,
		MacaroonPath: cfg.Lnd.MacaroonPath,
	})
	if err != nil {
		return fmt.Errorf("unable to connect to lnd: %v", err)
	}
	defer lnd.Close()

	registry := invoices.NewRegistry(cdb, &invoices.RegistryConfig{
		HtlcHoldDuration: cfg.HtlcHoldDuration,
		SweepInterval:    cfg.SweepInterval,
	})
	if err := registry.Start(); err != nil {
		return err
	}
	defer registry.Stop()

	interceptor := newHtlcInterceptor(lnd, cdb, registry)
	if err := interceptor.Start(); err != nil {
		return err
	}
	defer interceptor.Stop()

	rpcServer := holdrpc.NewServer(&holdrpc.ServerConfig{
		ListenAddr: cfg.RPCListen,
		RPCUser:    cfg.RPCUser,
		RPCPass:    cfg.RPCPass,
		Registry:   registry,
		DB:         cdb,
		Backend:    lnd,
	})
	if err := rpcServer.Start(); err != nil {
		return fmt.Errorf("unable to start RPC server: %v", err)
	}
	defer rpcServer.Stop()

	<-shutdownChan
	log.Info("Shutdown requested")

	return nil
}
