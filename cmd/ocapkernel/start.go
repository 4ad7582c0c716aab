package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/ocapkernel/pkg/crank"
	"github.com/cuemby/ocapkernel/pkg/facade"
	"github.com/cuemby/ocapkernel/pkg/gc"
	"github.com/cuemby/ocapkernel/pkg/harft"
	"github.com/cuemby/ocapkernel/pkg/kernelstore"
	"github.com/cuemby/ocapkernel/pkg/kevents"
	"github.com/cuemby/ocapkernel/pkg/log"
	"github.com/cuemby/ocapkernel/pkg/metrics"
	"github.com/cuemby/ocapkernel/pkg/promise"
	"github.com/cuemby/ocapkernel/pkg/remote"
	"github.com/cuemby/ocapkernel/pkg/security"
	"github.com/cuemby/ocapkernel/pkg/store"
	"github.com/cuemby/ocapkernel/pkg/supervisor"
	"github.com/cuemby/ocapkernel/pkg/vathealth"
	"github.com/cuemby/ocapkernel/pkg/workerservice"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the kernel daemon",
	Long: `start brings up a single kernel node: its kv store, a supervisor
endpoint vat worker processes dial back into, the crank scheduler, and
the Facade that operator and CLI commands talk to. Remote comms and HA
replication are both optional and off unless their flags are given.`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().String("data-dir", "./ocapkernel-data", "Data directory for kernel state")
	startCmd.Flags().String("cluster-id", "default", "Cluster identifier; seeds the at-rest encryption key")
	startCmd.Flags().String("supervisor-addr", "127.0.0.1:7777", "Address vat supervisor processes dial back into")
	startCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address to serve /metrics on")
	startCmd.Flags().String("worker-binary", "", "Path to the ocap-supervisor binary (defaults to one beside this executable, else a PATH lookup)")

	startCmd.Flags().Bool("enable-remote", false, "Enable remote comms (ocap URLs over libp2p)")
	startCmd.Flags().StringSlice("remote-listen", []string{"/ip4/0.0.0.0/tcp/4001"}, "libp2p listen multiaddrs")

	startCmd.Flags().Bool("enable-ha", false, "Enable HA replication (raft)")
	startCmd.Flags().String("node-id", "node-1", "Node ID for HA replication")
	startCmd.Flags().String("ha-bind-addr", "127.0.0.1:7400", "Raft bind address")
	startCmd.Flags().StringSlice("ha-peers", nil, "Other nodes to bootstrap the HA group with, as id=addr pairs")
}

func runStart(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	clusterID, _ := cmd.Flags().GetString("cluster-id")
	supervisorAddr, _ := cmd.Flags().GetString("supervisor-addr")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	workerBinary, _ := cmd.Flags().GetString("worker-binary")
	enableRemote, _ := cmd.Flags().GetBool("enable-remote")
	remoteListen, _ := cmd.Flags().GetStringSlice("remote-listen")
	enableHA, _ := cmd.Flags().GetBool("enable-ha")
	nodeID, _ := cmd.Flags().GetString("node-id")
	haBindAddr, _ := cmd.Flags().GetString("ha-bind-addr")
	haPeers, _ := cmd.Flags().GetStringSlice("ha-peers")
	facadeNetwork, _ := rootCmd.PersistentFlags().GetString("facade-network")
	facadeAddr, _ := rootCmd.PersistentFlags().GetString("facade-addr")

	logger := log.WithComponent("ocapkernel")

	fmt.Println("Starting ocapkernel...")
	fmt.Printf("  Data Directory:  %s\n", dataDir)
	fmt.Printf("  Supervisor Addr: %s\n", supervisorAddr)
	fmt.Printf("  Facade:          %s %s\n", facadeNetwork, facadeAddr)
	fmt.Println()

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	db, err := store.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	ks := kernelstore.New(db)

	if err := security.SetClusterEncryptionKey(security.DeriveKeyFromClusterID(clusterID)); err != nil {
		return fmt.Errorf("set cluster encryption key: %w", err)
	}

	ca := security.NewCertAuthority(ks)
	if ca.IsInitialized() {
		if err := ca.LoadFromStore(); err != nil {
			return fmt.Errorf("load certificate authority: %w", err)
		}
	} else {
		if err := ca.Initialize(); err != nil {
			return fmt.Errorf("initialize certificate authority: %w", err)
		}
		if err := ca.SaveToStore(); err != nil {
			return fmt.Errorf("save certificate authority: %w", err)
		}
	}
	fmt.Println("✓ Certificate authority ready")

	certDir, err := security.GetCertDir("kernel", nodeID)
	if err != nil {
		return fmt.Errorf("resolve kernel cert dir: %w", err)
	}
	host, _, splitErr := net.SplitHostPort(supervisorAddr)
	if splitErr != nil {
		host = supervisorAddr
	}
	dnsNames := []string{"localhost"}
	var ips []net.IP
	if ip := net.ParseIP(host); ip != nil {
		ips = append(ips, ip)
	} else if host != "" {
		dnsNames = append(dnsNames, host)
	}
	if !security.CertExists(certDir) {
		serverCert, err := ca.IssueVatCertificate(nodeID, "kernel", dnsNames, ips)
		if err != nil {
			return fmt.Errorf("issue kernel server certificate: %w", err)
		}
		if err := security.SaveCertToFile(serverCert, certDir); err != nil {
			return fmt.Errorf("save kernel server certificate: %w", err)
		}
		if err := security.SaveCACertToFile(ca.GetRootCACert(), certDir); err != nil {
			return fmt.Errorf("save root CA certificate: %w", err)
		}
	}
	serverCert, err := security.LoadCertFromFile(certDir)
	if err != nil {
		return fmt.Errorf("load kernel server certificate: %w", err)
	}
	fmt.Println("✓ Kernel server identity ready")

	events := kevents.NewBroker()
	events.Start()
	defer events.Stop()
	prom := promise.New(ks)
	collector := gc.New(ks, events)
	syscalls := supervisor.NewSyscallHandler(ks, prom, collector)

	supMgr, err := supervisor.NewManager(ks, syscalls, events, ca, serverCert)
	if err != nil {
		return fmt.Errorf("create supervisor manager: %w", err)
	}
	supervisorErrCh := make(chan error, 1)
	go func() {
		if err := supMgr.Start(supervisorAddr); err != nil {
			supervisorErrCh <- fmt.Errorf("supervisor endpoint: %w", err)
		}
	}()
	fmt.Printf("✓ Vat supervisor endpoint listening on %s\n", supervisorAddr)

	runner := crank.New(ks, supMgr, events)
	runnerCtx, cancelRunner := context.WithCancel(context.Background())
	defer cancelRunner()

	var remoteMgr *remote.Manager
	if enableRemote {
		remoteCertDir, err := security.GetCertDir("kernel-remote", nodeID)
		if err != nil {
			return fmt.Errorf("resolve remote cert dir: %w", err)
		}
		remoteMgr, err = remote.NewManager(remote.Config{CertDir: remoteCertDir, ListenAddrs: remoteListen}, ks, events)
		if err != nil {
			return fmt.Errorf("create remote comms manager: %w", err)
		}
		runner.SetRemoteDispatcher(remoteMgr)
		if err := remoteMgr.Start(runnerCtx); err != nil {
			return fmt.Errorf("start remote comms: %w", err)
		}
		fmt.Printf("✓ Remote comms started, peer ID %s\n", remoteMgr.PeerID())
	}

	var replicator *harft.Replicator
	if enableHA {
		replicator, err = harft.New(harft.Config{
			NodeID:   nodeID,
			BindAddr: haBindAddr,
			DataDir:  filepath.Join(dataDir, "raft"),
		}, db)
		if err != nil {
			return fmt.Errorf("create HA replicator: %w", err)
		}
		peers := make([]harft.Peer, 0, len(haPeers))
		for _, p := range haPeers {
			id, addr, ok := strings.Cut(p, "=")
			if !ok {
				return fmt.Errorf("invalid --ha-peers entry %q, want id=addr", p)
			}
			peers = append(peers, harft.Peer{NodeID: id, Address: addr})
		}
		if err := replicator.Bootstrap(haBindAddr, peers); err != nil {
			return fmt.Errorf("bootstrap HA group: %w", err)
		}
		db.SetReplicator(replicator)
		fmt.Printf("✓ HA replication bootstrapped as %s\n", nodeID)
	}

	health := vathealth.NewMonitor(supMgr, vathealth.DefaultConfig())
	health.Start(runnerCtx)

	launcher := &workerservice.ProcessLauncher{BinaryPath: resolveWorkerBinary(workerBinary)}
	bundleDir := filepath.Join(dataDir, "bundles")
	if err := os.MkdirAll(bundleDir, 0o700); err != nil {
		return fmt.Errorf("create bundle dir: %w", err)
	}

	facadeServer := facade.NewServer(ks, supMgr, supMgr, prom, health, events, facade.Config{
		KernelAddr:    supervisorAddr,
		BundleDir:     bundleDir,
		CertAuthority: ca,
		Launcher:      launcher,
	})
	if remoteMgr != nil {
		facadeServer.SetRemote(remoteMgr)
	}
	if replicator != nil {
		facadeServer.SetHA(replicator)
	}

	runner.Start(runnerCtx)
	fmt.Println("✓ Crank scheduler started")

	if facadeNetwork == "unix" {
		if err := os.MkdirAll(filepath.Dir(facadeAddr), 0o700); err != nil {
			return fmt.Errorf("create facade socket dir: %w", err)
		}
		_ = os.Remove(facadeAddr)
	}
	facadeLn, err := net.Listen(facadeNetwork, facadeAddr)
	if err != nil {
		return fmt.Errorf("listen on facade %s %s: %w", facadeNetwork, facadeAddr, err)
	}
	facadeErrCh := make(chan error, 1)
	go func() {
		if err := facadeServer.Serve(runnerCtx, facadeLn); err != nil {
			facadeErrCh <- fmt.Errorf("facade server: %w", err)
		}
	}()
	fmt.Printf("✓ Facade listening on %s %s\n", facadeNetwork, facadeAddr)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	metricsSrv := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()
	fmt.Printf("✓ Metrics endpoint: http://%s/metrics\n", metricsAddr)
	fmt.Println()
	fmt.Println("ocapkernel is running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-supervisorErrCh:
		fmt.Fprintf(os.Stderr, "\n%v\n", err)
	case err := <-facadeErrCh:
		fmt.Fprintf(os.Stderr, "\n%v\n", err)
	}

	cancelRunner()
	health.Stop()
	runner.Stop()
	supMgr.Stop()
	if remoteMgr != nil {
		_ = remoteMgr.Close()
	}
	if replicator != nil {
		_ = replicator.Shutdown()
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = metricsSrv.Shutdown(shutdownCtx)
	_ = facadeLn.Close()
	if err := db.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}

	fmt.Println("✓ Shutdown complete")
	return nil
}

func resolveWorkerBinary(configured string) string {
	if configured != "" {
		return configured
	}
	if path, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(path), "ocap-supervisor")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return "ocap-supervisor"
}
