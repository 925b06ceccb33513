package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/anchor"
	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/audit"
	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/backup"
	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/cidregistry"
	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/config"
	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/gateway"
	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/intentlog"
	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/lifecycle"
	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/multisig"
	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/otp"
	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/portal"
	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/session"
	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/vault"
)

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(nil, stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return runServe(args[2:], stdout, stderr)
	case "backup":
		return runBackupCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "anchor":
		return runAnchorCmd(args[2:], stdout, stderr)
	case "vault":
		return runVaultCmd(args[2:], stdout, stderr)
	case "health":
		return runHealthCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return runServe(args[1:], stdout, stderr)
		}
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "docengine - sovereign document signing and custody engine")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  docengine <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  serve      Run the signing gateway and verification portal (default)")
	fmt.Fprintln(w, "  backup     Take an encrypted backup of the data directory")
	fmt.Fprintln(w, "  verify     Verify a document, a backup file, or the anchor chain")
	fmt.Fprintln(w, "  anchor     Anchor a document fingerprint to configured ledgers")
	fmt.Fprintln(w, "  vault      Seal or recover documents in the custody key vault")
	fmt.Fprintln(w, "  health     Check gateway health (HTTP)")
	fmt.Fprintln(w, "  help       Show this help")
	fmt.Fprintln(w, "")
}

func loadConfig(fs *flag.FlagSet, args []string, stderr io.Writer) (config.Config, bool) {
	var profile string
	fs.StringVar(&profile, "profile", "", "Path to a YAML configuration profile")
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return config.Config{}, false
	}
	cfg, err := config.Load(profile)
	if err != nil {
		fmt.Fprintf(stderr, "Config error: %v\n", err)
		return config.Config{}, false
	}
	return cfg, true
}

//nolint:gocognit
func runServe(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	cfg, ok := loadConfig(fs, args, stderr)
	if !ok {
		return 2
	}
	log := audit.NewLogger(stderr, cfg.LogLevel)

	sessions, err := session.NewEngine(cfg.DataDir)
	if err != nil {
		fmt.Fprintf(stderr, "Session engine init failed: %v\n", err)
		return 1
	}
	intents, err := intentlog.NewLogger(cfg.DataDir)
	if err != nil {
		fmt.Fprintf(stderr, "Intent log init failed: %v\n", err)
		return 1
	}
	otps, err := otp.NewEngine(cfg.DataDir)
	if err != nil {
		fmt.Fprintf(stderr, "OTP engine init failed: %v\n", err)
		return 1
	}
	events, err := cidregistry.NewEventLog(cfg.DataDir)
	if err != nil {
		fmt.Fprintf(stderr, "Event log init failed: %v\n", err)
		return 1
	}
	lifecycles, err := lifecycle.NewRegistry(cfg.DataDir)
	if err != nil {
		fmt.Fprintf(stderr, "Lifecycle registry init failed: %v\n", err)
		return 1
	}
	lifecycles.WithEventLog(events)
	cids, err := cidregistry.NewRegistry(cfg.DataDir)
	if err != nil {
		fmt.Fprintf(stderr, "CID registry init failed: %v\n", err)
		return 1
	}
	cids.WithEventLog(events)
	anchors, err := anchor.NewEngine(cfg.DataDir)
	if err != nil {
		fmt.Fprintf(stderr, "Anchor engine init failed: %v\n", err)
		return 1
	}
	anchors.WithLogger(log)
	anchors.WithEventLog(events)
	anchors.RegisterAdapter(anchor.NewIPFSAdapter(cfg.IPFSNodeURL))
	workflows, err := multisig.NewEngine(cfg.DataDir)
	if err != nil {
		fmt.Fprintf(stderr, "Multisig engine init failed: %v\n", err)
		return 1
	}

	gw, err := gateway.New(sessions, intents, otps, log)
	if err != nil {
		fmt.Fprintf(stderr, "Gateway init failed: %v\n", err)
		return 1
	}
	gw.WithDistributor(session.NewDistributor(sessions, log))
	pt := portal.New(lifecycles, cids, anchors, workflows, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Backup daemon, only when a passphrase is configured.
	if cfg.BackupPassphrase != "" {
		agent, err := backup.NewAgent(cfg.DataDir, backup.Options{
			BackupDir:  cfg.BackupDir,
			Passphrase: cfg.BackupPassphrase,
			Retention:  cfg.BackupRetention,
		})
		if err != nil {
			fmt.Fprintf(stderr, "Backup agent init failed: %v\n", err)
			return 1
		}
		agent.WithLogger(log)
		go agent.Run(ctx, cfg.BackupInterval)
	} else {
		log.Warn("backup passphrase not configured, backup daemon disabled")
	}

	// Housekeeping: expire stale sessions and purge spent codes.
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := sessions.ExpireStale(); n > 0 {
					log.Info("expired stale sessions", "count", n)
				}
				if n := otps.PurgeExpired(); n > 0 {
					log.Info("purged expired codes", "count", n)
				}
			}
		}
	}()

	gwServer := &http.Server{Addr: cfg.GatewayAddr, Handler: gw.Handler(), ReadHeaderTimeout: 10 * time.Second}
	ptServer := &http.Server{Addr: cfg.PortalAddr, Handler: pt.Handler(), ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 2)
	go func() {
		log.Info("signing gateway listening", "addr", cfg.GatewayAddr)
		errCh <- gwServer.ListenAndServe()
	}()
	go func() {
		log.Info("verification portal listening", "addr", cfg.PortalAddr)
		errCh <- ptServer.ListenAndServe()
	}()

	fmt.Fprintf(stdout, "docengine ready: gateway %s, portal %s\n", cfg.GatewayAddr, cfg.PortalAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(stderr, "Server error: %v\n", err)
			return 1
		}
	case <-sigCh:
		log.Info("shutting down")
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = gwServer.Shutdown(shutdownCtx)
	_ = ptServer.Shutdown(shutdownCtx)
	return 0
}

func runBackupCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("backup", flag.ContinueOnError)
	cfg, ok := loadConfig(fs, args, stderr)
	if !ok {
		return 2
	}
	if cfg.BackupPassphrase == "" {
		fmt.Fprintln(stderr, "Error: backup passphrase is not configured")
		return 2
	}

	agent, err := backup.NewAgent(cfg.DataDir, backup.Options{
		BackupDir:  cfg.BackupDir,
		Passphrase: cfg.BackupPassphrase,
		Retention:  cfg.BackupRetention,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Backup agent init failed: %v\n", err)
		return 1
	}
	manifest, path, err := agent.Backup()
	if err != nil {
		fmt.Fprintf(stderr, "Backup failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Backup created: %s (%d files)\n", path, len(manifest.Files))
	return 0
}

//nolint:gocyclo
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	var (
		docID      string
		backupPath string
		chain      bool
		jsonOutput bool
	)
	fs.StringVar(&docID, "doc", "", "Document id to verify")
	fs.StringVar(&backupPath, "backup", "", "Backup file to verify")
	fs.BoolVar(&chain, "chain", false, "Verify the full anchor chain")
	fs.BoolVar(&jsonOutput, "json", false, "Output result as JSON")
	cfg, ok := loadConfig(fs, args, stderr)
	if !ok {
		return 2
	}

	switch {
	case docID != "":
		lifecycles, err := lifecycle.NewRegistry(cfg.DataDir)
		if err != nil {
			fmt.Fprintf(stderr, "Lifecycle registry init failed: %v\n", err)
			return 1
		}
		report, err := lifecycles.VerifyIntegrity(docID)
		if err != nil {
			fmt.Fprintf(stderr, "Verification failed: %v\n", err)
			return 1
		}
		if jsonOutput {
			data, _ := json.MarshalIndent(report, "", "  ")
			fmt.Fprintln(stdout, string(data))
		} else if report.Valid {
			fmt.Fprintf(stdout, "Document %s: VALID\n", docID)
		} else {
			fmt.Fprintf(stdout, "Document %s: INVALID\n", docID)
			for _, issue := range report.Issues {
				fmt.Fprintf(stdout, "  - %s\n", issue)
			}
		}
		if !report.Valid {
			return 1
		}
		return 0

	case backupPath != "":
		report, err := backup.VerifyBackup(backupPath, cfg.BackupPassphrase)
		if err != nil {
			fmt.Fprintf(stderr, "Verification failed: %v\n", err)
			return 1
		}
		if jsonOutput {
			data, _ := json.MarshalIndent(report, "", "  ")
			fmt.Fprintln(stdout, string(data))
		} else if report.Valid {
			fmt.Fprintf(stdout, "Backup %s: VALID (%d files)\n", backupPath, report.Files)
		} else {
			fmt.Fprintf(stdout, "Backup %s: INVALID\n", backupPath)
			for _, issue := range report.Issues {
				fmt.Fprintf(stdout, "  - %s\n", issue)
			}
		}
		if !report.Valid {
			return 1
		}
		return 0

	case chain:
		anchors, err := anchor.NewEngine(cfg.DataDir)
		if err != nil {
			fmt.Fprintf(stderr, "Anchor engine init failed: %v\n", err)
			return 1
		}
		events, err := cidregistry.NewEventLog(cfg.DataDir)
		if err != nil {
			fmt.Fprintf(stderr, "Event log init failed: %v\n", err)
			return 1
		}
		report := anchors.VerifyFullChain()
		eventErr := events.VerifyChain()
		if jsonOutput {
			out := map[string]any{
				"anchors":        report,
				"eventLogValid":  eventErr == nil,
				"eventLogLength": events.Len(),
			}
			if eventErr != nil {
				out["eventLogIssue"] = eventErr.Error()
			}
			data, _ := json.MarshalIndent(out, "", "  ")
			fmt.Fprintln(stdout, string(data))
		} else {
			if report.Valid {
				fmt.Fprintf(stdout, "Anchor chain: VALID (%d anchors)\n", report.Anchors)
			} else {
				fmt.Fprintln(stdout, "Anchor chain: INVALID")
				for _, issue := range report.Issues {
					fmt.Fprintf(stdout, "  - %s\n", issue)
				}
			}
			if eventErr == nil {
				fmt.Fprintf(stdout, "Event log: VALID (%d events)\n", events.Len())
			} else {
				fmt.Fprintf(stdout, "Event log: INVALID (%v)\n", eventErr)
			}
		}
		if !report.Valid || eventErr != nil {
			return 1
		}
		return 0

	default:
		fmt.Fprintln(stderr, "Error: one of --doc, --backup, or --chain is required")
		fs.Usage()
		return 2
	}
}

func runAnchorCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("anchor", flag.ContinueOnError)
	var (
		docID      string
		sha256Hash string
		merkleRoot string
		sku        string
		chains     string
	)
	fs.StringVar(&docID, "doc", "", "Document id (REQUIRED)")
	fs.StringVar(&sha256Hash, "hash", "", "Document SHA-256 (REQUIRED)")
	fs.StringVar(&merkleRoot, "merkle", "", "Section merkle root")
	fs.StringVar(&sku, "sku", "", "Document SKU")
	fs.StringVar(&chains, "chains", "xrpl", "Comma-separated chain list, first is primary")
	cfg, ok := loadConfig(fs, args, stderr)
	if !ok {
		return 2
	}
	if docID == "" || sha256Hash == "" {
		fmt.Fprintln(stderr, "Error: --doc and --hash are required")
		fs.Usage()
		return 2
	}

	anchors, err := anchor.NewEngine(cfg.DataDir)
	if err != nil {
		fmt.Fprintf(stderr, "Anchor engine init failed: %v\n", err)
		return 1
	}
	events, err := cidregistry.NewEventLog(cfg.DataDir)
	if err != nil {
		fmt.Fprintf(stderr, "Event log init failed: %v\n", err)
		return 1
	}
	anchors.WithEventLog(events)
	anchors.RegisterAdapter(anchor.NewIPFSAdapter(cfg.IPFSNodeURL))

	chainList := strings.Split(chains, ",")
	rec, err := anchors.AnchorMultiChain(anchor.MultiChainParams{
		AnchorParams: anchor.AnchorParams{
			DocumentID: docID,
			Fingerprint: anchor.Fingerprint{
				SHA256:     sha256Hash,
				MerkleRoot: merkleRoot,
			},
			Chain: chainList[0],
			SKU:   sku,
		},
		Chains: chainList,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Anchoring failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Anchored %s on %s: tx %s\n", docID, rec.Chain, rec.TxHash)
	for _, ra := range rec.RedundantAnchors {
		fmt.Fprintf(stdout, "  redundant %s: tx %s\n", ra.Chain, ra.TxHash)
	}
	return 0
}

//nolint:gocyclo
func runVaultCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("vault", flag.ContinueOnError)
	var (
		sealPath string
		openPath string
		outPath  string
		docID    string
		sku      string
		stats    bool
	)
	fs.StringVar(&sealPath, "seal", "", "File to encrypt into the custody vault")
	fs.StringVar(&openPath, "open", "", "Sealed envelope to decrypt")
	fs.StringVar(&outPath, "out", "", "Output path")
	fs.StringVar(&docID, "doc", "", "Document id to bind the key to")
	fs.StringVar(&sku, "sku", "", "Document SKU to bind the key to")
	fs.BoolVar(&stats, "stats", false, "Print vault statistics")
	cfg, ok := loadConfig(fs, args, stderr)
	if !ok {
		return 2
	}

	local, err := vault.NewLocalVault(cfg.DataDir)
	if err != nil {
		fmt.Fprintf(stderr, "Vault init failed: %v\n", err)
		return 1
	}
	providers := vault.NewRegistry()
	providers.Register(local)
	providers.Register(vault.NewHSMStub())
	provider, err := providers.Active()
	if err != nil {
		fmt.Fprintf(stderr, "Vault init failed: %v\n", err)
		return 1
	}

	switch {
	case stats:
		data, _ := json.MarshalIndent(provider.GetStats(), "", "  ")
		fmt.Fprintln(stdout, string(data))
		return 0

	case sealPath != "":
		if cfg.VaultPassphrase == "" {
			fmt.Fprintln(stderr, "Error: vault passphrase is not configured")
			return 2
		}
		plaintext, err := os.ReadFile(sealPath)
		if err != nil {
			fmt.Fprintf(stderr, "Read failed: %v\n", err)
			return 1
		}
		meta, err := provider.GenerateKey(vault.GenerateParams{
			Derivation: vault.DerivationPassphrase,
			Purpose:    vault.PurposeEncryption,
			DocumentID: docID,
			SKU:        sku,
			Passphrase: cfg.VaultPassphrase,
		})
		if err != nil {
			fmt.Fprintf(stderr, "Key generation failed: %v\n", err)
			return 1
		}
		sealed, err := provider.Encrypt(meta.KeyID, plaintext)
		if err != nil {
			fmt.Fprintf(stderr, "Seal failed: %v\n", err)
			return 1
		}
		if outPath == "" {
			outPath = sealPath + ".sealed.json"
		}
		data, err := json.MarshalIndent(sealed, "", "  ")
		if err != nil {
			fmt.Fprintf(stderr, "Seal failed: %v\n", err)
			return 1
		}
		if err := os.WriteFile(outPath, data, 0o600); err != nil {
			fmt.Fprintf(stderr, "Write failed: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "Sealed %s under %s: %s\n", sealPath, meta.KeyID, outPath)
		return 0

	case openPath != "":
		data, err := os.ReadFile(openPath)
		if err != nil {
			fmt.Fprintf(stderr, "Read failed: %v\n", err)
			return 1
		}
		var sealed vault.EncryptResult
		if err := json.Unmarshal(data, &sealed); err != nil {
			fmt.Fprintf(stderr, "Malformed envelope: %v\n", err)
			return 1
		}
		plaintext, err := provider.Decrypt(sealed.KeyID, &sealed, sealed.PlaintextSHA256)
		if err != nil {
			fmt.Fprintf(stderr, "Recovery failed: %v\n", err)
			return 1
		}
		if outPath == "" {
			_, _ = stdout.Write(plaintext)
			return 0
		}
		if err := os.WriteFile(outPath, plaintext, 0o600); err != nil {
			fmt.Fprintf(stderr, "Write failed: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "Recovered %s (%d bytes)\n", outPath, len(plaintext))
		return 0

	default:
		fmt.Fprintln(stderr, "Error: one of --seal, --open, or --stats is required")
		fs.Usage()
		return 2
	}
}

func runHealthCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	cfg, ok := loadConfig(fs, args, stderr)
	if !ok {
		return 2
	}
	addr := cfg.GatewayAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + addr + "/health")
	if err != nil {
		fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(stdout, "OK")
	return 0
}
