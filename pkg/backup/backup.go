// Package backup snapshots the persistent store directory into portable
// bundles, optionally encrypted under a passphrase, and keeps its own
// hash-chained ledger of every backup event.
package backup

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"golang.org/x/crypto/pbkdf2"

	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/canonicalize"
	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/crypto"
	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/store"
)

const (
	LedgerFile = "backup-ledger.json"

	EngineVersion = "1.0.0"

	DefaultRetention = 30 * 24 * time.Hour

	pbkdf2Iterations = 100000
	saltSize         = 32
	ivSize           = 16
	tagSize          = 16
)

// Ledger event kinds.
const (
	EventCreated = "backup-created"
	EventFailed  = "backup-failed"
	EventPruned  = "retention-pruned"
)

var (
	ErrIntegrity  = errors.New("backup: integrity check failed")
	ErrPassphrase = errors.New("backup: decryption failed")
)

// FileEntry describes one file inside a bundle.
type FileEntry struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Size   int    `json:"size"`
}

// Manifest describes one backup.
type Manifest struct {
	BackupID      string      `json:"backupId"`
	Timestamp     time.Time   `json:"timestamp"`
	EngineVersion string      `json:"engineVersion"`
	Files         []FileEntry `json:"files"`
	TotalSize     int         `json:"totalSize"`
	IntegrityHash string      `json:"integrityHash"`
	Encrypted     bool        `json:"encrypted"`
	Hostname      string      `json:"hostname,omitempty"`
}

// bundle is the on-disk unencrypted payload shape.
type bundle struct {
	Manifest Manifest          `json:"manifest"`
	Payload  map[string]string `json:"payload"`
}

// LedgerEntry is one link in the backup ledger chain.
type LedgerEntry struct {
	Sequence          int       `json:"sequence"`
	BackupID          string    `json:"backupId"`
	Event             string    `json:"event"`
	Timestamp         time.Time `json:"timestamp"`
	Detail            string    `json:"detail,omitempty"`
	PreviousChainHash string    `json:"previousChainHash"`
	ChainHash         string    `json:"chainHash"`
}

type ledgerState struct {
	Engine  string        `json:"engine"`
	Version string        `json:"version"`
	Entries []LedgerEntry `json:"entries"`
}

// VerifyReport is the verdict for one backup file.
type VerifyReport struct {
	BackupID string   `json:"backupId"`
	Files    int      `json:"files"`
	Valid    bool     `json:"valid"`
	Issues   []string `json:"issues,omitempty"`
}

// Agent owns backups for one data directory.
type Agent struct {
	mu         sync.Mutex
	dataDir    string
	backupDir  string
	passphrase string
	retention  time.Duration
	file       *store.File
	ledger     ledgerState
	clock      func() time.Time
	log        *slog.Logger
}

// Options tunes agent construction.
type Options struct {
	BackupDir  string
	Passphrase string
	Retention  time.Duration
}

// NewAgent loads or creates the backup ledger for a data directory.
func NewAgent(dataDir string, opts Options) (*Agent, error) {
	backupDir := opts.BackupDir
	if backupDir == "" {
		backupDir = filepath.Join(dataDir, "backups")
	}
	retention := opts.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	a := &Agent{
		dataDir:    dataDir,
		backupDir:  backupDir,
		passphrase: opts.Passphrase,
		retention:  retention,
		file:       store.NewFile(dataDir, LedgerFile),
		clock:      time.Now,
		log:        slog.Default(),
	}
	found, err := a.file.Load(&a.ledger)
	if err != nil {
		return nil, err
	}
	if !found {
		a.ledger = ledgerState{Engine: "doc-intelligence-engine", Version: EngineVersion}
	}
	return a, nil
}

// WithClock overrides the clock for testing.
func (a *Agent) WithClock(clock func() time.Time) *Agent {
	a.clock = clock
	return a
}

// WithLogger replaces the default logger.
func (a *Agent) WithLogger(log *slog.Logger) *Agent {
	a.log = log
	return a
}

// Run backs up on every tick until the context is cancelled. Retention is
// enforced on the same schedule. Failures are ledgered, never fatal.
func (a *Agent) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := a.Backup(); err != nil {
				a.log.Error("scheduled backup failed", "err", err)
			}
			if err := a.ApplyRetention(); err != nil {
				a.log.Error("retention sweep failed", "err", err)
			}
		}
	}
}

// Backup snapshots every .json and .txt file under the data directory into a
// single bundle file and ledgers the outcome. Returns the manifest and the
// written path.
func (a *Agent) Backup() (*Manifest, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	man, path, err := a.backupLocked()
	if err != nil {
		a.appendLedger("", EventFailed, err.Error())
		return nil, "", err
	}
	a.appendLedger(man.BackupID, EventCreated, filepath.Base(path))
	return man, path, nil
}

func (a *Agent) backupLocked() (*Manifest, string, error) {
	now := a.clock().UTC()
	rnd, err := crypto.NewID()
	if err != nil {
		return nil, "", err
	}
	backupID := "BKP-" + now.Format("2006-01-02T15-04-05Z") + "-" + rnd[:8]

	payload := make(map[string]string)
	var files []FileEntry
	totalSize := 0
	err = filepath.WalkDir(a.dataDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			// The backup directory never snapshots itself.
			if path == a.backupDir {
				return filepath.SkipDir
			}
			return nil
		}
		ext := filepath.Ext(path)
		if ext != ".json" && ext != ".txt" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(a.dataDir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		payload[rel] = string(data)
		files = append(files, FileEntry{Path: rel, SHA256: canonicalize.HashBytes(data), Size: len(data)})
		totalSize += len(data)
		return nil
	})
	if err != nil {
		return nil, "", fmt.Errorf("backup: walk: %w", err)
	}
	if len(files) == 0 {
		return nil, "", fmt.Errorf("backup: nothing to snapshot under %s", a.dataDir)
	}

	integrity, err := integrityHash(payload)
	if err != nil {
		return nil, "", err
	}
	hostname, _ := os.Hostname()
	man := Manifest{
		BackupID:      backupID,
		Timestamp:     now,
		EngineVersion: EngineVersion,
		Files:         files,
		TotalSize:     totalSize,
		IntegrityHash: integrity,
		Encrypted:     a.passphrase != "",
		Hostname:      hostname,
	}

	raw, err := json.MarshalIndent(bundle{Manifest: man, Payload: payload}, "", "  ")
	if err != nil {
		return nil, "", err
	}

	if err := os.MkdirAll(a.backupDir, 0o700); err != nil {
		return nil, "", err
	}
	var path string
	if a.passphrase != "" {
		sealed, err := seal(raw, a.passphrase)
		if err != nil {
			return nil, "", err
		}
		path = filepath.Join(a.backupDir, backupID+".enc")
		if err := os.WriteFile(path, sealed, 0o600); err != nil {
			return nil, "", err
		}
	} else {
		path = filepath.Join(a.backupDir, backupID+".json")
		if err := os.WriteFile(path, raw, 0o600); err != nil {
			return nil, "", err
		}
	}
	return &man, path, nil
}

// VerifyBackup reopens a backup file, decrypting when needed, and rechecks
// the manifest integrity hash, every per-file hash, and engine-version
// compatibility.
func VerifyBackup(path, passphrase string) (*VerifyReport, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(path, ".enc") {
		raw, err = open(raw, passphrase)
		if err != nil {
			return nil, err
		}
	}

	var b bundle
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("backup: parse: %w", err)
	}

	report := &VerifyReport{BackupID: b.Manifest.BackupID, Files: len(b.Manifest.Files), Valid: true}

	ver, err := semver.NewVersion(b.Manifest.EngineVersion)
	if err != nil {
		report.Valid = false
		report.Issues = append(report.Issues, "unparseable engine version "+b.Manifest.EngineVersion)
	} else if cur := semver.MustParse(EngineVersion); ver.Major() != cur.Major() {
		report.Valid = false
		report.Issues = append(report.Issues, fmt.Sprintf("engine version %s incompatible with %s", ver, cur))
	}

	integrity, err := integrityHash(b.Payload)
	if err != nil {
		return nil, err
	}
	if integrity != b.Manifest.IntegrityHash {
		report.Valid = false
		report.Issues = append(report.Issues, "bundle integrity hash mismatch")
	}
	for _, f := range b.Manifest.Files {
		content, ok := b.Payload[f.Path]
		if !ok {
			report.Valid = false
			report.Issues = append(report.Issues, "missing payload for "+f.Path)
			continue
		}
		if canonicalize.HashBytes([]byte(content)) != f.SHA256 {
			report.Valid = false
			report.Issues = append(report.Issues, "hash mismatch for "+f.Path)
		}
	}
	return report, nil
}

// ApplyRetention removes backup files older than the retention cutoff and
// ledgers the sweep when anything was pruned.
func (a *Agent) ApplyRetention() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	entries, err := os.ReadDir(a.backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	cutoff := a.clock().UTC().Add(-a.retention)
	pruned := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), "BKP-") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(a.backupDir, entry.Name())); err == nil {
				pruned++
			}
		}
	}
	if pruned > 0 {
		a.appendLedger("", EventPruned, strconv.Itoa(pruned)+" pruned")
	}
	return nil
}

// Ledger returns a copy of the backup ledger entries.
func (a *Agent) Ledger() []LedgerEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]LedgerEntry(nil), a.ledger.Entries...)
}

// VerifyLedger walks the ledger chain and recomputes every hash.
func (a *Agent) VerifyLedger() (bool, []string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var issues []string
	expectedPrev := canonicalize.GenesisHash
	for i, entry := range a.ledger.Entries {
		if entry.Sequence != i+1 {
			issues = append(issues, fmt.Sprintf("entry %d: sequence %d, expected %d", i+1, entry.Sequence, i+1))
		}
		if entry.PreviousChainHash != expectedPrev {
			issues = append(issues, fmt.Sprintf("entry %d: previous hash does not link", i+1))
		}
		if chainHash(entry) != entry.ChainHash {
			issues = append(issues, fmt.Sprintf("entry %d: chain hash mismatch", i+1))
		}
		expectedPrev = entry.ChainHash
	}
	return len(issues) == 0, issues
}

// appendLedger is called with the agent lock held. Ledger write failures are
// logged; the backup itself already succeeded or failed on its own terms.
func (a *Agent) appendLedger(backupID, event, detail string) {
	prev := canonicalize.GenesisHash
	if n := len(a.ledger.Entries); n > 0 {
		prev = a.ledger.Entries[n-1].ChainHash
	}
	entry := LedgerEntry{
		Sequence:          len(a.ledger.Entries) + 1,
		BackupID:          backupID,
		Event:             event,
		Timestamp:         a.clock().UTC(),
		Detail:            detail,
		PreviousChainHash: prev,
	}
	entry.ChainHash = chainHash(entry)
	a.ledger.Entries = append(a.ledger.Entries, entry)
	if err := a.file.Write(&a.ledger); err != nil {
		a.log.Error("backup ledger write failed", "err", err)
	}
}

func chainHash(e LedgerEntry) string {
	return canonicalize.HashJoin(
		strconv.Itoa(e.Sequence),
		e.BackupID,
		e.Event,
		crypto.Timestamp(e.Timestamp),
		e.PreviousChainHash,
	)
}

// integrityHash is the SHA-256 of the pretty-JSON payload serialization.
func integrityHash(payload map[string]string) (string, error) {
	raw, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", err
	}
	return canonicalize.HashBytes(raw), nil
}

// seal derives a key from the passphrase and produces the
// salt || IV || authTag || ciphertext layout.
func seal(plaintext []byte, passphrase string) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, err
	}
	gcm, err := gcmFor(passphrase, salt)
	if err != nil {
		return nil, err
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	out := make([]byte, 0, saltSize+ivSize+tagSize+len(ct))
	out = append(out, salt...)
	out = append(out, iv...)
	out = append(out, tag...)
	out = append(out, ct...)
	return out, nil
}

func open(data []byte, passphrase string) ([]byte, error) {
	if len(data) < saltSize+ivSize+tagSize {
		return nil, fmt.Errorf("%w: truncated file", ErrPassphrase)
	}
	salt := data[:saltSize]
	iv := data[saltSize : saltSize+ivSize]
	tag := data[saltSize+ivSize : saltSize+ivSize+tagSize]
	ct := data[saltSize+ivSize+tagSize:]

	gcm, err := gcmFor(passphrase, salt)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, iv, append(append([]byte(nil), ct...), tag...), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPassphrase, err)
	}
	return plaintext, nil
}

func gcmFor(passphrase string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, 32, sha512.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, ivSize)
}
