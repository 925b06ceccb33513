package anchor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/canonicalize"
	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/cidregistry"
)

// Adapter submits an anchor memo to one external chain.
type Adapter interface {
	Name() string
	// Submit returns the transaction hash and, for content-addressed
	// backends, the resulting CID.
	Submit(memo Memo) (txHash, cid string, err error)
}

func defaultAdapters() []Adapter {
	return []Adapter{
		&stubAdapter{name: "xrpl", prefix: "xrpl-tx-"},
		&stubAdapter{name: "stellar", prefix: "stellar-tx-"},
		&stubAdapter{name: "ethereum", prefix: "0x"},
		&stubAdapter{name: "polygon", prefix: "0x"},
		NewIPFSAdapter("http://127.0.0.1:5001"),
	}
}

// stubAdapter produces a deterministic mock transaction hash. Real wallet
// integration replaces these without touching the anchor engine.
type stubAdapter struct {
	name   string
	prefix string
}

func (a *stubAdapter) Name() string { return a.name }

func (a *stubAdapter) Submit(memo Memo) (string, string, error) {
	return a.prefix + canonicalize.HashString(a.name+":"+memo.MemoHash), "", nil
}

// IPFSAdapter posts the anchor payload to a local content-addressed storage
// node. When the node is unreachable the CID is synthesized offline from the
// document SHA-256, so anchoring never blocks on the node.
type IPFSAdapter struct {
	nodeURL string
	client  *http.Client
}

// NewIPFSAdapter targets an IPFS HTTP API endpoint.
func NewIPFSAdapter(nodeURL string) *IPFSAdapter {
	return &IPFSAdapter{
		nodeURL: nodeURL,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

func (a *IPFSAdapter) Name() string { return "ipfs" }

func (a *IPFSAdapter) Submit(memo Memo) (string, string, error) {
	payload, err := json.Marshal(memo)
	if err != nil {
		return "", "", fmt.Errorf("anchor: marshal memo: %w", err)
	}

	cid, err := a.add(payload)
	if err != nil {
		// Offline synthesis keeps the anchor deterministic and verifiable.
		cid, err = cidregistry.CIDFromSHA256(memo.SHA256)
		if err != nil {
			return "", "", err
		}
	}
	return "ipfs-" + memo.MemoHash[:16], cid, nil
}

func (a *IPFSAdapter) add(payload []byte) (string, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", "anchor.json")
	if err != nil {
		return "", err
	}
	if _, err := part.Write(payload); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequest(http.MethodPost, a.nodeURL+"/api/v0/add?cid-version=1", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := a.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("anchor: ipfs add: status %d: %s", resp.StatusCode, data)
	}

	var out struct {
		Hash string `json:"Hash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if out.Hash == "" {
		return "", fmt.Errorf("anchor: ipfs add returned no hash")
	}
	return out.Hash, nil
}
