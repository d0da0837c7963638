package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/vitamin33/agent-poi/internal/protocol"
)

type BatchResult struct {
	File         string `json:"file"`
	BatchIndex   int    `json:"batch_index"`
	EntriesCount int    `json:"entries_count"`
	Committed    bool   `json:"committed"`
	EntryHashOK  bool   `json:"entry_hash_ok"`
	RootOK       bool   `json:"root_ok"`
	ProofsOK     bool   `json:"proofs_ok"`
	RegistryOK   bool   `json:"registry_ok"`
	Detail       string `json:"detail,omitempty"`
}

type VerifyReport struct {
	GeneratedAtUTC     string        `json:"generated_at_utc"`
	AuditDir           string        `json:"audit_dir"`
	AgentID            string        `json:"agent_id"`
	RegistryURL        string        `json:"registry_url,omitempty"`
	BatchCount         int           `json:"batch_count"`
	CommittedCount     int           `json:"committed_count"`
	EntryCount         int           `json:"entry_count"`
	Batches            []BatchResult `json:"batches"`
	VerificationPassed bool          `json:"verification_passed"`
}

type registryRoots struct {
	Roots []protocol.AuditRootRecord `json:"roots"`
}

func main() {
	auditDir := flag.String("audit-dir", "audit_logs", "directory holding batch json files")
	agentID := flag.String("agent-id", "", "agent id for registry cross-check")
	registryURL := flag.String("registry-url", "", "registry base URL (optional; skips cross-check when empty)")
	outPath := flag.String("out", "", "output path for verification report json (optional)")
	flag.Parse()

	files, err := listBatchFiles(*auditDir)
	if err != nil {
		fail("list audit dir", err)
	}
	if len(files) == 0 {
		fail("list audit dir", fmt.Errorf("no batch files in %s", *auditDir))
	}

	var remote map[int]protocol.AuditRootRecord
	if *registryURL != "" {
		if *agentID == "" {
			fail("registry cross-check", errors.New("-agent-id is required with -registry-url"))
		}
		remote, err = fetchRegistryRoots(*registryURL, *agentID)
		if err != nil {
			fail("fetch registry roots", err)
		}
	}

	report := VerifyReport{
		GeneratedAtUTC: time.Now().UTC().Format(time.RFC3339Nano),
		AuditDir:       *auditDir,
		AgentID:        *agentID,
		RegistryURL:    *registryURL,
	}
	passed := true

	for _, path := range files {
		batch, err := readBatch(path)
		if err != nil {
			fail("decode batch "+path, err)
		}
		result := verifyBatch(path, batch, remote)
		if !result.EntryHashOK || !result.RootOK || !result.ProofsOK || !result.RegistryOK {
			passed = false
		}
		report.BatchCount++
		report.EntryCount += batch.EntriesCount
		if batch.Committed() {
			report.CommittedCount++
		}
		report.Batches = append(report.Batches, result)
	}
	report.VerificationPassed = passed

	if *outPath != "" {
		if err := writeJSON(*outPath, report); err != nil {
			fail("write report", err)
		}
		fmt.Printf("report:%s\n", *outPath)
	}
	fmt.Printf("batches:%d committed:%d entries:%d\n", report.BatchCount, report.CommittedCount, report.EntryCount)
	fmt.Printf("verification_passed:%t\n", passed)
	if !passed {
		os.Exit(1)
	}
}

func verifyBatch(path string, batch *protocol.AuditBatch, remote map[int]protocol.AuditRootRecord) BatchResult {
	result := BatchResult{
		File:         filepath.Base(path),
		BatchIndex:   batch.BatchIndex,
		EntriesCount: batch.EntriesCount,
		Committed:    batch.Committed(),
		EntryHashOK:  true,
		RootOK:       true,
		ProofsOK:     true,
		RegistryOK:   true,
	}

	leaves := make([]string, 0, len(batch.Entries))
	for i, entry := range batch.Entries {
		expected, err := protocol.HashCanonical(map[string]any{
			"action_type": string(entry.ActionType),
			"timestamp":   entry.Timestamp,
			"details":     entry.Details,
		})
		if err != nil || expected != entry.EntryHash {
			result.EntryHashOK = false
			result.Detail = fmt.Sprintf("entry %d hash mismatch", i)
		}
		leaves = append(leaves, entry.EntryHash)
	}

	root, err := protocol.ComputeMerkleRoot(leaves)
	if err != nil || root != batch.MerkleRoot || len(batch.Entries) != batch.EntriesCount {
		result.RootOK = false
		if result.Detail == "" {
			result.Detail = "merkle root does not match entries"
		}
	}

	if result.RootOK {
		for i := range leaves {
			proof, err := protocol.ComputeMerkleProof(leaves, i)
			if err != nil {
				result.ProofsOK = false
				result.Detail = fmt.Sprintf("entry %d proof: %v", i, err)
				break
			}
			ok, err := protocol.VerifyMerkleProof(leaves[i], proof, batch.MerkleRoot)
			if err != nil || !ok {
				result.ProofsOK = false
				result.Detail = fmt.Sprintf("entry %d inclusion proof failed", i)
				break
			}
		}
	}

	if remote != nil && batch.Committed() {
		rec, ok := remote[batch.BatchIndex]
		switch {
		case !ok:
			result.RegistryOK = false
			result.Detail = "committed batch missing from registry"
		case rec.MerkleRoot != batch.MerkleRoot:
			result.RegistryOK = false
			result.Detail = "registry holds a different root for this index"
		case rec.EntriesCount != batch.EntriesCount:
			result.RegistryOK = false
			result.Detail = "registry entry count mismatch"
		}
	}
	return result
}

func listBatchFiles(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "batch_*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

func readBatch(path string) (*protocol.AuditBatch, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out protocol.AuditBatch
	if err := decodeStrictJSON(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func fetchRegistryRoots(baseURL, agentID string) (map[int]protocol.AuditRootRecord, error) {
	url := strings.TrimRight(baseURL, "/") + "/v1/agents/" + agentID + "/audit/roots"
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Timeout: 12 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d body=%s", resp.StatusCode, string(body))
	}
	var roots registryRoots
	if err := json.Unmarshal(body, &roots); err != nil {
		return nil, err
	}
	out := make(map[int]protocol.AuditRootRecord, len(roots.Roots))
	for _, rec := range roots.Roots {
		out[rec.BatchIndex] = rec
	}
	return out, nil
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(raw, '\n'), 0o644)
}

func decodeStrictJSON(raw []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("json payload must contain a single value")
	}
	return nil
}

func fail(step string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", step, err)
	os.Exit(1)
}
