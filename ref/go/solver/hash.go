package solver

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"go.climref.org/infra/ref/go/types"
)

// DatasetHash computes the identity of an execution's input set: SHA-256
// over the canonical byte string "{source_type}\t{instance_id}\t{version}\n"
// per dataset, concatenated in sorted order. The canonical form is a
// contract; it must produce identical digests across machines and runs for
// the same dataset versions.
func DatasetHash(entries []types.CatalogEntry) string {
	type triple struct {
		sourceType string
		instanceID string
		version    string
	}
	seen := map[triple]bool{}
	triples := make([]triple, 0, len(entries))
	for i := range entries {
		tr := triple{
			sourceType: string(entries[i].SourceType),
			instanceID: entries[i].InstanceID,
			version:    entries[i].Version,
		}
		if !seen[tr] {
			seen[tr] = true
			triples = append(triples, tr)
		}
	}
	sort.Slice(triples, func(i, j int) bool {
		if triples[i].sourceType != triples[j].sourceType {
			return triples[i].sourceType < triples[j].sourceType
		}
		if triples[i].instanceID != triples[j].instanceID {
			return triples[i].instanceID < triples[j].instanceID
		}
		return triples[i].version < triples[j].version
	})
	h := sha256.New()
	for _, tr := range triples {
		h.Write([]byte(tr.sourceType))
		h.Write([]byte{'\t'})
		h.Write([]byte(tr.instanceID))
		h.Write([]byte{'\t'})
		h.Write([]byte(tr.version))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
