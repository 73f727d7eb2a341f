// Package incremental computes metrics partition by partition, merging
// each partition's states into a persisted cumulative series. The
// bookkeeping (which partitions were processed, where coverage gaps
// are) lives inside the cumulative state map itself, so metrics and
// markers advance in the same atomic store write.
package incremental

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/veridata/dqe/pkg/metric"
)

// KindLedger tags the bookkeeping state stored alongside the metrics.
const KindLedger = "partition_ledger"

// ledgerMetricKey is the reserved slot of the ledger inside a
// cumulative state map. Reserved keys are skipped when finalizing.
const ledgerMetricKey = "_ledger"

func init() {
	metric.Register(KindLedger, decodeLedger)
}

// Gap records that one metric has no contribution from one processed
// partition, e.g. a column that did not exist yet, or a sketch whose
// parameters no longer merge. MetricKey "*" means every metric misses
// the partition.
type Gap struct {
	Partition string `json:"partition"`
	MetricKey string `json:"metric_key"`
	Reason    string `json:"reason"`
}

type gapKey struct {
	partition string
	metricKey string
}

// LedgerState is the mergeable record of processed partitions and
// coverage gaps. Merge is a set union, so two ledgers combine the same
// way metric states do.
type LedgerState struct {
	processed map[string]struct{}
	gaps      map[gapKey]string
}

// NewLedger returns an empty ledger.
func NewLedger() *LedgerState {
	return &LedgerState{
		processed: make(map[string]struct{}),
		gaps:      make(map[gapKey]string),
	}
}

func (s *LedgerState) markProcessed(partition string) {
	s.processed[partition] = struct{}{}
}

func (s *LedgerState) addGap(g Gap) {
	key := gapKey{partition: g.Partition, metricKey: g.MetricKey}
	if _, ok := s.gaps[key]; !ok {
		s.gaps[key] = g.Reason
	}
}

// Has reports whether a partition was already processed.
func (s *LedgerState) Has(partition string) bool {
	_, ok := s.processed[partition]
	return ok
}

// Processed lists processed partition keys in ascending order.
func (s *LedgerState) Processed() []string {
	out := make([]string, 0, len(s.processed))
	for p := range s.processed {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Gaps lists recorded gaps ordered by partition, then metric key.
func (s *LedgerState) Gaps() []Gap {
	out := make([]Gap, 0, len(s.gaps))
	for k, reason := range s.gaps {
		out = append(out, Gap{Partition: k.partition, MetricKey: k.metricKey, Reason: reason})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Partition != out[j].Partition {
			return out[i].Partition < out[j].Partition
		}
		return out[i].MetricKey < out[j].MetricKey
	})
	return out
}

func (s *LedgerState) clone() *LedgerState {
	c := NewLedger()
	for p := range s.processed {
		c.processed[p] = struct{}{}
	}
	for k, reason := range s.gaps {
		c.gaps[k] = reason
	}
	return c
}

func (s *LedgerState) Kind() string { return KindLedger }

func (s *LedgerState) Merge(other metric.State) (metric.State, error) {
	o, ok := other.(*LedgerState)
	if !ok {
		panic(fmt.Sprintf("incremental: merge of %q state with incompatible %q state",
			s.Kind(), other.Kind()))
	}
	merged := s.clone()
	for p := range o.processed {
		merged.processed[p] = struct{}{}
	}
	for k, reason := range o.gaps {
		if _, exists := merged.gaps[k]; !exists {
			merged.gaps[k] = reason
		}
	}
	return merged, nil
}

// Metric finalizes to the number of processed partitions.
func (s *LedgerState) Metric() metric.Value {
	return metric.Long(int64(len(s.processed)))
}

func putString(buf *bytes.Buffer, v string) {
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(v)))
	buf.Write(n[:])
	buf.WriteString(v)
}

func (s *LedgerState) Serialize() []byte {
	var buf bytes.Buffer
	var n [4]byte

	processed := s.Processed()
	binary.LittleEndian.PutUint32(n[:], uint32(len(processed)))
	buf.Write(n[:])
	for _, p := range processed {
		putString(&buf, p)
	}

	gaps := s.Gaps()
	binary.LittleEndian.PutUint32(n[:], uint32(len(gaps)))
	buf.Write(n[:])
	for _, g := range gaps {
		putString(&buf, g.Partition)
		putString(&buf, g.MetricKey)
		putString(&buf, g.Reason)
	}
	return buf.Bytes()
}

func readString(data []byte, off int) (string, int, error) {
	if off+4 > len(data) {
		return "", 0, fmt.Errorf("incremental: truncated ledger state")
	}
	n := int(binary.LittleEndian.Uint32(data[off : off+4]))
	off += 4
	if off+n > len(data) {
		return "", 0, fmt.Errorf("incremental: truncated ledger state")
	}
	return string(data[off : off+n]), off + n, nil
}

func decodeLedger(data []byte) (metric.State, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("incremental: truncated ledger state")
	}
	s := NewLedger()
	off := 0

	count := int(binary.LittleEndian.Uint32(data[off : off+4]))
	off += 4
	for i := 0; i < count; i++ {
		p, next, err := readString(data, off)
		if err != nil {
			return nil, err
		}
		s.processed[p] = struct{}{}
		off = next
	}

	if off+4 > len(data) {
		return nil, fmt.Errorf("incremental: truncated ledger state")
	}
	count = int(binary.LittleEndian.Uint32(data[off : off+4]))
	off += 4
	for i := 0; i < count; i++ {
		var g Gap
		var err error
		if g.Partition, off, err = readString(data, off); err != nil {
			return nil, err
		}
		if g.MetricKey, off, err = readString(data, off); err != nil {
			return nil, err
		}
		if g.Reason, off, err = readString(data, off); err != nil {
			return nil, err
		}
		s.gaps[gapKey{partition: g.Partition, metricKey: g.MetricKey}] = g.Reason
	}
	return s, nil
}
