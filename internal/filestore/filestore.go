// Package filestore implements the filestore activity consumer: it subscribes to an
// external event channel (or an inline emitter), updates a node-state table, and writes one row
// per event into the fixed-schema `filestore_activity` dataset via internal/ingest.
package filestore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/apphub-core/platform/internal/apherr"
	"github.com/apphub-core/platform/internal/ingest"
	"github.com/apphub-core/platform/internal/metadata"
)

// DatasetSlug is the fixed-schema dataset filestore events are written into.
const DatasetSlug = "filestore_activity"

// FieldSchema is the fixed-schema dataset's field list.
var FieldSchema = []metadata.Field{
	{Name: "observed_at", Type: metadata.FieldTimestamp},
	{Name: "event_type", Type: metadata.FieldString},
	{Name: "node_id", Type: metadata.FieldString},
	{Name: "backend_mount_id", Type: metadata.FieldString},
	{Name: "path", Type: metadata.FieldString},
	{Name: "state", Type: metadata.FieldString},
	{Name: "consistency_state", Type: metadata.FieldString},
	{Name: "size_bytes", Type: metadata.FieldInteger, Nullable: true},
	{Name: "size_delta", Type: metadata.FieldInteger, Nullable: true},
	{Name: "journal_id", Type: metadata.FieldString, Nullable: true},
	{Name: "command", Type: metadata.FieldString, Nullable: true},
	{Name: "principal", Type: metadata.FieldString, Nullable: true},
	{Name: "reconciliation_reason", Type: metadata.FieldString, Nullable: true},
	{Name: "metadata_json", Type: metadata.FieldString, Nullable: true},
}

// Event is one external filestore activity notification.
type Event struct {
	ObservedAt           time.Time       `json:"observedAt"`
	EventType            string          `json:"eventType"`
	NodeID               string          `json:"nodeId"`
	BackendMountID       string          `json:"backendMountId"`
	Path                 string          `json:"path"`
	State                string          `json:"state"`
	ConsistencyState     string          `json:"consistencyState"`
	SizeBytes            *int64          `json:"sizeBytes,omitempty"`
	SizeDelta            *int64          `json:"sizeDelta,omitempty"`
	JournalID            string          `json:"journalId,omitempty"`
	Command              string          `json:"command,omitempty"`
	Principal            string          `json:"principal,omitempty"`
	ReconciliationReason string          `json:"reconciliationReason,omitempty"`
	Metadata             json.RawMessage `json:"metadata,omitempty"`
}

// NodeState is the latest observed state of one filestore node, kept in-process and refreshed
// by every consumed event.
type NodeState struct {
	NodeID           string
	Path             string
	State            string
	ConsistencyState string
	LastObservedAt   time.Time
	LastEventType    string
}

// Source is an external event channel adapter; the event source itself lives outside this
// process, so callers provide events through Events().
type Source interface {
	Events() <-chan Event
}

// ChanSource adapts a plain channel into a Source, used by inline emitters and tests.
type ChanSource chan Event

func (c ChanSource) Events() <-chan Event { return c }

// Consumer drains a Source with a single goroutine, updating NodeState and writing a row per
// event through the ingestion pipeline. Serialization is per-channel: events for a given node
// are processed in receive order as long as the caller routes them all through the same Source
// instance.
type Consumer struct {
	Pipeline *ingest.Pipeline
	Logger   *logrus.Entry

	mu     sync.RWMutex
	states map[string]NodeState
}

// NewConsumer wires a Consumer against an ingestion pipeline.
func NewConsumer(pipeline *ingest.Pipeline, logger *logrus.Entry) *Consumer {
	return &Consumer{Pipeline: pipeline, Logger: logger, states: make(map[string]NodeState)}
}

// State returns the last-observed state for nodeID, if any event has been consumed for it.
func (c *Consumer) State(nodeID string) (NodeState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.states[nodeID]
	return s, ok
}

// Run drains src on the calling goroutine until ctx is canceled or the channel closes. Callers
// run one Run per Source to preserve per-node receive-order serialization.
func (c *Consumer) Run(ctx context.Context, src Source) error {
	events := src.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := c.handle(ctx, ev); err != nil {
				c.Logger.WithError(err).WithField("nodeId", ev.NodeID).Warn("filestore event handling failed")
			}
		}
	}
}

func (c *Consumer) handle(ctx context.Context, ev Event) error {
	c.mu.Lock()
	c.states[ev.NodeID] = NodeState{
		NodeID:           ev.NodeID,
		Path:             ev.Path,
		State:            ev.State,
		ConsistencyState: ev.ConsistencyState,
		LastObservedAt:   ev.ObservedAt,
		LastEventType:    ev.EventType,
	}
	c.mu.Unlock()

	row := map[string]any{
		"observed_at":       ev.ObservedAt.Format(time.RFC3339Nano),
		"event_type":        ev.EventType,
		"node_id":           ev.NodeID,
		"backend_mount_id":  ev.BackendMountID,
		"path":              ev.Path,
		"state":             ev.State,
		"consistency_state": ev.ConsistencyState,
	}
	if ev.SizeBytes != nil {
		row["size_bytes"] = *ev.SizeBytes
	}
	if ev.SizeDelta != nil {
		row["size_delta"] = *ev.SizeDelta
	}
	if ev.JournalID != "" {
		row["journal_id"] = ev.JournalID
	}
	if ev.Command != "" {
		row["command"] = ev.Command
	}
	if ev.Principal != "" {
		row["principal"] = ev.Principal
	}
	if ev.ReconciliationReason != "" {
		row["reconciliation_reason"] = ev.ReconciliationReason
	}
	if len(ev.Metadata) > 0 {
		row["metadata_json"] = string(ev.Metadata)
	}

	window := 24 * time.Hour
	start := ev.ObservedAt.Truncate(window)
	body := ingest.Body{
		Schema: ingest.SchemaInput{Fields: FieldSchema},
		Partition: ingest.Partition{
			Key:       metadata.PartitionKey{{Name: "date", Value: start.Format("2006-01-02")}},
			TimeRange: ingest.TimeRange{Start: start, End: start.Add(window)},
		},
		Rows:           []map[string]any{row},
		IdempotencyKey: fmt.Sprintf("filestore:%s:%s", ev.NodeID, ev.ObservedAt.Format(time.RFC3339Nano)),
		Actor:          "filestore-consumer",
	}

	_, err := c.Pipeline.Ingest(ctx, DatasetSlug, body)
	if err != nil && apherr.KindOf(err) != apherr.KindSchemaIncompat {
		return err
	}
	return nil
}
