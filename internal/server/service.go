package server

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"NFTLend/internal/core"
	"NFTLend/internal/event"
	"NFTLend/internal/ingestion"
	"NFTLend/internal/observability"
	"NFTLend/internal/persistence"
	"NFTLend/internal/pool"
	"NFTLend/internal/query"
	"NFTLend/internal/types"
)

// Engine is the live read and admin surface of the core.
type Engine interface {
	View(ctx context.Context, id types.EntityID) (core.EntityView, error)
	PoolPosition(ctx context.Context, id types.EntityID, provider types.Address) (pool.Position, error)
	Query(ctx context.Context, id types.EntityID, name string, arg types.Address) (any, error)
	Snapshot(ctx context.Context) (*core.SnapshotState, error)
}

// History answers from the projected read model.
type History interface {
	GetEntity(ctx context.Context, id types.EntityID) (*query.EntitySnapshot, error)
	GetEntityEvents(ctx context.Context, id types.EntityID, limit int, beforeSequence int64) ([]query.EventHistoryEntry, error)
	GetJournalHistory(ctx context.Context, owner string, limit int, beforeSequence int64) ([]query.JournalHistoryEntry, error)
	GetWalletBalance(ctx context.Context, addr types.Address) (*query.BalanceResponse, error)
	GetCustodyBalances(ctx context.Context, id types.EntityID) ([]query.BalanceResponse, error)
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
}

// Ingest accepts wire commands from the synchronous surfaces.
type Ingest interface {
	Submit(ctx context.Context, surface string, mt event.MessageType, data []byte, route ingestion.Route) (core.Receipt, error)
	InjectOraclePrice(ctx context.Context, loan types.EntityID, sender types.Address, price, updatedAt, sentAt int64) (core.Receipt, error)
}

// SnapshotStore cuts and persists engine snapshots.
type SnapshotStore interface {
	Capture(ctx context.Context, src persistence.Snapshotter) (*core.SnapshotState, int, error)
}

// Deps wires a Service. History, Snapshots and Rebuild may be nil when the
// process runs without Postgres; the matching calls then fail Unavailable.
type Deps struct {
	Engine    Engine
	History   History
	Ingest    Ingest
	Snapshots SnapshotStore
	Rebuild   func(ctx context.Context) error
	Metrics   *observability.Metrics
	Logger    zerolog.Logger
}

// ErrUnavailable is returned for calls whose backing store is not wired.
var ErrUnavailable = errors.New("backend unavailable")

// Service holds the operations shared by the gRPC and HTTP surfaces.
type Service struct {
	engine    Engine
	history   History
	ingest    Ingest
	snapshots SnapshotStore
	rebuild   func(ctx context.Context) error
	metrics   *observability.Metrics
	log       zerolog.Logger
}

func NewService(d Deps) *Service {
	return &Service{
		engine:    d.Engine,
		history:   d.History,
		ingest:    d.Ingest,
		snapshots: d.Snapshots,
		rebuild:   d.Rebuild,
		metrics:   d.Metrics,
		log:       d.Logger,
	}
}

// ReceiptResponse is the wire form of a core receipt.
type ReceiptResponse struct {
	Sequence  int64          `json:"sequence"`
	StateHash string         `json:"state_hash"`
	Duplicate bool           `json:"duplicate"`
	Events    []event.Record `json:"events"`
}

func receiptResponse(r core.Receipt) (*ReceiptResponse, error) {
	resp := &ReceiptResponse{
		Sequence:  r.Sequence,
		StateHash: hex.EncodeToString(r.StateHash[:]),
		Duplicate: r.Duplicate,
		Events:    []event.Record{},
	}
	if len(r.Events) == 0 {
		return resp, nil
	}
	records, err := event.Records(r.Events)
	if err != nil {
		return nil, fmt.Errorf("encode events: %w", err)
	}
	resp.Events = records
	return resp, nil
}

// SnapshotResponse reports a snapshot taken on request.
type SnapshotResponse struct {
	Sequence  int64  `json:"sequence"`
	StateHash string `json:"state_hash"`
	Entities  int    `json:"entities"`
	SizeBytes int    `json:"size_bytes"`
}

func (s *Service) Submit(ctx context.Context, surface string, mt event.MessageType, data []byte, route ingestion.Route) (*ReceiptResponse, error) {
	rcpt, err := s.ingest.Submit(ctx, surface, mt, data, route)
	if err != nil {
		return nil, err
	}
	return receiptResponse(rcpt)
}

func (s *Service) InjectOraclePrice(ctx context.Context, loan types.EntityID, sender types.Address, price, updatedAt int64) (*ReceiptResponse, error) {
	var resp *ReceiptResponse
	err := s.observe("inject_oracle_price", func() error {
		rcpt, err := s.ingest.InjectOraclePrice(ctx, loan, sender, price, updatedAt, updatedAt)
		if err != nil {
			return err
		}
		resp, err = receiptResponse(rcpt)
		return err
	})
	return resp, err
}

func (s *Service) View(ctx context.Context, id types.EntityID) (core.EntityView, error) {
	var v core.EntityView
	err := s.observe("view", func() (err error) {
		v, err = s.engine.View(ctx, id)
		return err
	})
	return v, err
}

func (s *Service) Getter(ctx context.Context, id types.EntityID, name string, arg types.Address) (any, error) {
	var v any
	err := s.observe("getter", func() (err error) {
		v, err = s.engine.Query(ctx, id, name, arg)
		return err
	})
	return v, err
}

func (s *Service) PoolPosition(ctx context.Context, id types.EntityID, provider types.Address) (pool.Position, error) {
	var p pool.Position
	err := s.observe("pool_position", func() (err error) {
		p, err = s.engine.PoolPosition(ctx, id, provider)
		return err
	})
	return p, err
}

func (s *Service) ProjectedEntity(ctx context.Context, id types.EntityID) (*query.EntitySnapshot, error) {
	var snap *query.EntitySnapshot
	err := s.withHistory("projected_entity", func(h History) (err error) {
		snap, err = h.GetEntity(ctx, id)
		return err
	})
	return snap, err
}

func (s *Service) EntityEvents(ctx context.Context, id types.EntityID, limit int, before int64) ([]query.EventHistoryEntry, error) {
	var out []query.EventHistoryEntry
	err := s.withHistory("entity_events", func(h History) (err error) {
		out, err = h.GetEntityEvents(ctx, id, limit, before)
		return err
	})
	return out, err
}

func (s *Service) JournalHistory(ctx context.Context, owner string, limit int, before int64) ([]query.JournalHistoryEntry, error) {
	var out []query.JournalHistoryEntry
	err := s.withHistory("journal_history", func(h History) (err error) {
		out, err = h.GetJournalHistory(ctx, owner, limit, before)
		return err
	})
	return out, err
}

func (s *Service) WalletBalance(ctx context.Context, addr types.Address) (*query.BalanceResponse, error) {
	var out *query.BalanceResponse
	err := s.withHistory("wallet_balance", func(h History) (err error) {
		out, err = h.GetWalletBalance(ctx, addr)
		return err
	})
	return out, err
}

func (s *Service) CustodyBalances(ctx context.Context, id types.EntityID) ([]query.BalanceResponse, error) {
	var out []query.BalanceResponse
	err := s.withHistory("custody_balances", func(h History) (err error) {
		out, err = h.GetCustodyBalances(ctx, id)
		return err
	})
	return out, err
}

func (s *Service) VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error) {
	var out *query.IntegrityReport
	err := s.withHistory("verify_integrity", func(h History) (err error) {
		out, err = h.VerifyIntegrity(ctx)
		return err
	})
	return out, err
}

// TakeSnapshot cuts and persists a snapshot now.
func (s *Service) TakeSnapshot(ctx context.Context) (*SnapshotResponse, error) {
	if s.snapshots == nil {
		return nil, fmt.Errorf("%w: snapshot store", ErrUnavailable)
	}
	var resp *SnapshotResponse
	err := s.observe("snapshot", func() error {
		snap, size, err := s.snapshots.Capture(ctx, s.engine)
		if err != nil {
			return err
		}
		resp = &SnapshotResponse{
			Sequence:  snap.Sequence,
			StateHash: hex.EncodeToString(snap.StateHash[:]),
			Entities:  len(snap.Entities),
			SizeBytes: size,
		}
		return nil
	})
	if err == nil {
		s.log.Info().Int64("sequence", resp.Sequence).Int("bytes", resp.SizeBytes).Msg("snapshot taken on request")
	}
	return resp, err
}

// RebuildProjections truncates and rebuilds the read model from the log.
func (s *Service) RebuildProjections(ctx context.Context) error {
	if s.rebuild == nil {
		return fmt.Errorf("%w: projection store", ErrUnavailable)
	}
	return s.observe("rebuild_projections", func() error { return s.rebuild(ctx) })
}

func (s *Service) withHistory(endpoint string, fn func(History) error) error {
	if s.history == nil {
		return fmt.Errorf("%w: read model", ErrUnavailable)
	}
	return s.observe(endpoint, func() error { return fn(s.history) })
}

func (s *Service) observe(endpoint string, fn func() error) error {
	start := time.Now()
	err := fn()
	if s.metrics == nil {
		return err
	}
	s.metrics.QueryRequests.WithLabelValues(endpoint).Inc()
	s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		s.metrics.QueryErrors.WithLabelValues(endpoint, toStatus(err).Code().String()).Inc()
	}
	return err
}
