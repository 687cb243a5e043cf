package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/zeebo/errs"

	"meshmonitor/go-collector/internal/model"
)

// IngestError is the class of events rejected as malformed.
var IngestError = errs.Class("ingest")

// Outcome of handling a single event.
type Outcome string

const (
	OutcomeStored    Outcome = "stored"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeInvalid   Outcome = "invalid"
	OutcomeFailed    Outcome = "failed"
)

const maxRecordedPayload = 1024

// Store is the write surface of the local store used by the router.
type Store interface {
	UpsertNode(ctx context.Context, n model.Node) error
	EnsureNode(ctx context.Context, nodeID string, seen time.Time) error
	InsertPosition(ctx context.Context, p model.Position) (bool, error)
	InsertMetric(ctx context.Context, m model.DeviceMetric) (bool, error)
	InsertMessage(ctx context.Context, m model.Message) (bool, error)
	InsertIngestionError(ctx context.Context, rec model.IngestionError) error
}

// Config tunes write behaviour. Retries defaults to 3; a negative value
// disables retries.
type Config struct {
	WriteTimeout  time.Duration
	Retries       int
	RetryInterval time.Duration
}

// Router turns gateway events into local store writes. It is meant to be
// driven by a single goroutine so per-gateway order is kept.
type Router struct {
	store    Store
	logger   *slog.Logger
	cfg      Config
	nowFn    func() time.Time
	onResult func(model.EventKind, Outcome)
}

// New constructs a router.
func New(store Store, cfg Config, logger *slog.Logger) *Router {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	} else if cfg.Retries == 0 {
		cfg.Retries = 3
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 100 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		store:  store,
		logger: logger.With("component", "ingest"),
		cfg:    cfg,
		nowFn:  time.Now,
	}
}

// OnResult registers a hook called with the outcome of every handled event.
func (r *Router) OnResult(fn func(model.EventKind, Outcome)) {
	r.onResult = fn
}

// Run consumes feed until it is closed. Writes are detached from ctx so
// events still buffered at shutdown are persisted.
func (r *Router) Run(ctx context.Context, feed <-chan model.Event) error {
	wctx := context.WithoutCancel(ctx)
	for ev := range feed {
		if err := r.Handle(wctx, ev); err != nil {
			r.logger.Warn("event dropped", "kind", ev.Kind.String(), "endpoint", ev.Endpoint, "error", err)
		}
	}
	return nil
}

// Handle performs the single canonical write for ev. Malformed events return
// an IngestError and store failures a store error; both are recorded in the
// ingestion error log.
func (r *Router) Handle(ctx context.Context, ev model.Event) error {
	if ev.Time.IsZero() {
		ev.Time = r.nowFn().UTC()
	}

	outcome, err := r.dispatch(ctx, ev)
	if err != nil {
		if IngestError.Has(err) {
			outcome = OutcomeInvalid
		} else {
			outcome = OutcomeFailed
		}
		r.recordFailure(ctx, ev, err)
	}
	if r.onResult != nil {
		r.onResult(ev.Kind, outcome)
	}
	return err
}

func (r *Router) dispatch(ctx context.Context, ev model.Event) (Outcome, error) {
	switch ev.Kind {
	case model.EventConnectionEstablished, model.EventConnectionLost:
		// gateway rows and liveness are owned by the connection manager
		return OutcomeSkipped, nil

	case model.EventUserInfoUpdated:
		info, ok := ev.Payload.(model.UserInfo)
		if !ok {
			return "", payloadError(ev)
		}
		return r.handleUserInfo(ctx, ev, info)

	case model.EventPositionReceived:
		pos, ok := ev.Payload.(model.PositionReport)
		if !ok {
			return "", payloadError(ev)
		}
		return r.handlePosition(ctx, ev, pos)

	case model.EventTelemetryReceived:
		tel, ok := ev.Payload.(model.TelemetryReport)
		if !ok {
			return "", payloadError(ev)
		}
		return r.handleTelemetry(ctx, ev, tel)

	case model.EventTextReceived:
		msg, ok := ev.Payload.(model.TextMessage)
		if !ok {
			return "", payloadError(ev)
		}
		return r.handleText(ctx, ev, msg)

	default:
		return "", IngestError.New("unknown event kind %d", int(ev.Kind))
	}
}

func (r *Router) handleUserInfo(ctx context.Context, ev model.Event, info model.UserInfo) (Outcome, error) {
	if info.NodeID == "" {
		return "", IngestError.New("user info without node id")
	}

	node := model.Node{
		NodeID:          info.NodeID,
		NodeNum:         info.NodeNum,
		LongName:        info.LongName,
		ShortName:       info.ShortName,
		HWModel:         info.HWModel,
		FirmwareVersion: info.FirmwareVersion,
		MACAddr:         info.MACAddr,
		FirstSeen:       ev.Time,
		LastSeen:        ev.Time,
	}
	if err := r.write(ctx, func(ctx context.Context) error {
		return r.store.UpsertNode(ctx, node)
	}); err != nil {
		return "", err
	}
	return OutcomeStored, nil
}

func (r *Router) handlePosition(ctx context.Context, ev model.Event, rep model.PositionReport) (Outcome, error) {
	if rep.NodeID == "" {
		return "", IngestError.New("position without node id")
	}

	pos := model.Position{
		GatewayID:      ev.GatewayID,
		NodeID:         rep.NodeID,
		Timestamp:      ev.Time,
		Altitude:       rep.Altitude,
		LocationSource: rep.LocationSource,
	}
	// the device fix time identifies the sample; re-broadcasts of one fix coalesce
	if !rep.FixTime.IsZero() {
		pos.Timestamp = rep.FixTime.UTC()
	}
	if rep.LatitudeI != nil {
		lat := float64(*rep.LatitudeI) * 1e-7
		if math.Abs(lat) > 90 {
			return "", IngestError.New("latitude %f out of range", lat)
		}
		pos.Latitude = &lat
	}
	if rep.LongitudeI != nil {
		lon := float64(*rep.LongitudeI) * 1e-7
		if math.Abs(lon) > 180 {
			return "", IngestError.New("longitude %f out of range", lon)
		}
		pos.Longitude = &lon
	}

	return r.ensureThenInsert(ctx, rep.NodeID, ev.Time, func(ctx context.Context) (bool, error) {
		return r.store.InsertPosition(ctx, pos)
	})
}

func (r *Router) handleTelemetry(ctx context.Context, ev model.Event, rep model.TelemetryReport) (Outcome, error) {
	if rep.NodeID == "" {
		return "", IngestError.New("telemetry without node id")
	}

	metric := model.DeviceMetric{
		GatewayID:          ev.GatewayID,
		NodeID:             rep.NodeID,
		Timestamp:          ev.Time,
		Voltage:            rep.Voltage,
		ChannelUtilization: rep.ChannelUtilization,
		AirUtilTx:          rep.AirUtilTx,
		UptimeSeconds:      rep.UptimeSeconds,
	}
	if rep.BatteryLevel != nil {
		level := *rep.BatteryLevel
		if level < 0 {
			return "", IngestError.New("battery level %d out of range", level)
		}
		// devices on external power report 101
		if level > 100 {
			level = 100
		}
		metric.BatteryLevel = &level
	}

	return r.ensureThenInsert(ctx, rep.NodeID, ev.Time, func(ctx context.Context) (bool, error) {
		return r.store.InsertMetric(ctx, metric)
	})
}

func (r *Router) handleText(ctx context.Context, ev model.Event, msg model.TextMessage) (Outcome, error) {
	if msg.From == "" {
		return "", IngestError.New("text message without sender")
	}

	rec := model.Message{
		GatewayID: ev.GatewayID,
		Timestamp: ev.Time,
		FromNode:  msg.From,
		ToNode:    msg.To,
		Channel:   msg.Channel,
		Text:      msg.Text,
		PortNum:   msg.PortNum,
	}
	if rec.ToNode == "" {
		rec.ToNode = model.BroadcastNode
	}

	return r.ensureThenInsert(ctx, msg.From, ev.Time, func(ctx context.Context) (bool, error) {
		return r.store.InsertMessage(ctx, rec)
	})
}

// ensureThenInsert creates or touches the owning node before the dependent
// append-only insert so the row never references a missing node.
func (r *Router) ensureThenInsert(ctx context.Context, nodeID string, seen time.Time, insert func(context.Context) (bool, error)) (Outcome, error) {
	if err := r.write(ctx, func(ctx context.Context) error {
		return r.store.EnsureNode(ctx, nodeID, seen)
	}); err != nil {
		return "", err
	}

	var inserted bool
	if err := r.write(ctx, func(ctx context.Context) error {
		var err error
		inserted, err = insert(ctx)
		return err
	}); err != nil {
		return "", err
	}

	if !inserted {
		return OutcomeDuplicate, nil
	}
	return OutcomeStored, nil
}

// write runs an idempotent store operation with a bounded number of retries.
func (r *Router) write(ctx context.Context, op func(context.Context) error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(r.cfg.RetryInterval), uint64(r.cfg.Retries)),
		ctx,
	)

	return backoff.Retry(func() error {
		wctx, cancel := context.WithTimeout(ctx, r.cfg.WriteTimeout)
		defer cancel()
		return op(wctx)
	}, policy)
}

func (r *Router) recordFailure(ctx context.Context, ev model.Event, cause error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		payload = []byte(fmt.Sprintf("%+v", ev.Payload))
	}

	rec := model.IngestionError{
		Endpoint: ev.Endpoint,
		Kind:     ev.Kind.String(),
		Payload:  truncateString(string(payload), maxRecordedPayload),
		Error:    cause.Error(),
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.WriteTimeout)
	defer cancel()
	if err := r.store.InsertIngestionError(ctx, rec); err != nil {
		r.logger.Error("record ingestion error failed", "error", err)
	}
}

func payloadError(ev model.Event) error {
	return IngestError.New("%s event with payload %T", ev.Kind, ev.Payload)
}

func truncateString(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
