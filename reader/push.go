package reader

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/lagoon-io/lagoon/codec"
	"github.com/lagoon-io/lagoon/ops"
	"github.com/lagoon-io/lagoon/state"
	"github.com/lagoon-io/lagoon/stream"
)

const (
	// pushIdleTimeout bounds the wait for the next subscription frame.
	// The vendor sends keep-alive events well inside this window.
	pushIdleTimeout = 10 * time.Second
	// pushRetryDelay is slept before re-opening a failed subscription.
	pushRetryDelay = 5 * time.Second

	eventStreamContentType = "application/vnd.amazon.eventstream"
	subscribeTarget        = "Kinesis_20131202.SubscribeToShard"
)

// PushConfig configures a PushReader.
type PushConfig struct {
	ShardID    string
	StreamName string
	Shard      state.OwnedShard
	// ConsumerARN is the enhanced delivery endpoint assigned to this
	// group member by the lease coordinator.
	ConsumerARN string

	Client  *stream.Client
	Store   *state.Store
	Decoder *codec.Decoder
	Out     chan<- Event
	// StopShard tells the reconciler this reader terminated itself.
	StopShard func(shardID string)

	// Endpoint overrides the vendor's regional API endpoint.
	Endpoint    string
	Region      string
	Credentials aws.CredentialsProvider
	HTTPClient  *http.Client

	AutoCheckpoint bool
	// InitialPosition applies when the shard has no checkpoint:
	// TRIM_HORIZON or LATEST.
	InitialPosition types.ShardIteratorType

	Clock  clockwork.Clock
	Logger *log.Entry
	Sink   *ops.Sink
}

// PushReader owns a long-lived streamed subscription for a single
// shard: it signs and opens the subscription, decodes its event-stream
// frames, emits decoded records, checkpoints continuations, and
// re-opens the subscription across rotations and retryable failures.
type PushReader struct {
	shardBase
	cfg    PushConfig
	signer *v4.Signer
}

// NewPushReader builds a PushReader; Start begins reading.
func NewPushReader(cfg PushConfig) *PushReader {
	var r = &PushReader{
		cfg:    cfg,
		signer: v4.NewSigner(),
	}
	initShardBase(&r.shardBase,
		cfg.ShardID, cfg.StreamName, cfg.Store, cfg.Out, cfg.StopShard,
		cfg.Clock, cfg.Logger, cfg.Sink, cfg.AutoCheckpoint, cfg.Shard)
	return r
}

// Start launches the subscription loop.
func (r *PushReader) Start(ctx context.Context) error {
	if r.stopped() {
		return errors.New("reader already stopped")
	}
	go r.run(ctx)
	return nil
}

// errShardDepleted signals a clean close with no continuation left.
var errShardDepleted = errors.New("shard depleted")

// errLeaseLost aborts an in-flight subscription on lease expiry.
var errLeaseLost = errors.New("shard lease expired")

func (r *PushReader) run(parent context.Context) {
	var ctx, cancel = r.scope(parent)
	defer cancel()

	for {
		if ctx.Err() != nil {
			return
		}
		if r.leaseExpired() {
			r.logger.Info("shard lease expired; stopping reader")
			r.stopShard(r.shardID)
			return
		}

		var err = r.subscribeOnce(ctx)
		switch {
		case err == nil:
			// The subscription rotated cleanly. Re-open immediately
			// from the stored continuation.
		case errors.Is(err, errShardDepleted):
			r.markDepleted(ctx, r.cfg.Client)
			return
		case errors.Is(err, errLeaseLost):
			r.logger.Info("shard lease expired; stopping reader")
			r.stopShard(r.shardID)
			return
		case ctx.Err() != nil:
			return
		case isRetryableSubscribe(err):
			r.logger.WithError(err).Warn("subscription interrupted; recovering")
			if r.sink != nil {
				r.sink.ObserveError(err)
			}
			select {
			case <-ctx.Done():
				return
			case <-r.clock.After(pushRetryDelay):
			}
		default:
			r.fail(ctx, err)
			return
		}
	}
}

// subscribeOnce opens one subscription and consumes it to completion.
// A nil return is a clean rotation; errShardDepleted means the shard's
// final continuation was consumed.
func (r *PushReader) subscribeOnce(ctx context.Context) error {
	var resp, err = r.openSubscription(ctx)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != eventStreamContentType {
		return r.subscribeRejected(resp)
	}
	return r.readFrames(ctx, resp.Body)
}

type startingPosition struct {
	Type           string `json:"Type"`
	SequenceNumber string `json:"SequenceNumber,omitempty"`
}

type subscribeRequest struct {
	ConsumerARN      string           `json:"ConsumerARN"`
	ShardID          string           `json:"ShardId"`
	StartingPosition startingPosition `json:"StartingPosition"`
}

// openSubscription signs and issues the streaming subscribe call,
// resuming after the checkpoint when one exists.
func (r *PushReader) openSubscription(ctx context.Context) (*http.Response, error) {
	var position = startingPosition{Type: string(r.cfg.InitialPosition)}
	if cp := r.checkpoint(); cp != "" {
		position = startingPosition{
			Type:           string(types.ShardIteratorTypeAfterSequenceNumber),
			SequenceNumber: cp,
		}
	}
	var body, err = json.Marshal(subscribeRequest{
		ConsumerARN:      r.cfg.ConsumerARN,
		ShardID:          r.shardID,
		StartingPosition: position,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.subscribeURL(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-amz-json-1.1")
	req.Header.Set("X-Amz-Target", subscribeTarget)

	creds, err := r.cfg.Credentials.Retrieve(ctx)
	if err != nil {
		return nil, fmt.Errorf("retrieving credentials: %w", err)
	}
	var sum = sha256.Sum256(body)
	if err = r.signer.SignHTTP(ctx, creds, req,
		hex.EncodeToString(sum[:]), "kinesis", r.cfg.Region, r.clock.Now()); err != nil {
		return nil, fmt.Errorf("signing subscribe request: %w", err)
	}

	var client = r.cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return client.Do(req)
}

func (r *PushReader) subscribeURL() string {
	if r.cfg.Endpoint != "" {
		return r.cfg.Endpoint
	}
	return fmt.Sprintf("https://kinesis.%s.amazonaws.com", r.cfg.Region)
}

// subscribeRejected classifies a non-streaming subscribe response.
func (r *PushReader) subscribeRejected(resp *http.Response) error {
	var body, _ = io.ReadAll(io.LimitReader(resp.Body, 4096))
	var apiErr struct {
		Type    string `json:"__type"`
		Message string `json:"message"`
	}
	var code string
	var retryable = true
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Type != "" {
		code = apiErr.Type
		if i := strings.LastIndexByte(code, '#'); i >= 0 {
			code = code[i+1:]
		}
		retryable = code == "InternalServerError" || code == "ResourceInUseException"
	}
	r.logger.WithFields(log.Fields{"status": resp.StatusCode, "code": code}).
		Warnf("subscription unsuccessful: %d", resp.StatusCode)
	return &subscribeError{code: code, message: apiErr.Message, retryable: retryable}
}

// readFrames drains one subscription's event stream. Frames are
// decoded on a helper goroutine so the watchdog can fire while a read
// is pending.
func (r *PushReader) readFrames(ctx context.Context, body io.Reader) error {
	var frames = make(chan eventstream.Message)
	var done = make(chan error, 1)
	var quit = make(chan struct{})
	defer close(quit)

	go func() {
		var decoder = eventstream.NewDecoder()
		for {
			var m, err = decoder.Decode(body, nil)
			if err != nil {
				done <- err
				return
			}
			select {
			case frames <- m:
			case <-quit:
				return
			}
		}
	}()

	var sawFinal bool
	for {
		if r.leaseExpired() {
			return errLeaseLost
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-done:
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				if sawFinal {
					return errShardDepleted
				}
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &subscribeError{message: fmt.Sprintf("reading subscription: %s", err), retryable: true}
		case m := <-frames:
			var final, err = r.handleFrame(ctx, m)
			if err != nil {
				return err
			}
			sawFinal = final
		case <-r.clock.After(pushIdleTimeout):
			return &subscribeError{message: "no events within the idle watchdog", retryable: true}
		}
	}
}

// handleFrame dispatches one decoded frame. It reports whether the
// frame carried the shard's final (empty) continuation.
func (r *PushReader) handleFrame(ctx context.Context, m eventstream.Message) (final bool, err error) {
	switch headerString(m.Headers, ":message-type") {
	case "event":
		var eventType = headerString(m.Headers, ":event-type")
		if eventType != "SubscribeToShardEvent" {
			r.emit(ctx, &NoticeEvent{Name: eventType, ShardID: r.shardID, Payload: m.Payload})
			return false, nil
		}
		return r.handleEvent(ctx, m.Payload)
	case "exception":
		var code = headerString(m.Headers, ":exception-type")
		return false, &subscribeError{
			code:      code,
			message:   string(m.Payload),
			retryable: stream.RetriableCode(code),
		}
	case "error":
		return false, &subscribeError{
			code:      headerString(m.Headers, ":error-code"),
			message:   headerString(m.Headers, ":error-message"),
			retryable: true,
		}
	default:
		return false, &subscribeError{message: "unexpected frame on the subscription", retryable: true}
	}
}

type pushRecord struct {
	Data                        []byte  `json:"Data"`
	PartitionKey                string  `json:"PartitionKey"`
	SequenceNumber              string  `json:"SequenceNumber"`
	EncryptionType              string  `json:"EncryptionType"`
	ApproximateArrivalTimestamp float64 `json:"ApproximateArrivalTimestamp"`
}

type pushEvent struct {
	ContinuationSequenceNumber string       `json:"ContinuationSequenceNumber"`
	MillisBehindLatest         int64        `json:"MillisBehindLatest"`
	Records                    []pushRecord `json:"Records"`
}

// handleEvent decodes and delivers one subscription event, then
// advances the checkpoint to its continuation.
func (r *PushReader) handleEvent(ctx context.Context, payload []byte) (final bool, err error) {
	var event pushEvent
	if err = json.Unmarshal(payload, &event); err != nil {
		return false, &subscribeError{
			message:   fmt.Sprintf("malformed subscription event: %s", err),
			retryable: true,
		}
	}

	if len(event.Records) > 0 {
		var decoded = make([]codec.Record, 0, len(event.Records))
		for _, rec := range event.Records {
			var raw = codec.Raw{
				Data:           rec.Data,
				PartitionKey:   rec.PartitionKey,
				SequenceNumber: rec.SequenceNumber,
				EncryptionType: rec.EncryptionType,
			}
			if rec.ApproximateArrivalTimestamp != 0 {
				raw.ApproximateArrivalTimestamp = time.UnixMilli(
					int64(rec.ApproximateArrivalTimestamp * 1e3))
			}
			for _, sub := range codec.Deaggregate(raw) {
				decoded = append(decoded, r.cfg.Decoder.Decode(ctx, sub))
			}
		}
		var batch = &RecordBatch{
			Records:                    decoded,
			ShardID:                    r.shardID,
			StreamName:                 r.streamName,
			MillisBehindLatest:         event.MillisBehindLatest,
			ContinuationSequenceNumber: event.ContinuationSequenceNumber,
		}
		if !r.autoCheckpoint {
			batch.Checkpoint = func(sequenceNumber string) error {
				return r.setCheckpoint(context.Background(), sequenceNumber)
			}
		}
		if !r.emit(ctx, batch) {
			return false, ctx.Err()
		}
		if r.sink != nil {
			r.sink.RecordsReceived(len(decoded))
		}
	}

	if event.ContinuationSequenceNumber == "" {
		return true, nil
	}
	if r.autoCheckpoint {
		if err := r.setCheckpoint(ctx, event.ContinuationSequenceNumber); err != nil {
			r.logger.WithError(err).Warn("failed to store shard checkpoint")
		}
	} else {
		// Track the position locally so the next subscription resumes
		// from the continuation even before the consumer checkpoints.
		r.mu.Lock()
		r.lastCheckpoint = event.ContinuationSequenceNumber
		r.mu.Unlock()
	}
	return false, nil
}

// subscribeError is a push subscription failure with its retry class.
type subscribeError struct {
	code      string
	message   string
	retryable bool
}

func (e *subscribeError) Error() string {
	if e.code != "" {
		return fmt.Sprintf("%s: %s", e.code, e.message)
	}
	return e.message
}

// isRetryableSubscribe classifies a subscription failure. Transport
// errors without a subscribeError classification are retried.
func isRetryableSubscribe(err error) bool {
	var se *subscribeError
	if errors.As(err, &se) {
		return se.retryable
	}
	return true
}

func headerString(hs eventstream.Headers, name string) string {
	for _, h := range hs {
		if h.Name == name {
			if v, ok := h.Value.(eventstream.StringValue); ok {
				return string(v)
			}
		}
	}
	return ""
}
