package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/coder/websocket"
	log "github.com/sirupsen/logrus"

	"tasklance/domain"
)

const (
	minBackoff     = time.Second
	maxBackoff     = 5 * time.Second
	streamBuffer   = 16
	maxFrameLength = 1 << 20
)

// Transport selects how an EventStream connects.
type Transport int

const (
	TransportSSE Transport = iota
	TransportWebSocket
)

// EventStream follows one project topic on the stream service. Every
// successful (re)connect is announced with a synthetic resync event since
// events published while disconnected are never replayed.
type EventStream struct {
	base       string
	token      string
	transport  Transport
	http       *http.Client
	logger     *log.Logger
	minBackoff time.Duration
	maxBackoff time.Duration
}

// NewEventStream returns a stream client for baseURL. A nil hc uses a
// client without timeout since streams are long-lived.
func NewEventStream(baseURL, token string, transport Transport, hc *http.Client, logger *log.Logger) *EventStream {
	if hc == nil {
		hc = &http.Client{}
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &EventStream{
		base:       strings.TrimRight(baseURL, "/"),
		token:      token,
		transport:  transport,
		http:       hc,
		logger:     logger,
		minBackoff: minBackoff,
		maxBackoff: maxBackoff,
	}
}

// Subscription delivers the events of one topic until closed. Bursts are
// coalesced: when the consumer lags, surplus events are dropped since any
// single event already triggers a full refetch.
type Subscription struct {
	C <-chan domain.Event

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
	err    error
}

// Close stops the stream and waits for its goroutine.
func (s *Subscription) Close() {
	s.cancel()
	<-s.done
}

// Err reports why the stream ended on its own: an authorization or
// not-found response, which is never retried.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Subscribe opens the topic of projectID. C is closed when the stream ends.
func (es *EventStream) Subscribe(ctx context.Context, projectID string) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	out := make(chan domain.Event, streamBuffer)
	sub := &Subscription{C: out, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		defer close(out)
		err := es.run(ctx, projectID, out)
		sub.mu.Lock()
		sub.err = err
		sub.mu.Unlock()
	}()
	return sub
}

// errTerminal marks failures that retrying cannot fix.
type errTerminal struct{ err error }

func (e errTerminal) Error() string { return e.err.Error() }
func (e errTerminal) Unwrap() error { return e.err }

func (es *EventStream) run(ctx context.Context, projectID string, out chan<- domain.Event) error {
	backoff := es.minBackoff
	entry := es.logger.WithField("project", projectID)
	for {
		connected, err := es.connect(ctx, projectID, out)
		if ctx.Err() != nil {
			return nil
		}
		var term errTerminal
		if errors.As(err, &term) {
			entry.WithError(term.err).Warn("event stream refused")
			return term.err
		}
		if connected {
			backoff = es.minBackoff
		}
		entry.WithError(err).WithField("retry_in", backoff).Info("event stream disconnected")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > es.maxBackoff {
			backoff = es.maxBackoff
		}
	}
}

func (es *EventStream) connect(ctx context.Context, projectID string, out chan<- domain.Event) (bool, error) {
	if es.transport == TransportWebSocket {
		return es.connectWS(ctx, projectID, out)
	}
	return es.connectSSE(ctx, projectID, out)
}

func emit(out chan<- domain.Event, ev domain.Event) {
	select {
	case out <- ev:
	default:
	}
}

func statusError(projectID string, status int) error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return errTerminal{&domain.UnauthorizedError{ProjectID: projectID, Reason: "subscription refused"}}
	case http.StatusNotFound:
		return errTerminal{domain.NotFound("project", projectID)}
	}
	return &domain.ChannelUnavailableError{Topic: domain.Topic(projectID), Err: fmt.Errorf("status %d", status)}
}

func (es *EventStream) connectSSE(ctx context.Context, projectID string, out chan<- domain.Event) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, es.base+"/stream/projects/"+url.PathEscape(projectID), nil)
	if err != nil {
		return false, errTerminal{err}
	}
	req.Header.Set("Accept", "text/event-stream")
	if es.token != "" {
		req.Header.Set("Authorization", "Bearer "+es.token)
	}
	resp, err := es.http.Do(req)
	if err != nil {
		return false, &domain.ChannelUnavailableError{Topic: domain.Topic(projectID), Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, statusError(projectID, resp.StatusCode)
	}

	emit(out, domain.Event{ProjectID: projectID, Kind: domain.Resync})
	err = readSSE(bufio.NewReaderSize(resp.Body, 4096), func(ev domain.Event) {
		if ev.ProjectID == "" {
			ev.ProjectID = projectID
		}
		emit(out, ev)
	})
	return true, &domain.ChannelUnavailableError{Topic: domain.Topic(projectID), Err: err}
}

// readSSE parses "event:"/"data:" frames until the body ends. Comment lines
// (keepalives) are skipped.
func readSSE(r *bufio.Reader, fn func(domain.Event)) error {
	var (
		kind string
		data strings.Builder
	)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return err
		}
		if len(line) > maxFrameLength {
			return errors.New("sse frame too large")
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if data.Len() > 0 {
				var ev domain.Event
				if err := sonic.UnmarshalString(data.String(), &ev); err == nil {
					if ev.Kind == "" {
						ev.Kind = domain.EventKind(kind)
					}
					fn(ev)
				}
			}
			kind = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			kind = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
}

func (es *EventStream) connectWS(ctx context.Context, projectID string, out chan<- domain.Event) (bool, error) {
	target := es.base + "/ws/projects/" + url.PathEscape(projectID)
	target = "ws" + strings.TrimPrefix(target, "http")
	opts := &websocket.DialOptions{HTTPClient: es.http}
	if es.token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + es.token}}
	}
	conn, resp, err := websocket.Dial(ctx, target, opts)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return false, statusError(projectID, resp.StatusCode)
		}
		return false, &domain.ChannelUnavailableError{Topic: domain.Topic(projectID), Err: err}
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxFrameLength)

	emit(out, domain.Event{ProjectID: projectID, Kind: domain.Resync})
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return true, &domain.ChannelUnavailableError{Topic: domain.Topic(projectID), Err: err}
		}
		var ev domain.Event
		if err := sonic.Unmarshal(data, &ev); err != nil {
			es.logger.WithError(err).Warn("unable to parse event")
			continue
		}
		if ev.ProjectID == "" {
			ev.ProjectID = projectID
		}
		emit(out, ev)
	}
}
