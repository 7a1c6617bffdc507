package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"math/rand/v2"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/richtext-sync/internal/codec"
	"github.com/example/richtext-sync/internal/crdt"
	"github.com/example/richtext-sync/internal/types"
	"github.com/example/richtext-sync/internal/ws"
)

const alphabet = "abcdefghijklmnopqrstuvwxyz "

// replica is one simulated editor holding its own copy of the document.
type replica struct {
	id     string
	conn   *websocket.Conn
	doc    *crdt.Doc
	logger zerolog.Logger

	writeMu sync.Mutex
	sentMu  sync.Mutex
	sent    []time.Time
}

func main() {
	addr := flag.String("addr", "ws://localhost:8080/ws", "websocket address to target")
	document := flag.String("document", "doc-loadtest", "document id used by all clients")
	clients := flag.Int("clients", 50, "number of concurrent replicas")
	edits := flag.Int("edits", 20, "edits per replica")
	interval := flag.Duration("interval", 100*time.Millisecond, "delay between edits of one replica")
	settle := flag.Duration("settle", 3*time.Second, "time to wait for the last updates before checking convergence")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339Nano
	logger := log.With().Str("document", *document).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	u, err := url.Parse(*addr)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid websocket address")
	}

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	latencyCh := make(chan time.Duration, *clients**edits)

	replicas := make([]*replica, 0, *clients)
	for i := 0; i < *clients; i++ {
		r, err := connect(ctx, dialer, *u, *document, fmt.Sprintf("client-%d", i), logger)
		if err != nil {
			logger.Error().Err(err).Int("client", i).Msg("dial failed")
			continue
		}
		defer r.conn.Close()
		replicas = append(replicas, r)
		go r.readLoop(latencyCh)
	}
	if len(replicas) == 0 {
		logger.Fatal().Msg("no replica connected")
	}

	var wg sync.WaitGroup
	for _, r := range replicas {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.run(ctx, *edits, *interval)
		}()
	}
	wg.Wait()

	select {
	case <-ctx.Done():
	case <-time.After(*settle):
	}

	// A final sync pulls anything a replica missed.
	for _, r := range replicas {
		if err := r.sync(); err != nil {
			r.logger.Warn().Err(err).Msg("final sync failed")
		}
	}
	select {
	case <-ctx.Done():
	case <-time.After(*settle):
	}

	close(latencyCh)
	report(latencyCh, logger)
	if !converged(replicas, logger) {
		os.Exit(1)
	}
}

func connect(ctx context.Context, dialer websocket.Dialer, u url.URL, document, clientID string, logger zerolog.Logger) (*replica, error) {
	q := u.Query()
	q.Set("document_id", document)
	q.Set("client_id", clientID)
	u.RawQuery = q.Encode()

	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	r := &replica{
		id:     clientID,
		conn:   conn,
		doc:    crdt.NewDoc(),
		logger: logger.With().Str("client", clientID).Logger(),
	}
	if err := r.sync(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return r, nil
}

func (r *replica) write(m ws.Message) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.conn.WriteMessage(websocket.BinaryMessage, ws.EncodeMessage(m))
}

func (r *replica) sync() error {
	return r.write(ws.Message{Type: ws.MessageSyncRequest, Payload: codec.EncodeVersionVector(r.doc.VersionVector())})
}

func (r *replica) run(ctx context.Context, edits int, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for i := 0; i < edits; i++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		payload, err := r.edit()
		if err != nil {
			r.logger.Error().Err(err).Msg("local edit failed")
			return
		}
		r.sentMu.Lock()
		r.sent = append(r.sent, time.Now())
		r.sentMu.Unlock()
		if err := r.write(ws.Message{Type: ws.MessageUpdate, Payload: payload}); err != nil {
			r.logger.Error().Err(err).Msg("send update failed")
			return
		}
	}
}

// edit makes a random change to the local replica and returns it as an
// update buffer.
func (r *replica) edit() ([]byte, error) {
	before := r.doc.VersionVector()
	text := r.doc.GetText("body")
	n := text.Len()

	var err error
	switch op := rand.IntN(10); {
	case op < 6 || n == 0:
		ch := string(alphabet[rand.IntN(len(alphabet))])
		err = text.Insert(rand.IntN(n+1), ch)
	case op < 8:
		err = text.Delete(rand.IntN(n), 1)
	default:
		start := rand.IntN(n)
		end := start + 1 + rand.IntN(n-start)
		err = text.Mark(start, end, "bold", crdt.Bool(rand.IntN(2) == 0))
	}
	if err != nil {
		return nil, err
	}
	return codec.Export(r.doc, codec.Updates(before))
}

func (r *replica) readLoop(latencies chan<- time.Duration) {
	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				r.logger.Debug().Err(err).Msg("read loop exited")
			}
			return
		}
		msg, err := ws.DecodeMessage(data)
		if err != nil {
			r.logger.Warn().Err(err).Msg("failed to decode message")
			continue
		}

		switch msg.Type {
		case ws.MessageUpdate:
			if _, err := codec.Import(r.doc, msg.Payload); err != nil {
				r.logger.Warn().Err(err).Msg("failed to import update")
			}
		case ws.MessageAck:
			r.sentMu.Lock()
			if len(r.sent) > 0 {
				sentAt := r.sent[0]
				r.sent = r.sent[1:]
				select {
				case latencies <- time.Since(sentAt):
				default:
				}
			}
			r.sentMu.Unlock()
		case ws.MessageError:
			r.logger.Warn().Str("reason", string(msg.Payload)).Msg("server rejected message")
		}
	}
}

func converged(replicas []*replica, logger zerolog.Logger) bool {
	want := replicas[0].doc.GetText("body").ToDelta()
	wantVV := replicas[0].doc.VersionVector()
	ok := true
	for _, r := range replicas[1:] {
		if !r.doc.VersionVector().Equal(wantVV) || !r.doc.GetText("body").ToDelta().Equal(want) {
			r.logger.Error().
				Str("version", versionString(r.doc.VersionVector())).
				Str("expected", versionString(wantVV)).
				Msg("replica diverged")
			ok = false
		}
	}
	if ok {
		logger.Info().
			Int("replicas", len(replicas)).
			Int("length", replicas[0].doc.GetText("body").Len()).
			Msg("all replicas converged")
	}
	return ok
}

func versionString(vv types.VersionVector) string {
	peers := make([]types.PeerID, 0, len(vv))
	for peer := range vv {
		peers = append(peers, peer)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	out := ""
	for _, peer := range peers {
		out += fmt.Sprintf("%d:%d ", peer, vv[peer])
	}
	return out
}

func report(samples <-chan time.Duration, logger zerolog.Logger) {
	var all []time.Duration
	var total time.Duration
	var under50ms int

	for d := range samples {
		all = append(all, d)
		total += d
		if d < 50*time.Millisecond {
			under50ms++
		}
	}

	if len(all) == 0 {
		fmt.Fprintln(os.Stdout, "no samples collected")
		return
	}

	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	avg := time.Duration(int64(math.Round(float64(total) / float64(len(all)))))
	p99 := all[int(float64(len(all)-1)*0.99)]
	pct := (float64(under50ms) / float64(len(all))) * 100

	fmt.Fprintf(os.Stdout, "Acks: %d\nAvg latency: %s\nP99 latency: %s\nMax latency: %s\n<50ms: %.2f%%\n",
		len(all), avg, p99, all[len(all)-1], pct)
	if pct < 95 {
		logger.Warn().Msg("less than 95% of updates were acknowledged within 50ms")
	}
}
