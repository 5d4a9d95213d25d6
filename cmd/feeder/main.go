// Command feeder is a demo producer: it subscribes to an exchange
// miniTicker websocket feed and pushes every tick into the shared
// price cache and the opportunity stream. It exists to exercise the
// full publish path end to end against a live source.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/sugawarayuuta/sonnet"

	"chainbus/internal/application/container"
	"chainbus/internal/infrastructure/config"
	"chainbus/internal/infrastructure/logger"
	"chainbus/internal/pricecache"
	"chainbus/internal/stream"
)

type combinedMsg struct {
	Stream string  `json:"stream"`
	Data   tickMsg `json:"data"`
}

type tickMsg struct {
	Symbol string `json:"s"`
	Close  string `json:"c"`
}

func main() {
	configPath := flag.String("config", "configs/config.toml", "path to config.toml")
	wsBase := flag.String("url", "wss://fstream.binance.com", "websocket base url")
	symbolsArg := flag.String("symbols", "btcusdt,ethusdt", "comma-separated symbols")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Setup("info")
		log.Fatal().Err(err).Str("config", *configPath).Msg("load config failed")
	}
	logger.Setup(cfg.App.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := container.New(cfg, nil)
	defer c.Close()

	cache, err := c.Cache()
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Cache.Path).Msg("price cache init failed")
	}
	ch, err := c.Channel()
	if err != nil {
		log.Fatal().Err(err).Str("redis", cfg.Stream.RedisAddr).Msg("stream channel init failed")
	}

	wsURL, err := combinedURL(*wsBase, strings.Split(*symbolsArg, ","))
	if err != nil {
		log.Fatal().Err(err).Msg("bad websocket url")
	}

	f := &feeder{cache: cache, ch: ch, origin: "feeder-" + fmt.Sprint(os.Getpid())}
	f.run(ctx, wsURL)

	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ch.Drain(drainCtx); err != nil {
		log.Error().Err(err).Msg("drain on shutdown failed")
	}
}

func combinedURL(base string, symbols []string) (string, error) {
	streams := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		streams = append(streams, s+"@miniTicker")
	}
	if len(streams) == 0 {
		return "", errors.New("no symbols")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	u.Path = "/stream"
	u.RawQuery = "streams=" + strings.Join(streams, "/")
	return u.String(), nil
}

type feeder struct {
	cache  *pricecache.Cache
	ch     *stream.Channel
	origin string
	seq    atomic.Int64
}

// run dials and re-dials the feed until ctx is done, doubling the
// reconnect delay on consecutive failures.
func (f *feeder) run(ctx context.Context, wsURL string) {
	backoff := 500 * time.Millisecond
	const maxBackoff = 10 * time.Second

	for ctx.Err() == nil {
		dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		conn, _, err := websocket.DefaultDialer.DialContext(dctx, wsURL, nil)
		cancel()
		if err != nil {
			log.Error().Err(err).Str("url", wsURL).Msg("ws dial failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = 500 * time.Millisecond
		log.Info().Str("url", wsURL).Msg("ws connected")

		err = f.readLoop(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Msg("ws disconnected, reconnecting")
	}
}

func (f *feeder) readLoop(ctx context.Context, conn *websocket.Conn) error {
	const readIdle = 60 * time.Second
	_ = conn.SetReadDeadline(time.Now().Add(readIdle))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readIdle))
	})

	ping := time.NewTicker(25 * time.Second)
	defer ping.Stop()

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		for {
			_, b, err := conn.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(readIdle))
			f.onMessage(b)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case <-ping.C:
			_ = conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second))
		}
	}
}

func (f *feeder) onMessage(b []byte) {
	var msg combinedMsg
	if err := sonnet.Unmarshal(b, &msg); err != nil {
		log.Error().Err(err).Msg("tick unmarshal failed")
		return
	}
	sym := strings.ToUpper(strings.TrimSpace(msg.Data.Symbol))
	pxs := strings.TrimSpace(msg.Data.Close)
	if sym == "" || pxs == "" {
		return
	}
	px, err := strconv.ParseFloat(pxs, 64)
	if err != nil {
		return
	}

	if _, err := f.cache.Set(sym, px, f.cache.NowMillis()); err != nil {
		log.Error().Err(err).Str("symbol", sym).Msg("cache write failed")
	}

	m := stream.Message{
		TraceID: fmt.Sprintf("%s-%s-%d", f.origin, sym, f.seq.Add(1)),
		Kind:    "tick",
		Key:     sym,
		Value:   px,
		TsMs:    time.Now().UnixMilli(),
	}
	if err := f.ch.TryPublish(m); err != nil {
		// a closed gate or full queue sheds ticks; the cache still
		// carries the latest price
		log.Debug().Err(err).Str("symbol", sym).Msg("tick shed")
	}
}
