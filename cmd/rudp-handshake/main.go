// Command rudp-handshake is a minimal two-peer demo: it performs the
// magic-token rendezvous and then exchanges one reliable message,
// logging progress.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/log"
	"github.com/fxamacker/cbor/v2"

	"github.com/go-rudp/rudp/handshake"
	"github.com/go-rudp/rudp/rudp"
)

// demoConfig is filled from flags first and then from a TOML file when
// -config is given: fields the file sets take precedence, and fields it
// does not set keep their flag (or default) values.
type demoConfig struct {
	Listen  string        `toml:"Listen"`
	Connect string        `toml:"Connect"`
	Magic   uint64        `toml:"Magic"`
	Timeout time.Duration `toml:"Timeout"`
}

const echoID = 1

// echo is the one message type this demo exchanges.
type echo struct {
	Text string
}

func (e echo) ID() uint32     { return echoID }
func (e echo) Reliable() bool { return true }
func (e echo) Serialize(out []byte) []byte {
	b, err := cbor.Marshal(e)
	if err != nil {
		panic(err)
	}
	return append(out, b...)
}

func deserialize(id uint32, payload []byte) (rudp.Codec, error) {
	if id != echoID {
		return nil, fmt.Errorf("rudp-handshake: unknown id %d", id)
	}
	var e echo
	if err := cbor.Unmarshal(payload, &e); err != nil {
		return nil, err
	}
	return e, nil
}

func main() {
	var (
		configPath = flag.String("config", "", "path to a TOML config file")
		listen     = flag.String("listen", "", "local address to listen on (server mode)")
		connect    = flag.String("connect", "", "remote address to connect to (client mode)")
		magic      = flag.Uint64("magic", 0xC0FFEE, "rendezvous token")
	)
	flag.Parse()

	cfg := demoConfig{Listen: *listen, Connect: *connect, Magic: *magic, Timeout: 5 * time.Second}
	if *configPath != "" {
		if _, err := toml.DecodeFile(*configPath, &cfg); err != nil {
			log.Fatal("failed to read config", "path", *configPath, "err", err)
		}
	}

	logger := log.Default()
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	var (
		conn interface {
			Close() error
		}
		engine *rudp.Engine
		err    error
	)

	switch {
	case cfg.Listen != "":
		c, herr := handshake.Listen(ctx, cfg.Listen, cfg.Magic)
		if herr != nil {
			logger.Fatal("handshake failed", "err", herr)
		}
		conn = c
		engine, err = rudp.Start(c, rudp.Config{Logger: logger, Deserialize: deserialize})
	case cfg.Connect != "":
		c, herr := handshake.Connect(ctx, cfg.Connect, cfg.Magic)
		if herr != nil {
			logger.Fatal("handshake failed", "err", herr)
		}
		conn = c
		engine, err = rudp.Start(c, rudp.Config{Logger: logger, Deserialize: deserialize})
	default:
		fmt.Fprintln(os.Stderr, "usage: rudp-handshake -listen=:9000 or -connect=host:9000")
		os.Exit(2)
	}
	if err != nil {
		logger.Fatal("engine start failed", "err", err)
	}
	defer conn.Close()

	if cfg.Connect != "" {
		engine.Submit() <- echo{Text: "hello from client"}
	}

	select {
	case v := <-engine.Deliver():
		logger.Info("received", "value", v)
	case err := <-engine.Fatal():
		logger.Error("engine reported fatal error", "err", err)
	case <-ctx.Done():
		logger.Warn("demo timed out waiting for a message")
	}

	engine.Halt()
	engine.Wait()
}
