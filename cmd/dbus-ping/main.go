// Command dbus-ping connects to a message bus, performs the Hello() call
// every client must open with, and prints the unique name the bus assigned.
//
// Usage:
//
//	dbus-ping [-config engine.toml] [-bus session|system|ADDRESS]
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"mini-dbus/address"
	"mini-dbus/config"
	"mini-dbus/connection"
	"mini-dbus/message"
	"mini-dbus/protocol"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML engine config")
	bus := flag.String("bus", "", "bus selector, overrides the config")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatal().Err(err).Msg("loading config")
		}
		cfg = loaded
	}
	if *bus != "" {
		cfg.Bus = *bus
	}

	addr, err := cfg.Address()
	if err != nil {
		log.Fatal().Err(err).Msg("resolving bus address")
	}

	sock, err := address.Dial(addr)
	if err != nil {
		log.Fatal().Err(err).Str("address", addr).Msg("connecting")
	}

	conn, err := connection.New(sock, cfg.Options(log)...)
	if err != nil {
		log.Fatal().Err(err).Msg("handshake")
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hello := message.MethodCall(connection.BusPath, "Hello").
		WithInterface(connection.BusInterface).
		WithDestination(connection.BusName)

	reply, err := conn.Call(ctx, hello)
	if err != nil {
		log.Fatal().Err(err).Msg("Hello call failed")
	}

	name, err := decodeString(reply)
	if err != nil {
		log.Fatal().Err(err).Msg("decoding Hello reply")
	}
	fmt.Println(name)
}

// decodeString unmarshals a body with signature "s" in the reply's byte order.
func decodeString(m *message.Message) (string, error) {
	if m.Signature != "s" {
		return "", fmt.Errorf("unexpected reply signature %q", m.Signature)
	}
	var order binary.ByteOrder = binary.LittleEndian
	if m.Endianness == protocol.BigEndian {
		order = binary.BigEndian
	}
	if len(m.Body) < 4 {
		return "", fmt.Errorf("reply body too short: %d bytes", len(m.Body))
	}
	n := int(order.Uint32(m.Body[:4]))
	if len(m.Body) < 4+n+1 {
		return "", fmt.Errorf("reply body truncated: want %d bytes", 4+n+1)
	}
	return string(m.Body[4 : 4+n]), nil
}
