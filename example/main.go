// Example demonstrates embedding go-gisquick-bridge with a single Echo
// command handler.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"

	bridge "github.com/aperturerobotics/go-gisquick-bridge"
	"github.com/aperturerobotics/go-gisquick-bridge/dispatch"
	"github.com/aperturerobotics/go-gisquick-bridge/failure"
)

func main() {
	libDir := flag.String("lib", ".", "directory holding the native client")
	useWASM := flag.Bool("wasm", false, "load gisquick.wasm instead of the shared library")
	url := flag.String("url", "http://localhost", "Gisquick server URL")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	// Handlers for the commands this example answers
	table := dispatch.NewTable(map[string]dispatch.Handler{
		"Echo": dispatch.HandlerFunc(echo),
		"ProjectInfo": dispatch.HandlerFunc(func(context.Context, json.RawMessage) (any, error) {
			return nil, failure.New("Project is not opened", 404)
		}),
	})
	d := dispatch.New(table)

	cfg := &bridge.Config{LibraryDir: *libDir}
	if *useWASM {
		cfg.Loader = &bridge.WASMLoader{Stdout: os.Stdout, Stderr: os.Stderr}
	}
	b := bridge.New(cfg)
	defer b.Close(context.Background())

	// Stop the session on Ctrl+C
	go func() {
		<-ctx.Done()
		b.Stop()
	}()

	code, err := b.Start(ctx, bridge.StartOptions{
		URL:        *url,
		Username:   os.Getenv("GISQUICK_USERNAME"),
		Password:   os.Getenv("GISQUICK_PASSWORD"),
		ClientInfo: bridge.ClientInfo("example", "go"),
	}, d, func() {
		fmt.Println("connected")
	})
	if err != nil {
		log.Fatal(err)
	}
	if code != 0 {
		log.Fatalf("native client exited with code %d", code)
	}
}

func echo(_ context.Context, data json.RawMessage) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
