package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"github.com/hanpama/protosync/internal/broadcast"
	"github.com/hanpama/protosync/internal/broadcast/wsrelay"
	"github.com/hanpama/protosync/internal/config"
	"github.com/hanpama/protosync/internal/eventbus"
	"github.com/hanpama/protosync/internal/grpcrt"
	"github.com/hanpama/protosync/internal/grpctp"
	"github.com/hanpama/protosync/internal/logging"
	"github.com/hanpama/protosync/internal/model"
	"github.com/hanpama/protosync/internal/otel"
	"github.com/hanpama/protosync/internal/protocol"
	"github.com/hanpama/protosync/internal/server"
	"github.com/hanpama/protosync/internal/state"
)

const rootUsage = `protosync — optimistic model sync over gRPC

USAGE:
  protosync <command> [flags]

COMMANDS:
  serve            Run the resource server and the broadcast relay
  sync             Load or create an entity, apply edits and print it
  call             Call a binding method such as task.loadModel
  help             Show help for any command
`

const serveUsage = `serve FLAGS:
  -config <file>          TOML configuration (default: none)
  -server.addr <addr>     gRPC listen address (default: from config, :7400)
  -server.timeout <dur>   Per-request timeout, e.g. 10s (default: 10s)
  -relay.addr <addr>      Websocket relay listen address (default: from config)
`

const syncUsage = `sync FLAGS:
  -config <file>          TOML configuration (default: none)
  -path <path>            Bound path to sync (default: the only binding)
  -protocol <name>        Protocol when the configuration has no binding
  -endpoint <host:port>   Resource server for every protocol (default: from config)
  -id <id>                Load this entity; without it a new one is created
  -set <field=value>      Edit a field; value is JSON or a plain string. Repeatable
  -relay <url>            Websocket relay to join (default: from config)
  -watch                  Keep running and print every change
`

const callUsage = `call FLAGS:
  -config <file>          TOML configuration with at least one binding
  -endpoint <host:port>   Resource server for every protocol (default: from config)
  -list                   Print the method names of all bindings and exit

  protosync call [flags] <method> [arg...]
  Arguments are JSON or plain strings.
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	global := flag.NewFlagSet("protosync", flag.ContinueOnError)
	global.SetOutput(new(bytes.Buffer)) // silence automatic output
	if err := global.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, rootUsage)
		return err
	}
	remaining := global.Args()
	if len(remaining) == 0 {
		fmt.Fprint(os.Stderr, rootUsage)
		return fmt.Errorf("missing command")
	}

	cmd := remaining[0]
	cmdArgs := remaining[1:]
	switch cmd {
	case "serve":
		return cmdServe(ctx, cmdArgs)
	case "sync":
		return cmdSync(ctx, cmdArgs, stdout)
	case "call":
		return cmdCall(ctx, cmdArgs, stdout)
	case "help":
		return cmdHelp(cmdArgs, stdout)
	default:
		fmt.Fprint(os.Stderr, rootUsage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func cmdHelp(args []string, stdout io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stdout, rootUsage)
		return nil
	}
	switch args[0] {
	case "serve":
		fmt.Fprint(stdout, serveUsage)
	case "sync":
		fmt.Fprint(stdout, syncUsage)
	case "call":
		fmt.Fprint(stdout, callUsage)
	default:
		return fmt.Errorf("unknown help topic %q", args[0])
	}
	return nil
}

type stringListFlag []string

func (s *stringListFlag) String() string { return "" }

func (s *stringListFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// loadConfig reads path, or returns the defaults when path is empty.
func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Decode(strings.NewReader(""))
	}
	return config.Load(path)
}

func cmdServe(ctx context.Context, args []string) error {
	configPath := ""
	addr := ""
	relayAddr := ""
	timeout := 10 * time.Second

	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&configPath, "config", configPath, "TOML configuration")
	fs.StringVar(&addr, "server.addr", addr, "gRPC listen address")
	fs.DurationVar(&timeout, "server.timeout", timeout, "Per-request timeout")
	fs.StringVar(&relayAddr, "relay.addr", relayAddr, "Websocket relay listen address")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, serveUsage)
		return err
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if relayAddr != "" {
		cfg.Relay.Addr = relayAddr
	}
	logger := logging.Configure("protosync", logging.ProfileRuntime, cfg.Log.Level, cfg.Log.NoColor)

	eventbus.Use(eventbus.New())
	shutdown, err := otel.Setup(cfg.Otel.Endpoint, cfg.Otel.Service, cfg.Otel.Insecure)
	if err != nil {
		return fmt.Errorf("otel setup: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	store := protocol.NewMemory()
	for _, p := range cfg.Protocols {
		store.Register(p.Name, p.Defaults)
	}

	lis, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	gs := grpc.NewServer()
	server.New(store, server.WithTimeout(timeout), server.WithLogger(logger)).Register(gs)

	errc := make(chan error, 2)
	go func() { errc <- gs.Serve(lis) }()
	logger.Info().Str("addr", lis.Addr().String()).Int("protocols", len(cfg.Protocols)).Msg("resource server listening")

	var (
		hub   *wsrelay.Hub
		relay *http.Server
	)
	if cfg.Relay.Addr != "" {
		hub = wsrelay.NewHub(logger)
		mux := http.NewServeMux()
		mux.Handle("/relay", hub)
		relay = &http.Server{Addr: cfg.Relay.Addr, Handler: mux}
		go func() {
			if err := relay.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}()
		logger.Info().Str("addr", cfg.Relay.Addr).Msg("broadcast relay listening")
	}

	select {
	case <-ctx.Done():
	case err = <-errc:
	}
	logger.Info().Msg("shutting down")
	if relay != nil {
		hub.Close()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = relay.Shutdown(sctx)
		cancel()
	}
	gs.GracefulStop()
	return err
}

func cmdSync(ctx context.Context, args []string, stdout io.Writer) error {
	configPath := ""
	path := ""
	proto := ""
	endpoint := ""
	id := ""
	relayURL := ""
	watch := false
	var sets stringListFlag

	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&configPath, "config", configPath, "TOML configuration")
	fs.StringVar(&path, "path", path, "Bound path to sync")
	fs.StringVar(&proto, "protocol", proto, "Protocol when the configuration has no binding")
	fs.StringVar(&endpoint, "endpoint", endpoint, "Resource server for every protocol")
	fs.StringVar(&id, "id", id, "Entity to load")
	fs.Var(&sets, "set", "Edit a field")
	fs.StringVar(&relayURL, "relay", relayURL, "Websocket relay to join")
	fs.BoolVar(&watch, "watch", watch, "Print every change")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, syncUsage)
		return err
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	b, err := pickBinding(cfg, path, proto)
	if err != nil {
		fmt.Fprint(os.Stderr, syncUsage)
		return err
	}
	edits := make(map[string]any, len(sets))
	for _, s := range sets {
		field, value, err := parseAssignment(s)
		if err != nil {
			return err
		}
		edits[field] = value
	}
	if b.Collection && len(edits) > 0 {
		return fmt.Errorf("-set is not supported for collection %s", b.Path)
	}
	if relayURL == "" {
		relayURL = cfg.Relay.URL
	}
	logger := logging.Configure("protosync", logging.ProfileRuntime, cfg.Log.Level, cfg.Log.NoColor)

	s, closeTransport := newSyncer(cfg, endpoint, logger)
	defer closeTransport()

	if relayURL != "" {
		client := wsrelay.NewClient(s.Bus, logger)
		if err := client.Connect(ctx, relayURL); err != nil {
			return fmt.Errorf("relay: %w", err)
		}
		defer client.Close()
	}

	if b.Collection {
		c, err := model.BindCollection(s, b)
		if err != nil {
			return err
		}
		defer c.Close()
		if _, err := c.Load(ctx, nil); err != nil {
			return err
		}
	} else {
		m, err := model.Bind(s, b)
		if err != nil {
			return err
		}
		defer m.Close()
		if err := syncModel(ctx, s, m, b, id, edits); err != nil {
			return err
		}
	}
	if err := printJSON(stdout, s.Tree.Output(b.Path)); err != nil {
		return err
	}
	if !watch {
		return nil
	}
	unsub := s.Tree.Subscribe(b.Path, func(ev state.Event) {
		if state.IsMeta(ev.Sub) {
			return
		}
		if err := printJSON(stdout, s.Tree.Output(b.Path)); err != nil {
			logger.Warn().Err(err).Msg("print failed")
		}
	}, true)
	defer unsub()
	<-ctx.Done()
	return nil
}

func cmdCall(ctx context.Context, args []string, stdout io.Writer) error {
	configPath := ""
	endpoint := ""
	list := false

	fs := flag.NewFlagSet("call", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&configPath, "config", configPath, "TOML configuration")
	fs.StringVar(&endpoint, "endpoint", endpoint, "Resource server for every protocol")
	fs.BoolVar(&list, "list", list, "Print the method names")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, callUsage)
		return err
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if len(cfg.Bindings) == 0 {
		return fmt.Errorf("no binding configured")
	}
	rest := fs.Args()
	if !list && len(rest) == 0 {
		fmt.Fprint(os.Stderr, callUsage)
		return fmt.Errorf("missing method")
	}
	logger := logging.Configure("protosync", logging.ProfileRuntime, cfg.Log.Level, cfg.Log.NoColor)

	s, closeTransport := newSyncer(cfg, endpoint, logger)
	defer closeTransport()
	methods, closeBindings, err := bindAll(s, cfg.Bindings)
	if err != nil {
		return err
	}
	defer closeBindings()

	if list {
		for _, name := range methods.Names() {
			fmt.Fprintln(stdout, name)
		}
		return nil
	}
	callArgs := make([]any, len(rest)-1)
	for i, raw := range rest[1:] {
		callArgs[i] = parseValue(raw)
	}
	v, err := methods.Call(ctx, rest[0], callArgs...)
	if err != nil {
		return err
	}
	return printJSON(stdout, v)
}

// newSyncer returns a Syncer reaching the resource servers of cfg over gRPC.
func newSyncer(cfg config.Config, endpoint string, logger zerolog.Logger) (*model.Syncer, func()) {
	transport := grpctp.New(
		grpctp.WithProvider(endpoints(cfg, endpoint)),
		grpctp.WithRPCTimeout(cfg.Server.RPCTimeout()),
	)
	s := model.NewSyncer(state.New(), grpcrt.NewRuntime(transport), broadcast.New())
	s.Log = logger
	return s, func() { _ = transport.Close() }
}

// bindAll binds every configuration binding and merges their method tables.
func bindAll(s *model.Syncer, bindings []config.Binding) (model.Methods, func(), error) {
	methods := model.Methods{}
	var closers []func() error
	closeAll := func() {
		for _, c := range closers {
			_ = c()
		}
	}
	for _, b := range bindings {
		if b.Collection {
			c, err := model.BindCollection(s, b)
			if err != nil {
				closeAll()
				return nil, nil, err
			}
			closers = append(closers, c.Close)
			methods.Merge(c.Methods())
			continue
		}
		m, err := model.Bind(s, b)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, m.Close)
		methods.Merge(m.Methods())
	}
	return methods, closeAll, nil
}

// syncModel loads id, or creates an entity, then applies edits and waits
// until they are persisted.
func syncModel(ctx context.Context, s *model.Syncer, m *model.Model, b config.Binding, id string, edits map[string]any) error {
	var err error
	if id != "" {
		_, err = m.Load(ctx, protocol.Request{"id": id})
	} else {
		_, err = m.Create(ctx)
	}
	if err != nil {
		return err
	}
	if len(edits) == 0 {
		return nil
	}
	for field, value := range edits {
		if err := s.Tree.Set(state.Join(b.Path, field), value); err != nil {
			return err
		}
	}
	// Per-edit autosave has already dispatched; anything else needs an
	// explicit save.
	if !b.AutoSave || b.AutoSaveDelayMS > 0 {
		_, err = m.Save(ctx)
		return err
	}
	m.Wait()
	if msg, failed := s.Failed(b.Path); failed {
		return fmt.Errorf("autosave %s: %s", b.Path, msg)
	}
	return nil
}

// pickBinding returns the binding of path. Without a path the configuration
// must bind exactly one; without bindings proto names an ad-hoc one.
func pickBinding(cfg config.Config, path, proto string) (config.Binding, error) {
	if len(cfg.Bindings) == 0 {
		if proto == "" {
			return config.Binding{}, fmt.Errorf("no binding configured: -protocol is required")
		}
		if path == "" {
			path = proto
		}
		b := config.Binding{Path: path, Protocol: proto, AutoSave: true}
		return b, b.Validate()
	}
	if path == "" {
		if len(cfg.Bindings) > 1 {
			return config.Binding{}, fmt.Errorf("%d bindings configured: -path is required", len(cfg.Bindings))
		}
		return cfg.Bindings[0], nil
	}
	for _, b := range cfg.Bindings {
		if b.Path == path {
			return b, nil
		}
	}
	return config.Binding{}, fmt.Errorf("no binding for path %s", path)
}

// endpoints maps each configured protocol to its endpoint. override, or
// else the local server address, serves every other protocol.
func endpoints(cfg config.Config, override string) *grpctp.StaticEndpoints {
	m := map[string][]string{}
	for _, p := range cfg.Protocols {
		if p.Endpoint != "" && override == "" {
			m[p.Name] = []string{p.Endpoint}
		}
	}
	fallback := override
	if fallback == "" {
		fallback = cfg.Server.Addr
		if strings.HasPrefix(fallback, ":") {
			fallback = "localhost" + fallback
		}
	}
	m[grpctp.Any] = []string{fallback}
	return grpctp.NewStaticEndpoints(m)
}

// parseAssignment splits field=value and parses the value.
func parseAssignment(s string) (string, any, error) {
	field, raw, ok := strings.Cut(s, "=")
	field = strings.TrimSpace(field)
	if !ok || field == "" {
		return "", nil, fmt.Errorf("invalid assignment %q", s)
	}
	return field, parseValue(raw), nil
}

// parseValue decodes raw as JSON when it is valid JSON and returns it as a
// string otherwise.
func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
