// Command poolctl is a small operator-facing harness around the pool
// package: it loads a .env file into the process environment when one is
// present, loads a YAML config (whose insecure setting the --insecure flag
// can override; no setting is read from the environment), starts a pool
// against the endpoints it names, and prints
// HealthStatus()/Metrics() on an interval until interrupted. It stands in
// for the HTTP/metrics exporter this package deliberately does not own
// (spec section 1: health/metrics are an abstract sink the caller wires up
// itself).
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"gopkg.in/yaml.v3"

	pool "github.com/multipool/grpcpool"
	"github.com/multipool/grpcpool/internal/signalcoord"
)

// cliConfig is the on-disk shape poolctl reads, translated into pool.Config
// after defaults are applied.
type cliConfig struct {
	Endpoints []struct {
		Name    string `yaml:"name"`
		Address string `yaml:"address"`
		Token   string `yaml:"token"`
	} `yaml:"endpoints"`
	DedupWindowSeconds  int    `yaml:"dedupWindowSeconds"`
	MessageTimeoutSecs  int    `yaml:"messageTimeoutSeconds"`
	Insecure            bool   `yaml:"insecure"`
	ReportIntervalSecs  int    `yaml:"reportIntervalSeconds"`
	ServiceMethod       string `yaml:"serviceMethod"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "poolctl:", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	configPath := pflag.StringP("config", "c", "poolctl.yaml", "path to YAML config file")
	insecure := pflag.Bool("insecure", false, "dial endpoints without TLS (test servers only)")
	pflag.Parse()

	raw, err := os.ReadFile(*configPath)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	var cfgFile cliConfig
	if err := yaml.Unmarshal(raw, &cfgFile); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	if *insecure {
		cfgFile.Insecure = true
	}

	logger := pool.NewLogger(zerolog.New(os.Stderr).With().Timestamp().Logger())

	cfg := pool.DefaultConfig()
	cfg.Logger = logger
	if cfgFile.DedupWindowSeconds > 0 {
		cfg.DedupWindow = time.Duration(cfgFile.DedupWindowSeconds) * time.Second
	}
	if cfgFile.MessageTimeoutSecs > 0 {
		cfg.MessageTimeout = time.Duration(cfgFile.MessageTimeoutSecs) * time.Second
	}
	for _, e := range cfgFile.Endpoints {
		cfg.Endpoints = append(cfg.Endpoints, pool.Endpoint{
			Name:       e.Name,
			Address:    e.Address,
			Credential: e.Token,
		})
	}

	serviceMethod := cfgFile.ServiceMethod
	if serviceMethod == "" {
		serviceMethod = "/poolctl.Demo/Stream"
	}

	// Sharing this Coordinator with Config.SignalCoordinator (rather than
	// leaving Pool.Start to fall back on signalcoord.Default on its own)
	// means this loop's exit and the pool's own internal Stop-on-signal
	// goroutine react to exactly the same trigger.
	coord := signalcoord.Default(os.Interrupt)
	cfg.SignalCoordinator = coord

	opener := structStreamOpener(serviceMethod)
	transport := pool.NewGRPCTransport[*structpb.Struct, *structpb.Struct](
		opener, pool.DefaultChannelOptions(), cfgFile.Insecure,
	)
	codec := demoCodec{}

	p, err := pool.New[*structpb.Struct, *structpb.Struct](cfg, transport, codec)
	if err != nil {
		return fmt.Errorf("constructing pool: %w", err)
	}

	// Start registers the pool with coord itself (spec section 4.5); this
	// loop still drives the process's own exit and bounds it by
	// coord.Deadline(), calling Stop() again here is a no-op race with
	// that internal registration, not a second shutdown path.
	if err := p.Start(); err != nil {
		return fmt.Errorf("starting pool: %w", err)
	}

	reportEvery := time.Duration(cfgFile.ReportIntervalSecs) * time.Second
	if reportEvery <= 0 {
		reportEvery = 10 * time.Second
	}
	ticker := time.NewTicker(reportEvery)
	defer ticker.Stop()

	go drainEvents(p)

	for {
		select {
		case <-ticker.C:
			report(p)
		case <-coord.Done():
			ctx, cancel := context.WithTimeout(context.Background(), coord.Deadline())
			defer cancel()
			stopped := make(chan error, 1)
			go func() { stopped <- p.Stop() }()
			select {
			case err := <-stopped:
				return err
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func drainEvents(p *pool.Pool[*structpb.Struct, *structpb.Struct]) {
	for ev := range p.Events() {
		fmt.Fprintf(os.Stderr, "[%s] %s endpoint=%s err=%v\n", ev.Timestamp.Format(time.RFC3339), ev.Kind, ev.Endpoint, ev.Err)
	}
}

func report(p *pool.Pool[*structpb.Struct, *structpb.Struct]) {
	health := p.HealthStatus()
	metrics := p.Metrics()
	fmt.Printf("running=%v delivered=%d duplicates=%d reconnects=%d\n",
		health.Running, metrics.TotalDelivered, metrics.TotalDuplicates, metrics.TotalReconnects)
	for _, ep := range health.Endpoints {
		fmt.Printf("  %-20s state=%-12s breaker=%-10s reconnects=%d\n", ep.Endpoint, ep.State, ep.BreakerMode, ep.ReconnectAttempts)
	}
}

// structStreamOpener opens a bidirectional stream against a server method
// using *structpb.Struct payloads, with no generated stub required: it
// calls the low-level grpc.ClientConn.NewStream directly, the same surface
// `protoc-gen-go-grpc` output builds on top of. This is the wiring shape a
// caller without codegen'd types reaches for; callers with a real service
// definition should instead pass their generated client's streaming method
// directly, mirroring the teacher's own `geyserClient.Subscribe`.
func structStreamOpener(method string) pool.StreamOpener[*structpb.Struct, *structpb.Struct] {
	desc := &grpc.StreamDesc{StreamName: "Stream", ClientStreams: true, ServerStreams: true}
	return func(ctx context.Context, cc *grpc.ClientConn) (pool.Stream[*structpb.Struct, *structpb.Struct], error) {
		cs, err := cc.NewStream(ctx, desc, method)
		if err != nil {
			return nil, err
		}
		return structStream{cs}, nil
	}
}

type structStream struct{ cs grpc.ClientStream }

func (s structStream) Send(req *structpb.Struct) error { return s.cs.SendMsg(req) }
func (s structStream) Recv() (*structpb.Struct, error) {
	resp := &structpb.Struct{}
	if err := s.cs.RecvMsg(resp); err != nil {
		return nil, err
	}
	return resp, nil
}
func (s structStream) CloseSend() error { return s.cs.CloseSend() }

// demoCodec builds pings as a struct with "kind"="ping" and a numeric "id",
// recognizes pongs by "kind"="pong" with the same "id" field, and uses a
// "sig" string field as the dedup signature when present.
type demoCodec struct{}

func (demoCodec) BuildPing(id int64) *structpb.Struct {
	s, _ := structpb.NewStruct(map[string]any{"kind": "ping", "id": float64(id)})
	return s
}

func (demoCodec) ClassifyPong(resp *structpb.Struct) (int64, bool) {
	fields := resp.GetFields()
	if fields["kind"].GetStringValue() != "pong" {
		return 0, false
	}
	return int64(fields["id"].GetNumberValue()), true
}

func (demoCodec) ExtractSignature(resp *structpb.Struct) ([]byte, bool) {
	v, ok := resp.GetFields()["sig"]
	if !ok {
		return nil, false
	}
	return []byte(v.GetStringValue()), true
}

func (demoCodec) IsProtocolReset(err error) bool {
	return pool.IsGRPCReset(err)
}
