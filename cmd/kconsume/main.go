// Command kconsume consumes records from Kafka topics and prints them.
//
// Consumer properties come from a YAML file and -X flags, using the usual
// Kafka property names:
//
//	brokers: [localhost:9092]
//	topics: [events]
//	tls: true
//	sasl:
//	  mechanism: SCRAM-SHA-512
//	  user: alice
//	  pass: secret
//	properties:
//	  group.id: kconsume
//	  auto.offset.reset: earliest
//	  fetch.max.bytes: 8MiB
//
// Without group.id, the topics' partitions are assigned directly from the
// offset given by auto.offset.reset.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/kcons/kcons/pkg/kcons"
	"github.com/kcons/kcons/pkg/kcons/kgoreq"
	"github.com/kcons/kcons/plugin/kprom"
	"github.com/kcons/kcons/plugin/kzap"
)

type fileConfig struct {
	Brokers    []string          `yaml:"brokers"`
	Topics     []string          `yaml:"topics"`
	TLS        bool              `yaml:"tls"`
	SASL       *saslConfig       `yaml:"sasl"`
	Properties map[string]string `yaml:"properties"`
}

type properties map[string]string

func (p properties) String() string {
	kvs := make([]string, 0, len(p))
	for k, v := range p {
		kvs = append(kvs, k+"="+v)
	}
	sort.Strings(kvs)
	return strings.Join(kvs, ",")
}

func (p properties) Set(kv string) error {
	k, v, ok := strings.Cut(kv, "=")
	if !ok {
		return fmt.Errorf("property %q is not key=value", kv)
	}
	p[k] = v
	return nil
}

var (
	configPath  = flag.String("config", "", "path to a YAML config file")
	brokers     = flag.String("brokers", "", "comma separated seed brokers, overriding the config file")
	topics      = flag.String("topics", "", "comma separated topics, overriding the config file")
	group       = flag.String("group", "", "consumer group, overriding group.id")
	count       = flag.Int("n", 0, "exit after consuming this many records (0 for no limit)")
	format      = flag.String("format", "%t[%p]@%o %k=%v\n", "record format: %t topic, %p partition, %o offset, %k key, %v value, %T timestamp")
	logLevel    = flag.String("log-level", "info", "log level: none, error, warn, info, debug")
	metricsAddr = flag.String("metrics-addr", "", "serve prometheus metrics on this address")
	commitEvery = flag.Duration("commit-every", 0, "commit synchronously on this interval rather than relying on auto commit")
)

func main() {
	props := make(properties)
	flag.Var(props, "X", "consumer property key=value, may be repeated")
	flag.Parse()

	if err := run(props); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(props properties) error {
	var fc fileConfig
	if *configPath != "" {
		raw, err := os.ReadFile(*configPath)
		if err != nil {
			return fmt.Errorf("unable to read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &fc); err != nil {
			return fmt.Errorf("unable to parse config %s: %w", *configPath, err)
		}
	}
	if *brokers != "" {
		fc.Brokers = strings.Split(*brokers, ",")
	}
	if *topics != "" {
		fc.Topics = strings.Split(*topics, ",")
	}
	if len(fc.Brokers) == 0 {
		fc.Brokers = []string{"localhost:9092"}
	}
	if len(fc.Topics) == 0 {
		return errors.New("no topics to consume")
	}
	if fc.Properties == nil {
		fc.Properties = make(map[string]string)
	}
	for k, v := range props {
		fc.Properties[k] = v
	}
	if *group != "" {
		fc.Properties["group.id"] = *group
	}

	level, zlevel, err := parseLevel(*logLevel)
	if err != nil {
		return err
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(zlevel)
	zl, err := zcfg.Build()
	if err != nil {
		return err
	}
	defer zl.Sync()

	opts, err := kcons.ParseConfigMap(fc.Properties)
	if err != nil {
		return err
	}

	clOpts, err := clientOpts(fc)
	if err != nil {
		return err
	}
	clOpts = append(clOpts, kgo.WithLogger(kgoLogger{zl.Named("kgo")}))
	cl, err := kgo.NewClient(clOpts...)
	if err != nil {
		return fmt.Errorf("unable to create client: %w", err)
	}
	defer cl.Close()

	opts = append(opts,
		kcons.WithRequester(kgoreq.New(cl)),
		kcons.WithLogger(kzap.New(zl, kzap.Level(level), kzap.NamedFacility())),
	)
	if *metricsAddr != "" {
		m := kprom.NewMetrics("kconsume", kprom.GoCollectors())
		opts = append(opts, kcons.WithHooks(m))
		srv := &http.Server{Addr: *metricsAddr, Handler: m.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				zl.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	c, err := kcons.NewConsumer(opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, ok := fc.Properties["group.id"]; ok {
		err = c.Subscribe(fc.Topics...)
	} else {
		err = assignAll(ctx, cl, c, fc.Topics)
	}
	if err != nil {
		return err
	}

	consumeErr := consume(ctx, c)

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Close(closeCtx); err != nil {
		zl.Warn("close failed", zap.Error(err))
	}
	if errors.Is(consumeErr, context.Canceled) {
		return nil
	}
	return consumeErr
}

func consume(ctx context.Context, c *kcons.Consumer) error {
	recordFormat := strings.ReplaceAll(*format, `\n`, "\n")
	var (
		n          int
		nextCommit = time.Now().Add(*commitEvery)
	)
	for *count == 0 || n < *count {
		r, err := c.Consume(ctx)
		if err != nil {
			var pe *kcons.PartitionError
			if errors.As(err, &pe) {
				fmt.Fprintf(os.Stderr, "partition error: %v\n", pe)
				continue
			}
			return err
		}
		if r.PartitionEOF {
			fmt.Fprintf(os.Stderr, "reached end of %s[%d] at %d\n", r.Topic, r.Partition, r.Offset)
			continue
		}
		fmt.Print(formatRecord(recordFormat, r))
		n++
		if *commitEvery > 0 && time.Now().After(nextCommit) {
			nextCommit = time.Now().Add(*commitEvery)
			if _, err := c.Commit(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "commit failed: %v\n", err)
			}
		}
	}
	return nil
}

// assignAll assigns every partition of topics, starting from the reset
// policy's offset.
func assignAll(ctx context.Context, cl *kgo.Client, c *kcons.Consumer, topics []string) error {
	req := kmsgMetadata(topics)
	resp, err := req.RequestWith(ctx, cl)
	if err != nil {
		return fmt.Errorf("unable to load metadata: %w", err)
	}
	var tpos []kcons.TopicPartitionOffset
	for _, t := range resp.Topics {
		if t.Topic == nil {
			continue
		}
		for _, p := range t.Partitions {
			tpos = append(tpos, kcons.TopicPartitionOffset{
				TopicPartition: kcons.TopicPartition{Topic: *t.Topic, Partition: p.Partition},
				Offset:         kcons.OffsetStored,
			})
		}
	}
	if len(tpos) == 0 {
		return errors.New("no partitions to assign")
	}
	return c.Assign(tpos...)
}

func formatRecord(format string, r *kcons.Record) string {
	var sb strings.Builder
	for i := 0; i < len(format); i++ {
		if format[i] != '%' || i+1 == len(format) {
			sb.WriteByte(format[i])
			continue
		}
		i++
		switch format[i] {
		case 't':
			sb.WriteString(r.Topic)
		case 'p':
			fmt.Fprint(&sb, r.Partition)
		case 'o':
			fmt.Fprint(&sb, int64(r.Offset))
		case 'k':
			sb.Write(r.Key)
		case 'v':
			sb.Write(r.Value)
		case 'T':
			sb.WriteString(r.Timestamp.Format(time.RFC3339Nano))
		case '%':
			sb.WriteByte('%')
		default:
			sb.WriteByte('%')
			sb.WriteByte(format[i])
		}
	}
	return sb.String()
}
