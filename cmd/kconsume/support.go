package main

import (
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/twmb/franz-go/pkg/kversion"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/oauth"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kcons/kcons/pkg/kcons"
)

func parseLevel(s string) (kcons.LogLevel, zapcore.Level, error) {
	switch s {
	case "none":
		return kcons.LogLevelNone, zapcore.FatalLevel, nil
	case "error":
		return kcons.LogLevelError, zapcore.ErrorLevel, nil
	case "warn":
		return kcons.LogLevelWarn, zapcore.WarnLevel, nil
	case "info":
		return kcons.LogLevelInfo, zapcore.InfoLevel, nil
	case "debug":
		return kcons.LogLevelDebug, zapcore.DebugLevel, nil
	}
	return 0, 0, fmt.Errorf("unknown log level %q", s)
}

type saslConfig struct {
	Mechanism string `yaml:"mechanism"`
	User      string `yaml:"user"`
	Pass      string `yaml:"pass"`
	Token     string `yaml:"token"`
}

func (c *saslConfig) mechanism() (sasl.Mechanism, error) {
	switch strings.ToUpper(c.Mechanism) {
	case "PLAIN":
		return plain.Auth{User: c.User, Pass: c.Pass}.AsMechanism(), nil
	case "SCRAM-SHA-256":
		return scram.Auth{User: c.User, Pass: c.Pass}.AsSha256Mechanism(), nil
	case "SCRAM-SHA-512":
		return scram.Auth{User: c.User, Pass: c.Pass}.AsSha512Mechanism(), nil
	case "OAUTHBEARER":
		return oauth.Auth{Token: c.Token}.AsMechanism(), nil
	}
	return nil, fmt.Errorf("unknown sasl mechanism %q", c.Mechanism)
}

// clientOpts returns the transport client options for fc.
func clientOpts(fc fileConfig) ([]kgo.Opt, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(fc.Brokers...),
		kgo.MaxVersions(kversion.V3_0_0()),
	}
	if fc.TLS {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}))
	}
	if fc.SASL != nil {
		m, err := fc.SASL.mechanism()
		if err != nil {
			return nil, err
		}
		opts = append(opts, kgo.SASL(m))
	}
	return opts, nil
}

func kmsgMetadata(topics []string) *kmsg.MetadataRequest {
	req := kmsg.NewPtrMetadataRequest()
	for _, topic := range topics {
		rt := kmsg.NewMetadataRequestTopic()
		rt.Topic = kmsg.StringPtr(topic)
		req.Topics = append(req.Topics, rt)
	}
	return req
}

// kgoLogger logs the transport client's own messages through zap.
type kgoLogger struct{ zl *zap.Logger }

func (l kgoLogger) Level() kgo.LogLevel {
	switch {
	case l.zl.Core().Enabled(zapcore.DebugLevel):
		return kgo.LogLevelDebug
	case l.zl.Core().Enabled(zapcore.InfoLevel):
		return kgo.LogLevelInfo
	case l.zl.Core().Enabled(zapcore.WarnLevel):
		return kgo.LogLevelWarn
	}
	return kgo.LogLevelError
}

func (l kgoLogger) Log(level kgo.LogLevel, msg string, keyvals ...any) {
	fields := make([]zap.Field, 0, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		k, _ := keyvals[i].(string)
		fields = append(fields, zap.Any(k, keyvals[i+1]))
	}
	switch level {
	case kgo.LogLevelError:
		l.zl.Error(msg, fields...)
	case kgo.LogLevelWarn:
		l.zl.Warn(msg, fields...)
	case kgo.LogLevelInfo:
		l.zl.Info(msg, fields...)
	case kgo.LogLevelDebug:
		l.zl.Debug(msg, fields...)
	}
}
